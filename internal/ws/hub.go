package ws

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/cardwatch/cardwatch/internal/logger"
)

// Hub fans notification events out to a user's connected clients. The UI
// listens here to refresh its notification list without polling.

const writeWait = 10 * time.Second

var (
	userClients   = make(map[string]map[*websocket.Conn]bool)
	userClientsMu sync.RWMutex
)

func Register(userID string, conn *websocket.Conn) {
	userClientsMu.Lock()
	defer userClientsMu.Unlock()

	if userClients[userID] == nil {
		userClients[userID] = make(map[*websocket.Conn]bool)
	}
	userClients[userID][conn] = true
}

func Unregister(userID string, conn *websocket.Conn) {
	userClientsMu.Lock()
	defer userClientsMu.Unlock()

	if clients, exists := userClients[userID]; exists {
		delete(clients, conn)
		if len(clients) == 0 {
			delete(userClients, userID)
		}
	}
}

// BroadcastNotification tells a user's clients a new notification exists.
func BroadcastNotification(userID, notificationID string) {
	userClientsMu.RLock()
	clients, exists := userClients[userID]
	if !exists || len(clients) == 0 {
		userClientsMu.RUnlock()
		return
	}

	conns := make([]*websocket.Conn, 0, len(clients))
	for conn := range clients {
		conns = append(conns, conn)
	}
	userClientsMu.RUnlock()

	for _, conn := range conns {
		if err := conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
			continue
		}

		err := conn.WriteJSON(map[string]string{
			"type":            "notification",
			"notification_id": notificationID,
		})

		if err != nil {
			logger.Warn("websocket broadcast failed", zap.String("user", userID), zap.Error(err))
			Unregister(userID, conn)
			conn.Close()
		}
	}
}
