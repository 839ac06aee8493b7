package handlers

import (
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/cardwatch/cardwatch/internal/models"
	"github.com/cardwatch/cardwatch/internal/store"
	"github.com/cardwatch/cardwatch/internal/utils"
	"github.com/gin-gonic/gin"
)

type NotificationSummary struct {
	ID            string     `json:"id"`
	RuleID        string     `json:"rule_id"`
	TransactionID *string    `json:"transaction_id"`
	Channel       string     `json:"channel"`
	Title         string     `json:"title"`
	Body          string     `json:"body"`
	Severity      string     `json:"severity"`
	Status        string     `json:"status"`
	CreatedAt     time.Time  `json:"created_at"`
	DeliveredAt   *time.Time `json:"delivered_at"`
	ReadAt        *time.Time `json:"read_at"`
}

func ListNotifications(ctx *gin.Context) {
	userID, err := utils.GetCurrentUserID(ctx)

	if err != nil {
		ctx.JSON(http.StatusUnauthorized, gin.H{"error": "User not authenticated"})
		return
	}

	notifications, err := alertStore.ListNotifications(userID, 100)

	if err != nil {
		log.Printf("Failed to list notifications: %v", err)
		ctx.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to retrieve notifications"})
		return
	}

	summaries := make([]NotificationSummary, 0, len(notifications))
	for _, n := range notifications {
		summaries = append(summaries, NotificationSummary{
			ID:            n.ID,
			RuleID:        n.RuleID,
			TransactionID: n.TransactionID,
			Channel:       n.Channel,
			Title:         n.Title,
			Body:          n.Body,
			Severity:      n.Severity,
			Status:        n.Status,
			CreatedAt:     n.CreatedAt,
			DeliveredAt:   n.DeliveredAt,
			ReadAt:        n.ReadAt,
		})
	}

	ctx.JSON(http.StatusOK, gin.H{"notifications": summaries})
}

// MarkNotificationRead is the UI's acknowledgement. READ only applies to
// delivered notifications; the dispatcher never touches this state.
func MarkNotificationRead(ctx *gin.Context) {
	userID, err := utils.GetCurrentUserID(ctx)

	if err != nil {
		ctx.JSON(http.StatusUnauthorized, gin.H{"error": "User not authenticated"})
		return
	}

	notificationID, err := utils.GetNotificationID(ctx)

	if err != nil {
		ctx.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	n, err := alertStore.GetNotification(notificationID)

	if err != nil || n.UserID != userID {
		ctx.JSON(http.StatusNotFound, gin.H{"error": "Notification not found"})
		return
	}

	if err := alertStore.AdvanceNotificationStatus(n.ID, models.NotificationRead, ""); err != nil {
		if errors.Is(err, store.ErrInvalidTransition) {
			ctx.JSON(http.StatusConflict, gin.H{"error": "Notification cannot be marked read in its current state"})
			return
		}
		log.Printf("Failed to mark notification read: %v", err)
		ctx.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to update notification"})
		return
	}

	ctx.JSON(http.StatusOK, gin.H{"message": "Notification marked as read"})
}
