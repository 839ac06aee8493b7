package router

import (
	"time"

	"github.com/cardwatch/cardwatch/internal/handlers"
	"github.com/cardwatch/cardwatch/internal/middleware"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
)

func NewRouter(ingestToken string) *gin.Engine {
	r := gin.Default()

	// Add CORS middleware
	r.Use(cors.New(cors.Config{
		AllowOrigins:     []string{"http://localhost:3000", "http://localhost:3001", "http://localhost:5173"},
		AllowMethods:     []string{"GET", "POST", "PUT", "PATCH", "DELETE", "HEAD", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Length", "Content-Type", "Authorization", "Accept", "X-Requested-With", "X-Ingest-Token"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	api := r.Group("/api")
	{
		api.GET("/health", handlers.HealthCheck)
		api.GET("/ws", middleware.AuthMiddleware(), handlers.NotificationStream)

		// Ingestion gateway; authenticated with the shared ingest token.
		api.POST("/transactions", middleware.IngestAuthMiddleware(ingestToken), handlers.IngestTransaction)

		rules := api.Group("/rules", middleware.AuthMiddleware())
		{
			rules.POST("/validate", handlers.ValidateRule)
			rules.POST("", handlers.CreateRule)
			rules.GET("", handlers.ListRules)
			rules.GET("/:rule_id", handlers.GetRule)
			rules.PATCH("/:rule_id", handlers.UpdateRule)
			rules.DELETE("/:rule_id", handlers.DeleteRule)
			rules.GET("/:rule_id/history", handlers.GetRuleHistory)
		}

		notifications := api.Group("/notifications", middleware.AuthMiddleware())
		{
			notifications.GET("", handlers.ListNotifications)
			notifications.POST("/:notification_id/read", handlers.MarkNotificationRead)
		}
	}

	return r
}
