package handlers

import (
	"time"

	"github.com/cardwatch/cardwatch/internal/orchestrator"
	"github.com/gin-gonic/gin"
)

func HealthCheck(c *gin.Context) {
	c.JSON(200, gin.H{
		"status":     "ok",
		"message":    "Cardwatch is running",
		"eval_queue": orchestrator.Depth(),
		"timestamp":  time.Now().Format(time.RFC3339),
	})
}
