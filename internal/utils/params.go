package utils

import (
	"errors"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

func GetRuleID(ctx *gin.Context) (string, error) {
	return getUUIDParam(ctx, "rule_id")
}

func GetNotificationID(ctx *gin.Context) (string, error) {
	return getUUIDParam(ctx, "notification_id")
}

func getUUIDParam(ctx *gin.Context, name string) (string, error) {
	value := ctx.Param(name)

	if value == "" {
		return "", errors.New("missing " + name)
	}

	if _, err := uuid.Parse(value); err != nil {
		return "", errors.New("invalid " + name)
	}

	return value, nil
}
