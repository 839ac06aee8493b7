package utils

import (
	"fmt"

	"github.com/cardwatch/cardwatch/internal/middleware"
	"github.com/cardwatch/cardwatch/internal/types"
	"github.com/gin-gonic/gin"
)

func GetCurrentUser(ctx *gin.Context) (middleware.AuthenticatedUser, error) {
	user, exists := ctx.Get(types.ContextUserKey)

	if !exists {
		return middleware.AuthenticatedUser{}, fmt.Errorf("User not authenticated")
	}

	authenticatedUser, ok := user.(middleware.AuthenticatedUser)

	if !ok {
		return middleware.AuthenticatedUser{}, fmt.Errorf("Invalid user type in context")
	}

	return authenticatedUser, nil
}

func GetCurrentUserID(ctx *gin.Context) (string, error) {
	user, err := GetCurrentUser(ctx)

	if err != nil {
		return "", err
	}

	return user.ID, nil
}
