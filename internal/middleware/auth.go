package middleware

import (
	"net/http"
	"strings"

	"github.com/cardwatch/cardwatch/db"
	"github.com/cardwatch/cardwatch/internal/auth"
	"github.com/cardwatch/cardwatch/internal/models"
	"github.com/cardwatch/cardwatch/internal/types"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

type AuthenticatedUser struct {
	ID    string `json:"id"`
	Email string `json:"email"`
}

// AuthMiddleware verifies the bearer token the identity provider issued and
// resolves the user row it names. User provisioning itself lives outside
// this service.
func AuthMiddleware() gin.HandlerFunc {
	return func(ctx *gin.Context) {
		authHeader := ctx.GetHeader("Authorization")

		if authHeader == "" {
			ctx.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Authorization token is required"})
			return
		}

		parts := strings.SplitN(authHeader, " ", 2)

		if len(parts) != 2 || parts[0] != "Bearer" {
			ctx.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Authorization header format must be Bearer {token}"})
			return
		}

		token, err := auth.VerifyJWT(parts[1])

		if err != nil || !token.Valid {
			ctx.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Invalid or expired token"})
			return
		}

		claims, ok := token.Claims.(jwt.MapClaims)

		if !ok {
			ctx.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Invalid token claims"})
			return
		}

		userID, ok := claims["user_id"].(string)

		if !ok || userID == "" {
			ctx.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Invalid user ID in token claims"})
			return
		}

		var user models.User

		if err := db.DB.Where("id = ?", userID).First(&user).Error; err != nil {
			ctx.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "User not found"})
			return
		}

		ctx.Set(types.ContextUserKey, AuthenticatedUser{
			ID:    user.ID,
			Email: user.Email,
		})
		ctx.Next()
	}
}

// IngestAuthMiddleware gates the ingestion endpoint with the shared token
// the ingestion gateway presents.
func IngestAuthMiddleware(token string) gin.HandlerFunc {
	return func(ctx *gin.Context) {
		if token == "" || ctx.GetHeader(types.IngestTokenHeader) != token {
			ctx.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Invalid ingest token"})
			return
		}
		ctx.Next()
	}
}
