package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"dm-service/internal/auth"
)

const (
	UserIDKey    = "userID"
	UsernameKey  = "username"
	RequestIDKey = "request_id"
)

// AuthMiddleware validates the bearer access token and stores the identity on the context.
func AuthMiddleware(verifier *auth.Verifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if header == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing authorization"})
			return
		}

		token, ok := auth.BearerToken(header)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid authorization header"})
			return
		}

		id, err := verifier.Verify(token)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}

		SetIdentity(c, id)
		c.Next()
	}
}

// SetIdentity stores the caller on the gin context.
func SetIdentity(c *gin.Context, id auth.Identity) {
	c.Set(UserIDKey, id.UserID)
	c.Set(UsernameKey, id.Username)
}

// Identity reads the caller stored by AuthMiddleware.
func Identity(c *gin.Context) auth.Identity {
	return auth.Identity{UserID: c.GetInt64(UserIDKey), Username: c.GetString(UsernameKey)}
}

// RequestID propagates X-Request-ID or generates one.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}
		c.Set(RequestIDKey, requestID)
		c.Header("X-Request-ID", requestID)
		c.Next()
	}
}
