package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"dm-service/internal/events"
	"dm-service/internal/messaging"
	"dm-service/internal/middleware"
	"dm-service/internal/repositories"
)

// requestContext carries the request id into domain events.
func requestContext(c *gin.Context) context.Context {
	return events.WithRequestID(c.Request.Context(), c.GetString(middleware.RequestIDKey))
}

func parseID(c *gin.Context, param, label string) (int64, bool) {
	id, err := strconv.ParseInt(c.Param(param), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid " + label})
		return 0, false
	}
	return id, true
}

func (h *ConversationHandler) respondError(c *gin.Context, err error, action string) {
	var verr *messaging.ValidationError
	switch {
	case errors.As(err, &verr):
		c.JSON(http.StatusBadRequest, gin.H{"error": verr.Reason, "field": verr.Field})
	case errors.Is(err, messaging.ErrNotAuthorized):
		c.JSON(http.StatusForbidden, gin.H{"error": "not a conversation participant"})
	case errors.Is(err, repositories.ErrConversationNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "conversation not found"})
	default:
		h.logger.Error(action+" failed", zap.String("request_id", c.GetString(middleware.RequestIDKey)), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to " + action})
	}
}
