package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"dm-service/internal/messaging"
	"dm-service/internal/middleware"
	"dm-service/internal/models"
	"dm-service/internal/pagination"
)

// ConversationHandler manages direct-message endpoints.
type ConversationHandler struct {
	service *messaging.Service
	logger  *zap.Logger
}

// NewConversationHandler builds a ConversationHandler.
func NewConversationHandler(service *messaging.Service, logger *zap.Logger) *ConversationHandler {
	return &ConversationHandler{service: service, logger: logger}
}

// Register mounts the routes on an authenticated group.
func (h *ConversationHandler) Register(r gin.IRoutes) {
	r.GET("/conversations", h.ListConversations)
	r.POST("/conversations", h.StartConversation)
	r.GET("/conversations/:conversation_id/messages", h.GetMessages)
	r.POST("/conversations/:conversation_id/messages", h.PostMessage)
	r.POST("/conversations/:conversation_id/read", h.MarkRead)
	r.POST("/users/:user_id/messages", h.SendToUser)
}

// ListConversations returns the caller's conversations, most recently active first.
func (h *ConversationHandler) ListConversations(c *gin.Context) {
	id := middleware.Identity(c)
	list, err := h.service.ListConversations(c.Request.Context(), id.UserID)
	if err != nil {
		h.respondError(c, err, "load conversations")
		return
	}
	c.JSON(http.StatusOK, gin.H{"conversations": list})
}

// StartConversation creates or returns the conversation with peer_id.
func (h *ConversationHandler) StartConversation(c *gin.Context) {
	var req struct {
		PeerID int64 `json:"peer_id" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	id := middleware.Identity(c)
	conv, err := h.service.StartConversation(requestContext(c), id.UserID, req.PeerID)
	if err != nil {
		h.respondError(c, err, "start conversation")
		return
	}
	c.JSON(http.StatusOK, conv)
}

// GetMessages returns one page of history. direction=older (default) pages back
// from cursor, direction=newer returns what arrived after it.
func (h *ConversationHandler) GetMessages(c *gin.Context) {
	conversationID, ok := parseID(c, "conversation_id", "conversation id")
	if !ok {
		return
	}
	direction, ok := pagination.ParseDirection(c.Query("direction"))
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "direction must be older or newer"})
		return
	}

	var cursor *int64
	if raw := c.Query("cursor"); raw != "" {
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || v < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid cursor"})
			return
		}
		cursor = &v
	}
	limit := 0
	if raw := c.Query("limit"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
			return
		}
		limit = v
	}

	id := middleware.Identity(c)
	var (
		page models.Page
		err  error
	)
	if direction == pagination.Newer {
		var after int64
		if cursor != nil {
			after = *cursor
		}
		page, err = h.service.FetchNewer(c.Request.Context(), conversationID, id.UserID, after, limit)
	} else {
		page, err = h.service.FetchOlder(c.Request.Context(), conversationID, id.UserID, cursor, limit)
	}
	if err != nil {
		h.respondError(c, err, "load messages")
		return
	}
	c.JSON(http.StatusOK, page)
}

// PostMessage stores a message and broadcasts it.
func (h *ConversationHandler) PostMessage(c *gin.Context) {
	conversationID, ok := parseID(c, "conversation_id", "conversation id")
	if !ok {
		return
	}
	var req models.CreateMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	id := middleware.Identity(c)
	msg, err := h.service.CreateMessage(requestContext(c), conversationID, id.UserID, req)
	if err != nil {
		h.respondError(c, err, "store message")
		return
	}
	c.JSON(http.StatusCreated, msg)
}

// SendToUser messages a user directly, creating the conversation on first contact.
func (h *ConversationHandler) SendToUser(c *gin.Context) {
	receiverID, ok := parseID(c, "user_id", "user id")
	if !ok {
		return
	}
	var req models.CreateMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	id := middleware.Identity(c)
	conv, msg, err := h.service.SendToUser(requestContext(c), id.UserID, receiverID, req)
	if err != nil {
		h.respondError(c, err, "send message")
		return
	}
	c.JSON(http.StatusCreated, gin.H{"conversation": conv, "message": msg})
}

// MarkRead advances the caller's read boundary.
func (h *ConversationHandler) MarkRead(c *gin.Context) {
	conversationID, ok := parseID(c, "conversation_id", "conversation id")
	if !ok {
		return
	}

	receipt, err := h.service.MarkRead(requestContext(c), conversationID, middleware.Identity(c))
	if err != nil {
		h.respondError(c, err, "mark read")
		return
	}
	c.JSON(http.StatusOK, receipt)
}
