package ws

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"dm-service/internal/auth"
	"dm-service/internal/events"
	"dm-service/internal/middleware"
	"dm-service/internal/observability"
)

// Handler upgrades GET /ws.
type Handler struct {
	hub      *Hub
	verifier *auth.Verifier
	emitter  *events.Emitter
	logger   *zap.Logger
}

// NewHandler constructs a Handler. emitter may be nil.
func NewHandler(hub *Hub, verifier *auth.Verifier, emitter *events.Emitter, logger *zap.Logger) *Handler {
	return &Handler{hub: hub, verifier: verifier, emitter: emitter, logger: logger}
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Handle authenticates the handshake, upgrades the connection and starts its pumps.
func (h *Handler) Handle(c *gin.Context) {
	ctx, span := otel.Tracer("dm-service/ws").Start(c.Request.Context(), "ws.handshake",
		trace.WithSpanKind(trace.SpanKindServer))
	defer span.End()

	token, ok := auth.BearerToken(c.GetHeader("Authorization"))
	if !ok {
		token = c.Query("token")
	}
	if token == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing token"})
		return
	}
	id, err := h.verifier.Verify(token)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Debug("websocket upgrade failed", zap.Error(err))
		return
	}

	requestID := c.GetString(middleware.RequestIDKey)
	info := ConnInfo{
		ConnID:      uuid.NewString(),
		UserID:      id.UserID,
		Username:    id.Username,
		DeviceID:    observability.DeviceIDFromRequest(c.Request),
		IP:          observability.IPFromRequest(c.Request),
		RequestID:   requestID,
		TraceID:     traceID(span),
		ConnectedAt: time.Now(),
	}
	span.SetAttributes(attribute.String("ws.conn_id", info.ConnID), attribute.Int64("user.id", info.UserID))
	client := h.hub.NewClient(conn, info)

	observability.IncWSActive()
	observability.IncWSEvent("ws_connect")
	// the connection outlives the request context
	connCtx := events.WithRequestID(context.WithoutCancel(ctx), requestID)
	h.emitter.Connected(connCtx, info.TraceID, h.payload(info, ""))
	h.logger.Info("websocket connected", zap.String("conn_id", info.ConnID), zap.Int64("user_id", info.UserID))

	go client.writePump()
	go func() {
		client.readPump(connCtx)
		observability.DecWSActive()
		observability.IncWSEvent("ws_disconnect")
		h.emitter.Disconnected(connCtx, info.TraceID, h.payload(info, client.closeReason))
		h.logger.Info("websocket disconnected",
			zap.String("conn_id", info.ConnID),
			zap.Int64("user_id", info.UserID),
			zap.String("reason", client.closeReason),
			zap.Duration("duration", time.Since(info.ConnectedAt)),
		)
	}()
}

func (h *Handler) payload(info ConnInfo, reason string) events.ConnectionPayload {
	return events.ConnectionPayload{
		ConnID:         info.ConnID,
		UserID:         info.UserID,
		DeviceID:       info.DeviceID,
		IP:             info.IP,
		DurationMillis: time.Since(info.ConnectedAt).Milliseconds(),
		Reason:         reason,
	}
}

func traceID(span trace.Span) string {
	sc := span.SpanContext()
	if !sc.HasTraceID() {
		return ""
	}
	return sc.TraceID().String()
}
