// Package events publishes domain events to the message bus.
package events

import (
	"context"
	"time"

	"go.uber.org/zap"

	"dm-service/internal/models"
)

// Routing keys on the events exchange.
const (
	MessageCreated      = "message.created"
	ConversationCreated = "conversation.created"
	ConversationRead    = "conversation.read"
	WSConnect           = "ws_events.connect"
	WSDisconnect        = "ws_events.disconnect"
)

const schemaVersion = 1

type Publisher interface {
	Publish(ctx context.Context, routingKey string, event any) error
	Close() error
}

type Envelope struct {
	SchemaVersion int    `json:"schema_version"`
	EventType     string `json:"event_type"`
	OccurredAt    string `json:"occurred_at"`
	Service       string `json:"service"`
	Environment   string `json:"environment"`
	RequestID     string `json:"request_id"`
	TraceID       string `json:"trace_id,omitempty"`
	Payload       any    `json:"payload"`
}

// Headers are copied onto the AMQP message.
func (e Envelope) Headers() map[string]string {
	headers := map[string]string{}
	if e.RequestID != "" {
		headers["x-request-id"] = e.RequestID
	}
	if e.TraceID != "" {
		headers["trace_id"] = e.TraceID
	}
	return headers
}

type ConversationPayload struct {
	ConversationID int64   `json:"conversation_id"`
	Participants   []int64 `json:"participants"`
	InitiatorID    int64   `json:"initiator_id"`
}

type MessagePayload struct {
	MessageID      int64  `json:"message_id"`
	ConversationID int64  `json:"conversation_id"`
	SenderID       int64  `json:"sender_id"`
	HasImages      bool   `json:"has_images"`
	ContentLength  int    `json:"content_length"`
	Replayed       bool   `json:"replayed"`
	CreatedAt      string `json:"created_at"`
}

type ReadPayload struct {
	ConversationID int64  `json:"conversation_id"`
	ReaderID       int64  `json:"reader_id"`
	MessageID      int64  `json:"message_id"`
	ReadAt         string `json:"read_at"`
}

type ConnectionPayload struct {
	ConnID         string `json:"conn_id"`
	UserID         int64  `json:"user_id"`
	DeviceID       string `json:"device_id,omitempty"`
	IP             string `json:"ip,omitempty"`
	DurationMillis int64  `json:"duration_ms"`
	Reason         string `json:"reason,omitempty"`
}

type requestIDKey struct{}

// WithRequestID attaches the request id carried into envelopes.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, requestID)
}

func requestIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

// Emitter stamps envelopes and hands them to the publisher. Publish failures are
// logged and never surface to callers.
type Emitter struct {
	publisher   Publisher
	service     string
	environment string
	logger      *zap.Logger
	now         func() time.Time
}

func NewEmitter(publisher Publisher, service, environment string, logger *zap.Logger) *Emitter {
	return &Emitter{
		publisher:   publisher,
		service:     service,
		environment: environment,
		logger:      logger,
		now:         time.Now,
	}
}

func (e *Emitter) emit(ctx context.Context, routingKey string, traceID string, payload any) {
	if e == nil || e.publisher == nil {
		return
	}
	envelope := Envelope{
		SchemaVersion: schemaVersion,
		EventType:     routingKey,
		OccurredAt:    e.now().UTC().Format(time.RFC3339Nano),
		Service:       e.service,
		Environment:   e.environment,
		RequestID:     requestIDFrom(ctx),
		TraceID:       traceID,
		Payload:       payload,
	}
	if err := e.publisher.Publish(ctx, routingKey, envelope); err != nil {
		e.logger.Warn("event publish failed", zap.String("routing_key", routingKey), zap.String("request_id", envelope.RequestID), zap.Error(err))
	}
}

func (e *Emitter) ConversationCreated(ctx context.Context, conv models.Conversation, initiatorID int64) {
	e.emit(ctx, ConversationCreated, "", ConversationPayload{
		ConversationID: conv.ID,
		Participants:   conv.Participants,
		InitiatorID:    initiatorID,
	})
}

func (e *Emitter) MessageCreated(ctx context.Context, msg models.Message, replayed bool) {
	e.emit(ctx, MessageCreated, "", MessagePayload{
		MessageID:      msg.ID,
		ConversationID: msg.ConversationID,
		SenderID:       msg.SenderID,
		HasImages:      len(msg.Images) > 0,
		ContentLength:  len([]rune(msg.Content)),
		Replayed:       replayed,
		CreatedAt:      msg.CreatedAt.UTC().Format(time.RFC3339Nano),
	})
}

// AnnounceReadBoundary publishes conversation.read.
func (e *Emitter) AnnounceReadBoundary(ctx context.Context, receipt models.ReadReceipt) {
	payload := ReadPayload{
		ConversationID: receipt.ConversationID,
		ReaderID:       receipt.ReaderID,
		MessageID:      receipt.MessageID,
	}
	if receipt.ReadAt != nil {
		payload.ReadAt = receipt.ReadAt.UTC().Format(time.RFC3339Nano)
	}
	e.emit(ctx, ConversationRead, "", payload)
}

func (e *Emitter) Connected(ctx context.Context, traceID string, conn ConnectionPayload) {
	e.emit(ctx, WSConnect, traceID, conn)
}

func (e *Emitter) Disconnected(ctx context.Context, traceID string, conn ConnectionPayload) {
	e.emit(ctx, WSDisconnect, traceID, conn)
}
