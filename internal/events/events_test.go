package events

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"dm-service/internal/models"
)

type publisherMock struct {
	mock.Mock
}

func (m *publisherMock) Publish(ctx context.Context, routingKey string, event any) error {
	args := m.Called(ctx, routingKey, event)
	return args.Error(0)
}

func (m *publisherMock) Close() error {
	return m.Called().Error(0)
}

func TestMessageCreatedEnvelope(t *testing.T) {
	pub := &publisherMock{}
	var got Envelope
	pub.On("Publish", mock.Anything, MessageCreated, mock.AnythingOfType("events.Envelope")).
		Run(func(args mock.Arguments) { got = args.Get(2).(Envelope) }).
		Return(nil)

	e := NewEmitter(pub, "dm-service", "test", zap.NewNop())
	e.now = func() time.Time { return time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC) }

	ctx := WithRequestID(context.Background(), "req-1")
	e.MessageCreated(ctx, models.Message{ID: 9, ConversationID: 3, SenderID: 1, Content: "héllo", Images: []string{"https://x/y.png"}}, false)

	pub.AssertExpectations(t)
	assert.Equal(t, 1, got.SchemaVersion)
	assert.Equal(t, MessageCreated, got.EventType)
	assert.Equal(t, "2026-01-02T03:04:05Z", got.OccurredAt)
	assert.Equal(t, "req-1", got.RequestID)
	assert.Equal(t, map[string]string{"x-request-id": "req-1"}, got.Headers())

	payload, ok := got.Payload.(MessagePayload)
	require.True(t, ok)
	assert.Equal(t, int64(9), payload.MessageID)
	assert.True(t, payload.HasImages)
	assert.Equal(t, 5, payload.ContentLength)
}

func TestPublishErrorIsSwallowed(t *testing.T) {
	pub := &publisherMock{}
	pub.On("Publish", mock.Anything, ConversationRead, mock.Anything).Return(errors.New("broker down"))

	e := NewEmitter(pub, "dm-service", "test", zap.NewNop())
	readAt := time.Now()
	assert.NotPanics(t, func() {
		e.AnnounceReadBoundary(context.Background(), models.ReadReceipt{ConversationID: 1, ReaderID: 2, MessageID: 3, ReadAt: &readAt, Advanced: true})
	})
	pub.AssertExpectations(t)
}

func TestNilEmitterIsNoop(t *testing.T) {
	var e *Emitter
	assert.NotPanics(t, func() {
		e.ConversationCreated(context.Background(), models.Conversation{ID: 1}, 1)
	})
}
