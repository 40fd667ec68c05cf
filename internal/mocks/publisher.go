package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"

	"dm-service/internal/events"
)

var _ events.Publisher = (*BusMock)(nil)

// BusMock stands in for the AMQP event bus behind an events.Emitter.
type BusMock struct {
	mock.Mock
}

func (m *BusMock) Publish(ctx context.Context, routingKey string, event any) error {
	args := m.Called(ctx, routingKey, event)
	return args.Error(0)
}

func (m *BusMock) Close() error {
	args := m.Called()
	return args.Error(0)
}

// Envelopes returns what was published under routingKey, in call order.
func (m *BusMock) Envelopes(routingKey string) []events.Envelope {
	var out []events.Envelope
	for _, call := range m.Calls {
		if call.Method != "Publish" || call.Arguments.String(1) != routingKey {
			continue
		}
		if env, ok := call.Arguments.Get(2).(events.Envelope); ok {
			out = append(out, env)
		}
	}
	return out
}
