// Package typing tracks who is typing in which conversation. State lives in memory
// only and expires after an idle timeout.
package typing

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// DefaultIdleTimeout is how long a typer stays active after the last keystroke signal.
const DefaultIdleTimeout = time.Second

// Notifier delivers typing_changed to a conversation. A nil username clears the
// indicator. userID identifies the typer so its own connections can be skipped.
type Notifier interface {
	TypingChanged(conversationID int64, userID int64, username *string)
}

type key struct {
	conversationID int64
	userID         int64
}

type state struct {
	username   string
	connection string
	generation uint64
	timer      *time.Timer
}

// Broadcaster debounces typing signals into start and stop transitions.
type Broadcaster struct {
	mu       sync.Mutex
	idle     time.Duration
	notifier Notifier
	logger   *zap.Logger
	states   map[key]*state
	gen      uint64
}

// NewBroadcaster constructs a Broadcaster. A non-positive idle uses DefaultIdleTimeout.
func NewBroadcaster(notifier Notifier, idle time.Duration, logger *zap.Logger) *Broadcaster {
	if idle <= 0 {
		idle = DefaultIdleTimeout
	}
	return &Broadcaster{
		idle:     idle,
		notifier: notifier,
		logger:   logger,
		states:   make(map[key]*state),
	}
}

// Start records a typing signal from connection on behalf of userID. Only the
// inactive to active transition is broadcast; repeated signals just re-arm the timer.
func (b *Broadcaster) Start(connection string, conversationID, userID int64, username string) {
	k := key{conversationID: conversationID, userID: userID}

	b.mu.Lock()
	b.gen++
	gen := b.gen
	st, active := b.states[k]
	if active {
		st.timer.Stop()
		st.generation = gen
		st.connection = connection
	} else {
		st = &state{username: username, connection: connection, generation: gen}
		b.states[k] = st
	}
	st.timer = time.AfterFunc(b.idle, func() { b.expire(k, gen) })
	b.mu.Unlock()

	if !active {
		name := username
		b.notifier.TypingChanged(conversationID, userID, &name)
	}
}

// Stop clears the typer immediately. It is a no-op when the typer is not active.
func (b *Broadcaster) Stop(conversationID, userID int64) {
	k := key{conversationID: conversationID, userID: userID}

	b.mu.Lock()
	st, ok := b.states[k]
	if ok {
		st.timer.Stop()
		delete(b.states, k)
	}
	b.mu.Unlock()

	if ok {
		b.notifier.TypingChanged(conversationID, userID, nil)
	}
}

// DropConnection clears every state last refreshed by connection.
func (b *Broadcaster) DropConnection(connection string) {
	var cleared []key

	b.mu.Lock()
	for k, st := range b.states {
		if st.connection != connection {
			continue
		}
		st.timer.Stop()
		delete(b.states, k)
		cleared = append(cleared, k)
	}
	b.mu.Unlock()

	for _, k := range cleared {
		b.notifier.TypingChanged(k.conversationID, k.userID, nil)
	}
	if len(cleared) > 0 {
		b.logger.Debug("typing cleared on disconnect", zap.String("connection_id", connection), zap.Int("states", len(cleared)))
	}
}

// Active reports the usernames currently typing in conversationID.
func (b *Broadcaster) Active(conversationID int64) []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	var names []string
	for k, st := range b.states {
		if k.conversationID == conversationID {
			names = append(names, st.username)
		}
	}
	return names
}

func (b *Broadcaster) expire(k key, gen uint64) {
	b.mu.Lock()
	st, ok := b.states[k]
	if !ok || st.generation != gen {
		b.mu.Unlock()
		return
	}
	delete(b.states, k)
	b.mu.Unlock()

	b.notifier.TypingChanged(k.conversationID, k.userID, nil)
}
