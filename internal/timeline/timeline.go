// Package timeline is the client-side model of one conversation: confirmed
// messages from the server merged with local optimistic sends.
//
// Entries are keyed by server id once confirmed and by a temporary id while a send
// is in flight. The client token of a send is stable across retries, so a late
// server acknowledgement or a realtime echo can always be matched back to the
// optimistic entry it replaces. A temporary entry and its confirmed counterpart are
// never visible at the same time.
package timeline

import (
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"dm-service/internal/models"
)

type Status string

const (
	StatusSending Status = "sending"
	StatusSent    Status = "sent"
	StatusFailed  Status = "failed"
)

// Entry is one rendered row.
type Entry struct {
	Key         string
	TempID      string
	ClientToken string
	Status      Status
	Message     models.Message
	Err         error

	seq uint64
}

// Pending reports whether the entry is a local send not yet confirmed.
func (e Entry) Pending() bool {
	return e.Status != StatusSent
}

// Timeline holds the entries of one conversation. It is safe for concurrent use.
type Timeline struct {
	mu             sync.Mutex
	conversationID int64
	selfID         int64
	entries        map[string]*Entry
	seq            uint64
	now            func() time.Time
}

func New(conversationID, selfID int64) *Timeline {
	return &Timeline{
		conversationID: conversationID,
		selfID:         selfID,
		entries:        make(map[string]*Entry),
		now:            func() time.Time { return time.Now().UTC() },
	}
}

// SetClock replaces the clock used to stamp local entries.
func (t *Timeline) SetClock(now func() time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.now = now
}

// MessageKey is the entry key of a confirmed message.
func MessageKey(id int64) string {
	return "m:" + strconv.FormatInt(id, 10)
}

func newTempID() string {
	return "tmp-" + uuid.NewString()
}

// Submit adds an optimistic entry in the sending state.
func (t *Timeline) Submit(content string, images []string) Entry {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.addPendingLocked(content, images, uuid.NewString())
}

func (t *Timeline) addPendingLocked(content string, images []string, token string) Entry {
	t.seq++
	tempID := newTempID()
	tok := token
	e := &Entry{
		Key:         tempID,
		TempID:      tempID,
		ClientToken: token,
		Status:      StatusSending,
		Message: models.Message{
			ConversationID: t.conversationID,
			SenderID:       t.selfID,
			Content:        content,
			Images:         append([]string(nil), images...),
			ClientToken:    &tok,
			CreatedAt:      t.now(),
		},
		seq: t.seq,
	}
	t.entries[tempID] = e
	return *e
}

// Confirm swaps the optimistic entry for the stored message. Any other local
// entry with the same client token goes too, which covers an acknowledgement
// that arrives after the entry was retried under a new temp id.
func (t *Timeline) Confirm(tempID string, msg models.Message) {
	t.mu.Lock()
	defer t.mu.Unlock()

	token := ""
	if e, ok := t.entries[tempID]; ok && e.Pending() {
		token = e.ClientToken
		delete(t.entries, tempID)
	}
	if msg.ClientToken != nil {
		token = *msg.ClientToken
	}
	t.dropPendingTokenLocked(token)
	t.upsertLocked(msg)
}

// Fail marks a sending entry failed in place.
func (t *Timeline) Fail(tempID string, err error) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[tempID]
	if !ok || e.Status != StatusSending {
		return false
	}
	e.Status = StatusFailed
	e.Err = err
	return true
}

// Retry replaces a failed entry with a fresh sending one. The client token is
// kept so the server answers a duplicate attempt with the original message.
func (t *Timeline) Retry(tempID string) (Entry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[tempID]
	if !ok || e.Status != StatusFailed {
		return Entry{}, false
	}
	delete(t.entries, tempID)
	return t.addPendingLocked(e.Message.Content, e.Message.Images, e.ClientToken), true
}

// Discard drops a local entry. Confirmed messages cannot be discarded.
func (t *Timeline) Discard(tempID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[tempID]
	if !ok || !e.Pending() {
		return false
	}
	delete(t.entries, tempID)
	return true
}

// ApplyRemote merges a message that arrived from the server by any path.
func (t *Timeline) ApplyRemote(msg models.Message) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if msg.ClientToken != nil && msg.SenderID == t.selfID {
		t.dropPendingTokenLocked(*msg.ClientToken)
	}
	t.upsertLocked(msg)
}

// MergePage applies every message of a fetched page.
func (t *Timeline) MergePage(page models.Page) {
	for _, m := range page.Messages {
		t.ApplyRemote(m)
	}
}

// ApplyReadBoundary marks as read every confirmed message not sent by readerID
// with an id up to upTo. Already-read messages keep their timestamp.
func (t *Timeline) ApplyReadBoundary(readerID, upTo int64, readAt time.Time) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	changed := 0
	for _, e := range t.entries {
		if e.Pending() || e.Message.SenderID == readerID || e.Message.ID > upTo || e.Message.ReadAt != nil {
			continue
		}
		at := readAt
		e.Message.ReadAt = &at
		changed++
	}
	return changed
}

// Get returns the entry stored under key (temp id or "m:<id>").
func (t *Timeline) Get(key string) (Entry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[key]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

// Message looks up a confirmed message by server id.
func (t *Timeline) Message(id int64) (models.Message, bool) {
	e, ok := t.Get(MessageKey(id))
	return e.Message, ok
}

// Entries returns all entries in render order.
func (t *Timeline) Entries() []Entry {
	t.mu.Lock()
	out := make([]Entry, 0, len(t.entries))
	for _, e := range t.entries {
		out = append(out, *e)
	}
	t.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return before(out[i], out[j]) })
	return out
}

// Oldest returns the confirmed message with the smallest id.
func (t *Timeline) Oldest() (models.Message, bool) {
	return t.extreme(func(a, b int64) bool { return a < b })
}

// Newest returns the confirmed message with the largest id.
func (t *Timeline) Newest() (models.Message, bool) {
	return t.extreme(func(a, b int64) bool { return a > b })
}

func (t *Timeline) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

func (t *Timeline) extreme(better func(a, b int64) bool) (models.Message, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	var (
		best  models.Message
		found bool
	)
	for _, e := range t.entries {
		if e.Pending() {
			continue
		}
		if !found || better(e.Message.ID, best.ID) {
			best = e.Message
			found = true
		}
	}
	return best, found
}

func (t *Timeline) upsertLocked(msg models.Message) {
	key := MessageKey(msg.ID)
	if existing, ok := t.entries[key]; ok {
		// read_at only ever moves from null to a value
		if existing.Message.ReadAt == nil && msg.ReadAt != nil {
			at := *msg.ReadAt
			existing.Message.ReadAt = &at
		}
		return
	}
	t.entries[key] = &Entry{Key: key, Status: StatusSent, Message: msg}
}

func (t *Timeline) dropPendingTokenLocked(token string) {
	if token == "" {
		return
	}
	for key, e := range t.entries {
		if e.Pending() && e.ClientToken == token {
			delete(t.entries, key)
		}
	}
}

// before orders by (created_at, id). Local entries have no id yet and sort after
// confirmed messages with the same timestamp, then by submission order.
func before(a, b Entry) bool {
	if !a.Message.CreatedAt.Equal(b.Message.CreatedAt) {
		return a.Message.CreatedAt.Before(b.Message.CreatedAt)
	}
	if a.Pending() != b.Pending() {
		return !a.Pending()
	}
	if a.Pending() {
		return a.seq < b.seq
	}
	return a.Message.ID < b.Message.ID
}
