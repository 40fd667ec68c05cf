package client

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dm-service/internal/models"
	"dm-service/internal/timeline"
)

type fakeAPI struct {
	mu        sync.Mutex
	history   []models.Message
	nextID    int64
	byToken   map[string]models.Message
	createErr error
	block     bool
	olderErr  error
	markReads int
	tokens    []string
}

func newFakeAPI(history ...models.Message) *fakeAPI {
	f := &fakeAPI{history: history, byToken: map[string]models.Message{}, nextID: 100}
	return f
}

func (f *fakeAPI) FetchOlder(_ context.Context, _ int64, cursor *int64, limit int) (models.Page, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.olderErr != nil {
		return models.Page{}, f.olderErr
	}
	if limit <= 0 {
		limit = 30
	}
	var rows []models.Message
	for i := len(f.history) - 1; i >= 0 && len(rows) <= limit; i-- {
		if cursor != nil && f.history[i].ID >= *cursor {
			continue
		}
		rows = append(rows, f.history[i])
	}
	page := models.Page{End: len(rows) <= limit}
	if !page.End {
		rows = rows[:limit]
	}
	for i := len(rows) - 1; i >= 0; i-- {
		page.Messages = append(page.Messages, rows[i])
	}
	if !page.End {
		id := page.Messages[0].ID
		page.Cursor = &id
	}
	return page, nil
}

func (f *fakeAPI) FetchNewer(_ context.Context, _ int64, cursor int64, _ int) (models.Page, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	page := models.Page{End: true, Cursor: &cursor}
	for _, m := range f.history {
		if m.ID > cursor {
			page.Messages = append(page.Messages, m)
			id := m.ID
			page.Cursor = &id
		}
	}
	return page, nil
}

func (f *fakeAPI) CreateMessage(ctx context.Context, conversationID int64, req models.CreateMessageRequest) (models.Message, error) {
	f.mu.Lock()
	f.tokens = append(f.tokens, req.ClientToken)
	block, createErr := f.block, f.createErr
	f.mu.Unlock()
	if block {
		<-ctx.Done()
		return models.Message{}, &APIError{Kind: KindTransient, Err: ctx.Err()}
	}
	if createErr != nil {
		return models.Message{}, createErr
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if m, ok := f.byToken[req.ClientToken]; ok {
		return m, nil
	}
	f.nextID++
	token := req.ClientToken
	m := models.Message{ID: f.nextID, ConversationID: conversationID, SenderID: 1, Content: req.Content, ClientToken: &token, CreatedAt: time.Now()}
	f.byToken[token] = m
	f.history = append(f.history, m)
	return m, nil
}

func (f *fakeAPI) MarkRead(context.Context, int64) (models.ReadReceipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.markReads++
	return models.ReadReceipt{}, nil
}

func (f *fakeAPI) reads() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.markReads
}

type fakeRealtime struct {
	mu        sync.Mutex
	handlers  map[subKey][]Handler
	hooks     []func()
	joins     []int64
	leaves    []int64
	typing    []bool
	announced []models.Message
}

func newFakeRealtime() *fakeRealtime {
	return &fakeRealtime{handlers: map[subKey][]Handler{}}
}

func (f *fakeRealtime) Join(id int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.joins = append(f.joins, id)
	return nil
}

func (f *fakeRealtime) Leave(id int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.leaves = append(f.leaves, id)
	return nil
}

func (f *fakeRealtime) SendTyping(_ int64, typing bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.typing = append(f.typing, typing)
	return nil
}

func (f *fakeRealtime) AnnounceMessage(msg models.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.announced = append(f.announced, msg)
	return nil
}

func (f *fakeRealtime) Subscribe(conversationID int64, kind string, h Handler) func() {
	key := subKey{conversationID: conversationID, kind: kind}
	f.mu.Lock()
	f.handlers[key] = append(f.handlers[key], h)
	idx := len(f.handlers[key]) - 1
	f.mu.Unlock()
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.handlers[key][idx] = nil
	}
}

func (f *fakeRealtime) OnReconnect(fn func()) func() {
	f.mu.Lock()
	f.hooks = append(f.hooks, fn)
	f.mu.Unlock()
	return func() {}
}

func (f *fakeRealtime) reconnect() {
	f.mu.Lock()
	hooks := append([]func(){}, f.hooks...)
	f.mu.Unlock()
	for _, fn := range hooks {
		fn()
	}
}

func (f *fakeRealtime) live(conversationID int64, kind string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, h := range f.handlers[subKey{conversationID: conversationID, kind: kind}] {
		if h != nil {
			n++
		}
	}
	return n
}

func (f *fakeRealtime) deliver(t *testing.T, kind string, conversationID int64, payload any) {
	t.Helper()
	frame, err := models.NewFrame(kind, conversationID, payload)
	require.NoError(t, err)
	f.mu.Lock()
	handlers := append([]Handler(nil), f.handlers[subKey{conversationID: conversationID, kind: kind}]...)
	f.mu.Unlock()
	for _, h := range handlers {
		if h != nil {
			h(frame)
		}
	}
}

func history(n int) []models.Message {
	base := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	out := make([]models.Message, 0, n)
	for i := 1; i <= n; i++ {
		sender := int64(2)
		if i%2 == 0 {
			sender = 1
		}
		out = append(out, models.Message{ID: int64(i), ConversationID: 7, SenderID: sender, Content: "old", CreatedAt: base.Add(time.Duration(i) * time.Minute)})
	}
	return out
}

func openView(t *testing.T, api *fakeAPI, rt *fakeRealtime, opts ViewOptions) *View {
	t.Helper()
	v := NewView(api, rt, 7, 1, opts)
	require.NoError(t, v.Open(context.Background()))
	return v
}

func TestOpenHydratesJoinsAndMarksReadOnce(t *testing.T) {
	api := newFakeAPI(history(5)...)
	rt := newFakeRealtime()
	v := openView(t, api, rt, ViewOptions{PageSize: 3})

	assert.Equal(t, []int64{7}, rt.joins)
	for _, kind := range []string{models.FrameMessageCreated, models.FrameReadBoundaryAdvanced, models.FrameTypingChanged} {
		assert.Equal(t, 1, rt.live(7, kind), kind)
	}
	assert.Equal(t, 3, v.timeline.Len())
	assert.False(t, v.End())
	assert.Equal(t, 1, api.reads())
	assert.ErrorIs(t, v.Open(context.Background()), ErrAlreadyOpen)

	added, err := v.LoadOlder(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, added)
	assert.True(t, v.End())
}

func TestSendConfirmsAndAnnounces(t *testing.T) {
	api := newFakeAPI()
	rt := newFakeRealtime()
	v := openView(t, api, rt, ViewOptions{})

	entry, err := v.Send(context.Background(), "hello", nil)
	require.NoError(t, err)
	assert.Equal(t, timeline.StatusSent, entry.Status)
	assert.Equal(t, "hello", entry.Message.Content)
	require.Len(t, rt.announced, 1)
	assert.Equal(t, entry.Message.ID, rt.announced[0].ID)
	assert.Equal(t, 1, v.timeline.Len())

	// the hub echo of our own message changes nothing
	rt.deliver(t, models.FrameMessageCreated, 7, entry.Message)
	assert.Equal(t, 1, v.timeline.Len())
}

func TestSendTimeoutThenRetryKeepsToken(t *testing.T) {
	api := newFakeAPI()
	api.block = true
	rt := newFakeRealtime()
	v := openView(t, api, rt, ViewOptions{SendTimeout: 20 * time.Millisecond})

	failed, err := v.Send(context.Background(), "slow network", nil)
	require.Error(t, err)
	assert.True(t, IsTransient(err))
	assert.Equal(t, timeline.StatusFailed, failed.Status)

	api.mu.Lock()
	api.block = false
	api.mu.Unlock()

	sent, err := v.Retry(context.Background(), failed.TempID)
	require.NoError(t, err)
	assert.Equal(t, timeline.StatusSent, sent.Status)
	assert.Equal(t, 1, v.timeline.Len())

	require.Len(t, api.tokens, 2)
	assert.Equal(t, api.tokens[0], api.tokens[1])

	_, err = v.Retry(context.Background(), failed.TempID)
	assert.Equal(t, KindNotFound, KindOf(err))
}

func TestDiscardFailedSend(t *testing.T) {
	api := newFakeAPI()
	api.createErr = &APIError{Kind: KindValidation, Status: 400, Field: "content"}
	v := openView(t, api, newFakeRealtime(), ViewOptions{})

	failed, err := v.Send(context.Background(), "bad", nil)
	require.Error(t, err)
	assert.Equal(t, KindValidation, KindOf(err))
	assert.True(t, v.Discard(failed.TempID))
	assert.Zero(t, v.timeline.Len())
}

func TestLoadOlderErrorStopsPaging(t *testing.T) {
	api := newFakeAPI(history(40)...)
	v := openView(t, api, newFakeRealtime(), ViewOptions{PageSize: 10})

	api.mu.Lock()
	api.olderErr = errors.New("boom")
	api.mu.Unlock()

	added, err := v.LoadOlder(context.Background())
	require.NoError(t, err)
	assert.Zero(t, added)
	assert.True(t, v.End())

	added, err = v.LoadOlder(context.Background())
	require.NoError(t, err)
	assert.Zero(t, added)
}

func TestReconnectCatchesUpEmptyView(t *testing.T) {
	api := newFakeAPI()
	rt := newFakeRealtime()
	v := openView(t, api, rt, ViewOptions{})
	require.Zero(t, v.timeline.Len())

	api.mu.Lock()
	api.history = append(api.history, history(2)...)
	api.mu.Unlock()

	rt.reconnect()
	require.Eventually(t, func() bool { return v.timeline.Len() == 2 }, time.Second, 5*time.Millisecond)
	assert.True(t, v.End())
}

func TestReconnectCatchesUpAfterNewest(t *testing.T) {
	msgs := history(3)
	api := newFakeAPI(msgs[:1]...)
	rt := newFakeRealtime()
	v := openView(t, api, rt, ViewOptions{})
	require.Equal(t, 1, v.timeline.Len())

	api.mu.Lock()
	api.history = append(api.history, msgs[1:]...)
	api.mu.Unlock()

	rt.reconnect()
	require.Eventually(t, func() bool { return v.timeline.Len() == 3 }, time.Second, 5*time.Millisecond)
	newest, ok := v.timeline.Newest()
	require.True(t, ok)
	assert.Equal(t, int64(3), newest.ID)
}

func TestFocusedRemoteMessageMarksReadOnce(t *testing.T) {
	api := newFakeAPI()
	rt := newFakeRealtime()
	v := openView(t, api, rt, ViewOptions{})
	require.Equal(t, 1, api.reads())

	rt.deliver(t, models.FrameMessageCreated, 7, models.Message{ID: 50, ConversationID: 7, SenderID: 2, Content: "unfocused", CreatedAt: time.Now()})
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, api.reads())

	v.Focus(context.Background(), true)
	assert.Equal(t, 2, api.reads())

	rt.deliver(t, models.FrameMessageCreated, 7, models.Message{ID: 51, ConversationID: 7, SenderID: 2, Content: "focused", CreatedAt: time.Now()})
	require.Eventually(t, func() bool { return api.reads() == 3 }, time.Second, 5*time.Millisecond)

	// own messages never trigger a read
	rt.deliver(t, models.FrameMessageCreated, 7, models.Message{ID: 52, ConversationID: 7, SenderID: 1, Content: "mine", CreatedAt: time.Now()})
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 3, api.reads())
	assert.Equal(t, 3, v.timeline.Len())
}

func TestReadBoundaryAndTypingFrames(t *testing.T) {
	api := newFakeAPI(history(4)...)
	rt := newFakeRealtime()
	v := openView(t, api, rt, ViewOptions{})

	readAt := time.Now().UTC()
	rt.deliver(t, models.FrameReadBoundaryAdvanced, 7, models.ReadBoundaryPayload{ReaderID: 2, ReaderUsername: "bob", MessageID: 4, ReadAt: readAt})
	for _, id := range []int64{2, 4} {
		m, ok := v.timeline.Message(id)
		require.True(t, ok)
		assert.NotNil(t, m.ReadAt, "own message %d should be read by bob", id)
	}
	m, _ := v.timeline.Message(1)
	assert.Nil(t, m.ReadAt)

	name := "bob"
	rt.deliver(t, models.FrameTypingChanged, 7, models.TypingPayload{Username: &name})
	typer, ok := v.Typer()
	require.True(t, ok)
	assert.Equal(t, "bob", typer)
	rt.deliver(t, models.FrameTypingChanged, 7, models.TypingPayload{})
	_, ok = v.Typer()
	assert.False(t, ok)
}

func TestKeystrokeThrottle(t *testing.T) {
	rt := newFakeRealtime()
	v := openView(t, newFakeAPI(), rt, ViewOptions{TypingThrottle: time.Minute})
	clock := time.Now()
	v.now = func() time.Time { return clock }

	v.Keystroke()
	v.Keystroke()
	v.Keystroke()
	assert.Equal(t, []bool{true}, rt.typing)

	clock = clock.Add(2 * time.Minute)
	v.Keystroke()
	assert.Equal(t, []bool{true, true}, rt.typing)

	v.StopTyping()
	v.StopTyping()
	assert.Equal(t, []bool{true, true, false}, rt.typing)
}

func TestCloseDisposesAndLeaves(t *testing.T) {
	rt := newFakeRealtime()
	v := openView(t, newFakeAPI(), rt, ViewOptions{})

	require.NoError(t, v.Close())
	for _, kind := range []string{models.FrameMessageCreated, models.FrameReadBoundaryAdvanced, models.FrameTypingChanged} {
		assert.Zero(t, rt.live(7, kind), kind)
	}
	assert.Equal(t, []int64{7}, rt.leaves)
	assert.ErrorIs(t, v.Close(), ErrNotOpen)

	// a remount subscribes again, exactly once
	require.NoError(t, v.Open(context.Background()))
	assert.Equal(t, 1, rt.live(7, models.FrameMessageCreated))
}
