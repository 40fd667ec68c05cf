package client

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"dm-service/internal/models"
	"dm-service/internal/timeline"
)

// MessageAPI is the REST surface a View needs. *API implements it.
type MessageAPI interface {
	FetchOlder(ctx context.Context, conversationID int64, cursor *int64, limit int) (models.Page, error)
	FetchNewer(ctx context.Context, conversationID int64, cursor int64, limit int) (models.Page, error)
	CreateMessage(ctx context.Context, conversationID int64, req models.CreateMessageRequest) (models.Message, error)
	MarkRead(ctx context.Context, conversationID int64) (models.ReadReceipt, error)
}

// Realtime is the websocket surface a View needs. *Conn implements it.
type Realtime interface {
	Join(conversationID int64) error
	Leave(conversationID int64) error
	SendTyping(conversationID int64, typing bool) error
	AnnounceMessage(msg models.Message) error
	Subscribe(conversationID int64, kind string, h Handler) func()
	OnReconnect(fn func()) func()
}

const (
	DefaultSendTimeout    = 10 * time.Second
	DefaultTypingThrottle = 700 * time.Millisecond
)

// ViewOptions tune a View. Zero values pick defaults.
type ViewOptions struct {
	PageSize       int
	SendTimeout    time.Duration
	TypingThrottle time.Duration
	Logger         *zap.Logger
	// OnChange runs after every change to the timeline or typing state.
	OnChange func()
}

// View is one mounted conversation: it owns the subscriptions, the timeline and
// the read/typing bookkeeping for that conversation.
type View struct {
	api            MessageAPI
	rt             Realtime
	conversationID int64
	selfID         int64
	opts           ViewOptions
	logger         *zap.Logger
	timeline       *timeline.Timeline
	now            func() time.Time

	mu          sync.Mutex
	open        bool
	focused     bool
	end         bool
	cursor      *int64
	typer       *string
	typingSent  time.Time
	typing      bool
	disposers   []func()
	background  sync.WaitGroup
	lifetime    context.Context
	stopContext context.CancelFunc
}

func NewView(api MessageAPI, rt Realtime, conversationID, selfID int64, opts ViewOptions) *View {
	if opts.SendTimeout <= 0 {
		opts.SendTimeout = DefaultSendTimeout
	}
	if opts.TypingThrottle <= 0 {
		opts.TypingThrottle = DefaultTypingThrottle
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &View{
		api:            api,
		rt:             rt,
		conversationID: conversationID,
		selfID:         selfID,
		opts:           opts,
		logger:         opts.Logger.With(zap.Int64("conversation_id", conversationID)),
		timeline:       timeline.New(conversationID, selfID),
		now:            time.Now,
	}
}

// Timeline exposes the underlying state for rendering.
func (v *View) Timeline() *timeline.Timeline {
	return v.timeline
}

// Entries returns the rows to render, oldest first.
func (v *View) Entries() []timeline.Entry {
	return v.timeline.Entries()
}

// Open subscribes, joins the room, loads the newest page, catches up on anything
// that arrived in between and marks the conversation read once.
func (v *View) Open(ctx context.Context) error {
	v.mu.Lock()
	if v.open {
		v.mu.Unlock()
		return ErrAlreadyOpen
	}
	v.open = true
	v.lifetime, v.stopContext = context.WithCancel(context.WithoutCancel(ctx))
	v.disposers = []func(){
		v.rt.Subscribe(v.conversationID, models.FrameMessageCreated, v.onMessage),
		v.rt.Subscribe(v.conversationID, models.FrameReadBoundaryAdvanced, v.onReadBoundary),
		v.rt.Subscribe(v.conversationID, models.FrameTypingChanged, v.onTyping),
		v.rt.OnReconnect(v.onReconnect),
	}
	v.mu.Unlock()

	if err := v.rt.Join(v.conversationID); err != nil {
		v.logger.Warn("join failed", zap.Error(err))
	}

	page, err := v.api.FetchOlder(ctx, v.conversationID, nil, v.opts.PageSize)
	if err != nil {
		return err
	}
	v.timeline.MergePage(page)
	v.mu.Lock()
	v.end = page.End
	v.cursor = page.Cursor
	v.mu.Unlock()

	if err := v.catchUp(ctx); err != nil {
		return err
	}
	if _, err := v.api.MarkRead(ctx, v.conversationID); err != nil {
		v.logger.Debug("mark read failed", zap.Error(err))
	}
	v.changed()
	return nil
}

// catchUp pulls everything newer than the newest confirmed message.
func (v *View) catchUp(ctx context.Context) error {
	newest, ok := v.timeline.Newest()
	if !ok {
		// nothing confirmed yet, so there is no cursor to resume from
		page, err := v.api.FetchOlder(ctx, v.conversationID, nil, v.opts.PageSize)
		if err != nil {
			return err
		}
		v.timeline.MergePage(page)
		v.mu.Lock()
		v.end = page.End
		v.cursor = page.Cursor
		v.mu.Unlock()
		return nil
	}
	cursor := newest.ID
	for {
		page, err := v.api.FetchNewer(ctx, v.conversationID, cursor, v.opts.PageSize)
		if err != nil {
			return err
		}
		v.timeline.MergePage(page)
		if page.End || page.Cursor == nil || *page.Cursor == cursor {
			return nil
		}
		cursor = *page.Cursor
	}
}

// Send posts a message optimistically. The returned entry is the confirmed row on
// success and the failed local row otherwise.
func (v *View) Send(ctx context.Context, content string, images []string) (timeline.Entry, error) {
	entry := v.timeline.Submit(content, images)
	v.changed()
	v.StopTyping()
	return v.deliver(ctx, entry)
}

// Retry resends a failed entry under a new temp id and the same client token.
func (v *View) Retry(ctx context.Context, tempID string) (timeline.Entry, error) {
	entry, ok := v.timeline.Retry(tempID)
	if !ok {
		return timeline.Entry{}, &APIError{Kind: KindNotFound, Message: "no failed message " + tempID}
	}
	v.changed()
	return v.deliver(ctx, entry)
}

// Discard removes a failed or pending local entry.
func (v *View) Discard(tempID string) bool {
	ok := v.timeline.Discard(tempID)
	if ok {
		v.changed()
	}
	return ok
}

func (v *View) deliver(ctx context.Context, entry timeline.Entry) (timeline.Entry, error) {
	ctx, cancel := context.WithTimeout(ctx, v.opts.SendTimeout)
	defer cancel()

	msg, err := v.api.CreateMessage(ctx, v.conversationID, models.CreateMessageRequest{
		Content:     entry.Message.Content,
		Images:      entry.Message.Images,
		ClientToken: entry.ClientToken,
	})
	if err != nil {
		v.timeline.Fail(entry.TempID, err)
		v.changed()
		failed, _ := v.timeline.Get(entry.TempID)
		return failed, err
	}

	v.timeline.Confirm(entry.TempID, msg)
	v.changed()
	if err := v.rt.AnnounceMessage(msg); err != nil {
		v.logger.Debug("announce failed", zap.Int64("message_id", msg.ID), zap.Error(err))
	}
	confirmed, _ := v.timeline.Get(timeline.MessageKey(msg.ID))
	return confirmed, nil
}

// LoadOlder fetches the page before the oldest loaded message. It returns the
// number of messages added. Once it reports end further calls are no-ops. A failed
// fetch is logged and treated as end.
func (v *View) LoadOlder(ctx context.Context) (int, error) {
	v.mu.Lock()
	if v.end {
		v.mu.Unlock()
		return 0, nil
	}
	cursor := v.cursor
	v.mu.Unlock()
	if cursor == nil {
		if oldest, ok := v.timeline.Oldest(); ok {
			id := oldest.ID
			cursor = &id
		}
	}

	before := v.timeline.Len()
	page, err := v.api.FetchOlder(ctx, v.conversationID, cursor, v.opts.PageSize)
	if err != nil {
		v.mu.Lock()
		v.end = true
		v.mu.Unlock()
		v.logger.Warn("loading older messages failed", zap.Error(err))
		v.changed()
		return 0, nil
	}
	v.timeline.MergePage(page)
	v.mu.Lock()
	v.end = page.End
	v.cursor = page.Cursor
	v.mu.Unlock()
	v.changed()
	return v.timeline.Len() - before, nil
}

// End reports whether the beginning of history has been reached.
func (v *View) End() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.end
}

// Focus records whether the view is visible. Gaining focus marks read.
func (v *View) Focus(ctx context.Context, focused bool) {
	v.mu.Lock()
	was := v.focused
	v.focused = focused
	v.mu.Unlock()
	if focused && !was {
		v.markRead(ctx)
	}
}

// Keystroke signals typing, at most once per throttle window.
func (v *View) Keystroke() {
	now := v.now()
	v.mu.Lock()
	if v.typing && now.Sub(v.typingSent) < v.opts.TypingThrottle {
		v.mu.Unlock()
		return
	}
	v.typing = true
	v.typingSent = now
	v.mu.Unlock()

	if err := v.rt.SendTyping(v.conversationID, true); err != nil {
		v.logger.Debug("typing signal failed", zap.Error(err))
	}
}

// StopTyping clears the indicator if this view raised it.
func (v *View) StopTyping() {
	v.mu.Lock()
	was := v.typing
	v.typing = false
	v.mu.Unlock()
	if !was {
		return
	}
	if err := v.rt.SendTyping(v.conversationID, false); err != nil {
		v.logger.Debug("typing stop failed", zap.Error(err))
	}
}

// Typer returns who is typing in the conversation, if anyone.
func (v *View) Typer() (string, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.typer == nil {
		return "", false
	}
	return *v.typer, true
}

// Close disposes every subscription and leaves the room.
func (v *View) Close() error {
	v.mu.Lock()
	if !v.open {
		v.mu.Unlock()
		return ErrNotOpen
	}
	v.open = false
	disposers := v.disposers
	v.disposers = nil
	stop := v.stopContext
	v.mu.Unlock()

	for _, dispose := range disposers {
		dispose()
	}
	stop()
	v.background.Wait()
	v.StopTyping()
	return v.rt.Leave(v.conversationID)
}

func (v *View) onMessage(frame models.Frame) {
	var msg models.Message
	if err := json.Unmarshal(frame.Payload, &msg); err != nil {
		v.logger.Debug("bad message_created payload", zap.Error(err))
		return
	}
	v.timeline.ApplyRemote(msg)
	v.changed()

	v.mu.Lock()
	focused := v.focused
	v.mu.Unlock()
	if focused && msg.SenderID != v.selfID {
		v.inBackground(v.markRead)
	}
}

func (v *View) onReadBoundary(frame models.Frame) {
	var payload models.ReadBoundaryPayload
	if err := json.Unmarshal(frame.Payload, &payload); err != nil {
		return
	}
	if payload.ReaderID == v.selfID {
		return
	}
	if v.timeline.ApplyReadBoundary(payload.ReaderID, payload.MessageID, payload.ReadAt) > 0 {
		v.changed()
	}
}

func (v *View) onTyping(frame models.Frame) {
	var payload models.TypingPayload
	if err := json.Unmarshal(frame.Payload, &payload); err != nil {
		return
	}
	v.mu.Lock()
	v.typer = payload.Username
	v.mu.Unlock()
	v.changed()
}

func (v *View) onReconnect() {
	v.inBackground(func(ctx context.Context) {
		if err := v.catchUp(ctx); err != nil {
			v.logger.Warn("catch-up after reconnect failed", zap.Error(err))
			return
		}
		v.changed()
	})
}

func (v *View) inBackground(fn func(ctx context.Context)) {
	v.mu.Lock()
	if !v.open {
		v.mu.Unlock()
		return
	}
	ctx := v.lifetime
	v.background.Add(1)
	v.mu.Unlock()

	go func() {
		defer v.background.Done()
		fn(ctx)
	}()
}

func (v *View) markRead(ctx context.Context) {
	if _, err := v.api.MarkRead(ctx, v.conversationID); err != nil {
		v.logger.Debug("mark read failed", zap.Error(err))
	}
}

func (v *View) changed() {
	if v.opts.OnChange != nil {
		v.opts.OnChange()
	}
}
