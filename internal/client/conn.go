package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"dm-service/internal/models"
)

// Handler receives one realtime frame. Handlers run on the connection's read
// goroutine and must not block for long.
type Handler func(models.Frame)

// ConnOptions tune a Conn. Zero values pick defaults.
type ConnOptions struct {
	Username       string
	Logger         *zap.Logger
	Dialer         *websocket.Dialer
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	WriteTimeout   time.Duration
	// ReadTimeout bounds the silence between frames or pings from the hub.
	ReadTimeout time.Duration
}

type subKey struct {
	conversationID int64
	kind           string
}

// Conn is one websocket connection to the hub. It redials with exponential backoff
// after a drop and re-joins every room that is still wanted.
type Conn struct {
	url    string
	header http.Header
	opts   ConnOptions
	logger *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	writeMu sync.Mutex

	mu        sync.Mutex
	ws        *websocket.Conn
	connected bool
	rooms     map[int64]int
	subs      map[subKey]map[uint64]Handler
	hooks     map[uint64]func()
	nextID    uint64
}

// Dial connects to wsURL (e.g. ws://host/ws) authenticating with token.
func Dial(ctx context.Context, wsURL, token string, opts ConnOptions) (*Conn, error) {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Dialer == nil {
		opts.Dialer = websocket.DefaultDialer
	}
	if opts.InitialBackoff <= 0 {
		opts.InitialBackoff = 250 * time.Millisecond
	}
	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = 15 * time.Second
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 10 * time.Second
	}
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = 60 * time.Second
	}

	runCtx, cancel := context.WithCancel(context.Background())
	c := &Conn{
		url:    wsURL,
		header: http.Header{"Authorization": {"Bearer " + token}},
		opts:   opts,
		logger: opts.Logger,
		ctx:    runCtx,
		cancel: cancel,
		done:   make(chan struct{}),
		rooms:  make(map[int64]int),
		subs:   make(map[subKey]map[uint64]Handler),
		hooks:  make(map[uint64]func()),
	}

	ws, err := c.dial(ctx)
	if err != nil {
		cancel()
		return nil, err
	}
	c.setConn(ws)
	go c.run(ws)
	return c, nil
}

func (c *Conn) dial(ctx context.Context) (*websocket.Conn, error) {
	ws, resp, err := c.opts.Dialer.DialContext(ctx, c.url, c.header)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return nil, backoff.Permanent(&APIError{Kind: KindUnauthenticated, Status: resp.StatusCode, Err: err})
		}
		return nil, &APIError{Kind: KindTransient, Err: err}
	}
	return ws, nil
}

func (c *Conn) setConn(ws *websocket.Conn) {
	c.mu.Lock()
	c.ws = ws
	c.connected = ws != nil
	c.mu.Unlock()
}

// install publishes a redialed socket unless the Conn has been closed. The check
// and the store share c.mu with Close.
func (c *Conn) install(ws *websocket.Conn) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ctx.Err() != nil {
		return false
	}
	c.ws = ws
	c.connected = true
	return true
}

func (c *Conn) run(ws *websocket.Conn) {
	defer close(c.done)
	for {
		c.readLoop(ws)
		c.setConn(nil)
		_ = ws.Close()

		if c.ctx.Err() != nil {
			return
		}
		c.logger.Info("realtime connection lost, reconnecting")
		ws = c.redial()
		if ws == nil {
			return
		}
		if !c.install(ws) {
			// Close ran while the redial was in flight
			_ = ws.Close()
			return
		}
		c.rejoin()
		c.fireReconnect()
	}
}

func (c *Conn) redial() *websocket.Conn {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.opts.InitialBackoff
	b.MaxInterval = c.opts.MaxBackoff
	b.MaxElapsedTime = 0

	var ws *websocket.Conn
	err := backoff.RetryNotify(func() error {
		conn, err := c.dial(c.ctx)
		if err != nil {
			return err
		}
		ws = conn
		return nil
	}, backoff.WithContext(b, c.ctx), func(err error, wait time.Duration) {
		c.logger.Debug("realtime redial failed", zap.Duration("retry_in", wait), zap.Error(err))
	})
	if err != nil {
		if c.ctx.Err() == nil {
			c.logger.Warn("realtime reconnect abandoned", zap.Error(err))
		}
		return nil
	}
	return ws
}

func (c *Conn) readLoop(ws *websocket.Conn) {
	extend := func() error {
		return ws.SetReadDeadline(time.Now().Add(c.opts.ReadTimeout))
	}
	_ = extend()
	ws.SetPingHandler(func(data string) error {
		_ = extend()
		err := ws.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(c.opts.WriteTimeout))
		if errors.Is(err, websocket.ErrCloseSent) {
			return nil
		}
		return err
	})
	ws.SetPongHandler(func(string) error { return extend() })

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			c.logger.Debug("realtime read ended", zap.Error(err))
			return
		}
		_ = extend()
		var frame models.Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			c.logger.Debug("dropping malformed frame", zap.Error(err))
			continue
		}
		c.dispatch(frame)
	}
}

func (c *Conn) dispatch(frame models.Frame) {
	c.mu.Lock()
	set := c.subs[subKey{conversationID: frame.ConversationID, kind: frame.Type}]
	handlers := make([]Handler, 0, len(set))
	for _, h := range set {
		handlers = append(handlers, h)
	}
	c.mu.Unlock()

	for _, h := range handlers {
		h(frame)
	}
}

func (c *Conn) rejoin() {
	c.mu.Lock()
	rooms := make([]int64, 0, len(c.rooms))
	for id := range c.rooms {
		rooms = append(rooms, id)
	}
	c.mu.Unlock()

	for _, id := range rooms {
		if err := c.write(models.Frame{Type: models.FrameJoinRoom, ConversationID: id}); err != nil {
			c.logger.Debug("rejoin failed", zap.Int64("conversation_id", id), zap.Error(err))
		}
	}
}

func (c *Conn) fireReconnect() {
	c.mu.Lock()
	hooks := make([]func(), 0, len(c.hooks))
	for _, fn := range c.hooks {
		hooks = append(hooks, fn)
	}
	c.mu.Unlock()
	for _, fn := range hooks {
		fn()
	}
}

func (c *Conn) write(frame models.Frame) error {
	c.mu.Lock()
	ws, connected := c.ws, c.connected
	c.mu.Unlock()
	if !connected {
		return ErrNotConnected
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = ws.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout))
	return ws.WriteJSON(frame)
}

// Connected reports whether the socket is currently up.
func (c *Conn) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Join subscribes the connection to a conversation's room. While disconnected the
// join is remembered and sent after the next reconnect.
func (c *Conn) Join(conversationID int64) error {
	c.mu.Lock()
	c.rooms[conversationID]++
	c.mu.Unlock()

	err := c.write(models.Frame{Type: models.FrameJoinRoom, ConversationID: conversationID})
	if errors.Is(err, ErrNotConnected) {
		return nil
	}
	return err
}

// Leave drops one join. The room is left once no caller wants it.
func (c *Conn) Leave(conversationID int64) error {
	c.mu.Lock()
	n := c.rooms[conversationID]
	if n <= 1 {
		delete(c.rooms, conversationID)
	} else {
		c.rooms[conversationID] = n - 1
	}
	c.mu.Unlock()
	if n > 1 {
		return nil
	}

	err := c.write(models.Frame{Type: models.FrameLeaveRoom, ConversationID: conversationID})
	if errors.Is(err, ErrNotConnected) {
		return nil
	}
	return err
}

// SendTyping reports that the user started or stopped typing.
func (c *Conn) SendTyping(conversationID int64, typing bool) error {
	payload := models.TypingPayload{}
	if typing {
		name := c.opts.Username
		payload.Username = &name
	}
	frame, err := models.NewFrame(models.FrameTypingStatus, conversationID, payload)
	if err != nil {
		return err
	}
	return c.write(frame)
}

// AnnounceMessage asks the hub to relay a message this user created over REST.
func (c *Conn) AnnounceMessage(msg models.Message) error {
	frame, err := models.NewFrame(models.FrameNewMessage, msg.ConversationID, models.NewMessagePayload{Message: msg})
	if err != nil {
		return err
	}
	return c.write(frame)
}

// Subscribe registers h for frames of kind in a conversation. The returned
// function removes it and may be called more than once.
func (c *Conn) Subscribe(conversationID int64, kind string, h Handler) func() {
	key := subKey{conversationID: conversationID, kind: kind}
	c.mu.Lock()
	c.nextID++
	id := c.nextID
	if c.subs[key] == nil {
		c.subs[key] = make(map[uint64]Handler)
	}
	c.subs[key][id] = h
	c.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			delete(c.subs[key], id)
			if len(c.subs[key]) == 0 {
				delete(c.subs, key)
			}
		})
	}
}

// OnReconnect registers fn to run after every successful reconnect.
func (c *Conn) OnReconnect(fn func()) func() {
	c.mu.Lock()
	c.nextID++
	id := c.nextID
	c.hooks[id] = fn
	c.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			delete(c.hooks, id)
			c.mu.Unlock()
		})
	}
}

// Subscriptions counts live handlers for a conversation and kind.
func (c *Conn) Subscriptions(conversationID int64, kind string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.subs[subKey{conversationID: conversationID, kind: kind}])
}

// Close shuts the connection down and stops reconnecting.
func (c *Conn) Close() error {
	c.cancel()
	c.mu.Lock()
	ws := c.ws
	c.mu.Unlock()
	if ws != nil {
		_ = ws.Close()
	}
	<-c.done
	return nil
}
