package ws

import (
	"context"
	"encoding/json"
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"dm-service/internal/models"
	"dm-service/internal/observability"
)

var (
	writeWait      = 10 * time.Second
	pongWait       = 30 * time.Second
	pingInterval   = (pongWait * 9) / 10
	maxMessageSize = int64(64 * 1024)
)

// Client is one websocket connection. A user with several tabs has several clients.
type Client struct {
	hub  *Hub
	conn *websocket.Conn
	info ConnInfo

	egress chan []byte
	done   chan struct{}
	once   sync.Once

	closeReason string
}

func newClient(hub *Hub, conn *websocket.Conn, info ConnInfo, buffer int) *Client {
	return &Client{
		hub:    hub,
		conn:   conn,
		info:   info,
		egress: make(chan []byte, buffer),
		done:   make(chan struct{}),
	}
}

// Info returns the connection metadata.
func (c *Client) Info() ConnInfo {
	return c.info
}

// enqueue never blocks. It reports false when the egress queue is full or closed.
func (c *Client) enqueue(payload []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.egress <- payload:
		return true
	default:
		return false
	}
}

func (c *Client) send(frame models.Frame) {
	payload, err := json.Marshal(frame)
	if err != nil {
		c.hub.logger.Error("frame marshal failed", zap.String("type", frame.Type), zap.Error(err))
		return
	}
	if c.enqueue(payload) {
		observability.IncWSFrameOut(frame.Type)
		return
	}
	c.hub.kick(c)
}

func (c *Client) sendError(conversationID int64, code, message string) {
	frame, err := models.NewFrame(models.FrameError, conversationID, models.ErrorPayload{Code: code, Message: message})
	if err != nil {
		return
	}
	c.send(frame)
}

// Close stops both pumps. Safe to call more than once.
func (c *Client) Close(reason string) {
	c.once.Do(func() {
		c.closeReason = reason
		close(c.done)
		if c.conn != nil {
			_ = c.conn.Close()
		}
	})
}

// Done is closed once the client has been closed.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

func (c *Client) readPump(ctx context.Context) {
	defer c.hub.Unregister(c, "read closed")

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			c.logReadError(err)
			return
		}
		var frame models.Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			c.sendError(0, "bad_request", "malformed frame")
			continue
		}
		observability.IncWSFrameIn(frame.Type)
		// frames of one connection are handled in arrival order
		c.hub.HandleFrame(ctx, c, frame)
	}
}

func (c *Client) logReadError(err error) {
	log := c.hub.logger.With(zap.String("conn_id", c.info.ConnID), zap.Int64("user_id", c.info.UserID))
	switch {
	case websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway):
		log.Debug("client disconnected")
	default:
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			log.Info("client timed out")
			return
		}
		select {
		case <-c.done:
			return
		default:
		}
		observability.IncWSEvent("ws_error")
		log.Warn("websocket read error", zap.Error(err))
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.Close("write closed")
	}()

	for {
		select {
		case <-c.done:
			return
		case payload := <-c.egress:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				c.hub.logger.Debug("websocket write failed", zap.String("conn_id", c.info.ConnID), zap.Error(err))
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}
