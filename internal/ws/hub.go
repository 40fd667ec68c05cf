package ws

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"dm-service/internal/models"
	"dm-service/internal/observability"
	"dm-service/internal/repositories"
	"dm-service/internal/typing"
)

// recentLimit bounds the per-room set of message ids already fanned out.
const recentLimit = 64

// Error codes carried by error frames.
const (
	CodeBadRequest    = "bad_request"
	CodeNotAuthorized = "not_authorized"
	CodeNotFound      = "not_found"
	CodeInternal      = "internal"
)

var (
	ErrNotParticipant = errors.New("not a participant")
	ErrClientClosed   = errors.New("client closed")
)

// Options tune a Hub.
type Options struct {
	SendBuffer int
	TypingIdle time.Duration
	Logger     *zap.Logger
}

// Hub maintains active websocket rooms, one room per conversation.
type Hub struct {
	mu     sync.RWMutex
	rooms  map[int64]map[*Client]struct{}
	joined map[*Client]map[int64]struct{}
	recent map[int64]*recentIDs

	conversations repositories.ConversationRepository
	messages      repositories.MessageRepository
	typing        *typing.Broadcaster
	sendBuffer    int
	logger        *zap.Logger
}

// NewHub creates an empty hub.
func NewHub(conversations repositories.ConversationRepository, messages repositories.MessageRepository, opts Options) *Hub {
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = 256
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	h := &Hub{
		rooms:         make(map[int64]map[*Client]struct{}),
		joined:        make(map[*Client]map[int64]struct{}),
		recent:        make(map[int64]*recentIDs),
		conversations: conversations,
		messages:      messages,
		sendBuffer:    opts.SendBuffer,
		logger:        opts.Logger,
	}
	h.typing = typing.NewBroadcaster(h, opts.TypingIdle, opts.Logger)
	return h
}

// Typing exposes the hub's typing broadcaster.
func (h *Hub) Typing() *typing.Broadcaster {
	return h.typing
}

// NewClient creates a client for conn and registers it. conn may be nil in tests,
// in which case no pumps run and frames stay in the egress queue.
func (h *Hub) NewClient(conn *websocket.Conn, info ConnInfo) *Client {
	c := newClient(h, conn, info, h.sendBuffer)
	h.mu.Lock()
	h.joined[c] = make(map[int64]struct{})
	h.mu.Unlock()
	return c
}

// Unregister removes the client from every room, clears its typing state and
// closes it. Unregistering twice is harmless.
func (h *Hub) Unregister(c *Client, reason string) {
	h.mu.Lock()
	rooms, ok := h.joined[c]
	if ok {
		for convID := range rooms {
			h.removeLocked(convID, c)
		}
		delete(h.joined, c)
	}
	h.mu.Unlock()

	c.Close(reason)
	if ok {
		h.typing.DropConnection(c.info.ConnID)
	}
}

// Join adds c to the conversation's room after checking participation.
func (h *Hub) Join(ctx context.Context, c *Client, conversationID int64) error {
	member, err := h.conversations.IsParticipant(ctx, conversationID, c.info.UserID)
	if err != nil {
		return err
	}
	if !member {
		return ErrNotParticipant
	}

	h.mu.Lock()
	rooms, ok := h.joined[c]
	if !ok {
		h.mu.Unlock()
		return ErrClientClosed
	}
	if _, ok := h.rooms[conversationID]; !ok {
		h.rooms[conversationID] = make(map[*Client]struct{})
	}
	h.rooms[conversationID][c] = struct{}{}
	rooms[conversationID] = struct{}{}
	h.mu.Unlock()
	return nil
}

// Leave removes c from the conversation's room and clears the user's typing there.
func (h *Hub) Leave(c *Client, conversationID int64) {
	h.mu.Lock()
	member := h.inRoomLocked(conversationID, c)
	if member {
		h.removeLocked(conversationID, c)
		delete(h.joined[c], conversationID)
	}
	h.mu.Unlock()

	if member {
		h.typing.Stop(conversationID, c.info.UserID)
	}
}

// InRoom reports whether c has joined the conversation.
func (h *Hub) InRoom(c *Client, conversationID int64) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.inRoomLocked(conversationID, c)
}

// RoomSize returns the number of connections in a room.
func (h *Hub) RoomSize(conversationID int64) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[conversationID])
}

// Publish fans frame out to the room without blocking. Connections whose
// queue is full are disconnected. exclude may be nil.
func (h *Hub) Publish(conversationID int64, frame models.Frame, exclude *Client) {
	h.broadcast(conversationID, frame, func(c *Client) bool { return c == exclude })
}

// PublishMessage announces a stored message to its room.
func (h *Hub) PublishMessage(msg models.Message) {
	if !h.markPublished(msg.ConversationID, msg.ID) {
		return
	}
	frame, err := models.NewFrame(models.FrameMessageCreated, msg.ConversationID, msg)
	if err != nil {
		h.logger.Error("message frame failed", zap.Int64("message_id", msg.ID), zap.Error(err))
		return
	}
	h.Publish(msg.ConversationID, frame, nil)
}

// AnnounceReadBoundary broadcasts read_boundary_advanced.
func (h *Hub) AnnounceReadBoundary(_ context.Context, receipt models.ReadReceipt) {
	if receipt.ReadAt == nil {
		return
	}
	frame, err := models.NewFrame(models.FrameReadBoundaryAdvanced, receipt.ConversationID, models.ReadBoundaryPayload{
		ReaderID:       receipt.ReaderID,
		ReaderUsername: receipt.ReaderUsername,
		MessageID:      receipt.MessageID,
		ReadAt:         *receipt.ReadAt,
	})
	if err != nil {
		return
	}
	h.Publish(receipt.ConversationID, frame, nil)
}

// TypingChanged broadcasts typing_changed to everyone in the room except the
// typer's own connections.
func (h *Hub) TypingChanged(conversationID int64, userID int64, username *string) {
	frame, err := models.NewFrame(models.FrameTypingChanged, conversationID, models.TypingPayload{Username: username})
	if err != nil {
		return
	}
	h.broadcast(conversationID, frame, func(c *Client) bool { return c.info.UserID == userID })
}

// CloseAll disconnects every client.
func (h *Hub) CloseAll() {
	h.mu.RLock()
	clients := make([]*Client, 0, len(h.joined))
	for c := range h.joined {
		clients = append(clients, c)
	}
	h.mu.RUnlock()
	for _, c := range clients {
		h.Unregister(c, "server shutdown")
	}
}

// HandleFrame dispatches one inbound frame.
func (h *Hub) HandleFrame(ctx context.Context, c *Client, frame models.Frame) {
	switch frame.Type {
	case models.FrameJoinRoom:
		if frame.ConversationID <= 0 {
			c.sendError(0, CodeBadRequest, "conversation_id required")
			return
		}
		if err := h.Join(ctx, c, frame.ConversationID); err != nil {
			h.replyJoinError(c, frame.ConversationID, err)
			return
		}
		joined, _ := models.NewFrame(models.FrameRoomJoined, frame.ConversationID, nil)
		c.send(joined)
	case models.FrameLeaveRoom:
		h.Leave(c, frame.ConversationID)
		left, _ := models.NewFrame(models.FrameRoomLeft, frame.ConversationID, nil)
		c.send(left)
	case models.FrameTypingStatus:
		h.handleTyping(c, frame)
	case models.FrameNewMessage:
		h.relay(ctx, c, frame)
	default:
		c.sendError(frame.ConversationID, CodeBadRequest, "unknown frame type")
	}
}

func (h *Hub) replyJoinError(c *Client, conversationID int64, err error) {
	switch {
	case errors.Is(err, ErrNotParticipant):
		c.sendError(conversationID, CodeNotAuthorized, "not a participant")
	case errors.Is(err, ErrClientClosed):
	default:
		h.logger.Error("join failed", zap.Int64("conversation_id", conversationID), zap.Error(err))
		c.sendError(conversationID, CodeInternal, "join failed")
	}
}

func (h *Hub) handleTyping(c *Client, frame models.Frame) {
	if !h.InRoom(c, frame.ConversationID) {
		c.sendError(frame.ConversationID, CodeNotAuthorized, "join the room first")
		return
	}
	var payload models.TypingPayload
	if len(frame.Payload) > 0 {
		if err := json.Unmarshal(frame.Payload, &payload); err != nil {
			c.sendError(frame.ConversationID, CodeBadRequest, "malformed typing payload")
			return
		}
	}
	// the claimed username is ignored in favour of the authenticated one
	if payload.Username == nil {
		h.typing.Stop(frame.ConversationID, c.info.UserID)
		return
	}
	h.typing.Start(c.info.ConnID, frame.ConversationID, c.info.UserID, c.info.Username)
}

// relay re-announces a message a client created over REST. The stored copy is
// authoritative; the client's payload only names the id.
func (h *Hub) relay(ctx context.Context, c *Client, frame models.Frame) {
	if !h.InRoom(c, frame.ConversationID) {
		c.sendError(frame.ConversationID, CodeNotAuthorized, "join the room first")
		return
	}
	var payload models.NewMessagePayload
	if err := json.Unmarshal(frame.Payload, &payload); err != nil || payload.Message.ID <= 0 {
		c.sendError(frame.ConversationID, CodeBadRequest, "malformed message payload")
		return
	}

	stored, err := h.messages.GetMessage(ctx, payload.Message.ID)
	if errors.Is(err, repositories.ErrMessageNotFound) {
		c.sendError(frame.ConversationID, CodeNotFound, "message not found")
		return
	}
	if err != nil {
		h.logger.Error("relay lookup failed", zap.Int64("message_id", payload.Message.ID), zap.Error(err))
		c.sendError(frame.ConversationID, CodeInternal, "relay failed")
		return
	}
	if stored.ConversationID != frame.ConversationID || stored.SenderID != c.info.UserID {
		c.sendError(frame.ConversationID, CodeNotAuthorized, "message does not belong to sender")
		return
	}
	if !h.markPublished(stored.ConversationID, stored.ID) {
		return
	}

	out, err := models.NewFrame(models.FrameMessageCreated, stored.ConversationID, stored)
	if err != nil {
		return
	}
	h.Publish(stored.ConversationID, out, c)
}

func (h *Hub) broadcast(conversationID int64, frame models.Frame, skip func(*Client) bool) {
	payload, err := json.Marshal(frame)
	if err != nil {
		h.logger.Error("frame marshal failed", zap.String("type", frame.Type), zap.Error(err))
		return
	}

	var kicked []*Client
	h.mu.RLock()
	for c := range h.rooms[conversationID] {
		if skip != nil && skip(c) {
			continue
		}
		if c.enqueue(payload) {
			observability.IncWSFrameOut(frame.Type)
			continue
		}
		kicked = append(kicked, c)
	}
	h.mu.RUnlock()

	for _, c := range kicked {
		h.kick(c)
	}
}

func (h *Hub) kick(c *Client) {
	observability.IncWSEvent("ws_kicked")
	h.logger.Warn("egress full, disconnecting client", zap.String("conn_id", c.info.ConnID), zap.Int64("user_id", c.info.UserID))
	h.Unregister(c, "send buffer full")
}

func (h *Hub) removeLocked(conversationID int64, c *Client) {
	if conns, ok := h.rooms[conversationID]; ok {
		delete(conns, c)
		if len(conns) == 0 {
			delete(h.rooms, conversationID)
			delete(h.recent, conversationID)
		}
	}
}

func (h *Hub) inRoomLocked(conversationID int64, c *Client) bool {
	_, ok := h.rooms[conversationID][c]
	return ok
}

// markPublished records id for the room and reports whether it was new. Rooms
// without connections keep no history.
func (h *Hub) markPublished(conversationID, messageID int64) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.rooms[conversationID]) == 0 {
		return true
	}
	r, ok := h.recent[conversationID]
	if !ok {
		r = &recentIDs{seen: make(map[int64]struct{}, recentLimit)}
		h.recent[conversationID] = r
	}
	return r.add(messageID)
}

type recentIDs struct {
	order []int64
	seen  map[int64]struct{}
}

func (r *recentIDs) add(id int64) bool {
	if _, ok := r.seen[id]; ok {
		return false
	}
	if len(r.order) == recentLimit {
		delete(r.seen, r.order[0])
		r.order = r.order[1:]
	}
	r.order = append(r.order, id)
	r.seen[id] = struct{}{}
	return true
}
