package models

import (
	"encoding/json"
	"time"
)

// Frame types exchanged on the realtime channel.
const (
	FrameJoinRoom     = "join_room"
	FrameLeaveRoom    = "leave_room"
	FrameTypingStatus = "typing_status"
	FrameNewMessage   = "new_message"

	FrameRoomJoined           = "room_joined"
	FrameRoomLeft             = "room_left"
	FrameMessageCreated       = "message_created"
	FrameTypingChanged        = "typing_changed"
	FrameReadBoundaryAdvanced = "read_boundary_advanced"
	FrameError                = "error"
)

// Frame is the websocket envelope in both directions.
type Frame struct {
	Type           string          `json:"type"`
	ConversationID int64           `json:"conversation_id,omitempty"`
	Payload        json.RawMessage `json:"payload,omitempty"`
}

// NewFrame marshals payload into a frame. A nil payload is omitted.
func NewFrame(kind string, conversationID int64, payload any) (Frame, error) {
	frame := Frame{Type: kind, ConversationID: conversationID}
	if payload == nil {
		return frame, nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return Frame{}, err
	}
	frame.Payload = raw
	return frame, nil
}

// TypingPayload carries the typer or null when typing stopped.
type TypingPayload struct {
	Username *string `json:"username"`
}

// NewMessagePayload is sent by a client after its REST create succeeded.
type NewMessagePayload struct {
	Message Message `json:"message"`
}

// ReadBoundaryPayload is broadcast when a reader's boundary advances.
type ReadBoundaryPayload struct {
	ReaderID       int64     `json:"reader_id"`
	ReaderUsername string    `json:"reader_username"`
	MessageID      int64     `json:"message_id"`
	ReadAt         time.Time `json:"read_at"`
}

// ErrorPayload reports a rejected client frame.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
