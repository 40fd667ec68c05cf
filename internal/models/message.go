package models

import "time"

// Message represents a direct message.
type Message struct {
	ID             int64      `db:"id" json:"id"`
	ConversationID int64      `db:"conversation_id" json:"conversation_id"`
	SenderID       int64      `db:"sender_id" json:"sender_id"`
	Content        string     `db:"content" json:"content"`
	Images         []string   `db:"-" json:"images,omitempty"`
	ClientToken    *string    `db:"client_token" json:"client_token,omitempty"`
	CreatedAt      time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt      time.Time  `db:"updated_at" json:"updated_at"`
	ReadAt         *time.Time `db:"read_at" json:"read_at"`
}

// Less orders messages by (created_at, id).
func (m Message) Less(other Message) bool {
	if !m.CreatedAt.Equal(other.CreatedAt) {
		return m.CreatedAt.Before(other.CreatedAt)
	}
	return m.ID < other.ID
}

// NewMessage is the input of a store insert.
type NewMessage struct {
	ConversationID int64
	SenderID       int64
	Content        string
	Images         []string
	ClientToken    string
	CreatedAt      time.Time
}

// Page is one bounded slice of history, ordered oldest to newest.
type Page struct {
	Messages []Message `json:"messages"`
	Cursor   *int64    `json:"cursor"`
	End      bool      `json:"end"`
}

// ReadReceipt describes the read boundary of a reader in a conversation.
type ReadReceipt struct {
	ConversationID int64      `json:"conversation_id"`
	ReaderID       int64      `json:"reader_id"`
	ReaderUsername string     `json:"reader_username"`
	MessageID      int64      `json:"message_id,omitempty"`
	ReadAt         *time.Time `json:"read_at,omitempty"`
	Advanced       bool       `json:"advanced"`
}

// CreateMessageRequest is the REST body for message creation.
type CreateMessageRequest struct {
	Content     string   `json:"content"`
	Images      []string `json:"images"`
	ClientToken string   `json:"client_token"`
}
