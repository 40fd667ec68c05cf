package models

import "time"

// Conversation is a 1:1 (or self) conversation. Participants are ordered low to high.
type Conversation struct {
	ID           int64     `db:"id" json:"id"`
	UserLow      int64     `db:"user_low" json:"-"`
	UserHigh     int64     `db:"user_high" json:"-"`
	Participants []int64   `db:"-" json:"participants"`
	CreatedAt    time.Time `db:"created_at" json:"created_at"`
	UpdatedAt    time.Time `db:"updated_at" json:"updated_at"`
}

// PeerOf returns the other participant, or userID itself for a self-conversation.
func (c Conversation) PeerOf(userID int64) int64 {
	if c.UserLow == userID {
		return c.UserHigh
	}
	return c.UserLow
}

// HasParticipant reports whether userID belongs to the conversation.
func (c Conversation) HasParticipant(userID int64) bool {
	return c.UserLow == userID || c.UserHigh == userID
}

// IsSelf reports whether the conversation is the degenerate sender == receiver case.
func (c Conversation) IsSelf() bool {
	return c.UserLow == c.UserHigh
}

// ConversationSummary provides the list view of a conversation for one user.
type ConversationSummary struct {
	Conversation
	PeerID      int64    `json:"peer_id"`
	LastMessage *Message `json:"last_message,omitempty"`
	UnreadCount int      `json:"unread_count"`
}

// OrderedPair returns the canonical (low, high) ordering of two user ids.
func OrderedPair(a, b int64) (int64, int64) {
	if a > b {
		return b, a
	}
	return a, b
}
