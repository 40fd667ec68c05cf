package repositories

import (
	"context"
	"sort"
	"sync"
	"time"

	"dm-service/internal/models"
)

// MemoryStore is an in-process implementation of both repositories. It backs
// STORE_DRIVER=memory and the test suites.
type MemoryStore struct {
	mu            sync.RWMutex
	now           func() time.Time
	nextConvID    int64
	nextMessageID int64
	conversations map[int64]models.Conversation
	pairs         map[[2]int64]int64
	messages      map[int64][]models.Message // per conversation, ascending id
	byID          map[int64]int64            // message id -> conversation id
	tokens        map[tokenKey]int64
}

type tokenKey struct {
	conversationID int64
	senderID       int64
	token          string
}

// NewMemoryStore constructs an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		now:           func() time.Time { return time.Now().UTC() },
		conversations: make(map[int64]models.Conversation),
		pairs:         make(map[[2]int64]int64),
		messages:      make(map[int64][]models.Message),
		byID:          make(map[int64]int64),
		tokens:        make(map[tokenKey]int64),
	}
}

// SetClock replaces the clock used for timestamps.
func (s *MemoryStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

func (s *MemoryStore) FindOrCreate(ctx context.Context, userID int64, peerID int64) (models.Conversation, bool, error) {
	low, high := models.OrderedPair(userID, peerID)
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.pairs[[2]int64{low, high}]; ok {
		return s.conversations[id], false, nil
	}
	s.nextConvID++
	now := s.now()
	conv := models.Conversation{
		ID:           s.nextConvID,
		UserLow:      low,
		UserHigh:     high,
		Participants: []int64{low, high},
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	s.conversations[conv.ID] = conv
	s.pairs[[2]int64{low, high}] = conv.ID
	return conv, true, nil
}

func (s *MemoryStore) GetConversation(ctx context.Context, conversationID int64) (models.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	conv, ok := s.conversations[conversationID]
	if !ok {
		return models.Conversation{}, ErrConversationNotFound
	}
	return conv, nil
}

func (s *MemoryStore) IsParticipant(ctx context.Context, conversationID int64, userID int64) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	conv, ok := s.conversations[conversationID]
	return ok && conv.HasParticipant(userID), nil
}

func (s *MemoryStore) ListForUser(ctx context.Context, userID int64) ([]models.ConversationSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := []models.ConversationSummary{}
	for _, conv := range s.conversations {
		if !conv.HasParticipant(userID) {
			continue
		}
		summary := models.ConversationSummary{Conversation: conv, PeerID: conv.PeerOf(userID)}
		msgs := s.messages[conv.ID]
		if len(msgs) > 0 {
			last := cloneMessage(msgs[len(msgs)-1])
			summary.LastMessage = &last
		}
		for _, m := range msgs {
			if m.SenderID != userID && m.ReadAt == nil {
				summary.UnreadCount++
			}
		}
		result = append(result, summary)
	}
	sort.Slice(result, func(i, j int) bool {
		if !result[i].UpdatedAt.Equal(result[j].UpdatedAt) {
			return result[i].UpdatedAt.After(result[j].UpdatedAt)
		}
		return result[i].ID > result[j].ID
	})
	return result, nil
}

func (s *MemoryStore) CreateMessage(ctx context.Context, in models.NewMessage) (models.Message, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.conversations[in.ConversationID]
	if !ok {
		return models.Message{}, false, ErrConversationNotFound
	}
	key := tokenKey{conversationID: in.ConversationID, senderID: in.SenderID, token: in.ClientToken}
	if in.ClientToken != "" {
		if id, ok := s.tokens[key]; ok {
			msg, _ := s.lookupLocked(id)
			return msg, true, nil
		}
	}

	createdAt := in.CreatedAt
	if createdAt.IsZero() {
		createdAt = s.now()
	}
	s.nextMessageID++
	msg := models.Message{
		ID:             s.nextMessageID,
		ConversationID: in.ConversationID,
		SenderID:       in.SenderID,
		Content:        in.Content,
		CreatedAt:      createdAt,
		UpdatedAt:      createdAt,
	}
	if len(in.Images) > 0 {
		msg.Images = append([]string(nil), in.Images...)
	}
	if in.ClientToken != "" {
		token := in.ClientToken
		msg.ClientToken = &token
		s.tokens[key] = msg.ID
	}
	s.messages[in.ConversationID] = append(s.messages[in.ConversationID], msg)
	s.byID[msg.ID] = in.ConversationID
	if createdAt.After(conv.UpdatedAt) {
		conv.UpdatedAt = createdAt
		s.conversations[conv.ID] = conv
	}
	return cloneMessage(msg), false, nil
}

func (s *MemoryStore) GetMessage(ctx context.Context, messageID int64) (models.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	msg, ok := s.lookupLocked(messageID)
	if !ok {
		return models.Message{}, ErrMessageNotFound
	}
	return msg, nil
}

// DeleteMessage removes a message. Only the memory store supports hard deletes; it
// exists so cursor fallback over missing ids can be exercised.
func (s *MemoryStore) DeleteMessage(ctx context.Context, messageID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	convID, ok := s.byID[messageID]
	if !ok {
		return ErrMessageNotFound
	}
	msgs := s.messages[convID]
	for i := range msgs {
		if msgs[i].ID == messageID {
			s.messages[convID] = append(msgs[:i:i], msgs[i+1:]...)
			break
		}
	}
	delete(s.byID, messageID)
	return nil
}

func (s *MemoryStore) ListBefore(ctx context.Context, conversationID int64, before *int64, limit int) ([]models.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	msgs := s.messages[conversationID]
	out := make([]models.Message, 0, limit)
	for i := len(msgs) - 1; i >= 0 && len(out) < limit; i-- {
		if before != nil && msgs[i].ID >= *before {
			continue
		}
		out = append(out, cloneMessage(msgs[i]))
	}
	return out, nil
}

func (s *MemoryStore) ListAfter(ctx context.Context, conversationID int64, after int64, limit int) ([]models.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	msgs := s.messages[conversationID]
	out := make([]models.Message, 0, limit)
	for i := 0; i < len(msgs) && len(out) < limit; i++ {
		if msgs[i].ID <= after {
			continue
		}
		out = append(out, cloneMessage(msgs[i]))
	}
	return out, nil
}

func (s *MemoryStore) LatestSenderExcept(ctx context.Context, conversationID int64, readerID int64) (int64, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	msgs := s.messages[conversationID]
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].SenderID != readerID {
			return msgs[i].SenderID, true, nil
		}
	}
	return 0, false, nil
}

func (s *MemoryStore) LatestUnreadFrom(ctx context.Context, conversationID int64, senderID int64) (int64, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	msgs := s.messages[conversationID]
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].SenderID == senderID && msgs[i].ReadAt == nil {
			return msgs[i].ID, true, nil
		}
	}
	return 0, false, nil
}

func (s *MemoryStore) LatestReadFrom(ctx context.Context, conversationID int64, senderID int64) (models.Message, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	msgs := s.messages[conversationID]
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].SenderID == senderID && msgs[i].ReadAt != nil {
			return cloneMessage(msgs[i]), true, nil
		}
	}
	return models.Message{}, false, nil
}

func (s *MemoryStore) MarkReadRange(ctx context.Context, conversationID int64, senderID int64, upTo int64, readAt time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	msgs := s.messages[conversationID]
	var changed int64
	for i := range msgs {
		if msgs[i].SenderID == senderID && msgs[i].ID <= upTo && msgs[i].ReadAt == nil {
			at := readAt
			msgs[i].ReadAt = &at
			changed++
		}
	}
	return changed, nil
}

func (s *MemoryStore) lookupLocked(messageID int64) (models.Message, bool) {
	convID, ok := s.byID[messageID]
	if !ok {
		return models.Message{}, false
	}
	for _, m := range s.messages[convID] {
		if m.ID == messageID {
			return cloneMessage(m), true
		}
	}
	return models.Message{}, false
}

func cloneMessage(m models.Message) models.Message {
	if m.Images != nil {
		m.Images = append([]string(nil), m.Images...)
	}
	if m.ReadAt != nil {
		at := *m.ReadAt
		m.ReadAt = &at
	}
	if m.ClientToken != nil {
		token := *m.ClientToken
		m.ClientToken = &token
	}
	return m
}

var (
	_ ConversationRepository = (*MemoryStore)(nil)
	_ MessageRepository      = (*MemoryStore)(nil)
	_ ConversationRepository = (*ConversationRepo)(nil)
	_ MessageRepository      = (*MessageRepo)(nil)
)
