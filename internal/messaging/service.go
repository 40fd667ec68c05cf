// Package messaging applies authorisation and validation on top of the store and
// fans successful writes out to the hub and the event bus.
package messaging

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"dm-service/internal/auth"
	"dm-service/internal/models"
	"dm-service/internal/observability"
	"dm-service/internal/pagination"
	"dm-service/internal/receipts"
	"dm-service/internal/repositories"
)

// MessagePublisher pushes a stored message to connected clients.
type MessagePublisher interface {
	PublishMessage(msg models.Message)
}

// EventSink receives domain events.
type EventSink interface {
	MessageCreated(ctx context.Context, msg models.Message, replayed bool)
	ConversationCreated(ctx context.Context, conv models.Conversation, initiatorID int64)
}

type Service struct {
	conversations repositories.ConversationRepository
	messages      repositories.MessageRepository
	pager         *pagination.Engine
	receipts      *receipts.Propagator
	publisher     MessagePublisher
	events        EventSink
	logger        *zap.Logger
}

// NewService wires a Service. publisher and events may be nil.
func NewService(
	conversations repositories.ConversationRepository,
	messages repositories.MessageRepository,
	propagator *receipts.Propagator,
	publisher MessagePublisher,
	events EventSink,
	logger *zap.Logger,
) *Service {
	return &Service{
		conversations: conversations,
		messages:      messages,
		pager:         pagination.NewEngine(messages),
		receipts:      propagator,
		publisher:     publisher,
		events:        events,
		logger:        logger,
	}
}

// StartConversation returns the canonical conversation between userID and peerID.
func (s *Service) StartConversation(ctx context.Context, userID, peerID int64) (models.Conversation, error) {
	if peerID <= 0 {
		return models.Conversation{}, invalid("peer_id", "must be a positive user id")
	}
	conv, created, err := s.conversations.FindOrCreate(ctx, userID, peerID)
	if err != nil {
		return models.Conversation{}, fmt.Errorf("find or create conversation: %w", err)
	}
	if created {
		s.logger.Info("conversation created", zap.Int64("conversation_id", conv.ID), zap.Int64("user_id", userID), zap.Int64("peer_id", peerID))
		if s.events != nil {
			s.events.ConversationCreated(ctx, conv, userID)
		}
	}
	return conv, nil
}

func (s *Service) ListConversations(ctx context.Context, userID int64) ([]models.ConversationSummary, error) {
	list, err := s.conversations.ListForUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	return list, nil
}

// CreateMessage stores a message from senderID in an existing conversation.
func (s *Service) CreateMessage(ctx context.Context, conversationID, senderID int64, req models.CreateMessageRequest) (models.Message, error) {
	req, err := normalize(req)
	if err != nil {
		return models.Message{}, err
	}
	if _, err := s.authorize(ctx, conversationID, senderID); err != nil {
		return models.Message{}, err
	}
	return s.store(ctx, conversationID, senderID, req)
}

// SendToUser delivers a message to receiverID, creating their conversation with
// senderID on first contact. Invalid input never creates a conversation.
func (s *Service) SendToUser(ctx context.Context, senderID, receiverID int64, req models.CreateMessageRequest) (models.Conversation, models.Message, error) {
	if receiverID <= 0 {
		return models.Conversation{}, models.Message{}, invalid("user_id", "must be a positive user id")
	}
	req, err := normalize(req)
	if err != nil {
		return models.Conversation{}, models.Message{}, err
	}
	conv, err := s.StartConversation(ctx, senderID, receiverID)
	if err != nil {
		return models.Conversation{}, models.Message{}, err
	}
	msg, err := s.store(ctx, conv.ID, senderID, req)
	if err != nil {
		return models.Conversation{}, models.Message{}, err
	}
	if msg.CreatedAt.After(conv.UpdatedAt) {
		conv.UpdatedAt = msg.CreatedAt
	}
	return conv, msg, nil
}

// FetchOlder pages backwards from cursor; a nil cursor starts at the newest message.
func (s *Service) FetchOlder(ctx context.Context, conversationID, userID int64, cursor *int64, limit int) (models.Page, error) {
	if _, err := s.authorize(ctx, conversationID, userID); err != nil {
		return models.Page{}, err
	}
	return s.pager.Older(ctx, conversationID, cursor, limit)
}

// FetchNewer returns messages after cursor in ascending order.
func (s *Service) FetchNewer(ctx context.Context, conversationID, userID int64, cursor int64, limit int) (models.Page, error) {
	if _, err := s.authorize(ctx, conversationID, userID); err != nil {
		return models.Page{}, err
	}
	return s.pager.Newer(ctx, conversationID, cursor, limit)
}

func (s *Service) MarkRead(ctx context.Context, conversationID int64, reader auth.Identity) (models.ReadReceipt, error) {
	if _, err := s.authorize(ctx, conversationID, reader.UserID); err != nil {
		return models.ReadReceipt{}, err
	}
	receipt, err := s.receipts.MarkRead(ctx, conversationID, reader)
	if err != nil {
		return models.ReadReceipt{}, err
	}
	if receipt.Advanced {
		observability.IncReadBoundaryAdvanced()
	}
	return receipt, nil
}

func (s *Service) store(ctx context.Context, conversationID, senderID int64, req models.CreateMessageRequest) (models.Message, error) {
	msg, replayed, err := s.messages.CreateMessage(ctx, models.NewMessage{
		ConversationID: conversationID,
		SenderID:       senderID,
		Content:        req.Content,
		Images:         req.Images,
		ClientToken:    req.ClientToken,
	})
	if err != nil {
		return models.Message{}, fmt.Errorf("create message: %w", err)
	}
	observability.IncMessageCreated(replayed)
	if replayed {
		s.logger.Debug("client token replayed", zap.Int64("conversation_id", conversationID), zap.Int64("message_id", msg.ID))
		return msg, nil
	}

	if s.publisher != nil {
		s.publisher.PublishMessage(msg)
	}
	if s.events != nil {
		s.events.MessageCreated(ctx, msg, false)
	}
	return msg, nil
}

func (s *Service) authorize(ctx context.Context, conversationID, userID int64) (models.Conversation, error) {
	conv, err := s.conversations.GetConversation(ctx, conversationID)
	if errors.Is(err, repositories.ErrConversationNotFound) {
		return models.Conversation{}, err
	}
	if err != nil {
		return models.Conversation{}, fmt.Errorf("get conversation: %w", err)
	}
	if !conv.HasParticipant(userID) {
		return models.Conversation{}, ErrNotAuthorized
	}
	return conv, nil
}
