package mocks

import (
	"context"
	"time"

	"github.com/stretchr/testify/mock"

	"dm-service/internal/models"
	"dm-service/internal/repositories"
)

type ConversationRepositoryMock struct {
	mock.Mock
}

func (m *ConversationRepositoryMock) FindOrCreate(ctx context.Context, userID int64, peerID int64) (models.Conversation, bool, error) {
	args := m.Called(ctx, userID, peerID)
	var conv models.Conversation
	if val := args.Get(0); val != nil {
		conv = val.(models.Conversation)
	}
	return conv, args.Bool(1), args.Error(2)
}

func (m *ConversationRepositoryMock) GetConversation(ctx context.Context, conversationID int64) (models.Conversation, error) {
	args := m.Called(ctx, conversationID)
	var conv models.Conversation
	if val := args.Get(0); val != nil {
		conv = val.(models.Conversation)
	}
	return conv, args.Error(1)
}

func (m *ConversationRepositoryMock) IsParticipant(ctx context.Context, conversationID int64, userID int64) (bool, error) {
	args := m.Called(ctx, conversationID, userID)
	return args.Bool(0), args.Error(1)
}

func (m *ConversationRepositoryMock) ListForUser(ctx context.Context, userID int64) ([]models.ConversationSummary, error) {
	args := m.Called(ctx, userID)
	var list []models.ConversationSummary
	if val := args.Get(0); val != nil {
		list = val.([]models.ConversationSummary)
	}
	return list, args.Error(1)
}

type MessageRepositoryMock struct {
	mock.Mock
}

func (m *MessageRepositoryMock) CreateMessage(ctx context.Context, msg models.NewMessage) (models.Message, bool, error) {
	args := m.Called(ctx, msg)
	var out models.Message
	if val := args.Get(0); val != nil {
		out = val.(models.Message)
	}
	return out, args.Bool(1), args.Error(2)
}

func (m *MessageRepositoryMock) GetMessage(ctx context.Context, messageID int64) (models.Message, error) {
	args := m.Called(ctx, messageID)
	var out models.Message
	if val := args.Get(0); val != nil {
		out = val.(models.Message)
	}
	return out, args.Error(1)
}

func (m *MessageRepositoryMock) ListBefore(ctx context.Context, conversationID int64, before *int64, limit int) ([]models.Message, error) {
	args := m.Called(ctx, conversationID, before, limit)
	var list []models.Message
	if val := args.Get(0); val != nil {
		list = val.([]models.Message)
	}
	return list, args.Error(1)
}

func (m *MessageRepositoryMock) ListAfter(ctx context.Context, conversationID int64, after int64, limit int) ([]models.Message, error) {
	args := m.Called(ctx, conversationID, after, limit)
	var list []models.Message
	if val := args.Get(0); val != nil {
		list = val.([]models.Message)
	}
	return list, args.Error(1)
}

func (m *MessageRepositoryMock) LatestSenderExcept(ctx context.Context, conversationID int64, readerID int64) (int64, bool, error) {
	args := m.Called(ctx, conversationID, readerID)
	return args.Get(0).(int64), args.Bool(1), args.Error(2)
}

func (m *MessageRepositoryMock) LatestUnreadFrom(ctx context.Context, conversationID int64, senderID int64) (int64, bool, error) {
	args := m.Called(ctx, conversationID, senderID)
	return args.Get(0).(int64), args.Bool(1), args.Error(2)
}

func (m *MessageRepositoryMock) LatestReadFrom(ctx context.Context, conversationID int64, senderID int64) (models.Message, bool, error) {
	args := m.Called(ctx, conversationID, senderID)
	var out models.Message
	if val := args.Get(0); val != nil {
		out = val.(models.Message)
	}
	return out, args.Bool(1), args.Error(2)
}

func (m *MessageRepositoryMock) MarkReadRange(ctx context.Context, conversationID int64, senderID int64, upTo int64, readAt time.Time) (int64, error) {
	args := m.Called(ctx, conversationID, senderID, upTo, readAt)
	return args.Get(0).(int64), args.Error(1)
}

// MessagePublisherMock stands in for the hub.
type MessagePublisherMock struct {
	mock.Mock
}

func (m *MessagePublisherMock) PublishMessage(msg models.Message) {
	m.Called(msg)
}

var (
	_ repositories.ConversationRepository = (*ConversationRepositoryMock)(nil)
	_ repositories.MessageRepository      = (*MessageRepositoryMock)(nil)
)
