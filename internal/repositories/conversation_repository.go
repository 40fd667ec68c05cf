package repositories

import (
	"context"
	"database/sql"
	"errors"

	"github.com/jmoiron/sqlx"

	"dm-service/internal/models"
)

var ErrConversationNotFound = errors.New("conversation not found")

// ConversationRepository abstracts conversation persistence.
type ConversationRepository interface {
	FindOrCreate(ctx context.Context, userID int64, peerID int64) (models.Conversation, bool, error)
	GetConversation(ctx context.Context, conversationID int64) (models.Conversation, error)
	IsParticipant(ctx context.Context, conversationID int64, userID int64) (bool, error)
	ListForUser(ctx context.Context, userID int64) ([]models.ConversationSummary, error)
}

// ConversationRepo is a sqlx implementation of ConversationRepository.
type ConversationRepo struct {
	db *sqlx.DB
}

// NewConversationRepo constructs a ConversationRepo.
func NewConversationRepo(db *sqlx.DB) *ConversationRepo {
	return &ConversationRepo{db: db}
}

const conversationColumns = `id, user_low, user_high, created_at, updated_at`

// FindOrCreate returns the canonical conversation for the pair, creating it when
// missing. The boolean reports whether this call created it.
func (r *ConversationRepo) FindOrCreate(ctx context.Context, userID int64, peerID int64) (models.Conversation, bool, error) {
	low, high := models.OrderedPair(userID, peerID)

	var conv models.Conversation
	err := r.db.GetContext(ctx, &conv, `SELECT `+conversationColumns+` FROM conversations WHERE user_low=$1 AND user_high=$2`, low, high)
	if err == nil {
		return withParticipants(conv), false, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return models.Conversation{}, false, err
	}

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return models.Conversation{}, false, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	// A concurrent creator may win the unique constraint; fall back to reading its row.
	err = tx.GetContext(ctx, &conv, `INSERT INTO conversations (user_low, user_high) VALUES ($1, $2)
        ON CONFLICT (user_low, user_high) DO NOTHING
        RETURNING `+conversationColumns, low, high)
	if errors.Is(err, sql.ErrNoRows) {
		_ = tx.Rollback()
		if getErr := r.db.GetContext(ctx, &conv, `SELECT `+conversationColumns+` FROM conversations WHERE user_low=$1 AND user_high=$2`, low, high); getErr != nil {
			return models.Conversation{}, false, getErr
		}
		return withParticipants(conv), false, nil
	}
	if err != nil {
		return models.Conversation{}, false, err
	}

	if _, err = tx.ExecContext(ctx, `INSERT INTO conversation_participants (conversation_id, user_id) VALUES ($1, $2), ($1, $3)
        ON CONFLICT DO NOTHING`, conv.ID, low, high); err != nil {
		return models.Conversation{}, false, err
	}
	if err = tx.Commit(); err != nil {
		return models.Conversation{}, false, err
	}
	return withParticipants(conv), true, nil
}

// GetConversation fetches a conversation by id.
func (r *ConversationRepo) GetConversation(ctx context.Context, conversationID int64) (models.Conversation, error) {
	var conv models.Conversation
	err := r.db.GetContext(ctx, &conv, `SELECT `+conversationColumns+` FROM conversations WHERE id=$1`, conversationID)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Conversation{}, ErrConversationNotFound
	}
	if err != nil {
		return models.Conversation{}, err
	}
	return withParticipants(conv), nil
}

// IsParticipant checks whether a user belongs to the conversation.
func (r *ConversationRepo) IsParticipant(ctx context.Context, conversationID int64, userID int64) (bool, error) {
	var exists bool
	err := r.db.GetContext(ctx, &exists, `SELECT EXISTS(SELECT 1 FROM conversation_participants WHERE conversation_id=$1 AND user_id=$2)`, conversationID, userID)
	return exists, err
}

type summaryRow struct {
	models.Conversation
	UnreadCount int            `db:"unread_count"`
	LastID      sql.NullInt64  `db:"last_id"`
	LastSender  sql.NullInt64  `db:"last_sender_id"`
	LastContent sql.NullString `db:"last_content"`
	LastCreated sql.NullTime   `db:"last_created_at"`
	LastReadAt  sql.NullTime   `db:"last_read_at"`
}

// ListForUser returns the user's conversations, most recently active first.
func (r *ConversationRepo) ListForUser(ctx context.Context, userID int64) ([]models.ConversationSummary, error) {
	query := `SELECT c.id, c.user_low, c.user_high, c.created_at, c.updated_at,
            (SELECT COUNT(*) FROM messages m WHERE m.conversation_id = c.id AND m.sender_id <> $1 AND m.read_at IS NULL) AS unread_count,
            lm.id AS last_id, lm.sender_id AS last_sender_id, lm.content AS last_content,
            lm.created_at AS last_created_at, lm.read_at AS last_read_at
        FROM conversations c
        INNER JOIN conversation_participants cp ON cp.conversation_id = c.id AND cp.user_id = $1
        LEFT JOIN LATERAL (
            SELECT id, sender_id, content, created_at, read_at FROM messages
            WHERE conversation_id = c.id ORDER BY id DESC LIMIT 1
        ) lm ON TRUE
        ORDER BY c.updated_at DESC, c.id DESC`
	rows, err := r.db.QueryxContext(ctx, query, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := []models.ConversationSummary{}
	for rows.Next() {
		var row summaryRow
		if err := rows.StructScan(&row); err != nil {
			return nil, err
		}
		conv := withParticipants(row.Conversation)
		summary := models.ConversationSummary{Conversation: conv, PeerID: conv.PeerOf(userID), UnreadCount: row.UnreadCount}
		if row.LastID.Valid {
			last := models.Message{
				ID:             row.LastID.Int64,
				ConversationID: conv.ID,
				SenderID:       row.LastSender.Int64,
				Content:        row.LastContent.String,
				CreatedAt:      row.LastCreated.Time,
				UpdatedAt:      row.LastCreated.Time,
			}
			if row.LastReadAt.Valid {
				readAt := row.LastReadAt.Time
				last.ReadAt = &readAt
			}
			summary.LastMessage = &last
		}
		result = append(result, summary)
	}
	return result, rows.Err()
}

func withParticipants(conv models.Conversation) models.Conversation {
	conv.Participants = []int64{conv.UserLow, conv.UserHigh}
	return conv
}
