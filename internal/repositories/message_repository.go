package repositories

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"dm-service/internal/models"
)

var ErrMessageNotFound = errors.New("message not found")

// MessageRepository defines interactions for direct messages.
type MessageRepository interface {
	CreateMessage(ctx context.Context, msg models.NewMessage) (models.Message, bool, error)
	GetMessage(ctx context.Context, messageID int64) (models.Message, error)
	ListBefore(ctx context.Context, conversationID int64, before *int64, limit int) ([]models.Message, error)
	ListAfter(ctx context.Context, conversationID int64, after int64, limit int) ([]models.Message, error)
	ReceiptStore
}

// ReceiptStore holds the primitives the read-receipt propagator is built on.
type ReceiptStore interface {
	LatestSenderExcept(ctx context.Context, conversationID int64, readerID int64) (int64, bool, error)
	LatestUnreadFrom(ctx context.Context, conversationID int64, senderID int64) (int64, bool, error)
	LatestReadFrom(ctx context.Context, conversationID int64, senderID int64) (models.Message, bool, error)
	MarkReadRange(ctx context.Context, conversationID int64, senderID int64, upTo int64, readAt time.Time) (int64, error)
}

// MessageRepo is a sqlx-backed repository.
type MessageRepo struct {
	db *sqlx.DB
}

// NewMessageRepo constructs MessageRepo.
func NewMessageRepo(db *sqlx.DB) *MessageRepo {
	return &MessageRepo{db: db}
}

const messageColumns = `id, conversation_id, sender_id, content, images, client_token, created_at, updated_at, read_at`

type messageRow struct {
	models.Message
	ImageList pq.StringArray `db:"images"`
}

func (r messageRow) toModel() models.Message {
	msg := r.Message
	if len(r.ImageList) > 0 {
		msg.Images = []string(r.ImageList)
	}
	return msg
}

func toModels(rows []messageRow) []models.Message {
	msgs := make([]models.Message, 0, len(rows))
	for _, row := range rows {
		msgs = append(msgs, row.toModel())
	}
	return msgs
}

// CreateMessage stores a message and bumps the conversation's updated_at in one
// transaction. A repeated client token returns the original row with replayed=true.
func (r *MessageRepo) CreateMessage(ctx context.Context, msg models.NewMessage) (models.Message, bool, error) {
	createdAt := msg.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	var token *string
	if msg.ClientToken != "" {
		token = &msg.ClientToken
	}
	images := pq.StringArray(msg.Images)
	if images == nil {
		images = pq.StringArray{}
	}

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return models.Message{}, false, err
	}
	defer tx.Rollback()

	var row messageRow
	err = tx.GetContext(ctx, &row, `INSERT INTO messages (conversation_id, sender_id, content, images, client_token, created_at, updated_at)
        VALUES ($1, $2, $3, $4, $5, $6, $6)
        ON CONFLICT (conversation_id, sender_id, client_token) WHERE client_token IS NOT NULL DO NOTHING
        RETURNING `+messageColumns, msg.ConversationID, msg.SenderID, msg.Content, images, token, createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		if err := tx.GetContext(ctx, &row, `SELECT `+messageColumns+` FROM messages
            WHERE conversation_id=$1 AND sender_id=$2 AND client_token=$3`, msg.ConversationID, msg.SenderID, token); err != nil {
			return models.Message{}, false, err
		}
		return row.toModel(), true, tx.Commit()
	}
	if err != nil {
		return models.Message{}, false, err
	}

	if _, err := tx.ExecContext(ctx, `UPDATE conversations SET updated_at = GREATEST(updated_at, $2) WHERE id=$1`, msg.ConversationID, row.CreatedAt); err != nil {
		return models.Message{}, false, err
	}
	if err := tx.Commit(); err != nil {
		return models.Message{}, false, err
	}
	return row.toModel(), false, nil
}

// GetMessage retrieves a single message.
func (r *MessageRepo) GetMessage(ctx context.Context, messageID int64) (models.Message, error) {
	var row messageRow
	err := r.db.GetContext(ctx, &row, `SELECT `+messageColumns+` FROM messages WHERE id=$1`, messageID)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Message{}, ErrMessageNotFound
	}
	if err != nil {
		return models.Message{}, err
	}
	return row.toModel(), nil
}

// ListBefore returns up to limit messages with id < before, newest first.
// A nil cursor starts from the newest message.
func (r *MessageRepo) ListBefore(ctx context.Context, conversationID int64, before *int64, limit int) ([]models.Message, error) {
	var rows []messageRow
	var err error
	if before == nil {
		err = r.db.SelectContext(ctx, &rows, `SELECT `+messageColumns+` FROM messages
            WHERE conversation_id=$1 ORDER BY id DESC LIMIT $2`, conversationID, limit)
	} else {
		err = r.db.SelectContext(ctx, &rows, `SELECT `+messageColumns+` FROM messages
            WHERE conversation_id=$1 AND id < $2 ORDER BY id DESC LIMIT $3`, conversationID, *before, limit)
	}
	if err != nil {
		return nil, err
	}
	return toModels(rows), nil
}

// ListAfter returns up to limit messages with id > after, oldest first.
func (r *MessageRepo) ListAfter(ctx context.Context, conversationID int64, after int64, limit int) ([]models.Message, error) {
	var rows []messageRow
	if err := r.db.SelectContext(ctx, &rows, `SELECT `+messageColumns+` FROM messages
        WHERE conversation_id=$1 AND id > $2 ORDER BY id ASC LIMIT $3`, conversationID, after, limit); err != nil {
		return nil, err
	}
	return toModels(rows), nil
}

// LatestSenderExcept returns the author of the newest message not written by readerID.
func (r *MessageRepo) LatestSenderExcept(ctx context.Context, conversationID int64, readerID int64) (int64, bool, error) {
	var senderID int64
	err := r.db.GetContext(ctx, &senderID, `SELECT sender_id FROM messages
        WHERE conversation_id=$1 AND sender_id<>$2 ORDER BY id DESC LIMIT 1`, conversationID, readerID)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	return senderID, err == nil, err
}

// LatestUnreadFrom returns the id of the sender's newest unread message.
func (r *MessageRepo) LatestUnreadFrom(ctx context.Context, conversationID int64, senderID int64) (int64, bool, error) {
	var id int64
	err := r.db.GetContext(ctx, &id, `SELECT id FROM messages
        WHERE conversation_id=$1 AND sender_id=$2 AND read_at IS NULL ORDER BY id DESC LIMIT 1`, conversationID, senderID)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	return id, err == nil, err
}

// LatestReadFrom returns the sender's newest message that has been read.
func (r *MessageRepo) LatestReadFrom(ctx context.Context, conversationID int64, senderID int64) (models.Message, bool, error) {
	var row messageRow
	err := r.db.GetContext(ctx, &row, `SELECT `+messageColumns+` FROM messages
        WHERE conversation_id=$1 AND sender_id=$2 AND read_at IS NOT NULL ORDER BY id DESC LIMIT 1`, conversationID, senderID)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Message{}, false, nil
	}
	if err != nil {
		return models.Message{}, false, err
	}
	return row.toModel(), true, nil
}

// MarkReadRange sets read_at on every unread message of the sender up to and
// including upTo. It returns the number of rows that changed.
func (r *MessageRepo) MarkReadRange(ctx context.Context, conversationID int64, senderID int64, upTo int64, readAt time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `UPDATE messages SET read_at=$4
        WHERE conversation_id=$1 AND sender_id=$2 AND id <= $3 AND read_at IS NULL`, conversationID, senderID, upTo, readAt)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
