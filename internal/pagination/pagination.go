// Package pagination serves bounded, id-cursor pages of conversation history in
// either temporal direction.
//
// The cursor is the boundary message id and is exclusive. Each call reads one row
// past the limit to learn whether more history exists, so no second round trip is
// needed. Because the boundary is a plain id comparison, a cursor that refers to a
// deleted message still resolves to the closest remaining ids.
package pagination

import (
	"context"
	"errors"

	"dm-service/internal/models"
	"dm-service/internal/repositories"
)

const (
	DefaultLimit = 30
	MaxLimit     = 100
)

// Direction selects which side of the cursor a page is read from.
type Direction string

const (
	Older Direction = "older"
	Newer Direction = "newer"
)

// ParseDirection maps a query value to a Direction. Empty means Older.
func ParseDirection(raw string) (Direction, bool) {
	switch Direction(raw) {
	case "", Older:
		return Older, true
	case Newer:
		return Newer, true
	default:
		return "", false
	}
}

// Source is the slice of the message store the engine reads from.
type Source interface {
	ListBefore(ctx context.Context, conversationID int64, before *int64, limit int) ([]models.Message, error)
	ListAfter(ctx context.Context, conversationID int64, after int64, limit int) ([]models.Message, error)
}

// Engine produces pages from a Source.
type Engine struct {
	source Source
}

// NewEngine constructs an Engine.
func NewEngine(source Source) *Engine {
	return &Engine{source: source}
}

// NormalizeLimit applies the default and the upper bound.
func NormalizeLimit(limit int) int {
	if limit <= 0 {
		return DefaultLimit
	}
	if limit > MaxLimit {
		return MaxLimit
	}
	return limit
}

// Older returns the page strictly before cursor; a nil cursor starts from the newest
// message. The returned cursor is nil once the start of history is reached.
func (e *Engine) Older(ctx context.Context, conversationID int64, cursor *int64, limit int) (models.Page, error) {
	limit = NormalizeLimit(limit)
	rows, err := e.source.ListBefore(ctx, conversationID, cursor, limit+1)
	if errors.Is(err, repositories.ErrMessageNotFound) {
		return endPage(nil), nil
	}
	if err != nil {
		return models.Page{}, err
	}

	end := len(rows) <= limit
	if !end {
		rows = rows[:limit]
	}
	reverse(rows)

	page := models.Page{Messages: rows, End: end}
	if !end && len(rows) > 0 {
		oldest := rows[0].ID
		page.Cursor = &oldest
	}
	return page, nil
}

// Newer returns the page strictly after cursor. The returned cursor is the newest id
// seen, or the input cursor when nothing newer exists, so callers can resume from it.
func (e *Engine) Newer(ctx context.Context, conversationID int64, cursor int64, limit int) (models.Page, error) {
	limit = NormalizeLimit(limit)
	rows, err := e.source.ListAfter(ctx, conversationID, cursor, limit+1)
	if errors.Is(err, repositories.ErrMessageNotFound) {
		return endPage(&cursor), nil
	}
	if err != nil {
		return models.Page{}, err
	}

	end := len(rows) <= limit
	if !end {
		rows = rows[:limit]
	}

	next := cursor
	if len(rows) > 0 {
		next = rows[len(rows)-1].ID
	}
	return models.Page{Messages: rows, Cursor: &next, End: end}, nil
}

func endPage(cursor *int64) models.Page {
	return models.Page{Messages: []models.Message{}, Cursor: cursor, End: true}
}

func reverse(msgs []models.Message) {
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
}
