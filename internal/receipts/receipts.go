// Package receipts computes and persists "read up to" boundaries.
//
// Read state is a boundary per (conversation, sender of the unread run), not a
// per-message flag, even though read_at is stored on every message. One MarkRead
// issues at most one range write regardless of how long the unread run is.
package receipts

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"dm-service/internal/auth"
	"dm-service/internal/models"
	"dm-service/internal/repositories"
)

// Announcer is told about every boundary that actually moved.
type Announcer interface {
	AnnounceReadBoundary(ctx context.Context, receipt models.ReadReceipt)
}

// Propagator advances read boundaries.
type Propagator struct {
	store      repositories.ReceiptStore
	announcers []Announcer
	now        func() time.Time
	logger     *zap.Logger
}

// NewPropagator constructs a Propagator.
func NewPropagator(store repositories.ReceiptStore, logger *zap.Logger, announcers ...Announcer) *Propagator {
	return &Propagator{
		store:      store,
		announcers: announcers,
		now:        func() time.Time { return time.Now().UTC() },
		logger:     logger,
	}
}

// SetClock replaces the clock used for read_at.
func (p *Propagator) SetClock(now func() time.Time) {
	p.now = now
}

// MarkRead moves the reader's boundary to the newest message the other participant
// sent. Conversations with nothing unread, or with no messages from anyone but the
// reader, are a no-op; the returned receipt then reports the existing boundary with
// Advanced=false. Callers must already have checked that reader participates.
func (p *Propagator) MarkRead(ctx context.Context, conversationID int64, reader auth.Identity) (models.ReadReceipt, error) {
	receipt := models.ReadReceipt{
		ConversationID: conversationID,
		ReaderID:       reader.UserID,
		ReaderUsername: reader.Username,
	}

	senderID, ok, err := p.store.LatestSenderExcept(ctx, conversationID, reader.UserID)
	if err != nil {
		return models.ReadReceipt{}, fmt.Errorf("latest sender: %w", err)
	}
	if !ok {
		return receipt, nil
	}

	boundary, ok, err := p.store.LatestUnreadFrom(ctx, conversationID, senderID)
	if err != nil {
		return models.ReadReceipt{}, fmt.Errorf("latest unread: %w", err)
	}
	if !ok {
		last, found, err := p.store.LatestReadFrom(ctx, conversationID, senderID)
		if err != nil {
			return models.ReadReceipt{}, fmt.Errorf("latest read: %w", err)
		}
		if found {
			receipt.MessageID = last.ID
			receipt.ReadAt = last.ReadAt
		}
		return receipt, nil
	}

	readAt := p.now()
	changed, err := p.store.MarkReadRange(ctx, conversationID, senderID, boundary, readAt)
	if err != nil {
		return models.ReadReceipt{}, fmt.Errorf("mark read range: %w", err)
	}

	receipt.MessageID = boundary
	receipt.ReadAt = &readAt
	if changed == 0 {
		// a concurrent MarkRead wrote the range first; report what it stored
		last, found, err := p.store.LatestReadFrom(ctx, conversationID, senderID)
		if err != nil {
			return models.ReadReceipt{}, fmt.Errorf("latest read: %w", err)
		}
		if found {
			receipt.MessageID = last.ID
			receipt.ReadAt = last.ReadAt
		}
		return receipt, nil
	}
	receipt.Advanced = true

	p.logger.Debug("read boundary advanced",
		zap.Int64("conversation_id", conversationID),
		zap.Int64("reader_id", reader.UserID),
		zap.Int64("sender_id", senderID),
		zap.Int64("message_id", boundary),
		zap.Int64("rows", changed),
	)
	for _, a := range p.announcers {
		a.AnnounceReadBoundary(ctx, receipt)
	}
	return receipt, nil
}
