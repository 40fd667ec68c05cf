package pagination

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dm-service/internal/models"
	"dm-service/internal/repositories"
)

func seed(t *testing.T, n int) (*repositories.MemoryStore, int64, []int64) {
	t.Helper()
	store := repositories.NewMemoryStore()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	tick := 0
	store.SetClock(func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Second)
	})
	conv, _, err := store.FindOrCreate(context.Background(), 1, 2)
	require.NoError(t, err)

	ids := make([]int64, 0, n)
	for i := 0; i < n; i++ {
		msg, _, err := store.CreateMessage(context.Background(), models.NewMessage{
			ConversationID: conv.ID,
			SenderID:       int64(1 + i%2),
			Content:        fmt.Sprintf("m%d", i),
		})
		require.NoError(t, err)
		ids = append(ids, msg.ID)
	}
	return store, conv.ID, ids
}

func pageIDs(p models.Page) []int64 {
	ids := make([]int64, 0, len(p.Messages))
	for _, m := range p.Messages {
		ids = append(ids, m.ID)
	}
	return ids
}

func TestOlderRoundTripIsComplete(t *testing.T) {
	for _, n := range []int{0, 1, 7, 10, 23} {
		t.Run(fmt.Sprintf("n=%d", n), func(t *testing.T) {
			store, convID, ids := seed(t, n)
			engine := NewEngine(store)

			var collected []int64
			var cursor *int64
			for calls := 0; ; calls++ {
				require.Less(t, calls, 20, "pagination did not terminate")
				page, err := engine.Older(context.Background(), convID, cursor, 5)
				require.NoError(t, err)
				assert.LessOrEqual(t, len(page.Messages), 5)
				for i := 1; i < len(page.Messages); i++ {
					assert.Less(t, page.Messages[i-1].ID, page.Messages[i].ID, "page must be ascending")
				}
				collected = append(pageIDs(page), collected...)
				if page.End {
					assert.Nil(t, page.Cursor)
					break
				}
				require.NotNil(t, page.Cursor)
				cursor = page.Cursor
			}
			if n == 0 {
				assert.Empty(t, collected)
				return
			}
			assert.Equal(t, ids, collected)
		})
	}
}

func TestOlderExactMultipleDetectsEndWithoutExtraCall(t *testing.T) {
	store, convID, ids := seed(t, 10)
	engine := NewEngine(store)

	first, err := engine.Older(context.Background(), convID, nil, 5)
	require.NoError(t, err)
	assert.False(t, first.End)
	assert.Equal(t, ids[5:], pageIDs(first))

	second, err := engine.Older(context.Background(), convID, first.Cursor, 5)
	require.NoError(t, err)
	assert.True(t, second.End)
	assert.Equal(t, ids[:5], pageIDs(second))
}

func TestOlderToleratesDeletedCursor(t *testing.T) {
	store, convID, ids := seed(t, 6)
	require.NoError(t, store.DeleteMessage(context.Background(), ids[3]))
	engine := NewEngine(store)

	cursor := ids[3]
	page, err := engine.Older(context.Background(), convID, &cursor, 10)
	require.NoError(t, err)
	assert.True(t, page.End)
	assert.Equal(t, ids[:3], pageIDs(page))
}

func TestNewerCatchesUp(t *testing.T) {
	store, convID, ids := seed(t, 8)
	engine := NewEngine(store)

	page, err := engine.Newer(context.Background(), convID, ids[2], 3)
	require.NoError(t, err)
	assert.False(t, page.End)
	assert.Equal(t, ids[3:6], pageIDs(page))
	require.NotNil(t, page.Cursor)
	assert.Equal(t, ids[5], *page.Cursor)

	page, err = engine.Newer(context.Background(), convID, *page.Cursor, 3)
	require.NoError(t, err)
	assert.True(t, page.End)
	assert.Equal(t, ids[6:], pageIDs(page))

	page, err = engine.Newer(context.Background(), convID, *page.Cursor, 3)
	require.NoError(t, err)
	assert.True(t, page.End)
	assert.Empty(t, page.Messages)
	assert.Equal(t, ids[7], *page.Cursor)
}

func TestNormalizeLimitAndDirection(t *testing.T) {
	assert.Equal(t, DefaultLimit, NormalizeLimit(0))
	assert.Equal(t, MaxLimit, NormalizeLimit(1000))
	assert.Equal(t, 12, NormalizeLimit(12))

	d, ok := ParseDirection("")
	assert.True(t, ok)
	assert.Equal(t, Older, d)
	d, ok = ParseDirection("newer")
	assert.True(t, ok)
	assert.Equal(t, Newer, d)
	_, ok = ParseDirection("sideways")
	assert.False(t, ok)
}

type failingSource struct{ err error }

func (f failingSource) ListBefore(context.Context, int64, *int64, int) ([]models.Message, error) {
	return nil, f.err
}

func (f failingSource) ListAfter(context.Context, int64, int64, int) ([]models.Message, error) {
	return nil, f.err
}

func TestNotFoundIsAnEarlyEnd(t *testing.T) {
	engine := NewEngine(failingSource{err: repositories.ErrMessageNotFound})
	page, err := engine.Older(context.Background(), 1, nil, 5)
	require.NoError(t, err)
	assert.True(t, page.End)
	assert.Empty(t, page.Messages)

	_, err = NewEngine(failingSource{err: assert.AnError}).Older(context.Background(), 1, nil, 5)
	assert.ErrorIs(t, err, assert.AnError)
}
