package messaging

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"dm-service/internal/auth"
	"dm-service/internal/models"
	"dm-service/internal/receipts"
	"dm-service/internal/repositories"
)

type recorder struct {
	mu            sync.Mutex
	published     []models.Message
	created       []models.Message
	conversations []models.Conversation
	receipts      []models.ReadReceipt
}

func (r *recorder) PublishMessage(msg models.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.published = append(r.published, msg)
}

func (r *recorder) MessageCreated(_ context.Context, msg models.Message, _ bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.created = append(r.created, msg)
}

func (r *recorder) ConversationCreated(_ context.Context, conv models.Conversation, _ int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conversations = append(r.conversations, conv)
}

func (r *recorder) AnnounceReadBoundary(_ context.Context, receipt models.ReadReceipt) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.receipts = append(r.receipts, receipt)
}

var (
	alice = auth.Identity{UserID: 1, Username: "alice"}
	bob   = auth.Identity{UserID: 2, Username: "bob"}
	carol = auth.Identity{UserID: 3, Username: "carol"}
)

func newService(t *testing.T) (*Service, *repositories.MemoryStore, *recorder) {
	t.Helper()
	store := repositories.NewMemoryStore()
	rec := &recorder{}
	prop := receipts.NewPropagator(store, zap.NewNop(), rec)
	return NewService(store, store, prop, rec, rec, zap.NewNop()), store, rec
}

func TestFirstMessageScenario(t *testing.T) {
	svc, _, rec := newService(t)
	ctx := context.Background()

	conv, msg, err := svc.SendToUser(ctx, alice.UserID, bob.UserID, models.CreateMessageRequest{Content: "  hey bob  "})
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 2}, conv.Participants)
	assert.Equal(t, "hey bob", msg.Content)
	assert.Nil(t, msg.ReadAt)
	require.Len(t, rec.conversations, 1)
	require.Len(t, rec.published, 1)
	require.Len(t, rec.created, 1)

	list, err := svc.ListConversations(ctx, bob.UserID)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, alice.UserID, list[0].PeerID)
	assert.Equal(t, 1, list[0].UnreadCount)
	require.NotNil(t, list[0].LastMessage)
	assert.Equal(t, msg.ID, list[0].LastMessage.ID)

	receipt, err := svc.MarkRead(ctx, conv.ID, bob)
	require.NoError(t, err)
	assert.True(t, receipt.Advanced)
	assert.Equal(t, msg.ID, receipt.MessageID)
	require.Len(t, rec.receipts, 1)

	// second message reuses the conversation
	again, _, err := svc.SendToUser(ctx, alice.UserID, bob.UserID, models.CreateMessageRequest{Content: "still there?"})
	require.NoError(t, err)
	assert.Equal(t, conv.ID, again.ID)
	assert.Len(t, rec.conversations, 1)
}

func TestOfflineCatchUp(t *testing.T) {
	svc, _, _ := newService(t)
	ctx := context.Background()

	// bob is offline while alice sends three messages
	conv, first, err := svc.SendToUser(ctx, alice.UserID, bob.UserID, models.CreateMessageRequest{Content: "m1"})
	require.NoError(t, err)
	want := []int64{first.ID}
	for _, text := range []string{"m2", "m3"} {
		msg, err := svc.CreateMessage(ctx, conv.ID, alice.UserID, models.CreateMessageRequest{Content: text})
		require.NoError(t, err)
		want = append(want, msg.ID)
	}

	page, err := svc.FetchOlder(ctx, conv.ID, bob.UserID, nil, 0)
	require.NoError(t, err)
	assert.True(t, page.End)
	assert.Nil(t, page.Cursor)
	var got []int64
	var contents []string
	for _, m := range page.Messages {
		got = append(got, m.ID)
		contents = append(contents, m.Content)
	}
	assert.Equal(t, want, got)
	assert.Equal(t, []string{"m1", "m2", "m3"}, contents)
}

func TestCatchUpFromLastSeen(t *testing.T) {
	svc, _, _ := newService(t)
	ctx := context.Background()

	conv, seen, err := svc.SendToUser(ctx, alice.UserID, bob.UserID, models.CreateMessageRequest{Content: "m0"})
	require.NoError(t, err)

	var want []int64
	for _, text := range []string{"m1", "m2", "m3"} {
		msg, err := svc.CreateMessage(ctx, conv.ID, alice.UserID, models.CreateMessageRequest{Content: text})
		require.NoError(t, err)
		want = append(want, msg.ID)
	}

	page, err := svc.FetchNewer(ctx, conv.ID, bob.UserID, seen.ID, 0)
	require.NoError(t, err)
	assert.True(t, page.End)
	var got []int64
	for _, m := range page.Messages {
		got = append(got, m.ID)
	}
	assert.Equal(t, want, got)
}

func TestCreateMessageValidation(t *testing.T) {
	svc, store, rec := newService(t)
	ctx := context.Background()
	conv, _, err := store.FindOrCreate(ctx, alice.UserID, bob.UserID)
	require.NoError(t, err)

	cases := map[string]struct {
		req   models.CreateMessageRequest
		field string
	}{
		"blank":           {models.CreateMessageRequest{Content: "   "}, "content"},
		"too long":        {models.CreateMessageRequest{Content: strings.Repeat("é", MaxContentRunes+1)}, "content"},
		"too many images": {models.CreateMessageRequest{Images: []string{"https://a/1.png", "https://a/2.png", "https://a/3.png", "https://a/4.png", "https://a/5.png"}}, "images"},
		"bad scheme":      {models.CreateMessageRequest{Images: []string{"ftp://a/1.png"}}, "images"},
		"bad extension":   {models.CreateMessageRequest{Images: []string{"https://a/1.exe"}}, "images"},
		"relative url":    {models.CreateMessageRequest{Images: []string{"/uploads/1.png"}}, "images"},
		"huge token":      {models.CreateMessageRequest{Content: "x", ClientToken: strings.Repeat("t", MaxClientTokenLen+1)}, "client_token"},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := svc.CreateMessage(ctx, conv.ID, alice.UserID, tc.req)
			var verr *ValidationError
			require.True(t, errors.As(err, &verr), "got %v", err)
			assert.Equal(t, tc.field, verr.Field)
		})
	}
	assert.Empty(t, rec.published)

	msg, err := svc.CreateMessage(ctx, conv.ID, alice.UserID, models.CreateMessageRequest{Images: []string{"https://cdn.example.com/a/B.JPG"}})
	require.NoError(t, err)
	assert.Equal(t, []string{"https://cdn.example.com/a/B.JPG"}, msg.Images)
	assert.Empty(t, msg.Content)
}

func TestAuthorization(t *testing.T) {
	svc, store, _ := newService(t)
	ctx := context.Background()
	conv, _, err := store.FindOrCreate(ctx, alice.UserID, bob.UserID)
	require.NoError(t, err)

	_, err = svc.CreateMessage(ctx, conv.ID, carol.UserID, models.CreateMessageRequest{Content: "let me in"})
	assert.ErrorIs(t, err, ErrNotAuthorized)

	_, err = svc.FetchOlder(ctx, conv.ID, carol.UserID, nil, 10)
	assert.ErrorIs(t, err, ErrNotAuthorized)

	_, err = svc.MarkRead(ctx, conv.ID, carol)
	assert.ErrorIs(t, err, ErrNotAuthorized)

	_, err = svc.CreateMessage(ctx, 999, alice.UserID, models.CreateMessageRequest{Content: "x"})
	assert.ErrorIs(t, err, repositories.ErrConversationNotFound)

	_, _, err = svc.SendToUser(ctx, alice.UserID, 0, models.CreateMessageRequest{Content: "x"})
	var verr *ValidationError
	assert.True(t, errors.As(err, &verr))
}

func TestInvalidSendDoesNotCreateConversation(t *testing.T) {
	svc, _, rec := newService(t)
	_, _, err := svc.SendToUser(context.Background(), alice.UserID, bob.UserID, models.CreateMessageRequest{})
	require.Error(t, err)
	assert.Empty(t, rec.conversations)

	list, err := svc.ListConversations(context.Background(), alice.UserID)
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestClientTokenReplayDoesNotDuplicate(t *testing.T) {
	svc, _, rec := newService(t)
	ctx := context.Background()
	req := models.CreateMessageRequest{Content: "once", ClientToken: "tok-1"}

	conv, first, err := svc.SendToUser(ctx, alice.UserID, bob.UserID, req)
	require.NoError(t, err)
	_, second, err := svc.SendToUser(ctx, alice.UserID, bob.UserID, req)
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Len(t, rec.published, 1)
	assert.Len(t, rec.created, 1)

	page, err := svc.FetchOlder(ctx, conv.ID, bob.UserID, nil, 0)
	require.NoError(t, err)
	assert.Len(t, page.Messages, 1)
}

func TestSimultaneousSendsConverge(t *testing.T) {
	svc, store, _ := newService(t)
	ctx := context.Background()
	conv, _, err := store.FindOrCreate(ctx, alice.UserID, bob.UserID)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for _, sender := range []int64{alice.UserID, bob.UserID} {
		wg.Add(1)
		go func(sender int64) {
			defer wg.Done()
			_, err := svc.CreateMessage(ctx, conv.ID, sender, models.CreateMessageRequest{Content: "at the same time"})
			assert.NoError(t, err)
		}(sender)
	}
	wg.Wait()

	forAlice, err := svc.FetchOlder(ctx, conv.ID, alice.UserID, nil, 0)
	require.NoError(t, err)
	forBob, err := svc.FetchOlder(ctx, conv.ID, bob.UserID, nil, 0)
	require.NoError(t, err)
	assert.Equal(t, forAlice.Messages, forBob.Messages)
	require.Len(t, forAlice.Messages, 2)
	assert.True(t, forAlice.Messages[0].Less(forAlice.Messages[1]))
}
