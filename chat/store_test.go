package chat

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"helpdesk_back/storage"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	db, err := storage.Open("sqlite", dsn)
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	return db
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := NewStore(newTestDB(t), nil)
	require.NoError(t, err)
	require.NoError(t, store.AutoMigrate())
	return store
}

func TestResolveCreatesConversationWithDerivedTitle(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	conv, created, err := store.Resolve(ctx, "user-1", "", "", "How do I reset my evaluation criteria?")
	require.NoError(t, err)
	assert.True(t, created)
	assert.NotEmpty(t, conv.ID)
	assert.NotEmpty(t, conv.SessionID)
	assert.Equal(t, ConversationActive, conv.Status)
	assert.Equal(t, "How do I reset my evaluation criteria?", conv.Title)
	require.NotNil(t, conv.UserID)
	assert.Equal(t, "user-1", *conv.UserID)
}

func TestResolveScopesToOwner(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	conv, _, err := store.Resolve(ctx, "user-1", "", "", "First question")
	require.NoError(t, err)

	// owner resolves, a different user does not
	found, created, err := store.Resolve(ctx, "user-1", "", conv.ID, "")
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, conv.ID, found.ID)

	_, _, err = store.Resolve(ctx, "user-2", "", conv.ID, "")
	assert.ErrorIs(t, err, ErrConversationNotFound)

	_, _, err = store.Resolve(ctx, "", "some-session", conv.ID, "")
	assert.ErrorIs(t, err, ErrConversationNotFound)
}

func TestResolveAnonymousScopesToSession(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	conv, _, err := store.Resolve(ctx, "", "session-a", "", "Anonymous question")
	require.NoError(t, err)
	assert.Nil(t, conv.UserID)
	assert.Equal(t, "session-a", conv.SessionID)

	found, _, err := store.Resolve(ctx, "", "session-a", conv.ID, "")
	require.NoError(t, err)
	assert.Equal(t, conv.ID, found.ID)

	_, _, err = store.Resolve(ctx, "", "session-b", conv.ID, "")
	assert.ErrorIs(t, err, ErrConversationNotFound)
}

func TestAppendMessageAssignsStrictSequence(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	conv, _, err := store.Resolve(ctx, "user-1", "", "", "seq test")
	require.NoError(t, err)

	contents := []string{"first", "second", "third", "fourth"}
	for i, content := range contents {
		role := RoleUser
		if i%2 == 1 {
			role = RoleAssistant
		}
		msg, err := store.AppendMessage(ctx, conv.ID, AppendParams{Role: role, Content: content})
		require.NoError(t, err)
		assert.Equal(t, i+1, msg.Seq)
	}

	messages, err := store.Messages(ctx, conv.ID)
	require.NoError(t, err)
	require.Len(t, messages, len(contents))
	for i, msg := range messages {
		assert.Equal(t, i+1, msg.Seq)
		assert.Equal(t, contents[i], msg.Content)
	}
}

func TestMessageSeqUniquePerConversation(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	conv, _, err := store.Resolve(ctx, "user-1", "", "", "uniqueness")
	require.NoError(t, err)

	first := Message{ID: uuid.NewString(), ConversationID: conv.ID, Seq: 1, Role: RoleUser, Content: "a"}
	require.NoError(t, store.db.Create(&first).Error)

	dup := Message{ID: uuid.NewString(), ConversationID: conv.ID, Seq: 1, Role: RoleUser, Content: "b"}
	assert.ErrorIs(t, store.db.Create(&dup).Error, gorm.ErrDuplicatedKey)

	// the same seq in another conversation is fine
	other, _, err := store.Resolve(ctx, "user-1", "", "", "sibling")
	require.NoError(t, err)
	sibling := Message{ID: uuid.NewString(), ConversationID: other.ID, Seq: 1, Role: RoleUser, Content: "c"}
	assert.NoError(t, store.db.Create(&sibling).Error)
}

func TestAppendMessageConcurrentWritersKeepStrictOrder(t *testing.T) {
	// file-backed database with a real connection pool so appends genuinely
	// race; immediate transactions plus a busy timeout stand in for the
	// row-level blocking of the server databases
	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000&_txlock=immediate", filepath.Join(t.TempDir(), "chat.db"))
	db, err := storage.Open("sqlite", dsn)
	require.NoError(t, err)

	store, err := NewStore(db, nil)
	require.NoError(t, err)
	require.NoError(t, store.AutoMigrate())

	conv, _, err := store.Resolve(context.Background(), "user-1", "", "", "concurrent writers")
	require.NoError(t, err)

	const writers = 4
	const perWriter = 5

	var wg sync.WaitGroup
	appendErrs := make(chan error, writers*perWriter)
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				_, err := store.AppendMessage(context.Background(), conv.ID, AppendParams{
					Role:    RoleUser,
					Content: fmt.Sprintf("m-%d-%d", w, i),
				})
				if err != nil {
					appendErrs <- err
				}
			}
		}(w)
	}
	wg.Wait()
	close(appendErrs)
	for err := range appendErrs {
		require.NoError(t, err)
	}

	messages, err := store.Messages(context.Background(), conv.ID)
	require.NoError(t, err)
	require.Len(t, messages, writers*perWriter)

	// seqs must come out unique and contiguous regardless of interleaving
	for i, msg := range messages {
		assert.Equal(t, i+1, msg.Seq, "message %q landed out of order", msg.Content)
	}
}

func TestAppendMessageBumpsLastMessageAt(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	conv, _, err := store.Resolve(ctx, "user-1", "", "", "timestamps")
	require.NoError(t, err)
	before := conv.LastMessageAt

	_, err = store.AppendMessage(ctx, conv.ID, AppendParams{Role: RoleUser, Content: "hello"})
	require.NoError(t, err)

	after, err := store.Get(ctx, "user-1", "", conv.ID)
	require.NoError(t, err)
	assert.False(t, after.LastMessageAt.Before(before))
}

func TestAppendMessagePersistsSources(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	conv, _, err := store.Resolve(ctx, "user-1", "", "", "sources")
	require.NoError(t, err)

	sources := []Source{{ArticleID: "a1", Title: "Resetting criteria", Score: 0.81}}
	msg, err := store.AppendMessage(ctx, conv.ID, AppendParams{Role: RoleAssistant, Content: "answer", Sources: sources})
	require.NoError(t, err)

	loaded := SourcesOf(*msg)
	require.Len(t, loaded, 1)
	assert.Equal(t, "a1", loaded[0].ArticleID)
	assert.InDelta(t, 0.81, loaded[0].Score, 1e-9)
}

func TestHistoryReturnsRecentWindowAscending(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	conv, _, err := store.Resolve(ctx, "user-1", "", "", "window")
	require.NoError(t, err)

	for i := 1; i <= 6; i++ {
		_, err := store.AppendMessage(ctx, conv.ID, AppendParams{Role: RoleUser, Content: fmt.Sprintf("m%d", i)})
		require.NoError(t, err)
	}

	history, err := store.History(ctx, conv.ID, 3)
	require.NoError(t, err)
	require.Len(t, history, 3)
	assert.Equal(t, "m4", history[0].Content)
	assert.Equal(t, "m5", history[1].Content)
	assert.Equal(t, "m6", history[2].Content)
}

func TestCloseIsIdempotent(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	conv, _, err := store.Resolve(ctx, "user-1", "", "", "closing")
	require.NoError(t, err)

	require.NoError(t, store.Close(ctx, "user-1", "", conv.ID))
	require.NoError(t, store.Close(ctx, "user-1", "", conv.ID))

	closed, err := store.Get(ctx, "user-1", "", conv.ID)
	require.NoError(t, err)
	assert.Equal(t, ConversationClosed, closed.Status)

	assert.ErrorIs(t, store.Close(ctx, "user-1", "", "missing"), ErrConversationNotFound)
}

func TestRateValidatesRange(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	conv, _, err := store.Resolve(ctx, "user-1", "", "", "rating")
	require.NoError(t, err)

	assert.ErrorIs(t, store.Rate(ctx, "user-1", "", conv.ID, 0, ""), ErrInvalidRating)
	assert.ErrorIs(t, store.Rate(ctx, "user-1", "", conv.ID, 6, ""), ErrInvalidRating)

	require.NoError(t, store.Rate(ctx, "user-1", "", conv.ID, 4, "helpful bot"))
	rated, err := store.Get(ctx, "user-1", "", conv.ID)
	require.NoError(t, err)
	require.NotNil(t, rated.Rating)
	assert.Equal(t, 4, *rated.Rating)
	require.NotNil(t, rated.RatingText)
	assert.Equal(t, "helpful bot", *rated.RatingText)
}
