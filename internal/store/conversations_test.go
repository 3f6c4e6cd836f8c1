package store

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"chat-relay/internal/llm"
	"chat-relay/pkg/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	return NewStore(newTestDB(t), zaptest.NewLogger(t), Options{
		Caps:  CatalogCaps(llm.DefaultCatalog()),
		Clock: newTickingClock().Now,
	})
}

func TestStoreCreateAndGet(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	alice := models.Authenticated("alice", models.TierFree)

	conv, err := s.CreateNew(ctx, alice, "chat-1", "Explain how rainbows form in the sky")
	require.NoError(t, err)
	assert.Equal(t, "chat-1", conv.ID)
	assert.Equal(t, "Explain how rainbows form in the...", conv.Title)
	assert.Empty(t, conv.Messages)
	assert.Zero(t, conv.TokenCount)

	got, err := s.Get(ctx, alice, "chat-1")
	require.NoError(t, err)
	assert.Equal(t, conv.Title, got.Title)
	assert.Equal(t, "user:alice", got.Owner)

	_, err = s.CreateNew(ctx, alice, "chat-1", "again")
	assert.ErrorIs(t, err, ErrConflict)

	generated, err := s.CreateNew(ctx, alice, "", "")
	require.NoError(t, err)
	assert.NotEmpty(t, generated.ID)
	assert.Equal(t, models.DefaultConversationTitle, generated.Title)
}

func TestStoreOwnershipIsolation(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	alice := models.Authenticated("alice", models.TierPro)
	bob := models.Authenticated("bob", models.TierPro)

	_, err := s.CreateNew(ctx, alice, "shared-id", "alice's secret")
	require.NoError(t, err)
	_, err = s.AppendAndPersist(ctx, alice, "shared-id", models.NewTextMessage(models.RoleUser, "alice's secret"))
	require.NoError(t, err)

	_, err = s.Get(ctx, bob, "shared-id")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.AppendAndPersist(ctx, bob, "shared-id", models.NewTextMessage(models.RoleUser, "hijack"))
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, s.Delete(ctx, bob, "shared-id"), ErrNotFound)

	// Bob may use the same id for his own conversation without touching Alice's.
	_, err = s.CreateNew(ctx, bob, "shared-id", "bob's chat")
	require.NoError(t, err)

	got, err := s.Get(ctx, alice, "shared-id")
	require.NoError(t, err)
	require.Len(t, got.Messages, 1)
	assert.Equal(t, "alice's secret", got.Messages[0].Text())
}

func TestStoreAppendAndPersist(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	user := models.Authenticated("u1", models.TierStarter)

	created, err := s.CreateNew(ctx, user, "c1", "")
	require.NoError(t, err)

	userTurn := models.NewUserTurn("What is in this picture of my garden today?", []models.ImagePart{{URL: "data:image/png;base64,AAAA"}})
	reply := models.NewTextMessage(models.RoleAssistant, "A lot of tomatoes.")
	conv, err := s.AppendAndPersist(ctx, user, "c1", userTurn, reply)
	require.NoError(t, err)

	assert.Len(t, conv.Messages, 2)
	assert.Equal(t, llm.EstimateMessages(conv.Messages), conv.TokenCount)
	assert.Equal(t, "What is in this picture of...", conv.Title, "renamed after first exchange")
	assert.True(t, conv.UpdatedAt.After(created.UpdatedAt))

	reloaded, err := s.Get(ctx, user, "c1")
	require.NoError(t, err)
	assert.Equal(t, conv.Messages, reloaded.Messages)
	assert.Equal(t, conv.TokenCount, reloaded.TokenCount)
	assert.Equal(t, int64(1), reloaded.Version)

	// A second exchange appends without touching earlier messages or the title.
	conv2, err := s.AppendAndPersist(ctx, user, "c1",
		models.NewTextMessage(models.RoleUser, "and the roses?"),
		models.NewTextMessage(models.RoleAssistant, "Blooming."))
	require.NoError(t, err)
	assert.Len(t, conv2.Messages, 4)
	assert.Equal(t, reloaded.Messages, conv2.Messages[:2])
	assert.Equal(t, conv.Title, conv2.Title)
}

func TestStoreConcurrentAppendsDoNotLoseMessages(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	user := models.Authenticated("u1", models.TierPro)
	_, err := s.CreateNew(ctx, user, "c1", "start")
	require.NoError(t, err)

	const writers = 3
	var wg sync.WaitGroup
	errs := make(chan error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := s.AppendAndPersist(ctx, user, "c1", models.NewTextMessage(models.RoleUser, fmt.Sprintf("msg %d", i)))
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	conv, err := s.Get(ctx, user, "c1")
	require.NoError(t, err)
	assert.Len(t, conv.Messages, writers)
	assert.Equal(t, int64(writers), conv.Version)
}

func TestStoreEvictsLeastRecentlyUpdated(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	user := models.Authenticated("u1", models.TierFree)

	for i := 0; i < 7; i++ {
		_, err := s.CreateNew(ctx, user, fmt.Sprintf("c%d", i), "chat")
		require.NoError(t, err)
	}
	// Touch c0 so c1 becomes the oldest.
	_, err := s.AppendAndPersist(ctx, user, "c0", models.NewTextMessage(models.RoleUser, "still here"))
	require.NoError(t, err)

	_, err = s.CreateNew(ctx, user, "c7", "one more")
	require.NoError(t, err)

	metas, err := s.List(ctx, user, 0)
	require.NoError(t, err)
	require.Len(t, metas, 7)

	ids := map[string]bool{}
	for _, m := range metas {
		ids[m.ID] = true
	}
	assert.True(t, ids["c0"])
	assert.True(t, ids["c7"])
	assert.False(t, ids["c1"], "oldest conversation should be evicted")
	assert.Equal(t, "c7", metas[0].ID, "listing is most recent first")
}

func TestStoreListAndDelete(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	s := NewStore(db, zaptest.NewLogger(t), Options{MaxTokens: 10, Clock: newTickingClock().Now})
	user := models.Authenticated("u1", models.TierPro)

	_, err := s.CreateNew(ctx, user, "a", "first")
	require.NoError(t, err)
	_, err = s.CreateNew(ctx, user, "b", "second")
	require.NoError(t, err)
	_, err = s.AppendAndPersist(ctx, user, "a", models.NewTextMessage(models.RoleUser, "The quick brown fox jumps over the lazy dog"))
	require.NoError(t, err)

	metas, err := s.List(ctx, user, 1)
	require.NoError(t, err)
	require.Len(t, metas, 1)
	assert.Equal(t, "a", metas[0].ID)
	assert.True(t, metas[0].IsNearLimit)
	assert.Equal(t, 1, metas[0].MessageCount)

	require.NoError(t, s.Delete(ctx, user, "a"))
	assert.ErrorIs(t, s.Delete(ctx, user, "a"), ErrNotFound)

	require.NoError(t, s.Rename(ctx, user, "b", "Renamed"))
	got, err := s.Get(ctx, user, "b")
	require.NoError(t, err)
	assert.Equal(t, "Renamed", got.Title)
	assert.ErrorIs(t, s.Rename(ctx, user, "missing", "x"), ErrNotFound)
}
