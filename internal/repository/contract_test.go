package repository

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"alma/backend/internal/model"
)

// runContract exercises the behaviour every backend must share.
func runContract(t *testing.T, newRepo func(t *testing.T) Repository) {
	ctx := context.Background()

	seed := func(t *testing.T, repo Repository, owner, convID string) {
		t.Helper()
		_, err := repo.Upsert(ctx, owner, convID, "", time.Now())
		require.NoError(t, err)
	}

	t.Run("append keeps order and strictly increasing timestamps", func(t *testing.T) {
		repo := newRepo(t)
		seed(t, repo, "owner-1", "conv-order")

		for i := 0; i < 6; i++ {
			role := model.RoleUser
			if i%2 == 1 {
				role = model.RoleAssistant
			}
			msg := &model.Message{Role: role, Content: fmt.Sprintf("m%d", i)}
			require.NoError(t, repo.Append(ctx, "conv-order", msg))
			assert.False(t, msg.CreatedAt.IsZero())
		}

		history, err := repo.GetHistory(ctx, "conv-order", 40)
		require.NoError(t, err)
		require.Len(t, history, 6)
		for i, m := range history {
			assert.Equal(t, fmt.Sprintf("m%d", i), m.Content)
			if i > 0 {
				assert.True(t, m.CreatedAt.After(history[i-1].CreatedAt), "createdAt must strictly increase")
			}
		}
	})

	t.Run("history limit returns the newest window oldest first", func(t *testing.T) {
		repo := newRepo(t)
		seed(t, repo, "owner-1", "conv-window")
		for i := 0; i < 5; i++ {
			require.NoError(t, repo.Append(ctx, "conv-window", &model.Message{Role: model.RoleUser, Content: fmt.Sprintf("m%d", i)}))
		}

		history, err := repo.GetHistory(ctx, "conv-window", 2)
		require.NoError(t, err)
		require.Len(t, history, 2)
		assert.Equal(t, "m3", history[0].Content)
		assert.Equal(t, "m4", history[1].Content)

		empty, err := repo.GetHistory(ctx, "conv-missing", 10)
		require.NoError(t, err)
		assert.Empty(t, empty)
	})

	t.Run("append if absent is idempotent", func(t *testing.T) {
		repo := newRepo(t)
		seed(t, repo, "owner-1", "conv-idem")

		first := &model.Message{Role: model.RoleUser, Content: "hola", ClientMessageID: "c1"}
		created, existing, err := repo.AppendIfAbsent(ctx, "conv-idem", first)
		require.NoError(t, err)
		assert.True(t, created)
		assert.Nil(t, existing)

		retry := &model.Message{Role: model.RoleUser, Content: "hola", ClientMessageID: "c1"}
		created, existing, err = repo.AppendIfAbsent(ctx, "conv-idem", retry)
		require.NoError(t, err)
		assert.False(t, created)
		require.NotNil(t, existing)
		assert.True(t, first.CreatedAt.Equal(existing.CreatedAt))

		found, err := repo.FindByClientMessageID(ctx, "conv-idem", "c1")
		require.NoError(t, err)
		assert.Equal(t, "hola", found.Content)

		_, err = repo.FindByClientMessageID(ctx, "conv-idem", "nope")
		assert.ErrorIs(t, err, ErrNotFound)

		history, err := repo.GetHistory(ctx, "conv-idem", 40)
		require.NoError(t, err)
		assert.Len(t, history, 1)
	})

	t.Run("concurrent duplicates create exactly one message", func(t *testing.T) {
		repo := newRepo(t)
		seed(t, repo, "owner-1", "conv-race")

		const workers = 8
		var wg sync.WaitGroup
		var mu sync.Mutex
		createdCount := 0
		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				created, _, err := repo.AppendIfAbsent(ctx, "conv-race", &model.Message{Role: model.RoleUser, Content: "same", ClientMessageID: "dup"})
				assert.NoError(t, err)
				if created {
					mu.Lock()
					createdCount++
					mu.Unlock()
				}
			}()
		}
		wg.Wait()

		assert.Equal(t, 1, createdCount)
		history, err := repo.GetHistory(ctx, "conv-race", 40)
		require.NoError(t, err)
		assert.Len(t, history, 1)
	})

	t.Run("concurrent appends keep list order and timestamp order aligned", func(t *testing.T) {
		repo := newRepo(t)
		seed(t, repo, "owner-1", "conv-burst")

		const workers, perWorker = 6, 5
		var wg sync.WaitGroup
		for w := 0; w < workers; w++ {
			wg.Add(1)
			go func(w int) {
				defer wg.Done()
				for i := 0; i < perWorker; i++ {
					msg := &model.Message{Role: model.RoleUser, Content: fmt.Sprintf("w%d-%d", w, i)}
					if i%2 == 1 {
						msg.ClientMessageID = fmt.Sprintf("cid-%d-%d", w, i)
						_, _, err := repo.AppendIfAbsent(ctx, "conv-burst", msg)
						assert.NoError(t, err)
						continue
					}
					assert.NoError(t, repo.Append(ctx, "conv-burst", msg))
				}
			}(w)
		}
		wg.Wait()

		history, err := repo.GetHistory(ctx, "conv-burst", 100)
		require.NoError(t, err)
		require.Len(t, history, workers*perWorker)
		for i := 1; i < len(history); i++ {
			assert.True(t, history[i].CreatedAt.After(history[i-1].CreatedAt),
				"message %d (%s) is not newer than its predecessor", i, history[i].Content)
		}
	})

	t.Run("trim keeps the newest messages", func(t *testing.T) {
		repo := newRepo(t)
		seed(t, repo, "owner-1", "conv-trim")
		for i := 0; i < 7; i++ {
			require.NoError(t, repo.Append(ctx, "conv-trim", &model.Message{Role: model.RoleUser, Content: fmt.Sprintf("m%d", i)}))
		}

		require.NoError(t, repo.Trim(ctx, "conv-trim", 4))
		history, err := repo.GetHistory(ctx, "conv-trim", 40)
		require.NoError(t, err)
		require.Len(t, history, 4)
		assert.Equal(t, "m3", history[0].Content)
		assert.Equal(t, "m6", history[3].Content)

		require.NoError(t, repo.Append(ctx, "conv-trim", &model.Message{Role: model.RoleAssistant, Content: "after"}))
		history, err = repo.GetHistory(ctx, "conv-trim", 40)
		require.NoError(t, err)
		assert.True(t, history[len(history)-1].CreatedAt.After(history[len(history)-2].CreatedAt))
	})

	t.Run("delete conversation is idempotent", func(t *testing.T) {
		repo := newRepo(t)
		seed(t, repo, "owner-1", "conv-del")
		require.NoError(t, repo.Append(ctx, "conv-del", &model.Message{Role: model.RoleUser, Content: "x"}))

		require.NoError(t, repo.DeleteConversation(ctx, "conv-del"))
		require.NoError(t, repo.DeleteConversation(ctx, "conv-del"))

		history, err := repo.GetHistory(ctx, "conv-del", 40)
		require.NoError(t, err)
		assert.Empty(t, history)
	})

	t.Run("upsert creates then touches without regressing", func(t *testing.T) {
		repo := newRepo(t)
		t0 := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

		conv, err := repo.Upsert(ctx, "owner-1", "conv-up", "", t0)
		require.NoError(t, err)
		assert.Equal(t, model.DefaultTitle, conv.Title)
		assert.True(t, conv.CreatedAt.Equal(t0))

		conv, err = repo.Upsert(ctx, "owner-1", "conv-up", "Plan a trip to Lisbon", t0.Add(time.Minute))
		require.NoError(t, err)
		assert.Equal(t, "Plan a trip to Lisbon", conv.Title)
		assert.True(t, conv.UpdatedAt.Equal(t0.Add(time.Minute)))

		conv, err = repo.Upsert(ctx, "owner-1", "conv-up", "Something else", t0.Add(30*time.Second))
		require.NoError(t, err)
		assert.Equal(t, "Plan a trip to Lisbon", conv.Title, "a real title is never replaced by derivation")
		assert.True(t, conv.UpdatedAt.Equal(t0.Add(time.Minute)), "updatedAt never moves backwards")

		_, err = repo.Upsert(ctx, "owner-2", "conv-up", "", t0)
		assert.ErrorIs(t, err, ErrOwnerMismatch)
	})

	t.Run("a chosen title that starts like the placeholder is kept", func(t *testing.T) {
		repo := newRepo(t)
		seed(t, repo, "owner-1", "conv-q3")
		require.NoError(t, repo.SetTitle(ctx, "owner-1", "conv-q3", "New conversation strategy for Q3", time.Now()))

		conv, err := repo.Upsert(ctx, "owner-1", "conv-q3", "Hola alma necesito ayuda", time.Now())
		require.NoError(t, err)
		assert.Equal(t, "New conversation strategy for Q3", conv.Title)
	})

	t.Run("rename racing a derived upsert keeps the chosen title", func(t *testing.T) {
		repo := newRepo(t)
		for i := 0; i < 5; i++ {
			convID := fmt.Sprintf("conv-rename-%d", i)
			seed(t, repo, "owner-1", convID)

			var wg sync.WaitGroup
			wg.Add(2)
			go func() {
				defer wg.Done()
				assert.NoError(t, repo.SetTitle(ctx, "owner-1", convID, "Quarterly plan", time.Now()))
			}()
			go func() {
				defer wg.Done()
				_, err := repo.Upsert(ctx, "owner-1", convID, "Hola alma", time.Now())
				assert.NoError(t, err)
			}()
			wg.Wait()

			got, err := repo.Get(ctx, "owner-1", convID)
			require.NoError(t, err)
			assert.Equal(t, "Quarterly plan", got.Title)
		}
	})

	t.Run("get hides conversations of other owners", func(t *testing.T) {
		repo := newRepo(t)
		seed(t, repo, "owner-1", "conv-private")

		got, err := repo.Get(ctx, "owner-1", "conv-private")
		require.NoError(t, err)
		assert.Equal(t, "conv-private", got.ID)
		assert.Equal(t, "owner-1", got.Owner)

		_, err = repo.Get(ctx, "owner-2", "conv-private")
		assert.ErrorIs(t, err, ErrNotFound)

		_, err = repo.Get(ctx, "owner-1", "conv-none")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("list is most recent first and capped", func(t *testing.T) {
		repo := newRepo(t)
		base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
		for i := 0; i < 4; i++ {
			_, err := repo.Upsert(ctx, "owner-1", fmt.Sprintf("conv-%d", i), "", base.Add(time.Duration(i)*time.Minute))
			require.NoError(t, err)
		}
		_, err := repo.Upsert(ctx, "owner-2", "conv-other", "", base)
		require.NoError(t, err)

		list, err := repo.List(ctx, "owner-1")
		require.NoError(t, err)
		require.Len(t, list, 3, "index is capped at three entries in contract tests")
		assert.Equal(t, "conv-3", list[0].ID)
		assert.Equal(t, "conv-2", list[1].ID)
		assert.Equal(t, "conv-1", list[2].ID)

		// The evicted conversation is still readable directly.
		evicted, err := repo.Get(ctx, "owner-1", "conv-0")
		require.NoError(t, err)
		assert.Equal(t, "conv-0", evicted.ID)

		// Touching it brings it back to the top.
		_, err = repo.Upsert(ctx, "owner-1", "conv-0", "", base.Add(time.Hour))
		require.NoError(t, err)
		list, err = repo.List(ctx, "owner-1")
		require.NoError(t, err)
		require.Len(t, list, 3)
		assert.Equal(t, "conv-0", list[0].ID)

		empty, err := repo.List(ctx, "owner-nobody")
		require.NoError(t, err)
		assert.Empty(t, empty)
	})

	t.Run("set title and remove", func(t *testing.T) {
		repo := newRepo(t)
		seed(t, repo, "owner-1", "conv-title")
		at := time.Now().Add(time.Minute)

		require.NoError(t, repo.SetTitle(ctx, "owner-1", "conv-title", "Renamed", at))
		got, err := repo.Get(ctx, "owner-1", "conv-title")
		require.NoError(t, err)
		assert.Equal(t, "Renamed", got.Title)

		assert.ErrorIs(t, repo.SetTitle(ctx, "owner-2", "conv-title", "Hijack", at), ErrNotFound)

		require.NoError(t, repo.Remove(ctx, "owner-1", "conv-title"))
		_, err = repo.Get(ctx, "owner-1", "conv-title")
		assert.ErrorIs(t, err, ErrNotFound)
		list, err := repo.List(ctx, "owner-1")
		require.NoError(t, err)
		assert.Empty(t, list)

		require.NoError(t, repo.Remove(ctx, "owner-1", "conv-title"))
	})

	t.Run("ping", func(t *testing.T) {
		repo := newRepo(t)
		assert.NoError(t, repo.Ping(ctx))
	})
}

// contractIndexCap is the index cap used by every contract run.
const contractIndexCap = 3
