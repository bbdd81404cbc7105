package service_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	app_errors "alma/backend/internal/errors"
	"alma/backend/internal/model"
	"alma/backend/internal/repository"
	mock_repo "alma/backend/internal/repository/mocks"
	"alma/backend/internal/service"
)

func TestIdempotencyGuard_RecordUser(t *testing.T) {
	ctx := context.Background()

	t.Run("First submission is created, retry finds it", func(t *testing.T) {
		repo := repository.NewMemoryRepository(20)
		guard := service.NewIdempotencyGuard(repo, 40)

		first, err := guard.RecordUser(ctx, "conv-1", "c1", "hola")
		require.NoError(t, err)
		assert.True(t, first.Created)
		assert.Equal(t, "hola", first.Message.Content)

		second, err := guard.RecordUser(ctx, "conv-1", "c1", "hola")
		require.NoError(t, err)
		assert.False(t, second.Created)
		assert.True(t, first.Message.CreatedAt.Equal(second.Message.CreatedAt))

		history, err := repo.GetHistory(ctx, "conv-1", 40)
		require.NoError(t, err)
		assert.Len(t, history, 1)
	})

	t.Run("Ambiguous write that landed counts as created", func(t *testing.T) {
		repo := mock_repo.NewMockRepository(t)
		landed := &model.Message{Role: model.RoleUser, Content: "hola", ClientMessageID: "c1", CreatedAt: time.Now().Add(time.Minute)}
		repo.On("AppendIfAbsent", mock.Anything, "conv-1", mock.Anything).Return(false, nil, errors.New("i/o timeout")).Once()
		repo.On("FindByClientMessageID", mock.Anything, "conv-1", "c1").Return(landed, nil).Once()

		res, err := service.NewIdempotencyGuard(repo, 40).RecordUser(ctx, "conv-1", "c1", "hola")

		require.NoError(t, err)
		assert.True(t, res.Created)
		assert.Same(t, landed, res.Message)
	})

	t.Run("Ambiguous write finding an older row is a duplicate", func(t *testing.T) {
		repo := mock_repo.NewMockRepository(t)
		older := &model.Message{Role: model.RoleUser, Content: "hola", ClientMessageID: "c1", CreatedAt: time.Now().Add(-time.Hour)}
		repo.On("AppendIfAbsent", mock.Anything, "conv-1", mock.Anything).Return(false, nil, errors.New("i/o timeout")).Once()
		repo.On("FindByClientMessageID", mock.Anything, "conv-1", "c1").Return(older, nil).Once()

		res, err := service.NewIdempotencyGuard(repo, 40).RecordUser(ctx, "conv-1", "c1", "hola")

		require.NoError(t, err)
		assert.False(t, res.Created)
	})

	t.Run("Truly absent after ambiguous write falls back to plain append", func(t *testing.T) {
		repo := mock_repo.NewMockRepository(t)
		repo.On("AppendIfAbsent", mock.Anything, "conv-1", mock.Anything).Return(false, nil, errors.New("script not loaded")).Once()
		repo.On("FindByClientMessageID", mock.Anything, "conv-1", "c1").Return(nil, repository.ErrNotFound).Once()
		repo.On("Append", mock.Anything, "conv-1", mock.MatchedBy(func(m *model.Message) bool {
			return m.ClientMessageID == "c1" && m.Role == model.RoleUser
		})).Return(nil).Once()

		res, err := service.NewIdempotencyGuard(repo, 40).RecordUser(ctx, "conv-1", "c1", "hola")

		require.NoError(t, err)
		assert.True(t, res.Created)
	})

	t.Run("Failed write is reported as unavailable", func(t *testing.T) {
		repo := mock_repo.NewMockRepository(t)
		repo.On("AppendIfAbsent", mock.Anything, "conv-1", mock.Anything).Return(false, nil, errors.New("down")).Once()
		repo.On("FindByClientMessageID", mock.Anything, "conv-1", "c1").Return(nil, errors.New("down")).Once()

		_, err := service.NewIdempotencyGuard(repo, 40).RecordUser(ctx, "conv-1", "c1", "hola")

		assert.ErrorIs(t, err, app_errors.ErrUnavailable)
	})

	t.Run("Fallback append failure is reported as unavailable", func(t *testing.T) {
		repo := mock_repo.NewMockRepository(t)
		repo.On("AppendIfAbsent", mock.Anything, "conv-1", mock.Anything).Return(false, nil, errors.New("down")).Once()
		repo.On("FindByClientMessageID", mock.Anything, "conv-1", "c1").Return(nil, repository.ErrNotFound).Once()
		repo.On("Append", mock.Anything, "conv-1", mock.Anything).Return(errors.New("still down")).Once()

		_, err := service.NewIdempotencyGuard(repo, 40).RecordUser(ctx, "conv-1", "c1", "hola")

		assert.ErrorIs(t, err, app_errors.ErrUnavailable)
	})
}

func TestIdempotencyGuard_FindReplyAfter(t *testing.T) {
	ctx := context.Background()

	t.Run("Finds a reply that arrives while polling", func(t *testing.T) {
		repo := repository.NewMemoryRepository(20)
		guard := service.NewIdempotencyGuard(repo, 40)
		rec, err := guard.RecordUser(ctx, "conv-1", "c1", "hola")
		require.NoError(t, err)

		go func() {
			time.Sleep(30 * time.Millisecond)
			_ = repo.Append(context.Background(), "conv-1", &model.Message{Role: model.RoleAssistant, Content: "¡hola!"})
		}()

		reply, err := guard.FindReplyAfter(ctx, "conv-1", rec.Message.CreatedAt, 2*time.Second, 10*time.Millisecond)
		require.NoError(t, err)
		require.NotNil(t, reply)
		assert.Equal(t, "¡hola!", reply.Content)
	})

	t.Run("Ignores replies to earlier messages", func(t *testing.T) {
		repo := repository.NewMemoryRepository(20)
		seedHistory(t, repo, "conv-1", "antes", "respuesta vieja")
		guard := service.NewIdempotencyGuard(repo, 40)
		rec, err := guard.RecordUser(ctx, "conv-1", "c2", "ahora")
		require.NoError(t, err)

		reply, err := guard.FindReplyAfter(ctx, "conv-1", rec.Message.CreatedAt, 50*time.Millisecond, 10*time.Millisecond)
		require.NoError(t, err)
		assert.Nil(t, reply)
	})

	t.Run("Non-positive interval polls at the default pace", func(t *testing.T) {
		guard := service.NewIdempotencyGuard(repository.NewMemoryRepository(20), 40)

		assert.NotPanics(t, func() {
			reply, err := guard.FindReplyAfter(ctx, "conv-1", time.Now(), 20*time.Millisecond, 0)
			assert.NoError(t, err)
			assert.Nil(t, reply)
		})
	})

	t.Run("Canceled caller gets its error", func(t *testing.T) {
		guard := service.NewIdempotencyGuard(repository.NewMemoryRepository(20), 40)
		cctx, cancel := context.WithCancel(ctx)
		cancel()

		_, err := guard.FindReplyAfter(cctx, "conv-1", time.Now(), time.Second, 10*time.Millisecond)
		assert.ErrorIs(t, err, context.Canceled)
	})
}
