package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	app_errors "alma/backend/internal/errors"
	"alma/backend/internal/model"
	"alma/backend/internal/repository"
)

const defaultPollInterval = 400 * time.Millisecond

// RecordResult tells whether RecordUser stored a new message. Message is
// the stored user message in both cases.
type RecordResult struct {
	Created bool
	Message *model.Message
}

// IdempotencyGuard makes a (conversation, client message id) pair produce
// one user message, and lets duplicates find the reply to the original.
type IdempotencyGuard struct {
	store      repository.MessageStore
	fetchLimit int
	now        func() time.Time
}

func NewIdempotencyGuard(store repository.MessageStore, fetchLimit int) *IdempotencyGuard {
	if fetchLimit <= 0 {
		fetchLimit = 40
	}
	return &IdempotencyGuard{store: store, fetchLimit: fetchLimit, now: time.Now}
}

// RecordUser stores the user message unless one with the same client id
// exists. After an ambiguous write it re-checks, and appends only when the
// message is truly absent. Write failures wrap app_errors.ErrUnavailable.
func (g *IdempotencyGuard) RecordUser(ctx context.Context, conversationID, clientMessageID, content string) (*RecordResult, error) {
	msg := &model.Message{Role: model.RoleUser, Content: content, ClientMessageID: clientMessageID}
	start := g.now().UTC().Truncate(time.Microsecond)

	created, existing, err := g.store.AppendIfAbsent(ctx, conversationID, msg)
	if err == nil {
		if created {
			return &RecordResult{Created: true, Message: msg}, nil
		}
		return &RecordResult{Created: false, Message: existing}, nil
	}
	slog.Warn("Conditional append failed, re-checking", "conversation_id", conversationID, "client_message_id", clientMessageID, "error", err)

	found, findErr := g.store.FindByClientMessageID(ctx, conversationID, clientMessageID)
	switch {
	case findErr == nil:
		// A row stamped after this attempt began is the one we just wrote.
		return &RecordResult{Created: !found.CreatedAt.Before(start), Message: found}, nil
	case errors.Is(findErr, repository.ErrNotFound):
		if err := g.store.Append(ctx, conversationID, msg); err != nil {
			return nil, fmt.Errorf("%w: could not record user message: %v", app_errors.ErrUnavailable, err)
		}
		return &RecordResult{Created: true, Message: msg}, nil
	default:
		return nil, fmt.Errorf("%w: could not record user message: %v", app_errors.ErrUnavailable, err)
	}
}

// FindReplyAfter polls the history for the first assistant message created
// after the given time. It returns nil without error when nothing shows up
// within timeout. A non-positive interval falls back to the default.
func (g *IdempotencyGuard) FindReplyAfter(ctx context.Context, conversationID string, after time.Time, timeout, interval time.Duration) (*model.Message, error) {
	if interval <= 0 {
		interval = defaultPollInterval
	}
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if reply := g.replyAfter(waitCtx, conversationID, after); reply != nil {
			return reply, nil
		}
		select {
		case <-waitCtx.Done():
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			return nil, nil
		case <-ticker.C:
		}
	}
}

func (g *IdempotencyGuard) replyAfter(ctx context.Context, conversationID string, after time.Time) *model.Message {
	history, err := g.store.GetHistory(ctx, conversationID, g.fetchLimit)
	if err != nil {
		slog.Debug("Reply poll failed", "conversation_id", conversationID, "error", err)
		return nil
	}
	for i := range history {
		if history[i].Role == model.RoleAssistant && history[i].CreatedAt.After(after) {
			return &history[i]
		}
	}
	return nil
}
