package service

import (
	"context"
	"log/slog"
	"unicode/utf8"

	"alma/backend/internal/metrics"
	"alma/backend/internal/model"
	"alma/backend/internal/repository"
)

// HistoryAssembler turns a conversation's stored history into the message
// list sent to a provider.
type HistoryAssembler struct {
	store      repository.MessageStore
	fetchLimit int
	fewShot    []model.Message
	metrics    *metrics.Metrics
}

func NewHistoryAssembler(store repository.MessageStore, fetchLimit int, fewShot []model.Message, m *metrics.Metrics) *HistoryAssembler {
	return &HistoryAssembler{store: store, fetchLimit: fetchLimit, fewShot: fewShot, metrics: m}
}

// Build returns the system prompts, the few-shot turns and the newest
// history that fits in maxChars, in that order. A failed read is logged and
// treated as an empty history.
func (a *HistoryAssembler) Build(ctx context.Context, conversationID string, systemPrompts []string, maxChars int) []model.Message {
	history, err := a.store.GetHistory(ctx, conversationID, a.fetchLimit)
	if err != nil {
		slog.Warn("Failed to load history, continuing without context", "conversation_id", conversationID, "error", err)
		a.metrics.IncStoreError("get_history")
		history = nil
	}

	window := fitBudget(history, maxChars)

	out := make([]model.Message, 0, len(systemPrompts)+len(a.fewShot)+len(window))
	for _, p := range systemPrompts {
		out = append(out, model.Message{Role: model.RoleSystem, Content: p})
	}
	out = append(out, a.fewShot...)
	out = append(out, window...)
	return out
}

// fitBudget keeps the newest messages whose combined content length stays
// within maxChars. The newest message is always kept.
func fitBudget(history []model.Message, maxChars int) []model.Message {
	if len(history) == 0 {
		return nil
	}
	total := 0
	start := len(history)
	for i := len(history) - 1; i >= 0; i-- {
		total += utf8.RuneCountInString(history[i].Content)
		if total > maxChars && start < len(history) {
			break
		}
		start = i
	}
	return history[start:]
}
