package repository

import (
	"context"
	"time"

	"alma/backend/internal/model"
)

// MessageStore keeps the ordered message list of every conversation.
// Implementations must be safe for concurrent use; appends to different
// conversations never interfere, and appends to one conversation keep
// arrival order.
type MessageStore interface {
	// Append adds msg at the end of the conversation and assigns its
	// CreatedAt, strictly after the previous message.
	Append(ctx context.Context, conversationID string, msg *model.Message) error
	// AppendIfAbsent appends msg unless a message with the same
	// ClientMessageID already exists in the conversation. When it exists,
	// created is false and existing holds the stored row.
	AppendIfAbsent(ctx context.Context, conversationID string, msg *model.Message) (created bool, existing *model.Message, err error)
	// FindByClientMessageID returns ErrNotFound when no message carries the id.
	FindByClientMessageID(ctx context.Context, conversationID, clientMessageID string) (*model.Message, error)
	// GetHistory returns up to limit most recent messages, oldest first,
	// with malformed records already dropped.
	GetHistory(ctx context.Context, conversationID string, limit int) ([]model.Message, error)
	// Trim discards the oldest messages beyond maxMessages.
	Trim(ctx context.Context, conversationID string, maxMessages int) error
	// DeleteConversation removes every message; deleting twice is not an error.
	DeleteConversation(ctx context.Context, conversationID string) error
}

// ConversationIndex keeps per-owner conversation summaries, most recently
// updated first, capped in size. Eviction from the listing never deletes
// messages.
type ConversationIndex interface {
	// Upsert creates the entry when absent (titled derivedTitle or the
	// placeholder) or bumps UpdatedAt to at, replacing a placeholder title
	// with derivedTitle when one is given.
	Upsert(ctx context.Context, owner, conversationID, derivedTitle string, at time.Time) (*model.Conversation, error)
	// Get returns ErrNotFound when the conversation is absent or owned by
	// somebody else.
	Get(ctx context.Context, owner, conversationID string) (*model.Conversation, error)
	List(ctx context.Context, owner string) ([]model.Conversation, error)
	// SetTitle stores a user-chosen title.
	SetTitle(ctx context.Context, owner, conversationID, title string, at time.Time) error
	Remove(ctx context.Context, owner, conversationID string) error
}

// Repository is a storage backend offering both contracts.
type Repository interface {
	MessageStore
	ConversationIndex
	// Ping checks that the backend is reachable.
	Ping(ctx context.Context) error
}

func laterOf(a, b time.Time) time.Time {
	if b.After(a) {
		return b
	}
	return a
}
