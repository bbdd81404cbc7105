package interfaces

import (
	"context"

	"alma/backend/internal/model"
	"alma/backend/internal/service"
)

// The API layer depends on these contracts rather than on the concrete
// services, so handlers can be tested against mocks.

// ConversationService defines the contract for conversation business logic.
type ConversationService interface {
	Create(ctx context.Context, owner, title string) (*model.Conversation, error)
	List(ctx context.Context, owner string) ([]model.Conversation, error)
	GetMessages(ctx context.Context, owner, conversationID string) (*model.ConversationMessages, error)
	GetHistory(ctx context.Context, owner, conversationID string, limit int) ([]model.Message, error)
	SendMessage(ctx context.Context, owner, conversationID string, req service.SendMessageRequest) (*service.SendMessageResult, error)
	UpdateTitle(ctx context.Context, owner, conversationID, title string) error
	Delete(ctx context.Context, owner, conversationID string) error
}

// HealthChecker reports whether the storage backend is reachable.
type HealthChecker interface {
	Ping(ctx context.Context) error
}

var _ ConversationService = (*service.ConversationService)(nil)
