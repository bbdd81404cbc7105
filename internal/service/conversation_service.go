package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	app_errors "alma/backend/internal/errors"
	"alma/backend/internal/llm"
	"alma/backend/internal/metrics"
	"alma/backend/internal/model"
	"alma/backend/internal/prompts"
	"alma/backend/internal/repository"
)

const (
	DefaultHistoryLimit = 24
	MaxHistoryLimit     = 200
)

// Completer produces an assistant reply for a prompt. *llm.FallbackClient
// implements it.
type Completer interface {
	Complete(ctx context.Context, messages []llm.Message, opts llm.Options) (*llm.Completion, error)
}

// Settings are the tunables of ConversationService.
type Settings struct {
	MaxTurns                int
	HistoryFetchLimit       int
	PromptMaxChars          int
	IdempotencyWait         time.Duration
	IdempotencyPollInterval time.Duration
	MaxTokens               int
	Temperature             float64
}

// withDefaults fills every unset or non-positive tunable with its default.
// MaxTokens and Temperature are left alone; zero means provider default.
func (s Settings) withDefaults() Settings {
	if s.MaxTurns <= 0 {
		s.MaxTurns = 15
	}
	if s.HistoryFetchLimit <= 0 {
		s.HistoryFetchLimit = 40
	}
	if s.PromptMaxChars <= 0 {
		s.PromptMaxChars = 16000
	}
	if s.IdempotencyWait <= 0 {
		s.IdempotencyWait = 8 * time.Second
	}
	if s.IdempotencyPollInterval <= 0 {
		s.IdempotencyPollInterval = defaultPollInterval
	}
	return s
}

// SendMessageRequest is a new user message.
type SendMessageRequest struct {
	Content         string
	ClientMessageID string
}

// SendMessageResult is either an assistant reply or a pending marker.
type SendMessageResult struct {
	ConversationID string
	Content        string
	Source         string
	Provider       string
	// Replayed is set when the reply was found in history for a duplicate
	// submission instead of being generated.
	Replayed bool
	// Pending is set when a duplicate submission found no reply in time.
	Pending bool
}

// ConversationService ties the stores, the idempotency guard, the history
// assembler and the provider client together.
type ConversationService struct {
	repo      repository.Repository
	guard     *IdempotencyGuard
	assembler *HistoryAssembler
	completer Completer
	prompts   *prompts.Set
	settings  Settings
	metrics   *metrics.Metrics
	now       func() time.Time
}

func NewConversationService(repo repository.Repository, completer Completer, promptSet *prompts.Set, settings Settings, m *metrics.Metrics) *ConversationService {
	if promptSet == nil {
		promptSet = &prompts.Set{}
	}
	settings = settings.withDefaults()
	return &ConversationService{
		repo:      repo,
		guard:     NewIdempotencyGuard(repo, settings.HistoryFetchLimit),
		assembler: NewHistoryAssembler(repo, settings.HistoryFetchLimit, promptSet.FewShot, m),
		completer: completer,
		prompts:   promptSet,
		settings:  settings,
		metrics:   m,
		now:       time.Now,
	}
}

// timestamp is the service clock at the storage resolution.
func (s *ConversationService) timestamp() time.Time {
	return s.now().UTC().Truncate(time.Microsecond)
}

// translateRepoError maps repository errors to the shared sentinels.
func translateRepoError(err error, action string) error {
	switch {
	case errors.Is(err, repository.ErrNotFound), errors.Is(err, repository.ErrOwnerMismatch):
		return fmt.Errorf("%w: conversation not found", app_errors.ErrNotFound)
	default:
		return fmt.Errorf("%w: could not %s: %v", app_errors.ErrInternal, action, err)
	}
}

// Create starts an empty conversation for owner.
func (s *ConversationService) Create(ctx context.Context, owner, title string) (*model.Conversation, error) {
	conv, err := s.repo.Upsert(ctx, owner, uuid.NewString(), strings.TrimSpace(title), s.timestamp())
	if err != nil {
		return nil, translateRepoError(err, "create conversation")
	}
	slog.Info("Conversation created", "conversation_id", conv.ID)
	return conv, nil
}

// List returns the owner's conversations, most recently updated first.
func (s *ConversationService) List(ctx context.Context, owner string) ([]model.Conversation, error) {
	list, err := s.repo.List(ctx, owner)
	if err != nil {
		return nil, translateRepoError(err, "list conversations")
	}
	return list, nil
}

// GetMessages returns the conversation with its stored messages.
func (s *ConversationService) GetMessages(ctx context.Context, owner, conversationID string) (*model.ConversationMessages, error) {
	conv, err := s.repo.Get(ctx, owner, conversationID)
	if err != nil {
		return nil, translateRepoError(err, "get conversation")
	}
	return &model.ConversationMessages{
		Conversation: *conv,
		Messages:     s.readHistory(ctx, conversationID, s.settings.HistoryFetchLimit),
	}, nil
}

// GetHistory returns the newest limit messages. limit falls back to
// DefaultHistoryLimit and is capped at MaxHistoryLimit.
func (s *ConversationService) GetHistory(ctx context.Context, owner, conversationID string, limit int) ([]model.Message, error) {
	if _, err := s.repo.Get(ctx, owner, conversationID); err != nil {
		return nil, translateRepoError(err, "get conversation")
	}
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	if limit > MaxHistoryLimit {
		limit = MaxHistoryLimit
	}
	return s.readHistory(ctx, conversationID, limit), nil
}

// readHistory soft-fails: a storage error yields an empty history.
func (s *ConversationService) readHistory(ctx context.Context, conversationID string, limit int) []model.Message {
	history, err := s.repo.GetHistory(ctx, conversationID, limit)
	if err != nil {
		slog.Warn("Failed to read history", "conversation_id", conversationID, "error", err)
		s.metrics.IncStoreError("get_history")
		return []model.Message{}
	}
	return history
}

// UpdateTitle stores a user-chosen title. It is never replaced by derivation.
func (s *ConversationService) UpdateTitle(ctx context.Context, owner, conversationID, title string) error {
	title = strings.TrimSpace(title)
	if title == "" {
		return fmt.Errorf("%w: title cannot be empty", app_errors.ErrValidation)
	}
	if err := s.repo.SetTitle(ctx, owner, conversationID, title, s.timestamp()); err != nil {
		return translateRepoError(err, "update title")
	}
	return nil
}

// Delete removes the conversation, its messages first.
func (s *ConversationService) Delete(ctx context.Context, owner, conversationID string) error {
	if _, err := s.repo.Get(ctx, owner, conversationID); err != nil {
		return translateRepoError(err, "get conversation")
	}
	if err := s.repo.DeleteConversation(ctx, conversationID); err != nil {
		return translateRepoError(err, "delete messages")
	}
	if err := s.repo.Remove(ctx, owner, conversationID); err != nil {
		return translateRepoError(err, "remove conversation")
	}
	slog.Info("Conversation deleted", "conversation_id", conversationID)
	return nil
}

// ensureConversation returns the owner's conversation, creating it under
// owner when the id is unknown.
func (s *ConversationService) ensureConversation(ctx context.Context, owner, conversationID string) (*model.Conversation, error) {
	conv, err := s.repo.Get(ctx, owner, conversationID)
	if err == nil {
		return conv, nil
	}
	if !errors.Is(err, repository.ErrNotFound) {
		return nil, fmt.Errorf("%w: could not load conversation: %v", app_errors.ErrUnavailable, err)
	}
	conv, err = s.repo.Upsert(ctx, owner, conversationID, "", s.timestamp())
	switch {
	case errors.Is(err, repository.ErrOwnerMismatch):
		return nil, fmt.Errorf("%w: conversation not found", app_errors.ErrNotFound)
	case err != nil:
		return nil, fmt.Errorf("%w: could not create conversation: %v", app_errors.ErrUnavailable, err)
	}
	slog.Info("Conversation created from unknown id", "conversation_id", conversationID)
	return conv, nil
}

// SendMessage records the user message once per client message id, asks
// the providers for a reply and stores it. A duplicate submission returns
// the original reply, or a pending result when none is available yet.
func (s *ConversationService) SendMessage(ctx context.Context, owner, conversationID string, req SendMessageRequest) (*SendMessageResult, error) {
	content := strings.TrimSpace(req.Content)
	if content == "" {
		return nil, fmt.Errorf("%w: content cannot be empty", app_errors.ErrValidation)
	}
	if strings.TrimSpace(req.ClientMessageID) == "" {
		return nil, fmt.Errorf("%w: clientMessageId is required", app_errors.ErrValidation)
	}

	if _, err := s.ensureConversation(ctx, owner, conversationID); err != nil {
		return nil, err
	}

	rec, err := s.guard.RecordUser(ctx, conversationID, req.ClientMessageID, content)
	if err != nil {
		s.metrics.IncStoreError("append_user")
		return nil, err
	}
	if !rec.Created {
		return s.replay(ctx, conversationID, rec.Message)
	}
	s.metrics.IncAppended(string(model.RoleUser))
	s.touch(ctx, owner, conversationID, DeriveTitle(content), rec.Message.CreatedAt)

	prompt := s.assembler.Build(ctx, conversationID, s.prompts.System, s.settings.PromptMaxChars)
	if n := len(prompt); n == 0 || prompt[n-1].Role != model.RoleUser || prompt[n-1].Content != content {
		prompt = append(prompt, model.Message{Role: model.RoleUser, Content: content})
	}

	completion, err := s.completer.Complete(ctx, toProviderMessages(prompt), llm.Options{
		MaxTokens:   s.settings.MaxTokens,
		Temperature: s.settings.Temperature,
	})
	if err != nil {
		slog.Error("No provider produced a reply", "conversation_id", conversationID, "error", err)
		return nil, fmt.Errorf("%w: could not generate a reply", app_errors.ErrInternal)
	}

	reply := &model.Message{Role: model.RoleAssistant, Content: completion.Text}
	if err := s.repo.Append(ctx, conversationID, reply); err != nil {
		slog.Error("Failed to store assistant reply", "conversation_id", conversationID, "error", err)
		s.metrics.IncStoreError("append_assistant")
	} else {
		s.metrics.IncAppended(string(model.RoleAssistant))
		s.touch(ctx, owner, conversationID, "", reply.CreatedAt)
	}

	if err := s.repo.Trim(ctx, conversationID, 2*s.settings.MaxTurns); err != nil {
		slog.Warn("Failed to trim history", "conversation_id", conversationID, "error", err)
		s.metrics.IncStoreError("trim")
	}

	return &SendMessageResult{
		ConversationID: conversationID,
		Content:        completion.Text,
		Source:         completion.Source,
		Provider:       completion.Provider,
	}, nil
}

// replay answers a duplicate submission from history.
func (s *ConversationService) replay(ctx context.Context, conversationID string, existing *model.Message) (*SendMessageResult, error) {
	slog.Info("Duplicate submission, looking for the original reply", "conversation_id", conversationID, "client_message_id", existing.ClientMessageID)
	reply, err := s.guard.FindReplyAfter(ctx, conversationID, existing.CreatedAt, s.settings.IdempotencyWait, s.settings.IdempotencyPollInterval)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", app_errors.ErrInternal, err)
	}
	if reply == nil {
		s.metrics.IncPending()
		return &SendMessageResult{ConversationID: conversationID, Pending: true}, nil
	}
	s.metrics.IncReplay()
	return &SendMessageResult{ConversationID: conversationID, Content: reply.Content, Replayed: true}, nil
}

// touch bumps the index entry; failures only cost list freshness.
func (s *ConversationService) touch(ctx context.Context, owner, conversationID, derivedTitle string, at time.Time) {
	if _, err := s.repo.Upsert(ctx, owner, conversationID, derivedTitle, at); err != nil {
		slog.Warn("Failed to update conversation index", "conversation_id", conversationID, "error", err)
		s.metrics.IncStoreError("index_upsert")
	}
}

func toProviderMessages(messages []model.Message) []llm.Message {
	out := make([]llm.Message, len(messages))
	for i, m := range messages {
		out[i] = llm.Message{Role: string(m.Role), Content: m.Content}
	}
	return out
}
