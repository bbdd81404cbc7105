package repository

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"alma/backend/internal/model"
)

// conversationLog holds one conversation's messages in their persisted
// (encoded) form, so reads go through the same normalization as the
// durable backends.
type conversationLog struct {
	mu         sync.Mutex
	records    [][]byte
	last       time.Time
	byClientID map[string]model.Message
}

type memoryRepository struct {
	indexCap int
	now      func() time.Time

	logsMu sync.Mutex
	logs   map[string]*conversationLog

	idxMu         sync.RWMutex
	conversations map[string]*model.Conversation
	listed        map[string]map[string]struct{}
}

// NewMemoryRepository returns a process-local backend. It is only correct
// when a single long-lived process serves every request.
func NewMemoryRepository(indexCap int) Repository {
	return &memoryRepository{
		indexCap:      indexCap,
		now:           time.Now,
		logs:          make(map[string]*conversationLog),
		conversations: make(map[string]*model.Conversation),
		listed:        make(map[string]map[string]struct{}),
	}
}

func (r *memoryRepository) Ping(ctx context.Context) error { return ctx.Err() }

func (r *memoryRepository) log(conversationID string, create bool) *conversationLog {
	r.logsMu.Lock()
	defer r.logsMu.Unlock()
	l, ok := r.logs[conversationID]
	if !ok && create {
		l = &conversationLog{byClientID: make(map[string]model.Message)}
		r.logs[conversationID] = l
	}
	return l
}

// --- Message Operations ---

func (r *memoryRepository) Append(ctx context.Context, conversationID string, msg *model.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	l := r.log(conversationID, true)
	l.mu.Lock()
	defer l.mu.Unlock()
	return r.appendLocked(l, msg)
}

func (r *memoryRepository) appendLocked(l *conversationLog, msg *model.Message) error {
	msg.CreatedAt = model.NextCreatedAt(l.last, r.now())
	raw, err := model.EncodeMessage(*msg)
	if err != nil {
		return err
	}
	l.records = append(l.records, raw)
	l.last = msg.CreatedAt
	if msg.ClientMessageID != "" {
		l.byClientID[msg.ClientMessageID] = *msg
	}
	return nil
}

func (r *memoryRepository) AppendIfAbsent(ctx context.Context, conversationID string, msg *model.Message) (bool, *model.Message, error) {
	if err := ctx.Err(); err != nil {
		return false, nil, err
	}
	l := r.log(conversationID, true)
	l.mu.Lock()
	defer l.mu.Unlock()
	if msg.ClientMessageID != "" {
		if existing, ok := l.byClientID[msg.ClientMessageID]; ok {
			return false, &existing, nil
		}
	}
	if err := r.appendLocked(l, msg); err != nil {
		return false, nil, err
	}
	return true, nil, nil
}

func (r *memoryRepository) FindByClientMessageID(ctx context.Context, conversationID, clientMessageID string) (*model.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l := r.log(conversationID, false)
	if l == nil {
		return nil, ErrNotFound
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	msg, ok := l.byClientID[clientMessageID]
	if !ok {
		return nil, ErrNotFound
	}
	return &msg, nil
}

func (r *memoryRepository) GetHistory(ctx context.Context, conversationID string, limit int) ([]model.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l := r.log(conversationID, false)
	if l == nil || limit <= 0 {
		return []model.Message{}, nil
	}
	l.mu.Lock()
	records := l.records
	if len(records) > limit {
		records = records[len(records)-limit:]
	}
	records = append([][]byte(nil), records...)
	l.mu.Unlock()

	messages := make([]model.Message, 0, len(records))
	for _, raw := range records {
		msg, ok := model.DecodeMessage(raw)
		if !ok {
			slog.Debug("Dropping malformed stored message", "conversation_id", conversationID)
			continue
		}
		messages = append(messages, msg)
	}
	return messages, nil
}

func (r *memoryRepository) Trim(ctx context.Context, conversationID string, maxMessages int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	l := r.log(conversationID, false)
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if maxMessages < 0 {
		maxMessages = 0
	}
	if excess := len(l.records) - maxMessages; excess > 0 {
		l.records = append([][]byte(nil), l.records[excess:]...)
	}
	return nil
}

func (r *memoryRepository) DeleteConversation(ctx context.Context, conversationID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.logsMu.Lock()
	delete(r.logs, conversationID)
	r.logsMu.Unlock()
	return nil
}

// appendRaw stores an already-encoded record verbatim. Used to simulate
// legacy rows.
func (r *memoryRepository) appendRaw(conversationID string, raw []byte) {
	l := r.log(conversationID, true)
	l.mu.Lock()
	defer l.mu.Unlock()
	l.records = append(l.records, raw)
}

// --- Conversation Index Operations ---

func (r *memoryRepository) Upsert(ctx context.Context, owner, conversationID, derivedTitle string, at time.Time) (*model.Conversation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.idxMu.Lock()
	defer r.idxMu.Unlock()

	conv, ok := r.conversations[conversationID]
	if ok && conv.Owner != owner {
		return nil, ErrOwnerMismatch
	}
	if !ok {
		conv = &model.Conversation{
			ID:        conversationID,
			Owner:     owner,
			Title:     model.ResolveTitle("", derivedTitle),
			CreatedAt: at,
			UpdatedAt: at,
		}
		r.conversations[conversationID] = conv
	} else {
		conv.Title = model.ResolveTitle(conv.Title, derivedTitle)
		conv.UpdatedAt = laterOf(conv.UpdatedAt, at)
	}

	ids, ok := r.listed[owner]
	if !ok {
		ids = make(map[string]struct{})
		r.listed[owner] = ids
	}
	ids[conversationID] = struct{}{}
	r.evictLocked(owner)

	out := *conv
	return &out, nil
}

// evictLocked drops the least recently updated entries beyond the cap.
func (r *memoryRepository) evictLocked(owner string) {
	if r.indexCap <= 0 {
		return
	}
	for len(r.listed[owner]) > r.indexCap {
		var oldest *model.Conversation
		for id := range r.listed[owner] {
			c := r.conversations[id]
			if oldest == nil || c.UpdatedAt.Before(oldest.UpdatedAt) {
				oldest = c
			}
		}
		delete(r.listed[owner], oldest.ID)
	}
}

func (r *memoryRepository) Get(ctx context.Context, owner, conversationID string) (*model.Conversation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.idxMu.RLock()
	defer r.idxMu.RUnlock()
	conv, ok := r.conversations[conversationID]
	if !ok || conv.Owner != owner {
		return nil, ErrNotFound
	}
	out := *conv
	return &out, nil
}

func (r *memoryRepository) List(ctx context.Context, owner string) ([]model.Conversation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.idxMu.RLock()
	defer r.idxMu.RUnlock()
	out := make([]model.Conversation, 0, len(r.listed[owner]))
	for id := range r.listed[owner] {
		out = append(out, *r.conversations[id])
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].UpdatedAt.After(out[j].UpdatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (r *memoryRepository) SetTitle(ctx context.Context, owner, conversationID, title string, at time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.idxMu.Lock()
	defer r.idxMu.Unlock()
	conv, ok := r.conversations[conversationID]
	if !ok || conv.Owner != owner {
		return ErrNotFound
	}
	conv.Title = title
	conv.UpdatedAt = laterOf(conv.UpdatedAt, at)
	return nil
}

func (r *memoryRepository) Remove(ctx context.Context, owner, conversationID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.idxMu.Lock()
	defer r.idxMu.Unlock()
	conv, ok := r.conversations[conversationID]
	if !ok {
		return nil
	}
	if conv.Owner != owner {
		return ErrNotFound
	}
	delete(r.conversations, conversationID)
	delete(r.listed[owner], conversationID)
	return nil
}
