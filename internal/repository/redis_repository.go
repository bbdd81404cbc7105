package repository

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"alma/backend/internal/model"
)

// maxTxRetries bounds how often an optimistic transaction is replayed after a
// concurrent writer touched one of its watched keys.
const maxTxRetries = 64

var errTooMuchContention = errors.New("redis transaction retries exhausted")

// redisReader is the read surface shared by the client and a WATCH transaction.
type redisReader interface {
	HGetAll(ctx context.Context, key string) *redis.MapStringStringCmd
	LIndex(ctx context.Context, key string, index int64) *redis.StringCmd
}

type redisRepository struct {
	rdb      redis.UniversalClient
	indexCap int
	now      func() time.Time
}

// NewRedisRepository returns a backend storing each conversation as a Redis
// list of JSON messages and each owner's index as a sorted set scored by
// update time.
func NewRedisRepository(rdb redis.UniversalClient, indexCap int) Repository {
	return &redisRepository{rdb: rdb, indexCap: indexCap, now: time.Now}
}

// Key Generation Helpers
func (r *redisRepository) conversationKey(id string) string { return fmt.Sprintf("alma:conv:%s", id) }
func (r *redisRepository) messagesKey(id string) string     { return fmt.Sprintf("alma:conv:%s:messages", id) }
func (r *redisRepository) clientIDsKey(id string) string    { return fmt.Sprintf("alma:conv:%s:client_ids", id) }
func (r *redisRepository) ownerKey(owner string) string     { return fmt.Sprintf("alma:owner:%s:conversations", owner) }

func (r *redisRepository) Ping(ctx context.Context) error {
	return r.rdb.Ping(ctx).Err()
}

// --- Message Operations ---

// watch runs fn in a WATCH/MULTI transaction on keys, replaying it while
// other clients keep modifying them.
func (r *redisRepository) watch(ctx context.Context, fn func(*redis.Tx) error, keys ...string) error {
	for i := 0; i < maxTxRetries; i++ {
		err := r.rdb.Watch(ctx, fn, keys...)
		if !errors.Is(err, redis.TxFailedErr) {
			return err
		}
	}
	return errTooMuchContention
}

// lastCreatedAt reads the newest message timestamp. A missing or malformed
// tail is treated as "no previous message".
func lastCreatedAt(ctx context.Context, c redisReader, key string) (time.Time, error) {
	raw, err := c.LIndex(ctx, key, -1).Bytes()
	if errors.Is(err, redis.Nil) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, err
	}
	msg, ok := model.DecodeMessage(raw)
	if !ok {
		return time.Time{}, nil
	}
	return msg.CreatedAt, nil
}

// push stamps msg after the current tail and appends it. The tail read and the
// push share one transaction, so list order always matches CreatedAt order.
// With onlyIfAbsent set, an already recorded client id leaves the list as is
// and push reports false.
func (r *redisRepository) push(ctx context.Context, conversationID string, msg *model.Message, onlyIfAbsent bool) (bool, error) {
	listKey := r.messagesKey(conversationID)
	idsKey := r.clientIDsKey(conversationID)
	var inserted bool
	var createdAt time.Time

	txf := func(tx *redis.Tx) error {
		inserted = false
		if onlyIfAbsent {
			exists, err := tx.HExists(ctx, idsKey, msg.ClientMessageID).Result()
			if err != nil {
				return err
			}
			if exists {
				return nil
			}
		}
		last, err := lastCreatedAt(ctx, tx, listKey)
		if err != nil {
			return fmt.Errorf("could not read last message: %w", err)
		}
		stamped := *msg
		stamped.CreatedAt = model.NextCreatedAt(last, r.now())
		raw, err := model.EncodeMessage(stamped)
		if err != nil {
			return fmt.Errorf("could not encode message: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			if stamped.ClientMessageID != "" {
				pipe.HSet(ctx, idsKey, stamped.ClientMessageID, raw)
			}
			pipe.RPush(ctx, listKey, raw)
			return nil
		})
		if err != nil {
			return err
		}
		inserted = true
		createdAt = stamped.CreatedAt
		return nil
	}

	if err := r.watch(ctx, txf, listKey, idsKey); err != nil {
		return false, err
	}
	if inserted {
		msg.CreatedAt = createdAt
	}
	return inserted, nil
}

func (r *redisRepository) Append(ctx context.Context, conversationID string, msg *model.Message) error {
	if _, err := r.push(ctx, conversationID, msg, false); err != nil {
		return fmt.Errorf("append failed: %w", err)
	}
	return nil
}

func (r *redisRepository) AppendIfAbsent(ctx context.Context, conversationID string, msg *model.Message) (bool, *model.Message, error) {
	if msg.ClientMessageID == "" {
		return true, nil, r.Append(ctx, conversationID, msg)
	}
	inserted, err := r.push(ctx, conversationID, msg, true)
	if err != nil {
		return false, nil, fmt.Errorf("conditional append failed: %w", err)
	}
	if inserted {
		return true, nil, nil
	}
	existing, err := r.FindByClientMessageID(ctx, conversationID, msg.ClientMessageID)
	if err != nil {
		return false, nil, err
	}
	return false, existing, nil
}

func (r *redisRepository) FindByClientMessageID(ctx context.Context, conversationID, clientMessageID string) (*model.Message, error) {
	raw, err := r.rdb.HGet(ctx, r.clientIDsKey(conversationID), clientMessageID).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	msg, ok := model.DecodeMessage(raw)
	if !ok {
		return nil, ErrNotFound
	}
	return &msg, nil
}

func (r *redisRepository) GetHistory(ctx context.Context, conversationID string, limit int) ([]model.Message, error) {
	if limit <= 0 {
		return []model.Message{}, nil
	}
	records, err := r.rdb.LRange(ctx, r.messagesKey(conversationID), int64(-limit), -1).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return []model.Message{}, nil
		}
		return nil, err
	}
	messages := make([]model.Message, 0, len(records))
	for _, raw := range records {
		msg, ok := model.DecodeMessage([]byte(raw))
		if !ok {
			slog.Debug("Dropping malformed stored message", "conversation_id", conversationID)
			continue
		}
		messages = append(messages, msg)
	}
	return messages, nil
}

func (r *redisRepository) Trim(ctx context.Context, conversationID string, maxMessages int) error {
	if maxMessages <= 0 {
		return r.rdb.Del(ctx, r.messagesKey(conversationID)).Err()
	}
	return r.rdb.LTrim(ctx, r.messagesKey(conversationID), int64(-maxMessages), -1).Err()
}

func (r *redisRepository) DeleteConversation(ctx context.Context, conversationID string) error {
	return r.rdb.Del(ctx, r.messagesKey(conversationID), r.clientIDsKey(conversationID)).Err()
}

// --- Conversation Index Operations ---

func (r *redisRepository) loadConversation(ctx context.Context, c redisReader, conversationID string) (*model.Conversation, error) {
	fields, err := c.HGetAll(ctx, r.conversationKey(conversationID)).Result()
	if err != nil {
		return nil, err
	}
	if len(fields) == 0 {
		return nil, ErrNotFound
	}
	conv := &model.Conversation{ID: conversationID, Owner: fields["owner"], Title: fields["title"]}
	if conv.CreatedAt, err = time.Parse(time.RFC3339Nano, fields["created_at"]); err != nil {
		return nil, fmt.Errorf("invalid created_at for conversation %s: %w", conversationID, err)
	}
	if conv.UpdatedAt, err = time.Parse(time.RFC3339Nano, fields["updated_at"]); err != nil {
		return nil, fmt.Errorf("invalid updated_at for conversation %s: %w", conversationID, err)
	}
	return conv, nil
}

func (r *redisRepository) Upsert(ctx context.Context, owner, conversationID, derivedTitle string, at time.Time) (*model.Conversation, error) {
	convKey := r.conversationKey(conversationID)
	var conv *model.Conversation

	txf := func(tx *redis.Tx) error {
		current, err := r.loadConversation(ctx, tx, conversationID)
		switch {
		case errors.Is(err, ErrNotFound):
			current = &model.Conversation{
				ID:        conversationID,
				Owner:     owner,
				Title:     model.ResolveTitle("", derivedTitle),
				CreatedAt: at.UTC(),
				UpdatedAt: at.UTC(),
			}
		case err != nil:
			return err
		case current.Owner != owner:
			return ErrOwnerMismatch
		default:
			current.Title = model.ResolveTitle(current.Title, derivedTitle)
			current.UpdatedAt = laterOf(current.UpdatedAt, at.UTC())
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, convKey, map[string]interface{}{
				"owner":      current.Owner,
				"title":      current.Title,
				"created_at": current.CreatedAt.Format(time.RFC3339Nano),
				"updated_at": current.UpdatedAt.Format(time.RFC3339Nano),
			})
			pipe.ZAdd(ctx, r.ownerKey(owner), redis.Z{Score: float64(current.UpdatedAt.UnixMicro()), Member: conversationID})
			if r.indexCap > 0 {
				// Keep the cap highest scores; the lowest ranks are the stalest entries.
				pipe.ZRemRangeByRank(ctx, r.ownerKey(owner), 0, int64(-r.indexCap-1))
			}
			return nil
		})
		if err != nil {
			return err
		}
		conv = current
		return nil
	}

	if err := r.watch(ctx, txf, convKey); err != nil {
		if errors.Is(err, ErrOwnerMismatch) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to execute conversation upsert transaction: %w", err)
	}
	return conv, nil
}

func (r *redisRepository) Get(ctx context.Context, owner, conversationID string) (*model.Conversation, error) {
	conv, err := r.loadConversation(ctx, r.rdb, conversationID)
	if err != nil {
		return nil, err
	}
	if conv.Owner != owner {
		return nil, ErrNotFound
	}
	return conv, nil
}

func (r *redisRepository) List(ctx context.Context, owner string) ([]model.Conversation, error) {
	ids, err := r.rdb.ZRevRange(ctx, r.ownerKey(owner), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	out := make([]model.Conversation, 0, len(ids))
	for _, id := range ids {
		conv, err := r.loadConversation(ctx, r.rdb, id)
		if err != nil {
			slog.Warn("Skipping unreadable conversation in index", "conversation_id", id, "error", err)
			continue
		}
		out = append(out, *conv)
	}
	return out, nil
}

func (r *redisRepository) SetTitle(ctx context.Context, owner, conversationID, title string, at time.Time) error {
	convKey := r.conversationKey(conversationID)
	return r.watch(ctx, func(tx *redis.Tx) error {
		conv, err := r.loadConversation(ctx, tx, conversationID)
		if err != nil {
			return err
		}
		if conv.Owner != owner {
			return ErrNotFound
		}
		updated := laterOf(conv.UpdatedAt, at.UTC())
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, convKey, "title", title, "updated_at", updated.Format(time.RFC3339Nano))
			pipe.ZAdd(ctx, r.ownerKey(owner), redis.Z{Score: float64(updated.UnixMicro()), Member: conversationID})
			return nil
		})
		return err
	}, convKey)
}

func (r *redisRepository) Remove(ctx context.Context, owner, conversationID string) error {
	_, err := r.Get(ctx, owner, conversationID)
	if errors.Is(err, ErrNotFound) {
		exists, existsErr := r.rdb.Exists(ctx, r.conversationKey(conversationID)).Result()
		if existsErr == nil && exists == 0 {
			return nil
		}
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	pipe := r.rdb.TxPipeline()
	pipe.Del(ctx, r.conversationKey(conversationID))
	pipe.ZRem(ctx, r.ownerKey(owner), conversationID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to execute conversation removal pipeline: %w", err)
	}
	return nil
}
