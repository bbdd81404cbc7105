package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/lib/pq"
	"github.com/mattn/go-sqlite3"

	"alma/backend/internal/model"
)

// Dialect selects the SQL flavour spoken by the relational backend.
type Dialect int

const (
	DialectSQLite Dialect = iota
	DialectPostgres
)

type sqlRepository struct {
	db       *sql.DB
	dialect  Dialect
	indexCap int
	now      func() time.Time
}

// NewSQLRepository returns the relational backend. The schema is the one
// created by the database package migrations; the unique constraint on
// (conversation_id, client_msg_id) backs the idempotent append.
func NewSQLRepository(db *sql.DB, dialect Dialect, indexCap int) Repository {
	return &sqlRepository{db: db, dialect: dialect, indexCap: indexCap, now: time.Now}
}

// q rewrites '?' placeholders into the dialect's form.
func (r *sqlRepository) q(query string) string {
	if r.dialect != DialectPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, ch := range query {
		if ch == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(ch)
	}
	return b.String()
}

func (r *sqlRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// isUniqueViolation recognizes constraint errors from both drivers.
func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	var liteErr sqlite3.Error
	if errors.As(err, &liteErr) {
		return liteErr.ExtendedCode == sqlite3.ErrConstraintUnique
	}
	return false
}

// --- Message Operations ---

func (r *sqlRepository) lastCreatedAt(ctx context.Context, tx *sql.Tx, conversationID string) (time.Time, error) {
	var last time.Time
	err := tx.QueryRowContext(ctx, r.q(
		"SELECT created_at FROM messages WHERE conversation_id = ? ORDER BY id DESC LIMIT 1"),
		conversationID,
	).Scan(&last)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, nil
	}
	return last, err
}

// insertMessage writes msg inside tx and reports how many rows were inserted
// (zero when the idempotency key already exists and onConflict is set).
func (r *sqlRepository) insertMessage(ctx context.Context, tx *sql.Tx, conversationID string, msg *model.Message, onConflict bool) (int64, error) {
	if r.dialect == DialectPostgres {
		// Serializes appends per conversation so id order and createdAt order agree.
		if _, err := tx.ExecContext(ctx, "SELECT pg_advisory_xact_lock(hashtext($1))", conversationID); err != nil {
			return 0, fmt.Errorf("could not lock conversation: %w", err)
		}
	}
	last, err := r.lastCreatedAt(ctx, tx, conversationID)
	if err != nil {
		return 0, fmt.Errorf("could not read last message: %w", err)
	}
	msg.CreatedAt = model.NextCreatedAt(last, r.now())

	var clientMsgID sql.NullString
	if msg.ClientMessageID != "" {
		clientMsgID = sql.NullString{String: msg.ClientMessageID, Valid: true}
	}
	query := "INSERT INTO messages (conversation_id, role, content, client_msg_id, created_at) VALUES (?, ?, ?, ?, ?)"
	if onConflict {
		query += " ON CONFLICT (conversation_id, client_msg_id) DO NOTHING"
	}
	res, err := tx.ExecContext(ctx, r.q(query), conversationID, string(msg.Role), msg.Content, clientMsgID, msg.CreatedAt)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (r *sqlRepository) Append(ctx context.Context, conversationID string, msg *model.Message) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("could not begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := r.insertMessage(ctx, tx, conversationID, msg, false); err != nil {
		return fmt.Errorf("could not insert message: %w", err)
	}
	return tx.Commit()
}

func (r *sqlRepository) AppendIfAbsent(ctx context.Context, conversationID string, msg *model.Message) (bool, *model.Message, error) {
	if msg.ClientMessageID == "" {
		return true, nil, r.Append(ctx, conversationID, msg)
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return false, nil, fmt.Errorf("could not begin transaction: %w", err)
	}
	defer tx.Rollback()

	inserted, err := r.insertMessage(ctx, tx, conversationID, msg, true)
	if err != nil && !isUniqueViolation(err) {
		return false, nil, fmt.Errorf("could not insert message: %w", err)
	}
	if err == nil && inserted == 1 {
		if err := tx.Commit(); err != nil {
			return false, nil, fmt.Errorf("could not commit message: %w", err)
		}
		return true, nil, nil
	}
	_ = tx.Rollback()

	existing, err := r.FindByClientMessageID(ctx, conversationID, msg.ClientMessageID)
	if err != nil {
		return false, nil, err
	}
	return false, existing, nil
}

func scanMessage(role, content, clientMsgID sql.NullString, createdAt time.Time) (model.Message, bool) {
	if !role.Valid || !model.Role(role.String).Valid() || !content.Valid {
		return model.Message{}, false
	}
	return model.Message{
		Role:            model.Role(role.String),
		Content:         content.String,
		CreatedAt:       createdAt.UTC(),
		ClientMessageID: clientMsgID.String,
	}, true
}

func (r *sqlRepository) FindByClientMessageID(ctx context.Context, conversationID, clientMessageID string) (*model.Message, error) {
	var role, content, clientMsgID sql.NullString
	var createdAt time.Time
	err := r.db.QueryRowContext(ctx, r.q(
		"SELECT role, content, client_msg_id, created_at FROM messages WHERE conversation_id = ? AND client_msg_id = ?"),
		conversationID, clientMessageID,
	).Scan(&role, &content, &clientMsgID, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	msg, ok := scanMessage(role, content, clientMsgID, createdAt)
	if !ok {
		return nil, ErrNotFound
	}
	return &msg, nil
}

func (r *sqlRepository) GetHistory(ctx context.Context, conversationID string, limit int) ([]model.Message, error) {
	if limit <= 0 {
		return []model.Message{}, nil
	}
	query := `
		SELECT role, content, client_msg_id, created_at FROM (
			SELECT id, role, content, client_msg_id, created_at
			FROM messages
			WHERE conversation_id = ?
			ORDER BY id DESC
			LIMIT ?
		) recent
		ORDER BY id ASC
	`
	rows, err := r.db.QueryContext(ctx, r.q(query), conversationID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	messages := make([]model.Message, 0, limit)
	for rows.Next() {
		var role, content, clientMsgID sql.NullString
		var createdAt time.Time
		if err := rows.Scan(&role, &content, &clientMsgID, &createdAt); err != nil {
			return nil, err
		}
		msg, ok := scanMessage(role, content, clientMsgID, createdAt)
		if !ok {
			slog.Debug("Dropping malformed stored message", "conversation_id", conversationID)
			continue
		}
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}

func (r *sqlRepository) Trim(ctx context.Context, conversationID string, maxMessages int) error {
	if maxMessages < 0 {
		maxMessages = 0
	}
	query := `
		DELETE FROM messages
		WHERE conversation_id = ? AND id NOT IN (
			SELECT id FROM messages WHERE conversation_id = ? ORDER BY id DESC LIMIT ?
		)
	`
	_, err := r.db.ExecContext(ctx, r.q(query), conversationID, conversationID, maxMessages)
	return err
}

func (r *sqlRepository) DeleteConversation(ctx context.Context, conversationID string) error {
	_, err := r.db.ExecContext(ctx, r.q("DELETE FROM messages WHERE conversation_id = ?"), conversationID)
	return err
}

// --- Conversation Index Operations ---

// errConcurrentCreate marks an insert that lost to another writer creating
// the same conversation; the upsert is replayed against the new row.
var errConcurrentCreate = errors.New("conversation created concurrently")

func (r *sqlRepository) Upsert(ctx context.Context, owner, conversationID, derivedTitle string, at time.Time) (*model.Conversation, error) {
	conv, err := r.upsertOnce(ctx, owner, conversationID, derivedTitle, at)
	if errors.Is(err, errConcurrentCreate) {
		return r.upsertOnce(ctx, owner, conversationID, derivedTitle, at)
	}
	return conv, err
}

// lockRow returns the row-lock suffix for a read that precedes an update in
// the same transaction. SQLite runs on a single connection, so its
// transactions are already serialized.
func (r *sqlRepository) lockRow() string {
	if r.dialect == DialectPostgres {
		return " FOR UPDATE"
	}
	return ""
}

func (r *sqlRepository) upsertOnce(ctx context.Context, owner, conversationID, derivedTitle string, at time.Time) (*model.Conversation, error) {
	at = at.UTC()
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("could not begin transaction: %w", err)
	}
	defer tx.Rollback()

	conv := &model.Conversation{ID: conversationID}
	err = tx.QueryRowContext(ctx, r.q(
		"SELECT owner, title, created_at, updated_at FROM conversations WHERE id = ?"+r.lockRow()),
		conversationID,
	).Scan(&conv.Owner, &conv.Title, &conv.CreatedAt, &conv.UpdatedAt)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		conv.Owner = owner
		conv.Title = model.ResolveTitle("", derivedTitle)
		conv.CreatedAt = at
		conv.UpdatedAt = at
		_, err = tx.ExecContext(ctx, r.q(
			"INSERT INTO conversations (id, owner, title, created_at, updated_at, archived) VALUES (?, ?, ?, ?, ?, FALSE)"),
			conv.ID, conv.Owner, conv.Title, conv.CreatedAt, conv.UpdatedAt,
		)
		if isUniqueViolation(err) {
			return nil, errConcurrentCreate
		}
		if err != nil {
			return nil, fmt.Errorf("could not insert conversation: %w", err)
		}
	case err != nil:
		return nil, err
	case conv.Owner != owner:
		return nil, ErrOwnerMismatch
	default:
		conv.Title = model.ResolveTitle(conv.Title, derivedTitle)
		conv.UpdatedAt = laterOf(conv.UpdatedAt.UTC(), at)
		_, err = tx.ExecContext(ctx, r.q(
			"UPDATE conversations SET title = ?, updated_at = ?, archived = FALSE WHERE id = ?"),
			conv.Title, conv.UpdatedAt, conv.ID,
		)
		if err != nil {
			return nil, fmt.Errorf("could not update conversation: %w", err)
		}
	}

	if r.indexCap > 0 {
		evict := `
			UPDATE conversations SET archived = TRUE
			WHERE owner = ? AND archived = FALSE AND id NOT IN (
				SELECT id FROM conversations
				WHERE owner = ? AND archived = FALSE
				ORDER BY updated_at DESC, id ASC
				LIMIT ?
			)
		`
		if _, err := tx.ExecContext(ctx, r.q(evict), owner, owner, r.indexCap); err != nil {
			return nil, fmt.Errorf("could not evict stale index entries: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("could not commit conversation upsert: %w", err)
	}
	return conv, nil
}

func (r *sqlRepository) Get(ctx context.Context, owner, conversationID string) (*model.Conversation, error) {
	conv := &model.Conversation{ID: conversationID}
	err := r.db.QueryRowContext(ctx, r.q(
		"SELECT owner, title, created_at, updated_at FROM conversations WHERE id = ?"),
		conversationID,
	).Scan(&conv.Owner, &conv.Title, &conv.CreatedAt, &conv.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if conv.Owner != owner {
		return nil, ErrNotFound
	}
	return conv, nil
}

func (r *sqlRepository) List(ctx context.Context, owner string) ([]model.Conversation, error) {
	rows, err := r.db.QueryContext(ctx, r.q(
		"SELECT id, owner, title, created_at, updated_at FROM conversations WHERE owner = ? AND archived = FALSE ORDER BY updated_at DESC, id ASC"),
		owner,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []model.Conversation{}
	for rows.Next() {
		var c model.Conversation
		if err := rows.Scan(&c.ID, &c.Owner, &c.Title, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (r *sqlRepository) SetTitle(ctx context.Context, owner, conversationID, title string, at time.Time) error {
	res, err := r.db.ExecContext(ctx, r.q(
		"UPDATE conversations SET title = ?, updated_at = ? WHERE id = ? AND owner = ?"),
		title, at.UTC(), conversationID, owner,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// Remove deletes the conversation row; its messages go with it through the
// foreign key cascade. Removing an absent conversation is not an error.
func (r *sqlRepository) Remove(ctx context.Context, owner, conversationID string) error {
	res, err := r.db.ExecContext(ctx, r.q("DELETE FROM conversations WHERE id = ? AND owner = ?"), conversationID, owner)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err != nil || n > 0 {
		return err
	}
	var exists int
	err = r.db.QueryRowContext(ctx, r.q("SELECT 1 FROM conversations WHERE id = ?"), conversationID).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	if err != nil {
		return err
	}
	return ErrNotFound
}
