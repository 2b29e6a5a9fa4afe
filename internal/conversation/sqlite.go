package conversation

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

var _ Store = (*SQLiteStore)(nil)

const defaultListLimit = 50

// Schema for the conversations database.
const schema = `
CREATE TABLE IF NOT EXISTS conversations (
    id TEXT PRIMARY KEY,
    title TEXT,
    metadata TEXT,
    created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
    updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS messages (
    id TEXT PRIMARY KEY,
    conversation_id TEXT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
    role TEXT NOT NULL CHECK (role IN ('user', 'assistant', 'system', 'tool')),
    content TEXT NOT NULL DEFAULT '',
    state TEXT NOT NULL DEFAULT 'complete',
    tool_calls TEXT,
    active_branch_id TEXT,
    metadata TEXT,
    created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
    sequence INTEGER NOT NULL,
    UNIQUE (conversation_id, sequence)
);

CREATE TABLE IF NOT EXISTS branches (
    id TEXT PRIMARY KEY,
    conversation_id TEXT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
    message_id TEXT NOT NULL REFERENCES messages(id) ON DELETE CASCADE,
    status TEXT NOT NULL DEFAULT 'draft',
    content TEXT NOT NULL DEFAULT '',
    tool_calls TEXT,
    metadata TEXT,
    created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
    updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_conversations_updated_at ON conversations(updated_at DESC);
CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id, sequence);
CREATE INDEX IF NOT EXISTS idx_branches_message ON branches(message_id);
`

// schemaVersion is the current schema version. Fresh databases get the full
// schema and start here; existing databases run migrations to catch up.
const schemaVersion = 2

type migration struct {
	version     int
	description string
	up          func(db *sql.DB) error
}

var migrations = []migration{
	{
		// Databases created before branch metadata existed.
		version:     2,
		description: "add branches.metadata column",
		up: func(db *sql.DB) error {
			_, err := db.Exec("ALTER TABLE branches ADD COLUMN metadata TEXT")
			if err != nil && !isDuplicateColumnError(err) {
				return err
			}
			return nil
		},
	},
}

func isDuplicateColumnError(err error) bool {
	return err != nil && strings.Contains(err.Error(), "duplicate column name")
}

// NewSQLiteStore opens (creating if needed) the conversations database at path.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}

	db, err := sql.Open("sqlite", path+"?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := initSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func initSchema(db *sql.DB) error {
	if _, err := db.Exec("CREATE TABLE IF NOT EXISTS schema_version (version INTEGER NOT NULL)"); err != nil {
		return err
	}

	var current int
	fresh := false
	err := db.QueryRow("SELECT version FROM schema_version").Scan(&current)
	if err == sql.ErrNoRows {
		fresh = true
	} else if err != nil {
		return err
	}

	if _, err := db.Exec(schema); err != nil {
		return err
	}

	if fresh {
		_, err := db.Exec("INSERT INTO schema_version (version) VALUES (?)", schemaVersion)
		return err
	}

	for _, m := range migrations {
		if m.version <= current {
			continue
		}
		if err := m.up(db); err != nil {
			return fmt.Errorf("migration %d (%s): %w", m.version, m.description, err)
		}
		if _, err := db.Exec("UPDATE schema_version SET version = ?", m.version); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteStore) Create(ctx context.Context, c *Conversation) error {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	now := time.Now()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.UpdatedAt = now

	meta, err := marshalJSON(c.Metadata)
	if err != nil {
		return fmt.Errorf("marshal conversation metadata: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO conversations (id, title, metadata, created_at, updated_at) VALUES (?, ?, ?, ?, ?)`,
		c.ID, c.Title, meta, c.CreatedAt, c.UpdatedAt); err != nil {
		return fmt.Errorf("insert conversation: %w", err)
	}

	for i := range c.Messages {
		msg := &c.Messages[i]
		if msg.ID == "" {
			msg.ID = uuid.NewString()
		}
		if err := insertMessage(ctx, tx, c.ID, msg, i); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func insertMessage(ctx context.Context, tx *sql.Tx, conversationID string, msg *Message, sequence int) error {
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}
	if msg.State == "" {
		msg.State = StateComplete
	}
	calls, err := marshalJSON(msg.ToolCalls)
	if err != nil {
		return fmt.Errorf("marshal tool calls: %w", err)
	}
	meta, err := marshalJSON(msg.Metadata)
	if err != nil {
		return fmt.Errorf("marshal message metadata: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO messages (id, conversation_id, role, content, state, tool_calls, active_branch_id, metadata, created_at, sequence)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		msg.ID, conversationID, string(msg.Role), msg.Content, string(msg.State),
		calls, msg.ActiveBranchID, meta, msg.CreatedAt, sequence); err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	for j := range msg.Branches {
		b := &msg.Branches[j]
		if b.ID == "" {
			b.ID = uuid.NewString()
		}
		b.ParentID = msg.ID
		if err := insertBranch(ctx, tx, conversationID, b); err != nil {
			return err
		}
	}
	return nil
}

func insertBranch(ctx context.Context, tx *sql.Tx, conversationID string, b *AlternativeBranch) error {
	now := time.Now()
	if b.CreatedAt.IsZero() {
		b.CreatedAt = now
	}
	if b.UpdatedAt.IsZero() {
		b.UpdatedAt = now
	}
	if b.Status == "" {
		b.Status = BranchDraft
	}
	calls, err := marshalJSON(b.ToolCalls)
	if err != nil {
		return fmt.Errorf("marshal branch tool calls: %w", err)
	}
	meta, err := marshalJSON(b.Metadata)
	if err != nil {
		return fmt.Errorf("marshal branch metadata: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO branches (id, conversation_id, message_id, status, content, tool_calls, metadata, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		b.ID, conversationID, b.ParentID, string(b.Status), b.Content, calls, meta, b.CreatedAt, b.UpdatedAt); err != nil {
		return fmt.Errorf("insert branch: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Get(ctx context.Context, id string) (*Conversation, error) {
	c := &Conversation{ID: id}
	var meta sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT title, metadata, created_at, updated_at FROM conversations WHERE id = ?`, id).
		Scan(&c.Title, &meta, &c.CreatedAt, &c.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get conversation: %w", err)
	}
	if err := unmarshalJSON(meta, &c.Metadata); err != nil {
		return nil, fmt.Errorf("decode conversation metadata: %w", err)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, role, content, state, tool_calls, active_branch_id, metadata, created_at
		 FROM messages WHERE conversation_id = ? ORDER BY sequence ASC`, id)
	if err != nil {
		return nil, fmt.Errorf("get messages: %w", err)
	}
	defer rows.Close()

	index := make(map[string]int)
	for rows.Next() {
		var msg Message
		var role, state string
		var calls, activeBranch, msgMeta sql.NullString
		if err := rows.Scan(&msg.ID, &role, &msg.Content, &state, &calls, &activeBranch, &msgMeta, &msg.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		msg.Role = Role(role)
		msg.State = MessageState(state)
		msg.ActiveBranchID = activeBranch.String
		if err := unmarshalJSON(calls, &msg.ToolCalls); err != nil {
			return nil, fmt.Errorf("decode tool calls for message %s: %w", msg.ID, err)
		}
		if err := unmarshalJSON(msgMeta, &msg.Metadata); err != nil {
			return nil, fmt.Errorf("decode metadata for message %s: %w", msg.ID, err)
		}
		index[msg.ID] = len(c.Messages)
		c.Messages = append(c.Messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}

	branchRows, err := s.db.QueryContext(ctx,
		`SELECT id, message_id, status, content, tool_calls, metadata, created_at, updated_at
		 FROM branches WHERE conversation_id = ? ORDER BY created_at ASC, id ASC`, id)
	if err != nil {
		return nil, fmt.Errorf("get branches: %w", err)
	}
	defer branchRows.Close()

	for branchRows.Next() {
		var b AlternativeBranch
		var status string
		var calls, branchMeta sql.NullString
		if err := branchRows.Scan(&b.ID, &b.ParentID, &status, &b.Content, &calls, &branchMeta, &b.CreatedAt, &b.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan branch: %w", err)
		}
		b.Status = BranchStatus(status)
		if err := unmarshalJSON(calls, &b.ToolCalls); err != nil {
			return nil, fmt.Errorf("decode tool calls for branch %s: %w", b.ID, err)
		}
		if err := unmarshalJSON(branchMeta, &b.Metadata); err != nil {
			return nil, fmt.Errorf("decode metadata for branch %s: %w", b.ID, err)
		}
		if i, ok := index[b.ParentID]; ok {
			c.Messages[i].Branches = append(c.Messages[i].Branches, b)
		}
	}
	if err := branchRows.Err(); err != nil {
		return nil, fmt.Errorf("iterate branches: %w", err)
	}

	return c, nil
}

func (s *SQLiteStore) List(ctx context.Context, opts ListOptions) ([]Summary, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT c.id, c.title, c.created_at, c.updated_at,
		        (SELECT COUNT(*) FROM messages m WHERE m.conversation_id = c.id)
		 FROM conversations c ORDER BY c.updated_at DESC LIMIT ? OFFSET ?`,
		limit, opts.Offset)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	defer rows.Close()

	var out []Summary
	for rows.Next() {
		var sum Summary
		if err := rows.Scan(&sum.ID, &sum.Title, &sum.CreatedAt, &sum.UpdatedAt, &sum.MessageCount); err != nil {
			return nil, fmt.Errorf("scan summary: %w", err)
		}
		out = append(out, sum)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM conversations WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete conversation: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) AddMessage(ctx context.Context, conversationID string, msg *Message) (string, error) {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", err
	}
	defer tx.Rollback()

	var seq int
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence), -1) + 1 FROM messages WHERE conversation_id = ?`, conversationID).Scan(&seq)
	if err != nil {
		return "", fmt.Errorf("next sequence: %w", err)
	}
	if err := insertMessage(ctx, tx, conversationID, msg, seq); err != nil {
		return "", err
	}
	if err := touchConversation(ctx, tx, conversationID); err != nil {
		return "", err
	}
	if err := tx.Commit(); err != nil {
		return "", err
	}
	return msg.ID, nil
}

func (s *SQLiteStore) UpdateMessage(ctx context.Context, conversationID string, upd MessageUpdate) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var state, content string
	var calls, meta sql.NullString
	err = tx.QueryRowContext(ctx,
		`SELECT content, state, tool_calls, metadata FROM messages WHERE id = ? AND conversation_id = ?`,
		upd.ID, conversationID).Scan(&content, &state, &calls, &meta)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("load message: %w", err)
	}

	if upd.Content != nil {
		content = *upd.Content
	}
	if upd.State != nil {
		state = string(*upd.State)
	}
	if upd.ToolCalls != nil {
		encoded, err := marshalJSON(upd.ToolCalls)
		if err != nil {
			return fmt.Errorf("marshal tool calls: %w", err)
		}
		calls = sql.NullString{String: encoded, Valid: encoded != ""}
	}
	var metaMap map[string]any
	if err := unmarshalJSON(meta, &metaMap); err != nil {
		return fmt.Errorf("decode message metadata: %w", err)
	}
	metaMap = mergeMetadata(metaMap, upd.Metadata)
	encodedMeta, err := marshalJSON(metaMap)
	if err != nil {
		return fmt.Errorf("marshal message metadata: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE messages SET content = ?, state = ?, tool_calls = ?, metadata = ? WHERE id = ? AND conversation_id = ?`,
		content, state, nullable(calls), nullString(encodedMeta), upd.ID, conversationID); err != nil {
		return fmt.Errorf("update message: %w", err)
	}
	if err := touchConversation(ctx, tx, conversationID); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SQLiteStore) AddBranch(ctx context.Context, conversationID, parentMessageID string, b *AlternativeBranch) (string, error) {
	if b.ID == "" {
		b.ID = uuid.NewString()
	}
	b.ParentID = parentMessageID

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", err
	}
	defer tx.Rollback()

	var exists int
	err = tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM messages WHERE id = ? AND conversation_id = ?`, parentMessageID, conversationID).Scan(&exists)
	if err != nil {
		return "", err
	}
	if exists == 0 {
		return "", ErrNotFound
	}
	if err := insertBranch(ctx, tx, conversationID, b); err != nil {
		return "", err
	}
	if err := touchConversation(ctx, tx, conversationID); err != nil {
		return "", err
	}
	if err := tx.Commit(); err != nil {
		return "", err
	}
	return b.ID, nil
}

func (s *SQLiteStore) UpdateBranch(ctx context.Context, conversationID string, upd BranchUpdate) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var status, content string
	var calls, meta sql.NullString
	err = tx.QueryRowContext(ctx,
		`SELECT status, content, tool_calls, metadata FROM branches WHERE id = ? AND conversation_id = ?`,
		upd.ID, conversationID).Scan(&status, &content, &calls, &meta)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("load branch: %w", err)
	}

	if upd.Content != nil {
		content = *upd.Content
	}
	if upd.Status != nil {
		status = string(*upd.Status)
	}
	if upd.ToolCalls != nil {
		encoded, err := marshalJSON(upd.ToolCalls)
		if err != nil {
			return fmt.Errorf("marshal branch tool calls: %w", err)
		}
		calls = sql.NullString{String: encoded, Valid: encoded != ""}
	}
	var metaMap map[string]any
	if err := unmarshalJSON(meta, &metaMap); err != nil {
		return fmt.Errorf("decode branch metadata: %w", err)
	}
	metaMap = mergeMetadata(metaMap, upd.Metadata)
	encodedMeta, err := marshalJSON(metaMap)
	if err != nil {
		return fmt.Errorf("marshal branch metadata: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE branches SET status = ?, content = ?, tool_calls = ?, metadata = ?, updated_at = ? WHERE id = ? AND conversation_id = ?`,
		status, content, nullable(calls), nullString(encodedMeta), time.Now(), upd.ID, conversationID); err != nil {
		return fmt.Errorf("update branch: %w", err)
	}
	if err := touchConversation(ctx, tx, conversationID); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SQLiteStore) SetActiveBranch(ctx context.Context, conversationID, messageID, branchID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var exists int
	err = tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM branches WHERE id = ? AND message_id = ? AND conversation_id = ?`,
		branchID, messageID, conversationID).Scan(&exists)
	if err != nil {
		return err
	}
	if exists == 0 {
		return ErrNotFound
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE messages SET active_branch_id = ? WHERE id = ? AND conversation_id = ?`,
		branchID, messageID, conversationID); err != nil {
		return fmt.Errorf("set active branch: %w", err)
	}
	if err := touchConversation(ctx, tx, conversationID); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SQLiteStore) UpdateMetadata(ctx context.Context, conversationID string, fields map[string]any) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var meta sql.NullString
	err = tx.QueryRowContext(ctx, `SELECT metadata FROM conversations WHERE id = ?`, conversationID).Scan(&meta)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	var metaMap map[string]any
	if err := unmarshalJSON(meta, &metaMap); err != nil {
		return fmt.Errorf("decode conversation metadata: %w", err)
	}
	metaMap = mergeMetadata(metaMap, fields)
	encoded, err := marshalJSON(metaMap)
	if err != nil {
		return fmt.Errorf("marshal conversation metadata: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE conversations SET metadata = ?, updated_at = ? WHERE id = ?`,
		nullString(encoded), time.Now(), conversationID); err != nil {
		return fmt.Errorf("update conversation metadata: %w", err)
	}
	return tx.Commit()
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func touchConversation(ctx context.Context, tx *sql.Tx, id string) error {
	_, err := tx.ExecContext(ctx, `UPDATE conversations SET updated_at = ? WHERE id = ?`, time.Now(), id)
	return err
}

func marshalJSON(v any) (string, error) {
	switch val := v.(type) {
	case nil:
		return "", nil
	case []ToolCall:
		if len(val) == 0 {
			return "", nil
		}
	case map[string]any:
		if len(val) == 0 {
			return "", nil
		}
	}
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func unmarshalJSON(src sql.NullString, dst any) error {
	if !src.Valid || src.String == "" {
		return nil
	}
	return json.Unmarshal([]byte(src.String), dst)
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullable(ns sql.NullString) any {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	return ns.String
}
