package session

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	. "github.com/roelfdiedericks/clawgate/internal/logging"
	"github.com/roelfdiedericks/clawgate/internal/paths"
)

// SQLiteStore implements Store using SQLite
type SQLiteStore struct {
	db     *sql.DB
	config StoreConfig
}

// Schema version for migrations
const currentSchemaVersion = 2

// NewSQLiteStore creates a new SQLite store
func NewSQLiteStore(cfg StoreConfig) (*SQLiteStore, error) {
	if err := paths.EnsureParentDir(cfg.Path); err != nil {
		return nil, err
	}

	timeout := cfg.BusyTimeout
	if timeout == 0 {
		timeout = 5000
	}

	dsn := fmt.Sprintf("%s?_busy_timeout=%d&_foreign_keys=on", cfg.Path, timeout)
	if cfg.WALMode {
		dsn += "&_journal_mode=WAL"
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if cfg.WALMode {
		if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
			L_warn("sqlite: failed to enable WAL mode", "error", err)
		}
	}

	store := &SQLiteStore{db: db, config: cfg}

	if err := store.Migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migration failed: %w", err)
	}

	L_info("sqlite: store opened", "path", cfg.Path)
	return store, nil
}

// Migrate runs database migrations
func (s *SQLiteStore) Migrate() error {
	var version int
	err := s.db.QueryRow("SELECT version FROM schema_version ORDER BY version DESC LIMIT 1").Scan(&version)
	if err != nil {
		// Table doesn't exist, start from scratch
		version = 0
	}

	if version >= currentSchemaVersion {
		L_debug("sqlite: schema up to date", "version", version)
		return nil
	}

	L_info("sqlite: migrating schema", "from", version, "to", currentSchemaVersion)

	migrations := []func(*sql.DB) error{
		migrateV1,
		migrateV2,
	}

	for i := version; i < len(migrations); i++ {
		if err := migrations[i](s.db); err != nil {
			return fmt.Errorf("migration v%d failed: %w", i+1, err)
		}
		L_debug("sqlite: applied migration", "version", i+1)
	}

	return nil
}

// migrateV1 creates the initial schema
func migrateV1(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS sessions (
		key TEXT PRIMARY KEY,
		id TEXT NOT NULL UNIQUE,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		model TEXT NOT NULL DEFAULT '',
		max_tokens INTEGER NOT NULL DEFAULT 0,
		metadata TEXT NOT NULL DEFAULT '{}'
	);
	CREATE INDEX IF NOT EXISTS idx_sessions_updated ON sessions(updated_at);

	CREATE TABLE IF NOT EXISTS messages (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL,
		session_key TEXT NOT NULL,
		timestamp INTEGER NOT NULL,
		role TEXT NOT NULL,
		content TEXT NOT NULL DEFAULT '',
		source TEXT,
		tokens INTEGER NOT NULL DEFAULT 0,
		FOREIGN KEY (session_key) REFERENCES sessions(key) ON DELETE CASCADE
	);
	CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(session_key, seq);
	`
	if _, err := db.Exec(schema); err != nil {
		return err
	}
	_, err := db.Exec("INSERT INTO schema_version (version, applied_at) VALUES (1, ?)", time.Now().Unix())
	return err
}

// migrateV2 adds a column for fields the store doesn't model (kept as JSON)
func migrateV2(db *sql.DB) error {
	if _, err := db.Exec("ALTER TABLE messages ADD COLUMN extra TEXT"); err != nil {
		return err
	}
	_, err := db.Exec("INSERT INTO schema_version (version, applied_at) VALUES (2, ?)", time.Now().Unix())
	return err
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Load returns a session with its full message history
func (s *SQLiteStore) Load(ctx context.Context, key string) (*StoredSession, error) {
	var (
		sess                 StoredSession
		createdAt, updatedAt int64
		metaJSON             string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT key, id, created_at, updated_at, model, max_tokens, metadata
		FROM sessions WHERE key = ?
	`, key).Scan(&sess.Key, &sess.ID, &createdAt, &updatedAt, &sess.Model, &sess.MaxTokens, &metaJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query session failed: %w", err)
	}
	sess.CreatedAt = time.UnixMicro(createdAt)
	sess.UpdatedAt = time.UnixMicro(updatedAt)

	if err := json.Unmarshal([]byte(metaJSON), &sess.Metadata); err != nil {
		return nil, fmt.Errorf("decode session metadata: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, timestamp, role, content, source, tokens, extra
		FROM messages WHERE session_key = ? ORDER BY seq ASC
	`, key)
	if err != nil {
		return nil, fmt.Errorf("query messages failed: %w", err)
	}
	defer rows.Close()

	sess.Messages = make([]Message, 0)
	for rows.Next() {
		var (
			msg    Message
			ts     int64
			source sql.NullString
			extra  sql.NullString
		)
		if err := rows.Scan(&msg.ID, &ts, &msg.Role, &msg.Content, &source, &msg.Tokens, &extra); err != nil {
			return nil, fmt.Errorf("scan message failed: %w", err)
		}
		msg.Timestamp = time.UnixMicro(ts)
		msg.Source = source.String
		if extra.Valid && extra.String != "" {
			if err := json.Unmarshal([]byte(extra.String), &msg.Extra); err != nil {
				L_warn("sqlite: dropping unreadable message extra", "session", key, "id", msg.ID, "error", err)
			}
		}
		sess.Messages = append(sess.Messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	L_trace("sqlite: session loaded", "session", key, "messages", len(sess.Messages))
	return &sess, nil
}

// Save replaces the session row and its messages in one transaction
func (s *SQLiteStore) Save(ctx context.Context, sess *StoredSession) error {
	metaJSON, err := json.Marshal(orEmpty(sess.Metadata))
	if err != nil {
		return fmt.Errorf("encode session metadata: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO sessions (key, id, created_at, updated_at, model, max_tokens, metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			updated_at = excluded.updated_at,
			model = excluded.model,
			max_tokens = excluded.max_tokens,
			metadata = excluded.metadata
	`, sess.Key, sess.ID, sess.CreatedAt.UnixMicro(), sess.UpdatedAt.UnixMicro(),
		sess.Model, sess.MaxTokens, string(metaJSON))
	if err != nil {
		return fmt.Errorf("upsert session failed: %w", err)
	}

	if _, err := tx.ExecContext(ctx, "DELETE FROM messages WHERE session_key = ?", sess.Key); err != nil {
		return fmt.Errorf("delete messages failed: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO messages (id, session_key, timestamp, role, content, source, tokens, extra)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("prepare message insert: %w", err)
	}
	defer stmt.Close()

	for i := range sess.Messages {
		msg := &sess.Messages[i]
		extra, err := encodeExtra(msg.Extra)
		if err != nil {
			return err
		}
		if _, err := stmt.ExecContext(ctx, msg.ID, sess.Key, msg.Timestamp.UnixMicro(), msg.Role,
			msg.Content, nullString(msg.Source), msg.Tokens, extra); err != nil {
			return fmt.Errorf("insert message failed: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit failed: %w", err)
	}

	L_trace("sqlite: session saved", "session", sess.Key, "messages", len(sess.Messages))
	return nil
}

// AppendMessage inserts a single message at the end of a session
func (s *SQLiteStore) AppendMessage(ctx context.Context, key string, msg *Message) error {
	extra, err := encodeExtra(msg.Extra)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO messages (id, session_key, timestamp, role, content, source, tokens, extra)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, msg.ID, key, msg.Timestamp.UnixMicro(), msg.Role, msg.Content, nullString(msg.Source), msg.Tokens, extra)
	if err != nil {
		return fmt.Errorf("insert message failed: %w", err)
	}

	if _, err := s.db.ExecContext(ctx, "UPDATE sessions SET updated_at = ? WHERE key = ?", time.Now().UnixMicro(), key); err != nil {
		L_warn("sqlite: failed to update session timestamp", "session", key, "error", err)
	}

	L_trace("sqlite: message appended", "session", key, "id", msg.ID, "role", msg.Role)
	return nil
}

// Delete removes a session and its messages
func (s *SQLiteStore) Delete(ctx context.Context, key string) (bool, error) {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM messages WHERE session_key = ?", key); err != nil {
		return false, fmt.Errorf("delete messages failed: %w", err)
	}
	res, err := s.db.ExecContext(ctx, "DELETE FROM sessions WHERE key = ?", key)
	if err != nil {
		return false, fmt.Errorf("delete session failed: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// List returns all sessions, most recently updated first
func (s *SQLiteStore) List(ctx context.Context) ([]StoredSessionInfo, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT s.key, s.id, s.created_at, s.updated_at,
		       (SELECT COUNT(*) FROM messages WHERE session_key = s.key) as msg_count
		FROM sessions s
		ORDER BY s.updated_at DESC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []StoredSessionInfo
	for rows.Next() {
		var si StoredSessionInfo
		var createdAt, updatedAt int64
		if err := rows.Scan(&si.Key, &si.ID, &createdAt, &updatedAt, &si.MessageCount); err != nil {
			return nil, err
		}
		si.CreatedAt = time.UnixMicro(createdAt)
		si.UpdatedAt = time.UnixMicro(updatedAt)
		sessions = append(sessions, si)
	}

	return sessions, rows.Err()
}

func encodeExtra(extra map[string]any) (sql.NullString, error) {
	if len(extra) == 0 {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(extra)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("encode message extra: %w", err)
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func orEmpty(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}
