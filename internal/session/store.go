package session

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrSessionNotFound is returned by stores and the manager when no session exists for a key.
var ErrSessionNotFound = errors.New("session not found")

// ErrHistoryChanged is returned by ReplacePrefix when the history no longer holds the prefix.
var ErrHistoryChanged = errors.New("session history changed underneath operation")

// Store is the interface for session storage backends.
// Implementations: SQLiteStore (default), JSONLStore (one file per session)
type Store interface {
	// Load returns the persisted session or ErrSessionNotFound.
	Load(ctx context.Context, key string) (*StoredSession, error)
	// Save replaces the persisted session (messages and metadata) as one unit.
	Save(ctx context.Context, sess *StoredSession) error
	// AppendMessage adds one message to the end of a persisted session.
	AppendMessage(ctx context.Context, key string, msg *Message) error
	// Delete removes a session; false if it did not exist.
	Delete(ctx context.Context, key string) (bool, error)
	// List returns lightweight session info, most recently updated first.
	List(ctx context.Context) ([]StoredSessionInfo, error)

	Close() error
}

// StoredSession is the persisted form of a session. It carries no locks and is safe to copy.
type StoredSession struct {
	Key       string
	ID        string
	Model     string
	MaxTokens int
	CreatedAt time.Time
	UpdatedAt time.Time
	Metadata  map[string]any
	Messages  []Message
}

// StoredSessionInfo is a lightweight session summary for listing
type StoredSessionInfo struct {
	Key          string
	ID           string
	CreatedAt    time.Time
	UpdatedAt    time.Time
	MessageCount int
}

// StoreConfig configures a storage backend
type StoreConfig struct {
	Type        string // "sqlite" (default) or "jsonl"
	Path        string // database file (sqlite) or directory (jsonl)
	WALMode     bool
	BusyTimeout int // milliseconds
}

// NewStore opens the backend named by cfg.Type.
func NewStore(cfg StoreConfig) (Store, error) {
	switch cfg.Type {
	case "", "sqlite":
		return NewSQLiteStore(cfg)
	case "jsonl":
		return NewJSONLStore(cfg.Path)
	default:
		return nil, fmt.Errorf("unknown session store type: %q", cfg.Type)
	}
}
