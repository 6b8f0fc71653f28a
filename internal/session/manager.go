package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	. "github.com/roelfdiedericks/clawgate/internal/logging"
	"github.com/roelfdiedericks/clawgate/internal/tokens"
)

// DefaultHistoryLimit is the number of messages History returns when max <= 0.
const DefaultHistoryLimit = 50

// ManagerConfig holds defaults applied to new sessions
type ManagerConfig struct {
	DefaultModel     string
	DefaultMaxTokens int                   // context window for sessions that don't set one (default: 200000)
	TokenCounter     func(text string) int // default: tokens.EstimateMessage
}

// Manager is the arena of live sessions. Each session owns its own locks; the
// manager's mutex only guards the map.
type Manager struct {
	store Store
	cfg   ManagerConfig

	mu       sync.Mutex
	sessions map[string]*Session
	creating map[string]*creation
}

// creation tracks a session whose first save is in flight. Callers of
// GetOrCreate for the same key wait on done.
type creation struct {
	done chan struct{}
	sess *Session
	err  error
}

// NewManager creates a session manager over store. A nil store keeps sessions in memory only.
func NewManager(store Store, cfg ManagerConfig) *Manager {
	if cfg.DefaultMaxTokens == 0 {
		cfg.DefaultMaxTokens = 200000
	}
	if cfg.TokenCounter == nil {
		cfg.TokenCounter = tokens.EstimateMessage
	}
	return &Manager{
		store:    store,
		cfg:      cfg,
		sessions: make(map[string]*Session),
		creating: make(map[string]*creation),
	}
}

// TokenCounter returns the estimator applied to appended messages
func (m *Manager) TokenCounter() func(text string) int {
	return m.cfg.TokenCounter
}

// Store returns the backing store (nil for memory-only managers)
func (m *Manager) Store() Store {
	return m.store
}

func (m *Manager) cached(key string) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessions[key]
}

// adopt inserts sess unless another goroutine got there first, returning the winner.
func (m *Manager) adopt(sess *Session) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.sessions[sess.Key]; ok {
		return existing
	}
	m.sessions[sess.Key] = sess
	return sess
}

// Get returns the session for key from memory or the store, or ErrSessionNotFound.
func (m *Manager) Get(ctx context.Context, key string) (*Session, error) {
	if sess := m.cached(key); sess != nil {
		return sess, nil
	}
	if m.store == nil {
		return nil, ErrSessionNotFound
	}

	stored, err := m.store.Load(ctx, key)
	if err != nil {
		return nil, err
	}
	sess := fromStored(stored, m.store)
	if sess.maxTokens == 0 {
		sess.maxTokens = m.cfg.DefaultMaxTokens
	}
	L_debug("session: loaded from store", "session", key, "messages", len(stored.Messages))
	return m.adopt(sess), nil
}

// GetOrCreate returns the session for key, creating and persisting it on first use.
func (m *Manager) GetOrCreate(ctx context.Context, key string) (*Session, error) {
	sess, err := m.Get(ctx, key)
	if err == nil {
		return sess, nil
	}
	if !errors.Is(err, ErrSessionNotFound) {
		return nil, err
	}

	m.mu.Lock()
	if existing, ok := m.sessions[key]; ok {
		m.mu.Unlock()
		return existing, nil
	}
	if c, ok := m.creating[key]; ok {
		m.mu.Unlock()
		select {
		case <-c.done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		if c.err != nil {
			return nil, c.err
		}
		return c.sess, nil
	}
	c := &creation{done: make(chan struct{})}
	m.creating[key] = c
	m.mu.Unlock()

	// The handle is published only after the first save, so no append can
	// reach the store before the session row exists.
	sess = newSession(key, uuid.New().String(), m.store)
	sess.model = m.cfg.DefaultModel
	sess.maxTokens = m.cfg.DefaultMaxTokens
	if m.store != nil {
		if err := m.store.Save(ctx, sess.Snapshot()); err != nil {
			c.err = fmt.Errorf("create session: %w", err)
		}
	}

	m.mu.Lock()
	delete(m.creating, key)
	if c.err == nil {
		if existing, ok := m.sessions[key]; ok {
			// A concurrent Get loaded the row we just wrote.
			sess = existing
		} else {
			m.sessions[key] = sess
		}
		c.sess = sess
	}
	m.mu.Unlock()
	close(c.done)

	if c.err != nil {
		return nil, c.err
	}
	L_info("session: created", "session", key, "id", sess.ID)
	return sess, nil
}

// Append adds a message to the session, filling in id, timestamp and token estimate when missing.
func (m *Manager) Append(ctx context.Context, key string, msg Message) (*Session, error) {
	sess, err := m.GetOrCreate(ctx, key)
	if err != nil {
		return nil, err
	}
	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	if msg.Tokens == 0 {
		msg.Tokens = m.cfg.TokenCounter(msg.Content)
	}
	if err := sess.append(ctx, msg); err != nil {
		return nil, err
	}
	return sess, nil
}

// History returns the last max messages with only role and content populated.
func (m *Manager) History(ctx context.Context, key string, max int) ([]Message, error) {
	sess, err := m.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	if max <= 0 {
		max = DefaultHistoryLimit
	}

	msgs := sess.GetMessages()
	if len(msgs) > max {
		msgs = msgs[len(msgs)-max:]
	}
	out := make([]Message, len(msgs))
	for i := range msgs {
		out[i] = Message{Role: msgs[i].Role, Content: msgs[i].Content}
	}
	return out, nil
}

// Clear empties a session's history. Metadata (including compaction telemetry) is kept.
// Waits for any in-flight compaction on the session.
func (m *Manager) Clear(ctx context.Context, key string) error {
	sess, err := m.Get(ctx, key)
	if err != nil {
		return err
	}
	release, err := sess.AcquireRewrite(ctx)
	if err != nil {
		return err
	}
	defer release()

	if err := sess.clear(ctx); err != nil {
		return err
	}
	L_info("session: cleared", "session", key)
	return nil
}

// Delete removes a session from memory and the store. Returns false if it didn't exist.
// The live handle is retired first, so an in-flight compaction or append on it
// fails with ErrSessionNotFound instead of writing the session back.
func (m *Manager) Delete(ctx context.Context, key string) (bool, error) {
	sess := m.cached(key)
	if sess != nil {
		sess.markDeleted()
	}

	deleted := false
	if m.store != nil {
		var err error
		if deleted, err = m.store.Delete(ctx, key); err != nil {
			return false, err
		}
	}

	if sess != nil {
		m.mu.Lock()
		if m.sessions[key] == sess {
			delete(m.sessions, key)
		}
		m.mu.Unlock()
	}

	if deleted || sess != nil {
		L_info("session: deleted", "session", key)
	}
	return deleted || sess != nil, nil
}

// List returns session summaries, most recently updated first.
// Memory-only managers list the live sessions.
func (m *Manager) List(ctx context.Context) ([]StoredSessionInfo, error) {
	if m.store != nil {
		return m.store.List(ctx)
	}

	m.mu.Lock()
	live := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		live = append(live, s)
	}
	m.mu.Unlock()

	out := make([]StoredSessionInfo, 0, len(live))
	for _, s := range live {
		out = append(out, StoredSessionInfo{
			Key:          s.Key,
			ID:           s.ID,
			CreatedAt:    s.CreatedAt,
			UpdatedAt:    s.UpdatedAt(),
			MessageCount: s.MessageCount(),
		})
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	return out, nil
}

// LiveKeys returns the keys of sessions currently held in memory.
func (m *Manager) LiveKeys() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	keys := make([]string, 0, len(m.sessions))
	for k := range m.sessions {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Close closes the backing store
func (m *Manager) Close() error {
	if m.store == nil {
		return nil
	}
	return m.store.Close()
}
