// Package session provides conversation session management and persistence.
package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/roelfdiedericks/clawgate/internal/tokens"
	"github.com/roelfdiedericks/clawgate/internal/types"
)

// Message is the shared message type; the definition lives in types to avoid import cycles.
type Message = types.Message

// Session holds the conversation state for a single chat identity.
// Key, ID and CreatedAt never change after construction; everything else is guarded by mu.
type Session struct {
	Key       string // channel-qualified, e.g. "telegram:12345"
	ID        string
	CreatedAt time.Time

	messages  []Message
	metadata  map[string]any
	model     string
	maxTokens int
	updatedAt time.Time

	store   Store
	mu      sync.RWMutex
	deleted bool // set by Manager.Delete; further writes fail

	// slot serializes history rewrites (compaction, clear). Capacity 1.
	slot chan struct{}
}

func newSession(key, id string, store Store) *Session {
	now := time.Now()
	return &Session{
		Key:       key,
		ID:        id,
		CreatedAt: now,
		messages:  make([]Message, 0),
		metadata:  make(map[string]any),
		updatedAt: now,
		store:     store,
		slot:      make(chan struct{}, 1),
	}
}

func fromStored(st *StoredSession, store Store) *Session {
	s := &Session{
		Key:       st.Key,
		ID:        st.ID,
		CreatedAt: st.CreatedAt,
		messages:  cloneMessages(st.Messages),
		metadata:  cloneMap(st.Metadata),
		model:     st.Model,
		maxTokens: st.MaxTokens,
		updatedAt: st.UpdatedAt,
		store:     store,
		slot:      make(chan struct{}, 1),
	}
	if s.metadata == nil {
		s.metadata = make(map[string]any)
	}
	return s
}

// snapshotLocked copies the session state. Caller holds mu (read or write).
func (s *Session) snapshotLocked() *StoredSession {
	return &StoredSession{
		Key:       s.Key,
		ID:        s.ID,
		Model:     s.model,
		MaxTokens: s.maxTokens,
		CreatedAt: s.CreatedAt,
		UpdatedAt: s.updatedAt,
		Metadata:  cloneMap(s.metadata),
		Messages:  cloneMessages(s.messages),
	}
}

// Snapshot returns a lock-free copy of the session.
func (s *Session) Snapshot() *StoredSession {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshotLocked()
}

// GetMessages returns a copy of the message history
func (s *Session) GetMessages() []Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return cloneMessages(s.messages)
}

// MessageCount returns the number of messages in the history
func (s *Session) MessageCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.messages)
}

// Metadata returns a copy of the session metadata
func (s *Session) Metadata() map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return cloneMap(s.metadata)
}

// Model returns the model the session is served by
func (s *Session) Model() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.model
}

// SetModel records the model serving this session (used for per-model policy lookup)
func (s *Session) SetModel(model string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.model = model
}

// MaxTokens returns the model's context window
func (s *Session) MaxTokens() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.maxTokens
}

// SetMaxTokens sets the model's context window
func (s *Session) SetMaxTokens(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.maxTokens = n
}

// UpdatedAt returns when the session last changed
func (s *Session) UpdatedAt() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.updatedAt
}

// TotalTokens returns the approximate token size of the history
func (s *Session) TotalTokens() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	total := 0
	for i := range s.messages {
		total += s.messages[i].Tokens
	}
	return total
}

// UsageRatio returns the estimated fraction of the context window in use.
func (s *Session) UsageRatio() float64 {
	return tokens.UsageRatio(s.TotalTokens(), s.MaxTokens())
}

// append adds a message and persists it. The message is visible to readers only
// once it is durable; a failed write leaves the history as it was.
func (s *Session) append(ctx context.Context, msg Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.deleted {
		return ErrSessionNotFound
	}

	if s.store != nil {
		if err := s.store.AppendMessage(ctx, s.Key, &msg); err != nil {
			return fmt.Errorf("append message: %w", err)
		}
	}
	s.messages = append(s.messages, msg)
	s.updatedAt = time.Now()
	return nil
}

// AcquireRewrite blocks until no other history rewrite (compaction, clear) is running
// on this session, or ctx is done. The returned func releases the slot.
func (s *Session) AcquireRewrite(ctx context.Context) (func(), error) {
	select {
	case s.slot <- struct{}{}:
		return func() { <-s.slot }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// ReplacePrefix swaps the first n messages for replacement, applies mutate to the
// metadata and persists the result. If persisting fails the in-memory state is
// restored and the store error is returned. Other readers never observe the
// intermediate state. Callers should hold the rewrite slot.
func (s *Session) ReplacePrefix(ctx context.Context, n int, replacement Message, mutate func(meta map[string]any)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.deleted {
		return ErrSessionNotFound
	}
	if n < 0 || n > len(s.messages) {
		return fmt.Errorf("%w: prefix %d, history %d", ErrHistoryChanged, n, len(s.messages))
	}

	prevMessages := s.messages
	prevMetadata := cloneMap(s.metadata)
	prevUpdated := s.updatedAt

	next := make([]Message, 0, 1+len(s.messages)-n)
	next = append(next, replacement)
	next = append(next, s.messages[n:]...)
	s.messages = next
	if mutate != nil {
		mutate(s.metadata)
	}
	s.updatedAt = time.Now()

	if s.store == nil {
		return nil
	}
	if err := s.store.Save(context.WithoutCancel(ctx), s.snapshotLocked()); err != nil {
		s.messages = prevMessages
		s.metadata = prevMetadata
		s.updatedAt = prevUpdated
		return err
	}
	return nil
}

// markDeleted retires the handle. It waits for any write holding mu, so a
// save already in progress lands before the store row is removed.
func (s *Session) markDeleted() {
	s.mu.Lock()
	s.deleted = true
	s.mu.Unlock()
}

// clear empties the history but keeps metadata. Caller holds the rewrite slot.
func (s *Session) clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.deleted {
		return ErrSessionNotFound
	}

	prevMessages := s.messages
	prevUpdated := s.updatedAt
	s.messages = make([]Message, 0)
	s.updatedAt = time.Now()

	if s.store == nil {
		return nil
	}
	if err := s.store.Save(ctx, s.snapshotLocked()); err != nil {
		s.messages = prevMessages
		s.updatedAt = prevUpdated
		return fmt.Errorf("clear session: %w", err)
	}
	return nil
}

func cloneMessages(in []Message) []Message {
	out := make([]Message, len(in))
	for i := range in {
		out[i] = in[i].Clone()
	}
	return out
}

// cloneMap deep-copies nested maps and slices so callers can't alias session state.
func cloneMap(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return cloneMap(t)
	case []any:
		out := make([]any, len(t))
		for i := range t {
			out[i] = cloneValue(t[i])
		}
		return out
	default:
		return v
	}
}
