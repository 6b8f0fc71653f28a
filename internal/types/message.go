// Package types contains shared types used across multiple packages.
// This helps avoid import cycles between packages like llm and session.
package types

import (
	"time"
)

// Message roles
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// SourceCompaction marks a message produced by history compaction.
const SourceCompaction = "compaction"

// Message represents a single message in a conversation.
// Used by session storage, compaction and LLM providers.
type Message struct {
	ID        string    `json:"id,omitempty"`
	Role      string    `json:"role"` // "user", "assistant", "system"
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
	Tokens    int       `json:"tokens,omitempty"` // approximate token count
	Source    string    `json:"source,omitempty"` // "telegram", "cli", "compaction", etc.

	// Extra holds fields a store read but does not model; written back unchanged.
	Extra map[string]any `json:"-"`
}

// IsCompactionSummary reports whether the message was produced by compaction.
func (m *Message) IsCompactionSummary() bool {
	return m.Source == SourceCompaction
}

// Clone returns a copy that shares no mutable state with m.
func (m Message) Clone() Message {
	if m.Extra != nil {
		extra := make(map[string]any, len(m.Extra))
		for k, v := range m.Extra {
			extra[k] = v
		}
		m.Extra = extra
	}
	return m
}
