// Package llm provides unified LLM provider interfaces and implementations.
package llm

import (
	"context"

	"github.com/roelfdiedericks/clawgate/internal/types"
)

// Provider is the unified interface for all LLM backends.
// Implementations: AnthropicProvider, OpenAIProvider
type Provider interface {
	// Identity
	Name() string  // Provider instance name (e.g., "anthropic", "openrouter")
	Type() string  // Provider driver (e.g., "anthropic", "openai")
	Model() string // Current model name

	// Cloning with overrides
	WithModel(model string) Provider
	WithMaxTokens(max int) Provider

	// Availability
	IsAvailable() bool
	ContextTokens() int // Model's context window size
	MaxTokens() int     // Current output limit

	// SimpleMessage sends one user message (summaries, no history)
	SimpleMessage(ctx context.Context, userMessage, systemPrompt string) (string, error)

	// Chat sends the conversation history and returns the reply
	Chat(ctx context.Context, messages []types.Message, systemPrompt string) (*Response, error)
}

// Response represents the LLM response
type Response struct {
	Text       string
	StopReason string // "end_turn", "stop", "max_tokens", ...

	InputTokens  int
	OutputTokens int
}

// ErrUnavailable is returned when a provider is not available
type ErrUnavailable struct {
	Provider string
	Reason   string
}

func (e ErrUnavailable) Error() string {
	if e.Reason != "" {
		return e.Provider + " is unavailable: " + e.Reason
	}
	return e.Provider + " is unavailable"
}

// summaryPrefix introduces a compaction summary when a provider has no system role in history
const summaryPrefix = "[Summary of the earlier conversation]\n"

// historyText returns what a provider should see for msg in a user/assistant-only history
func historyText(msg types.Message) string {
	if msg.Role == types.RoleSystem {
		return summaryPrefix + msg.Content
	}
	return msg.Content
}
