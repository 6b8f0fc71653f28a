// Package llm - LLM configuration types
//
// These types are imported by config/config.go via type aliases.
package llm

// LLMConfig contains LLM provider settings.
// Providers are aliased instances; purposes reference them via "alias/model".
type LLMConfig struct {
	Providers     map[string]LLMProviderConfig `json:"providers"`
	Agent         LLMPurposeConfig             `json:"agent"`         // Main chat
	Summarization LLMPurposeConfig             `json:"summarization"` // Compaction summaries
	SystemPrompt  string                       `json:"systemPrompt"`  // System prompt for agent
}

// LLMProviderConfig is the configuration for a single provider instance.
type LLMProviderConfig struct {
	Driver         string `json:"driver"`                   // "anthropic", "openai"
	APIKey         string `json:"apiKey,omitempty"`         // For cloud providers
	BaseURL        string `json:"baseURL,omitempty"`        // For compatible endpoints
	Model          string `json:"model,omitempty"`          // Used when a reference names only the alias
	MaxTokens      int    `json:"maxTokens,omitempty"`      // Default output limit
	ContextTokens  int    `json:"contextTokens,omitempty"`  // Context window override (0 = built-in guess)
	TimeoutSeconds int    `json:"timeoutSeconds,omitempty"` // Request timeout
}

// LLMPurposeConfig defines the model chain for a purpose
type LLMPurposeConfig struct {
	Models    []string `json:"models"`              // First = primary, rest = fallbacks
	MaxTokens int      `json:"maxTokens,omitempty"` // Output limit override (0 = provider default)
}

// DefaultSystemPrompt is used when llm.systemPrompt is empty
const DefaultSystemPrompt = "You are a helpful assistant reachable over chat. Keep answers short and conversational."

// Redacted returns a copy with API keys masked, for display
func (c LLMConfig) Redacted() LLMConfig {
	out := c
	out.Providers = make(map[string]LLMProviderConfig, len(c.Providers))
	for alias, p := range c.Providers {
		if p.APIKey != "" {
			p.APIKey = "***"
		}
		out.Providers[alias] = p
	}
	return out
}
