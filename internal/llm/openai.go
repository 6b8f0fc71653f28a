package llm

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	. "github.com/roelfdiedericks/clawgate/internal/logging"
	. "github.com/roelfdiedericks/clawgate/internal/metrics"
	"github.com/roelfdiedericks/clawgate/internal/types"
	"github.com/sashabaranov/go-openai"
)

// OpenAIProvider implements Provider for OpenAI and OpenAI-compatible APIs
// (OpenRouter, LM Studio, vLLM, ...).
type OpenAIProvider struct {
	name          string
	client        *openai.Client
	model         string
	maxTokens     int
	contextTokens int
	metricPrefix  string
}

// NewOpenAIProvider creates a new OpenAI-compatible provider.
// API key is optional for local servers like LM Studio.
func NewOpenAIProvider(name string, cfg LLMProviderConfig) (*OpenAIProvider, error) {
	apiKey := cfg.APIKey
	if apiKey == "" {
		apiKey = "not-needed" // Placeholder for local servers that don't require auth
	}

	config := openai.DefaultConfig(apiKey)
	baseURL := cfg.BaseURL
	if baseURL != "" {
		// Ensure the URL ends with /v1 for OpenAI-compatible APIs
		if !strings.HasSuffix(baseURL, "/v1") && !strings.HasSuffix(baseURL, "/v1/") {
			baseURL = strings.TrimSuffix(baseURL, "/") + "/v1"
		}
		config.BaseURL = baseURL
	}
	if cfg.TimeoutSeconds > 0 {
		config.HTTPClient = &http.Client{Timeout: time.Duration(cfg.TimeoutSeconds) * time.Second}
	}

	maxTokens := cfg.MaxTokens
	if maxTokens == 0 {
		maxTokens = 8192
	}

	displayURL := baseURL
	if displayURL == "" {
		displayURL = "(default)"
	}
	L_debug("openai provider created", "name", name, "baseURL", displayURL, "maxTokens", maxTokens, "contextTokens", cfg.ContextTokens)

	p := &OpenAIProvider{
		name:          name,
		client:        openai.NewClientWithConfig(config),
		maxTokens:     maxTokens,
		contextTokens: cfg.ContextTokens,
	}
	if cfg.Model != "" {
		return p.WithModel(cfg.Model).(*OpenAIProvider), nil
	}
	return p, nil
}

func (p *OpenAIProvider) Name() string  { return p.name }
func (p *OpenAIProvider) Type() string  { return "openai" }
func (p *OpenAIProvider) Model() string { return p.model }

// WithModel returns a clone of the provider configured with a specific model
func (p *OpenAIProvider) WithModel(model string) Provider {
	clone := *p
	clone.model = model
	clone.metricPrefix = fmt.Sprintf("llm/%s/%s/%s", p.Type(), p.Name(), model)
	return &clone
}

// WithMaxTokens returns a clone of the provider with a different output limit
func (p *OpenAIProvider) WithMaxTokens(max int) Provider {
	clone := *p
	clone.maxTokens = max
	return &clone
}

func (p *OpenAIProvider) IsAvailable() bool {
	return p != nil && p.client != nil && p.model != ""
}

// ContextTokens returns the configured context window, or a guess from the model name
func (p *OpenAIProvider) ContextTokens() int {
	if p.contextTokens > 0 {
		return p.contextTokens
	}
	return getOpenAIModelContextWindow(p.model)
}

func (p *OpenAIProvider) MaxTokens() int { return p.maxTokens }

// getOpenAIModelContextWindow returns the context window for well-known models
func getOpenAIModelContextWindow(model string) int {
	model = strings.ToLower(model)
	switch {
	case strings.Contains(model, "gpt-4.1"):
		return 1047576
	case strings.Contains(model, "gpt-4o"), strings.Contains(model, "gpt-4-turbo"), strings.Contains(model, "o1"),
		strings.Contains(model, "o3"), strings.Contains(model, "o4"):
		return 128000
	case strings.Contains(model, "gpt-4"):
		return 8192
	case strings.Contains(model, "gpt-3.5"):
		return 16385
	}
	// Conservative limit for unknown/local models; override with contextTokens
	return 4096
}

// SimpleMessage sends a single user message and returns the response text.
func (p *OpenAIProvider) SimpleMessage(ctx context.Context, userMessage, systemPrompt string) (string, error) {
	resp, err := p.Chat(ctx, []types.Message{{Role: types.RoleUser, Content: userMessage}}, systemPrompt)
	if err != nil {
		return "", err
	}
	return resp.Text, nil
}

// Chat sends the history and returns the assistant's reply
func (p *OpenAIProvider) Chat(ctx context.Context, messages []types.Message, systemPrompt string) (*Response, error) {
	if !p.IsAvailable() {
		return nil, ErrUnavailable{Provider: p.name, Reason: "no model configured"}
	}

	req := openai.ChatCompletionRequest{
		Model:     p.model,
		Messages:  convertToOpenAIMessages(messages, systemPrompt),
		MaxTokens: p.maxTokens,
	}

	L_debug("llm: request started", "provider", p.name, "model", p.model, "messages", len(messages))
	startTime := time.Now()

	completion, err := p.client.CreateChatCompletion(ctx, req)
	duration := time.Since(startTime)
	MetricDuration(p.metricPrefix, "request", duration)
	if err != nil {
		MetricFail(p.metricPrefix, "request_status")
		L_warn("llm: request failed", "provider", p.name, "model", p.model, "type", ClassifyError(err.Error()), "error", err)
		return nil, fmt.Errorf("openai: %w", err)
	}
	if len(completion.Choices) == 0 {
		MetricFail(p.metricPrefix, "request_status")
		return nil, fmt.Errorf("openai: response contained no choices")
	}

	choice := completion.Choices[0]
	resp := &Response{
		Text:         choice.Message.Content,
		StopReason:   string(choice.FinishReason),
		InputTokens:  completion.Usage.PromptTokens,
		OutputTokens: completion.Usage.CompletionTokens,
	}

	MetricSuccess(p.metricPrefix, "request_status")
	MetricAdd(p.metricPrefix, "input_tokens", int64(resp.InputTokens))
	MetricAdd(p.metricPrefix, "output_tokens", int64(resp.OutputTokens))
	MetricOutcome(p.metricPrefix, "stop_reason", resp.StopReason)

	L_info("llm: request completed", "provider", p.name, "duration", duration.Round(time.Millisecond),
		"inputTokens", resp.InputTokens, "outputTokens", resp.OutputTokens, "stopReason", resp.StopReason)
	return resp, nil
}

// convertToOpenAIMessages prepends the system prompt and maps history roles.
// Compaction summaries keep the system role, which OpenAI accepts mid-conversation.
func convertToOpenAIMessages(messages []types.Message, systemPrompt string) []openai.ChatCompletionMessage {
	result := make([]openai.ChatCompletionMessage, 0, len(messages)+1)
	if systemPrompt != "" {
		result = append(result, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: systemPrompt})
	}
	for _, msg := range messages {
		if msg.Content == "" {
			continue
		}
		role := openai.ChatMessageRoleUser
		content := msg.Content
		switch msg.Role {
		case types.RoleAssistant:
			role = openai.ChatMessageRoleAssistant
		case types.RoleSystem:
			role = openai.ChatMessageRoleSystem
			content = historyText(msg)
		}
		result = append(result, openai.ChatCompletionMessage{Role: role, Content: content})
	}
	return result
}
