package llm

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	. "github.com/roelfdiedericks/clawgate/internal/logging"
	. "github.com/roelfdiedericks/clawgate/internal/metrics"
	"github.com/roelfdiedericks/clawgate/internal/types"
)

// AnthropicProvider implements Provider for Anthropic's Claude API.
// Also works with Anthropic-compatible APIs via BaseURL.
type AnthropicProvider struct {
	name          string
	client        *anthropic.Client
	model         string
	maxTokens     int
	contextTokens int
	metricPrefix  string // e.g., "llm/anthropic/anthropic/claude-sonnet-4-5"
}

// NewAnthropicProvider creates a new Anthropic provider from config.
func NewAnthropicProvider(name string, cfg LLMProviderConfig) (*AnthropicProvider, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("anthropic API key not configured")
	}

	httpClient := &http.Client{}
	if cfg.TimeoutSeconds > 0 {
		httpClient.Timeout = time.Duration(cfg.TimeoutSeconds) * time.Second
	}

	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithHTTPClient(httpClient),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	client := anthropic.NewClient(opts...)

	maxTokens := cfg.MaxTokens
	if maxTokens == 0 {
		maxTokens = 8192
	}

	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = "(default)"
	}
	L_debug("anthropic provider created", "name", name, "baseURL", baseURL, "maxTokens", maxTokens)

	p := &AnthropicProvider{
		name:          name,
		client:        &client,
		maxTokens:     maxTokens,
		contextTokens: cfg.ContextTokens,
	}
	if cfg.Model != "" {
		return p.WithModel(cfg.Model).(*AnthropicProvider), nil
	}
	return p, nil
}

func (p *AnthropicProvider) Name() string  { return p.name }
func (p *AnthropicProvider) Type() string  { return "anthropic" }
func (p *AnthropicProvider) Model() string { return p.model }

// WithModel returns a clone of the provider configured with a specific model
func (p *AnthropicProvider) WithModel(model string) Provider {
	clone := *p
	clone.model = model
	clone.metricPrefix = fmt.Sprintf("llm/%s/%s/%s", p.Type(), p.Name(), model)
	return &clone
}

// WithMaxTokens returns a clone of the provider with a different output limit
func (p *AnthropicProvider) WithMaxTokens(max int) Provider {
	clone := *p
	clone.maxTokens = max
	return &clone
}

// IsAvailable returns true if the provider is configured and ready
func (p *AnthropicProvider) IsAvailable() bool {
	return p != nil && p.client != nil && p.model != ""
}

// ContextTokens returns the context window. Standard context is 200k for all Claude models.
func (p *AnthropicProvider) ContextTokens() int {
	if p.contextTokens > 0 {
		return p.contextTokens
	}
	return 200000
}

func (p *AnthropicProvider) MaxTokens() int { return p.maxTokens }

// SimpleMessage sends a single user message and returns the response text.
// This is used for compaction summaries.
func (p *AnthropicProvider) SimpleMessage(ctx context.Context, userMessage, systemPrompt string) (string, error) {
	resp, err := p.Chat(ctx, []types.Message{{Role: types.RoleUser, Content: userMessage}}, systemPrompt)
	if err != nil {
		return "", err
	}
	return resp.Text, nil
}

// Chat sends the history and returns the assistant's reply
func (p *AnthropicProvider) Chat(ctx context.Context, messages []types.Message, systemPrompt string) (*Response, error) {
	if !p.IsAvailable() {
		return nil, ErrUnavailable{Provider: p.name, Reason: "no model configured"}
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(p.model),
		MaxTokens: int64(p.maxTokens),
		Messages:  convertMessages(messages),
	}
	if systemPrompt != "" {
		params.System = []anthropic.TextBlockParam{{Text: systemPrompt}}
	}

	L_debug("llm: request started", "provider", p.name, "model", p.model, "messages", len(messages))
	startTime := time.Now()

	msg, err := p.client.Messages.New(ctx, params)
	duration := time.Since(startTime)
	MetricDuration(p.metricPrefix, "request", duration)
	if err != nil {
		MetricFail(p.metricPrefix, "request_status")
		L_warn("llm: request failed", "provider", p.name, "model", p.model, "type", ClassifyError(err.Error()), "error", err)
		return nil, fmt.Errorf("anthropic: %w", err)
	}

	var text strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}

	resp := &Response{
		Text:         text.String(),
		StopReason:   string(msg.StopReason),
		InputTokens:  int(msg.Usage.InputTokens),
		OutputTokens: int(msg.Usage.OutputTokens),
	}

	MetricSuccess(p.metricPrefix, "request_status")
	MetricAdd(p.metricPrefix, "input_tokens", int64(resp.InputTokens))
	MetricAdd(p.metricPrefix, "output_tokens", int64(resp.OutputTokens))
	MetricOutcome(p.metricPrefix, "stop_reason", resp.StopReason)

	L_info("llm: request completed", "provider", p.name, "duration", duration.Round(time.Millisecond),
		"inputTokens", resp.InputTokens, "outputTokens", resp.OutputTokens, "stopReason", resp.StopReason)
	return resp, nil
}

// convertMessages maps history onto Anthropic's user/assistant turns.
// Compaction summaries become user turns carrying the summary text.
func convertMessages(messages []types.Message) []anthropic.MessageParam {
	result := make([]anthropic.MessageParam, 0, len(messages))
	for _, msg := range messages {
		content := historyText(msg)
		if content == "" {
			L_trace("skipping empty message", "id", msg.ID, "role", msg.Role)
			continue
		}
		switch msg.Role {
		case types.RoleAssistant:
			result = append(result, anthropic.NewAssistantMessage(anthropic.NewTextBlock(content)))
		default:
			result = append(result, anthropic.NewUserMessage(anthropic.NewTextBlock(content)))
		}
	}
	return result
}
