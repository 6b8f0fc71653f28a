package llm

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	. "github.com/roelfdiedericks/clawgate/internal/logging"
	"github.com/roelfdiedericks/clawgate/internal/types"
)

// Purposes
const (
	PurposeAgent         = "agent"
	PurposeSummarization = "summarization"
)

// NewProvider creates a provider instance from config, dispatching on cfg.Driver.
func NewProvider(name string, cfg LLMProviderConfig) (Provider, error) {
	switch cfg.Driver {
	case "anthropic":
		return NewAnthropicProvider(name, cfg)
	case "openai":
		return NewOpenAIProvider(name, cfg)
	default:
		return nil, fmt.Errorf("unknown provider driver: %q", cfg.Driver)
	}
}

// Registry manages provider instances and purpose-based model selection.
// Purposes reference models as "alias/model"; a bare "alias" uses the provider's configured model.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]Provider
	purposes  map[string]LLMPurposeConfig
}

// NewRegistry builds every configured provider
func NewRegistry(cfg LLMConfig) (*Registry, error) {
	r := &Registry{
		providers: make(map[string]Provider),
		purposes:  make(map[string]LLMPurposeConfig),
	}
	for name, provCfg := range cfg.Providers {
		p, err := NewProvider(name, provCfg)
		if err != nil {
			return nil, fmt.Errorf("provider %s: %w", name, err)
		}
		r.providers[name] = p
		L_debug("llm: provider initialized", "name", name, "driver", provCfg.Driver)
	}
	r.purposes[PurposeAgent] = cfg.Agent
	r.purposes[PurposeSummarization] = cfg.Summarization

	L_info("llm: registry created",
		"providers", len(r.providers),
		"agentModels", len(cfg.Agent.Models),
		"summarizationModels", len(cfg.Summarization.Models))
	return r, nil
}

// Register adds or replaces a provider under alias
func (r *Registry) Register(alias string, p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.providers == nil {
		r.providers = make(map[string]Provider)
	}
	r.providers[alias] = p
}

// SetPurpose replaces the model chain for a purpose
func (r *Registry) SetPurpose(purpose string, cfg LLMPurposeConfig) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.purposes == nil {
		r.purposes = make(map[string]LLMPurposeConfig)
	}
	r.purposes[purpose] = cfg
}

// purpose returns the chain for purpose; summarization falls back to the agent chain.
func (r *Registry) purpose(name string) (LLMPurposeConfig, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cfg, ok := r.purposes[name]
	if (!ok || len(cfg.Models) == 0) && name == PurposeSummarization {
		cfg, ok = r.purposes[PurposeAgent]
	}
	if !ok {
		return LLMPurposeConfig{}, fmt.Errorf("unknown purpose: %s", name)
	}
	if len(cfg.Models) == 0 {
		return LLMPurposeConfig{}, fmt.Errorf("no models configured for purpose: %s", name)
	}
	return cfg, nil
}

// Resolve returns the provider for one model reference, no fallback chain.
func (r *Registry) Resolve(ref string) (Provider, error) {
	alias, model, _ := strings.Cut(ref, "/")

	r.mu.RLock()
	p, ok := r.providers[alias]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown provider: %s", alias)
	}
	if model != "" {
		p = p.WithModel(model)
	}
	if !p.IsAvailable() {
		return nil, ErrUnavailable{Provider: alias, Reason: "no model for " + ref}
	}
	return p, nil
}

// candidates resolves every model in the purpose chain that is available
func (r *Registry) candidates(purpose string) ([]Provider, []string, error) {
	cfg, err := r.purpose(purpose)
	if err != nil {
		return nil, nil, err
	}
	var providers []Provider
	var refs []string
	for _, ref := range cfg.Models {
		p, err := r.Resolve(ref)
		if err != nil {
			L_debug("llm: failed to resolve model", "ref", ref, "error", err)
			continue
		}
		if cfg.MaxTokens > 0 {
			p = p.WithMaxTokens(cfg.MaxTokens)
		}
		providers = append(providers, p)
		refs = append(refs, ref)
	}
	if len(providers) == 0 {
		return nil, nil, fmt.Errorf("no available provider for %s (tried: %v)", purpose, cfg.Models)
	}
	return providers, refs, nil
}

// GetProvider returns the first available provider for a purpose
func (r *Registry) GetProvider(purpose string) (Provider, error) {
	providers, refs, err := r.candidates(purpose)
	if err != nil {
		return nil, err
	}
	L_trace("llm: provider selected", "purpose", purpose, "ref", refs[0])
	return providers[0], nil
}

// ListModelsForPurpose returns the configured chain for purpose
func (r *Registry) ListModelsForPurpose(purpose string) []string {
	cfg, err := r.purpose(purpose)
	if err != nil {
		return nil
	}
	return append([]string(nil), cfg.Models...)
}

// ListProviders returns the configured provider aliases, sorted
func (r *Registry) ListProviders() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// withFailover runs call against each model in the purpose chain until one succeeds
// or an error that failover can't help with is returned. It returns the ref used.
func (r *Registry) withFailover(ctx context.Context, purpose string, call func(Provider) error) (string, error) {
	providers, refs, err := r.candidates(purpose)
	if err != nil {
		return "", err
	}

	var lastErr error
	for i, p := range providers {
		if i > 0 {
			L_info("llm: using fallback", "purpose", purpose, "model", refs[i], "position", i+1)
		}
		lastErr = call(p)
		if lastErr == nil {
			return refs[i], nil
		}
		if ctx.Err() != nil {
			return refs[i], lastErr
		}
		errType := ClassifyError(lastErr.Error())
		if !IsFailoverError(errType) {
			return refs[i], lastErr
		}
		L_warn("llm: model failed, trying next", "purpose", purpose, "model", refs[i], "type", errType)
	}
	return refs[len(refs)-1], lastErr
}

// ChatWithFailover sends the history to the purpose's chain
func (r *Registry) ChatWithFailover(ctx context.Context, purpose string, messages []types.Message, systemPrompt string) (*Response, string, error) {
	var resp *Response
	ref, err := r.withFailover(ctx, purpose, func(p Provider) error {
		var err error
		resp, err = p.Chat(ctx, messages, systemPrompt)
		return err
	})
	return resp, ref, err
}

// SimpleMessageWithFailover sends one user message to the purpose's chain
func (r *Registry) SimpleMessageWithFailover(ctx context.Context, purpose, userMessage, systemPrompt string) (string, string, error) {
	var text string
	ref, err := r.withFailover(ctx, purpose, func(p Provider) error {
		var err error
		text, err = p.SimpleMessage(ctx, userMessage, systemPrompt)
		return err
	})
	return text, ref, err
}

// ContextTokens returns the context window of the purpose's primary model (0 if none)
func (r *Registry) ContextTokens(purpose string) int {
	p, err := r.GetProvider(purpose)
	if err != nil {
		return 0
	}
	return p.ContextTokens()
}
