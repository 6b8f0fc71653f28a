package gateway

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/roelfdiedericks/clawgate/internal/commands"
	"github.com/roelfdiedericks/clawgate/internal/compaction"
	"github.com/roelfdiedericks/clawgate/internal/config"
	"github.com/roelfdiedericks/clawgate/internal/llm"
	. "github.com/roelfdiedericks/clawgate/internal/logging"
	"github.com/roelfdiedericks/clawgate/internal/metrics"
	"github.com/roelfdiedericks/clawgate/internal/session"
	"github.com/roelfdiedericks/clawgate/internal/types"
)

// Channel is the interface for messaging channels (Telegram, ...)
type Channel interface {
	Name() string
	Start(ctx context.Context) error
	Stop()
}

// Response is what a channel shows for one inbound message
type Response struct {
	Text     string
	Markdown string
	Command  bool   // produced by a slash command
	Model    string // "alias/model" that answered a chat turn
	Err      error  // command failure, already rendered into Text

	// Compaction is the automatic compaction that ran after the turn, if any
	Compaction *compaction.Result
}

// Gateway is the central service layer: it runs chat turns against the agent
// model chain, routes slash commands and triggers compaction.
type Gateway struct {
	sessions   *session.Manager
	llm        *llm.Registry
	policies   *compaction.PolicyTable
	dispatcher *compaction.Dispatcher
	sweeper    *compaction.Sweeper
	watcher    *config.Watcher
	commands   *commands.Manager
	channels   map[string]Channel
	startTime  time.Time

	mu     sync.RWMutex // guards config (swapped on reload)
	config *config.Config
}

// New opens the configured session store and creates a gateway over it
func New(cfg *config.Config, registry *llm.Registry) (*Gateway, error) {
	store, err := session.NewStore(session.StoreConfig{
		Type:        cfg.Session.Store,
		Path:        cfg.Session.Path,
		WALMode:     cfg.Session.WALMode,
		BusyTimeout: cfg.Session.BusyTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open session store: %w", err)
	}
	L_info("session: storage backend ready", "store", cfg.Session.Store, "path", cfg.Session.Path)

	sessions := session.NewManager(store, SessionDefaults(cfg, registry))
	return NewWithSessions(cfg, sessions, registry), nil
}

// SessionDefaults derives the defaults for new sessions from the agent chain
func SessionDefaults(cfg *config.Config, registry *llm.Registry) session.ManagerConfig {
	mc := session.ManagerConfig{DefaultMaxTokens: cfg.Session.MaxTokens}
	if registry == nil {
		return mc
	}
	if p, err := registry.GetProvider(llm.PurposeAgent); err == nil {
		mc.DefaultModel = p.Model()
		if n := p.ContextTokens(); n > 0 {
			mc.DefaultMaxTokens = n
		}
	}
	return mc
}

// NewWithSessions creates a gateway over an existing session manager
func NewWithSessions(cfg *config.Config, sessions *session.Manager, registry *llm.Registry) *Gateway {
	g := &Gateway{
		sessions:  sessions,
		llm:       registry,
		channels:  make(map[string]Channel),
		startTime: time.Now(),
		config:    cfg,
	}

	var summarizer compaction.Summarizer
	if registry != nil {
		summarizer = llm.NewSummarizer(registry)
	} else {
		summarizer = compaction.SummarizerFunc(func(ctx context.Context, _ []types.Message) (types.Message, error) {
			return types.Message{}, errors.New("no LLM configured")
		})
	}

	engine := compaction.NewEngine(sessions, summarizer, compaction.EngineConfig{
		SummaryTimeout: cfg.Compaction.SummaryTimeout(),
		TokenCounter:   sessions.TokenCounter(),
	})
	g.policies = compaction.NewPolicyTable(cfg.Compaction.Policy(), cfg.Compaction.Models)
	g.dispatcher = compaction.NewDispatcher(engine, sessions, g.policies)
	if cfg.Compaction.SweepEnabled() {
		g.sweeper = compaction.NewSweeper(g.dispatcher, sessions, cfg.Compaction.SweepSchedule)
	}
	g.commands = commands.NewManager(g)

	return g
}

// RegisterChannel adds a channel started and stopped with the gateway
func (g *Gateway) RegisterChannel(ch Channel) {
	g.channels[ch.Name()] = ch
	L_debug("gateway: channel registered", "channel", ch.Name())
}

// Channels returns the registered channels
func (g *Gateway) Channels() map[string]Channel {
	return g.channels
}

// Start begins background work: the compaction sweep, config hot reload when
// configPath is set, and every registered channel.
func (g *Gateway) Start(ctx context.Context, configPath string) error {
	L_info("gateway: starting background tasks")

	if g.sweeper != nil {
		if err := g.sweeper.Start(ctx); err != nil {
			return err
		}
	}

	if configPath != "" {
		w, err := config.NewWatcher(configPath, 0, g.ApplyConfig)
		if err != nil {
			L_warn("gateway: config hot reload unavailable", "error", err)
		} else {
			g.watcher = w
			w.Start()
		}
	}

	for name, ch := range g.channels {
		if err := ch.Start(ctx); err != nil {
			return fmt.Errorf("channel %s: %w", name, err)
		}
		L_info("gateway: channel started", "channel", name)
	}
	return nil
}

// Shutdown gracefully shuts down the gateway
func (g *Gateway) Shutdown() {
	L_info("gateway: shutting down")

	for _, ch := range g.channels {
		ch.Stop()
	}
	if g.watcher != nil {
		g.watcher.Stop()
	}
	if g.sweeper != nil {
		g.sweeper.Stop()
	}
	if g.sessions != nil {
		if err := g.sessions.Close(); err != nil {
			L_warn("gateway: failed to close session store", "error", err)
		}
	}
}

// ApplyConfig takes the hot-reloadable parts of a new config: the compaction
// policy table, verbosity and the log level. Store, LLM and schedule changes
// need a restart.
func (g *Gateway) ApplyConfig(cfg *config.Config) {
	g.mu.Lock()
	old := g.config
	updated := *old
	updated.Logging = cfg.Logging
	updated.Compaction.Enabled = cfg.Compaction.Enabled
	updated.Compaction.KeepLast = cfg.Compaction.KeepLast
	updated.Compaction.TriggerRatio = cfg.Compaction.TriggerRatio
	updated.Compaction.Verbose = cfg.Compaction.Verbose
	updated.Compaction.Models = cfg.Compaction.Models
	g.config = &updated
	g.mu.Unlock()

	g.policies.Update(cfg.Compaction.Policy(), cfg.Compaction.Models)
	SetLevel(ParseLevel(cfg.Logging.Level))

	if cfg.Compaction.SweepSchedule != old.Compaction.SweepSchedule {
		L_warn("gateway: sweep schedule change takes effect after restart", "schedule", cfg.Compaction.SweepSchedule)
	}
	L_info("gateway: compaction policy reloaded",
		"enabled", cfg.Compaction.Enabled,
		"keepLast", cfg.Compaction.KeepLast,
		"triggerRatio", cfg.Compaction.TriggerRatio,
		"models", len(cfg.Compaction.Models))
}

// Config returns the current configuration
func (g *Gateway) Config() *config.Config {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.config
}

// HandleMessage processes one inbound message for the session. Slash commands
// are executed; anything else is a chat turn.
func (g *Gateway) HandleMessage(ctx context.Context, sessionKey, source, text string) (*Response, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, fmt.Errorf("empty message")
	}

	if commands.IsCommand(text) {
		L_debug("gateway: command", "session", sessionKey, "source", source, "command", text)
		res := g.commands.Execute(ctx, text, sessionKey)
		metrics.MetricInc("gateway", "commands")
		return &Response{Text: res.Text, Markdown: res.Markdown, Command: true, Err: res.Error}, nil
	}

	return g.RunTurn(ctx, sessionKey, source, text)
}

// RunTurn appends the user message, asks the agent chain for a reply, appends
// the reply and then gives automatic compaction its chance. A compaction
// failure never fails the turn.
func (g *Gateway) RunTurn(ctx context.Context, sessionKey, source, text string) (*Response, error) {
	if g.llm == nil {
		return nil, fmt.Errorf("no LLM configured")
	}
	start := time.Now()

	sess, err := g.sessions.Append(ctx, sessionKey, types.Message{
		Role:    types.RoleUser,
		Content: text,
		Source:  source,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to record message: %w", err)
	}

	cfg := g.Config()
	resp, ref, err := g.llm.ChatWithFailover(ctx, llm.PurposeAgent, sess.GetMessages(), cfg.LLM.SystemPrompt)
	if err != nil {
		L_error("gateway: agent request failed", "session", sessionKey, "model", ref, "error", err)
		return nil, fmt.Errorf("agent request failed: %w", err)
	}
	g.trackModel(sess, ref)

	if _, err := g.sessions.Append(ctx, sessionKey, types.Message{
		Role:    types.RoleAssistant,
		Content: resp.Text,
		Tokens:  resp.OutputTokens,
		Source:  source,
	}); err != nil {
		return nil, fmt.Errorf("failed to record reply: %w", err)
	}

	metrics.MetricInc("gateway", "turns")
	out := &Response{Text: resp.Text, Markdown: resp.Text, Model: ref}

	usage := sess.UsageRatio()
	if res, fired := g.dispatcher.Auto(ctx, sessionKey, usage, cfg.Compaction.Verbose); fired {
		out.Compaction = &res
	}

	L_elapsed(start, "gateway: turn completed", "session", sessionKey, "model", ref, "usage", fmt.Sprintf("%.2f", usage))
	return out, nil
}

// trackModel records the model that answered, so per-model policy and the
// usage ratio follow failover.
func (g *Gateway) trackModel(sess *session.Session, ref string) {
	p, err := g.llm.Resolve(ref)
	if err != nil {
		return
	}
	if model := p.Model(); model != "" && model != sess.Model() {
		L_debug("gateway: session model changed", "session", sess.Key, "from", sess.Model(), "to", model)
		sess.SetModel(model)
	}
	if n := p.ContextTokens(); n > 0 && n != sess.MaxTokens() {
		sess.SetMaxTokens(n)
	}
}

// Sessions returns the session manager
func (g *Gateway) Sessions() *session.Manager {
	return g.sessions
}

// Dispatcher returns the compaction dispatcher
func (g *Gateway) Dispatcher() *compaction.Dispatcher {
	return g.dispatcher
}

// Commands returns the command registry
func (g *Gateway) Commands() *commands.Manager {
	return g.commands
}

// Uptime returns how long the gateway has been running
func (g *Gateway) Uptime() time.Duration {
	return time.Since(g.startTime)
}

// GetSessionInfoForCommands returns session info in the format expected by the commands package
func (g *Gateway) GetSessionInfoForCommands(ctx context.Context, sessionKey string) (*commands.SessionInfo, error) {
	sess, err := g.sessions.Get(ctx, sessionKey)
	if err != nil {
		return nil, err
	}

	info := &commands.SessionInfo{
		SessionKey:   sessionKey,
		Model:        sess.Model(),
		Messages:     sess.MessageCount(),
		TotalTokens:  sess.TotalTokens(),
		MaxTokens:    sess.MaxTokens(),
		UsagePercent: sess.UsageRatio() * 100,
		Policy:       g.dispatcher.EffectivePolicy(ctx, sessionKey, nil),
	}
	info.Telemetry, info.HasTelemetry = compaction.ReadTelemetry(sess.Metadata())
	return info, nil
}

// ForceCompact runs a manual compaction
func (g *Gateway) ForceCompact(ctx context.Context, sessionKey, rawArgs string) (compaction.Result, compaction.ManualArgs) {
	return g.dispatcher.Manual(ctx, sessionKey, rawArgs)
}

// QueryCompactions runs a jq query over the session's metadata
func (g *Gateway) QueryCompactions(ctx context.Context, sessionKey, query string) ([]any, error) {
	sess, err := g.sessions.Get(ctx, sessionKey)
	if err != nil {
		return nil, err
	}
	return compaction.QueryMetadata(sess.Metadata(), query)
}

// GetHistory returns the last max messages, defaulting to session.historyLimit
func (g *Gateway) GetHistory(ctx context.Context, sessionKey string, max int) ([]types.Message, error) {
	if max <= 0 {
		max = g.Config().Session.HistoryLimit
	}
	return g.sessions.History(ctx, sessionKey, max)
}

// ResetSession clears the session's history
func (g *Gateway) ResetSession(ctx context.Context, sessionKey string) error {
	return g.sessions.Clear(ctx, sessionKey)
}

// GetCompactionMetrics returns one line per compaction metric
func (g *Gateway) GetCompactionMetrics() []string {
	return metrics.GetInstance().FormatTopic("compaction")
}
