package compaction

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/roelfdiedericks/clawgate/internal/bus"
	. "github.com/roelfdiedericks/clawgate/internal/logging"
	"github.com/roelfdiedericks/clawgate/internal/metrics"
	"github.com/roelfdiedericks/clawgate/internal/session"
	"github.com/roelfdiedericks/clawgate/internal/tokens"
	"github.com/roelfdiedericks/clawgate/internal/types"
)

// Bus topics published by the engine and dispatcher
const (
	EventApplied = "compaction.applied"
	EventFailed  = "compaction.failed"
	EventReport  = "compaction.report"
)

// Sessions resolves a session key to its live handle
type Sessions interface {
	Get(ctx context.Context, key string) (*session.Session, error)
}

// EngineConfig holds engine settings
type EngineConfig struct {
	SummaryTimeout time.Duration         // bound on one summarizer call (0 = only the caller's ctx)
	Now            func() time.Time      // clock for last_at (default: time.Now)
	TokenCounter   func(text string) int // token estimate for the summary (default: tokens.EstimateMessage)
	Metrics        *metrics.MetricsManager
}

// Engine performs compactions. Compactions of one session are serialized through
// the session's rewrite slot; a request arriving while another is in flight waits
// for it and then re-evaluates against the updated history. Different sessions
// never contend.
type Engine struct {
	sessions   Sessions
	summarizer Summarizer
	cfg        EngineConfig
}

// NewEngine creates a compaction engine
func NewEngine(sessions Sessions, summarizer Summarizer, cfg EngineConfig) *Engine {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.TokenCounter == nil {
		cfg.TokenCounter = tokens.EstimateMessage
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.GetInstance()
	}
	return &Engine{
		sessions:   sessions,
		summarizer: summarizer,
		cfg:        cfg,
	}
}

// Compact runs one compaction attempt against the session under policy.
// It never retries; every outcome, including failures, is returned as a Result.
func (e *Engine) Compact(ctx context.Context, key string, policy Policy, trigger Trigger) Result {
	start := time.Now()
	policy = policy.Normalize()

	res := e.compact(ctx, key, policy, trigger)

	e.cfg.Metrics.RecordOutcome("compaction", string(trigger), res.Outcome.String())
	e.cfg.Metrics.RecordDuration("compaction", "compact", time.Since(start))
	switch res.Outcome {
	case OutcomeApplied:
		e.cfg.Metrics.AddCounter("compaction", "messages_compacted", int64(res.Compacted))
		bus.PublishEventWithSource(EventApplied, res, string(trigger))
	case OutcomeFailed:
		bus.PublishEventWithSource(EventFailed, res, string(trigger))
	}
	return res
}

func (e *Engine) compact(ctx context.Context, key string, policy Policy, trigger Trigger) Result {
	sess, err := e.sessions.Get(ctx, key)
	if err != nil {
		if errors.Is(err, session.ErrSessionNotFound) {
			return failedResult(key, trigger, KindSessionNotFound, "load", err)
		}
		return failedResult(key, trigger, KindPersistenceFailure, "load", err)
	}

	release, err := sess.AcquireRewrite(ctx)
	if err != nil {
		L_debug("compaction: gave up waiting for in-flight compaction", "session", key, "error", err)
		return noOpResult(key, trigger, ReasonCancelled)
	}
	defer release()

	messages := sess.GetMessages()
	if len(messages) <= policy.KeepLast {
		L_debug("compaction: history within threshold", "session", key,
			"messages", len(messages), "keepLast", policy.KeepLast)
		return noOpResult(key, trigger, ReasonWithinThreshold)
	}

	split := len(messages) - policy.KeepLast
	if split == 1 && messages[0].IsCompactionSummary() {
		return noOpResult(key, trigger, ReasonNothingNew)
	}
	older := messages[:split]
	kept := len(messages) - split

	L_info("compaction: starting", "session", key, "trigger", trigger,
		"messages", len(messages), "compacting", split, "keeping", kept)

	summary, err := e.summarize(ctx, older)
	if err != nil {
		L_warn("compaction: summarization failed", "session", key, "error", err)
		return failedResult(key, trigger, KindSummarizationFailure, "summarize", err)
	}

	summary.Role = types.RoleSystem
	summary.Source = types.SourceCompaction
	summary.Timestamp = older[len(older)-1].Timestamp
	if summary.ID == "" {
		summary.ID = uuid.New().String()
	}
	summary.Tokens = e.cfg.TokenCounter(summary.Content)

	var snapshot Telemetry
	now := e.cfg.Now()
	err = sess.ReplacePrefix(ctx, split, summary, func(meta map[string]any) {
		current, _ := ReadTelemetry(meta)
		snapshot = current.Record(split, now)
		writeTelemetry(meta, snapshot)
	})
	if errors.Is(err, session.ErrSessionNotFound) {
		L_info("compaction: session deleted while summarizing", "session", key)
		return failedResult(key, trigger, KindSessionNotFound, "persist", err)
	}
	if err != nil {
		L_error("compaction: persist failed, history restored", "session", key, "error", err)
		return failedResult(key, trigger, KindPersistenceFailure, "persist", err)
	}

	L_info("compaction: applied", "session", key, "compacted", split, "kept", kept,
		"total", snapshot.Total, "messagesCompacted", snapshot.MessagesCompacted)
	return appliedResult(key, trigger, split, kept, snapshot)
}

type summaryResult struct {
	msg types.Message
	err error
}

// summarize calls the summarizer bounded by SummaryTimeout and ctx. If ctx ends
// first the call is abandoned and its eventual result discarded.
func (e *Engine) summarize(ctx context.Context, older []types.Message) (types.Message, error) {
	if e.summarizer == nil {
		return types.Message{}, fmt.Errorf("no summarizer configured")
	}

	if e.cfg.SummaryTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.cfg.SummaryTimeout)
		defer cancel()
	}

	done := make(chan summaryResult, 1)
	go func() {
		msg, err := e.summarizer.Summarize(ctx, older)
		done <- summaryResult{msg: msg, err: err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			return types.Message{}, r.err
		}
		if strings.TrimSpace(r.msg.Content) == "" {
			return types.Message{}, fmt.Errorf("summarizer returned empty content")
		}
		return r.msg, nil
	case <-ctx.Done():
		return types.Message{}, ctx.Err()
	}
}
