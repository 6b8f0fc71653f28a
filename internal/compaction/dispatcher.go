package compaction

import (
	"context"
	"strconv"
	"strings"

	"github.com/roelfdiedericks/clawgate/internal/bus"
	. "github.com/roelfdiedericks/clawgate/internal/logging"
)

// ManualArgs are the parsed arguments of a manual compaction command
type ManualArgs struct {
	KeepLast *int // explicit keep_last, nil when absent or malformed
	Silent   bool
	Verbose  bool
}

// ParseManualArgs reads "[keep_last] [--silent|--verbose]" in any order.
// Anything it doesn't understand is ignored; a malformed number counts as absent.
func ParseManualArgs(raw string) ManualArgs {
	var args ManualArgs
	for i, field := range strings.Fields(raw) {
		switch strings.ToLower(field) {
		case "--silent", "-s":
			args.Silent, args.Verbose = true, false
			continue
		case "--verbose", "-v":
			args.Verbose, args.Silent = true, false
			continue
		}
		if i == 0 && args.KeepLast == nil {
			if n, err := strconv.Atoi(field); err == nil {
				args.KeepLast = &n
			}
		}
	}
	return args
}

// override returns the manual policy layer
func (a ManualArgs) override() *Override {
	if a.KeepLast == nil {
		return nil
	}
	return &Override{KeepLast: a.KeepLast}
}

// Report is what the dispatcher publishes for verbose automatic runs
type Report struct {
	SessionKey string
	Result     Result
	Rendered   Rendered
}

// Dispatcher is the entry point for manual and automatic compaction.
// It holds no per-call state; concurrent callers are serialized by the engine.
type Dispatcher struct {
	engine   *Engine
	sessions Sessions
	policies PolicySource
}

// NewDispatcher creates a dispatcher
func NewDispatcher(engine *Engine, sessions Sessions, policies PolicySource) *Dispatcher {
	return &Dispatcher{engine: engine, sessions: sessions, policies: policies}
}

// Policies returns the dispatcher's policy source
func (d *Dispatcher) Policies() PolicySource {
	return d.policies
}

// EffectivePolicy resolves global > per-model > manual for the session.
// An unknown session resolves without a model layer; the engine reports the missing session.
func (d *Dispatcher) EffectivePolicy(ctx context.Context, key string, manual *Override) Policy {
	var model *Override
	if sess, err := d.sessions.Get(ctx, key); err == nil {
		model = d.policies.Lookup(sess.Model())
	}
	return Resolve(d.policies.Global(), model, manual)
}

// Manual runs one compaction for an explicit user command. It ignores the
// enabled flag and the trigger ratio. The caller always reports the result.
func (d *Dispatcher) Manual(ctx context.Context, key, rawArgs string) (Result, ManualArgs) {
	args := ParseManualArgs(rawArgs)
	policy := d.EffectivePolicy(ctx, key, args.override())

	if args.Verbose {
		L_info("compaction: manual request", "session", key, "keepLast", policy.KeepLast, "args", rawArgs)
	} else {
		L_debug("compaction: manual request", "session", key, "keepLast", policy.KeepLast)
	}

	res := d.engine.Compact(ctx, key, policy, TriggerManual)

	switch {
	case res.Failed() && args.Verbose:
		L_warn("compaction: manual compaction failed", "session", key, "kind", res.Kind, "error", res.Err)
	case res.Failed() && !args.Silent:
		L_warn("compaction: manual compaction failed", "session", key, "kind", res.Kind)
	case args.Verbose:
		L_info("compaction: manual result", "session", key, "outcome", res.Outcome, "compacted", res.Compacted,
			"kept", res.Kept, "reason", res.Reason)
	}
	return res, args
}

// Auto runs after a completed turn. It compacts only when the policy is enabled
// and usage has reached the trigger ratio; fired reports whether the engine ran.
// Results are logged; with verbose a report is also published on EventReport.
func (d *Dispatcher) Auto(ctx context.Context, key string, usage float64, verbose bool) (res Result, fired bool) {
	return d.auto(ctx, key, usage, verbose, TriggerAuto)
}

func (d *Dispatcher) auto(ctx context.Context, key string, usage float64, verbose bool, trigger Trigger) (Result, bool) {
	policy := d.EffectivePolicy(ctx, key, nil)
	if !policy.Enabled {
		L_trace("compaction: automatic compaction disabled", "session", key)
		return Result{}, false
	}
	if usage < policy.TriggerRatio {
		return Result{}, false
	}

	L_debug("compaction: trigger ratio reached", "session", key, "usage", usage, "triggerRatio", policy.TriggerRatio)
	res := d.engine.Compact(ctx, key, policy, trigger)

	switch res.Outcome {
	case OutcomeApplied:
		L_info("compaction: automatic compaction applied", "session", key, "compacted", res.Compacted, "kept", res.Kept)
	case OutcomeNoOp:
		L_debug("compaction: automatic compaction skipped", "session", key, "reason", res.Reason)
	case OutcomeFailed:
		L_warn("compaction: automatic compaction failed", "session", key, "kind", res.Kind, "error", res.Err)
	}

	if verbose {
		bus.PublishEventWithSource(EventReport, Report{SessionKey: key, Result: res, Rendered: Render(res)}, string(trigger))
	}
	return res, true
}
