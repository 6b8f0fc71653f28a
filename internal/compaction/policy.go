// Package compaction decides when and how session history is condensed.
package compaction

import (
	"math"
	"sync"

	"dario.cat/mergo"
	. "github.com/roelfdiedericks/clawgate/internal/logging"
)

// Defaults for the process-wide policy
const (
	DefaultKeepLast     = 50
	DefaultTriggerRatio = 0.8
)

// Policy is the effective compaction policy for one decision
type Policy struct {
	Enabled      bool    // automatic triggering; manual compaction ignores this
	KeepLast     int     // most recent messages kept verbatim (>= 0)
	TriggerRatio float64 // context usage that triggers automatic compaction, in (0,1]
}

// DefaultPolicy returns the built-in process-wide policy
func DefaultPolicy() Policy {
	return Policy{
		Enabled:      true,
		KeepLast:     DefaultKeepLast,
		TriggerRatio: DefaultTriggerRatio,
	}
}

// Override is one policy layer. Nil fields fall through to the layer below.
type Override struct {
	Enabled      *bool    `json:"enabled,omitempty"`
	KeepLast     *int     `json:"keepLast,omitempty"`
	TriggerRatio *float64 `json:"triggerRatio,omitempty"`
}

// IsEmpty reports whether the override sets nothing
func (o *Override) IsEmpty() bool {
	return o == nil || (o.Enabled == nil && o.KeepLast == nil && o.TriggerRatio == nil)
}

// Resolve merges layers over base from left to right; later layers win field by field.
// Nil layers are skipped. The result is normalized.
func Resolve(base Policy, layers ...*Override) Policy {
	enabled, keep, ratio := base.Enabled, base.KeepLast, base.TriggerRatio
	acc := Override{Enabled: &enabled, KeepLast: &keep, TriggerRatio: &ratio}

	for _, layer := range layers {
		if layer.IsEmpty() {
			continue
		}
		// WithoutDereference: a set pointer replaces ours even when it points at a zero value
		// (enabled=false, keepLast=0); a nil pointer leaves ours alone.
		if err := mergo.Merge(&acc, *layer, mergo.WithOverride, mergo.WithoutDereference); err != nil {
			L_warn("compaction: ignoring unmergeable policy layer", "error", err)
		}
	}

	return Policy{
		Enabled:      *acc.Enabled,
		KeepLast:     *acc.KeepLast,
		TriggerRatio: *acc.TriggerRatio,
	}.Normalize()
}

// Normalize clamps out-of-range values instead of rejecting them:
// negative keep_last becomes 0, a ratio above 1 becomes 1, and a zero,
// negative or NaN ratio falls back to DefaultTriggerRatio.
func (p Policy) Normalize() Policy {
	if p.KeepLast < 0 {
		p.KeepLast = 0
	}
	switch {
	case math.IsNaN(p.TriggerRatio) || p.TriggerRatio <= 0:
		p.TriggerRatio = DefaultTriggerRatio
	case p.TriggerRatio > 1:
		p.TriggerRatio = 1
	}
	return p
}

// PolicySource supplies the global policy and per-model overrides
type PolicySource interface {
	Global() Policy
	Lookup(model string) *Override
}

// PolicyTable is a PolicySource that can be swapped at runtime (config reload).
type PolicyTable struct {
	mu     sync.RWMutex
	global Policy
	models map[string]*Override
}

// NewPolicyTable creates a table with the given global policy and per-model overrides
func NewPolicyTable(global Policy, models map[string]*Override) *PolicyTable {
	t := &PolicyTable{}
	t.Update(global, models)
	return t
}

// Global returns the process-wide policy
func (t *PolicyTable) Global() Policy {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.global
}

// Lookup returns the override for model, or nil
func (t *PolicyTable) Lookup(model string) *Override {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.models[model]
}

// Update replaces the whole table
func (t *PolicyTable) Update(global Policy, models map[string]*Override) {
	copied := make(map[string]*Override, len(models))
	for name, o := range models {
		if o != nil {
			c := *o
			copied[name] = &c
		}
	}

	t.mu.Lock()
	t.global = global.Normalize()
	t.models = copied
	t.mu.Unlock()
}

// Bool, Int and Float build override fields inline.
func Bool(v bool) *bool        { return &v }
func Int(v int) *int           { return &v }
func Float(v float64) *float64 { return &v }
