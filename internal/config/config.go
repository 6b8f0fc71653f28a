// Package config provides configuration loading for clawgate.
package config

import (
	"time"

	"github.com/roelfdiedericks/clawgate/internal/compaction"
	"github.com/roelfdiedericks/clawgate/internal/llm"
)

// LLMConfig is the llm section, owned by the llm package
type LLMConfig = llm.LLMConfig

// Config represents the clawgate configuration
type Config struct {
	Logging    LoggingConfig    `json:"logging"`
	Session    SessionConfig    `json:"session"`
	Compaction CompactionConfig `json:"compaction"`
	LLM        LLMConfig        `json:"llm"`
	Telegram   TelegramConfig   `json:"telegram"`
}

type LoggingConfig struct {
	Level string `json:"level"` // trace, debug, info, warn, error
}

// SessionConfig selects and tunes the session store
type SessionConfig struct {
	Store        string `json:"store"`        // "sqlite" (default) or "jsonl"
	Path         string `json:"path"`         // database file or JSONL directory (default under ~/.clawgate)
	WALMode      bool   `json:"walMode"`      // sqlite journal_mode=WAL
	BusyTimeout  int    `json:"busyTimeout"`  // sqlite busy timeout in ms
	HistoryLimit int    `json:"historyLimit"` // default /history length
	MaxTokens    int    `json:"maxTokens"`    // context window when the agent model doesn't report one
}

// CompactionConfig is the process-wide compaction policy plus per-model overrides
type CompactionConfig struct {
	Enabled               bool                            `json:"enabled"`
	KeepLast              int                             `json:"keepLast"`
	TriggerRatio          float64                         `json:"triggerRatio"`
	Verbose               bool                            `json:"verbose"` // publish reports for automatic compactions
	SummaryTimeoutSeconds int                             `json:"summaryTimeoutSeconds"`
	SweepSchedule         string                          `json:"sweepSchedule"` // cron spec; "off" disables the sweeper
	Models                map[string]*compaction.Override `json:"models,omitempty"`
}

// Policy returns the global policy
func (c CompactionConfig) Policy() compaction.Policy {
	return compaction.Policy{
		Enabled:      c.Enabled,
		KeepLast:     c.KeepLast,
		TriggerRatio: c.TriggerRatio,
	}.Normalize()
}

// SummaryTimeout returns the summarizer bound (0 = none)
func (c CompactionConfig) SummaryTimeout() time.Duration {
	return time.Duration(c.SummaryTimeoutSeconds) * time.Second
}

// SweepEnabled reports whether the background sweep should run
func (c CompactionConfig) SweepEnabled() bool {
	return c.SweepSchedule != "off"
}

type TelegramConfig struct {
	Enabled    bool    `json:"enabled"`
	Token      string  `json:"token"`
	AllowedIDs []int64 `json:"allowedIds"` // Telegram user ids; empty allows nobody
}

// Default returns the built-in configuration
func Default() *Config {
	return &Config{
		Logging: LoggingConfig{Level: "info"},
		Session: SessionConfig{
			Store:        "sqlite",
			WALMode:      true,
			BusyTimeout:  5000,
			HistoryLimit: 50,
			MaxTokens:    200000,
		},
		Compaction: CompactionConfig{
			Enabled:               true,
			KeepLast:              compaction.DefaultKeepLast,
			TriggerRatio:          compaction.DefaultTriggerRatio,
			SummaryTimeoutSeconds: 120,
			SweepSchedule:         compaction.DefaultSweepSchedule,
		},
		LLM: LLMConfig{
			Providers: map[string]llm.LLMProviderConfig{},
		},
	}
}
