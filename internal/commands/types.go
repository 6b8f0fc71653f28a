package commands

import (
	"context"

	"github.com/roelfdiedericks/clawgate/internal/compaction"
	"github.com/roelfdiedericks/clawgate/internal/types"
)

// SessionProvider provides session information for commands
type SessionProvider interface {
	GetSessionInfoForCommands(ctx context.Context, sessionKey string) (*SessionInfo, error)
	ForceCompact(ctx context.Context, sessionKey, rawArgs string) (compaction.Result, compaction.ManualArgs)
	QueryCompactions(ctx context.Context, sessionKey, query string) ([]any, error)
	GetHistory(ctx context.Context, sessionKey string, max int) ([]types.Message, error)
	ResetSession(ctx context.Context, sessionKey string) error
	GetCompactionMetrics() []string
}

// SessionInfo contains session status
type SessionInfo struct {
	SessionKey   string
	Model        string
	Messages     int
	TotalTokens  int
	MaxTokens    int
	UsagePercent float64

	// Policy is the effective automatic policy for the session's model
	Policy       compaction.Policy
	Telemetry    compaction.Telemetry
	HasTelemetry bool
}

// CommandResult contains the result of a command execution
type CommandResult struct {
	Text     string // Plain text output
	Markdown string // Markdown formatted output
	Error    error  // Error if command failed
	ExitCode int    // For CLI usage (0 = success)
}

func errorResult(prefix string, err error) *CommandResult {
	return &CommandResult{
		Text:     prefix + ": " + err.Error(),
		Markdown: prefix + ": `" + err.Error() + "`",
		Error:    err,
		ExitCode: 1,
	}
}
