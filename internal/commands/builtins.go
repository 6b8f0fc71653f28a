package commands

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/roelfdiedericks/clawgate/internal/compaction"
	"github.com/roelfdiedericks/clawgate/internal/types"
)

// registerBuiltins registers all built-in commands
func registerBuiltins(m *Manager) {
	m.Register(&Command{
		Name:        "/status",
		Description: "Show session info and compaction telemetry",
		Handler:     handleStatus,
	})

	m.Register(&Command{
		Name:        "/compact",
		Description: "Summarize older history",
		Usage:       "[keep_last] [--silent|--verbose]",
		Handler:     handleCompact,
	})

	m.Register(&Command{
		Name:        "/compactions",
		Description: "Query compaction telemetry with jq",
		Usage:       "[jq expression]",
		Handler:     handleCompactions,
	})

	m.Register(&Command{
		Name:        "/history",
		Description: "Show recent messages",
		Usage:       "[count]",
		Handler:     handleHistory,
	})

	m.Register(&Command{
		Name:        "/clear",
		Description: "Clear conversation history",
		Aliases:     []string{"/reset"},
		Handler:     handleClear,
	})

	m.Register(&Command{
		Name:        "/help",
		Description: "Show this help",
		Handler:     handleHelp,
	})
}

// handleStatus returns session status and compaction telemetry
func handleStatus(ctx context.Context, args *CommandArgs) *CommandResult {
	info, err := args.Provider.GetSessionInfoForCommands(ctx, args.SessionKey)
	if err != nil {
		return errorResult("Error getting session info", err)
	}

	model := info.Model
	if model == "" {
		model = "default"
	}
	auto := "off"
	if info.Policy.Enabled {
		auto = fmt.Sprintf("at %.0f%% usage", info.Policy.TriggerRatio*100)
	}

	var text strings.Builder
	text.WriteString("Session Status\n")
	text.WriteString(fmt.Sprintf("  Model: %s\n", model))
	text.WriteString(fmt.Sprintf("  Messages: %d\n", info.Messages))
	text.WriteString(fmt.Sprintf("  Tokens: %d / %d (%.1f%%)\n", info.TotalTokens, info.MaxTokens, info.UsagePercent))

	var md strings.Builder
	md.WriteString("*Session Status*\n")
	md.WriteString(fmt.Sprintf("Model: `%s`\n", model))
	md.WriteString(fmt.Sprintf("Messages: %d\n", info.Messages))
	md.WriteString(fmt.Sprintf("Tokens: %d / %d (%.1f%%)\n", info.TotalTokens, info.MaxTokens, info.UsagePercent))

	text.WriteString("\nCompaction\n")
	text.WriteString(fmt.Sprintf("  Automatic: %s, keeping %d\n", auto, info.Policy.KeepLast))
	md.WriteString("\n*Compaction*\n")
	md.WriteString(fmt.Sprintf("Automatic: %s, keeping %d\n", auto, info.Policy.KeepLast))

	if info.HasTelemetry {
		t := info.Telemetry
		text.WriteString(fmt.Sprintf("  Compactions: %d (%d messages)\n", t.Total, t.MessagesCompacted))
		md.WriteString(fmt.Sprintf("Compactions: %d (%d messages)\n", t.Total, t.MessagesCompacted))
		if ts, ok := t.LastAtTime(); ok {
			text.WriteString(fmt.Sprintf("  Last: %s UTC\n", ts.Format("2006-01-02 15:04")))
			md.WriteString(fmt.Sprintf("Last: %s UTC\n", ts.Format("2006-01-02 15:04")))
		}
	} else {
		text.WriteString("  Compactions: none\n")
		md.WriteString("Compactions: _none_\n")
	}

	if lines := args.Provider.GetCompactionMetrics(); len(lines) > 0 {
		text.WriteString("\nMetrics\n")
		md.WriteString("\n*Metrics*\n```\n")
		for _, line := range lines {
			text.WriteString("  " + line + "\n")
			md.WriteString(line + "\n")
		}
		md.WriteString("```\n")
	}

	return &CommandResult{
		Text:     text.String(),
		Markdown: md.String(),
	}
}

// handleCompact runs a manual compaction. The outcome is always reported;
// --silent and --verbose only change what gets logged.
func handleCompact(ctx context.Context, args *CommandArgs) *CommandResult {
	res, _ := args.Provider.ForceCompact(ctx, args.SessionKey, args.RawArgs)
	rendered := compaction.Render(res)

	result := &CommandResult{
		Text:     rendered.Text,
		Markdown: rendered.Markdown,
	}
	if res.Failed() {
		result.Error = res.Err
		result.ExitCode = 1
	}
	return result
}

// handleCompactions runs a jq query over the session's metadata
func handleCompactions(ctx context.Context, args *CommandArgs) *CommandResult {
	results, err := args.Provider.QueryCompactions(ctx, args.SessionKey, args.RawArgs)
	if err != nil {
		return errorResult("Query failed", err)
	}

	out, err := compaction.FormatQueryResults(results, false)
	if err != nil {
		return errorResult("Query failed", err)
	}
	if out == "" || out == "null" {
		return &CommandResult{
			Text:     "No compactions recorded.",
			Markdown: "_No compactions recorded._",
		}
	}

	return &CommandResult{
		Text:     out,
		Markdown: "```json\n" + out + "\n```",
	}
}

// handleHistory shows the last n messages
func handleHistory(ctx context.Context, args *CommandArgs) *CommandResult {
	max := 0
	if f := strings.Fields(args.RawArgs); len(f) > 0 {
		n, err := strconv.Atoi(f[0])
		if err != nil || n <= 0 {
			return &CommandResult{
				Text:     "Usage: /history " + args.Usage,
				Markdown: "Usage: `/history " + args.Usage + "`",
				ExitCode: 1,
			}
		}
		max = n
	}

	msgs, err := args.Provider.GetHistory(ctx, args.SessionKey, max)
	if err != nil {
		return errorResult("Failed to load history", err)
	}
	if len(msgs) == 0 {
		return &CommandResult{
			Text:     "No messages yet.",
			Markdown: "_No messages yet._",
		}
	}

	var text strings.Builder
	var md strings.Builder
	for i, msg := range msgs {
		if i > 0 {
			text.WriteString("\n")
			md.WriteString("\n")
		}
		content := truncate(msg.Content, 300)
		text.WriteString(fmt.Sprintf("[%s] %s", msg.Role, content))
		md.WriteString(fmt.Sprintf("*%s:* %s", roleLabel(msg.Role), content))
	}

	return &CommandResult{
		Text:     text.String(),
		Markdown: md.String(),
	}
}

func roleLabel(role string) string {
	switch role {
	case types.RoleUser:
		return "You"
	case types.RoleAssistant:
		return "Assistant"
	default:
		return "Summary"
	}
}

// handleClear resets the session
func handleClear(ctx context.Context, args *CommandArgs) *CommandResult {
	if err := args.Provider.ResetSession(ctx, args.SessionKey); err != nil {
		return errorResult("Failed to clear session", err)
	}

	return &CommandResult{
		Text:     "Session cleared.",
		Markdown: "Session cleared.",
	}
}

// handleHelp returns available commands (generated from registry)
func handleHelp(ctx context.Context, args *CommandArgs) *CommandResult {
	cmds := args.Manager.List()

	var text strings.Builder
	var md strings.Builder

	text.WriteString("Available commands:\n")
	md.WriteString("*Available commands:*\n")

	for _, cmd := range cmds {
		name := cmd.Name
		if cmd.Usage != "" {
			name += " " + cmd.Usage
		}
		text.WriteString(fmt.Sprintf("  %s - %s\n", name, cmd.Description))
		md.WriteString(fmt.Sprintf("`%s` - %s\n", name, cmd.Description))
	}

	return &CommandResult{
		Text:     text.String(),
		Markdown: md.String(),
	}
}

// truncate truncates a string to maxLen runes
func truncate(s string, maxLen int) string {
	r := []rune(s)
	if len(r) <= maxLen {
		return s
	}
	return string(r[:maxLen-3]) + "..."
}
