// Package commands provides unified command handling across all channels.
package commands

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Command represents a slash command
type Command struct {
	Name        string   // e.g., "/status"
	Description string   // e.g., "Show session info"
	Usage       string   // Argument usage, e.g. "[keep_last] [--silent|--verbose]" (optional)
	Aliases     []string // e.g., ["/reset"]
	Handler     CommandHandler
}

// CommandHandler is the function signature for command handlers
type CommandHandler func(ctx context.Context, args *CommandArgs) *CommandResult

// CommandArgs contains the arguments passed to a command handler
type CommandArgs struct {
	SessionKey string          // Session identifier
	Provider   SessionProvider // Access to session/gateway functionality
	Manager    *Manager        // Registry the command was found in
	RawArgs    string          // Everything after the command name
	Usage      string          // Copy of Command.Usage for error messages
}

// Manager is the command registry
type Manager struct {
	mu       sync.RWMutex
	commands map[string]*Command // keyed by name (lowercase)
	provider SessionProvider
}

// NewManager creates a registry with the built-in commands
func NewManager(provider SessionProvider) *Manager {
	m := &Manager{
		commands: make(map[string]*Command),
		provider: provider,
	}
	registerBuiltins(m)
	return m
}

// Register adds a command to the manager
func (m *Manager) Register(cmd *Command) {
	m.mu.Lock()
	defer m.mu.Unlock()

	name := strings.ToLower(cmd.Name)
	m.commands[name] = cmd

	for _, alias := range cmd.Aliases {
		m.commands[strings.ToLower(alias)] = cmd
	}
}

// Get returns a command by name (or alias)
func (m *Manager) Get(name string) *Command {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.commands[strings.ToLower(name)]
}

// List returns all unique commands (no aliases), sorted by name
func (m *Manager) List() []*Command {
	m.mu.RLock()
	defer m.mu.RUnlock()

	// Deduplicate (aliases point to same command)
	seen := make(map[*Command]bool)
	var list []*Command
	for _, cmd := range m.commands {
		if !seen[cmd] {
			seen[cmd] = true
			list = append(list, cmd)
		}
	}

	sort.Slice(list, func(i, j int) bool {
		return list[i].Name < list[j].Name
	})

	return list
}

// Execute runs a command by name
func (m *Manager) Execute(ctx context.Context, cmdStr string, sessionKey string) *CommandResult {
	name, rawArgs := Split(cmdStr)

	cmd := m.Get(name)
	if cmd == nil {
		return &CommandResult{
			Text:     fmt.Sprintf("Unknown command: %s\nType /help for available commands.", name),
			Markdown: fmt.Sprintf("Unknown command: `%s`\nType /help for available commands.", name),
			ExitCode: 1,
		}
	}

	args := &CommandArgs{
		SessionKey: sessionKey,
		Provider:   m.provider,
		Manager:    m,
		RawArgs:    rawArgs,
		Usage:      cmd.Usage,
	}

	return cmd.Handler(ctx, args)
}

// Split separates the lowercased command name from its raw arguments.
// Telegram's "/compact@botname" form is reduced to "/compact".
func Split(cmdStr string) (name, rawArgs string) {
	cmdStr = strings.TrimSpace(cmdStr)
	parts := strings.SplitN(cmdStr, " ", 2)
	name = strings.ToLower(parts[0])
	if at := strings.IndexByte(name, '@'); at > 0 {
		name = name[:at]
	}
	if len(parts) > 1 {
		rawArgs = strings.TrimSpace(parts[1])
	}
	return name, rawArgs
}

// IsCommand checks if text is a command
func IsCommand(text string) bool {
	return strings.HasPrefix(strings.TrimSpace(text), "/")
}
