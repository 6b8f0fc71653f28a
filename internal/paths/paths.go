// Package paths provides centralized path resolution for clawgate.
// This package has NO internal imports (only stdlib) to avoid import cycles.
package paths

import (
	"fmt"
	"os"
	"path/filepath"
)

// ConfigFileName is the config file looked up in the working directory and the base dir.
const ConfigFileName = "clawgate.json"

// BaseDir returns the clawgate base directory (~/.clawgate).
func BaseDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, ".clawgate"), nil
}

// DataPath returns a path within the clawgate data directory (~/.clawgate/<subpath>).
func DataPath(subpath string) (string, error) {
	base, err := BaseDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(base, subpath), nil
}

// ConfigPath returns the active config path.
// Priority: ./clawgate.{json,yaml,yml,toml} > ~/.clawgate/clawgate.{json,yaml,yml,toml}
// Returns ("", nil) if no config exists - this is a valid state, not an error.
func ConfigPath() (string, error) {
	names := []string{ConfigFileName, "clawgate.yaml", "clawgate.yml", "clawgate.toml"}

	for _, name := range names {
		if _, err := os.Stat(name); err == nil {
			absPath, err := filepath.Abs(name)
			if err != nil {
				return "", fmt.Errorf("failed to get absolute path: %w", err)
			}
			return absPath, nil
		}
	}

	for _, name := range names {
		globalPath, err := DataPath(name)
		if err != nil {
			return "", err
		}
		if _, err := os.Stat(globalPath); err == nil {
			return globalPath, nil
		}
	}

	return "", nil
}

// DefaultConfigPath returns the default location for new configs (~/.clawgate/clawgate.json).
func DefaultConfigPath() (string, error) {
	return DataPath(ConfigFileName)
}

// SessionsDB returns the default sqlite session database path.
func SessionsDB() (string, error) {
	return DataPath("sessions.db")
}

// SessionsDir returns the default directory for JSONL session files.
func SessionsDir() (string, error) {
	return DataPath("sessions")
}

// EnsureDir creates a directory if it doesn't exist.
// Uses 0750 permissions (owner: rwx, group: rx, other: none).
func EnsureDir(path string) error {
	if err := os.MkdirAll(path, 0750); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", path, err)
	}
	return nil
}

// EnsureParentDir creates the parent directory of a file path if it doesn't exist.
func EnsureParentDir(filePath string) error {
	return EnsureDir(filepath.Dir(filePath))
}

// ExpandTilde expands a path that starts with ~ to the user's home directory.
// Returns the path unchanged if it doesn't start with ~.
func ExpandTilde(path string) (string, error) {
	if len(path) == 0 || path[0] != '~' {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	if len(path) == 1 {
		return home, nil
	}
	return filepath.Join(home, path[1:]), nil
}
