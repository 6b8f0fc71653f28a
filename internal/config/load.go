package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/roelfdiedericks/clawgate/internal/logging"
	"github.com/roelfdiedericks/clawgate/internal/paths"
	"gopkg.in/yaml.v3"
)

// Load reads the config at path, or the first config found by paths.ConfigPath
// when path is empty. A missing config is not an error: defaults are returned
// with an empty source path.
func Load(path string) (*Config, string, error) {
	if path == "" {
		found, err := paths.ConfigPath()
		if err != nil {
			return nil, "", err
		}
		if found == "" {
			logging.L_debug("config: no config file found, using defaults")
			cfg := Default()
			return cfg, "", cfg.resolvePaths()
		}
		path = found
	}

	expanded, err := paths.ExpandTilde(path)
	if err != nil {
		return nil, "", err
	}
	data, err := os.ReadFile(expanded)
	if err != nil {
		return nil, "", fmt.Errorf("failed to read config: %w", err)
	}

	cfg, err := Parse(data, formatOf(expanded))
	if err != nil {
		return nil, "", fmt.Errorf("%s: %w", expanded, err)
	}
	if err := cfg.resolvePaths(); err != nil {
		return nil, "", err
	}

	logging.L_info("config: loaded", "path", expanded)
	return cfg, expanded, nil
}

// formatOf returns "json", "yaml" or "toml" from the file extension
func formatOf(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return "yaml"
	case ".toml":
		return "toml"
	default:
		return "json"
	}
}

// Parse decodes data in the given format on top of Default(). YAML and TOML are
// normalized to JSON first so the json tags govern every format.
func Parse(data []byte, format string) (*Config, error) {
	jsonData, err := toJSON(data, format)
	if err != nil {
		return nil, err
	}

	cfg := Default()
	if err := json.Unmarshal(jsonData, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return cfg, nil
}

func toJSON(data []byte, format string) ([]byte, error) {
	var doc map[string]any
	switch format {
	case "json", "":
		return data, nil
	case "yaml":
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("failed to parse yaml: %w", err)
		}
	case "toml":
		if err := toml.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("failed to parse toml: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported config format: %q", format)
	}
	if doc == nil {
		doc = map[string]any{}
	}
	out, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("failed to normalize %s: %w", format, err)
	}
	return out, nil
}

// resolvePaths fills in default store locations and expands ~
func (c *Config) resolvePaths() error {
	if c.Session.Path == "" {
		var err error
		if c.Session.Store == "jsonl" {
			c.Session.Path, err = paths.SessionsDir()
		} else {
			c.Session.Path, err = paths.SessionsDB()
		}
		if err != nil {
			return err
		}
	}
	expanded, err := paths.ExpandTilde(c.Session.Path)
	if err != nil {
		return err
	}
	c.Session.Path = expanded
	return nil
}
