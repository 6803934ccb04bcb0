// Package config resolves pwncat's YAML config file (spec.md §6
// "--config") and provides Resolve, the first-non-empty precedence
// helper behind the flag > env > file order the teacher's connect.go
// uses for device_id/project. cmd/pwncat applies it to the target
// platform and the SSH identity file (flag first, then the file; no
// environment variable is consulted), reads plugin_path from the file
// alone, and does not start the file's listeners.
package config

import (
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config is the on-disk shape of pwncat's YAML config file (SPEC_FULL.md
// §3 "Config").
type Config struct {
	IdentityPath string `yaml:"identity_path"`
	PluginPath   string `yaml:"plugin_path"`

	RelayDefaults struct {
		Platform string `yaml:"platform"`
		SSL      bool   `yaml:"ssl"`
	} `yaml:"relay_defaults"`

	Listeners []ListenerConfig `yaml:"listeners"`
}

// ListenerConfig is one entry of the config file's "listeners" list,
// declaring a background listener's protocol, bind address, platform
// hint, count limit and duplicate dropping. cmd/pwncat parses the list
// but does not start these listeners.
type ListenerConfig struct {
	Protocol      string `yaml:"protocol"`
	BindHost      string `yaml:"bind_host"`
	BindPort      int    `yaml:"bind_port"`
	PlatformHint  string `yaml:"platform_hint"`
	CountLimit    int    `yaml:"count_limit"`
	DropDuplicate bool   `yaml:"drop_duplicate"`
}

// DefaultPath returns $XDG_CONFIG_HOME/pwncat/config.yml, falling back
// to ~/.config/pwncat/config.yml — the same resolution order the
// teacher's config.go applies to ~/.greenlight/config, just XDG-aware.
func DefaultPath() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "pwncat", "config.yml")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".pwncat", "config.yml")
	}
	return filepath.Join(home, ".config", "pwncat", "config.yml")
}

// Load reads and parses path. A missing file is not an error — it
// yields a zero-value Config, whose empty fields fall through to the
// built-in defaults.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return Config{}, nil
	}
	if err != nil {
		return Config{}, err
	}
	var c Config
	if err := yaml.Unmarshal(data, &c); err != nil {
		return Config{}, err
	}
	return c, nil
}

// Resolve implements the flag > env > file precedence the teacher's
// connect.go uses for device_id/project: the first non-empty value
// wins. Pass candidates in priority order, highest first.
func Resolve(candidates ...string) string {
	for _, c := range candidates {
		if c != "" {
			return c
		}
	}
	return ""
}
