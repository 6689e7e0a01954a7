// Package config loads and validates the pimsync YAML configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the full application configuration loaded from YAML.
type Config struct {
	// Accounts lists the remote accounts to synchronize.
	Accounts []Account `yaml:"accounts"`

	// PollInterval controls how often a full sync run is scheduled in daemon
	// mode. Minimum 10s, maximum 1h. Defaults to 1m if unset.
	PollInterval time.Duration `yaml:"poll_interval"`

	// StatePath overrides the state database location.
	// Defaults to ~/.local/share/pimsync/state.db.
	StatePath string `yaml:"state_path,omitempty"`

	// Telemetry configures optional OpenTelemetry export via OTLP gRPC.
	// Omit the block entirely to disable telemetry.
	Telemetry *TelemetryConfig `yaml:"telemetry,omitempty"`
}

// Account describes one remote account and its collections.
type Account struct {
	// Name identifies the account in logs, errors, and the state database.
	Name string `yaml:"name"`

	// Enabled gates the whole account. Disabled accounts are excluded from
	// both push and pull.
	Enabled bool `yaml:"enabled"`

	// Type selects the remote store adapter. Currently "vdir".
	Type string `yaml:"type"`

	// Path is the adapter-specific location, e.g. the vdir root directory.
	Path string `yaml:"path"`

	// Collections lists the remote collections under this account.
	Collections []Collection `yaml:"collections"`
}

// Collection is a remote-addressable container of items (an address book,
// a calendar, a notes folder) scoped to its account.
type Collection struct {
	// ID is the remote collection identifier (e.g. directory name or
	// collection href segment).
	ID string `yaml:"id"`

	// Name is the display name used in logs and progress events.
	Name string `yaml:"name"`

	// Enabled gates this collection. Disabled collections are excluded from
	// both push and pull.
	Enabled bool `yaml:"enabled"`
}

// TelemetryConfig holds optional OpenTelemetry settings.
type TelemetryConfig struct {
	// OTLPEndpoint is the gRPC host:port of the OTLP collector (e.g. "localhost:4317").
	OTLPEndpoint string `yaml:"otlp_endpoint"`

	// Insecure disables TLS for the collector connection. Use for local collectors.
	Insecure bool `yaml:"insecure"`

	// ServiceName overrides the OTel service.name attribute. Defaults to "pimsync".
	ServiceName string `yaml:"service_name"`

	// Headers contains key-value pairs sent as gRPC metadata on every OTLP
	// request, e.g. Authorization: "Bearer <token>".
	Headers map[string]string `yaml:"headers,omitempty"`
}

// DefaultPath returns the default config file path: ~/.config/pimsync/config.yaml.
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolving home directory: %w", err)
	}
	return filepath.Join(home, ".config", "pimsync", "config.yaml"), nil
}

// DefaultStatePath returns the default state database path:
// ~/.local/share/pimsync/state.db.
func DefaultStatePath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolving home directory: %w", err)
	}
	return filepath.Join(home, ".local", "share", "pimsync", "state.db"), nil
}

// Load reads and validates the configuration file at the given path.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening config file %q: %w", path, err)
	}
	defer f.Close()

	var cfg Config
	dec := yaml.NewDecoder(f)
	dec.KnownFields(true) // reject unknown keys to catch typos early
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("parsing config file %q: %w", path, err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

// validate checks that all required fields are present and well-formed.
func (c *Config) validate() error {
	if len(c.Accounts) == 0 {
		return fmt.Errorf("accounts must contain at least one entry")
	}

	seen := make(map[string]bool, len(c.Accounts))
	for i, acct := range c.Accounts {
		if acct.Name == "" {
			return fmt.Errorf("accounts[%d] has an empty name", i)
		}
		if seen[acct.Name] {
			return fmt.Errorf("duplicate account name %q", acct.Name)
		}
		seen[acct.Name] = true

		if acct.Type != "vdir" {
			return fmt.Errorf("account %q has unsupported type %q", acct.Name, acct.Type)
		}
		if acct.Path == "" {
			return fmt.Errorf("account %q requires a path", acct.Name)
		}
		if len(acct.Collections) == 0 {
			return fmt.Errorf("account %q must define at least one collection", acct.Name)
		}

		collSeen := make(map[string]bool, len(acct.Collections))
		for j, coll := range acct.Collections {
			if coll.ID == "" {
				return fmt.Errorf("account %q collections[%d] has an empty id", acct.Name, j)
			}
			if collSeen[coll.ID] {
				return fmt.Errorf("account %q has duplicate collection id %q", acct.Name, coll.ID)
			}
			collSeen[coll.ID] = true
		}
	}

	if c.PollInterval == 0 {
		c.PollInterval = time.Minute
	}
	if c.PollInterval < 10*time.Second {
		return fmt.Errorf("poll_interval %v is too short (minimum 10s)", c.PollInterval)
	}
	if c.PollInterval > time.Hour {
		return fmt.Errorf("poll_interval %v is too long (maximum 1h)", c.PollInterval)
	}

	if c.Telemetry != nil {
		if c.Telemetry.OTLPEndpoint == "" {
			return fmt.Errorf("telemetry.otlp_endpoint is required when telemetry is configured")
		}
	}

	return nil
}
