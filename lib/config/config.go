// Copyright 2026 The Conduit Authors
// SPDX-License-Identifier: Apache-2.0

// Package config loads the runtime configuration for Conduit
// components.
//
// Configuration comes from a single YAML file specified by the
// CONDUIT_CONFIG environment variable or an explicit path (the
// --config flag). There are no fallbacks or automatic discovery; the
// file is the single source of truth, which keeps deployments
// deterministic and auditable.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/conduit-foundation/conduit/lib/budget"
)

// Config is the master configuration for a Conduit mount.
type Config struct {
	// AgentID identifies the agent this mount serves. It scopes
	// idempotency journal keys, so it must be stable across
	// restarts.
	AgentID string `yaml:"agent_id"`

	// Mountpoint is where the capability filesystem is mounted.
	Mountpoint string `yaml:"mountpoint"`

	// AllowOther permits other users to access the mount.
	AllowOther bool `yaml:"allow_other"`

	// Budget is the spend policy for the mount's budget tracker.
	Budget budget.Policy `yaml:"budget"`

	// Journal configures the idempotency journal.
	Journal JournalConfig `yaml:"journal"`

	// Policy is the initial submission policy document, inline.
	Policy PolicyConfig `yaml:"policy"`

	// Providers lists remote job-API backends to register.
	Providers []ProviderConfig `yaml:"providers"`

	// Container configures the local container provider.
	Container ContainerConfig `yaml:"container"`
}

// JournalConfig configures the idempotency journal.
type JournalConfig struct {
	// Path is the sqlite database file. Empty selects the in-memory
	// journal, which loses replay protection across restarts.
	Path string `yaml:"path"`

	// PoolSize is the sqlite connection pool size.
	PoolSize int `yaml:"pool_size"`

	// TTLHours bounds how long a submission result replays. Zero
	// uses the service default.
	TTLHours int `yaml:"ttl_hours"`
}

// PolicyConfig is the initial submission policy.
type PolicyConfig struct {
	RequireIdempotency bool    `yaml:"require_idempotency"`
	RequireMaxCost     bool    `yaml:"require_max_cost"`
	DefaultTimeoutMS   int64   `yaml:"default_timeout_ms"`
	DefaultMaxTimeSecs int64   `yaml:"default_max_time_secs"`
	DefaultMaxCostUSD  float64 `yaml:"default_max_cost_usd"`
	MaxCostUSDPerTick  float64 `yaml:"max_cost_usd_per_tick"`
	MaxCostUSDPerDay   float64 `yaml:"max_cost_usd_per_day"`
}

// ProviderConfig describes one remote job-API backend.
type ProviderConfig struct {
	// ID is the provider identity in the namespace.
	ID string `yaml:"id"`

	// BaseURL is the job API endpoint.
	BaseURL string `yaml:"base_url"`

	// APIKeyEnv names the environment variable holding the API key.
	// The key itself never appears in the config file.
	APIKeyEnv string `yaml:"api_key_env"`

	// Description is served from the provider's descriptor.
	Description string `yaml:"description"`

	// Models lists the models the provider serves, with pricing.
	Models []ModelConfig `yaml:"models"`
}

// ModelConfig describes one model a remote provider serves.
type ModelConfig struct {
	Name              string  `yaml:"name"`
	InputUSDPerMTok   float64 `yaml:"input_usd_per_mtok"`
	OutputUSDPerMTok  float64 `yaml:"output_usd_per_mtok"`
	MaxContextTokens  int64   `yaml:"max_context_tokens"`
	SupportsStreaming bool    `yaml:"supports_streaming"`
}

// ContainerConfig configures the local container provider.
type ContainerConfig struct {
	// Enabled registers the container provider at startup.
	Enabled bool `yaml:"enabled"`

	// Binary overrides the container CLI ("docker" or "podman").
	Binary string `yaml:"binary"`

	// Workers bounds concurrent sessions.
	Workers int `yaml:"workers"`

	// QueueDepth bounds accepted-but-not-started sessions.
	QueueDepth int `yaml:"queue_depth"`

	// ExecSlots bounds concurrent out-of-band execs.
	ExecSlots int `yaml:"exec_slots"`

	// USDPerSecond prices session runtime.
	USDPerSecond float64 `yaml:"usd_per_second"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Mountpoint: "/run/conduit/cap",
		Budget: budget.Policy{
			PerTickUSD: 10,
			PerDayUSD:  100,
		},
		Journal: JournalConfig{
			PoolSize: 4,
			TTLHours: 24,
		},
		Container: ContainerConfig{
			Binary:     "docker",
			Workers:    4,
			QueueDepth: 32,
			ExecSlots:  8,
		},
	}
}

// Load loads configuration from the CONDUIT_CONFIG environment
// variable. There are no fallbacks: if the variable is not set, Load
// fails.
func Load() (*Config, error) {
	path := os.Getenv("CONDUIT_CONFIG")
	if path == "" {
		return nil, fmt.Errorf("CONDUIT_CONFIG environment variable not set; " +
			"set it to the path of your conduit.yaml config file, or use --config")
	}
	return LoadFile(path)
}

// LoadFile loads configuration from a specific file path, merging it
// over the defaults.
func LoadFile(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks configuration invariants.
func (c *Config) Validate() error {
	if c.AgentID == "" {
		return fmt.Errorf("agent_id is required")
	}
	if c.Mountpoint == "" {
		return fmt.Errorf("mountpoint is required")
	}
	if c.Budget.PerTickUSD < 0 || c.Budget.PerDayUSD < 0 {
		return fmt.Errorf("budget limits must be non-negative")
	}
	seen := make(map[string]bool)
	for i, p := range c.Providers {
		if p.ID == "" {
			return fmt.Errorf("providers[%d]: id is required", i)
		}
		if seen[p.ID] {
			return fmt.Errorf("providers[%d]: duplicate id %q", i, p.ID)
		}
		seen[p.ID] = true
		if p.BaseURL == "" {
			return fmt.Errorf("provider %s: base_url is required", p.ID)
		}
	}
	if c.Container.Enabled && seen[ContainerProviderID] {
		return fmt.Errorf("provider id %q collides with the container provider", ContainerProviderID)
	}
	return nil
}

// ContainerProviderID is the namespace id the local container
// provider registers under.
const ContainerProviderID = "docker"
