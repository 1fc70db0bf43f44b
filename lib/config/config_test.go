// Copyright 2026 The Conduit Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefault(t *testing.T) {
	cfg := Default()
	if cfg.Mountpoint != "/run/conduit/cap" {
		t.Errorf("mountpoint = %q", cfg.Mountpoint)
	}
	if cfg.Budget.PerTickUSD != 10 || cfg.Budget.PerDayUSD != 100 {
		t.Errorf("budget defaults = %+v", cfg.Budget)
	}
	if cfg.Container.Binary != "docker" || cfg.Container.Workers != 4 {
		t.Errorf("container defaults = %+v", cfg.Container)
	}
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "conduit.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("writing config: %v", err)
	}
	return path
}

func TestLoadFile(t *testing.T) {
	path := writeConfig(t, `
agent_id: agent-7
mountpoint: /tmp/cap
budget:
  per_tick_usd: 2.5
  per_day_usd: 40
journal:
  path: /var/lib/conduit/journal.db
  ttl_hours: 48
policy:
  require_idempotency: true
  default_max_cost_usd: 1
providers:
  - id: upstream
    base_url: https://jobs.example.com/v1
    api_key_env: UPSTREAM_API_KEY
    models:
      - name: m-large
        input_usd_per_mtok: 3
        supports_streaming: true
container:
  enabled: true
  workers: 2
`)
	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if cfg.AgentID != "agent-7" {
		t.Errorf("agent_id = %q", cfg.AgentID)
	}
	if cfg.Budget.PerTickUSD != 2.5 || cfg.Budget.PerDayUSD != 40 {
		t.Errorf("budget = %+v", cfg.Budget)
	}
	if cfg.Journal.TTLHours != 48 || cfg.Journal.Path == "" {
		t.Errorf("journal = %+v", cfg.Journal)
	}
	if !cfg.Policy.RequireIdempotency {
		t.Error("policy.require_idempotency not loaded")
	}
	if len(cfg.Providers) != 1 || cfg.Providers[0].ID != "upstream" {
		t.Fatalf("providers = %+v", cfg.Providers)
	}
	if len(cfg.Providers[0].Models) != 1 || cfg.Providers[0].Models[0].Name != "m-large" {
		t.Errorf("models = %+v", cfg.Providers[0].Models)
	}
	// Unset fields keep defaults.
	if cfg.Container.Binary != "docker" {
		t.Errorf("container binary = %q, want default", cfg.Container.Binary)
	}
	if cfg.Container.Workers != 2 {
		t.Errorf("container workers = %d, want override", cfg.Container.Workers)
	}
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		cfg := Default()
		cfg.AgentID = "agent-1"
		return cfg
	}

	if err := base().Validate(); err != nil {
		t.Errorf("valid config rejected: %v", err)
	}

	missing := base()
	missing.AgentID = ""
	if err := missing.Validate(); err == nil {
		t.Error("missing agent_id accepted")
	}

	dupes := base()
	dupes.Providers = []ProviderConfig{
		{ID: "a", BaseURL: "https://x"},
		{ID: "a", BaseURL: "https://y"},
	}
	if err := dupes.Validate(); err == nil {
		t.Error("duplicate provider ids accepted")
	}

	collision := base()
	collision.Container.Enabled = true
	collision.Providers = []ProviderConfig{{ID: ContainerProviderID, BaseURL: "https://x"}}
	if err := collision.Validate(); err == nil {
		t.Error("container provider id collision accepted")
	}

	noURL := base()
	noURL.Providers = []ProviderConfig{{ID: "a"}}
	if err := noURL.Validate(); err == nil {
		t.Error("provider without base_url accepted")
	}
}

func TestLoadRequiresEnv(t *testing.T) {
	t.Setenv("CONDUIT_CONFIG", "")
	if _, err := Load(); err == nil {
		t.Error("Load succeeded without CONDUIT_CONFIG")
	}

	path := writeConfig(t, "agent_id: agent-1\nmountpoint: /tmp/cap\n")
	t.Setenv("CONDUIT_CONFIG", path)
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.AgentID != "agent-1" {
		t.Errorf("agent_id = %q", cfg.AgentID)
	}
}
