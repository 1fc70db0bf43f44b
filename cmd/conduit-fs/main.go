// Copyright 2026 The Conduit Authors
// SPDX-License-Identifier: Apache-2.0

// conduit-fs mounts a capability filesystem: a FUSE namespace through
// which agents submit AI-compute and sandboxed-execution jobs by
// reading and writing files. The mount enforces a spend budget,
// replays idempotent submissions from a journal, and routes requests
// to the providers named in its configuration.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/conduit-foundation/conduit/capability"
	"github.com/conduit-foundation/conduit/capfs"
	"github.com/conduit-foundation/conduit/container"
	"github.com/conduit-foundation/conduit/lib/budget"
	"github.com/conduit-foundation/conduit/lib/clock"
	"github.com/conduit-foundation/conduit/lib/config"
	"github.com/conduit-foundation/conduit/lib/journal"
	"github.com/conduit-foundation/conduit/lib/process"
	"github.com/conduit-foundation/conduit/provider"
	"github.com/conduit-foundation/conduit/provider/remote"
)

// remoteModels converts config model entries to the provider form.
func remoteModels(models []config.ModelConfig) []provider.Model {
	converted := make([]provider.Model, len(models))
	for i, m := range models {
		converted[i] = provider.Model{
			Name:              m.Name,
			InputUSDPerMTok:   m.InputUSDPerMTok,
			OutputUSDPerMTok:  m.OutputUSDPerMTok,
			MaxContextTokens:  m.MaxContextTokens,
			SupportsStreaming: m.SupportsStreaming,
		}
	}
	return converted
}

func main() {
	if err := run(); err != nil {
		process.Fatal(err)
	}
}

func run() error {
	var (
		configPath string
		mountpoint string
		logLevel   string
	)
	flagSet := pflag.NewFlagSet("conduit-fs", pflag.ContinueOnError)
	flagSet.StringVar(&configPath, "config", "", "path to conduit.yaml (overrides CONDUIT_CONFIG)")
	flagSet.StringVar(&mountpoint, "mountpoint", "", "mount directory (overrides config)")
	flagSet.StringVar(&logLevel, "log-level", "info", "log level: debug, info, warn, error")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if err == pflag.ErrHelp {
			return nil
		}
		return err
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(logLevel)); err != nil {
		return fmt.Errorf("invalid --log-level %q: %w", logLevel, err)
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	var cfg *config.Config
	var err error
	if configPath != "" {
		cfg, err = config.LoadFile(configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return err
	}
	if mountpoint != "" {
		cfg.Mountpoint = mountpoint
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	clk := clock.Real()
	tracker := budget.New(cfg.Budget, clk)

	var journalStore journal.Journal
	if cfg.Journal.Path != "" {
		store, err := journal.OpenStore(journal.StoreConfig{
			Path:     cfg.Journal.Path,
			PoolSize: cfg.Journal.PoolSize,
			Clock:    clk,
			Logger:   logger,
		})
		if err != nil {
			return fmt.Errorf("opening journal: %w", err)
		}
		defer store.Close()
		journalStore = store
	}

	service, err := capability.NewService(capability.Options{
		AgentID: cfg.AgentID,
		Budget:  tracker,
		Journal: journalStore,
		Policy: capability.Policy{
			RequireIdempotency: cfg.Policy.RequireIdempotency,
			RequireMaxCost:     cfg.Policy.RequireMaxCost,
			DefaultTimeoutMS:   cfg.Policy.DefaultTimeoutMS,
			DefaultMaxTimeSecs: cfg.Policy.DefaultMaxTimeSecs,
			DefaultMaxCostUSD:  cfg.Policy.DefaultMaxCostUSD,
			MaxCostUSDPerTick:  cfg.Policy.MaxCostUSDPerTick,
			MaxCostUSDPerDay:   cfg.Policy.MaxCostUSDPerDay,
		},
		JournalTTL:   time.Duration(cfg.Journal.TTLHours) * time.Hour,
		ReapInterval: 10 * time.Minute,
		Clock:        clk,
		Logger:       logger,
	})
	if err != nil {
		return err
	}
	defer service.Close()

	for _, providerConfig := range cfg.Providers {
		apiKey := ""
		if providerConfig.APIKeyEnv != "" {
			apiKey = os.Getenv(providerConfig.APIKeyEnv)
			if apiKey == "" {
				return fmt.Errorf("provider %s: %s is not set", providerConfig.ID, providerConfig.APIKeyEnv)
			}
		}
		client, err := remote.New(remote.Options{
			ID:          providerConfig.ID,
			BaseURL:     providerConfig.BaseURL,
			APIKey:      apiKey,
			Description: providerConfig.Description,
			Models:      remoteModels(providerConfig.Models),
		})
		if err != nil {
			return fmt.Errorf("provider %s: %w", providerConfig.ID, err)
		}
		if err := service.RegisterProvider(client); err != nil {
			return err
		}
	}

	if cfg.Container.Enabled {
		engine, err := container.NewEngine(container.Options{
			ID:           config.ContainerProviderID,
			Description:  "local container sessions",
			Driver:       container.NewDocker(container.DockerOptions{Binary: cfg.Container.Binary, Logger: logger}),
			Workers:      cfg.Container.Workers,
			QueueDepth:   cfg.Container.QueueDepth,
			ExecSlots:    cfg.Container.ExecSlots,
			USDPerSecond: cfg.Container.USDPerSecond,
			Clock:        clk,
			Logger:       logger,
		})
		if err != nil {
			return err
		}
		defer engine.Close()
		if err := service.RegisterProvider(engine); err != nil {
			return err
		}
	}

	server, err := capfs.Mount(capfs.Options{
		Mountpoint: cfg.Mountpoint,
		Service:    service,
		AllowOther: cfg.AllowOther,
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	logger.Info("conduit-fs running",
		"agent_id", cfg.AgentID,
		"mountpoint", cfg.Mountpoint,
		"providers", len(cfg.Providers),
		"container", cfg.Container.Enabled,
	)

	<-ctx.Done()
	logger.Info("shutting down")
	if err := server.Unmount(); err != nil {
		logger.Warn("unmount failed", "error", err)
	}
	server.Wait()
	return nil
}
