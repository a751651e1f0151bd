// Copyright 2026 The devflow Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package main provides the entry point for the devflow router daemon. The
// daemon routes task requests across a pool of interchangeable providers with
// health tracking, rate admission, staged fallback modes, context handoff,
// and consensus verification of critical tasks.
package main

import (
	"context"
	"flag"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"

	"github.com/fulvian/devflow-sub003/internal/admission"
	"github.com/fulvian/devflow-sub003/internal/api"
	"github.com/fulvian/devflow-sub003/internal/audit"
	"github.com/fulvian/devflow-sub003/internal/config"
	"github.com/fulvian/devflow-sub003/internal/consensus"
	"github.com/fulvian/devflow-sub003/internal/handoff"
	"github.com/fulvian/devflow-sub003/internal/health"
	"github.com/fulvian/devflow-sub003/internal/logging"
	"github.com/fulvian/devflow-sub003/internal/mode"
	"github.com/fulvian/devflow-sub003/internal/orchestrator"
	"github.com/fulvian/devflow-sub003/internal/provider"
	"github.com/fulvian/devflow-sub003/internal/router"
	"github.com/fulvian/devflow-sub003/internal/task"
	"github.com/fulvian/devflow-sub003/internal/watcher"
)

var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

func init() {
	logging.SetupBaseLogger()
}

func main() {
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("devflow-router %s (%s, built %s)\n", Version, Commit, BuildDate)
		return
	}

	// Optional; the daemon runs fine without an .env file.
	_ = godotenv.Load()

	if err := run(*configPath); err != nil {
		log.WithField("error", err).Fatal("server exited")
	}
}

func run(configPath string) error {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return err
	}

	logging.SetDebugLevel(cfg.Debug)
	if err := logging.ConfigureLogOutput(cfg.LoggingToFile, cfg.LogDir); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	registry, err := buildRegistry(cfg)
	if err != nil {
		return err
	}

	ids := make([]string, 0, len(cfg.Providers))
	budgets := make(map[string]admission.BudgetConfig, len(cfg.Providers))
	for _, p := range cfg.Providers {
		ids = append(ids, p.ID)
		budgets[p.ID] = admission.BudgetConfig{
			Capacity: float64(p.Budget.Capacity),
			Window:   time.Duration(p.Budget.WindowSeconds) * time.Second,
		}
	}

	monitor := health.NewMonitor(health.Config{
		DegradedAfter:    cfg.Health.DegradedAfter,
		UnavailableAfter: cfg.Health.UnavailableAfter,
		FailureWindow:    time.Duration(cfg.Health.FailureWindowSeconds) * time.Second,
	}, ids...)

	adm, err := admission.NewController(budgets)
	if err != nil {
		return err
	}

	store, err := audit.Open(cfg.Audit.DBPath)
	if err != nil {
		return err
	}
	defer store.Close()

	hoff := handoff.NewManager(handoff.Config{
		InjectionBudgetTokens:  cfg.Handoff.InjectionBudgetTokens,
		SessionRetentionTokens: cfg.Handoff.SessionRetentionTokens,
	}, nil)

	modes := mode.NewController(mode.Mode(cfg.Mode.Initial), modeThresholds(cfg))
	modes.Start(ctx)

	rt := router.NewRouter(registry, monitor, adm, store, hoff)
	rt.SetModeSource(func() string { return string(modes.Mode()) })

	var cons *consensus.Engine
	if cfg.Consensus.Enabled {
		cons = consensus.NewEngine(consensusConfig(cfg), registry, monitor, adm)
	}

	svc := orchestrator.NewService(registry, monitor, adm, store, rt, modes, cons, hoff)

	w := watcher.New(configPath, func(next *config.Config) {
		logging.SetDebugLevel(next.Debug)
		modes.UpdateThresholds(modeThresholds(next))
		if cons != nil {
			cons.UpdateConfig(consensusConfig(next))
		}
		for _, p := range next.Providers {
			if err := adm.Configure(p.ID, admission.BudgetConfig{
				Capacity: float64(p.Budget.Capacity),
				Window:   time.Duration(p.Budget.WindowSeconds) * time.Second,
			}); err != nil {
				log.WithFields(log.Fields{"provider": p.ID, "error": err}).
					Warn("reload: budget rejected")
			}
		}
	})
	if err := w.Start(); err != nil {
		log.WithField("error", err).Warn("config watcher disabled")
	} else {
		defer w.Stop()
	}

	srv := api.NewServer(svc, registry, monitor, adm, store)
	log.WithFields(log.Fields{
		"addr":      fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		"providers": len(cfg.Providers),
		"mode":      cfg.Mode.Initial,
		"version":   Version,
	}).Info("devflow router starting")

	return srv.Run(ctx, cfg.Host, cfg.Port)
}

// buildRegistry constructs the provider pool. Providers with a script replay
// it; the rest echo, which keeps local deployments self-contained until real
// backend adapters are configured.
func buildRegistry(cfg *config.Config) (*provider.Registry, error) {
	registry := provider.NewRegistry()
	for _, p := range cfg.Providers {
		desc := &provider.Descriptor{
			ID:       p.ID,
			Name:     p.Name,
			Priority: p.Priority,
			Weight:   p.Weight,
			Capabilities: provider.Capabilities{
				MaxContextTokens: p.MaxContextTokens,
				SupportsTools:    p.SupportsTools,
				TaskClasses:      toClasses(p.TaskClasses),
			},
		}

		var adapter provider.Adapter
		if len(p.Script) > 0 {
			script := make([]provider.OutcomeKind, 0, len(p.Script))
			for _, s := range p.Script {
				script = append(script, provider.OutcomeKind(s))
			}
			sa := provider.NewScriptedAdapter(desc, script...)
			sa.Delay = time.Duration(p.ScriptDelayMs) * time.Millisecond
			adapter = sa
		} else {
			adapter = provider.NewEchoAdapter(desc)
		}

		if err := registry.Register(adapter); err != nil {
			return nil, err
		}
	}
	if registry.Len() == 0 {
		return nil, fmt.Errorf("no providers configured")
	}
	return registry, nil
}

func toClasses(names []string) []task.Class {
	out := make([]task.Class, 0, len(names))
	for _, n := range names {
		out = append(out, task.Class(n))
	}
	return out
}

func modeThresholds(cfg *config.Config) mode.Thresholds {
	return mode.Thresholds{
		PromoteAfterShadow: cfg.Mode.PromoteAfterShadow,
		PromoteAfterHybrid: cfg.Mode.PromoteAfterHybrid,
		MinTokenSavings:    cfg.Mode.MinTokenSavings,
		MinPerfScore:       cfg.Mode.MinPerfScore,
		HybridConfidence:   cfg.Mode.HybridConfidence,
	}
}

func consensusConfig(cfg *config.Config) consensus.Config {
	classes := make([]task.Class, 0, len(cfg.Consensus.CriticalClasses))
	for _, c := range cfg.Consensus.CriticalClasses {
		classes = append(classes, task.Class(c))
	}
	return consensus.Config{
		Fusion:            consensus.FusionMode(cfg.Consensus.Fusion),
		DecisionThreshold: cfg.Consensus.DecisionThreshold,
		CriticalThreshold: cfg.Consensus.CriticalThreshold,
		CriticalClasses:   classes,
	}
}
