// Copyright 2026 The devflow Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package config provides configuration management for the devflow router
// daemon. It handles loading and parsing YAML configuration files, and
// provides structured access to server settings, provider definitions, and
// the tuning knobs of the health, admission, mode, handoff, and consensus
// subsystems.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config represents the application's configuration, loaded from a YAML file.
type Config struct {
	// Host is the network host/interface on which the API server will bind.
	// Default is empty ("") to bind all interfaces.
	Host string `yaml:"host" json:"-"`
	// Port is the network port on which the API server will listen.
	Port int `yaml:"port" json:"-"`

	// Debug enables or disables debug-level logging.
	Debug bool `yaml:"debug" json:"debug"`

	// LoggingToFile controls whether application logs are written to
	// rotating files or stdout.
	LoggingToFile bool `yaml:"logging-to-file" json:"logging-to-file"`

	// LogDir is the directory for rotating log files.
	LogDir string `yaml:"log-dir" json:"log-dir"`

	// Providers defines the provider pool in static priority order.
	Providers []ProviderConfig `yaml:"providers" json:"providers"`

	// Health tunes the provider health monitor.
	Health HealthConfig `yaml:"health" json:"health"`

	// Mode tunes the operating-mode state machine.
	Mode ModeConfig `yaml:"mode" json:"mode"`

	// Handoff tunes context injection and retention budgets.
	Handoff HandoffConfig `yaml:"handoff" json:"handoff"`

	// Consensus tunes multi-provider verification of critical tasks.
	Consensus ConsensusConfig `yaml:"consensus" json:"consensus"`

	// Audit configures the persistent attempt trail.
	Audit AuditConfig `yaml:"audit" json:"audit"`
}

// ProviderConfig declares one provider in the pool.
type ProviderConfig struct {
	// ID uniquely identifies the provider. Required.
	ID string `yaml:"id" json:"id"`

	// Name is a human-readable label.
	Name string `yaml:"name" json:"name"`

	// Priority orders the fallback chain; lower is preferred.
	Priority int `yaml:"priority" json:"priority"`

	// Weight scales this provider's consensus votes.
	Weight float64 `yaml:"weight" json:"weight"`

	// MaxContextTokens caps the context payload injected per invocation.
	MaxContextTokens int `yaml:"max-context-tokens" json:"max-context-tokens"`

	// SupportsTools marks providers capable of tool invocation.
	SupportsTools bool `yaml:"supports-tools" json:"supports-tools"`

	// TaskClasses lists the task classes this provider can serve. Empty
	// means all classes.
	TaskClasses []string `yaml:"task-classes" json:"task-classes"`

	// Budget is the provider's admission rate budget.
	Budget BudgetConfig `yaml:"budget" json:"budget"`

	// Script replays a fixed outcome sequence instead of calling a real
	// backend. Development and test deployments only.
	Script []string `yaml:"script,omitempty" json:"script,omitempty"`

	// ScriptDelayMs simulates backend latency for scripted providers.
	ScriptDelayMs int `yaml:"script-delay-ms,omitempty" json:"script-delay-ms,omitempty"`
}

// BudgetConfig is a provider's token-bucket rate budget.
type BudgetConfig struct {
	// Capacity is the number of requests the bucket holds when full.
	Capacity int `yaml:"capacity" json:"capacity"`

	// WindowSeconds is the time a full refill takes.
	WindowSeconds int `yaml:"window-seconds" json:"window-seconds"`
}

// HealthConfig tunes the health monitor's failure thresholds.
type HealthConfig struct {
	// DegradedAfter is the consecutive transient failures before a provider
	// is marked degraded.
	DegradedAfter int `yaml:"degraded-after" json:"degraded-after"`

	// UnavailableAfter is the consecutive transient failures before a
	// provider is marked unavailable.
	UnavailableAfter int `yaml:"unavailable-after" json:"unavailable-after"`

	// FailureWindowSeconds is the sliding window within which failures
	// count toward the thresholds.
	FailureWindowSeconds int `yaml:"failure-window-seconds" json:"failure-window-seconds"`
}

// ModeConfig tunes the operating-mode state machine.
type ModeConfig struct {
	// Initial is the mode the daemon starts in. Defaults to shadow.
	Initial string `yaml:"initial" json:"initial"`

	// PromoteAfterShadow is the clean cycles required for shadow -> hybrid.
	PromoteAfterShadow int `yaml:"promote-after-shadow" json:"promote-after-shadow"`

	// PromoteAfterHybrid is the clean cycles required for hybrid -> full.
	PromoteAfterHybrid int `yaml:"promote-after-hybrid" json:"promote-after-hybrid"`

	// MinTokenSavings is the minimum token-savings ratio a cycle must show.
	MinTokenSavings float64 `yaml:"min-token-savings" json:"min-token-savings"`

	// MinPerfScore is the minimum performance score a cycle must show.
	MinPerfScore float64 `yaml:"min-perf-score" json:"min-perf-score"`

	// HybridConfidence is the primary-confidence gate for hybrid fallback.
	HybridConfidence float64 `yaml:"hybrid-confidence" json:"hybrid-confidence"`
}

// HandoffConfig tunes context sizing.
type HandoffConfig struct {
	// InjectionBudgetTokens caps the context injected per invocation.
	InjectionBudgetTokens int `yaml:"injection-budget-tokens" json:"injection-budget-tokens"`

	// SessionRetentionTokens caps the per-session context bundle.
	SessionRetentionTokens int `yaml:"session-retention-tokens" json:"session-retention-tokens"`
}

// ConsensusConfig tunes multi-provider verification.
type ConsensusConfig struct {
	// Enabled toggles the consensus engine entirely.
	Enabled bool `yaml:"enabled" json:"enabled"`

	// Fusion selects the vote combination mode: weighted, harmonic, or
	// geometric.
	Fusion string `yaml:"fusion" json:"fusion"`

	// DecisionThreshold is the minimum fused score a proposal needs.
	DecisionThreshold float64 `yaml:"decision-threshold" json:"decision-threshold"`

	// CriticalThreshold replaces DecisionThreshold for critical classes.
	CriticalThreshold float64 `yaml:"critical-threshold" json:"critical-threshold"`

	// CriticalClasses lists the task classes held to CriticalThreshold.
	CriticalClasses []string `yaml:"critical-classes" json:"critical-classes"`
}

// AuditConfig configures the persistent attempt trail.
type AuditConfig struct {
	// DBPath is the SQLite database file for attempt records.
	DBPath string `yaml:"db-path" json:"db-path"`
}

// LoadConfig reads and parses the YAML configuration file at the given path.
func LoadConfig(configFile string) (*Config, error) {
	data, err := os.ReadFile(configFile)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", configFile, err)
	}
	var cfg Config
	if err = yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", configFile, err)
	}
	SanitizeConfig(&cfg)
	if err = cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// SanitizeConfig normalizes the configuration and fills defaults in place.
func SanitizeConfig(cfg *Config) {
	if cfg == nil {
		return
	}
	if cfg.Port == 0 {
		cfg.Port = 8317
	}
	if cfg.LogDir == "" {
		cfg.LogDir = "logs"
	}

	if cfg.Health.DegradedAfter <= 0 {
		cfg.Health.DegradedAfter = 3
	}
	if cfg.Health.UnavailableAfter <= 0 {
		cfg.Health.UnavailableAfter = 5
	}
	if cfg.Health.UnavailableAfter < cfg.Health.DegradedAfter {
		cfg.Health.UnavailableAfter = cfg.Health.DegradedAfter
	}
	if cfg.Health.FailureWindowSeconds <= 0 {
		cfg.Health.FailureWindowSeconds = 600
	}

	if cfg.Mode.Initial == "" {
		cfg.Mode.Initial = "shadow"
	}
	if cfg.Mode.PromoteAfterShadow <= 0 {
		cfg.Mode.PromoteAfterShadow = 20
	}
	if cfg.Mode.PromoteAfterHybrid <= 0 {
		cfg.Mode.PromoteAfterHybrid = 50
	}
	if cfg.Mode.MinTokenSavings <= 0 {
		cfg.Mode.MinTokenSavings = 0.10
	}
	if cfg.Mode.MinPerfScore <= 0 {
		cfg.Mode.MinPerfScore = 0.70
	}
	if cfg.Mode.HybridConfidence <= 0 {
		cfg.Mode.HybridConfidence = 0.60
	}

	if cfg.Handoff.InjectionBudgetTokens <= 0 {
		cfg.Handoff.InjectionBudgetTokens = 2000
	}
	if cfg.Handoff.SessionRetentionTokens <= 0 {
		cfg.Handoff.SessionRetentionTokens = 4 * cfg.Handoff.InjectionBudgetTokens
	}

	if cfg.Consensus.Fusion == "" {
		cfg.Consensus.Fusion = "weighted"
	}
	if cfg.Consensus.DecisionThreshold <= 0 {
		cfg.Consensus.DecisionThreshold = 0.60
	}
	if cfg.Consensus.CriticalThreshold <= 0 {
		cfg.Consensus.CriticalThreshold = 0.80
	}
	if cfg.Consensus.CriticalClasses == nil {
		cfg.Consensus.CriticalClasses = []string{"architecture"}
	}

	if cfg.Audit.DBPath == "" {
		cfg.Audit.DBPath = "audit.db"
	}

	for i := range cfg.Providers {
		p := &cfg.Providers[i]
		if p.Name == "" {
			p.Name = p.ID
		}
		if p.Weight <= 0 {
			p.Weight = 1.0
		}
		if p.Budget.Capacity <= 0 {
			p.Budget.Capacity = 60
		}
		if p.Budget.WindowSeconds <= 0 {
			p.Budget.WindowSeconds = 60
		}
	}
}

// Validate rejects configurations that cannot run.
func (c *Config) Validate() error {
	if len(c.Providers) == 0 {
		return fmt.Errorf("config: at least one provider is required")
	}
	seen := make(map[string]bool, len(c.Providers))
	for _, p := range c.Providers {
		if p.ID == "" {
			return fmt.Errorf("config: provider with empty id")
		}
		if seen[p.ID] {
			return fmt.Errorf("config: duplicate provider id %q", p.ID)
		}
		seen[p.ID] = true
	}
	switch c.Consensus.Fusion {
	case "weighted", "harmonic", "geometric":
	default:
		return fmt.Errorf("config: unknown consensus fusion %q", c.Consensus.Fusion)
	}
	return nil
}
