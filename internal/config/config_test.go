package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return path
}

const minimalConfig = `
host: "127.0.0.1"
port: 9000
providers:
  - id: "primary"
    priority: 0
    weight: 0.4
  - id: "fallback"
    priority: 1
`

func TestLoadConfig_Minimal(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, minimalConfig))
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Port != 9000 {
		t.Errorf("port = %d, want 9000", cfg.Port)
	}
	if len(cfg.Providers) != 2 {
		t.Fatalf("providers = %d, want 2", len(cfg.Providers))
	}
	if cfg.Providers[0].Name != "primary" {
		t.Errorf("name defaults to id, got %q", cfg.Providers[0].Name)
	}
	if cfg.Providers[1].Weight != 1.0 {
		t.Errorf("weight default = %v, want 1.0", cfg.Providers[1].Weight)
	}
}

func TestSanitizeConfig_Defaults(t *testing.T) {
	cfg := &Config{Providers: []ProviderConfig{{ID: "p"}}}
	SanitizeConfig(cfg)

	if cfg.Health.DegradedAfter != 3 || cfg.Health.UnavailableAfter != 5 {
		t.Errorf("health thresholds = %d/%d, want 3/5",
			cfg.Health.DegradedAfter, cfg.Health.UnavailableAfter)
	}
	if cfg.Health.FailureWindowSeconds != 600 {
		t.Errorf("failure window = %d, want 600", cfg.Health.FailureWindowSeconds)
	}
	if cfg.Mode.Initial != "shadow" {
		t.Errorf("initial mode = %q, want shadow", cfg.Mode.Initial)
	}
	if cfg.Mode.PromoteAfterShadow != 20 || cfg.Mode.PromoteAfterHybrid != 50 {
		t.Errorf("promotion gates = %d/%d, want 20/50",
			cfg.Mode.PromoteAfterShadow, cfg.Mode.PromoteAfterHybrid)
	}
	if cfg.Consensus.DecisionThreshold != 0.60 || cfg.Consensus.CriticalThreshold != 0.80 {
		t.Errorf("consensus thresholds = %v/%v, want 0.60/0.80",
			cfg.Consensus.DecisionThreshold, cfg.Consensus.CriticalThreshold)
	}
	if cfg.Handoff.SessionRetentionTokens != 4*cfg.Handoff.InjectionBudgetTokens {
		t.Errorf("retention = %d, want 4x injection budget", cfg.Handoff.SessionRetentionTokens)
	}
	if cfg.Providers[0].Budget.Capacity != 60 || cfg.Providers[0].Budget.WindowSeconds != 60 {
		t.Errorf("budget defaults = %d/%ds", cfg.Providers[0].Budget.Capacity, cfg.Providers[0].Budget.WindowSeconds)
	}
}

func TestSanitizeConfig_UnavailableNeverBelowDegraded(t *testing.T) {
	cfg := &Config{
		Providers: []ProviderConfig{{ID: "p"}},
		Health:    HealthConfig{DegradedAfter: 7, UnavailableAfter: 4},
	}
	SanitizeConfig(cfg)
	if cfg.Health.UnavailableAfter < cfg.Health.DegradedAfter {
		t.Errorf("unavailable-after = %d below degraded-after = %d",
			cfg.Health.UnavailableAfter, cfg.Health.DegradedAfter)
	}
}

func TestValidate_Rejections(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
	}{
		{
			name: "no providers",
			cfg:  Config{Consensus: ConsensusConfig{Fusion: "weighted"}},
		},
		{
			name: "empty provider id",
			cfg: Config{
				Providers: []ProviderConfig{{ID: ""}},
				Consensus: ConsensusConfig{Fusion: "weighted"},
			},
		},
		{
			name: "duplicate provider id",
			cfg: Config{
				Providers: []ProviderConfig{{ID: "a"}, {ID: "a"}},
				Consensus: ConsensusConfig{Fusion: "weighted"},
			},
		},
		{
			name: "unknown fusion mode",
			cfg: Config{
				Providers: []ProviderConfig{{ID: "a"}},
				Consensus: ConsensusConfig{Fusion: "median"},
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.cfg.Validate(); err == nil {
				t.Error("Validate should reject this configuration")
			}
		})
	}
}

func TestLoadConfig_MissingFile(t *testing.T) {
	if _, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Error("LoadConfig on a missing file should fail")
	}
}

func TestLoadConfig_MalformedYAML(t *testing.T) {
	if _, err := LoadConfig(writeConfig(t, "providers: [")); err == nil {
		t.Error("LoadConfig on malformed YAML should fail")
	}
}
