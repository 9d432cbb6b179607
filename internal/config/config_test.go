package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/talgya/dominion/internal/world"
)

func TestDefaultIsValid(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if got := Default().BatchEvery(); got != 3 {
		t.Fatalf("BatchEvery = %d, want 3", got)
	}
}

func TestLoadOverlaysDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tuning.yaml")
	raw := `
engine:
  batch_interval: 30s
balance:
  anomaly_threshold: 0.5
progression:
  resource_multipliers:
    strategic: 2.5
`
	if err := os.WriteFile(path, []byte(raw), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Engine.BatchInterval != 30*time.Second {
		t.Fatalf("batch interval = %v", cfg.Engine.BatchInterval)
	}
	if cfg.Engine.CheckInterval != 5*time.Second {
		t.Fatalf("check interval lost default: %v", cfg.Engine.CheckInterval)
	}
	if cfg.Balance.AnomalyThreshold != 0.5 {
		t.Fatalf("anomaly threshold = %v", cfg.Balance.AnomalyThreshold)
	}
	if cfg.Progression.ResourceMultipliers[world.ResourceStrategic] != 2.5 {
		t.Fatalf("strategic multiplier = %v", cfg.Progression.ResourceMultipliers[world.ResourceStrategic])
	}
}

func TestLoadRejectsOutOfRange(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(path, []byte("balance:\n  win_rate_floor: 1.5\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Fatalf("expected validation error")
	}
}

func TestValidateCatchesBadDistribution(t *testing.T) {
	cfg := Default()
	cfg.Statistics.Distributions[world.ResourceResearch] = Distribution{Mean: 10, Min: 20, Max: 30}
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected invalid distribution to fail")
	}
}

func TestValidateCatchesUnorderedTiers(t *testing.T) {
	cfg := Default()
	cfg.Progression.TierThresholds = []float64{0, 500, 400, 1000, 2000}
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected unordered tiers to fail")
	}
}
