package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	setCoreEnvEmpty(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.BindAddr != ":8080" {
		t.Fatalf("BindAddr = %q, want %q", cfg.BindAddr, ":8080")
	}
	if cfg.OracleMode != "heuristic" {
		t.Fatalf("OracleMode = %q, want %q", cfg.OracleMode, "heuristic")
	}
	if cfg.MaxFallbackDepth != 2 {
		t.Fatalf("MaxFallbackDepth = %d, want 2", cfg.MaxFallbackDepth)
	}
	if cfg.Weights.Critical != 1.0 || cfg.Weights.Low != 0.3 {
		t.Fatalf("Weights = %+v, want defaults", cfg.Weights)
	}
}

func TestLoadRejectsHTTPModeWithoutURL(t *testing.T) {
	setCoreEnvEmpty(t)
	t.Setenv("PLANNER_ORACLE_MODE", "http")

	if _, err := Load(); err == nil {
		t.Fatalf("Load() error = nil, want missing url error")
	}
}

func TestLoadRejectsBadDuration(t *testing.T) {
	setCoreEnvEmpty(t)
	t.Setenv("PLANNER_TEMPORAL_TICK", "soon")

	if _, err := Load(); err == nil {
		t.Fatalf("Load() error = nil, want parse error")
	}
}

func TestLoadAppliesFileThenEnv(t *testing.T) {
	setCoreEnvEmpty(t)
	path := filepath.Join(t.TempDir(), "planner.yaml")
	body := `
weights:
  critical: 1
  high: 0.7
  medium: 0.4
  low: 0.2
  relevance_threshold: 0.6
  relevance_boost: 0.25
  current_task_bonus: 0.1
  user_source: 0.1
  prospective_source: 0.05
  self_generated_source: 0
  dependency_factor: 0.5
max_fallback_depth: 4
temporal_tick: 2s
limits:
  max_children: 5
oracle:
  mode: http
  url: http://oracle.local
  timeout: 3s
`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	t.Setenv("PLANNER_CONFIG_FILE", path)
	t.Setenv("PLANNER_MAX_FALLBACK_DEPTH", "3")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Weights.High != 0.7 || cfg.Weights.DependencyFactor != 0.5 {
		t.Fatalf("Weights = %+v, want file values", cfg.Weights)
	}
	if cfg.MaxFallbackDepth != 3 {
		t.Fatalf("MaxFallbackDepth = %d, want env value 3", cfg.MaxFallbackDepth)
	}
	if cfg.TemporalTick != 2*time.Second {
		t.Fatalf("TemporalTick = %v, want 2s", cfg.TemporalTick)
	}
	if cfg.Limits.MaxChildren != 5 || cfg.Limits.MaxDepth != 3 {
		t.Fatalf("Limits = %+v, want {5 3}", cfg.Limits)
	}
	if cfg.OracleMode != "http" || cfg.OracleURL != "http://oracle.local" || cfg.OracleTimeout != 3*time.Second {
		t.Fatalf("oracle = %q %q %v, want file values", cfg.OracleMode, cfg.OracleURL, cfg.OracleTimeout)
	}
}

func setCoreEnvEmpty(t *testing.T) {
	t.Helper()
	keys := []string{
		"APP_BIND_ADDR",
		"APP_SHUTDOWN_TIMEOUT",
		"APP_METRICS_NAMESPACE",
		"APP_ALLOW_ANY_ORIGIN",
		"LOG_LEVEL",
		"LOG_JSON",
		"DATABASE_URL",
		"PLANNER_ORACLE_MODE",
		"PLANNER_ORACLE_URL",
		"PLANNER_ORACLE_TIMEOUT",
		"PLANNER_ORACLE_RETRIES",
		"PLANNER_MAX_FALLBACK_DEPTH",
		"PLANNER_STEP_CONFIRMATIONS",
		"PLANNER_TEMPORAL_TICK",
		"PLANNER_AGENT_IDLE_TIMEOUT",
		"PLANNER_CONFIG_FILE",
	}
	for _, key := range keys {
		t.Setenv(key, "")
	}
}
