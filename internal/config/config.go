package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ent0n29/planner/internal/attention"
	"github.com/ent0n29/planner/internal/tree"
)

// Config contains all runtime settings for the planner service.
type Config struct {
	BindAddr         string
	ShutdownTimeout  time.Duration
	MetricsNamespace string
	AllowAnyOrigin   bool

	LogLevel string
	LogJSON  bool

	DatabaseURL string

	OracleMode    string
	OracleURL     string
	OracleTimeout time.Duration
	OracleRetries int

	MaxFallbackDepth  int
	StepConfirmations bool
	TemporalTick      time.Duration
	AgentIdleTimeout  time.Duration

	Weights attention.Weights
	Limits  tree.Limits

	ConfigFile string
}

// fileConfig is the optional YAML overlay. Environment variables win over it.
type fileConfig struct {
	Weights           *attention.Weights `yaml:"weights"`
	MaxFallbackDepth  *int               `yaml:"max_fallback_depth"`
	StepConfirmations *bool              `yaml:"step_confirmations"`
	TemporalTick      string             `yaml:"temporal_tick"`
	AgentIdleTimeout  string             `yaml:"agent_idle_timeout"`
	Limits            struct {
		MaxChildren int `yaml:"max_children"`
		MaxDepth    int `yaml:"max_depth"`
	} `yaml:"limits"`
	Oracle struct {
		Mode    string `yaml:"mode"`
		URL     string `yaml:"url"`
		Timeout string `yaml:"timeout"`
		Retries *int   `yaml:"retries"`
	} `yaml:"oracle"`
}

// Load applies defaults, then the YAML file named by PLANNER_CONFIG_FILE,
// then environment variables.
func Load() (Config, error) {
	cfg := Config{
		BindAddr:         ":8080",
		ShutdownTimeout:  15 * time.Second,
		MetricsNamespace: "planner",
		LogLevel:         "info",
		OracleMode:       "heuristic",
		OracleTimeout:    10 * time.Second,
		OracleRetries:    2,
		MaxFallbackDepth: 2,
		TemporalTick:     5 * time.Second,
		AgentIdleTimeout: 30 * time.Minute,
		Weights:          attention.DefaultWeights(),
		Limits:           tree.Limits{MaxChildren: 8, MaxDepth: 3},
		ConfigFile:       stringsTrimSpace("PLANNER_CONFIG_FILE"),
	}
	if cfg.ConfigFile != "" {
		if err := cfg.applyFile(cfg.ConfigFile); err != nil {
			return Config{}, err
		}
	}

	cfg.BindAddr = envOrDefault("APP_BIND_ADDR", cfg.BindAddr)
	cfg.MetricsNamespace = envOrDefault("APP_METRICS_NAMESPACE", cfg.MetricsNamespace)
	cfg.LogLevel = strings.ToLower(envOrDefault("LOG_LEVEL", cfg.LogLevel))
	cfg.DatabaseURL = stringsTrimSpace("DATABASE_URL")
	cfg.OracleMode = strings.ToLower(envOrDefault("PLANNER_ORACLE_MODE", cfg.OracleMode))
	cfg.OracleURL = envOrDefault("PLANNER_ORACLE_URL", cfg.OracleURL)

	var err error
	cfg.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.AllowAnyOrigin, err = boolFromEnv("APP_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin)
	if err != nil {
		return Config{}, err
	}
	cfg.LogJSON, err = boolFromEnv("LOG_JSON", cfg.LogJSON)
	if err != nil {
		return Config{}, err
	}
	cfg.OracleTimeout, err = durationFromEnv("PLANNER_ORACLE_TIMEOUT", cfg.OracleTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.OracleRetries, err = intFromEnv("PLANNER_ORACLE_RETRIES", cfg.OracleRetries)
	if err != nil {
		return Config{}, err
	}
	cfg.MaxFallbackDepth, err = intFromEnv("PLANNER_MAX_FALLBACK_DEPTH", cfg.MaxFallbackDepth)
	if err != nil {
		return Config{}, err
	}
	cfg.StepConfirmations, err = boolFromEnv("PLANNER_STEP_CONFIRMATIONS", cfg.StepConfirmations)
	if err != nil {
		return Config{}, err
	}
	cfg.TemporalTick, err = durationFromEnv("PLANNER_TEMPORAL_TICK", cfg.TemporalTick)
	if err != nil {
		return Config{}, err
	}
	cfg.AgentIdleTimeout, err = durationFromEnv("PLANNER_AGENT_IDLE_TIMEOUT", cfg.AgentIdleTimeout)
	if err != nil {
		return Config{}, err
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyFile(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("PLANNER_CONFIG_FILE read error: %w", err)
	}
	var fc fileConfig
	if err := yaml.Unmarshal(raw, &fc); err != nil {
		return fmt.Errorf("PLANNER_CONFIG_FILE parse error: %w", err)
	}
	if fc.Weights != nil {
		c.Weights = *fc.Weights
	}
	if fc.MaxFallbackDepth != nil {
		c.MaxFallbackDepth = *fc.MaxFallbackDepth
	}
	if fc.StepConfirmations != nil {
		c.StepConfirmations = *fc.StepConfirmations
	}
	if fc.Limits.MaxChildren != 0 {
		c.Limits.MaxChildren = fc.Limits.MaxChildren
	}
	if fc.Limits.MaxDepth != 0 {
		c.Limits.MaxDepth = fc.Limits.MaxDepth
	}
	if fc.Oracle.Mode != "" {
		c.OracleMode = fc.Oracle.Mode
	}
	if fc.Oracle.URL != "" {
		c.OracleURL = fc.Oracle.URL
	}
	if fc.Oracle.Retries != nil {
		c.OracleRetries = *fc.Oracle.Retries
	}
	for _, d := range []struct {
		key string
		raw string
		dst *time.Duration
	}{
		{"temporal_tick", fc.TemporalTick, &c.TemporalTick},
		{"agent_idle_timeout", fc.AgentIdleTimeout, &c.AgentIdleTimeout},
		{"oracle.timeout", fc.Oracle.Timeout, &c.OracleTimeout},
	} {
		if strings.TrimSpace(d.raw) == "" {
			continue
		}
		v, err := time.ParseDuration(strings.TrimSpace(d.raw))
		if err != nil {
			return fmt.Errorf("PLANNER_CONFIG_FILE %s parse error: %w", d.key, err)
		}
		*d.dst = v
	}
	return nil
}

func (c Config) validate() error {
	switch c.OracleMode {
	case "heuristic", "http":
	default:
		return fmt.Errorf("PLANNER_ORACLE_MODE must be heuristic or http")
	}
	if c.OracleMode == "http" && c.OracleURL == "" {
		return fmt.Errorf("PLANNER_ORACLE_URL is required when PLANNER_ORACLE_MODE=http")
	}
	if c.OracleRetries < 0 {
		return fmt.Errorf("PLANNER_ORACLE_RETRIES must be >= 0")
	}
	if c.MaxFallbackDepth <= 0 {
		return fmt.Errorf("PLANNER_MAX_FALLBACK_DEPTH must be positive")
	}
	if c.TemporalTick < 100*time.Millisecond {
		return fmt.Errorf("PLANNER_TEMPORAL_TICK must be at least 100ms")
	}
	if c.AgentIdleTimeout < time.Second {
		return fmt.Errorf("PLANNER_AGENT_IDLE_TIMEOUT must be at least 1s")
	}
	if c.Limits.MaxChildren <= 0 || c.Limits.MaxDepth <= 0 {
		return fmt.Errorf("decomposition limits must be positive")
	}
	return nil
}

func envOrDefault(key, fallback string) string {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback
	}
	return v
}

func stringsTrimSpace(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(stringsTrimSpace(key))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}
