package app

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/ent0n29/planner/internal/agents"
	"github.com/ent0n29/planner/internal/config"
	"github.com/ent0n29/planner/internal/httpapi"
	"github.com/ent0n29/planner/internal/memory"
	"github.com/ent0n29/planner/internal/observability"
	"github.com/ent0n29/planner/internal/planning"
)

type BuildResult struct {
	Config  config.Config
	API     *httpapi.Server
	Agents  *agents.Registry
	Metrics *observability.Metrics
	Oracle  OracleInfo

	// Cleanup should be called on shutdown to release external resources (DB pools, loaded planners).
	Cleanup func() error
}

func Build(ctx context.Context, cfg config.Config, logger *zap.Logger) (*BuildResult, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics := observability.NewMetrics(cfg.MetricsNamespace, nil)

	memoryStore, err := memory.NewStore(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("memory store init failed: %w", err)
	}
	memories := memory.NewService(memoryStore, logger.Named("memory"))

	snapshots, err := planning.NewStore(ctx, cfg.DatabaseURL)
	if err != nil {
		_ = memories.Close()
		return nil, fmt.Errorf("planner store init failed: %w", err)
	}

	setup, err := resolveOracles(cfg, logger.Named("oracle"))
	if err != nil {
		_ = snapshots.Close()
		_ = memories.Close()
		return nil, err
	}

	weights := cfg.Weights
	registry := agents.NewRegistry(agents.Config{
		Oracles:           setup.oracles,
		Memory:            memories,
		Store:             snapshots,
		Observer:          metrics,
		Weights:           &weights,
		MaxFallbackDepth:  cfg.MaxFallbackDepth,
		StepConfirmations: cfg.StepConfirmations,
		Limits:            cfg.Limits,
		IdleTimeout:       cfg.AgentIdleTimeout,
		Logger:            logger.Named("planner"),
	})
	registry.SetExpireHook(func(string) {
		metrics.LoadedAgents.Set(float64(registry.ActiveCount()))
	})

	api := httpapi.New(cfg, registry, metrics, logger.Named("http"))

	cleanup := func() error {
		var errs []string
		// Closing the planners waits for their last snapshot saves.
		registry.Close()
		if err := snapshots.Close(); err != nil {
			errs = append(errs, err.Error())
		}
		if err := memories.Close(); err != nil {
			errs = append(errs, err.Error())
		}
		if len(errs) > 0 {
			return fmt.Errorf("%s", strings.Join(errs, "; "))
		}
		return nil
	}

	return &BuildResult{
		Config:  cfg,
		API:     api,
		Agents:  registry,
		Metrics: metrics,
		Oracle:  setup.info,
		Cleanup: cleanup,
	}, nil
}
