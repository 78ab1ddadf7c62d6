package bootstrap

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/target/mmk-fanout/config"
	"github.com/target/mmk-fanout/internal/adapters/sweeper"
	"github.com/target/mmk-fanout/internal/core"
	"github.com/target/mmk-fanout/internal/observability/statsd"
)

// SweeperRunConfig contains configuration for the sweeper.
type SweeperRunConfig struct {
	DB *sql.DB
	// Repo is shared with the analysis service so memory storage sweeps the same jobs.
	Repo    core.AnalysisRepository
	Config  config.SweeperConfig
	Logger  *slog.Logger
	Metrics statsd.Sink
}

// RunSweeper starts the sweeper and blocks until ctx is canceled.
func RunSweeper(ctx context.Context, cfg SweeperRunConfig) error {
	runner, err := sweeper.NewRunner(sweeper.RunnerOptions{
		DB:      cfg.DB,
		Repo:    cfg.Repo,
		Config:  cfg.Config,
		Logger:  cfg.Logger,
		Metrics: cfg.Metrics,
	})
	if err != nil {
		return fmt.Errorf("create sweeper runner: %w", err)
	}
	return runner.Run(ctx)
}
