package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	retry "github.com/sethvargo/go-retry"

	"github.com/target/mmk-fanout/internal/core"
	"github.com/target/mmk-fanout/internal/domain/analysis"
	"github.com/target/mmk-fanout/internal/domain/model"
	apperrors "github.com/target/mmk-fanout/internal/errors"
	"github.com/target/mmk-fanout/internal/observability/metrics"
	"github.com/target/mmk-fanout/internal/observability/statsd"
)

const (
	defaultConflictRetries = 3
	defaultConflictBackoff = 50 * time.Millisecond
	defaultActiveGrace     = 10 * time.Minute

	reasonManualRetry = "manual retry"
)

// RetryPlannerOptions groups dependencies for RetryPlanner.
type RetryPlannerOptions struct {
	Repo       core.AnalysisRepository // Required
	Locker     core.JobLocker          // Required
	Launcher   *Launcher               // Required
	Dispatcher *Dispatcher             // Required
	// Runner executes the launch or interpretation pass that follows a reset. The job
	// lock is held until that pass returns. Nil runs it inline.
	Runner BackgroundRunner
	// ConflictRetries bounds how often a reset is re-planned after a version conflict.
	ConflictRetries int
	ConflictBackoff time.Duration
	// ActiveGrace is how long a launching or interpreting job is considered busy after
	// its last update. Retries of busy jobs are rejected.
	ActiveGrace time.Duration
	Clock       core.Clock   // Optional
	Logger      *slog.Logger // Optional
	Metrics     statsd.Sink  // Optional
}

// RetryPlanner chooses between a smart retry (interpretation only) and a full retry
// (re-collect everything) and applies it under a per-job lock.
type RetryPlanner struct {
	repo            core.AnalysisRepository
	locker          core.JobLocker
	launcher        *Launcher
	dispatcher      *Dispatcher
	runner          BackgroundRunner
	conflictRetries uint64
	conflictBackoff time.Duration
	activeGrace     time.Duration
	clock           core.Clock
	logger          *slog.Logger
	metrics         statsd.Sink
}

// NewRetryPlanner constructs a RetryPlanner.
func NewRetryPlanner(opts RetryPlannerOptions) (*RetryPlanner, error) {
	if opts.Repo == nil {
		return nil, errors.New("AnalysisRepository is required")
	}
	if opts.Locker == nil {
		return nil, errors.New("JobLocker is required")
	}
	if opts.Launcher == nil {
		return nil, errors.New("Launcher is required")
	}
	if opts.Dispatcher == nil {
		return nil, errors.New("Dispatcher is required")
	}

	conflictRetries := opts.ConflictRetries
	if conflictRetries <= 0 {
		conflictRetries = defaultConflictRetries
	}
	backoff := opts.ConflictBackoff
	if backoff <= 0 {
		backoff = defaultConflictBackoff
	}
	grace := opts.ActiveGrace
	if grace <= 0 {
		grace = defaultActiveGrace
	}

	var logger *slog.Logger
	if opts.Logger != nil {
		logger = opts.Logger.With("component", "retry_planner")
	}

	return &RetryPlanner{
		repo:            opts.Repo,
		locker:          opts.Locker,
		launcher:        opts.Launcher,
		dispatcher:      opts.Dispatcher,
		runner:          opts.Runner,
		conflictRetries: uint64(conflictRetries),
		conflictBackoff: backoff,
		activeGrace:     grace,
		clock:           clockOrDefault(opts.Clock),
		logger:          logger,
		metrics:         opts.Metrics,
	}, nil
}

// Retry picks the cheapest retry path the job supports and applies it.
func (p *RetryPlanner) Retry(ctx context.Context, jobID string) (model.RetryResult, error) {
	var result model.RetryResult
	err := p.withJobLock(ctx, jobID, func(ctx context.Context) (func(context.Context) error, error) {
		var path analysis.RetryPath
		err := p.reset(ctx, jobID, func(job *model.Job) error {
			path = analysis.ChooseRetryPath(job)
			if path == analysis.RetryPathSmart {
				return analysis.ResetForSmartRetry(job, reasonManualRetry, p.clock.Now())
			}
			analysis.ResetForFullRetry(job, reasonManualRetry, p.clock.Now())
			return nil
		})
		if err != nil {
			return nil, err
		}
		result = model.RetryResult{OK: true, UsedSmartRetry: path == analysis.RetryPathSmart}
		return p.followUp(jobID, path), nil
	})
	if err != nil {
		return model.RetryResult{}, err
	}
	return result, nil
}

// SmartRetry re-runs interpretation over the stored raw results. It fails fast with
// analysis.ErrSmartRetryUnavailable when any shard lacks a collected result.
func (p *RetryPlanner) SmartRetry(ctx context.Context, jobID, reason string) error {
	return p.withJobLock(ctx, jobID, func(ctx context.Context) (func(context.Context) error, error) {
		if err := p.reset(ctx, jobID, func(job *model.Job) error {
			return analysis.ResetForSmartRetry(job, reason, p.clock.Now())
		}); err != nil {
			return nil, err
		}
		return p.followUp(jobID, analysis.RetryPathSmart), nil
	})
}

// FullRetry resets every shard and re-launches collection.
func (p *RetryPlanner) FullRetry(ctx context.Context, jobID, reason string) error {
	return p.withJobLock(ctx, jobID, func(ctx context.Context) (func(context.Context) error, error) {
		if err := p.reset(ctx, jobID, func(job *model.Job) error {
			analysis.ResetForFullRetry(job, reason, p.clock.Now())
			return nil
		}); err != nil {
			return nil, err
		}
		return p.followUp(jobID, analysis.RetryPathFull), nil
	})
}

// withJobLock holds the job lock across plan, reset and the follow-up pass returned by
// fn. The follow-up runs on the background runner and releases the lock when it ends.
func (p *RetryPlanner) withJobLock(
	ctx context.Context,
	jobID string,
	fn func(ctx context.Context) (func(context.Context) error, error),
) error {
	unlock, ok, err := p.locker.TryLock(ctx, jobID)
	if err != nil {
		return fmt.Errorf("lock job %s: %w", jobID, err)
	}
	if !ok {
		return apperrors.Conflictf("a retry of analysis job %s is already running", jobID)
	}
	release := func(ctx context.Context) {
		if err := unlock(context.WithoutCancel(ctx)); err != nil && p.logger != nil {
			p.logger.WarnContext(ctx, "release job lock", "job_id", jobID, "error", err)
		}
	}

	followUp, err := fn(ctx)
	if err != nil {
		release(ctx)
		return err
	}

	if err := runInBackground(ctx, p.runner, "retry:"+jobID, func(ctx context.Context) error {
		defer release(ctx)
		return followUp(ctx)
	}); err != nil {
		if p.runner != nil {
			release(ctx)
		}
		return fmt.Errorf("run retry of job %s: %w", jobID, err)
	}
	return nil
}

// reset applies mutate with an optimistic version check. A conflicting concurrent update
// makes it reload and re-plan, with Fibonacci backoff.
func (p *RetryPlanner) reset(ctx context.Context, jobID string, mutate func(job *model.Job) error) error {
	b := retry.NewFibonacci(p.conflictBackoff)
	err := retry.Do(ctx, retry.WithMaxRetries(p.conflictRetries, b), func(ctx context.Context) error {
		job, err := p.repo.GetByID(ctx, jobID)
		if err != nil {
			return err
		}
		if err := p.checkRetryable(job); err != nil {
			return err
		}
		_, err = p.repo.Update(ctx, core.UpdateJobParams{
			JobID:         jobID,
			ExpectVersion: job.Version,
			Mutate:        mutate,
		})
		if errors.Is(err, core.ErrVersionConflict) {
			return retry.RetryableError(err)
		}
		return err
	})
	if err == nil {
		return nil
	}

	switch {
	case errors.Is(err, core.ErrJobNotFound):
		return apperrors.Wrapf(err, apperrors.ErrCodeNotFound, "analysis job %s not found", jobID)
	case errors.Is(err, analysis.ErrSmartRetryUnavailable):
		return apperrors.Wrapf(err, apperrors.ErrCodeConflict,
			"analysis job %s has shards without collected results", jobID)
	case errors.Is(err, core.ErrVersionConflict):
		return apperrors.Wrapf(err, apperrors.ErrCodeConflict, "analysis job %s kept changing during retry", jobID)
	default:
		var appErr *apperrors.AppError
		if errors.As(err, &appErr) {
			return err
		}
		return fmt.Errorf("reset job %s: %w", jobID, err)
	}
}

// checkRetryable rejects jobs that are being launched or interpreted right now. A busy
// status whose last update is older than the grace window is treated as abandoned.
func (p *RetryPlanner) checkRetryable(job *model.Job) error {
	switch job.Status {
	case model.JobStatusPending, model.JobStatusInterpreting, model.JobStatusMerging:
	default:
		return nil
	}
	if p.clock.Now().Sub(job.UpdatedAt) >= p.activeGrace {
		return nil
	}
	return apperrors.Conflictf("analysis job %s is %s", job.ID, job.Status)
}

func (p *RetryPlanner) followUp(jobID string, path analysis.RetryPath) func(context.Context) error {
	metrics.EmitJobTransition(p.metrics, metrics.JobMetric{
		Transition: "retry_" + string(path),
		Result:     metrics.ResultSuccess,
	})
	if p.logger != nil {
		p.logger.Info("analysis retry planned", "job_id", jobID, "path", path)
	}

	if path == analysis.RetryPathSmart {
		return func(ctx context.Context) error {
			return p.dispatcher.Run(ctx, jobID)
		}
	}
	return func(ctx context.Context) error {
		_, err := p.launcher.Launch(ctx, jobID)
		return err
	}
}
