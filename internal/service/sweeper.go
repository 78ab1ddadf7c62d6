package service

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/target/mmk-fanout/config"
	"github.com/target/mmk-fanout/internal/core"
	"github.com/target/mmk-fanout/internal/domain/analysis"
	"github.com/target/mmk-fanout/internal/domain/model"
	obserrors "github.com/target/mmk-fanout/internal/observability/errors"
	"github.com/target/mmk-fanout/internal/observability/metrics"
	"github.com/target/mmk-fanout/internal/observability/statsd"
)

// SweeperOptions groups dependencies for Sweeper.
type SweeperOptions struct {
	Repo    core.AnalysisRepository // Required
	Config  config.SweeperConfig    // Required
	Clock   core.Clock              // Optional
	Logger  *slog.Logger            // Optional
	Metrics statsd.Sink             // Optional
}

// Sweeper periodically times out shards whose collection callback never arrived and
// purges completed jobs past the retention window.
type Sweeper struct {
	repo    core.AnalysisRepository
	config  config.SweeperConfig
	clock   core.Clock
	logger  *slog.Logger
	metrics statsd.Sink
}

// NewSweeper constructs a Sweeper.
func NewSweeper(opts SweeperOptions) (*Sweeper, error) {
	if opts.Repo == nil {
		return nil, errors.New("AnalysisRepository is required")
	}
	if opts.Config.Interval <= 0 {
		return nil, errors.New("sweeper interval must be positive")
	}
	if opts.Config.BatchSize <= 0 {
		opts.Config.BatchSize = 500
	}

	var logger *slog.Logger
	if opts.Logger != nil {
		logger = opts.Logger.With("component", "sweeper")
		logger.Debug("Sweeper initialized",
			"interval", opts.Config.Interval,
			"collection_timeout", opts.Config.CollectionTimeout,
			"retention", opts.Config.Retention,
		)
	}

	return &Sweeper{
		repo:    opts.Repo,
		config:  opts.Config,
		clock:   clockOrDefault(opts.Clock),
		logger:  logger,
		metrics: opts.Metrics,
	}, nil
}

// Run sweeps at the configured interval until ctx is canceled. It returns nil on
// graceful shutdown.
func (s *Sweeper) Run(ctx context.Context) error {
	if s.logger != nil {
		s.logger.InfoContext(ctx, "starting sweeper", "interval", s.config.Interval)
	}

	s.waitWithJitter(ctx)

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	if err := s.Sweep(ctx); err != nil {
		s.logSweepError(err, "initial sweep")
	}

	return s.runLoop(ctx, ticker)
}

// waitWithJitter sleeps a random share of up to 10% of the interval so replicas started
// together do not sweep in lockstep.
func (s *Sweeper) waitWithJitter(ctx context.Context) {
	maxJitter := int64(s.config.Interval / 10)
	if maxJitter <= 0 {
		return
	}

	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		if s.logger != nil {
			s.logger.WarnContext(ctx, "failed to generate jitter, skipping", "error", err)
		}
		return
	}

	jitterNanos := binary.BigEndian.Uint64(buf[:]) % uint64(maxJitter)
	jitter := time.Duration(int64(jitterNanos)) // #nosec G115 - bounded by maxJitter which is int64

	timer := time.NewTimer(jitter)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
	}
}

func (s *Sweeper) runLoop(ctx context.Context, ticker *time.Ticker) error {
	for {
		select {
		case <-ctx.Done():
			if s.logger != nil {
				s.logger.InfoContext(ctx, "sweeper stopping", "reason", ctx.Err())
			}
			if errors.Is(ctx.Err(), context.Canceled) {
				return nil
			}
			return ctx.Err()

		case <-ticker.C:
			if err := s.Sweep(ctx); err != nil {
				s.logSweepError(err, "sweep")
			}
		}
	}
}

// Sweep runs every step once. A failing step does not stop the others.
func (s *Sweeper) Sweep(ctx context.Context) error {
	start := time.Now()
	var (
		errs               []error
		allContextCanceled = true
		data               = sweepMetrics{}
	)

	steps := []sweepStep{
		{
			fn:        s.timeOutCollections,
			label:     "time out stale collections",
			count:     &data.TimedOutCount,
			metricErr: &data.TimedOutErr,
		},
		{
			fn:        s.deleteExpiredJobs,
			label:     "delete expired jobs",
			count:     &data.DeletedCount,
			metricErr: &data.DeletedErr,
		},
	}

	for _, step := range steps {
		outcome := s.executeStep(ctx, step)
		*step.count = outcome.count
		*step.metricErr = outcome.metricErr
		if outcome.aggregateErr != nil {
			errs = append(errs, outcome.aggregateErr)
			allContextCanceled = allContextCanceled && outcome.canceled
		}
	}

	data.Elapsed = time.Since(start)
	s.emitSweepMetrics(data)

	if len(errs) > 0 {
		joined := errors.Join(errs...)
		if allContextCanceled && isContextCancellation(joined) {
			return context.Canceled
		}
		return fmt.Errorf("sweep failed: %w", joined)
	}
	return nil
}

type sweepFunc func(context.Context) (int64, error)

type sweepStep struct {
	fn        sweepFunc
	label     string
	count     *int64
	metricErr *error
}

type sweepStepOutcome struct {
	count        int64
	metricErr    error
	aggregateErr error
	canceled     bool
}

func (s *Sweeper) executeStep(ctx context.Context, step sweepStep) sweepStepOutcome {
	count, err := step.fn(ctx)
	outcome := sweepStepOutcome{
		count:     count,
		metricErr: suppressContextCancellation(err),
		canceled:  isContextCancellation(err),
	}
	if err != nil {
		outcome.aggregateErr = fmt.Errorf("%s: %w", step.label, err)
	}
	return outcome
}

// timeOutCollections moves overdue in-flight shards to retry_needed, one batch at a time.
func (s *Sweeper) timeOutCollections(ctx context.Context) (int64, error) {
	cutoff := s.clock.Now().Add(-s.config.CollectionTimeout)
	var total int64
	for {
		stale, err := s.repo.ListStaleCollections(ctx, core.StaleCollectionParams{
			StartedBefore: cutoff,
			Limit:         s.config.BatchSize,
		})
		if err != nil {
			return total, err
		}
		var changedInBatch int64
		for _, shard := range stale {
			changed, err := s.timeOutShard(ctx, shard)
			if err != nil {
				return total, err
			}
			if changed {
				changedInBatch++
			}
		}
		total += changedInBatch
		if len(stale) < s.config.BatchSize || changedInBatch == 0 {
			break
		}
		if ctx.Err() != nil {
			return total, ctx.Err()
		}
	}

	if total > 0 && s.logger != nil {
		s.logger.InfoContext(ctx, "timed out stale collections",
			"count", total,
			"collection_timeout", s.config.CollectionTimeout,
		)
	}
	return total, nil
}

func (s *Sweeper) timeOutShard(ctx context.Context, shard core.StaleShard) (bool, error) {
	changed := false
	var shardName string
	_, err := s.repo.Update(ctx, core.UpdateJobParams{
		JobID: shard.JobID,
		Mutate: func(job *model.Job) error {
			ok, err := analysis.MarkCollectionTimedOut(job, shard.ShardIndex)
			if err != nil {
				return err
			}
			if !ok {
				return core.ErrSkipUpdate
			}
			if rec, found := job.Shard(shard.ShardIndex); found {
				shardName = rec.ShardName
			}
			changed = true
			return nil
		},
	})
	if errors.Is(err, core.ErrJobNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("time out shard %d of job %s: %w", shard.ShardIndex, shard.JobID, err)
	}
	if changed {
		metrics.EmitShard(s.metrics, metrics.ShardMetric{
			Stage:  metrics.StageTimeout,
			Shard:  shardName,
			Result: metrics.ResultSuccess,
		})
		if s.logger != nil {
			s.logger.WarnContext(ctx, "collection callback overdue",
				"job_id", shard.JobID, "shard", shardName, "shard_index", shard.ShardIndex)
		}
	}
	return changed, nil
}

// deleteExpiredJobs purges completed jobs untouched for longer than the retention
// window. Failed jobs stay so they can be retried.
func (s *Sweeper) deleteExpiredJobs(ctx context.Context) (int64, error) {
	cutoff := s.clock.Now().Add(-s.config.Retention)
	var total int64
	for {
		count, err := s.repo.DeleteCompletedJobs(ctx, core.DeleteJobsParams{
			UpdatedBefore: cutoff,
			BatchSize:     s.config.BatchSize,
		})
		if err != nil {
			return total, err
		}
		total += count
		if count == 0 {
			break
		}
		if ctx.Err() != nil {
			return total, ctx.Err()
		}
	}

	if total > 0 && s.logger != nil {
		s.logger.InfoContext(ctx, "deleted expired jobs",
			"count", total,
			"retention", s.config.Retention,
		)
	}
	return total, nil
}

type sweepMetrics struct {
	TimedOutCount int64
	TimedOutErr   error
	DeletedCount  int64
	DeletedErr    error
	Elapsed       time.Duration
}

func (s *Sweeper) emitSweepMetrics(m sweepMetrics) {
	if s.metrics == nil {
		return
	}

	total := m.TimedOutCount + m.DeletedCount
	firstErr := firstError(m.TimedOutErr, m.DeletedErr)

	result := metrics.ResultSuccess
	if firstErr != nil {
		result = metrics.ResultError
	} else if total == 0 {
		result = metrics.ResultNoop
	}

	tags := map[string]string{"result": result}
	if firstErr != nil {
		if class := obserrors.Classify(firstErr); class != "" {
			tags["error_class"] = class
		}
	}

	s.metrics.Count("sweeper.run", 1, tags)
	if m.Elapsed > 0 {
		s.metrics.Timing("sweeper.run_duration", m.Elapsed, metrics.CloneTags(tags))
	}

	s.emitStepMetric("timeout_collections", m.TimedOutCount, m.TimedOutErr)
	s.emitStepMetric("delete_expired", m.DeletedCount, m.DeletedErr)

	if firstErr == nil {
		s.metrics.Gauge("sweeper.last_success_epoch", float64(time.Now().Unix()), nil)
	}
}

func (s *Sweeper) emitStepMetric(operation string, count int64, err error) {
	result := metrics.ResultSuccess
	if err != nil {
		result = metrics.ResultError
	} else if count == 0 {
		result = metrics.ResultNoop
	}

	tags := map[string]string{
		"operation": operation,
		"result":    result,
	}
	if err != nil {
		if class := obserrors.Classify(err); class != "" {
			tags["error_class"] = class
		}
	}

	s.metrics.Count("sweeper.operation", 1, tags)
	if err == nil && count > 0 {
		s.metrics.Count("sweeper.rows_processed", count, metrics.CloneTags(tags))
	}
}

func (s *Sweeper) logSweepError(err error, label string) {
	if err == nil || s.logger == nil {
		return
	}
	if isContextCancellation(err) {
		s.logger.Debug(label+" canceled by context", "error", err)
		return
	}
	s.logger.Error(label+" failed", "error", err)
}

func firstError(errs ...error) error {
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

func suppressContextCancellation(err error) error {
	if isContextCancellation(err) {
		return nil
	}
	return err
}
