package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/target/mmk-fanout/internal/core"
	"github.com/target/mmk-fanout/internal/domain/analysis"
	"github.com/target/mmk-fanout/internal/domain/model"
	apperrors "github.com/target/mmk-fanout/internal/errors"
	"github.com/target/mmk-fanout/internal/observability/metrics"
	"github.com/target/mmk-fanout/internal/observability/statsd"
)

// CallbackParams identifies one collection callback.
type CallbackParams struct {
	JobID      string
	ShardIndex int
	// Attempt is the shard retry counter the callback address was issued for.
	// analysis.AnyAttempt accepts the callback regardless.
	Attempt int
	Result  model.CollectionCallback
}

// CallbackReceiverOptions groups dependencies for CallbackReceiver.
type CallbackReceiverOptions struct {
	Repo       core.AnalysisRepository            // Required
	Classifier analysis.CollectionErrorClassifier // Optional: defaults to analysis.DefaultClassifier
	// OnCollected is invoked once per job, after the callback that completed the last
	// shard has been committed.
	OnCollected func(ctx context.Context, jobID string)
	Clock       core.Clock   // Optional
	Logger      *slog.Logger // Optional
	Metrics     statsd.Sink  // Optional
}

// CallbackReceiver applies collection callbacks to shard state. It is safe for
// concurrent use; the repository serializes updates per job.
type CallbackReceiver struct {
	repo        core.AnalysisRepository
	classifier  analysis.CollectionErrorClassifier
	onCollected func(ctx context.Context, jobID string)
	clock       core.Clock
	logger      *slog.Logger
	metrics     statsd.Sink
}

// NewCallbackReceiver constructs a CallbackReceiver.
func NewCallbackReceiver(opts CallbackReceiverOptions) (*CallbackReceiver, error) {
	if opts.Repo == nil {
		return nil, errors.New("AnalysisRepository is required")
	}
	classifier := opts.Classifier
	if classifier == nil {
		classifier = analysis.DefaultClassifier()
	}
	var logger *slog.Logger
	if opts.Logger != nil {
		logger = opts.Logger.With("component", "callback_receiver")
	}
	return &CallbackReceiver{
		repo:        opts.Repo,
		classifier:  classifier,
		onCollected: opts.OnCollected,
		clock:       clockOrDefault(opts.Clock),
		logger:      logger,
		metrics:     opts.Metrics,
	}, nil
}

// OnCallback applies one callback. Duplicate and stale callbacks are acknowledged
// without side effects. Unknown jobs and shards are NotFound errors.
func (r *CallbackReceiver) OnCallback(ctx context.Context, params CallbackParams) (model.CallbackResponse, error) {
	if err := params.Result.Validate(); err != nil {
		return model.CallbackResponse{}, apperrors.Wrap(err, apperrors.ErrCodeValidation, "invalid callback body")
	}

	var effect analysis.CallbackEffect
	job, err := r.repo.Update(ctx, core.UpdateJobParams{
		JobID: params.JobID,
		Mutate: func(job *model.Job) error {
			eff, err := analysis.ApplyCollectionCallback(
				job, params.ShardIndex, params.Attempt, params.Result, r.classifier, r.clock.Now(),
			)
			if err != nil {
				return err
			}
			effect = eff
			if eff.Outcome != model.CallbackApplied {
				return core.ErrSkipUpdate
			}
			return nil
		},
	})
	if err != nil {
		return model.CallbackResponse{}, r.mapError(params, err)
	}

	r.observe(ctx, params, job, effect)

	if effect.BecameCollected && r.onCollected != nil {
		r.onCollected(ctx, params.JobID)
	}
	return model.CallbackResponse{Outcome: effect.Outcome, Status: job.Status}, nil
}

func (r *CallbackReceiver) mapError(params CallbackParams, err error) error {
	switch {
	case errors.Is(err, core.ErrJobNotFound):
		return apperrors.Wrapf(err, apperrors.ErrCodeNotFound, "analysis job %s not found", params.JobID)
	case errors.Is(err, analysis.ErrShardNotFound):
		return apperrors.Wrapf(err, apperrors.ErrCodeNotFound,
			"shard %d of analysis job %s not found", params.ShardIndex, params.JobID)
	default:
		return fmt.Errorf("apply collection callback: %w", err)
	}
}

func (r *CallbackReceiver) observe(ctx context.Context, params CallbackParams, job *model.Job, effect analysis.CallbackEffect) {
	shardName := ""
	if s, ok := job.Shard(params.ShardIndex); ok {
		shardName = s.ShardName
	}

	result := metrics.ResultSuccess
	switch {
	case effect.Outcome != model.CallbackApplied:
		result = metrics.ResultNoop
	case !params.Result.Success:
		result = metrics.ResultError
	}
	var reported error
	if !params.Result.Success {
		reported = &analysis.CollectionError{
			ShardIndex: params.ShardIndex,
			Message:    params.Result.Error,
			Transient:  r.classifier.Classify(params.Result.Error) == model.CollectionStatusRetryNeeded,
		}
	}
	metrics.EmitShard(r.metrics, metrics.ShardMetric{
		Stage:  metrics.StageCallback,
		Shard:  shardName,
		Result: result,
		Err:    reported,
	})

	if r.logger == nil {
		return
	}
	attrs := []any{
		"job_id", params.JobID,
		"shard", shardName,
		"shard_index", params.ShardIndex,
		"attempt", params.Attempt,
		"outcome", effect.Outcome,
		"completed_collections", job.CompletedCollections,
		"total_shards", job.TotalShards,
	}
	switch {
	case effect.Outcome != model.CallbackApplied:
		r.logger.InfoContext(ctx, "collection callback not applied", attrs...)
	case params.Result.Success:
		r.logger.InfoContext(ctx, "collection completed", attrs...)
	default:
		r.logger.WarnContext(ctx, "collection reported failure", append(attrs, "error", params.Result.Error)...)
	}
	if effect.BecameCollected {
		r.logger.InfoContext(ctx, "all shards collected", "job_id", params.JobID)
	}
}
