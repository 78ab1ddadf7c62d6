package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	jmespath "github.com/jmespath-community/go-jmespath"
	"golang.org/x/sync/errgroup"

	"github.com/target/mmk-fanout/internal/core"
	"github.com/target/mmk-fanout/internal/domain/analysis"
	"github.com/target/mmk-fanout/internal/domain/model"
	"github.com/target/mmk-fanout/internal/observability/metrics"
	"github.com/target/mmk-fanout/internal/observability/statsd"
)

// InterpretationPolicy decides when shard interpretation failures fail the job.
type InterpretationPolicy struct {
	// MaxFailures is the number of shards that may end without an interpretation result
	// while the job still merges. Zero requires every shard.
	MaxFailures int
}

// DispatcherOptions groups dependencies for Dispatcher.
type DispatcherOptions struct {
	Repo        core.AnalysisRepository // Required
	Interpreter core.Interpreter        // Required
	Plan        *analysis.Plan          // Required
	Merger      analysis.Merger         // Optional: defaults to analysis.KeyUnionMerger
	Policy      InterpretationPolicy
	// Concurrency bounds parallel interpretation calls for one job.
	Concurrency int
	Clock       core.Clock   // Optional
	Logger      *slog.Logger // Optional
	Metrics     statsd.Sink  // Optional
}

// Dispatcher runs the interpretation pass over a collected job and merges the results.
type Dispatcher struct {
	repo        core.AnalysisRepository
	interpreter core.Interpreter
	plan        *analysis.Plan
	merger      analysis.Merger
	policy      InterpretationPolicy
	concurrency int
	clock       core.Clock
	logger      *slog.Logger
	metrics     statsd.Sink
}

// NewDispatcher constructs a Dispatcher.
func NewDispatcher(opts DispatcherOptions) (*Dispatcher, error) {
	if opts.Repo == nil {
		return nil, errors.New("AnalysisRepository is required")
	}
	if opts.Interpreter == nil {
		return nil, errors.New("Interpreter is required")
	}
	if opts.Plan == nil {
		return nil, errors.New("shard plan is required")
	}
	for _, def := range opts.Plan.Shards() {
		if def.Selector == "" {
			continue
		}
		if _, err := jmespath.Compile(def.Selector); err != nil {
			return nil, fmt.Errorf("shard %q selector: %w", def.Name, err)
		}
	}

	merger := opts.Merger
	if merger == nil {
		merger = analysis.KeyUnionMerger{}
	}
	concurrency := opts.Concurrency
	if concurrency < 1 {
		concurrency = 1
	}
	policy := opts.Policy
	if policy.MaxFailures < 0 {
		policy.MaxFailures = 0
	}

	var logger *slog.Logger
	if opts.Logger != nil {
		logger = opts.Logger.With("component", "dispatcher")
	}

	return &Dispatcher{
		repo:        opts.Repo,
		interpreter: opts.Interpreter,
		plan:        opts.Plan,
		merger:      merger,
		policy:      policy,
		concurrency: concurrency,
		clock:       clockOrDefault(opts.Clock),
		logger:      logger,
		metrics:     opts.Metrics,
	}, nil
}

// Run interprets every collected shard of a job in status collected, then applies the
// failure policy and merges. A job in any other status is left alone.
func (d *Dispatcher) Run(ctx context.Context, jobID string) error {
	start := time.Now()
	started := false
	job, err := d.repo.Update(ctx, core.UpdateJobParams{
		JobID: jobID,
		Mutate: func(j *model.Job) error {
			if j.Status != model.JobStatusCollected {
				return core.ErrSkipUpdate
			}
			j.Status = model.JobStatusInterpreting
			started = true
			return nil
		},
	})
	if err != nil {
		return fmt.Errorf("begin interpretation: %w", err)
	}
	if !started {
		if d.logger != nil {
			d.logger.InfoContext(ctx, "interpretation not started", "job_id", jobID, "status", job.Status)
		}
		return nil
	}

	var g errgroup.Group
	g.SetLimit(d.concurrency)
	for _, idx := range analysis.PendingInterpretations(job) {
		shard, _ := job.Shard(idx)
		raw := shard.CollectionRawResult
		g.Go(func() error {
			return d.interpretShard(ctx, jobID, idx, raw)
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("interpret shards: %w", err)
	}

	return d.finish(ctx, jobID, start)
}

// interpretShard runs one shard. Interpreter failures are recorded on the shard and do
// not fail the call; only persistence errors are returned.
func (d *Dispatcher) interpretShard(ctx context.Context, jobID string, index int, raw json.RawMessage) error {
	def, ok := d.plan.Shard(index)
	if !ok {
		return fmt.Errorf("shard %d: %w", index, analysis.ErrShardNotFound)
	}

	skipped := false
	if _, err := d.repo.Update(ctx, core.UpdateJobParams{
		JobID: jobID,
		Mutate: func(j *model.Job) error {
			err := analysis.BeginInterpretation(j, index, d.clock.Now())
			if errors.Is(err, analysis.ErrInvalidTransition) {
				skipped = true
				return core.ErrSkipUpdate
			}
			return err
		},
	}); err != nil {
		return fmt.Errorf("begin shard %d: %w", index, err)
	}
	if skipped {
		return nil
	}

	start := time.Now()
	result, interpErr := d.interpret(ctx, jobID, def, raw)
	metrics.EmitShard(d.metrics, metrics.ShardMetric{
		Stage:    metrics.StageInterpret,
		Shard:    def.Name,
		Result:   metrics.ResultFor(interpErr),
		Duration: time.Since(start),
		Err:      interpErr,
	})

	if _, err := d.repo.Update(ctx, core.UpdateJobParams{
		JobID: jobID,
		Mutate: func(j *model.Job) error {
			if interpErr != nil {
				return analysis.FailInterpretation(j, index, interpErr.Error(), d.clock.Now())
			}
			return analysis.CompleteInterpretation(j, index, result, d.clock.Now())
		},
	}); err != nil {
		return fmt.Errorf("record shard %d interpretation: %w", index, err)
	}

	if interpErr != nil && d.logger != nil {
		d.logger.WarnContext(ctx, "shard interpretation failed",
			"job_id", jobID, "shard", def.Name, "shard_index", index, "error", interpErr)
	}
	return nil
}

func (d *Dispatcher) interpret(
	ctx context.Context,
	jobID string,
	def analysis.ShardDefinition,
	raw json.RawMessage,
) (json.RawMessage, error) {
	input, err := selectRaw(def.Selector, raw)
	if err != nil {
		return nil, &analysis.InterpretationError{ShardIndex: def.Index, Err: err}
	}
	out, err := d.interpreter.Interpret(ctx, core.InterpretRequest{
		JobID:          jobID,
		ShardIndex:     def.Index,
		ShardName:      def.Name,
		RawResult:      input,
		PromptTemplate: def.PromptTemplate,
	})
	if err != nil {
		return nil, &analysis.InterpretationError{ShardIndex: def.Index, Err: err}
	}
	if len(out) == 0 || !json.Valid(out) {
		return nil, &analysis.InterpretationError{ShardIndex: def.Index, Err: errors.New("malformed structured output")}
	}
	return out, nil
}

// selectRaw applies a JMESPath selector to raw collection output.
func selectRaw(expr string, raw json.RawMessage) (json.RawMessage, error) {
	if expr == "" {
		return raw, nil
	}
	var data any
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, fmt.Errorf("invalid raw result JSON: %w", err)
	}
	res, err := jmespath.Search(expr, data)
	if err != nil {
		return nil, fmt.Errorf("evaluate selector: %w", err)
	}
	b, err := json.Marshal(res)
	if err != nil {
		return nil, fmt.Errorf("marshal selected raw result: %w", err)
	}
	return b, nil
}

// finish applies the failure policy, then merges.
func (d *Dispatcher) finish(ctx context.Context, jobID string, start time.Time) error {
	var policyErr error
	job, err := d.repo.Update(ctx, core.UpdateJobParams{
		JobID: jobID,
		Mutate: func(j *model.Job) error {
			if j.Status != model.JobStatusInterpreting {
				return core.ErrSkipUpdate
			}
			missing := j.TotalShards - j.CompletedInterpretations
			if missing > d.policy.MaxFailures {
				policyErr = fmt.Errorf("interpretation failed for %d of %d shards", missing, j.TotalShards)
				j.Fail(policyErr.Error())
				return nil
			}
			j.Status = model.JobStatusMerging
			return nil
		},
	})
	if err != nil {
		return fmt.Errorf("apply interpretation policy: %w", err)
	}
	if policyErr != nil {
		d.emitJob(ctx, jobID, model.JobStatusFailed, start, policyErr)
		return nil
	}
	if job.Status != model.JobStatusMerging {
		return nil
	}

	var mergeErr error
	job, err = d.repo.Update(ctx, core.UpdateJobParams{
		JobID: jobID,
		Mutate: func(j *model.Job) error {
			if j.Status != model.JobStatusMerging {
				return core.ErrSkipUpdate
			}
			merged, err := d.merger.Merge(analysis.CompletedResults(j))
			if err != nil {
				mergeErr = err
				j.Fail(fmt.Sprintf("merge results: %v", err))
				return nil
			}
			now := d.clock.Now()
			j.Result = merged
			j.Status = model.JobStatusCompleted
			j.CompletedAt = &now
			j.Error = nil
			return nil
		},
	})
	if err != nil {
		return fmt.Errorf("merge results: %w", err)
	}
	d.emitJob(ctx, jobID, job.Status, start, mergeErr)
	return nil
}

func (d *Dispatcher) emitJob(ctx context.Context, jobID string, status model.JobStatus, start time.Time, err error) {
	metrics.EmitJobTransition(d.metrics, metrics.JobMetric{
		Transition: string(status),
		Result:     metrics.ResultFor(err),
		Duration:   time.Since(start),
		Err:        err,
	})
	if d.logger == nil {
		return
	}
	if err != nil {
		d.logger.ErrorContext(ctx, "analysis failed", "job_id", jobID, "status", status, "error", err)
		return
	}
	d.logger.InfoContext(ctx, "analysis finished", "job_id", jobID, "status", status)
}
