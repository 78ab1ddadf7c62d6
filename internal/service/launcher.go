package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/target/mmk-fanout/internal/core"
	"github.com/target/mmk-fanout/internal/domain/analysis"
	"github.com/target/mmk-fanout/internal/domain/model"
	"github.com/target/mmk-fanout/internal/observability/metrics"
	"github.com/target/mmk-fanout/internal/observability/statsd"
)

// Callback address layout shared by the launcher and the HTTP callback handler.
const (
	CallbackPath       = "/api/callbacks/collection"
	CallbackJobParam   = "jobId"
	CallbackShardParam = "shardIndex"
	CallbackAttempt    = "attempt"
)

// CallbackURL returns the address the collection worker posts shard results to.
func CallbackURL(base, jobID string, shardIndex, attempt int) (string, error) {
	u, err := url.Parse(strings.TrimRight(base, "/") + CallbackPath)
	if err != nil {
		return "", fmt.Errorf("parse callback base url: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("callback base url %q must be absolute", base)
	}
	q := url.Values{}
	q.Set(CallbackJobParam, jobID)
	q.Set(CallbackShardParam, strconv.Itoa(shardIndex))
	q.Set(CallbackAttempt, strconv.Itoa(attempt))
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// LauncherOptions groups dependencies for Launcher.
type LauncherOptions struct {
	Repo            core.AnalysisRepository // Required
	Trigger         core.CollectionTrigger  // Required
	Plan            *analysis.Plan          // Required
	CallbackBaseURL string                  // Required: externally reachable base URL
	// Delay is the minimum spacing between consecutive triggers. It is enforced by a
	// token bucket shared by every job launched through this Launcher.
	Delay   time.Duration
	Limiter *rate.Limiter // Optional: overrides Delay
	Clock   core.Clock    // Optional
	Logger  *slog.Logger  // Optional
	Metrics statsd.Sink   // Optional
}

// LaunchSummary reports what one Launch call did.
type LaunchSummary struct {
	Attempted int
	Succeeded int
}

// Launcher triggers the external collection for every shard of a job, in plan order
// and at a bounded rate.
type Launcher struct {
	repo         core.AnalysisRepository
	trigger      core.CollectionTrigger
	plan         *analysis.Plan
	callbackBase string
	limiter      *rate.Limiter
	clock        core.Clock
	logger       *slog.Logger
	metrics      statsd.Sink
}

// NewLauncher constructs a Launcher.
func NewLauncher(opts LauncherOptions) (*Launcher, error) {
	if opts.Repo == nil {
		return nil, errors.New("AnalysisRepository is required")
	}
	if opts.Trigger == nil {
		return nil, errors.New("CollectionTrigger is required")
	}
	if opts.Plan == nil {
		return nil, errors.New("shard plan is required")
	}
	if _, err := CallbackURL(opts.CallbackBaseURL, "job", 0, 0); err != nil {
		return nil, err
	}

	limiter := opts.Limiter
	if limiter == nil {
		limit := rate.Inf
		if opts.Delay > 0 {
			limit = rate.Every(opts.Delay)
		}
		limiter = rate.NewLimiter(limit, 1)
	}

	var logger *slog.Logger
	if opts.Logger != nil {
		logger = opts.Logger.With("component", "launcher")
	}

	return &Launcher{
		repo:         opts.Repo,
		trigger:      opts.Trigger,
		plan:         opts.Plan,
		callbackBase: opts.CallbackBaseURL,
		limiter:      limiter,
		clock:        clockOrDefault(opts.Clock),
		logger:       logger,
		metrics:      opts.Metrics,
	}, nil
}

// Launch triggers collection for every pending shard of a pending job. A failed trigger
// marks only that shard failed; the loop continues. When no trigger succeeds the job
// fails with a JobAbortError. Launch blocks for roughly shards x delay.
func (l *Launcher) Launch(ctx context.Context, jobID string) (LaunchSummary, error) {
	job, err := l.repo.GetByID(ctx, jobID)
	if err != nil {
		return LaunchSummary{}, fmt.Errorf("load job: %w", err)
	}
	if job.Status != model.JobStatusPending {
		return LaunchSummary{}, fmt.Errorf("job %s is %s: %w", jobID, job.Status, analysis.ErrInvalidTransition)
	}

	var summary LaunchSummary
	for _, def := range l.plan.Shards() {
		shard, ok := job.Shard(def.Index)
		if !ok || shard.CollectionStatus != model.CollectionStatusPending {
			continue
		}
		if err := l.limiter.Wait(ctx); err != nil {
			return summary, fmt.Errorf("wait for launch slot: %w", err)
		}

		summary.Attempted++
		launched, err := l.launchShard(ctx, job, def)
		if err != nil {
			return summary, err
		}
		if launched {
			summary.Succeeded++
		}
	}

	if err := l.finish(ctx, jobID, summary); err != nil {
		return summary, err
	}
	return summary, nil
}

// launchShard persists the in-flight state, calls the trigger and records the outcome.
// It reports whether the trigger succeeded; the error is reserved for persistence failures.
func (l *Launcher) launchShard(ctx context.Context, job *model.Job, def analysis.ShardDefinition) (bool, error) {
	start := time.Now()
	attempt := 0
	if _, err := l.repo.Update(ctx, core.UpdateJobParams{
		JobID: job.ID,
		Mutate: func(j *model.Job) error {
			if err := analysis.MarkLaunching(j, def.Index, l.clock.Now()); err != nil {
				return err
			}
			s, _ := j.Shard(def.Index)
			attempt = s.RetryCount
			return nil
		},
	}); err != nil {
		return false, fmt.Errorf("mark shard %d launching: %w", def.Index, err)
	}

	var handle string
	payload, launchErr := def.BuildRequest(job.Prompt)
	if launchErr == nil {
		handle, launchErr = l.trigger.Trigger(ctx, l.triggerRequest(job, def, attempt, payload))
	} else {
		launchErr = fmt.Errorf("build request: %w", launchErr)
	}
	metrics.EmitShard(l.metrics, metrics.ShardMetric{
		Stage:    metrics.StageLaunch,
		Shard:    def.Name,
		Result:   metrics.ResultFor(launchErr),
		Duration: time.Since(start),
		Err:      launchErr,
	})

	if launchErr != nil {
		var le *analysis.LaunchError
		if !errors.As(launchErr, &le) {
			launchErr = &analysis.LaunchError{ShardIndex: def.Index, Err: launchErr}
		}
		if l.logger != nil {
			l.logger.WarnContext(ctx, "shard launch failed",
				"job_id", job.ID, "shard", def.Name, "shard_index", def.Index, "error", launchErr)
		}
		return false, l.recordFailure(ctx, job.ID, def.Index, launchErr)
	}

	if _, err := l.repo.Update(ctx, core.UpdateJobParams{
		JobID: job.ID,
		Mutate: func(j *model.Job) error {
			return analysis.RecordLaunchSuccess(j, def.Index, handle)
		},
	}); err != nil {
		return true, fmt.Errorf("record shard %d handle: %w", def.Index, err)
	}
	if l.logger != nil {
		l.logger.DebugContext(ctx, "shard launched",
			"job_id", job.ID, "shard", def.Name, "shard_index", def.Index, "handle", handle)
	}
	return true, nil
}

func (l *Launcher) triggerRequest(
	job *model.Job,
	def analysis.ShardDefinition,
	attempt int,
	payload json.RawMessage,
) core.TriggerRequest {
	req := core.TriggerRequest{JobID: job.ID, ShardIndex: def.Index, ShardName: def.Name, Payload: payload}
	// CallbackBaseURL was validated in NewLauncher; the remaining inputs are escaped.
	req.CallbackURL, _ = CallbackURL(l.callbackBase, job.ID, def.Index, attempt)
	return req
}

func (l *Launcher) recordFailure(ctx context.Context, jobID string, index int, launchErr error) error {
	_, err := l.repo.Update(ctx, core.UpdateJobParams{
		JobID: jobID,
		Mutate: func(j *model.Job) error {
			err := analysis.RecordLaunchFailure(j, index, launchErr)
			if errors.Is(err, analysis.ErrInvalidTransition) {
				return core.ErrSkipUpdate
			}
			return err
		},
	})
	if err != nil {
		return fmt.Errorf("record shard %d launch failure: %w", index, err)
	}
	return nil
}

func (l *Launcher) finish(ctx context.Context, jobID string, summary LaunchSummary) error {
	var abortErr *analysis.JobAbortError
	if summary.Succeeded == 0 && summary.Attempted > 0 {
		abortErr = &analysis.JobAbortError{JobID: jobID, Attempts: summary.Attempted}
	}

	_, err := l.repo.Update(ctx, core.UpdateJobParams{
		JobID: jobID,
		Mutate: func(j *model.Job) error {
			if j.Status != model.JobStatusPending {
				return core.ErrSkipUpdate
			}
			if abortErr != nil {
				j.Fail(abortErr.Error())
				return nil
			}
			j.Status = model.JobStatusInProgress
			return nil
		},
	})
	if err != nil {
		return fmt.Errorf("finish launch: %w", err)
	}

	if abortErr != nil {
		metrics.EmitJobTransition(l.metrics, metrics.JobMetric{
			Transition: string(model.JobStatusFailed), Result: metrics.ResultError, Err: abortErr,
		})
		if l.logger != nil {
			l.logger.ErrorContext(ctx, "job aborted", "job_id", jobID, "error", abortErr)
		}
		return abortErr
	}
	if l.logger != nil {
		l.logger.InfoContext(ctx, "job launched",
			"job_id", jobID, "attempted", summary.Attempted, "succeeded", summary.Succeeded)
	}
	return nil
}
