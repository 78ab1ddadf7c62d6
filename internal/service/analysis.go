package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/target/mmk-fanout/internal/core"
	"github.com/target/mmk-fanout/internal/domain/analysis"
	"github.com/target/mmk-fanout/internal/domain/model"
	apperrors "github.com/target/mmk-fanout/internal/errors"
	"github.com/target/mmk-fanout/internal/observability/metrics"
	"github.com/target/mmk-fanout/internal/observability/statsd"
)

// AnalysisServiceOptions groups dependencies for AnalysisService.
type AnalysisServiceOptions struct {
	Repo        core.AnalysisRepository            // Required
	Trigger     core.CollectionTrigger             // Required
	Interpreter core.Interpreter                   // Required
	Plan        *analysis.Plan                     // Optional: defaults to analysis.DefaultPlan
	Classifier  analysis.CollectionErrorClassifier // Optional
	Merger      analysis.Merger                    // Optional
	Locker      core.JobLocker                     // Optional: defaults to an in-process lock table
	// Runner executes launches and interpretation passes. Nil runs them inline, which
	// makes CreateJob block until every shard is triggered.
	Runner BackgroundRunner

	CallbackBaseURL  string        // Required
	LaunchDelay      time.Duration // See LauncherOptions.Delay
	Policy           InterpretationPolicy
	InterpretWorkers int
	ConflictRetries  int
	Clock            core.Clock   // Optional
	Logger           *slog.Logger // Optional
	Metrics          statsd.Sink  // Optional
}

// AnalysisService is the inbound API of the fan-out orchestrator.
type AnalysisService struct {
	repo       core.AnalysisRepository
	plan       *analysis.Plan
	launcher   *Launcher
	callbacks  *CallbackReceiver
	dispatcher *Dispatcher
	retries    *RetryPlanner
	runner     BackgroundRunner
	logger     *slog.Logger
	metrics    statsd.Sink
}

// NewAnalysisService wires the launcher, callback receiver, dispatcher and retry planner.
func NewAnalysisService(opts AnalysisServiceOptions) (*AnalysisService, error) {
	if opts.Repo == nil {
		return nil, errors.New("AnalysisRepository is required")
	}
	plan := opts.Plan
	if plan == nil {
		plan = analysis.DefaultPlan()
	}
	locker := opts.Locker
	if locker == nil {
		locker = NewLocalJobLocker()
	}

	launcher, err := NewLauncher(LauncherOptions{
		Repo:            opts.Repo,
		Trigger:         opts.Trigger,
		Plan:            plan,
		CallbackBaseURL: opts.CallbackBaseURL,
		Delay:           opts.LaunchDelay,
		Clock:           opts.Clock,
		Logger:          opts.Logger,
		Metrics:         opts.Metrics,
	})
	if err != nil {
		return nil, fmt.Errorf("create launcher: %w", err)
	}

	dispatcher, err := NewDispatcher(DispatcherOptions{
		Repo:        opts.Repo,
		Interpreter: opts.Interpreter,
		Plan:        plan,
		Merger:      opts.Merger,
		Policy:      opts.Policy,
		Concurrency: opts.InterpretWorkers,
		Clock:       opts.Clock,
		Logger:      opts.Logger,
		Metrics:     opts.Metrics,
	})
	if err != nil {
		return nil, fmt.Errorf("create dispatcher: %w", err)
	}

	retries, err := NewRetryPlanner(RetryPlannerOptions{
		Repo:            opts.Repo,
		Locker:          locker,
		Launcher:        launcher,
		Dispatcher:      dispatcher,
		Runner:          opts.Runner,
		ConflictRetries: opts.ConflictRetries,
		Clock:           opts.Clock,
		Logger:          opts.Logger,
		Metrics:         opts.Metrics,
	})
	if err != nil {
		return nil, fmt.Errorf("create retry planner: %w", err)
	}

	var logger *slog.Logger
	if opts.Logger != nil {
		logger = opts.Logger.With("component", "analysis_service")
	}

	svc := &AnalysisService{
		repo:       opts.Repo,
		plan:       plan,
		launcher:   launcher,
		dispatcher: dispatcher,
		retries:    retries,
		runner:     opts.Runner,
		logger:     logger,
		metrics:    opts.Metrics,
	}

	callbacks, err := NewCallbackReceiver(CallbackReceiverOptions{
		Repo:        opts.Repo,
		Classifier:  opts.Classifier,
		OnCollected: svc.scheduleInterpretation,
		Clock:       opts.Clock,
		Logger:      opts.Logger,
		Metrics:     opts.Metrics,
	})
	if err != nil {
		return nil, fmt.Errorf("create callback receiver: %w", err)
	}
	svc.callbacks = callbacks
	return svc, nil
}

// CreateJob persists a pending job with one shard record per plan entry and starts the
// launch. With a background runner it returns as soon as the job is stored.
func (s *AnalysisService) CreateJob(ctx context.Context, req model.CreateJobRequest) (*model.Job, error) {
	if err := req.Validate(); err != nil {
		return nil, apperrors.Validation(err.Error())
	}

	job := &model.Job{
		ID:          uuid.NewString(),
		UserID:      req.UserID,
		Prompt:      req.Prompt,
		Status:      model.JobStatusPending,
		Shards:      s.plan.NewShardRecords(),
		TotalShards: s.plan.Len(),
	}
	created, err := s.repo.Create(ctx, job)
	if err != nil {
		return nil, fmt.Errorf("create analysis job: %w", err)
	}

	metrics.EmitJobTransition(s.metrics, metrics.JobMetric{
		Transition: string(model.JobStatusPending),
		Result:     metrics.ResultSuccess,
	})
	if s.logger != nil {
		s.logger.InfoContext(ctx, "analysis job created",
			"job_id", created.ID, "user_id", created.UserID, "total_shards", created.TotalShards)
	}

	jobID := created.ID
	err = runInBackground(ctx, s.runner, "launch:"+jobID, func(ctx context.Context) error {
		_, err := s.launcher.Launch(ctx, jobID)
		return err
	})
	if err != nil {
		var abort *analysis.JobAbortError
		if s.runner == nil && errors.As(err, &abort) {
			// The job is stored as failed; the caller can still poll and retry it.
			return s.reload(ctx, created)
		}
		return nil, fmt.Errorf("launch analysis job %s: %w", jobID, err)
	}
	return s.reload(ctx, created)
}

func (s *AnalysisService) reload(ctx context.Context, fallback *model.Job) (*model.Job, error) {
	if s.runner != nil {
		return fallback, nil
	}
	job, err := s.repo.GetByID(ctx, fallback.ID)
	if err != nil {
		return nil, fmt.Errorf("reload analysis job: %w", err)
	}
	return job, nil
}

// RetryJob re-runs a job along the cheapest path its stored state allows.
func (s *AnalysisService) RetryJob(ctx context.Context, jobID string) (model.RetryResult, error) {
	return s.retries.Retry(ctx, jobID)
}

// SmartRetry re-runs interpretation only.
func (s *AnalysisService) SmartRetry(ctx context.Context, jobID, reason string) error {
	return s.retries.SmartRetry(ctx, jobID, reason)
}

// FullRetry re-collects every shard.
func (s *AnalysisService) FullRetry(ctx context.Context, jobID, reason string) error {
	return s.retries.FullRetry(ctx, jobID, reason)
}

// GetJobStatus returns the job and its progress projection.
func (s *AnalysisService) GetJobStatus(ctx context.Context, jobID string) (*model.JobStatusView, error) {
	job, err := s.repo.GetByID(ctx, jobID)
	if err != nil {
		if errors.Is(err, core.ErrJobNotFound) {
			return nil, apperrors.Wrapf(err, apperrors.ErrCodeNotFound, "analysis job %s not found", jobID)
		}
		return nil, fmt.Errorf("get analysis job: %w", err)
	}
	return &model.JobStatusView{Job: job, Progress: analysis.Project(job)}, nil
}

// HandleCallback applies a collection callback.
func (s *AnalysisService) HandleCallback(ctx context.Context, params CallbackParams) (model.CallbackResponse, error) {
	return s.callbacks.OnCallback(ctx, params)
}

// scheduleInterpretation starts the interpretation pass after the last collection landed.
func (s *AnalysisService) scheduleInterpretation(ctx context.Context, jobID string) {
	err := runInBackground(ctx, s.runner, "interpret:"+jobID, func(ctx context.Context) error {
		return s.dispatcher.Run(ctx, jobID)
	})
	if err != nil && s.logger != nil {
		s.logger.ErrorContext(ctx, "interpretation pass failed", "job_id", jobID, "error", err)
	}
}
