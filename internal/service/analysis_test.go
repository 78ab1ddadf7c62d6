package service

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/target/mmk-fanout/internal/core"
	"github.com/target/mmk-fanout/internal/domain/analysis"
	"github.com/target/mmk-fanout/internal/domain/model"
	apperrors "github.com/target/mmk-fanout/internal/errors"
	"github.com/target/mmk-fanout/internal/mocks"
	"github.com/target/mmk-fanout/internal/testutil"
)

type serviceHarness struct {
	f       *fixture
	trigger *mocks.MockCollectionTrigger
	interp  *mocks.MockInterpreter
	svc     *AnalysisService
}

func newServiceHarness(t *testing.T, n int, runner BackgroundRunner) *serviceHarness {
	t.Helper()
	f := newFixture()
	ctrl := gomock.NewController(t)
	h := &serviceHarness{
		f:       f,
		trigger: mocks.NewMockCollectionTrigger(ctrl),
		interp:  mocks.NewMockInterpreter(ctrl),
	}
	svc, err := NewAnalysisService(AnalysisServiceOptions{
		Repo:             f.repo,
		Trigger:          h.trigger,
		Interpreter:      h.interp,
		Plan:             testPlan(t, n),
		Runner:           runner,
		CallbackBaseURL:  testCallbackBase,
		InterpretWorkers: 2,
		Clock:            f.clock,
		Metrics:          f.metrics,
	})
	require.NoError(t, err)
	h.svc = svc
	return h
}

func (h *serviceHarness) collectAll(t *testing.T, jobID string, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		resp, err := h.svc.HandleCallback(context.Background(), CallbackParams{
			JobID: jobID, ShardIndex: i, Attempt: 0, Result: success(testutil.RawResult(i)),
		})
		require.NoError(t, err)
		require.Equal(t, model.CallbackApplied, resp.Outcome)
	}
}

func TestNewAnalysisService_Validation(t *testing.T) {
	_, err := NewAnalysisService(AnalysisServiceOptions{})
	require.EqualError(t, err, "AnalysisRepository is required")

	ctrl := gomock.NewController(t)
	_, err = NewAnalysisService(AnalysisServiceOptions{
		Repo:        newFixture().repo,
		Trigger:     mocks.NewMockCollectionTrigger(ctrl),
		Interpreter: mocks.NewMockInterpreter(ctrl),
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "create launcher")
}

func TestAnalysisService_CreateJobValidation(t *testing.T) {
	h := newServiceHarness(t, 2, nil)
	_, err := h.svc.CreateJob(context.Background(), model.CreateJobRequest{Prompt: "  ", UserID: "u"})
	require.Error(t, err)
	assert.True(t, apperrors.IsValidation(err))
}

func TestAnalysisService_EndToEnd(t *testing.T) {
	h := newServiceHarness(t, 3, nil)
	ctx := context.Background()

	h.trigger.EXPECT().Trigger(gomock.Any(), gomock.Any()).Times(3).Return("snap", nil)
	h.interp.EXPECT().Interpret(gomock.Any(), gomock.Any()).Times(3).DoAndReturn(
		func(_ context.Context, req core.InterpretRequest) (json.RawMessage, error) {
			return shardOutput(req.ShardName), nil
		})

	job, err := h.svc.CreateJob(ctx, model.CreateJobRequest{Prompt: "Acme Corp", UserID: "user-1"})
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusInProgress, job.Status)
	assert.Len(t, job.Shards, 3)

	view, err := h.svc.GetJobStatus(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, analysis.PhaseInProgress, view.Progress.PhasePercent)
	assert.InDelta(t, 0.0, view.Progress.CollectionFraction, 1e-9)

	h.collectAll(t, job.ID, 3)

	view, err = h.svc.GetJobStatus(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusCompleted, view.Job.Status)
	assert.Equal(t, analysis.PhaseCompleted, view.Progress.PhasePercent)
	assert.InDelta(t, 1.0, view.Progress.CollectionFraction, 1e-9)
	assert.InDelta(t, 1.0, view.Progress.InterpretationFraction, 1e-9)
	assert.JSONEq(t, `{"shard-0":{"ok":true},"shard-1":{"ok":true},"shard-2":{"ok":true}}`, string(view.Job.Result))
}

func TestAnalysisService_GetJobStatusNotFound(t *testing.T) {
	h := newServiceHarness(t, 1, nil)
	_, err := h.svc.GetJobStatus(context.Background(), "missing")
	require.Error(t, err)
	assert.True(t, apperrors.IsNotFound(err))
}

func TestAnalysisService_CreateJobAllLaunchesFail(t *testing.T) {
	h := newServiceHarness(t, 2, nil)
	h.trigger.EXPECT().Trigger(gomock.Any(), gomock.Any()).Times(2).
		Return("", &analysis.LaunchError{StatusCode: 500, Err: errors.New("down")})

	job, err := h.svc.CreateJob(context.Background(), model.CreateJobRequest{Prompt: "Acme", UserID: "u"})
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusFailed, job.Status)
}

func TestScenarioB_SmartRetryAfterInterpretationFailure(t *testing.T) {
	h := newServiceHarness(t, 7, nil)
	ctx := context.Background()

	h.trigger.EXPECT().Trigger(gomock.Any(), gomock.Any()).Times(7).Return("snap", nil)
	failShard3 := true
	var mu sync.Mutex
	interpreted := map[int]int{}
	h.interp.EXPECT().Interpret(gomock.Any(), gomock.Any()).Times(14).DoAndReturn(
		func(_ context.Context, req core.InterpretRequest) (json.RawMessage, error) {
			mu.Lock()
			defer mu.Unlock()
			interpreted[req.ShardIndex]++
			if req.ShardIndex == 3 && failShard3 {
				return nil, errors.New("model overloaded")
			}
			return shardOutput(req.ShardName), nil
		})

	job, err := h.svc.CreateJob(ctx, model.CreateJobRequest{Prompt: "Acme Corp", UserID: "user-1"})
	require.NoError(t, err)
	h.collectAll(t, job.ID, 7)

	view, err := h.svc.GetJobStatus(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusFailed, view.Job.Status)
	assert.Equal(t, analysis.PhaseInterpreting, view.Progress.PhasePercent)

	mu.Lock()
	failShard3 = false
	mu.Unlock()

	res, err := h.svc.RetryJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RetryResult{OK: true, UsedSmartRetry: true}, res)

	view, err = h.svc.GetJobStatus(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusCompleted, view.Job.Status)
	for i := 0; i < 7; i++ {
		assert.Equal(t, 2, interpreted[i], "shard %d", i)
		assert.Equal(t, 0, view.Job.Shards[i].RetryCount)
	}
}

func TestScenarioC_RateLimitedLaunchNeverFailsJob(t *testing.T) {
	h := newServiceHarness(t, 7, nil)
	ctx := context.Background()

	h.trigger.EXPECT().Trigger(gomock.Any(), gomock.Any()).Times(7).DoAndReturn(
		func(_ context.Context, req core.TriggerRequest) (string, error) {
			if req.ShardIndex == 2 {
				return "", &analysis.LaunchError{ShardIndex: 2, StatusCode: 429, Err: errors.New("rate limited")}
			}
			return "snap", nil
		})

	job, err := h.svc.CreateJob(ctx, model.CreateJobRequest{Prompt: "Acme Corp", UserID: "user-1"})
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusInProgress, job.Status)

	for _, i := range []int{0, 1, 3, 4, 5, 6} {
		_, err := h.svc.HandleCallback(ctx, CallbackParams{
			JobID: job.ID, ShardIndex: i, Attempt: 0, Result: success(testutil.RawResult(i)),
		})
		require.NoError(t, err)
	}
	// A late callback for the shard whose launch failed cannot complete it.
	resp, err := h.svc.HandleCallback(ctx, CallbackParams{
		JobID: job.ID, ShardIndex: 2, Attempt: 0, Result: success(testutil.RawResult(2)),
	})
	require.NoError(t, err)
	assert.Equal(t, model.CallbackIgnored, resp.Outcome)

	view, err := h.svc.GetJobStatus(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusInProgress, view.Job.Status)
	assert.Equal(t, 6, view.Job.CompletedCollections)
	assert.False(t, analysis.CanSmartRetry(view.Job))
}

func TestAnalysisService_BackgroundRunner(t *testing.T) {
	group := NewTaskGroup(nil)
	h := newServiceHarness(t, 2, group)
	ctx := context.Background()

	launched := make(chan struct{})
	h.trigger.EXPECT().Trigger(gomock.Any(), gomock.Any()).Times(2).DoAndReturn(
		func(_ context.Context, req core.TriggerRequest) (string, error) {
			if req.ShardIndex == 1 {
				close(launched)
			}
			return "snap", nil
		})
	h.interp.EXPECT().Interpret(gomock.Any(), gomock.Any()).Times(2).DoAndReturn(
		func(_ context.Context, req core.InterpretRequest) (json.RawMessage, error) {
			return shardOutput(req.ShardName), nil
		})

	job, err := h.svc.CreateJob(ctx, model.CreateJobRequest{Prompt: "Acme Corp", UserID: "user-1"})
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusPending, job.Status)

	select {
	case <-launched:
	case <-time.After(5 * time.Second):
		t.Fatal("launch did not run in the background")
	}
	group.Wait()
	h.collectAll(t, job.ID, 2)

	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, group.Shutdown(shutdownCtx))

	view, err := h.svc.GetJobStatus(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusCompleted, view.Job.Status)

	_, err = h.svc.CreateJob(ctx, model.CreateJobRequest{Prompt: "Acme Corp", UserID: "user-1"})
	require.ErrorIs(t, err, ErrTaskGroupClosed)
}
