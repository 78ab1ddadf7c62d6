package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/target/mmk-fanout/internal/core"
	"github.com/target/mmk-fanout/internal/domain/analysis"
	"github.com/target/mmk-fanout/internal/domain/model"
	"github.com/target/mmk-fanout/internal/mocks"
	"github.com/target/mmk-fanout/internal/observability/metrics"
	"github.com/target/mmk-fanout/internal/testutil"
)

func newTestDispatcher(
	t *testing.T,
	f *fixture,
	interp core.Interpreter,
	plan *analysis.Plan,
	policy InterpretationPolicy,
) *Dispatcher {
	t.Helper()
	d, err := NewDispatcher(DispatcherOptions{
		Repo:        f.repo,
		Interpreter: interp,
		Plan:        plan,
		Policy:      policy,
		Concurrency: 3,
		Clock:       f.clock,
		Metrics:     f.metrics,
	})
	require.NoError(t, err)
	return d
}

func collectedJob(n int) *model.Job {
	return testutil.NewJob(n).InFlight(testutil.TestTime()).Collected().WithStatus(model.JobStatusCollected).Build()
}

func echoInterpreter(ctrl *gomock.Controller) *mocks.MockInterpreter {
	interp := mocks.NewMockInterpreter(ctrl)
	interp.EXPECT().Interpret(gomock.Any(), gomock.Any()).AnyTimes().DoAndReturn(
		func(_ context.Context, req core.InterpretRequest) (json.RawMessage, error) {
			return shardOutput(req.ShardName), nil
		})
	return interp
}

func TestNewDispatcher(t *testing.T) {
	f := newFixture()
	ctrl := gomock.NewController(t)
	interp := mocks.NewMockInterpreter(ctrl)

	_, err := NewDispatcher(DispatcherOptions{Interpreter: interp, Plan: testPlan(t, 1)})
	require.EqualError(t, err, "AnalysisRepository is required")

	_, err = NewDispatcher(DispatcherOptions{Repo: f.repo, Plan: testPlan(t, 1)})
	require.EqualError(t, err, "Interpreter is required")

	bad := analysis.MustNewPlan(analysis.ShardDefinition{
		Index: 0, Name: "s", Selector: "records[?", BuildRequest: analysis.FocusRequest("s", "f"),
	})
	_, err = NewDispatcher(DispatcherOptions{Repo: f.repo, Interpreter: interp, Plan: bad})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "selector")
}

func TestDispatcher_RunMergesAllShards(t *testing.T) {
	f := newFixture()
	ctrl := gomock.NewController(t)
	job := f.create(t, collectedJob(4))

	var inFlight, peak atomic.Int32
	interp := mocks.NewMockInterpreter(ctrl)
	interp.EXPECT().Interpret(gomock.Any(), gomock.Any()).Times(4).DoAndReturn(
		func(_ context.Context, req core.InterpretRequest) (json.RawMessage, error) {
			cur := inFlight.Add(1)
			defer inFlight.Add(-1)
			for {
				p := peak.Load()
				if cur <= p || peak.CompareAndSwap(p, cur) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			assert.Equal(t, "extract "+req.ShardName, req.PromptTemplate)
			assert.JSONEq(t, string(testutil.RawResult(req.ShardIndex)), string(req.RawResult))
			return shardOutput(req.ShardName), nil
		})

	require.NoError(t, newTestDispatcher(t, f, interp, testPlan(t, 4), InterpretationPolicy{}).Run(context.Background(), job.ID))

	got := f.get(t, job.ID)
	assert.Equal(t, model.JobStatusCompleted, got.Status)
	assert.Equal(t, 4, got.CompletedInterpretations)
	require.NotNil(t, got.CompletedAt)
	assert.Nil(t, got.Error)
	assert.JSONEq(t,
		`{"shard-0":{"ok":true},"shard-1":{"ok":true},"shard-2":{"ok":true},"shard-3":{"ok":true}}`,
		string(got.Result))
	assert.LessOrEqual(t, peak.Load(), int32(3))
	assert.InDelta(t, 1, f.metrics.Sum("analysis.job.transition",
		map[string]string{"transition": string(model.JobStatusCompleted)}), 0)
}

func TestDispatcher_RunIsNoOpUnlessCollected(t *testing.T) {
	f := newFixture()
	ctrl := gomock.NewController(t)
	interp := mocks.NewMockInterpreter(ctrl)
	job := f.create(t, testutil.NewJob(2).InFlight(f.clock.Now()).WithStatus(model.JobStatusInProgress).Build())

	require.NoError(t, newTestDispatcher(t, f, interp, testPlan(t, 2), InterpretationPolicy{}).Run(context.Background(), job.ID))
	assert.Equal(t, job.Version, f.get(t, job.ID).Version)
}

func TestDispatcher_ShardFailureDoesNotCancelSiblings(t *testing.T) {
	f := newFixture()
	ctrl := gomock.NewController(t)
	job := f.create(t, collectedJob(7))

	var calls atomic.Int32
	interp := mocks.NewMockInterpreter(ctrl)
	interp.EXPECT().Interpret(gomock.Any(), gomock.Any()).Times(7).DoAndReturn(
		func(ctx context.Context, req core.InterpretRequest) (json.RawMessage, error) {
			calls.Add(1)
			if req.ShardIndex == 3 {
				return nil, errors.New("model overloaded")
			}
			assert.NoError(t, ctx.Err())
			return shardOutput(req.ShardName), nil
		})

	require.NoError(t, newTestDispatcher(t, f, interp, testPlan(t, 7), InterpretationPolicy{}).Run(context.Background(), job.ID))
	assert.Equal(t, int32(7), calls.Load())

	got := f.get(t, job.ID)
	assert.Equal(t, model.JobStatusFailed, got.Status)
	require.NotNil(t, got.Error)
	assert.Equal(t, "interpretation failed for 1 of 7 shards", *got.Error)
	assert.Equal(t, 6, got.CompletedInterpretations)
	assert.Equal(t, model.InterpretationStatusFailed, got.Shards[3].InterpretationStatus)
	require.NotNil(t, got.Shards[3].InterpretationError)
	assert.Contains(t, *got.Shards[3].InterpretationError, "model overloaded")
	assert.True(t, analysis.CanSmartRetry(got))
	assert.Equal(t, model.JobStatusInterpreting, got.FailedFrom)
	assert.Equal(t, analysis.PhaseInterpreting, analysis.Project(got).PhasePercent)
}

func TestDispatcher_PolicyToleratesFailures(t *testing.T) {
	f := newFixture()
	ctrl := gomock.NewController(t)
	job := f.create(t, collectedJob(3))

	interp := mocks.NewMockInterpreter(ctrl)
	interp.EXPECT().Interpret(gomock.Any(), gomock.Any()).Times(3).DoAndReturn(
		func(_ context.Context, req core.InterpretRequest) (json.RawMessage, error) {
			if req.ShardIndex == 1 {
				return json.RawMessage(`not json`), nil
			}
			return shardOutput(req.ShardName), nil
		})

	d := newTestDispatcher(t, f, interp, testPlan(t, 3), InterpretationPolicy{MaxFailures: 1})
	require.NoError(t, d.Run(context.Background(), job.ID))

	got := f.get(t, job.ID)
	assert.Equal(t, model.JobStatusCompleted, got.Status)
	assert.JSONEq(t, `{"shard-0":{"ok":true},"shard-2":{"ok":true}}`, string(got.Result))
	assert.Equal(t, model.InterpretationStatusFailed, got.Shards[1].InterpretationStatus)
}

func TestDispatcher_MergeConflictFailsJob(t *testing.T) {
	f := newFixture()
	ctrl := gomock.NewController(t)
	job := f.create(t, collectedJob(2))

	interp := mocks.NewMockInterpreter(ctrl)
	interp.EXPECT().Interpret(gomock.Any(), gomock.Any()).Times(2).DoAndReturn(
		func(_ context.Context, req core.InterpretRequest) (json.RawMessage, error) {
			return json.RawMessage(fmt.Sprintf(`{"summary":%q}`, req.ShardName)), nil
		})

	require.NoError(t, newTestDispatcher(t, f, interp, testPlan(t, 2), InterpretationPolicy{}).Run(context.Background(), job.ID))

	got := f.get(t, job.ID)
	assert.Equal(t, model.JobStatusFailed, got.Status)
	require.NotNil(t, got.Error)
	assert.Contains(t, *got.Error, `merge conflict on key "summary"`)
	assert.Nil(t, got.Result)
	assert.Equal(t, model.JobStatusMerging, got.FailedFrom)
	assert.Equal(t, analysis.PhaseMerging, analysis.Project(got).PhasePercent)
}

func TestDispatcher_AppliesSelector(t *testing.T) {
	f := newFixture()
	ctrl := gomock.NewController(t)
	job := f.create(t, collectedJob(1))

	plan := analysis.MustNewPlan(analysis.ShardDefinition{
		Index:        0,
		Name:         "shard-0",
		Selector:     "records[].title",
		BuildRequest: analysis.FocusRequest("shard-0", "focus"),
	})
	interp := mocks.NewMockInterpreter(ctrl)
	interp.EXPECT().Interpret(gomock.Any(), gomock.Any()).DoAndReturn(
		func(_ context.Context, req core.InterpretRequest) (json.RawMessage, error) {
			assert.JSONEq(t, `["t0"]`, string(req.RawResult))
			return shardOutput(req.ShardName), nil
		})

	require.NoError(t, newTestDispatcher(t, f, interp, plan, InterpretationPolicy{}).Run(context.Background(), job.ID))
	assert.Equal(t, model.JobStatusCompleted, f.get(t, job.ID).Status)
}

func TestDispatcher_ConcurrentRunsInterpretOnce(t *testing.T) {
	f := newFixture()
	ctrl := gomock.NewController(t)
	job := f.create(t, collectedJob(3))

	var calls atomic.Int32
	interp := mocks.NewMockInterpreter(ctrl)
	interp.EXPECT().Interpret(gomock.Any(), gomock.Any()).AnyTimes().DoAndReturn(
		func(_ context.Context, req core.InterpretRequest) (json.RawMessage, error) {
			calls.Add(1)
			return shardOutput(req.ShardName), nil
		})
	d := newTestDispatcher(t, f, interp, testPlan(t, 3), InterpretationPolicy{})

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, d.Run(context.Background(), job.ID))
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(3), calls.Load())
	assert.Equal(t, model.JobStatusCompleted, f.get(t, job.ID).Status)
	assert.InDelta(t, 3, f.metrics.Sum("analysis.shard."+metrics.StageInterpret, nil), 0)
}
