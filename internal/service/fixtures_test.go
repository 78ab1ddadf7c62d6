package service

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/target/mmk-fanout/internal/data"
	"github.com/target/mmk-fanout/internal/domain/analysis"
	"github.com/target/mmk-fanout/internal/domain/model"
	"github.com/target/mmk-fanout/internal/observability/statsd"
	"github.com/target/mmk-fanout/internal/testutil"
)

const testCallbackBase = "https://fanout.example.com"

// testPlan returns an n-shard plan whose shard names match testutil.NewJob.
func testPlan(t *testing.T, n int) *analysis.Plan {
	t.Helper()
	defs := make([]analysis.ShardDefinition, n)
	for i := range defs {
		name := fmt.Sprintf("shard-%d", i)
		defs[i] = analysis.ShardDefinition{
			Index:          i,
			Name:           name,
			PromptTemplate: "extract " + name,
			BuildRequest:   analysis.FocusRequest(name, "focus"),
		}
	}
	plan, err := analysis.NewPlan(defs...)
	require.NoError(t, err)
	return plan
}

type fixture struct {
	repo    *data.MemoryAnalysisRepo
	clock   *data.FixedTimeProvider
	metrics *statsd.Recorder
}

func newFixture() *fixture {
	clock := data.NewFixedTimeProvider(testutil.TestTime())
	return &fixture{
		repo:    data.NewMemoryAnalysisRepo(clock),
		clock:   clock,
		metrics: &statsd.Recorder{},
	}
}

func (f *fixture) create(t *testing.T, job *model.Job) *model.Job {
	t.Helper()
	created, err := f.repo.Create(context.Background(), job)
	require.NoError(t, err)
	return created
}

func (f *fixture) get(t *testing.T, id string) *model.Job {
	t.Helper()
	job, err := f.repo.GetByID(context.Background(), id)
	require.NoError(t, err)
	return job
}

// shardOutput is the structured result an interpreter returns for one shard.
func shardOutput(name string) json.RawMessage {
	return json.RawMessage(fmt.Sprintf(`{%q:{"ok":true}}`, name))
}

func unlimited() *rate.Limiter {
	return rate.NewLimiter(rate.Inf, 1)
}

func success(raw json.RawMessage) model.CollectionCallback {
	return model.CollectionCallback{Success: true, Raw: raw}
}

func failure(msg string) model.CollectionCallback {
	return model.CollectionCallback{Success: false, Error: msg}
}
