package bootstrap

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/target/mmk-fanout/config"
	"github.com/target/mmk-fanout/internal/core"
	"github.com/target/mmk-fanout/internal/data"
	"github.com/target/mmk-fanout/internal/domain/model"
	"github.com/target/mmk-fanout/internal/mocks"
	"github.com/target/mmk-fanout/internal/service"
	"github.com/target/mmk-fanout/internal/testutil"
)

func TestBuildPlan_ConfiguredSelectorReachesInterpreter(t *testing.T) {
	cfg := config.InterpretationConfig{ShardSelectors: []string{"news=records[].title"}}
	plan, err := buildPlan(cfg)
	require.NoError(t, err)

	names := make([]string, 0, plan.Len())
	for _, def := range plan.Shards() {
		names = append(names, def.Name)
	}
	repo := data.NewMemoryAnalysisRepo(nil)
	job, err := repo.Create(context.Background(), testutil.NewJob(plan.Len()).
		WithShardNames(names...).
		InFlight(testutil.TestTime()).
		Collected().
		WithStatus(model.JobStatusCollected).
		Build())
	require.NoError(t, err)

	ctrl := gomock.NewController(t)
	interp := mocks.NewMockInterpreter(ctrl)
	interp.EXPECT().Interpret(gomock.Any(), gomock.Any()).Times(plan.Len()).DoAndReturn(
		func(_ context.Context, req core.InterpretRequest) (json.RawMessage, error) {
			if req.ShardName == "news" {
				assert.JSONEq(t, `["t1"]`, string(req.RawResult))
			} else {
				assert.JSONEq(t, string(testutil.RawResult(req.ShardIndex)), string(req.RawResult))
			}
			return json.RawMessage(fmt.Sprintf(`{%q:{"ok":true}}`, req.ShardName)), nil
		})

	d, err := service.NewDispatcher(service.DispatcherOptions{
		Repo:        repo,
		Interpreter: interp,
		Plan:        plan,
		Concurrency: 2,
	})
	require.NoError(t, err)
	require.NoError(t, d.Run(context.Background(), job.ID))

	got, err := repo.GetByID(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusCompleted, got.Status)
}

func TestBuildPlan_Errors(t *testing.T) {
	_, err := buildPlan(config.InterpretationConfig{ShardSelectors: []string{"weather=records"}})
	assert.ErrorContains(t, err, `unknown shard "weather"`)

	_, err = buildPlan(config.InterpretationConfig{ShardSelectors: []string{"news"}})
	assert.ErrorContains(t, err, "expected shard=expression")

	plan, err := buildPlan(config.InterpretationConfig{})
	require.NoError(t, err)
	for _, def := range plan.Shards() {
		assert.Empty(t, def.Selector, def.Name)
	}
}

func TestNewServicesRejectsInvalidSelector(t *testing.T) {
	cfg := validHTTPConfig()
	cfg.Interpretation.ShardSelectors = []string{"news=records[?"}
	_, err := NewServices(&ServiceDeps{Config: cfg})
	require.Error(t, err)
	assert.Contains(t, err.Error(), `shard "news" selector`)
}
