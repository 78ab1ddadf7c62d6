package analysis

import (
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/target/mmk-fanout/internal/domain/model"
)

var testNow = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func newJob(t *testing.T, n int) *model.Job {
	t.Helper()
	job := &model.Job{ID: "job-1", Status: model.JobStatusPending, TotalShards: n}
	for i := 0; i < n; i++ {
		job.Shards = append(job.Shards, model.NewShardRecord(i, fmt.Sprintf("shard-%d", i)))
	}
	return job
}

// launchAll marks every shard launched and moves the job into the collection phase.
func launchAll(t *testing.T, job *model.Job) {
	t.Helper()
	for i := range job.Shards {
		require.NoError(t, MarkLaunching(job, i, testNow))
		require.NoError(t, RecordLaunchSuccess(job, i, fmt.Sprintf("snap-%d", i)))
	}
	job.Status = model.JobStatusInProgress
}

func rawFor(i int) json.RawMessage {
	return json.RawMessage(fmt.Sprintf(`{"shard":%d,"items":["a","b"]}`, i))
}

func completeCollection(t *testing.T, job *model.Job, i int) CallbackEffect {
	t.Helper()
	eff, err := ApplyCollectionCallback(job, i, AnyAttempt,
		model.CollectionCallback{Success: true, Raw: rawFor(i)}, nil, testNow)
	require.NoError(t, err)
	return eff
}

// collectedJob returns a job where every shard finished collection.
func collectedJob(t *testing.T, n int) *model.Job {
	t.Helper()
	job := newJob(t, n)
	launchAll(t, job)
	for i := 0; i < n; i++ {
		completeCollection(t, job, i)
	}
	require.Equal(t, model.JobStatusCollected, job.Status)
	return job
}
