package analysis

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/target/mmk-fanout/internal/domain/model"
)

func TestCanSmartRetry(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(job *model.Job)
		want   bool
	}{
		{name: "all shards collected", mutate: func(*model.Job) {}, want: true},
		{
			name:   "one shard still in progress",
			mutate: func(j *model.Job) { j.Shards[4].CollectionStatus = model.CollectionStatusInProgress },
		},
		{
			name:   "one shard retry_needed",
			mutate: func(j *model.Job) { j.Shards[0].CollectionStatus = model.CollectionStatusRetryNeeded },
		},
		{
			name:   "raw result missing",
			mutate: func(j *model.Job) { j.Shards[6].CollectionRawResult = nil },
		},
		{
			name:   "raw result is json null",
			mutate: func(j *model.Job) { j.Shards[2].CollectionRawResult = json.RawMessage("null") },
		},
		{
			name:   "not a distributed job",
			mutate: func(j *model.Job) { j.TotalShards = 0; j.Shards = nil },
		},
		{
			name:   "shard list shorter than total",
			mutate: func(j *model.Job) { j.Shards = j.Shards[:6] },
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			job := collectedJob(t, 7)
			tt.mutate(job)
			assert.Equal(t, tt.want, CanSmartRetry(job))
			if tt.want {
				assert.Equal(t, RetryPathSmart, ChooseRetryPath(job))
			} else {
				assert.Equal(t, RetryPathFull, ChooseRetryPath(job))
			}
		})
	}
	assert.False(t, CanSmartRetry(nil))
}

// Scenario B: shard 3 interpretation failed after every collection completed.
func interpretationFailedJob(t *testing.T) *model.Job {
	t.Helper()
	job := collectedJob(t, 7)
	job.Status = model.JobStatusInterpreting
	for i := 0; i < 7; i++ {
		require.NoError(t, BeginInterpretation(job, i, testNow))
		if i == 3 {
			require.NoError(t, FailInterpretation(job, i, "schema mismatch", testNow))
			continue
		}
		require.NoError(t, CompleteInterpretation(job, i, json.RawMessage(`{"k":1}`), testNow))
	}
	job.Fail("interpretation failed for 1 of 7 shards")
	return job
}

func TestResetForSmartRetry(t *testing.T) {
	job := interpretationFailedJob(t)
	before := make([][]byte, len(job.Shards))
	for i := range job.Shards {
		before[i] = bytes.Clone(job.Shards[i].CollectionRawResult)
	}

	require.Equal(t, RetryPathSmart, ChooseRetryPath(job))
	require.NoError(t, ResetForSmartRetry(job, "user retry", testNow))

	assert.Equal(t, model.JobStatusCollected, job.Status)
	assert.Nil(t, job.Error)
	assert.Equal(t, 7, job.CompletedCollections)
	assert.Equal(t, 0, job.CompletedInterpretations)
	for i := range job.Shards {
		s := job.Shards[i]
		assert.Equal(t, before[i], []byte(s.CollectionRawResult), "shard %d raw result", i)
		assert.Equal(t, model.CollectionStatusCompleted, s.CollectionStatus)
		assert.Equal(t, model.InterpretationStatusPending, s.InterpretationStatus)
		assert.Nil(t, s.InterpretationResult)
		assert.Nil(t, s.InterpretationError)
		assert.Equal(t, 0, s.RetryCount)
		require.NotNil(t, s.RetryReason)
		assert.Equal(t, "user retry", *s.RetryReason)
	}
	// every shard is re-run, not only the failed one
	assert.Len(t, PendingInterpretations(job), 7)
	require.NoError(t, job.Validate())
}

func TestResetForSmartRetry_FailsFast(t *testing.T) {
	job := newJob(t, 7)
	launchAll(t, job)
	completeCollection(t, job, 0)
	snapshot := job.Clone()

	err := ResetForSmartRetry(job, "user retry", testNow)
	require.ErrorIs(t, err, ErrSmartRetryUnavailable)
	assert.Equal(t, snapshot, job)
}

func TestResetForFullRetry(t *testing.T) {
	job := interpretationFailedJob(t)
	ResetForFullRetry(job, "user retry", testNow)

	assert.Equal(t, model.JobStatusPending, job.Status)
	assert.Equal(t, 0, job.CompletedCollections)
	assert.Equal(t, 0, job.CompletedInterpretations)
	assert.Len(t, job.Shards, 7)
	for i := range job.Shards {
		s := job.Shards[i]
		assert.Equal(t, i, s.ShardIndex)
		assert.Equal(t, model.CollectionStatusPending, s.CollectionStatus)
		assert.Empty(t, s.CollectionRawResult)
		assert.Nil(t, s.CollectionHandle)
		assert.Equal(t, model.InterpretationStatusPending, s.InterpretationStatus)
		assert.Equal(t, 1, s.RetryCount)
		require.NotNil(t, s.LastRetryAt)
		assert.Equal(t, testNow, *s.LastRetryAt)
	}
	require.NoError(t, job.Validate())
}
