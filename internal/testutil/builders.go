package testutil

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/target/mmk-fanout/internal/domain/model"
)

// JobBuilder provides a fluent interface for building analysis jobs in a given state.
type JobBuilder struct {
	job *model.Job
}

// NewJob creates a pending job with n pre-launch shards named shard-0..shard-(n-1).
func NewJob(n int) *JobBuilder {
	job := &model.Job{
		ID:          uuid.NewString(),
		UserID:      "user-1",
		Prompt:      "Acme Corp",
		Status:      model.JobStatusPending,
		TotalShards: n,
	}
	for i := 0; i < n; i++ {
		job.Shards = append(job.Shards, model.NewShardRecord(i, fmt.Sprintf("shard-%d", i)))
	}
	return &JobBuilder{job: job}
}

// WithStatus sets the job status.
func (b *JobBuilder) WithStatus(status model.JobStatus) *JobBuilder {
	b.job.Status = status
	return b
}

// WithShardNames renames shards in index order.
func (b *JobBuilder) WithShardNames(names ...string) *JobBuilder {
	for i, n := range names {
		if i < len(b.job.Shards) {
			b.job.Shards[i].ShardName = n
		}
	}
	return b
}

// InFlight marks the given shards (all when none given) as launched at startedAt.
func (b *JobBuilder) InFlight(startedAt time.Time, indices ...int) *JobBuilder {
	for _, i := range b.indices(indices) {
		s := &b.job.Shards[i]
		s.CollectionStatus = model.CollectionStatusInProgress
		s.CollectionStartedAt = &startedAt
		handle := fmt.Sprintf("snap-%d", i)
		s.CollectionHandle = &handle
	}
	return b
}

// Collected marks the given shards (all when none given) as collected with raw results.
func (b *JobBuilder) Collected(indices ...int) *JobBuilder {
	for _, i := range b.indices(indices) {
		s := &b.job.Shards[i]
		s.CollectionStatus = model.CollectionStatusCompleted
		s.CollectionRawResult = RawResult(i)
	}
	return b
}

// Interpreted marks the given shards as interpreted; collection must already be completed.
func (b *JobBuilder) Interpreted(indices ...int) *JobBuilder {
	for _, i := range b.indices(indices) {
		s := &b.job.Shards[i]
		s.InterpretationStatus = model.InterpretationStatusCompleted
		s.InterpretationResult = json.RawMessage(fmt.Sprintf(`{%q:{"ok":true}}`, s.ShardName))
	}
	return b
}

// InterpretationFailed marks the given shards' interpretation failed.
func (b *JobBuilder) InterpretationFailed(msg string, indices ...int) *JobBuilder {
	for _, i := range b.indices(indices) {
		s := &b.job.Shards[i]
		s.InterpretationStatus = model.InterpretationStatusFailed
		m := msg
		s.InterpretationError = &m
	}
	return b
}

// Build returns the job with recomputed counters.
func (b *JobBuilder) Build() *model.Job {
	out := b.job.Clone()
	out.Recount()
	return out
}

func (b *JobBuilder) indices(in []int) []int {
	if len(in) > 0 {
		return in
	}
	out := make([]int, len(b.job.Shards))
	for i := range out {
		out[i] = i
	}
	return out
}

// RawResult returns a deterministic raw collection payload for shard i.
func RawResult(i int) json.RawMessage {
	return json.RawMessage(fmt.Sprintf(`{"shard":%d,"records":[{"title":"t%d"}]}`, i, i))
}
