package analysis

import (
	"time"

	"github.com/target/mmk-fanout/internal/domain/model"
)

// RetryPath names the retry strategy chosen for a job.
type RetryPath string

const (
	// RetryPathSmart re-runs interpretation only, reusing collected raw results.
	RetryPathSmart RetryPath = "smart"
	// RetryPathFull resets every shard and re-launches collection.
	RetryPathFull RetryPath = "full"
)

// CanSmartRetry reports whether every shard of a distributed job has a completed
// collection with a non-empty raw result. It only reads persisted state.
func CanSmartRetry(job *model.Job) bool {
	if job == nil || job.TotalShards <= 0 || len(job.Shards) != job.TotalShards {
		return false
	}
	for i := range job.Shards {
		s := &job.Shards[i]
		if s.CollectionStatus != model.CollectionStatusCompleted || !s.HasRawResult() {
			return false
		}
	}
	return true
}

// ChooseRetryPath returns the cheapest retry path the job supports.
func ChooseRetryPath(job *model.Job) RetryPath {
	if CanSmartRetry(job) {
		return RetryPathSmart
	}
	return RetryPathFull
}

func resetJobOutcome(job *model.Job) {
	job.Result = nil
	job.Error = nil
	job.FailedFrom = ""
	job.CompletedAt = nil
}

func resetInterpretation(s *model.ShardRecord) {
	s.InterpretationStatus = model.InterpretationStatusPending
	s.InterpretationResult = nil
	s.InterpretationError = nil
	s.InterpretationStartedAt = nil
	s.InterpretationCompletedAt = nil
}

func stampRetry(s *model.ShardRecord, reason string, now time.Time) {
	s.LastRetryAt = timePtr(now)
	if reason != "" {
		s.RetryReason = strPtr(reason)
	}
}

// ResetForSmartRetry resets interpretation state on every shard and moves the job back
// to collected. Collection fields, raw results included, are left untouched.
func ResetForSmartRetry(job *model.Job, reason string, now time.Time) error {
	if !CanSmartRetry(job) {
		return ErrSmartRetryUnavailable
	}
	for i := range job.Shards {
		resetInterpretation(&job.Shards[i])
		stampRetry(&job.Shards[i], reason, now)
	}
	resetJobOutcome(job)
	job.Status = model.JobStatusCollected
	job.Recount()
	return nil
}

// ResetForFullRetry returns every shard to its pre-launch state, bumps the retry
// counter used as the callback attempt, and moves the job back to pending.
func ResetForFullRetry(job *model.Job, reason string, now time.Time) {
	for i := range job.Shards {
		s := &job.Shards[i]
		s.CollectionStatus = model.CollectionStatusPending
		s.CollectionHandle = nil
		s.CollectionRawResult = nil
		s.CollectionError = nil
		s.CollectionStartedAt = nil
		s.CollectionCompletedAt = nil
		resetInterpretation(s)
		s.RetryCount++
		stampRetry(s, reason, now)
	}
	resetJobOutcome(job)
	job.Status = model.JobStatusPending
	job.Recount()
}
