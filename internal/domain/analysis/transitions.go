package analysis

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/target/mmk-fanout/internal/domain/model"
)

// AnyAttempt disables the attempt check when applying a callback.
const AnyAttempt = -1

// CollectionTimeoutMessage is recorded on shards whose callback never arrived.
const CollectionTimeoutMessage = "collection callback timed out"

func shardAt(job *model.Job, index int) (*model.ShardRecord, error) {
	s, ok := job.Shard(index)
	if !ok {
		return nil, fmt.Errorf("shard %d: %w", index, ErrShardNotFound)
	}
	return s, nil
}

func strPtr(s string) *string { return &s }

func timePtr(t time.Time) *time.Time { return &t }

// MarkLaunching moves a pending shard to in_progress. It runs before the trigger call
// so a callback racing the trigger response always finds the shard in flight.
func MarkLaunching(job *model.Job, index int, now time.Time) error {
	s, err := shardAt(job, index)
	if err != nil {
		return err
	}
	if s.CollectionStatus != model.CollectionStatusPending {
		return fmt.Errorf("shard %d collection is %s: %w", index, s.CollectionStatus, ErrInvalidTransition)
	}
	s.CollectionStatus = model.CollectionStatusInProgress
	s.CollectionStartedAt = timePtr(now)
	s.CollectionError = nil
	s.CollectionHandle = nil
	return nil
}

// RecordLaunchSuccess stores the correlation handle returned by the trigger. The
// shard status is left alone since a callback may already have completed it.
func RecordLaunchSuccess(job *model.Job, index int, handle string) error {
	s, err := shardAt(job, index)
	if err != nil {
		return err
	}
	if handle != "" {
		s.CollectionHandle = strPtr(handle)
	}
	return nil
}

// RecordLaunchFailure marks an in-flight shard failed after its trigger call errored.
func RecordLaunchFailure(job *model.Job, index int, launchErr error) error {
	s, err := shardAt(job, index)
	if err != nil {
		return err
	}
	if s.CollectionStatus != model.CollectionStatusInProgress {
		return fmt.Errorf("shard %d collection is %s: %w", index, s.CollectionStatus, ErrInvalidTransition)
	}
	s.CollectionStatus = model.CollectionStatusFailed
	s.CollectionError = strPtr(launchErr.Error())
	return nil
}

// CallbackEffect is the result of applying a collection callback to a job.
type CallbackEffect struct {
	Outcome model.CallbackOutcome
	// BecameCollected is true only for the callback that completed the last shard.
	BecameCollected bool
}

// ApplyCollectionCallback applies exactly one shard collection transition. attempt is the
// shard retry counter encoded in the callback address; AnyAttempt skips the check.
// A shard in a terminal collection state is never overwritten.
func ApplyCollectionCallback(
	job *model.Job,
	index, attempt int,
	cb model.CollectionCallback,
	classifier CollectionErrorClassifier,
	now time.Time,
) (CallbackEffect, error) {
	s, err := shardAt(job, index)
	if err != nil {
		return CallbackEffect{}, err
	}
	if attempt != AnyAttempt && attempt != s.RetryCount {
		return CallbackEffect{Outcome: model.CallbackIgnored}, nil
	}

	var outcome model.CallbackOutcome
	if cb.Success {
		outcome = applyCollectionSuccess(s, cb.Raw, now)
	} else {
		if classifier == nil {
			classifier = DefaultClassifier()
		}
		outcome = applyCollectionFailure(s, cb.Error, classifier)
	}
	if outcome != model.CallbackApplied {
		return CallbackEffect{Outcome: outcome}, nil
	}

	job.Recount()
	effect := CallbackEffect{Outcome: outcome}
	if (job.Status == model.JobStatusPending || job.Status == model.JobStatusInProgress) && AllCollected(job) {
		job.Status = model.JobStatusCollected
		effect.BecameCollected = true
	}
	return effect, nil
}

func applyCollectionSuccess(s *model.ShardRecord, raw json.RawMessage, now time.Time) model.CallbackOutcome {
	switch s.CollectionStatus {
	case model.CollectionStatusInProgress:
		s.CollectionStatus = model.CollectionStatusCompleted
		s.CollectionRawResult = append(json.RawMessage(nil), raw...)
		s.CollectionCompletedAt = timePtr(now)
		s.CollectionError = nil
		return model.CallbackApplied
	case model.CollectionStatusCompleted:
		return model.CallbackDuplicate
	default:
		return model.CallbackIgnored
	}
}

func applyCollectionFailure(
	s *model.ShardRecord,
	msg string,
	classifier CollectionErrorClassifier,
) model.CallbackOutcome {
	target := classifier.Classify(msg)
	if target != model.CollectionStatusRetryNeeded {
		target = model.CollectionStatusFailed
	}
	switch s.CollectionStatus {
	case model.CollectionStatusInProgress:
		s.CollectionStatus = target
		s.CollectionError = strPtr(msg)
		return model.CallbackApplied
	case target:
		if s.CollectionError != nil && *s.CollectionError == msg {
			return model.CallbackDuplicate
		}
		return model.CallbackIgnored
	default:
		return model.CallbackIgnored
	}
}

// MarkCollectionTimedOut moves an in-flight shard to retry_needed. It reports whether
// anything changed.
func MarkCollectionTimedOut(job *model.Job, index int) (bool, error) {
	s, err := shardAt(job, index)
	if err != nil {
		return false, err
	}
	if s.CollectionStatus != model.CollectionStatusInProgress {
		return false, nil
	}
	s.CollectionStatus = model.CollectionStatusRetryNeeded
	s.CollectionError = strPtr(CollectionTimeoutMessage)
	return true, nil
}

// AllCollected is the readiness predicate for interpretation: every shard of a
// distributed job has collection completed.
func AllCollected(job *model.Job) bool {
	if job.TotalShards == 0 || len(job.Shards) != job.TotalShards {
		return false
	}
	for i := range job.Shards {
		if job.Shards[i].CollectionStatus != model.CollectionStatusCompleted {
			return false
		}
	}
	return true
}

// BeginInterpretation moves a shard's interpretation to in_progress.
func BeginInterpretation(job *model.Job, index int, now time.Time) error {
	s, err := shardAt(job, index)
	if err != nil {
		return err
	}
	if s.CollectionStatus != model.CollectionStatusCompleted {
		return fmt.Errorf("shard %d collection is %s: %w", index, s.CollectionStatus, ErrInvalidTransition)
	}
	if s.InterpretationStatus != model.InterpretationStatusPending {
		return fmt.Errorf("shard %d interpretation is %s: %w", index, s.InterpretationStatus, ErrInvalidTransition)
	}
	s.InterpretationStatus = model.InterpretationStatusInProgress
	s.InterpretationStartedAt = timePtr(now)
	s.InterpretationCompletedAt = nil
	s.InterpretationError = nil
	s.InterpretationResult = nil
	return nil
}

// CompleteInterpretation stores a structured partial result.
func CompleteInterpretation(job *model.Job, index int, result json.RawMessage, now time.Time) error {
	s, err := shardAt(job, index)
	if err != nil {
		return err
	}
	if s.InterpretationStatus != model.InterpretationStatusInProgress {
		return fmt.Errorf("shard %d interpretation is %s: %w", index, s.InterpretationStatus, ErrInvalidTransition)
	}
	if len(result) == 0 {
		return errors.New("interpretation result is empty")
	}
	s.InterpretationStatus = model.InterpretationStatusCompleted
	s.InterpretationResult = append(json.RawMessage(nil), result...)
	s.InterpretationCompletedAt = timePtr(now)
	s.InterpretationError = nil
	job.Recount()
	return nil
}

// FailInterpretation records an interpretation failure on a shard.
func FailInterpretation(job *model.Job, index int, msg string, now time.Time) error {
	s, err := shardAt(job, index)
	if err != nil {
		return err
	}
	if s.InterpretationStatus != model.InterpretationStatusInProgress {
		return fmt.Errorf("shard %d interpretation is %s: %w", index, s.InterpretationStatus, ErrInvalidTransition)
	}
	s.InterpretationStatus = model.InterpretationStatusFailed
	s.InterpretationError = strPtr(msg)
	s.InterpretationCompletedAt = timePtr(now)
	s.InterpretationResult = nil
	return nil
}

// PendingInterpretations returns the indices the dispatcher should run, in order.
func PendingInterpretations(job *model.Job) []int {
	var out []int
	for i := range job.Shards {
		s := &job.Shards[i]
		if s.CollectionStatus == model.CollectionStatusCompleted &&
			s.InterpretationStatus == model.InterpretationStatusPending {
			out = append(out, s.ShardIndex)
		}
	}
	return out
}

// FailedInterpretations counts shards whose interpretation failed.
func FailedInterpretations(job *model.Job) int {
	n := 0
	for i := range job.Shards {
		if job.Shards[i].InterpretationStatus == model.InterpretationStatusFailed {
			n++
		}
	}
	return n
}
