package model

import (
	"encoding/json"
	"errors"
	"time"
)

// CollectionStatus tracks a shard's external data-collection step.
type CollectionStatus string

const (
	CollectionStatusPending     CollectionStatus = "pending"
	CollectionStatusInProgress  CollectionStatus = "in_progress"
	CollectionStatusCompleted   CollectionStatus = "completed"
	CollectionStatusFailed      CollectionStatus = "failed"
	CollectionStatusRetryNeeded CollectionStatus = "retry_needed"
)

// Valid returns true if the CollectionStatus is a known value.
func (s CollectionStatus) Valid() bool {
	switch s {
	case CollectionStatusPending, CollectionStatusInProgress, CollectionStatusCompleted,
		CollectionStatusFailed, CollectionStatusRetryNeeded:
		return true
	default:
		return false
	}
}

// Terminal reports whether only a retry reset may move the shard out of this state.
func (s CollectionStatus) Terminal() bool {
	return s == CollectionStatusCompleted || s == CollectionStatusFailed || s == CollectionStatusRetryNeeded
}

// InterpretationStatus tracks a shard's interpretation pass.
type InterpretationStatus string

const (
	InterpretationStatusPending    InterpretationStatus = "pending"
	InterpretationStatusInProgress InterpretationStatus = "in_progress"
	InterpretationStatusCompleted  InterpretationStatus = "completed"
	InterpretationStatusFailed     InterpretationStatus = "failed"
)

// Valid returns true if the InterpretationStatus is a known value.
func (s InterpretationStatus) Valid() bool {
	switch s {
	case InterpretationStatusPending, InterpretationStatusInProgress,
		InterpretationStatusCompleted, InterpretationStatusFailed:
		return true
	default:
		return false
	}
}

// ShardRecord is the per-shard state embedded in a Job.
type ShardRecord struct {
	ShardIndex int    `json:"shard_index"`
	ShardName  string `json:"shard_name"`

	CollectionStatus      CollectionStatus `json:"collection_status"`
	CollectionHandle      *string          `json:"collection_handle,omitempty"`
	CollectionRawResult   json.RawMessage  `json:"collection_raw_result,omitempty"`
	CollectionError       *string          `json:"collection_error,omitempty"`
	CollectionStartedAt   *time.Time       `json:"collection_started_at,omitempty"`
	CollectionCompletedAt *time.Time       `json:"collection_completed_at,omitempty"`

	RetryCount  int        `json:"retry_count"`
	LastRetryAt *time.Time `json:"last_retry_at,omitempty"`
	RetryReason *string    `json:"retry_reason,omitempty"`

	InterpretationStatus      InterpretationStatus `json:"interpretation_status"`
	InterpretationResult      json.RawMessage      `json:"interpretation_result,omitempty"`
	InterpretationError       *string              `json:"interpretation_error,omitempty"`
	InterpretationStartedAt   *time.Time           `json:"interpretation_started_at,omitempty"`
	InterpretationCompletedAt *time.Time           `json:"interpretation_completed_at,omitempty"`
}

// NewShardRecord returns a shard in its pre-launch state.
func NewShardRecord(index int, name string) ShardRecord {
	return ShardRecord{
		ShardIndex:           index,
		ShardName:            name,
		CollectionStatus:     CollectionStatusPending,
		InterpretationStatus: InterpretationStatusPending,
	}
}

// Clone returns a deep copy of the shard record.
func (s ShardRecord) Clone() ShardRecord {
	out := s
	out.CollectionHandle = cloneString(s.CollectionHandle)
	out.CollectionRawResult = cloneRaw(s.CollectionRawResult)
	out.CollectionError = cloneString(s.CollectionError)
	out.CollectionStartedAt = cloneTime(s.CollectionStartedAt)
	out.CollectionCompletedAt = cloneTime(s.CollectionCompletedAt)
	out.LastRetryAt = cloneTime(s.LastRetryAt)
	out.RetryReason = cloneString(s.RetryReason)
	out.InterpretationResult = cloneRaw(s.InterpretationResult)
	out.InterpretationError = cloneString(s.InterpretationError)
	out.InterpretationStartedAt = cloneTime(s.InterpretationStartedAt)
	out.InterpretationCompletedAt = cloneTime(s.InterpretationCompletedAt)
	return out
}

// HasRawResult reports whether the shard holds non-empty collection output.
func (s *ShardRecord) HasRawResult() bool {
	return rawPresent(s.CollectionRawResult)
}

// Validate checks the result-presence invariants of the shard.
func (s *ShardRecord) Validate() error {
	if !s.CollectionStatus.Valid() {
		return errors.New("invalid collection status")
	}
	if !s.InterpretationStatus.Valid() {
		return errors.New("invalid interpretation status")
	}
	if (s.CollectionStatus == CollectionStatusCompleted) != s.HasRawResult() {
		return errors.New("raw result must be present iff collection completed")
	}
	if (s.InterpretationStatus == InterpretationStatusCompleted) != (len(s.InterpretationResult) > 0) {
		return errors.New("interpretation result must be present iff interpretation completed")
	}
	if s.InterpretationStatus == InterpretationStatusInProgress && s.CollectionStatus != CollectionStatusCompleted {
		return errors.New("interpretation in progress without completed collection")
	}
	return nil
}
