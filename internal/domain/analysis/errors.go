// Package analysis holds the pure state machine of a sharded analysis job: the shard
// plan, shard transitions, the retry decision, progress projection and result merging.
// Nothing in this package performs I/O.
package analysis

import (
	"errors"
	"fmt"
)

var (
	// ErrShardNotFound indicates the job has no shard with the requested index.
	ErrShardNotFound = errors.New("shard not found")
	// ErrInvalidTransition indicates a shard is not in a state that allows the requested change.
	ErrInvalidTransition = errors.New("invalid shard transition")
	// ErrSmartRetryUnavailable indicates the job lacks completed raw results for every shard.
	ErrSmartRetryUnavailable = errors.New(
		"smart retry unavailable: not every shard has a completed collection with raw results; use a full retry",
	)
	// ErrEmptyPlan indicates a shard plan with no shards.
	ErrEmptyPlan = errors.New("shard plan must contain at least one shard")
)

// LaunchError is a transport or HTTP failure while triggering one shard's collection.
type LaunchError struct {
	ShardIndex int
	StatusCode int
	Err        error
}

func (e *LaunchError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("launch shard %d: status %d: %v", e.ShardIndex, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("launch shard %d: %v", e.ShardIndex, e.Err)
}

func (e *LaunchError) Unwrap() error { return e.Err }

// CollectionError is a failure reported by the collection worker through a callback.
type CollectionError struct {
	ShardIndex int
	Message    string
	Transient  bool
}

func (e *CollectionError) Error() string {
	return fmt.Sprintf("collection shard %d: %s", e.ShardIndex, e.Message)
}

// InterpretationError is a failure of the interpretation pass for one shard.
type InterpretationError struct {
	ShardIndex int
	Err        error
}

func (e *InterpretationError) Error() string {
	return fmt.Sprintf("interpret shard %d: %v", e.ShardIndex, e.Err)
}

func (e *InterpretationError) Unwrap() error { return e.Err }

// JobAbortError fails a whole job when no shard could be launched.
type JobAbortError struct {
	JobID    string
	Attempts int
}

func (e *JobAbortError) Error() string {
	return fmt.Sprintf("all shard launches failed (%d attempted)", e.Attempts)
}

// MergeConflictError reports two shards writing different values under the same key.
type MergeConflictError struct {
	Key    string
	First  string
	Second string
}

func (e *MergeConflictError) Error() string {
	return fmt.Sprintf("merge conflict on key %q between shards %s and %s", e.Key, e.First, e.Second)
}
