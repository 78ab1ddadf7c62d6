// Package core defines the ports between the analysis services and their adapters.
package core

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/target/mmk-fanout/internal/domain/model"
)

// Repository sentinels shared by every AnalysisRepository implementation.
var (
	// ErrJobNotFound is returned when no job has the requested id.
	ErrJobNotFound = errors.New("job not found")
	// ErrVersionConflict is returned when UpdateJobParams.ExpectVersion no longer matches.
	ErrVersionConflict = errors.New("job version conflict")
	// ErrSkipUpdate may be returned by a mutate function to abort the update without error.
	ErrSkipUpdate = errors.New("skip update")
)

// UpdateJobParams describes one atomic read-modify-write of a job and its shards.
type UpdateJobParams struct {
	JobID string
	// ExpectVersion, when non-zero, makes the update fail with ErrVersionConflict if the
	// stored version differs.
	ExpectVersion int64
	// Mutate receives a private copy of the job. Returning ErrSkipUpdate leaves the
	// stored job untouched.
	Mutate func(job *model.Job) error
}

// StaleCollectionParams selects in-flight shards whose callback is overdue.
type StaleCollectionParams struct {
	StartedBefore time.Time
	Limit         int
}

// StaleShard identifies one overdue shard.
type StaleShard struct {
	JobID      string
	ShardIndex int
}

// DeleteJobsParams selects completed jobs to purge.
type DeleteJobsParams struct {
	UpdatedBefore time.Time
	BatchSize     int
}

// AnalysisRepository persists jobs together with their shard records. Update calls for
// the same job are serialized; updates to different jobs never block each other.
type AnalysisRepository interface {
	Create(ctx context.Context, job *model.Job) (*model.Job, error)
	GetByID(ctx context.Context, id string) (*model.Job, error)
	Update(ctx context.Context, params UpdateJobParams) (*model.Job, error)
	ListStaleCollections(ctx context.Context, params StaleCollectionParams) ([]StaleShard, error)
	DeleteCompletedJobs(ctx context.Context, params DeleteJobsParams) (int64, error)
}

// TriggerRequest is one outbound collection trigger.
type TriggerRequest struct {
	JobID       string
	ShardIndex  int
	ShardName   string
	CallbackURL string
	Payload     json.RawMessage
}

// CollectionTrigger starts the external collection for one shard and returns the
// worker's correlation handle.
type CollectionTrigger interface {
	Trigger(ctx context.Context, req TriggerRequest) (string, error)
}

// InterpretRequest is one outbound interpretation call.
type InterpretRequest struct {
	JobID          string
	ShardIndex     int
	ShardName      string
	RawResult      json.RawMessage
	PromptTemplate string
}

// Interpreter turns raw shard evidence into a structured partial result.
type Interpreter interface {
	Interpret(ctx context.Context, req InterpretRequest) (json.RawMessage, error)
}

// UnlockFunc releases a lock acquired through JobLocker.
type UnlockFunc func(ctx context.Context) error

// JobLocker provides a per-job mutual exclusion used to serialize retries.
type JobLocker interface {
	// TryLock returns ok=false without blocking when the job is already locked.
	TryLock(ctx context.Context, jobID string) (unlock UnlockFunc, ok bool, err error)
}

// Clock abstracts time for deterministic tests.
type Clock interface {
	Now() time.Time
}
