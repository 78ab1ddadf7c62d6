// Package model defines the core data types shared by the fan-out analysis service.
package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// JobStatus represents the phase an analysis job is in.
//
//nolint:recvcheck // UnmarshalText needs pointer receiver, Valid needs value receiver
type JobStatus string

const (
	// JobStatusPending indicates the job was created and shards are not launched yet.
	JobStatusPending JobStatus = "pending"
	// JobStatusInProgress indicates the collection phase is running.
	JobStatusInProgress JobStatus = "in_progress"
	// JobStatusCollected indicates every shard finished collection.
	JobStatusCollected JobStatus = "collected"
	// JobStatusInterpreting indicates per-shard interpretation is running.
	JobStatusInterpreting JobStatus = "interpreting"
	// JobStatusMerging indicates shard results are being combined.
	JobStatusMerging JobStatus = "merging"
	// JobStatusCompleted indicates the merged result is available.
	JobStatusCompleted JobStatus = "completed"
	// JobStatusFailed indicates a job-level failure policy was crossed.
	JobStatusFailed JobStatus = "failed"
)

// Valid returns true if the JobStatus is a known value.
func (s JobStatus) Valid() bool {
	switch s {
	case JobStatusPending, JobStatusInProgress, JobStatusCollected, JobStatusInterpreting,
		JobStatusMerging, JobStatusCompleted, JobStatusFailed:
		return true
	default:
		return false
	}
}

// Terminal reports whether the status ends a run.
func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

// UnmarshalText implements encoding.TextUnmarshaler so statuses can be parsed from query strings.
func (s *JobStatus) UnmarshalText(text []byte) error {
	v := JobStatus(strings.ToLower(strings.TrimSpace(string(text))))
	if !v.Valid() {
		return fmt.Errorf("invalid JobStatus: %q", v)
	}
	*s = v
	return nil
}

// Job is one analysis request fanned out into shards. Shards are owned by the job
// and are mutated in place across retries.
type Job struct {
	ID                       string          `json:"id"`
	UserID                   string          `json:"user_id"`
	Prompt                   string          `json:"prompt"`
	Status                   JobStatus       `json:"status"`
	Shards                   []ShardRecord   `json:"shards"`
	TotalShards              int             `json:"total_shards"`
	CompletedCollections     int             `json:"completed_collections"`
	CompletedInterpretations int             `json:"completed_interpretations"`
	Result                   json.RawMessage `json:"result,omitempty"`
	Error                    *string         `json:"error,omitempty"`
	// FailedFrom is the status the job held when it failed; empty otherwise.
	FailedFrom               JobStatus       `json:"failed_from,omitempty"`
	Version                  int64           `json:"version"`
	CreatedAt                time.Time       `json:"created_at"`
	UpdatedAt                time.Time       `json:"updated_at"`
	CompletedAt              *time.Time      `json:"completed_at,omitempty"`
}

// Shard returns a pointer to the shard with the given index.
func (j *Job) Shard(index int) (*ShardRecord, bool) {
	if index < 0 || index >= len(j.Shards) {
		return nil, false
	}
	s := &j.Shards[index]
	if s.ShardIndex != index {
		// Shards are kept ordered; fall back to a scan if a caller broke that.
		for i := range j.Shards {
			if j.Shards[i].ShardIndex == index {
				return &j.Shards[i], true
			}
		}
		return nil, false
	}
	return s, true
}

// Recount recomputes the derived counters from shard state.
func (j *Job) Recount() {
	collected, interpreted := 0, 0
	for i := range j.Shards {
		if j.Shards[i].CollectionStatus == CollectionStatusCompleted {
			collected++
		}
		if j.Shards[i].InterpretationStatus == InterpretationStatusCompleted {
			interpreted++
		}
	}
	j.CompletedCollections = collected
	j.CompletedInterpretations = interpreted
}

// SetError records a terminal error message; an empty message clears it.
func (j *Job) SetError(msg string) {
	if msg == "" {
		j.Error = nil
		return
	}
	j.Error = &msg
}

// Fail moves the job to failed with msg, remembering the status it failed from.
func (j *Job) Fail(msg string) {
	if j.Status != JobStatusFailed {
		j.FailedFrom = j.Status
	}
	j.Status = JobStatusFailed
	j.SetError(msg)
}

// Clone returns a deep copy of the job.
func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	out := *j
	out.Result = cloneRaw(j.Result)
	out.Error = cloneString(j.Error)
	out.CompletedAt = cloneTime(j.CompletedAt)
	if j.Shards != nil {
		out.Shards = make([]ShardRecord, len(j.Shards))
		for i := range j.Shards {
			out.Shards[i] = j.Shards[i].Clone()
		}
	}
	return &out
}

// Validate checks the structural invariants of a job and its shards.
func (j *Job) Validate() error {
	if !j.Status.Valid() {
		return fmt.Errorf("invalid job status %q", j.Status)
	}
	if len(j.Shards) != j.TotalShards {
		return fmt.Errorf("shard count %d does not match total_shards %d", len(j.Shards), j.TotalShards)
	}
	for i := range j.Shards {
		s := &j.Shards[i]
		if s.ShardIndex != i {
			return fmt.Errorf("shard at position %d has index %d", i, s.ShardIndex)
		}
		if err := s.Validate(); err != nil {
			return fmt.Errorf("shard %d: %w", i, err)
		}
	}
	return nil
}

// CreateJobRequest is the inbound request to start an analysis.
type CreateJobRequest struct {
	Prompt string `json:"prompt"`
	UserID string `json:"user_id"`
}

// MaxPromptLength bounds the stored request text.
const MaxPromptLength = 4000

// Validate validates the CreateJobRequest fields.
func (r *CreateJobRequest) Validate() error {
	r.Prompt = strings.TrimSpace(r.Prompt)
	r.UserID = strings.TrimSpace(r.UserID)
	if r.Prompt == "" {
		return errors.New("prompt is required")
	}
	if len(r.Prompt) > MaxPromptLength {
		return fmt.Errorf("prompt must be at most %d characters", MaxPromptLength)
	}
	if r.UserID == "" {
		return errors.New("user_id is required")
	}
	return nil
}

// RetryResult reports which retry path was taken.
type RetryResult struct {
	OK             bool `json:"ok"`
	UsedSmartRetry bool `json:"used_smart_retry"`
}

// Progress is the read-side projection of a job's advancement.
type Progress struct {
	PhasePercent           int     `json:"phase_percent"`
	CollectionFraction     float64 `json:"collection_fraction"`
	InterpretationFraction float64 `json:"interpretation_fraction"`
}

// JobStatusView is returned to consumers polling a job.
type JobStatusView struct {
	Job      *Job     `json:"job"`
	Progress Progress `json:"progress"`
}

func cloneRaw(b json.RawMessage) json.RawMessage {
	if b == nil {
		return nil
	}
	out := make(json.RawMessage, len(b))
	copy(out, b)
	return out
}

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
