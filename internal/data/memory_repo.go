package data

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/target/mmk-fanout/internal/core"
	"github.com/target/mmk-fanout/internal/domain/model"
)

// MemoryAnalysisRepo is an in-process AnalysisRepository used for local runs and
// tests. Each job has its own mutex so updates to different jobs proceed in parallel.
type MemoryAnalysisRepo struct {
	mu           sync.RWMutex
	jobs         map[string]*memoryEntry
	timeProvider TimeProvider
}

type memoryEntry struct {
	mu      sync.Mutex
	job     *model.Job
	deleted bool
}

var _ core.AnalysisRepository = (*MemoryAnalysisRepo)(nil)

// NewMemoryAnalysisRepo creates an empty in-memory repository.
func NewMemoryAnalysisRepo(tp TimeProvider) *MemoryAnalysisRepo {
	if tp == nil {
		tp = &RealTimeProvider{}
	}
	return &MemoryAnalysisRepo{jobs: make(map[string]*memoryEntry), timeProvider: tp}
}

// Create stores a copy of the job.
func (r *MemoryAnalysisRepo) Create(ctx context.Context, job *model.Job) (*model.Job, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if job == nil {
		return nil, errors.New("job is required")
	}
	out := job.Clone()
	if out.ID == "" {
		out.ID = uuid.NewString()
	}
	out.Recount()
	if err := out.Validate(); err != nil {
		return nil, fmt.Errorf("validate job: %w", err)
	}
	now := r.timeProvider.Now().UTC()
	out.CreatedAt = now
	out.UpdatedAt = now
	out.Version = 1

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.jobs[out.ID]; exists {
		return nil, fmt.Errorf("job %s already exists", out.ID)
	}
	r.jobs[out.ID] = &memoryEntry{job: out.Clone()}
	return out, nil
}

func (r *MemoryAnalysisRepo) entry(id string) (*memoryEntry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.jobs[id]
	return e, ok
}

// GetByID returns a copy of the stored job.
func (r *MemoryAnalysisRepo) GetByID(ctx context.Context, id string) (*model.Job, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	e, ok := r.entry(id)
	if !ok {
		return nil, core.ErrJobNotFound
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.deleted {
		return nil, core.ErrJobNotFound
	}
	return e.job.Clone(), nil
}

// Update applies params.Mutate while holding the job's mutex.
func (r *MemoryAnalysisRepo) Update(ctx context.Context, params core.UpdateJobParams) (*model.Job, error) {
	if params.Mutate == nil {
		return nil, errors.New("mutate function is required")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	e, ok := r.entry(params.JobID)
	if !ok {
		return nil, core.ErrJobNotFound
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.deleted {
		return nil, core.ErrJobNotFound
	}
	current := e.job
	if params.ExpectVersion != 0 && current.Version != params.ExpectVersion {
		return nil, core.ErrVersionConflict
	}

	next := current.Clone()
	if err := params.Mutate(next); err != nil {
		if errors.Is(err, core.ErrSkipUpdate) {
			return current.Clone(), nil
		}
		return nil, err
	}
	next.ID = current.ID
	if len(next.Shards) != len(current.Shards) {
		return nil, errors.New("shard records cannot be added or removed")
	}
	next.Recount()
	if err := next.Validate(); err != nil {
		return nil, fmt.Errorf("validate job: %w", err)
	}
	next.Version = current.Version + 1
	next.UpdatedAt = r.timeProvider.Now().UTC()
	e.job = next
	return next.Clone(), nil
}

// ListStaleCollections returns in-flight shards started before the cutoff, oldest first.
func (r *MemoryAnalysisRepo) ListStaleCollections(
	ctx context.Context,
	params core.StaleCollectionParams,
) ([]core.StaleShard, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	type candidate struct {
		core.StaleShard
		startedAt int64
	}
	var found []candidate
	for _, e := range r.snapshotEntries() {
		e.mu.Lock()
		if !e.deleted {
			for i := range e.job.Shards {
				s := &e.job.Shards[i]
				if s.CollectionStatus != model.CollectionStatusInProgress || s.CollectionStartedAt == nil {
					continue
				}
				if s.CollectionStartedAt.Before(params.StartedBefore) {
					found = append(found, candidate{
						StaleShard: core.StaleShard{JobID: e.job.ID, ShardIndex: s.ShardIndex},
						startedAt:  s.CollectionStartedAt.UnixNano(),
					})
				}
			}
		}
		e.mu.Unlock()
	}
	sort.Slice(found, func(i, j int) bool { return found[i].startedAt < found[j].startedAt })
	if params.Limit > 0 && len(found) > params.Limit {
		found = found[:params.Limit]
	}
	out := make([]core.StaleShard, len(found))
	for i := range found {
		out[i] = found[i].StaleShard
	}
	return out, nil
}

// DeleteCompletedJobs removes up to BatchSize completed jobs last updated before the cutoff.
func (r *MemoryAnalysisRepo) DeleteCompletedJobs(ctx context.Context, params core.DeleteJobsParams) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	var deleted int64
	for id, e := range r.jobs {
		if params.BatchSize > 0 && deleted >= int64(params.BatchSize) {
			break
		}
		e.mu.Lock()
		if e.job.Status == model.JobStatusCompleted && e.job.UpdatedAt.Before(params.UpdatedBefore) {
			e.deleted = true
			delete(r.jobs, id)
			deleted++
		}
		e.mu.Unlock()
	}
	return deleted, nil
}

func (r *MemoryAnalysisRepo) snapshotEntries() []*memoryEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*memoryEntry, 0, len(r.jobs))
	for _, e := range r.jobs {
		out = append(out, e)
	}
	return out
}
