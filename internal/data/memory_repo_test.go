package data

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/target/mmk-fanout/internal/core"
	"github.com/target/mmk-fanout/internal/domain/analysis"
	"github.com/target/mmk-fanout/internal/domain/model"
	"github.com/target/mmk-fanout/internal/testutil"
)

// repoContract runs the same behavioural checks against any AnalysisRepository.
func repoContract(t *testing.T, newRepo func(t *testing.T, tp TimeProvider) core.AnalysisRepository) {
	ctx := context.Background()
	start := testutil.TestTime()

	t.Run("create and get", func(t *testing.T) {
		repo := newRepo(t, NewFixedTimeProvider(start))
		created, err := repo.Create(ctx, testutil.NewJob(3).Build())
		require.NoError(t, err)
		assert.Equal(t, int64(1), created.Version)

		got, err := repo.GetByID(ctx, created.ID)
		require.NoError(t, err)
		assert.Equal(t, created.ID, got.ID)
		assert.Len(t, got.Shards, 3)
		assert.Equal(t, model.JobStatusPending, got.Status)
		for i, s := range got.Shards {
			assert.Equal(t, i, s.ShardIndex)
		}
	})

	t.Run("missing job", func(t *testing.T) {
		repo := newRepo(t, nil)
		_, err := repo.GetByID(ctx, "00000000-0000-0000-0000-000000000000")
		require.ErrorIs(t, err, core.ErrJobNotFound)
		_, err = repo.Update(ctx, core.UpdateJobParams{
			JobID:  "00000000-0000-0000-0000-000000000000",
			Mutate: func(*model.Job) error { return nil },
		})
		require.ErrorIs(t, err, core.ErrJobNotFound)
	})

	t.Run("update bumps version and recounts", func(t *testing.T) {
		repo := newRepo(t, nil)
		created, err := repo.Create(ctx, testutil.NewJob(2).InFlight(start).Build())
		require.NoError(t, err)

		updated, err := repo.Update(ctx, core.UpdateJobParams{
			JobID:         created.ID,
			ExpectVersion: created.Version,
			Mutate: func(job *model.Job) error {
				_, applyErr := analysis.ApplyCollectionCallback(job, 1, analysis.AnyAttempt,
					model.CollectionCallback{Success: true, Raw: testutil.RawResult(1)}, nil, start)
				return applyErr
			},
		})
		require.NoError(t, err)
		assert.Equal(t, created.Version+1, updated.Version)
		assert.Equal(t, 1, updated.CompletedCollections)

		got, err := repo.GetByID(ctx, created.ID)
		require.NoError(t, err)
		assert.Equal(t, []byte(testutil.RawResult(1)), []byte(got.Shards[1].CollectionRawResult))
		assert.Equal(t, model.CollectionStatusInProgress, got.Shards[0].CollectionStatus)
	})

	t.Run("stale version conflicts", func(t *testing.T) {
		repo := newRepo(t, nil)
		created, err := repo.Create(ctx, testutil.NewJob(1).Build())
		require.NoError(t, err)
		_, err = repo.Update(ctx, core.UpdateJobParams{
			JobID:         created.ID,
			ExpectVersion: created.Version + 5,
			Mutate:        func(job *model.Job) error { job.Status = model.JobStatusFailed; return nil },
		})
		require.ErrorIs(t, err, core.ErrVersionConflict)
	})

	t.Run("skip update leaves job untouched", func(t *testing.T) {
		repo := newRepo(t, nil)
		created, err := repo.Create(ctx, testutil.NewJob(1).Build())
		require.NoError(t, err)
		got, err := repo.Update(ctx, core.UpdateJobParams{
			JobID: created.ID,
			Mutate: func(job *model.Job) error {
				job.Status = model.JobStatusFailed
				return core.ErrSkipUpdate
			},
		})
		require.NoError(t, err)
		assert.Equal(t, model.JobStatusPending, got.Status)
		assert.Equal(t, created.Version, got.Version)
	})

	t.Run("mutate error aborts", func(t *testing.T) {
		repo := newRepo(t, nil)
		created, err := repo.Create(ctx, testutil.NewJob(1).Build())
		require.NoError(t, err)
		boom := errors.New("boom")
		_, err = repo.Update(ctx, core.UpdateJobParams{
			JobID:  created.ID,
			Mutate: func(job *model.Job) error { job.Status = model.JobStatusFailed; return boom },
		})
		require.ErrorIs(t, err, boom)
		got, err := repo.GetByID(ctx, created.ID)
		require.NoError(t, err)
		assert.Equal(t, model.JobStatusPending, got.Status)
	})

	t.Run("invalid state is rejected", func(t *testing.T) {
		repo := newRepo(t, nil)
		created, err := repo.Create(ctx, testutil.NewJob(1).Build())
		require.NoError(t, err)
		_, err = repo.Update(ctx, core.UpdateJobParams{
			JobID: created.ID,
			Mutate: func(job *model.Job) error {
				job.Shards[0].CollectionRawResult = json.RawMessage(`{}`)
				return nil
			},
		})
		require.Error(t, err)
	})

	t.Run("concurrent callbacks on different shards do not lose writes", func(t *testing.T) {
		repo := newRepo(t, nil)
		const n = 7
		created, err := repo.Create(ctx, testutil.NewJob(n).InFlight(start).WithStatus(model.JobStatusInProgress).Build())
		require.NoError(t, err)

		var wg sync.WaitGroup
		becameCollected := make(chan int, n*2)
		for i := 0; i < n; i++ {
			for dup := 0; dup < 2; dup++ {
				wg.Add(1)
				go func(idx int) {
					defer wg.Done()
					_, updErr := repo.Update(ctx, core.UpdateJobParams{
						JobID: created.ID,
						Mutate: func(job *model.Job) error {
							eff, applyErr := analysis.ApplyCollectionCallback(job, idx, analysis.AnyAttempt,
								model.CollectionCallback{Success: true, Raw: testutil.RawResult(idx)}, nil, start)
							if applyErr != nil {
								return applyErr
							}
							if eff.Outcome != model.CallbackApplied {
								return core.ErrSkipUpdate
							}
							if eff.BecameCollected {
								becameCollected <- idx
							}
							return nil
						},
					})
					assert.NoError(t, updErr)
				}(i)
			}
		}
		wg.Wait()
		close(becameCollected)

		got, err := repo.GetByID(ctx, created.ID)
		require.NoError(t, err)
		assert.Equal(t, n, got.CompletedCollections)
		assert.Equal(t, model.JobStatusCollected, got.Status)
		assert.Len(t, becameCollected, 1)
	})

	t.Run("stale collections and terminal cleanup", func(t *testing.T) {
		tp := NewFixedTimeProvider(start)
		repo := newRepo(t, tp)
		old, err := repo.Create(ctx, testutil.NewJob(2).InFlight(start.Add(-2*time.Hour), 1).Build())
		require.NoError(t, err)
		_, err = repo.Create(ctx, testutil.NewJob(2).InFlight(start).Build())
		require.NoError(t, err)

		stale, err := repo.ListStaleCollections(ctx, core.StaleCollectionParams{
			StartedBefore: start.Add(-time.Hour),
			Limit:         10,
		})
		require.NoError(t, err)
		require.Len(t, stale, 1)
		assert.Equal(t, core.StaleShard{JobID: old.ID, ShardIndex: 1}, stale[0])

		done, err := repo.Create(ctx, testutil.NewJob(1).Collected().Interpreted().
			WithStatus(model.JobStatusCompleted).Build())
		require.NoError(t, err)
		failedJob := testutil.NewJob(2).InFlight(start).Collected(0).WithStatus(model.JobStatusInProgress).Build()
		failedJob.Fail("all collection launches failed")
		failed, err := repo.Create(ctx, failedJob)
		require.NoError(t, err)

		tp.AddTime(48 * time.Hour)
		deleted, err := repo.DeleteCompletedJobs(ctx, core.DeleteJobsParams{
			UpdatedBefore: tp.Now().Add(-24 * time.Hour),
			BatchSize:     10,
		})
		require.NoError(t, err)
		assert.Equal(t, int64(1), deleted)
		_, err = repo.GetByID(ctx, done.ID)
		require.ErrorIs(t, err, core.ErrJobNotFound)
		_, err = repo.GetByID(ctx, old.ID)
		require.NoError(t, err)
		kept, err := repo.GetByID(ctx, failed.ID)
		require.NoError(t, err, "failed jobs stay retryable past retention")
		assert.Equal(t, model.JobStatusFailed, kept.Status)
		assert.Equal(t, model.JobStatusInProgress, kept.FailedFrom)
	})
}

func TestMemoryAnalysisRepo(t *testing.T) {
	repoContract(t, func(_ *testing.T, tp TimeProvider) core.AnalysisRepository {
		return NewMemoryAnalysisRepo(tp)
	})
}

func TestMemoryAnalysisRepo_ReturnsCopies(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryAnalysisRepo(nil)
	created, err := repo.Create(ctx, testutil.NewJob(1).Build())
	require.NoError(t, err)

	created.Shards[0].ShardName = "mutated"
	got, err := repo.GetByID(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, "shard-0", got.Shards[0].ShardName)

	_, err = repo.Create(ctx, got)
	require.Error(t, err, fmt.Sprintf("duplicate id %s", got.ID))
}

func TestMemoryAnalysisRepo_CanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	repo := NewMemoryAnalysisRepo(nil)
	_, err := repo.GetByID(ctx, "x")
	require.ErrorIs(t, err, context.Canceled)
}
