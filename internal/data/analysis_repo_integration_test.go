package data

import (
	"context"
	"database/sql"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/target/mmk-fanout/internal/core"
	"github.com/target/mmk-fanout/internal/domain/model"
	"github.com/target/mmk-fanout/internal/testutil"
)

func TestAnalysisRepo_Integration(t *testing.T) {
	testutil.SkipIfNoTestDB(t)

	repoContract(t, func(t *testing.T, tp TimeProvider) core.AnalysisRepository {
		db := testutil.SetupEphemeralSchemaDB(t)
		return NewAnalysisRepo(db, RepoConfig{TimeProvider: tp})
	})
}

func TestAnalysisRepo_Integration_RawResultIsByteExact(t *testing.T) {
	testutil.SkipIfNoTestDB(t)

	testutil.WithAutoDB(t, func(db *sql.DB) {
		ctx := context.Background()
		repo := NewAnalysisRepo(db, RepoConfig{})
		raw := json.RawMessage("{ \"b\": 2,\n  \"a\": [1, 2] }")

		created, err := repo.Create(ctx, testutil.NewJob(1).InFlight(testutil.TestTime()).Build())
		require.NoError(t, err)

		_, err = repo.Update(ctx, core.UpdateJobParams{
			JobID: created.ID,
			Mutate: func(job *model.Job) error {
				job.Shards[0].CollectionStatus = model.CollectionStatusCompleted
				job.Shards[0].CollectionRawResult = raw
				return nil
			},
		})
		require.NoError(t, err)

		got, err := repo.GetByID(ctx, created.ID)
		require.NoError(t, err)
		assert.Equal(t, []byte(raw), []byte(got.Shards[0].CollectionRawResult))
		assert.Equal(t, 1, got.CompletedCollections)
	})
}

func TestAnalysisRepo_Integration_InvalidID(t *testing.T) {
	testutil.SkipIfNoTestDB(t)

	testutil.WithAutoDB(t, func(db *sql.DB) {
		repo := NewAnalysisRepo(db, RepoConfig{})
		_, err := repo.GetByID(context.Background(), "not-a-uuid")
		require.ErrorIs(t, err, core.ErrJobNotFound)
	})
}
