package data

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/target/mmk-fanout/internal/core"
	"github.com/target/mmk-fanout/internal/data/pgxutil"
	"github.com/target/mmk-fanout/internal/domain/model"
)

// Advisory lock keys used to keep concurrent sweepers from deleting the same rows.
const (
	advisoryLockSweeperMajor  = 2000
	advisoryLockSweeperDelete = 1
)

// updateDeadlockRetries bounds reruns of Update after a deadlock between job row locks.
const updateDeadlockRetries = 2

// RepoConfig holds configuration options for the analysis repository.
type RepoConfig struct {
	Logger       *slog.Logger
	TimeProvider TimeProvider
}

// AnalysisRepo stores analysis jobs in analysis_jobs and their shards in
// analysis_shards, one row per (job_id, shard_index). Updates lock the job row so
// concurrent callbacks for different shards of a job never lose writes.
type AnalysisRepo struct {
	DB           *sql.DB
	timeProvider TimeProvider
	logger       *slog.Logger
}

var _ core.AnalysisRepository = (*AnalysisRepo)(nil)

// NewAnalysisRepo creates a new AnalysisRepo.
func NewAnalysisRepo(db *sql.DB, cfg RepoConfig) *AnalysisRepo {
	tp := cfg.TimeProvider
	if tp == nil {
		tp = &RealTimeProvider{}
	}
	var logger *slog.Logger
	if cfg.Logger != nil {
		logger = cfg.Logger.With("component", "analysis_repo")
	}
	return &AnalysisRepo{DB: db, timeProvider: tp, logger: logger}
}

const analysisJobColumns = `
  id::text,
  user_id,
  prompt,
  status,
  total_shards,
  completed_collections,
  completed_interpretations,
  result,
  error,
  COALESCE(failed_from, ''),
  version,
  created_at,
  updated_at,
  completed_at
`

const analysisShardColumns = `
  shard_index,
  shard_name,
  collection_status,
  collection_handle,
  collection_raw_result,
  collection_error,
  collection_started_at,
  collection_completed_at,
  retry_count,
  last_retry_at,
  retry_reason,
  interpretation_status,
  interpretation_result,
  interpretation_error,
  interpretation_started_at,
  interpretation_completed_at
`

// Create inserts the job and all of its shard records in one transaction.
func (r *AnalysisRepo) Create(ctx context.Context, job *model.Job) (*model.Job, error) {
	if job == nil {
		return nil, errors.New("job is required")
	}
	out := job.Clone()
	if out.ID == "" {
		out.ID = uuid.NewString()
	}
	if _, err := uuid.Parse(out.ID); err != nil {
		return nil, fmt.Errorf("invalid job id %q: %w", out.ID, err)
	}
	out.Recount()
	if err := out.Validate(); err != nil {
		return nil, fmt.Errorf("validate job: %w", err)
	}

	now := r.timeProvider.Now().UTC()
	out.CreatedAt = now
	out.UpdatedAt = now
	out.Version = 1

	err := pgxutil.WithPgxTx(ctx, r.DB, pgxutil.TxConfig{
		Fn: func(tx pgx.Tx) error {
			if _, err := tx.Exec(ctx, `
				INSERT INTO analysis_jobs (
					id, user_id, prompt, status, total_shards, completed_collections,
					completed_interpretations, result, error, failed_from, version, created_at, updated_at,
					completed_at
				) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,NULLIF($10, ''),$11,$12,$12,$13)`,
				out.ID, out.UserID, out.Prompt, string(out.Status), out.TotalShards,
				out.CompletedCollections, out.CompletedInterpretations, nullableJSON(out.Result),
				out.Error, string(out.FailedFrom), out.Version, now, out.CompletedAt,
			); err != nil {
				return fmt.Errorf("insert job: %w", err)
			}
			return insertShards(ctx, tx, out.ID, out.Shards)
		},
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func insertShards(ctx context.Context, tx pgx.Tx, jobID string, shards []model.ShardRecord) error {
	batch := &pgx.Batch{}
	for i := range shards {
		s := &shards[i]
		batch.Queue(`
			INSERT INTO analysis_shards (job_id, `+analysisShardColumns+`)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)`,
			append([]any{jobID}, shardArgs(s)...)...,
		)
	}
	br := tx.SendBatch(ctx, batch)
	for i := range shards {
		if _, err := br.Exec(); err != nil {
			_ = br.Close()
			return fmt.Errorf("insert shard %d: %w", shards[i].ShardIndex, err)
		}
	}
	if err := br.Close(); err != nil {
		return fmt.Errorf("close shard batch: %w", err)
	}
	return nil
}

func shardArgs(s *model.ShardRecord) []any {
	return []any{
		s.ShardIndex,
		s.ShardName,
		string(s.CollectionStatus),
		s.CollectionHandle,
		nullableBytes(s.CollectionRawResult),
		s.CollectionError,
		s.CollectionStartedAt,
		s.CollectionCompletedAt,
		s.RetryCount,
		s.LastRetryAt,
		s.RetryReason,
		string(s.InterpretationStatus),
		nullableJSON(s.InterpretationResult),
		s.InterpretationError,
		s.InterpretationStartedAt,
		s.InterpretationCompletedAt,
	}
}

// GetByID loads a job and its shards.
func (r *AnalysisRepo) GetByID(ctx context.Context, id string) (*model.Job, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, core.ErrJobNotFound
	}
	var job *model.Job
	err := pgxutil.WithPgxTx(ctx, r.DB, pgxutil.TxConfig{
		Opts: &sql.TxOptions{Isolation: sql.LevelRepeatableRead, ReadOnly: true},
		Fn: func(tx pgx.Tx) error {
			var loadErr error
			job, loadErr = loadJob(ctx, tx, id, false)
			return loadErr
		},
	})
	if err != nil {
		return nil, err
	}
	return job, nil
}

// Update applies params.Mutate to the job under a row lock and persists the shards
// that changed. The job version is bumped on every write.
func (r *AnalysisRepo) Update(ctx context.Context, params core.UpdateJobParams) (*model.Job, error) {
	if params.Mutate == nil {
		return nil, errors.New("mutate function is required")
	}
	if _, err := uuid.Parse(params.JobID); err != nil {
		return nil, core.ErrJobNotFound
	}

	var result *model.Job
	err := pgxutil.WithPgxTx(ctx, r.DB, pgxutil.TxConfig{
		Retries: updateDeadlockRetries,
		Fn: func(tx pgx.Tx) error {
			current, err := loadJob(ctx, tx, params.JobID, true)
			if err != nil {
				return err
			}
			if params.ExpectVersion != 0 && current.Version != params.ExpectVersion {
				return core.ErrVersionConflict
			}

			next := current.Clone()
			if mutateErr := params.Mutate(next); mutateErr != nil {
				if errors.Is(mutateErr, core.ErrSkipUpdate) {
					result = current
					return nil
				}
				return mutateErr
			}
			next.ID = current.ID
			if len(next.Shards) != len(current.Shards) {
				return errors.New("shard records cannot be added or removed")
			}
			next.Recount()
			if validateErr := next.Validate(); validateErr != nil {
				return fmt.Errorf("validate job: %w", validateErr)
			}

			if writeErr := r.writeChanges(ctx, tx, current, next); writeErr != nil {
				return writeErr
			}
			result = next
			return nil
		},
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (r *AnalysisRepo) writeChanges(ctx context.Context, tx pgx.Tx, before, after *model.Job) error {
	for i := range after.Shards {
		if reflect.DeepEqual(before.Shards[i], after.Shards[i]) {
			continue
		}
		s := &after.Shards[i]
		if _, err := tx.Exec(ctx, `
			UPDATE analysis_shards SET
				collection_status = $3,
				collection_handle = $4,
				collection_raw_result = $5,
				collection_error = $6,
				collection_started_at = $7,
				collection_completed_at = $8,
				retry_count = $9,
				last_retry_at = $10,
				retry_reason = $11,
				interpretation_status = $12,
				interpretation_result = $13,
				interpretation_error = $14,
				interpretation_started_at = $15,
				interpretation_completed_at = $16
			WHERE job_id = $1 AND shard_index = $2`,
			after.ID, s.ShardIndex,
			string(s.CollectionStatus), s.CollectionHandle, nullableBytes(s.CollectionRawResult),
			s.CollectionError, s.CollectionStartedAt, s.CollectionCompletedAt,
			s.RetryCount, s.LastRetryAt, s.RetryReason,
			string(s.InterpretationStatus), nullableJSON(s.InterpretationResult), s.InterpretationError,
			s.InterpretationStartedAt, s.InterpretationCompletedAt,
		); err != nil {
			return fmt.Errorf("update shard %d: %w", s.ShardIndex, err)
		}
	}

	after.Version = before.Version + 1
	after.UpdatedAt = r.timeProvider.Now().UTC()
	if _, err := tx.Exec(ctx, `
		UPDATE analysis_jobs SET
			status = $2,
			completed_collections = $3,
			completed_interpretations = $4,
			result = $5,
			error = $6,
			failed_from = NULLIF($7, ''),
			version = $8,
			updated_at = $9,
			completed_at = $10
		WHERE id = $1`,
		after.ID, string(after.Status), after.CompletedCollections, after.CompletedInterpretations,
		nullableJSON(after.Result), after.Error, string(after.FailedFrom), after.Version, after.UpdatedAt,
		after.CompletedAt,
	); err != nil {
		return fmt.Errorf("update job: %w", err)
	}
	return nil
}

func loadJob(ctx context.Context, tx pgx.Tx, id string, forUpdate bool) (*model.Job, error) {
	query := `SELECT ` + analysisJobColumns + ` FROM analysis_jobs WHERE id = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	job, err := scanJob(tx.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, core.ErrJobNotFound
		}
		return nil, fmt.Errorf("select job: %w", err)
	}

	rows, err := tx.Query(ctx, `SELECT `+analysisShardColumns+`
		FROM analysis_shards WHERE job_id = $1 ORDER BY shard_index`, id)
	if err != nil {
		return nil, fmt.Errorf("select shards: %w", err)
	}
	defer rows.Close()
	job.Shards = make([]model.ShardRecord, 0, job.TotalShards)
	for rows.Next() {
		s, scanErr := scanShard(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("scan shard: %w", scanErr)
		}
		job.Shards = append(job.Shards, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate shards: %w", err)
	}
	return job, nil
}

func scanJob(row pgx.Row) (*model.Job, error) {
	var (
		job        model.Job
		status     string
		failedFrom string
		result     []byte
	)
	if err := row.Scan(
		&job.ID, &job.UserID, &job.Prompt, &status, &job.TotalShards,
		&job.CompletedCollections, &job.CompletedInterpretations, &result, &job.Error,
		&failedFrom, &job.Version, &job.CreatedAt, &job.UpdatedAt, &job.CompletedAt,
	); err != nil {
		return nil, err
	}
	job.Status = model.JobStatus(status)
	job.FailedFrom = model.JobStatus(failedFrom)
	if len(result) > 0 {
		job.Result = json.RawMessage(result)
	}
	return &job, nil
}

func scanShard(row pgx.Row) (model.ShardRecord, error) {
	var (
		s                      model.ShardRecord
		collStatus, interpStat string
		raw, interp            []byte
	)
	if err := row.Scan(
		&s.ShardIndex, &s.ShardName, &collStatus, &s.CollectionHandle, &raw, &s.CollectionError,
		&s.CollectionStartedAt, &s.CollectionCompletedAt, &s.RetryCount, &s.LastRetryAt, &s.RetryReason,
		&interpStat, &interp, &s.InterpretationError, &s.InterpretationStartedAt, &s.InterpretationCompletedAt,
	); err != nil {
		return s, err
	}
	s.CollectionStatus = model.CollectionStatus(collStatus)
	s.InterpretationStatus = model.InterpretationStatus(interpStat)
	if raw != nil {
		s.CollectionRawResult = json.RawMessage(raw)
	}
	if len(interp) > 0 {
		s.InterpretationResult = json.RawMessage(interp)
	}
	return s, nil
}

// ListStaleCollections returns in-flight shards started before the cutoff, oldest first.
func (r *AnalysisRepo) ListStaleCollections(
	ctx context.Context,
	params core.StaleCollectionParams,
) ([]core.StaleShard, error) {
	limit := params.Limit
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.DB.QueryContext(ctx, `
		SELECT job_id::text, shard_index
		FROM analysis_shards
		WHERE collection_status = 'in_progress' AND collection_started_at < $1
		ORDER BY collection_started_at
		LIMIT $2`, params.StartedBefore.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("list stale collections: %w", err)
	}
	defer rows.Close()

	var out []core.StaleShard
	for rows.Next() {
		var s core.StaleShard
		if scanErr := rows.Scan(&s.JobID, &s.ShardIndex); scanErr != nil {
			return nil, fmt.Errorf("scan stale shard: %w", scanErr)
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate stale shards: %w", err)
	}
	return out, nil
}

// DeleteCompletedJobs deletes up to BatchSize completed jobs last updated before the
// cutoff. Shards are removed by cascade. Failed jobs are kept for retry.
func (r *AnalysisRepo) DeleteCompletedJobs(ctx context.Context, params core.DeleteJobsParams) (int64, error) {
	batch := params.BatchSize
	if batch <= 0 {
		batch = 500
	}
	var rowsAffected int64
	err := pgxutil.WithSQLTx(ctx, r.DB, pgxutil.SQLTxConfig{
		Fn: func(tx *sql.Tx) error {
			var locked bool
			if err := tx.QueryRowContext(ctx, "SELECT pg_try_advisory_xact_lock($1, $2)",
				advisoryLockSweeperMajor, advisoryLockSweeperDelete).Scan(&locked); err != nil {
				return fmt.Errorf("acquire advisory lock: %w", err)
			}
			if !locked {
				return nil
			}
			res, err := tx.ExecContext(ctx, `
				DELETE FROM analysis_jobs
				WHERE id IN (
					SELECT id FROM analysis_jobs
					WHERE status = 'completed' AND updated_at < $1
					ORDER BY updated_at
					LIMIT $2
				)`, params.UpdatedBefore.UTC(), batch)
			if err != nil {
				return fmt.Errorf("delete completed jobs: %w", err)
			}
			ra, err := res.RowsAffected()
			if err != nil {
				return fmt.Errorf("rows affected: %w", err)
			}
			rowsAffected = ra
			return nil
		},
	})
	if err != nil {
		return 0, err
	}
	if rowsAffected > 0 && r.logger != nil {
		r.logger.DebugContext(ctx, "deleted completed jobs", "count", rowsAffected)
	}
	return rowsAffected, nil
}

// nullableJSON returns nil for empty payloads so JSONB columns store SQL NULL.
func nullableJSON(b json.RawMessage) any {
	if len(strings.TrimSpace(string(b))) == 0 {
		return nil
	}
	return string(b)
}

func nullableBytes(b json.RawMessage) any {
	if b == nil {
		return nil
	}
	return []byte(b)
}
