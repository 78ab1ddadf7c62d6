package errors

import (
	"context"
	"errors"
	"regexp"
	"strings"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// reKeyField extracts the column list from a unique violation detail:
// "Key (job_id, shard_name)=(...) already exists.".
var reKeyField = regexp.MustCompile(`Key \(([^)]+)\)=`)

// MapDBError maps database errors to AppError instances:
//   - pgx.ErrNoRows becomes NotFound
//   - unique violations become Conflict
//   - a shard row referencing a deleted job becomes NotFound
//   - check and NOT NULL violations become Validation
//   - serialization failures and lock timeouts become Conflict
//   - context timeouts and cancellations become Timeout and Canceled
//
// Errors that are not database errors are returned unchanged.
func MapDBError(err error) error {
	if err == nil {
		return nil
	}

	var appErr *AppError
	if errors.As(err, &appErr) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Wrap(err, ErrCodeTimeout, "request timed out")
	}
	if errors.Is(err, context.Canceled) {
		return Wrap(err, ErrCodeCanceled, "request was canceled")
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return Wrap(err, ErrCodeNotFound, "analysis job not found")
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return mapPgError(pgErr)
	}
	return err
}

func mapPgError(pgErr *pgconn.PgError) error {
	switch pgErr.Code {
	case pgerrcode.UniqueViolation:
		return mapUniqueViolation(pgErr)
	case pgerrcode.ForeignKeyViolation:
		return Wrap(pgErr, ErrCodeNotFound, "the "+mapTableToDomain(referencedTable(pgErr))+" no longer exists")
	case pgerrcode.CheckViolation:
		return mapCheckViolation(pgErr)
	case pgerrcode.NotNullViolation:
		return &AppError{
			Code:    ErrCodeValidation,
			Message: "required field is missing",
			Field:   pgErr.ColumnName,
			Cause:   pgErr,
		}
	case pgerrcode.SerializationFailure, pgerrcode.DeadlockDetected, pgerrcode.LockNotAvailable:
		return Wrap(pgErr, ErrCodeConflict, "concurrent update, please retry")
	case pgerrcode.QueryCanceled:
		return Wrap(pgErr, ErrCodeTimeout, "query timed out")
	default:
		return Wrap(pgErr, ErrCodeInternal, "a database error occurred")
	}
}

func mapUniqueViolation(pgErr *pgconn.PgError) error {
	field := pgErr.ColumnName
	if field == "" && pgErr.Detail != "" {
		if m := reKeyField.FindStringSubmatch(pgErr.Detail); len(m) == 2 {
			field = m[1]
		}
	}
	if field == "" {
		field = inferFieldFromConstraint(pgErr.ConstraintName)
	}
	return &AppError{
		Code:    ErrCodeConflict,
		Message: mapTableToDomain(pgErr.TableName) + " already exists",
		Field:   field,
		Cause:   pgErr,
	}
}

// mapCheckViolation names the broken shard invariant when the constraint is one of ours.
func mapCheckViolation(pgErr *pgconn.PgError) error {
	message := "invalid " + mapTableToDomain(pgErr.TableName) + " data"
	switch pgErr.ConstraintName {
	case "analysis_shards_raw_result_completed":
		message = "raw collection output is only stored for completed shards"
	case "analysis_shards_interpretation_result_completed":
		message = "interpretation output must be present exactly when interpretation completed"
	}
	return &AppError{
		Code:    ErrCodeValidation,
		Message: message,
		Field:   pgErr.ColumnName,
		Cause:   pgErr,
	}
}

// referencedTable returns the parent table of a foreign key violation.
func referencedTable(pgErr *pgconn.PgError) string {
	const marker = "is not present in table "
	if i := strings.Index(pgErr.Detail, marker); i >= 0 {
		return strings.Trim(strings.TrimSuffix(pgErr.Detail[i+len(marker):], "."), `"`)
	}
	if strings.HasSuffix(pgErr.ConstraintName, "_job_id_fkey") {
		return "analysis_jobs"
	}
	return pgErr.TableName
}

// inferFieldFromConstraint infers the column from a single-column constraint name,
// e.g. "analysis_jobs_pkey" has none while "jobs_name_key" yields "name".
func inferFieldFromConstraint(constraintName string) string {
	parts := strings.Split(constraintName, "_")
	if len(parts) != 3 {
		return ""
	}
	switch parts[2] {
	case "key", "unique", "idx":
		return parts[1]
	default:
		return ""
	}
}

// mapTableToDomain maps table names to the nouns used in API error messages.
func mapTableToDomain(tableName string) string {
	switch strings.ToLower(strings.TrimSpace(tableName)) {
	case "analysis_jobs":
		return "analysis job"
	case "analysis_shards":
		return "shard"
	case "":
		return "record"
	default:
		return strings.ReplaceAll(strings.ToLower(tableName), "_", " ")
	}
}
