package analyses

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// PGRepo implements Repo using Postgres.
type PGRepo struct {
	DB *sql.DB
}

const jobColumns = `id, owner_id, filename, file_type, file_size_bytes, storage_key, status, chunk_count,
       result, error_code, error_message, created_at, started_at, completed_at, updated_at`

// notTerminal guards every write so finished jobs never change.
const notTerminal = `status NOT IN ('completed', 'error')`

type rowScanner interface {
	Scan(dest ...any) error
}

// Create inserts a new job.
func (r *PGRepo) Create(ctx context.Context, job Job) error {
	const query = `
INSERT INTO analysis_jobs (
	id, owner_id, filename, file_type, file_size_bytes, storage_key, status, chunk_count, created_at, updated_at
)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $9)`
	status := job.Status
	if status == "" {
		status = StatusQueued
	}
	_, err := r.DB.ExecContext(ctx, query,
		job.ID,
		nullString(job.OwnerID),
		job.Filename,
		job.FileType,
		job.FileSizeBytes,
		job.StorageKey,
		status,
		job.ChunkCount,
		job.CreatedAt,
	)
	return err
}

// GetByID returns a job by ID.
func (r *PGRepo) GetByID(ctx context.Context, jobID string) (Job, error) {
	query := `SELECT ` + jobColumns + ` FROM analysis_jobs WHERE id = $1`
	job, err := scanJob(r.DB.QueryRowContext(ctx, query, jobID))
	if errors.Is(err, sql.ErrNoRows) {
		return Job{}, ErrNotFound
	}
	return job, err
}

// ListByOwner returns the owner's jobs newest first.
func (r *PGRepo) ListByOwner(ctx context.Context, ownerID string, limit, offset int) ([]Job, error) {
	limit, offset = normalizePage(limit, offset)
	query := `SELECT ` + jobColumns + `
FROM analysis_jobs
WHERE owner_id = $1
ORDER BY created_at DESC
LIMIT $2 OFFSET $3`
	rows, err := r.DB.QueryContext(ctx, query, ownerID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	jobs := make([]Job, 0, limit)
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// UpdateStatus moves a non-terminal job to another non-terminal status.
func (r *PGRepo) UpdateStatus(ctx context.Context, jobID, status string) error {
	if IsTerminal(status) || !IsValidStatus(status) {
		return fmt.Errorf("invalid status transition to %q", status)
	}
	query := `
UPDATE analysis_jobs
SET status = $2,
    started_at = CASE WHEN $3::boolean AND started_at IS NULL THEN NOW() ELSE started_at END,
    updated_at = NOW()
WHERE id = $1 AND ` + notTerminal
	return r.guardedExec(ctx, jobID, query, jobID, status, status == StatusProcessing)
}

// SetChunkCount records how many chunks the job was split into.
func (r *PGRepo) SetChunkCount(ctx context.Context, jobID string, count int) error {
	query := `UPDATE analysis_jobs SET chunk_count = $2, updated_at = NOW() WHERE id = $1 AND ` + notTerminal
	return r.guardedExec(ctx, jobID, query, jobID, count)
}

// Complete stores the result and finishes the job.
func (r *PGRepo) Complete(ctx context.Context, jobID string, result Result) error {
	payload, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("encode result: %w", err)
	}
	query := `
UPDATE analysis_jobs
SET status = 'completed', result = $2, error_code = NULL, error_message = NULL,
    completed_at = NOW(), updated_at = NOW()
WHERE id = $1 AND ` + notTerminal
	return r.guardedExec(ctx, jobID, query, jobID, payload)
}

// Fail records the error and finishes the job.
func (r *PGRepo) Fail(ctx context.Context, jobID, code, message string) error {
	query := `
UPDATE analysis_jobs
SET status = 'error', result = NULL, error_code = $2, error_message = $3,
    completed_at = NOW(), updated_at = NOW()
WHERE id = $1 AND ` + notTerminal
	return r.guardedExec(ctx, jobID, query, jobID, code, message)
}

// Claim takes or renews the processing lease.
func (r *PGRepo) Claim(ctx context.Context, jobID, holder string, ttl time.Duration) error {
	query := `
UPDATE analysis_jobs
SET lease_holder = $2, lease_until = NOW() + make_interval(secs => $3)
WHERE id = $1 AND ` + notTerminal + `
  AND (lease_holder IS NULL OR lease_holder = $2 OR lease_until < NOW())`
	res, err := r.DB.ExecContext(ctx, query, jobID, holder, ttl.Seconds())
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected > 0 {
		return nil
	}

	var status string
	err = r.DB.QueryRowContext(ctx, `SELECT status FROM analysis_jobs WHERE id = $1`, jobID).Scan(&status)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return ErrNotFound
	case err != nil:
		return err
	case IsTerminal(status):
		return ErrTerminal
	default:
		return ErrLeased
	}
}

// Release drops the lease when holder still owns it.
func (r *PGRepo) Release(ctx context.Context, jobID, holder string) error {
	const query = `UPDATE analysis_jobs SET lease_holder = NULL, lease_until = NULL WHERE id = $1 AND lease_holder = $2`
	_, err := r.DB.ExecContext(ctx, query, jobID, holder)
	return err
}

// guardedExec runs a guarded UPDATE. When nothing matched it tells a missing
// row apart from a terminal one.
func (r *PGRepo) guardedExec(ctx context.Context, jobID, query string, args ...any) error {
	res, err := r.DB.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected > 0 {
		return nil
	}

	var status string
	err = r.DB.QueryRowContext(ctx, `SELECT status FROM analysis_jobs WHERE id = $1`, jobID).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	return ErrTerminal
}

func scanJob(row rowScanner) (Job, error) {
	var (
		job          Job
		ownerID      sql.NullString
		storageKey   sql.NullString
		result       []byte
		errorCode    sql.NullString
		errorMessage sql.NullString
		startedAt    sql.NullTime
		completedAt  sql.NullTime
	)
	err := row.Scan(
		&job.ID,
		&ownerID,
		&job.Filename,
		&job.FileType,
		&job.FileSizeBytes,
		&storageKey,
		&job.Status,
		&job.ChunkCount,
		&result,
		&errorCode,
		&errorMessage,
		&job.CreatedAt,
		&startedAt,
		&completedAt,
		&job.UpdatedAt,
	)
	if err != nil {
		return Job{}, err
	}

	job.OwnerID = ownerID.String
	job.StorageKey = storageKey.String
	job.ErrorCode = errorCode.String
	if errorMessage.Valid {
		msg := errorMessage.String
		job.ErrorMessage = &msg
	}
	if startedAt.Valid {
		t := startedAt.Time
		job.StartedAt = &t
	}
	if completedAt.Valid {
		t := completedAt.Time
		job.CompletedAt = &t
	}
	if len(result) > 0 && string(result) != "null" {
		var res Result
		if err := json.Unmarshal(result, &res); err != nil {
			return Job{}, fmt.Errorf("decode result for job %s: %w", job.ID, err)
		}
		job.Result = &res
	}
	return job, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
