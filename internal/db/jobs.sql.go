package db

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
)

const jobColumns = `id, kb_id, domain_id, schema_version, document_ids, cleanup_mode, status, total, planned,
       model, fallback_model, error_message, created_at, started_at, completed_at, updated_at`

func scanJob(row pgx.Row) (ExtractionJob, error) {
	var i ExtractionJob
	err := row.Scan(
		&i.ID,
		&i.KbID,
		&i.DomainID,
		&i.SchemaVersion,
		&i.DocumentIds,
		&i.CleanupMode,
		&i.Status,
		&i.Total,
		&i.Planned,
		&i.Model,
		&i.FallbackModel,
		&i.ErrorMessage,
		&i.CreatedAt,
		&i.StartedAt,
		&i.CompletedAt,
		&i.UpdatedAt,
	)
	return i, err
}

const createJob = `
INSERT INTO extraction_jobs (id, kb_id, domain_id, schema_version, document_ids, cleanup_mode, status)
VALUES ($1, $2, $3, $4, $5, $6, 'pending')
RETURNING ` + jobColumns

type CreateJobParams struct {
	ID            string
	KbID          string
	DomainID      string
	SchemaVersion int32
	DocumentIds   []string
	CleanupMode   string
}

func (q *Queries) CreateJob(ctx context.Context, arg CreateJobParams) (ExtractionJob, error) {
	row := q.db.QueryRow(ctx, createJob,
		arg.ID,
		arg.KbID,
		arg.DomainID,
		arg.SchemaVersion,
		arg.DocumentIds,
		arg.CleanupMode,
	)
	return scanJob(row)
}

const getJob = `SELECT ` + jobColumns + ` FROM extraction_jobs WHERE id = $1`

func (q *Queries) GetJob(ctx context.Context, id string) (ExtractionJob, error) {
	return scanJob(q.db.QueryRow(ctx, getJob, id))
}

const startJob = `
UPDATE extraction_jobs
SET status = 'running', total = $2, model = $3, fallback_model = $4,
    started_at = now(), updated_at = now()
WHERE id = $1 AND status = 'pending'`

type StartJobParams struct {
	ID            string
	Total         int64
	Model         string
	FallbackModel bool
}

// StartJob moves a pending job to running. It reports false if the job was
// not pending anymore.
func (q *Queries) StartJob(ctx context.Context, arg StartJobParams) (bool, error) {
	tag, err := q.db.Exec(ctx, startJob, arg.ID, arg.Total, arg.Model, arg.FallbackModel)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

const setJobPlanned = `
UPDATE extraction_jobs SET planned = true, total = $2, updated_at = now()
WHERE id = $1 AND status = 'running'`

type SetJobPlannedParams struct {
	ID    string
	Total int64
}

// SetJobPlanned records that every batch of the job has been created and
// fixes the total to the number of documents actually batched.
func (q *Queries) SetJobPlanned(ctx context.Context, arg SetJobPlannedParams) error {
	_, err := q.db.Exec(ctx, setJobPlanned, arg.ID, arg.Total)
	return err
}

const cancelJob = `
UPDATE extraction_jobs
SET status = 'cancelled', completed_at = now(), updated_at = now()
WHERE id = $1 AND status IN ('pending', 'running')
RETURNING ` + jobColumns

// CancelJob cancels a non-terminal job. pgx.ErrNoRows means the job does not
// exist or is already terminal.
func (q *Queries) CancelJob(ctx context.Context, id string) (ExtractionJob, error) {
	return scanJob(q.db.QueryRow(ctx, cancelJob, id))
}

const finishJob = `
UPDATE extraction_jobs
SET status = $2, error_message = $3, completed_at = now(), updated_at = now()
WHERE id = $1 AND status = 'running'`

type FinishJobParams struct {
	ID           string
	Status       string
	ErrorMessage string
}

// FinishJob moves a running job into a terminal state exactly once.
func (q *Queries) FinishJob(ctx context.Context, arg FinishJobParams) (bool, error) {
	tag, err := q.db.Exec(ctx, finishJob, arg.ID, arg.Status, arg.ErrorMessage)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

const listStaleJobs = `
SELECT ` + jobColumns + `
FROM extraction_jobs
WHERE ((status = 'pending') OR (status = 'running' AND NOT planned))
  AND updated_at < $1
ORDER BY created_at
LIMIT 100`

// ListStaleJobs returns jobs whose planning never finished.
func (q *Queries) ListStaleJobs(ctx context.Context, olderThan time.Time) ([]ExtractionJob, error) {
	rows, err := q.db.Query(ctx, listStaleJobs, olderThan)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []ExtractionJob
	for rows.Next() {
		i, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, i)
	}
	return items, rows.Err()
}

const touchJob = `UPDATE extraction_jobs SET updated_at = now() WHERE id = $1`

func (q *Queries) TouchJob(ctx context.Context, id string) error {
	_, err := q.db.Exec(ctx, touchJob, id)
	return err
}
