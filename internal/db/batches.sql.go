package db

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
)

const batchColumns = `id, job_id, seq, document_ids, status, attempts, created_at, updated_at`

func scanBatch(row pgx.Row) (ExtractionBatch, error) {
	var i ExtractionBatch
	err := row.Scan(
		&i.ID,
		&i.JobID,
		&i.Seq,
		&i.DocumentIds,
		&i.Status,
		&i.Attempts,
		&i.CreatedAt,
		&i.UpdatedAt,
	)
	return i, err
}

const createBatch = `
INSERT INTO extraction_batches (id, job_id, seq, document_ids, status)
VALUES ($1, $2, $3, $4, 'pending')
ON CONFLICT (id) DO NOTHING`

type CreateBatchParams struct {
	ID          string
	JobID       string
	Seq         int32
	DocumentIds []string
}

// CreateBatch inserts a batch row. It reports false when a batch with the
// same id already exists.
func (q *Queries) CreateBatch(ctx context.Context, arg CreateBatchParams) (bool, error) {
	tag, err := q.db.Exec(ctx, createBatch, arg.ID, arg.JobID, arg.Seq, arg.DocumentIds)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

const claimBatch = `
UPDATE extraction_batches
SET status = 'running', attempts = attempts + 1, updated_at = now()
WHERE id = $1 AND status IN ('pending', 'running')
RETURNING ` + batchColumns

// ClaimBatch marks a batch as running. pgx.ErrNoRows means the batch is
// unknown or already finished.
func (q *Queries) ClaimBatch(ctx context.Context, id string) (ExtractionBatch, error) {
	return scanBatch(q.db.QueryRow(ctx, claimBatch, id))
}

const touchBatch = `UPDATE extraction_batches SET updated_at = now() WHERE id = $1 AND status = 'running'`

func (q *Queries) TouchBatch(ctx context.Context, id string) error {
	_, err := q.db.Exec(ctx, touchBatch, id)
	return err
}

const finishBatch = `
UPDATE extraction_batches SET status = $2, updated_at = now()
WHERE id = $1 AND status IN ('pending', 'running')`

type FinishBatchParams struct {
	ID     string
	Status string
}

func (q *Queries) FinishBatch(ctx context.Context, arg FinishBatchParams) error {
	_, err := q.db.Exec(ctx, finishBatch, arg.ID, arg.Status)
	return err
}

const countOpenBatches = `
SELECT count(*) FROM extraction_batches
WHERE job_id = $1 AND status IN ('pending', 'running')`

func (q *Queries) CountOpenBatches(ctx context.Context, jobID string) (int64, error) {
	var n int64
	err := q.db.QueryRow(ctx, countOpenBatches, jobID).Scan(&n)
	return n, err
}

const listStaleBatches = `
SELECT b.id, b.job_id, b.seq, b.document_ids, b.status, b.attempts, b.created_at, b.updated_at
FROM extraction_batches b
JOIN extraction_jobs j ON j.id = b.job_id
WHERE b.status IN ('pending', 'running')
  AND b.updated_at < $1
  AND j.status = 'running'
ORDER BY b.updated_at
LIMIT 500`

// ListStaleBatches returns open batches of running jobs that have not been
// touched since olderThan.
func (q *Queries) ListStaleBatches(ctx context.Context, olderThan time.Time) ([]ExtractionBatch, error) {
	rows, err := q.db.Query(ctx, listStaleBatches, olderThan)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []ExtractionBatch
	for rows.Next() {
		i, err := scanBatch(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, i)
	}
	return items, rows.Err()
}
