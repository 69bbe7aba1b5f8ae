package db

import "context"

const recordDocumentResult = `
INSERT INTO extraction_job_documents (job_id, document_id, status, error_kind, error)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (job_id, document_id) DO NOTHING`

type RecordDocumentResultParams struct {
	JobID      string
	DocumentID string
	Status     string
	ErrorKind  string
	Error      string
}

// RecordDocumentResult stores the outcome of a document. Only the first
// outcome per job and document is kept; the result reports whether this call
// stored it.
func (q *Queries) RecordDocumentResult(ctx context.Context, arg RecordDocumentResultParams) (bool, error) {
	tag, err := q.db.Exec(ctx, recordDocumentResult,
		arg.JobID,
		arg.DocumentID,
		arg.Status,
		arg.ErrorKind,
		arg.Error,
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

const isDocumentDone = `
SELECT EXISTS (SELECT 1 FROM extraction_job_documents WHERE job_id = $1 AND document_id = $2)`

func (q *Queries) IsDocumentDone(ctx context.Context, jobID, documentID string) (bool, error) {
	var done bool
	err := q.db.QueryRow(ctx, isDocumentDone, jobID, documentID).Scan(&done)
	return done, err
}

const countJobDocuments = `
SELECT
    count(*) FILTER (WHERE status = 'completed'),
    count(*) FILTER (WHERE status = 'failed')
FROM extraction_job_documents
WHERE job_id = $1`

type CountJobDocumentsRow struct {
	Completed int64
	Failed    int64
}

func (q *Queries) CountJobDocuments(ctx context.Context, jobID string) (CountJobDocumentsRow, error) {
	var i CountJobDocumentsRow
	err := q.db.QueryRow(ctx, countJobDocuments, jobID).Scan(&i.Completed, &i.Failed)
	return i, err
}

const listJobDocumentErrors = `
SELECT document_id, error_kind, error, updated_at
FROM extraction_job_documents
WHERE job_id = $1 AND status = 'failed'
ORDER BY updated_at DESC
LIMIT $2`

func (q *Queries) ListJobDocumentErrors(ctx context.Context, jobID string, limit int32) ([]JobDocumentError, error) {
	rows, err := q.db.Query(ctx, listJobDocumentErrors, jobID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []JobDocumentError
	for rows.Next() {
		var i JobDocumentError
		if err := rows.Scan(&i.DocumentID, &i.ErrorKind, &i.Error, &i.UpdatedAt); err != nil {
			return nil, err
		}
		items = append(items, i)
	}
	return items, rows.Err()
}
