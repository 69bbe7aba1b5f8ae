// Package pgx stores extraction jobs in Postgres.
package pgx

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/OFFIS-RIT/kiwi/extractor/internal/db"
	"github.com/OFFIS-RIT/kiwi/extractor/pkg/jobs"

	pgxv5 "github.com/jackc/pgx/v5"
)

// maxFailures bounds RecentFailures when no limit is given.
const maxFailures = 1000

type Repository struct {
	q *db.Queries
}

func NewRepository(conn db.DBTX) *Repository {
	return &Repository{q: db.New(conn)}
}

func toJob(r db.ExtractionJob) *jobs.Job {
	return &jobs.Job{
		ID:            r.ID,
		KBID:          r.KbID,
		DomainID:      r.DomainID,
		SchemaVersion: int(r.SchemaVersion),
		DocumentIDs:   r.DocumentIds,
		CleanupMode:   jobs.CleanupMode(r.CleanupMode),
		Status:        jobs.Status(r.Status),
		Total:         r.Total,
		Planned:       r.Planned,
		Model:         r.Model,
		FallbackModel: r.FallbackModel,
		ErrorMessage:  r.ErrorMessage,
		CreatedAt:     r.CreatedAt,
		StartedAt:     r.StartedAt,
		CompletedAt:   r.CompletedAt,
	}
}

func toBatch(r db.ExtractionBatch) *jobs.Batch {
	return &jobs.Batch{
		ID:          r.ID,
		JobID:       r.JobID,
		Seq:         int(r.Seq),
		DocumentIDs: r.DocumentIds,
		Status:      jobs.BatchStatus(r.Status),
		Attempts:    int(r.Attempts),
		UpdatedAt:   r.UpdatedAt,
	}
}

func (r *Repository) CreateJob(ctx context.Context, job *jobs.Job) (*jobs.Job, error) {
	row, err := r.q.CreateJob(ctx, db.CreateJobParams{
		ID:            job.ID,
		KbID:          job.KBID,
		DomainID:      job.DomainID,
		SchemaVersion: int32(job.SchemaVersion),
		DocumentIds:   job.DocumentIDs,
		CleanupMode:   string(job.CleanupMode),
	})
	if err != nil {
		return nil, err
	}
	return toJob(row), nil
}

func (r *Repository) GetJob(ctx context.Context, id string) (*jobs.Job, error) {
	row, err := r.q.GetJob(ctx, id)
	if err != nil {
		if errors.Is(err, pgxv5.ErrNoRows) {
			return nil, jobs.ErrJobNotFound
		}
		return nil, fmt.Errorf("failed to load job %s: %w", id, err)
	}
	return toJob(row), nil
}

func (r *Repository) StartJob(ctx context.Context, id string, total int64, model string, fallback bool) (bool, error) {
	return r.q.StartJob(ctx, db.StartJobParams{
		ID:            id,
		Total:         total,
		Model:         model,
		FallbackModel: fallback,
	})
}

func (r *Repository) SetPlanned(ctx context.Context, id string, total int64) error {
	return r.q.SetJobPlanned(ctx, db.SetJobPlannedParams{ID: id, Total: total})
}

func (r *Repository) CancelJob(ctx context.Context, id string) (*jobs.Job, bool, error) {
	row, err := r.q.CancelJob(ctx, id)
	if err == nil {
		return toJob(row), true, nil
	}
	if !errors.Is(err, pgxv5.ErrNoRows) {
		return nil, false, fmt.Errorf("failed to cancel job %s: %w", id, err)
	}
	// Missing or already terminal.
	job, err := r.GetJob(ctx, id)
	if err != nil {
		return nil, false, err
	}
	return job, false, nil
}

func (r *Repository) FinishJob(ctx context.Context, id string, status jobs.Status, errMsg string) (bool, error) {
	return r.q.FinishJob(ctx, db.FinishJobParams{ID: id, Status: string(status), ErrorMessage: errMsg})
}

func (r *Repository) TouchJob(ctx context.Context, id string) error {
	return r.q.TouchJob(ctx, id)
}

func (r *Repository) CreateBatch(ctx context.Context, b jobs.Batch) (bool, error) {
	return r.q.CreateBatch(ctx, db.CreateBatchParams{
		ID:          b.ID,
		JobID:       b.JobID,
		Seq:         int32(b.Seq),
		DocumentIds: b.DocumentIDs,
	})
}

func (r *Repository) ClaimBatch(ctx context.Context, id string) (*jobs.Batch, error) {
	row, err := r.q.ClaimBatch(ctx, id)
	if err != nil {
		if errors.Is(err, pgxv5.ErrNoRows) {
			return nil, jobs.ErrBatchClosed
		}
		return nil, err
	}
	return toBatch(row), nil
}

func (r *Repository) TouchBatch(ctx context.Context, id string) error {
	return r.q.TouchBatch(ctx, id)
}

func (r *Repository) FinishBatch(ctx context.Context, id string, status jobs.BatchStatus) error {
	return r.q.FinishBatch(ctx, db.FinishBatchParams{ID: id, Status: string(status)})
}

func (r *Repository) CountOpenBatches(ctx context.Context, jobID string) (int64, error) {
	return r.q.CountOpenBatches(ctx, jobID)
}

func (r *Repository) RecordOutcome(ctx context.Context, jobID string, o jobs.DocumentOutcome) (bool, error) {
	return r.q.RecordDocumentResult(ctx, db.RecordDocumentResultParams{
		JobID:      jobID,
		DocumentID: o.DocumentID,
		Status:     string(o.Status),
		ErrorKind:  o.ErrorKind,
		Error:      o.Error,
	})
}

func (r *Repository) IsDocumentDone(ctx context.Context, jobID, documentID string) (bool, error) {
	return r.q.IsDocumentDone(ctx, jobID, documentID)
}

func (r *Repository) CountOutcomes(ctx context.Context, jobID string) (jobs.DocumentCounts, error) {
	row, err := r.q.CountJobDocuments(ctx, jobID)
	if err != nil {
		return jobs.DocumentCounts{}, err
	}
	return jobs.DocumentCounts{Completed: row.Completed, Failed: row.Failed}, nil
}

func (r *Repository) RecentFailures(ctx context.Context, jobID string, limit int) ([]jobs.DocumentOutcome, error) {
	if limit <= 0 || limit > maxFailures {
		limit = maxFailures
	}
	rows, err := r.q.ListJobDocumentErrors(ctx, jobID, int32(limit))
	if err != nil {
		return nil, err
	}
	out := make([]jobs.DocumentOutcome, 0, len(rows))
	for _, row := range rows {
		out = append(out, jobs.DocumentOutcome{
			DocumentID: row.DocumentID,
			Status:     jobs.OutcomeFailed,
			ErrorKind:  row.ErrorKind,
			Error:      row.Error,
			UpdatedAt:  row.UpdatedAt,
		})
	}
	return out, nil
}

func (r *Repository) ListStaleJobs(ctx context.Context, olderThan time.Time) ([]jobs.Job, error) {
	rows, err := r.q.ListStaleJobs(ctx, olderThan)
	if err != nil {
		return nil, err
	}
	out := make([]jobs.Job, 0, len(rows))
	for _, row := range rows {
		out = append(out, *toJob(row))
	}
	return out, nil
}

func (r *Repository) ListStaleBatches(ctx context.Context, olderThan time.Time) ([]jobs.Batch, error) {
	rows, err := r.q.ListStaleBatches(ctx, olderThan)
	if err != nil {
		return nil, err
	}
	out := make([]jobs.Batch, 0, len(rows))
	for _, row := range rows {
		out = append(out, *toBatch(row))
	}
	return out, nil
}

var _ jobs.Repository = (*Repository)(nil)
