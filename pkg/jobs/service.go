package jobs

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/OFFIS-RIT/kiwi/extractor/internal/metrics"
	"github.com/OFFIS-RIT/kiwi/extractor/pkg/events"
	"github.com/OFFIS-RIT/kiwi/extractor/pkg/logger"
	"github.com/OFFIS-RIT/kiwi/extractor/pkg/progress"
	"github.com/OFFIS-RIT/kiwi/extractor/pkg/schema"
	"github.com/OFFIS-RIT/kiwi/extractor/pkg/store"

	"github.com/google/uuid"
)

// DefaultStaleAfter is how long an open batch may go untouched before it is
// published again.
const DefaultStaleAfter = 15 * time.Minute

// SubmitRequest describes a new extraction job.
type SubmitRequest struct {
	KBID          string
	SchemaVersion int
	// DocumentIDs selects the target documents; nil selects all documents
	// of the knowledge base.
	DocumentIDs []string
	CleanupMode CleanupMode
}

// Summary is the durable view of a job.
type Summary struct {
	Job
	Counts         DocumentCounts    `json:"counts"`
	RecentFailures []DocumentOutcome `json:"recent_failures"`
}

// ProgressReport is the live view of a running job. Known is false when the
// progress record has expired; the counts then come from the durable
// document outcomes and rate and ETA are unavailable.
type ProgressReport struct {
	JobID        string   `json:"job_id"`
	Status       Status   `json:"status"`
	Known        bool     `json:"known"`
	Total        int64    `json:"total"`
	Completed    int64    `json:"completed"`
	Failed       int64    `json:"failed"`
	Pending      int64    `json:"pending"`
	Rate         *float64 `json:"rate"`
	ETASeconds   *float64 `json:"eta_seconds"`
	RecentErrors []string `json:"recent_errors"`
}

// Service is the operator facing side of the job engine. It accepts and
// cancels jobs, reports their state and republishes stalled work.
type Service struct {
	repo       Repository
	catalog    schema.Catalog
	tracker    progress.Tracker
	publisher  Publisher
	emitter    events.Emitter
	staleAfter time.Duration
	now        func() time.Time
}

type NewServiceParams struct {
	Repo Repository
	// Catalog must report the current archived flag, so it should not be a
	// cached catalog.
	Catalog    schema.Catalog
	Tracker    progress.Tracker
	Publisher  Publisher
	Emitter    events.Emitter
	StaleAfter time.Duration
}

func NewService(params NewServiceParams) *Service {
	staleAfter := params.StaleAfter
	if staleAfter <= 0 {
		staleAfter = DefaultStaleAfter
	}
	return &Service{
		repo:       params.Repo,
		catalog:    params.Catalog,
		tracker:    params.Tracker,
		publisher:  params.Publisher,
		emitter:    params.Emitter,
		staleAfter: staleAfter,
		now:        time.Now,
	}
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidRequest, fmt.Sprintf(format, args...))
}

// Submit validates and persists a new job and enqueues its planning. The job
// is returned in status pending. A failed publish is not an error: stale job
// recovery plans the job later.
func (s *Service) Submit(ctx context.Context, req SubmitRequest) (*Job, error) {
	req.KBID = strings.TrimSpace(req.KBID)
	if req.KBID == "" {
		return nil, invalid("kb_id is required")
	}
	if req.SchemaVersion <= 0 {
		return nil, invalid("domain_schema_version must be positive")
	}
	if !req.CleanupMode.Valid() {
		return nil, invalid("cleanup_mode must be %q or %q", CleanupReplace, CleanupAugment)
	}
	var docIDs []string
	if req.DocumentIDs != nil {
		docIDs = store.DedupeStrings(req.DocumentIDs)
		if len(docIDs) == 0 {
			return nil, invalid("document_ids must not be empty")
		}
	}

	sch, err := s.catalog.Get(ctx, req.KBID, req.SchemaVersion)
	if err != nil {
		if errors.Is(err, schema.ErrNotFound) || schema.IsSchemaError(err) {
			return nil, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
		}
		return nil, fmt.Errorf("failed to load domain schema: %w", err)
	}
	if sch.Archived {
		return nil, invalid("domain schema version %d is archived", req.SchemaVersion)
	}
	if err := sch.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}

	job, err := s.repo.CreateJob(ctx, &Job{
		ID:            uuid.NewString(),
		KBID:          req.KBID,
		DomainID:      sch.DomainID,
		SchemaVersion: req.SchemaVersion,
		DocumentIDs:   docIDs,
		CleanupMode:   req.CleanupMode,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create job: %w", err)
	}

	logger.Info("[Jobs] Job submitted", "job_id", job.ID, "kb_id", job.KBID, "version", job.SchemaVersion, "documents", len(docIDs), "cleanup_mode", job.CleanupMode)
	metrics.JobsTotal.WithLabelValues(string(StatusPending)).Inc()
	events.Emit(ctx, s.emitter, events.Event{
		Kind:   events.KindJobStatus,
		JobID:  job.ID,
		KBID:   job.KBID,
		Status: string(StatusPending),
	})

	if err := s.publisher.Publish(ctx, Message{Type: MessagePlan, JobID: job.ID}); err != nil {
		logger.Warn("[Jobs] Failed to enqueue job planning, recovery will retry", "job_id", job.ID, "err", err)
	}
	return job, nil
}

// Cancel cancels a job. Cancelling a terminal job changes nothing and
// returns the job as it is.
func (s *Service) Cancel(ctx context.Context, id string) (*Job, error) {
	job, changed, err := s.repo.CancelJob(ctx, id)
	if err != nil {
		return nil, err
	}
	if changed {
		logger.Info("[Jobs] Job cancelled", "job_id", id)
		metrics.JobsTotal.WithLabelValues(string(StatusCancelled)).Inc()
		events.Emit(ctx, s.emitter, events.Event{
			Kind:   events.KindJobStatus,
			JobID:  job.ID,
			KBID:   job.KBID,
			Status: string(StatusCancelled),
		})
	}
	return job, nil
}

// Get returns the durable summary of a job.
func (s *Service) Get(ctx context.Context, id string) (*Summary, error) {
	job, err := s.repo.GetJob(ctx, id)
	if err != nil {
		return nil, err
	}
	counts, err := s.repo.CountOutcomes(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to count document outcomes: %w", err)
	}
	failures, err := s.repo.RecentFailures(ctx, id, progress.MaxRecentErrors)
	if err != nil {
		return nil, fmt.Errorf("failed to list document failures: %w", err)
	}
	if failures == nil {
		failures = []DocumentOutcome{}
	}
	return &Summary{Job: *job, Counts: counts, RecentFailures: failures}, nil
}

// Progress returns the live progress of a job.
func (s *Service) Progress(ctx context.Context, id string) (*ProgressReport, error) {
	job, err := s.repo.GetJob(ctx, id)
	if err != nil {
		return nil, err
	}
	report := &ProgressReport{
		JobID:        job.ID,
		Status:       job.Status,
		RecentErrors: []string{},
	}

	p, err := s.tracker.Get(ctx, id)
	switch {
	case err == nil:
		now := s.now()
		rate := p.Rate(now)
		report.Known = true
		report.Total = p.Total
		report.Completed = p.Completed
		report.Failed = p.Failed
		report.Pending = p.Pending()
		report.Rate = &rate
		report.ETASeconds = p.ETA(now)
		if p.RecentErrors != nil {
			report.RecentErrors = p.RecentErrors
		}
		return report, nil
	case errors.Is(err, progress.ErrNotFound):
	default:
		logger.Warn("[Jobs] Failed to read progress, using durable counts", "job_id", id, "err", err)
	}

	counts, err := s.repo.CountOutcomes(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to count document outcomes: %w", err)
	}
	report.Total = job.Total
	report.Completed = counts.Completed
	report.Failed = counts.Failed
	report.Pending = max(job.Total-counts.Completed-counts.Failed, 0)
	return report, nil
}

// RecoverStale republishes work that nobody seems to be processing: jobs
// that were never planned and open batches that were not touched within the
// stale window. Duplicate deliveries are harmless.
func (s *Service) RecoverStale(ctx context.Context) error {
	olderThan := s.now().Add(-s.staleAfter)

	staleJobs, err := s.repo.ListStaleJobs(ctx, olderThan)
	if err != nil {
		return fmt.Errorf("failed to list stale jobs: %w", err)
	}
	for _, job := range staleJobs {
		if err := s.repo.TouchJob(ctx, job.ID); err != nil {
			return err
		}
		if err := s.publisher.Publish(ctx, Message{Type: MessagePlan, JobID: job.ID}); err != nil {
			return fmt.Errorf("failed to republish plan for job %s: %w", job.ID, err)
		}
		logger.Info("[Recovery] Re-planning stale job", "job_id", job.ID, "status", job.Status)
	}

	staleBatches, err := s.repo.ListStaleBatches(ctx, olderThan)
	if err != nil {
		return fmt.Errorf("failed to list stale batches: %w", err)
	}
	for _, b := range staleBatches {
		if err := s.repo.TouchBatch(ctx, b.ID); err != nil {
			return err
		}
		if err := s.publisher.Publish(ctx, Message{Type: MessageBatch, JobID: b.JobID, BatchID: b.ID}); err != nil {
			return fmt.Errorf("failed to republish batch %s: %w", b.ID, err)
		}
		metrics.BatchesTotal.WithLabelValues("recovered").Inc()
		events.Emit(ctx, s.emitter, events.Event{
			Kind:    events.KindBatchRequeued,
			JobID:   b.JobID,
			BatchID: b.ID,
			Status:  "stale",
		})
		logger.Info("[Recovery] Republished stale batch", "job_id", b.JobID, "batch_id", b.ID, "attempts", b.Attempts)
	}
	return nil
}
