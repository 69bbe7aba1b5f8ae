// Package jobs schedules and runs re-extraction jobs. A job is planned into
// batches of documents; every batch is a message on the extraction queue and
// is processed by exactly one worker at a time.
package jobs

import (
	"context"
	"errors"
	"time"
)

var (
	ErrJobNotFound = errors.New("extraction job not found")
	// ErrBatchClosed is returned when claiming a batch that is unknown or
	// already finished.
	ErrBatchClosed = errors.New("batch is not open")
	// ErrInvalidRequest wraps validation failures of a job submission.
	ErrInvalidRequest = errors.New("invalid extraction job request")
)

type Status string

const (
	StatusPending             Status = "pending"
	StatusRunning             Status = "running"
	StatusCancelled           Status = "cancelled"
	StatusCompleted           Status = "completed"
	StatusCompletedWithErrors Status = "completed_with_errors"
)

// Terminal reports whether the status can no longer change.
func (s Status) Terminal() bool {
	switch s {
	case StatusCancelled, StatusCompleted, StatusCompletedWithErrors:
		return true
	}
	return false
}

type CleanupMode string

const (
	// CleanupReplace removes a document's previous output before writing
	// the new one.
	CleanupReplace CleanupMode = "replace"
	// CleanupAugment merges the new output into the existing graph.
	CleanupAugment CleanupMode = "augment"
)

func (m CleanupMode) Valid() bool {
	return m == CleanupReplace || m == CleanupAugment
}

// Job is a persisted extraction job.
type Job struct {
	ID            string      `json:"id"`
	KBID          string      `json:"kb_id"`
	DomainID      string      `json:"domain_id"`
	SchemaVersion int         `json:"domain_schema_version"`
	// DocumentIDs is nil when the job targets every document of the
	// knowledge base.
	DocumentIDs   []string    `json:"document_ids,omitempty"`
	CleanupMode   CleanupMode `json:"cleanup_mode"`
	Status        Status      `json:"status"`
	Total         int64       `json:"total"`
	Planned       bool        `json:"planned"`
	Model         string      `json:"model,omitempty"`
	FallbackModel bool        `json:"fallback_model"`
	ErrorMessage  string      `json:"error_message,omitempty"`
	CreatedAt     time.Time   `json:"created_at"`
	StartedAt     *time.Time  `json:"started_at,omitempty"`
	CompletedAt   *time.Time  `json:"completed_at,omitempty"`
}

// AllDocuments reports whether the job targets the whole knowledge base.
func (j *Job) AllDocuments() bool {
	return j.DocumentIDs == nil
}

type BatchStatus string

const (
	BatchPending BatchStatus = "pending"
	BatchRunning BatchStatus = "running"
	BatchDone    BatchStatus = "done"
	// BatchSplit marks a batch whose remaining documents were moved to a new
	// batch after the soft time limit.
	BatchSplit BatchStatus = "split"
)

type Batch struct {
	ID          string      `json:"id"`
	JobID       string      `json:"job_id"`
	Seq         int         `json:"seq"`
	DocumentIDs []string    `json:"document_ids"`
	Status      BatchStatus `json:"status"`
	Attempts    int         `json:"attempts"`
	UpdatedAt   time.Time   `json:"updated_at"`
}

type OutcomeStatus string

const (
	OutcomeCompleted OutcomeStatus = "completed"
	OutcomeFailed    OutcomeStatus = "failed"
)

// Error kinds recorded for failed documents.
const (
	ErrorKindSchema              = "schema_error"
	ErrorKindExtraction          = "extraction_error"
	ErrorKindExtractionTransient = "extraction_transient_error"
	ErrorKindGraphWrite          = "graph_write_error"
	ErrorKindSource              = "source_error"
	ErrorKindJobAborted          = "job_aborted"
)

// DocumentOutcome is the durable result of one document within a job.
type DocumentOutcome struct {
	DocumentID string        `json:"document_id"`
	Status     OutcomeStatus `json:"status"`
	ErrorKind  string        `json:"error_kind,omitempty"`
	Error      string        `json:"error,omitempty"`
	UpdatedAt  time.Time     `json:"updated_at"`
}

type DocumentCounts struct {
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
}

// Message types on the extraction queue.
const (
	MessagePlan  = "plan"
	MessageBatch = "batch"
)

// Message is the body of an extraction queue message. Batch contents live in
// the repository; the message only names them.
type Message struct {
	Type    string `json:"type"`
	JobID   string `json:"job_id"`
	BatchID string `json:"batch_id,omitempty"`
}

// Repository persists jobs, batches and document outcomes.
type Repository interface {
	CreateJob(ctx context.Context, job *Job) (*Job, error)
	GetJob(ctx context.Context, id string) (*Job, error)
	// StartJob moves a pending job to running and reports whether it did.
	StartJob(ctx context.Context, id string, total int64, model string, fallback bool) (bool, error)
	SetPlanned(ctx context.Context, id string, total int64) error
	// CancelJob cancels a non-terminal job. For a terminal job it returns
	// the job unchanged.
	CancelJob(ctx context.Context, id string) (*Job, bool, error)
	// FinishJob moves a running job to a terminal status and reports whether
	// it did.
	FinishJob(ctx context.Context, id string, status Status, errMsg string) (bool, error)
	TouchJob(ctx context.Context, id string) error

	CreateBatch(ctx context.Context, b Batch) (bool, error)
	ClaimBatch(ctx context.Context, id string) (*Batch, error)
	TouchBatch(ctx context.Context, id string) error
	FinishBatch(ctx context.Context, id string, status BatchStatus) error
	CountOpenBatches(ctx context.Context, jobID string) (int64, error)

	// RecordOutcome stores the first outcome of a document and reports
	// whether this call stored it.
	RecordOutcome(ctx context.Context, jobID string, o DocumentOutcome) (bool, error)
	IsDocumentDone(ctx context.Context, jobID, documentID string) (bool, error)
	CountOutcomes(ctx context.Context, jobID string) (DocumentCounts, error)
	RecentFailures(ctx context.Context, jobID string, limit int) ([]DocumentOutcome, error)

	ListStaleJobs(ctx context.Context, olderThan time.Time) ([]Job, error)
	ListStaleBatches(ctx context.Context, olderThan time.Time) ([]Batch, error)
}

// Publisher puts messages on the extraction queue.
type Publisher interface {
	Publish(ctx context.Context, msg Message) error
}

// DocumentLocker serializes work on one document across workers and jobs.
type DocumentLocker interface {
	WithLock(ctx context.Context, key string, fn func(ctx context.Context) error) error
}
