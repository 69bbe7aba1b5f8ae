// Package events carries audit events of extraction jobs to observers.
package events

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/OFFIS-RIT/kiwi/extractor/pkg/logger"
)

// Event kinds.
const (
	KindJobStatus       = "job.status"
	KindDocumentFailed  = "document.failed"
	KindModelFallback   = "model.fallback"
	KindBatchRequeued   = "batch.requeued"
	KindJobStorageAbort = "job.storage_abort"
)

// Event is one structured audit record.
type Event struct {
	Kind       string    `json:"kind"`
	JobID      string    `json:"job_id"`
	KBID       string    `json:"kb_id,omitempty"`
	DocumentID string    `json:"document_id,omitempty"`
	BatchID    string    `json:"batch_id,omitempty"`
	Status     string    `json:"status,omitempty"`
	ErrorKind  string    `json:"error_kind,omitempty"`
	Error      string    `json:"error,omitempty"`
	Model      string    `json:"model,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// Emitter publishes events. Emit must not block for long; failures are
// reported but never stop extraction.
type Emitter interface {
	Emit(ctx context.Context, e Event) error
}

// LogEmitter writes events to the log.
type LogEmitter struct{}

func (LogEmitter) Emit(_ context.Context, e Event) error {
	logger.Info("[Audit] "+e.Kind,
		"job_id", e.JobID,
		"document_id", e.DocumentID,
		"batch_id", e.BatchID,
		"status", e.Status,
		"error_kind", e.ErrorKind,
		"error", e.Error,
		"timestamp", e.Timestamp,
	)
	return nil
}

// Multi fans an event out to several emitters.
type Multi []Emitter

func (m Multi) Emit(ctx context.Context, e Event) error {
	var errs []error
	for _, em := range m {
		if em == nil {
			continue
		}
		if err := em.Emit(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Recorder keeps emitted events in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Emit(_ context.Context, e Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

// Events returns the recorded events of the given kind, or all events when
// kind is empty.
func (r *Recorder) Events(kind string) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []Event
	for _, e := range r.events {
		if kind == "" || e.Kind == kind {
			out = append(out, e)
		}
	}
	return out
}

// Emit sends e through emitter, stamping the time if unset, and logs
// failures instead of returning them.
func Emit(ctx context.Context, emitter Emitter, e Event) {
	if emitter == nil {
		return
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	if err := emitter.Emit(ctx, e); err != nil {
		logger.Warn("[Audit] Failed to emit event", "kind", e.Kind, "job_id", e.JobID, "err", err)
	}
}
