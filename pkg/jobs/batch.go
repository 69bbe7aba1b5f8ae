package jobs

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/OFFIS-RIT/kiwi/extractor/internal/metrics"
	"github.com/OFFIS-RIT/kiwi/extractor/internal/util"
	"github.com/OFFIS-RIT/kiwi/extractor/pkg/common"
	"github.com/OFFIS-RIT/kiwi/extractor/pkg/events"
	"github.com/OFFIS-RIT/kiwi/extractor/pkg/graph"
	"github.com/OFFIS-RIT/kiwi/extractor/pkg/leaselock"
	"github.com/OFFIS-RIT/kiwi/extractor/pkg/logger"
	"github.com/OFFIS-RIT/kiwi/extractor/pkg/schema"
	"github.com/OFFIS-RIT/kiwi/extractor/pkg/store"

	"github.com/google/uuid"
)

// maxProgressErrorLen caps an entry of the progress error buffer. Model
// errors can carry whole response bodies.
const maxProgressErrorLen = 300

// ProcessBatch runs the documents of one batch in order. Each document is
// extracted and written under a per-document lock, and its outcome is
// recorded once per job, so a redelivered batch skips finished documents.
func (w *Worker) ProcessBatch(ctx context.Context, msg Message) error {
	batch, err := w.repo.ClaimBatch(ctx, msg.BatchID)
	if err != nil {
		if errors.Is(err, ErrBatchClosed) {
			// A crash after closing the batch may have skipped the
			// completion check.
			return w.checkCompletion(ctx, msg.JobID)
		}
		return fmt.Errorf("failed to claim batch: %w", err)
	}
	log := logger.With("job_id", batch.JobID, "batch_id", batch.ID, "attempt", batch.Attempts)

	job, err := w.repo.GetJob(ctx, batch.JobID)
	if err != nil {
		if errors.Is(err, ErrJobNotFound) {
			log.Warn("[Worker] Batch of unknown job")
			return w.repo.FinishBatch(ctx, batch.ID, BatchDone)
		}
		return err
	}

	switch job.Status {
	case StatusCancelled:
		log.Info("[Worker] Skipping batch of cancelled job")
		metrics.BatchesTotal.WithLabelValues("cancelled").Inc()
		return w.repo.FinishBatch(ctx, batch.ID, BatchDone)
	case StatusCompleted, StatusCompletedWithErrors:
		log.Warn("[Worker] Job already finished, failing batch documents", "status", job.Status)
		return w.failBatch(ctx, job, batch, batch.DocumentIDs, ErrorKindJobAborted, "job was stopped: "+job.ErrorMessage)
	case StatusPending:
		return fmt.Errorf("batch %s delivered before job %s started", batch.ID, job.ID)
	}

	sch, err := w.catalog.Get(ctx, job.KBID, job.SchemaVersion)
	if err != nil {
		if errors.Is(err, schema.ErrNotFound) || schema.IsSchemaError(err) {
			log.Error("[Worker] Domain schema unusable, failing batch", "err", err)
			if err := w.failBatch(ctx, job, batch, batch.DocumentIDs, ErrorKindSchema, err.Error()); err != nil {
				return err
			}
			return w.checkCompletion(ctx, job.ID)
		}
		return fmt.Errorf("failed to load domain schema: %w", err)
	}

	start := w.now()
	var processed, graphFailed int
	for i, docID := range batch.DocumentIDs {
		if i > 0 && w.now().Sub(start) > w.cfg.SoftTimeout {
			return w.requeue(ctx, job, batch, batch.DocumentIDs[i:])
		}

		cur, err := w.repo.GetJob(ctx, job.ID)
		if err != nil {
			return err
		}
		if cur.Status != StatusRunning {
			log.Info("[Worker] Job no longer running, stopping batch", "status", cur.Status, "remaining", len(batch.DocumentIDs)-i)
			if cur.Status == StatusCancelled {
				metrics.BatchesTotal.WithLabelValues("cancelled").Inc()
				return w.repo.FinishBatch(ctx, batch.ID, BatchDone)
			}
			return w.failBatch(ctx, cur, batch, batch.DocumentIDs[i:], ErrorKindJobAborted, "job was stopped: "+cur.ErrorMessage)
		}

		outcome, err := w.processDocument(ctx, job, sch, docID)
		if err != nil {
			return err
		}
		if outcome != nil {
			processed++
			if outcome.ErrorKind == ErrorKindGraphWrite {
				graphFailed++
			}
		}
		if err := w.repo.TouchBatch(ctx, batch.ID); err != nil {
			return err
		}
	}

	if err := w.repo.FinishBatch(ctx, batch.ID, BatchDone); err != nil {
		return fmt.Errorf("failed to finish batch: %w", err)
	}
	metrics.BatchesTotal.WithLabelValues("done").Inc()
	log.Debug("[Worker] Batch done", "documents", len(batch.DocumentIDs), "processed", processed, "graph_failures", graphFailed)

	if aborted, err := w.trackGraphFailures(ctx, job, processed, graphFailed); err != nil || aborted {
		return err
	}
	return w.checkCompletion(ctx, job.ID)
}

// requeue moves the unprocessed documents of a batch into a new batch and
// closes the old one.
func (w *Worker) requeue(ctx context.Context, job *Job, batch *Batch, remaining []string) error {
	next := Batch{
		ID:          uuid.NewString(),
		JobID:       job.ID,
		Seq:         batch.Seq,
		DocumentIDs: slices.Clone(remaining),
	}
	if _, err := w.repo.CreateBatch(ctx, next); err != nil {
		return fmt.Errorf("failed to create follow-up batch: %w", err)
	}
	if err := w.repo.FinishBatch(ctx, batch.ID, BatchSplit); err != nil {
		return fmt.Errorf("failed to close split batch: %w", err)
	}
	if err := w.publish(ctx, Message{Type: MessageBatch, JobID: job.ID, BatchID: next.ID}); err != nil {
		logger.Warn("[Worker] Failed to publish follow-up batch, recovery will retry", "job_id", job.ID, "batch_id", next.ID, "err", err)
	}

	logger.Info("[Worker] Soft time limit reached, requeued remaining documents", "job_id", job.ID, "batch_id", batch.ID, "next_batch_id", next.ID, "remaining", len(remaining))
	metrics.BatchesTotal.WithLabelValues("requeued").Inc()
	events.Emit(ctx, w.emitter, events.Event{
		Kind:    events.KindBatchRequeued,
		JobID:   job.ID,
		KBID:    job.KBID,
		BatchID: next.ID,
		Status:  "soft_timeout",
	})
	return nil
}

// failBatch records the given documents as failed without extracting them
// and closes the batch.
func (w *Worker) failBatch(ctx context.Context, job *Job, batch *Batch, docIDs []string, kind, msg string) error {
	for _, docID := range docIDs {
		o := DocumentOutcome{DocumentID: docID, Status: OutcomeFailed, ErrorKind: kind, Error: msg}
		if err := w.recordOutcome(ctx, job, o, 0); err != nil {
			return err
		}
	}
	metrics.BatchesTotal.WithLabelValues("failed").Inc()
	return w.repo.FinishBatch(ctx, batch.ID, BatchDone)
}

// trackGraphFailures counts consecutive batches whose processed documents
// all failed to write and aborts the job once the limit is reached.
func (w *Worker) trackGraphFailures(ctx context.Context, job *Job, processed, graphFailed int) (bool, error) {
	if processed == 0 {
		return false, nil
	}

	w.mu.Lock()
	if graphFailed < processed {
		delete(w.graphFailures, job.ID)
		w.mu.Unlock()
		return false, nil
	}
	w.graphFailures[job.ID]++
	n := w.graphFailures[job.ID]
	w.mu.Unlock()

	if n < w.cfg.GraphFailureBatches {
		return false, nil
	}

	msg := fmt.Sprintf("graph storage unavailable for %d consecutive batches", n)
	logger.Error("[Worker] Aborting job", "job_id", job.ID, "reason", msg)
	events.Emit(ctx, w.emitter, events.Event{
		Kind:      events.KindJobStorageAbort,
		JobID:     job.ID,
		KBID:      job.KBID,
		ErrorKind: ErrorKindGraphWrite,
		Error:     msg,
	})
	if err := w.finishJob(ctx, job, StatusCompletedWithErrors, msg); err != nil {
		return true, err
	}
	return true, nil
}

// processDocument extracts one document and records its outcome. It returns
// nil without error when the document already has an outcome in this job.
// Errors are infrastructure failures that leave the document unrecorded.
func (w *Worker) processDocument(ctx context.Context, job *Job, sch *schema.DomainSchema, docID string) (*DocumentOutcome, error) {
	var outcome *DocumentOutcome
	err := w.locker.WithLock(ctx, leaselock.DocumentKey(job.KBID, docID), func(ctx context.Context) error {
		done, err := w.repo.IsDocumentDone(ctx, job.ID, docID)
		if err != nil {
			return fmt.Errorf("failed to check document outcome: %w", err)
		}
		if done {
			return nil
		}

		start := w.now()
		o := w.extractDocument(ctx, job, sch, docID)
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := w.recordOutcome(ctx, job, o, time.Since(start)); err != nil {
			return err
		}
		outcome = &o
		return nil
	})
	if err != nil {
		return nil, err
	}
	return outcome, nil
}

func (w *Worker) recordOutcome(ctx context.Context, job *Job, o DocumentOutcome, took time.Duration) error {
	inserted, err := w.repo.RecordOutcome(ctx, job.ID, o)
	if err != nil {
		return fmt.Errorf("failed to record document outcome: %w", err)
	}
	if !inserted {
		return nil
	}

	metrics.DocumentsTotal.WithLabelValues(string(o.Status)).Inc()
	if took > 0 {
		metrics.DocumentDuration.Observe(took.Seconds())
	}

	if o.Status == OutcomeCompleted {
		if err := w.tracker.Update(ctx, job.ID, 1, 0, ""); err != nil {
			logger.Warn("[Worker] Failed to update progress", "job_id", job.ID, "err", err)
		}
		return nil
	}

	logger.Warn("[Worker] Document failed", "job_id", job.ID, "document_id", o.DocumentID, "kind", o.ErrorKind, "err", o.Error)
	errMsg := util.Truncate(fmt.Sprintf("%s: %s: %s", o.DocumentID, o.ErrorKind, o.Error), maxProgressErrorLen)
	if err := w.tracker.Update(ctx, job.ID, 0, 1, errMsg); err != nil {
		logger.Warn("[Worker] Failed to update progress", "job_id", job.ID, "err", err)
	}
	events.Emit(ctx, w.emitter, events.Event{
		Kind:       events.KindDocumentFailed,
		JobID:      job.ID,
		KBID:       job.KBID,
		DocumentID: o.DocumentID,
		ErrorKind:  o.ErrorKind,
		Error:      o.Error,
	})
	return nil
}

// extractDocument runs the pipeline for one document: chunks are extracted
// in sequence, then all results are resolved and written in one unit of
// work. Any failure fails the whole document and writes nothing.
func (w *Worker) extractDocument(ctx context.Context, job *Job, sch *schema.DomainSchema, docID string) DocumentOutcome {
	fail := func(kind string, err error) DocumentOutcome {
		return DocumentOutcome{DocumentID: docID, Status: OutcomeFailed, ErrorKind: kind, Error: err.Error()}
	}

	chunks, err := util.RetryIfWithContext(ctx, w.cfg.StoreRetries, w.cfg.Backoff, nil,
		func(ctx context.Context) ([]common.Chunk, error) {
			return w.chunks.GetChunks(ctx, docID)
		})
	if err != nil {
		return fail(ErrorKindSource, err)
	}
	slices.SortStableFunc(chunks, func(a, b common.Chunk) int { return a.Sequence - b.Sequence })

	model := graph.ModelRef{Name: job.Model, Fallback: job.FallbackModel}
	results := make([]*common.ExtractionResult, len(chunks))
	for i, c := range chunks {
		prompt, err := graph.BuildExtractionPrompt(c.Text, sch)
		if err != nil {
			return fail(ErrorKindSchema, err)
		}
		res, err := util.RetryIfWithContext(ctx, w.cfg.ExtractRetries, w.cfg.Backoff, graph.IsTransient,
			func(ctx context.Context) (*common.ExtractionResult, error) {
				return w.extractor.Extract(ctx, graph.ExtractRequest{
					Prompt:     prompt,
					Model:      model,
					Schema:     sch,
					DocumentID: docID,
					ChunkID:    c.ID,
				})
			})
		if err != nil {
			switch {
			case schema.IsSchemaError(err):
				return fail(ErrorKindSchema, err)
			case graph.IsTransient(err):
				return fail(ErrorKindExtractionTransient, fmt.Errorf("chunk %s: %w", c.ID, err))
			default:
				return fail(ErrorKindExtraction, fmt.Errorf("chunk %s: %w", c.ID, err))
			}
		}
		if len(res.Warnings) > 0 {
			logger.Debug("[Worker] Extraction warnings", "job_id", job.ID, "document_id", docID, "chunk_id", c.ID, "warnings", res.Warnings)
		}
		results[i] = res
	}

	replace := job.CleanupMode == CleanupReplace
	_, err = util.RetryIfWithContext(ctx, w.cfg.StoreRetries, w.cfg.Backoff, store.IsGraphWriteError,
		func(ctx context.Context) (struct{}, error) {
			return struct{}{}, w.graph.WithDocument(ctx, job.KBID, docID, replace, func(ctx context.Context, dw store.DocumentWriter) error {
				for i, c := range chunks {
					resolved, err := graph.Resolve(ctx, dw, job.KBID, sch, results[i].Entities)
					if err != nil {
						return err
					}
					nameToID, err := dw.StoreEntities(ctx, c.ID, resolved)
					if err != nil {
						return err
					}
					if _, err := dw.StoreRelationships(ctx, c.ID, results[i].Relationships, nameToID); err != nil {
						return err
					}
				}
				return nil
			})
		})
	if err != nil {
		return fail(ErrorKindGraphWrite, err)
	}
	return DocumentOutcome{DocumentID: docID, Status: OutcomeCompleted}
}
