package jobs

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/OFFIS-RIT/kiwi/extractor/pkg/progress"
)

func TestSubmitValidation(t *testing.T) {
	h := newHarness(t, WorkerConfig{})

	tests := []struct {
		name string
		req  SubmitRequest
	}{
		{name: "missing kb", req: SubmitRequest{SchemaVersion: 1, CleanupMode: CleanupReplace}},
		{name: "zero version", req: SubmitRequest{KBID: testKB, CleanupMode: CleanupReplace}},
		{name: "unknown cleanup mode", req: SubmitRequest{KBID: testKB, SchemaVersion: 1, CleanupMode: "purge"}},
		{name: "empty document list", req: SubmitRequest{KBID: testKB, SchemaVersion: 1, DocumentIDs: []string{""}, CleanupMode: CleanupAugment}},
		{name: "unknown version", req: SubmitRequest{KBID: testKB, SchemaVersion: 9, CleanupMode: CleanupAugment}},
		{name: "archived version", req: SubmitRequest{KBID: testKB, SchemaVersion: 2, CleanupMode: CleanupAugment}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.svc.Submit(context.Background(), tt.req)
			if !errors.Is(err, ErrInvalidRequest) {
				t.Fatalf("Submit(%+v) = %v, want ErrInvalidRequest", tt.req, err)
			}
		})
	}
	if n := h.queue.len(); n != 0 {
		t.Fatalf("rejected submissions published %d messages", n)
	}
}

func TestSubmitDeduplicatesDocuments(t *testing.T) {
	h := newHarness(t, WorkerConfig{})
	job := h.submit(t, []string{"doc2", "doc1", "doc2"}, CleanupAugment)

	if len(job.DocumentIDs) != 2 || job.DocumentIDs[0] != "doc2" || job.DocumentIDs[1] != "doc1" {
		t.Fatalf("document ids = %v, want [doc2 doc1]", job.DocumentIDs)
	}
	if job.DomainID != "business" {
		t.Fatalf("domain id = %q, want business", job.DomainID)
	}
	msg, ok := h.queue.pop()
	if !ok || msg.Type != MessagePlan || msg.JobID != job.ID {
		t.Fatalf("published %+v, want plan message for %s", msg, job.ID)
	}
}

func TestProgressWithoutTrackerRecord(t *testing.T) {
	h := newHarness(t, WorkerConfig{})
	h.addDoc("doc1", nil)
	h.addDoc("doc2", nil)
	job := h.submit(t, nil, CleanupAugment)
	h.drain(t)

	// A fresh tracker has no record, as after the retention window.
	h.svc.tracker = progress.NewMemoryTracker(0)
	report, err := h.svc.Progress(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("Progress: %v", err)
	}
	if report.Known {
		t.Fatal("report marked as known without a progress record")
	}
	if report.Total != 2 || report.Completed != 2 || report.Pending != 0 || report.Status != StatusCompleted {
		t.Fatalf("report = %+v, want durable counts of the completed job", report)
	}
	if report.ETASeconds != nil || report.Rate != nil {
		t.Fatalf("report = %+v, want no rate and ETA", report)
	}

	if _, err := h.svc.Progress(context.Background(), "missing"); !errors.Is(err, ErrJobNotFound) {
		t.Fatalf("Progress(missing) = %v, want ErrJobNotFound", err)
	}
}

func TestProgressReport(t *testing.T) {
	h := newHarness(t, WorkerConfig{})
	h.addDoc("doc1", nil)
	job := h.submit(t, nil, CleanupAugment)
	h.drain(t)

	report, err := h.svc.Progress(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("Progress: %v", err)
	}
	if !report.Known || report.Total != 1 || report.Completed != 1 || report.Rate == nil || report.ETASeconds == nil {
		t.Fatalf("report = %+v, want known progress with rate and ETA", report)
	}
	if report.RecentErrors == nil {
		t.Fatal("recent errors must be an empty list, not nil")
	}
}

func TestRecoverStaleRepublishesWork(t *testing.T) {
	h := newHarness(t, WorkerConfig{BatchSize: 1})
	h.addDoc("doc1", nil)
	h.addDoc("doc2", nil)

	// The plan message is lost.
	h.queue.err = errors.New("channel closed")
	job := h.submit(t, nil, CleanupAugment)
	h.queue.err = nil

	ctx := context.Background()
	if err := h.svc.RecoverStale(ctx); err != nil {
		t.Fatalf("RecoverStale: %v", err)
	}
	if n := h.queue.len(); n != 0 {
		t.Fatalf("fresh job republished (%d messages)", n)
	}

	h.svc.now = func() time.Time { return time.Now().Add(time.Hour) }
	if err := h.svc.RecoverStale(ctx); err != nil {
		t.Fatalf("RecoverStale: %v", err)
	}
	plan, ok := h.queue.pop()
	if !ok || plan.Type != MessagePlan {
		t.Fatalf("got %+v, want plan message", plan)
	}
	if err := h.worker.Handle(ctx, plan); err != nil {
		t.Fatalf("plan: %v", err)
	}

	// Batch messages get lost too; the open batches are republished.
	for h.queue.len() > 0 {
		h.queue.pop()
	}
	h.svc.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	if err := h.svc.RecoverStale(ctx); err != nil {
		t.Fatalf("RecoverStale: %v", err)
	}
	if n := h.queue.len(); n != 2 {
		t.Fatalf("republished %d batches, want 2", n)
	}
	h.drain(t)

	if sum := h.summary(t, job.ID); sum.Status != StatusCompleted || sum.Counts.Completed != 2 {
		t.Fatalf("summary = %+v, want 2 completed", sum)
	}
}

func TestRedeliveredClosedBatchFinishesJob(t *testing.T) {
	h := newHarness(t, WorkerConfig{})
	h.addDoc("doc1", nil)
	job := h.submit(t, nil, CleanupAugment)

	ctx := context.Background()
	plan, _ := h.queue.pop()
	if err := h.worker.Handle(ctx, plan); err != nil {
		t.Fatalf("plan: %v", err)
	}
	batch, _ := h.queue.pop()

	// Simulate a worker that closed the batch and died before finishing the job.
	b, err := h.repo.ClaimBatch(ctx, batch.BatchID)
	if err != nil {
		t.Fatalf("ClaimBatch: %v", err)
	}
	if _, err := h.repo.RecordOutcome(ctx, job.ID, DocumentOutcome{DocumentID: "doc1", Status: OutcomeCompleted}); err != nil {
		t.Fatalf("RecordOutcome: %v", err)
	}
	if err := h.repo.FinishBatch(ctx, b.ID, BatchDone); err != nil {
		t.Fatalf("FinishBatch: %v", err)
	}

	if err := h.worker.Handle(ctx, batch); err != nil {
		t.Fatalf("redelivery: %v", err)
	}
	if sum := h.summary(t, job.ID); sum.Status != StatusCompleted {
		t.Fatalf("status = %s, want completed", sum.Status)
	}
}
