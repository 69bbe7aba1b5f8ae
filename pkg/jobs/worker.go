package jobs

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/OFFIS-RIT/kiwi/extractor/internal/metrics"
	"github.com/OFFIS-RIT/kiwi/extractor/internal/util"
	"github.com/OFFIS-RIT/kiwi/extractor/pkg/common"
	"github.com/OFFIS-RIT/kiwi/extractor/pkg/corpus"
	"github.com/OFFIS-RIT/kiwi/extractor/pkg/events"
	"github.com/OFFIS-RIT/kiwi/extractor/pkg/graph"
	"github.com/OFFIS-RIT/kiwi/extractor/pkg/logger"
	"github.com/OFFIS-RIT/kiwi/extractor/pkg/progress"
	"github.com/OFFIS-RIT/kiwi/extractor/pkg/schema"
	"github.com/OFFIS-RIT/kiwi/extractor/pkg/store"

	"golang.org/x/sync/errgroup"
)

// Extractor runs one extraction call for a chunk.
type Extractor interface {
	Extract(ctx context.Context, req graph.ExtractRequest) (*common.ExtractionResult, error)
}

// WorkerConfig tunes batch processing. Zero values select the defaults.
type WorkerConfig struct {
	// BatchSize is the number of documents per batch.
	BatchSize int
	// DefaultModel is used when the domain has no extraction model.
	DefaultModel string
	// SoftTimeout is the time after which a batch hands its remaining
	// documents to a new batch.
	SoftTimeout time.Duration
	// ExtractRetries bounds attempts of a transiently failing model call.
	ExtractRetries int
	// StoreRetries bounds attempts of a failing graph write or chunk read.
	StoreRetries int
	Backoff      util.Backoff
	// GraphFailureBatches is the number of consecutive batches in which
	// every document failed to write before the job is aborted.
	GraphFailureBatches int
}

func (c WorkerConfig) withDefaults() WorkerConfig {
	if c.BatchSize <= 0 {
		c.BatchSize = 50
	}
	if c.SoftTimeout <= 0 {
		c.SoftTimeout = 10 * time.Minute
	}
	if c.ExtractRetries <= 0 {
		c.ExtractRetries = 3
	}
	if c.StoreRetries <= 0 {
		c.StoreRetries = 3
	}
	if c.Backoff == (util.Backoff{}) {
		c.Backoff = util.Backoff{Initial: time.Second, Max: 30 * time.Second}
	}
	if c.GraphFailureBatches <= 0 {
		c.GraphFailureBatches = 3
	}
	return c
}

// Worker plans jobs and processes their batches. One Worker may serve
// several consumers concurrently; each call to Handle processes one message.
type Worker struct {
	repo      Repository
	catalog   schema.Catalog
	docs      corpus.DocumentSource
	chunks    corpus.ChunkSource
	models    corpus.ModelRegistry
	extractor Extractor
	graph     store.GraphStore
	tracker   progress.Tracker
	publisher Publisher
	emitter   events.Emitter
	locker    DocumentLocker
	cfg       WorkerConfig
	now       func() time.Time

	mu            sync.Mutex
	graphFailures map[string]int
}

type NewWorkerParams struct {
	Repo      Repository
	Catalog   schema.Catalog
	Corpus    corpus.Corpus
	Models    corpus.ModelRegistry
	Extractor Extractor
	Graph     store.GraphStore
	Tracker   progress.Tracker
	Publisher Publisher
	Emitter   events.Emitter
	// Locker serializes documents across workers; nil uses an in-process
	// locker.
	Locker DocumentLocker
	Config WorkerConfig
}

func NewWorker(params NewWorkerParams) *Worker {
	locker := params.Locker
	if locker == nil {
		locker = NewKeyedLocker()
	}
	return &Worker{
		repo:          params.Repo,
		catalog:       params.Catalog,
		docs:          params.Corpus,
		chunks:        params.Corpus,
		models:        params.Models,
		extractor:     params.Extractor,
		graph:         params.Graph,
		tracker:       params.Tracker,
		publisher:     params.Publisher,
		emitter:       params.Emitter,
		locker:        locker,
		cfg:           params.Config.withDefaults(),
		now:           time.Now,
		graphFailures: make(map[string]int),
	}
}

// Handle processes one queue message. A nil error means the message can be
// acknowledged; an error means it should be delivered again.
func (w *Worker) Handle(ctx context.Context, msg Message) error {
	switch msg.Type {
	case MessagePlan:
		return w.Plan(ctx, msg.JobID)
	case MessageBatch:
		return w.ProcessBatch(ctx, msg)
	default:
		logger.Warn("[Worker] Dropping message of unknown type", "type", msg.Type, "job_id", msg.JobID)
		return nil
	}
}

// Plan moves a pending job to running, initializes its progress and splits
// its documents into batches. Batch ids are derived from the job id and the
// batch sequence, so planning the same job twice publishes nothing new.
func (w *Worker) Plan(ctx context.Context, jobID string) error {
	job, err := w.repo.GetJob(ctx, jobID)
	if err != nil {
		if errors.Is(err, ErrJobNotFound) {
			logger.Warn("[Worker] Plan for unknown job", "job_id", jobID)
			return nil
		}
		return err
	}
	if job.Status.Terminal() {
		return nil
	}
	if job.Planned {
		return w.checkCompletion(ctx, job.ID)
	}

	var (
		total int64
		model graph.ModelRef
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if !job.AllDocuments() {
			total = int64(len(job.DocumentIDs))
			return nil
		}
		n, err := w.docs.CountDocuments(gctx, job.KBID)
		if err != nil {
			return fmt.Errorf("failed to count documents: %w", err)
		}
		total = n
		return nil
	})
	g.Go(func() error {
		model = graph.ResolveModel(gctx, w.models, job.DomainID, w.cfg.DefaultModel)
		return nil
	})
	if err := g.Wait(); err != nil {
		return err
	}

	if job.Status == StatusPending {
		started, err := w.repo.StartJob(ctx, job.ID, total, model.Name, model.Fallback)
		if err != nil {
			return fmt.Errorf("failed to start job: %w", err)
		}
		if started {
			w.startedJob(ctx, job, total, model)
		}
		if job, err = w.repo.GetJob(ctx, job.ID); err != nil {
			return err
		}
		if job.Status != StatusRunning {
			return nil
		}
	}

	planned, err := w.planBatches(ctx, job)
	if err != nil {
		return err
	}
	if planned < 0 {
		logger.Info("[Worker] Job stopped while planning", "job_id", job.ID)
		return nil
	}

	if err := w.repo.SetPlanned(ctx, job.ID, planned); err != nil {
		return fmt.Errorf("failed to mark job planned: %w", err)
	}
	if planned != job.Total {
		if err := w.initProgress(ctx, job.ID, planned); err != nil {
			logger.Warn("[Worker] Failed to update progress total", "job_id", job.ID, "err", err)
		}
	}
	logger.Info("[Worker] Job planned", "job_id", job.ID, "documents", planned)
	return w.checkCompletion(ctx, job.ID)
}

// publish retries failed publishes. A duplicate delivery is harmless.
func (w *Worker) publish(ctx context.Context, msg Message) error {
	return util.RetryErrWithContext(ctx, w.cfg.StoreRetries, w.cfg.Backoff, func(ctx context.Context) error {
		return w.publisher.Publish(ctx, msg)
	})
}

// initProgress sets the progress total. Init keeps existing counters, so a
// repeated call is safe.
func (w *Worker) initProgress(ctx context.Context, jobID string, total int64) error {
	return util.RetryErrWithContext(ctx, w.cfg.StoreRetries, w.cfg.Backoff, func(ctx context.Context) error {
		return w.tracker.Init(ctx, jobID, total)
	})
}

func (w *Worker) startedJob(ctx context.Context, job *Job, total int64, model graph.ModelRef) {
	if err := w.initProgress(ctx, job.ID, total); err != nil {
		logger.Warn("[Worker] Failed to initialize progress", "job_id", job.ID, "err", err)
	}
	logger.Info("[Worker] Job started", "job_id", job.ID, "kb_id", job.KBID, "total", total, "model", model.Name, "fallback", model.Fallback)
	metrics.JobsTotal.WithLabelValues(string(StatusRunning)).Inc()
	events.Emit(ctx, w.emitter, events.Event{
		Kind:   events.KindJobStatus,
		JobID:  job.ID,
		KBID:   job.KBID,
		Status: string(StatusRunning),
		Model:  model.Name,
	})
	if model.Fallback {
		events.Emit(ctx, w.emitter, events.Event{
			Kind:  events.KindModelFallback,
			JobID: job.ID,
			KBID:  job.KBID,
			Model: model.Name,
		})
	}
}

// planBatches creates and publishes the batches of a job and returns the
// number of documents they cover, or -1 if the job stopped running.
func (w *Worker) planBatches(ctx context.Context, job *Job) (int64, error) {
	var (
		seq     int
		planned int64
	)
	addBatch := func(ids []string) error {
		seq++
		b := Batch{
			ID:          fmt.Sprintf("%s:%d", job.ID, seq),
			JobID:       job.ID,
			Seq:         seq,
			DocumentIDs: ids,
		}
		planned += int64(len(ids))
		inserted, err := w.repo.CreateBatch(ctx, b)
		if err != nil {
			return fmt.Errorf("failed to create batch: %w", err)
		}
		if !inserted {
			return nil
		}
		if err := w.publish(ctx, Message{Type: MessageBatch, JobID: job.ID, BatchID: b.ID}); err != nil {
			logger.Warn("[Worker] Failed to publish batch, recovery will retry", "job_id", job.ID, "batch_id", b.ID, "err", err)
		}
		return nil
	}
	stillRunning := func() (bool, error) {
		cur, err := w.repo.GetJob(ctx, job.ID)
		if err != nil {
			return false, err
		}
		return cur.Status == StatusRunning, nil
	}

	if !job.AllDocuments() {
		for chunk := range slices.Chunk(job.DocumentIDs, w.cfg.BatchSize) {
			if err := addBatch(slices.Clone(chunk)); err != nil {
				return 0, err
			}
		}
		return planned, nil
	}

	after := ""
	for {
		ok, err := stillRunning()
		if err != nil {
			return 0, err
		}
		if !ok {
			return -1, nil
		}
		ids, err := w.docs.ListDocumentIDs(ctx, job.KBID, after, w.cfg.BatchSize)
		if err != nil {
			return 0, fmt.Errorf("failed to list documents: %w", err)
		}
		if len(ids) == 0 {
			return planned, nil
		}
		if err := addBatch(ids); err != nil {
			return 0, err
		}
		if err := w.repo.TouchJob(ctx, job.ID); err != nil {
			return 0, err
		}
		after = ids[len(ids)-1]
		if len(ids) < w.cfg.BatchSize {
			return planned, nil
		}
	}
}

// checkCompletion finalizes a planned running job once no batch is open.
func (w *Worker) checkCompletion(ctx context.Context, jobID string) error {
	job, err := w.repo.GetJob(ctx, jobID)
	if err != nil {
		if errors.Is(err, ErrJobNotFound) {
			return nil
		}
		return err
	}
	if job.Status != StatusRunning || !job.Planned {
		return nil
	}
	open, err := w.repo.CountOpenBatches(ctx, jobID)
	if err != nil {
		return err
	}
	if open > 0 {
		return nil
	}
	counts, err := w.repo.CountOutcomes(ctx, jobID)
	if err != nil {
		return err
	}

	status := StatusCompleted
	var errMsg string
	if counts.Failed > 0 {
		status = StatusCompletedWithErrors
	}
	if missing := job.Total - counts.Completed - counts.Failed; missing > 0 {
		status = StatusCompletedWithErrors
		errMsg = fmt.Sprintf("%d documents were not processed", missing)
	}
	return w.finishJob(ctx, job, status, errMsg)
}

func (w *Worker) finishJob(ctx context.Context, job *Job, status Status, errMsg string) error {
	finished, err := w.repo.FinishJob(ctx, job.ID, status, errMsg)
	if err != nil {
		return fmt.Errorf("failed to finish job: %w", err)
	}
	if !finished {
		return nil
	}

	w.mu.Lock()
	delete(w.graphFailures, job.ID)
	w.mu.Unlock()

	logger.Info("[Worker] Job finished", "job_id", job.ID, "status", status, "error", errMsg)
	metrics.JobsTotal.WithLabelValues(string(status)).Inc()
	events.Emit(ctx, w.emitter, events.Event{
		Kind:   events.KindJobStatus,
		JobID:  job.ID,
		KBID:   job.KBID,
		Status: string(status),
		Error:  errMsg,
	})
	return nil
}
