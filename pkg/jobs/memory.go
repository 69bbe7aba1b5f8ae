package jobs

import (
	"cmp"
	"context"
	"slices"
	"sync"
	"time"
)

// MemoryRepository keeps jobs in process memory. It is used by tests and
// by single-process deployments without Postgres.
type MemoryRepository struct {
	mu       sync.Mutex
	jobs     map[string]*Job
	updated  map[string]time.Time
	batches  map[string]*Batch
	outcomes map[string]map[string]DocumentOutcome
	now      func() time.Time
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		jobs:     make(map[string]*Job),
		updated:  make(map[string]time.Time),
		batches:  make(map[string]*Batch),
		outcomes: make(map[string]map[string]DocumentOutcome),
		now:      time.Now,
	}
}

func cloneJob(j *Job) *Job {
	c := *j
	if j.DocumentIDs != nil {
		c.DocumentIDs = slices.Clone(j.DocumentIDs)
	}
	return &c
}

func cloneBatch(b *Batch) *Batch {
	c := *b
	c.DocumentIDs = slices.Clone(b.DocumentIDs)
	return &c
}

func (m *MemoryRepository) CreateJob(_ context.Context, job *Job) (*Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	j := cloneJob(job)
	j.Status = StatusPending
	j.CreatedAt = m.now().UTC()
	m.jobs[j.ID] = j
	m.updated[j.ID] = j.CreatedAt
	return cloneJob(j), nil
}

func (m *MemoryRepository) GetJob(_ context.Context, id string) (*Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[id]
	if !ok {
		return nil, ErrJobNotFound
	}
	return cloneJob(j), nil
}

func (m *MemoryRepository) StartJob(_ context.Context, id string, total int64, model string, fallback bool) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[id]
	if !ok || j.Status != StatusPending {
		return false, nil
	}
	now := m.now().UTC()
	j.Status = StatusRunning
	j.Total = total
	j.Model = model
	j.FallbackModel = fallback
	j.StartedAt = &now
	m.updated[id] = now
	return true, nil
}

func (m *MemoryRepository) SetPlanned(_ context.Context, id string, total int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[id]
	if !ok {
		return ErrJobNotFound
	}
	if j.Status == StatusRunning {
		j.Planned = true
		j.Total = total
		m.updated[id] = m.now().UTC()
	}
	return nil
}

func (m *MemoryRepository) CancelJob(_ context.Context, id string) (*Job, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[id]
	if !ok {
		return nil, false, ErrJobNotFound
	}
	if j.Status.Terminal() {
		return cloneJob(j), false, nil
	}
	now := m.now().UTC()
	j.Status = StatusCancelled
	j.CompletedAt = &now
	m.updated[id] = now
	return cloneJob(j), true, nil
}

func (m *MemoryRepository) FinishJob(_ context.Context, id string, status Status, errMsg string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[id]
	if !ok || j.Status != StatusRunning {
		return false, nil
	}
	now := m.now().UTC()
	j.Status = status
	j.ErrorMessage = errMsg
	j.CompletedAt = &now
	m.updated[id] = now
	return true, nil
}

func (m *MemoryRepository) TouchJob(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.jobs[id]; ok {
		m.updated[id] = m.now().UTC()
	}
	return nil
}

func (m *MemoryRepository) CreateBatch(_ context.Context, b Batch) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.batches[b.ID]; ok {
		return false, nil
	}
	c := cloneBatch(&b)
	c.Status = BatchPending
	c.Attempts = 0
	c.UpdatedAt = m.now().UTC()
	m.batches[b.ID] = c
	return true, nil
}

func (m *MemoryRepository) ClaimBatch(_ context.Context, id string) (*Batch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	b, ok := m.batches[id]
	if !ok || (b.Status != BatchPending && b.Status != BatchRunning) {
		return nil, ErrBatchClosed
	}
	b.Status = BatchRunning
	b.Attempts++
	b.UpdatedAt = m.now().UTC()
	return cloneBatch(b), nil
}

func (m *MemoryRepository) TouchBatch(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if b, ok := m.batches[id]; ok {
		b.UpdatedAt = m.now().UTC()
	}
	return nil
}

func (m *MemoryRepository) FinishBatch(_ context.Context, id string, status BatchStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if b, ok := m.batches[id]; ok {
		b.Status = status
		b.UpdatedAt = m.now().UTC()
	}
	return nil
}

func (m *MemoryRepository) CountOpenBatches(_ context.Context, jobID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var n int64
	for _, b := range m.batches {
		if b.JobID == jobID && (b.Status == BatchPending || b.Status == BatchRunning) {
			n++
		}
	}
	return n, nil
}

// Batches returns the batches of a job ordered by sequence.
func (m *MemoryRepository) Batches(jobID string) []Batch {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []Batch
	for _, b := range m.batches {
		if b.JobID == jobID {
			out = append(out, *cloneBatch(b))
		}
	}
	slices.SortFunc(out, func(a, b Batch) int {
		if a.Seq != b.Seq {
			return a.Seq - b.Seq
		}
		return a.UpdatedAt.Compare(b.UpdatedAt)
	})
	return out
}

func (m *MemoryRepository) RecordOutcome(_ context.Context, jobID string, o DocumentOutcome) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	docs, ok := m.outcomes[jobID]
	if !ok {
		docs = make(map[string]DocumentOutcome)
		m.outcomes[jobID] = docs
	}
	if _, ok := docs[o.DocumentID]; ok {
		return false, nil
	}
	o.UpdatedAt = m.now().UTC()
	docs[o.DocumentID] = o
	return true, nil
}

func (m *MemoryRepository) IsDocumentDone(_ context.Context, jobID, documentID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	_, ok := m.outcomes[jobID][documentID]
	return ok, nil
}

func (m *MemoryRepository) CountOutcomes(_ context.Context, jobID string) (DocumentCounts, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var c DocumentCounts
	for _, o := range m.outcomes[jobID] {
		if o.Status == OutcomeFailed {
			c.Failed++
		} else {
			c.Completed++
		}
	}
	return c, nil
}

func (m *MemoryRepository) RecentFailures(_ context.Context, jobID string, limit int) ([]DocumentOutcome, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []DocumentOutcome
	for _, o := range m.outcomes[jobID] {
		if o.Status == OutcomeFailed {
			out = append(out, o)
		}
	}
	slices.SortFunc(out, func(a, b DocumentOutcome) int {
		if c := b.UpdatedAt.Compare(a.UpdatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.DocumentID, b.DocumentID)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryRepository) ListStaleJobs(_ context.Context, olderThan time.Time) ([]Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []Job
	for id, j := range m.jobs {
		stale := m.updated[id].Before(olderThan)
		if stale && (j.Status == StatusPending || (j.Status == StatusRunning && !j.Planned)) {
			out = append(out, *cloneJob(j))
		}
	}
	return out, nil
}

func (m *MemoryRepository) ListStaleBatches(_ context.Context, olderThan time.Time) ([]Batch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []Batch
	for _, b := range m.batches {
		j, ok := m.jobs[b.JobID]
		if !ok || j.Status != StatusRunning {
			continue
		}
		if (b.Status == BatchPending || b.Status == BatchRunning) && b.UpdatedAt.Before(olderThan) {
			out = append(out, *cloneBatch(b))
		}
	}
	return out, nil
}

// KeyedLocker serializes callers per key within one process.
type KeyedLocker struct {
	mu    sync.Mutex
	locks map[string]*keyedLock
}

type keyedLock struct {
	ch   chan struct{}
	refs int
}

func NewKeyedLocker() *KeyedLocker {
	return &KeyedLocker{locks: make(map[string]*keyedLock)}
}

func (k *KeyedLocker) WithLock(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	k.mu.Lock()
	l, ok := k.locks[key]
	if !ok {
		l = &keyedLock{ch: make(chan struct{}, 1)}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	defer func() {
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}()

	select {
	case l.ch <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-l.ch }()

	return fn(ctx)
}
