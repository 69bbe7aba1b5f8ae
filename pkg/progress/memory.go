package progress

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"
)

// MemoryTracker keeps progress in process memory. Records expire after the
// retention window like the Redis records do.
type MemoryTracker struct {
	mu        sync.Mutex
	jobs      map[string]*JobProgress
	retention time.Duration
	now       func() time.Time
}

func NewMemoryTracker(retention time.Duration) *MemoryTracker {
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &MemoryTracker{
		jobs:      make(map[string]*JobProgress),
		retention: retention,
		now:       time.Now,
	}
}

func (m *MemoryTracker) Init(_ context.Context, jobID string, total int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	p, ok := m.live(jobID)
	if !ok {
		p = &JobProgress{JobID: jobID, StartedAt: now}
		m.jobs[jobID] = p
	}
	p.Total = total
	p.LastUpdate = now
	return nil
}

func (m *MemoryTracker) Update(_ context.Context, jobID string, completedDelta, failedDelta int64, errMsg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.live(jobID)
	if !ok {
		return fmt.Errorf("job %s: %w", jobID, ErrNotFound)
	}
	p.Completed += completedDelta
	p.Failed += failedDelta
	p.LastUpdate = m.now()
	if errMsg != "" {
		p.RecentErrors = append([]string{errMsg}, p.RecentErrors...)
		if len(p.RecentErrors) > MaxRecentErrors {
			p.RecentErrors = p.RecentErrors[:MaxRecentErrors]
		}
	}
	return nil
}

func (m *MemoryTracker) Get(_ context.Context, jobID string) (*JobProgress, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.live(jobID)
	if !ok {
		return nil, fmt.Errorf("job %s: %w", jobID, ErrNotFound)
	}
	out := *p
	out.RecentErrors = slices.Clone(p.RecentErrors)
	return &out, nil
}

func (m *MemoryTracker) live(jobID string) (*JobProgress, bool) {
	p, ok := m.jobs[jobID]
	if !ok {
		return nil, false
	}
	if m.now().Sub(p.LastUpdate) > m.retention {
		delete(m.jobs, jobID)
		return nil, false
	}
	return p, true
}
