// Package progress tracks live counters of extraction jobs.
package progress

import (
	"context"
	"errors"
	"time"
)

// MaxRecentErrors bounds the recent error ring buffer of a job.
const MaxRecentErrors = 10

// DefaultRetention is how long a progress record outlives its last update.
const DefaultRetention = 7 * 24 * time.Hour

// ErrNotFound means no progress record exists, either because the job never
// started or because the record expired. It does not mean the job failed.
var ErrNotFound = errors.New("progress not found")

// JobProgress is a snapshot of a job's counters.
type JobProgress struct {
	JobID        string    `json:"job_id"`
	Total        int64     `json:"total"`
	Completed    int64     `json:"completed"`
	Failed       int64     `json:"failed"`
	StartedAt    time.Time `json:"started_at"`
	LastUpdate   time.Time `json:"last_update"`
	RecentErrors []string  `json:"recent_errors"`
}

// Pending is the number of documents without an outcome.
func (p JobProgress) Pending() int64 {
	return max(p.Total-p.Completed-p.Failed, 0)
}

// Rate is the number of completed documents per second since the job started.
func (p JobProgress) Rate(now time.Time) float64 {
	if p.Completed <= 0 {
		return 0
	}
	elapsed := max(now.Sub(p.StartedAt).Seconds(), 0.001)
	return float64(p.Completed) / elapsed
}

// ETA estimates the remaining seconds as pending / rate. It is nil while no
// document has completed.
func (p JobProgress) ETA(now time.Time) *float64 {
	if p.Completed <= 0 {
		return nil
	}
	eta := float64(p.Pending()) / p.Rate(now)
	return &eta
}

// Tracker keeps job counters in a store shared by all workers. Updates are
// atomic increments; the recent error list drops its oldest entry beyond
// MaxRecentErrors.
type Tracker interface {
	// Init creates the record of a job. Calling it again updates the total
	// and keeps the counters.
	Init(ctx context.Context, jobID string, total int64) error
	// Update adds to the counters and records errMsg when it is not empty.
	// It returns ErrNotFound instead of recreating a missing record.
	Update(ctx context.Context, jobID string, completedDelta, failedDelta int64, errMsg string) error
	Get(ctx context.Context, jobID string) (*JobProgress, error)
}
