package progress

import (
	"context"
	"errors"
	"fmt"
	"math"
	"testing"
	"time"
)

func TestETA(t *testing.T) {
	start := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	now := start.Add(100 * time.Second)

	tests := []struct {
		name    string
		p       JobProgress
		wantNil bool
		want    float64
	}{
		{"nothing completed", JobProgress{Total: 10, Failed: 3, StartedAt: start}, true, 0},
		{"half done", JobProgress{Total: 100, Completed: 50, StartedAt: start}, false, 100},
		{"failures count as done", JobProgress{Total: 100, Completed: 40, Failed: 10, StartedAt: start}, false, 125},
		{"all done", JobProgress{Total: 10, Completed: 10, StartedAt: start}, false, 0},
		{"started in the future", JobProgress{Total: 10, Completed: 1, StartedAt: now.Add(time.Minute)}, false, 0.009},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			eta := tt.p.ETA(now)
			if tt.wantNil {
				if eta != nil {
					t.Fatalf("ETA = %v, want nil", *eta)
				}
				return
			}
			if eta == nil {
				t.Fatalf("ETA = nil, want %v", tt.want)
			}
			if math.IsNaN(*eta) || math.IsInf(*eta, 0) || *eta < 0 {
				t.Fatalf("ETA = %v, want finite non-negative", *eta)
			}
			if math.Abs(*eta-tt.want) > 1e-6 {
				t.Fatalf("ETA = %v, want %v", *eta, tt.want)
			}
		})
	}
}

func TestPending(t *testing.T) {
	p := JobProgress{Total: 5, Completed: 4, Failed: 3}
	if got := p.Pending(); got != 0 {
		t.Fatalf("Pending() = %d, want 0", got)
	}
}

func TestMemoryTracker(t *testing.T) {
	ctx := context.Background()
	tr := NewMemoryTracker(time.Hour)

	if _, err := tr.Get(ctx, "job"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := tr.Update(ctx, "job", 1, 0, ""); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for update before init, got %v", err)
	}

	if err := tr.Init(ctx, "job", 20); err != nil {
		t.Fatalf("Init error: %v", err)
	}
	for i := range 12 {
		if err := tr.Update(ctx, "job", 0, 1, fmt.Sprintf("err-%d", i)); err != nil {
			t.Fatalf("Update error: %v", err)
		}
	}
	if err := tr.Update(ctx, "job", 3, 0, ""); err != nil {
		t.Fatalf("Update error: %v", err)
	}

	p, err := tr.Get(ctx, "job")
	if err != nil {
		t.Fatalf("Get error: %v", err)
	}
	if p.Total != 20 || p.Completed != 3 || p.Failed != 12 {
		t.Fatalf("counters = %d/%d/%d", p.Total, p.Completed, p.Failed)
	}
	if len(p.RecentErrors) != MaxRecentErrors {
		t.Fatalf("recent errors = %d, want %d", len(p.RecentErrors), MaxRecentErrors)
	}
	if p.RecentErrors[0] != "err-11" || p.RecentErrors[9] != "err-2" {
		t.Fatalf("ring buffer must keep the newest errors first, got %v", p.RecentErrors)
	}

	// Re-initializing keeps counters.
	if err := tr.Init(ctx, "job", 21); err != nil {
		t.Fatalf("Init error: %v", err)
	}
	p, _ = tr.Get(ctx, "job")
	if p.Total != 21 || p.Completed != 3 {
		t.Fatalf("re-init reset counters: %+v", p)
	}
}

func TestMemoryTrackerConcurrentUpdates(t *testing.T) {
	ctx := context.Background()
	tr := NewMemoryTracker(time.Hour)
	_ = tr.Init(ctx, "job", 1000)

	done := make(chan struct{})
	for range 10 {
		go func() {
			defer func() { done <- struct{}{} }()
			for range 100 {
				_ = tr.Update(ctx, "job", 1, 0, "")
			}
		}()
	}
	for range 10 {
		<-done
	}

	p, _ := tr.Get(ctx, "job")
	if p.Completed != 1000 {
		t.Fatalf("Completed = %d, want 1000", p.Completed)
	}
}

func TestMemoryTrackerExpires(t *testing.T) {
	ctx := context.Background()
	tr := NewMemoryTracker(time.Hour)
	now := time.Now()
	tr.now = func() time.Time { return now }
	_ = tr.Init(ctx, "job", 1)

	tr.now = func() time.Time { return now.Add(2 * time.Hour) }
	if _, err := tr.Get(ctx, "job"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected expired record, got %v", err)
	}
}

func TestParseProgress(t *testing.T) {
	if _, err := parseProgress("job", map[string]string{}, nil); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for empty hash, got %v", err)
	}

	p, err := parseProgress("job", map[string]string{
		"total":       "10",
		"completed":   "4",
		"failed":      "1",
		"started_at":  "1767225600000",
		"last_update": "1767225660000",
	}, []string{"doc-9: extraction: bad json"})
	if err != nil {
		t.Fatalf("parseProgress error: %v", err)
	}
	if p.Total != 10 || p.Completed != 4 || p.Failed != 1 {
		t.Fatalf("counters = %+v", p)
	}
	if got := p.LastUpdate.Sub(p.StartedAt); got != time.Minute {
		t.Fatalf("timestamps parsed wrong: %v", got)
	}
	if len(p.RecentErrors) != 1 {
		t.Fatalf("recent errors = %v", p.RecentErrors)
	}

	if _, err := parseProgress("job", map[string]string{"total": "x"}, nil); err == nil {
		t.Fatalf("expected error for invalid counter")
	}
}

func TestKeys(t *testing.T) {
	if got := hashKey("j1"); got != "extraction:progress:j1" {
		t.Fatalf("hashKey = %q", got)
	}
	if got := errorsKey("j1"); got != "extraction:progress:j1:errors" {
		t.Fatalf("errorsKey = %q", got)
	}
}
