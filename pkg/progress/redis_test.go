package progress

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestRedisTracker(t *testing.T, retention time.Duration) (*miniredis.Miniredis, *RedisTracker) {
	t.Helper()
	m := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: m.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return m, NewRedisTracker(client, retention)
}

func TestRedisTracker(t *testing.T) {
	ctx := context.Background()
	_, tr := newTestRedisTracker(t, time.Hour)
	start := time.UnixMilli(1767225600000)
	tr.now = func() time.Time { return start }

	if err := tr.Update(ctx, "job", 1, 0, ""); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for update before init, got %v", err)
	}
	if _, err := tr.Get(ctx, "job"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("update before init must not create a record, got %v", err)
	}

	if err := tr.Init(ctx, "job", 20); err != nil {
		t.Fatalf("Init error: %v", err)
	}
	tr.now = func() time.Time { return start.Add(time.Minute) }
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
	if !p.StartedAt.Equal(start) || p.LastUpdate.Sub(p.StartedAt) != time.Minute {
		t.Fatalf("timestamps = %v / %v", p.StartedAt, p.LastUpdate)
	}
	if len(p.RecentErrors) != MaxRecentErrors {
		t.Fatalf("recent errors = %d, want %d", len(p.RecentErrors), MaxRecentErrors)
	}
	if p.RecentErrors[0] != "err-11" || p.RecentErrors[9] != "err-2" {
		t.Fatalf("ring buffer must keep the newest errors first, got %v", p.RecentErrors)
	}

	// Re-initializing keeps counters and the start time.
	if err := tr.Init(ctx, "job", 21); err != nil {
		t.Fatalf("Init error: %v", err)
	}
	p, _ = tr.Get(ctx, "job")
	if p.Total != 21 || p.Completed != 3 || !p.StartedAt.Equal(start) {
		t.Fatalf("re-init reset counters: %+v", p)
	}
}

func TestRedisTrackerUpdateRefreshesRetention(t *testing.T) {
	ctx := context.Background()
	m, tr := newTestRedisTracker(t, time.Hour)
	_ = tr.Init(ctx, "job", 2)

	m.FastForward(50 * time.Minute)
	if err := tr.Update(ctx, "job", 1, 0, "doc1: extraction: bad json"); err != nil {
		t.Fatalf("Update error: %v", err)
	}
	m.FastForward(50 * time.Minute)

	p, err := tr.Get(ctx, "job")
	if err != nil {
		t.Fatalf("record expired although it was updated: %v", err)
	}
	if p.Completed != 1 || len(p.RecentErrors) != 1 {
		t.Fatalf("progress = %+v", p)
	}
}

func TestRedisTrackerUpdateAfterExpiry(t *testing.T) {
	ctx := context.Background()
	m, tr := newTestRedisTracker(t, time.Hour)
	if err := tr.Init(ctx, "job", 5); err != nil {
		t.Fatalf("Init error: %v", err)
	}
	_ = tr.Update(ctx, "job", 1, 0, "")

	m.FastForward(time.Hour + time.Second)

	if err := tr.Update(ctx, "job", 1, 1, "doc2: extraction: timeout"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Update after expiry error = %v, want ErrNotFound", err)
	}
	if _, err := tr.Get(ctx, "job"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get after expiry error = %v, want ErrNotFound", err)
	}
	if m.Exists(hashKey("job")) || m.Exists(errorsKey("job")) {
		t.Fatalf("update recreated an expired record")
	}
}
