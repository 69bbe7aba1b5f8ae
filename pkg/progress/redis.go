package progress

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "extraction:progress:"

// RedisTracker stores progress as a Redis hash plus a capped error list.
// Counters use HINCRBY and errors LPUSH + LTRIM inside one script, so
// concurrent workers never overwrite each other.
type RedisTracker struct {
	client    *redis.Client
	retention time.Duration
	now       func() time.Time
}

func NewRedisTracker(client *redis.Client, retention time.Duration) *RedisTracker {
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &RedisTracker{client: client, retention: retention, now: time.Now}
}

func hashKey(jobID string) string   { return keyPrefix + jobID }
func errorsKey(jobID string) string { return keyPrefix + jobID + ":errors" }

func (r *RedisTracker) Init(ctx context.Context, jobID string, total int64) error {
	now := strconv.FormatInt(r.now().UnixMilli(), 10)
	key := hashKey(jobID)

	pipe := r.client.TxPipeline()
	pipe.HSet(ctx, key, "total", total, "last_update", now)
	pipe.HSetNX(ctx, key, "completed", 0)
	pipe.HSetNX(ctx, key, "failed", 0)
	pipe.HSetNX(ctx, key, "started_at", now)
	pipe.Expire(ctx, key, r.retention)
	pipe.Expire(ctx, errorsKey(jobID), r.retention)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to init progress of %s: %w", jobID, err)
	}
	return nil
}

// updateScript applies an update only while the hash exists. Updating an
// expired record would recreate it without total and started_at.
var updateScript = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 0 then
	return 0
end
if ARGV[1] ~= "0" then
	redis.call("HINCRBY", KEYS[1], "completed", ARGV[1])
end
if ARGV[2] ~= "0" then
	redis.call("HINCRBY", KEYS[1], "failed", ARGV[2])
end
redis.call("HSET", KEYS[1], "last_update", ARGV[3])
if ARGV[4] ~= "" then
	redis.call("LPUSH", KEYS[2], ARGV[4])
	redis.call("LTRIM", KEYS[2], 0, ARGV[5])
end
redis.call("PEXPIRE", KEYS[1], ARGV[6])
redis.call("PEXPIRE", KEYS[2], ARGV[6])
return 1
`)

// Update returns ErrNotFound when the record was never created or has
// expired.
func (r *RedisTracker) Update(ctx context.Context, jobID string, completedDelta, failedDelta int64, errMsg string) error {
	applied, err := updateScript.Run(ctx, r.client,
		[]string{hashKey(jobID), errorsKey(jobID)},
		completedDelta,
		failedDelta,
		r.now().UnixMilli(),
		errMsg,
		MaxRecentErrors-1,
		r.retention.Milliseconds(),
	).Int64()
	if err != nil {
		return fmt.Errorf("failed to update progress of %s: %w", jobID, err)
	}
	if applied == 0 {
		return fmt.Errorf("job %s: %w", jobID, ErrNotFound)
	}
	return nil
}

func (r *RedisTracker) Get(ctx context.Context, jobID string) (*JobProgress, error) {
	pipe := r.client.Pipeline()
	fields := pipe.HGetAll(ctx, hashKey(jobID))
	errs := pipe.LRange(ctx, errorsKey(jobID), 0, MaxRecentErrors-1)
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return nil, fmt.Errorf("failed to read progress of %s: %w", jobID, err)
	}
	return parseProgress(jobID, fields.Val(), errs.Val())
}

func parseProgress(jobID string, fields map[string]string, recent []string) (*JobProgress, error) {
	if len(fields) == 0 {
		return nil, fmt.Errorf("job %s: %w", jobID, ErrNotFound)
	}

	p := &JobProgress{JobID: jobID, RecentErrors: recent}
	ints := map[string]*int64{
		"total":     &p.Total,
		"completed": &p.Completed,
		"failed":    &p.Failed,
	}
	for name, dst := range ints {
		if v, ok := fields[name]; ok {
			n, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				return nil, fmt.Errorf("progress of %s: invalid %s %q", jobID, name, v)
			}
			*dst = n
		}
	}
	p.StartedAt = parseMillis(fields["started_at"])
	p.LastUpdate = parseMillis(fields["last_update"])
	if p.RecentErrors == nil {
		p.RecentErrors = []string{}
	}
	return p, nil
}

func parseMillis(v string) time.Time {
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}
