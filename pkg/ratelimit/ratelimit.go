// Package ratelimit throttles calls to the language model. Callers block
// until a slot is free, but never longer than a configured bound.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/OFFIS-RIT/kiwi/extractor/internal/metrics"
	"github.com/OFFIS-RIT/kiwi/extractor/pkg/logger"

	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"
)

// ErrWaitExceeded is returned when no slot became available within the
// maximum wait.
var ErrWaitExceeded = errors.New("rate limit wait exceeded")

// Limiter blocks until the caller may issue one call.
type Limiter interface {
	Wait(ctx context.Context) error
}

// Local limits calls within one process using a token bucket.
type Local struct {
	limiter *rate.Limiter
	maxWait time.Duration
}

// NewLocal allows perSecond calls per second with the given burst. A
// non-positive perSecond disables limiting.
func NewLocal(perSecond float64, burst int, maxWait time.Duration) *Local {
	limit := rate.Limit(perSecond)
	if perSecond <= 0 {
		limit = rate.Inf
	}
	if burst <= 0 {
		burst = 1
	}
	return &Local{
		limiter: rate.NewLimiter(limit, burst),
		maxWait: maxWait,
	}
}

func (l *Local) Wait(ctx context.Context) error {
	start := time.Now()
	defer func() { metrics.RateLimitWait.Observe(time.Since(start).Seconds()) }()

	waitCtx := ctx
	if l.maxWait > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, l.maxWait)
		defer cancel()
	}

	if err := l.limiter.Wait(waitCtx); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w after %s", ErrWaitExceeded, l.maxWait)
	}
	return nil
}

// Window limits calls across every process sharing a Redis instance with a
// fixed window counter. A rate is admitted as N calls per W seconds, so
// fractional rates such as 0.5 or 1.5 calls per second are kept exactly.
// When Redis is unreachable it degrades to the fallback limiter so
// extraction keeps a per-process ceiling.
type Window struct {
	client   *redis.Client
	key      string
	seconds  int64
	limit    int64
	maxWait  time.Duration
	fallback Limiter
	now      func() time.Time
}

// WindowParams configures a Window limiter.
type WindowParams struct {
	Client *redis.Client
	Key    string
	// PerSecond is the shared ceiling; zero or less disables limiting.
	PerSecond float64
	MaxWait   time.Duration
	Fallback  Limiter
}

func NewWindow(params WindowParams) *Window {
	key := params.Key
	if key == "" {
		key = "extraction:ratelimit"
	}
	w := &Window{
		client:   params.Client,
		key:      key,
		maxWait:  params.MaxWait,
		fallback: params.Fallback,
		now:      time.Now,
	}
	if params.PerSecond > 0 {
		w.seconds, w.limit = windowFor(params.PerSecond)
	}
	return w
}

func (w *Window) Wait(ctx context.Context) error {
	if w.limit <= 0 {
		return nil
	}

	observed := time.Now()
	defer func() { metrics.RateLimitWait.Observe(time.Since(observed).Seconds()) }()

	window := time.Duration(w.seconds) * time.Second
	deadline := w.now().Add(w.maxWait)
	for {
		now := w.now()
		key := windowKey(w.key, w.seconds, now)

		pipe := w.client.TxPipeline()
		incr := pipe.Incr(ctx, key)
		pipe.Expire(ctx, key, 2*window)
		if _, err := pipe.Exec(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if w.fallback == nil {
				return fmt.Errorf("rate limit window: %w", err)
			}
			logger.Warn("[RateLimit] Redis unavailable, using local limiter", "err", err)
			return w.fallback.Wait(ctx)
		}
		if incr.Val() <= w.limit {
			return nil
		}

		next := time.Unix(now.Unix()/w.seconds*w.seconds, 0).Add(window)
		if w.maxWait > 0 && next.After(deadline) {
			return fmt.Errorf("%w after %s", ErrWaitExceeded, w.maxWait)
		}

		timer := time.NewTimer(next.Sub(now))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// maxWindowSeconds bounds the window search. Longer windows admit bursts
// that are too large.
const maxWindowSeconds = 60

// windowFor expresses perSecond as limit calls per window of seconds. It
// picks the window up to maxWindowSeconds whose limit comes closest to the
// rate without exceeding it, preferring shorter windows. Rates below one
// call per maxWindowSeconds get a single call per ceil(1/rate) seconds.
func windowFor(perSecond float64) (seconds int64, limit int64) {
	if perSecond*maxWindowSeconds < 1 {
		return int64(math.Ceil(1/perSecond - 1e-9)), 1
	}
	gap := math.Inf(1)
	for w := int64(1); w <= maxWindowSeconds; w++ {
		n := int64(math.Floor(perSecond*float64(w) + 1e-9))
		if n < 1 {
			continue
		}
		g := perSecond - float64(n)/float64(w)
		if g < gap-1e-12 {
			seconds, limit, gap = w, n, g
		}
		if g <= 1e-9 {
			break
		}
	}
	return seconds, limit
}

// windowKey names the counter of the window containing t. The window length
// is part of the key so processes configured with different rates never
// share a counter.
func windowKey(prefix string, seconds int64, t time.Time) string {
	return fmt.Sprintf("%s:%ds:%d", prefix, seconds, t.Unix()/seconds)
}
