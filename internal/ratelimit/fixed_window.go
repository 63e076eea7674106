package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/meshgate/meshgate/internal/observability"
	"github.com/meshgate/meshgate/internal/ratelimit/store"
)

// FixedWindowLimiter counts requests in fixed, aligned time windows.
// Counters reset lazily when a request arrives in a new window. With a
// nil store the limiter keeps counters in process memory; with a store
// the counters are shared across gateway instances.
type FixedWindowLimiter struct {
	store  store.Store
	limit  int
	window time.Duration
	logger observability.Logger

	counters sync.Map
}

// windowCounter is the in-memory counter for one key.
type windowCounter struct {
	mu          sync.Mutex
	count       int
	windowStart time.Time
}

// NewFixedWindowLimiter creates a fixed window limiter. Pass a nil store
// for local in-memory counting.
func NewFixedWindowLimiter(s store.Store, limit int, window time.Duration, logger observability.Logger) *FixedWindowLimiter {
	if logger == nil {
		logger = observability.NopLogger()
	}

	return &FixedWindowLimiter{
		store:  s,
		limit:  limit,
		window: window,
		logger: logger,
	}
}

// Allow implements Limiter.
func (l *FixedWindowLimiter) Allow(ctx context.Context, key string) (*Result, error) {
	return l.AllowN(ctx, key, 1)
}

// AllowN implements Limiter.
func (l *FixedWindowLimiter) AllowN(ctx context.Context, key string, n int) (*Result, error) {
	if l.store == nil {
		return l.allowLocal(key, n), nil
	}
	return l.allowShared(ctx, key, n)
}

// windowStart aligns t down to the start of its window.
func (l *FixedWindowLimiter) windowStart(t time.Time) time.Time {
	windowNanos := l.window.Nanoseconds()
	return time.Unix(0, (t.UnixNano()/windowNanos)*windowNanos)
}

func (l *FixedWindowLimiter) allowLocal(key string, n int) *Result {
	now := time.Now()
	windowStart := l.windowStart(now)

	value, _ := l.counters.LoadOrStore(key, &windowCounter{windowStart: windowStart})
	wc := value.(*windowCounter)

	wc.mu.Lock()
	defer wc.mu.Unlock()

	// Lazy reset when the stored counter belongs to an earlier window.
	if !wc.windowStart.Equal(windowStart) {
		wc.count = 0
		wc.windowStart = windowStart
	}

	allowed := wc.count+n <= l.limit
	if allowed {
		wc.count += n
	}

	return l.buildResult(allowed, wc.count, windowStart, now)
}

func (l *FixedWindowLimiter) allowShared(ctx context.Context, key string, n int) (*Result, error) {
	now := time.Now()
	windowStart := l.windowStart(now)
	windowKey := fmt.Sprintf("%s:fw:%d", key, windowStart.UnixNano())

	// Increment first, compare after: concurrent gateways sharing the
	// counter cannot interleave a read-then-write past the limit. Denied
	// requests leave the counter past the limit, which expires with the
	// window. Expiry slightly past the window end covers clock skew
	// between gateway instances.
	updated, err := l.store.IncrementWithExpiry(ctx, windowKey, int64(n), l.window+time.Second)
	if err != nil {
		return nil, err
	}

	allowed := int(updated) <= l.limit
	return l.buildResult(allowed, int(updated), windowStart, now), nil
}

func (l *FixedWindowLimiter) buildResult(allowed bool, count int, windowStart, now time.Time) *Result {
	remaining := l.limit - count
	if remaining < 0 {
		remaining = 0
	}

	resetAfter := windowStart.Add(l.window).Sub(now)
	if resetAfter < 0 {
		resetAfter = 0
	}

	var retryAfter time.Duration
	if !allowed {
		retryAfter = resetAfter
	}

	return &Result{
		Allowed:    allowed,
		Limit:      l.limit,
		Remaining:  remaining,
		ResetAfter: resetAfter,
		RetryAfter: retryAfter,
	}
}

// Limit implements Limiter.
func (l *FixedWindowLimiter) Limit() Limit {
	return Limit{Requests: l.limit, Window: l.window}
}

// Reset implements Limiter.
func (l *FixedWindowLimiter) Reset(ctx context.Context, key string) error {
	l.counters.Delete(key)

	if l.store != nil {
		windowKey := fmt.Sprintf("%s:fw:%d", key, l.windowStart(time.Now()).UnixNano())
		if err := l.store.Delete(ctx, windowKey); err != nil {
			return err
		}
	}
	return nil
}

// Cleanup drops in-memory counters from past windows.
func (l *FixedWindowLimiter) Cleanup() {
	current := l.windowStart(time.Now())

	l.counters.Range(func(key, value interface{}) bool {
		wc := value.(*windowCounter)
		wc.mu.Lock()
		stale := wc.windowStart.Before(current)
		wc.mu.Unlock()
		if stale {
			l.counters.Delete(key)
		}
		return true
	})
}
