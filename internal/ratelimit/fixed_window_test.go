package ratelimit

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meshgate/meshgate/internal/observability"
	"github.com/meshgate/meshgate/internal/ratelimit/store"
)

func TestFixedWindowLimiter_AllowsUpToLimit(t *testing.T) {
	l := NewFixedWindowLimiter(nil, 3, time.Minute, observability.NopLogger())
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		result, err := l.Allow(ctx, "caller-1")
		require.NoError(t, err)
		assert.True(t, result.Allowed)
		assert.Equal(t, 3, result.Limit)
		assert.Equal(t, 3-(i+1), result.Remaining)
	}

	result, err := l.Allow(ctx, "caller-1")
	require.NoError(t, err)
	assert.False(t, result.Allowed)
	assert.Equal(t, 0, result.Remaining)
	assert.Greater(t, result.RetryAfter, time.Duration(0))
	assert.Equal(t, result.ResetAfter, result.RetryAfter)
}

func TestFixedWindowLimiter_KeysIsolated(t *testing.T) {
	l := NewFixedWindowLimiter(nil, 1, time.Minute, observability.NopLogger())
	ctx := context.Background()

	result, err := l.Allow(ctx, "a")
	require.NoError(t, err)
	assert.True(t, result.Allowed)

	result, err = l.Allow(ctx, "a")
	require.NoError(t, err)
	assert.False(t, result.Allowed)

	// A different key has its own budget.
	result, err = l.Allow(ctx, "b")
	require.NoError(t, err)
	assert.True(t, result.Allowed)
}

func TestFixedWindowLimiter_WindowRollover(t *testing.T) {
	l := NewFixedWindowLimiter(nil, 1, 20*time.Millisecond, observability.NopLogger())
	ctx := context.Background()

	result, err := l.Allow(ctx, "k")
	require.NoError(t, err)
	require.True(t, result.Allowed)

	result, err = l.Allow(ctx, "k")
	require.NoError(t, err)
	require.False(t, result.Allowed)

	time.Sleep(25 * time.Millisecond)

	result, err = l.Allow(ctx, "k")
	require.NoError(t, err)
	assert.True(t, result.Allowed)
}

func TestFixedWindowLimiter_ConcurrentExactBudget(t *testing.T) {
	const limit = 100
	l := NewFixedWindowLimiter(nil, limit, time.Minute, observability.NopLogger())
	ctx := context.Background()

	var allowed atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < limit+20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			result, err := l.Allow(ctx, "shared")
			if assert.NoError(t, err) && result.Allowed {
				allowed.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(limit), allowed.Load())
}

func TestFixedWindowLimiter_Reset(t *testing.T) {
	l := NewFixedWindowLimiter(nil, 1, time.Minute, observability.NopLogger())
	ctx := context.Background()

	_, err := l.Allow(ctx, "k")
	require.NoError(t, err)

	require.NoError(t, l.Reset(ctx, "k"))

	result, err := l.Allow(ctx, "k")
	require.NoError(t, err)
	assert.True(t, result.Allowed)
}

func TestFixedWindowLimiter_SharedStore(t *testing.T) {
	mr := miniredis.RunT(t)
	s, err := store.NewRedisStore(mr.Addr(), "", 0)
	require.NoError(t, err)
	defer s.Close()

	ctx := context.Background()

	// Two limiter instances sharing one backend act as one budget.
	l1 := NewFixedWindowLimiter(s, 2, time.Minute, observability.NopLogger())
	l2 := NewFixedWindowLimiter(s, 2, time.Minute, observability.NopLogger())

	result, err := l1.Allow(ctx, "caller")
	require.NoError(t, err)
	assert.True(t, result.Allowed)

	result, err = l2.Allow(ctx, "caller")
	require.NoError(t, err)
	assert.True(t, result.Allowed)

	result, err = l1.Allow(ctx, "caller")
	require.NoError(t, err)
	assert.False(t, result.Allowed)
}

func TestFixedWindowLimiter_SharedStoreConcurrentExactBudget(t *testing.T) {
	mr := miniredis.RunT(t)
	s, err := store.NewRedisStore(mr.Addr(), "", 0)
	require.NoError(t, err)
	defer s.Close()

	const limit = 50
	ctx := context.Background()
	limiters := []*FixedWindowLimiter{
		NewFixedWindowLimiter(s, limit, time.Minute, observability.NopLogger()),
		NewFixedWindowLimiter(s, limit, time.Minute, observability.NopLogger()),
	}

	// Interleaved gateways racing on one shared counter admit exactly
	// the budget: the increment-then-compare path has no read window
	// for two instances to both see room for the last slot.
	var allowed atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < limit+20; i++ {
		wg.Add(1)
		go func(l *FixedWindowLimiter) {
			defer wg.Done()
			result, err := l.Allow(ctx, "shared")
			if assert.NoError(t, err) && result.Allowed {
				allowed.Add(1)
			}
		}(limiters[i%2])
	}
	wg.Wait()

	assert.Equal(t, int64(limit), allowed.Load())
}

func TestFixedWindowLimiter_Cleanup(t *testing.T) {
	l := NewFixedWindowLimiter(nil, 5, 10*time.Millisecond, observability.NopLogger())
	ctx := context.Background()

	_, err := l.Allow(ctx, "old")
	require.NoError(t, err)

	time.Sleep(15 * time.Millisecond)
	l.Cleanup()

	count := 0
	l.counters.Range(func(key, value interface{}) bool {
		count++
		return true
	})
	assert.Equal(t, 0, count)
}

func TestNoopLimiter(t *testing.T) {
	l := NewNoopLimiter()
	ctx := context.Background()

	result, err := l.Allow(ctx, "anything")
	require.NoError(t, err)
	assert.True(t, result.Allowed)
	require.NoError(t, l.Reset(ctx, "anything"))
}
