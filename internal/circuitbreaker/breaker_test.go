package circuitbreaker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meshgate/meshgate/internal/observability"
)

var errDownstream = errors.New("downstream failed")

func failingCall() error { return errDownstream }

func succeedingCall() error { return nil }

func testConfig() *Config {
	return DefaultConfig().
		WithFailureThreshold(3).
		WithRecoveryTimeout(20 * time.Millisecond)
}

func TestBreaker_StartsClosed(t *testing.T) {
	b := New("pricing|GET|/price", DefaultConfig(), observability.NopLogger())
	assert.Equal(t, StateClosed, b.State())
	assert.True(t, b.NextRetryAt().IsZero())
}

func TestBreaker_OpensAfterThreshold(t *testing.T) {
	ctx := context.Background()
	b := New("test-open", testConfig(), observability.NopLogger())

	for i := 0; i < 3; i++ {
		err := b.Execute(ctx, failingCall)
		assert.ErrorIs(t, err, errDownstream)
	}

	assert.Equal(t, StateOpen, b.State())
	assert.False(t, b.NextRetryAt().IsZero())

	// Subsequent calls fail fast without invoking the downstream.
	invoked := false
	err := b.Execute(ctx, func() error {
		invoked = true
		return nil
	})

	require.Error(t, err)
	assert.True(t, IsOpenError(err))
	assert.False(t, invoked)

	var openErr *OpenError
	require.ErrorAs(t, err, &openErr)
	assert.Greater(t, openErr.RetryAfter, time.Duration(0))
}

func TestBreaker_SuccessResetsConsecutiveFailures(t *testing.T) {
	ctx := context.Background()
	b := New("test-reset", testConfig(), observability.NopLogger())

	_ = b.Execute(ctx, failingCall)
	_ = b.Execute(ctx, failingCall)
	assert.Equal(t, 2, b.Stats().ConsecutiveFailures)

	require.NoError(t, b.Execute(ctx, succeedingCall))
	assert.Equal(t, 0, b.Stats().ConsecutiveFailures)
	assert.Equal(t, StateClosed, b.State())
}

func TestBreaker_TrialSuccessCloses(t *testing.T) {
	ctx := context.Background()
	b := New("test-trial-success", testConfig(), observability.NopLogger())

	for i := 0; i < 3; i++ {
		_ = b.Execute(ctx, failingCall)
	}
	require.Equal(t, StateOpen, b.State())

	time.Sleep(25 * time.Millisecond)

	// First call after the recovery timeout is admitted as the trial.
	require.NoError(t, b.Execute(ctx, succeedingCall))
	assert.Equal(t, StateClosed, b.State())
	assert.Equal(t, 0, b.Stats().ConsecutiveFailures)
	assert.True(t, b.NextRetryAt().IsZero())
}

func TestBreaker_TrialFailureReopens(t *testing.T) {
	ctx := context.Background()
	b := New("test-trial-failure", testConfig(), observability.NopLogger())

	for i := 0; i < 3; i++ {
		_ = b.Execute(ctx, failingCall)
	}
	firstRetryAt := b.NextRetryAt()

	time.Sleep(25 * time.Millisecond)

	err := b.Execute(ctx, failingCall)
	assert.ErrorIs(t, err, errDownstream)
	assert.Equal(t, StateOpen, b.State())
	assert.True(t, b.NextRetryAt().After(firstRetryAt))
}

func TestBreaker_SingleTrialAdmitted(t *testing.T) {
	ctx := context.Background()
	b := New("test-single-trial", testConfig(), observability.NopLogger())

	for i := 0; i < 3; i++ {
		_ = b.Execute(ctx, failingCall)
	}
	time.Sleep(25 * time.Millisecond)

	trialStarted := make(chan struct{})
	trialRelease := make(chan struct{})

	go func() {
		_ = b.Execute(ctx, func() error {
			close(trialStarted)
			<-trialRelease
			return nil
		})
	}()

	<-trialStarted

	// While the trial is in flight every other call is rejected.
	err := b.Execute(ctx, succeedingCall)
	assert.True(t, IsOpenError(err))

	close(trialRelease)
}

func TestBreaker_ExpectedErrorsNotCounted(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig().WithExpectedErrors(context.Canceled)
	b := New("test-expected", cfg, observability.NopLogger())

	for i := 0; i < 10; i++ {
		err := b.Execute(ctx, func() error { return context.Canceled })
		assert.ErrorIs(t, err, context.Canceled)
	}

	assert.Equal(t, StateClosed, b.State())
	assert.Equal(t, 0, b.Stats().ConsecutiveFailures)
}

func TestBreaker_IsExpectedPredicate(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig().WithIsExpected(func(err error) bool {
		return errors.Is(err, context.DeadlineExceeded)
	})
	b := New("test-predicate", cfg, observability.NopLogger())

	for i := 0; i < 10; i++ {
		_ = b.Execute(ctx, func() error { return context.DeadlineExceeded })
	}
	assert.Equal(t, StateClosed, b.State())

	// Unexpected errors still count.
	for i := 0; i < 3; i++ {
		_ = b.Execute(ctx, failingCall)
	}
	assert.Equal(t, StateOpen, b.State())
}

func TestBreaker_HalfOpenSuccessThreshold(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig().WithHalfOpenSuccesses(2)
	b := New("test-threshold", cfg, observability.NopLogger())

	for i := 0; i < 3; i++ {
		_ = b.Execute(ctx, failingCall)
	}
	time.Sleep(25 * time.Millisecond)

	// One trial success is not enough to close with threshold 2.
	require.NoError(t, b.Execute(ctx, succeedingCall))
	assert.Equal(t, StateHalfOpen, b.State())

	require.NoError(t, b.Execute(ctx, succeedingCall))
	assert.Equal(t, StateClosed, b.State())
}

func TestBreaker_StateChangeCallback(t *testing.T) {
	ctx := context.Background()

	var mu sync.Mutex
	var transitions []string
	done := make(chan struct{}, 4)

	cfg := testConfig().WithOnStateChange(func(key string, from, to State) {
		mu.Lock()
		transitions = append(transitions, from.String()+"->"+to.String())
		mu.Unlock()
		done <- struct{}{}
	})

	b := New("test-callback", cfg, observability.NopLogger())
	for i := 0; i < 3; i++ {
		_ = b.Execute(ctx, failingCall)
	}

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("state change callback not invoked")
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Contains(t, transitions, "closed->open")
}

func TestBreaker_Reset(t *testing.T) {
	ctx := context.Background()
	b := New("test-manual-reset", testConfig(), observability.NopLogger())

	for i := 0; i < 3; i++ {
		_ = b.Execute(ctx, failingCall)
	}
	require.Equal(t, StateOpen, b.State())

	b.Reset()
	assert.Equal(t, StateClosed, b.State())
	require.NoError(t, b.Execute(ctx, succeedingCall))
}

func TestBreaker_ConcurrentExecute(t *testing.T) {
	ctx := context.Background()
	b := New("test-concurrent", DefaultConfig(), observability.NopLogger())

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			if n%2 == 0 {
				_ = b.Execute(ctx, succeedingCall)
			} else {
				_ = b.Execute(ctx, failingCall)
			}
		}(i)
	}
	wg.Wait()

	// No panics, and the breaker is in a valid state.
	state := b.State()
	assert.True(t, state == StateClosed || state == StateOpen || state == StateHalfOpen)
}
