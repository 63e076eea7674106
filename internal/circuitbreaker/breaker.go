package circuitbreaker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/meshgate/meshgate/internal/observability"
)

// State represents the state of a circuit breaker.
type State int

const (
	// StateClosed indicates the circuit is closed and calls pass through.
	StateClosed State = iota

	// StateOpen indicates the circuit is open and calls fail fast.
	StateOpen

	// StateHalfOpen indicates a trial call is probing downstream recovery.
	StateHalfOpen
)

// String returns the string representation of the state.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// OpenError is returned when a call is rejected because the circuit is
// open. RetryAfter reports how long until the next trial is admitted.
type OpenError struct {
	Key        string
	RetryAfter time.Duration
}

// Error implements the error interface.
func (e *OpenError) Error() string {
	return fmt.Sprintf("circuit breaker open for %s, retry after %s", e.Key, e.RetryAfter)
}

// IsOpenError reports whether err is a circuit-open rejection.
func IsOpenError(err error) bool {
	_, ok := err.(*OpenError)
	return ok
}

// Breaker is a circuit breaker for a single key. All state transitions
// for a key are serialized under its mutex; different keys never contend.
type Breaker struct {
	key    string
	config *Config
	logger observability.Logger

	mu                  sync.Mutex
	state               State
	consecutiveFailures int
	successesInHalfOpen int
	trialInFlight       bool
	lastFailureAt       time.Time
	nextRetryAt         time.Time
}

// New creates a circuit breaker for the given key.
func New(key string, config *Config, logger observability.Logger) *Breaker {
	if config == nil {
		config = DefaultConfig()
	}
	config.normalize()

	if logger == nil {
		logger = observability.NopLogger()
	}

	b := &Breaker{
		key:    key,
		config: config,
		logger: logger,
		state:  StateClosed,
	}
	recordState(key, StateClosed)
	return b
}

// Execute runs fn under breaker protection. It never retries: when the
// circuit is open it returns *OpenError without invoking fn; otherwise
// fn runs and its outcome is recorded. Errors on the expected-error
// allowlist pass through without breaker accounting.
func (b *Breaker) Execute(ctx context.Context, fn func() error) error {
	release, err := b.acquire()
	if err != nil {
		return err
	}

	callErr := fn()
	release(callErr)
	return callErr
}

// acquire admits or rejects a call and returns the completion callback.
func (b *Breaker) acquire() (func(error), error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()

	switch b.state {
	case StateClosed:
		// pass

	case StateOpen:
		if now.Before(b.nextRetryAt) {
			recordRejection(b.key)
			return nil, &OpenError{Key: b.key, RetryAfter: b.nextRetryAt.Sub(now)}
		}
		// Recovery timeout elapsed: admit this call as the trial.
		b.transitionTo(StateHalfOpen)
		b.trialInFlight = true

	case StateHalfOpen:
		if b.trialInFlight {
			recordRejection(b.key)
			return nil, &OpenError{Key: b.key, RetryAfter: 0}
		}
		b.trialInFlight = true
	}

	return b.complete, nil
}

// complete records the outcome of an admitted call.
func (b *Breaker) complete(err error) {
	if err != nil && b.config.isExpected(err) {
		// Expected errors are invisible to breaker accounting, but a
		// half-open trial slot must still be released.
		b.mu.Lock()
		b.trialInFlight = false
		b.mu.Unlock()
		return
	}

	if err != nil {
		b.recordFailure()
	} else {
		b.recordSuccess()
	}
}

// recordSuccess records a successful call.
func (b *Breaker) recordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	recordSuccess(b.key)

	switch b.state {
	case StateClosed:
		b.consecutiveFailures = 0

	case StateHalfOpen:
		b.trialInFlight = false
		b.successesInHalfOpen++
		if b.successesInHalfOpen >= b.config.HalfOpenSuccesses {
			b.transitionTo(StateClosed)
		}
	}
}

// recordFailure records a failed call.
func (b *Breaker) recordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	recordFailure(b.key)
	b.lastFailureAt = time.Now()

	switch b.state {
	case StateClosed:
		b.consecutiveFailures++
		if b.consecutiveFailures >= b.config.FailureThreshold {
			b.transitionTo(StateOpen)
		}

	case StateHalfOpen:
		// A failing trial re-opens the circuit at a constant cadence.
		b.trialInFlight = false
		b.transitionTo(StateOpen)
	}
}

// transitionTo moves the breaker to a new state. Callers hold b.mu.
func (b *Breaker) transitionTo(newState State) {
	oldState := b.state
	if oldState == newState {
		return
	}
	b.state = newState

	switch newState {
	case StateOpen:
		b.nextRetryAt = time.Now().Add(b.config.RecoveryTimeout)
		b.successesInHalfOpen = 0
	case StateHalfOpen:
		b.nextRetryAt = time.Time{}
		b.successesInHalfOpen = 0
	case StateClosed:
		b.nextRetryAt = time.Time{}
		b.consecutiveFailures = 0
		b.successesInHalfOpen = 0
	}

	recordState(b.key, newState)
	recordStateChange(b.key, oldState, newState)

	b.logger.Info("circuit breaker state changed",
		observability.String("key", b.key),
		observability.String("from", oldState.String()),
		observability.String("to", newState.String()),
	)

	if b.config.OnStateChange != nil {
		go b.config.OnStateChange(b.key, oldState, newState)
	}
}

// State returns the current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// NextRetryAt returns when the next trial call will be admitted. The
// zero time means the circuit is not open.
func (b *Breaker) NextRetryAt() time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.nextRetryAt
}

// Key returns the breaker key.
func (b *Breaker) Key() string {
	return b.key
}

// Reset forces the breaker back to the closed state.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.transitionTo(StateClosed)
	b.trialInFlight = false
}

// Stats holds a snapshot of breaker counters.
type Stats struct {
	State               State
	ConsecutiveFailures int
	SuccessesInHalfOpen int
	LastFailureAt       time.Time
	NextRetryAt         time.Time
}

// Stats returns a snapshot of the breaker's counters.
func (b *Breaker) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()

	return Stats{
		State:               b.state,
		ConsecutiveFailures: b.consecutiveFailures,
		SuccessesInHalfOpen: b.successesInHalfOpen,
		LastFailureAt:       b.lastFailureAt,
		NextRetryAt:         b.nextRetryAt,
	}
}
