// Package retry implements exponential backoff retry policies for
// proxied requests.
package retry

import (
	"context"
	"time"

	"github.com/meshgate/meshgate/internal/observability"
)

// Default policy values.
const (
	DefaultMaxRetries = 2
	DefaultBaseDelay  = 1 * time.Second
	DefaultMaxDelay   = 30 * time.Second
	DefaultJitter     = 0.25
)

// Policy controls how many times an operation is reattempted and how
// long to wait between attempts.
type Policy struct {
	// MaxRetries is the number of reattempts after the first try.
	MaxRetries int

	// BaseDelay is the backoff before the first retry. Subsequent
	// retries double it.
	BaseDelay time.Duration

	// MaxDelay caps the computed backoff.
	MaxDelay time.Duration

	// Jitter is the random fraction (0 to 1) added to each backoff so
	// synchronized callers spread out.
	Jitter float64

	// RetryOn decides whether an outcome is worth retrying. Empty means
	// retry on any error.
	RetryOn []Condition

	Logger observability.Logger
}

// DefaultPolicy returns a policy that retries transport failures and
// 5xx responses twice with exponential backoff.
func DefaultPolicy() *Policy {
	return &Policy{
		MaxRetries: DefaultMaxRetries,
		BaseDelay:  DefaultBaseDelay,
		MaxDelay:   DefaultMaxDelay,
		Jitter:     DefaultJitter,
		RetryOn:    []Condition{OnNetworkErrors(), On5xx()},
	}
}

// NoRetryPolicy returns a policy with zero reattempts.
func NoRetryPolicy() *Policy {
	return &Policy{}
}

// WithMaxRetries sets the reattempt count.
func (p *Policy) WithMaxRetries(n int) *Policy {
	p.MaxRetries = n
	return p
}

// WithBaseDelay sets the initial backoff.
func (p *Policy) WithBaseDelay(d time.Duration) *Policy {
	p.BaseDelay = d
	return p
}

// WithMaxDelay sets the backoff cap.
func (p *Policy) WithMaxDelay(d time.Duration) *Policy {
	p.MaxDelay = d
	return p
}

// WithJitter sets the jitter fraction.
func (p *Policy) WithJitter(j float64) *Policy {
	p.Jitter = j
	return p
}

// WithRetryOn replaces the retry conditions.
func (p *Policy) WithRetryOn(conditions ...Condition) *Policy {
	p.RetryOn = conditions
	return p
}

// WithLogger sets the logger.
func (p *Policy) WithLogger(logger observability.Logger) *Policy {
	p.Logger = logger
	return p
}

func (p *Policy) normalize() {
	if p.MaxRetries < 0 {
		p.MaxRetries = 0
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = DefaultBaseDelay
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = DefaultMaxDelay
	}
	if p.Jitter < 0 || p.Jitter > 1 {
		p.Jitter = DefaultJitter
	}
}

// ShouldRetry reports whether an outcome qualifies for another attempt.
// A zero statusCode means the request never got a response.
func (p *Policy) ShouldRetry(err error, statusCode int) bool {
	if err == nil && statusCode < 400 {
		return false
	}

	if len(p.RetryOn) == 0 {
		return err != nil
	}

	for _, condition := range p.RetryOn {
		if condition.ShouldRetry(err, statusCode) {
			return true
		}
	}
	return false
}

// Backoff returns the wait before reattempt number attempt (zero-based).
func (p *Policy) Backoff(attempt int) time.Duration {
	p.normalize()
	return exponentialBackoff(attempt, p.BaseDelay, p.MaxDelay, p.Jitter)
}

// Wait blocks for the attempt's backoff or until the context is done.
func (p *Policy) Wait(ctx context.Context, attempt int) error {
	backoff := p.Backoff(attempt)

	if p.Logger != nil {
		p.Logger.Debug("backing off before retry",
			observability.Int("attempt", attempt+1),
			observability.Duration("backoff", backoff))
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(backoff):
		return nil
	}
}

// Do runs fn up to 1+MaxRetries times. The caller's function returns
// the response status code alongside the error so HTTP outcomes can
// drive the retry decision.
func (p *Policy) Do(ctx context.Context, fn func() (int, error)) (int, error) {
	p.normalize()

	var lastErr error
	var lastStatus int

	for attempt := 0; attempt <= p.MaxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return 0, err
		}

		status, err := fn()
		if !p.ShouldRetry(err, status) {
			return status, err
		}

		lastErr = err
		lastStatus = status
		recordRetry()

		if attempt < p.MaxRetries {
			if err := p.Wait(ctx, attempt); err != nil {
				return 0, err
			}
		}
	}

	return lastStatus, lastErr
}
