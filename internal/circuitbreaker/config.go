// Package circuitbreaker implements per-key failure isolation for
// downstream calls. Each breaker tracks consecutive failures and fails
// fast while the downstream is considered broken.
package circuitbreaker

import (
	"errors"
	"time"
)

// Config holds configuration for a circuit breaker.
type Config struct {
	// FailureThreshold is the number of consecutive failures in the
	// closed state before the circuit opens.
	FailureThreshold int

	// RecoveryTimeout is how long the circuit stays open before a
	// trial call is admitted.
	RecoveryTimeout time.Duration

	// HalfOpenSuccesses is the number of trial successes required to
	// close the circuit from half-open.
	HalfOpenSuccesses int

	// IsExpected reports whether an error is expected and must not be
	// counted toward the failure threshold (e.g. caller cancellation).
	IsExpected func(err error) bool

	// ExpectedErrors are additional errors treated as expected via
	// errors.Is matching.
	ExpectedErrors []error

	// OnStateChange is called after every state transition.
	OnStateChange func(key string, from, to State)
}

// Default configuration values.
const (
	DefaultFailureThreshold  = 5
	DefaultRecoveryTimeout   = 10 * time.Second
	DefaultHalfOpenSuccesses = 1
)

// DefaultConfig returns a Config with default values.
func DefaultConfig() *Config {
	return &Config{
		FailureThreshold:  DefaultFailureThreshold,
		RecoveryTimeout:   DefaultRecoveryTimeout,
		HalfOpenSuccesses: DefaultHalfOpenSuccesses,
	}
}

// normalize fills invalid fields with defaults.
func (c *Config) normalize() {
	if c.FailureThreshold < 1 {
		c.FailureThreshold = DefaultFailureThreshold
	}
	if c.RecoveryTimeout < time.Millisecond {
		c.RecoveryTimeout = DefaultRecoveryTimeout
	}
	if c.HalfOpenSuccesses < 1 {
		c.HalfOpenSuccesses = DefaultHalfOpenSuccesses
	}
}

// WithFailureThreshold sets the failure threshold.
func (c *Config) WithFailureThreshold(n int) *Config {
	c.FailureThreshold = n
	return c
}

// WithRecoveryTimeout sets the recovery timeout.
func (c *Config) WithRecoveryTimeout(d time.Duration) *Config {
	c.RecoveryTimeout = d
	return c
}

// WithHalfOpenSuccesses sets the required trial successes.
func (c *Config) WithHalfOpenSuccesses(n int) *Config {
	c.HalfOpenSuccesses = n
	return c
}

// WithIsExpected sets the expected-error predicate.
func (c *Config) WithIsExpected(fn func(err error) bool) *Config {
	c.IsExpected = fn
	return c
}

// WithExpectedErrors sets the expected-error allowlist.
func (c *Config) WithExpectedErrors(errs ...error) *Config {
	c.ExpectedErrors = errs
	return c
}

// WithOnStateChange sets the state change callback.
func (c *Config) WithOnStateChange(fn func(key string, from, to State)) *Config {
	c.OnStateChange = fn
	return c
}

// isExpected reports whether err is on the expected-error allowlist.
func (c *Config) isExpected(err error) bool {
	if err == nil {
		return false
	}
	if c.IsExpected != nil && c.IsExpected(err) {
		return true
	}
	for _, target := range c.ExpectedErrors {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
