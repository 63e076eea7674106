// Package ratelimit implements fixed window rate limiting with a
// configurable scope chain and pluggable counter storage.
package ratelimit

import (
	"context"
	"time"
)

// Limiter decides whether a request identified by key may proceed.
type Limiter interface {
	// Allow checks if a single request is allowed for the given key.
	Allow(ctx context.Context, key string) (*Result, error)

	// AllowN checks if n requests are allowed for the given key.
	AllowN(ctx context.Context, key string, n int) (*Result, error)

	// Limit returns the configured limit.
	Limit() Limit

	// Reset clears the counter state for the given key.
	Reset(ctx context.Context, key string) error
}

// Limit is a request budget over a fixed time window.
type Limit struct {
	// Requests is the maximum number of requests allowed in the window.
	Requests int

	// Window is the length of the fixed window.
	Window time.Duration
}

// Result is the outcome of a rate limit check.
type Result struct {
	// Allowed indicates whether the request may proceed.
	Allowed bool

	// Limit is the maximum number of requests allowed in the window.
	Limit int

	// Remaining is the number of requests left in the current window.
	Remaining int

	// ResetAfter is the time until the current window ends.
	ResetAfter time.Duration

	// RetryAfter is how long to wait before retrying. Zero when allowed.
	RetryAfter time.Duration
}

// NoopLimiter always allows. Used when a scope has no limit configured.
type NoopLimiter struct{}

// NewNoopLimiter creates a limiter that never rejects.
func NewNoopLimiter() *NoopLimiter {
	return &NoopLimiter{}
}

// Allow implements Limiter.
func (l *NoopLimiter) Allow(ctx context.Context, key string) (*Result, error) {
	return &Result{Allowed: true}, nil
}

// AllowN implements Limiter.
func (l *NoopLimiter) AllowN(ctx context.Context, key string, n int) (*Result, error) {
	return &Result{Allowed: true}, nil
}

// Limit implements Limiter.
func (l *NoopLimiter) Limit() Limit {
	return Limit{}
}

// Reset implements Limiter.
func (l *NoopLimiter) Reset(ctx context.Context, key string) error {
	return nil
}
