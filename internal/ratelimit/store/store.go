// Package store provides counter storage backends for rate limiting.
package store

import (
	"context"
	"time"
)

// Store is a shared counter backend. Keys expire so abandoned windows
// do not accumulate.
type Store interface {
	// Get retrieves the counter value for the given key.
	Get(ctx context.Context, key string) (int64, error)

	// Set writes the counter value with an expiration.
	Set(ctx context.Context, key string, value int64, expiration time.Duration) error

	// Increment adds delta to the counter and returns the new value.
	Increment(ctx context.Context, key string, delta int64) (int64, error)

	// IncrementWithExpiry increments the counter, setting the expiration
	// when the key is created by this call.
	IncrementWithExpiry(ctx context.Context, key string, delta int64, expiration time.Duration) (int64, error)

	// Delete removes the key.
	Delete(ctx context.Context, key string) error

	// Close releases backend resources.
	Close() error
}

// ErrKeyNotFound is returned when a key does not exist in the store.
type ErrKeyNotFound struct {
	Key string
}

func (e *ErrKeyNotFound) Error() string {
	return "key not found: " + e.Key
}

// IsKeyNotFound reports whether err is an ErrKeyNotFound.
func IsKeyNotFound(err error) bool {
	_, ok := err.(*ErrKeyNotFound)
	return ok
}
