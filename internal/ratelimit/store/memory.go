package store

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// maxCASRetries bounds compare-and-swap loops under contention.
const maxCASRetries = 100

// entry is a counter value with an optional deadline.
type entry struct {
	value      int64
	expiration time.Time
}

// MemoryStore keeps counters in process memory. Suitable for a single
// gateway instance; expired entries are swept in the background.
type MemoryStore struct {
	data    sync.Map
	sweeper *time.Ticker
	done    chan struct{}
	mu      sync.Mutex
	closed  bool
}

// NewMemoryStore creates an in-memory store with a one minute sweep
// interval.
func NewMemoryStore() *MemoryStore {
	return NewMemoryStoreWithSweepInterval(time.Minute)
}

// NewMemoryStoreWithSweepInterval creates an in-memory store with a
// custom sweep interval.
func NewMemoryStoreWithSweepInterval(interval time.Duration) *MemoryStore {
	s := &MemoryStore{
		sweeper: time.NewTicker(interval),
		done:    make(chan struct{}),
	}
	go s.sweepLoop()
	return s
}

// Get implements Store.
func (s *MemoryStore) Get(ctx context.Context, key string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	value, ok := s.data.Load(key)
	if !ok {
		return 0, &ErrKeyNotFound{Key: key}
	}

	e := value.(*entry)
	if e.expired(time.Now()) {
		s.data.Delete(key)
		return 0, &ErrKeyNotFound{Key: key}
	}

	return e.value, nil
}

// Set implements Store.
func (s *MemoryStore) Set(ctx context.Context, key string, value int64, expiration time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	var deadline time.Time
	if expiration > 0 {
		deadline = time.Now().Add(expiration)
	}

	s.data.Store(key, &entry{value: value, expiration: deadline})
	return nil
}

// Increment implements Store.
func (s *MemoryStore) Increment(ctx context.Context, key string, delta int64) (int64, error) {
	return s.IncrementWithExpiry(ctx, key, delta, 0)
}

// IncrementWithExpiry implements Store. Entries are immutable; updates
// replace them via CompareAndSwap so concurrent increments never lose
// counts.
func (s *MemoryStore) IncrementWithExpiry(ctx context.Context, key string, delta int64, expiration time.Duration) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	var deadline time.Time
	if expiration > 0 {
		deadline = time.Now().Add(expiration)
	}

	for retries := 0; retries < maxCASRetries; retries++ {
		value, ok := s.data.Load(key)
		if !ok {
			fresh := &entry{value: delta, expiration: deadline}
			if actual, loaded := s.data.LoadOrStore(key, fresh); loaded {
				value = actual
			} else {
				return delta, nil
			}
		}

		e := value.(*entry)

		if e.expired(time.Now()) {
			fresh := &entry{value: delta, expiration: deadline}
			if s.data.CompareAndSwap(key, e, fresh) {
				return delta, nil
			}
			continue
		}

		next := &entry{value: e.value + delta, expiration: e.expiration}
		if s.data.CompareAndSwap(key, e, next) {
			return next.value, nil
		}
	}

	return 0, fmt.Errorf("increment failed after %d retries", maxCASRetries)
}

// Delete implements Store.
func (s *MemoryStore) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.data.Delete(key)
	return nil
}

// Close implements Store. Safe to call more than once.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	s.sweeper.Stop()
	close(s.done)
	return nil
}

// Size returns the number of live entries.
func (s *MemoryStore) Size() int {
	count := 0
	s.data.Range(func(key, value interface{}) bool {
		count++
		return true
	})
	return count
}

func (e *entry) expired(now time.Time) bool {
	return !e.expiration.IsZero() && now.After(e.expiration)
}

func (s *MemoryStore) sweepLoop() {
	for {
		select {
		case <-s.sweeper.C:
			now := time.Now()
			s.data.Range(func(key, value interface{}) bool {
				if value.(*entry).expired(now) {
					s.data.Delete(key)
				}
				return true
			})
		case <-s.done:
			return
		}
	}
}
