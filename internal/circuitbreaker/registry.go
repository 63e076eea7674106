package circuitbreaker

import (
	"sync"

	"github.com/meshgate/meshgate/internal/observability"
)

// Registry manages one breaker per key. Breakers are created lazily and
// never destroyed; the key space is bounded by the configured routes.
type Registry struct {
	breakers sync.Map
	config   *Config
	logger   observability.Logger
}

// NewRegistry creates a new circuit breaker registry.
func NewRegistry(config *Config, logger observability.Logger) *Registry {
	if config == nil {
		config = DefaultConfig()
	}
	if logger == nil {
		logger = observability.NopLogger()
	}

	return &Registry{
		config: config,
		logger: logger,
	}
}

// Get returns the breaker for a key, or nil if none exists yet.
func (r *Registry) Get(key string) *Breaker {
	value, ok := r.breakers.Load(key)
	if !ok {
		return nil
	}
	return value.(*Breaker)
}

// GetOrCreate returns the breaker for a key, creating it on first use.
func (r *Registry) GetOrCreate(key string) *Breaker {
	if value, ok := r.breakers.Load(key); ok {
		return value.(*Breaker)
	}

	b := New(key, r.config, r.logger)

	actual, loaded := r.breakers.LoadOrStore(key, b)
	if loaded {
		return actual.(*Breaker)
	}

	r.logger.Debug("created circuit breaker",
		observability.String("key", key),
	)

	return b
}

// Keys returns the keys of all breakers in the registry.
func (r *Registry) Keys() []string {
	var keys []string
	r.breakers.Range(func(key, _ interface{}) bool {
		keys = append(keys, key.(string))
		return true
	})
	return keys
}

// Stats returns a snapshot of every breaker.
func (r *Registry) Stats() map[string]Stats {
	stats := make(map[string]Stats)
	r.breakers.Range(func(key, value interface{}) bool {
		stats[key.(string)] = value.(*Breaker).Stats()
		return true
	})
	return stats
}

// ResetAll resets every breaker to the closed state.
func (r *Registry) ResetAll() {
	r.breakers.Range(func(_, value interface{}) bool {
		value.(*Breaker).Reset()
		return true
	})
	r.logger.Info("reset all circuit breakers")
}
