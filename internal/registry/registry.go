package registry

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"github.com/meshgate/meshgate/internal/observability"
)

var (
	// ErrInvalidInstance is returned when an instance is missing its
	// address or port.
	ErrInvalidInstance = errors.New("registry: invalid instance")

	// ErrServiceUnavailable is returned when a service has no healthy
	// instances.
	ErrServiceUnavailable = errors.New("registry: no healthy instances")
)

// serviceEntry holds one service's instance set. Readers load the
// snapshot without locking; writers copy-on-write under the entry
// mutex.
type serviceEntry struct {
	mu       sync.Mutex
	snapshot atomic.Pointer[[]*ServiceInstance]
}

func newServiceEntry() *serviceEntry {
	e := &serviceEntry{}
	empty := make([]*ServiceInstance, 0)
	e.snapshot.Store(&empty)
	return e
}

func (e *serviceEntry) load() []*ServiceInstance {
	return *e.snapshot.Load()
}

// Registry is the instance catalog.
type Registry struct {
	mu       sync.RWMutex
	services map[string]*serviceEntry
	logger   observability.Logger
}

// New creates an empty registry.
func New(logger observability.Logger) *Registry {
	if logger == nil {
		logger = observability.NopLogger()
	}
	return &Registry{
		services: make(map[string]*serviceEntry),
		logger:   logger,
	}
}

func (r *Registry) entry(serviceName string) *serviceEntry {
	r.mu.RLock()
	e, ok := r.services[serviceName]
	r.mu.RUnlock()
	if ok {
		return e
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok = r.services[serviceName]; ok {
		return e
	}
	e = newServiceEntry()
	r.services[serviceName] = e
	return e
}

func (r *Registry) lookup(serviceName string) (*serviceEntry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.services[serviceName]
	return e, ok
}

// Register adds or updates an instance. Registration is an upsert keyed
// by instance ID (falling back to address:port): registering the same
// instance twice is a no-op apart from refreshed metadata. Instances
// start healthy until a probe says otherwise.
func (r *Registry) Register(instance *ServiceInstance) error {
	if instance == nil || instance.ServiceName == "" || instance.Address == "" || instance.Port <= 0 {
		return fmt.Errorf("%w: service, address and port are required", ErrInvalidInstance)
	}

	reg := instance.clone()
	if reg.ID == "" {
		reg.ID = newInstanceID()
	}

	e := r.entry(reg.ServiceName)
	e.mu.Lock()
	defer e.mu.Unlock()

	current := e.load()
	next := make([]*ServiceInstance, 0, len(current)+1)

	replaced := false
	for _, existing := range current {
		if existing.Key() == reg.Key() {
			// Keep probe-owned state across re-registration.
			reg.Healthy = existing.Healthy
			reg.LastHealthCheck = existing.LastHealthCheck
			next = append(next, reg)
			replaced = true
			continue
		}
		next = append(next, existing)
	}
	if !replaced {
		reg.Healthy = true
		next = append(next, reg)
		r.logger.Info("instance registered",
			observability.String("service", reg.ServiceName),
			observability.String("instance", reg.ID),
			observability.String("addr", reg.Addr()))
	}

	e.snapshot.Store(&next)
	recordInstances(reg.ServiceName, next)
	return nil
}

// Deregister removes an instance. Removing an unknown instance is a
// no-op.
func (r *Registry) Deregister(serviceName, instanceID string) {
	e, ok := r.lookup(serviceName)
	if !ok {
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	current := e.load()
	next := make([]*ServiceInstance, 0, len(current))
	for _, existing := range current {
		if existing.ID == instanceID || existing.Key() == instanceID {
			r.logger.Info("instance deregistered",
				observability.String("service", serviceName),
				observability.String("instance", existing.ID))
			continue
		}
		next = append(next, existing)
	}

	e.snapshot.Store(&next)
	recordInstances(serviceName, next)
}

// ListHealthy returns the healthy instances of a service.
func (r *Registry) ListHealthy(serviceName string) []*ServiceInstance {
	e, ok := r.lookup(serviceName)
	if !ok {
		return nil
	}

	snapshot := e.load()
	healthy := make([]*ServiceInstance, 0, len(snapshot))
	for _, instance := range snapshot {
		if instance.Healthy {
			healthy = append(healthy, instance)
		}
	}
	return healthy
}

// List returns every instance of a service regardless of health.
func (r *Registry) List(serviceName string) []*ServiceInstance {
	e, ok := r.lookup(serviceName)
	if !ok {
		return nil
	}
	return e.load()
}

// Pick selects one healthy instance uniformly at random.
func (r *Registry) Pick(serviceName string) (*ServiceInstance, error) {
	healthy := r.ListHealthy(serviceName)
	if len(healthy) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrServiceUnavailable, serviceName)
	}
	//nolint:gosec // load spreading does not need crypto randomness
	return healthy[rand.IntN(len(healthy))], nil
}

// Services returns the known service names.
func (r *Registry) Services() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.services))
	for name := range r.services {
		names = append(names, name)
	}
	return names
}

// Snapshot returns the full catalog.
func (r *Registry) Snapshot() map[string][]*ServiceInstance {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string][]*ServiceInstance, len(r.services))
	for name, e := range r.services {
		out[name] = e.load()
	}
	return out
}

// SetHealth marks an instance healthy or unhealthy and stamps the probe
// time. Unknown instances are ignored. It reports whether the health
// state changed.
func (r *Registry) SetHealth(serviceName, instanceID string, healthy bool) bool {
	e, ok := r.lookup(serviceName)
	if !ok {
		return false
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	current := e.load()
	changed := false
	next := make([]*ServiceInstance, len(current))
	for idx, existing := range current {
		if existing.ID == instanceID || existing.Key() == instanceID {
			updated := existing.clone()
			changed = updated.Healthy != healthy
			updated.Healthy = healthy
			updated.LastHealthCheck = time.Now()
			next[idx] = updated
			continue
		}
		next[idx] = existing
	}

	e.snapshot.Store(&next)
	recordInstances(serviceName, next)
	return changed
}
