package registry

import (
	"context"
	"sync"
	"time"

	"github.com/meshgate/meshgate/internal/observability"
)

// Reconciler defaults.
const (
	DefaultReconcileInterval = 60 * time.Second
	DefaultEvictAfterMissed  = 5
)

// Reconciler keeps the registry aligned with the discovery backend. It
// adds newly discovered instances, withdraws instances the backend no
// longer reports, and evicts instances that stopped answering probes.
type Reconciler struct {
	registry  *Registry
	discovery Discovery
	prober    *Prober
	logger    observability.Logger

	interval         time.Duration
	evictAfterMissed int

	mu        sync.Mutex
	running   bool
	stopCh    chan struct{}
	stoppedCh chan struct{}
}

// ReconcilerOption configures the reconciler.
type ReconcilerOption func(*Reconciler)

// WithReconcileInterval sets the loop interval.
func WithReconcileInterval(d time.Duration) ReconcilerOption {
	return func(r *Reconciler) {
		if d > 0 {
			r.interval = d
		}
	}
}

// WithEvictAfterMissed sets the consecutive missed probe count that
// evicts an instance.
func WithEvictAfterMissed(n int) ReconcilerOption {
	return func(r *Reconciler) {
		if n > 0 {
			r.evictAfterMissed = n
		}
	}
}

// WithReconcilerLogger sets the logger.
func WithReconcilerLogger(logger observability.Logger) ReconcilerOption {
	return func(r *Reconciler) {
		r.logger = logger
	}
}

// NewReconciler creates a reconciler. prober may be nil, in which case
// missed-probe eviction is skipped.
func NewReconciler(reg *Registry, disc Discovery, prober *Prober, opts ...ReconcilerOption) *Reconciler {
	r := &Reconciler{
		registry:         reg,
		discovery:        disc,
		prober:           prober,
		logger:           observability.NopLogger(),
		interval:         DefaultReconcileInterval,
		evictAfterMissed: DefaultEvictAfterMissed,
		stopCh:           make(chan struct{}),
		stoppedCh:        make(chan struct{}),
	}

	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Start launches the reconcile loop.
func (r *Reconciler) Start(ctx context.Context) {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return
	}
	r.running = true
	r.mu.Unlock()

	go r.run(ctx)
}

// Stop halts the loop and waits for it to exit.
func (r *Reconciler) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.running = false
	r.mu.Unlock()

	close(r.stopCh)
	<-r.stoppedCh
}

func (r *Reconciler) run(ctx context.Context) {
	defer close(r.stoppedCh)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.Reconcile(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stopCh:
			return
		case <-ticker.C:
			r.Reconcile(ctx)
		}
	}
}

// Reconcile performs one pass against the discovery backend.
func (r *Reconciler) Reconcile(ctx context.Context) {
	discovered, err := r.discovery.ListAllServices(ctx)
	if err != nil {
		r.logger.Warn("discovery listing failed, keeping current catalog",
			observability.Error(err))
		return
	}

	current := r.registry.Snapshot()

	// Upsert what the backend reports.
	for serviceName, instances := range discovered {
		for _, instance := range instances {
			if err := r.registry.Register(instance); err != nil {
				r.logger.Warn("discovered instance rejected",
					observability.String("service", serviceName),
					observability.Error(err))
			}
		}
	}

	// Withdraw instances the backend no longer knows, and evict
	// instances that stopped answering probes.
	for serviceName, instances := range current {
		known := make(map[string]bool)
		for _, instance := range discovered[serviceName] {
			known[instance.Key()] = true
		}

		for _, instance := range instances {
			if !known[instance.Key()] {
				r.registry.Deregister(serviceName, instance.Key())
				r.forget(serviceName, instance)
				recordEviction(serviceName, "withdrawn")
				continue
			}

			if r.prober != nil && r.prober.MissCount(serviceName, instance) >= r.evictAfterMissed {
				r.logger.Warn("evicting unresponsive instance",
					observability.String("service", serviceName),
					observability.String("instance", instance.ID),
					observability.Int("missed_probes", r.prober.MissCount(serviceName, instance)))
				r.registry.Deregister(serviceName, instance.Key())
				r.forget(serviceName, instance)
				recordEviction(serviceName, "unresponsive")
			}
		}
	}
}

func (r *Reconciler) forget(serviceName string, instance *ServiceInstance) {
	if r.prober != nil {
		r.prober.Forget(serviceName, instance)
	}
}
