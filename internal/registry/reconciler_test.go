package registry

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

// fakeDiscovery is an in-memory Discovery for reconciler tests.
type fakeDiscovery struct {
	mu       sync.Mutex
	services map[string][]*ServiceInstance
	err      error
}

func newFakeDiscovery() *fakeDiscovery {
	return &fakeDiscovery{services: make(map[string][]*ServiceInstance)}
}

func (f *fakeDiscovery) set(service string, instances ...*ServiceInstance) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.services[service] = instances
}

func (f *fakeDiscovery) ListAllServices(ctx context.Context) (map[string][]*ServiceInstance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	out := make(map[string][]*ServiceInstance, len(f.services))
	for name, instances := range f.services {
		out[name] = instances
	}
	return out, nil
}

func (f *fakeDiscovery) Register(ctx context.Context, instance *ServiceInstance) error   { return nil }
func (f *fakeDiscovery) Deregister(ctx context.Context, instance *ServiceInstance) error { return nil }
func (f *fakeDiscovery) Close() error                                                    { return nil }

func TestReconciler_AddsDiscoveredInstances(t *testing.T) {
	r := New(observability.NopLogger())
	disc := newFakeDiscovery()
	disc.set("pricing",
		testInstance("pricing", "p1", "10.0.0.1", 8080),
		testInstance("pricing", "p2", "10.0.0.2", 8080))

	rec := NewReconciler(r, disc, nil)
	rec.Reconcile(context.Background())

	assert.Len(t, r.List("pricing"), 2)
}

func TestReconciler_RemovesWithdrawnInstances(t *testing.T) {
	r := New(observability.NopLogger())
	disc := newFakeDiscovery()
	disc.set("pricing",
		testInstance("pricing", "p1", "10.0.0.1", 8080),
		testInstance("pricing", "p2", "10.0.0.2", 8080))

	rec := NewReconciler(r, disc, nil)
	rec.Reconcile(context.Background())
	require.Len(t, r.List("pricing"), 2)

	// Backend drops p2.
	disc.set("pricing", testInstance("pricing", "p1", "10.0.0.1", 8080))
	rec.Reconcile(context.Background())

	instances := r.List("pricing")
	require.Len(t, instances, 1)
	assert.Equal(t, "p1", instances[0].ID)
}

func TestReconciler_EvictsUnresponsiveInstances(t *testing.T) {
	r := New(observability.NopLogger())
	disc := newFakeDiscovery()
	disc.set("pricing", testInstance("pricing", "p1", "127.0.0.1", 1))

	prober := NewProber(r, nil, WithProbeTimeout(100*time.Millisecond))
	rec := NewReconciler(r, disc, prober, WithEvictAfterMissed(2))

	ctx := context.Background()
	rec.Reconcile(ctx)
	require.Len(t, r.List("pricing"), 1)

	// Two failed probe cycles hit the eviction threshold; the instance
	// goes even though the backend still lists it.
	prober.CheckAll(ctx)
	prober.CheckAll(ctx)
	instance := r.List("pricing")[0]
	require.GreaterOrEqual(t, prober.MissCount("pricing", instance), 2)

	rec.Reconcile(ctx)
	assert.Empty(t, r.List("pricing"))

	// Probe bookkeeping was cleared with the instance.
	assert.Equal(t, 0, prober.MissCount("pricing", instance))
}

func TestReconciler_KeepsCatalogOnDiscoveryError(t *testing.T) {
	r := New(observability.NopLogger())
	require.NoError(t, r.Register(testInstance("pricing", "p1", "10.0.0.1", 8080)))

	disc := newFakeDiscovery()
	disc.err = errors.New("backend down")

	rec := NewReconciler(r, disc, nil)
	rec.Reconcile(context.Background())

	assert.Len(t, r.List("pricing"), 1)
}

func TestReconciler_StartStop(t *testing.T) {
	r := New(observability.NopLogger())
	disc := newFakeDiscovery()
	disc.set("pricing", testInstance("pricing", "p1", "10.0.0.1", 8080))

	rec := NewReconciler(r, disc, nil, WithReconcileInterval(10*time.Millisecond))
	rec.Start(context.Background())

	assert.Eventually(t, func() bool {
		return len(r.List("pricing")) == 1
	}, time.Second, 5*time.Millisecond)

	rec.Stop()
	rec.Stop()
}
