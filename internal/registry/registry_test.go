package registry

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meshgate/meshgate/internal/observability"
)

func testInstance(service, id, addr string, port int) *ServiceInstance {
	return &ServiceInstance{
		ID:          id,
		ServiceName: service,
		Address:     addr,
		Port:        port,
	}
}

func TestRegistry_Register(t *testing.T) {
	r := New(observability.NopLogger())

	err := r.Register(testInstance("pricing", "p1", "10.0.0.1", 8080))
	require.NoError(t, err)

	instances := r.List("pricing")
	require.Len(t, instances, 1)
	assert.Equal(t, "p1", instances[0].ID)
	assert.True(t, instances[0].Healthy)
}

func TestRegistry_Register_Invalid(t *testing.T) {
	r := New(observability.NopLogger())

	tests := []struct {
		name     string
		instance *ServiceInstance
	}{
		{"nil", nil},
		{"no service", testInstance("", "x", "10.0.0.1", 80)},
		{"no address", testInstance("svc", "x", "", 80)},
		{"no port", testInstance("svc", "x", "10.0.0.1", 0)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := r.Register(tt.instance)
			assert.ErrorIs(t, err, ErrInvalidInstance)
		})
	}
}

func TestRegistry_Register_IdempotentUpsert(t *testing.T) {
	r := New(observability.NopLogger())

	require.NoError(t, r.Register(testInstance("pricing", "p1", "10.0.0.1", 8080)))
	require.True(t, r.SetHealth("pricing", "p1", false))

	// Re-registering keeps the probe-owned health state.
	updated := testInstance("pricing", "p1", "10.0.0.1", 8080)
	updated.Metadata = map[string]string{"version": "2"}
	require.NoError(t, r.Register(updated))

	instances := r.List("pricing")
	require.Len(t, instances, 1)
	assert.False(t, instances[0].Healthy)
	assert.Equal(t, "2", instances[0].Metadata["version"])
}

func TestRegistry_Register_AssignsID(t *testing.T) {
	r := New(observability.NopLogger())

	require.NoError(t, r.Register(testInstance("pricing", "", "10.0.0.1", 8080)))

	instances := r.List("pricing")
	require.Len(t, instances, 1)
	assert.NotEmpty(t, instances[0].ID)
}

func TestRegistry_Deregister(t *testing.T) {
	r := New(observability.NopLogger())

	require.NoError(t, r.Register(testInstance("pricing", "p1", "10.0.0.1", 8080)))
	require.NoError(t, r.Register(testInstance("pricing", "p2", "10.0.0.2", 8080)))

	r.Deregister("pricing", "p1")
	instances := r.List("pricing")
	require.Len(t, instances, 1)
	assert.Equal(t, "p2", instances[0].ID)

	// Unknown instance and unknown service are no-ops.
	r.Deregister("pricing", "p9")
	r.Deregister("nope", "p1")
	assert.Len(t, r.List("pricing"), 1)
}

func TestRegistry_ListHealthy(t *testing.T) {
	r := New(observability.NopLogger())

	require.NoError(t, r.Register(testInstance("pricing", "p1", "10.0.0.1", 8080)))
	require.NoError(t, r.Register(testInstance("pricing", "p2", "10.0.0.2", 8080)))
	r.SetHealth("pricing", "p2", false)

	healthy := r.ListHealthy("pricing")
	require.Len(t, healthy, 1)
	assert.Equal(t, "p1", healthy[0].ID)

	assert.Nil(t, r.ListHealthy("unknown"))
}

func TestRegistry_Pick_NoHealthyInstances(t *testing.T) {
	r := New(observability.NopLogger())

	_, err := r.Pick("pricing")
	assert.ErrorIs(t, err, ErrServiceUnavailable)

	require.NoError(t, r.Register(testInstance("pricing", "p1", "10.0.0.1", 8080)))
	r.SetHealth("pricing", "p1", false)

	_, err = r.Pick("pricing")
	assert.ErrorIs(t, err, ErrServiceUnavailable)
}

func TestRegistry_Pick_Distribution(t *testing.T) {
	r := New(observability.NopLogger())

	require.NoError(t, r.Register(testInstance("pricing", "p1", "10.0.0.1", 8080)))
	require.NoError(t, r.Register(testInstance("pricing", "p2", "10.0.0.2", 8080)))
	require.NoError(t, r.Register(testInstance("pricing", "p3", "10.0.0.3", 8080)))

	counts := make(map[string]int)
	for i := 0; i < 3000; i++ {
		instance, err := r.Pick("pricing")
		require.NoError(t, err)
		counts[instance.ID]++
	}

	// Uniform random over three instances: each should get a material
	// share of 3000 picks.
	for _, id := range []string{"p1", "p2", "p3"} {
		assert.Greater(t, counts[id], 500, "instance %s starved", id)
	}
}

func TestRegistry_ConcurrentPickAndRegister(t *testing.T) {
	r := New(observability.NopLogger())
	require.NoError(t, r.Register(testInstance("pricing", "p0", "10.0.0.100", 8080)))

	var wg sync.WaitGroup

	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			inst := testInstance("pricing", "", "10.0.0.1", 8000+n)
			assert.NoError(t, r.Register(inst))
		}(i)
	}

	for i := 0; i < 1000; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := r.Pick("pricing")
			assert.NoError(t, err)
		}()
	}

	wg.Wait()
	assert.Len(t, r.List("pricing"), 11)
}

func TestRegistry_SetHealth(t *testing.T) {
	r := New(observability.NopLogger())
	require.NoError(t, r.Register(testInstance("pricing", "p1", "10.0.0.1", 8080)))

	// First flip changes state, repeat does not.
	assert.True(t, r.SetHealth("pricing", "p1", false))
	assert.False(t, r.SetHealth("pricing", "p1", false))
	assert.True(t, r.SetHealth("pricing", "p1", true))

	instances := r.List("pricing")
	assert.False(t, instances[0].LastHealthCheck.IsZero())

	// Unknown targets are ignored.
	assert.False(t, r.SetHealth("unknown", "p1", true))
}

func TestRegistry_SnapshotAndServices(t *testing.T) {
	r := New(observability.NopLogger())
	require.NoError(t, r.Register(testInstance("pricing", "p1", "10.0.0.1", 8080)))
	require.NoError(t, r.Register(testInstance("orders", "o1", "10.0.0.2", 8080)))

	assert.ElementsMatch(t, []string{"pricing", "orders"}, r.Services())

	snapshot := r.Snapshot()
	assert.Len(t, snapshot["pricing"], 1)
	assert.Len(t, snapshot["orders"], 1)
}

func TestServiceInstance_Addr(t *testing.T) {
	i := testInstance("svc", "x", "10.0.0.1", 8080)
	assert.Equal(t, "10.0.0.1:8080", i.Addr())
	assert.Equal(t, "http://10.0.0.1:8080", i.URL())
	assert.Equal(t, "x", i.Key())

	anonymous := testInstance("svc", "", "10.0.0.1", 8080)
	assert.Equal(t, "10.0.0.1:8080", anonymous.Key())
}
