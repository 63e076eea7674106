package static

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meshgate/meshgate/internal/config"
)

func TestDiscovery_ListAllServices(t *testing.T) {
	d := New([]config.StaticService{
		{
			Name: "pricing",
			Instances: []config.StaticInstance{
				{ID: "p1", Address: "10.0.0.1", Port: 8080, Tags: []string{"v1"}},
				{ID: "p2", Address: "10.0.0.2", Port: 8080},
			},
		},
		{
			Name: "orders",
			Instances: []config.StaticInstance{
				{ID: "o1", Address: "10.0.0.3", Port: 9090},
			},
		},
	})

	services, err := d.ListAllServices(context.Background())
	require.NoError(t, err)

	require.Len(t, services["pricing"], 2)
	require.Len(t, services["orders"], 1)

	p1 := services["pricing"][0]
	assert.Equal(t, "pricing", p1.ServiceName)
	assert.Equal(t, "10.0.0.1", p1.Address)
	assert.Equal(t, 8080, p1.Port)
	assert.True(t, p1.Healthy)
	assert.Equal(t, []string{"v1"}, p1.Tags)
}

func TestDiscovery_Update(t *testing.T) {
	d := New([]config.StaticService{
		{Name: "pricing", Instances: []config.StaticInstance{{ID: "p1", Address: "10.0.0.1", Port: 8080}}},
	})

	d.Update([]config.StaticService{
		{Name: "pricing", Instances: []config.StaticInstance{
			{ID: "p1", Address: "10.0.0.1", Port: 8080},
			{ID: "p2", Address: "10.0.0.2", Port: 8080},
		}},
	})

	services, err := d.ListAllServices(context.Background())
	require.NoError(t, err)
	assert.Len(t, services["pricing"], 2)
}

func TestDiscovery_RegisterDeregisterNoop(t *testing.T) {
	d := New(nil)

	assert.NoError(t, d.Register(context.Background(), nil))
	assert.NoError(t, d.Deregister(context.Background(), nil))
	assert.NoError(t, d.Close())
}
