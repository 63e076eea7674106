// Package static serves discovery from the gateway's own configuration
// file.
package static

import (
	"context"
	"sync"

	"github.com/meshgate/meshgate/internal/config"
	"github.com/meshgate/meshgate/internal/registry"
)

// Discovery holds a fixed instance set loaded from configuration. Update
// swaps the set on config reload.
type Discovery struct {
	mu       sync.RWMutex
	services map[string][]*registry.ServiceInstance
}

// New creates a static discovery backend from config.
func New(services []config.StaticService) *Discovery {
	d := &Discovery{}
	d.Update(services)
	return d
}

// Update replaces the instance set, used on config hot reload.
func (d *Discovery) Update(services []config.StaticService) {
	next := make(map[string][]*registry.ServiceInstance, len(services))
	for _, svc := range services {
		instances := make([]*registry.ServiceInstance, 0, len(svc.Instances))
		for _, inst := range svc.Instances {
			instances = append(instances, &registry.ServiceInstance{
				ID:          inst.ID,
				ServiceName: svc.Name,
				Address:     inst.Address,
				Port:        inst.Port,
				Tags:        inst.Tags,
				Metadata:    inst.Metadata,
				Healthy:     true,
			})
		}
		next[svc.Name] = instances
	}

	d.mu.Lock()
	d.services = next
	d.mu.Unlock()
}

// ListAllServices implements registry.Discovery.
func (d *Discovery) ListAllServices(ctx context.Context) (map[string][]*registry.ServiceInstance, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	out := make(map[string][]*registry.ServiceInstance, len(d.services))
	for name, instances := range d.services {
		out[name] = instances
	}
	return out, nil
}

// Register implements registry.Discovery. The static backend is
// config-owned, so runtime registrations are not persisted.
func (d *Discovery) Register(ctx context.Context, instance *registry.ServiceInstance) error {
	return nil
}

// Deregister implements registry.Discovery.
func (d *Discovery) Deregister(ctx context.Context, instance *registry.ServiceInstance) error {
	return nil
}

// Close implements registry.Discovery.
func (d *Discovery) Close() error {
	return nil
}
