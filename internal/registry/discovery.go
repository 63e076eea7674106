package registry

import "context"

// Discovery is a pluggable source of service instances.
type Discovery interface {
	// ListAllServices returns every instance the backend knows about,
	// grouped by service name.
	ListAllServices(ctx context.Context) (map[string][]*ServiceInstance, error)

	// Register announces an instance to the backend.
	Register(ctx context.Context, instance *ServiceInstance) error

	// Deregister withdraws an instance from the backend.
	Deregister(ctx context.Context, instance *ServiceInstance) error

	// Close releases backend resources.
	Close() error
}
