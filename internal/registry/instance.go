// Package registry maintains the catalog of upstream service instances,
// their health, and the discovery backends that feed it.
package registry

import (
	"net"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// ServiceInstance is one addressable replica of an upstream service.
type ServiceInstance struct {
	ID              string            `json:"id"`
	ServiceName     string            `json:"serviceName"`
	Address         string            `json:"address"`
	Port            int               `json:"port"`
	Tags            []string          `json:"tags,omitempty"`
	Healthy         bool              `json:"healthy"`
	LastHealthCheck time.Time         `json:"lastHealthCheck"`
	Metadata        map[string]string `json:"metadata,omitempty"`
}

// Addr returns the host:port dial address.
func (i *ServiceInstance) Addr() string {
	return net.JoinHostPort(i.Address, strconv.Itoa(i.Port))
}

// URL returns the plain HTTP base URL of the instance.
func (i *ServiceInstance) URL() string {
	return "http://" + i.Addr()
}

// Key identifies the instance within its service.
func (i *ServiceInstance) Key() string {
	if i.ID != "" {
		return i.ID
	}
	return i.Addr()
}

// clone returns a copy so registry snapshots never alias caller memory.
func (i *ServiceInstance) clone() *ServiceInstance {
	dup := *i
	if i.Tags != nil {
		dup.Tags = append([]string(nil), i.Tags...)
	}
	if i.Metadata != nil {
		dup.Metadata = make(map[string]string, len(i.Metadata))
		for k, v := range i.Metadata {
			dup.Metadata[k] = v
		}
	}
	return &dup
}

func newInstanceID() string {
	return uuid.NewString()
}
