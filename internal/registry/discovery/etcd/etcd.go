// Package etcd implements discovery backed by etcd. Instances live as
// JSON records under a key prefix and are kept alive by leases, so a
// crashed instance disappears when its lease expires.
package etcd

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/meshgate/meshgate/internal/config"
	"github.com/meshgate/meshgate/internal/observability"
	"github.com/meshgate/meshgate/internal/registry"
)

const (
	defaultPrefix      = "/meshgate/services/"
	defaultDialTimeout = 5 * time.Second
	defaultLeaseTTL    = 30 * time.Second
	opTimeout          = 5 * time.Second
)

// Discovery is the etcd discovery backend.
type Discovery struct {
	client *clientv3.Client
	prefix string
	ttl    int64
	logger observability.Logger

	mu     sync.Mutex
	leases map[string]clientv3.LeaseID
}

// New connects to etcd and returns the discovery backend.
func New(cfg *config.EtcdDiscoveryConfig, logger observability.Logger) (*Discovery, error) {
	if cfg == nil || len(cfg.Endpoints) == 0 {
		return nil, fmt.Errorf("etcd discovery: endpoints are required")
	}
	if logger == nil {
		logger = observability.NopLogger()
	}

	dialTimeout := cfg.DialTimeout.Duration()
	if dialTimeout <= 0 {
		dialTimeout = defaultDialTimeout
	}

	client, err := clientv3.New(clientv3.Config{
		Endpoints:   cfg.Endpoints,
		DialTimeout: dialTimeout,
		Username:    cfg.Username,
		Password:    cfg.Password,
	})
	if err != nil {
		return nil, fmt.Errorf("etcd discovery: connect: %w", err)
	}

	prefix := cfg.Prefix
	if prefix == "" {
		prefix = defaultPrefix
	}
	if !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}

	ttl := cfg.LeaseTTL.Duration()
	if ttl <= 0 {
		ttl = defaultLeaseTTL
	}

	return &Discovery{
		client: client,
		prefix: prefix,
		ttl:    int64(ttl.Seconds()),
		logger: logger,
		leases: make(map[string]clientv3.LeaseID),
	}, nil
}

func (d *Discovery) key(serviceName, instanceID string) string {
	return d.prefix + serviceName + "/" + instanceID
}

// ListAllServices implements registry.Discovery.
func (d *Discovery) ListAllServices(ctx context.Context) (map[string][]*registry.ServiceInstance, error) {
	opCtx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	resp, err := d.client.Get(opCtx, d.prefix, clientv3.WithPrefix())
	if err != nil {
		return nil, fmt.Errorf("etcd discovery: list: %w", err)
	}

	out := make(map[string][]*registry.ServiceInstance)
	for _, kv := range resp.Kvs {
		var instance registry.ServiceInstance
		if err := json.Unmarshal(kv.Value, &instance); err != nil {
			d.logger.Warn("skipping malformed instance record",
				observability.String("key", string(kv.Key)),
				observability.Error(err))
			continue
		}
		out[instance.ServiceName] = append(out[instance.ServiceName], &instance)
	}
	return out, nil
}

// Register implements registry.Discovery. The record is written under a
// lease and kept alive in the background until Deregister or Close.
func (d *Discovery) Register(ctx context.Context, instance *registry.ServiceInstance) error {
	data, err := json.Marshal(instance)
	if err != nil {
		return fmt.Errorf("etcd discovery: marshal instance: %w", err)
	}

	opCtx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	lease, err := d.client.Grant(opCtx, d.ttl)
	if err != nil {
		return fmt.Errorf("etcd discovery: grant lease: %w", err)
	}

	key := d.key(instance.ServiceName, instance.Key())
	if _, err := d.client.Put(opCtx, key, string(data), clientv3.WithLease(lease.ID)); err != nil {
		return fmt.Errorf("etcd discovery: put %s: %w", key, err)
	}

	keepAlive, err := d.client.KeepAlive(context.Background(), lease.ID)
	if err != nil {
		return fmt.Errorf("etcd discovery: keepalive: %w", err)
	}
	go func() {
		for range keepAlive {
		}
	}()

	d.mu.Lock()
	d.leases[key] = lease.ID
	d.mu.Unlock()

	d.logger.Info("instance registered in etcd",
		observability.String("service", instance.ServiceName),
		observability.String("key", key))
	return nil
}

// Deregister implements registry.Discovery.
func (d *Discovery) Deregister(ctx context.Context, instance *registry.ServiceInstance) error {
	key := d.key(instance.ServiceName, instance.Key())

	opCtx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	d.mu.Lock()
	leaseID, hasLease := d.leases[key]
	delete(d.leases, key)
	d.mu.Unlock()

	if hasLease {
		if _, err := d.client.Revoke(opCtx, leaseID); err != nil {
			d.logger.Warn("lease revoke failed",
				observability.String("key", key),
				observability.Error(err))
		}
	}

	if _, err := d.client.Delete(opCtx, key); err != nil {
		return fmt.Errorf("etcd discovery: delete %s: %w", key, err)
	}
	return nil
}

// Close implements registry.Discovery.
func (d *Discovery) Close() error {
	return d.client.Close()
}
