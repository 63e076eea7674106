// Package dnssd implements discovery through DNS SRV lookups against a
// configured resolver (_<service>._tcp.<domain>).
package dnssd

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/miekg/dns"

	"github.com/meshgate/meshgate/internal/config"
	"github.com/meshgate/meshgate/internal/observability"
	"github.com/meshgate/meshgate/internal/registry"
)

const defaultTimeout = 5 * time.Second

// Discovery resolves service instances through SRV records. The set of
// service names to resolve comes from the route configuration, since
// DNS has no way to enumerate services.
type Discovery struct {
	resolver string
	domain   string
	services []string
	client   *dns.Client
	logger   observability.Logger
}

// New creates a DNS-SD discovery backend. services lists the service
// names to resolve each cycle.
func New(cfg *config.DNSSDConfig, services []string, logger observability.Logger) (*Discovery, error) {
	if cfg == nil || cfg.Resolver == "" || cfg.Domain == "" {
		return nil, fmt.Errorf("dnssd discovery: resolver and domain are required")
	}
	if logger == nil {
		logger = observability.NopLogger()
	}

	timeout := cfg.Timeout.Duration()
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	return &Discovery{
		resolver: cfg.Resolver,
		domain:   strings.TrimSuffix(cfg.Domain, "."),
		services: services,
		client:   &dns.Client{Timeout: timeout},
		logger:   logger,
	}, nil
}

func (d *Discovery) srvName(service string) string {
	return dns.Fqdn(fmt.Sprintf("_%s._tcp.%s", service, d.domain))
}

// ListAllServices implements registry.Discovery.
func (d *Discovery) ListAllServices(ctx context.Context) (map[string][]*registry.ServiceInstance, error) {
	out := make(map[string][]*registry.ServiceInstance, len(d.services))

	for _, service := range d.services {
		instances, err := d.resolve(ctx, service)
		if err != nil {
			d.logger.Warn("SRV lookup failed",
				observability.String("service", service),
				observability.Error(err))
			continue
		}
		out[service] = instances
	}

	return out, nil
}

func (d *Discovery) resolve(ctx context.Context, service string) ([]*registry.ServiceInstance, error) {
	m := new(dns.Msg)
	m.SetQuestion(d.srvName(service), dns.TypeSRV)

	resp, _, err := d.client.ExchangeContext(ctx, m, d.resolver)
	if err != nil {
		return nil, err
	}
	if resp.Rcode != dns.RcodeSuccess {
		return nil, fmt.Errorf("dnssd discovery: rcode %s for %s", dns.RcodeToString[resp.Rcode], service)
	}

	// A records in the additional section resolve SRV targets without a
	// second round trip.
	addrs := make(map[string]string)
	for _, rr := range resp.Extra {
		if a, ok := rr.(*dns.A); ok {
			addrs[strings.TrimSuffix(a.Hdr.Name, ".")] = a.A.String()
		}
	}

	var instances []*registry.ServiceInstance
	for _, rr := range resp.Answer {
		srv, ok := rr.(*dns.SRV)
		if !ok {
			continue
		}

		target := strings.TrimSuffix(srv.Target, ".")
		address := target
		if ip, ok := addrs[target]; ok {
			address = ip
		}

		instances = append(instances, &registry.ServiceInstance{
			ID:          fmt.Sprintf("%s:%d", target, srv.Port),
			ServiceName: service,
			Address:     address,
			Port:        int(srv.Port),
			Healthy:     true,
		})
	}

	return instances, nil
}

// Register implements registry.Discovery. DNS records are owned by the
// DNS operator, not the gateway.
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
