package registry

import (
	"context"
	"net/http"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/meshgate/meshgate/internal/observability"
)

// StatusChangeFunc is called when an instance's health state flips.
type StatusChangeFunc func(serviceName, instanceID string, healthy bool)

// Prober defaults.
const (
	DefaultProbeInterval      = 30 * time.Second
	DefaultProbeTimeout       = 5 * time.Second
	DefaultHealthPath         = "/health"
	DefaultHealthyThreshold   = 2
	DefaultUnhealthyThreshold = 3
)

// ProbeTarget describes how one service is probed.
type ProbeTarget struct {
	// HealthPath is the HTTP health endpoint. Defaults to /health.
	HealthPath string

	// UseGRPC switches to the native gRPC health protocol.
	UseGRPC bool

	// GRPCService is the service name passed to the gRPC health check.
	GRPCService string
}

// Prober drives periodic health checks against every registered
// instance and flips health state in the registry once an instance
// crosses the consecutive success or failure threshold.
type Prober struct {
	registry *Registry
	targets  map[string]ProbeTarget
	client   *http.Client
	logger   observability.Logger

	interval           time.Duration
	timeout            time.Duration
	healthyThreshold   int
	unhealthyThreshold int
	onStatusChange     StatusChangeFunc

	mu              sync.Mutex
	running         bool
	healthyCounts   map[string]int
	unhealthyCounts map[string]int
	missCounts      map[string]int

	grpcMu    sync.Mutex
	grpcConns map[string]*grpc.ClientConn

	stopCh    chan struct{}
	stoppedCh chan struct{}
}

// ProberOption configures the prober.
type ProberOption func(*Prober)

// WithProbeInterval sets the loop interval.
func WithProbeInterval(d time.Duration) ProberOption {
	return func(p *Prober) {
		if d > 0 {
			p.interval = d
		}
	}
}

// WithProbeTimeout bounds a single probe.
func WithProbeTimeout(d time.Duration) ProberOption {
	return func(p *Prober) {
		if d > 0 {
			p.timeout = d
		}
	}
}

// WithProberLogger sets the logger.
func WithProberLogger(logger observability.Logger) ProberOption {
	return func(p *Prober) {
		p.logger = logger
	}
}

// WithHealthThresholds sets the consecutive success and failure counts
// required to flip an instance's state.
func WithHealthThresholds(healthy, unhealthy int) ProberOption {
	return func(p *Prober) {
		if healthy > 0 {
			p.healthyThreshold = healthy
		}
		if unhealthy > 0 {
			p.unhealthyThreshold = unhealthy
		}
	}
}

// WithStatusChangeCallback registers a health transition callback.
func WithStatusChangeCallback(fn StatusChangeFunc) ProberOption {
	return func(p *Prober) {
		p.onStatusChange = fn
	}
}

// WithProbeClient sets the HTTP client used for probes.
func WithProbeClient(client *http.Client) ProberOption {
	return func(p *Prober) {
		p.client = client
	}
}

// NewProber creates a prober. targets maps service names to their probe
// configuration; services without an entry get an HTTP GET of
// DefaultHealthPath.
func NewProber(reg *Registry, targets map[string]ProbeTarget, opts ...ProberOption) *Prober {
	p := &Prober{
		registry:           reg,
		targets:            targets,
		logger:             observability.NopLogger(),
		interval:           DefaultProbeInterval,
		timeout:            DefaultProbeTimeout,
		healthyThreshold:   DefaultHealthyThreshold,
		unhealthyThreshold: DefaultUnhealthyThreshold,
		healthyCounts:      make(map[string]int),
		unhealthyCounts:    make(map[string]int),
		missCounts:         make(map[string]int),
		grpcConns:          make(map[string]*grpc.ClientConn),
		stopCh:             make(chan struct{}),
		stoppedCh:          make(chan struct{}),
	}

	for _, opt := range opts {
		opt(p)
	}

	if p.client == nil {
		p.client = &http.Client{Timeout: p.timeout}
	}

	return p
}

// Start launches the probe loop.
func (p *Prober) Start(ctx context.Context) {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return
	}
	p.running = true
	p.mu.Unlock()

	go p.run(ctx)
}

// Stop halts the probe loop and waits for it to exit.
func (p *Prober) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	p.mu.Unlock()

	close(p.stopCh)
	<-p.stoppedCh
	p.closeAllGRPCConns()
}

// IsRunning reports whether the probe loop is active.
func (p *Prober) IsRunning() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

func (p *Prober) run(ctx context.Context) {
	defer close(p.stoppedCh)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.CheckAll(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.CheckAll(ctx)
		}
	}
}

// CheckAll probes every instance in the catalog once, in parallel.
func (p *Prober) CheckAll(ctx context.Context) {
	var wg sync.WaitGroup

	for serviceName, instances := range p.registry.Snapshot() {
		target := p.targetFor(serviceName)
		for _, instance := range instances {
			wg.Add(1)
			go func(svc string, inst *ServiceInstance) {
				defer wg.Done()
				p.probe(ctx, svc, inst, target)
			}(serviceName, instance)
		}
	}

	wg.Wait()
}

func (p *Prober) targetFor(serviceName string) ProbeTarget {
	if t, ok := p.targets[serviceName]; ok {
		if t.HealthPath == "" {
			t.HealthPath = DefaultHealthPath
		}
		return t
	}
	return ProbeTarget{HealthPath: DefaultHealthPath}
}

func (p *Prober) probe(ctx context.Context, serviceName string, instance *ServiceInstance, target ProbeTarget) {
	select {
	case <-ctx.Done():
		return
	default:
	}

	var healthy bool
	start := time.Now()
	if target.UseGRPC {
		healthy = p.probeGRPC(ctx, instance, target.GRPCService)
	} else {
		healthy = p.probeHTTP(ctx, instance, target.HealthPath)
	}
	recordProbe(serviceName, healthy, time.Since(start))

	if healthy {
		p.recordSuccess(serviceName, instance)
	} else {
		p.recordFailure(serviceName, instance)
	}
}

func (p *Prober) probeHTTP(ctx context.Context, instance *ServiceInstance, path string) bool {
	probeCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(probeCtx, http.MethodGet, instance.URL()+path, http.NoBody)
	if err != nil {
		return false
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()

	return resp.StatusCode >= http.StatusOK && resp.StatusCode < http.StatusMultipleChoices
}

func (p *Prober) probeGRPC(ctx context.Context, instance *ServiceInstance, service string) bool {
	conn, err := p.getGRPCConn(instance.Addr())
	if err != nil {
		return false
	}

	probeCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	resp, err := healthpb.NewHealthClient(conn).Check(probeCtx, &healthpb.HealthCheckRequest{
		Service: service,
	})
	if err != nil {
		p.closeGRPCConn(instance.Addr())
		return false
	}

	return resp.GetStatus() == healthpb.HealthCheckResponse_SERVING
}

func (p *Prober) getGRPCConn(addr string) (*grpc.ClientConn, error) {
	p.grpcMu.Lock()
	defer p.grpcMu.Unlock()

	if conn, ok := p.grpcConns[addr]; ok {
		state := conn.GetState()
		if state != connectivity.Shutdown && state != connectivity.TransientFailure {
			return conn, nil
		}
		_ = conn.Close()
		delete(p.grpcConns, addr)
	}

	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, err
	}

	p.grpcConns[addr] = conn
	return conn, nil
}

func (p *Prober) closeGRPCConn(addr string) {
	p.grpcMu.Lock()
	defer p.grpcMu.Unlock()

	if conn, ok := p.grpcConns[addr]; ok {
		_ = conn.Close()
		delete(p.grpcConns, addr)
	}
}

func (p *Prober) closeAllGRPCConns() {
	p.grpcMu.Lock()
	defer p.grpcMu.Unlock()

	for addr, conn := range p.grpcConns {
		_ = conn.Close()
		delete(p.grpcConns, addr)
	}
}

func instanceKey(serviceName string, instance *ServiceInstance) string {
	return serviceName + "/" + instance.Key()
}

func (p *Prober) recordSuccess(serviceName string, instance *ServiceInstance) {
	key := instanceKey(serviceName, instance)

	p.mu.Lock()
	p.healthyCounts[key]++
	p.unhealthyCounts[key] = 0
	p.missCounts[key] = 0
	flip := p.healthyCounts[key] >= p.healthyThreshold
	p.mu.Unlock()

	if flip && p.registry.SetHealth(serviceName, instance.Key(), true) {
		p.logger.Info("instance became healthy",
			observability.String("service", serviceName),
			observability.String("instance", instance.ID),
			observability.String("addr", instance.Addr()))
		if p.onStatusChange != nil {
			p.onStatusChange(serviceName, instance.Key(), true)
		}
	}
}

func (p *Prober) recordFailure(serviceName string, instance *ServiceInstance) {
	key := instanceKey(serviceName, instance)

	p.mu.Lock()
	p.unhealthyCounts[key]++
	p.missCounts[key]++
	p.healthyCounts[key] = 0
	flip := p.unhealthyCounts[key] >= p.unhealthyThreshold
	p.mu.Unlock()

	if flip && p.registry.SetHealth(serviceName, instance.Key(), false) {
		p.logger.Warn("instance became unhealthy",
			observability.String("service", serviceName),
			observability.String("instance", instance.ID),
			observability.String("addr", instance.Addr()))
		if p.onStatusChange != nil {
			p.onStatusChange(serviceName, instance.Key(), false)
		}
	}
}

// MissCount returns how many consecutive probes an instance has failed.
func (p *Prober) MissCount(serviceName string, instance *ServiceInstance) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.missCounts[instanceKey(serviceName, instance)]
}

// Forget drops probe bookkeeping for an evicted instance.
func (p *Prober) Forget(serviceName string, instance *ServiceInstance) {
	key := instanceKey(serviceName, instance)

	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.healthyCounts, key)
	delete(p.unhealthyCounts, key)
	delete(p.missCounts, key)
}
