// Package config provides configuration management for the gateway.
// Configuration is loaded from YAML files with environment variable
// substitution and validated before use.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Rate limit scope names, checked in this order.
const (
	ScopeGlobal  = "global"
	ScopeService = "service"
	ScopeCaller  = "caller"
)

// Channel access levels for realtime subscriptions.
const (
	ChannelPublic  = "public"
	ChannelTiered  = "tiered"
	ChannelPrivate = "private"
)

// Discovery backend types.
const (
	DiscoveryStatic = "static"
	DiscoveryEtcd   = "etcd"
	DiscoveryDNSSD  = "dnssd"
)

// GatewayConfig is the root configuration for the gateway.
type GatewayConfig struct {
	Server         ServerConfig         `yaml:"server"`
	Log            LogConfig            `yaml:"log"`
	Metrics        MetricsConfig        `yaml:"metrics"`
	Auth           AuthConfig           `yaml:"auth"`
	Registry       RegistryConfig       `yaml:"registry"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuitBreaker"`
	Retry          RetryConfig          `yaml:"retry"`
	RateLimit      RateLimitConfig      `yaml:"rateLimit"`
	Realtime       RealtimeConfig       `yaml:"realtime"`
	Services       []ServiceConfig      `yaml:"services"`
	Routes         []RouteConfig        `yaml:"routes"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port            int      `yaml:"port"`
	ReadTimeout     Duration `yaml:"readTimeout"`
	WriteTimeout    Duration `yaml:"writeTimeout"`
	IdleTimeout     Duration `yaml:"idleTimeout"`
	ShutdownTimeout Duration `yaml:"shutdownTimeout"`

	// VersionPrefix is the API version path prefix stripped before
	// route matching and before forwarding (e.g. "/api/v1").
	VersionPrefix string `yaml:"versionPrefix"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level     string `yaml:"level"`
	Format    string `yaml:"format"`
	Output    string `yaml:"output"`
	AccessLog bool   `yaml:"accessLog"`
}

// MetricsConfig holds metrics listener settings.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Port    int    `yaml:"port"`
	Path    string `yaml:"path"`
}

// AuthConfig holds bearer-token verification settings.
type AuthConfig struct {
	// Algorithm is the expected JWT signature algorithm (HS256 or RS256).
	Algorithm string `yaml:"algorithm"`

	// Secret is the shared secret for HS256.
	Secret string `yaml:"secret"`

	// PublicKeyFile is a PEM file with the RS256 public key.
	PublicKeyFile string `yaml:"publicKeyFile"`

	// TierClaim is the claim holding the subscription tier.
	TierClaim string `yaml:"tierClaim"`

	// PermissionsClaim is the claim holding granted permissions.
	PermissionsClaim string `yaml:"permissionsClaim"`
}

// RegistryConfig holds service registry and discovery settings.
type RegistryConfig struct {
	// HealthCheckInterval is the probe loop interval.
	HealthCheckInterval Duration `yaml:"healthCheckInterval"`

	// ProbeTimeout bounds a single health probe.
	ProbeTimeout Duration `yaml:"probeTimeout"`

	// ReconcileInterval is the discovery reconciliation interval.
	ReconcileInterval Duration `yaml:"reconcileInterval"`

	// EvictAfterMissed removes an instance after this many consecutive
	// failed probes during reconciliation.
	EvictAfterMissed int `yaml:"evictAfterMissed"`

	Discovery DiscoveryConfig `yaml:"discovery"`
}

// DiscoveryConfig selects and configures the discovery backend.
type DiscoveryConfig struct {
	Backend string               `yaml:"backend"`
	Etcd    *EtcdDiscoveryConfig `yaml:"etcd,omitempty"`
	DNSSD   *DNSSDConfig         `yaml:"dnssd,omitempty"`
	Static  []StaticService      `yaml:"static,omitempty"`
}

// EtcdDiscoveryConfig configures the etcd discovery backend.
type EtcdDiscoveryConfig struct {
	Endpoints   []string `yaml:"endpoints"`
	Prefix      string   `yaml:"prefix"`
	DialTimeout Duration `yaml:"dialTimeout"`
	LeaseTTL    Duration `yaml:"leaseTTL"`
	Username    string   `yaml:"username"`
	Password    string   `yaml:"password"`
}

// DNSSDConfig configures the DNS-SD discovery backend.
type DNSSDConfig struct {
	// Resolver is the DNS server address (host:port).
	Resolver string `yaml:"resolver"`

	// Domain is the base domain for SRV lookups
	// (_<service>._tcp.<domain>).
	Domain string `yaml:"domain"`

	Timeout Duration `yaml:"timeout"`
}

// StaticService declares instances for the static discovery backend.
type StaticService struct {
	Name      string           `yaml:"name"`
	Instances []StaticInstance `yaml:"instances"`
}

// StaticInstance is a statically configured service instance.
type StaticInstance struct {
	ID       string            `yaml:"id"`
	Address  string            `yaml:"address"`
	Port     int               `yaml:"port"`
	Tags     []string          `yaml:"tags"`
	Metadata map[string]string `yaml:"metadata"`
}

// CircuitBreakerConfig holds circuit breaker settings.
type CircuitBreakerConfig struct {
	// FailureThreshold is the number of consecutive failures before the
	// circuit opens.
	FailureThreshold int `yaml:"failureThreshold"`

	// RecoveryTimeout is how long the circuit stays open before a trial
	// call is admitted.
	RecoveryTimeout Duration `yaml:"recoveryTimeout"`

	// HalfOpenSuccesses is the number of trial successes required to
	// close the circuit again.
	HalfOpenSuccesses int `yaml:"halfOpenSuccesses"`
}

// RetryConfig holds proxy retry settings.
type RetryConfig struct {
	MaxRetries   int      `yaml:"maxRetries"`
	BaseDelay    Duration `yaml:"baseDelay"`
	MaxDelay     Duration `yaml:"maxDelay"`
	JitterFactor float64  `yaml:"jitterFactor"`
}

// RateLimitConfig holds the three quota scopes plus the counter store.
type RateLimitConfig struct {
	Enabled bool        `yaml:"enabled"`
	Global  LimitConfig `yaml:"global"`
	Service LimitConfig `yaml:"service"`
	Caller  LimitConfig `yaml:"caller"`
	Store   StoreConfig `yaml:"store"`
}

// LimitConfig is a fixed-window limit for one scope.
type LimitConfig struct {
	Requests int      `yaml:"requests"`
	Window   Duration `yaml:"window"`
}

// StoreConfig selects the rate-limit counter store.
type StoreConfig struct {
	// Type is "memory" or "redis".
	Type string `yaml:"type"`

	RedisAddress  string `yaml:"redisAddress"`
	RedisPassword string `yaml:"redisPassword"`
	RedisDB       int    `yaml:"redisDB"`
}

// RealtimeConfig holds fan-out gateway settings.
type RealtimeConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`

	// SendBuffer is the per-connection outbound buffer size. A full
	// buffer drops the frame rather than blocking the broadcaster.
	SendBuffer int `yaml:"sendBuffer"`

	// MaxFrameRate limits inbound control frames per second per
	// connection.
	MaxFrameRate float64 `yaml:"maxFrameRate"`

	PingInterval Duration `yaml:"pingInterval"`
	WriteTimeout Duration `yaml:"writeTimeout"`

	Channels []ChannelRule `yaml:"channels"`
}

// ChannelRule maps a channel name or prefix to its required capability.
type ChannelRule struct {
	// Name matches exactly, or as a prefix when it ends with ".".
	Name string `yaml:"name"`

	// Access is public, tiered or private.
	Access string `yaml:"access"`

	// Tier is the required subscription tier for tiered channels.
	Tier string `yaml:"tier"`

	// Permission is the required permission for private channels.
	Permission string `yaml:"permission"`
}

// ServiceConfig declares per-service settings.
type ServiceConfig struct {
	Name string `yaml:"name"`

	// HealthPath is the health endpoint probed by the registry.
	HealthPath string `yaml:"healthPath"`

	// UseGRPC switches the probe to the native gRPC health protocol.
	UseGRPC bool `yaml:"useGRPC"`

	// GRPCService is the service name passed to the gRPC health check.
	GRPCService string `yaml:"grpcService"`

	// RateLimit overrides the service-scope limit for this service.
	RateLimit *LimitConfig `yaml:"rateLimit,omitempty"`
}

// RouteConfig maps an inbound path prefix to a service.
type RouteConfig struct {
	Name    string   `yaml:"name"`
	Prefix  string   `yaml:"prefix"`
	Service string   `yaml:"service"`
	Methods []string `yaml:"methods"`

	// Idempotent declares the route safe to retry regardless of method.
	// GET, HEAD and OPTIONS are always treated as idempotent.
	Idempotent bool `yaml:"idempotent"`

	// Timeout bounds the downstream call for this route.
	Timeout Duration `yaml:"timeout"`
}

// Default configuration values.
const (
	DefaultServerPort          = 8080
	DefaultMetricsPort         = 9091
	DefaultVersionPrefix       = "/api/v1"
	DefaultHealthPath          = "/health"
	DefaultHealthCheckInterval = 30 * time.Second
	DefaultProbeTimeout        = 5 * time.Second
	DefaultReconcileInterval   = 60 * time.Second
	DefaultEvictAfterMissed    = 5
	DefaultFailureThreshold    = 5
	DefaultRecoveryTimeout     = 10 * time.Second
	DefaultHalfOpenSuccesses   = 1
	DefaultMaxRetries          = 2
	DefaultBaseDelay           = time.Second
	DefaultSendBuffer          = 64
	DefaultMaxFrameRate        = 20.0
)

// ApplyDefaults fills unset fields with defaults.
func (c *GatewayConfig) ApplyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = DefaultServerPort
	}
	if c.Server.VersionPrefix == "" {
		c.Server.VersionPrefix = DefaultVersionPrefix
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = Duration(15 * time.Second)
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}
	if c.Metrics.Port == 0 {
		c.Metrics.Port = DefaultMetricsPort
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
	if c.Registry.HealthCheckInterval == 0 {
		c.Registry.HealthCheckInterval = Duration(DefaultHealthCheckInterval)
	}
	if c.Registry.ProbeTimeout == 0 {
		c.Registry.ProbeTimeout = Duration(DefaultProbeTimeout)
	}
	if c.Registry.ReconcileInterval == 0 {
		c.Registry.ReconcileInterval = Duration(DefaultReconcileInterval)
	}
	if c.Registry.EvictAfterMissed == 0 {
		c.Registry.EvictAfterMissed = DefaultEvictAfterMissed
	}
	if c.Registry.Discovery.Backend == "" {
		c.Registry.Discovery.Backend = DiscoveryStatic
	}
	if c.CircuitBreaker.FailureThreshold == 0 {
		c.CircuitBreaker.FailureThreshold = DefaultFailureThreshold
	}
	if c.CircuitBreaker.RecoveryTimeout == 0 {
		c.CircuitBreaker.RecoveryTimeout = Duration(DefaultRecoveryTimeout)
	}
	if c.CircuitBreaker.HalfOpenSuccesses == 0 {
		c.CircuitBreaker.HalfOpenSuccesses = DefaultHalfOpenSuccesses
	}
	if c.Retry.MaxRetries == 0 {
		c.Retry.MaxRetries = DefaultMaxRetries
	}
	if c.Retry.BaseDelay == 0 {
		c.Retry.BaseDelay = Duration(DefaultBaseDelay)
	}
	if c.RateLimit.Store.Type == "" {
		c.RateLimit.Store.Type = "memory"
	}
	if c.Realtime.Path == "" {
		c.Realtime.Path = "/ws"
	}
	if c.Realtime.SendBuffer == 0 {
		c.Realtime.SendBuffer = DefaultSendBuffer
	}
	if c.Realtime.MaxFrameRate == 0 {
		c.Realtime.MaxFrameRate = DefaultMaxFrameRate
	}
	if c.Realtime.PingInterval == 0 {
		c.Realtime.PingInterval = Duration(30 * time.Second)
	}
	if c.Realtime.WriteTimeout == 0 {
		c.Realtime.WriteTimeout = Duration(10 * time.Second)
	}
	for i := range c.Services {
		if c.Services[i].HealthPath == "" {
			c.Services[i].HealthPath = DefaultHealthPath
		}
	}
}

// Validate checks the configuration for errors.
func (c *GatewayConfig) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port out of range: %d", c.Server.Port)
	}

	switch c.Registry.Discovery.Backend {
	case DiscoveryStatic:
	case DiscoveryEtcd:
		if c.Registry.Discovery.Etcd == nil || len(c.Registry.Discovery.Etcd.Endpoints) == 0 {
			return fmt.Errorf("etcd discovery requires at least one endpoint")
		}
	case DiscoveryDNSSD:
		if c.Registry.Discovery.DNSSD == nil || c.Registry.Discovery.DNSSD.Domain == "" {
			return fmt.Errorf("dnssd discovery requires a domain")
		}
	default:
		return fmt.Errorf("unknown discovery backend: %s", c.Registry.Discovery.Backend)
	}

	services := make(map[string]bool, len(c.Services))
	for _, svc := range c.Services {
		if svc.Name == "" {
			return fmt.Errorf("service with empty name")
		}
		if services[svc.Name] {
			return fmt.Errorf("duplicate service: %s", svc.Name)
		}
		services[svc.Name] = true
	}

	for _, route := range c.Routes {
		if route.Prefix == "" || !strings.HasPrefix(route.Prefix, "/") {
			return fmt.Errorf("route %s: prefix must start with /", route.Name)
		}
		if route.Service == "" {
			return fmt.Errorf("route %s: service is required", route.Name)
		}
	}

	if c.RateLimit.Enabled {
		for _, l := range []struct {
			name  string
			limit LimitConfig
		}{
			{ScopeGlobal, c.RateLimit.Global},
			{ScopeService, c.RateLimit.Service},
			{ScopeCaller, c.RateLimit.Caller},
		} {
			if l.limit.Requests <= 0 || l.limit.Window <= 0 {
				return fmt.Errorf("rateLimit.%s: requests and window must be positive", l.name)
			}
		}
		if c.RateLimit.Store.Type != "memory" && c.RateLimit.Store.Type != "redis" {
			return fmt.Errorf("unknown rate limit store: %s", c.RateLimit.Store.Type)
		}
		if c.RateLimit.Store.Type == "redis" && c.RateLimit.Store.RedisAddress == "" {
			return fmt.Errorf("redis rate limit store requires an address")
		}
	}

	for _, ch := range c.Realtime.Channels {
		switch ch.Access {
		case ChannelPublic:
		case ChannelTiered:
			if ch.Tier == "" {
				return fmt.Errorf("channel %s: tiered access requires a tier", ch.Name)
			}
		case ChannelPrivate:
			if ch.Permission == "" {
				return fmt.Errorf("channel %s: private access requires a permission", ch.Name)
			}
		default:
			return fmt.Errorf("channel %s: unknown access level %q", ch.Name, ch.Access)
		}
	}

	return nil
}
