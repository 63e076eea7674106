// Package main is the entry point for the meshgate API gateway core.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/meshgate/meshgate/internal/auth"
	"github.com/meshgate/meshgate/internal/circuitbreaker"
	"github.com/meshgate/meshgate/internal/config"
	"github.com/meshgate/meshgate/internal/gateway"
	"github.com/meshgate/meshgate/internal/observability"
	"github.com/meshgate/meshgate/internal/proxy"
	"github.com/meshgate/meshgate/internal/ratelimit"
	"github.com/meshgate/meshgate/internal/ratelimit/store"
	"github.com/meshgate/meshgate/internal/realtime"
	"github.com/meshgate/meshgate/internal/registry"
	"github.com/meshgate/meshgate/internal/registry/discovery/dnssd"
	"github.com/meshgate/meshgate/internal/registry/discovery/etcd"
	"github.com/meshgate/meshgate/internal/registry/discovery/static"
	"github.com/meshgate/meshgate/internal/retry"
)

// Version information (set at build time).
var (
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

// cliFlags holds command line flags.
type cliFlags struct {
	configPath  string
	logLevel    string
	logFormat   string
	showVersion bool
}

func main() {
	flags := parseFlags()

	if flags.showVersion {
		printVersion()
		return
	}

	logger := initLogger(flags)
	defer func() { _ = logger.Sync() }()

	cfg := loadAndValidateConfig(flags.configPath, logger)
	app := initApplication(cfg, logger)

	run(app, flags.configPath, logger)
}

// parseFlags parses command line flags.
func parseFlags() cliFlags {
	configPath := flag.String("config", getEnvOrDefault("MESHGATE_CONFIG_PATH", "configs/meshgate.yaml"),
		"Path to configuration file")
	logLevel := flag.String("log-level", getEnvOrDefault("MESHGATE_LOG_LEVEL", "info"),
		"Log level (debug, info, warn, error)")
	logFormat := flag.String("log-format", getEnvOrDefault("MESHGATE_LOG_FORMAT", "json"),
		"Log format (json, console)")
	showVersion := flag.Bool("version", false, "Show version information")
	flag.Parse()

	return cliFlags{
		configPath:  *configPath,
		logLevel:    *logLevel,
		logFormat:   *logFormat,
		showVersion: *showVersion,
	}
}

// printVersion prints version information and exits.
func printVersion() {
	fmt.Printf("meshgate version %s\n", version)
	fmt.Printf("  Build time: %s\n", buildTime)
	fmt.Printf("  Git commit: %s\n", gitCommit)
}

// initLogger initializes the logger.
func initLogger(flags cliFlags) observability.Logger {
	logger, err := observability.NewLogger(observability.LogConfig{
		Level:  flags.logLevel,
		Format: flags.logFormat,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}

	observability.SetGlobalLogger(logger)
	return logger
}

// loadAndValidateConfig loads and validates the configuration.
func loadAndValidateConfig(configPath string, logger observability.Logger) *config.GatewayConfig {
	logger.Info("starting meshgate",
		observability.String("version", version),
		observability.String("config", configPath),
	)

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		logger.Fatal("failed to load configuration", observability.Error(err))
	}

	if err := cfg.Validate(); err != nil {
		logger.Fatal("invalid configuration", observability.Error(err))
	}

	logger.Info("configuration loaded",
		observability.Int("services", len(cfg.Services)),
		observability.Int("routes", len(cfg.Routes)),
		observability.String("discovery", cfg.Registry.Discovery.Backend),
	)

	return cfg
}

// application holds all wired components.
type application struct {
	config     *config.GatewayConfig
	registry   *registry.Registry
	discovery  registry.Discovery
	staticDisc *static.Discovery
	prober     *registry.Prober
	reconciler *registry.Reconciler
	gateway    *gateway.Gateway
	router     *gateway.Router
	server     *gateway.Server
	store      store.Store
	hub        *realtime.Hub
}

// initApplication initializes all components in dependency order.
func initApplication(cfg *config.GatewayConfig, logger observability.Logger) *application {
	app := &application{config: cfg}

	app.registry = registry.New(logger)
	app.discovery = buildDiscovery(cfg, logger)
	if sd, ok := app.discovery.(*static.Discovery); ok {
		app.staticDisc = sd
	}

	var proberOpts []registry.ProberOption
	proberOpts = append(proberOpts,
		registry.WithProbeInterval(cfg.Registry.HealthCheckInterval.Duration()),
		registry.WithProbeTimeout(cfg.Registry.ProbeTimeout.Duration()),
		registry.WithProberLogger(logger),
	)

	var verifier *auth.Verifier
	if cfg.Auth.Algorithm != "" {
		v, err := auth.NewVerifier(&cfg.Auth, logger)
		if err != nil {
			logger.Fatal("failed to initialize token verifier", observability.Error(err))
		}
		verifier = v
	}

	var realtimeHandler http.Handler
	if cfg.Realtime.Enabled {
		app.hub = realtime.NewHub(realtime.NewChannelTable(cfg.Realtime.Channels), logger)
		realtimeHandler = realtime.NewHandler(app.hub, verifier, cfg.Realtime, logger)
		notifier := realtime.NewHealthNotifier(app.hub)
		proberOpts = append(proberOpts, registry.WithStatusChangeCallback(notifier.Notify))
	}

	app.prober = registry.NewProber(app.registry, probeTargets(cfg.Services), proberOpts...)
	app.reconciler = registry.NewReconciler(app.registry, app.discovery, app.prober,
		registry.WithReconcileInterval(cfg.Registry.ReconcileInterval.Duration()),
		registry.WithEvictAfterMissed(cfg.Registry.EvictAfterMissed),
		registry.WithReconcilerLogger(logger),
	)

	breakers := circuitbreaker.NewRegistry(
		circuitbreaker.DefaultConfig().
			WithFailureThreshold(cfg.CircuitBreaker.FailureThreshold).
			WithRecoveryTimeout(cfg.CircuitBreaker.RecoveryTimeout.Duration()).
			WithHalfOpenSuccesses(cfg.CircuitBreaker.HalfOpenSuccesses).
			WithExpectedErrors(context.Canceled),
		logger,
	)

	retryPolicy := retry.DefaultPolicy().
		WithMaxRetries(cfg.Retry.MaxRetries).
		WithBaseDelay(cfg.Retry.BaseDelay.Duration()).
		WithMaxDelay(cfg.Retry.MaxDelay.Duration()).
		WithJitter(cfg.Retry.JitterFactor).
		WithRetryOn(retry.OnAny(retry.OnNetworkErrors(), retry.On5xx())).
		WithLogger(logger)

	p := proxy.New(app.registry, breakers,
		proxy.WithLogger(logger),
		proxy.WithRetryPolicy(retryPolicy),
		proxy.WithVersionPrefix(cfg.Server.VersionPrefix),
	)

	app.router = gateway.NewRouter(cfg.Routes, cfg.Server.VersionPrefix)

	gatewayOpts := []gateway.Option{
		gateway.WithLogger(logger),
		gateway.WithAccessLog(cfg.Log.AccessLog),
	}
	if verifier != nil {
		gatewayOpts = append(gatewayOpts, gateway.WithVerifier(verifier))
	}
	if cfg.RateLimit.Enabled {
		app.store = buildStore(cfg.RateLimit.Store, logger)
		gatewayOpts = append(gatewayOpts,
			gateway.WithRateLimitChain(ratelimit.NewChain(cfg.RateLimit, cfg.Services, app.store, logger)))
	}

	app.gateway = gateway.New(app.router, p, gatewayOpts...)
	app.server = gateway.NewServer(cfg.Server, app.gateway, cfg.Realtime.Path, realtimeHandler, logger)

	return app
}

// buildDiscovery constructs the configured discovery backend.
func buildDiscovery(cfg *config.GatewayConfig, logger observability.Logger) registry.Discovery {
	disc := cfg.Registry.Discovery
	switch disc.Backend {
	case "etcd":
		d, err := etcd.New(disc.Etcd, logger)
		if err != nil {
			logger.Fatal("failed to initialize etcd discovery", observability.Error(err))
		}
		return d

	case "dnssd":
		names := make([]string, 0, len(cfg.Services))
		for _, svc := range cfg.Services {
			names = append(names, svc.Name)
		}
		d, err := dnssd.New(disc.DNSSD, names, logger)
		if err != nil {
			logger.Fatal("failed to initialize dnssd discovery", observability.Error(err))
		}
		return d

	default:
		return static.New(disc.Static)
	}
}

// buildStore constructs the rate-limit counter store. A nil store keeps
// counters local to the process.
func buildStore(cfg config.StoreConfig, logger observability.Logger) store.Store {
	switch cfg.Type {
	case "redis":
		s, err := store.NewRedisStore(cfg.RedisAddress, cfg.RedisPassword, cfg.RedisDB)
		if err != nil {
			logger.Fatal("failed to connect to redis", observability.Error(err))
		}
		return s

	case "memory":
		return store.NewMemoryStore()

	default:
		return nil
	}
}

// probeTargets maps service declarations to prober targets.
func probeTargets(services []config.ServiceConfig) map[string]registry.ProbeTarget {
	targets := make(map[string]registry.ProbeTarget, len(services))
	for _, svc := range services {
		targets[svc.Name] = registry.ProbeTarget{
			HealthPath:  svc.HealthPath,
			UseGRPC:     svc.UseGRPC,
			GRPCService: svc.GRPCService,
		}
	}
	return targets
}

// run starts background loops and serves until a shutdown signal.
func run(app *application, configPath string, logger observability.Logger) {
	ctx := context.Background()

	app.prober.Start(ctx)
	app.reconciler.Start(ctx)

	startMetricsServerIfEnabled(app.config.Metrics, logger)
	watcher := startConfigWatcher(app, configPath, logger)

	errCh := make(chan error, 1)
	go func() {
		errCh <- app.server.Start()
	}()

	waitForShutdown(app, watcher, errCh, logger)
}

// startMetricsServerIfEnabled exposes Prometheus metrics on a
// dedicated listener.
func startMetricsServerIfEnabled(cfg config.MetricsConfig, logger observability.Logger) {
	if !cfg.Enabled {
		return
	}

	path := cfg.Path
	if path == "" {
		path = "/metrics"
	}
	port := cfg.Port
	if port == 0 {
		port = config.DefaultMetricsPort
	}

	mux := http.NewServeMux()
	mux.Handle(path, promhttp.Handler())

	addr := fmt.Sprintf(":%d", port)
	logger.Info("starting metrics server",
		observability.String("address", addr),
		observability.String("path", path),
	)

	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      10 * time.Second,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics server error", observability.Error(err))
		}
	}()
}

// startConfigWatcher hot-reloads routes, limits and static instances on
// config file changes.
func startConfigWatcher(app *application, configPath string, logger observability.Logger) *config.Watcher {
	watcher, err := config.NewWatcher(configPath, func(newCfg *config.GatewayConfig) {
		logger.Info("configuration changed, reloading route and limit tables")

		app.router.Update(newCfg.Routes)

		if newCfg.RateLimit.Enabled {
			app.gateway.SetRateLimitChain(
				ratelimit.NewChain(newCfg.RateLimit, newCfg.Services, app.store, logger))
		} else {
			app.gateway.SetRateLimitChain(nil)
		}

		if app.staticDisc != nil {
			app.staticDisc.Update(newCfg.Registry.Discovery.Static)
		}
	}, config.WithWatcherLogger(logger))

	if err != nil {
		logger.Warn("failed to create config watcher", observability.Error(err))
		return nil
	}

	if err := watcher.Start(context.Background()); err != nil {
		logger.Warn("failed to start config watcher", observability.Error(err))
	}

	return watcher
}

// waitForShutdown blocks until a signal or server failure, then drains.
func waitForShutdown(app *application, watcher *config.Watcher, errCh <-chan error, logger observability.Logger) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("received shutdown signal", observability.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil {
			logger.Error("server failed", observability.Error(err))
		}
	}

	shutdownTimeout := app.config.Server.ShutdownTimeout.Duration()
	if shutdownTimeout <= 0 {
		shutdownTimeout = 30 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if watcher != nil {
		_ = watcher.Stop()
	}

	if err := app.server.Shutdown(shutdownCtx); err != nil {
		logger.Error("failed to stop server gracefully", observability.Error(err))
	}

	app.reconciler.Stop()
	app.prober.Stop()

	if err := app.discovery.Close(); err != nil {
		logger.Error("failed to close discovery backend", observability.Error(err))
	}
	if app.store != nil {
		if err := app.store.Close(); err != nil {
			logger.Error("failed to close rate limit store", observability.Error(err))
		}
	}

	logger.Info("meshgate stopped")
}

// getEnvOrDefault returns the environment variable value or a default.
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
