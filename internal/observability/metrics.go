package observability

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Gateway-level request metrics. Per-component metrics (breaker state,
// rate-limit rejections, registry instance counts, realtime connections)
// live in their own packages.
var (
	// RequestsTotal counts inbound HTTP requests by method, service and status.
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "meshgate",
			Name:      "requests_total",
			Help:      "Total number of inbound HTTP requests",
		},
		[]string{"method", "service", "status"},
	)

	// RequestDuration observes inbound request latency in seconds.
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "meshgate",
			Name:      "request_duration_seconds",
			Help:      "Inbound HTTP request duration in seconds",
			Buckets: []float64{
				.001, .005, .01, .025, .05,
				.1, .25, .5, 1, 2.5, 5, 10,
			},
		},
		[]string{"method", "service", "status"},
	)

	// ActiveRequests tracks in-flight inbound requests.
	ActiveRequests = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "meshgate",
			Name:      "active_requests",
			Help:      "Number of in-flight inbound HTTP requests",
		},
		[]string{"service"},
	)
)

// RecordRequest records a completed inbound request.
func RecordRequest(method, service string, status int, duration time.Duration) {
	code := strconv.Itoa(status)
	RequestsTotal.WithLabelValues(method, service, code).Inc()
	RequestDuration.WithLabelValues(method, service, code).Observe(duration.Seconds())
}

// MetricsServer serves the Prometheus scrape endpoint on its own listener.
type MetricsServer struct {
	server *http.Server
	logger Logger
}

// NewMetricsServer creates a metrics server listening on the given port.
func NewMetricsServer(port int, path string, logger Logger) *MetricsServer {
	if path == "" {
		path = "/metrics"
	}
	if logger == nil {
		logger = NopLogger()
	}

	mux := http.NewServeMux()
	mux.Handle(path, promhttp.Handler())

	return &MetricsServer{
		server: &http.Server{
			Addr:         fmt.Sprintf(":%d", port),
			Handler:      mux,
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 10 * time.Second,
		},
		logger: logger,
	}
}

// Start starts serving. It blocks until the server stops.
func (s *MetricsServer) Start() error {
	s.logger.Info("metrics server listening",
		String("addr", s.server.Addr),
	)

	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("metrics server: %w", err)
	}
	return nil
}

// Stop gracefully shuts the server down.
func (s *MetricsServer) Stop(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}
