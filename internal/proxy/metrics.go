package proxy

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	requestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "meshgate",
			Name:      "proxy_requests_total",
			Help:      "Total number of proxied requests by service and response status.",
		},
		[]string{"service", "status"},
	)

	requestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "meshgate",
			Name:      "proxy_request_duration_seconds",
			Help:      "End-to-end proxy request duration including retries.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"service"},
	)

	gatewayErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "meshgate",
			Name:      "proxy_gateway_errors_total",
			Help:      "Total number of gateway-generated error responses by code.",
		},
		[]string{"service", "code"},
	)
)

func recordRequest(service string, status int, elapsed time.Duration) {
	requestsTotal.WithLabelValues(service, strconv.Itoa(status)).Inc()
	requestDuration.WithLabelValues(service).Observe(elapsed.Seconds())
}

func recordGatewayError(service, code string) {
	gatewayErrorsTotal.WithLabelValues(service, code).Inc()
}
