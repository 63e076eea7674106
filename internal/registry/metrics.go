package registry

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	instancesGauge = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "meshgate",
			Name:      "registry_instances",
			Help:      "Registered instances by service and health",
		},
		[]string{"service", "state"},
	)

	probesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "meshgate",
			Name:      "registry_probes_total",
			Help:      "Health probes by service and outcome",
		},
		[]string{"service", "outcome"},
	)

	probeDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "meshgate",
			Name:      "registry_probe_duration_seconds",
			Help:      "Health probe latency",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 2.5, 5},
		},
		[]string{"service"},
	)

	evictionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "meshgate",
			Name:      "registry_evictions_total",
			Help:      "Instances removed during reconciliation",
		},
		[]string{"service", "reason"},
	)
)

func recordInstances(service string, instances []*ServiceInstance) {
	healthy := 0
	for _, instance := range instances {
		if instance.Healthy {
			healthy++
		}
	}
	instancesGauge.WithLabelValues(service, "healthy").Set(float64(healthy))
	instancesGauge.WithLabelValues(service, "unhealthy").Set(float64(len(instances) - healthy))
}

func recordProbe(service string, healthy bool, elapsed time.Duration) {
	outcome := "failure"
	if healthy {
		outcome = "success"
	}
	probesTotal.WithLabelValues(service, outcome).Inc()
	probeDuration.WithLabelValues(service).Observe(elapsed.Seconds())
}

func recordEviction(service, reason string) {
	evictionsTotal.WithLabelValues(service, reason).Inc()
}
