package retry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var retriesTotal = promauto.NewCounter(
	prometheus.CounterOpts{
		Namespace: "meshgate",
		Name:      "retries_total",
		Help:      "Reattempts triggered by retryable outcomes",
	},
)

func recordRetry() {
	retriesTotal.Inc()
}
