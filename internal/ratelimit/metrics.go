package ratelimit

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var decisionsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "meshgate",
		Name:      "rate_limit_decisions_total",
		Help:      "Rate limit decisions by scope and outcome",
	},
	[]string{"scope", "outcome"},
)

func recordDecision(scope, outcome string) {
	decisionsTotal.WithLabelValues(scope, outcome).Inc()
}
