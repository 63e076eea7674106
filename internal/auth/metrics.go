package auth

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var verificationsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "meshgate",
		Name:      "auth_verifications_total",
		Help:      "Total number of bearer token verifications by outcome.",
	},
	[]string{"outcome"},
)

func recordVerification(outcome string) {
	verificationsTotal.WithLabelValues(outcome).Inc()
}
