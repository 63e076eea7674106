package circuitbreaker

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// breakerState shows the current state per breaker key.
	breakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "meshgate",
			Name:      "circuit_breaker_state",
			Help:      "Current circuit breaker state (0=closed, 1=open, 2=half-open)",
		},
		[]string{"key"},
	)

	// breakerFailuresTotal counts failures recorded per breaker key.
	breakerFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "meshgate",
			Name:      "circuit_breaker_failures_total",
			Help:      "Total failures recorded by circuit breakers",
		},
		[]string{"key"},
	)

	// breakerSuccessesTotal counts successes recorded per breaker key.
	breakerSuccessesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "meshgate",
			Name:      "circuit_breaker_successes_total",
			Help:      "Total successes recorded by circuit breakers",
		},
		[]string{"key"},
	)

	// breakerRejectedTotal counts fast-failed calls per breaker key.
	breakerRejectedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "meshgate",
			Name:      "circuit_breaker_rejected_total",
			Help:      "Total calls rejected while the circuit was open",
		},
		[]string{"key"},
	)

	// breakerTransitionsTotal counts state transitions.
	breakerTransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "meshgate",
			Name:      "circuit_breaker_transitions_total",
			Help:      "Total circuit breaker state transitions",
		},
		[]string{"key", "from", "to"},
	)
)

func recordState(key string, state State) {
	breakerState.WithLabelValues(key).Set(float64(state))
}

func recordFailure(key string) {
	breakerFailuresTotal.WithLabelValues(key).Inc()
}

func recordSuccess(key string) {
	breakerSuccessesTotal.WithLabelValues(key).Inc()
}

func recordRejection(key string) {
	breakerRejectedTotal.WithLabelValues(key).Inc()
}

func recordStateChange(key string, from, to State) {
	breakerTransitionsTotal.WithLabelValues(key, from.String(), to.String()).Inc()
}
