package circuitbreaker

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	breakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "gateway_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
		},
		[]string{"service"},
	)

	breakerTransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_circuit_breaker_transitions_total",
			Help: "Circuit breaker state transitions",
		},
		[]string{"service", "from", "to"},
	)

	breakerRejectedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_circuit_breaker_rejected_total",
			Help: "Requests rejected by an open or probing circuit breaker",
		},
		[]string{"service"},
	)
)

func recordState(service string, state State) {
	breakerState.WithLabelValues(service).Set(float64(state))
}

func recordTransition(service string, from, to State) {
	breakerTransitionsTotal.WithLabelValues(service, from.String(), to.String()).Inc()
	recordState(service, to)
}

func recordRejection(service string) {
	breakerRejectedTotal.WithLabelValues(service).Inc()
}
