package middleware

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	panicsRecovered = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "gateway",
		Subsystem: "server",
		Name:      "panics_recovered_total",
		Help:      "Panics caught by the recovery middleware.",
	})

	guardRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gateway",
		Subsystem: "server",
		Name:      "guard_rejections_total",
		Help:      "Requests shed by the inbound guard, by reason.",
	}, []string{"reason"})

	overloadTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gateway",
		Subsystem: "server",
		Name:      "overload_transitions_total",
		Help:      "Overload breaker state transitions.",
	}, []string{"from", "to"})
)

func recordPanicRecovered() {
	panicsRecovered.Inc()
}

func recordGuardRejection(reason string) {
	guardRejections.WithLabelValues(reason).Inc()
}

func recordOverloadTransition(from, to string) {
	overloadTransitions.WithLabelValues(from, to).Inc()
}
