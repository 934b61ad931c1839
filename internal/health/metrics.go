package health

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	checksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "gateway",
			Subsystem: "health",
			Name:      "checks_total",
			Help:      "Dependency probes executed, by check and status.",
		},
		[]string{"check", "status"},
	)

	checkStatus = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "gateway",
			Subsystem: "health",
			Name:      "check_status",
			Help:      "Latest dependency probe status (1 healthy, 0 otherwise).",
		},
		[]string{"check"},
	)
)

func recordCheck(name string, status Status) {
	checksTotal.WithLabelValues(name, string(status)).Inc()

	value := 0.0
	if status == StatusHealthy {
		value = 1
	}
	checkStatus.WithLabelValues(name).Set(value)
}
