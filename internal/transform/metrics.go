package transform

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	directionRequest  = "request"
	directionResponse = "response"
)

var transformOps = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "gateway",
		Subsystem: "transform",
		Name:      "operations_total",
		Help:      "Header transform operations applied, by direction.",
	},
	[]string{"direction"},
)

func recordTransform(direction string) {
	transformOps.WithLabelValues(direction).Inc()
}
