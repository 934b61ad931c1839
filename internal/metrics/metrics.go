package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	requestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "gateway",
			Name:      "requests_total",
			Help:      "Requests processed, by route, method and status code.",
		},
		[]string{"route", "method", "status_code"},
	)

	requestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "gateway",
			Name:      "request_duration_seconds",
			Help:      "Total request duration including upstream time.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"route", "method"},
	)

	authFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "gateway",
			Name:      "auth_failures_total",
			Help:      "Authentication rejections, by route and reason.",
		},
		[]string{"route", "reason"},
	)

	rateLimitHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "gateway",
			Name:      "rate_limit_hits_total",
			Help:      "Requests rejected by the rate limiter, by route.",
		},
		[]string{"route"},
	)

	samplesDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "gateway",
			Subsystem: "metrics",
			Name:      "samples_dropped_total",
			Help:      "Samples dropped because the collector buffer was full.",
		},
	)
)

func recordSampleDropped() {
	samplesDropped.Inc()
}
