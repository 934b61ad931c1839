package cache

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	cacheHitsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_cache_hits_total",
			Help: "Response cache hits",
		},
		[]string{"backend"},
	)

	cacheMissesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_cache_misses_total",
			Help: "Response cache misses",
		},
		[]string{"backend"},
	)

	cacheEvictionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_cache_evictions_total",
			Help: "Entries evicted to make room for new ones",
		},
		[]string{"backend"},
	)

	cacheSize = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "gateway_cache_entries",
			Help: "Entries currently held in the cache",
		},
		[]string{"backend"},
	)

	cacheOpDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "gateway_cache_operation_duration_seconds",
			Help:    "Cache operation latency",
			Buckets: []float64{.0001, .0005, .001, .005, .01, .025, .05, .1},
		},
		[]string{"backend", "operation"},
	)
)

func recordCacheHit(backend string) {
	cacheHitsTotal.WithLabelValues(backend).Inc()
}

func recordCacheMiss(backend string) {
	cacheMissesTotal.WithLabelValues(backend).Inc()
}

func recordCacheEviction(backend string) {
	cacheEvictionsTotal.WithLabelValues(backend).Inc()
}

func recordCacheSize(backend string, entries int) {
	cacheSize.WithLabelValues(backend).Set(float64(entries))
}

func recordCacheOp(backend, operation string, elapsed time.Duration) {
	cacheOpDuration.WithLabelValues(backend, operation).Observe(elapsed.Seconds())
}
