package proxy

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	proxyRetriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_proxy_retries_total",
			Help: "Upstream request retries",
		},
		[]string{"route"},
	)

	proxyUpstreamErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_proxy_upstream_errors_total",
			Help: "Upstream failures after retries, by reason",
		},
		[]string{"service", "reason"},
	)

	proxyUpstreamDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "gateway_proxy_upstream_duration_seconds",
			Help:    "Upstream round trip latency",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"service"},
	)

	wsConnectionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_websocket_connections_total",
			Help: "WebSocket tunnels established",
		},
		[]string{"service"},
	)

	wsConnectionsActive = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "gateway_websocket_connections_active",
			Help: "WebSocket tunnels currently open",
		},
		[]string{"service"},
	)

	wsMessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_websocket_messages_total",
			Help: "WebSocket messages relayed, by direction",
		},
		[]string{"service", "direction"},
	)
)

func recordRetry(route string) {
	proxyRetriesTotal.WithLabelValues(route).Inc()
}

func recordUpstreamError(service, reason string) {
	proxyUpstreamErrorsTotal.WithLabelValues(service, reason).Inc()
}

func recordUpstreamDuration(service string, elapsed time.Duration) {
	proxyUpstreamDuration.WithLabelValues(service).Observe(elapsed.Seconds())
}

func recordWebSocketOpen(service string) {
	wsConnectionsTotal.WithLabelValues(service).Inc()
	wsConnectionsActive.WithLabelValues(service).Inc()
}

func recordWebSocketClose(service string, toClient, toUpstream int64) {
	wsConnectionsActive.WithLabelValues(service).Dec()
	wsMessagesTotal.WithLabelValues(service, "to_client").Add(float64(toClient))
	wsMessagesTotal.WithLabelValues(service, "to_upstream").Add(float64(toUpstream))
}
