// Package metrics aggregates per-request samples into the gateway
// statistics snapshot and the Prometheus request metrics.
package metrics

import (
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rentora/apigw/internal/observability"
)

const (
	// defaultSampleBuffer is the capacity of the sample channel.
	// Record drops samples instead of blocking when the collector
	// falls behind.
	defaultSampleBuffer = 1024

	// latencyRingSize bounds the per-route latency window backing
	// avgResponseTime.
	latencyRingSize = 256
)

// Cache status values carried on a Sample. An empty status means the
// route is not cacheable.
const (
	CacheHit  = "hit"
	CacheMiss = "miss"
)

// Sample describes one completed request. The gateway records exactly
// one sample per request, including requests rejected before reaching
// the upstream.
type Sample struct {
	Route       string
	Method      string
	StatusCode  int
	Duration    time.Duration
	CacheStatus string

	// AuthFailureReason is set when authentication rejected the
	// request, empty otherwise.
	AuthFailureReason string

	// RateLimited is set when the rate limiter rejected the request.
	RateLimited bool
}

// RouteSnapshot is the aggregated view of one route.
type RouteSnapshot struct {
	Requests          int64         `json:"requests"`
	AvgResponseTimeMs float64       `json:"avgResponseTimeMs"`
	StatusCodes       map[int]int64 `json:"statusCodes"`
}

// Snapshot is the gateway-wide statistics aggregate served by the
// admin stats endpoint.
type Snapshot struct {
	TotalRequests          int64                    `json:"totalRequests"`
	AvgResponseTimeMs      float64                  `json:"avgResponseTimeMs"`
	StatusCodeDistribution map[int]int64            `json:"statusCodeDistribution"`
	PerRouteStats          map[string]RouteSnapshot `json:"perRouteStats"`
	CircuitBreakerStates   map[string]string        `json:"circuitBreakerStates"`
	CacheHitRate           float64                  `json:"cacheHitRate"`
	DroppedSamples         int64                    `json:"droppedSamples"`
}

// routeStats accumulates per-route counters plus a bounded latency
// ring. Only the collector goroutine touches it.
type routeStats struct {
	requests    int64
	statusCodes map[int]int64

	ring      [latencyRingSize]time.Duration
	ringNext  int
	ringCount int
}

func (rs *routeStats) observe(d time.Duration) {
	rs.ring[rs.ringNext] = d
	rs.ringNext = (rs.ringNext + 1) % latencyRingSize
	if rs.ringCount < latencyRingSize {
		rs.ringCount++
	}
}

func (rs *routeStats) avgLatencyMs() float64 {
	if rs.ringCount == 0 {
		return 0
	}
	var sum time.Duration
	for i := 0; i < rs.ringCount; i++ {
		sum += rs.ring[i]
	}
	return float64(sum) / float64(time.Millisecond) / float64(rs.ringCount)
}

// Collector consumes samples from a buffered channel on its own
// goroutine so Record never blocks the request path.
type Collector struct {
	logger observability.Logger

	ch      chan Sample
	stopCh  chan struct{}
	done    chan struct{}
	dropped atomic.Int64

	closeOnce sync.Once

	breakerStates func() map[string]string

	mu            sync.RWMutex
	total         int64
	totalDuration time.Duration
	statusCodes   map[int]int64
	routes        map[string]*routeStats
	cacheHits     int64
	cacheMisses   int64
}

// Option configures a Collector.
type Option func(*Collector)

// WithLogger sets the collector logger.
func WithLogger(logger observability.Logger) Option {
	return func(c *Collector) {
		c.logger = logger
	}
}

// WithBufferSize sets the sample channel capacity.
func WithBufferSize(n int) Option {
	return func(c *Collector) {
		if n > 0 {
			c.ch = make(chan Sample, n)
		}
	}
}

// WithBreakerStates supplies the per-service breaker states included
// in snapshots.
func WithBreakerStates(fn func() map[string]string) Option {
	return func(c *Collector) {
		c.breakerStates = fn
	}
}

// NewCollector creates a Collector and starts its goroutine.
func NewCollector(opts ...Option) *Collector {
	c := newCollector(opts...)
	go c.run()
	return c
}

// newCollector builds the collector without starting it. Tests use it
// to exercise the full-buffer path deterministically.
func newCollector(opts ...Option) *Collector {
	c := &Collector{
		logger:      observability.NopLogger(),
		ch:          make(chan Sample, defaultSampleBuffer),
		stopCh:      make(chan struct{}),
		done:        make(chan struct{}),
		statusCodes: make(map[int]int64),
		routes:      make(map[string]*routeStats),
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// Record submits a sample. It never blocks: when the buffer is full or
// the collector is closed the sample is dropped and counted.
func (c *Collector) Record(s Sample) {
	select {
	case <-c.done:
		c.drop()
		return
	default:
	}

	select {
	case c.ch <- s:
	default:
		c.drop()
	}
}

func (c *Collector) drop() {
	c.dropped.Add(1)
	recordSampleDropped()
}

// run consumes samples until Close, then drains whatever is still
// buffered.
func (c *Collector) run() {
	defer close(c.done)

	for {
		select {
		case s := <-c.ch:
			c.apply(s)
		case <-c.stopCh:
			for {
				select {
				case s := <-c.ch:
					c.apply(s)
				default:
					return
				}
			}
		}
	}
}

// apply folds one sample into the aggregates and the Prometheus
// request metrics.
func (c *Collector) apply(s Sample) {
	if s.Route == "" {
		s.Route = "unknown"
	}

	c.mu.Lock()
	c.total++
	c.totalDuration += s.Duration
	c.statusCodes[s.StatusCode]++

	rs := c.routes[s.Route]
	if rs == nil {
		rs = &routeStats{statusCodes: make(map[int]int64)}
		c.routes[s.Route] = rs
	}
	rs.requests++
	rs.statusCodes[s.StatusCode]++
	rs.observe(s.Duration)

	switch s.CacheStatus {
	case CacheHit:
		c.cacheHits++
	case CacheMiss:
		c.cacheMisses++
	}
	c.mu.Unlock()

	requestsTotal.WithLabelValues(s.Route, s.Method, strconv.Itoa(s.StatusCode)).Inc()
	requestDuration.WithLabelValues(s.Route, s.Method).Observe(s.Duration.Seconds())
	if s.AuthFailureReason != "" {
		authFailures.WithLabelValues(s.Route, s.AuthFailureReason).Inc()
	}
	if s.RateLimited {
		rateLimitHits.WithLabelValues(s.Route).Inc()
	}
}

// Snapshot returns the current aggregate. Maps are copied so callers
// cannot observe later mutation.
func (c *Collector) Snapshot() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()

	snap := Snapshot{
		TotalRequests:          c.total,
		StatusCodeDistribution: make(map[int]int64, len(c.statusCodes)),
		PerRouteStats:          make(map[string]RouteSnapshot, len(c.routes)),
		CircuitBreakerStates:   map[string]string{},
		DroppedSamples:         c.dropped.Load(),
	}

	if c.total > 0 {
		snap.AvgResponseTimeMs = float64(c.totalDuration) / float64(time.Millisecond) / float64(c.total)
	}
	for code, n := range c.statusCodes {
		snap.StatusCodeDistribution[code] = n
	}
	for id, rs := range c.routes {
		codes := make(map[int]int64, len(rs.statusCodes))
		for code, n := range rs.statusCodes {
			codes[code] = n
		}
		snap.PerRouteStats[id] = RouteSnapshot{
			Requests:          rs.requests,
			AvgResponseTimeMs: rs.avgLatencyMs(),
			StatusCodes:       codes,
		}
	}
	if lookups := c.cacheHits + c.cacheMisses; lookups > 0 {
		snap.CacheHitRate = float64(c.cacheHits) / float64(lookups) * 100
	}
	if c.breakerStates != nil {
		for id, state := range c.breakerStates() {
			snap.CircuitBreakerStates[id] = state
		}
	}

	return snap
}

// Close stops the collector after draining buffered samples. Samples
// recorded after Close are dropped.
func (c *Collector) Close() {
	c.closeOnce.Do(func() {
		close(c.stopCh)
	})
	<-c.done
}
