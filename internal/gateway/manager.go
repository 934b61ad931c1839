// Package gateway assembles the request pipeline and the HTTP server
// around it. The Manager is the pipeline: it resolves the route,
// authenticates the caller, applies the route's rate limits and the
// upstream's circuit breaker, consults the response cache, and
// forwards what is left to the upstream.
package gateway

import (
	"context"
	"errors"
	"math"
	"net/http"
	"runtime/debug"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/rentora/apigw/internal/auth"
	"github.com/rentora/apigw/internal/cache"
	"github.com/rentora/apigw/internal/circuitbreaker"
	"github.com/rentora/apigw/internal/config"
	"github.com/rentora/apigw/internal/metrics"
	"github.com/rentora/apigw/internal/observability"
	"github.com/rentora/apigw/internal/proxy"
	"github.com/rentora/apigw/internal/ratelimit"
	"github.com/rentora/apigw/internal/router"
	"github.com/rentora/apigw/internal/transform"
)

// Gateway response headers.
const (
	headerRequestID    = "X-Request-ID"
	headerClientID     = "X-Client-ID"
	headerGateway      = "X-Gateway"
	headerResponseTime = "X-Response-Time"
	headerCacheStatus  = "X-Cache-Status"
	headerAge          = "Age"
	headerRetryAfter   = "Retry-After"

	headerRateLimitLimit     = "X-RateLimit-Limit"
	headerRateLimitRemaining = "X-RateLimit-Remaining"
	headerRateLimitReset     = "X-RateLimit-Reset"

	cacheStatusHit  = "HIT"
	cacheStatusMiss = "MISS"

	gatewayProduct = "rentora-apigw"
)

// Manager is the request pipeline. It implements http.Handler and is
// mounted behind the server's own endpoints, so every request that
// reaches it is gateway traffic.
type Manager struct {
	table       *router.Table
	auth        *auth.Registry
	limiter     ratelimit.Limiter
	breakers    *circuitbreaker.Registry
	cache       *cache.ResponseCache
	forwarder   *proxy.Forwarder
	tunnel      *proxy.WebSocketTunnel
	transformer *transform.HeaderTransformer
	collector   *metrics.Collector
	logger      observability.Logger
	version     string
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithAuth sets the credential registry.
func WithAuth(registry *auth.Registry) ManagerOption {
	return func(m *Manager) {
		m.auth = registry
	}
}

// WithLimiter sets the rate limiter.
func WithLimiter(limiter ratelimit.Limiter) ManagerOption {
	return func(m *Manager) {
		m.limiter = limiter
	}
}

// WithBreakers sets the circuit breaker registry.
func WithBreakers(registry *circuitbreaker.Registry) ManagerOption {
	return func(m *Manager) {
		m.breakers = registry
	}
}

// WithCache sets the response cache. Without one, every request goes
// to the upstream.
func WithCache(rc *cache.ResponseCache) ManagerOption {
	return func(m *Manager) {
		m.cache = rc
	}
}

// WithForwarder sets the upstream forwarder.
func WithForwarder(f *proxy.Forwarder) ManagerOption {
	return func(m *Manager) {
		m.forwarder = f
	}
}

// WithTunnel sets the WebSocket tunnel.
func WithTunnel(t *proxy.WebSocketTunnel) ManagerOption {
	return func(m *Manager) {
		m.tunnel = t
	}
}

// WithTransformer sets the header transformer.
func WithTransformer(ht *transform.HeaderTransformer) ManagerOption {
	return func(m *Manager) {
		m.transformer = ht
	}
}

// WithCollector sets the metrics collector. Without one, samples are
// not recorded.
func WithCollector(c *metrics.Collector) ManagerOption {
	return func(m *Manager) {
		m.collector = c
	}
}

// WithManagerLogger sets the pipeline logger.
func WithManagerLogger(logger observability.Logger) ManagerOption {
	return func(m *Manager) {
		m.logger = logger
	}
}

// WithVersion sets the version reported in the X-Gateway header.
func WithVersion(version string) ManagerOption {
	return func(m *Manager) {
		m.version = version
	}
}

// NewManager builds the pipeline around a route table. Collaborators
// left unset get working defaults: an auth registry that admits only
// unauthenticated routes, a limiter that never rejects, and a fresh
// breaker registry.
func NewManager(table *router.Table, opts ...ManagerOption) *Manager {
	m := &Manager{
		table:   table,
		version: "dev",
	}
	for _, opt := range opts {
		opt(m)
	}

	if m.logger == nil {
		m.logger = observability.NopLogger()
	}
	if m.auth == nil {
		// A zero-config registry admits "none" routes and rejects
		// every other scheme; NewRegistry cannot fail on it.
		m.auth, _ = auth.NewRegistry(&config.AuthConfig{}, auth.WithLogger(m.logger))
	}
	if m.limiter == nil {
		m.limiter = ratelimit.NewNoopLimiter()
	}
	if m.breakers == nil {
		m.breakers = circuitbreaker.NewRegistry(nil, m.logger)
	}
	if m.forwarder == nil {
		m.forwarder = proxy.NewForwarder(proxy.WithLogger(m.logger))
	}
	if m.tunnel == nil {
		m.tunnel = proxy.NewWebSocketTunnel(m.logger)
	}
	if m.transformer == nil {
		m.transformer = transform.NewHeaderTransformer(m.logger)
	}

	return m
}

// requestState accumulates what the deferred sample needs as the
// request moves through the pipeline.
type requestState struct {
	route       *router.Route
	status      int
	cacheStatus string
	authReason  string
	rateLimited bool
}

// ServeHTTP runs the pipeline for one request.
func (m *Manager) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	requestID, r := ensureRequestID(w, r)
	ctx := r.Context()

	st := &requestState{}
	defer m.record(r.Method, st, start)
	defer m.recoverPanic(w, requestID, st)

	route, err := m.table.Resolve(r.URL.Path, r.Method)
	if err != nil {
		m.reject(w, requestID, start, st, err)
		return
	}
	st.route = route

	identity, err := m.auth.Authenticate(ctx, route.AuthType, r)
	if err != nil {
		st.authReason = string(auth.ReasonOf(err))
		m.reject(w, requestID, start, st, err)
		return
	}
	ctx = auth.ContextWithIdentity(ctx, identity)
	r = r.WithContext(ctx)

	// Stamp the correlation headers the upstream receives.
	r.Header.Set(headerRequestID, requestID)
	if identity != nil && identity.Scheme != config.AuthTypeNone && identity.Subject != "" {
		r.Header.Set(headerClientID, identity.Subject)
	}

	if route.RateLimit.Enabled() {
		result, err := m.limiter.Check(ctx, ratelimit.RouteKey(route.ID, clientKey(identity, r)), limitsFor(route))
		if err != nil {
			m.reject(w, requestID, start, st, err)
			return
		}
		setRateLimitHeaders(w, result)
		if !result.Allowed {
			st.rateLimited = true
			m.rejectRateLimited(w, requestID, start, st, result)
			return
		}
	}

	if proxy.IsUpgrade(r) {
		m.serveWebSocket(w, r, route, st)
		return
	}

	var breaker *circuitbreaker.Breaker
	if route.CircuitBreaker {
		breaker = m.breakers.GetOrCreate(route.ServiceID())
		if err := breaker.Allow(); err != nil {
			m.reject(w, requestID, start, st, err)
			return
		}
	}

	if m.cache != nil {
		if entry, ok := m.cache.Lookup(ctx, route, r); ok {
			if breaker != nil {
				breaker.Cancel()
			}
			st.cacheStatus = metrics.CacheHit
			m.writeCached(w, route, entry, start, st)
			return
		}
		if m.cache.Cacheable(route, r) {
			st.cacheStatus = metrics.CacheMiss
		}
	}

	m.transformer.Request(route, r.Header)

	resp, err := m.forwarder.Forward(ctx, route, r)
	if err != nil {
		if breaker != nil {
			// Errors raised before or without an upstream exchange do
			// not speak to upstream health.
			if errors.Is(err, proxy.ErrBodyTooLarge) || errors.Is(err, context.Canceled) {
				breaker.Cancel()
			} else {
				breaker.RecordFailure()
			}
		}
		if errors.Is(err, context.Canceled) {
			st.status = statusClientClosedRequest
			m.logger.Debug("client closed request",
				observability.String("route", route.ID),
				observability.String("request_id", requestID),
			)
			return
		}
		m.reject(w, requestID, start, st, err)
		return
	}

	if breaker != nil {
		if resp.Status >= http.StatusInternalServerError {
			breaker.RecordFailure()
		} else {
			breaker.RecordSuccess()
		}
	}

	if m.cache != nil && st.cacheStatus == metrics.CacheMiss {
		m.cache.Store(ctx, route, r, &cache.Entry{
			Status: resp.Status,
			Header: resp.Header.Clone(),
			Body:   resp.Body,
		})
	}

	m.transformer.Response(route, resp.Header)
	m.writeResponse(w, resp, start, st)
}

// serveWebSocket hands the connection to the tunnel. The tunnel owns
// the connection from here on and writes its own error response when
// the dial or the upgrade fails.
func (m *Manager) serveWebSocket(w http.ResponseWriter, r *http.Request, route *router.Route, st *requestState) {
	st.status = http.StatusSwitchingProtocols
	if _, _, err := m.tunnel.Tunnel(w, r, route); err != nil {
		if errors.Is(err, proxy.ErrUpstreamUnavailable) {
			st.status = http.StatusBadGateway
		} else {
			st.status = http.StatusBadRequest
		}
	}
}

// writeCached answers the request from a cache entry.
func (m *Manager) writeCached(w http.ResponseWriter, route *router.Route, entry *cache.Entry, start time.Time, st *requestState) {
	m.transformer.Response(route, entry.Header)

	copyHeader(w.Header(), entry.Header)
	w.Header().Set(headerCacheStatus, cacheStatusHit)
	w.Header().Set(headerAge, strconv.Itoa(int(entry.Age().Seconds())))
	m.finishHeaders(w, start)

	st.status = entry.Status
	w.WriteHeader(entry.Status)
	_, _ = w.Write(entry.Body)
}

// writeResponse relays the upstream response to the client.
func (m *Manager) writeResponse(w http.ResponseWriter, resp *proxy.Response, start time.Time, st *requestState) {
	copyHeader(w.Header(), resp.Header)
	if st.cacheStatus == metrics.CacheMiss {
		w.Header().Set(headerCacheStatus, cacheStatusMiss)
	}
	m.finishHeaders(w, start)

	st.status = resp.Status
	w.WriteHeader(resp.Status)
	_, _ = w.Write(resp.Body)
}

// reject ends the request with an error envelope.
func (m *Manager) reject(w http.ResponseWriter, requestID string, start time.Time, st *requestState, err error) {
	status, message := statusForError(err)
	st.status = status

	routeID := ""
	if st.route != nil {
		routeID = st.route.ID
	}
	m.logger.Debug("request rejected",
		observability.String("route", routeID),
		observability.String("request_id", requestID),
		observability.Int("status", status),
		observability.Error(err),
	)

	m.finishHeaders(w, start)
	writeEnvelope(w, requestID, status, message)
}

// rejectRateLimited ends the request with 429 and a Retry-After hint.
func (m *Manager) rejectRateLimited(w http.ResponseWriter, requestID string, start time.Time, st *requestState, result *ratelimit.Result) {
	st.status = http.StatusTooManyRequests

	seconds := int(math.Ceil(result.RetryAfter.Seconds()))
	if seconds < 1 {
		seconds = 1
	}
	w.Header().Set(headerRetryAfter, strconv.Itoa(seconds))

	m.finishHeaders(w, start)
	writeEnvelope(w, requestID, http.StatusTooManyRequests, "rate limit exceeded")
}

// record hands the finished request to the collector. Deferred first in
// ServeHTTP so it runs after panic recovery has settled the status.
func (m *Manager) record(method string, st *requestState, start time.Time) {
	if m.collector == nil {
		return
	}

	routeID := ""
	if st.route != nil {
		routeID = st.route.ID
	}
	m.collector.Record(metrics.Sample{
		Route:             routeID,
		Method:            method,
		StatusCode:        st.status,
		Duration:          time.Since(start),
		CacheStatus:       st.cacheStatus,
		AuthFailureReason: st.authReason,
		RateLimited:       st.rateLimited,
	})
}

// recoverPanic turns a pipeline panic into a 500 for this request
// only; the server keeps serving.
func (m *Manager) recoverPanic(w http.ResponseWriter, requestID string, st *requestState) {
	rec := recover()
	if rec == nil {
		return
	}

	m.logger.Error("panic in request pipeline",
		observability.String("request_id", requestID),
		observability.Any("panic", rec),
		observability.String("stack", string(debug.Stack())),
	)

	st.status = http.StatusInternalServerError
	writeEnvelope(w, requestID, http.StatusInternalServerError, "internal server error")
}

// finishHeaders stamps the gateway's own response headers. Must run
// before the status line is written.
func (m *Manager) finishHeaders(w http.ResponseWriter, start time.Time) {
	w.Header().Set(headerGateway, gatewayProduct+"/"+m.version)
	w.Header().Set(headerResponseTime, strconv.FormatInt(time.Since(start).Milliseconds(), 10)+"ms")
}

// ensureRequestID resolves the request's correlation ID: the one the
// server middleware put in the context, else the client's inbound
// header, else a fresh UUID. The ID is echoed on the response.
func ensureRequestID(w http.ResponseWriter, r *http.Request) (string, *http.Request) {
	if id := observability.RequestIDFromContext(r.Context()); id != "" {
		return id, r
	}

	id := r.Header.Get(headerRequestID)
	if id == "" {
		id = uuid.New().String()
	}
	w.Header().Set(headerRequestID, id)
	return id, r.WithContext(observability.ContextWithRequestID(r.Context(), id))
}

// clientKey picks the rate limit key for the caller: the authenticated
// subject, or the client IP on unauthenticated routes.
func clientKey(identity *auth.Identity, r *http.Request) string {
	if identity != nil && identity.Scheme != config.AuthTypeNone && identity.Subject != "" {
		return identity.Subject
	}
	return ratelimit.ClientIP(r)
}

// limitsFor converts the route's configured windows to limiter input.
func limitsFor(route *router.Route) ratelimit.Limits {
	return ratelimit.Limits{
		Burst:     route.RateLimit.Burst,
		PerMinute: route.RateLimit.PerMinute,
		PerHour:   route.RateLimit.PerHour,
		PerDay:    route.RateLimit.PerDay,
	}
}

// setRateLimitHeaders exposes the verdict window on the response.
// Failed-open verdicts carry no numbers worth reporting.
func setRateLimitHeaders(w http.ResponseWriter, result *ratelimit.Result) {
	if result.FailedOpen || result.Limit <= 0 {
		return
	}
	w.Header().Set(headerRateLimitLimit, strconv.Itoa(result.Limit))
	w.Header().Set(headerRateLimitRemaining, strconv.Itoa(result.Remaining))
	w.Header().Set(headerRateLimitReset, strconv.FormatInt(result.ResetAt.Unix(), 10))
}

func copyHeader(dst, src http.Header) {
	for k, vv := range src {
		for _, v := range vv {
			dst.Add(k, v)
		}
	}
}
