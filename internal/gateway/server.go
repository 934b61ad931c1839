package gateway

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/rentora/apigw/internal/circuitbreaker"
	"github.com/rentora/apigw/internal/config"
	"github.com/rentora/apigw/internal/health"
	"github.com/rentora/apigw/internal/metrics"
	"github.com/rentora/apigw/internal/middleware"
	"github.com/rentora/apigw/internal/observability"
	"github.com/rentora/apigw/internal/router"
)

// ginModeOnce guards gin.SetMode, which is not safe to call from
// concurrent server constructors.
var ginModeOnce sync.Once

// Server is the HTTP surface around the pipeline: the gin engine
// serving the health probes and the admin endpoints, with everything
// else falling through to the Manager.
type Server struct {
	cfg     *config.ServerConfig
	engine  *gin.Engine
	handler http.Handler
	logger  observability.Logger

	pipeline  http.Handler
	checker   *health.Checker
	table     *router.Table
	collector *metrics.Collector
	breakers  *circuitbreaker.Registry
	guard     *middleware.ClientRateLimiter

	mu         sync.Mutex
	httpServer *http.Server
	listener   net.Listener
	running    bool
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithServerLogger sets the server logger.
func WithServerLogger(logger observability.Logger) ServerOption {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithHealthChecker sets the checker behind /healthz and /readyz.
func WithHealthChecker(checker *health.Checker) ServerOption {
	return func(s *Server) {
		s.checker = checker
	}
}

// WithAdmin wires the admin endpoints: the active route table, the
// metrics snapshot, and the breaker states. Unset surfaces answer 404.
func WithAdmin(table *router.Table, collector *metrics.Collector, breakers *circuitbreaker.Registry) ServerOption {
	return func(s *Server) {
		s.table = table
		s.collector = collector
		s.breakers = breakers
	}
}

// NewServer builds the server around the pipeline handler.
func NewServer(cfg *config.ServerConfig, pipeline http.Handler, opts ...ServerOption) *Server {
	ginModeOnce.Do(func() {
		gin.SetMode(gin.ReleaseMode)
	})

	s := &Server{
		cfg:      cfg,
		engine:   gin.New(),
		pipeline: pipeline,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = observability.NopLogger()
	}
	if s.checker == nil {
		s.checker = health.NewChecker("dev", s.logger)
	}

	s.registerEndpoints()
	s.handler = middleware.Chain(s.engine, s.buildMiddleware()...)
	return s
}

// buildMiddleware assembles the server middleware chain, outermost
// first: recovery must see everything, the guard runs last so shed
// requests are still logged and correlated.
func (s *Server) buildMiddleware() []middleware.Func {
	mws := []middleware.Func{
		middleware.Recovery(s.logger),
		middleware.RequestID(),
		middleware.Logging(s.logger),
	}
	if s.cfg.CORS != nil {
		mws = append(mws, middleware.CORS(s.cfg.CORS))
	}
	if s.cfg.Guard.OverloadBreaker {
		mws = append(mws, middleware.OverloadFromConfig(&s.cfg.Guard, s.logger))
	}
	if s.cfg.Guard.RatePerSecond > 0 {
		guardFunc, guard := middleware.GuardFromConfig(&s.cfg.Guard, s.logger)
		s.guard = guard
		mws = append(mws, guardFunc)
	}
	return mws
}

// registerEndpoints mounts the server's own endpoints on the engine.
// The pipeline takes every path the engine does not claim.
func (s *Server) registerEndpoints() {
	s.engine.GET("/healthz", gin.WrapF(s.checker.LivenessHandler()))
	s.engine.GET("/readyz", gin.WrapF(s.checker.ReadinessHandler()))

	admin := s.engine.Group("/admin")
	admin.GET("/routes", s.handleRoutes)
	admin.GET("/stats", s.handleStats)
	admin.GET("/breakers", s.handleBreakers)

	s.engine.NoRoute(gin.WrapH(s.pipeline))
}

// routeView is the admin representation of one active route.
type routeView struct {
	ID             string   `json:"id"`
	Path           string   `json:"path"`
	Method         string   `json:"method"`
	Upstream       string   `json:"upstream"`
	AuthType       string   `json:"authType"`
	CircuitBreaker bool     `json:"circuitBreaker"`
	CacheTTL       string   `json:"cacheTTL,omitempty"`
	Tags           []string `json:"tags,omitempty"`
}

func (s *Server) handleRoutes(c *gin.Context) {
	if s.table == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "route table not available"})
		return
	}

	routes := s.table.Routes()
	views := make([]routeView, 0, len(routes))
	for _, r := range routes {
		v := routeView{
			ID:             r.ID,
			Path:           r.Path,
			Method:         r.Method,
			Upstream:       r.Upstream.String(),
			AuthType:       r.AuthType,
			CircuitBreaker: r.CircuitBreaker,
			Tags:           r.Tags,
		}
		if r.CacheTTL > 0 {
			v.CacheTTL = r.CacheTTL.String()
		}
		views = append(views, v)
	}
	c.JSON(http.StatusOK, gin.H{"count": len(views), "routes": views})
}

func (s *Server) handleStats(c *gin.Context) {
	if s.collector == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "metrics collector not available"})
		return
	}
	c.JSON(http.StatusOK, s.collector.Snapshot())
}

// breakerView is the admin representation of one breaker.
type breakerView struct {
	State               string    `json:"state"`
	ConsecutiveFailures int       `json:"consecutiveFailures"`
	Allowed             int64     `json:"allowed"`
	Rejected            int64     `json:"rejected"`
	LastStateChange     time.Time `json:"lastStateChange"`
}

func (s *Server) handleBreakers(c *gin.Context) {
	if s.breakers == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "breaker registry not available"})
		return
	}

	views := make(map[string]breakerView)
	for service, st := range s.breakers.Stats() {
		views[service] = breakerView{
			State:               st.State.String(),
			ConsecutiveFailures: st.ConsecutiveFailures,
			Allowed:             st.Allowed,
			Rejected:            st.Rejected,
			LastStateChange:     st.LastStateChange,
		}
	}
	c.JSON(http.StatusOK, gin.H{"count": len(views), "breakers": views})
}

// Handler returns the fully wrapped handler. Tests mount it on an
// httptest server instead of binding a port.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Checker returns the health checker so callers can register
// dependency probes.
func (s *Server) Checker() *health.Checker {
	return s.checker
}

// Start binds the listener and serves until Stop or a listener error.
// It blocks, mirroring http.Server.ListenAndServe.
func (s *Server) Start() error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("server already running")
	}

	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("listen on %s: %w", addr, err)
	}

	s.listener = listener
	s.httpServer = &http.Server{
		Handler:      s.handler,
		ReadTimeout:  time.Duration(s.cfg.ReadTimeout),
		WriteTimeout: time.Duration(s.cfg.WriteTimeout),
		IdleTimeout:  time.Duration(s.cfg.IdleTimeout),
	}
	s.running = true
	s.mu.Unlock()

	s.logger.Info("starting HTTP server",
		observability.String("address", listener.Addr().String()),
	)

	if err := s.httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

// Addr returns the bound address, or "" before Start.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// IsRunning reports whether the server is accepting connections.
func (s *Server) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Stop drains the server gracefully. The health checker reports
// draining first so load balancers stop sending new traffic.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	srv := s.httpServer
	s.mu.Unlock()

	s.checker.SetDraining(true)
	if s.guard != nil {
		s.guard.Stop()
	}

	s.logger.Info("stopping HTTP server")
	if err := srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown server: %w", err)
	}

	s.mu.Lock()
	s.running = false
	s.mu.Unlock()
	return nil
}
