package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/rentora/apigw/internal/auth"
	"github.com/rentora/apigw/internal/cache"
	"github.com/rentora/apigw/internal/circuitbreaker"
	"github.com/rentora/apigw/internal/config"
	"github.com/rentora/apigw/internal/gateway"
	"github.com/rentora/apigw/internal/health"
	"github.com/rentora/apigw/internal/metrics"
	"github.com/rentora/apigw/internal/observability"
	"github.com/rentora/apigw/internal/proxy"
	"github.com/rentora/apigw/internal/ratelimit"
	"github.com/rentora/apigw/internal/ratelimit/store"
	"github.com/rentora/apigw/internal/router"
	"github.com/rentora/apigw/internal/transform"
)

// application holds the assembled gateway components.
type application struct {
	cfg        *config.Config
	configPath string
	logger     observability.Logger

	tracer     *observability.Tracer
	table      *router.Table
	authReg    *auth.Registry
	limitStore store.Store
	respCache  *cache.ResponseCache
	breakers   *circuitbreaker.Registry
	collector  *metrics.Collector
	checker    *health.Checker
	server     *gateway.Server

	metricsServer *http.Server
	watcher       *config.Watcher
}

// initApplication assembles the pipeline and the servers around it.
func initApplication(cfg *config.Config, configPath string, logger observability.Logger) (*application, error) {
	tracer, err := observability.NewTracer(observability.TracerConfig{
		ServiceName:  "apigw",
		OTLPEndpoint: cfg.Tracing.OTLPEndpoint,
		SamplingRate: cfg.Tracing.SamplingRate,
		Enabled:      cfg.Tracing.Enabled,
	})
	if err != nil {
		return nil, fmt.Errorf("init tracer: %w", err)
	}

	table, err := router.FromConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("compile routes: %w", err)
	}

	authReg, err := auth.NewRegistry(&cfg.Auth, auth.WithLogger(logger))
	if err != nil {
		return nil, fmt.Errorf("build auth registry: %w", err)
	}

	limitStore, err := buildRateLimitStore(&cfg.RateLimit, logger)
	if err != nil {
		return nil, fmt.Errorf("build rate limit store: %w", err)
	}

	// Store failures must not take the gateway down with them; the
	// limiter degrades to allowing traffic (§ fail open).
	limiter := ratelimit.NewFailOpen(
		ratelimit.NewFixedWindow(limitStore, ratelimit.WithLogger(logger)),
		logger,
	)

	breakers := circuitbreaker.NewRegistry(&circuitbreaker.Config{
		FailureThreshold:  cfg.CircuitBreaker.FailureThreshold,
		OpenDuration:      time.Duration(cfg.CircuitBreaker.OpenDuration),
		RequiredSuccesses: cfg.CircuitBreaker.RequiredSuccesses,
	}, logger)

	backing, err := cache.New(&cfg.Cache, logger)
	if err != nil {
		return nil, fmt.Errorf("build response cache: %w", err)
	}
	respCache := cache.NewResponseCache(backing, cfg.Cache.MaxBodyBytes, logger)

	collector := metrics.NewCollector(
		metrics.WithLogger(logger),
		metrics.WithBreakerStates(breakers.States),
	)

	manager := gateway.NewManager(table,
		gateway.WithAuth(authReg),
		gateway.WithLimiter(limiter),
		gateway.WithBreakers(breakers),
		gateway.WithCache(respCache),
		gateway.WithForwarder(proxy.NewForwarder(proxy.WithLogger(logger))),
		gateway.WithTunnel(proxy.NewWebSocketTunnel(logger)),
		gateway.WithTransformer(transform.NewHeaderTransformer(logger)),
		gateway.WithCollector(collector),
		gateway.WithManagerLogger(logger),
		gateway.WithVersion(version),
	)

	checker := health.NewChecker(version, logger)
	checker.RegisterCheck("routes", routeTableCheck(table))

	server := gateway.NewServer(&cfg.Server, manager,
		gateway.WithServerLogger(logger),
		gateway.WithHealthChecker(checker),
		gateway.WithAdmin(table, collector, breakers),
	)

	app := &application{
		cfg:        cfg,
		configPath: configPath,
		logger:     logger,
		tracer:     tracer,
		table:      table,
		authReg:    authReg,
		limitStore: limitStore,
		respCache:  respCache,
		breakers:   breakers,
		collector:  collector,
		checker:    checker,
		server:     server,
	}

	if cfg.Metrics.Enabled {
		app.metricsServer = buildMetricsServer(&cfg.Metrics, checker)
	}

	return app, nil
}

// buildRateLimitStore selects the counter store backing.
func buildRateLimitStore(cfg *config.RateLimitConfig, logger observability.Logger) (store.Store, error) {
	switch cfg.Store {
	case config.StoreRedis:
		return store.NewRedis(store.RedisOptions{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			Prefix:   cfg.Redis.KeyPrefix,
			Timeout:  time.Duration(cfg.Redis.Timeout),
			Logger:   logger,
		})
	case config.StoreMemory:
		return store.NewMemory(), nil
	default:
		return nil, fmt.Errorf("unknown rate limit store %q", cfg.Store)
	}
}

// routeTableCheck reports degraded when the active table is empty: the
// gateway is up but every request will 404.
func routeTableCheck(table *router.Table) health.CheckFunc {
	return func(_ context.Context) health.Check {
		n := table.Len()
		if n == 0 {
			return health.Check{Status: health.StatusDegraded, Message: "no enabled routes"}
		}
		return health.Check{Status: health.StatusHealthy, Message: fmt.Sprintf("%d routes", n)}
	}
}

// buildMetricsServer serves Prometheus metrics and the health probes
// on a dedicated port, away from gateway traffic.
func buildMetricsServer(cfg *config.MetricsConfig, checker *health.Checker) *http.Server {
	mux := http.NewServeMux()
	mux.Handle(cfg.Path, promhttp.Handler())
	mux.HandleFunc("/healthz", checker.LivenessHandler())
	mux.HandleFunc("/readyz", checker.ReadinessHandler())

	return &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
}

// run serves until the context is cancelled or a server fails, then
// shuts everything down in reverse dependency order.
func (app *application) run(ctx context.Context) error {
	if err := app.startWatcher(ctx); err != nil {
		// Reload is a convenience; a broken watcher should not stop
		// the gateway from serving the loaded configuration.
		app.logger.Warn("config watcher unavailable, hot reload disabled",
			observability.Error(err),
		)
	}

	errCh := make(chan error, 2)
	go func() {
		errCh <- app.server.Start()
	}()

	if app.metricsServer != nil {
		go func() {
			app.logger.Info("starting metrics server",
				observability.String("address", app.metricsServer.Addr),
				observability.String("path", app.cfg.Metrics.Path),
			)
			if err := app.metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				errCh <- fmt.Errorf("metrics server: %w", err)
			}
		}()
	}

	var runErr error
	select {
	case <-ctx.Done():
		app.logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			runErr = err
			app.logger.Error("server failed", observability.Error(err))
		}
	}

	app.shutdown()
	return runErr
}

// startWatcher wires configuration hot reload: on a successful reload
// the route table is swapped atomically, in-flight requests keep the
// table they resolved against.
func (app *application) startWatcher(ctx context.Context) error {
	watcher, err := config.NewWatcher(app.configPath, app.onConfigReload,
		config.WithWatcherLogger(app.logger),
	)
	if err != nil {
		return err
	}
	if err := watcher.Start(ctx); err != nil {
		return err
	}

	app.watcher = watcher
	return nil
}

// onConfigReload swaps the route table from a validated new config.
// Everything else (stores, auth, listener) keeps its startup settings;
// changing those requires a restart.
func (app *application) onConfigReload(cfg *config.Config) {
	routes, err := router.CompileAll(cfg.Routes)
	if err != nil {
		app.logger.Error("reload produced uncompilable routes, keeping active table",
			observability.Error(err),
		)
		return
	}

	previous := app.table.Len()
	app.table.Swap(routes)
	app.logger.Info("route table reloaded",
		observability.Int("previousRoutes", previous),
		observability.Int("activeRoutes", len(routes)),
	)
}

// shutdown drains the servers and releases component resources.
func (app *application) shutdown() {
	shutdownCtx, cancel := context.WithTimeout(context.Background(),
		time.Duration(app.cfg.Server.ShutdownTimeout))
	defer cancel()

	if app.watcher != nil {
		_ = app.watcher.Stop()
	}

	if err := app.server.Stop(shutdownCtx); err != nil {
		app.logger.Error("failed to stop HTTP server", observability.Error(err))
	}
	if app.metricsServer != nil {
		if err := app.metricsServer.Shutdown(shutdownCtx); err != nil {
			app.logger.Error("failed to stop metrics server", observability.Error(err))
		}
	}

	app.collector.Close()
	app.authReg.Close()
	if err := app.respCache.Close(); err != nil {
		app.logger.Error("failed to close response cache", observability.Error(err))
	}
	if err := app.limitStore.Close(); err != nil {
		app.logger.Error("failed to close rate limit store", observability.Error(err))
	}
	if err := app.tracer.Shutdown(shutdownCtx); err != nil {
		app.logger.Error("failed to shut down tracer", observability.Error(err))
	}

	app.logger.Info("gateway stopped")
}
