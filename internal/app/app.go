// Package app is the composition root: it assembles config, routing, the
// security pipeline, caching, lifecycle limits, clustering, and the HTTP
// server(s) behind a small registration API.
package app

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/Nehonix-Team/XyPriss-sub003/internal/cache"
	"github.com/Nehonix-Team/XyPriss-sub003/internal/cluster"
	"github.com/Nehonix-Team/XyPriss-sub003/internal/config"
	"github.com/Nehonix-Team/XyPriss-sub003/internal/lifecycle"
	"github.com/Nehonix-Team/XyPriss-sub003/internal/logging"
	"github.com/Nehonix-Team/XyPriss-sub003/internal/metrics"
	"github.com/Nehonix-Team/XyPriss-sub003/internal/middleware"
	"github.com/Nehonix-Team/XyPriss-sub003/internal/middleware/csrf"
	"github.com/Nehonix-Team/XyPriss-sub003/internal/multiserver"
	"github.com/Nehonix-Team/XyPriss-sub003/internal/pipeline"
	"github.com/Nehonix-Team/XyPriss-sub003/internal/router"
	"github.com/Nehonix-Team/XyPriss-sub003/internal/security"
	"github.com/Nehonix-Team/XyPriss-sub003/internal/server"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RouteOption tweaks one route registration.
type RouteOption func(*router.Route)

// WithCache forces the cache decision for a route regardless of method.
func WithCache(cacheable bool) RouteOption {
	return func(r *router.Route) {
		r.Cacheable = &cacheable
	}
}

// WithMiddleware attaches route-scoped middleware.
func WithMiddleware(mw ...middleware.Middleware) RouteOption {
	return func(r *router.Route) {
		for _, m := range mw {
			r.Middleware = append(r.Middleware, m)
		}
	}
}

// App owns every component of one server process, parent or worker.
type App struct {
	cfg atomic.Pointer[config.Config]

	trie      *router.Trie
	stack     *security.Stack
	store     cache.Store
	respCache *cache.ResponseCache
	lifecycle *lifecycle.Controller
	pipe      *pipeline.Pipeline
	collector *metrics.Collector

	srv         *server.Server
	multi       *multiserver.Controller
	watcher     *config.Watcher
	redisClient *redis.Client

	supervisor *cluster.Supervisor
	scaler     *cluster.AutoScaler
	runtime    *cluster.Runtime
	isWorker   bool
}

// New assembles an app around a config snapshot.
func New(cfg *config.Config) *App {
	a := &App{
		trie:      router.New(),
		pipe:      pipeline.New(),
		collector: metrics.NewCollector(),
		isWorker:  config.IsWorkerProcess(),
	}
	a.cfg.Store(cfg)

	if logger, err := logging.NewWithOptions(logging.Options{
		Level:   cfg.Logging.Level,
		Format:  cfg.Logging.Format,
		File:    cfg.Logging.File,
		MaxSize: cfg.Logging.MaxSize,
		MaxAge:  cfg.Logging.MaxAge,
		Backups: cfg.Logging.Backups,
	}); err == nil {
		if a.isWorker {
			logger = logger.With(zap.String("worker", config.WorkerID()))
		}
		logging.SetGlobal(logger)
	}

	if cfg.Redis.Addr != "" {
		a.redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
	}

	if cfg.Cache.Enabled {
		if cfg.Cache.Strategy == "redis" && a.redisClient != nil {
			a.store = cache.NewRedisStore(a.redisClient, cfg.Cache, cfg.Redis.Prefix)
		} else {
			a.store = cache.NewMemoryStore(cfg.Cache)
		}
		a.respCache = cache.NewResponseCache(a.store, nil, true)
	}

	if cfg.Security.Enabled {
		a.stack = security.Build(cfg, a.redisClient)
	}
	a.lifecycle = lifecycle.New(cfg.RequestManagement, cfg.Server.TrustProxy)

	a.registerBuiltins(cfg)
	return a
}

// Config returns the current configuration snapshot.
func (a *App) Config() *config.Config { return a.cfg.Load() }

// Cache exposes the response cache store for invalidation and warming.
func (a *App) Cache() cache.Store { return a.store }

// Metrics exposes the Prometheus collector.
func (a *App) Metrics() *metrics.Collector { return a.collector }

// Handle registers a route.
func (a *App) Handle(method, pattern string, handler http.HandlerFunc, opts ...RouteOption) {
	route := &router.Route{
		Method:  method,
		Pattern: pattern,
		Handler: handler,
	}
	for _, opt := range opts {
		opt(route)
	}
	if a.Config().Metrics.Enabled {
		route.Middleware = append([]middleware.Middleware{
			a.collector.Middleware(pattern),
		}, route.Middleware...)
	}
	a.trie.Register(route)
}

// GET through ALL mirror the usual route registration surface.
func (a *App) GET(p string, h http.HandlerFunc, o ...RouteOption)     { a.Handle(http.MethodGet, p, h, o...) }
func (a *App) POST(p string, h http.HandlerFunc, o ...RouteOption)    { a.Handle(http.MethodPost, p, h, o...) }
func (a *App) PUT(p string, h http.HandlerFunc, o ...RouteOption)     { a.Handle(http.MethodPut, p, h, o...) }
func (a *App) DELETE(p string, h http.HandlerFunc, o ...RouteOption)  { a.Handle(http.MethodDelete, p, h, o...) }
func (a *App) PATCH(p string, h http.HandlerFunc, o ...RouteOption)   { a.Handle(http.MethodPatch, p, h, o...) }
func (a *App) HEAD(p string, h http.HandlerFunc, o ...RouteOption)    { a.Handle(http.MethodHead, p, h, o...) }
func (a *App) OPTIONS(p string, h http.HandlerFunc, o ...RouteOption) { a.Handle(http.MethodOptions, p, h, o...) }
func (a *App) ALL(p string, h http.HandlerFunc, o ...RouteOption)     { a.Handle(router.MethodAll, p, h, o...) }

// Use appends a global pipeline stage from a conventional middleware.
func (a *App) Use(mw middleware.Middleware) {
	a.pipe.UseMiddleware(mw)
}

// UseStage appends a raw pipeline stage.
func (a *App) UseStage(s pipeline.Stage) {
	a.pipe.Use(s)
}

// UseOnError registers a pipeline error handler.
func (a *App) UseOnError(h pipeline.ErrorHandler) {
	a.pipe.UseOnError(h)
}

// WithTimeout overrides the request deadline for one route pattern.
func (a *App) WithTimeout(pattern string, d time.Duration) {
	a.lifecycle.WithTimeout(pattern, d)
}

// registerBuiltins adds /health, the metrics endpoint, and the CSRF token
// exchange route.
func (a *App) registerBuiltins(cfg *config.Config) {
	a.GET("/health", func(w http.ResponseWriter, r *http.Request) {
		process := "master"
		if a.isWorker {
			process = "worker-" + config.WorkerID()
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"status":  "ok",
			"process": process,
			"uptime":  time.Since(startTime).Round(time.Second).String(),
		})
	}, WithCache(false))

	if cfg.Metrics.Enabled {
		path := cfg.Metrics.Path
		if path == "" {
			path = "/metrics"
		}
		a.GET(path, func(w http.ResponseWriter, r *http.Request) {
			a.collector.Handler().ServeHTTP(w, r)
		}, WithCache(false))
	}

	// The exchange endpoint must hand out tokens signed by the same instance
	// that validates them, so it borrows the stack's handler.
	if a.stack != nil && a.stack.CSRF.Enabled() {
		a.GET(csrf.TokenPath, func(w http.ResponseWriter, r *http.Request) {
			a.stack.CSRF.TokenHandler().ServeHTTP(w, r)
		}, WithCache(false))
	}
}

var startTime = time.Now()

// WatchConfig hot-reloads the file and pushes the new snapshot to workers.
func (a *App) WatchConfig(path string) error {
	w, err := config.NewWatcher(path)
	if err != nil {
		return err
	}
	w.OnChange(func(cfg *config.Config) {
		a.cfg.Store(cfg)
		if a.supervisor != nil {
			if err := a.supervisor.BroadcastConfig(cfg); err != nil {
				logging.Warn("Config broadcast failed", zap.Error(err))
			}
		}
		logging.Info("Configuration reloaded", zap.String("path", path))
	})
	a.watcher = w
	return w.Start()
}

// Start brings the process up in its proper role: worker runtime, cluster
// parent, multi-server, or plain single server. It blocks until the server
// stops serving.
func (a *App) Start(ctx context.Context) error {
	cfg := a.Config()

	if a.isWorker {
		return a.startWorker(cfg)
	}

	if cfg.Cluster.Enabled {
		a.supervisor = cluster.NewSupervisor(cfg)
		if err := a.supervisor.Start(ctx); err != nil {
			return err
		}
		if !a.supervisor.Fallback() {
			if cfg.Cluster.AutoScaling.Enabled {
				a.scaler = cluster.NewAutoScaler(cfg.Cluster.AutoScaling, a.supervisor, a.supervisor.Bus())
				go a.scaler.Run()
			}
			go a.consumeClusterEvents()
			// The parent only supervises; requests are handled by workers.
			<-ctx.Done()
			return nil
		}
		// Startup fell back to single-process mode; serve from the parent.
	}

	if cfg.MultiServer.Enabled && len(cfg.MultiServer.Servers) > 0 {
		a.multi = multiserver.New(cfg)
		results := a.multi.Start(a.trie.Routes(), a.stack, a.respCache)
		var firstErr error
		for _, res := range results {
			if res.Err != nil && firstErr == nil {
				firstErr = fmt.Errorf("server %s: %w", res.ID, res.Err)
			}
		}
		if firstErr != nil {
			logging.Warn("Partial multi-server start", zap.Error(firstErr))
		}
		<-ctx.Done()
		return nil
	}

	a.srv = a.buildServer(cfg)
	return a.srv.Start()
}

// startWorker runs the HTTP server inside a supervisor-spawned child.
func (a *App) startWorker(cfg *config.Config) error {
	// The supervisor hands every worker the same base port; contention is
	// resolved by stepping to the next free one.
	cfg.Server.AutoPortSwitch.Enabled = true
	cfg.Server.AutoPortSwitch.Strategy = "increment"

	a.srv = a.buildServer(cfg)
	if err := a.srv.Listen(); err != nil {
		return err
	}

	a.runtime = cluster.NewRuntime(cfg,
		func() (int64, uint64, float64, int) {
			lookups, _ := a.trie.Stats()
			return 0, lookups, 0, 0
		},
		func(next *config.Config) {
			a.cfg.Store(next)
			logging.Info("Worker applied config update")
		},
		func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(),
				cfg.Cluster.ProcessManagement.GracefulShutdownTimeout)
			defer cancel()
			a.srv.Shutdown(shutdownCtx)
		},
	)
	if err := a.runtime.Ready(); err != nil {
		logging.Warn("Ready signal failed", zap.Error(err))
	}
	return a.srv.Serve()
}

// buildServer constructs the server once; the pipeline gains its stages on
// first build and must not be re-decorated.
func (a *App) buildServer(cfg *config.Config) *server.Server {
	if a.srv == nil {
		a.srv = server.New(server.Options{
			Config:    cfg,
			Trie:      a.trie,
			Stack:     a.stack,
			Cache:     a.respCache,
			Lifecycle: a.lifecycle,
			Pipeline:  a.pipe,
		})
	}
	return a.srv
}

// consumeClusterEvents mirrors supervisor events into metrics.
func (a *App) consumeClusterEvents() {
	for ev := range a.supervisor.Events() {
		switch ev.Type {
		case cluster.EventWorkerStarted, cluster.EventWorkerExited:
			a.collector.SetWorkers(a.supervisor.WorkerCount())
		case cluster.EventWorkerRestarted:
			a.collector.RecordWorkerRestart()
			a.collector.SetWorkers(a.supervisor.WorkerCount())
		case cluster.EventScalingCompleted:
			a.collector.SetWorkers(a.supervisor.WorkerCount())
		}
	}
}

// Shutdown stops every component, most dependent first.
func (a *App) Shutdown(ctx context.Context) error {
	if a.watcher != nil {
		a.watcher.Stop()
	}
	if a.scaler != nil {
		a.scaler.Stop()
	}
	if a.supervisor != nil {
		a.supervisor.Stop()
	}
	if a.runtime != nil {
		a.runtime.Stop()
	}

	var firstErr error
	if a.multi != nil {
		firstErr = a.multi.Stop(ctx)
	}
	if a.srv != nil {
		if err := a.srv.Shutdown(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if a.stack != nil {
		if err := a.stack.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if a.store != nil {
		a.store.Close()
	}
	if a.redisClient != nil {
		a.redisClient.Close()
	}
	logging.Sync()
	return firstErr
}
