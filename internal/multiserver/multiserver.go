// Package multiserver runs several independent HTTP servers in one process,
// partitioning the registered routes between them by prefix or allow-list.
package multiserver

import (
	"context"
	"strings"
	"sync"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/Nehonix-Team/XyPriss-sub003/internal/cache"
	"github.com/Nehonix-Team/XyPriss-sub003/internal/config"
	"github.com/Nehonix-Team/XyPriss-sub003/internal/lifecycle"
	"github.com/Nehonix-Team/XyPriss-sub003/internal/logging"
	"github.com/Nehonix-Team/XyPriss-sub003/internal/router"
	"github.com/Nehonix-Team/XyPriss-sub003/internal/security"
	"github.com/Nehonix-Team/XyPriss-sub003/internal/server"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// StartResult reports the outcome of one server's start attempt.
type StartResult struct {
	ID   string
	Port int
	Err  error
}

// Controller owns the server set. Servers share the security stack and
// response cache; each gets its own trie, listener, and lifecycle limits.
type Controller struct {
	cfg     *config.Config
	entries []config.ServerEntryConfig

	mu      sync.Mutex
	servers map[string]*server.Server
}

// New builds a controller from the multi-server config.
func New(cfg *config.Config) *Controller {
	return &Controller{
		cfg:     cfg,
		entries: cfg.MultiServer.Servers,
		servers: make(map[string]*server.Server),
	}
}

// Allowed reports whether a route pattern belongs on the given server entry.
// No filter admits everything; otherwise the prefix or one of the allow-list
// patterns must match.
func Allowed(entry config.ServerEntryConfig, pattern string) bool {
	if entry.RoutePrefix == "" && len(entry.AllowedRoutes) == 0 {
		return true
	}
	if entry.RoutePrefix != "" && strings.HasPrefix(pattern, entry.RoutePrefix) {
		return true
	}
	path := strings.TrimPrefix(pattern, "/")
	for _, allowed := range entry.AllowedRoutes {
		if allowed == pattern {
			return true
		}
		// Trailing /* covers the whole subtree.
		glob := strings.TrimPrefix(allowed, "/")
		if strings.HasSuffix(glob, "/*") {
			glob = strings.TrimSuffix(glob, "/*") + "/**"
		}
		if ok, err := doublestar.Match(glob, path); err == nil && ok {
			return true
		}
	}
	return false
}

// Distribute splits the registered routes across per-server tries.
func (c *Controller) Distribute(routes []*router.Route) map[string]*router.Trie {
	tries := make(map[string]*router.Trie, len(c.entries))
	for _, entry := range c.entries {
		trie := router.New()
		for _, route := range routes {
			if Allowed(entry, route.Pattern) {
				trie.Register(route)
			}
		}
		tries[entry.ID] = trie
	}
	return tries
}

// Start builds and starts every configured server concurrently. Failures are
// collected per server; one failed bind does not stop the rest.
func (c *Controller) Start(routes []*router.Route, stack *security.Stack, respCache *cache.ResponseCache) []StartResult {
	tries := c.Distribute(routes)

	results := make([]StartResult, len(c.entries))
	var wg sync.WaitGroup
	for i, entry := range c.entries {
		srvCfg := *c.cfg
		srvCfg.Server.Host = entry.Host
		if srvCfg.Server.Host == "" {
			srvCfg.Server.Host = c.cfg.Server.Host
		}
		srvCfg.Server.Port = entry.Port

		srv := server.New(server.Options{
			Config:    &srvCfg,
			Trie:      tries[entry.ID],
			Stack:     stack,
			Cache:     respCache,
			Lifecycle: lifecycle.New(srvCfg.RequestManagement, srvCfg.Server.TrustProxy),
		})

		results[i] = StartResult{ID: entry.ID}

		wg.Add(1)
		go func(i int, entry config.ServerEntryConfig, srv *server.Server) {
			defer wg.Done()
			if err := srv.Listen(); err != nil {
				results[i].Err = err
				logging.Error("Server failed to start",
					zap.String("server_id", entry.ID),
					zap.Int("port", entry.Port),
					zap.Error(err),
				)
				return
			}
			results[i].Port = srv.Port()

			c.mu.Lock()
			c.servers[entry.ID] = srv
			c.mu.Unlock()

			logging.Info("Server started",
				zap.String("server_id", entry.ID),
				zap.Int("port", srv.Port()),
			)
			go srv.Serve()
		}(i, entry, srv)
	}
	wg.Wait()
	return results
}

// Server returns a started server by ID.
func (c *Controller) Server(id string) *server.Server {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.servers[id]
}

// Stop shuts every server down concurrently and aggregates errors.
func (c *Controller) Stop(ctx context.Context) error {
	c.mu.Lock()
	servers := make([]*server.Server, 0, len(c.servers))
	for _, s := range c.servers {
		servers = append(servers, s)
	}
	c.mu.Unlock()

	g, ctx := errgroup.WithContext(ctx)
	for _, s := range servers {
		s := s
		g.Go(func() error {
			return s.Shutdown(ctx)
		})
	}
	return g.Wait()
}
