package server

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/Nehonix-Team/XyPriss-sub003/internal/cache"
	"github.com/Nehonix-Team/XyPriss-sub003/internal/config"
	"github.com/Nehonix-Team/XyPriss-sub003/internal/errors"
	"github.com/Nehonix-Team/XyPriss-sub003/internal/lifecycle"
	"github.com/Nehonix-Team/XyPriss-sub003/internal/logging"
	"github.com/Nehonix-Team/XyPriss-sub003/internal/middleware"
	"github.com/Nehonix-Team/XyPriss-sub003/internal/notfound"
	"github.com/Nehonix-Team/XyPriss-sub003/internal/pipeline"
	"github.com/Nehonix-Team/XyPriss-sub003/internal/ports"
	"github.com/Nehonix-Team/XyPriss-sub003/internal/router"
	"github.com/Nehonix-Team/XyPriss-sub003/internal/security"
	"go.uber.org/zap"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
)

// TunnelHandler receives the raw connection of an accepted CONNECT request.
type TunnelHandler func(conn net.Conn, r *http.Request)

// Server is one HTTP server instance: routing trie, security pipeline,
// response cache, and request lifecycle controls around net/http.
type Server struct {
	cfg       *config.Config
	trie      *router.Trie
	stack     *security.Stack
	respCache *cache.ResponseCache
	pipe      *pipeline.Pipeline
	lifecycle *lifecycle.Controller
	notFound  *notfound.Renderer
	tunnel    TunnelHandler

	httpSrv  *http.Server
	listener net.Listener
	port     atomic.Int64
}

// Options carries the collaborators built by the composition root.
type Options struct {
	Config    *config.Config
	Trie      *router.Trie
	Stack     *security.Stack
	Cache     *cache.ResponseCache
	Lifecycle *lifecycle.Controller
	Pipeline  *pipeline.Pipeline
	Tunnel    TunnelHandler
}

// New assembles a server. The pipeline gains the security stages plus
// recovery and request ID decoration; a nil pipeline gets a fresh one.
func New(opts Options) *Server {
	s := &Server{
		cfg:       opts.Config,
		trie:      opts.Trie,
		stack:     opts.Stack,
		respCache: opts.Cache,
		pipe:      opts.Pipeline,
		lifecycle: opts.Lifecycle,
		notFound:  notfound.New(opts.Config.NotFound),
		tunnel:    opts.Tunnel,
	}
	if s.pipe == nil {
		s.pipe = pipeline.New()
	}
	s.pipe.UseMiddleware(middleware.Recovery())
	s.pipe.UseMiddleware(middleware.RequestID())
	if opts.Config.Security.Enabled && s.stack != nil {
		for _, m := range s.stack.Middlewares() {
			s.pipe.UseMiddleware(m)
		}
	}
	return s
}

// Pipeline exposes the request pipeline so the app can add stages and
// error handlers before the server starts.
func (s *Server) Pipeline() *pipeline.Pipeline { return s.pipe }

// Port returns the port actually bound, once Start has acquired it.
func (s *Server) Port() int { return int(s.port.Load()) }

// ServeHTTP resolves the route and runs the pipeline for one request.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodConnect {
		s.serveConnect(w, r)
		return
	}

	if !s.enforceBodyLimit(w, r) {
		return
	}

	r = WithAttributes(r)

	route, params := s.trie.Match(r.Method, r.URL.Path)

	// HEAD falls back to the GET handler with the body suppressed.
	suppressBody := false
	if route == nil && r.Method == http.MethodHead {
		route, params = s.trie.Match(http.MethodGet, r.URL.Path)
		suppressBody = route != nil
	}

	if route == nil {
		if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") == "" {
			if methods := s.trie.MethodsForPath(r.URL.Path); len(methods) > 0 {
				w.Header().Set("Allow", strings.Join(methods, ", "))
				w.WriteHeader(http.StatusNoContent)
				return
			}
		}
		// Unmatched requests still traverse the pipeline so 404s carry
		// security headers and reach the access log.
		s.pipe.Execute(w, r, http.HandlerFunc(s.notFound.Render))
		return
	}

	if len(params) > 0 {
		r = router.WithParams(r, params)
	}

	handler := s.routeHandler(route)
	if suppressBody {
		handler = suppressBodyHandler(handler)
	}
	s.pipe.Execute(w, r, handler)
}

// routeHandler composes the per-route chain: lifecycle limits outermost,
// then the response cache, then route-scoped middleware around the handler.
func (s *Server) routeHandler(route *router.Route) http.Handler {
	h := middleware.NewChain(route.Middleware...).Then(route.Handler)
	if s.respCache != nil {
		h = s.respCache.Middleware(route.Cacheable, nil)(h)
	}
	if s.lifecycle != nil {
		h = s.lifecycle.Middleware(route.Pattern)(h)
	}
	return h
}

// enforceBodyLimit rejects oversized bodies before any middleware runs and
// caps reads for the rest with MaxBytesReader.
func (s *Server) enforceBodyLimit(w http.ResponseWriter, r *http.Request) bool {
	if r.Body == nil || r.ContentLength == 0 {
		return true
	}
	limit := s.bodyLimitFor(r.Header.Get("Content-Type"))
	if limit <= 0 {
		return true
	}
	if r.ContentLength > limit {
		errors.ErrRequestEntityTooLarge.WriteJSON(w)
		return false
	}
	r.Body = http.MaxBytesReader(w, r.Body, limit)
	return true
}

func (s *Server) bodyLimitFor(contentType string) int64 {
	switch {
	case strings.HasPrefix(contentType, "application/json"):
		return s.cfg.Server.JSONLimit
	case strings.HasPrefix(contentType, "application/x-www-form-urlencoded"):
		return s.cfg.Server.URLEncodedLimit
	default:
		return 0
	}
}

func (s *Server) serveConnect(w http.ResponseWriter, r *http.Request) {
	if s.tunnel == nil {
		errors.ErrMethodNotAllowed.WriteJSON(w)
		return
	}
	hj, ok := w.(http.Hijacker)
	if !ok {
		errors.ErrNotImplemented.WriteJSON(w)
		return
	}
	conn, buf, err := hj.Hijack()
	if err != nil {
		logging.Error("CONNECT hijack failed", zap.Error(err))
		errors.ErrInternalServer.WriteJSON(w)
		return
	}
	buf.WriteString("HTTP/1.1 200 Connection Established\r\n\r\n")
	buf.Flush()
	s.tunnel(conn, r)
}

// Listen acquires the port and prepares the HTTP server without serving.
func (s *Server) Listen() error {
	acq := ports.New(s.cfg.Server)
	res, err := acq.Acquire(s.cfg.Server.Port)
	if err != nil {
		return fmt.Errorf("acquire port: %w", err)
	}
	s.port.Store(int64(res.Port))
	s.listener = res.Listener

	var handler http.Handler = s
	if s.cfg.Server.HTTP2 {
		handler = h2c.NewHandler(s, &http2.Server{})
	}

	s.httpSrv = &http.Server{
		Handler:      handler,
		ReadTimeout:  s.cfg.Server.ReadTimeout,
		WriteTimeout: s.cfg.Server.WriteTimeout,
	}

	logging.Info("Server listening",
		zap.String("host", s.cfg.Server.Host),
		zap.Int("port", res.Port),
		zap.Bool("port_switched", res.Switched),
		zap.Bool("http2", s.cfg.Server.HTTP2),
	)
	return nil
}

// Serve blocks until the listener closes; http.ErrServerClosed is swallowed.
func (s *Server) Serve() error {
	if err := s.httpSrv.Serve(s.listener); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Start is Listen followed by Serve.
func (s *Server) Start() error {
	if err := s.Listen(); err != nil {
		return err
	}
	return s.Serve()
}

// Shutdown drains in-flight requests, then closes the HTTP server. The
// context bounds the whole stop.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.lifecycle != nil {
		if err := s.lifecycle.Drain(ctx); err != nil {
			logging.Warn("Drain incomplete; forcing close", zap.Error(err))
		}
	}
	if s.httpSrv == nil {
		return nil
	}
	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return s.httpSrv.Shutdown(shutdownCtx)
}

// suppressBodyHandler runs the handler but discards body bytes, keeping
// headers and status for HEAD responses.
func suppressBodyHandler(h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h.ServeHTTP(&headWriter{ResponseWriter: w}, r)
	})
}

type headWriter struct {
	http.ResponseWriter
}

func (w *headWriter) Write(b []byte) (int, error) {
	return len(b), nil
}
