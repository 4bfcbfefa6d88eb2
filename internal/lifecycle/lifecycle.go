package lifecycle

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/Nehonix-Team/XyPriss-sub003/internal/config"
	"github.com/Nehonix-Team/XyPriss-sub003/internal/errors"
	"github.com/Nehonix-Team/XyPriss-sub003/internal/logging"
	"github.com/Nehonix-Team/XyPriss-sub003/internal/middleware"
	"github.com/Nehonix-Team/XyPriss-sub003/internal/middleware/slowdown"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

const defaultRequestTimeout = 30 * time.Second

// Controller enforces per-request lifecycle limits: deadlines, concurrent
// admission caps, and a draining gate used during graceful shutdown.
type Controller struct {
	defaultTimeout time.Duration
	retryAfter     string

	mu             sync.RWMutex
	routeTimeouts  map[string]time.Duration

	sem        *semaphore.Weighted // nil = unlimited
	maxPerIP   int
	trustProxy bool

	ipMu      sync.Mutex
	perIP     map[string]int

	draining  chan struct{}
	drainOnce sync.Once
	inflight  sync.WaitGroup
}

// New builds a controller from the request management config.
func New(cfg config.RequestManagementConfig, trustProxy bool) *Controller {
	c := &Controller{
		defaultTimeout: cfg.Timeout.DefaultTimeout,
		routeTimeouts:  make(map[string]time.Duration),
		maxPerIP:       cfg.Concurrency.MaxPerIP,
		trustProxy:     trustProxy,
		perIP:          make(map[string]int),
		draining:       make(chan struct{}),
	}
	if c.defaultTimeout <= 0 {
		c.defaultTimeout = defaultRequestTimeout
	}
	c.retryAfter = fmt.Sprintf("%d", int(c.defaultTimeout.Seconds()))
	if c.retryAfter == "0" {
		c.retryAfter = "1"
	}
	for pattern, d := range cfg.Timeout.Routes {
		c.routeTimeouts[pattern] = d
	}
	if n := cfg.Concurrency.MaxConcurrentRequests; n > 0 {
		c.sem = semaphore.NewWeighted(int64(n))
	}
	return c
}

// WithTimeout overrides the request deadline for a single route pattern.
func (c *Controller) WithTimeout(pattern string, d time.Duration) {
	c.mu.Lock()
	c.routeTimeouts[pattern] = d
	c.mu.Unlock()
}

// TimeoutFor resolves the deadline for a route pattern.
func (c *Controller) TimeoutFor(pattern string) time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if d, ok := c.routeTimeouts[pattern]; ok && d > 0 {
		return d
	}
	return c.defaultTimeout
}

// Middleware returns the admission and deadline middleware for one route.
func (c *Controller) Middleware(pattern string) middleware.Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			select {
			case <-c.draining:
				w.Header().Set("Connection", "close")
				errors.ErrServiceUnavailable.WriteJSON(w)
				return
			default:
			}

			if c.sem != nil {
				if !c.sem.TryAcquire(1) {
					errors.ErrServiceUnavailable.WriteJSON(w)
					return
				}
				defer c.sem.Release(1)
			}

			if c.maxPerIP > 0 {
				ip := slowdown.ClientIP(r, c.trustProxy)
				if !c.admitIP(ip) {
					errors.ErrServiceUnavailable.WriteJSON(w)
					return
				}
				defer c.releaseIP(ip)
			}

			c.inflight.Add(1)
			defer c.inflight.Done()

			timeout := c.TimeoutFor(pattern)
			ctx, cancel := context.WithTimeout(r.Context(), timeout)
			defer cancel()

			rw := &deadlineWriter{ResponseWriter: w, retryAfter: c.retryAfter}
			next.ServeHTTP(rw, r.WithContext(ctx))

			if ctx.Err() == context.DeadlineExceeded && !rw.headerWritten {
				logging.Warn("Request deadline exceeded",
					zap.String("method", r.Method),
					zap.String("path", r.URL.Path),
					zap.Duration("timeout", timeout),
				)
				rw.Header().Set("Retry-After", c.retryAfter)
				errors.ErrGatewayTimeout.WriteJSON(rw)
			}
		})
	}
}

func (c *Controller) admitIP(ip string) bool {
	c.ipMu.Lock()
	defer c.ipMu.Unlock()
	if c.perIP[ip] >= c.maxPerIP {
		return false
	}
	c.perIP[ip]++
	return true
}

func (c *Controller) releaseIP(ip string) {
	c.ipMu.Lock()
	defer c.ipMu.Unlock()
	if c.perIP[ip] <= 1 {
		delete(c.perIP, ip)
	} else {
		c.perIP[ip]--
	}
}

// Drain rejects new requests and waits for in-flight ones to finish or the
// context to expire. It is safe to call more than once.
func (c *Controller) Drain(ctx context.Context) error {
	c.drainOnce.Do(func() { close(c.draining) })

	done := make(chan struct{})
	go func() {
		c.inflight.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// deadlineWriter injects a Retry-After header on 504 responses and tracks
// whether the handler already produced output.
type deadlineWriter struct {
	http.ResponseWriter
	retryAfter    string
	headerWritten bool
}

func (w *deadlineWriter) WriteHeader(code int) {
	if !w.headerWritten {
		w.headerWritten = true
		if code == http.StatusGatewayTimeout && w.retryAfter != "" {
			w.ResponseWriter.Header().Set("Retry-After", w.retryAfter)
		}
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *deadlineWriter) Write(b []byte) (int, error) {
	if !w.headerWritten {
		w.WriteHeader(http.StatusOK)
	}
	return w.ResponseWriter.Write(b)
}

func (w *deadlineWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
