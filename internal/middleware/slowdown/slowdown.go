package slowdown

import (
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/Nehonix-Team/XyPriss-sub003/internal/config"
	"github.com/Nehonix-Team/XyPriss-sub003/internal/middleware"
	lru "github.com/hashicorp/golang-lru/v2/expirable"
)

// counter tracks requests from one client within the window.
type counter struct {
	mu    sync.Mutex
	count int
}

// Handler applies a progressive delay once a client exceeds the threshold:
// each request past DelayAfter waits one BaseDelay longer than the last,
// capped at MaxDelay. Counters expire with the window.
type Handler struct {
	enabled    bool
	delayAfter int
	baseDelay  time.Duration
	maxDelay   time.Duration
	trustProxy bool

	counters *lru.LRU[string, *counter]

	// sleep is swapped out in tests.
	sleep func(time.Duration)
}

// New creates a slowdown handler from config.
func New(cfg config.SlowDownConfig, trustProxy bool) *Handler {
	window := cfg.Window
	if window <= 0 {
		window = 15 * time.Minute
	}
	return &Handler{
		enabled:    cfg.Enabled,
		delayAfter: cfg.DelayAfter,
		baseDelay:  cfg.BaseDelay,
		maxDelay:   cfg.MaxDelay,
		trustProxy: trustProxy,
		counters:   lru.NewLRU[string, *counter](65536, nil, window),
		sleep:      time.Sleep,
	}
}

// Delay returns the pause to apply for this client's next request.
func (h *Handler) Delay(clientIP string) time.Duration {
	c, ok := h.counters.Get(clientIP)
	if !ok {
		c = &counter{}
		h.counters.Add(clientIP, c)
	}

	c.mu.Lock()
	c.count++
	over := c.count - h.delayAfter
	c.mu.Unlock()

	if over <= 0 {
		return 0
	}

	delay := time.Duration(over) * h.baseDelay
	if h.maxDelay > 0 && delay > h.maxDelay {
		delay = h.maxDelay
	}
	return delay
}

// Middleware delays abusive clients before passing the request on.
func (h *Handler) Middleware() middleware.Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !h.enabled {
				next.ServeHTTP(w, r)
				return
			}

			if delay := h.Delay(ClientIP(r, h.trustProxy)); delay > 0 {
				h.sleep(delay)
			}
			next.ServeHTTP(w, r)
		})
	}
}

// ClientIP extracts the client address. X-Forwarded-For is honored only
// behind a trusted proxy; otherwise any client could pick its own identity
// and sidestep per-IP limits.
func ClientIP(r *http.Request, trustProxy bool) string {
	if xff := r.Header.Get("X-Forwarded-For"); trustProxy && xff != "" {
		for i := 0; i < len(xff); i++ {
			if xff[i] == ',' {
				return xff[:i]
			}
		}
		return xff
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
