package ratelimit

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/Nehonix-Team/XyPriss-sub003/internal/config"
	"github.com/Nehonix-Team/XyPriss-sub003/internal/errors"
	"github.com/Nehonix-Team/XyPriss-sub003/internal/middleware"
	"github.com/Nehonix-Team/XyPriss-sub003/internal/middleware/slowdown"
	"github.com/bmatcuk/doublestar/v4"
	"github.com/golang-jwt/jwt/v5"
)

// Limiter enforces sliding-window limits at up to three scopes per request:
// the whole server, the client address, and the authenticated user. Exceeding
// any scope rejects the request with 429.
type Limiter struct {
	enabled     bool
	max         int
	globalMax   int
	perUser     bool
	headers     bool
	exemptPaths []string
	store       Store
	jwtParser   *jwt.Parser
	trustProxy  bool
}

// New creates a limiter from config using the given store.
func New(cfg config.RateLimitConfig, store Store, trustProxy bool) *Limiter {
	return &Limiter{
		enabled:     cfg.Enabled,
		max:         cfg.Max,
		globalMax:   cfg.GlobalMax,
		perUser:     cfg.PerUser,
		headers:     cfg.Headers,
		exemptPaths: cfg.ExemptPaths,
		store:       store,
		jwtParser:   jwt.NewParser(),
		trustProxy:  trustProxy,
	}
}

// Close releases the underlying store.
func (l *Limiter) Close() error {
	if l.store != nil {
		return l.store.Close()
	}
	return nil
}

func (l *Limiter) isExempt(path string) bool {
	for _, pattern := range l.exemptPaths {
		if matched, _ := doublestar.Match(pattern, path); matched {
			return true
		}
		if pattern == path {
			return true
		}
	}
	return false
}

// userID extracts the subject from a Bearer token without verifying it; the
// limiter only needs a stable per-user key, not authentication.
func (l *Limiter) userID(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if !strings.HasPrefix(auth, "Bearer ") {
		return ""
	}
	token, _, err := l.jwtParser.ParseUnverified(strings.TrimPrefix(auth, "Bearer "), jwt.MapClaims{})
	if err != nil {
		return ""
	}
	sub, err := token.Claims.GetSubject()
	if err != nil {
		return ""
	}
	return sub
}

// check runs one scope through the store. Store errors fail open.
func (l *Limiter) check(r *http.Request, key string, limit int) (bool, int, time.Time) {
	allowed, remaining, reset, err := l.store.Allow(r.Context(), key, limit)
	if err != nil {
		return true, limit, time.Now()
	}
	return allowed, remaining, reset
}

func (l *Limiter) reject(w http.ResponseWriter, reset time.Time) {
	retryAfter := int(time.Until(reset).Seconds())
	if retryAfter < 1 {
		retryAfter = 1
	}
	w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
	errors.ErrTooManyRequests.WriteJSON(w)
}

// Middleware applies the configured scopes in widening order: global first,
// then per-IP, then per-user. Response headers report the per-IP scope.
func (l *Limiter) Middleware() middleware.Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !l.enabled || l.isExempt(r.URL.Path) {
				next.ServeHTTP(w, r)
				return
			}

			if l.globalMax > 0 {
				if allowed, _, reset := l.check(r, "global", l.globalMax); !allowed {
					l.reject(w, reset)
					return
				}
			}

			ip := slowdown.ClientIP(r, l.trustProxy)
			allowed, remaining, reset := l.check(r, "ip:"+ip, l.max)
			if l.headers {
				w.Header().Set("X-RateLimit-Limit", strconv.Itoa(l.max))
				w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
				w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(reset.Unix(), 10))
			}
			if !allowed {
				l.reject(w, reset)
				return
			}

			if l.perUser {
				if user := l.userID(r); user != "" {
					if allowed, _, reset := l.check(r, "user:"+user, l.max); !allowed {
						l.reject(w, reset)
						return
					}
				}
			}

			next.ServeHTTP(w, r)
		})
	}
}

// RouteMiddleware limits one route independently, keyed by route and client.
func (l *Limiter) RouteMiddleware(routePattern string, max int) middleware.Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !l.enabled || max <= 0 {
				next.ServeHTTP(w, r)
				return
			}

			key := "route:" + routePattern + "|ip:" + slowdown.ClientIP(r, l.trustProxy)
			allowed, remaining, reset := l.check(r, key, max)
			if l.headers {
				w.Header().Set("X-RateLimit-Limit", strconv.Itoa(max))
				w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
				w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(reset.Unix(), 10))
			}
			if !allowed {
				l.reject(w, reset)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
