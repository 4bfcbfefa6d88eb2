package securityheaders

import (
	"net/http"

	"github.com/Nehonix-Team/XyPriss-sub003/internal/config"
	"github.com/Nehonix-Team/XyPriss-sub003/internal/middleware"
)

type headerPair struct {
	name  string
	value string
}

// Handler writes a fixed set of security headers on every response.
// The header list is compiled once from config.
type Handler struct {
	enabled bool
	headers []headerPair
}

// New creates a security headers handler from config.
func New(cfg config.SecurityHeadersConfig) *Handler {
	h := &Handler{enabled: cfg.Enabled}

	add := func(name, value string) {
		if value != "" {
			h.headers = append(h.headers, headerPair{name, value})
		}
	}

	add("X-Content-Type-Options", cfg.XContentTypeOptions)
	add("X-Frame-Options", cfg.XFrameOptions)
	add("Strict-Transport-Security", cfg.StrictTransportSecurity)
	add("Referrer-Policy", cfg.ReferrerPolicy)
	add("Permissions-Policy", cfg.PermissionsPolicy)
	add("Content-Security-Policy", cfg.ContentSecurityPolicy)

	return h
}

// Apply sets the compiled headers on the response.
func (h *Handler) Apply(w http.ResponseWriter) {
	header := w.Header()
	for _, p := range h.headers {
		header.Set(p.name, p.value)
	}
}

// Middleware applies the headers before the handler runs so they survive
// handlers that write the status early.
func (h *Handler) Middleware() middleware.Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if h.enabled {
				h.Apply(w)
			}
			next.ServeHTTP(w, r)
		})
	}
}
