package hpp

import (
	"net/http"
	"net/url"

	"github.com/Nehonix-Team/XyPriss-sub003/internal/config"
	"github.com/Nehonix-Team/XyPriss-sub003/internal/middleware"
)

// Handler guards against HTTP parameter pollution: a repeated query or form
// parameter collapses to its last value unless whitelisted.
type Handler struct {
	enabled   bool
	whitelist map[string]bool
}

// New creates an HPP handler from config.
func New(cfg config.HPPConfig) *Handler {
	h := &Handler{
		enabled:   cfg.Enabled,
		whitelist: make(map[string]bool, len(cfg.Whitelist)),
	}
	for _, name := range cfg.Whitelist {
		h.whitelist[name] = true
	}
	return h
}

// collapse keeps the last value of every repeated, non-whitelisted parameter.
func (h *Handler) collapse(values url.Values) bool {
	changed := false
	for name, vs := range values {
		if len(vs) > 1 && !h.whitelist[name] {
			values[name] = vs[len(vs)-1:]
			changed = true
		}
	}
	return changed
}

// Middleware rewrites the request query (and parsed form, when present) so
// downstream handlers only ever see a single value per parameter.
func (h *Handler) Middleware() middleware.Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !h.enabled {
				next.ServeHTTP(w, r)
				return
			}

			query := r.URL.Query()
			if h.collapse(query) {
				r.URL.RawQuery = query.Encode()
			}

			if r.Form != nil {
				h.collapse(r.Form)
			}
			if r.PostForm != nil {
				h.collapse(r.PostForm)
			}

			next.ServeHTTP(w, r)
		})
	}
}
