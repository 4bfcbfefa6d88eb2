package server

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/Nehonix-Team/XyPriss-sub003/internal/cache"
	"github.com/Nehonix-Team/XyPriss-sub003/internal/config"
	"github.com/Nehonix-Team/XyPriss-sub003/internal/lifecycle"
	"github.com/Nehonix-Team/XyPriss-sub003/internal/middleware"
	"github.com/Nehonix-Team/XyPriss-sub003/internal/router"
)

func newTestServer(t *testing.T, mutate func(cfg *config.Config)) (*Server, *router.Trie) {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Security.Enabled = false
	cfg.Cache.Enabled = false
	if mutate != nil {
		mutate(cfg)
	}

	trie := router.New()
	var respCache *cache.ResponseCache
	if cfg.Cache.Enabled {
		respCache = cache.NewResponseCache(cache.NewMemoryStore(cfg.Cache), nil, true)
	}
	s := New(Options{
		Config:    cfg,
		Trie:      trie,
		Cache:     respCache,
		Lifecycle: lifecycle.New(cfg.RequestManagement, cfg.Server.TrustProxy),
	})
	return s, trie
}

func get(s *Server, method, target string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, httptest.NewRequest(method, target, nil))
	return rec
}

func TestRouteDispatchWithParams(t *testing.T) {
	s, trie := newTestServer(t, nil)
	trie.Register(&router.Route{
		Method:  "GET",
		Pattern: "/users/:id",
		Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte("user " + router.Param(r, "id")))
		}),
	})

	rec := get(s, "GET", "/users/42")
	if rec.Code != http.StatusOK || rec.Body.String() != "user 42" {
		t.Errorf("status = %d body = %q", rec.Code, rec.Body.String())
	}
}

func TestUnknownPathRendersNotFound(t *testing.T) {
	s, _ := newTestServer(t, nil)

	rec := get(s, "GET", "/nope")
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "404") && !strings.Contains(rec.Body.String(), "Cannot GET /nope") {
		t.Errorf("body = %q", rec.Body.String())
	}
}

func TestHeadFallsBackToGet(t *testing.T) {
	s, trie := newTestServer(t, nil)
	trie.Register(&router.Route{
		Method:  "GET",
		Pattern: "/doc",
		Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "text/plain")
			w.Write([]byte("payload"))
		}),
	})

	rec := get(s, "HEAD", "/doc")
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d", rec.Code)
	}
	if rec.Body.Len() != 0 {
		t.Errorf("HEAD body = %q, want empty", rec.Body.String())
	}
	if rec.Header().Get("Content-Type") != "text/plain" {
		t.Errorf("headers lost: %v", rec.Header())
	}
}

func TestBareOptionsListsMethods(t *testing.T) {
	s, trie := newTestServer(t, nil)
	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {})
	trie.Register(&router.Route{Method: "GET", Pattern: "/thing", Handler: ok})
	trie.Register(&router.Route{Method: "POST", Pattern: "/thing", Handler: ok})

	rec := get(s, "OPTIONS", "/thing")
	if rec.Code != http.StatusNoContent {
		t.Errorf("status = %d", rec.Code)
	}
	allow := rec.Header().Get("Allow")
	if !strings.Contains(allow, "GET") || !strings.Contains(allow, "POST") {
		t.Errorf("Allow = %q", allow)
	}
}

func TestConnectWithoutTunnelIs405(t *testing.T) {
	s, _ := newTestServer(t, nil)
	rec := get(s, "CONNECT", "http://upstream.example:443")
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("status = %d", rec.Code)
	}
}

func TestOversizedJSONBodyRejected(t *testing.T) {
	s, trie := newTestServer(t, func(cfg *config.Config) {
		cfg.Server.JSONLimit = 16
	})
	trie.Register(&router.Route{
		Method:  "POST",
		Pattern: "/ingest",
		Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusCreated)
		}),
	})

	body := strings.NewReader(`{"data":"` + strings.Repeat("x", 64) + `"}`)
	req := httptest.NewRequest("POST", "/ingest", body)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("status = %d, want 413", rec.Code)
	}
}

func TestRouteMiddlewareApplied(t *testing.T) {
	s, trie := newTestServer(t, nil)
	tag := func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("X-Scoped", "yes")
			next.ServeHTTP(w, r)
		})
	}
	trie.Register(&router.Route{
		Method:     "GET",
		Pattern:    "/scoped",
		Middleware: []middleware.Middleware{tag},
		Handler:    http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.Write([]byte("ok")) }),
	})

	rec := get(s, "GET", "/scoped")
	if rec.Header().Get("X-Scoped") != "yes" {
		t.Error("route middleware skipped")
	}

	other := get(s, "GET", "/missing")
	if other.Header().Get("X-Scoped") != "" {
		t.Error("route middleware leaked to other paths")
	}
}

func TestResponseCacheWired(t *testing.T) {
	s, trie := newTestServer(t, func(cfg *config.Config) {
		cfg.Cache.Enabled = true
	})
	trie.Register(&router.Route{
		Method:  "GET",
		Pattern: "/cached",
		Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte("body"))
		}),
	})

	if got := get(s, "GET", "/cached").Header().Get("X-Cache"); got != "MISS" {
		t.Errorf("first X-Cache = %q", got)
	}
	if got := get(s, "GET", "/cached").Header().Get("X-Cache"); got != "HIT" {
		t.Errorf("second X-Cache = %q", got)
	}
}

func TestRouteTimeoutEnforced(t *testing.T) {
	s, trie := newTestServer(t, func(cfg *config.Config) {
		cfg.RequestManagement.Timeout.Routes = map[string]time.Duration{
			"/slow": 20 * time.Millisecond,
		}
	})
	trie.Register(&router.Route{
		Method:  "GET",
		Pattern: "/slow",
		Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			<-r.Context().Done()
		}),
	})

	rec := get(s, "GET", "/slow")
	if rec.Code != http.StatusGatewayTimeout {
		t.Errorf("status = %d, want 504", rec.Code)
	}
}

func TestRequestAttributes(t *testing.T) {
	userKey := RegisterAttr[string]("user")

	s, trie := newTestServer(t, nil)
	trie.Register(&router.Route{
		Method:  "GET",
		Pattern: "/attr",
		Middleware: []middleware.Middleware{
			func(next http.Handler) http.Handler {
				return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
					if !SetAttr(r, userKey, "alice") {
						t.Error("typed set rejected")
					}
					if SetAttr(r, userKey, 42) {
						t.Error("wrong type accepted")
					}
					next.ServeHTTP(w, r)
				})
			},
		},
		Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			v, ok := Attr(r, userKey)
			if !ok || v != "alice" {
				t.Errorf("attr = %v ok = %v", v, ok)
			}
			w.Write([]byte("done"))
		}),
	})

	if rec := get(s, "GET", "/attr"); rec.Body.String() != "done" {
		t.Errorf("body = %q", rec.Body.String())
	}
}
