package cors

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/Nehonix-Team/XyPriss-sub003/internal/config"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestPreflight(t *testing.T) {
	h := New(config.CORSConfig{
		Enabled: true,
		Origins: []string{"https://app.example.com"},
		Methods: []string{"GET", "POST"},
	})

	req := httptest.NewRequest("OPTIONS", "/api", nil)
	req.Header.Set("Origin", "https://app.example.com")
	req.Header.Set("Access-Control-Request-Method", "POST")
	rec := httptest.NewRecorder()
	h.Middleware()(okHandler()).ServeHTTP(rec, req)

	if rec.Code != http.StatusNoContent {
		t.Errorf("status = %d, want 204", rec.Code)
	}
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "https://app.example.com" {
		t.Errorf("allow-origin = %q", got)
	}
	if got := rec.Header().Get("Access-Control-Allow-Methods"); got != "GET, POST" {
		t.Errorf("allow-methods = %q", got)
	}
}

func TestPreflightDisallowedOrigin(t *testing.T) {
	h := New(config.CORSConfig{
		Enabled: true,
		Origins: []string{"https://app.example.com"},
	})

	req := httptest.NewRequest("OPTIONS", "/api", nil)
	req.Header.Set("Origin", "https://evil.example.org")
	req.Header.Set("Access-Control-Request-Method", "POST")
	rec := httptest.NewRecorder()
	h.Middleware()(okHandler()).ServeHTTP(rec, req)

	if rec.Code != http.StatusNoContent {
		t.Errorf("status = %d, want 204", rec.Code)
	}
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Errorf("allow-origin should be empty, got %q", got)
	}
}

func TestSimpleRequestWildcard(t *testing.T) {
	h := New(config.CORSConfig{Enabled: true, Origins: []string{"*"}})

	req := httptest.NewRequest("GET", "/api", nil)
	req.Header.Set("Origin", "https://anywhere.example")
	rec := httptest.NewRecorder()
	h.Middleware()(okHandler()).ServeHTTP(rec, req)

	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "*" {
		t.Errorf("allow-origin = %q, want *", got)
	}
}

func TestWildcardWithCredentialsReflectsOrigin(t *testing.T) {
	h := New(config.CORSConfig{Enabled: true, Origins: []string{"*"}, Credentials: true})

	req := httptest.NewRequest("GET", "/api", nil)
	req.Header.Set("Origin", "https://app.example.com")
	rec := httptest.NewRecorder()
	h.Middleware()(okHandler()).ServeHTTP(rec, req)

	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "https://app.example.com" {
		t.Errorf("allow-origin = %q, want reflected origin", got)
	}
	if got := rec.Header().Get("Access-Control-Allow-Credentials"); got != "true" {
		t.Errorf("allow-credentials = %q", got)
	}
}

func TestSubdomainWildcard(t *testing.T) {
	h := New(config.CORSConfig{Enabled: true, Origins: []string{"*.example.com"}})

	req := httptest.NewRequest("GET", "/api", nil)
	req.Header.Set("Origin", "https://api.example.com")
	rec := httptest.NewRecorder()
	h.Middleware()(okHandler()).ServeHTTP(rec, req)

	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "https://api.example.com" {
		t.Errorf("allow-origin = %q", got)
	}
}

func TestDisabledPassesThrough(t *testing.T) {
	h := New(config.CORSConfig{Enabled: false, Origins: []string{"*"}})

	req := httptest.NewRequest("GET", "/api", nil)
	req.Header.Set("Origin", "https://app.example.com")
	rec := httptest.NewRecorder()
	h.Middleware()(okHandler()).ServeHTTP(rec, req)

	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Errorf("disabled handler set headers: %q", got)
	}
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d", rec.Code)
	}
}
