package csrf

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/Nehonix-Team/XyPriss-sub003/internal/config"
)

func newTestHandler() *Handler {
	return New(config.CSRFConfig{
		Enabled:    true,
		CookieName: "csrf-test",
		HeaderName: "X-CSRF-Token",
		Secret:     "test-secret",
		TokenTTL:   time.Hour,
	}, false)
}

func TestTokenRoundTrip(t *testing.T) {
	h := newTestHandler()
	token := h.GenerateToken()
	if !h.ValidateToken(token) {
		t.Error("fresh token rejected")
	}
}

func TestTokenWrongSecretRejected(t *testing.T) {
	h := newTestHandler()
	other := New(config.CSRFConfig{Enabled: true, Secret: "other-secret", TokenTTL: time.Hour}, false)

	if h.ValidateToken(other.GenerateToken()) {
		t.Error("token signed with wrong secret accepted")
	}
}

func TestExpiredTokenRejected(t *testing.T) {
	h := New(config.CSRFConfig{
		Enabled:  true,
		Secret:   "test-secret",
		TokenTTL: -time.Minute,
	}, false)
	if h.ValidateToken(h.GenerateToken()) {
		t.Error("expired token accepted")
	}
}

func TestSafeMethodSetsCookie(t *testing.T) {
	h := newTestHandler()
	handler := h.Middleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest("GET", "/", nil))

	cookies := rec.Result().Cookies()
	if len(cookies) != 1 || cookies[0].Name != "csrf-test" {
		t.Fatalf("cookies = %v", cookies)
	}
	if !h.ValidateToken(cookies[0].Value) {
		t.Error("cookie token invalid")
	}
}

func TestPostWithoutTokenBlocked(t *testing.T) {
	h := newTestHandler()
	handler := h.Middleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("handler should not run")
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest("POST", "/update", nil))

	if rec.Code != http.StatusForbidden {
		t.Errorf("status = %d, want 403", rec.Code)
	}
}

func TestPostWithMatchingTokensPasses(t *testing.T) {
	h := newTestHandler()
	called := false
	handler := h.Middleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))

	token := h.GenerateToken()
	req := httptest.NewRequest("POST", "/update", nil)
	req.AddCookie(&http.Cookie{Name: "csrf-test", Value: token})
	req.Header.Set("X-CSRF-Token", token)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if !called {
		t.Errorf("valid request blocked: %d %s", rec.Code, rec.Body.String())
	}
}

func TestPostWithMismatchedTokensBlocked(t *testing.T) {
	h := newTestHandler()
	handler := h.Middleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("handler should not run")
	}))

	req := httptest.NewRequest("POST", "/update", nil)
	req.AddCookie(&http.Cookie{Name: "csrf-test", Value: h.GenerateToken()})
	req.Header.Set("X-CSRF-Token", h.GenerateToken())
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Errorf("status = %d, want 403", rec.Code)
	}
}

func TestTokenEndpoint(t *testing.T) {
	h := newTestHandler()

	rec := httptest.NewRecorder()
	h.TokenHandler().ServeHTTP(rec, httptest.NewRequest("GET", TokenPath, nil))

	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if !h.ValidateToken(body["token"]) {
		t.Error("endpoint returned invalid token")
	}

	cookies := rec.Result().Cookies()
	if len(cookies) != 1 || cookies[0].Value != body["token"] {
		t.Error("cookie does not match body token")
	}
}
