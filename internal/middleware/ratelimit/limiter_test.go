package ratelimit

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/Nehonix-Team/XyPriss-sub003/internal/config"
	"github.com/golang-jwt/jwt/v5"
)

func newTestLimiter(max, globalMax int) *Limiter {
	return New(config.RateLimitConfig{
		Enabled:     true,
		Window:      time.Minute,
		Max:         max,
		GlobalMax:   globalMax,
		Headers:     true,
		ExemptPaths: []string{"/health", "/internal/**"},
	}, NewMemoryStore(time.Minute), false)
}

func serve(l *Limiter, req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	l.Middleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})).ServeHTTP(rec, req)
	return rec
}

func TestPerIPLimit(t *testing.T) {
	l := newTestLimiter(3, 0)
	defer l.Close()

	req := httptest.NewRequest("GET", "/api", nil)
	req.RemoteAddr = "10.0.0.1:1000"

	for i := 0; i < 3; i++ {
		if rec := serve(l, req); rec.Code != http.StatusOK {
			t.Fatalf("request %d: status = %d", i+1, rec.Code)
		}
	}

	rec := serve(l, req)
	if rec.Code != http.StatusTooManyRequests {
		t.Errorf("status = %d, want 429", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Error("Retry-After missing")
	}
}

func TestSpoofedForwardedForCannotEvadeLimit(t *testing.T) {
	l := newTestLimiter(2, 0)
	defer l.Close()

	for i := 0; i < 3; i++ {
		req := httptest.NewRequest("GET", "/api", nil)
		req.RemoteAddr = "10.0.0.1:1000"
		// A fresh forged identity on every request.
		req.Header.Set("X-Forwarded-For", "198.51.100."+strconv.Itoa(i+1))
		if rec := serve(l, req); i < 2 && rec.Code != http.StatusOK {
			t.Fatalf("request %d: status = %d", i+1, rec.Code)
		} else if i == 2 && rec.Code != http.StatusTooManyRequests {
			t.Errorf("spoofed header evaded the limit: status = %d", rec.Code)
		}
	}
}

func TestDistinctIPsIndependent(t *testing.T) {
	l := newTestLimiter(2, 0)
	defer l.Close()

	a := httptest.NewRequest("GET", "/api", nil)
	a.RemoteAddr = "10.0.0.1:1000"
	b := httptest.NewRequest("GET", "/api", nil)
	b.RemoteAddr = "10.0.0.2:1000"

	serve(l, a)
	serve(l, a)
	if rec := serve(l, a); rec.Code != http.StatusTooManyRequests {
		t.Errorf("a: status = %d", rec.Code)
	}
	if rec := serve(l, b); rec.Code != http.StatusOK {
		t.Errorf("b: status = %d", rec.Code)
	}
}

func TestGlobalLimitAcrossClients(t *testing.T) {
	l := newTestLimiter(100, 3)
	defer l.Close()

	for i := 0; i < 3; i++ {
		req := httptest.NewRequest("GET", "/api", nil)
		req.RemoteAddr = "10.0.0." + string(rune('1'+i)) + ":1000"
		if rec := serve(l, req); rec.Code != http.StatusOK {
			t.Fatalf("request %d: status = %d", i+1, rec.Code)
		}
	}

	req := httptest.NewRequest("GET", "/api", nil)
	req.RemoteAddr = "10.0.0.9:1000"
	if rec := serve(l, req); rec.Code != http.StatusTooManyRequests {
		t.Errorf("status = %d, want 429 from global scope", rec.Code)
	}
}

func TestExemptPaths(t *testing.T) {
	l := newTestLimiter(1, 0)
	defer l.Close()

	for _, path := range []string{"/health", "/internal/debug/vars"} {
		for i := 0; i < 5; i++ {
			req := httptest.NewRequest("GET", path, nil)
			req.RemoteAddr = "10.0.0.1:1000"
			if rec := serve(l, req); rec.Code != http.StatusOK {
				t.Errorf("%s request %d: status = %d", path, i+1, rec.Code)
			}
		}
	}
}

func TestRateLimitHeaders(t *testing.T) {
	l := newTestLimiter(10, 0)
	defer l.Close()

	req := httptest.NewRequest("GET", "/api", nil)
	req.RemoteAddr = "10.0.0.1:1000"
	rec := serve(l, req)

	if got := rec.Header().Get("X-RateLimit-Limit"); got != "10" {
		t.Errorf("limit header = %q", got)
	}
	if got := rec.Header().Get("X-RateLimit-Remaining"); got != "9" {
		t.Errorf("remaining header = %q", got)
	}
	if rec.Header().Get("X-RateLimit-Reset") == "" {
		t.Error("reset header missing")
	}
}

func TestUserScope(t *testing.T) {
	l := New(config.RateLimitConfig{
		Enabled: true,
		Window:  time.Minute,
		Max:     2,
		PerUser: true,
	}, NewMemoryStore(time.Minute), false)
	defer l.Close()

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject: "user-7",
	}).SignedString([]byte("k"))
	if err != nil {
		t.Fatal(err)
	}

	// Same user from rotating IPs still hits the user scope.
	for i := 0; i < 2; i++ {
		req := httptest.NewRequest("GET", "/api", nil)
		req.RemoteAddr = "10.0.1." + string(rune('1'+i)) + ":1000"
		req.Header.Set("Authorization", "Bearer "+token)
		if rec := serve(l, req); rec.Code != http.StatusOK {
			t.Fatalf("request %d: status = %d", i+1, rec.Code)
		}
	}

	req := httptest.NewRequest("GET", "/api", nil)
	req.RemoteAddr = "10.0.1.9:1000"
	req.Header.Set("Authorization", "Bearer "+token)
	if rec := serve(l, req); rec.Code != http.StatusTooManyRequests {
		t.Errorf("status = %d, want 429 from user scope", rec.Code)
	}
}

func TestRouteMiddleware(t *testing.T) {
	l := newTestLimiter(1000, 0)
	defer l.Close()

	handler := l.RouteMiddleware("/expensive", 2)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest("GET", "/expensive", nil)
	req.RemoteAddr = "10.0.0.1:1000"
	for i := 0; i < 2; i++ {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Fatalf("request %d: status = %d", i+1, rec.Code)
		}
	}

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusTooManyRequests {
		t.Errorf("status = %d, want 429", rec.Code)
	}
}

func TestSlidingCounterRotation(t *testing.T) {
	sc := newSlidingCounter(50 * time.Millisecond)
	defer sc.close()

	for i := 0; i < 5; i++ {
		sc.allow("k", 5)
	}
	if allowed, _, _ := sc.allow("k", 5); allowed {
		t.Fatal("6th request allowed")
	}

	// After two full periods the windows are empty again.
	time.Sleep(120 * time.Millisecond)
	if allowed, _, _ := sc.allow("k", 5); !allowed {
		t.Error("request after windows rotated should pass")
	}
}

func TestMemoryStoreAllow(t *testing.T) {
	s := NewMemoryStore(time.Minute)
	defer s.Close()

	allowed, remaining, _, err := s.Allow(context.Background(), "k", 2)
	if err != nil || !allowed || remaining != 1 {
		t.Errorf("allowed=%v remaining=%d err=%v", allowed, remaining, err)
	}
}
