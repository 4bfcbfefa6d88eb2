package slowdown

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/Nehonix-Team/XyPriss-sub003/internal/config"
)

func newTestHandler() *Handler {
	return New(config.SlowDownConfig{
		Enabled:    true,
		Window:     time.Minute,
		DelayAfter: 3,
		BaseDelay:  100 * time.Millisecond,
		MaxDelay:   300 * time.Millisecond,
	}, false)
}

func TestNoDelayUnderThreshold(t *testing.T) {
	h := newTestHandler()
	for i := 0; i < 3; i++ {
		if d := h.Delay("10.0.0.1"); d != 0 {
			t.Errorf("request %d delayed by %v", i+1, d)
		}
	}
}

func TestProgressiveDelay(t *testing.T) {
	h := newTestHandler()
	for i := 0; i < 3; i++ {
		h.Delay("10.0.0.1")
	}

	if d := h.Delay("10.0.0.1"); d != 100*time.Millisecond {
		t.Errorf("4th request delay = %v, want 100ms", d)
	}
	if d := h.Delay("10.0.0.1"); d != 200*time.Millisecond {
		t.Errorf("5th request delay = %v, want 200ms", d)
	}
}

func TestDelayCapped(t *testing.T) {
	h := newTestHandler()
	for i := 0; i < 10; i++ {
		h.Delay("10.0.0.1")
	}
	if d := h.Delay("10.0.0.1"); d != 300*time.Millisecond {
		t.Errorf("delay = %v, want cap 300ms", d)
	}
}

func TestClientsIsolated(t *testing.T) {
	h := newTestHandler()
	for i := 0; i < 10; i++ {
		h.Delay("10.0.0.1")
	}
	if d := h.Delay("10.0.0.2"); d != 0 {
		t.Errorf("fresh client delayed by %v", d)
	}
}

func TestMiddlewareSleeps(t *testing.T) {
	h := newTestHandler()
	var slept time.Duration
	h.sleep = func(d time.Duration) { slept += d }

	handler := h.Middleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	req := httptest.NewRequest("GET", "/", nil)
	req.RemoteAddr = "10.0.0.9:1234"
	for i := 0; i < 4; i++ {
		handler.ServeHTTP(httptest.NewRecorder(), req)
	}

	if slept != 100*time.Millisecond {
		t.Errorf("slept %v, want 100ms", slept)
	}
}

func TestClientIPFromForwardedFor(t *testing.T) {
	req := httptest.NewRequest("GET", "/", nil)
	req.RemoteAddr = "127.0.0.1:9999"
	req.Header.Set("X-Forwarded-For", "203.0.113.7, 10.0.0.1")

	if ip := ClientIP(req, true); ip != "203.0.113.7" {
		t.Errorf("ip = %q", ip)
	}
}

func TestClientIPIgnoresForwardedForWithoutTrustedProxy(t *testing.T) {
	req := httptest.NewRequest("GET", "/", nil)
	req.RemoteAddr = "192.0.2.5:4242"
	req.Header.Set("X-Forwarded-For", "203.0.113.7")

	if ip := ClientIP(req, false); ip != "192.0.2.5" {
		t.Errorf("spoofed header honored: ip = %q", ip)
	}
}
