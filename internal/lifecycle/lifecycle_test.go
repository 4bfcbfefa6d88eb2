package lifecycle

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/Nehonix-Team/XyPriss-sub003/internal/config"
)

func TestTimeoutProduces504(t *testing.T) {
	c := New(config.RequestManagementConfig{
		Timeout: config.TimeoutConfig{DefaultTimeout: 20 * time.Millisecond},
	}, false)

	h := c.Middleware("/slow")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(time.Second):
		}
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", "/slow", nil))

	if rec.Code != http.StatusGatewayTimeout {
		t.Errorf("status = %d, want 504", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Error("Retry-After missing on 504")
	}
}

func TestRouteOverrideWins(t *testing.T) {
	c := New(config.RequestManagementConfig{
		Timeout: config.TimeoutConfig{DefaultTimeout: time.Second},
	}, false)
	c.WithTimeout("/slow", 15*time.Millisecond)

	if d := c.TimeoutFor("/slow"); d != 15*time.Millisecond {
		t.Errorf("TimeoutFor = %v", d)
	}
	if d := c.TimeoutFor("/other"); d != time.Second {
		t.Errorf("default TimeoutFor = %v", d)
	}

	h := c.Middleware("/slow")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", "/slow", nil))
	if rec.Code != http.StatusGatewayTimeout {
		t.Errorf("status = %d, want 504", rec.Code)
	}
}

func TestFastRequestUntouched(t *testing.T) {
	c := New(config.RequestManagementConfig{}, false)
	h := c.Middleware("/fast")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", "/fast", nil))
	if rec.Code != http.StatusOK || rec.Body.String() != "ok" {
		t.Errorf("status = %d body = %q", rec.Code, rec.Body.String())
	}
}

func TestConcurrencyCapRejectsOverflow(t *testing.T) {
	c := New(config.RequestManagementConfig{
		Concurrency: config.ConcurrencyConfig{MaxConcurrentRequests: 1},
	}, false)

	release := make(chan struct{})
	entered := make(chan struct{})
	h := c.Middleware("/busy")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		close(entered)
		<-release
	}))

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/busy", nil))
	}()
	<-entered

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", "/busy", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", rec.Code)
	}

	close(release)
	wg.Wait()
}

func TestPerIPCap(t *testing.T) {
	c := New(config.RequestManagementConfig{
		Concurrency: config.ConcurrencyConfig{MaxPerIP: 1},
	}, false)

	release := make(chan struct{})
	entered := make(chan struct{})
	h := c.Middleware("/busy")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		close(entered)
		<-release
	}))

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		req := httptest.NewRequest("GET", "/busy", nil)
		req.RemoteAddr = "10.0.0.1:1111"
		h.ServeHTTP(httptest.NewRecorder(), req)
	}()
	<-entered

	sameIP := httptest.NewRequest("GET", "/busy", nil)
	sameIP.RemoteAddr = "10.0.0.1:2222"
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, sameIP)
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("same IP status = %d, want 503", rec.Code)
	}

	otherIP := httptest.NewRequest("GET", "/busy", nil)
	otherIP.RemoteAddr = "10.0.0.2:3333"
	rec2 := httptest.NewRecorder()
	done := make(chan struct{})
	go func() {
		h.ServeHTTP(rec2, otherIP)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("other IP request blocked")
	}

	close(release)
	wg.Wait()
}

func TestDrainRejectsNewRequests(t *testing.T) {
	c := New(config.RequestManagementConfig{}, false)

	if err := c.Drain(context.Background()); err != nil {
		t.Fatalf("drain: %v", err)
	}

	h := c.Middleware("/x")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("nope"))
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", "/x", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503 while draining", rec.Code)
	}
}

func TestDrainWaitsForInflight(t *testing.T) {
	c := New(config.RequestManagementConfig{}, false)

	release := make(chan struct{})
	entered := make(chan struct{})
	h := c.Middleware("/x")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		close(entered)
		<-release
		w.Write([]byte("done"))
	}))

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/x", nil))
	}()
	<-entered

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	if err := c.Drain(ctx); err != context.DeadlineExceeded {
		t.Errorf("drain with inflight = %v, want deadline exceeded", err)
	}

	close(release)
	wg.Wait()

	if err := c.Drain(context.Background()); err != nil {
		t.Errorf("drain after completion: %v", err)
	}
}
