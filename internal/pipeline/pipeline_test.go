package pipeline

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/Nehonix-Team/XyPriss-sub003/internal/middleware"
)

func okHandler(body string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(body))
	})
}

func TestStagesRunInOrder(t *testing.T) {
	p := New()
	var order []string
	p.Use(func(w http.ResponseWriter, r *http.Request, next func(error)) {
		order = append(order, "a")
		next(nil)
	})
	p.Use(func(w http.ResponseWriter, r *http.Request, next func(error)) {
		order = append(order, "b")
		next(nil)
	})

	rec := httptest.NewRecorder()
	p.Execute(rec, httptest.NewRequest("GET", "/", nil), okHandler("done"))

	if len(order) != 2 || order[0] != "a" || order[1] != "b" {
		t.Errorf("order = %v", order)
	}
	if rec.Body.String() != "done" {
		t.Errorf("body = %q", rec.Body.String())
	}
}

func TestStageShortCircuitsByWriting(t *testing.T) {
	p := New()
	p.Use(func(w http.ResponseWriter, r *http.Request, next func(error)) {
		w.WriteHeader(http.StatusTeapot)
		w.Write([]byte("short"))
	})

	handlerRan := false
	rec := httptest.NewRecorder()
	p.Execute(rec, httptest.NewRequest("GET", "/", nil), http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handlerRan = true
	}))

	if handlerRan {
		t.Error("handler ran after short circuit")
	}
	if rec.Code != http.StatusTeapot {
		t.Errorf("status = %d", rec.Code)
	}
}

func TestNextWithErrorRoutesToErrorHandler(t *testing.T) {
	p := New()
	p.Use(func(w http.ResponseWriter, r *http.Request, next func(error)) {
		next(fmt.Errorf("stage exploded"))
	})

	var seen error
	p.UseOnError(func(w http.ResponseWriter, r *http.Request, err error) {
		seen = err
		w.WriteHeader(http.StatusBadGateway)
	})

	handlerRan := false
	rec := httptest.NewRecorder()
	p.Execute(rec, httptest.NewRequest("GET", "/", nil), http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handlerRan = true
	}))

	if handlerRan {
		t.Error("handler ran after error")
	}
	if seen == nil || seen.Error() != "stage exploded" {
		t.Errorf("error = %v", seen)
	}
	if rec.Code != http.StatusBadGateway {
		t.Errorf("status = %d", rec.Code)
	}
}

func TestDefaultErrorHandlerIs500(t *testing.T) {
	p := New()
	p.Use(func(w http.ResponseWriter, r *http.Request, next func(error)) {
		next(fmt.Errorf("boom"))
	})

	rec := httptest.NewRecorder()
	p.Execute(rec, httptest.NewRequest("GET", "/", nil), okHandler("x"))

	if rec.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", rec.Code)
	}
}

func TestDoubleNextIgnored(t *testing.T) {
	p := New()
	p.Use(func(w http.ResponseWriter, r *http.Request, next func(error)) {
		next(nil)
		next(fmt.Errorf("second call must be ignored"))
	})

	rec := httptest.NewRecorder()
	p.Execute(rec, httptest.NewRequest("GET", "/", nil), okHandler("ok"))

	if rec.Code != http.StatusOK || rec.Body.String() != "ok" {
		t.Errorf("status = %d body = %q", rec.Code, rec.Body.String())
	}
}

func TestStalledStageForcedForward(t *testing.T) {
	p := New()
	p.watchdog = 20 * time.Millisecond
	p.Use(func(w http.ResponseWriter, r *http.Request, next func(error)) {
		// Neither writes nor calls next.
	})

	start := time.Now()
	rec := httptest.NewRecorder()
	p.Execute(rec, httptest.NewRequest("GET", "/", nil), okHandler("recovered"))

	if rec.Body.String() != "recovered" {
		t.Errorf("body = %q", rec.Body.String())
	}
	if elapsed := time.Since(start); elapsed < 20*time.Millisecond {
		t.Errorf("advanced before watchdog: %v", elapsed)
	}
}

func TestAsyncStageAwaited(t *testing.T) {
	p := New()
	p.Use(func(w http.ResponseWriter, r *http.Request, next func(error)) {
		go func() {
			time.Sleep(10 * time.Millisecond)
			next(nil)
		}()
	})

	rec := httptest.NewRecorder()
	p.Execute(rec, httptest.NewRequest("GET", "/", nil), okHandler("async"))

	if rec.Body.String() != "async" {
		t.Errorf("body = %q", rec.Body.String())
	}
}

func TestMiddlewareAdapter(t *testing.T) {
	p := New()
	var m middleware.Middleware = func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("X-Tagged", "yes")
			next.ServeHTTP(w, r)
		})
	}
	p.UseMiddleware(m)

	rec := httptest.NewRecorder()
	p.Execute(rec, httptest.NewRequest("GET", "/", nil), okHandler("ok"))

	if rec.Header().Get("X-Tagged") != "yes" {
		t.Error("middleware stage did not run")
	}
	if rec.Body.String() != "ok" {
		t.Errorf("body = %q", rec.Body.String())
	}
}

func TestDuplicateStatusWriteDropped(t *testing.T) {
	p := New()
	rec := httptest.NewRecorder()
	p.Execute(rec, httptest.NewRequest("GET", "/", nil), http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
		w.WriteHeader(http.StatusInternalServerError)
	}))

	if rec.Code != http.StatusCreated {
		t.Errorf("status = %d, want first write to win", rec.Code)
	}
}
