package hpp

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/Nehonix-Team/XyPriss-sub003/internal/config"
)

func TestRepeatedParamCollapsesToLast(t *testing.T) {
	h := New(config.HPPConfig{Enabled: true})

	var got string
	handler := h.Middleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.URL.Query().Get("sort")
	}))

	req := httptest.NewRequest("GET", "/search?sort=asc&sort=desc", nil)
	handler.ServeHTTP(httptest.NewRecorder(), req)

	if got != "desc" {
		t.Errorf("sort = %q, want last value", got)
	}
}

func TestWhitelistedParamKeepsAll(t *testing.T) {
	h := New(config.HPPConfig{Enabled: true, Whitelist: []string{"tag"}})

	var got []string
	handler := h.Middleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.URL.Query()["tag"]
	}))

	req := httptest.NewRequest("GET", "/search?tag=a&tag=b", nil)
	handler.ServeHTTP(httptest.NewRecorder(), req)

	if len(got) != 2 {
		t.Errorf("tag values = %v, want both kept", got)
	}
}

func TestDisabledLeavesQueryAlone(t *testing.T) {
	h := New(config.HPPConfig{Enabled: false})

	var got []string
	handler := h.Middleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.URL.Query()["x"]
	}))

	req := httptest.NewRequest("GET", "/?x=1&x=2", nil)
	handler.ServeHTTP(httptest.NewRecorder(), req)

	if len(got) != 2 {
		t.Errorf("x values = %v, want untouched", got)
	}
}
