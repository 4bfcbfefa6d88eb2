package notfound

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/Nehonix-Team/XyPriss-sub003/internal/config"
)

func TestHTMLPageForBrowsers(t *testing.T) {
	n := New(config.NotFoundConfig{
		Enabled: true,
		Title:   "Page Not Found",
		Message: "Nothing lives here.",
		Theme:   "dark",
		Contact: "ops@example.com",
	})

	req := httptest.NewRequest("GET", "/missing", nil)
	req.Header.Set("Accept", "text/html,application/xhtml+xml")
	rec := httptest.NewRecorder()
	n.Render(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/html") {
		t.Errorf("content type = %q", ct)
	}
	body := rec.Body.String()
	for _, want := range []string{"Page Not Found", "Nothing lives here.", "GET /missing", "ops@example.com"} {
		if !strings.Contains(body, want) {
			t.Errorf("body lacks %q", want)
		}
	}
}

func TestPlainTextForAPIClients(t *testing.T) {
	n := New(config.NotFoundConfig{Enabled: true, Title: "x"})

	req := httptest.NewRequest("POST", "/api/v1/items", nil)
	req.Header.Set("Accept", "application/json")
	rec := httptest.NewRecorder()
	n.Render(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d", rec.Code)
	}
	if rec.Body.String() != "Cannot POST /api/v1/items\n" {
		t.Errorf("body = %q", rec.Body.String())
	}
}

func TestPlainTextWhenPageDisabled(t *testing.T) {
	n := New(config.NotFoundConfig{Enabled: false})

	req := httptest.NewRequest("GET", "/x", nil)
	req.Header.Set("Accept", "text/html")
	rec := httptest.NewRecorder()
	n.Render(rec, req)

	if rec.Body.String() != "Cannot GET /x\n" {
		t.Errorf("body = %q", rec.Body.String())
	}
}

func TestPathEscaped(t *testing.T) {
	n := New(config.NotFoundConfig{Enabled: true, Title: "nf"})

	req := httptest.NewRequest("GET", "/%3Cscript%3Ealert(1)%3C/script%3E", nil)
	req.Header.Set("Accept", "text/html")
	rec := httptest.NewRecorder()
	n.Render(rec, req)

	if strings.Contains(rec.Body.String(), "<script>alert") {
		t.Error("path not escaped in HTML output")
	}
}
