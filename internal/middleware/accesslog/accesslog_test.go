package accesslog

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/Nehonix-Team/XyPriss-sub003/internal/config"
)

func TestLogLineWritten(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "access.log")

	l := New(config.AccessLogConfig{Enabled: true, File: file, MaxSizeMB: 1}, false)
	defer l.Close()

	handler := l.Middleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte("created"))
	}))

	req := httptest.NewRequest("POST", "/things", nil)
	req.RemoteAddr = "10.1.2.3:5555"
	handler.ServeHTTP(httptest.NewRecorder(), req)
	l.Close()

	data, err := os.ReadFile(file)
	if err != nil {
		t.Fatal(err)
	}
	line := strings.TrimSpace(string(data))

	var entry map[string]interface{}
	if err := json.Unmarshal([]byte(line), &entry); err != nil {
		t.Fatalf("log line is not JSON: %q", line)
	}
	if entry["method"] != "POST" {
		t.Errorf("method = %v", entry["method"])
	}
	if entry["path"] != "/things" {
		t.Errorf("path = %v", entry["path"])
	}
	if entry["status"] != float64(201) {
		t.Errorf("status = %v", entry["status"])
	}
	if entry["bytes"] != float64(7) {
		t.Errorf("bytes = %v", entry["bytes"])
	}
	if entry["client"] != "10.1.2.3" {
		t.Errorf("client = %v", entry["client"])
	}
}

func TestDisabledWritesNothing(t *testing.T) {
	l := New(config.AccessLogConfig{Enabled: false}, false)

	called := false
	handler := l.Middleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/", nil))

	if !called {
		t.Error("handler not reached")
	}
}
