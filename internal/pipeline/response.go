package pipeline

import (
	"net/http"
	"sync"

	"github.com/Nehonix-Team/XyPriss-sub003/internal/logging"
	"go.uber.org/zap"
)

// responseState enforces the single-response invariant: the first status
// write wins, later WriteHeader calls are logged and dropped.
type responseState struct {
	http.ResponseWriter
	mu      sync.Mutex
	written bool
	path    string
}

func newResponseState(w http.ResponseWriter, path string) *responseState {
	return &responseState{ResponseWriter: w, path: path}
}

// Written reports whether any part of the response has been sent.
func (w *responseState) Written() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.written
}

func (w *responseState) WriteHeader(code int) {
	w.mu.Lock()
	if w.written {
		w.mu.Unlock()
		logging.Warn("Duplicate response status write ignored",
			zap.String("path", w.path),
			zap.Int("status", code),
		)
		return
	}
	w.written = true
	w.mu.Unlock()
	w.ResponseWriter.WriteHeader(code)
}

func (w *responseState) Write(b []byte) (int, error) {
	w.mu.Lock()
	w.written = true
	w.mu.Unlock()
	return w.ResponseWriter.Write(b)
}

func (w *responseState) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (w *responseState) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}
