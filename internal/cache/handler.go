package cache

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/Nehonix-Team/XyPriss-sub003/internal/middleware"
	"golang.org/x/sync/singleflight"
)

// cachedResponse is the serialized form stored per fingerprint.
type cachedResponse struct {
	Status int                 `json:"status"`
	Header map[string][]string `json:"header"`
	Body   []byte              `json:"body"`
}

// recordingWriter buffers a response so it can be stored and replayed.
type recordingWriter struct {
	header http.Header
	status int
	body   []byte
}

func newRecordingWriter() *recordingWriter {
	return &recordingWriter{header: make(http.Header), status: http.StatusOK}
}

func (w *recordingWriter) Header() http.Header { return w.header }

func (w *recordingWriter) WriteHeader(code int) { w.status = code }

func (w *recordingWriter) Write(b []byte) (int, error) {
	w.body = append(w.body, b...)
	return len(b), nil
}

// ResponseCache serves safe-method responses from a Store, deduplicating
// concurrent misses for one fingerprint through singleflight.
type ResponseCache struct {
	store   Store
	group   singleflight.Group
	vary    []string
	enabled bool
}

// NewResponseCache wraps a store for HTTP response caching.
func NewResponseCache(store Store, vary []string, enabled bool) *ResponseCache {
	return &ResponseCache{store: store, vary: vary, enabled: enabled}
}

// Store exposes the underlying store for invalidation and stats.
func (c *ResponseCache) Store() Store { return c.store }

// Cacheable applies the safe-method policy with an optional route override.
func Cacheable(method string, override *bool) bool {
	if override != nil {
		return *override
	}
	return method == http.MethodGet || method == http.MethodHead
}

// Middleware serves hits directly and records misses. The cacheable decision
// is passed in by the router; HEAD shares the GET entry with the body
// suppressed.
func (c *ResponseCache) Middleware(cacheableOverride *bool, tags []string) middleware.Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !c.enabled || c.store == nil || !Cacheable(r.Method, cacheableOverride) {
				next.ServeHTTP(w, r)
				return
			}

			fp := Fingerprint(r.Method, r.URL.Path, r.URL.Query(), r.Header, c.vary)

			start := time.Now()
			if raw, ok := c.store.Get(r.Context(), fp); ok {
				c.replay(w, r, raw, "HIT", start)
				return
			}

			raw, err, shared := c.group.Do(fp, func() (interface{}, error) {
				rec := newRecordingWriter()
				next.ServeHTTP(rec, r)

				resp := cachedResponse{Status: rec.status, Header: rec.header, Body: rec.body}
				encoded, err := json.Marshal(resp)
				if err != nil {
					return nil, err
				}
				if rec.status >= 200 && rec.status < 300 {
					c.store.Set(r.Context(), fp, encoded, SetOptions{Tags: tags})
				}
				return encoded, nil
			})
			if err != nil {
				next.ServeHTTP(w, r)
				return
			}

			source := "MISS"
			if shared {
				source = "HIT"
			}
			c.replay(w, r, raw.([]byte), source, start)
		})
	}
}

func (c *ResponseCache) replay(w http.ResponseWriter, r *http.Request, raw []byte, source string, start time.Time) {
	var resp cachedResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		http.Error(w, "cache entry corrupt", http.StatusInternalServerError)
		return
	}

	header := w.Header()
	for name, values := range resp.Header {
		for _, v := range values {
			header.Add(name, v)
		}
	}
	header.Set("X-Cache", source)
	if source == "HIT" {
		header.Set("X-Cache-Time", strconv.FormatInt(time.Since(start).Milliseconds(), 10)+"ms")
	}

	w.WriteHeader(resp.Status)
	if r.Method != http.MethodHead {
		w.Write(resp.Body)
	}
}
