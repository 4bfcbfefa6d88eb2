package compression

import (
	"compress/flate"
	"compress/gzip"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/Nehonix-Team/XyPriss-sub003/internal/config"
	"github.com/Nehonix-Team/XyPriss-sub003/internal/middleware"
	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/zstd"
)

// encodingWriter is an io.Writer that can be closed.
type encodingWriter interface {
	io.Writer
	Close() error
}

// countWriter counts bytes written through it.
type countWriter struct {
	w io.Writer
	n int64
}

func (cw *countWriter) Write(p []byte) (int, error) {
	n, err := cw.w.Write(p)
	cw.n += int64(n)
	return n, err
}

// pooledZstdWriter returns its encoder to the pool on Close.
type pooledZstdWriter struct {
	enc  *zstd.Encoder
	pool *sync.Pool
}

func (pw *pooledZstdWriter) Write(p []byte) (int, error) { return pw.enc.Write(p) }

func (pw *pooledZstdWriter) Close() error {
	err := pw.enc.Close()
	pw.pool.Put(pw.enc)
	return err
}

// algoStats tracks bytes in/out and uses per algorithm.
type algoStats struct {
	bytesIn  atomic.Int64
	bytesOut atomic.Int64
	count    atomic.Int64
}

// StatsSnapshot is the serializable per-algorithm view.
type StatsSnapshot struct {
	BytesIn  int64 `json:"bytes_in"`
	BytesOut int64 `json:"bytes_out"`
	Count    int64 `json:"count"`
}

// preferredOrder is the server-side algorithm preference.
var preferredOrder = []string{"br", "zstd", "gzip", "deflate"}

// compressibleTypes lists content types worth compressing.
var compressibleTypes = map[string]bool{
	"text/html":              true,
	"text/css":               true,
	"text/plain":             true,
	"text/javascript":        true,
	"application/javascript": true,
	"application/json":       true,
	"application/xml":        true,
	"text/xml":               true,
	"image/svg+xml":          true,
}

// Compressor negotiates and applies response compression. Bodies smaller than
// the threshold are passed through uncompressed; the decision is deferred by
// buffering until the threshold is reached or the response ends.
type Compressor struct {
	enabled    bool
	level      int
	threshold  int
	algorithms map[string]bool
	algoOrder  []string
	stats      map[string]*algoStats
	zstdPool   sync.Pool
}

// New creates a compressor from config.
func New(cfg config.CompressionConfig) *Compressor {
	c := &Compressor{
		enabled:    cfg.Enabled,
		level:      cfg.Level,
		threshold:  cfg.Threshold,
		algorithms: make(map[string]bool),
		stats:      make(map[string]*algoStats),
	}

	if c.level <= 0 || c.level > 11 {
		c.level = 6
	}
	if c.threshold <= 0 {
		c.threshold = 1024
	}

	if len(cfg.Algorithms) > 0 {
		for _, algo := range cfg.Algorithms {
			c.algorithms[algo] = true
		}
	} else {
		for _, algo := range preferredOrder {
			c.algorithms[algo] = true
		}
	}

	for _, algo := range preferredOrder {
		if c.algorithms[algo] {
			c.algoOrder = append(c.algoOrder, algo)
			c.stats[algo] = &algoStats{}
		}
	}

	zstdLevel := zstd.SpeedDefault
	if c.level > 0 {
		zstdLevel = zstd.EncoderLevelFromZstd(c.level)
	}
	c.zstdPool = sync.Pool{
		New: func() any {
			enc, _ := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstdLevel))
			return enc
		},
	}

	return c
}

// encodingPref is a parsed Accept-Encoding entry.
type encodingPref struct {
	encoding string
	quality  float64
}

// parseAcceptEncoding parses Accept-Encoding per RFC 7231 section 5.3.4.
func parseAcceptEncoding(header string) []encodingPref {
	if header == "" {
		return nil
	}
	parts := strings.Split(header, ",")
	prefs := make([]encodingPref, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		enc := part
		q := 1.0
		if idx := strings.Index(part, ";"); idx != -1 {
			enc = strings.TrimSpace(part[:idx])
			params := strings.TrimSpace(part[idx+1:])
			if strings.HasPrefix(params, "q=") {
				if v, err := strconv.ParseFloat(params[2:], 64); err == nil {
					q = v
				}
			}
		}
		prefs = append(prefs, encodingPref{encoding: enc, quality: q})
	}
	return prefs
}

// Negotiate picks the best algorithm for the request, or "" for identity.
func (c *Compressor) Negotiate(r *http.Request) string {
	if !c.enabled {
		return ""
	}
	prefs := parseAcceptEncoding(r.Header.Get("Accept-Encoding"))
	if len(prefs) == 0 {
		return ""
	}

	clientPrefs := make(map[string]float64, len(prefs))
	hasWildcard := false
	wildcardQ := 0.0
	for _, p := range prefs {
		if p.encoding == "*" {
			hasWildcard = true
			wildcardQ = p.quality
		} else {
			clientPrefs[p.encoding] = p.quality
		}
	}

	bestAlgo := ""
	bestQ := -1.0
	for _, algo := range c.algoOrder {
		q, explicit := clientPrefs[algo]
		if !explicit {
			if !hasWildcard {
				continue
			}
			q = wildcardQ
		}
		if q <= 0 {
			continue
		}
		// Higher quality wins; ties go to the earlier server preference.
		if q > bestQ {
			bestQ = q
			bestAlgo = algo
		}
	}
	return bestAlgo
}

func (c *Compressor) newEncodingWriter(w io.Writer, algo string) encodingWriter {
	switch algo {
	case "br":
		return brotli.NewWriterLevel(w, c.level)
	case "zstd":
		enc := c.zstdPool.Get().(*zstd.Encoder)
		enc.Reset(w)
		return &pooledZstdWriter{enc: enc, pool: &c.zstdPool}
	case "deflate":
		level := c.level
		if level > 9 {
			level = 9
		}
		fw, _ := flate.NewWriter(w, level)
		return fw
	default: // gzip
		level := c.level
		if level > 9 {
			level = 9
		}
		gz, _ := gzip.NewWriterLevel(w, level)
		return gz
	}
}

func isCompressibleType(contentType string) bool {
	ct := contentType
	if idx := strings.Index(ct, ";"); idx != -1 {
		ct = strings.TrimSpace(ct[:idx])
	}
	return compressibleTypes[ct]
}

// Stats returns per-algorithm compression counters.
func (c *Compressor) Stats() map[string]StatsSnapshot {
	out := make(map[string]StatsSnapshot, len(c.stats))
	for algo, s := range c.stats {
		out[algo] = StatsSnapshot{
			BytesIn:  s.bytesIn.Load(),
			BytesOut: s.bytesOut.Load(),
			Count:    s.count.Load(),
		}
	}
	return out
}

// Middleware wraps responses in a compressing writer when the client accepts
// one of the configured encodings.
func (c *Compressor) Middleware() middleware.Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			algo := c.Negotiate(r)
			if algo == "" {
				next.ServeHTTP(w, r)
				return
			}
			cw := newResponseWriter(w, c, algo)
			defer cw.Close()
			next.ServeHTTP(cw, r)
		})
	}
}

// responseWriter defers the compress-or-not decision until threshold bytes
// have been buffered, so small responses skip the encoder entirely.
type responseWriter struct {
	http.ResponseWriter
	compressor    *Compressor
	algorithm     string
	encWriter     encodingWriter
	countWriter   *countWriter
	headerWritten bool
	statusCode    int
	buf           []byte
	decided       bool
	compressing   bool
	bytesIn       int64
}

func newResponseWriter(w http.ResponseWriter, c *Compressor, algo string) *responseWriter {
	return &responseWriter{
		ResponseWriter: w,
		compressor:     c,
		algorithm:      algo,
		statusCode:     http.StatusOK,
	}
}

func (w *responseWriter) WriteHeader(code int) {
	if w.headerWritten {
		return
	}
	w.statusCode = code

	if w.decided {
		w.headerWritten = true
		if w.compressing {
			w.ResponseWriter.Header().Del("Content-Length")
			w.ResponseWriter.Header().Set("Content-Encoding", w.algorithm)
			w.ResponseWriter.Header().Add("Vary", "Accept-Encoding")
		}
		w.ResponseWriter.WriteHeader(code)
		return
	}

	ct := w.ResponseWriter.Header().Get("Content-Type")
	if ct != "" && !isCompressibleType(ct) {
		w.decided = true
		w.compressing = false
		w.headerWritten = true
		w.ResponseWriter.WriteHeader(code)
	}
	// Otherwise hold the status until the threshold decision.
}

func (w *responseWriter) Write(b []byte) (int, error) {
	if !w.decided {
		w.buf = append(w.buf, b...)

		ct := w.ResponseWriter.Header().Get("Content-Type")
		if ct != "" && !isCompressibleType(ct) {
			w.decided = true
			w.compressing = false
			w.flushBuffer()
			return len(b), nil
		}

		if len(w.buf) >= w.compressor.threshold {
			w.decided = true
			w.compressing = true
			w.flushBuffer()
		}
		return len(b), nil
	}

	if w.compressing && w.encWriter != nil {
		w.bytesIn += int64(len(b))
		return w.encWriter.Write(b)
	}
	return w.ResponseWriter.Write(b)
}

func (w *responseWriter) flushBuffer() {
	if !w.headerWritten {
		w.headerWritten = true
		if w.compressing {
			w.ResponseWriter.Header().Del("Content-Length")
			w.ResponseWriter.Header().Set("Content-Encoding", w.algorithm)
			w.ResponseWriter.Header().Add("Vary", "Accept-Encoding")
			cw := &countWriter{w: w.ResponseWriter}
			w.countWriter = cw
			w.encWriter = w.compressor.newEncodingWriter(cw, w.algorithm)
		}
		w.ResponseWriter.WriteHeader(w.statusCode)
	}

	if len(w.buf) > 0 {
		if w.compressing && w.encWriter != nil {
			w.bytesIn += int64(len(w.buf))
			w.encWriter.Write(w.buf)
		} else {
			w.ResponseWriter.Write(w.buf)
		}
		w.buf = nil
	}
}

// Close finishes the response; it must run after the handler returns.
func (w *responseWriter) Close() {
	if !w.decided {
		w.decided = true
		w.compressing = false
		w.flushBuffer()
		return
	}
	if w.compressing && w.encWriter != nil {
		w.encWriter.Close()
		if s, ok := w.compressor.stats[w.algorithm]; ok {
			s.bytesIn.Add(w.bytesIn)
			if w.countWriter != nil {
				s.bytesOut.Add(w.countWriter.n)
			}
			s.count.Add(1)
		}
	}
}

// Flush implements http.Flusher; flushing forces the compression decision.
func (w *responseWriter) Flush() {
	if !w.decided {
		w.decided = true
		w.compressing = len(w.buf) >= w.compressor.threshold
		w.flushBuffer()
	}
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// StatusCode returns the recorded status code.
func (w *responseWriter) StatusCode() int {
	return w.statusCode
}

// Unwrap returns the underlying ResponseWriter.
func (w *responseWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}
