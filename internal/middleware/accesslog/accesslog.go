package accesslog

import (
	"net/http"
	"time"

	"github.com/Nehonix-Team/XyPriss-sub003/internal/config"
	"github.com/Nehonix-Team/XyPriss-sub003/internal/logging"
	"github.com/Nehonix-Team/XyPriss-sub003/internal/middleware"
	"github.com/Nehonix-Team/XyPriss-sub003/internal/middleware/slowdown"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// statusRecorder captures status and size without altering the response.
type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int64
}

func (r *statusRecorder) WriteHeader(code int) {
	if r.status == 0 {
		r.status = code
	}
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	n, err := r.ResponseWriter.Write(b)
	r.bytes += int64(n)
	return n, err
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

// Logger writes one structured line per completed request. With a file
// configured, lines go to a size-rotated JSON log; otherwise they share the
// process logger.
type Logger struct {
	enabled    bool
	trustProxy bool
	log        *zap.Logger
	closer     func() error
}

// New creates an access logger from config.
func New(cfg config.AccessLogConfig, trustProxy bool) *Logger {
	l := &Logger{enabled: cfg.Enabled, trustProxy: trustProxy}
	if !cfg.Enabled {
		return l
	}

	if cfg.File == "" {
		l.log = logging.Global()
		return l
	}

	rotator := &lumberjack.Logger{
		Filename:   cfg.File,
		MaxSize:    cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAgeDays,
		Compress:   true,
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "timestamp"
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	core := zapcore.NewCore(
		zapcore.NewJSONEncoder(encCfg),
		zapcore.AddSync(rotator),
		zapcore.InfoLevel,
	)
	l.log = zap.New(core)
	l.closer = rotator.Close
	return l
}

// Close flushes and closes the rotated log file, if any.
func (l *Logger) Close() error {
	if l.log != nil {
		l.log.Sync()
	}
	if l.closer != nil {
		return l.closer()
	}
	return nil
}

// Middleware records method, path, status, size, duration and client address.
func (l *Logger) Middleware() middleware.Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !l.enabled {
				next.ServeHTTP(w, r)
				return
			}

			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w}
			next.ServeHTTP(rec, r)

			status := rec.status
			if status == 0 {
				status = http.StatusOK
			}

			l.log.Info("request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", status),
				zap.Int64("bytes", rec.bytes),
				zap.Duration("duration", time.Since(start)),
				zap.String("client", slowdown.ClientIP(r, l.trustProxy)),
				zap.String("request_id", w.Header().Get("X-Request-ID")),
			)
		})
	}
}
