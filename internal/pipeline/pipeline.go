package pipeline

import (
	"net/http"
	"sync/atomic"
	"time"

	"github.com/Nehonix-Team/XyPriss-sub003/internal/errors"
	"github.com/Nehonix-Team/XyPriss-sub003/internal/logging"
	"github.com/Nehonix-Team/XyPriss-sub003/internal/middleware"
	"go.uber.org/zap"
)

// watchdogTimeout bounds how long the executor waits for a stage that neither
// wrote a response nor advanced the cursor.
const watchdogTimeout = 100 * time.Millisecond

// Stage is one pipeline step. It must either write a response, call next
// exactly once (optionally with an error), or both are violations the
// executor detects and logs.
type Stage func(w http.ResponseWriter, r *http.Request, next func(err error))

// ErrorHandler consumes an error passed to next.
type ErrorHandler func(w http.ResponseWriter, r *http.Request, err error)

// Pipeline executes an ordered stage chain per request with a cursor:
// next advances, an error routes to the error handler, a write terminates.
type Pipeline struct {
	stages        []Stage
	errorHandlers []ErrorHandler
	watchdog      time.Duration
}

// New creates an empty pipeline.
func New() *Pipeline {
	return &Pipeline{watchdog: watchdogTimeout}
}

// Use appends a stage.
func (p *Pipeline) Use(s Stage) {
	p.stages = append(p.stages, s)
}

// UseMiddleware appends a conventional middleware as a stage.
func (p *Pipeline) UseMiddleware(m middleware.Middleware) {
	p.Use(FromMiddleware(m))
}

// UseOnError registers an error handler; the first one registered wins.
func (p *Pipeline) UseOnError(h ErrorHandler) {
	p.errorHandlers = append(p.errorHandlers, h)
}

// FromMiddleware adapts func(http.Handler) http.Handler to the stage
// contract: the wrapped handler's invocation becomes the next call.
func FromMiddleware(m middleware.Middleware) Stage {
	return func(w http.ResponseWriter, r *http.Request, next func(err error)) {
		m(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
			next(nil)
		})).ServeHTTP(w, r)
	}
}

// Execute walks the chain: every registered stage, then the handler.
func (p *Pipeline) Execute(w http.ResponseWriter, r *http.Request, handler http.Handler) {
	rw := newResponseState(w, r.URL.Path)

	chain := make([]Stage, 0, len(p.stages)+1)
	chain = append(chain, p.stages...)
	chain = append(chain, func(w http.ResponseWriter, r *http.Request, next func(err error)) {
		handler.ServeHTTP(w, r)
		next(nil)
	})

	for _, stage := range chain {
		advanced, err := p.runStage(stage, rw, r)
		if err != nil {
			p.handleError(rw, r, err)
			return
		}
		if !advanced {
			// The stage wrote a terminal response.
			return
		}
		if err := r.Context().Err(); err != nil {
			// Cancelled mid-chain; downstream work is pointless.
			return
		}
	}
}

// runStage invokes one stage and arbitrates its outcome. A stage returning
// without writing or advancing gets the watchdog grace period for async
// completion, after which the cursor is forced forward.
func (p *Pipeline) runStage(stage Stage, rw *responseState, r *http.Request) (advanced bool, stageErr error) {
	signal := make(chan error, 1)
	var called atomic.Bool
	next := func(err error) {
		if !called.CompareAndSwap(false, true) {
			logging.Warn("Pipeline stage called next twice; ignoring",
				zap.String("path", r.URL.Path),
			)
			return
		}
		signal <- err
	}

	stage(rw, r, next)

	select {
	case err := <-signal:
		return true, err
	default:
	}

	if rw.Written() {
		return false, nil
	}

	// Neither wrote nor advanced yet; allow async completion.
	timer := time.NewTimer(p.watchdog)
	defer timer.Stop()
	select {
	case err := <-signal:
		return true, err
	case <-timer.C:
		if rw.Written() {
			return false, nil
		}
		logging.Warn("Pipeline stage stalled; forcing advancement",
			zap.String("path", r.URL.Path),
			zap.Duration("watchdog", p.watchdog),
		)
		called.Store(true) // late next calls are ignored
		return true, nil
	}
}

// handleError routes to the first registered error handler, else responds 500.
func (p *Pipeline) handleError(w http.ResponseWriter, r *http.Request, err error) {
	if len(p.errorHandlers) > 0 {
		p.errorHandlers[0](w, r, err)
		return
	}
	DefaultErrorHandler(w, r, err)
}

// DefaultErrorHandler writes a JSON error response; typed server errors keep
// their status, everything else becomes a 500.
func DefaultErrorHandler(w http.ResponseWriter, r *http.Request, err error) {
	logging.Error("Pipeline error",
		zap.String("method", r.Method),
		zap.String("path", r.URL.Path),
		zap.Error(err),
	)
	if se, ok := errors.IsServerError(err); ok {
		se.WriteJSON(w)
		return
	}
	errors.ErrInternalServer.WriteJSON(w)
}
