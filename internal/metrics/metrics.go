// Package metrics exports Prometheus collectors for the request path,
// response cache, and cluster workers.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector owns a private registry so tests and multi-server setups never
// collide on duplicate registration.
type Collector struct {
	registry *prometheus.Registry

	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	inflight        prometheus.Gauge

	cacheHits   prometheus.Counter
	cacheMisses prometheus.Counter

	workersAlive    prometheus.Gauge
	workerRestarts  prometheus.Counter
	scalingActions  *prometheus.CounterVec
}

// NewCollector builds and registers all collectors.
func NewCollector() *Collector {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Collector{
		registry: reg,
		requestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "xypriss",
			Name:      "requests_total",
			Help:      "Requests handled, by route pattern, method, and status.",
		}, []string{"route", "method", "status"}),
		requestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "xypriss",
			Name:      "request_duration_seconds",
			Help:      "Request latency by route pattern.",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}, []string{"route"}),
		inflight: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "xypriss",
			Name:      "inflight_requests",
			Help:      "Requests currently being handled.",
		}),
		cacheHits: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "xypriss",
			Name:      "cache_hits_total",
			Help:      "Response cache hits.",
		}),
		cacheMisses: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "xypriss",
			Name:      "cache_misses_total",
			Help:      "Response cache misses.",
		}),
		workersAlive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "xypriss",
			Name:      "cluster_workers",
			Help:      "Workers currently alive or degraded.",
		}),
		workerRestarts: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "xypriss",
			Name:      "cluster_worker_restarts_total",
			Help:      "Worker processes respawned by the supervisor.",
		}),
		scalingActions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "xypriss",
			Name:      "cluster_scaling_actions_total",
			Help:      "Autoscaler actions taken, by direction.",
		}, []string{"direction"}),
	}
}

// RecordRequest counts one finished request.
func (c *Collector) RecordRequest(route, method string, status int, duration time.Duration) {
	c.requestsTotal.WithLabelValues(route, method, strconv.Itoa(status)).Inc()
	c.requestDuration.WithLabelValues(route).Observe(duration.Seconds())
}

// RecordCache counts a cache lookup outcome.
func (c *Collector) RecordCache(hit bool) {
	if hit {
		c.cacheHits.Inc()
	} else {
		c.cacheMisses.Inc()
	}
}

// SetWorkers publishes the live worker count.
func (c *Collector) SetWorkers(n int) {
	c.workersAlive.Set(float64(n))
}

// RecordWorkerRestart counts one supervisor respawn.
func (c *Collector) RecordWorkerRestart() {
	c.workerRestarts.Inc()
}

// RecordScaling counts an autoscaler action.
func (c *Collector) RecordScaling(up bool) {
	direction := "down"
	if up {
		direction = "up"
	}
	c.scalingActions.WithLabelValues(direction).Inc()
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// Middleware instruments request counts, latencies, and the inflight gauge.
// The route label is the matched pattern, keeping cardinality bounded.
func (c *Collector) Middleware(route string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			c.inflight.Inc()
			start := time.Now()
			sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(sw, r)
			c.inflight.Dec()
			c.RecordRequest(route, r.Method, sw.status, time.Since(start))
		})
	}
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}
