package cluster

import (
	"encoding/json"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/Nehonix-Team/XyPriss-sub003/internal/config"
	"github.com/Nehonix-Team/XyPriss-sub003/internal/logging"
	"go.uber.org/zap"
)

// The supervisor passes the IPC pipe ends as inherited descriptors.
const (
	workerReadFD  = 3
	workerWriteFD = 4
)

// WorkerMetrics is the periodic load report a worker sends to the parent.
type WorkerMetrics struct {
	WorkerID       string  `json:"worker_id"`
	CPUPercent     float64 `json:"cpu_percent"`
	MemoryPercent  float64 `json:"memory_percent"`
	Inflight       int64   `json:"inflight"`
	RequestsTotal  uint64  `json:"requests_total"`
	AvgResponseMs  float64 `json:"avg_response_ms"`
	QueueLength    int     `json:"queue_length"`
	Timestamp      int64   `json:"timestamp"`
}

// LoadSampler supplies the request-level numbers the runtime cannot observe
// itself: inflight requests, totals, and response latency.
type LoadSampler func() (inflight int64, total uint64, avgResponseMs float64, queueLen int)

// Runtime is the child-process side of clustering: it connects the worker
// bus, reports liveness and load, and reacts to parent control messages.
type Runtime struct {
	cfg *config.Config
	bus *WorkerBus
	id  string

	sampler  LoadSampler
	onConfig func(*config.Config)
	onStop   func()

	cpu    cpuSampler
	stopCh chan struct{}
}

// NewRuntime wires the inherited pipe pair. It must only be called in a
// process started by the supervisor (CLUSTER_MODE set).
func NewRuntime(cfg *config.Config, sampler LoadSampler, onConfig func(*config.Config), onStop func()) *Runtime {
	id := config.WorkerID()
	r := &Runtime{
		cfg: cfg,
		id:  id,
		bus: NewWorkerBus(id,
			os.NewFile(workerReadFD, "ipc-read"),
			os.NewFile(workerWriteFD, "ipc-write"),
			cfg.Cluster.IPC.MaxMessageBytes,
		),
		sampler:  sampler,
		onConfig: onConfig,
		onStop:   onStop,
		stopCh:   make(chan struct{}),
	}

	r.bus.OnMessage(KindShutdown, func(*Envelope) {
		logging.Info("Worker received shutdown", zap.String("worker_id", r.id))
		r.Stop()
	})
	r.bus.OnMessage(KindConfigUpdate, r.handleConfigUpdate)
	r.bus.OnMessage(KindRPCRequest, func(env *Envelope) {
		// Health probes are answered with the current load sample.
		r.bus.Reply(env, r.sample())
	})
	return r
}

// Bus exposes the worker-side bus for application messaging.
func (r *Runtime) Bus() *WorkerBus { return r.bus }

// Ready tells the supervisor the HTTP server is accepting requests, then
// starts the heartbeat and metrics reporters.
func (r *Runtime) Ready() error {
	if err := r.bus.Send(KindReady, map[string]string{"worker_id": r.id}); err != nil {
		return err
	}
	go r.reportLoop()
	return nil
}

func (r *Runtime) handleConfigUpdate(env *Envelope) {
	if r.onConfig == nil {
		return
	}
	cfg := config.DefaultConfig()
	if err := json.Unmarshal(env.Payload, cfg); err != nil {
		logging.Warn("Config update payload malformed", zap.Error(err))
		return
	}
	// A worker never re-enables its own clustering.
	cfg.Cluster.Enabled = false
	r.onConfig(cfg)
}

func (r *Runtime) sample() WorkerMetrics {
	m := WorkerMetrics{
		WorkerID:      r.id,
		CPUPercent:    r.cpu.percent(),
		MemoryPercent: memoryPercent(),
		Timestamp:     time.Now().UnixMilli(),
	}
	if r.sampler != nil {
		m.Inflight, m.RequestsTotal, m.AvgResponseMs, m.QueueLength = r.sampler()
	}
	return m
}

// reportLoop sends heartbeats at half the probe interval and metrics at the
// autoscaler interval.
func (r *Runtime) reportLoop() {
	beatEvery := r.cfg.Cluster.HealthCheck.Interval / 2
	if beatEvery <= 0 {
		beatEvery = 5 * time.Second
	}
	metricsEvery := r.cfg.Cluster.AutoScaling.Interval
	if metricsEvery <= 0 {
		metricsEvery = 30 * time.Second
	}

	beat := time.NewTicker(beatEvery)
	defer beat.Stop()
	metrics := time.NewTicker(metricsEvery)
	defer metrics.Stop()

	for {
		select {
		case <-r.stopCh:
			return
		case <-beat.C:
			r.bus.Send(KindHeartbeat, map[string]string{"worker_id": r.id})
		case <-metrics.C:
			r.bus.Send(KindMetrics, r.sample())
		}
	}
}

// Stop ends reporting, runs the shutdown callback, and closes the bus.
func (r *Runtime) Stop() {
	select {
	case <-r.stopCh:
		return
	default:
		close(r.stopCh)
	}
	if r.onStop != nil {
		r.onStop()
	}
	r.bus.Close()
}

// cpuSampler derives a CPU percentage from /proc/self/stat deltas. On
// platforms without procfs it reports zero.
type cpuSampler struct {
	lastTicks  uint64
	lastSample time.Time
}

func (c *cpuSampler) percent() float64 {
	ticks, ok := processTicks()
	if !ok {
		return 0
	}
	now := time.Now()
	defer func() {
		c.lastTicks = ticks
		c.lastSample = now
	}()
	if c.lastSample.IsZero() || ticks < c.lastTicks {
		return 0
	}
	elapsed := now.Sub(c.lastSample).Seconds()
	if elapsed <= 0 {
		return 0
	}
	const clockTick = 100 // USER_HZ on Linux
	used := float64(ticks-c.lastTicks) / clockTick
	pct := used / elapsed * 100 / float64(runtime.NumCPU())
	if pct > 100 {
		pct = 100
	}
	return pct
}

// processTicks reads utime+stime from /proc/self/stat.
func processTicks() (uint64, bool) {
	b, err := os.ReadFile("/proc/self/stat")
	if err != nil {
		return 0, false
	}
	// Skip past the parenthesized command which may contain spaces.
	s := string(b)
	idx := strings.LastIndexByte(s, ')')
	if idx < 0 {
		return 0, false
	}
	fields := strings.Fields(s[idx+1:])
	// utime and stime are fields 14 and 15 overall, 12 and 13 after comm.
	if len(fields) < 13 {
		return 0, false
	}
	utime, err1 := strconv.ParseUint(fields[11], 10, 64)
	stime, err2 := strconv.ParseUint(fields[12], 10, 64)
	if err1 != nil || err2 != nil {
		return 0, false
	}
	return utime + stime, true
}

// memoryPercent approximates resident usage against total system memory.
func memoryPercent() float64 {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	total := systemMemoryBytes()
	if total == 0 {
		return 0
	}
	return float64(ms.Sys) / float64(total) * 100
}

func systemMemoryBytes() uint64 {
	b, err := os.ReadFile("/proc/meminfo")
	if err != nil {
		return 0
	}
	for _, line := range strings.Split(string(b), "\n") {
		if !strings.HasPrefix(line, "MemTotal:") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			return 0
		}
		kb, err := strconv.ParseUint(fields[1], 10, 64)
		if err != nil {
			return 0
		}
		return kb * 1024
	}
	return 0
}
