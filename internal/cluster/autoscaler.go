package cluster

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/Nehonix-Team/XyPriss-sub003/internal/config"
	"github.com/Nehonix-Team/XyPriss-sub003/internal/logging"
	"go.uber.org/zap"
)

// Scaler is what the autoscaler needs from the supervisor.
type Scaler interface {
	WorkerCount() int
	ScaleUp(n int) error
	ScaleDown(n int) error
}

// AggregatedMetrics is the cluster-wide view one scaling decision consumes.
type AggregatedMetrics struct {
	AvgCPUPercent    float64
	AvgMemoryPercent float64
	AvgResponseMs    float64
	QueueLength      int
	ActiveWorkers    int
	Idle             time.Duration
}

// decision outcome history entry used for confidence adjustment.
type actionRecord struct {
	up      bool
	success bool
}

// AutoScaler turns worker metrics into fork/retire decisions on a fixed
// interval, with score thresholds, confidence gating, and a cooldown.
type AutoScaler struct {
	cfg    config.AutoScalingConfig
	scaler Scaler

	mu         sync.Mutex
	perWorker  map[string]WorkerMetrics
	lastBusy   time.Time
	lastAction time.Time
	history    []actionRecord

	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewAutoScaler builds an autoscaler fed by the supervisor's bus.
func NewAutoScaler(cfg config.AutoScalingConfig, scaler Scaler, bus *Bus) *AutoScaler {
	a := &AutoScaler{
		cfg:       cfg,
		scaler:    scaler,
		perWorker: make(map[string]WorkerMetrics),
		lastBusy:  time.Now(),
		stopCh:    make(chan struct{}),
	}
	if bus != nil {
		bus.OnMessage(KindMetrics, a.onMetrics)
	}
	return a
}

func (a *AutoScaler) onMetrics(env *Envelope) {
	var m WorkerMetrics
	if err := json.Unmarshal(env.Payload, &m); err != nil {
		return
	}
	a.mu.Lock()
	a.perWorker[m.WorkerID] = m
	if m.Inflight > 0 || m.QueueLength > 0 {
		a.lastBusy = time.Now()
	}
	a.mu.Unlock()
}

// Aggregate folds the latest per-worker reports into one cluster view.
func (a *AutoScaler) Aggregate() AggregatedMetrics {
	a.mu.Lock()
	defer a.mu.Unlock()

	agg := AggregatedMetrics{
		ActiveWorkers: a.scaler.WorkerCount(),
		Idle:          time.Since(a.lastBusy),
	}
	if len(a.perWorker) == 0 {
		return agg
	}
	for _, m := range a.perWorker {
		agg.AvgCPUPercent += m.CPUPercent
		agg.AvgMemoryPercent += m.MemoryPercent
		agg.AvgResponseMs += m.AvgResponseMs
		agg.QueueLength += m.QueueLength
	}
	n := float64(len(a.perWorker))
	agg.AvgCPUPercent /= n
	agg.AvgMemoryPercent /= n
	agg.AvgResponseMs /= n
	return agg
}

// scoreUp applies the scale-up rubric.
func (a *AutoScaler) scoreUp(m AggregatedMetrics) int {
	up := a.cfg.ScaleUpThreshold
	score := 0
	if m.AvgCPUPercent > up.CPU {
		score += 30
	}
	if m.AvgMemoryPercent > up.Memory {
		score += 25
	}
	if up.ResponseTime > 0 && m.AvgResponseMs > float64(up.ResponseTime.Milliseconds()) {
		score += 35
	}
	if up.QueueLength > 0 && m.QueueLength > up.QueueLength {
		score += 40
	}
	return score
}

// scoreDown applies the scale-down rubric.
func (a *AutoScaler) scoreDown(m AggregatedMetrics) int {
	down := a.cfg.ScaleDownThreshold
	score := 0
	if m.AvgCPUPercent < down.CPU {
		score += 20
	}
	if m.AvgMemoryPercent < down.Memory {
		score += 15
	}
	if down.IdleTime > 0 && m.Idle > down.IdleTime {
		score += 30
	}
	return score
}

// confidence adjusts a raw score by the recent success rate of the same
// action: a poor track record shaves up to 20 points, a good one adds 10.
func (a *AutoScaler) confidence(score int, up bool) int {
	a.mu.Lock()
	defer a.mu.Unlock()

	same, succeeded := 0, 0
	for _, rec := range a.history {
		if rec.up != up {
			continue
		}
		same++
		if rec.success {
			succeeded++
		}
	}
	if same == 0 {
		return score
	}
	rate := float64(succeeded) / float64(same)
	switch {
	case rate >= 0.8:
		return score + 10
	case rate < 0.5:
		return score - 20
	default:
		return score - 10
	}
}

func (a *AutoScaler) record(up, success bool) {
	a.mu.Lock()
	a.history = append(a.history, actionRecord{up: up, success: success})
	if len(a.history) > 32 {
		a.history = a.history[len(a.history)-32:]
	}
	a.lastAction = time.Now()
	a.mu.Unlock()
}

// Evaluate runs one decision cycle. It returns +n/-n for the workers added
// or removed, 0 when no action was taken.
func (a *AutoScaler) Evaluate() int {
	a.mu.Lock()
	inCooldown := !a.lastAction.IsZero() && time.Since(a.lastAction) < a.cfg.CooldownPeriod
	a.mu.Unlock()
	if inCooldown {
		return 0
	}

	m := a.Aggregate()
	step := a.cfg.ScaleStep
	if step <= 0 {
		step = 1
	}

	if score := a.scoreUp(m); score >= 50 {
		conf := a.confidence(score, true)
		if conf < 60 {
			logging.Debug("Scale-up skipped on low confidence",
				zap.Int("score", score),
				zap.Int("confidence", conf),
			)
			return 0
		}
		if m.ActiveWorkers+step > a.cfg.MaxWorkers {
			return 0
		}
		err := a.scaler.ScaleUp(step)
		a.record(true, err == nil)
		if err != nil {
			logging.Error("Scale-up failed", zap.Error(err))
			return 0
		}
		logging.Info("Scaled up",
			zap.Int("step", step),
			zap.Int("score", score),
			zap.Float64("avg_cpu", m.AvgCPUPercent),
		)
		return step
	}

	if score := a.scoreDown(m); score >= 40 {
		conf := a.confidence(score, false)
		if conf < 60 {
			return 0
		}
		if m.ActiveWorkers-step < a.cfg.MinWorkers {
			return 0
		}
		err := a.scaler.ScaleDown(step)
		a.record(false, err == nil)
		if err != nil {
			logging.Error("Scale-down failed", zap.Error(err))
			return 0
		}
		logging.Info("Scaled down", zap.Int("step", step), zap.Int("score", score))
		return -step
	}
	return 0
}

// Run evaluates on the configured interval until Stop.
func (a *AutoScaler) Run() {
	interval := a.cfg.Interval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-a.stopCh:
			return
		case <-ticker.C:
			a.Evaluate()
		}
	}
}

// Stop ends the evaluation loop.
func (a *AutoScaler) Stop() {
	a.stopOnce.Do(func() { close(a.stopCh) })
}
