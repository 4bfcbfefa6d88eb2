package cluster

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/goccy/go-yaml"
	"github.com/Nehonix-Team/XyPriss-sub003/internal/config"
	"github.com/Nehonix-Team/XyPriss-sub003/internal/logging"
	"go.uber.org/zap"
)

// WorkerState is the per-worker lifecycle state.
type WorkerState string

const (
	StateStarting WorkerState = "starting"
	StateAlive    WorkerState = "alive"
	StateDegraded WorkerState = "degraded"
	StateStopping WorkerState = "stopping"
	StateDead     WorkerState = "dead"
)

// EventType tags supervisor events on the typed event channel.
type EventType string

const (
	EventWorkerStarted    EventType = "worker:started"
	EventWorkerExited     EventType = "worker:exited"
	EventWorkerRestarted  EventType = "worker:restarted"
	EventHealthStatus     EventType = "worker:health"
	EventFallback         EventType = "cluster:fallback"
	EventScalingExecuting EventType = "scaling:executing"
	EventScalingCompleted EventType = "scaling:completed"
)

// Event is one tagged supervisor occurrence.
type Event struct {
	Type     EventType
	WorkerID string
	State    WorkerState
	Detail   string
	Duration time.Duration
}

// worker tracks one child process.
type worker struct {
	id    string
	port  int
	cmd   *exec.Cmd
	state WorkerState

	readyCh chan struct{} // closed once ready is observed

	probeFailures int
	lastBeat      time.Time

	restarts     []time.Time // restart timestamps inside the window
	stopRequested bool
}

// Supervisor is the parent role: it spawns workers, monitors their health,
// respawns them within policy, and owns the IPC bus.
type Supervisor struct {
	cfg *config.Config
	bus *Bus

	mu      sync.Mutex
	workers map[string]*worker
	nextID  int

	events chan Event

	fallback  bool // degraded to single-process mode
	stopped   bool
	stopCh    chan struct{}
	probeDone chan struct{}
}

// NewSupervisor builds a supervisor; Start spawns the initial worker set.
func NewSupervisor(cfg *config.Config) *Supervisor {
	s := &Supervisor{
		cfg:     cfg,
		bus:     NewBus(cfg.Cluster.IPC.MaxMessageBytes, cfg.Cluster.IPC.RPCTimeout),
		workers: make(map[string]*worker),
		events:  make(chan Event, 64),
		stopCh:  make(chan struct{}),
	}
	s.bus.OnMessage(KindReady, s.onReady)
	s.bus.OnMessage(KindHeartbeat, s.onHeartbeat)
	return s
}

// onReady moves a starting worker to alive.
func (s *Supervisor) onReady(env *Envelope) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.workers[env.From]
	if !ok {
		return
	}
	if w.state == StateStarting {
		w.state = StateAlive
		close(w.readyCh)
	}
}

// Bus exposes the IPC bus for broadcast and RPC use.
func (s *Supervisor) Bus() *Bus { return s.bus }

// Events returns the typed event channel. Events are dropped, not blocked
// on, when the consumer lags.
func (s *Supervisor) Events() <-chan Event { return s.events }

// Fallback reports whether startup degraded to single-process mode.
func (s *Supervisor) Fallback() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fallback
}

func (s *Supervisor) emit(ev Event) {
	select {
	case s.events <- ev:
	default:
	}
}

// Start spawns the initial workers. When any worker misses the ready window
// the supervisor falls back to single-process mode instead of aborting.
func (s *Supervisor) Start(ctx context.Context) error {
	count := s.cfg.Cluster.WorkerCount()
	if s.cfg.Cluster.AutoScaling.Enabled && s.cfg.Cluster.AutoScaling.MinWorkers > 0 && count < s.cfg.Cluster.AutoScaling.MinWorkers {
		count = s.cfg.Cluster.AutoScaling.MinWorkers
	}

	clusterCtx, cancel := context.WithTimeout(ctx, s.cfg.Cluster.ClusterStartTimeout)
	defer cancel()

	for i := 0; i < count; i++ {
		w, err := s.spawn()
		if err != nil {
			logging.Error("Worker spawn failed", zap.Error(err))
			return s.enterFallback(err.Error())
		}
		if err := s.awaitReady(clusterCtx, w); err != nil {
			logging.Error("Worker failed to become ready",
				zap.String("worker_id", w.id),
				zap.Error(err),
			)
			s.killWorker(w)
			return s.enterFallback(err.Error())
		}
	}

	go s.probeLoop()
	logging.Info("Cluster started", zap.Int("workers", count))
	return nil
}

// enterFallback disables clustering but keeps the parent serving requests.
func (s *Supervisor) enterFallback(reason string) error {
	s.mu.Lock()
	s.fallback = true
	workers := make([]*worker, 0, len(s.workers))
	for _, w := range s.workers {
		workers = append(workers, w)
	}
	s.mu.Unlock()

	for _, w := range workers {
		s.killWorker(w)
	}
	s.emit(Event{Type: EventFallback, Detail: reason})
	logging.Warn("Falling back to single-process mode", zap.String("reason", reason))
	return nil
}

// spawn forks one worker process with its IPC pipe pair on fds 3 and 4.
func (s *Supervisor) spawn() (*worker, error) {
	s.mu.Lock()
	s.nextID++
	id := strconv.Itoa(s.nextID)
	s.mu.Unlock()

	// Parent→child and child→parent pipes; the child inherits the read end
	// as fd 3 and the write end as fd 4.
	toChildR, toChildW, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("ipc pipe: %w", err)
	}
	fromChildR, fromChildW, err := os.Pipe()
	if err != nil {
		toChildR.Close()
		toChildW.Close()
		return nil, fmt.Errorf("ipc pipe: %w", err)
	}

	port := s.cfg.Server.Port

	blob, err := s.configBlob()
	if err != nil {
		return nil, err
	}

	exe, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("resolve executable: %w", err)
	}

	cmd := exec.Command(exe, os.Args[1:]...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.ExtraFiles = []*os.File{toChildR, fromChildW}
	cmd.Env = append(os.Environ(),
		config.EnvClusterMode+"=true",
		config.EnvWorkerID+"="+id,
		config.EnvWorkerPort+"="+strconv.Itoa(port),
		config.EnvServerConfig+"="+blob,
	)

	if err := cmd.Start(); err != nil {
		toChildR.Close()
		toChildW.Close()
		fromChildR.Close()
		fromChildW.Close()
		return nil, fmt.Errorf("start worker: %w", err)
	}

	// Child ends live in the child now.
	toChildR.Close()
	fromChildW.Close()

	w := &worker{
		id:      id,
		port:    port,
		cmd:     cmd,
		state:   StateStarting,
		readyCh: make(chan struct{}),
	}

	s.mu.Lock()
	s.workers[id] = w
	s.mu.Unlock()

	s.bus.Attach(id, fromChildR, toChildW)
	go s.reap(w)

	logging.Info("Worker spawned",
		zap.String("worker_id", id),
		zap.Int("pid", cmd.Process.Pid),
	)
	return w, nil
}

// configBlob serializes the parent config for delivery via environment.
func (s *Supervisor) configBlob() (string, error) {
	b, err := yaml.Marshal(s.cfg)
	if err != nil {
		return "", fmt.Errorf("serialize worker config: %w", err)
	}
	return string(b), nil
}

// awaitReady waits for the ready envelope, falling back to process
// stability: a worker alive for one second counts as started.
func (s *Supervisor) awaitReady(ctx context.Context, w *worker) error {
	timeout := s.cfg.Cluster.WorkerStartTimeout
	if timeout <= 0 {
		timeout = 8 * time.Second
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	stability := time.NewTimer(time.Second)
	defer stability.Stop()

	for {
		select {
		case <-w.readyCh:
			s.emit(Event{Type: EventWorkerStarted, WorkerID: w.id, State: StateAlive})
			return nil
		case <-stability.C:
			// reap moves the state to dead under the same lock, so a
			// still-starting worker here has not exited.
			s.mu.Lock()
			stable := w.state == StateStarting
			if stable {
				w.state = StateAlive
			}
			s.mu.Unlock()
			if stable {
				s.emit(Event{Type: EventWorkerStarted, WorkerID: w.id, State: StateAlive})
				return nil
			}
		case <-timer.C:
			return fmt.Errorf("worker %s not ready within %s", w.id, timeout)
		case <-ctx.Done():
			return fmt.Errorf("cluster start window closed: %w", ctx.Err())
		}
	}
}

// reap waits for the process to exit and drives the dead → starting
// transition under the respawn policy.
func (s *Supervisor) reap(w *worker) {
	err := w.cmd.Wait()

	s.mu.Lock()
	w.state = StateDead
	requested := w.stopRequested
	s.mu.Unlock()

	s.bus.Detach(w.id)
	s.emit(Event{Type: EventWorkerExited, WorkerID: w.id, State: StateDead})
	logging.Warn("Worker exited",
		zap.String("worker_id", w.id),
		zap.Bool("requested", requested),
		zap.Error(err),
	)

	select {
	case <-s.stopCh:
		return
	default:
	}
	if requested || !s.cfg.Cluster.ProcessManagement.Respawn {
		return
	}
	s.respawn(w)
}

// respawn restarts a dead worker with exponential backoff, bounded by
// maxRestarts within the restart window.
func (s *Supervisor) respawn(old *worker) {
	pm := s.cfg.Cluster.ProcessManagement

	s.mu.Lock()
	now := time.Now()
	recent := old.restarts[:0]
	for _, t := range old.restarts {
		if now.Sub(t) < pm.RestartWindow {
			recent = append(recent, t)
		}
	}
	old.restarts = append(recent, now)
	count := len(old.restarts)
	s.mu.Unlock()

	if count > pm.MaxRestarts {
		logging.Error("Worker restart budget exhausted",
			zap.String("worker_id", old.id),
			zap.Int("restarts", count-1),
			zap.Duration("window", pm.RestartWindow),
		)
		return
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = pm.RestartDelay
	policy.MaxElapsedTime = pm.RestartWindow

	err := backoff.Retry(func() error {
		select {
		case <-s.stopCh:
			return backoff.Permanent(fmt.Errorf("supervisor stopping"))
		default:
		}
		w, err := s.spawn()
		if err != nil {
			return err
		}
		w.restarts = old.restarts
		s.emit(Event{Type: EventWorkerRestarted, WorkerID: w.id, State: StateStarting})
		return nil
	}, policy)
	if err != nil {
		logging.Error("Worker respawn failed", zap.String("worker_id", old.id), zap.Error(err))
	}

	s.mu.Lock()
	delete(s.workers, old.id)
	s.mu.Unlock()
}

// onHeartbeat records liveness and heals degraded workers.
func (s *Supervisor) onHeartbeat(env *Envelope) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.workers[env.From]
	if !ok {
		return
	}
	w.lastBeat = time.Now()
	w.probeFailures = 0
	if w.state == StateDegraded {
		w.state = StateAlive
		s.emit(Event{Type: EventHealthStatus, WorkerID: w.id, State: StateAlive})
	}
}

// probeLoop marks workers degraded after consecutive missed heartbeats.
func (s *Supervisor) probeLoop() {
	hc := s.cfg.Cluster.HealthCheck
	ticker := time.NewTicker(hc.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
		}

		s.mu.Lock()
		for _, w := range s.workers {
			if w.state != StateAlive && w.state != StateDegraded {
				continue
			}
			if time.Since(w.lastBeat) <= hc.Interval+hc.Timeout {
				continue
			}
			w.probeFailures++
			if w.state == StateAlive && w.probeFailures >= hc.MaxFailures {
				w.state = StateDegraded
				s.emit(Event{Type: EventHealthStatus, WorkerID: w.id, State: StateDegraded})
				logging.Warn("Worker degraded",
					zap.String("worker_id", w.id),
					zap.Int("missed_probes", w.probeFailures),
				)
			}
		}
		s.mu.Unlock()
	}
}

// WorkerCount returns the number of workers not yet stopping or dead.
func (s *Supervisor) WorkerCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, w := range s.workers {
		if w.state == StateAlive || w.state == StateDegraded || w.state == StateStarting {
			n++
		}
	}
	return n
}

// ScaleUp spawns additional workers.
func (s *Supervisor) ScaleUp(n int) error {
	started := time.Now()
	s.emit(Event{Type: EventScalingExecuting, Detail: fmt.Sprintf("up %d", n)})
	for i := 0; i < n; i++ {
		w, err := s.spawn()
		if err != nil {
			return err
		}
		if err := s.awaitReady(context.Background(), w); err != nil {
			s.killWorker(w)
			return err
		}
	}
	s.emit(Event{Type: EventScalingCompleted, Detail: fmt.Sprintf("up %d", n), Duration: time.Since(started)})
	return nil
}

// ScaleDown retires the most recently started workers gracefully.
func (s *Supervisor) ScaleDown(n int) error {
	started := time.Now()
	s.emit(Event{Type: EventScalingExecuting, Detail: fmt.Sprintf("down %d", n)})

	s.mu.Lock()
	victims := make([]*worker, 0, n)
	for _, w := range s.workers {
		if len(victims) == n {
			break
		}
		if w.state == StateAlive || w.state == StateDegraded {
			victims = append(victims, w)
		}
	}
	s.mu.Unlock()

	for _, w := range victims {
		s.stopWorker(w)
	}
	s.emit(Event{Type: EventScalingCompleted, Detail: fmt.Sprintf("down %d", len(victims)), Duration: time.Since(started)})
	return nil
}

// stopWorker performs the graceful stop: shutdown envelope, SIGTERM, then
// SIGKILL after the graceful timeout.
func (s *Supervisor) stopWorker(w *worker) {
	s.mu.Lock()
	w.stopRequested = true
	w.state = StateStopping
	s.mu.Unlock()

	s.bus.Send(w.id, KindShutdown, nil)
	if w.cmd.Process != nil {
		w.cmd.Process.Signal(syscall.SIGTERM)
	}

	timeout := s.cfg.Cluster.ProcessManagement.GracefulShutdownTimeout
	if timeout <= 0 {
		timeout = 8 * time.Second
	}
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		s.mu.Lock()
		dead := w.state == StateDead
		s.mu.Unlock()
		if dead {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	s.killWorker(w)
}

func (s *Supervisor) killWorker(w *worker) {
	s.mu.Lock()
	w.stopRequested = true
	s.mu.Unlock()
	if w.cmd.Process != nil {
		w.cmd.Process.Kill()
	}
}

// Stop retires every worker and closes the bus.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	close(s.stopCh)
	workers := make([]*worker, 0, len(s.workers))
	for _, w := range s.workers {
		workers = append(workers, w)
	}
	s.mu.Unlock()

	var wg sync.WaitGroup
	for _, w := range workers {
		wg.Add(1)
		go func(w *worker) {
			defer wg.Done()
			s.stopWorker(w)
		}(w)
	}
	wg.Wait()
	s.bus.Close()
}

// BroadcastConfig pushes a new config snapshot to every worker.
func (s *Supervisor) BroadcastConfig(cfg *config.Config) error {
	b, err := json.Marshal(cfg)
	if err != nil {
		return err
	}
	return s.bus.Broadcast(KindConfigUpdate, json.RawMessage(b))
}
