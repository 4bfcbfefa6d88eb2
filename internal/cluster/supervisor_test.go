package cluster

import (
	"context"
	"testing"
	"time"

	"github.com/Nehonix-Team/XyPriss-sub003/internal/config"
)

func TestFallbackEmitsEventAndDisablesWorkers(t *testing.T) {
	cfg := config.DefaultConfig()
	s := NewSupervisor(cfg)

	if s.Fallback() {
		t.Fatal("fresh supervisor already in fallback")
	}
	s.enterFallback("worker 1 not ready")
	if !s.Fallback() {
		t.Error("fallback flag not set")
	}

	select {
	case ev := <-s.Events():
		if ev.Type != EventFallback {
			t.Errorf("event = %v", ev.Type)
		}
		if ev.Detail != "worker 1 not ready" {
			t.Errorf("detail = %q", ev.Detail)
		}
	case <-time.After(time.Second):
		t.Fatal("no fallback event")
	}
}

func TestWorkerCountSkipsDeadWorkers(t *testing.T) {
	s := NewSupervisor(config.DefaultConfig())
	s.workers["1"] = &worker{id: "1", state: StateAlive}
	s.workers["2"] = &worker{id: "2", state: StateDegraded}
	s.workers["3"] = &worker{id: "3", state: StateDead}
	s.workers["4"] = &worker{id: "4", state: StateStopping}

	if got := s.WorkerCount(); got != 2 {
		t.Errorf("WorkerCount = %d, want 2", got)
	}
}

func TestHeartbeatHealsDegradedWorker(t *testing.T) {
	s := NewSupervisor(config.DefaultConfig())
	s.workers["1"] = &worker{id: "1", state: StateDegraded, probeFailures: 3}

	s.onHeartbeat(&Envelope{From: "1", Kind: KindHeartbeat})

	w := s.workers["1"]
	if w.state != StateAlive {
		t.Errorf("state = %v, want alive", w.state)
	}
	if w.probeFailures != 0 {
		t.Errorf("probeFailures = %d", w.probeFailures)
	}
	if w.lastBeat.IsZero() {
		t.Error("lastBeat not recorded")
	}
}

func TestAwaitReadyStabilityPromotesStartingWorker(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Cluster.WorkerStartTimeout = 3 * time.Second
	s := NewSupervisor(cfg)
	w := &worker{id: "1", state: StateStarting, readyCh: make(chan struct{})}
	s.workers["1"] = w

	if err := s.awaitReady(context.Background(), w); err != nil {
		t.Fatalf("awaitReady: %v", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if w.state != StateAlive {
		t.Errorf("state = %v, want alive after stability window", w.state)
	}
}

func TestAwaitReadyIgnoresExitedWorker(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Cluster.WorkerStartTimeout = 1500 * time.Millisecond
	s := NewSupervisor(cfg)
	w := &worker{id: "1", state: StateStarting, readyCh: make(chan struct{})}
	s.workers["1"] = w

	// The exit observer flips the state under the supervisor lock before
	// the stability window elapses; the worker must not be promoted.
	go func() {
		time.Sleep(200 * time.Millisecond)
		s.mu.Lock()
		w.state = StateDead
		s.mu.Unlock()
	}()

	if err := s.awaitReady(context.Background(), w); err == nil {
		t.Fatal("dead worker reported ready")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if w.state != StateDead {
		t.Errorf("state = %v, want dead", w.state)
	}
}

func TestBroadcastConfigWithNoWorkersIsNoOp(t *testing.T) {
	s := NewSupervisor(config.DefaultConfig())
	if err := s.BroadcastConfig(config.DefaultConfig()); err != nil {
		t.Errorf("BroadcastConfig = %v", err)
	}
}

func TestCPUSamplerFirstSampleIsZero(t *testing.T) {
	var c cpuSampler
	if pct := c.percent(); pct != 0 {
		t.Errorf("first sample = %v, want 0", pct)
	}
	// Second sample has a baseline and must stay within bounds.
	time.Sleep(10 * time.Millisecond)
	if pct := c.percent(); pct < 0 || pct > 100 {
		t.Errorf("second sample = %v out of range", pct)
	}
}

func TestMemoryPercentBounded(t *testing.T) {
	pct := memoryPercent()
	if pct < 0 || pct > 100 {
		t.Errorf("memoryPercent = %v", pct)
	}
}
