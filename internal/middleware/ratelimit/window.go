package ratelimit

import (
	"time"
)

// window tracks counts for two adjacent fixed windows.
type window struct {
	prevCount int
	currCount int
	currStart time.Time
	lastUsed  time.Time
}

// slidingCounter implements the sliding window counter algorithm: the
// effective count interpolates between two adjacent fixed windows, giving
// near-exact limiting with O(1) memory per key.
type slidingCounter struct {
	period  time.Duration
	windows *shardedMap[*window]
	stop    chan struct{}
}

func newSlidingCounter(period time.Duration) *slidingCounter {
	if period <= 0 {
		period = time.Minute
	}
	sc := &slidingCounter{
		period:  period,
		windows: newShardedMap[*window](),
		stop:    make(chan struct{}),
	}
	go sc.cleanup()
	return sc
}

// allow consumes one slot for key against limit.
func (sc *slidingCounter) allow(key string, limit int) (allowed bool, remaining int, resetTime time.Time) {
	now := time.Now()

	s := sc.windows.getShard(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	w, exists := s.items[key]
	if !exists {
		w = &window{currStart: now.Truncate(sc.period)}
		s.items[key] = w
	}

	// Rotate past windows.
	if gap := now.Sub(w.currStart); gap >= 2*sc.period {
		w.prevCount = 0
		w.currCount = 0
		w.currStart = now.Truncate(sc.period)
	} else if gap >= sc.period {
		w.prevCount = w.currCount
		w.currCount = 0
		w.currStart = w.currStart.Add(sc.period)
	}

	elapsed := now.Sub(w.currStart)
	weight := 1.0 - float64(elapsed)/float64(sc.period)
	estimate := float64(w.prevCount)*weight + float64(w.currCount)

	resetTime = w.currStart.Add(sc.period)
	w.lastUsed = now

	if estimate < float64(limit) {
		w.currCount++
		rem := float64(limit) - estimate - 1
		if rem < 0 {
			rem = 0
		}
		return true, int(rem), resetTime
	}
	return false, 0, resetTime
}

func (sc *slidingCounter) cleanup() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-sc.stop:
			return
		case <-ticker.C:
			now := time.Now()
			cutoff := 2 * sc.period
			sc.windows.deleteFunc(func(_ string, w *window) bool {
				return now.Sub(w.lastUsed) > cutoff
			})
		}
	}
}

func (sc *slidingCounter) close() {
	close(sc.stop)
}
