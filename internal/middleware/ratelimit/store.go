package ratelimit

import (
	"context"
	"strconv"
	"time"

	"github.com/Nehonix-Team/XyPriss-sub003/internal/logging"
	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"
)

// Store counts requests per key against a limit within the sliding window.
type Store interface {
	Allow(ctx context.Context, key string, limit int) (allowed bool, remaining int, resetTime time.Time, err error)
	Close() error
}

// MemoryStore keeps counters in process memory.
type MemoryStore struct {
	counter *slidingCounter
}

// NewMemoryStore creates an in-process store.
func NewMemoryStore(period time.Duration) *MemoryStore {
	return &MemoryStore{counter: newSlidingCounter(period)}
}

func (m *MemoryStore) Allow(_ context.Context, key string, limit int) (bool, int, time.Time, error) {
	allowed, remaining, reset := m.counter.allow(key, limit)
	return allowed, remaining, reset, nil
}

func (m *MemoryStore) Close() error {
	m.counter.close()
	return nil
}

// RedisStore counts across processes with two fixed-window keys per client,
// interpolated the same way as the memory store. A circuit breaker guards the
// Redis round trip; while open, counting degrades to a local fallback so a
// Redis outage never takes requests down with it.
type RedisStore struct {
	client   redis.UniversalClient
	prefix   string
	period   time.Duration
	breaker  *gobreaker.CircuitBreaker[[]int64]
	fallback *MemoryStore
}

// NewRedisStore creates a Redis-backed store.
func NewRedisStore(client redis.UniversalClient, prefix string, period time.Duration) *RedisStore {
	if period <= 0 {
		period = time.Minute
	}
	if prefix == "" {
		prefix = "xypriss"
	}

	settings := gobreaker.Settings{
		Name: "ratelimit-redis",
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logging.Warn("Rate limit store breaker state change",
				zap.String("name", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	}

	return &RedisStore{
		client:   client,
		prefix:   prefix,
		period:   period,
		breaker:  gobreaker.NewCircuitBreaker[[]int64](settings),
		fallback: NewMemoryStore(period),
	}
}

func (rs *RedisStore) windowKeys(key string, now time.Time) (curr, prev string, currStart time.Time) {
	currStart = now.Truncate(rs.period)
	prevStart := currStart.Add(-rs.period)
	base := rs.prefix + ":rl:" + key + ":"
	return base + strconv.FormatInt(currStart.Unix(), 10),
		base + strconv.FormatInt(prevStart.Unix(), 10),
		currStart
}

func (rs *RedisStore) Allow(ctx context.Context, key string, limit int) (bool, int, time.Time, error) {
	now := time.Now()
	currKey, prevKey, currStart := rs.windowKeys(key, now)

	counts, err := rs.breaker.Execute(func() ([]int64, error) {
		pipe := rs.client.TxPipeline()
		incr := pipe.Incr(ctx, currKey)
		pipe.Expire(ctx, currKey, 2*rs.period)
		prev := pipe.Get(ctx, prevKey)
		if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
			return nil, err
		}
		prevCount, _ := prev.Int64()
		return []int64{incr.Val(), prevCount}, nil
	})
	if err != nil {
		// Breaker open or Redis down: degrade to the local store.
		return rs.fallback.Allow(ctx, key, limit)
	}

	currCount, prevCount := counts[0], counts[1]
	elapsed := now.Sub(currStart)
	weight := 1.0 - float64(elapsed)/float64(rs.period)
	// The INCR above already claimed this request's slot.
	estimate := float64(prevCount)*weight + float64(currCount-1)

	resetTime := currStart.Add(rs.period)
	if estimate < float64(limit) {
		rem := float64(limit) - estimate - 1
		if rem < 0 {
			rem = 0
		}
		return true, int(rem), resetTime, nil
	}
	return false, 0, resetTime, nil
}

func (rs *RedisStore) Close() error {
	rs.fallback.Close()
	return nil
}
