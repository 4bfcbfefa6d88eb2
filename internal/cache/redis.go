package cache

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/Nehonix-Team/XyPriss-sub003/internal/config"
	"github.com/Nehonix-Team/XyPriss-sub003/internal/logging"
	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"
)

// RedisStore is the shared tier: values live in Redis with native TTL, tags
// are sets of fingerprints. Every round trip goes through a circuit breaker;
// while the breaker is open the store degrades to an in-process MemoryStore
// so a Redis outage is an operational event, not a client-visible failure.
type RedisStore struct {
	client     redis.UniversalClient
	prefix     string
	defaultTTL time.Duration
	breaker    *gobreaker.CircuitBreaker[[]byte]
	fallback   *MemoryStore

	hits   atomic.Int64
	misses atomic.Int64
}

// NewRedisStore creates a Redis-backed store with a memory fallback.
func NewRedisStore(client redis.UniversalClient, cfg config.CacheConfig, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "xypriss"
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = 300 * time.Second
	}

	settings := gobreaker.Settings{
		Name: "cache-redis",
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logging.Warn("Cache backend unavailable, breaker state change",
				zap.String("name", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	}

	return &RedisStore{
		client:     client,
		prefix:     prefix,
		defaultTTL: ttl,
		breaker:    gobreaker.NewCircuitBreaker[[]byte](settings),
		fallback:   NewMemoryStore(cfg),
	}
}

func (s *RedisStore) key(fingerprint string) string {
	return s.prefix + ":cache:" + fingerprint
}

func (s *RedisStore) tagKey(tag string) string {
	return s.prefix + ":cachetag:" + tag
}

func (s *RedisStore) Get(ctx context.Context, fingerprint string) ([]byte, bool) {
	value, err := s.breaker.Execute(func() ([]byte, error) {
		b, err := s.client.Get(ctx, s.key(fingerprint)).Bytes()
		if err == redis.Nil {
			// A miss is a successful round trip, not a backend failure.
			return nil, nil
		}
		return b, err
	})
	if err != nil {
		// Breaker open or transport failure.
		return s.fallback.Get(ctx, fingerprint)
	}
	if value == nil {
		s.misses.Add(1)
		return nil, false
	}
	s.hits.Add(1)
	return value, true
}

func (s *RedisStore) Set(ctx context.Context, fingerprint string, value []byte, opts SetOptions) error {
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = s.defaultTTL
	}

	_, err := s.breaker.Execute(func() ([]byte, error) {
		pipe := s.client.TxPipeline()
		pipe.Set(ctx, s.key(fingerprint), value, ttl)
		for _, tag := range opts.Tags {
			pipe.SAdd(ctx, s.tagKey(tag), fingerprint)
			pipe.Expire(ctx, s.tagKey(tag), 24*time.Hour)
		}
		_, err := pipe.Exec(ctx)
		return nil, err
	})
	if err != nil {
		return s.fallback.Set(ctx, fingerprint, value, opts)
	}
	return nil
}

func (s *RedisStore) Delete(ctx context.Context, fingerprint string) bool {
	deleted, err := s.breaker.Execute(func() ([]byte, error) {
		n, err := s.client.Del(ctx, s.key(fingerprint)).Result()
		if err != nil {
			return nil, err
		}
		if n > 0 {
			return []byte{1}, nil
		}
		return nil, nil
	})
	if err != nil {
		return s.fallback.Delete(ctx, fingerprint)
	}
	return deleted != nil
}

func (s *RedisStore) Clear(ctx context.Context) {
	s.breaker.Execute(func() ([]byte, error) {
		iter := s.client.Scan(ctx, 0, s.prefix+":cache:*", 512).Iterator()
		for iter.Next(ctx) {
			s.client.Del(ctx, iter.Val())
		}
		return nil, iter.Err()
	})
	s.fallback.Clear(ctx)
}

func (s *RedisStore) InvalidateByTag(ctx context.Context, tag string) int {
	n := 0
	s.breaker.Execute(func() ([]byte, error) {
		members, err := s.client.SMembers(ctx, s.tagKey(tag)).Result()
		if err != nil {
			return nil, err
		}
		for _, fp := range members {
			if deleted, _ := s.client.Del(ctx, s.key(fp)).Result(); deleted > 0 {
				n++
			}
		}
		s.client.Del(ctx, s.tagKey(tag))
		return nil, nil
	})
	n += s.fallback.InvalidateByTag(ctx, tag)
	return n
}

func (s *RedisStore) Stats() Stats {
	stats := s.fallback.Stats()
	stats.Hits += s.hits.Load()
	stats.Misses += s.misses.Load()
	return stats
}

func (s *RedisStore) Close() error {
	return s.fallback.Close()
}
