package cache

import (
	"context"
	"errors"
	"time"
)

// ErrInsufficientCapacity is returned by Set when eviction could not free
// enough space for the new value within the per-call eviction budget.
var ErrInsufficientCapacity = errors.New("cache: insufficient capacity")

// SetOptions carries per-entry storage options.
type SetOptions struct {
	TTL      time.Duration // 0 = store default
	Tags     []string
	Priority float64
}

// Stats is a point-in-time view of store counters.
type Stats struct {
	Entries     int   `json:"entries"`
	MemoryBytes int64 `json:"memory_bytes"`
	Hits        int64 `json:"hits"`
	Misses      int64 `json:"misses"`
	Evictions   int64 `json:"evictions"`
	Compressed  int   `json:"compressed"`
}

// Store associates request fingerprints with serialized responses.
type Store interface {
	Get(ctx context.Context, fingerprint string) ([]byte, bool)
	Set(ctx context.Context, fingerprint string, value []byte, opts SetOptions) error
	Delete(ctx context.Context, fingerprint string) bool
	Clear(ctx context.Context)
	InvalidateByTag(ctx context.Context, tag string) int
	Stats() Stats
	Close() error
}
