package cache

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/Nehonix-Team/XyPriss-sub003/internal/config"
)

func newTestStore(maxEntries int, maxMemory int64) *MemoryStore {
	return NewMemoryStore(config.CacheConfig{
		Enabled:              true,
		MaxEntries:           maxEntries,
		MaxMemoryBytes:       maxMemory,
		TTL:                  time.Minute,
		CompressionThreshold: 1024,
		Prediction:           true,
	})
}

func TestSetGetRoundTrip(t *testing.T) {
	s := newTestStore(100, 1<<20)
	defer s.Close()
	ctx := context.Background()

	if err := s.Set(ctx, "a", []byte("value-a"), SetOptions{}); err != nil {
		t.Fatal(err)
	}
	got, ok := s.Get(ctx, "a")
	if !ok || string(got) != "value-a" {
		t.Errorf("got %q ok=%v", got, ok)
	}

	if _, ok := s.Get(ctx, "missing"); ok {
		t.Error("missing key returned a value")
	}

	stats := s.Stats()
	if stats.Hits != 1 || stats.Misses != 1 {
		t.Errorf("hits=%d misses=%d", stats.Hits, stats.Misses)
	}
}

func TestExpiredEntryNotReturned(t *testing.T) {
	s := newTestStore(100, 1<<20)
	defer s.Close()
	ctx := context.Background()

	s.Set(ctx, "a", []byte("v"), SetOptions{TTL: 10 * time.Millisecond})
	time.Sleep(20 * time.Millisecond)

	if _, ok := s.Get(ctx, "a"); ok {
		t.Error("expired entry returned")
	}
}

func TestLargeValueCompressed(t *testing.T) {
	s := newTestStore(100, 1<<20)
	defer s.Close()
	ctx := context.Background()

	// Highly repetitive, comfortably over the threshold.
	value := bytes.Repeat([]byte("abcdefgh"), 1024)
	if err := s.Set(ctx, "big", value, SetOptions{}); err != nil {
		t.Fatal(err)
	}

	if got := s.Stats().Compressed; got != 1 {
		t.Errorf("compressed entries = %d, want 1", got)
	}
	if s.Stats().MemoryBytes >= int64(len(value)) {
		t.Errorf("stored size %d not smaller than raw %d", s.Stats().MemoryBytes, len(value))
	}

	got, ok := s.Get(ctx, "big")
	if !ok || !bytes.Equal(got, value) {
		t.Error("compressed round trip failed")
	}
}

func TestIncompressibleValueStoredRaw(t *testing.T) {
	s := newTestStore(100, 1<<20)
	defer s.Close()
	ctx := context.Background()

	// Small value below the threshold stays raw.
	s.Set(ctx, "small", []byte(strings.Repeat("x", 100)), SetOptions{})
	if got := s.Stats().Compressed; got != 0 {
		t.Errorf("compressed entries = %d, want 0", got)
	}
}

func TestEvictionOnMaxEntries(t *testing.T) {
	s := newTestStore(10, 1<<20)
	defer s.Close()
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		s.Set(ctx, string(rune('a'+i)), []byte("v"), SetOptions{})
	}
	// Access all but one so the untouched entry scores lowest.
	for i := 1; i < 10; i++ {
		for j := 0; j < 5; j++ {
			s.Get(ctx, string(rune('a'+i)))
		}
	}

	if err := s.Set(ctx, "new", []byte("v"), SetOptions{}); err != nil {
		t.Fatal(err)
	}

	if _, ok := s.Get(ctx, "a"); ok {
		t.Error("cold entry survived eviction")
	}
	if _, ok := s.Get(ctx, "new"); !ok {
		t.Error("new entry missing")
	}
	if s.Stats().Evictions == 0 {
		t.Error("no evictions recorded")
	}
}

func TestInsufficientCapacity(t *testing.T) {
	s := newTestStore(100, 512)
	defer s.Close()
	ctx := context.Background()

	err := s.Set(ctx, "huge", make([]byte, 1024), SetOptions{})
	if err != ErrInsufficientCapacity {
		t.Errorf("err = %v, want ErrInsufficientCapacity", err)
	}
}

func TestPriorityProtectsFromEviction(t *testing.T) {
	s := newTestStore(5, 1<<20)
	defer s.Close()
	ctx := context.Background()

	s.Set(ctx, "protected", []byte("v"), SetOptions{Priority: 100})
	for i := 0; i < 4; i++ {
		s.Set(ctx, string(rune('a'+i)), []byte("v"), SetOptions{})
	}
	s.Set(ctx, "overflow", []byte("v"), SetOptions{})

	if _, ok := s.Get(ctx, "protected"); !ok {
		t.Error("high-priority entry evicted")
	}
}

func TestInvalidateByTag(t *testing.T) {
	s := newTestStore(100, 1<<20)
	defer s.Close()
	ctx := context.Background()

	s.Set(ctx, "u1", []byte("v"), SetOptions{Tags: []string{"users"}})
	s.Set(ctx, "u2", []byte("v"), SetOptions{Tags: []string{"users", "admins"}})
	s.Set(ctx, "p1", []byte("v"), SetOptions{Tags: []string{"posts"}})

	if n := s.InvalidateByTag(ctx, "users"); n != 2 {
		t.Errorf("invalidated %d, want 2", n)
	}
	if _, ok := s.Get(ctx, "u1"); ok {
		t.Error("tagged entry survived")
	}
	if _, ok := s.Get(ctx, "p1"); !ok {
		t.Error("unrelated entry removed")
	}
}

func TestDeleteAndClear(t *testing.T) {
	s := newTestStore(100, 1<<20)
	defer s.Close()
	ctx := context.Background()

	s.Set(ctx, "a", []byte("v"), SetOptions{})
	if !s.Delete(ctx, "a") {
		t.Error("delete returned false")
	}
	if s.Delete(ctx, "a") {
		t.Error("second delete returned true")
	}

	s.Set(ctx, "b", []byte("v"), SetOptions{})
	s.Clear(ctx)
	if s.Stats().Entries != 0 {
		t.Errorf("entries = %d after clear", s.Stats().Entries)
	}
	if s.Stats().MemoryBytes != 0 {
		t.Errorf("memory = %d after clear", s.Stats().MemoryBytes)
	}
}
