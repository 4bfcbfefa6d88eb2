package cache

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/Nehonix-Team/XyPriss-sub003/internal/config"
	"github.com/Nehonix-Team/XyPriss-sub003/internal/logging"
	"github.com/klauspost/compress/zstd"
	"go.uber.org/zap"
)

// maxEvictFraction bounds how much of the store one Set call may evict.
const maxEvictFraction = 0.10

// compressionSaving is the minimum fraction a compressed value must shrink by
// to be stored compressed.
const compressionSaving = 0.20

// entry is one cached value with its bookkeeping.
type entry struct {
	fingerprint string
	value       []byte
	compressed  bool
	rawSize     int64
	storedSize  int64
	createdAt   time.Time
	expiresAt   time.Time
	hits        int64
	lastAccess  time.Time
	priority    float64
	tags        []string
	pattern     *accessPattern
}

func (e *entry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && now.After(e.expiresAt)
}

// evictionScore ranks entries for eviction; lower evicts first.
// score = priority - ageHours - minutesSinceAccess(capped 30) + log(hits+1) - sizeKB/10
func (e *entry) evictionScore(now time.Time) float64 {
	ageHours := now.Sub(e.createdAt).Hours()
	sinceAccess := now.Sub(e.lastAccess).Minutes()
	if sinceAccess > 30 {
		sinceAccess = 30
	}
	sizeKB := float64(e.storedSize) / 1024
	return e.priority - ageHours - sinceAccess + math.Log(float64(e.hits)+1) - sizeKB/10
}

// MemoryStore is the in-process tier: bounded by entry count and total bytes,
// scored eviction, per-entry access patterns for prediction, zstd-compressed
// values past the threshold.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]*entry
	tags    map[string]map[string]struct{}

	maxEntries     int
	maxMemory      int64
	defaultTTL     time.Duration
	compressAt     int
	predictEnabled bool

	totalBytes int64
	hits       int64
	misses     int64
	evictions  int64

	encoder *zstd.Encoder
	decoder *zstd.Decoder

	stop chan struct{}
}

// NewMemoryStore creates a memory store from config and starts its janitor.
func NewMemoryStore(cfg config.CacheConfig) *MemoryStore {
	maxEntries := cfg.MaxEntries
	if maxEntries <= 0 {
		maxEntries = 10000
	}
	maxMemory := cfg.MaxMemoryBytes
	if maxMemory <= 0 {
		maxMemory = 100 << 20
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = 300 * time.Second
	}
	compressAt := cfg.CompressionThreshold
	if compressAt <= 0 {
		compressAt = 1024
	}

	enc, _ := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	dec, _ := zstd.NewReader(nil)

	s := &MemoryStore{
		entries:        make(map[string]*entry),
		tags:           make(map[string]map[string]struct{}),
		maxEntries:     maxEntries,
		maxMemory:      maxMemory,
		defaultTTL:     ttl,
		compressAt:     compressAt,
		predictEnabled: cfg.Prediction,
		encoder:        enc,
		decoder:        dec,
		stop:           make(chan struct{}),
	}
	go s.janitor()
	return s
}

// Get returns the stored value, updating hit bookkeeping and the entry's
// access pattern. Expired entries are removed and count as misses.
func (s *MemoryStore) Get(_ context.Context, fingerprint string) ([]byte, bool) {
	now := time.Now()

	s.mu.Lock()
	e, ok := s.entries[fingerprint]
	if !ok {
		s.misses++
		s.mu.Unlock()
		return nil, false
	}
	if e.expired(now) {
		s.removeLocked(e)
		s.misses++
		s.mu.Unlock()
		return nil, false
	}

	e.hits++
	e.lastAccess = now
	if s.predictEnabled {
		e.pattern.record(now)
	}
	s.hits++
	value, compressed := e.value, e.compressed
	s.mu.Unlock()

	if compressed {
		raw, err := s.decoder.DecodeAll(value, nil)
		if err != nil {
			return nil, false
		}
		return raw, true
	}
	return value, true
}

// Set stores a value, evicting low-scored entries as needed. At most 10% of
// entries are evicted per call; if that cannot make room, the set fails.
func (s *MemoryStore) Set(_ context.Context, fingerprint string, value []byte, opts SetOptions) error {
	now := time.Now()
	rawSize := int64(len(value))

	stored := value
	compressed := false
	if len(value) >= s.compressAt {
		if packed := s.encoder.EncodeAll(value, nil); float64(len(packed)) <= float64(len(value))*(1-compressionSaving) {
			stored = packed
			compressed = true
		}
	}
	storedSize := int64(len(stored))

	ttl := opts.TTL
	if ttl <= 0 {
		ttl = s.defaultTTL
	}

	e := &entry{
		fingerprint: fingerprint,
		value:       stored,
		compressed:  compressed,
		rawSize:     rawSize,
		storedSize:  storedSize,
		createdAt:   now,
		expiresAt:   now.Add(ttl),
		lastAccess:  now,
		priority:    opts.Priority,
		tags:        opts.Tags,
		pattern:     newAccessPattern(now),
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if prev, ok := s.entries[fingerprint]; ok {
		s.removeLocked(prev)
	}

	if err := s.makeRoomLocked(storedSize, now); err != nil {
		return err
	}

	s.entries[fingerprint] = e
	s.totalBytes += storedSize
	for _, tag := range opts.Tags {
		set, ok := s.tags[tag]
		if !ok {
			set = make(map[string]struct{})
			s.tags[tag] = set
		}
		set[fingerprint] = struct{}{}
	}
	return nil
}

// makeRoomLocked evicts until the new entry fits, within the per-call budget.
func (s *MemoryStore) makeRoomLocked(need int64, now time.Time) error {
	if need > s.maxMemory {
		return ErrInsufficientCapacity
	}

	budget := int(float64(len(s.entries))*maxEvictFraction) + 1
	for (len(s.entries) >= s.maxEntries || s.totalBytes+need > s.maxMemory) && budget > 0 {
		victim := s.lowestScoredLocked(now)
		if victim == nil {
			break
		}
		s.removeLocked(victim)
		s.evictions++
		budget--
	}

	if len(s.entries) >= s.maxEntries || s.totalBytes+need > s.maxMemory {
		return ErrInsufficientCapacity
	}
	return nil
}

func (s *MemoryStore) lowestScoredLocked(now time.Time) *entry {
	var victim *entry
	lowest := math.Inf(1)
	for _, e := range s.entries {
		if score := e.evictionScore(now); score < lowest {
			lowest = score
			victim = e
		}
	}
	return victim
}

func (s *MemoryStore) removeLocked(e *entry) {
	delete(s.entries, e.fingerprint)
	s.totalBytes -= e.storedSize
	for _, tag := range e.tags {
		if set, ok := s.tags[tag]; ok {
			delete(set, e.fingerprint)
			if len(set) == 0 {
				delete(s.tags, tag)
			}
		}
	}
}

// Delete removes one entry.
func (s *MemoryStore) Delete(_ context.Context, fingerprint string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[fingerprint]
	if !ok {
		return false
	}
	s.removeLocked(e)
	return true
}

// Clear drops everything.
func (s *MemoryStore) Clear(_ context.Context) {
	s.mu.Lock()
	s.entries = make(map[string]*entry)
	s.tags = make(map[string]map[string]struct{})
	s.totalBytes = 0
	s.mu.Unlock()
}

// InvalidateByTag removes every entry carrying tag, returning the count.
func (s *MemoryStore) InvalidateByTag(_ context.Context, tag string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	set, ok := s.tags[tag]
	if !ok {
		return 0
	}
	n := 0
	for fp := range set {
		if e, ok := s.entries[fp]; ok {
			s.removeLocked(e)
			n++
		}
	}
	delete(s.tags, tag)
	return n
}

// Stats returns current counters.
func (s *MemoryStore) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	compressed := 0
	for _, e := range s.entries {
		if e.compressed {
			compressed++
		}
	}
	return Stats{
		Entries:     len(s.entries),
		MemoryBytes: s.totalBytes,
		Hits:        s.hits,
		Misses:      s.misses,
		Evictions:   s.evictions,
		Compressed:  compressed,
	}
}

// Close stops the janitor.
func (s *MemoryStore) Close() error {
	close(s.stop)
	return nil
}

// janitor purges expired entries and stale predictions every minute.
func (s *MemoryStore) janitor() {
	ticker := time.NewTicker(60 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			now := time.Now()
			purged := 0
			s.mu.Lock()
			for _, e := range s.entries {
				if e.expired(now) {
					s.removeLocked(e)
					purged++
					continue
				}
				e.pattern.prune(now)
			}
			s.mu.Unlock()
			if purged > 0 {
				logging.Debug("Cache janitor purged expired entries", zap.Int("count", purged))
			}
		}
	}
}

// keysSortedByPrediction returns live fingerprints ranked by access
// probability, highest first.
func (s *MemoryStore) keysSortedByPrediction(now time.Time) []string {
	s.mu.RLock()
	type ranked struct {
		fp    string
		score float64
	}
	all := make([]ranked, 0, len(s.entries))
	for fp, e := range s.entries {
		if e.expired(now) {
			continue
		}
		all = append(all, ranked{fp, e.pattern.probability(now)})
	}
	s.mu.RUnlock()

	sort.Slice(all, func(i, j int) bool { return all[i].score > all[j].score })
	keys := make([]string, len(all))
	for i, r := range all {
		keys[i] = r.fp
	}
	return keys
}

// Contains reports whether a live entry exists without touching access state.
func (s *MemoryStore) Contains(fingerprint string) bool {
	now := time.Now()
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[fingerprint]
	return ok && !e.expired(now)
}

// needsWarming reports whether an entry is absent or about to expire.
func (s *MemoryStore) needsWarming(fingerprint string) bool {
	now := time.Now()
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[fingerprint]
	if !ok || e.expired(now) {
		return true
	}
	return !e.expiresAt.IsZero() && e.expiresAt.Sub(now) < 30*time.Second
}
