package cache

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// patternWindow is how many recent access timestamps feed the pattern.
const patternWindow = 32

// Trend classifies how an entry's access frequency is moving.
type Trend int

const (
	TrendStable Trend = iota
	TrendIncreasing
	TrendDecreasing
)

func (t Trend) multiplier() float64 {
	switch t {
	case TrendIncreasing:
		return 1.3
	case TrendDecreasing:
		return 0.7
	default:
		return 1.0
	}
}

// accessPattern tracks recent accesses for one entry. All methods are called
// under the store lock.
type accessPattern struct {
	timestamps []time.Time
}

func newAccessPattern(now time.Time) *accessPattern {
	return &accessPattern{timestamps: []time.Time{now}}
}

func (p *accessPattern) record(now time.Time) {
	p.timestamps = append(p.timestamps, now)
	if len(p.timestamps) > patternWindow {
		p.timestamps = p.timestamps[len(p.timestamps)-patternWindow:]
	}
}

// prune drops timestamps older than an hour so stale patterns decay.
func (p *accessPattern) prune(now time.Time) {
	cutoff := now.Add(-time.Hour)
	i := 0
	for i < len(p.timestamps) && p.timestamps[i].Before(cutoff) {
		i++
	}
	p.timestamps = p.timestamps[i:]
}

// frequencyPerMinute is the observed access rate over the pattern's span.
func (p *accessPattern) frequencyPerMinute(now time.Time) float64 {
	if len(p.timestamps) == 0 {
		return 0
	}
	span := now.Sub(p.timestamps[0]).Minutes()
	if span < 1 {
		span = 1
	}
	return float64(len(p.timestamps)) / span
}

// trend compares the access rate of the recent half against the older half.
func (p *accessPattern) trend() Trend {
	n := len(p.timestamps)
	if n < 4 {
		return TrendStable
	}
	mid := n / 2
	olderSpan := p.timestamps[mid-1].Sub(p.timestamps[0]).Seconds()
	recentSpan := p.timestamps[n-1].Sub(p.timestamps[mid]).Seconds()
	if olderSpan <= 0 || recentSpan <= 0 {
		return TrendStable
	}
	olderRate := float64(mid) / olderSpan
	recentRate := float64(n-mid) / recentSpan

	switch {
	case recentRate > olderRate*1.2:
		return TrendIncreasing
	case recentRate < olderRate*0.8:
		return TrendDecreasing
	default:
		return TrendStable
	}
}

// confidence grows with sample count toward 1.
func (p *accessPattern) confidence() float64 {
	c := float64(len(p.timestamps)) / patternWindow
	if c > 1 {
		c = 1
	}
	return c
}

// probability is the ranking score used by prediction.
func (p *accessPattern) probability(now time.Time) float64 {
	return p.frequencyPerMinute(now) * p.trend().multiplier() * p.confidence()
}

// PredictNextAccess returns the top n fingerprints most likely to be
// requested soon.
func (s *MemoryStore) PredictNextAccess(n int) []string {
	keys := s.keysSortedByPrediction(time.Now())
	if n < len(keys) {
		keys = keys[:n]
	}
	return keys
}

// warmConcurrency bounds parallel loader calls; warmRate bounds their launch
// rate so warming never competes with live traffic.
const (
	warmConcurrency = 4
	warmRate        = rate.Limit(10)
)

// Loader produces a fresh value for a fingerprint during warming.
type Loader func(ctx context.Context, fingerprint string) ([]byte, SetOptions, error)

// WarmCache re-materializes predicted-hot entries that are not currently
// present. Loader failures are swallowed; warming is best-effort.
func (s *MemoryStore) WarmCache(ctx context.Context, n int, loader Loader) {
	limiter := rate.NewLimiter(warmRate, 1)
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(warmConcurrency)

	for _, fp := range s.PredictNextAccess(n) {
		if !s.needsWarming(fp) {
			continue
		}
		fp := fp
		g.Go(func() error {
			if err := limiter.Wait(ctx); err != nil {
				return nil
			}
			value, opts, err := loader(ctx, fp)
			if err != nil || value == nil {
				return nil
			}
			s.Set(ctx, fp, value, opts)
			return nil
		})
	}
	g.Wait()
}
