package ingest

import (
	"math"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/alecgard/beacon/internal/aggregation"
)

// Policy decides whether a submitted sample is kept.
type Policy interface {
	Keep(s aggregation.MetricSample) bool
}

// KeepAll keeps every sample.
type KeepAll struct{}

func (KeepAll) Keep(aggregation.MetricSample) bool { return true }

// Tier keeps samples at Rate while a source has seen fewer than Below events
// in the current window.
type Tier struct {
	Below int64
	Rate  float64
}

// DefaultTiers keeps everything below 100 events, half below 1,000, a tenth
// below 10,000 and one percent above.
var DefaultTiers = []Tier{
	{Below: 100, Rate: 1},
	{Below: 1_000, Rate: 0.5},
	{Below: 10_000, Rate: 0.1},
	{Below: math.MaxInt64, Rate: 0.01},
}

// DefaultExemptMetrics are summed counters that error rates are computed
// from. Sampling them without reweighting would skew every rate.
var DefaultExemptMetrics = []string{"requests", "errors"}

// AdaptiveSampler lowers the sampling rate per source as its event volume in
// the current window grows. Error samples and exempt metrics are always kept,
// and exempt metrics do not add to a source's volume.
type AdaptiveSampler struct {
	mu          sync.Mutex
	tiers       []Tier
	window      time.Duration
	windowStart time.Time
	counts      map[string]int64
	exempt      map[string]bool

	now  func() time.Time
	rand func() float64
}

// NewAdaptiveSampler creates a sampler over tiers, counting volume per window.
// Nil tiers use DefaultTiers. exempt names metrics that are never sampled, on
// top of DefaultExemptMetrics.
func NewAdaptiveSampler(tiers []Tier, window time.Duration, exempt ...string) *AdaptiveSampler {
	if len(tiers) == 0 {
		tiers = DefaultTiers
	}
	if window <= 0 {
		window = time.Minute
	}
	skip := make(map[string]bool, len(DefaultExemptMetrics)+len(exempt))
	for _, name := range DefaultExemptMetrics {
		skip[name] = true
	}
	for _, name := range exempt {
		skip[name] = true
	}
	return &AdaptiveSampler{
		tiers:  tiers,
		window: window,
		counts: make(map[string]int64),
		exempt: skip,
		now:    time.Now,
		rand:   rand.Float64,
	}
}

// Rate returns the sampling rate for a source that has already seen volume
// events in the current window.
func (a *AdaptiveSampler) Rate(volume int64) float64 {
	for _, t := range a.tiers {
		if volume < t.Below {
			return t.Rate
		}
	}
	return a.tiers[len(a.tiers)-1].Rate
}

func (a *AdaptiveSampler) Keep(s aggregation.MetricSample) bool {
	if a.exempt[s.MetricName] {
		return true
	}
	a.mu.Lock()
	now := a.now()
	if now.Sub(a.windowStart) >= a.window {
		a.windowStart = now
		clear(a.counts)
	}
	volume := a.counts[s.SourceID]
	a.counts[s.SourceID] = volume + 1
	rate := a.Rate(volume)
	roll := a.rand()
	a.mu.Unlock()

	if s.IsError {
		return true
	}
	return roll < rate
}
