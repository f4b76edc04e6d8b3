package aggregation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// DefaultHighWaterMark is the buffer size that triggers an automatic flush.
const DefaultHighWaterMark = 100

var ErrClosed = errors.New("shard set is closed")

// MetricsRecorder is an optional interface for recording shard-level metrics.
type MetricsRecorder interface {
	ObserveFlush(trigger string, samples int64)
	SetActiveShards(n int)
}

// ShardSet routes samples to one actor per (source, metric) and collects the
// aggregates produced by automatic flushes until the rollup drains them.
type ShardSet struct {
	mu     sync.RWMutex
	shards map[ShardKey]*shard
	closed bool

	hwm     int
	now     func() time.Time
	metrics MetricsRecorder

	pendingMu sync.Mutex
	pending   []AggregatedMetric
}

// NewShardSet creates a ShardSet whose shards auto-flush once highWaterMark
// samples are buffered. Values below 1 use DefaultHighWaterMark.
func NewShardSet(highWaterMark int) *ShardSet {
	if highWaterMark < 1 {
		highWaterMark = DefaultHighWaterMark
	}
	return &ShardSet{
		shards: make(map[ShardKey]*shard),
		hwm:    highWaterMark,
		now:    time.Now,
	}
}

// SetMetrics sets the optional metrics recorder.
func (s *ShardSet) SetMetrics(m MetricsRecorder) {
	s.metrics = m
}

// Add appends the sample to its shard's buffer. It only blocks for as long as
// it takes the shard to accept the command.
func (s *ShardSet) Add(sample MetricSample) error {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return ErrClosed
	}
	sh, ok := s.shards[sample.Key()]
	if ok {
		sh.add(sample.Value)
		s.mu.RUnlock()
		return nil
	}
	s.mu.RUnlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	sh, ok = s.shards[sample.Key()]
	if !ok {
		sh = newShard(sample.Key(), s.hwm, s.now, s.autoFlushed)
		s.shards[sample.Key()] = sh
		if s.metrics != nil {
			s.metrics.SetActiveShards(len(s.shards))
		}
	}
	sh.add(sample.Value)
	return nil
}

// autoFlushed is the sink for aggregates cut outside an explicit Flush.
func (s *ShardSet) autoFlushed(m AggregatedMetric) {
	s.pendingMu.Lock()
	s.pending = append(s.pending, m)
	s.pendingMu.Unlock()
	if s.metrics != nil {
		s.metrics.ObserveFlush("high_water", m.Count)
	}
}

// TakePending removes and returns every aggregate produced by an automatic
// flush since the previous call.
func (s *ShardSet) TakePending() []AggregatedMetric {
	s.pendingMu.Lock()
	defer s.pendingMu.Unlock()
	out := s.pending
	s.pending = nil
	return out
}

// Hold puts already computed aggregates back on the pending list, typically
// after their persist step failed. They are returned by the next TakePending.
func (s *ShardSet) Hold(ms ...AggregatedMetric) {
	if len(ms) == 0 {
		return
	}
	s.pendingMu.Lock()
	s.pending = append(s.pending, ms...)
	s.pendingMu.Unlock()
}

// Dirty returns the keys of shards that have buffered samples.
func (s *ShardSet) Dirty() []ShardKey {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var keys []ShardKey
	for k, sh := range s.shards {
		if sh.buffered.Load() > 0 {
			keys = append(keys, k)
		}
	}
	return keys
}

// Flush cuts the buffer of one shard. ok is false when the shard is unknown
// or had nothing buffered.
func (s *ShardSet) Flush(ctx context.Context, key ShardKey) (m AggregatedMetric, ok bool, err error) {
	// The read lock keeps Close and Prune from stopping the shard while the
	// flush command is in flight.
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return AggregatedMetric{}, false, ErrClosed
	}
	sh, found := s.shards[key]
	if !found {
		return AggregatedMetric{}, false, nil
	}
	m, ok, err = sh.flush(ctx)
	if err != nil {
		return AggregatedMetric{}, false, fmt.Errorf("flushing shard %s: %w", key, err)
	}
	if ok && s.metrics != nil {
		s.metrics.ObserveFlush("scheduled", m.Count)
	}
	return m, ok, nil
}

// FlushAll flushes every dirty shard with at most workers flushes in flight.
// A shard that fails to flush does not stop the others; its error is joined
// into the returned error.
func (s *ShardSet) FlushAll(ctx context.Context, workers int) ([]AggregatedMetric, error) {
	keys := s.Dirty()
	if workers < 1 {
		workers = 1
	}

	var (
		mu      sync.Mutex
		results []AggregatedMetric
		errs    []error
	)
	var g errgroup.Group
	g.SetLimit(workers)
	for _, k := range keys {
		g.Go(func() error {
			m, ok, err := s.Flush(ctx, k)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, err)
				return nil
			}
			if ok {
				results = append(results, m)
			}
			return nil
		})
	}
	_ = g.Wait()
	return results, errors.Join(errs...)
}

// Prune stops shards that have been empty and untouched for longer than idle.
func (s *ShardSet) Prune(idle time.Duration) int {
	cutoff := s.now().Add(-idle).UnixNano()

	s.mu.Lock()
	defer s.mu.Unlock()
	var removed int
	for k, sh := range s.shards {
		if sh.buffered.Load() == 0 && sh.lastActive.Load() < cutoff {
			sh.stop()
			delete(s.shards, k)
			removed++
		}
	}
	if removed > 0 && s.metrics != nil {
		s.metrics.SetActiveShards(len(s.shards))
	}
	return removed
}

// Close stops every shard. Samples still buffered are cut and left on the
// pending list for a final TakePending.
func (s *ShardSet) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	for k, sh := range s.shards {
		sh.stop()
		delete(s.shards, k)
	}
}

// Len returns the number of live shards.
func (s *ShardSet) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.shards)
}
