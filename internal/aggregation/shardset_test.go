package aggregation

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestShardSet(hwm int) (*ShardSet, *fakeClock) {
	clock := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	s := NewShardSet(hwm)
	s.now = clock.Now
	return s, clock
}

func sample(source, metric string, v float64) MetricSample {
	return MetricSample{SourceID: source, MetricName: metric, Value: v, TimestampMs: 1}
}

func totals(ms []AggregatedMetric) (int64, float64) {
	var count int64
	var sum float64
	for _, m := range ms {
		count += m.Count
		sum += m.Sum
	}
	return count, sum
}

func TestShardSet_AutoFlushAtHighWaterMark(t *testing.T) {
	s, _ := newTestShardSet(100)
	defer s.Close()

	for i := 0; i < 150; i++ {
		if err := s.Add(sample("api", "latency", 1)); err != nil {
			t.Fatalf("Add: %v", err)
		}
	}

	flushed, err := s.FlushAll(context.Background(), 4)
	if err != nil {
		t.Fatalf("FlushAll: %v", err)
	}
	auto := s.TakePending()

	if len(auto) != 1 {
		t.Fatalf("expected 1 auto-flushed aggregate, got %d", len(auto))
	}
	if auto[0].Count != 100 {
		t.Errorf("expected auto flush of 100 samples, got %d", auto[0].Count)
	}
	if len(flushed) != 1 {
		t.Fatalf("expected 1 scheduled aggregate, got %d", len(flushed))
	}
	if flushed[0].Count != 50 {
		t.Errorf("expected scheduled flush of 50 samples, got %d", flushed[0].Count)
	}

	count, sum := totals(append(auto, flushed...))
	if count != 150 || sum != 150 {
		t.Errorf("expected count=150 sum=150, got count=%d sum=%v", count, sum)
	}
}

func TestShardSet_NoSampleLossUnderConcurrency(t *testing.T) {
	s, _ := newTestShardSet(37)
	defer s.Close()

	const writers = 8
	const perWriter = 500

	var wg sync.WaitGroup
	var want float64
	for w := 0; w < writers; w++ {
		for i := 0; i < perWriter; i++ {
			want += float64(w*perWriter + i)
		}
	}

	results := make(chan []AggregatedMetric, 16)
	stop := make(chan struct{})
	var flusher sync.WaitGroup
	flusher.Add(1)
	go func() {
		defer flusher.Done()
		for {
			select {
			case <-stop:
				return
			default:
			}
			ms, err := s.FlushAll(context.Background(), 2)
			if err != nil {
				t.Errorf("FlushAll: %v", err)
				return
			}
			if len(ms) > 0 {
				results <- ms
			}
		}
	}()

	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				_ = s.Add(sample("api", "latency", float64(w*perWriter+i)))
			}
		}(w)
	}

	var all []AggregatedMetric
	done := make(chan struct{})
	go func() {
		for ms := range results {
			all = append(all, ms...)
		}
		close(done)
	}()

	wg.Wait()
	close(stop)
	flusher.Wait()

	final, err := s.FlushAll(context.Background(), 2)
	if err != nil {
		t.Fatalf("final FlushAll: %v", err)
	}
	close(results)
	<-done

	all = append(all, final...)
	all = append(all, s.TakePending()...)

	count, sum := totals(all)
	if count != writers*perWriter {
		t.Errorf("expected count %d, got %d", writers*perWriter, count)
	}
	if sum != want {
		t.Errorf("expected sum %v, got %v", want, sum)
	}
}

func TestShardSet_PercentilesNearestRank(t *testing.T) {
	s, _ := newTestShardSet(1000)
	defer s.Close()

	// Insert in reverse to show the order does not matter.
	for v := 100; v >= 1; v-- {
		_ = s.Add(sample("api", "latency", float64(v)))
	}

	m, ok, err := s.Flush(context.Background(), ShardKey{"api", "latency"})
	if err != nil || !ok {
		t.Fatalf("Flush: ok=%v err=%v", ok, err)
	}

	checks := []struct {
		name string
		got  float64
		want float64
	}{
		{"p50", m.P50, 50},
		{"p95", m.P95, 95},
		{"p99", m.P99, 99},
		{"min", m.Min, 1},
		{"max", m.Max, 100},
		{"sum", m.Sum, 5050},
	}
	for _, c := range checks {
		if c.got != c.want {
			t.Errorf("%s = %v, want %v", c.name, c.got, c.want)
		}
	}
	if m.Avg() != 50.5 {
		t.Errorf("avg = %v, want 50.5", m.Avg())
	}
}

func TestNearestRank(t *testing.T) {
	tests := []struct {
		name   string
		values []float64
		p      float64
		want   float64
	}{
		{"empty", nil, 0.5, 0},
		{"single", []float64{7}, 0.99, 7},
		{"p0 clamps low", []float64{1, 2, 3}, 0, 1},
		{"p1 clamps high", []float64{1, 2, 3}, 1, 3},
		{"two values p50", []float64{10, 20}, 0.5, 10},
		{"outliers kept", []float64{-1e9, 0, 1e9}, 0.99, 1e9},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := nearestRank(tt.values, tt.p); got != tt.want {
				t.Errorf("nearestRank(%v, %v) = %v, want %v", tt.values, tt.p, got, tt.want)
			}
		})
	}
}

func TestShardSet_WindowsAreDistinct(t *testing.T) {
	s, clock := newTestShardSet(100)
	defer s.Close()
	key := ShardKey{"api", "latency"}

	// The clock does not move, so the second window has to be nudged forward.
	_ = s.Add(sample("api", "latency", 1))
	first, _, _ := s.Flush(context.Background(), key)
	_ = s.Add(sample("api", "latency", 2))
	second, _, _ := s.Flush(context.Background(), key)

	if !second.WindowStart.After(first.WindowStart) {
		t.Fatalf("expected second window start %v after %v", second.WindowStart, first.WindowStart)
	}
	if second.WindowEnd.Before(second.WindowStart) {
		t.Errorf("window end %v before start %v", second.WindowEnd, second.WindowStart)
	}

	clock.Advance(5 * time.Minute)
	_ = s.Add(sample("api", "latency", 3))
	clock.Advance(time.Minute)
	third, _, _ := s.Flush(context.Background(), key)
	if want := clock.Now(); !third.WindowEnd.Equal(want) {
		t.Errorf("window end = %v, want %v", third.WindowEnd, want)
	}
	if want := clock.Now().Add(-time.Minute); !third.WindowStart.Equal(want) {
		t.Errorf("window start = %v, want %v", third.WindowStart, want)
	}
}

func TestShardSet_ShardsAreIndependent(t *testing.T) {
	s, _ := newTestShardSet(100)
	defer s.Close()

	_ = s.Add(sample("api", "latency", 1))
	_ = s.Add(sample("api", "errors", 1))
	_ = s.Add(sample("web", "latency", 1))

	if n := len(s.Dirty()); n != 3 {
		t.Fatalf("expected 3 dirty shards, got %d", n)
	}
	if _, ok, _ := s.Flush(context.Background(), ShardKey{"api", "latency"}); !ok {
		t.Fatal("expected flush of api/latency to return an aggregate")
	}
	if n := len(s.Dirty()); n != 2 {
		t.Errorf("expected 2 dirty shards after one flush, got %d", n)
	}
}

func TestShardSet_FlushEmptyOrUnknown(t *testing.T) {
	s, _ := newTestShardSet(100)
	defer s.Close()

	if _, ok, err := s.Flush(context.Background(), ShardKey{"nope", "nope"}); ok || err != nil {
		t.Fatalf("unknown shard: ok=%v err=%v", ok, err)
	}

	_ = s.Add(sample("api", "latency", 1))
	key := ShardKey{"api", "latency"}
	if _, ok, _ := s.Flush(context.Background(), key); !ok {
		t.Fatal("expected first flush to return an aggregate")
	}
	if _, ok, _ := s.Flush(context.Background(), key); ok {
		t.Fatal("expected second flush of empty buffer to return nothing")
	}
}

func TestShardSet_HoldReturnsResultsOnNextTake(t *testing.T) {
	s, _ := newTestShardSet(100)
	defer s.Close()

	held := AggregatedMetric{SourceID: "api", MetricName: "latency", Count: 3, Sum: 6}
	s.Hold(held)

	got := s.TakePending()
	if len(got) != 1 || got[0] != held {
		t.Fatalf("expected held aggregate back unchanged, got %+v", got)
	}
	if len(s.TakePending()) != 0 {
		t.Fatal("expected pending list to be empty after take")
	}
}

func TestShardSet_CloseCutsBufferedSamples(t *testing.T) {
	s, _ := newTestShardSet(100)
	for i := 0; i < 5; i++ {
		_ = s.Add(sample("api", "latency", 2))
	}
	s.Close()

	pending := s.TakePending()
	count, sum := totals(pending)
	if count != 5 || sum != 10 {
		t.Fatalf("expected buffered samples cut on close, got count=%d sum=%v", count, sum)
	}
	if err := s.Add(sample("api", "latency", 1)); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed after Close, got %v", err)
	}
}

func TestShardSet_PruneIdle(t *testing.T) {
	s, clock := newTestShardSet(100)
	defer s.Close()

	_ = s.Add(sample("api", "latency", 1))
	_ = s.Add(sample("web", "latency", 1))
	_, _ = s.FlushAll(context.Background(), 2)

	clock.Advance(time.Hour)
	_ = s.Add(sample("web", "latency", 1))

	if removed := s.Prune(30 * time.Minute); removed != 1 {
		t.Fatalf("expected 1 shard pruned, got %d", removed)
	}
	if s.Len() != 1 {
		t.Errorf("expected 1 live shard, got %d", s.Len())
	}
}
