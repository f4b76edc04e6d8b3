package aggregation

import (
	"context"
	"sync/atomic"
	"time"
)

type opKind int

const (
	opAdd opKind = iota
	opFlush
)

type command struct {
	op    opKind
	value float64
	reply chan flushReply
}

type flushReply struct {
	metric AggregatedMetric
	ok     bool
}

// shard is a single-writer actor owning the buffer for one ShardKey. Every
// command is processed by run in the order it was sent, so Add and Flush on
// one shard never interleave.
type shard struct {
	key   ShardKey
	hwm   int
	now   func() time.Time
	sink  func(AggregatedMetric)
	inbox chan command
	done  chan struct{}

	// buffered counts samples accepted by Add and not yet cut by a flush,
	// including ones still queued in inbox.
	buffered   atomic.Int64
	lastActive atomic.Int64

	// Owned by run.
	values      []float64
	windowStart time.Time
	lastStart   time.Time
}

func newShard(key ShardKey, hwm int, now func() time.Time, sink func(AggregatedMetric)) *shard {
	s := &shard{
		key:   key,
		hwm:   hwm,
		now:   now,
		sink:  sink,
		inbox: make(chan command, 256),
		done:  make(chan struct{}),
	}
	s.lastActive.Store(now().UnixNano())
	go s.run()
	return s
}

func (s *shard) add(v float64) {
	s.buffered.Add(1)
	s.lastActive.Store(s.now().UnixNano())
	s.inbox <- command{op: opAdd, value: v}
}

func (s *shard) flush(ctx context.Context) (AggregatedMetric, bool, error) {
	reply := make(chan flushReply, 1)
	select {
	case s.inbox <- command{op: opFlush, reply: reply}:
	case <-ctx.Done():
		return AggregatedMetric{}, false, ctx.Err()
	}
	select {
	case r := <-reply:
		return r.metric, r.ok, nil
	case <-ctx.Done():
		// The actor still cuts the buffer; hand the result to the sink so
		// the samples are not lost.
		go func() {
			if r := <-reply; r.ok {
				s.sink(r.metric)
			}
		}()
		return AggregatedMetric{}, false, ctx.Err()
	}
}

// stop closes the inbox and waits for run to drain it. Callers must
// guarantee no further add or flush calls.
func (s *shard) stop() {
	close(s.inbox)
	<-s.done
}

func (s *shard) run() {
	defer close(s.done)
	for cmd := range s.inbox {
		switch cmd.op {
		case opAdd:
			s.append(cmd.value)
			if len(s.values) >= s.hwm {
				if m, ok := s.cut(); ok {
					s.sink(m)
				}
			}
		case opFlush:
			m, ok := s.cut()
			cmd.reply <- flushReply{metric: m, ok: ok}
		}
	}
	if m, ok := s.cut(); ok {
		s.sink(m)
	}
}

func (s *shard) append(v float64) {
	if len(s.values) == 0 {
		start := s.now().UTC().Truncate(time.Millisecond)
		if !start.After(s.lastStart) {
			start = s.lastStart.Add(time.Millisecond)
		}
		s.windowStart = start
	}
	s.values = append(s.values, v)
}

// cut swaps the buffer out and summarizes it. The buffer is cleared in the
// same step it is read.
func (s *shard) cut() (AggregatedMetric, bool) {
	if len(s.values) == 0 {
		return AggregatedMetric{}, false
	}
	batch := s.values
	s.values = make([]float64, 0, s.hwm)
	s.buffered.Add(-int64(len(batch)))

	end := s.now().UTC().Truncate(time.Millisecond)
	if end.Before(s.windowStart) {
		end = s.windowStart
	}
	m := AggregatedMetric{
		SourceID:    s.key.SourceID,
		MetricName:  s.key.MetricName,
		WindowStart: s.windowStart,
		WindowEnd:   end,
	}
	summarize(&m, batch)
	s.lastStart = s.windowStart
	return m, true
}
