package notify

import (
	"context"
	"sync"
	"time"
)

// DefaultMaxDeliveries is how many failed deliveries a message survives
// before it is dead-lettered.
const DefaultMaxDeliveries = 5

// Backoff returns how long a message waits after its attempts-th failed
// delivery before it is handed out again.
type Backoff func(attempts int) time.Duration

// ExponentialBackoff doubles base for every failed attempt, up to max.
func ExponentialBackoff(base, max time.Duration) Backoff {
	return func(attempts int) time.Duration {
		d := base
		for i := 1; i < attempts && d < max; i++ {
			d *= 2
		}
		return min(d, max)
	}
}

// DefaultBackoff rides out a few minutes of channel outage before the
// default delivery limit is reached.
var DefaultBackoff = ExponentialBackoff(5*time.Second, 5*time.Minute)

// Delivery is a received message awaiting Ack or Nack.
type Delivery struct {
	Message Message
	raw     string
}

// Queue is an at-least-once queue with a dead-letter list. A received
// message that is neither acked nor nacked is redelivered after Requeue.
type Queue interface {
	Enqueue(ctx context.Context, msg Message) error
	Receive(ctx context.Context) (*Delivery, error)
	Ack(ctx context.Context, d *Delivery) error
	// Nack schedules the message for redelivery after the queue's backoff,
	// or moves it to the dead-letter list once it has been delivered max
	// times. dead reports which.
	Nack(ctx context.Context, d *Delivery) (dead bool, err error)
	DeadLetters(ctx context.Context, limit int) ([]Message, error)
	Ping(ctx context.Context) error
}

type delayedMessage struct {
	msg Message
	due time.Time
}

// MemoryQueue is an in-process Queue.
type MemoryQueue struct {
	mu       sync.Mutex
	pending  []Message
	delayed  []delayedMessage
	inflight map[string]Message
	dead     []Message
	max      int
	backoff  Backoff
	signal   chan struct{}
	now      func() time.Time
}

// NewMemoryQueue creates a MemoryQueue that dead-letters after
// maxDeliveries failed deliveries.
func NewMemoryQueue(maxDeliveries int) *MemoryQueue {
	if maxDeliveries < 1 {
		maxDeliveries = DefaultMaxDeliveries
	}
	return &MemoryQueue{
		inflight: make(map[string]Message),
		max:      maxDeliveries,
		backoff:  DefaultBackoff,
		signal:   make(chan struct{}, 1),
		now:      time.Now,
	}
}

// SetBackoff replaces the redelivery delay. A nil Backoff redelivers at once.
func (q *MemoryQueue) SetBackoff(b Backoff) {
	q.mu.Lock()
	q.backoff = b
	q.mu.Unlock()
}

// promote moves due delayed messages to pending and returns how long until
// the next one is due, or zero when none are waiting. Callers hold mu.
func (q *MemoryQueue) promote() time.Duration {
	now := q.now()
	var next time.Duration
	kept := q.delayed[:0]
	for _, d := range q.delayed {
		if wait := d.due.Sub(now); wait > 0 {
			kept = append(kept, d)
			if next == 0 || wait < next {
				next = wait
			}
			continue
		}
		q.pending = append(q.pending, d.msg)
	}
	q.delayed = kept
	return next
}

func (q *MemoryQueue) wake() {
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

func (q *MemoryQueue) Enqueue(ctx context.Context, msg Message) error {
	q.mu.Lock()
	q.pending = append(q.pending, msg)
	q.mu.Unlock()
	q.wake()
	return nil
}

func (q *MemoryQueue) Receive(ctx context.Context) (*Delivery, error) {
	for {
		q.mu.Lock()
		next := q.promote()
		if len(q.pending) > 0 {
			msg := q.pending[0]
			q.pending = q.pending[1:]
			q.inflight[msg.ID] = msg
			more := len(q.pending) > 0
			q.mu.Unlock()
			if more {
				q.wake()
			}
			return &Delivery{Message: msg}, nil
		}
		q.mu.Unlock()

		if err := q.wait(ctx, next); err != nil {
			return nil, err
		}
	}
}

// wait blocks until a wake signal, ctx ending, or next elapsing when it is
// positive.
func (q *MemoryQueue) wait(ctx context.Context, next time.Duration) error {
	var due <-chan time.Time
	if next > 0 {
		timer := time.NewTimer(next)
		defer timer.Stop()
		due = timer.C
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-q.signal:
	case <-due:
	}
	return nil
}

func (q *MemoryQueue) Ack(ctx context.Context, d *Delivery) error {
	q.mu.Lock()
	delete(q.inflight, d.Message.ID)
	q.mu.Unlock()
	return nil
}

func (q *MemoryQueue) Nack(ctx context.Context, d *Delivery) (bool, error) {
	q.mu.Lock()
	delete(q.inflight, d.Message.ID)
	msg := d.Message
	msg.Attempts++
	dead := msg.Attempts >= q.max
	var delay time.Duration
	if q.backoff != nil {
		delay = q.backoff(msg.Attempts)
	}
	switch {
	case dead:
		q.dead = append(q.dead, msg)
	case delay > 0:
		q.delayed = append(q.delayed, delayedMessage{msg: msg, due: q.now().Add(delay)})
	default:
		q.pending = append(q.pending, msg)
	}
	q.mu.Unlock()
	if !dead {
		q.wake()
	}
	return dead, nil
}

// Requeue moves every in-flight message back to pending.
func (q *MemoryQueue) Requeue(ctx context.Context) (int, error) {
	q.mu.Lock()
	n := len(q.inflight)
	for id, msg := range q.inflight {
		q.pending = append(q.pending, msg)
		delete(q.inflight, id)
	}
	q.mu.Unlock()
	if n > 0 {
		q.wake()
	}
	return n, nil
}

func (q *MemoryQueue) DeadLetters(ctx context.Context, limit int) ([]Message, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if limit <= 0 || limit > len(q.dead) {
		limit = len(q.dead)
	}
	out := make([]Message, limit)
	// Newest first, matching the Redis list order.
	for i := 0; i < limit; i++ {
		out[i] = q.dead[len(q.dead)-1-i]
	}
	return out, nil
}

// Len returns the number of messages waiting for delivery, including those
// held back for redelivery.
func (q *MemoryQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending) + len(q.delayed)
}

// Drain waits until nothing is pending or in flight, or ctx ends. Messages
// held back for redelivery are not waited for.
func (q *MemoryQueue) Drain(ctx context.Context) error {
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for {
		q.mu.Lock()
		q.promote()
		idle := len(q.pending) == 0 && len(q.inflight) == 0
		q.mu.Unlock()
		if idle {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (q *MemoryQueue) Ping(ctx context.Context) error { return nil }
