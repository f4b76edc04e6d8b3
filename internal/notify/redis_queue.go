package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// promoteDue moves delayed messages whose score (unix ms) has passed back
// onto the pending list.
var promoteDue = redis.NewScript(`
local due = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, 100)
for _, m in ipairs(due) do
	redis.call('ZREM', KEYS[1], m)
	redis.call('LPUSH', KEYS[2], m)
end
return #due
`)

// RedisQueue is a Queue on three Redis lists and a sorted set. Receive moves
// a message from the pending list to the processing list atomically, so a
// crashed consumer leaves it recoverable by Requeue. Nacked messages wait in
// the delayed set, scored by when they are due again.
type RedisQueue struct {
	client     *redis.Client
	pending    string
	processing string
	delayed    string
	dead       string
	max        int
	backoff    Backoff
	block      time.Duration
	now        func() time.Time
}

// NewRedisQueue creates a RedisQueue whose keys start with prefix.
func NewRedisQueue(client *redis.Client, prefix string, maxDeliveries int) *RedisQueue {
	if maxDeliveries < 1 {
		maxDeliveries = DefaultMaxDeliveries
	}
	if prefix == "" {
		prefix = "beacon:notify"
	}
	return &RedisQueue{
		client:     client,
		pending:    prefix + ":pending",
		processing: prefix + ":processing",
		delayed:    prefix + ":delayed",
		dead:       prefix + ":dead",
		max:        maxDeliveries,
		backoff:    DefaultBackoff,
		block:      time.Second,
		now:        time.Now,
	}
}

// SetBackoff replaces the redelivery delay. A nil Backoff redelivers at once.
func (q *RedisQueue) SetBackoff(b Backoff) {
	q.backoff = b
}

func (q *RedisQueue) promote(ctx context.Context) error {
	err := promoteDue.Run(ctx, q.client, []string{q.delayed, q.pending}, q.now().UnixMilli()).Err()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("promoting delayed messages: %w", err)
	}
	return nil
}

func (q *RedisQueue) Enqueue(ctx context.Context, msg Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encoding message: %w", err)
	}
	if err := q.client.LPush(ctx, q.pending, data).Err(); err != nil {
		return fmt.Errorf("enqueueing message: %w", err)
	}
	return nil
}

func (q *RedisQueue) Receive(ctx context.Context) (*Delivery, error) {
	for {
		if err := q.promote(ctx); err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, err
		}
		raw, err := q.client.BLMove(ctx, q.pending, q.processing, "RIGHT", "LEFT", q.block).Result()
		if errors.Is(err, redis.Nil) {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("receiving message: %w", err)
		}

		var msg Message
		if err := json.Unmarshal([]byte(raw), &msg); err != nil {
			// Undecodable entries cannot be retried meaningfully.
			pipe := q.client.TxPipeline()
			pipe.LRem(ctx, q.processing, 1, raw)
			pipe.LPush(ctx, q.dead, raw)
			if _, perr := pipe.Exec(ctx); perr != nil {
				return nil, fmt.Errorf("dead-lettering undecodable message: %w", perr)
			}
			continue
		}
		return &Delivery{Message: msg, raw: raw}, nil
	}
}

func (q *RedisQueue) Ack(ctx context.Context, d *Delivery) error {
	if err := q.client.LRem(ctx, q.processing, 1, d.raw).Err(); err != nil {
		return fmt.Errorf("acking message: %w", err)
	}
	return nil
}

func (q *RedisQueue) Nack(ctx context.Context, d *Delivery) (bool, error) {
	msg := d.Message
	msg.Attempts++
	data, err := json.Marshal(msg)
	if err != nil {
		return false, fmt.Errorf("encoding message: %w", err)
	}
	dead := msg.Attempts >= q.max
	var delay time.Duration
	if q.backoff != nil {
		delay = q.backoff(msg.Attempts)
	}

	pipe := q.client.TxPipeline()
	pipe.LRem(ctx, q.processing, 1, d.raw)
	switch {
	case dead:
		pipe.LPush(ctx, q.dead, data)
	case delay > 0:
		pipe.ZAdd(ctx, q.delayed, redis.Z{Score: float64(q.now().Add(delay).UnixMilli()), Member: data})
	default:
		pipe.LPush(ctx, q.pending, data)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("nacking message: %w", err)
	}
	return dead, nil
}

// Requeue moves everything left on the processing list back to pending. It
// is meant to run once at startup, before any consumer.
func (q *RedisQueue) Requeue(ctx context.Context) (int, error) {
	var n int
	for {
		err := q.client.LMove(ctx, q.processing, q.pending, "RIGHT", "LEFT").Err()
		if errors.Is(err, redis.Nil) {
			return n, nil
		}
		if err != nil {
			return n, fmt.Errorf("requeueing processing list: %w", err)
		}
		n++
	}
}

func (q *RedisQueue) DeadLetters(ctx context.Context, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 100
	}
	raws, err := q.client.LRange(ctx, q.dead, 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("listing dead letters: %w", err)
	}
	out := make([]Message, 0, len(raws))
	for _, raw := range raws {
		var msg Message
		if err := json.Unmarshal([]byte(raw), &msg); err != nil {
			msg = Message{Title: "undecodable message", Message: raw}
		}
		out = append(out, msg)
	}
	return out, nil
}

func (q *RedisQueue) Ping(ctx context.Context) error {
	return q.client.Ping(ctx).Err()
}

// Len returns the number of messages waiting for delivery, including those
// held back for redelivery, or 0 when Redis is unreachable.
func (q *RedisQueue) Len() int {
	ctx, cancel := context.WithTimeout(context.Background(), 250*time.Millisecond)
	defer cancel()
	pipe := q.client.Pipeline()
	pending := pipe.LLen(ctx, q.pending)
	delayed := pipe.ZCard(ctx, q.delayed)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0
	}
	return int(pending.Val() + delayed.Val())
}
