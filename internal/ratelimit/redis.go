package ratelimit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const maxWatchRetries = 5

// RedisStore keeps records as JSON strings so limits hold across replicas.
// Each update is an optimistic WATCH/MULTI transaction and refreshes the
// key's TTL.
type RedisStore struct {
	client  *redis.Client
	prefix  string
	ttl     time.Duration
	timeout time.Duration
}

// NewRedisStore creates a RedisStore. ttl bounds how long an idle key (and
// its failure history) survives; it should exceed the ban duration.
func NewRedisStore(client *redis.Client, ttl time.Duration) *RedisStore {
	if ttl <= 0 {
		ttl = staleThreshold
	}
	return &RedisStore{
		client:  client,
		prefix:  "beacon:ratelimit:",
		ttl:     ttl,
		timeout: 250 * time.Millisecond,
	}
}

// Update implements RecordStore.
func (s *RedisStore) Update(ctx context.Context, key string, fn func(*Record)) (Record, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	redisKey := s.prefix + key
	var out Record

	txf := func(tx *redis.Tx) error {
		rec := Record{Key: key}
		raw, err := tx.Get(ctx, redisKey).Bytes()
		switch {
		case errors.Is(err, redis.Nil):
		case err != nil:
			return err
		default:
			if err := json.Unmarshal(raw, &rec); err != nil {
				return fmt.Errorf("decoding record: %w", err)
			}
		}

		fn(&rec)
		data, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("encoding record: %w", err)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, redisKey, data, s.ttl)
			return nil
		})
		if err == nil {
			out = rec
		}
		return err
	}

	for range maxWatchRetries {
		err := s.client.Watch(ctx, txf, redisKey)
		if err == nil {
			return out, nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return Record{}, err
	}
	return Record{}, fmt.Errorf("updating %s: too much contention", redisKey)
}
