// Package ratelimit implements a fixed-window request limiter with
// escalating penalties. Repeat offenders wait longer on every rejection and
// are banned outright once their failure count reaches a configured maximum.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"
)

// Rejection reasons reported in Decision.Reason.
const (
	ReasonBanned      = "banned"
	ReasonRateLimited = "rate_limited"
)

var ErrInvalidConfig = errors.New("invalid rate limit config")

// Config controls the limiter. All fields are required except BanDuration,
// which disables bans when zero.
type Config struct {
	MaxRequests       int
	Window            time.Duration
	MaxFailures       int
	BanDuration       time.Duration
	FailureMultiplier float64
}

func (c Config) validate() error {
	switch {
	case c.MaxRequests < 1:
		return fmt.Errorf("%w: max requests must be at least 1", ErrInvalidConfig)
	case c.Window <= 0:
		return fmt.Errorf("%w: window must be positive", ErrInvalidConfig)
	case c.MaxFailures < 1:
		return fmt.Errorf("%w: max failures must be at least 1", ErrInvalidConfig)
	case c.FailureMultiplier < 1:
		return fmt.Errorf("%w: failure multiplier must be at least 1", ErrInvalidConfig)
	}
	return nil
}

// Record is the per-key limiter state.
type Record struct {
	Key           string    `json:"key"`
	Count         int       `json:"count"`
	FailureCount  int       `json:"failure_count"`
	WindowResetAt time.Time `json:"window_reset_at"`
	BannedUntil   time.Time `json:"banned_until,omitzero"`
}

// RecordStore applies fn to the record for key atomically and returns the
// stored result. A missing record is passed to fn zero-valued with Key set.
type RecordStore interface {
	Update(ctx context.Context, key string, fn func(*Record)) (Record, error)
}

// Decision is the outcome of CheckLimit.
type Decision struct {
	Allowed    bool
	Limit      int
	Remaining  int
	ResetAt    time.Time
	RetryAfter time.Duration
	Reason     string
}

// Limiter enforces Config against records held in a RecordStore.
type Limiter struct {
	cfg   Config
	store RecordStore
	now   func() time.Time // injectable clock for testing
}

// New creates a Limiter. It fails when cfg is unusable.
func New(cfg Config, store RecordStore) (*Limiter, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &Limiter{cfg: cfg, store: store, now: time.Now}, nil
}

// CheckLimit counts one request for key and reports whether it may proceed.
// Rejected requests are not counted against the window.
func (l *Limiter) CheckLimit(ctx context.Context, key string) (Decision, error) {
	now := l.now()
	d := Decision{Limit: l.cfg.MaxRequests}

	rec, err := l.store.Update(ctx, key, func(r *Record) {
		d = Decision{Limit: l.cfg.MaxRequests}

		if r.BannedUntil.After(now) {
			d.Reason = ReasonBanned
			d.RetryAfter = r.BannedUntil.Sub(now)
			return
		}
		if !now.Before(r.WindowResetAt) {
			r.Count = 0
			r.WindowResetAt = now.Add(l.cfg.Window)
		}
		if r.Count >= l.cfg.MaxRequests {
			d.Reason = ReasonRateLimited
			d.RetryAfter = l.backoff(r.WindowResetAt.Sub(now), r.FailureCount)
			return
		}
		r.Count++
		d.Allowed = true
	})
	if err != nil {
		return Decision{}, fmt.Errorf("checking rate limit for %s: %w", key, err)
	}

	d.ResetAt = rec.WindowResetAt
	if d.Allowed {
		d.Remaining = l.cfg.MaxRequests - rec.Count
	}
	return d, nil
}

// backoff scales the time left in the window by multiplier^failures. The
// result never exceeds the ban duration when bans are enabled.
func (l *Limiter) backoff(left time.Duration, failures int) time.Duration {
	wait := float64(left) * math.Pow(l.cfg.FailureMultiplier, float64(failures))
	if l.cfg.BanDuration > 0 && wait > float64(l.cfg.BanDuration) {
		return l.cfg.BanDuration
	}
	if wait > math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(wait)
}

// RecordFailure increments the failure count for key. A critical failure, or
// reaching MaxFailures, bans the key for BanDuration.
func (l *Limiter) RecordFailure(ctx context.Context, key string, critical bool) (Record, error) {
	now := l.now()
	rec, err := l.store.Update(ctx, key, func(r *Record) {
		r.FailureCount++
		if l.cfg.BanDuration > 0 && (critical || r.FailureCount >= l.cfg.MaxFailures) {
			r.BannedUntil = now.Add(l.cfg.BanDuration)
		}
	})
	if err != nil {
		return Record{}, fmt.Errorf("recording failure for %s: %w", key, err)
	}
	return rec, nil
}

// RecordSuccess forgives one prior failure for key.
func (l *Limiter) RecordSuccess(ctx context.Context, key string) (Record, error) {
	rec, err := l.store.Update(ctx, key, func(r *Record) {
		if r.FailureCount > 0 {
			r.FailureCount--
		}
	})
	if err != nil {
		return Record{}, fmt.Errorf("recording success for %s: %w", key, err)
	}
	return rec, nil
}
