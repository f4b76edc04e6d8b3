package retention

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingDeleter struct {
	cutoff time.Time
	n      int64
	err    error
}

func (r *recordingDeleter) DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	r.cutoff = cutoff
	return r.n, r.err
}

func TestCleaner_Cutoffs(t *testing.T) {
	aggs := &recordingDeleter{n: 10}
	alerts := &recordingDeleter{n: 2}
	costs := &recordingDeleter{n: 1}
	c := NewCleaner(aggs, alerts, costs, Policy{AggregateDays: 90, AlertDays: 180, CostDays: 400}, nil)
	now := time.Date(2026, 6, 30, 12, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }

	pc, err := c.Purge(context.Background())
	require.NoError(t, err)

	assert.Equal(t, now.AddDate(0, 0, -90), aggs.cutoff)
	assert.Equal(t, now.AddDate(0, 0, -180), alerts.cutoff)
	assert.Equal(t, now.AddDate(0, 0, -400), costs.cutoff)
	assert.Equal(t, PurgeCount{Aggregates: 10, Alerts: 2, Costs: 1}, pc)
	assert.Equal(t, int64(13), pc.Total())
}

func TestCleaner_FailureIsolated(t *testing.T) {
	boom := errors.New("connection reset")
	aggs := &recordingDeleter{err: boom}
	costs := &recordingDeleter{n: 4}
	c := NewCleaner(aggs, nil, costs, Policy{AggregateDays: 1, AlertDays: 1, CostDays: 1}, nil)

	pc, err := c.Purge(context.Background())
	require.ErrorIs(t, err, boom)
	assert.Equal(t, int64(4), pc.Costs)
	assert.False(t, costs.cutoff.IsZero())
}

func TestCleaner_ZeroDaysKeepsForever(t *testing.T) {
	called := false
	d := DeleterFunc(func(ctx context.Context, cutoff time.Time) (int64, error) {
		called = true
		return 0, nil
	})
	c := NewCleaner(d, d, d, Policy{}, nil)
	require.NoError(t, c.Run(context.Background()))
	assert.False(t, called)
}
