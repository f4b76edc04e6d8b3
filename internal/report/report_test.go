package report

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alecgard/beacon/internal/aggregation"
	"github.com/alecgard/beacon/internal/cost"
)

type fakeSources struct {
	from, to time.Time
	costErr  error
}

func (f *fakeSources) TotalsByMetric(ctx context.Context, from, to time.Time) (map[string]aggregation.MetricTotals, error) {
	f.from, f.to = from, to
	return map[string]aggregation.MetricTotals{
		"latency": {Count: 10, Sum: 500, Avg: 50, Max: 90},
	}, nil
}

func (f *fakeSources) Counts(ctx context.Context, from, to time.Time) (int64, int64, error) {
	return 3, 1, nil
}

func (f *fakeSources) Summary(ctx context.Context, from, to time.Time, breakdown bool) (*cost.Summary, error) {
	if f.costErr != nil {
		return nil, f.costErr
	}
	return &cost.Summary{TotalUSD: 12.5, ByResource: map[string]float64{"requests": 12.5}}, nil
}

type memUploader struct {
	objects map[string][]byte
}

func (m *memUploader) Upload(ctx context.Context, key string, body []byte) error {
	if m.objects == nil {
		m.objects = make(map[string][]byte)
	}
	m.objects[key] = body
	return nil
}

func TestPreviousWeek(t *testing.T) {
	// Wednesday 2026-03-04.
	start, end := PreviousWeek(time.Date(2026, 3, 4, 15, 30, 0, 0, time.UTC))
	assert.Equal(t, time.Date(2026, 2, 23, 0, 0, 0, 0, time.UTC), start)
	assert.Equal(t, time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC), end)

	// On a Monday the week that just ended is reported.
	start, _ = PreviousWeek(time.Date(2026, 3, 2, 0, 5, 0, 0, time.UTC))
	assert.Equal(t, time.Date(2026, 2, 23, 0, 0, 0, 0, time.UTC), start)

	// Sunday belongs to the current ISO week.
	start, _ = PreviousWeek(time.Date(2026, 3, 8, 23, 0, 0, 0, time.UTC))
	assert.Equal(t, time.Date(2026, 2, 23, 0, 0, 0, 0, time.UTC), start)
}

func TestWeekLabel(t *testing.T) {
	assert.Equal(t, "2026-W09", WeekLabel(time.Date(2026, 2, 23, 0, 0, 0, 0, time.UTC)))
	assert.Equal(t, "2026-W01", WeekLabel(time.Date(2025, 12, 29, 0, 0, 0, 0, time.UTC)))
}

func TestBuilder_RunUploads(t *testing.T) {
	src := &fakeSources{}
	up := &memUploader{}
	b := NewBuilder(src, src, src, up, "reports", nil)
	b.now = func() time.Time { return time.Date(2026, 3, 4, 9, 0, 0, 0, time.UTC) }

	require.NoError(t, b.Run(context.Background()))

	body, ok := up.objects["reports/2026-W09.json"]
	require.True(t, ok, "objects: %v", up.objects)

	var r Report
	require.NoError(t, json.Unmarshal(body, &r))
	assert.Equal(t, int64(3), r.AlertsTriggered)
	assert.Equal(t, int64(1), r.AlertsOpen)
	assert.Equal(t, 12.5, r.CostTotalUSD)
	assert.Equal(t, int64(10), r.AggregatesByMetric["latency"].Count)
	assert.Equal(t, time.Date(2026, 2, 23, 0, 0, 0, 0, time.UTC), src.from)
}

func TestBuilder_NoUploaderLogs(t *testing.T) {
	src := &fakeSources{}
	b := NewBuilder(src, src, src, nil, "reports", nil)
	assert.NoError(t, b.Run(context.Background()))
}

func TestBuilder_SourceError(t *testing.T) {
	boom := errors.New("db down")
	src := &fakeSources{costErr: boom}
	up := &memUploader{}
	b := NewBuilder(src, src, src, up, "reports", nil)

	err := b.Run(context.Background())
	require.ErrorIs(t, err, boom)
	assert.Empty(t, up.objects)
}
