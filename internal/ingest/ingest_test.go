package ingest

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alecgard/beacon/internal/aggregation"
)

type recordingSink struct {
	mu      sync.Mutex
	samples []aggregation.MetricSample
	err     error
}

func (r *recordingSink) Add(s aggregation.MetricSample) error {
	if r.err != nil {
		return r.err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.samples = append(r.samples, s)
	return nil
}

type dropAll struct{}

func (dropAll) Keep(aggregation.MetricSample) bool { return false }

func TestAdaptiveSampler_Rate(t *testing.T) {
	a := NewAdaptiveSampler(nil, time.Minute)
	tests := []struct {
		volume int64
		want   float64
	}{
		{0, 1},
		{99, 1},
		{100, 0.5},
		{999, 0.5},
		{1_000, 0.1},
		{9_999, 0.1},
		{10_000, 0.01},
		{1_000_000, 0.01},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, a.Rate(tt.volume), "volume %d", tt.volume)
	}
}

func TestAdaptiveSampler_KeepsFirstHundredThenHalves(t *testing.T) {
	a := NewAdaptiveSampler(nil, time.Minute)
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	a.now = func() time.Time { return now }
	a.rand = func() float64 { return 0.75 }

	s := aggregation.MetricSample{SourceID: "api", MetricName: "latency", Value: 1}
	for i := 0; i < 100; i++ {
		require.True(t, a.Keep(s), "sample %d below 100 events should be kept", i)
	}
	assert.False(t, a.Keep(s), "roll of 0.75 should be dropped at 50%")

	s.IsError = true
	assert.True(t, a.Keep(s), "errors are always kept")
}

func TestAdaptiveSampler_VolumeIsPerSourceAndWindow(t *testing.T) {
	a := NewAdaptiveSampler(nil, time.Minute)
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	a.now = func() time.Time { return now }
	a.rand = func() float64 { return 0.99 }

	busy := aggregation.MetricSample{SourceID: "busy", MetricName: "m"}
	quiet := aggregation.MetricSample{SourceID: "quiet", MetricName: "m"}
	for i := 0; i < 100; i++ {
		a.Keep(busy)
	}
	assert.False(t, a.Keep(busy))
	assert.True(t, a.Keep(quiet))

	now = now.Add(time.Minute)
	assert.True(t, a.Keep(busy), "volume resets with the window")
}

func TestAdaptiveSampler_CountersAreNeverSampled(t *testing.T) {
	sink := &recordingSink{}
	a := NewAdaptiveSampler(nil, time.Minute, "cpu_ms")
	a.rand = func() float64 { return 0.99 }
	svc := NewService(sink, a)

	var batch []aggregation.MetricSample
	for i := 0; i < 1000; i++ {
		batch = append(batch,
			aggregation.MetricSample{SourceID: "api", MetricName: "requests", Value: 1},
			aggregation.MetricSample{SourceID: "api", MetricName: "cpu_ms", Value: 2},
		)
	}
	res, err := svc.Submit(batch)
	require.NoError(t, err)
	assert.Equal(t, 2000, res.Accepted)
	assert.Zero(t, res.Sampled)

	var requests, cpu float64
	for _, s := range sink.samples {
		switch s.MetricName {
		case "requests":
			requests += s.Value
		case "cpu_ms":
			cpu += s.Value
		}
	}
	assert.Equal(t, 1000.0, requests, "summed counters keep their true total")
	assert.Equal(t, 2000.0, cpu)

	// Exempt traffic does not push other metrics of the source into a lower tier.
	assert.True(t, a.Keep(aggregation.MetricSample{SourceID: "api", MetricName: "latency"}))
}

func TestService_Submit(t *testing.T) {
	sink := &recordingSink{}
	svc := NewService(sink, nil)

	res, err := svc.Submit([]aggregation.MetricSample{
		{SourceID: "api", MetricName: "latency", Value: 12},
		{SourceID: "", MetricName: "latency", Value: 1},
		{SourceID: "api", MetricName: "", Value: 1},
		{SourceID: "api", MetricName: "latency", Value: -5e12},
	})
	require.NoError(t, err)
	assert.Equal(t, Result{Accepted: 2, Rejected: 2}, res)
	assert.Len(t, sink.samples, 2)
	assert.Equal(t, -5e12, sink.samples[1].Value, "out of range values are not clamped")
}

func TestService_SubmitSampledOut(t *testing.T) {
	sink := &recordingSink{}
	svc := NewService(sink, dropAll{})

	res, err := svc.Submit([]aggregation.MetricSample{{SourceID: "api", MetricName: "latency"}})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Sampled)
	assert.Empty(t, sink.samples)
}

func TestService_SubmitSinkClosed(t *testing.T) {
	sink := &recordingSink{err: aggregation.ErrClosed}
	svc := NewService(sink, nil)

	res, err := svc.Submit([]aggregation.MetricSample{{SourceID: "api", MetricName: "latency"}})
	require.Error(t, err)
	assert.True(t, errors.Is(err, aggregation.ErrClosed))
	assert.Equal(t, 1, res.Rejected)
}

func TestValidate(t *testing.T) {
	assert.ErrorIs(t, Validate(aggregation.MetricSample{MetricName: "m"}), ErrSourceRequired)
	assert.ErrorIs(t, Validate(aggregation.MetricSample{SourceID: "s"}), ErrMetricRequired)
	assert.NoError(t, Validate(aggregation.MetricSample{SourceID: "s", MetricName: "m"}))
}
