package ingest

import (
	"errors"
	"fmt"

	"github.com/alecgard/beacon/internal/aggregation"
)

var (
	ErrSourceRequired = errors.New("source_id is required")
	ErrMetricRequired = errors.New("metric_name is required")
)

// Sink accepts samples that passed sampling.
type Sink interface {
	Add(s aggregation.MetricSample) error
}

// MetricsRecorder is an optional interface for recording ingest metrics.
type MetricsRecorder interface {
	IncSamplesIngested(n int)
	IncSamplesDropped(reason string, n int)
}

// Result counts what happened to one submitted batch.
type Result struct {
	Accepted int `json:"accepted"`
	Sampled  int `json:"sampled_out"`
	Rejected int `json:"rejected"`
}

// Service validates samples, applies the sampling policy and hands the kept
// ones to the aggregation shards.
type Service struct {
	sink    Sink
	policy  Policy
	metrics MetricsRecorder
}

// NewService creates a Service. A nil policy keeps every sample.
func NewService(sink Sink, policy Policy) *Service {
	if policy == nil {
		policy = KeepAll{}
	}
	return &Service{sink: sink, policy: policy}
}

// SetMetrics sets the optional metrics recorder.
func (s *Service) SetMetrics(m MetricsRecorder) {
	s.metrics = m
}

// Validate checks the fields a shard key is built from. Values are never
// range-checked.
func Validate(sample aggregation.MetricSample) error {
	if sample.SourceID == "" {
		return ErrSourceRequired
	}
	if sample.MetricName == "" {
		return ErrMetricRequired
	}
	return nil
}

// Submit is best effort: invalid samples are counted as rejected and the rest
// of the batch still goes through. The error is non-nil only when the sink
// refuses samples.
func (s *Service) Submit(samples []aggregation.MetricSample) (Result, error) {
	var res Result
	var sinkErr error
	for _, sample := range samples {
		if err := Validate(sample); err != nil {
			res.Rejected++
			continue
		}
		if !s.policy.Keep(sample) {
			res.Sampled++
			continue
		}
		if err := s.sink.Add(sample); err != nil {
			res.Rejected++
			sinkErr = err
			continue
		}
		res.Accepted++
	}

	if s.metrics != nil {
		s.metrics.IncSamplesIngested(res.Accepted)
		s.metrics.IncSamplesDropped("sampled", res.Sampled)
		s.metrics.IncSamplesDropped("rejected", res.Rejected)
	}
	if sinkErr != nil {
		return res, fmt.Errorf("adding samples: %w", sinkErr)
	}
	return res, nil
}
