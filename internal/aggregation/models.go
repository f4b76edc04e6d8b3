package aggregation

import "time"

// MetricSample is a single raw observation reported by an instrumented service.
type MetricSample struct {
	SourceID    string  `json:"source_id"`
	MetricName  string  `json:"metric_name"`
	Value       float64 `json:"value"`
	TimestampMs int64   `json:"timestamp_ms"`
	IsError     bool    `json:"is_error,omitempty"`
}

// Key returns the shard key the sample is routed to.
func (s MetricSample) Key() ShardKey {
	return ShardKey{SourceID: s.SourceID, MetricName: s.MetricName}
}

// ShardKey identifies one independent aggregation shard.
type ShardKey struct {
	SourceID   string
	MetricName string
}

func (k ShardKey) String() string {
	return k.SourceID + "/" + k.MetricName
}

// AggregatedMetric is the statistical summary of one flushed shard window.
type AggregatedMetric struct {
	SourceID    string    `json:"source_id"`
	MetricName  string    `json:"metric_name"`
	WindowStart time.Time `json:"window_start"`
	WindowEnd   time.Time `json:"window_end"`
	Count       int64     `json:"count"`
	Sum         float64   `json:"sum"`
	Min         float64   `json:"min"`
	Max         float64   `json:"max"`
	P50         float64   `json:"p50"`
	P95         float64   `json:"p95"`
	P99         float64   `json:"p99"`
}

// Avg returns the mean value of the window, or 0 for an empty window.
func (a AggregatedMetric) Avg() float64 {
	if a.Count == 0 {
		return 0
	}
	return a.Sum / float64(a.Count)
}

// Query filters persisted aggregates. Empty fields match everything.
type Query struct {
	SourceID   string    `json:"source_id,omitempty"`
	MetricName string    `json:"metric_name,omitempty"`
	From       time.Time `json:"from"`
	To         time.Time `json:"to"`
	Limit      int       `json:"limit"`
}

// Func names a reduction applied over the aggregates matched by a Query.
type Func string

const (
	FuncSum   Func = "sum"
	FuncAvg   Func = "avg"
	FuncMin   Func = "min"
	FuncMax   Func = "max"
	FuncCount Func = "count"
)

// Valid reports whether f is a supported reduction.
func (f Func) Valid() bool {
	switch f {
	case FuncSum, FuncAvg, FuncMin, FuncMax, FuncCount:
		return true
	}
	return false
}

// Result is the scalar answer to a reduced aggregate query.
type Result struct {
	Func    Func    `json:"fn"`
	Value   float64 `json:"value"`
	Windows int64   `json:"windows"`
}
