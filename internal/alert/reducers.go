package alert

import (
	"github.com/alecgard/beacon/internal/aggregation"
)

// Metric names the error and request based reducers read.
const (
	MetricErrors       = "errors"
	MetricRequests     = "requests"
	MetricResponseTime = "response_time"
)

// Reducer derives one scalar from the aggregates matching a rule.
type Reducer struct {
	// Inputs lists the aggregate metric names the reducer reads.
	Inputs []string
	Reduce func(ms []aggregation.AggregatedMetric) float64
}

// reducers maps a rule's metric name to its reduction. Rules naming any other
// metric use meanOfAverages over aggregates with that exact name.
var reducers = map[string]Reducer{
	"error_rate": {
		Inputs: []string{MetricErrors, MetricRequests},
		Reduce: errorRate,
	},
	"success_rate": {
		Inputs: []string{MetricErrors, MetricRequests},
		Reduce: successRate,
	},
	"response_time_p95": {
		Inputs: []string{MetricResponseTime},
		Reduce: maxP95,
	},
}

// ReducerFor returns the reducer for metric.
func ReducerFor(metric string) Reducer {
	if r, ok := reducers[metric]; ok {
		return r
	}
	return Reducer{Inputs: []string{metric}, Reduce: meanOfAverages}
}

func errorsAndRequests(ms []aggregation.AggregatedMetric) (errs, reqs float64) {
	for _, m := range ms {
		switch m.MetricName {
		case MetricErrors:
			errs += m.Sum
		case MetricRequests:
			reqs += m.Sum
		}
	}
	return errs, reqs
}

func errorRate(ms []aggregation.AggregatedMetric) float64 {
	errs, reqs := errorsAndRequests(ms)
	if reqs == 0 {
		return 0
	}
	return errs / reqs
}

func successRate(ms []aggregation.AggregatedMetric) float64 {
	errs, reqs := errorsAndRequests(ms)
	if reqs == 0 {
		return 1
	}
	return 1 - errs/reqs
}

func maxP95(ms []aggregation.AggregatedMetric) float64 {
	var out float64
	for i, m := range ms {
		if i == 0 || m.P95 > out {
			out = m.P95
		}
	}
	return out
}

func meanOfAverages(ms []aggregation.AggregatedMetric) float64 {
	if len(ms) == 0 {
		return 0
	}
	var total float64
	for _, m := range ms {
		total += m.Avg()
	}
	return total / float64(len(ms))
}
