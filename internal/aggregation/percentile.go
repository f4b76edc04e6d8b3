package aggregation

import (
	"math"
	"slices"
)

// nearestRank returns the p-th percentile of an ascending slice using
// nearest-rank indexing: index = ceil(len*p) - 1, clamped to the slice.
func nearestRank(sorted []float64, p float64) float64 {
	n := len(sorted)
	if n == 0 {
		return 0
	}
	idx := int(math.Ceil(float64(n)*p)) - 1
	if idx < 0 {
		idx = 0
	}
	if idx > n-1 {
		idx = n - 1
	}
	return sorted[idx]
}

// summarize sorts values in place once and fills the statistical fields of m.
func summarize(m *AggregatedMetric, values []float64) {
	m.Count = int64(len(values))
	if len(values) == 0 {
		return
	}
	slices.Sort(values)

	var sum float64
	for _, v := range values {
		sum += v
	}
	m.Sum = sum
	m.Min = values[0]
	m.Max = values[len(values)-1]
	m.P50 = nearestRank(values, 0.50)
	m.P95 = nearestRank(values, 0.95)
	m.P99 = nearestRank(values, 0.99)
}
