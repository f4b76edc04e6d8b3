package cost

import "time"

// Record is the cost of one resource type for one worker on one day.
type Record struct {
	Date         time.Time `json:"date"`
	Worker       string    `json:"worker"`
	ResourceType string    `json:"resource_type"`
	UsageUnits   float64   `json:"usage_units"`
	CostUSD      float64   `json:"cost_usd"`
}

// Summary aggregates cost records over a period.
type Summary struct {
	PeriodStart time.Time          `json:"period_start"`
	PeriodEnd   time.Time          `json:"period_end"`
	TotalUSD    float64            `json:"total_usd"`
	ByResource  map[string]float64 `json:"by_resource,omitempty"`
	ByWorker    map[string]float64 `json:"by_worker,omitempty"`
}

// PriceTable maps a resource type to USD per unit. Missing entries price at 0.
type PriceTable map[string]float64

// Price returns the unit price for resourceType, 0 when unknown.
func (p PriceTable) Price(resourceType string) float64 {
	return p[resourceType]
}

// Estimate is the outcome of one estimator run.
type Estimate struct {
	HourStart         time.Time `json:"hour_start"`
	HourlyUSD         float64   `json:"hourly_usd"`
	ProjectedDailyUSD float64   `json:"projected_daily_usd"`
	Records           int       `json:"records"`
	Alerted           bool      `json:"alerted"`
	Severity          string    `json:"severity,omitempty"`
}
