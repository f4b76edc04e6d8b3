package cost

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/alecgard/beacon/internal/notify"
)

// UsageResources are the aggregate metric names treated as billable usage.
var UsageResources = []string{"requests", "cpu_ms", "db_reads", "db_writes", "ingest_writes"}

// UsageSource sums usage per worker and resource type over [from, to).
type UsageSource interface {
	UsageByWorker(ctx context.Context, metrics []string, from, to time.Time) (map[string]map[string]float64, error)
}

// RecordWriter upserts cost records.
type RecordWriter interface {
	Upsert(ctx context.Context, records []Record) error
}

// Publisher enqueues cost alerts.
type Publisher interface {
	Enqueue(ctx context.Context, msg notify.Message) error
}

// MetricsRecorder is an optional interface for recording cost metrics.
type MetricsRecorder interface {
	IncCostAlert(severity string)
	SetProjectedDailyCost(usd float64)
}

// Estimator prices usage from persisted aggregates and warns on projected
// overspend.
type Estimator struct {
	usage     UsageSource
	records   RecordWriter
	publisher Publisher
	prices    PriceTable
	threshold float64
	channels  []string
	logger    *slog.Logger
	metrics   MetricsRecorder
	now       func() time.Time
}

// NewEstimator creates an Estimator. A threshold of 0 disables cost alerts.
func NewEstimator(usage UsageSource, records RecordWriter, publisher Publisher, prices PriceTable, dailyThreshold float64, channels []string, logger *slog.Logger) *Estimator {
	if prices == nil {
		prices = PriceTable{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Estimator{
		usage:     usage,
		records:   records,
		publisher: publisher,
		prices:    prices,
		threshold: dailyThreshold,
		channels:  channels,
		logger:    logger,
		now:       time.Now,
	}
}

// SetMetrics sets the optional metrics recorder.
func (e *Estimator) SetMetrics(m MetricsRecorder) {
	e.metrics = m
}

// Run estimates the hour before now. It is the scheduler entry point.
func (e *Estimator) Run(ctx context.Context) error {
	hourStart := e.now().UTC().Truncate(time.Hour).Add(-time.Hour)
	_, err := e.Estimate(ctx, hourStart)
	return err
}

// Estimate prices the hour starting at hourStart. Day records are rebuilt
// from the start of that hour's day up to the end of the hour and upserted,
// so running it again for the same hour leaves the same rows.
func (e *Estimator) Estimate(ctx context.Context, hourStart time.Time) (*Estimate, error) {
	hourStart = hourStart.UTC().Truncate(time.Hour)
	hourEnd := hourStart.Add(time.Hour)
	day := hourStart.Truncate(24 * time.Hour)

	dayUsage, err := e.usage.UsageByWorker(ctx, UsageResources, day, hourEnd)
	if err != nil {
		return nil, fmt.Errorf("loading daily usage: %w", err)
	}
	records := e.price(day, dayUsage)
	if err := e.records.Upsert(ctx, records); err != nil {
		return nil, fmt.Errorf("upserting cost records: %w", err)
	}

	hourUsage, err := e.usage.UsageByWorker(ctx, UsageResources, hourStart, hourEnd)
	if err != nil {
		return nil, fmt.Errorf("loading hourly usage: %w", err)
	}
	var hourly float64
	for _, r := range e.price(hourStart, hourUsage) {
		hourly += r.CostUSD
	}

	est := &Estimate{
		HourStart:         hourStart,
		HourlyUSD:         hourly,
		ProjectedDailyUSD: hourly * 24,
		Records:           len(records),
	}
	if e.metrics != nil {
		e.metrics.SetProjectedDailyCost(est.ProjectedDailyUSD)
	}

	if sev := Severity(est.ProjectedDailyUSD, e.threshold); sev != "" {
		est.Alerted = true
		est.Severity = sev
		e.alert(ctx, est)
	}
	return est, nil
}

// Severity grades a projection against threshold: critical at twice the
// threshold or more, warning above it, "" otherwise or when threshold <= 0.
func Severity(projected, threshold float64) string {
	switch {
	case threshold <= 0 || projected <= threshold:
		return ""
	case projected >= 2*threshold:
		return "critical"
	default:
		return "warning"
	}
}

func (e *Estimator) price(date time.Time, usage map[string]map[string]float64) []Record {
	var out []Record
	for worker, byResource := range usage {
		for resource, units := range byResource {
			out = append(out, Record{
				Date:         date,
				Worker:       worker,
				ResourceType: resource,
				UsageUnits:   units,
				CostUSD:      units * e.prices.Price(resource),
			})
		}
	}
	return out
}

func (e *Estimator) alert(ctx context.Context, est *Estimate) {
	if e.metrics != nil {
		e.metrics.IncCostAlert(est.Severity)
	}
	if e.publisher == nil {
		return
	}
	msg := notify.NewMessage(notify.KindCost)
	projected, threshold := est.ProjectedDailyUSD, e.threshold
	msg.Severity = est.Severity
	msg.Metric = "projected_daily_cost_usd"
	msg.Value = &projected
	msg.Threshold = &threshold
	msg.Channels = e.channels
	msg.Title = fmt.Sprintf("[%s] projected daily cost $%.2f over $%.2f", est.Severity, projected, threshold)
	msg.Message = fmt.Sprintf("hour starting %s cost $%.4f", est.HourStart.Format(time.RFC3339), est.HourlyUSD)
	if err := e.publisher.Enqueue(ctx, msg); err != nil {
		e.logger.Error("enqueueing cost alert", "severity", est.Severity, "error", err)
	}
}
