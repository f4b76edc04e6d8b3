// Package report builds the weekly operations summary and archives it.
package report

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"path"
	"time"

	"github.com/alecgard/beacon/internal/aggregation"
	"github.com/alecgard/beacon/internal/cost"
)

// Report is the weekly summary document.
type Report struct {
	Week               string                              `json:"week"`
	PeriodStart        time.Time                           `json:"period_start"`
	PeriodEnd          time.Time                           `json:"period_end"`
	AggregatesByMetric map[string]aggregation.MetricTotals `json:"aggregates_by_metric"`
	AlertsTriggered    int64                               `json:"alerts_triggered"`
	AlertsOpen         int64                               `json:"alerts_open"`
	CostTotalUSD       float64                             `json:"cost_total_usd"`
	CostByResource     map[string]float64                  `json:"cost_by_resource"`
	GeneratedAt        time.Time                           `json:"generated_at"`
}

type MetricSource interface {
	TotalsByMetric(ctx context.Context, from, to time.Time) (map[string]aggregation.MetricTotals, error)
}

type AlertCounter interface {
	Counts(ctx context.Context, from, to time.Time) (triggered, open int64, err error)
}

type CostSource interface {
	Summary(ctx context.Context, from, to time.Time, breakdown bool) (*cost.Summary, error)
}

// Uploader stores an encoded report under key.
type Uploader interface {
	Upload(ctx context.Context, key string, body []byte) error
}

// Builder assembles and publishes weekly reports. A nil uploader logs the
// report instead of storing it.
type Builder struct {
	metrics  MetricSource
	alerts   AlertCounter
	costs    CostSource
	uploader Uploader
	prefix   string
	logger   *slog.Logger
	now      func() time.Time
}

func NewBuilder(metrics MetricSource, alerts AlertCounter, costs CostSource, uploader Uploader, prefix string, logger *slog.Logger) *Builder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Builder{
		metrics:  metrics,
		alerts:   alerts,
		costs:    costs,
		uploader: uploader,
		prefix:   prefix,
		logger:   logger,
		now:      time.Now,
	}
}

// Run builds the report for the last complete ISO week and publishes it.
func (b *Builder) Run(ctx context.Context) error {
	start, end := PreviousWeek(b.now())
	r, err := b.Build(ctx, start, end)
	if err != nil {
		return err
	}
	return b.Publish(ctx, r)
}

// Build collects the report for [start, end).
func (b *Builder) Build(ctx context.Context, start, end time.Time) (*Report, error) {
	totals, err := b.metrics.TotalsByMetric(ctx, start, end)
	if err != nil {
		return nil, fmt.Errorf("loading metric totals: %w", err)
	}
	triggered, open, err := b.alerts.Counts(ctx, start, end)
	if err != nil {
		return nil, fmt.Errorf("counting alerts: %w", err)
	}
	costs, err := b.costs.Summary(ctx, start, end, true)
	if err != nil {
		return nil, fmt.Errorf("summarizing costs: %w", err)
	}

	return &Report{
		Week:               WeekLabel(start),
		PeriodStart:        start,
		PeriodEnd:          end,
		AggregatesByMetric: totals,
		AlertsTriggered:    triggered,
		AlertsOpen:         open,
		CostTotalUSD:       costs.TotalUSD,
		CostByResource:     costs.ByResource,
		GeneratedAt:        b.now().UTC(),
	}, nil
}

// Publish uploads r to <prefix>/<week>.json, or logs it when no uploader
// is configured.
func (b *Builder) Publish(ctx context.Context, r *Report) error {
	if b.uploader == nil {
		b.logger.Info("weekly report",
			"week", r.Week,
			"alerts_triggered", r.AlertsTriggered,
			"alerts_open", r.AlertsOpen,
			"cost_total_usd", r.CostTotalUSD,
			"metrics", len(r.AggregatesByMetric),
		)
		return nil
	}

	body, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding report: %w", err)
	}
	key := path.Join(b.prefix, r.Week+".json")
	if err := b.uploader.Upload(ctx, key, body); err != nil {
		return fmt.Errorf("uploading report %s: %w", key, err)
	}
	b.logger.Info("weekly report uploaded", "key", key, "bytes", len(body))
	return nil
}

// PreviousWeek returns the Monday-to-Monday UTC range of the last complete
// ISO week before now.
func PreviousWeek(now time.Time) (start, end time.Time) {
	now = now.UTC()
	offset := (int(now.Weekday()) + 6) % 7 // days since Monday
	end = time.Date(now.Year(), now.Month(), now.Day()-offset, 0, 0, 0, 0, time.UTC)
	return end.AddDate(0, 0, -7), end
}

// WeekLabel formats t as an ISO week, e.g. 2026-W09.
func WeekLabel(t time.Time) string {
	year, week := t.ISOWeek()
	return fmt.Sprintf("%d-W%02d", year, week)
}
