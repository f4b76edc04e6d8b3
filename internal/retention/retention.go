// Package retention deletes aggregates, resolved alerts and cost records
// that have aged past their configured retention.
package retention

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// Deleter removes rows older than cutoff and reports how many went.
type Deleter interface {
	DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// DeleterFunc adapts a function to Deleter.
type DeleterFunc func(ctx context.Context, cutoff time.Time) (int64, error)

func (f DeleterFunc) DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	return f(ctx, cutoff)
}

// Policy is the retention per table, in days. Zero keeps rows forever.
type Policy struct {
	AggregateDays int
	AlertDays     int
	CostDays      int
}

// PurgeCount holds row counts for one cleaner run.
type PurgeCount struct {
	Aggregates int64 `json:"aggregates"`
	Alerts     int64 `json:"alerts"`
	Costs      int64 `json:"costs"`
}

// Total returns the number of rows removed across all tables.
func (p PurgeCount) Total() int64 {
	return p.Aggregates + p.Alerts + p.Costs
}

// Cleaner applies a Policy. The alert deleter must only remove resolved
// rows so open incidents survive any retention window.
type Cleaner struct {
	aggregates Deleter
	alerts     Deleter
	costs      Deleter
	policy     Policy
	logger     *slog.Logger
	now        func() time.Time
}

func NewCleaner(aggregates, alerts, costs Deleter, policy Policy, logger *slog.Logger) *Cleaner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Cleaner{
		aggregates: aggregates,
		alerts:     alerts,
		costs:      costs,
		policy:     policy,
		logger:     logger,
		now:        time.Now,
	}
}

// Run purges every table independently. A failure on one table does not stop
// the others; all failures are joined into the returned error.
func (c *Cleaner) Run(ctx context.Context) error {
	_, err := c.Purge(ctx)
	return err
}

// Purge is Run that also reports what was deleted.
func (c *Cleaner) Purge(ctx context.Context) (PurgeCount, error) {
	now := c.now().UTC()
	var pc PurgeCount
	var errs []error

	purge := func(name string, d Deleter, days int, n *int64) {
		if d == nil || days <= 0 {
			return
		}
		cutoff := now.AddDate(0, 0, -days)
		deleted, err := d.DeleteBefore(ctx, cutoff)
		if err != nil {
			errs = append(errs, fmt.Errorf("purging %s: %w", name, err))
			return
		}
		*n = deleted
	}

	purge("aggregates", c.aggregates, c.policy.AggregateDays, &pc.Aggregates)
	purge("alert history", c.alerts, c.policy.AlertDays, &pc.Alerts)
	purge("cost records", c.costs, c.policy.CostDays, &pc.Costs)

	c.logger.Info("retention purge complete",
		"aggregates", pc.Aggregates,
		"alerts", pc.Alerts,
		"costs", pc.Costs,
	)
	return pc, errors.Join(errs...)
}
