package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/alecgard/beacon/internal/aggregation"
	"github.com/alecgard/beacon/internal/alert"
	"github.com/alecgard/beacon/internal/storage"
)

// AggregateWriter persists one aggregate idempotently.
type AggregateWriter interface {
	Insert(ctx context.Context, m aggregation.AggregatedMetric) error
}

// BatchEvaluator receives the aggregates persisted by one rollup.
type BatchEvaluator interface {
	Evaluate(ctx context.Context, batch []aggregation.AggregatedMetric) (alert.Summary, error)
}

// Rollup flushes dirty shards, persists the results and hands the persisted
// batch to the alert evaluator.
type Rollup struct {
	shards    *aggregation.ShardSet
	store     AggregateWriter
	evaluator BatchEvaluator
	logger    *slog.Logger

	workers    int
	retries    int
	retryDelay time.Duration
	idle       time.Duration
}

// NewRollup creates a Rollup. evaluator may be nil.
func NewRollup(shards *aggregation.ShardSet, store AggregateWriter, evaluator BatchEvaluator, workers int, logger *slog.Logger) *Rollup {
	if logger == nil {
		logger = slog.Default()
	}
	return &Rollup{
		shards:     shards,
		store:      store,
		evaluator:  evaluator,
		logger:     logger,
		workers:    workers,
		retries:    3,
		retryDelay: 100 * time.Millisecond,
		idle:       time.Hour,
	}
}

// Run is one rollup tick. A shard that fails to flush or persist is logged and
// skipped; its computed aggregate is held and retried on the next tick.
func (r *Rollup) Run(ctx context.Context) error {
	// Flushing first lets each shard finish any high-water cut already in
	// its inbox, so those results are pending by the time they are taken.
	flushed, err := r.shards.FlushAll(ctx, r.workers)
	if err != nil {
		r.logger.Error("flushing shards", "error", err)
	}
	batch := append(r.shards.TakePending(), flushed...)

	persisted := make([]aggregation.AggregatedMetric, 0, len(batch))
	var failed int
	for _, m := range batch {
		err := storage.WithRetry(ctx, r.retries, r.retryDelay, func() error {
			return r.store.Insert(ctx, m)
		})
		if err != nil {
			failed++
			r.shards.Hold(m)
			r.logger.Error("persisting aggregate",
				"source_id", m.SourceID,
				"metric_name", m.MetricName,
				"window_start", m.WindowStart,
				"error", err,
			)
			continue
		}
		persisted = append(persisted, m)
	}

	if len(persisted) > 0 && r.evaluator != nil {
		summary, err := r.evaluator.Evaluate(ctx, persisted)
		if err != nil {
			r.logger.Error("evaluating alert rules", "error", err)
		} else {
			r.logger.Info("rollup complete",
				"aggregates", len(persisted),
				"rules_evaluated", summary.Evaluated,
				"alerts_triggered", summary.Triggered,
				"alerts_resolved", summary.Resolved,
			)
		}
	}

	r.shards.Prune(r.idle)

	if failed > 0 {
		return fmt.Errorf("%d of %d aggregates not persisted", failed, len(batch))
	}
	return nil
}
