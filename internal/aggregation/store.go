package aggregation

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Store provides database operations for persisted aggregates.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a new Store backed by the given connection pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

const aggregateColumns = `source_id, metric_name, window_start, window_end,
	count, sum, min, max, p50, p95, p99`

// Insert writes one aggregate. A row already present for the same
// (source_id, metric_name, window_start) is left untouched, so a retried
// persist of the same result is a no-op.
func (s *Store) Insert(ctx context.Context, m AggregatedMetric) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO aggregated_metrics (`+aggregateColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (source_id, metric_name, window_start) DO NOTHING`,
		m.SourceID, m.MetricName, m.WindowStart, m.WindowEnd,
		m.Count, m.Sum, m.Min, m.Max, m.P50, m.P95, m.P99,
	)
	if err != nil {
		return fmt.Errorf("inserting aggregate %s/%s: %w", m.SourceID, m.MetricName, err)
	}
	return nil
}

// Since returns every aggregate whose window ended at or after since.
func (s *Store) Since(ctx context.Context, since time.Time) ([]AggregatedMetric, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+aggregateColumns+` FROM aggregated_metrics
		WHERE window_end >= $1 ORDER BY window_start`, since)
	if err != nil {
		return nil, fmt.Errorf("querying recent aggregates: %w", err)
	}
	return collectAggregates(rows)
}

// List returns aggregates matching q, newest first.
func (s *Store) List(ctx context.Context, q Query) ([]AggregatedMetric, error) {
	limit := q.Limit
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	where, args := buildWhereClause(q)
	args = append(args, limit)

	rows, err := s.pool.Query(ctx,
		`SELECT `+aggregateColumns+` FROM aggregated_metrics`+where+
			` ORDER BY window_start DESC LIMIT $`+strconv.Itoa(len(args)), args...)
	if err != nil {
		return nil, fmt.Errorf("listing aggregates: %w", err)
	}
	return collectAggregates(rows)
}

// Reduce applies fn over every aggregate matching q.
func (s *Store) Reduce(ctx context.Context, q Query, fn Func) (*Result, error) {
	var expr string
	switch fn {
	case FuncSum:
		expr = "COALESCE(SUM(sum), 0)"
	case FuncCount:
		expr = "COALESCE(SUM(count), 0)::double precision"
	case FuncMin:
		expr = "COALESCE(MIN(min), 0)"
	case FuncMax:
		expr = "COALESCE(MAX(max), 0)"
	case FuncAvg:
		expr = "COALESCE(SUM(sum) / NULLIF(SUM(count), 0), 0)"
	default:
		return nil, fmt.Errorf("unsupported aggregate function %q", fn)
	}

	where, args := buildWhereClause(q)
	res := Result{Func: fn}
	err := s.pool.QueryRow(ctx,
		`SELECT `+expr+`, COUNT(*) FROM aggregated_metrics`+where, args...,
	).Scan(&res.Value, &res.Windows)
	if err != nil {
		return nil, fmt.Errorf("reducing aggregates: %w", err)
	}
	return &res, nil
}

// UsageByWorker sums the values of the named metrics per source over windows
// starting in [from, to). The result maps source -> metric -> total.
func (s *Store) UsageByWorker(ctx context.Context, metrics []string, from, to time.Time) (map[string]map[string]float64, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT source_id, metric_name, COALESCE(SUM(sum), 0)
		FROM aggregated_metrics
		WHERE metric_name = ANY($1) AND window_start >= $2 AND window_start < $3
		GROUP BY source_id, metric_name`, metrics, from, to)
	if err != nil {
		return nil, fmt.Errorf("querying usage: %w", err)
	}
	defer rows.Close()

	usage := make(map[string]map[string]float64)
	for rows.Next() {
		var source, metric string
		var total float64
		if err := rows.Scan(&source, &metric, &total); err != nil {
			return nil, fmt.Errorf("scanning usage row: %w", err)
		}
		if usage[source] == nil {
			usage[source] = make(map[string]float64)
		}
		usage[source][metric] = total
	}
	return usage, rows.Err()
}

// MetricTotals summarizes each metric name over windows starting in [from, to).
type MetricTotals struct {
	Count int64   `json:"count"`
	Sum   float64 `json:"sum"`
	Avg   float64 `json:"avg"`
	Max   float64 `json:"max"`
}

// TotalsByMetric returns per-metric totals across all sources.
func (s *Store) TotalsByMetric(ctx context.Context, from, to time.Time) (map[string]MetricTotals, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT metric_name, COALESCE(SUM(count), 0), COALESCE(SUM(sum), 0), COALESCE(MAX(max), 0)
		FROM aggregated_metrics
		WHERE window_start >= $1 AND window_start < $2
		GROUP BY metric_name`, from, to)
	if err != nil {
		return nil, fmt.Errorf("querying metric totals: %w", err)
	}
	defer rows.Close()

	out := make(map[string]MetricTotals)
	for rows.Next() {
		var name string
		var t MetricTotals
		if err := rows.Scan(&name, &t.Count, &t.Sum, &t.Max); err != nil {
			return nil, fmt.Errorf("scanning metric totals: %w", err)
		}
		if t.Count > 0 {
			t.Avg = t.Sum / float64(t.Count)
		}
		out[name] = t
	}
	return out, rows.Err()
}

// DeleteBefore removes aggregates whose window ended before cutoff.
func (s *Store) DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM aggregated_metrics WHERE window_end < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("deleting expired aggregates: %w", err)
	}
	return tag.RowsAffected(), nil
}

func collectAggregates(rows pgx.Rows) ([]AggregatedMetric, error) {
	defer rows.Close()
	var out []AggregatedMetric
	for rows.Next() {
		var m AggregatedMetric
		if err := rows.Scan(
			&m.SourceID, &m.MetricName, &m.WindowStart, &m.WindowEnd,
			&m.Count, &m.Sum, &m.Min, &m.Max, &m.P50, &m.P95, &m.P99,
		); err != nil {
			return nil, fmt.Errorf("scanning aggregate row: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating aggregate rows: %w", err)
	}
	return out, nil
}

// buildWhereClause constructs a WHERE clause and positional arguments from a
// Query. The returned string starts with " WHERE" or is empty.
func buildWhereClause(q Query) (string, []any) {
	var conditions []string
	var args []any

	if q.SourceID != "" {
		args = append(args, q.SourceID)
		conditions = append(conditions, fmt.Sprintf("source_id = $%d", len(args)))
	}
	if q.MetricName != "" {
		args = append(args, q.MetricName)
		conditions = append(conditions, fmt.Sprintf("metric_name = $%d", len(args)))
	}
	if !q.From.IsZero() {
		args = append(args, q.From)
		conditions = append(conditions, fmt.Sprintf("window_start >= $%d", len(args)))
	}
	if !q.To.IsZero() {
		args = append(args, q.To)
		conditions = append(conditions, fmt.Sprintf("window_start < $%d", len(args)))
	}

	if len(conditions) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conditions, " AND "), args
}
