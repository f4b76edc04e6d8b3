package cost

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Store provides database operations for cost records.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a new Store backed by the given connection pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Upsert writes records in one statement, replacing usage and cost for any
// (date, worker, resource_type) already present. It is a no-op when records
// is empty.
func (s *Store) Upsert(ctx context.Context, records []Record) error {
	if len(records) == 0 {
		return nil
	}

	const cols = 5
	args := make([]any, 0, len(records)*cols)
	rows := make([]string, 0, len(records))
	for i, r := range records {
		base := i * cols
		rows = append(rows, fmt.Sprintf("($%d, $%d, $%d, $%d, $%d)",
			base+1, base+2, base+3, base+4, base+5))
		args = append(args, r.Date, r.Worker, r.ResourceType, r.UsageUnits, r.CostUSD)
	}

	query := `INSERT INTO cost_records (date, worker, resource_type, usage_units, cost_usd)
		VALUES ` + strings.Join(rows, ", ") + `
		ON CONFLICT (date, worker, resource_type) DO UPDATE SET
			usage_units = EXCLUDED.usage_units,
			cost_usd = EXCLUDED.cost_usd,
			updated_at = now()`

	if _, err := s.pool.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("upserting cost records: %w", err)
	}
	return nil
}

// Summary totals cost for dates in [from, to). With breakdown it also fills
// the per-resource and per-worker maps.
func (s *Store) Summary(ctx context.Context, from, to time.Time, breakdown bool) (*Summary, error) {
	sum := &Summary{PeriodStart: from, PeriodEnd: to}
	if !breakdown {
		err := s.pool.QueryRow(ctx,
			`SELECT COALESCE(SUM(cost_usd), 0) FROM cost_records WHERE date >= $1 AND date < $2`,
			from, to).Scan(&sum.TotalUSD)
		if err != nil {
			return nil, fmt.Errorf("querying cost total: %w", err)
		}
		return sum, nil
	}

	rows, err := s.pool.Query(ctx,
		`SELECT worker, resource_type, SUM(cost_usd)
		FROM cost_records WHERE date >= $1 AND date < $2
		GROUP BY worker, resource_type`, from, to)
	if err != nil {
		return nil, fmt.Errorf("querying cost breakdown: %w", err)
	}
	defer rows.Close()

	sum.ByResource = make(map[string]float64)
	sum.ByWorker = make(map[string]float64)
	for rows.Next() {
		var worker, resource string
		var usd float64
		if err := rows.Scan(&worker, &resource, &usd); err != nil {
			return nil, fmt.Errorf("scanning cost row: %w", err)
		}
		sum.TotalUSD += usd
		sum.ByResource[resource] += usd
		sum.ByWorker[worker] += usd
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating cost rows: %w", err)
	}
	return sum, nil
}

// DeleteBefore removes records dated before cutoff.
func (s *Store) DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM cost_records WHERE date < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("deleting expired cost records: %w", err)
	}
	return tag.RowsAffected(), nil
}
