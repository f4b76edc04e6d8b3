package alert

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alecgard/beacon/internal/storage"
)

var (
	// ErrAlreadyOpen is returned when a rule already has an open alert.
	ErrAlreadyOpen = errors.New("rule already has an open alert")
	// ErrRuleHasOpenAlert is returned when deleting a rule whose alert is
	// still open. Resolve the alert first.
	ErrRuleHasOpenAlert = errors.New("rule has an open alert")
)

// Store provides database operations for alert rules and history.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a new Store backed by the given connection pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

const ruleColumns = `id, name, COALESCE(source_filter, ''), metric_name, condition, threshold,
	window_minutes, severity, enabled, notification_channels, created_at, updated_at`

const historyColumns = `id, COALESCE(rule_id, ''), triggered_at, resolved_at, observed_value, notification_sent`

func scanRule(row pgx.Row) (*Rule, error) {
	var r Rule
	err := row.Scan(
		&r.ID, &r.Name, &r.SourceFilter, &r.MetricName, &r.Condition, &r.Threshold,
		&r.WindowMinutes, &r.Severity, &r.Enabled, &r.NotificationChannels,
		&r.CreatedAt, &r.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func scanHistory(row pgx.Row) (*History, error) {
	var h History
	if err := row.Scan(&h.ID, &h.RuleID, &h.TriggeredAt, &h.ResolvedAt, &h.ObservedValue, &h.NotificationSent); err != nil {
		return nil, err
	}
	return &h, nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// CreateRule inserts a new rule.
func (s *Store) CreateRule(ctx context.Context, input CreateRuleInput) (*Rule, error) {
	now := time.Now().UTC()
	row := s.pool.QueryRow(ctx,
		`INSERT INTO alert_rules (id, name, source_filter, metric_name, condition, threshold,
			window_minutes, severity, enabled, notification_channels, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $11)
		RETURNING `+ruleColumns,
		uuid.NewString(), input.Name, nullable(input.SourceFilter), input.MetricName,
		input.Condition, *input.Threshold, input.WindowMinutes, input.Severity,
		*input.Enabled, input.NotificationChannels, now,
	)
	r, err := scanRule(row)
	if err != nil {
		return nil, fmt.Errorf("creating rule: %w", err)
	}
	return r, nil
}

// GetRule retrieves a rule by its ID.
func (s *Store) GetRule(ctx context.Context, id string) (*Rule, error) {
	r, err := scanRule(s.pool.QueryRow(ctx,
		`SELECT `+ruleColumns+` FROM alert_rules WHERE id = $1`, id))
	if err != nil {
		return nil, storage.NotFound(err, "getting rule")
	}
	return r, nil
}

// ListRules returns every rule ordered by creation.
func (s *Store) ListRules(ctx context.Context) ([]*Rule, error) {
	return s.queryRules(ctx, `SELECT `+ruleColumns+` FROM alert_rules ORDER BY created_at, id`)
}

// ListEnabled returns the rules the evaluator considers.
func (s *Store) ListEnabled(ctx context.Context) ([]*Rule, error) {
	return s.queryRules(ctx, `SELECT `+ruleColumns+` FROM alert_rules WHERE enabled ORDER BY created_at, id`)
}

func (s *Store) queryRules(ctx context.Context, query string) ([]*Rule, error) {
	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("listing rules: %w", err)
	}
	defer rows.Close()

	var rules []*Rule
	for rows.Next() {
		r, err := scanRule(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning rule row: %w", err)
		}
		rules = append(rules, r)
	}
	return rules, rows.Err()
}

// UpdateRule applies a partial update to a rule and returns the updated row.
func (s *Store) UpdateRule(ctx context.Context, id string, input UpdateRuleInput) (*Rule, error) {
	setClauses := []string{}
	args := []any{}

	set := func(col string, v any) {
		args = append(args, v)
		setClauses = append(setClauses, fmt.Sprintf("%s = $%d", col, len(args)))
	}
	if input.Name != nil {
		set("name", strings.TrimSpace(*input.Name))
	}
	if input.SourceFilter != nil {
		set("source_filter", nullable(*input.SourceFilter))
	}
	if input.MetricName != nil {
		set("metric_name", *input.MetricName)
	}
	if input.Condition != nil {
		set("condition", *input.Condition)
	}
	if input.Threshold != nil {
		set("threshold", *input.Threshold)
	}
	if input.WindowMinutes != nil {
		set("window_minutes", *input.WindowMinutes)
	}
	if input.Severity != nil {
		set("severity", *input.Severity)
	}
	if input.Enabled != nil {
		set("enabled", *input.Enabled)
	}
	if input.NotificationChannels != nil {
		set("notification_channels", *input.NotificationChannels)
	}

	if len(setClauses) == 0 {
		return s.GetRule(ctx, id)
	}
	set("updated_at", time.Now().UTC())
	args = append(args, id)

	query := fmt.Sprintf(`UPDATE alert_rules SET %s WHERE id = $%d RETURNING %s`,
		strings.Join(setClauses, ", "), len(args), ruleColumns)

	r, err := scanRule(s.pool.QueryRow(ctx, query, args...))
	if err != nil {
		return nil, storage.NotFound(err, "updating rule")
	}
	return r, nil
}

// DeleteRule removes a rule that has no open alert. Its past alerts stay in
// the history with no rule attached.
func (s *Store) DeleteRule(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM alert_rules r WHERE r.id = $1 AND NOT EXISTS (
			SELECT 1 FROM alert_history h WHERE h.rule_id = r.id AND h.resolved_at IS NULL)`, id)
	if err != nil {
		return fmt.Errorf("deleting rule: %w", err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}

	var exists bool
	if err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM alert_rules WHERE id = $1)`, id).Scan(&exists); err != nil {
		return fmt.Errorf("deleting rule: %w", err)
	}
	if exists {
		return ErrRuleHasOpenAlert
	}
	return fmt.Errorf("deleting rule: %w", storage.ErrNotFound)
}

// OpenAlert returns the open history row for a rule, or nil when there is none.
func (s *Store) OpenAlert(ctx context.Context, ruleID string) (*History, error) {
	h, err := scanHistory(s.pool.QueryRow(ctx,
		`SELECT `+historyColumns+` FROM alert_history
		WHERE rule_id = $1 AND resolved_at IS NULL`, ruleID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting open alert: %w", err)
	}
	return h, nil
}

// ListUnnotified returns open alerts whose trigger notification never went
// out, oldest first.
func (s *Store) ListUnnotified(ctx context.Context) ([]*History, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+historyColumns+` FROM alert_history
		WHERE resolved_at IS NULL AND notification_sent = false
		ORDER BY triggered_at`)
	if err != nil {
		return nil, fmt.Errorf("listing unnotified alerts: %w", err)
	}
	defer rows.Close()

	var out []*History
	for rows.Next() {
		h, err := scanHistory(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning unnotified alert: %w", err)
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

// GetHistory retrieves one history row by ID.
func (s *Store) GetHistory(ctx context.Context, id string) (*History, error) {
	h, err := scanHistory(s.pool.QueryRow(ctx,
		`SELECT `+historyColumns+` FROM alert_history WHERE id = $1`, id))
	if err != nil {
		return nil, storage.NotFound(err, "getting alert")
	}
	return h, nil
}

// CreateAlert inserts an open history row. The partial unique index on
// rule_id makes a second open row fail with ErrAlreadyOpen.
func (s *Store) CreateAlert(ctx context.Context, h *History) error {
	if h.ID == "" {
		h.ID = uuid.NewString()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO alert_history (id, rule_id, triggered_at, observed_value, notification_sent)
		VALUES ($1, $2, $3, $4, false)`,
		h.ID, h.RuleID, h.TriggeredAt, h.ObservedValue)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrAlreadyOpen
		}
		return fmt.Errorf("creating alert: %w", err)
	}
	return nil
}

// ResolveAlert closes an open history row. Resolving an already resolved or
// missing row returns storage.ErrNotFound.
func (s *Store) ResolveAlert(ctx context.Context, id string, at time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE alert_history SET resolved_at = $2 WHERE id = $1 AND resolved_at IS NULL`, id, at)
	if err != nil {
		return fmt.Errorf("resolving alert: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("resolving alert: %w", storage.ErrNotFound)
	}
	return nil
}

// MarkNotified sets notification_sent on a history row.
func (s *Store) MarkNotified(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `UPDATE alert_history SET notification_sent = true WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("marking alert notified: %w", err)
	}
	return nil
}

// ListHistory returns history rows, newest first.
func (s *Store) ListHistory(ctx context.Context, q HistoryQuery) ([]*History, error) {
	var conditions []string
	var args []any
	if q.RuleID != "" {
		args = append(args, q.RuleID)
		conditions = append(conditions, fmt.Sprintf("rule_id = $%d", len(args)))
	}
	if q.OpenOnly {
		conditions = append(conditions, "resolved_at IS NULL")
	}
	where := ""
	if len(conditions) > 0 {
		where = " WHERE " + strings.Join(conditions, " AND ")
	}
	args = append(args, q.Limit)

	rows, err := s.pool.Query(ctx,
		`SELECT `+historyColumns+` FROM alert_history`+where+
			` ORDER BY triggered_at DESC LIMIT $`+strconv.Itoa(len(args)), args...)
	if err != nil {
		return nil, fmt.Errorf("listing alert history: %w", err)
	}
	defer rows.Close()

	var out []*History
	for rows.Next() {
		h, err := scanHistory(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning alert history row: %w", err)
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

// Counts returns how many alerts triggered in [from, to) and how many are
// currently open.
func (s *Store) Counts(ctx context.Context, from, to time.Time) (triggered, open int64, err error) {
	err = s.pool.QueryRow(ctx,
		`SELECT
			COUNT(*) FILTER (WHERE triggered_at >= $1 AND triggered_at < $2),
			COUNT(*) FILTER (WHERE resolved_at IS NULL)
		FROM alert_history`, from, to).Scan(&triggered, &open)
	if err != nil {
		return 0, 0, fmt.Errorf("counting alerts: %w", err)
	}
	return triggered, open, nil
}

// DeleteResolvedBefore removes resolved history rows resolved before cutoff.
// Open rows are never deleted.
func (s *Store) DeleteResolvedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM alert_history WHERE resolved_at IS NOT NULL AND resolved_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("deleting expired alert history: %w", err)
	}
	return tag.RowsAffected(), nil
}
