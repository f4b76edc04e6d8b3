package alert

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/alecgard/beacon/internal/aggregation"
	"github.com/alecgard/beacon/internal/notify"
)

// RuleLister returns the rules an evaluation cycle considers.
type RuleLister interface {
	ListEnabled(ctx context.Context) ([]*Rule, error)
}

// HistoryStore persists alert transitions.
type HistoryStore interface {
	OpenAlert(ctx context.Context, ruleID string) (*History, error)
	GetHistory(ctx context.Context, id string) (*History, error)
	CreateAlert(ctx context.Context, h *History) error
	ResolveAlert(ctx context.Context, id string, at time.Time) error
}

// AggregateSource loads persisted aggregates for rule lookback windows.
type AggregateSource interface {
	Since(ctx context.Context, since time.Time) ([]aggregation.AggregatedMetric, error)
}

// Publisher enqueues notifications.
type Publisher interface {
	Enqueue(ctx context.Context, msg notify.Message) error
}

// MetricsRecorder is an optional interface for recording alert metrics.
type MetricsRecorder interface {
	IncAlertTransition(transition, severity string)
}

// Evaluator turns fresh aggregates into alert transitions. It is the only
// writer of alert history state; cycles are serialized.
type Evaluator struct {
	mu        sync.Mutex
	rules     RuleLister
	history   HistoryStore
	source    AggregateSource
	publisher Publisher
	logger    *slog.Logger
	metrics   MetricsRecorder
	now       func() time.Time

	maxLookback time.Duration
}

// NewEvaluator creates an Evaluator. source may be nil, in which case only the
// batch handed to Evaluate is considered.
func NewEvaluator(rules RuleLister, history HistoryStore, source AggregateSource, publisher Publisher, logger *slog.Logger) *Evaluator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Evaluator{
		rules:     rules,
		history:   history,
		source:    source,
		publisher: publisher,
		logger:    logger,
		now:       time.Now,
	}
}

// SetMetrics sets the optional metrics recorder.
func (e *Evaluator) SetMetrics(m MetricsRecorder) {
	e.metrics = m
}

// SetMaxLookback caps how far back recent aggregates are loaded. Zero means
// no cap beyond the widest rule window.
func (e *Evaluator) SetMaxLookback(d time.Duration) {
	e.maxLookback = d
}

func matches(r *Rule, inputs []string, m aggregation.AggregatedMetric) bool {
	if r.SourceFilter != "" && r.SourceFilter != m.SourceID {
		return false
	}
	for _, name := range inputs {
		if m.MetricName == name {
			return true
		}
	}
	return false
}

type aggregateKey struct {
	source, metric string
	start          time.Time
}

// Evaluate runs one cycle over the rules matched by batch. A rule that fails
// is logged and counted; the other rules still run.
func (e *Evaluator) Evaluate(ctx context.Context, batch []aggregation.AggregatedMetric) (Summary, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	var sum Summary
	rules, err := e.rules.ListEnabled(ctx)
	if err != nil {
		return sum, fmt.Errorf("listing enabled rules: %w", err)
	}
	now := e.now()

	type candidate struct {
		rule    *Rule
		reducer Reducer
	}
	var candidates []candidate
	var lookback time.Duration
	for _, r := range rules {
		red := ReducerFor(r.MetricName)
		hit := false
		for _, m := range batch {
			if matches(r, red.Inputs, m) {
				hit = true
				break
			}
		}
		if !hit {
			sum.Skipped++
			continue
		}
		candidates = append(candidates, candidate{rule: r, reducer: red})
		lookback = max(lookback, r.Window())
	}
	if len(candidates) == 0 {
		return sum, nil
	}

	if e.maxLookback > 0 {
		lookback = min(lookback, e.maxLookback)
	}

	fresh := make(map[aggregateKey]bool, len(batch))
	for _, m := range batch {
		fresh[keyOf(m)] = true
	}
	pool := batch
	if e.source != nil {
		recent, err := e.source.Since(ctx, now.Add(-lookback))
		if err != nil {
			e.logger.Warn("loading recent aggregates, evaluating batch only", "error", err)
		} else {
			pool = mergeAggregates(batch, recent)
		}
	}

	for _, c := range candidates {
		cutoff := now.Add(-c.rule.Window())
		var ms []aggregation.AggregatedMetric
		for _, m := range pool {
			if matches(c.rule, c.reducer.Inputs, m) && (fresh[keyOf(m)] || inWindow(m, cutoff)) {
				ms = append(ms, m)
			}
		}
		if len(ms) == 0 {
			sum.Skipped++
			continue
		}

		sum.Evaluated++
		value := c.reducer.Reduce(ms)
		switch res, err := e.transition(ctx, c.rule, value, now); {
		case err != nil:
			sum.Failed++
			e.logger.Error("evaluating rule", "rule_id", c.rule.ID, "rule", c.rule.Name, "error", err)
		case res == outcomeTriggered:
			sum.Triggered++
		case res == outcomeResolved:
			sum.Resolved++
		}
	}
	return sum, nil
}

func keyOf(m aggregation.AggregatedMetric) aggregateKey {
	return aggregateKey{m.SourceID, m.MetricName, m.WindowStart.UTC()}
}

// inWindow places a stored aggregate by the midpoint of its window. An
// aggregate cut one rollup period ago then lies clearly outside a rule window
// of the same length instead of on its edge.
func inWindow(m aggregation.AggregatedMetric, cutoff time.Time) bool {
	mid := m.WindowStart.Add(m.WindowEnd.Sub(m.WindowStart) / 2)
	return mid.After(cutoff)
}

func mergeAggregates(batch, recent []aggregation.AggregatedMetric) []aggregation.AggregatedMetric {
	seen := make(map[aggregateKey]bool, len(batch)+len(recent))
	out := make([]aggregation.AggregatedMetric, 0, len(batch)+len(recent))
	for _, set := range [][]aggregation.AggregatedMetric{batch, recent} {
		for _, m := range set {
			k := aggregateKey{m.SourceID, m.MetricName, m.WindowStart.UTC()}
			if seen[k] {
				continue
			}
			seen[k] = true
			out = append(out, m)
		}
	}
	return out
}

type outcome int

const (
	outcomeNone outcome = iota
	outcomeTriggered
	outcomeResolved
)

func (e *Evaluator) transition(ctx context.Context, r *Rule, value float64, now time.Time) (outcome, error) {
	open, err := e.history.OpenAlert(ctx, r.ID)
	if err != nil {
		return outcomeNone, err
	}
	breached := r.Condition.Holds(value, r.Threshold)

	switch {
	case breached && open == nil:
		h := &History{RuleID: r.ID, TriggeredAt: now.UTC(), ObservedValue: value}
		if err := e.history.CreateAlert(ctx, h); err != nil {
			if errors.Is(err, ErrAlreadyOpen) {
				return outcomeNone, nil
			}
			return outcomeNone, err
		}
		e.record("triggered", r.Severity)
		e.publish(ctx, triggerMessage(r, h, value))
		return outcomeTriggered, nil

	case !breached && open != nil:
		resolvedAt := now.UTC()
		if err := e.history.ResolveAlert(ctx, open.ID, resolvedAt); err != nil {
			return outcomeNone, err
		}
		open.ResolvedAt = &resolvedAt
		e.record("resolved", r.Severity)
		e.publish(ctx, resolveMessage(r, open, value, "condition cleared"))
		return outcomeResolved, nil
	}
	return outcomeNone, nil
}

// Resolve closes an open alert on operator request. It takes the same lock as
// Evaluate so manual and automatic transitions never race.
func (e *Evaluator) Resolve(ctx context.Context, historyID string, rule *Rule) (*History, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	h, err := e.history.GetHistory(ctx, historyID)
	if err != nil {
		return nil, err
	}
	now := e.now().UTC()
	if err := e.history.ResolveAlert(ctx, h.ID, now); err != nil {
		return nil, err
	}
	h.ResolvedAt = &now
	if rule != nil {
		e.record("resolved", rule.Severity)
		e.publish(ctx, resolveMessage(rule, h, h.ObservedValue, "resolved manually"))
	}
	return h, nil
}

// UnnotifiedSource finds open alerts whose trigger notification never went
// out and the rules they belong to.
type UnnotifiedSource interface {
	ListUnnotified(ctx context.Context) ([]*History, error)
	GetRule(ctx context.Context, id string) (*Rule, error)
}

// Renotify enqueues the trigger notification again for every open alert not
// yet marked notified, such as one whose message was still queued in memory
// when the process stopped. It returns how many were enqueued.
func (e *Evaluator) Renotify(ctx context.Context, src UnnotifiedSource) (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	open, err := src.ListUnnotified(ctx)
	if err != nil {
		return 0, fmt.Errorf("listing unnotified alerts: %w", err)
	}
	var n int
	for _, h := range open {
		r, err := src.GetRule(ctx, h.RuleID)
		if err != nil {
			e.logger.Warn("skipping unnotified alert", "history_id", h.ID, "rule_id", h.RuleID, "error", err)
			continue
		}
		e.publish(ctx, triggerMessage(r, h, h.ObservedValue))
		n++
	}
	return n, nil
}

// GetHistory returns one history row.
func (e *Evaluator) GetHistory(ctx context.Context, id string) (*History, error) {
	return e.history.GetHistory(ctx, id)
}

func (e *Evaluator) record(transition string, sev Severity) {
	if e.metrics != nil {
		e.metrics.IncAlertTransition(transition, string(sev))
	}
}

// publish enqueues msg. A failed enqueue leaves the history row with
// notification_sent=false and is only logged.
func (e *Evaluator) publish(ctx context.Context, msg notify.Message) {
	if e.publisher == nil {
		return
	}
	if err := e.publisher.Enqueue(ctx, msg); err != nil {
		e.logger.Error("enqueueing notification",
			"kind", msg.Kind, "rule_id", msg.RuleID, "history_id", msg.HistoryID, "error", err)
	}
}

func triggerMessage(r *Rule, h *History, value float64) notify.Message {
	msg := notify.NewMessage(notify.KindTrigger)
	threshold := r.Threshold
	msg.RuleID = r.ID
	msg.HistoryID = h.ID
	msg.RuleName = r.Name
	msg.Severity = string(r.Severity)
	msg.Metric = r.MetricName
	msg.Threshold = &threshold
	msg.Value = &value
	msg.Channels = r.NotificationChannels
	msg.Title = fmt.Sprintf("[%s] %s triggered", r.Severity, r.Name)
	msg.Message = fmt.Sprintf("%s is %.4g, condition %s %.4g", r.MetricName, value, r.Condition, r.Threshold)
	if r.SourceFilter != "" {
		msg.Message += " on " + r.SourceFilter
	}
	msg.Timestamp = h.TriggeredAt
	return msg
}

func resolveMessage(r *Rule, h *History, value float64, reason string) notify.Message {
	msg := notify.NewMessage(notify.KindResolve)
	threshold := r.Threshold
	msg.RuleID = r.ID
	msg.HistoryID = h.ID
	msg.RuleName = r.Name
	msg.Severity = string(SeverityInfo)
	msg.Metric = r.MetricName
	msg.Threshold = &threshold
	msg.Value = &value
	msg.Channels = r.NotificationChannels
	msg.Title = fmt.Sprintf("[resolved] %s", r.Name)
	msg.Message = fmt.Sprintf("%s is %.4g, %s", r.MetricName, value, reason)
	if h.ResolvedAt != nil {
		msg.Timestamp = *h.ResolvedAt
	}
	return msg
}
