package alert

import (
	"math"
	"time"
)

// Condition compares a rule's decision value against its threshold.
type Condition string

const (
	ConditionGreater Condition = ">"
	ConditionLess    Condition = "<"
	ConditionEqual   Condition = "="
)

// equalTolerance absorbs float noise for the "=" condition.
const equalTolerance = 1e-9

// Holds reports whether value satisfies the condition against threshold.
func (c Condition) Holds(value, threshold float64) bool {
	switch c {
	case ConditionGreater:
		return value > threshold
	case ConditionLess:
		return value < threshold
	case ConditionEqual:
		return math.Abs(value-threshold) <= equalTolerance
	}
	return false
}

func (c Condition) Valid() bool {
	return c == ConditionGreater || c == ConditionLess || c == ConditionEqual
}

type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

func (s Severity) Valid() bool {
	return s == SeverityInfo || s == SeverityWarning || s == SeverityCritical
}

// Rule is an operator-defined threshold rule.
type Rule struct {
	ID                   string    `json:"id"`
	Name                 string    `json:"name"`
	SourceFilter         string    `json:"source_filter,omitempty"`
	MetricName           string    `json:"metric_name"`
	Condition            Condition `json:"condition"`
	Threshold            float64   `json:"threshold"`
	WindowMinutes        int       `json:"window_minutes"`
	Severity             Severity  `json:"severity"`
	Enabled              bool      `json:"enabled"`
	NotificationChannels []string  `json:"notification_channels"`
	CreatedAt            time.Time `json:"created_at"`
	UpdatedAt            time.Time `json:"updated_at"`
}

// Window returns the lookback duration of the rule.
func (r Rule) Window() time.Duration {
	return time.Duration(r.WindowMinutes) * time.Minute
}

// History is one alert occurrence. It is open while ResolvedAt is nil.
type History struct {
	ID               string     `json:"id"`
	RuleID           string     `json:"rule_id"`
	TriggeredAt      time.Time  `json:"triggered_at"`
	ResolvedAt       *time.Time `json:"resolved_at,omitempty"`
	ObservedValue    float64    `json:"observed_value"`
	NotificationSent bool       `json:"notification_sent"`
}

func (h History) Open() bool { return h.ResolvedAt == nil }

// CreateRuleInput holds the fields required to create a rule.
type CreateRuleInput struct {
	Name                 string    `json:"name"`
	SourceFilter         string    `json:"source_filter"`
	MetricName           string    `json:"metric_name"`
	Condition            Condition `json:"condition"`
	Threshold            *float64  `json:"threshold"`
	WindowMinutes        int       `json:"window_minutes"`
	Severity             Severity  `json:"severity"`
	Enabled              *bool     `json:"enabled"`
	NotificationChannels []string  `json:"notification_channels"`
}

// UpdateRuleInput holds the fields that can be updated on a rule.
// All fields are optional; only non-nil fields are applied.
type UpdateRuleInput struct {
	Name                 *string    `json:"name"`
	SourceFilter         *string    `json:"source_filter"`
	MetricName           *string    `json:"metric_name"`
	Condition            *Condition `json:"condition"`
	Threshold            *float64   `json:"threshold"`
	WindowMinutes        *int       `json:"window_minutes"`
	Severity             *Severity  `json:"severity"`
	Enabled              *bool      `json:"enabled"`
	NotificationChannels *[]string  `json:"notification_channels"`
}

// HistoryQuery filters alert history listings.
type HistoryQuery struct {
	RuleID   string `json:"rule_id,omitempty"`
	OpenOnly bool   `json:"open_only,omitempty"`
	Limit    int    `json:"limit"`
}

// Summary reports what one evaluation cycle did.
type Summary struct {
	Evaluated int `json:"evaluated"`
	Skipped   int `json:"skipped"`
	Triggered int `json:"triggered"`
	Resolved  int `json:"resolved"`
	Failed    int `json:"failed"`
}
