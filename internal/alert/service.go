package alert

import (
	"context"
	"errors"
	"math"
	"strings"
)

// Validation errors returned by the Service layer.
var (
	ErrNameRequired      = errors.New("name is required")
	ErrMetricRequired    = errors.New("metric_name is required")
	ErrConditionInvalid  = errors.New("condition must be one of: >, <, =")
	ErrThresholdRequired = errors.New("threshold is required")
	ErrThresholdInvalid  = errors.New("threshold must be a finite number")
	ErrWindowInvalid     = errors.New("window_minutes must be between 1 and 10080")
	ErrSeverityInvalid   = errors.New("severity must be one of: info, warning, critical")
	ErrChannelsRequired  = errors.New("notification_channels must name at least one channel")
)

const maxWindowMinutes = 7 * 24 * 60

// RuleStore is the persistence the Service needs.
type RuleStore interface {
	CreateRule(ctx context.Context, input CreateRuleInput) (*Rule, error)
	GetRule(ctx context.Context, id string) (*Rule, error)
	ListRules(ctx context.Context) ([]*Rule, error)
	UpdateRule(ctx context.Context, id string, input UpdateRuleInput) (*Rule, error)
	DeleteRule(ctx context.Context, id string) error
	ListHistory(ctx context.Context, q HistoryQuery) ([]*History, error)
}

// Service provides validated rule management over a RuleStore.
type Service struct {
	store RuleStore
}

// NewService creates a new Service wrapping the given store.
func NewService(store RuleStore) *Service {
	return &Service{store: store}
}

// Create validates the input and creates the rule. Rules are enabled unless
// the input says otherwise.
func (s *Service) Create(ctx context.Context, input CreateRuleInput) (*Rule, error) {
	if input.Severity == "" {
		input.Severity = SeverityWarning
	}
	if input.WindowMinutes == 0 {
		input.WindowMinutes = 5
	}
	if input.Enabled == nil {
		enabled := true
		input.Enabled = &enabled
	}
	input.Name = strings.TrimSpace(input.Name)
	if err := validateCreate(input); err != nil {
		return nil, err
	}
	return s.store.CreateRule(ctx, input)
}

func (s *Service) Get(ctx context.Context, id string) (*Rule, error) {
	return s.store.GetRule(ctx, id)
}

func (s *Service) List(ctx context.Context) ([]*Rule, error) {
	return s.store.ListRules(ctx)
}

// Update validates and applies a partial update. History rows are untouched.
func (s *Service) Update(ctx context.Context, id string, input UpdateRuleInput) (*Rule, error) {
	if err := validateUpdate(input); err != nil {
		return nil, err
	}
	return s.store.UpdateRule(ctx, id, input)
}

func (s *Service) Delete(ctx context.Context, id string) error {
	return s.store.DeleteRule(ctx, id)
}

// History lists alert occurrences.
func (s *Service) History(ctx context.Context, q HistoryQuery) ([]*History, error) {
	if q.Limit <= 0 || q.Limit > 500 {
		q.Limit = 100
	}
	return s.store.ListHistory(ctx, q)
}

func validateThreshold(v *float64) error {
	if v == nil {
		return ErrThresholdRequired
	}
	if math.IsNaN(*v) || math.IsInf(*v, 0) {
		return ErrThresholdInvalid
	}
	return nil
}

func validateChannels(chs []string) error {
	if len(chs) == 0 {
		return ErrChannelsRequired
	}
	for _, c := range chs {
		if strings.TrimSpace(c) == "" {
			return ErrChannelsRequired
		}
	}
	return nil
}

// validateCreate checks that all required fields are present and valid.
func validateCreate(input CreateRuleInput) error {
	if input.Name == "" {
		return ErrNameRequired
	}
	if strings.TrimSpace(input.MetricName) == "" {
		return ErrMetricRequired
	}
	if !input.Condition.Valid() {
		return ErrConditionInvalid
	}
	if err := validateThreshold(input.Threshold); err != nil {
		return err
	}
	if input.WindowMinutes < 1 || input.WindowMinutes > maxWindowMinutes {
		return ErrWindowInvalid
	}
	if !input.Severity.Valid() {
		return ErrSeverityInvalid
	}
	return validateChannels(input.NotificationChannels)
}

// validateUpdate checks that any provided fields are valid.
func validateUpdate(input UpdateRuleInput) error {
	if input.Name != nil && strings.TrimSpace(*input.Name) == "" {
		return ErrNameRequired
	}
	if input.MetricName != nil && strings.TrimSpace(*input.MetricName) == "" {
		return ErrMetricRequired
	}
	if input.Condition != nil && !input.Condition.Valid() {
		return ErrConditionInvalid
	}
	if input.Threshold != nil {
		if err := validateThreshold(input.Threshold); err != nil {
			return err
		}
	}
	if input.WindowMinutes != nil && (*input.WindowMinutes < 1 || *input.WindowMinutes > maxWindowMinutes) {
		return ErrWindowInvalid
	}
	if input.Severity != nil && !input.Severity.Valid() {
		return ErrSeverityInvalid
	}
	if input.NotificationChannels != nil {
		return validateChannels(*input.NotificationChannels)
	}
	return nil
}

// IsValidationError reports whether err is one of the Service's validation
// errors.
func IsValidationError(err error) bool {
	for _, v := range []error{
		ErrNameRequired, ErrMetricRequired, ErrConditionInvalid, ErrThresholdRequired,
		ErrThresholdInvalid, ErrWindowInvalid, ErrSeverityInvalid, ErrChannelsRequired,
	} {
		if errors.Is(err, v) {
			return true
		}
	}
	return false
}
