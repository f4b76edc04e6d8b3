package alert

import (
	"context"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type captureRuleStore struct {
	created *CreateRuleInput
	updated *UpdateRuleInput
}

func (c *captureRuleStore) CreateRule(ctx context.Context, input CreateRuleInput) (*Rule, error) {
	c.created = &input
	return &Rule{ID: "r1", Name: input.Name, Severity: input.Severity, Enabled: *input.Enabled}, nil
}
func (c *captureRuleStore) GetRule(ctx context.Context, id string) (*Rule, error) {
	return &Rule{ID: id}, nil
}
func (c *captureRuleStore) ListRules(ctx context.Context) ([]*Rule, error) { return nil, nil }
func (c *captureRuleStore) UpdateRule(ctx context.Context, id string, input UpdateRuleInput) (*Rule, error) {
	c.updated = &input
	return &Rule{ID: id}, nil
}
func (c *captureRuleStore) DeleteRule(ctx context.Context, id string) error { return nil }
func (c *captureRuleStore) ListHistory(ctx context.Context, q HistoryQuery) ([]*History, error) {
	return nil, nil
}

func ptr[T any](v T) *T { return &v }

func validInput() CreateRuleInput {
	return CreateRuleInput{
		Name:                 "api errors",
		MetricName:           "error_rate",
		Condition:            ConditionGreater,
		Threshold:            ptr(0.1),
		NotificationChannels: []string{"slack"},
	}
}

func TestService_CreateDefaults(t *testing.T) {
	store := &captureRuleStore{}
	svc := NewService(store)

	r, err := svc.Create(context.Background(), validInput())
	require.NoError(t, err)
	assert.Equal(t, SeverityWarning, r.Severity)
	assert.True(t, r.Enabled)
	assert.Equal(t, 5, store.created.WindowMinutes)
}

func TestService_CreateValidation(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*CreateRuleInput)
		want   error
	}{
		{"missing name", func(in *CreateRuleInput) { in.Name = "  " }, ErrNameRequired},
		{"missing metric", func(in *CreateRuleInput) { in.MetricName = "" }, ErrMetricRequired},
		{"bad condition", func(in *CreateRuleInput) { in.Condition = ">=" }, ErrConditionInvalid},
		{"missing threshold", func(in *CreateRuleInput) { in.Threshold = nil }, ErrThresholdRequired},
		{"nan threshold", func(in *CreateRuleInput) { in.Threshold = ptr(math.NaN()) }, ErrThresholdInvalid},
		{"window too large", func(in *CreateRuleInput) { in.WindowMinutes = 20000 }, ErrWindowInvalid},
		{"negative window", func(in *CreateRuleInput) { in.WindowMinutes = -1 }, ErrWindowInvalid},
		{"bad severity", func(in *CreateRuleInput) { in.Severity = "page" }, ErrSeverityInvalid},
		{"no channels", func(in *CreateRuleInput) { in.NotificationChannels = nil }, ErrChannelsRequired},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := &captureRuleStore{}
			in := validInput()
			tt.mutate(&in)
			_, err := NewService(store).Create(context.Background(), in)
			require.ErrorIs(t, err, tt.want)
			assert.True(t, IsValidationError(err))
			assert.Nil(t, store.created, "invalid rules never reach the store")
		})
	}
}

func TestService_PartialUpdate(t *testing.T) {
	store := &captureRuleStore{}
	svc := NewService(store)

	_, err := svc.Update(context.Background(), "r1", UpdateRuleInput{Enabled: ptr(false), Threshold: ptr(0.5)})
	require.NoError(t, err)
	require.NotNil(t, store.updated)
	assert.Nil(t, store.updated.Name)
	assert.Equal(t, 0.5, *store.updated.Threshold)

	_, err = svc.Update(context.Background(), "r1", UpdateRuleInput{Severity: ptr(Severity("loud"))})
	assert.ErrorIs(t, err, ErrSeverityInvalid)
	_, err = svc.Update(context.Background(), "r1", UpdateRuleInput{NotificationChannels: ptr([]string{})})
	assert.ErrorIs(t, err, ErrChannelsRequired)
}
