// Package notify delivers alert and cost events to external channels from a
// retryable queue.
package notify

import (
	"time"

	"github.com/google/uuid"
)

// Kind distinguishes the event a Message carries.
type Kind string

const (
	KindTrigger Kind = "trigger"
	KindResolve Kind = "resolve"
	KindCost    Kind = "cost"
)

// Message is one queued notification. Attempts is maintained by the queue.
type Message struct {
	ID        string    `json:"id"`
	Kind      Kind      `json:"kind"`
	RuleID    string    `json:"rule_id,omitempty"`
	HistoryID string    `json:"history_id,omitempty"`
	RuleName  string    `json:"rule_name,omitempty"`
	Severity  string    `json:"severity"`
	Metric    string    `json:"metric,omitempty"`
	Threshold *float64  `json:"threshold,omitempty"`
	Value     *float64  `json:"value,omitempty"`
	Channels  []string  `json:"channels"`
	Title     string    `json:"title"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
	Attempts  int       `json:"attempts"`
}

// NewMessage returns a Message with a fresh ID and the current time.
func NewMessage(kind Kind) Message {
	return Message{
		ID:        uuid.NewString(),
		Kind:      kind,
		Timestamp: time.Now().UTC(),
	}
}

// Payload is what a Channel receives for one Message.
type Payload struct {
	Kind      Kind      `json:"kind"`
	Severity  string    `json:"severity"`
	Title     string    `json:"title"`
	Message   string    `json:"message"`
	Metric    string    `json:"metric,omitempty"`
	Value     *float64  `json:"value,omitempty"`
	Threshold *float64  `json:"threshold,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Payload converts the message into the channel-facing payload.
func (m Message) Payload() Payload {
	return Payload{
		Kind:      m.Kind,
		Severity:  m.Severity,
		Title:     m.Title,
		Message:   m.Message,
		Metric:    m.Metric,
		Value:     m.Value,
		Threshold: m.Threshold,
		Timestamp: m.Timestamp,
	}
}
