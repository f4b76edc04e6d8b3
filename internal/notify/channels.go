package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/alecgard/beacon/internal/config"
)

// Channel delivers one payload to an external destination.
type Channel interface {
	Name() string
	Send(ctx context.Context, p Payload) error
}

const defaultChannelTimeout = 10 * time.Second

// NewChannels builds the configured channels keyed by name.
func NewChannels(cfgs map[string]config.ChannelConfig, logger *slog.Logger) (map[string]Channel, error) {
	out := make(map[string]Channel, len(cfgs))
	for name, c := range cfgs {
		timeout := c.Timeout
		if timeout <= 0 {
			timeout = defaultChannelTimeout
		}
		hc := &http.Client{Timeout: timeout}
		switch c.Type {
		case "log":
			out[name] = NewLogChannel(name, logger)
		case "slack":
			out[name] = &SlackChannel{name: name, url: c.URL, client: hc}
		case "teams":
			out[name] = &TeamsChannel{name: name, url: c.URL, client: hc}
		case "webhook":
			out[name] = &WebhookChannel{name: name, url: c.URL, headers: c.Headers, client: hc}
		default:
			return nil, fmt.Errorf("channel %s: unknown type %q", name, c.Type)
		}
	}
	return out, nil
}

// LogChannel writes payloads to the structured log. It never fails.
type LogChannel struct {
	name   string
	logger *slog.Logger
}

func NewLogChannel(name string, logger *slog.Logger) *LogChannel {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogChannel{name: name, logger: logger}
}

func (c *LogChannel) Name() string { return c.name }

func (c *LogChannel) Send(ctx context.Context, p Payload) error {
	attrs := []any{
		"channel", c.name,
		"kind", p.Kind,
		"severity", p.Severity,
		"title", p.Title,
		"message", p.Message,
		"timestamp", p.Timestamp,
	}
	if p.Value != nil {
		attrs = append(attrs, "value", *p.Value)
	}
	if p.Threshold != nil {
		attrs = append(attrs, "threshold", *p.Threshold)
	}
	c.logger.Warn("notification", attrs...)
	return nil
}

// SlackPayload is the incoming-webhook body Slack expects.
type SlackPayload struct {
	Text        string            `json:"text"`
	Attachments []SlackAttachment `json:"attachments,omitempty"`
}

type SlackAttachment struct {
	Color     string       `json:"color,omitempty"`
	Title     string       `json:"title,omitempty"`
	Text      string       `json:"text,omitempty"`
	Fields    []SlackField `json:"fields,omitempty"`
	Timestamp int64        `json:"ts,omitempty"`
	Footer    string       `json:"footer,omitempty"`
}

type SlackField struct {
	Title string `json:"title"`
	Value string `json:"value"`
	Short bool   `json:"short"`
}

// SlackChannel posts to a Slack incoming webhook.
type SlackChannel struct {
	name   string
	url    string
	client *http.Client
}

func (c *SlackChannel) Name() string { return c.name }

func slackColor(p Payload) string {
	if p.Kind == KindResolve {
		return "good"
	}
	switch p.Severity {
	case "critical":
		return "danger"
	case "warning":
		return "warning"
	default:
		return "good"
	}
}

// BuildSlackPayload renders p as a Slack attachment.
func BuildSlackPayload(p Payload) SlackPayload {
	var fields []SlackField
	if p.Metric != "" {
		fields = append(fields, SlackField{Title: "Metric", Value: p.Metric, Short: true})
	}
	fields = append(fields, SlackField{Title: "Severity", Value: p.Severity, Short: true})
	if p.Value != nil {
		fields = append(fields, SlackField{Title: "Value", Value: formatFloat(*p.Value), Short: true})
	}
	if p.Threshold != nil {
		fields = append(fields, SlackField{Title: "Threshold", Value: formatFloat(*p.Threshold), Short: true})
	}
	return SlackPayload{
		Text: p.Title,
		Attachments: []SlackAttachment{{
			Color:     slackColor(p),
			Title:     p.Title,
			Text:      p.Message,
			Fields:    fields,
			Timestamp: p.Timestamp.Unix(),
			Footer:    "beacon",
		}},
	}
}

func (c *SlackChannel) Send(ctx context.Context, p Payload) error {
	return postJSON(ctx, c.client, c.url, nil, BuildSlackPayload(p))
}

// TeamsPayload is a Microsoft Teams MessageCard.
type TeamsPayload struct {
	Type       string         `json:"@type"`
	Context    string         `json:"@context"`
	ThemeColor string         `json:"themeColor,omitempty"`
	Summary    string         `json:"summary"`
	Sections   []TeamsSection `json:"sections,omitempty"`
}

type TeamsSection struct {
	ActivityTitle    string      `json:"activityTitle,omitempty"`
	ActivitySubtitle string      `json:"activitySubtitle,omitempty"`
	ActivityText     string      `json:"activityText,omitempty"`
	Facts            []TeamsFact `json:"facts,omitempty"`
	Markdown         bool        `json:"markdown,omitempty"`
}

type TeamsFact struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// TeamsChannel posts MessageCards to a Teams incoming webhook.
type TeamsChannel struct {
	name   string
	url    string
	client *http.Client
}

func (c *TeamsChannel) Name() string { return c.name }

func teamsColor(p Payload) string {
	if p.Kind == KindResolve {
		return "2EB886" // Green
	}
	switch p.Severity {
	case "critical":
		return "D13438" // Red
	case "warning":
		return "FF8C00" // Orange
	default:
		return "0078D4" // Blue
	}
}

// BuildTeamsPayload renders p as a MessageCard.
func BuildTeamsPayload(p Payload) TeamsPayload {
	facts := []TeamsFact{{Name: "Severity", Value: p.Severity}}
	if p.Metric != "" {
		facts = append(facts, TeamsFact{Name: "Metric", Value: p.Metric})
	}
	if p.Value != nil {
		facts = append(facts, TeamsFact{Name: "Value", Value: formatFloat(*p.Value)})
	}
	if p.Threshold != nil {
		facts = append(facts, TeamsFact{Name: "Threshold", Value: formatFloat(*p.Threshold)})
	}
	return TeamsPayload{
		Type:       "MessageCard",
		Context:    "https://schema.org/extensions",
		ThemeColor: teamsColor(p),
		Summary:    p.Title,
		Sections: []TeamsSection{{
			ActivityTitle:    p.Title,
			ActivitySubtitle: p.Timestamp.UTC().Format(time.RFC3339),
			ActivityText:     p.Message,
			Facts:            facts,
			Markdown:         true,
		}},
	}
}

func (c *TeamsChannel) Send(ctx context.Context, p Payload) error {
	return postJSON(ctx, c.client, c.url, nil, BuildTeamsPayload(p))
}

// WebhookChannel posts the payload as plain JSON.
type WebhookChannel struct {
	name    string
	url     string
	headers map[string]string
	client  *http.Client
}

func (c *WebhookChannel) Name() string { return c.name }

func (c *WebhookChannel) Send(ctx context.Context, p Payload) error {
	return postJSON(ctx, c.client, c.url, c.headers, p)
}

func postJSON(ctx context.Context, client *http.Client, url string, headers map[string]string, body any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encoding payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "beacon-notifier/1.0")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("sending request: %w", err)
	}
	defer resp.Body.Close()
	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("channel responded with status %d: %s", resp.StatusCode, respBody)
	}
	return nil
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', 6, 64)
}
