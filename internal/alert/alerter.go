package alert

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/threatpilot/remediator/internal/metrics"
)

// ErrNotConfigured is returned when no alert channel has been configured.
var ErrNotConfigured = errors.New("alert webhook not configured")

// Alert is a single security alert for the on-call team.
type Alert struct {
	Threat   string
	Severity string
	Target   string
	Action   string // recommended action
}

// withDefaults fills the fields a sender may omit.
func (a Alert) withDefaults() Alert {
	if a.Threat == "" {
		a.Threat = "Unknown"
	}
	if a.Severity == "" {
		a.Severity = "Medium"
	}
	if a.Target == "" {
		a.Target = "N/A"
	}
	return a
}

// Alerter is the interface for sending alerts.
type Alerter interface {
	Send(ctx context.Context, alert Alert) error
}

// SlackAlerter sends alerts to a Slack incoming webhook.
type SlackAlerter struct {
	webhookURL string
	client     *http.Client
	now        func() time.Time
}

// NewSlackAlerter creates a Slack alerter with the given webhook URL.
func NewSlackAlerter(webhookURL string) *SlackAlerter {
	return &SlackAlerter{
		webhookURL: webhookURL,
		client:     &http.Client{Timeout: 10 * time.Second},
		now:        time.Now,
	}
}

type slackText struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type slackBlock struct {
	Type     string      `json:"type"`
	Text     *slackText  `json:"text,omitempty"`
	Elements []slackText `json:"elements,omitempty"`
}

type slackMessage struct {
	Text   string       `json:"text"`
	Blocks []slackBlock `json:"blocks"`
}

func (s *SlackAlerter) message(a Alert) slackMessage {
	a = a.withDefaults()
	return slackMessage{
		Text: ":rotating_light: *Security Alert - ThreatPilot*",
		Blocks: []slackBlock{
			{Type: "section", Text: &slackText{
				Type: "mrkdwn",
				Text: fmt.Sprintf("*Threat:* %s\n*Severity:* %s", a.Threat, a.Severity),
			}},
			{Type: "section", Text: &slackText{
				Type: "mrkdwn",
				Text: fmt.Sprintf("*Target:* %s\n*Recommended Action:* %s", a.Target, a.Action),
			}},
			{Type: "context", Elements: []slackText{{
				Type: "mrkdwn",
				Text: ":stopwatch: " + s.now().UTC().Format(time.RFC3339),
			}}},
		},
	}
}

// Send posts the alert as a Block Kit message.
func (s *SlackAlerter) Send(ctx context.Context, alert Alert) error {
	body, err := json.Marshal(s.message(alert))
	if err != nil {
		return fmt.Errorf("marshal slack payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.webhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create slack request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		metrics.AlertsSent.WithLabelValues("slack", "error").Inc()
		return fmt.Errorf("send slack alert: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		metrics.AlertsSent.WithLabelValues("slack", "error").Inc()
		return fmt.Errorf("slack returned status %d", resp.StatusCode)
	}
	metrics.AlertsSent.WithLabelValues("slack", "ok").Inc()
	return nil
}

// NoopAlerter rejects every alert with ErrNotConfigured.
type NoopAlerter struct{}

func (NoopAlerter) Send(context.Context, Alert) error {
	metrics.AlertsSent.WithLabelValues("none", "error").Inc()
	return ErrNotConfigured
}

// New returns a SlackAlerter for webhookURL, or a NoopAlerter when it is empty.
func New(webhookURL string) Alerter {
	if webhookURL == "" {
		return NoopAlerter{}
	}
	return NewSlackAlerter(webhookURL)
}
