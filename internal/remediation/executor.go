package remediation

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/threatpilot/remediator/internal/alert"
	"github.com/threatpilot/remediator/internal/firewall"
	"github.com/threatpilot/remediator/internal/metrics"
)

// Actions accepted by the network executor.
const (
	ExecBlockIP       = "block_ip"
	ExecBlockEndpoint = "block_endpoint"
	ExecAddWAFRule    = "add_waf_rule"
	ExecRateLimitIP   = "rate_limit_ip"
	ExecAlertSRE      = "alert_sre"
)

// Simulated rate limit applied by rate_limit_ip.
const (
	RateLimitPerMinute = 100
	RateLimitBurst     = 20
)

// ExecNote is the rule note on blocks created through POST /execute.
const ExecNote = "ThreatPilot automated remediation"

// ExecRequest is the body of POST /execute. block_ip always creates a
// permanent rule; Severity only feeds alert_sre.
type ExecRequest struct {
	Action            string `json:"action"`
	Target            string `json:"target,omitempty"`
	Threat            string `json:"threat,omitempty"`
	Severity          string `json:"severity,omitempty"`
	RecommendedAction string `json:"recommended_action,omitempty"`
}

// RateLimit describes a simulated rate-limit rule.
type RateLimit struct {
	RequestsPerMinute int `json:"requests_per_minute"`
	BurstLimit        int `json:"burst_limit"`
}

// ExecResponse is the reply of POST /execute.
type ExecResponse struct {
	Status           string     `json:"status"`
	ActionTaken      string     `json:"action_taken,omitempty"`
	Target           string     `json:"target,omitempty"`
	Rule             string     `json:"rule,omitempty"`
	Severity         string     `json:"severity,omitempty"`
	Method           string     `json:"method,omitempty"`
	CloudflareRuleID string     `json:"cloudflare_rule_id,omitempty"`
	Limit            *RateLimit `json:"limit,omitempty"`
	Message          string     `json:"message"`
	ExecutedAt       *time.Time `json:"executed_at,omitempty"`
}

// Blocker creates permanent block rules. *firewall.Manager satisfies it.
type Blocker interface {
	BlockPermanent(ctx context.Context, identifier, note string) (firewall.BlockOutcome, error)
}

// Executor runs network remediation actions requested by an agent.
type Executor struct {
	blocker Blocker
	alerter alert.Alerter
	now     func() time.Time
	log     zerolog.Logger
}

// NewExecutor constructs an Executor. A nil alerter rejects alert_sre with
// alert.ErrNotConfigured.
func NewExecutor(blocker Blocker, alerter alert.Alerter, now func() time.Time, log zerolog.Logger) *Executor {
	if alerter == nil {
		alerter = alert.NoopAlerter{}
	}
	if now == nil {
		now = time.Now
	}
	return &Executor{blocker: blocker, alerter: alerter, now: now, log: log}
}

// Execute runs req. An unsupported action yields a response with status
// "ignored" and a nil error.
func (e *Executor) Execute(ctx context.Context, req ExecRequest) (ExecResponse, error) {
	action := strings.TrimSpace(req.Action)
	if action == "" {
		metrics.RequestsTotal.WithLabelValues("execute", "invalid").Inc()
		return ExecResponse{}, &firewall.ValidationError{Field: "action", Msg: "is required"}
	}

	resp, err := e.run(ctx, action, req)
	status := resp.Status
	if err != nil {
		status = StatusError
		e.log.Error().Err(err).Str("action", action).Msg("network remediation failed")
	}
	metrics.RequestsTotal.WithLabelValues("execute", status).Inc()
	return resp, err
}

func (e *Executor) run(ctx context.Context, action string, req ExecRequest) (ExecResponse, error) {
	at := e.now().UTC()
	switch action {
	case ExecBlockIP:
		if strings.TrimSpace(req.Target) == "" {
			return ExecResponse{}, &firewall.ValidationError{Field: "target", Msg: "is required"}
		}
		out, err := e.blocker.BlockPermanent(ctx, req.Target, ExecNote)
		if err != nil {
			return ExecResponse{}, err
		}
		return ExecResponse{
			Status:           StatusSuccess,
			ActionTaken:      ExecBlockIP,
			Target:           out.Identifier,
			Method:           "cloudflare_firewall",
			CloudflareRuleID: out.RuleID,
			Message:          fmt.Sprintf("IP %s blocked via Cloudflare", out.Identifier),
			ExecutedAt:       &at,
		}, nil

	case ExecBlockEndpoint:
		return ExecResponse{
			Status:      StatusSuccess,
			ActionTaken: ExecBlockEndpoint,
			Target:      req.Target,
			Method:      "app_config_simulation",
			Message:     fmt.Sprintf("Endpoint %s disabled", req.Target),
			ExecutedAt:  &at,
		}, nil

	case ExecAddWAFRule:
		return ExecResponse{
			Status:      StatusSuccess,
			ActionTaken: ExecAddWAFRule,
			Rule:        req.Target,
			Method:      "waf_simulation",
			Message:     "WAF rule added",
			ExecutedAt:  &at,
		}, nil

	case ExecRateLimitIP:
		return ExecResponse{
			Status:      StatusSuccess,
			ActionTaken: ExecRateLimitIP,
			Rule:        req.Target,
			Severity:    "medium",
			Method:      "rate_limit_simulation",
			Message:     "IP rate-limited due to suspicious request spike",
			Limit:       &RateLimit{RequestsPerMinute: RateLimitPerMinute, BurstLimit: RateLimitBurst},
			ExecutedAt:  &at,
		}, nil

	case ExecAlertSRE:
		recommended := req.RecommendedAction
		if recommended == "" {
			recommended = action
		}
		if err := e.alerter.Send(ctx, alert.Alert{
			Threat:   req.Threat,
			Severity: req.Severity,
			Target:   req.Target,
			Action:   recommended,
		}); err != nil {
			return ExecResponse{}, fmt.Errorf("alert sre: %w", err)
		}
		return ExecResponse{
			Status:      StatusSuccess,
			ActionTaken: ExecAlertSRE,
			Method:      "slack_notification",
			Message:     "SRE alerted via Slack",
			ExecutedAt:  &at,
		}, nil

	default:
		return ExecResponse{Status: StatusIgnored, Message: "Unsupported action"}, nil
	}
}
