package remediation

import (
	"context"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/threatpilot/remediator/internal/firewall"
	"github.com/threatpilot/remediator/internal/metrics"
)

// Lifecycle is the block lifecycle the dispatcher drives. *firewall.Manager
// satisfies it.
type Lifecycle interface {
	Block(ctx context.Context, identifier, severity string) (firewall.BlockOutcome, error)
	Unblock(ctx context.Context, identifier string) (firewall.UnblockOutcome, error)
	ListBlocked(ctx context.Context) ([]string, error)
	SweepExpired(ctx context.Context, now time.Time) (firewall.SweepResult, error)
}

// Dispatcher routes a Request to the lifecycle or to a simulated service action.
type Dispatcher struct {
	lc  Lifecycle
	now func() time.Time
	log zerolog.Logger
}

// NewDispatcher constructs a Dispatcher. A nil now defaults to time.Now.
func NewDispatcher(lc Lifecycle, now func() time.Time, log zerolog.Logger) *Dispatcher {
	if now == nil {
		now = time.Now
	}
	return &Dispatcher{lc: lc, now: now, log: log}
}

// Validate checks that req names a known action and carries the fields that
// action requires.
func Validate(req Request) error {
	action := strings.TrimSpace(req.Action)
	if action == "" {
		return &firewall.ValidationError{Field: "action", Msg: "is required"}
	}
	switch action {
	case ActionBlockIP, ActionUnblockIP:
		if strings.TrimSpace(req.Target.IP) == "" {
			return &firewall.ValidationError{Field: "target.ip", Msg: "is required"}
		}
	case ActionRestart, ActionRollback, ActionDrain:
		if strings.TrimSpace(req.Target.Service) == "" {
			return &firewall.ValidationError{Field: "target.service", Msg: "is required"}
		}
	case ActionScale:
		if strings.TrimSpace(req.Target.Service) == "" {
			return &firewall.ValidationError{Field: "target.service", Msg: "is required"}
		}
		if req.Target.Replicas == nil {
			return &firewall.ValidationError{Field: "target.replicas", Msg: "is required"}
		}
		if *req.Target.Replicas < 0 {
			return &firewall.ValidationError{Field: "target.replicas", Msg: "must not be negative"}
		}
	case ActionListBlocked, ActionCleanup, ActionNotify:
	default:
		return &firewall.ValidationError{Field: "action", Msg: "unknown action: " + action}
	}
	return nil
}

// Dispatch validates req and runs its action. Validation failures return
// *firewall.ValidationError before any collaborator is called.
func (d *Dispatcher) Dispatch(ctx context.Context, req Request) (Response, error) {
	action := strings.TrimSpace(req.Action)
	if err := Validate(req); err != nil {
		metrics.RequestsTotal.WithLabelValues(metricAction(action), "invalid").Inc()
		return Response{}, err
	}

	resp, err := d.run(ctx, action, req)
	status := resp.Status
	if err != nil {
		status = StatusError
		d.log.Error().Err(err).Str("action", action).Msg("remediation failed")
	}
	metrics.RequestsTotal.WithLabelValues(action, status).Inc()
	return resp, err
}

func (d *Dispatcher) run(ctx context.Context, action string, req Request) (Response, error) {
	switch action {
	case ActionBlockIP:
		return d.block(ctx, req)
	case ActionUnblockIP:
		return d.unblock(ctx, req)
	case ActionListBlocked:
		ips, err := d.lc.ListBlocked(ctx)
		if err != nil {
			return Response{}, err
		}
		if ips == nil {
			ips = []string{}
		}
		return Response{Status: StatusSuccess, Action: ActionListBlocked, IPs: ips}, nil
	case ActionCleanup:
		return d.Cleanup(ctx)
	case ActionRestart:
		return restart(req.Target.Service), nil
	case ActionScale:
		return scale(req.Target.Service, *req.Target.Replicas), nil
	case ActionRollback:
		return rollback(req.Target.Service), nil
	case ActionDrain:
		return drain(req.Target.Service), nil
	default:
		return notify(), nil
	}
}

func (d *Dispatcher) block(ctx context.Context, req Request) (Response, error) {
	out, err := d.lc.Block(ctx, req.Target.IP, req.Severity)
	if err != nil {
		return Response{}, err
	}
	resp := Response{
		Status:   StatusSuccess,
		Action:   ActionBlockIP,
		IP:       out.Identifier,
		Severity: out.Severity,
		RuleID:   out.RuleID,
	}
	if out.Temporary {
		resp.Action = "temp_block_ip"
		resp.DurationHours = out.DurationHours
		at := out.ExpiresAt
		resp.UnblockAt = &at
	} else {
		resp.Permanent = true
	}
	return resp, nil
}

func (d *Dispatcher) unblock(ctx context.Context, req Request) (Response, error) {
	out, err := d.lc.Unblock(ctx, req.Target.IP)
	if err != nil {
		return Response{}, err
	}
	if !out.Found {
		return Response{
			Status:  StatusNotFound,
			Action:  ActionUnblockIP,
			IP:      out.Identifier,
			Message: "IP was not blocked",
		}, nil
	}
	return Response{
		Status: StatusSuccess,
		Action: ActionUnblockIP,
		IP:     out.Identifier,
		RuleID: out.RuleID,
	}, nil
}

// Cleanup sweeps expired blocks as of now. Per-record failures are reported in
// Failed; the response is still a success. If the sweep is interrupted, the
// records removed so far are returned alongside the error.
func (d *Dispatcher) Cleanup(ctx context.Context) (Response, error) {
	res, err := d.lc.SweepExpired(ctx, d.now())
	cleaned := res.Unblocked
	if cleaned == nil {
		cleaned = []string{}
	}
	failed := make([]CleanupFailure, 0, len(res.Failed))
	for _, f := range res.Failed {
		failed = append(failed, CleanupFailure{IP: f.Identifier, Error: f.Err.Error()})
	}
	resp := Response{
		Status:     StatusSuccess,
		Action:     ActionCleanup,
		CleanedIPs: cleaned,
		Failed:     failed,
	}
	if err != nil {
		resp.Status = StatusError
		d.log.Warn().Err(err).Strs("cleaned_ips", cleaned).Int("failed", len(failed)).
			Msg("cleanup interrupted")
		return resp, err
	}
	return resp, nil
}

// metricAction bounds the action label to known names.
func metricAction(action string) string {
	switch action {
	case ActionBlockIP, ActionUnblockIP, ActionListBlocked, ActionCleanup,
		ActionRestart, ActionScale, ActionRollback, ActionDrain, ActionNotify:
		return action
	case "":
		return "none"
	default:
		return "unknown"
	}
}
