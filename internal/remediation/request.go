package remediation

import "time"

// Action names accepted by the dispatcher.
const (
	ActionBlockIP     = "block_ip"
	ActionUnblockIP   = "unblock_ip"
	ActionListBlocked = "list_blocked"
	ActionCleanup     = "cleanup"
	ActionRestart     = "restart"
	ActionScale       = "scale"
	ActionRollback    = "rollback"
	ActionDrain       = "drain"
	ActionNotify      = "notify"
)

// Response statuses.
const (
	StatusSuccess  = "success"
	StatusError    = "error"
	StatusNotFound = "not_found"
	StatusIgnored  = "ignored"
)

// Target names what an action applies to.
type Target struct {
	IP       string `json:"ip,omitempty"`
	Service  string `json:"service,omitempty"`
	Replicas *int   `json:"replicas,omitempty"`
}

// Request is the body of POST /.
type Request struct {
	Action      string `json:"action"`
	Severity    string `json:"severity,omitempty"`
	Target      Target `json:"target"`
	Issue       string `json:"issue,omitempty"`
	Description string `json:"description,omitempty"`
}

// CleanupFailure is one record the sweep could not lift.
type CleanupFailure struct {
	IP    string `json:"ip"`
	Error string `json:"error"`
}

// Response is the normalized reply for every dispatched action.
type Response struct {
	Status        string           `json:"status"`
	Action        string           `json:"action,omitempty"`
	IP            string           `json:"ip,omitempty"`
	Severity      string           `json:"severity,omitempty"`
	RuleID        string           `json:"rule_id,omitempty"`
	DurationHours int              `json:"duration_hours,omitempty"`
	UnblockAt     *time.Time       `json:"unblock_at,omitempty"`
	Permanent     bool             `json:"permanent,omitempty"`
	Service       string           `json:"service,omitempty"`
	Replicas      *int             `json:"replicas,omitempty"`
	Message       string           `json:"message,omitempty"`
	IPs           []string         `json:"ips,omitzero"`
	CleanedIPs    []string         `json:"cleaned_ips,omitzero"`
	Failed        []CleanupFailure `json:"failed,omitzero"`
}
