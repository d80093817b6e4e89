package cloudflare

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Rule modes and configuration targets understood by the access-rules API.
const (
	ModeBlock     = "block"
	ModeChallenge = "challenge"
	ModeWhitelist = "whitelist"

	TargetIP      = "ip"
	TargetIPv6    = "ip6"
	TargetIPRange = "ip_range"
	TargetASN     = "asn"
)

// AccessRule is a zone-level IP access rule.
type AccessRule struct {
	ID     string
	Mode   string // "block", "challenge", "whitelist", ...
	Target string // "ip", "ip6", "ip_range", "asn"
	Value  string
	Notes  string
}

// Gateway is the firewall API seam. All methods accept context for deadline control.
type Gateway interface {
	CreateBlockRule(ctx context.Context, target, value, notes string) (AccessRule, error)
	ListRules(ctx context.Context) ([]AccessRule, error)
	DeleteRule(ctx context.Context, id string) error

	// Verify checks that the configured API token is valid and active.
	Verify(ctx context.Context) error
}

// --- Typed errors -----------------------------------------------------------

// ErrUnauthorized is returned on HTTP 401/403 responses.
type ErrUnauthorized struct {
	Msg string
}

func (e *ErrUnauthorized) Error() string {
	return fmt.Sprintf("unauthorized: %s", e.Msg)
}

// ErrNotFound is returned when a rule does not exist.
type ErrNotFound struct {
	ID string
}

func (e *ErrNotFound) Error() string {
	return fmt.Sprintf("not found: %s", e.ID)
}

// ErrRateLimit is returned when the API signals rate limiting.
type ErrRateLimit struct {
	RetryAfter time.Duration
}

func (e *ErrRateLimit) Error() string {
	return fmt.Sprintf("rate limited (retry after %s)", e.RetryAfter)
}

// ErrTimeout is returned when a call exceeds its deadline.
type ErrTimeout struct {
	Endpoint string
	Err      error
}

func (e *ErrTimeout) Error() string {
	return fmt.Sprintf("%s: timed out: %v", e.Endpoint, e.Err)
}

func (e *ErrTimeout) Unwrap() error { return e.Err }

// Timeout lets callers detect this error through an interface check.
func (e *ErrTimeout) Timeout() bool { return true }

// APIError carries a non-2xx status or a success=false envelope.
type APIError struct {
	StatusCode int
	Messages   []string
}

func (e *APIError) Error() string {
	if len(e.Messages) == 0 {
		return fmt.Sprintf("cloudflare api error (HTTP %d)", e.StatusCode)
	}
	return fmt.Sprintf("cloudflare api error (HTTP %d): %s", e.StatusCode, strings.Join(e.Messages, "; "))
}
