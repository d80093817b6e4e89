package observability

import (
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// The lookups below return canned data; no backend is consulted.

// Incident is one entry of the simulated incident history.
type Incident struct {
	Timestamp int64  `json:"timestamp"` // unix milliseconds
	Severity  string `json:"severity"`
	Message   string `json:"message"`
	Entity    string `json:"entity"`
}

// IncidentHistory returns two canned incidents for entity.
func IncidentHistory(entity string, now time.Time) []Incident {
	if entity == "" {
		entity = "Unknown"
	}
	return []Incident{
		{Timestamp: now.Add(-time.Hour).UnixMilli(), Severity: "High", Message: "Failed login attempts", Entity: entity},
		{Timestamp: now.Add(-2 * time.Hour).UnixMilli(), Severity: "Medium", Message: "CPU spike detected", Entity: entity},
	}
}

// Metadata is a simulated enrichment record.
type Metadata struct {
	Key      string `json:"key"`
	Type     string `json:"type"`
	Location string `json:"location"`
	Owner    string `json:"owner"`
}

// MetadataLookup enriches key with canned metadata.
func MetadataLookup(key, typ string) (Metadata, error) {
	if strings.TrimSpace(key) == "" {
		return Metadata{}, &ValidationError{Field: "key", Msg: "is required"}
	}
	if typ == "" {
		typ = "unknown"
	}
	return Metadata{Key: key, Type: typ, Location: "US-East", Owner: "Unknown"}, nil
}

// AlertLog is the reply of AlertTrigger.
type AlertLog struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

// AlertTrigger records an alert in the service log.
func AlertTrigger(log zerolog.Logger, severity, message, target string) (AlertLog, error) {
	if strings.TrimSpace(severity) == "" || strings.TrimSpace(message) == "" {
		return AlertLog{}, &ValidationError{Field: "severity,message", Msg: "are required"}
	}
	if target == "" {
		target = "N/A"
	}
	log.Warn().Str("severity", severity).Str("target", target).Str("alert", message).Msg("alert triggered")
	return AlertLog{
		Status:  "alert logged",
		Message: fmt.Sprintf("[ALERT] Severity: %s, Message: %s, Target: %s", severity, message, target),
	}, nil
}
