package firewall

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/threatpilot/remediator/internal/cloudflare"
	"github.com/threatpilot/remediator/internal/metrics"
	"github.com/threatpilot/remediator/internal/storage"
)

// Severity durations for temporary blocks.
const (
	LowBlockHours    = 24
	MediumBlockHours = 48
)

// ClassifyDuration maps a severity to a block duration in hours. Only the exact
// strings "low" and "medium" are temporary; every other value, including
// unknown ones, yields 0 (permanent).
func ClassifyDuration(severity string) int {
	switch severity {
	case "low":
		return LowBlockHours
	case "medium":
		return MediumBlockHours
	default:
		return 0
	}
}

// BlockOutcome describes the result of a successful Block.
type BlockOutcome struct {
	Identifier    string
	Target        string
	Severity      string
	RuleID        string
	Temporary     bool
	DurationHours int
	ExpiresAt     time.Time // zero for permanent blocks
}

// UnblockOutcome describes the result of an Unblock. Found is false when no
// gateway rule matched the identifier.
type UnblockOutcome struct {
	Identifier string
	Found      bool
	RuleID     string
}

// SweepFailure records one expired block the sweep could not lift.
type SweepFailure struct {
	Identifier string
	Err        error
}

// SweepResult summarizes one SweepExpired pass. Unblocked is in key order.
type SweepResult struct {
	Unblocked []string
	Failed    []SweepFailure
}

// ManagerConfig holds the block lifecycle configuration.
type ManagerConfig struct {
	NoteTemplate string
	Whitelist    []string
	// Now overrides the clock used by Block. Defaults to time.Now.
	Now func() time.Time
}

// Manager runs the temporary-block lifecycle against a Gateway and a block
// record store.
//
// Rule creation precedes the record write and rule deletion precedes the
// record delete. A failure between the two steps leaves an untracked rule
// (Block) or a record pointing at a deleted rule (Unblock). Neither is rolled
// back. Concurrent Block and Unblock calls for the same identifier are not
// serialised; the last store writer wins.
type Manager struct {
	gw        cloudflare.Gateway
	blocks    *storage.Blocks
	namer     *Namer
	whitelist Whitelist
	now       func() time.Time
	log       zerolog.Logger
}

// NewManager constructs a Manager. It fails on an invalid note template or
// whitelist entry.
func NewManager(cfg ManagerConfig, gw cloudflare.Gateway, blocks *storage.Blocks, log zerolog.Logger) (*Manager, error) {
	namer, err := NewNamer(cfg.NoteTemplate)
	if err != nil {
		return nil, err
	}
	wl, err := ParseWhitelist(cfg.Whitelist)
	if err != nil {
		return nil, fmt.Errorf("BLOCK_WHITELIST: %w", err)
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Manager{
		gw:        gw,
		blocks:    blocks,
		namer:     namer,
		whitelist: wl,
		now:       now,
		log:       log,
	}, nil
}

// Block creates a gateway block rule for identifier and, for temporary
// severities, records its expiry.
func (m *Manager) Block(ctx context.Context, identifier, severity string) (BlockOutcome, error) {
	target, err := ParseTarget(identifier)
	if err != nil {
		return BlockOutcome{}, err
	}
	if m.whitelist.Covers(target) {
		return BlockOutcome{}, invalid("identifier", "%s is whitelisted", target.Value)
	}

	hours := ClassifyDuration(severity)
	note, err := m.namer.Note(NoteData{Identifier: target.Value, Severity: severity, Kind: Kind(hours)})
	if err != nil {
		return BlockOutcome{}, err
	}

	rule, err := m.gw.CreateBlockRule(ctx, target.Kind, target.Value, note)
	if err != nil {
		return BlockOutcome{}, &GatewayError{Op: "create rule", Err: err}
	}
	metrics.BlocksCreated.WithLabelValues(Kind(hours)).Inc()

	out := BlockOutcome{
		Identifier:    target.Value,
		Target:        target.Kind,
		Severity:      severity,
		RuleID:        rule.ID,
		Temporary:     hours > 0,
		DurationHours: hours,
	}
	if hours == 0 {
		m.log.Info().Str("identifier", target.Value).Str("severity", severity).
			Str("rule_id", rule.ID).Msg("permanent block created")
		return out, nil
	}

	out.ExpiresAt = m.now().UTC().Add(time.Duration(hours) * time.Hour)
	rec := storage.BlockRecord{
		Identifier: target.Value,
		RuleID:     rule.ID,
		Severity:   severity,
		ExpiresAt:  out.ExpiresAt,
	}
	if err := m.blocks.Save(ctx, rec); err != nil {
		m.log.Error().Err(err).Str("identifier", target.Value).Str("rule_id", rule.ID).
			Msg("block rule created but expiry record not saved; rule will not be swept")
		return out, &StoreError{Op: "put", Key: m.blocks.Key(target.Value), Err: err}
	}

	m.log.Info().Str("identifier", target.Value).Str("severity", severity).
		Str("rule_id", rule.ID).Time("expires_at", out.ExpiresAt).Msg("temporary block created")
	return out, nil
}

// BlockPermanent creates a permanent, untracked block rule for identifier
// carrying note verbatim. No block record is written, so cleanup never
// removes it.
func (m *Manager) BlockPermanent(ctx context.Context, identifier, note string) (BlockOutcome, error) {
	target, err := ParseTarget(identifier)
	if err != nil {
		return BlockOutcome{}, err
	}
	if m.whitelist.Covers(target) {
		return BlockOutcome{}, invalid("identifier", "%s is whitelisted", target.Value)
	}

	rule, err := m.gw.CreateBlockRule(ctx, target.Kind, target.Value, note)
	if err != nil {
		return BlockOutcome{}, &GatewayError{Op: "create rule", Err: err}
	}
	metrics.BlocksCreated.WithLabelValues(Kind(0)).Inc()

	m.log.Info().Str("identifier", target.Value).Str("rule_id", rule.ID).Msg("permanent block created")
	return BlockOutcome{
		Identifier: target.Value,
		Target:     target.Kind,
		RuleID:     rule.ID,
	}, nil
}

// Unblock deletes the gateway rule matching identifier, preferring block-mode
// rules, then its block record if one exists.
func (m *Manager) Unblock(ctx context.Context, identifier string) (UnblockOutcome, error) {
	if strings.TrimSpace(identifier) == "" {
		return UnblockOutcome{}, invalid("identifier", "must not be empty")
	}
	value := CanonicalIdentifier(identifier)
	out := UnblockOutcome{Identifier: value}

	rules, err := m.gw.ListRules(ctx)
	if err != nil {
		return out, &GatewayError{Op: "list rules", Err: err}
	}
	match := findRule(rules, value)
	if match == nil {
		return out, nil
	}
	out.Found = true
	out.RuleID = match.ID

	if err := m.gw.DeleteRule(ctx, match.ID); err != nil {
		return out, &GatewayError{Op: "delete rule", Err: err}
	}
	metrics.Unblocks.WithLabelValues("manual").Inc()

	if err := m.blocks.Remove(ctx, value); err != nil {
		m.log.Error().Err(err).Str("identifier", value).Str("rule_id", match.ID).
			Msg("block rule deleted but record not removed")
		return out, &StoreError{Op: "delete", Key: m.blocks.Key(value), Err: err}
	}

	m.log.Info().Str("identifier", value).Str("rule_id", match.ID).Msg("unblocked")
	return out, nil
}

// findRule returns the first block-mode rule for value, or failing that the
// first rule of any mode.
func findRule(rules []cloudflare.AccessRule, value string) *cloudflare.AccessRule {
	var fallback *cloudflare.AccessRule
	for i := range rules {
		if rules[i].Value != value {
			continue
		}
		if rules[i].Mode == cloudflare.ModeBlock {
			return &rules[i]
		}
		if fallback == nil {
			fallback = &rules[i]
		}
	}
	return fallback
}

// ListBlocked returns the values of all gateway rules in block mode, in
// gateway order.
func (m *Manager) ListBlocked(ctx context.Context) ([]string, error) {
	rules, err := m.gw.ListRules(ctx)
	if err != nil {
		return nil, &GatewayError{Op: "list rules", Err: err}
	}
	out := make([]string, 0, len(rules))
	for _, r := range rules {
		if r.Mode == cloudflare.ModeBlock {
			out = append(out, r.Value)
		}
	}
	return out, nil
}

// SweepExpired lifts every recorded block whose expiry lies strictly before
// now. A record that cannot be lifted is reported in Failed and the sweep moves
// on; only a failure to list the store aborts it. A rule the gateway no longer
// knows counts as already lifted.
func (m *Manager) SweepExpired(ctx context.Context, now time.Time) (SweepResult, error) {
	res := SweepResult{Unblocked: []string{}, Failed: []SweepFailure{}}

	keys, err := m.blocks.Keys(ctx)
	if err != nil {
		return res, &StoreError{Op: "list", Err: err}
	}

	for _, key := range keys {
		if err := ctx.Err(); err != nil {
			m.log.Warn().Err(err).Strs("unblocked", res.Unblocked).Int("failed", len(res.Failed)).
				Msg("sweep interrupted")
			return res, err
		}
		id := m.blocks.Identifier(key)

		rec, err := m.blocks.LoadKey(ctx, key)
		if err != nil {
			m.fail(&res, id, &StoreError{Op: "get", Key: key, Err: err})
			continue
		}
		if rec == nil || !rec.Expired(now) {
			continue
		}

		if rec.RuleID == "" {
			m.fail(&res, id, &StoreError{Op: "get", Key: key, Err: errors.New("record has no rule id")})
			continue
		}
		if err := m.gw.DeleteRule(ctx, rec.RuleID); err != nil {
			var nf *cloudflare.ErrNotFound
			if !errors.As(err, &nf) {
				m.fail(&res, id, &GatewayError{Op: "delete rule", Err: err})
				continue
			}
			m.log.Warn().Str("identifier", id).Str("rule_id", rec.RuleID).
				Msg("expired rule already gone at gateway; removing record")
		}

		if err := m.blocks.RemoveKey(ctx, key); err != nil {
			m.fail(&res, id, &StoreError{Op: "delete", Key: key, Err: err})
			continue
		}
		metrics.Unblocks.WithLabelValues("expired").Inc()
		res.Unblocked = append(res.Unblocked, id)
	}

	m.log.Info().Int("unblocked", len(res.Unblocked)).Int("failed", len(res.Failed)).
		Msg("sweep complete")
	return res, nil
}

func (m *Manager) fail(res *SweepResult, id string, err error) {
	metrics.SweepFailures.Inc()
	m.log.Warn().Err(err).Str("identifier", id).Msg("sweep: skipping record")
	res.Failed = append(res.Failed, SweepFailure{Identifier: id, Err: err})
}

// Verify checks gateway credentials.
func (m *Manager) Verify(ctx context.Context) error {
	if err := m.gw.Verify(ctx); err != nil {
		return &GatewayError{Op: "verify", Err: err}
	}
	return nil
}

// CountTemporary returns the number of stored block records.
func (m *Manager) CountTemporary(ctx context.Context) (int, error) {
	keys, err := m.blocks.Keys(ctx)
	if err != nil {
		return 0, &StoreError{Op: "list", Err: err}
	}
	return len(keys), nil
}
