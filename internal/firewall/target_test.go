package firewall

import (
	"errors"
	"testing"

	"github.com/threatpilot/remediator/internal/cloudflare"
)

func TestParseTarget(t *testing.T) {
	cases := []struct {
		in        string
		wantKind  string
		wantValue string
	}{
		{"1.2.3.4", cloudflare.TargetIP, "1.2.3.4"},
		{" 1.2.3.4 ", cloudflare.TargetIP, "1.2.3.4"},
		{"::ffff:1.2.3.4", cloudflare.TargetIP, "1.2.3.4"},
		{"2001:DB8::1", cloudflare.TargetIPv6, "2001:db8::1"},
		{"10.1.2.3/8", cloudflare.TargetIPRange, "10.0.0.0/8"},
		{"2001:db8::/32", cloudflare.TargetIPRange, "2001:db8::/32"},
		{"AS13335", cloudflare.TargetASN, "AS13335"},
		{"as64512", cloudflare.TargetASN, "AS64512"},
	}
	for _, tc := range cases {
		got, err := ParseTarget(tc.in)
		if err != nil {
			t.Errorf("ParseTarget(%q): unexpected error %v", tc.in, err)
			continue
		}
		if got.Kind != tc.wantKind || got.Value != tc.wantValue {
			t.Errorf("ParseTarget(%q) = %+v, want {%s %s}", tc.in, got, tc.wantKind, tc.wantValue)
		}
	}
}

func TestParseTarget_Invalid(t *testing.T) {
	for _, in := range []string{"", "abc", "1.2.3", "1.2.3.4/33", "AS", "ASfoo", "example.com"} {
		_, err := ParseTarget(in)
		var ve *ValidationError
		if !errors.As(err, &ve) {
			t.Errorf("ParseTarget(%q): expected *ValidationError, got %v", in, err)
		}
	}
}

func TestCanonicalIdentifier(t *testing.T) {
	if got := CanonicalIdentifier("::ffff:9.9.9.9"); got != "9.9.9.9" {
		t.Errorf("got %q", got)
	}
	if got := CanonicalIdentifier(" not-an-ip "); got != "not-an-ip" {
		t.Errorf("unparseable input should be trimmed only, got %q", got)
	}
}

func TestWhitelistCovers(t *testing.T) {
	wl, err := ParseWhitelist([]string{"192.168.0.0/16", "8.8.8.8", "", "2001:db8::1"})
	if err != nil {
		t.Fatalf("ParseWhitelist: %v", err)
	}
	cases := []struct {
		target Target
		want   bool
	}{
		{Target{cloudflare.TargetIP, "192.168.1.1"}, true},
		{Target{cloudflare.TargetIP, "8.8.8.8"}, true},
		{Target{cloudflare.TargetIP, "8.8.4.4"}, false},
		{Target{cloudflare.TargetIPv6, "2001:db8::1"}, true},
		{Target{cloudflare.TargetIPRange, "192.168.10.0/24"}, true},
		{Target{cloudflare.TargetASN, "AS13335"}, false},
	}
	for _, tc := range cases {
		if got := wl.Covers(tc.target); got != tc.want {
			t.Errorf("Covers(%+v) = %v, want %v", tc.target, got, tc.want)
		}
	}
}

func TestParseWhitelist_Invalid(t *testing.T) {
	if _, err := ParseWhitelist([]string{"1.2.3.4/99"}); err == nil {
		t.Error("expected error for invalid CIDR")
	}
	if _, err := ParseWhitelist([]string{"nope"}); err == nil {
		t.Error("expected error for invalid IP")
	}
}

func TestNamer(t *testing.T) {
	n, err := NewNamer("")
	if err != nil {
		t.Fatalf("NewNamer: %v", err)
	}
	got, err := n.Note(NoteData{Identifier: "1.2.3.4", Severity: "medium", Kind: "temporary"})
	if err != nil || got != "ThreatPilot Block (medium)" {
		t.Errorf("default note: got %q, %v", got, err)
	}

	n, err = NewNamer("{{.Kind}} block of {{.Identifier}}")
	if err != nil {
		t.Fatalf("NewNamer custom: %v", err)
	}
	got, _ = n.Note(NoteData{Identifier: "AS1", Kind: Kind(0)})
	if got != "permanent block of AS1" {
		t.Errorf("custom note: got %q", got)
	}

	if _, err := NewNamer("{{.Broken"); err == nil {
		t.Error("expected parse error")
	}
}

func TestGatewayErrorTimeout(t *testing.T) {
	ge := &GatewayError{Op: "x", Err: &cloudflare.ErrTimeout{Endpoint: "e", Err: errors.New("deadline")}}
	if !ge.Timeout() {
		t.Error("expected Timeout() true for wrapped ErrTimeout")
	}
	if (&GatewayError{Op: "x", Err: errors.New("plain")}).Timeout() {
		t.Error("plain error should not be a timeout")
	}
}
