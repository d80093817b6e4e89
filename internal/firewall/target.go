package firewall

import (
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/threatpilot/remediator/internal/cloudflare"
)

// Target is a parsed block identifier in the form the gateway expects.
type Target struct {
	Kind  string // cloudflare.TargetIP, TargetIPv6, TargetIPRange or TargetASN
	Value string // canonical value, also used as the store key suffix
}

// ParseTarget classifies an identifier as an IP, IPv6 address, CIDR range or
// autonomous system number and returns its canonical form.
func ParseTarget(identifier string) (Target, error) {
	value := strings.TrimSpace(identifier)
	if value == "" {
		return Target{}, invalid("identifier", "must not be empty")
	}

	if asn, ok := parseASN(value); ok {
		return Target{Kind: cloudflare.TargetASN, Value: asn}, nil
	}

	if strings.Contains(value, "/") {
		_, network, err := net.ParseCIDR(value)
		if err != nil {
			return Target{}, invalid("identifier", "invalid CIDR %q", value)
		}
		return Target{Kind: cloudflare.TargetIPRange, Value: network.String()}, nil
	}

	ip := net.ParseIP(value)
	if ip == nil {
		return Target{}, invalid("identifier", "%q is not an IP, CIDR or AS number", value)
	}
	// IPv4-mapped IPv6 (::ffff:1.2.3.4) collapses to IPv4
	if ip4 := ip.To4(); ip4 != nil {
		return Target{Kind: cloudflare.TargetIP, Value: ip4.String()}, nil
	}
	return Target{Kind: cloudflare.TargetIPv6, Value: ip.String()}, nil
}

// CanonicalIdentifier returns the canonical value for identifier, or the
// trimmed input when it does not parse. Lookups against gateway rules compare
// on this form.
func CanonicalIdentifier(identifier string) string {
	t, err := ParseTarget(identifier)
	if err != nil {
		return strings.TrimSpace(identifier)
	}
	return t.Value
}

// parseASN accepts "AS13335" or "as13335" and returns "AS13335".
func parseASN(value string) (string, bool) {
	if len(value) < 3 || !strings.EqualFold(value[:2], "AS") {
		return "", false
	}
	n, err := strconv.ParseUint(value[2:], 10, 32)
	if err != nil {
		return "", false
	}
	return "AS" + strconv.FormatUint(n, 10), true
}

// Whitelist is a set of networks that must never be blocked.
type Whitelist []*net.IPNet

// ParseWhitelist parses a slice of IP/CIDR strings into a Whitelist.
func ParseWhitelist(entries []string) (Whitelist, error) {
	result := make(Whitelist, 0, len(entries))
	for _, e := range entries {
		e = strings.TrimSpace(e)
		if e == "" {
			continue
		}
		if !strings.Contains(e, "/") {
			// Single IP: convert to /32 or /128
			ip := net.ParseIP(e)
			if ip == nil {
				return nil, fmt.Errorf("invalid whitelist entry %q", e)
			}
			bits := 32
			if ip.To4() == nil {
				bits = 128
			}
			e = fmt.Sprintf("%s/%d", ip.String(), bits)
		}
		_, cidr, err := net.ParseCIDR(e)
		if err != nil {
			return nil, fmt.Errorf("invalid whitelist CIDR %q: %w", e, err)
		}
		result = append(result, cidr)
	}
	return result, nil
}

// Covers reports whether t falls inside any whitelisted network. For ranges
// the network address is checked. AS numbers are never covered.
func (w Whitelist) Covers(t Target) bool {
	var ip net.IP
	switch t.Kind {
	case cloudflare.TargetIP, cloudflare.TargetIPv6:
		ip = net.ParseIP(t.Value)
	case cloudflare.TargetIPRange:
		p, _, err := net.ParseCIDR(t.Value)
		if err != nil {
			return false
		}
		ip = p
	}
	if ip == nil {
		return false
	}
	for _, wl := range w {
		if wl.Contains(ip) {
			return true
		}
	}
	return false
}
