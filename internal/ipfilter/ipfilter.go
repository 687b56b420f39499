// Package ipfilter evaluates client IP addresses against an allow/deny
// policy and extracts the client IP from an incoming HTTP or control
// handshake request using a fixed header-trust precedence order.
package ipfilter

import (
	"fmt"
	"net"
	"net/http"
	"strings"
)

// Mode selects how Filter.Check behaves.
type Mode string

const (
	ModeAll       Mode = "all"
	ModeAllowlist Mode = "allowlist"
	ModeDenylist  Mode = "denylist"
)

// Filter evaluates an IP against a configured policy. The zero value is
// not usable; construct with New.
type Filter struct {
	mode    Mode
	allow   []*net.IPNet
	deny    []*net.IPNet
	allowIP []net.IP
	denyIP  []net.IP
}

// New builds a Filter for the given mode and literal/CIDR entry lists.
// Entries may be a bare IPv4/IPv6 address or a CIDR range; anything else
// is rejected.
func New(mode Mode, allowList, denyList []string) (*Filter, error) {
	f := &Filter{mode: mode}
	var err error
	f.allowIP, f.allow, err = parseEntries(allowList)
	if err != nil {
		return nil, fmt.Errorf("ipfilter: allow list: %w", err)
	}
	f.denyIP, f.deny, err = parseEntries(denyList)
	if err != nil {
		return nil, fmt.Errorf("ipfilter: deny list: %w", err)
	}
	return f, nil
}

func parseEntries(entries []string) ([]net.IP, []*net.IPNet, error) {
	var ips []net.IP
	var nets []*net.IPNet
	for _, e := range entries {
		e = strings.TrimSpace(e)
		if e == "" {
			continue
		}
		if strings.Contains(e, "/") {
			_, ipnet, err := net.ParseCIDR(e)
			if err != nil {
				return nil, nil, fmt.Errorf("invalid CIDR %q: %w", e, err)
			}
			nets = append(nets, ipnet)
			continue
		}
		ip := net.ParseIP(e)
		if ip == nil {
			return nil, nil, fmt.Errorf("invalid IP literal %q", e)
		}
		ips = append(ips, normalize(ip))
	}
	return ips, nets, nil
}

// normalize collapses an IPv4-mapped IPv6 address (::ffff:a.b.c.d) to its
// plain IPv4 form so it compares equal to a bare IPv4 literal or CIDR.
func normalize(ip net.IP) net.IP {
	if v4 := ip.To4(); v4 != nil {
		return v4
	}
	return ip
}

func matches(ip net.IP, ips []net.IP, nets []*net.IPNet) bool {
	ip = normalize(ip)
	for _, candidate := range ips {
		if candidate.Equal(ip) {
			return true
		}
	}
	for _, n := range nets {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

// Result is the outcome of a Check call.
type Result struct {
	Allowed bool
	Reason  string
}

// Check evaluates ip (a string parseable by net.ParseIP) against the
// configured policy.
func (f *Filter) Check(ipStr string) Result {
	ip := net.ParseIP(ipStr)
	if ip == nil {
		return Result{Allowed: false, Reason: fmt.Sprintf("unparseable client IP %q", ipStr)}
	}

	switch f.mode {
	case ModeAllowlist:
		if matches(ip, f.allowIP, f.allow) {
			return Result{Allowed: true}
		}
		return Result{Allowed: false, Reason: "not in allowlist"}
	case ModeDenylist:
		if matches(ip, f.denyIP, f.deny) {
			return Result{Allowed: false, Reason: "in denylist"}
		}
		return Result{Allowed: true}
	case ModeAll:
		fallthrough
	default:
		return Result{Allowed: true}
	}
}

// ExtractClientIP returns the client IP for r using the precedence order:
// CF-Connecting-IP, X-Real-IP, the first entry of X-Forwarded-For, the
// peer socket address, or "unknown" if nothing is usable.
func ExtractClientIP(r *http.Request) string {
	if v := strings.TrimSpace(r.Header.Get("CF-Connecting-IP")); v != "" {
		return v
	}
	if v := strings.TrimSpace(r.Header.Get("X-Real-IP")); v != "" {
		return v
	}
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first := strings.TrimSpace(strings.Split(xff, ",")[0])
		if first != "" {
			return first
		}
	}
	if r.RemoteAddr != "" {
		if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil && host != "" {
			return host
		}
		return r.RemoteAddr
	}
	return "unknown"
}
