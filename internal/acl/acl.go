// Package acl implements the AUTHORISE step of spec.md §4.6: host
// allow/deny lists whose entries are a single address, a base/mask CIDR
// (numeric prefix or dotted mask), or a start-end range, plus the
// IPv4-mapped IPv6 normalization spec.md §9 calls out.
package acl

import (
	"fmt"
	"net"
	"net/netip"
	"strings"
)

// matcher is one compiled allow/deny list entry.
type matcher interface {
	Contains(ip netip.Addr) bool
}

type anyMatcher struct{}

func (anyMatcher) Contains(netip.Addr) bool { return true }

type singleMatcher struct{ addr netip.Addr }

func (m singleMatcher) Contains(ip netip.Addr) bool { return ip == m.addr }

type prefixMatcher struct{ prefix netip.Prefix }

func (m prefixMatcher) Contains(ip netip.Addr) bool { return m.prefix.Contains(ip) }

type rangeMatcher struct{ lo, hi netip.Addr }

func (m rangeMatcher) Contains(ip netip.Addr) bool {
	return ip.Compare(m.lo) >= 0 && ip.Compare(m.hi) <= 0
}

// List is a compiled allow/deny list.
type List struct {
	matchers []matcher
}

// Compile parses a raw config entry list (spec.md §6: `allowed_hosts`,
// `denied_hosts`, and their _6 IPv6 counterparts). "*" matches everything;
// an empty list matches nothing.
func Compile(entries []string) (*List, error) {
	l := &List{}
	for _, raw := range entries {
		entry := strings.TrimSpace(raw)
		if entry == "" {
			continue
		}
		if entry == "*" {
			l.matchers = append(l.matchers, anyMatcher{})
			continue
		}
		m, err := compileEntry(entry)
		if err != nil {
			return nil, fmt.Errorf("acl: malformed entry %q: %w", entry, err)
		}
		l.matchers = append(l.matchers, m)
	}
	return l, nil
}

func compileEntry(entry string) (matcher, error) {
	switch {
	case strings.Contains(entry, "/"):
		return compileCIDR(entry)
	case strings.Contains(entry, "-"):
		return compileRange(entry)
	default:
		addr, err := netip.ParseAddr(entry)
		if err != nil {
			return nil, err
		}
		return singleMatcher{addr: Normalize(addr)}, nil
	}
}

func compileCIDR(entry string) (matcher, error) {
	if prefix, err := netip.ParsePrefix(entry); err == nil {
		return prefixMatcher{prefix: prefix}, nil
	}

	// base/dotted-mask form, e.g. "192.168.1.0/255.255.255.0".
	parts := strings.SplitN(entry, "/", 2)
	if len(parts) != 2 {
		return nil, fmt.Errorf("expected base/mask")
	}
	base, err := netip.ParseAddr(parts[0])
	if err != nil {
		return nil, err
	}
	maskIP := net.ParseIP(parts[1])
	if maskIP == nil {
		return nil, fmt.Errorf("invalid dotted mask %q", parts[1])
	}
	mask4 := maskIP.To4()
	if mask4 == nil {
		return nil, fmt.Errorf("dotted mask must be IPv4")
	}
	ones, bits := net.IPMask(mask4).Size()
	if bits == 0 {
		return nil, fmt.Errorf("non-contiguous mask %q", parts[1])
	}
	prefix := netip.PrefixFrom(base, ones)
	return prefixMatcher{prefix: prefix.Masked()}, nil
}

func compileRange(entry string) (matcher, error) {
	parts := strings.SplitN(entry, "-", 2)
	if len(parts) != 2 {
		return nil, fmt.Errorf("expected start-end")
	}
	lo, err := netip.ParseAddr(strings.TrimSpace(parts[0]))
	if err != nil {
		return nil, err
	}
	hi, err := netip.ParseAddr(strings.TrimSpace(parts[1]))
	if err != nil {
		return nil, err
	}
	return rangeMatcher{lo: Normalize(lo), hi: Normalize(hi)}, nil
}

// Contains reports whether ip matches any entry in the list.
func (l *List) Contains(ip netip.Addr) bool {
	if l == nil {
		return false
	}
	normalized := Normalize(ip)
	for _, m := range l.matchers {
		if m.Contains(normalized) {
			return true
		}
	}
	return false
}

// Normalize converts an IPv4-mapped IPv6 address ("::ffff:a.b.c.d") to its
// plain IPv4 form so it compares equal to IPv4 ACL entries (spec.md §9).
func Normalize(ip netip.Addr) netip.Addr {
	if ip.Is4In6() {
		return ip.Unmap()
	}
	return ip
}

// IsLoopback reports whether ip is 127.0.0.1, ::1, or their IPv4-mapped
// IPv6 forms — always allowed per spec.md §4.6 AUTHORISE.
func IsLoopback(ip netip.Addr) bool {
	return Normalize(ip).IsLoopback()
}

// Policy bundles the four ACL directions spec.md §6 recognises.
type Policy struct {
	Allowed4 *List
	Denied4  *List
	Allowed6 *List
	Denied6  *List
}

// Authorise implements AUTHORISE: loopback always passes; otherwise the
// peer must match the allow list and not match the deny list for its
// address family.
func (p Policy) Authorise(ip netip.Addr) bool {
	ip = Normalize(ip)
	if IsLoopback(ip) {
		return true
	}

	allow, deny := p.Allowed4, p.Denied4
	if ip.Is6() && !ip.Is4In6() {
		allow, deny = p.Allowed6, p.Denied6
	}

	if !allow.Contains(ip) {
		return false
	}
	if deny.Contains(ip) {
		return false
	}
	return true
}
