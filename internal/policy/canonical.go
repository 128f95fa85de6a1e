package policy

import (
	"net/netip"
	"sort"
	"strings"
)

// Canonicalize normalizes all match fields in place so that two rules with
// equal intent compare equal: CIDRs are masked to their prefix, port lists
// are sorted and deduplicated, degenerate ranges collapse to single ports,
// and the protocol is case-folded.
func (r *PolicyRule) Canonicalize() {
	r.Protocol = Protocol(strings.ToLower(string(r.Protocol)))
	r.Source = canonicalAddress(r.Source)
	r.Destination = canonicalAddress(r.Destination)
	r.SourcePort = canonicalPorts(r.SourcePort)
	r.DestinationPort = canonicalPorts(r.DestinationPort)
	if r.Family == FamilyBoth {
		// A literal address pins the family.
		if r.Source.Prefix.IsValid() {
			r.Family = familyOf(r.Source.Prefix)
		} else if r.Destination.Prefix.IsValid() {
			r.Family = familyOf(r.Destination.Prefix)
		}
	}
}

func familyOf(p netip.Prefix) Family {
	if p.Addr().Is4() || p.Addr().Is4In6() {
		return FamilyIPv4
	}
	return FamilyIPv6
}

func canonicalAddress(a AddressSpec) AddressSpec {
	if a.Prefix.IsValid() {
		a.Prefix = a.Prefix.Masked()
	}
	a.Set = strings.ToLower(a.Set)
	return a
}

func canonicalPorts(p PortSpec) PortSpec {
	if p.IsRange() {
		if p.RangeStart == p.RangeEnd {
			return PortSpec{List: []int{p.RangeStart}}
		}
		return p
	}
	if len(p.List) == 0 {
		return PortSpec{}
	}
	sorted := append([]int(nil), p.List...)
	sort.Ints(sorted)
	out := sorted[:1]
	for _, v := range sorted[1:] {
		if v != out[len(out)-1] {
			out = append(out, v)
		}
	}
	return PortSpec{List: out}
}

// MatchEqual reports whether two rules match the same traffic after
// canonicalization. Action, priority, logging, expiry, and origin are not
// match fields and do not participate.
func MatchEqual(a, b PolicyRule) bool {
	a.Canonicalize()
	b.Canonicalize()
	if a.Family != b.Family || a.Direction != b.Direction || a.Protocol != b.Protocol {
		return false
	}
	if a.Stateful != b.Stateful {
		return false
	}
	if !addressEqual(a.Source, b.Source) || !addressEqual(a.Destination, b.Destination) {
		return false
	}
	if !portsEqual(a.SourcePort, b.SourcePort) || !portsEqual(a.DestinationPort, b.DestinationPort) {
		return false
	}
	if (a.RateLimit == nil) != (b.RateLimit == nil) {
		return false
	}
	if a.RateLimit != nil && *a.RateLimit != *b.RateLimit {
		return false
	}
	return true
}

func addressEqual(a, b AddressSpec) bool {
	if a.Set != b.Set {
		return false
	}
	if a.Prefix.IsValid() != b.Prefix.IsValid() {
		return false
	}
	return !a.Prefix.IsValid() || a.Prefix == b.Prefix
}

func portsEqual(a, b PortSpec) bool {
	if a.IsRange() != b.IsRange() {
		return false
	}
	if a.IsRange() {
		return a.RangeStart == b.RangeStart && a.RangeEnd == b.RangeEnd
	}
	if len(a.List) != len(b.List) {
		return false
	}
	for i := range a.List {
		if a.List[i] != b.List[i] {
			return false
		}
	}
	return true
}

// ParseSubject parses an IP or CIDR string into a prefix, widening bare
// addresses to /32 or /128.
func ParseSubject(s string) (netip.Prefix, error) {
	if strings.Contains(s, "/") {
		p, err := netip.ParsePrefix(s)
		if err != nil {
			return netip.Prefix{}, err
		}
		return p.Masked(), nil
	}
	addr, err := netip.ParseAddr(s)
	if err != nil {
		return netip.Prefix{}, err
	}
	return netip.PrefixFrom(addr, addr.BitLen()), nil
}
