// Package conflict implements shadow/redundancy/contradiction analysis over
// parsed firewall rules. The analyzer is pure with respect to the store and
// the live ruleset; it only reasons about the rules it is handed.
//
// Each rule contributes a match set over (family, direction, source
// addresses, destination addresses, protocol, source ports, destination
// ports). Two rules overlap iff every dimension intersects; one shadows
// another iff it overlaps, fully contains the other's match set, and is
// evaluated first under the backend's evaluation order.
package conflict

import (
	"fmt"
	"net/netip"

	"afo/internal/backend"
	"afo/internal/policy"
)

// Kind classifies a finding.
type Kind string

const (
	// KindShadow: an earlier-evaluated rule fully subsumes the candidate.
	KindShadow Kind = "shadow"
	// KindShadowedByLater: under last-match evaluation a later rule
	// subsumes the candidate.
	KindShadowedByLater Kind = "shadowed-by-later"
	// KindRedundant: exact duplicate after canonicalization, same action.
	KindRedundant Kind = "redundant"
	// KindContradiction: same match set, opposite action.
	KindContradiction Kind = "contradiction"
	// KindOverlap: partial intersection with a differing action.
	KindOverlap Kind = "overlap"
)

// Finding is one detected relationship between the candidate and an
// existing rule.
type Finding struct {
	Kind        Kind
	ExistingID  string
	Existing    policy.PolicyRule
	Explanation string
}

// Report is the analyzer output. Findings are warnings, not errors:
// deployment over conflicts is permitted except where the autonomy
// controller's gates say otherwise.
type Report struct {
	CandidateID string
	Findings    []Finding
}

// HasConflicts reports whether any finding was recorded.
func (r Report) HasConflicts() bool { return len(r.Findings) > 0 }

// UserShadowOrContradiction reports whether any finding shadows or
// contradicts a rule whose origin is user. The autonomy controller must
// refuse to deploy in that case.
func (r Report) UserShadowOrContradiction() bool {
	for _, f := range r.Findings {
		if f.Existing.Origin != policy.OriginUser {
			continue
		}
		if f.Kind == KindShadow || f.Kind == KindShadowedByLater || f.Kind == KindContradiction {
			return true
		}
	}
	return false
}

// Analyze compares the candidate against the existing ruleset. The existing
// slice must be in the insertion order reported by the adapter's ListRules;
// that order breaks ties between rules of identical priority.
func Analyze(candidate policy.PolicyRule, existing []policy.PolicyRule, order backend.EvaluationOrder) Report {
	candidate.Canonicalize()
	report := Report{CandidateID: candidate.ID}

	for _, other := range existing {
		other.Canonicalize()
		if other.ID == candidate.ID {
			continue
		}
		if !overlap(candidate, other) {
			continue
		}

		sameAction := candidate.Action == other.Action
		opposite := oppositeActions(candidate.Action, other.Action)

		if policy.MatchEqual(candidate, other) {
			switch {
			case sameAction:
				report.Findings = append(report.Findings, Finding{
					Kind: KindRedundant, ExistingID: other.ID, Existing: other,
					Explanation: "exact duplicate after canonicalization",
				})
			case opposite:
				report.Findings = append(report.Findings, Finding{
					Kind: KindContradiction, ExistingID: other.ID, Existing: other,
					Explanation: fmt.Sprintf("same match set with opposite action (%s vs %s)", candidate.Action, other.Action),
				})
			}
			continue
		}

		if subset(candidate, other) {
			if evaluatedFirst(other, candidate, order) {
				kind := KindShadow
				if order == backend.LastMatch {
					kind = KindShadowedByLater
				}
				report.Findings = append(report.Findings, Finding{
					Kind: kind, ExistingID: other.ID, Existing: other,
					Explanation: "candidate match set fully contained by existing rule evaluated first",
				})
				continue
			}
		}

		if !sameAction {
			report.Findings = append(report.Findings, Finding{
				Kind: KindOverlap, ExistingID: other.ID, Existing: other,
				Explanation: fmt.Sprintf("partial match intersection with differing action (%s vs %s)", candidate.Action, other.Action),
			})
		}
	}
	return report
}

// evaluatedFirst decides whether other is evaluated before the candidate.
// Lower priority wins; equal priority falls back to insertion order, and a
// new candidate always lands after existing rules of equal priority. Under
// last-match evaluation the relation is inverted: the later rule decides.
func evaluatedFirst(other, candidate policy.PolicyRule, order backend.EvaluationOrder) bool {
	var otherBefore bool
	switch {
	case other.Priority != candidate.Priority:
		otherBefore = other.Priority < candidate.Priority
	default:
		otherBefore = true // existing insertion order precedes a new candidate
	}
	if order == backend.LastMatch {
		return !otherBefore
	}
	return otherBefore
}

func oppositeActions(a, b policy.Action) bool {
	deny := func(x policy.Action) bool { return x == policy.ActionDrop || x == policy.ActionReject }
	return (a == policy.ActionAccept && deny(b)) || (deny(a) && b == policy.ActionAccept)
}

// overlap reports whether the two rules can match the same packet.
func overlap(a, b policy.PolicyRule) bool {
	if a.Direction != b.Direction {
		return false
	}
	if !familiesOverlap(a.Family, b.Family) {
		return false
	}
	if !protocolsOverlap(a.Protocol, b.Protocol) {
		return false
	}
	if !addressesOverlap(a.Source, b.Source) || !addressesOverlap(a.Destination, b.Destination) {
		return false
	}
	if !portsOverlap(a.SourcePort, b.SourcePort) || !portsOverlap(a.DestinationPort, b.DestinationPort) {
		return false
	}
	return true
}

// subset reports whether a's match set is fully contained in b's.
func subset(a, b policy.PolicyRule) bool {
	if a.Direction != b.Direction {
		return false
	}
	if !familySubset(a.Family, b.Family) {
		return false
	}
	if !protocolSubset(a.Protocol, b.Protocol) {
		return false
	}
	if !addressSubset(a.Source, b.Source) || !addressSubset(a.Destination, b.Destination) {
		return false
	}
	if !portSubset(a.SourcePort, b.SourcePort) || !portSubset(a.DestinationPort, b.DestinationPort) {
		return false
	}
	return true
}

func familiesOverlap(a, b policy.Family) bool {
	if a == policy.FamilyBoth || b == policy.FamilyBoth {
		return true
	}
	return a == b
}

func familySubset(a, b policy.Family) bool {
	if b == policy.FamilyBoth {
		return true
	}
	return a == b
}

func protocolsOverlap(a, b policy.Protocol) bool {
	if a == policy.ProtocolAny || b == policy.ProtocolAny {
		return true
	}
	return a == b
}

func protocolSubset(a, b policy.Protocol) bool {
	if b == policy.ProtocolAny {
		return true
	}
	return a == b
}

// addressesOverlap treats an empty spec as the universal set. Symbolic sets
// are opaque: two different set names are assumed to potentially overlap
// (safe for warning purposes), a set and a literal likewise.
func addressesOverlap(a, b policy.AddressSpec) bool {
	if a.IsZero() || b.IsZero() {
		return true
	}
	if a.Set != "" || b.Set != "" {
		return true
	}
	return prefixesOverlap(a.Prefix, b.Prefix)
}

// addressSubset is conservative for symbolic sets: a set is a subset only
// of itself or of the universal set.
func addressSubset(a, b policy.AddressSpec) bool {
	if b.IsZero() {
		return true
	}
	if a.IsZero() {
		return false
	}
	if a.Set != "" || b.Set != "" {
		return a.Set == b.Set
	}
	return prefixContains(b.Prefix, a.Prefix)
}

func prefixesOverlap(a, b netip.Prefix) bool {
	if a.Addr().Is4() != b.Addr().Is4() {
		return false
	}
	return a.Contains(b.Addr()) || b.Contains(a.Addr())
}

// prefixContains reports whether outer fully contains inner.
func prefixContains(outer, inner netip.Prefix) bool {
	if outer.Addr().Is4() != inner.Addr().Is4() {
		return false
	}
	return outer.Bits() <= inner.Bits() && outer.Contains(inner.Addr())
}

// portsOverlap treats the empty spec as all ports.
func portsOverlap(a, b policy.PortSpec) bool {
	if a.IsZero() || b.IsZero() {
		return true
	}
	for _, ia := range intervals(a) {
		for _, ib := range intervals(b) {
			if ia[0] <= ib[1] && ib[0] <= ia[1] {
				return true
			}
		}
	}
	return false
}

// portSubset reports whether every port in a lies inside b.
func portSubset(a, b policy.PortSpec) bool {
	if b.IsZero() {
		return true
	}
	if a.IsZero() {
		return false
	}
	for _, ia := range intervals(a) {
		contained := false
		for _, ib := range intervals(b) {
			if ib[0] <= ia[0] && ia[1] <= ib[1] {
				contained = true
				break
			}
		}
		if !contained {
			return false
		}
	}
	return true
}

// intervals returns the sorted closed intervals a spec covers.
func intervals(p policy.PortSpec) [][2]int {
	if p.IsRange() {
		return [][2]int{{p.RangeStart, p.RangeEnd}}
	}
	out := make([][2]int, 0, len(p.List))
	for _, v := range p.List { // canonical lists are sorted
		out = append(out, [2]int{v, v})
	}
	return out
}
