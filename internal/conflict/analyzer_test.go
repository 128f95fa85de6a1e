package conflict

import (
	"net/netip"
	"testing"

	"afo/internal/backend"
	"afo/internal/policy"
)

func mkRule(t *testing.T, origin policy.Origin, action policy.Action, src string, dport policy.PortSpec) policy.PolicyRule {
	t.Helper()
	r := policy.NewRule(origin)
	r.Direction = policy.DirectionInput
	r.Action = action
	r.Protocol = policy.ProtocolTCP
	if src != "" {
		r.Source = policy.AddressSpec{Prefix: netip.MustParsePrefix(src)}
	}
	r.DestinationPort = dport
	return r
}

func findKind(rep Report, k Kind) *Finding {
	for i := range rep.Findings {
		if rep.Findings[i].Kind == k {
			return &rep.Findings[i]
		}
	}
	return nil
}

func TestAnalyzeShadowByBroaderEarlierRule(t *testing.T) {
	broad := mkRule(t, policy.OriginUser, policy.ActionDrop, "203.0.113.0/24", policy.PortSpec{})
	narrow := mkRule(t, policy.OriginDaemonAuto, policy.ActionDrop, "203.0.113.7/32", policy.SinglePort(22))

	rep := Analyze(narrow, []policy.PolicyRule{broad}, backend.FirstMatch)
	f := findKind(rep, KindShadow)
	if f == nil {
		t.Fatalf("no shadow finding, report = %+v", rep)
	}
	if f.ExistingID != broad.ID {
		t.Errorf("shadow attributed to %s, want %s", f.ExistingID, broad.ID)
	}
}

func TestAnalyzeShadowedByLaterUnderLastMatch(t *testing.T) {
	broad := mkRule(t, policy.OriginUser, policy.ActionDrop, "203.0.113.0/24", policy.PortSpec{})
	narrow := mkRule(t, policy.OriginDaemonAuto, policy.ActionDrop, "203.0.113.7/32", policy.PortSpec{})

	rep := Analyze(narrow, []policy.PolicyRule{broad}, backend.LastMatch)
	if findKind(rep, KindShadowedByLater) != nil {
		// a pre-existing rule evaluates before the appended candidate even
		// under last-match, so the candidate is the deciding rule
		t.Fatalf("existing rule cannot shadow an appended candidate under last-match: %+v", rep)
	}
}

func TestAnalyzeRedundantExactDuplicate(t *testing.T) {
	a := mkRule(t, policy.OriginUser, policy.ActionDrop, "198.51.100.0/24", policy.SinglePort(443))
	b := mkRule(t, policy.OriginDaemonAuto, policy.ActionDrop, "198.51.100.0/24", policy.SinglePort(443))
	// different insertion metadata must not defeat duplicate detection
	b.Comment = "proposed by correlator"

	rep := Analyze(b, []policy.PolicyRule{a}, backend.FirstMatch)
	if findKind(rep, KindRedundant) == nil {
		t.Fatalf("duplicate not flagged redundant: %+v", rep)
	}
}

func TestAnalyzeContradictionOppositeAction(t *testing.T) {
	allow := mkRule(t, policy.OriginUser, policy.ActionAccept, "198.51.100.10/32", policy.SinglePort(22))
	deny := mkRule(t, policy.OriginDaemonAuto, policy.ActionDrop, "198.51.100.10/32", policy.SinglePort(22))

	rep := Analyze(deny, []policy.PolicyRule{allow}, backend.FirstMatch)
	if findKind(rep, KindContradiction) == nil {
		t.Fatalf("opposite-action duplicate not flagged: %+v", rep)
	}
	if !rep.UserShadowOrContradiction() {
		t.Error("contradiction against a user rule must trip the deployment gate")
	}
}

func TestAnalyzeOverlapDifferingAction(t *testing.T) {
	allow := mkRule(t, policy.OriginUser, policy.ActionAccept, "10.0.0.0/8", policy.PortRange(8000, 9000))
	deny := mkRule(t, policy.OriginDaemonAuto, policy.ActionDrop, "10.1.0.0/16", policy.PortRange(8500, 9500))

	rep := Analyze(deny, []policy.PolicyRule{allow}, backend.FirstMatch)
	if findKind(rep, KindOverlap) == nil {
		t.Fatalf("partial intersection not flagged: %+v", rep)
	}
	if rep.UserShadowOrContradiction() {
		t.Error("plain overlap must not trip the shadow/contradiction gate")
	}
}

func TestAnalyzeDisjointDimensionsNoFinding(t *testing.T) {
	tests := []struct {
		name     string
		existing policy.PolicyRule
	}{
		{"disjoint address", mkRule(t, policy.OriginUser, policy.ActionDrop, "192.0.2.0/24", policy.SinglePort(22))},
		{"disjoint ports", mkRule(t, policy.OriginUser, policy.ActionDrop, "203.0.113.0/24", policy.SinglePort(80))},
	}
	candidate := mkRule(t, policy.OriginDaemonAuto, policy.ActionDrop, "203.0.113.7/32", policy.SinglePort(22))
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rep := Analyze(candidate, []policy.PolicyRule{tt.existing}, backend.FirstMatch)
			if tt.name == "disjoint address" && rep.HasConflicts() {
				t.Errorf("findings for disjoint rules: %+v", rep.Findings)
			}
			if tt.name == "disjoint ports" && findKind(rep, KindShadow) != nil {
				t.Errorf("shadow despite disjoint ports: %+v", rep.Findings)
			}
		})
	}
}

func TestAnalyzeDisjointProtocolNoFinding(t *testing.T) {
	udp := mkRule(t, policy.OriginUser, policy.ActionDrop, "203.0.113.0/24", policy.SinglePort(53))
	udp.Protocol = policy.ProtocolUDP
	tcp := mkRule(t, policy.OriginDaemonAuto, policy.ActionDrop, "203.0.113.7/32", policy.SinglePort(53))

	rep := Analyze(tcp, []policy.PolicyRule{udp}, backend.FirstMatch)
	if rep.HasConflicts() {
		t.Errorf("findings across disjoint protocols: %+v", rep.Findings)
	}
}

func TestAnalyzePriorityBreaksEvaluationOrder(t *testing.T) {
	broad := mkRule(t, policy.OriginUser, policy.ActionDrop, "203.0.113.0/24", policy.PortSpec{})
	broad.Priority = 100
	narrow := mkRule(t, policy.OriginDaemonAuto, policy.ActionDrop, "203.0.113.7/32", policy.PortSpec{})
	narrow.Priority = 10

	// the candidate's lower priority places it before the broad rule, so no
	// shadow under first-match
	rep := Analyze(narrow, []policy.PolicyRule{broad}, backend.FirstMatch)
	if findKind(rep, KindShadow) != nil {
		t.Fatalf("shadow despite candidate evaluating first: %+v", rep.Findings)
	}
}

func TestAnalyzeSymbolicSetsAreConservative(t *testing.T) {
	setRule := mkRule(t, policy.OriginUser, policy.ActionAccept, "", policy.SinglePort(22))
	setRule.Source = policy.AddressSpec{Set: "mgmt_hosts"}
	literal := mkRule(t, policy.OriginDaemonAuto, policy.ActionDrop, "203.0.113.7/32", policy.SinglePort(22))

	rep := Analyze(literal, []policy.PolicyRule{setRule}, backend.FirstMatch)
	// a named set and a literal may intersect, so the differing action is an
	// overlap warning, never a shadow
	if findKind(rep, KindOverlap) == nil {
		t.Errorf("set/literal intersection not warned: %+v", rep.Findings)
	}
	if findKind(rep, KindShadow) != nil {
		t.Errorf("literal treated as subset of opaque set: %+v", rep.Findings)
	}
}

func TestAnalyzeIgnoresSelf(t *testing.T) {
	r := mkRule(t, policy.OriginUser, policy.ActionDrop, "203.0.113.7/32", policy.SinglePort(22))
	rep := Analyze(r, []policy.PolicyRule{r}, backend.FirstMatch)
	if rep.HasConflicts() {
		t.Errorf("rule conflicts with itself: %+v", rep.Findings)
	}
}
