package nftables

import (
	"testing"

	"afo/internal/policy"
)

func TestParseRulesetTracksContext(t *testing.T) {
	out := `table inet afo {
	chain input {
		type filter hook input priority 0; policy drop;
		tcp dport 22 accept
	}
}
table ip nat {
	chain postrouting {
		type nat hook postrouting priority 100; policy accept;
		oifname "eth0" masquerade
	}
}
`
	lines := parseRuleset(out)
	if len(lines) != 2 {
		t.Fatalf("got %d rule lines, want 2", len(lines))
	}
	if lines[0].Family != "inet" || lines[0].Table != "afo" || lines[0].Chain != "input" {
		t.Errorf("first line context = %+v", lines[0])
	}
	if lines[1].Family != "ip" || lines[1].Table != "nat" || lines[1].Chain != "postrouting" {
		t.Errorf("second line context = %+v", lines[1])
	}
}

func TestLiftRuleWarnsOnInexpressible(t *testing.T) {
	p := parsedLine{Family: "inet", Table: "afo", Chain: "input",
		Body: "meta l4proto gre counter drop"}
	rule, warnings, ok := liftRule(p)
	if !ok {
		t.Fatal("liftRule rejected liftable drop rule")
	}
	if len(warnings) == 0 {
		t.Error("no warning for inexpressible l4proto")
	}
	if rule.Protocol != policy.ProtocolAny {
		t.Errorf("protocol = %s, want any", rule.Protocol)
	}
}

func TestLiftRuleSkipsVerdictlessLines(t *testing.T) {
	p := parsedLine{Family: "inet", Table: "afo", Chain: "input",
		Body: "tcp dport 22 jump ssh_chain"}
	_, warnings, ok := liftRule(p)
	if ok {
		t.Error("liftRule lifted a jump rule")
	}
	if len(warnings) == 0 {
		t.Error("jump rule produced no warning")
	}
}

func TestLiftPortForms(t *testing.T) {
	tests := []struct {
		token string
		want  policy.PortSpec
	}{
		{"22", policy.SinglePort(22)},
		{"1000-2000", policy.PortRange(1000, 2000)},
		{"{ 80, 443 }", policy.PortSpec{List: []int{80, 443}}},
	}
	for _, tt := range tests {
		got, warn := liftPorts(tt.token)
		if warn != "" {
			t.Errorf("liftPorts(%q) warned: %s", tt.token, warn)
			continue
		}
		if got.String() != tt.want.String() {
			t.Errorf("liftPorts(%q) = %v, want %v", tt.token, got, tt.want)
		}
	}
}

func TestLiftRateLimit(t *testing.T) {
	p := parsedLine{Family: "inet", Table: "afo", Chain: "input",
		Body: "limit rate 10/minute counter drop"}
	rule, _, ok := liftRule(p)
	if !ok {
		t.Fatal("liftRule rejected rate-limited rule")
	}
	if rule.RateLimit == nil || rule.RateLimit.Count != 10 {
		t.Fatalf("rate limit = %+v", rule.RateLimit)
	}
}
