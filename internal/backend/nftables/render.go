package nftables

import (
	"fmt"
	"strings"

	"afo/internal/backend"
	"afo/internal/policy"
	"afo/internal/types"
)

// Rules live in a dedicated inet table so the orchestrator never touches
// rules owned by other tooling on the host.
const (
	Name      = "nftables"
	tableName = "afo"
	family    = "inet"
)

// commentTag prefixes every managed rule comment with the rule id so
// ListRules and delta removal can identify rules the orchestrator owns.
const commentTag = "afo:"

// renderRule produces a complete one-line add statement, e.g.
//
//	add rule inet afo input ip saddr 203.0.113.7/32 tcp dport 22 counter drop comment "afo:<id>"
//
// The chain travels with the text so ApplyAtomic can place the rule when
// assembling a full image.
func renderRule(r policy.PolicyRule) (backend.RenderedRule, error) {
	if err := r.Validate(); err != nil {
		return backend.RenderedRule{}, err
	}
	r.Canonicalize()

	chain, err := chainFor(r.Direction)
	if err != nil {
		return backend.RenderedRule{}, err
	}

	parts := []string{"add rule", family, tableName, chain}

	addrToken := func(spec policy.AddressSpec, side string) []string {
		if spec.Set != "" {
			return []string{matchProto(r.Family), side, "@" + spec.Set}
		}
		if spec.Prefix.IsValid() {
			return []string{matchProto(r.Family), side, spec.Prefix.String()}
		}
		return nil
	}
	parts = append(parts, addrToken(r.Source, "saddr")...)
	parts = append(parts, addrToken(r.Destination, "daddr")...)

	if r.Protocol != policy.ProtocolAny {
		switch {
		case !r.SourcePort.IsZero() || !r.DestinationPort.IsZero():
			if !r.SourcePort.IsZero() {
				parts = append(parts, string(r.Protocol), "sport", portToken(r.SourcePort))
			}
			if !r.DestinationPort.IsZero() {
				parts = append(parts, string(r.Protocol), "dport", portToken(r.DestinationPort))
			}
		case r.Protocol == policy.ProtocolICMP:
			parts = append(parts, "meta l4proto { icmp, ipv6-icmp }")
		default:
			parts = append(parts, "meta l4proto", string(r.Protocol))
		}
	}

	if r.Stateful && r.Action == policy.ActionAccept {
		parts = append(parts, "ct state new,established")
	}
	if r.RateLimit != nil {
		parts = append(parts, "limit rate", fmt.Sprintf("%d/%s", r.RateLimit.Count, rateUnit(r.RateLimit)))
	}
	if r.Log {
		parts = append(parts, "log prefix", fmt.Sprintf("%q", "afo-"+string(r.Action)+" "))
	}

	comment := commentTag + r.ID
	if r.Comment != "" {
		comment += " " + r.Comment
	}
	parts = append(parts, "counter", string(r.Action), "comment", fmt.Sprintf("%q", comment))

	return backend.RenderedRule{
		BackendName: Name,
		RuleID:      r.ID,
		Text:        strings.Join(parts, " "),
	}, nil
}

// matchProto returns the nft address-match protocol keyword for a family.
// In an inet table, "ip" matches v4 and "ip6" matches v6.
func matchProto(f policy.Family) string {
	if f == policy.FamilyIPv6 {
		return "ip6"
	}
	return "ip"
}

func portToken(p policy.PortSpec) string {
	if p.IsRange() {
		return fmt.Sprintf("%d-%d", p.RangeStart, p.RangeEnd)
	}
	if len(p.List) == 1 {
		return fmt.Sprintf("%d", p.List[0])
	}
	elems := make([]string, len(p.List))
	for i, v := range p.List {
		elems[i] = fmt.Sprintf("%d", v)
	}
	return "{ " + strings.Join(elems, ", ") + " }"
}

// rateUnit picks the nft limit unit closest to the configured window.
func rateUnit(rl *policy.RateLimit) string {
	switch {
	case rl.Window.Hours() >= 1:
		return "hour"
	case rl.Window.Minutes() >= 1:
		return "minute"
	default:
		return "second"
	}
}

// chainFor maps a rule direction to the managed chain name.
func chainFor(d policy.Direction) (string, error) {
	switch d {
	case policy.DirectionInput:
		return "input", nil
	case policy.DirectionOutput:
		return "output", nil
	case policy.DirectionForward:
		return "forward", nil
	}
	return "", &types.ValidationError{Field: "direction", Message: fmt.Sprintf("unknown direction %q", d)}
}

// buildImage assembles a complete ruleset image for atomic replacement.
// The image begins with a flush directive so a single nft -f load replaces
// the whole ruleset in one kernel transaction. An empty image is valid and
// equivalent to an atomic flush. The adapter never performs a non-atomic
// flush followed by a separate load.
func buildImage(rules []backend.RenderedRule) string {
	var b strings.Builder
	b.WriteString("flush ruleset\n")
	b.WriteString(fmt.Sprintf("table %s %s {\n", family, tableName))
	for _, chain := range []string{"input", "forward", "output"} {
		b.WriteString(fmt.Sprintf("\tchain %s {\n", chain))
		b.WriteString(fmt.Sprintf("\t\ttype filter hook %s priority 0; policy accept;\n", chain))
		for _, r := range rules {
			stmt, ok := splitStatement(r.Text)
			if ok && stmt.Chain == chain {
				b.WriteString("\t\t" + stmt.Body + "\n")
			}
		}
		b.WriteString("\t}\n")
	}
	b.WriteString("}\n")
	return b.String()
}

// statement is the decomposed form of a one-line add statement.
type statement struct {
	Family string
	Table  string
	Chain  string
	Body   string
}

// splitStatement decomposes "add rule <family> <table> <chain> <body>".
func splitStatement(text string) (statement, bool) {
	fields := strings.Fields(text)
	if len(fields) < 6 || fields[0] != "add" || fields[1] != "rule" {
		return statement{}, false
	}
	return statement{
		Family: fields[2],
		Table:  fields[3],
		Chain:  fields[4],
		Body:   strings.Join(fields[5:], " "),
	}, true
}
