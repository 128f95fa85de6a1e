package nftables

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"afo/internal/backend"
	"afo/internal/policy"
)

// Regexes for lifting rule bodies back into the neutral model. The list
// output of nft is stable enough for this; anything unrecognized is kept
// verbatim in the rendered form and reported as an import warning.
var (
	reSaddr   = regexp.MustCompile(`\b(ip6?) saddr (@?\S+)`)
	reDaddr   = regexp.MustCompile(`\b(ip6?) daddr (@?\S+)`)
	reProto   = regexp.MustCompile(`\b(tcp|udp) (sport|dport) (\{[^}]*\}|\S+)`)
	reL4      = regexp.MustCompile(`meta l4proto (\{[^}]*\}|\S+)`)
	reLimit   = regexp.MustCompile(`limit rate (\d+)/(second|minute|hour)`)
	reComment = regexp.MustCompile(`comment "([^"]*)"`)
	reHandle  = regexp.MustCompile(`# handle (\d+)$`)
	reCtState = regexp.MustCompile(`ct state \S+`)
	reAction  = regexp.MustCompile(`\b(accept|drop|reject)\b`)
)

// parsedLine is one rule line from list output, with its location.
type parsedLine struct {
	Family string
	Table  string
	Chain  string
	Body   string
	Handle string
}

// parseRuleset walks the block-structured output of `nft list ruleset`,
// tracking table and chain context, and returns every rule line.
func parseRuleset(out string) []parsedLine {
	var (
		rules      []parsedLine
		curFamily  string
		curTable   string
		curChain   string
		tableRe    = regexp.MustCompile(`^table\s+(\w+)\s+(\S+)\s*\{?`)
		chainRe    = regexp.MustCompile(`^chain\s+(\S+)\s*\{?`)
	)
	for _, raw := range strings.Split(out, "\n") {
		line := strings.TrimSpace(raw)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if m := tableRe.FindStringSubmatch(line); m != nil {
			curFamily, curTable = m[1], m[2]
			curChain = ""
			continue
		}
		if m := chainRe.FindStringSubmatch(line); m != nil {
			curChain = m[1]
			continue
		}
		if line == "}" {
			if curChain != "" {
				curChain = ""
			} else {
				curTable = ""
			}
			continue
		}
		if curChain == "" ||
			strings.HasPrefix(line, "type ") ||
			strings.HasPrefix(line, "policy ") ||
			strings.HasPrefix(line, "elements ") {
			continue
		}
		p := parsedLine{Family: curFamily, Table: curTable, Chain: curChain, Body: line}
		if m := reHandle.FindStringSubmatch(line); m != nil {
			p.Handle = m[1]
			p.Body = strings.TrimSpace(strings.TrimSuffix(line, m[0]))
		}
		rules = append(rules, p)
	}
	return rules
}

// toRendered converts a parsed line back to statement form.
func (p parsedLine) toRendered() backend.RenderedRule {
	r := backend.RenderedRule{
		BackendName: Name,
		Text:        fmt.Sprintf("add rule %s %s %s %s", p.Family, p.Table, p.Chain, p.Body),
	}
	if m := reComment.FindStringSubmatch(p.Body); m != nil {
		if id, ok := strings.CutPrefix(m[1], commentTag); ok {
			r.RuleID = strings.Fields(id)[0]
		}
	}
	return r
}

// liftRule best-effort converts a parsed line into the neutral model.
// Returns the rule plus warnings for features it could not express; the
// second return is false when the line is not a filter rule at all.
func liftRule(p parsedLine) (policy.PolicyRule, []string, bool) {
	var warnings []string

	rule := policy.PolicyRule{
		ID:       liftedID(p),
		Family:   policy.FamilyBoth,
		Protocol: policy.ProtocolAny,
		Origin:   policy.OriginImported,
	}

	switch p.Chain {
	case "input":
		rule.Direction = policy.DirectionInput
	case "output":
		rule.Direction = policy.DirectionOutput
	case "forward":
		rule.Direction = policy.DirectionForward
	default:
		warnings = append(warnings, fmt.Sprintf("chain %q has no neutral direction", p.Chain))
		rule.Direction = policy.DirectionInput
	}

	switch p.Family {
	case "ip":
		rule.Family = policy.FamilyIPv4
	case "ip6":
		rule.Family = policy.FamilyIPv6
	case "inet":
		rule.Family = policy.FamilyBoth
	default:
		warnings = append(warnings, fmt.Sprintf("family %q not expressible", p.Family))
	}

	m := reAction.FindStringSubmatch(p.Body)
	if m == nil {
		// jump/goto/log-only verdicts have no neutral action
		return policy.PolicyRule{}, []string{fmt.Sprintf("rule %q has no accept/drop/reject verdict", p.Body)}, false
	}
	rule.Action = policy.Action(m[1])

	if m := reSaddr.FindStringSubmatch(p.Body); m != nil {
		spec, warn := liftAddress(m[2])
		rule.Source = spec
		if warn != "" {
			warnings = append(warnings, warn)
		}
		if m[1] == "ip6" {
			rule.Family = policy.FamilyIPv6
		} else if p.Family == "inet" {
			rule.Family = policy.FamilyIPv4
		}
	}
	if m := reDaddr.FindStringSubmatch(p.Body); m != nil {
		spec, warn := liftAddress(m[2])
		rule.Destination = spec
		if warn != "" {
			warnings = append(warnings, warn)
		}
	}

	for _, m := range reProto.FindAllStringSubmatch(p.Body, -1) {
		rule.Protocol = policy.Protocol(m[1])
		spec, warn := liftPorts(m[3])
		if warn != "" {
			warnings = append(warnings, warn)
		}
		if m[2] == "sport" {
			rule.SourcePort = spec
		} else {
			rule.DestinationPort = spec
		}
	}
	if rule.Protocol == policy.ProtocolAny {
		if m := reL4.FindStringSubmatch(p.Body); m != nil {
			switch tok := m[1]; {
			case tok == "tcp" || tok == "udp":
				rule.Protocol = policy.Protocol(tok)
			case strings.Contains(tok, "icmp"):
				rule.Protocol = policy.ProtocolICMP
			default:
				warnings = append(warnings, fmt.Sprintf("l4proto %q not expressible", tok))
			}
		}
	}

	if m := reLimit.FindStringSubmatch(p.Body); m != nil {
		count, _ := strconv.Atoi(m[1])
		rule.RateLimit = &policy.RateLimit{Count: count, Window: windowFor(m[2])}
	}
	rule.Stateful = reCtState.MatchString(p.Body)
	rule.Log = strings.Contains(p.Body, "log prefix")

	if m := reComment.FindStringSubmatch(p.Body); m != nil {
		comment := m[1]
		if rest, ok := strings.CutPrefix(comment, commentTag); ok {
			fields := strings.Fields(rest)
			if len(fields) > 0 {
				if _, err := uuid.Parse(fields[0]); err == nil {
					rule.ID = fields[0]
					comment = strings.TrimSpace(strings.TrimPrefix(rest, fields[0]))
				}
			}
		}
		rule.Comment = comment
	}

	rule.Canonicalize()
	return rule, warnings, true
}

// liftedID derives a rule ID from the rule's location and body, so the
// same untagged line imports under the same ID on every pass. Handle
// numbers are excluded; they shift when unrelated rules change.
func liftedID(p parsedLine) string {
	name := p.Family + "/" + p.Table + "/" + p.Chain + "/" + p.Body
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(name)).String()
}

func liftAddress(token string) (policy.AddressSpec, string) {
	if name, ok := strings.CutPrefix(token, "@"); ok {
		return policy.AddressSpec{Set: name}, ""
	}
	prefix, err := policy.ParseSubject(token)
	if err != nil {
		return policy.AddressSpec{}, fmt.Sprintf("address %q not expressible", token)
	}
	return policy.AddressSpec{Prefix: prefix}, ""
}

func liftPorts(token string) (policy.PortSpec, string) {
	token = strings.TrimSpace(token)
	if strings.HasPrefix(token, "{") {
		inner := strings.Trim(token, "{} ")
		var list []int
		for _, part := range strings.Split(inner, ",") {
			v, err := strconv.Atoi(strings.TrimSpace(part))
			if err != nil {
				return policy.PortSpec{}, fmt.Sprintf("port set %q not expressible", token)
			}
			list = append(list, v)
		}
		return policy.PortSpec{List: list}, ""
	}
	if start, end, ok := strings.Cut(token, "-"); ok {
		s, err1 := strconv.Atoi(start)
		e, err2 := strconv.Atoi(end)
		if err1 != nil || err2 != nil {
			return policy.PortSpec{}, fmt.Sprintf("port range %q not expressible", token)
		}
		return policy.PortRange(s, e), ""
	}
	v, err := strconv.Atoi(token)
	if err != nil {
		return policy.PortSpec{}, fmt.Sprintf("port %q not expressible", token)
	}
	return policy.SinglePort(v), ""
}

func windowFor(unit string) time.Duration {
	switch unit {
	case "hour":
		return time.Hour
	case "minute":
		return time.Minute
	default:
		return time.Second
	}
}
