// Package policy provides the backend-neutral firewall rule model:
// construction, validation, and canonicalization of PolicyRule. Rendering
// to backend text is delegated to the active backend adapter; this package
// never produces backend syntax.
package policy

import (
	"fmt"
	"net/netip"
	"strings"
	"time"
	"unicode"

	"github.com/google/uuid"

	"afo/internal/types"
)

// Family selects the address family a rule applies to.
type Family string

const (
	FamilyIPv4 Family = "ipv4"
	FamilyIPv6 Family = "ipv6"
	FamilyBoth Family = "both"
)

// Direction is the traffic direction a rule matches.
type Direction string

const (
	DirectionInput   Direction = "input"
	DirectionOutput  Direction = "output"
	DirectionForward Direction = "forward"
)

// Action is the verdict applied to matching traffic. Autonomous rules are
// restricted to drop/reject by the autonomy controller and by Validate.
type Action string

const (
	ActionDrop   Action = "drop"
	ActionReject Action = "reject"
	ActionAccept Action = "accept"
)

// Protocol is the transport protocol matched by a rule.
type Protocol string

const (
	ProtocolTCP  Protocol = "tcp"
	ProtocolUDP  Protocol = "udp"
	ProtocolICMP Protocol = "icmp"
	ProtocolAny  Protocol = "any"
)

// Origin records who created a rule. accept requires origin=user.
type Origin string

const (
	OriginUser          Origin = "user"
	OriginDaemonAuto    Origin = "daemon-auto"
	OriginDaemonPropose Origin = "daemon-propose"
	OriginImported      Origin = "imported"
)

// AddressSpec matches one side of a connection: a literal address or CIDR,
// or a symbolic named set resolved by the backend. At most one of Prefix
// and Set may be populated.
type AddressSpec struct {
	Prefix netip.Prefix `yaml:"prefix,omitempty" json:"prefix,omitempty"`
	Set    string       `yaml:"set,omitempty" json:"set,omitempty"`
}

// IsZero reports whether the spec matches everything.
func (a AddressSpec) IsZero() bool { return !a.Prefix.IsValid() && a.Set == "" }

func (a AddressSpec) String() string {
	if a.Set != "" {
		return "@" + a.Set
	}
	if a.Prefix.IsValid() {
		return a.Prefix.String()
	}
	return "any"
}

// PortSpec matches ports: a single port, an inclusive range, or a list.
// Range and List are mutually exclusive; Single is expressed as a
// one-element List after canonicalization.
type PortSpec struct {
	RangeStart int   `yaml:"range_start,omitempty" json:"range_start,omitempty"`
	RangeEnd   int   `yaml:"range_end,omitempty" json:"range_end,omitempty"`
	List       []int `yaml:"list,omitempty" json:"list,omitempty"`
}

// SinglePort builds a PortSpec matching exactly one port.
func SinglePort(p int) PortSpec { return PortSpec{List: []int{p}} }

// PortRange builds a PortSpec matching an inclusive range.
func PortRange(start, end int) PortSpec { return PortSpec{RangeStart: start, RangeEnd: end} }

// IsZero reports whether the spec matches all ports.
func (p PortSpec) IsZero() bool {
	return len(p.List) == 0 && p.RangeStart == 0 && p.RangeEnd == 0
}

// IsRange reports whether the spec is a range form.
func (p PortSpec) IsRange() bool { return p.RangeStart != 0 || p.RangeEnd != 0 }

func (p PortSpec) String() string {
	if p.IsRange() {
		return fmt.Sprintf("%d-%d", p.RangeStart, p.RangeEnd)
	}
	if len(p.List) == 0 {
		return "any"
	}
	parts := make([]string, len(p.List))
	for i, v := range p.List {
		parts[i] = fmt.Sprintf("%d", v)
	}
	return strings.Join(parts, ",")
}

// RateLimit caps matching traffic to Count packets per Window.
type RateLimit struct {
	Count  int           `yaml:"count" json:"count"`
	Window time.Duration `yaml:"window" json:"window"`
}

// PolicyRule is the backend-neutral intent for one firewall rule.
type PolicyRule struct {
	ID              string      `yaml:"id" json:"id"`
	Family          Family      `yaml:"family" json:"family"`
	Direction       Direction   `yaml:"direction" json:"direction"`
	Action          Action      `yaml:"action" json:"action"`
	Source          AddressSpec `yaml:"source,omitempty" json:"source,omitempty"`
	Destination     AddressSpec `yaml:"destination,omitempty" json:"destination,omitempty"`
	Protocol        Protocol    `yaml:"protocol" json:"protocol"`
	SourcePort      PortSpec    `yaml:"source_port,omitempty" json:"source_port,omitempty"`
	DestinationPort PortSpec    `yaml:"destination_port,omitempty" json:"destination_port,omitempty"`
	Stateful        bool        `yaml:"stateful" json:"stateful"`
	RateLimit       *RateLimit  `yaml:"rate_limit,omitempty" json:"rate_limit,omitempty"`
	Log             bool        `yaml:"log" json:"log"`
	Priority        int         `yaml:"priority" json:"priority"`
	ExpiresAt       *time.Time  `yaml:"expires_at,omitempty" json:"expires_at,omitempty"`
	Origin          Origin      `yaml:"origin" json:"origin"`
	Comment         string      `yaml:"comment,omitempty" json:"comment,omitempty"`
}

// NewRule returns a rule with a fresh id and the accept-side default of
// stateful matching.
func NewRule(origin Origin) PolicyRule {
	return PolicyRule{
		ID:       uuid.NewString(),
		Family:   FamilyBoth,
		Protocol: ProtocolAny,
		Stateful: true,
		Origin:   origin,
	}
}

// commentDelimiter is the quoting character used by rule rendering syntax;
// comments containing it are rejected rather than escaped so the rendered
// text can never change rule semantics.
const commentDelimiter = '"'

// Validate checks structural consistency. It returns a
// *types.ValidationError naming the offending field.
func (r *PolicyRule) Validate() error {
	if r.ID == "" {
		return &types.ValidationError{Field: "id", Message: "required"}
	}
	if _, err := uuid.Parse(r.ID); err != nil {
		return &types.ValidationError{Field: "id", Message: "must be a UUID"}
	}
	switch r.Family {
	case FamilyIPv4, FamilyIPv6, FamilyBoth:
	default:
		return &types.ValidationError{Field: "family", Message: fmt.Sprintf("unknown family %q", r.Family)}
	}
	switch r.Direction {
	case DirectionInput, DirectionOutput, DirectionForward:
	default:
		return &types.ValidationError{Field: "direction", Message: fmt.Sprintf("unknown direction %q", r.Direction)}
	}
	switch r.Action {
	case ActionDrop, ActionReject, ActionAccept:
	default:
		return &types.ValidationError{Field: "action", Message: fmt.Sprintf("unknown action %q", r.Action)}
	}
	if r.Action == ActionAccept && r.Origin != OriginUser {
		return &types.ValidationError{Field: "action", Message: "accept rules require origin=user"}
	}
	switch r.Protocol {
	case ProtocolTCP, ProtocolUDP, ProtocolICMP, ProtocolAny:
	default:
		return &types.ValidationError{Field: "protocol", Message: fmt.Sprintf("unknown protocol %q", r.Protocol)}
	}
	switch r.Origin {
	case OriginUser, OriginDaemonAuto, OriginDaemonPropose, OriginImported:
	default:
		return &types.ValidationError{Field: "origin", Message: fmt.Sprintf("unknown origin %q", r.Origin)}
	}

	if err := validateAddress("source", r.Source, r.Family); err != nil {
		return err
	}
	if err := validateAddress("destination", r.Destination, r.Family); err != nil {
		return err
	}
	if err := validatePorts("source_port", r.SourcePort); err != nil {
		return err
	}
	if err := validatePorts("destination_port", r.DestinationPort); err != nil {
		return err
	}
	if !r.SourcePort.IsZero() || !r.DestinationPort.IsZero() {
		if r.Protocol != ProtocolTCP && r.Protocol != ProtocolUDP {
			return &types.ValidationError{Field: "protocol", Message: "port matches require tcp or udp"}
		}
	}
	if r.RateLimit != nil {
		if r.RateLimit.Count <= 0 {
			return &types.ValidationError{Field: "rate_limit.count", Message: "must be positive"}
		}
		if r.RateLimit.Window <= 0 {
			return &types.ValidationError{Field: "rate_limit.window", Message: "must be positive"}
		}
	}
	if err := validateComment(r.Comment); err != nil {
		return err
	}
	return nil
}

func validateAddress(field string, a AddressSpec, fam Family) error {
	if a.Prefix.IsValid() && a.Set != "" {
		return &types.ValidationError{Field: field, Message: "prefix and set are mutually exclusive"}
	}
	if a.Prefix.IsValid() {
		is4 := a.Prefix.Addr().Is4() || a.Prefix.Addr().Is4In6()
		switch fam {
		case FamilyIPv4:
			if !is4 {
				return &types.ValidationError{Field: field, Message: "ipv6 address in ipv4 rule"}
			}
		case FamilyIPv6:
			if is4 {
				return &types.ValidationError{Field: field, Message: "ipv4 address in ipv6 rule"}
			}
		}
	}
	if a.Set != "" {
		for _, c := range a.Set {
			if !unicode.IsLetter(c) && !unicode.IsDigit(c) && c != '_' && c != '-' {
				return &types.ValidationError{Field: field, Message: fmt.Sprintf("invalid set name %q", a.Set)}
			}
		}
	}
	return nil
}

func validatePorts(field string, p PortSpec) error {
	if p.IsRange() && len(p.List) > 0 {
		return &types.ValidationError{Field: field, Message: "port list and range are mutually exclusive"}
	}
	if p.IsRange() {
		if p.RangeStart < 1 || p.RangeStart > 65535 || p.RangeEnd < 1 || p.RangeEnd > 65535 {
			return &types.ValidationError{Field: field, Message: "ports must be in 1..65535"}
		}
		if p.RangeStart > p.RangeEnd {
			return &types.ValidationError{Field: field, Message: "range start exceeds end"}
		}
	}
	for _, v := range p.List {
		if v < 1 || v > 65535 {
			return &types.ValidationError{Field: field, Message: "ports must be in 1..65535"}
		}
	}
	return nil
}

func validateComment(c string) error {
	for _, r := range c {
		if unicode.IsControl(r) {
			return &types.ValidationError{Field: "comment", Message: "control characters not allowed"}
		}
		if r == commentDelimiter {
			return &types.ValidationError{Field: "comment", Message: "quote character not allowed"}
		}
		// Shell metacharacters can never be made safe in rendered text;
		// reject instead of escaping so semantics cannot shift.
		if strings.ContainsRune(";|&$`\\", r) {
			return &types.ValidationError{Field: "comment", Message: "shell metacharacters not allowed"}
		}
	}
	return nil
}

// IsExpired reports whether the rule has an expiry in the past at now.
func (r *PolicyRule) IsExpired(now time.Time) bool {
	return r.ExpiresAt != nil && !r.ExpiresAt.After(now)
}
