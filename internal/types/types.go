// Package types provides shared type definitions used across afo packages.
// This package exists to break import cycles between the facade, the daemon
// pipeline, and the store. Types here are foundational data structures with
// no dependencies on other afo packages.
package types

import (
	"net/netip"
	"time"
)

// =============================================================================
// SECURITY EVENTS
// =============================================================================

// EventKind classifies a SecurityEvent.
type EventKind string

const (
	EventAuthFail      EventKind = "auth-fail"
	EventPortScanHit   EventKind = "port-scan-hit"
	EventRateAnomaly   EventKind = "rate-anomaly"
	EventFeedIndicator EventKind = "feed-indicator"
	EventFirewallLog   EventKind = "firewall-log"
	EventSourceDrop    EventKind = "source-drop"
	EventModeSwitch    EventKind = "mode-switch"
)

// Severity grades a SecurityEvent. Ordering matters: the event bus drops
// from the low end first under backpressure.
type Severity int

const (
	SeverityLow Severity = iota
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

// String returns the config/log form of the severity.
func (s Severity) String() string {
	switch s {
	case SeverityLow:
		return "low"
	case SeverityMedium:
		return "medium"
	case SeverityHigh:
		return "high"
	case SeverityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// ParseSeverity converts a config string to a Severity.
func ParseSeverity(s string) (Severity, bool) {
	switch s {
	case "low":
		return SeverityLow, true
	case "medium":
		return SeverityMedium, true
	case "high":
		return SeverityHigh, true
	case "critical":
		return SeverityCritical, true
	}
	return SeverityLow, false
}

// SecurityEvent is an immutable observation emitted by a log source or
// threat feed. The CausalTag, when set, names the deployment whose effect
// plausibly produced this event; the correlator uses it to avoid
// re-escalating the agent's own side effects.
type SecurityEvent struct {
	ID         string
	SourceName string
	Kind       EventKind
	Severity   Severity
	SourceIP   netip.Addr // zero value when unknown
	Target     string     // port, service, or host the event concerns
	ObservedAt time.Time
	Raw        string // opaque original line or payload
	CausalTag  string // deployment id, empty when organic
}

// HasSourceIP reports whether the event carries a usable source address.
func (e SecurityEvent) HasSourceIP() bool { return e.SourceIP.IsValid() }

// CausalWindow is published by the deployment controller when a rule is
// applied. Sources and the correlator stamp/suppress events whose subject
// and kind fall inside an active window.
type CausalWindow struct {
	DeploymentID string
	Subject      netip.Prefix
	Kinds        []EventKind // empty = all kinds
	NotBefore    time.Time
	NotAfter     time.Time
}

// Covers reports whether the window is active at ts and matches the
// given subject and kind.
func (w CausalWindow) Covers(ts time.Time, ip netip.Addr, kind EventKind) bool {
	if ts.Before(w.NotBefore) || ts.After(w.NotAfter) {
		return false
	}
	if !ip.IsValid() || !w.Subject.Contains(ip) {
		return false
	}
	if len(w.Kinds) == 0 {
		return true
	}
	for _, k := range w.Kinds {
		if k == kind {
			return true
		}
	}
	return false
}

// =============================================================================
// THREAT ASSESSMENT
// =============================================================================

// Recommendation is the correlator's suggested response.
type Recommendation string

const (
	RecommendBlockSubject Recommendation = "block-subject"
	RecommendRateLimit    Recommendation = "rate-limit"
	RecommendAlertOnly    Recommendation = "alert-only"
)

// ThreatAssessment is the correlator's derived judgement over an evidence
// window. The rule body responding to it comes from the autonomy
// controller's deterministic templates, never from free-form generation.
type ThreatAssessment struct {
	ID             string
	Kind           EventKind
	Subject        netip.Prefix
	Score          float64 // 0..1
	Recommendation Recommendation
	EventIDs       []string
	SourceNames    []string // distinct sources contributing evidence
	Ports          []int    // distinct target ports seen, when relevant
	ExpiresSuggest time.Duration
	ObservedAt     time.Time
	Aggregated     bool // produced in flood aggregation mode
	Count          int  // evidence count (running counter when aggregated)
}

// =============================================================================
// NEVER-BLOCK LIST
// =============================================================================

// NeverBlockEntry is a subject the autonomy controller must never target.
// Hostname entries are resolved and cached by the autonomy controller;
// interface entries match any address assigned to that interface.
type NeverBlockEntry struct {
	ID        int64
	Raw       string // as configured: IP, CIDR, hostname, or iface:<name>
	Prefix    netip.Prefix
	Hostname  string
	Interface string
	Source    string // config | discovered | operator
	AddedAt   time.Time
}

// IsAddress reports whether the entry carries a resolved prefix.
func (e NeverBlockEntry) IsAddress() bool { return e.Prefix.IsValid() }

// =============================================================================
// AUDIT RECORDS
// =============================================================================

// AuditKind tags an audit record with the transition it witnesses.
type AuditKind string

const (
	AuditProposalCreated    AuditKind = "proposal-created"
	AuditProposalApproved   AuditKind = "proposal-approved"
	AuditProposalRejected   AuditKind = "proposal-rejected"
	AuditProposalSuperseded AuditKind = "proposal-superseded"
	AuditDeployApplied      AuditKind = "deploy-applied"
	AuditDeployCommitted    AuditKind = "deploy-committed"
	AuditDeployRolledBack   AuditKind = "rollback-ok"
	AuditDeployFailed       AuditKind = "deploy-failed"
	AuditHeartbeatMiss      AuditKind = "heartbeat-miss"
	AuditCatastrophic       AuditKind = "catastrophic"
	AuditEventObserved      AuditKind = "event-observed"
	AuditEventsDropped      AuditKind = "events-dropped"
	AuditThreatEscalated    AuditKind = "threat-escalated"
	AuditAutonomousApplied  AuditKind = "autonomous-applied"
	AuditAutonomySuppressed AuditKind = "autonomy-suppressed"
	AuditBreakerTripped     AuditKind = "breaker-tripped"
	AuditBreakerReset       AuditKind = "breaker-reset"
	AuditGateTripped        AuditKind = "safety-gate-tripped"
	AuditConfigReloaded     AuditKind = "config-reloaded"
	AuditNeverBlockAdded    AuditKind = "never-block-added"
	AuditNeverBlockRemoved  AuditKind = "never-block-removed"
	AuditAutonomyLevelSet   AuditKind = "autonomy-level-set"
	AuditExpiredRemoved     AuditKind = "expired-removed"
)

// AuditRecord is an append-only entry. Seq is assigned by the store and is
// gapless and monotonically increasing.
type AuditRecord struct {
	Seq           int64
	Kind          AuditKind
	ProposalID    string
	DeploymentID  string
	AssessmentID  string
	Subject       string
	Detail        string
	ErrorKind     string
	CorrelationID string
	OperatorFlag  bool // record requires operator attention
	At            time.Time
}

// =============================================================================
// AUTONOMY LEVEL
// =============================================================================

// AutonomyLevel is the policy dial controlling whether the agent alerts,
// proposes for approval, or applies autonomously.
type AutonomyLevel string

const (
	AutonomyMonitor    AutonomyLevel = "monitor"
	AutonomyCautious   AutonomyLevel = "cautious"
	AutonomyAggressive AutonomyLevel = "aggressive"
)

// ParseAutonomyLevel validates a config/operator string.
func ParseAutonomyLevel(s string) (AutonomyLevel, bool) {
	switch AutonomyLevel(s) {
	case AutonomyMonitor, AutonomyCautious, AutonomyAggressive:
		return AutonomyLevel(s), true
	}
	return "", false
}
