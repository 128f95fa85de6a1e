package types

import "fmt"

// Error taxonomy shared across the service boundary. Every error carries a
// kind plus a human message and an optional correlation id so the audit
// record for a failing transition can name both.

// ValidationError reports a malformed PolicyRule, an unsupported backend
// capability, or conflicting fields.
type ValidationError struct {
	Field         string
	Message       string
	CorrelationID string
}

func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("validation: %s: %s", e.Field, e.Message)
	}
	return "validation: " + e.Message
}

// PolicyViolation reports a safety gate failure: a never-block match, an
// autonomy gate abort, or a management self-block.
type PolicyViolation struct {
	Gate          string // never-block-match, breaker-open, cooldown, ...
	Message       string
	CorrelationID string
}

func (e *PolicyViolation) Error() string {
	return fmt.Sprintf("policy violation (%s): %s", e.Gate, e.Message)
}

// AdapterErrorKind classifies backend adapter failures.
type AdapterErrorKind string

const (
	AdapterSyntax      AdapterErrorKind = "syntax"
	AdapterSystem      AdapterErrorKind = "system"
	AdapterPermission  AdapterErrorKind = "permission"
	AdapterUnavailable AdapterErrorKind = "unavailable"
	AdapterTransient   AdapterErrorKind = "transient"
	AdapterCoexistence AdapterErrorKind = "coexistence"
)

// AdapterError wraps a failure from a backend adapter operation.
// Only kind=transient is retried by the deployment controller.
type AdapterError struct {
	Backend       string
	Op            string
	Kind          AdapterErrorKind
	Message       string
	CorrelationID string
	Err           error
}

func (e *AdapterError) Error() string {
	return fmt.Sprintf("adapter %s: %s (%s): %s", e.Backend, e.Op, e.Kind, e.Message)
}

func (e *AdapterError) Unwrap() error { return e.Err }

// IsTransient reports whether the controller may retry this error.
func (e *AdapterError) IsTransient() bool { return e.Kind == AdapterTransient }

// ConcurrencyError reports a lock timeout or queue overflow.
type ConcurrencyError struct {
	Resource string
	Message  string
}

func (e *ConcurrencyError) Error() string {
	return fmt.Sprintf("concurrency: %s: %s", e.Resource, e.Message)
}

// HeartbeatMiss reports a probation deadline elapsing with a failing probe.
type HeartbeatMiss struct {
	DeploymentID string
	Deadline     string
}

func (e *HeartbeatMiss) Error() string {
	return fmt.Sprintf("heartbeat miss for deployment %s (deadline %s)", e.DeploymentID, e.Deadline)
}

// IntegrityError reports a store constraint violation or a backup missing
// at rollback time.
type IntegrityError struct {
	Entity  string
	Message string
	Err     error
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("integrity: %s: %s", e.Entity, e.Message)
}

func (e *IntegrityError) Unwrap() error { return e.Err }

// CatastrophicError means rollback itself failed. Further autonomous
// actions are disabled until an operator intervenes.
type CatastrophicError struct {
	DeploymentID string
	Message      string
	Err          error
}

func (e *CatastrophicError) Error() string {
	return fmt.Sprintf("catastrophic: deployment %s: %s", e.DeploymentID, e.Message)
}

func (e *CatastrophicError) Unwrap() error { return e.Err }
