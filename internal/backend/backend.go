// Package backend defines the capability-negotiated contract every firewall
// backend adapter implements, plus the in-process registry that selects the
// single active adapter for a host.
package backend

import (
	"context"
	"time"

	"afo/internal/policy"
)

// EvaluationOrder describes how a backend resolves overlapping rules.
type EvaluationOrder string

const (
	FirstMatch EvaluationOrder = "first-match"
	LastMatch  EvaluationOrder = "last-match"
)

// Capabilities advertises what a backend can express. The facade checks
// these before accepting a PolicyRule and rejects with a ValidationError
// when a required capability is absent.
type Capabilities struct {
	SupportsDeny          bool
	SupportsStateful      bool
	SupportsRateLimit     bool
	SupportsIPv6          bool
	SupportsPriority      bool
	EvaluationOrder       EvaluationOrder
	SupportsAtomicReplace bool
	SupportsDeltaOps      bool
}

// RenderedRule is the backend-specific text form of a PolicyRule. It is
// opaque to everything outside the adapter that produced it.
type RenderedRule struct {
	BackendName string
	RuleID      string
	Text        string
}

// Verdict is the result of a dry-run validation or a best-effort import.
// Warnings carry features the backend could not express; they are reported,
// never silently dropped.
type Verdict struct {
	Valid    bool
	Errors   []string
	Warnings []string
}

// BackupRef names a snapshot usable by Restore. The deployment controller
// owns backup files and deletes them on commit or after the retention
// window.
type BackupRef struct {
	Path      string
	TakenAt   time.Time
	SizeBytes int64
}

// ApplyReceipt reports a completed apply operation.
type ApplyReceipt struct {
	AppliedAt time.Time
	RuleCount int
	Delta     bool
}

// DeltaOp is a single-rule mutation for backends supporting delta
// application, preferred for autonomous responses because it preserves
// connection-tracking state.
type DeltaOp struct {
	Add    bool
	Rule   RenderedRule
	Handle string // backend rule handle for removals, when known
}

// Health reports adapter reachability and write access.
type Health struct {
	Reachable bool
	Writable  bool
	Detail    string
}

// Adapter is the backend contract. All operations fail with a
// *types.AdapterError carrying a kind from the adapter taxonomy; operations
// taking a context honor cancellation and deadlines.
type Adapter interface {
	// Name is the registry key for this adapter.
	Name() string

	// KernelSubsystem identifies the in-kernel backend this adapter
	// drives. Two adapters with colliding subsystems cannot both be
	// active (coexistence error).
	KernelSubsystem() string

	// Capabilities returns the static capability set.
	Capabilities() Capabilities

	// Render is a pure function from a PolicyRule to backend text.
	Render(rule policy.PolicyRule) (RenderedRule, error)

	// Validate dry-runs a rendered rule without mutating the live ruleset.
	Validate(ctx context.Context, rendered RenderedRule) (Verdict, error)

	// Snapshot captures the live ruleset in a form usable by Restore.
	Snapshot(ctx context.Context) (BackupRef, error)

	// ApplyAtomic replaces the live ruleset in one kernel transaction.
	ApplyAtomic(ctx context.Context, image []RenderedRule) (ApplyReceipt, error)

	// ApplyDelta applies a single-rule add or remove.
	ApplyDelta(ctx context.Context, op DeltaOp) (ApplyReceipt, error)

	// Restore atomically restores a snapshot.
	Restore(ctx context.Context, ref BackupRef) error

	// ListRules returns the current active rules parsed back to text.
	ListRules(ctx context.Context) ([]RenderedRule, error)

	// ImportRules lifts the live ruleset into the neutral model,
	// best-effort; inexpressible features land in the verdict warnings.
	ImportRules(ctx context.Context) ([]policy.PolicyRule, Verdict, error)

	// Health reports reachability and write access.
	Health(ctx context.Context) Health
}
