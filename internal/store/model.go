package store

import (
	"time"

	"afo/internal/backend"
	"afo/internal/conflict"
	"afo/internal/policy"
)

// The store exclusively owns proposal and deployment rows. Everything else
// holds derived, rebuildable views.

// ProposalState is the lifecycle position of a Proposal.
type ProposalState string

const (
	ProposalDraft           ProposalState = "draft"
	ProposalPendingApproval ProposalState = "pending-approval"
	ProposalApproved        ProposalState = "approved"
	ProposalRejected        ProposalState = "rejected"
	ProposalSuperseded      ProposalState = "superseded"
)

// proposalTransitions lists the legal state edges. Rejected and superseded
// are terminal.
var proposalTransitions = map[ProposalState][]ProposalState{
	ProposalDraft:           {ProposalPendingApproval, ProposalApproved, ProposalRejected, ProposalSuperseded},
	ProposalPendingApproval: {ProposalApproved, ProposalRejected, ProposalSuperseded},
	ProposalApproved:        {ProposalSuperseded},
}

// Proposal is a candidate rule with everything a reviewer needs to decide:
// the rendered backend text, the dry-run verdict, the conflict report, and
// the translator's explanation when one was produced.
type Proposal struct {
	ID            string               `json:"id"`
	Rule          policy.PolicyRule    `json:"rule"`
	Rendered      backend.RenderedRule `json:"rendered"`
	Verdict       backend.Verdict      `json:"verdict"`
	Conflicts     conflict.Report      `json:"conflicts"`
	Explanation   string               `json:"explanation,omitempty"`
	State         ProposalState        `json:"state"`
	DecidedBy     string               `json:"decided_by,omitempty"` // operator name or "autonomy"
	CorrelationID string               `json:"correlation_id,omitempty"`
	CreatedAt     time.Time            `json:"created_at"`
	DecidedAt     time.Time            `json:"decided_at,omitempty"`
}

// Terminal reports whether the proposal can transition no further.
func (p Proposal) Terminal() bool {
	return p.State == ProposalRejected || p.State == ProposalSuperseded
}

// DeploymentState is the lifecycle position of a Deployment.
type DeploymentState string

const (
	DeployApplying   DeploymentState = "applying"
	DeployProbation  DeploymentState = "probation"
	DeployCommitted  DeploymentState = "committed"
	DeployRolledBack DeploymentState = "rolled-back"
	DeployFailed     DeploymentState = "failed"
)

var deploymentTransitions = map[DeploymentState][]DeploymentState{
	DeployApplying:  {DeployProbation, DeployFailed},
	DeployProbation: {DeployCommitted, DeployRolledBack, DeployFailed},
}

// Deployment records applying one approved proposal. At most one deployment
// exists per proposal, and at most one deployment per backend is in
// applying or probation at a time.
type Deployment struct {
	ID                string            `json:"id"`
	ProposalID        string            `json:"proposal_id"`
	BackendName       string            `json:"backend_name"`
	State             DeploymentState   `json:"state"`
	Backup            backend.BackupRef `json:"backup"`
	Delta             bool              `json:"delta"`
	AppliedAt         time.Time         `json:"applied_at"`
	HeartbeatDeadline time.Time         `json:"heartbeat_deadline"`
	LastHeartbeatAt   time.Time         `json:"last_heartbeat_at,omitempty"`
	FailureReason     string            `json:"failure_reason,omitempty"`
}

// Active reports whether the deployment holds the backend's apply slot.
func (d Deployment) Active() bool {
	return d.State == DeployApplying || d.State == DeployProbation
}

func allowedTransition[S comparable](table map[S][]S, from, to S) bool {
	for _, next := range table[from] {
		if next == to {
			return true
		}
	}
	return false
}
