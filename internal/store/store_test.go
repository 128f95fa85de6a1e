package store

import (
	"context"
	"errors"
	"net/netip"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"afo/internal/policy"
	"afo/internal/types"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:", nil)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func testProposal(t *testing.T) *Proposal {
	t.Helper()
	r := policy.NewRule(policy.OriginDaemonAuto)
	r.Direction = policy.DirectionInput
	r.Action = policy.ActionDrop
	r.Protocol = policy.ProtocolTCP
	r.Source = policy.AddressSpec{Prefix: netip.MustParsePrefix("203.0.113.7/32")}
	r.DestinationPort = policy.SinglePort(22)
	return &Proposal{ID: uuid.NewString(), Rule: r, State: ProposalDraft}
}

func TestProposalRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	p := testProposal(t)
	p.Explanation = "repeated auth failures from a single source"
	require.NoError(t, s.CreateProposal(ctx, p))

	got, err := s.GetProposal(ctx, p.ID)
	require.NoError(t, err)
	require.Equal(t, ProposalDraft, got.State)
	require.Equal(t, p.Rule.ID, got.Rule.ID)
	require.Equal(t, "203.0.113.7/32", got.Rule.Source.Prefix.String())
	require.Equal(t, p.Explanation, got.Explanation)

	// creation must have produced exactly one audit record
	recs, err := s.AuditSince(ctx, 0, 0)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	require.Equal(t, types.AuditProposalCreated, recs[0].Kind)
	require.Equal(t, p.ID, recs[0].ProposalID)
}

func TestProposalTransitions(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	p := testProposal(t)
	require.NoError(t, s.CreateProposal(ctx, p))

	require.NoError(t, s.TransitionProposal(ctx, p.ID, ProposalPendingApproval, "", ""))
	require.NoError(t, s.TransitionProposal(ctx, p.ID, ProposalApproved, "operator", ""))

	// approved -> rejected is not a legal edge
	err := s.TransitionProposal(ctx, p.ID, ProposalRejected, "operator", "")
	var ie *types.IntegrityError
	require.ErrorAs(t, err, &ie)

	got, err := s.GetProposal(ctx, p.ID)
	require.NoError(t, err)
	require.Equal(t, ProposalApproved, got.State)
	require.Equal(t, "operator", got.DecidedBy)
	require.False(t, got.DecidedAt.IsZero())
}

func TestIllegalTransitionLeavesNoAudit(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	p := testProposal(t)
	require.NoError(t, s.CreateProposal(ctx, p))
	before, err := s.AuditSince(ctx, 0, 0)
	require.NoError(t, err)

	require.Error(t, s.TransitionProposal(ctx, p.ID, "bogus", "", ""))

	after, err := s.AuditSince(ctx, 0, 0)
	require.NoError(t, err)
	require.Len(t, after, len(before), "failed transition must write neither row nor audit")
}

func TestSingleActiveDeploymentPerBackend(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	p1, p2 := testProposal(t), testProposal(t)
	require.NoError(t, s.CreateProposal(ctx, p1))
	require.NoError(t, s.CreateProposal(ctx, p2))

	d1 := &Deployment{ID: uuid.NewString(), ProposalID: p1.ID, BackendName: "nftables"}
	require.NoError(t, s.CreateDeployment(ctx, d1))

	d2 := &Deployment{ID: uuid.NewString(), ProposalID: p2.ID, BackendName: "nftables"}
	err := s.CreateDeployment(ctx, d2)
	var ce *types.ConcurrencyError
	require.ErrorAs(t, err, &ce)

	// once d1 leaves probation the slot frees up
	require.NoError(t, s.TransitionDeployment(ctx, d1.ID, DeployProbation, ""))
	require.NoError(t, s.TransitionDeployment(ctx, d1.ID, DeployCommitted, ""))
	require.NoError(t, s.CreateDeployment(ctx, d2))
}

func TestDeploymentStateMachine(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	p := testProposal(t)
	require.NoError(t, s.CreateProposal(ctx, p))
	d := &Deployment{ID: uuid.NewString(), ProposalID: p.ID, BackendName: "nftables"}
	require.NoError(t, s.CreateDeployment(ctx, d))

	// applying -> committed skips probation and must fail
	err := s.TransitionDeployment(ctx, d.ID, DeployCommitted, "")
	var ie *types.IntegrityError
	require.ErrorAs(t, err, &ie)

	require.NoError(t, s.TransitionDeployment(ctx, d.ID, DeployProbation, ""))
	require.NoError(t, s.TouchHeartbeat(ctx, d.ID, time.Now()))
	require.NoError(t, s.TransitionDeployment(ctx, d.ID, DeployRolledBack, "heartbeat miss"))

	got, err := s.GetDeployment(ctx, d.ID)
	require.NoError(t, err)
	require.Equal(t, DeployRolledBack, got.State)
	require.Equal(t, "heartbeat miss", got.FailureReason)
	require.False(t, got.LastHeartbeatAt.IsZero())
}

func TestActiveDeploymentLookup(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, ok, err := s.ActiveDeployment(ctx, "nftables")
	require.NoError(t, err)
	require.False(t, ok)

	p := testProposal(t)
	require.NoError(t, s.CreateProposal(ctx, p))
	d := &Deployment{ID: uuid.NewString(), ProposalID: p.ID, BackendName: "nftables"}
	require.NoError(t, s.CreateDeployment(ctx, d))

	got, ok, err := s.ActiveDeployment(ctx, "nftables")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, d.ID, got.ID)
}

func TestAuditIsAppendOnly(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.AppendAudit(ctx, types.AuditRecord{Kind: types.AuditBreakerTripped}))

	_, err := s.db.ExecContext(ctx, `DELETE FROM audit`)
	require.Error(t, err, "delete on audit must be rejected")
	_, err = s.db.ExecContext(ctx, `UPDATE audit SET detail = 'tampered'`)
	require.Error(t, err, "update on audit must be rejected")

	require.NoError(t, s.VerifyAudit(ctx))
}

func TestAuditSequenceMonotonic(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, s.AppendAudit(ctx, types.AuditRecord{Kind: types.AuditEventObserved}))
	}
	recs, err := s.AuditSince(ctx, 2, 0)
	require.NoError(t, err)
	require.Len(t, recs, 3)
	for i, rec := range recs {
		require.Equal(t, int64(3+i), rec.Seq)
	}
}

func TestEventsRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	now := time.Now().UTC().Truncate(time.Second)
	events := []types.SecurityEvent{
		{
			ID: uuid.NewString(), SourceName: "sshd", Kind: types.EventAuthFail,
			Severity: types.SeverityMedium, SourceIP: netip.MustParseAddr("203.0.113.7"),
			Target: "ssh:22", ObservedAt: now, Raw: "Failed password for root",
		},
		{
			ID: uuid.NewString(), SourceName: "feed", Kind: types.EventFeedIndicator,
			Severity: types.SeverityHigh, ObservedAt: now.Add(time.Second),
			CausalTag: "dep-1",
		},
	}
	require.NoError(t, s.InsertEvents(ctx, events))

	got, err := s.EventsSince(ctx, now, 0)
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.Equal(t, "203.0.113.7", got[0].SourceIP.String())
	require.False(t, got[1].HasSourceIP())
	require.Equal(t, "dep-1", got[1].CausalTag)
}

func TestStateValues(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, ok, err := s.GetStateValue(ctx, "cursor:sshd")
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, s.SetStateValue(ctx, "cursor:sshd", "1024"))
	require.NoError(t, s.SetStateValue(ctx, "cursor:sshd", "2048"))

	v, ok, err := s.GetStateValue(ctx, "cursor:sshd")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "2048", v)
}

func TestNeverBlockLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	e := &types.NeverBlockEntry{
		Raw:    "192.0.2.1/32",
		Prefix: netip.MustParsePrefix("192.0.2.1/32"),
		Source: "config",
	}
	require.NoError(t, s.AddNeverBlock(ctx, e))
	// idempotent re-add
	require.NoError(t, s.AddNeverBlock(ctx, &types.NeverBlockEntry{Raw: "192.0.2.1/32", Source: "config"}))

	entries, err := s.ListNeverBlock(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.True(t, entries[0].IsAddress())

	require.NoError(t, s.RemoveNeverBlock(ctx, "192.0.2.1/32"))
	err = s.RemoveNeverBlock(ctx, "192.0.2.1/32")
	var ie *types.IntegrityError
	require.ErrorAs(t, err, &ie)
}

func TestRetentionSweepPreservesAudit(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	old := types.SecurityEvent{
		ID: uuid.NewString(), SourceName: "sshd", Kind: types.EventAuthFail,
		Severity: types.SeverityLow, ObservedAt: time.Now().AddDate(0, 0, -60),
	}
	fresh := types.SecurityEvent{
		ID: uuid.NewString(), SourceName: "sshd", Kind: types.EventAuthFail,
		Severity: types.SeverityLow, ObservedAt: time.Now(),
	}
	require.NoError(t, s.InsertEvents(ctx, []types.SecurityEvent{old, fresh}))

	auditBefore, err := s.AuditSince(ctx, 0, 0)
	require.NoError(t, err)

	n, err := s.RetentionSweep(ctx, 30)
	require.NoError(t, err)
	require.Equal(t, int64(1), n)

	got, err := s.EventsSince(ctx, time.Time{}, 0)
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, fresh.ID, got[0].ID)

	auditAfter, err := s.AuditSince(ctx, 0, 0)
	require.NoError(t, err)
	require.Len(t, auditAfter, len(auditBefore), "sweep must not touch audit")
}

func TestRetentionSweepKeepsLiveCommittedDeployments(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	commit := func(p *Proposal) *Deployment {
		t.Helper()
		require.NoError(t, s.CreateProposal(ctx, p))
		d := &Deployment{ID: uuid.NewString(), ProposalID: p.ID, BackendName: "nftables"}
		require.NoError(t, s.CreateDeployment(ctx, d))
		require.NoError(t, s.TransitionDeployment(ctx, d.ID, DeployProbation, ""))
		require.NoError(t, s.TransitionDeployment(ctx, d.ID, DeployCommitted, ""))
		return d
	}

	// one committed deployment whose rule never expires, one whose rule
	// lapsed long ago
	live := commit(testProposal(t))
	expired := testProposal(t)
	exp := time.Now().Add(-time.Hour)
	expired.Rule.ExpiresAt = &exp
	lapsed := commit(expired)

	// age both past the retention cutoff
	backdate := time.Now().UTC().AddDate(0, 0, -60)
	for _, id := range []string{live.ID, lapsed.ID} {
		_, err := s.db.ExecContext(ctx, `UPDATE deployments SET applied_at = ? WHERE id = ?`, backdate, id)
		require.NoError(t, err)
	}

	_, err := s.RetentionSweep(ctx, 30)
	require.NoError(t, err)

	// the unexpired rule still backs the live view
	rules, err := s.LiveRules(ctx, time.Now())
	require.NoError(t, err)
	require.Len(t, rules, 1)

	_, err = s.GetDeployment(ctx, live.ID)
	require.NoError(t, err)
	_, err = s.GetDeployment(ctx, lapsed.ID)
	var ie *types.IntegrityError
	require.ErrorAs(t, err, &ie, "lapsed rule's deployment should be swept")
}

func TestGetProposalMissing(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetProposal(context.Background(), "nope")
	var ie *types.IntegrityError
	if !errors.As(err, &ie) {
		t.Fatalf("err = %v, want IntegrityError", err)
	}
}
