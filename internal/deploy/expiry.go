package deploy

import (
	"context"
	"time"

	"go.uber.org/zap"

	"afo/internal/backend"
	"afo/internal/store"
	"afo/internal/types"
)

// RunExpirySweeper removes committed rules whose expires_at has passed.
// Expiry is controller-enforced; the kernel ruleset carries no timers.
func (c *Controller) RunExpirySweeper(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := c.SweepExpired(ctx); err != nil {
				c.logger.Warn("expiry sweep failed", zap.Error(err))
			}
		}
	}
}

// SweepExpired performs one sweep pass. Exported so the facade can trigger
// it on demand.
func (c *Controller) SweepExpired(ctx context.Context) error {
	live, err := c.adapter.ListRules(ctx)
	if err != nil {
		return err
	}
	liveIDs := make(map[string]bool, len(live))
	for _, r := range live {
		if r.RuleID != "" {
			liveIDs[r.RuleID] = true
		}
	}

	deployments, err := c.store.ListDeployments(ctx)
	if err != nil {
		return err
	}
	now := time.Now()
	for _, dep := range deployments {
		if dep.State != store.DeployCommitted {
			continue
		}
		prop, err := c.store.GetProposal(ctx, dep.ProposalID)
		if err != nil {
			c.logger.Warn("sweep: proposal load failed", zap.String("proposal_id", dep.ProposalID), zap.Error(err))
			continue
		}
		if !prop.Rule.IsExpired(now) || !liveIDs[prop.Rule.ID] {
			continue
		}
		_, err = c.adapter.ApplyDelta(ctx, backend.DeltaOp{
			Add:  false,
			Rule: backend.RenderedRule{BackendName: c.adapter.Name(), RuleID: prop.Rule.ID},
		})
		if err != nil {
			c.logger.Warn("sweep: rule removal failed", zap.String("rule_id", prop.Rule.ID), zap.Error(err))
			continue
		}
		c.store.AppendAudit(ctx, types.AuditRecord{
			Kind:         types.AuditExpiredRemoved,
			ProposalID:   prop.ID,
			DeploymentID: dep.ID,
			Subject:      prop.Rule.Source.String(),
		})
		c.logger.Info("expired rule removed",
			zap.String("rule_id", prop.Rule.ID),
			zap.Time("expired_at", *prop.Rule.ExpiresAt))
	}
	return nil
}
