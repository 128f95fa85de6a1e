// Package deploy drives approved proposals through the deployment state
// machine: applying, probation under heartbeat, then committed or rolled
// back. One deployment holds a backend's apply slot at a time; further
// approvals queue FIFO.
package deploy

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"os"
	"sync"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"afo/internal/backend"
	"afo/internal/policy"
	"afo/internal/store"
	"afo/internal/types"
)

// Prober checks that the host is still reachable after a ruleset change:
// outbound to a configured liveness target and inbound against the
// management endpoint. A nil error means both probes passed.
type Prober interface {
	Probe(ctx context.Context) error
}

// ProbeFunc adapts a function to the Prober interface.
type ProbeFunc func(ctx context.Context) error

func (f ProbeFunc) Probe(ctx context.Context) error { return f(ctx) }

// WindowPublisher receives causal-tag windows when a rule is applied, so
// sources can stamp events the new rule plausibly caused.
type WindowPublisher interface {
	PublishWindow(w types.CausalWindow)
}

// Options configure the controller.
type Options struct {
	Store     *store.Store
	Adapter   backend.Adapter
	Publisher WindowPublisher // optional
	Prober    Prober          // nil with ProbeDisabled=false fails closed

	// ProbeDisabled must be set explicitly by the operator to run
	// probation without a reachability probe.
	ProbeDisabled bool

	HeartbeatInterval time.Duration // default 10s
	ProbationWindow   time.Duration // default 2m
	CausalWindow      time.Duration // default 10m
	RetryAttempts     uint          // transient retries, default 3
	LockTimeout       time.Duration // wait for the backend apply slot, default 30s

	Logger *zap.Logger
}

type request struct {
	deploymentID string
	proposalID   string
	cancelled    bool
}

// activeProbation carries the control channels for the deployment currently
// holding the apply slot.
type activeProbation struct {
	deploymentID string
	commit       chan struct{}
	rollback     chan string // carries the reason
}

// Controller serializes deployments against one backend adapter.
type Controller struct {
	store     *store.Store
	adapter   backend.Adapter
	publisher WindowPublisher
	prober    Prober

	probeDisabled bool
	hbInterval    time.Duration
	probation     time.Duration
	causalWindow  time.Duration
	retryAttempts uint
	lockTimeout   time.Duration
	logger        *zap.Logger

	mu     sync.Mutex
	queue  []*request
	wake   chan struct{}
	active *activeProbation
}

// New builds a controller. Store and Adapter are required.
func New(opts Options) *Controller {
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = 10 * time.Second
	}
	if opts.ProbationWindow <= 0 {
		opts.ProbationWindow = 2 * time.Minute
	}
	if opts.CausalWindow <= 0 {
		opts.CausalWindow = 10 * time.Minute
	}
	if opts.RetryAttempts == 0 {
		opts.RetryAttempts = 3
	}
	if opts.LockTimeout <= 0 {
		opts.LockTimeout = 30 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Controller{
		store:         opts.Store,
		adapter:       opts.Adapter,
		publisher:     opts.Publisher,
		prober:        opts.Prober,
		probeDisabled: opts.ProbeDisabled,
		hbInterval:    opts.HeartbeatInterval,
		probation:     opts.ProbationWindow,
		causalWindow:  opts.CausalWindow,
		retryAttempts: opts.RetryAttempts,
		lockTimeout:   opts.LockTimeout,
		logger:        opts.Logger,
		wake:          make(chan struct{}, 1),
	}
}

// Submit queues an approved proposal for deployment and returns the id the
// resulting deployment will carry. FIFO order is preserved.
func (c *Controller) Submit(ctx context.Context, proposalID string) (string, error) {
	prop, err := c.store.GetProposal(ctx, proposalID)
	if err != nil {
		return "", err
	}
	if prop.State != store.ProposalApproved {
		return "", &types.IntegrityError{
			Entity:  "proposal",
			Message: fmt.Sprintf("proposal %s is %s, not approved", proposalID, prop.State),
		}
	}
	req := &request{deploymentID: uuid.NewString(), proposalID: proposalID}
	c.mu.Lock()
	c.queue = append(c.queue, req)
	c.mu.Unlock()
	select {
	case c.wake <- struct{}{}:
	default:
	}
	return req.deploymentID, nil
}

// CancelQueued removes a not-yet-started deployment from the queue.
func (c *Controller) CancelQueued(deploymentID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, req := range c.queue {
		if req.deploymentID == deploymentID && !req.cancelled {
			req.cancelled = true
			return true
		}
	}
	return false
}

// Commit finishes probation early for the active deployment.
func (c *Controller) Commit(deploymentID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active == nil || c.active.deploymentID != deploymentID {
		return &types.IntegrityError{
			Entity:  "deployment",
			Message: "deployment " + deploymentID + " is not in probation",
		}
	}
	select {
	case c.active.commit <- struct{}{}:
	default:
	}
	return nil
}

// Rollback forces immediate rollback of the active probation deployment.
func (c *Controller) Rollback(deploymentID, reason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active == nil || c.active.deploymentID != deploymentID {
		return &types.IntegrityError{
			Entity:  "deployment",
			Message: "deployment " + deploymentID + " is not in probation",
		}
	}
	select {
	case c.active.rollback <- reason:
	default:
	}
	return nil
}

// Run processes the queue until ctx is done. Probation is served inline:
// the worker holding the apply slot is the serialization point.
func (c *Controller) Run(ctx context.Context) error {
	for {
		req := c.dequeue()
		if req == nil {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-c.wake:
				continue
			}
		}
		if err := c.deploy(ctx, req); err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return err
			}
			c.logger.Error("deployment failed",
				zap.String("deployment_id", req.deploymentID),
				zap.String("proposal_id", req.proposalID),
				zap.Error(err))
		}
	}
}

func (c *Controller) dequeue() *request {
	c.mu.Lock()
	defer c.mu.Unlock()
	for len(c.queue) > 0 {
		req := c.queue[0]
		c.queue = c.queue[1:]
		if !req.cancelled {
			return req
		}
	}
	return nil
}

// deploy runs the full apply path for one request and serves its probation.
func (c *Controller) deploy(ctx context.Context, req *request) error {
	prop, err := c.store.GetProposal(ctx, req.proposalID)
	if err != nil {
		return err
	}

	// Never-block pre-check against the rendered rule's subjects.
	entries, err := c.store.ListNeverBlock(ctx)
	if err != nil {
		return err
	}
	if hit, entry := RuleMatchesNeverBlock(prop.Rule, entries); hit {
		c.store.AppendAudit(ctx, types.AuditRecord{
			Kind:       types.AuditGateTripped,
			ProposalID: prop.ID,
			Subject:    entry.Raw,
			Detail:     "rendered rule matches never-block entry",
			ErrorKind:  "never-block-match",
		})
		return &types.PolicyViolation{
			Gate:    "never-block-match",
			Message: fmt.Sprintf("rule %s matches never-block entry %s", prop.Rule.ID, entry.Raw),
		}
	}

	caps := c.adapter.Capabilities()
	useDelta := caps.SupportsDeltaOps
	dep := &store.Deployment{
		ID:                req.deploymentID,
		ProposalID:        prop.ID,
		BackendName:       c.adapter.Name(),
		Delta:             useDelta,
		HeartbeatDeadline: time.Now().Add(c.probation),
	}
	// The slot is claimed before the snapshot, so the backup captures
	// the ruleset as it stands once this deployment has exclusive use of
	// the backend. The ref is persisted before apply runs.
	if err := c.claimApplySlot(ctx, dep); err != nil {
		return err
	}

	var ref backend.BackupRef
	err = c.retryTransient(ctx, func() error {
		var serr error
		ref, serr = c.adapter.Snapshot(ctx)
		return serr
	})
	if err != nil {
		reason := "snapshot before apply: " + err.Error()
		if terr := c.store.TransitionDeployment(ctx, dep.ID, store.DeployFailed, reason); terr != nil {
			c.logger.Error("failed to record snapshot failure", zap.Error(terr))
		}
		return fmt.Errorf("snapshot before apply: %w", err)
	}
	dep.Backup = ref
	if err := c.store.SetDeploymentBackup(ctx, dep.ID, ref); err != nil {
		if terr := c.store.TransitionDeployment(ctx, dep.ID, store.DeployFailed, "persist backup ref: "+err.Error()); terr != nil {
			c.logger.Error("failed to record backup persist failure", zap.Error(terr))
		}
		return err
	}

	if err := c.apply(ctx, prop, useDelta); err != nil {
		reason := err.Error()
		if terr := c.store.TransitionDeployment(ctx, dep.ID, store.DeployFailed, reason); terr != nil {
			c.logger.Error("failed to record apply failure", zap.Error(terr))
		}
		return err
	}

	if err := c.store.TransitionDeployment(ctx, dep.ID, store.DeployProbation, ""); err != nil {
		return err
	}
	c.publishWindow(dep.ID, prop.Rule)
	c.logger.Info("deployment entered probation",
		zap.String("deployment_id", dep.ID),
		zap.String("rule_id", prop.Rule.ID),
		zap.Duration("window", c.probation))

	return c.serveProbation(ctx, dep)
}

// claimApplySlot creates the deployment row, which doubles as the
// exclusive per-backend apply lock. An active row left by a previous run
// is waited out up to the lock timeout.
func (c *Controller) claimApplySlot(ctx context.Context, dep *store.Deployment) error {
	deadline := time.Now().Add(c.lockTimeout)
	for {
		err := c.store.CreateDeployment(ctx, dep)
		var ce *types.ConcurrencyError
		if err == nil || !errors.As(err, &ce) {
			return err
		}
		if time.Now().After(deadline) {
			return &types.ConcurrencyError{
				Resource: "backend:" + c.adapter.Name(),
				Message:  fmt.Sprintf("apply slot still held after %s: %s", c.lockTimeout, ce.Message),
			}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Second):
		}
	}
}

// apply performs the actual ruleset change: a single delta add when the
// backend supports it (preserves conntrack state), otherwise a full atomic
// image of current rules plus the new one.
func (c *Controller) apply(ctx context.Context, prop store.Proposal, useDelta bool) error {
	if useDelta {
		return c.retryTransient(ctx, func() error {
			_, aerr := c.adapter.ApplyDelta(ctx, backend.DeltaOp{Add: true, Rule: prop.Rendered})
			return aerr
		})
	}
	current, err := c.adapter.ListRules(ctx)
	if err != nil {
		return err
	}
	image := append(current, prop.Rendered)
	return c.retryTransient(ctx, func() error {
		_, aerr := c.adapter.ApplyAtomic(ctx, image)
		return aerr
	})
}

// serveProbation probes at bounded intervals until the window elapses
// (commit), the consumer commits early, a probe misses (rollback), or the
// consumer cancels (rollback).
func (c *Controller) serveProbation(ctx context.Context, dep *store.Deployment) error {
	active := &activeProbation{
		deploymentID: dep.ID,
		commit:       make(chan struct{}, 1),
		rollback:     make(chan string, 1),
	}
	c.mu.Lock()
	c.active = active
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.active = nil
		c.mu.Unlock()
	}()

	if c.prober == nil && !c.probeDisabled {
		// No probe available and not explicitly disabled: fail closed.
		c.store.AppendAudit(ctx, types.AuditRecord{
			Kind:         types.AuditHeartbeatMiss,
			DeploymentID: dep.ID,
			Detail:       "no reachability probe configured",
		})
		return c.rollbackNow(ctx, dep, "no reachability probe configured")
	}

	deadline := time.Now().Add(c.probation)
	ticker := time.NewTicker(c.hbInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			// Shutdown during probation: the rule stays uncommitted; fail
			// closed by rolling back before exit.
			c.rollbackNow(context.Background(), dep, "shutdown during probation")
			return ctx.Err()
		case <-active.commit:
			return c.commitNow(ctx, dep)
		case reason := <-active.rollback:
			return c.rollbackNow(ctx, dep, reason)
		case now := <-ticker.C:
			if !c.probeDisabled {
				if err := c.prober.Probe(ctx); err != nil {
					c.store.AppendAudit(ctx, types.AuditRecord{
						Kind:         types.AuditHeartbeatMiss,
						DeploymentID: dep.ID,
						Detail:       err.Error(),
					})
					return c.rollbackNow(ctx, dep, "heartbeat miss: "+err.Error())
				}
				if err := c.store.TouchHeartbeat(ctx, dep.ID, now); err != nil {
					c.logger.Warn("heartbeat persist failed", zap.Error(err))
				}
			}
			if now.After(deadline) {
				return c.commitNow(ctx, dep)
			}
		}
	}
}

func (c *Controller) commitNow(ctx context.Context, dep *store.Deployment) error {
	if err := c.store.TransitionDeployment(ctx, dep.ID, store.DeployCommitted, ""); err != nil {
		return err
	}
	// Backups are transient; delete on success.
	if dep.Backup.Path != "" {
		if err := os.Remove(dep.Backup.Path); err != nil && !os.IsNotExist(err) {
			c.logger.Warn("backup cleanup failed", zap.String("path", dep.Backup.Path), zap.Error(err))
		}
	}
	c.logger.Info("deployment committed", zap.String("deployment_id", dep.ID))
	return nil
}

// rollbackNow restores the snapshot in one atomic operation. A restore
// failure is catastrophic: audit with the operator flag, mark the
// deployment failed, and surface a CatastrophicError.
func (c *Controller) rollbackNow(ctx context.Context, dep *store.Deployment, reason string) error {
	err := c.retryTransient(ctx, func() error {
		return c.adapter.Restore(ctx, dep.Backup)
	})
	if err != nil {
		c.store.AppendAudit(ctx, types.AuditRecord{
			Kind:         types.AuditCatastrophic,
			DeploymentID: dep.ID,
			Detail:       "restore failed: " + err.Error(),
			OperatorFlag: true,
		})
		if terr := c.store.TransitionDeployment(ctx, dep.ID, store.DeployFailed, "restore failed: "+err.Error()); terr != nil {
			c.logger.Error("failed to record catastrophic state", zap.Error(terr))
		}
		return &types.CatastrophicError{
			DeploymentID: dep.ID,
			Message:      "rollback restore failed, host ruleset state unknown",
			Err:          err,
		}
	}
	if err := c.store.TransitionDeployment(ctx, dep.ID, store.DeployRolledBack, reason); err != nil {
		return err
	}
	c.logger.Warn("deployment rolled back",
		zap.String("deployment_id", dep.ID),
		zap.String("reason", reason))
	return nil
}

func (c *Controller) publishWindow(deploymentID string, rule policy.PolicyRule) {
	if c.publisher == nil {
		return
	}
	subject := rule.Source.Prefix
	if !subject.IsValid() {
		return
	}
	now := time.Now()
	c.publisher.PublishWindow(types.CausalWindow{
		DeploymentID: deploymentID,
		Subject:      subject,
		NotBefore:    now,
		NotAfter:     now.Add(c.causalWindow),
	})
}

// retryTransient retries fn with bounded backoff while the error is a
// transient adapter error. All other errors return immediately.
func (c *Controller) retryTransient(ctx context.Context, fn func() error) error {
	return retry.Do(fn,
		retry.Context(ctx),
		retry.Attempts(c.retryAttempts),
		retry.Delay(200*time.Millisecond),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool {
			var ae *types.AdapterError
			return errors.As(err, &ae) && ae.IsTransient()
		}),
	)
}

// RuleMatchesNeverBlock reports whether a deny rule's match set covers any
// never-block subject. Accept rules never trip the gate.
func RuleMatchesNeverBlock(rule policy.PolicyRule, entries []types.NeverBlockEntry) (bool, types.NeverBlockEntry) {
	if rule.Action == policy.ActionAccept {
		return false, types.NeverBlockEntry{}
	}
	for _, e := range entries {
		if !e.IsAddress() {
			continue
		}
		if specCovers(rule.Source, e.Prefix) || specCovers(rule.Destination, e.Prefix) {
			return true, e
		}
	}
	return false, types.NeverBlockEntry{}
}

// specCovers reports whether the address spec can match the protected
// prefix. An empty spec is treated as not covering: the gate protects
// specific subjects, and a match-all rule is caught by validation and the
// autonomy templates long before it reaches the controller.
func specCovers(spec policy.AddressSpec, protected netip.Prefix) bool {
	if !spec.Prefix.IsValid() {
		return false
	}
	if spec.Prefix.Addr().Is4() != protected.Addr().Is4() {
		return false
	}
	return spec.Prefix.Contains(protected.Addr()) || protected.Contains(spec.Prefix.Addr())
}
