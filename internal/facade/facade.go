// Package facade is the single API surface of the daemon. It is the sole
// writer against the store and the backend adapter; consumers, the CLI
// included, never bypass it. Every call is logged and bounded by a timeout.
package facade

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"afo/internal/backend"
	"afo/internal/conflict"
	"afo/internal/policy"
	"afo/internal/store"
	"afo/internal/translate"
	"afo/internal/types"
)

// DeployControl is the slice of the deployment controller the facade
// drives.
type DeployControl interface {
	Submit(ctx context.Context, proposalID string) (string, error)
	CancelQueued(deploymentID string) bool
	Commit(deploymentID string) error
	Rollback(deploymentID, reason string) error
}

// AutonomyControl is the slice of the autonomy controller the facade
// drives.
type AutonomyControl interface {
	Level() types.AutonomyLevel
	SetLevel(ctx context.Context, level types.AutonomyLevel, by string) error
	BreakerOpen() (bool, string)
	ResetBreaker(ctx context.Context, by string) error
}

// Options wires the facade. Translator is optional; without it Propose only
// accepts structured rules.
type Options struct {
	Store       *store.Store
	Adapter     backend.Adapter
	Deploy      DeployControl
	Autonomy    AutonomyControl
	Translator  translate.Translator
	CallTimeout time.Duration // default 30s
	Logger      *zap.Logger
}

// Facade implements the service API.
type Facade struct {
	st          *store.Store
	adapter     backend.Adapter
	deploy      DeployControl
	autonomy    AutonomyControl
	translator  translate.Translator
	callTimeout time.Duration
	logger      *zap.Logger

	mu   sync.Mutex
	subs map[int]chan types.SecurityEvent
	next int
}

func New(opts Options) *Facade {
	if opts.CallTimeout == 0 {
		opts.CallTimeout = 30 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Facade{
		st:          opts.Store,
		adapter:     opts.Adapter,
		deploy:      opts.Deploy,
		autonomy:    opts.Autonomy,
		translator:  opts.Translator,
		callTimeout: opts.CallTimeout,
		logger:      opts.Logger,
		subs:        make(map[int]chan types.SecurityEvent),
	}
}

func (f *Facade) bound(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, f.callTimeout)
}

// =============================================================================
// PROPOSALS
// =============================================================================

// ProposeRequest carries either operator text for the translator or a
// structured rule. Supersedes optionally names an open proposal this one
// replaces.
type ProposeRequest struct {
	Text       string
	Rule       *policy.PolicyRule
	Supersedes string
	By         string
}

// Propose validates a candidate rule, renders it, dry-runs it against the
// backend, attaches the conflict report, and persists a draft proposal. A
// rule failing the dry run still becomes a proposal so the operator can see
// the verdict; Approve refuses it later.
func (f *Facade) Propose(ctx context.Context, req ProposeRequest) (store.Proposal, error) {
	ctx, cancel := f.bound(ctx)
	defer cancel()
	f.logger.Info("propose", zap.String("by", req.By), zap.Bool("from_text", req.Text != ""))

	var rule policy.PolicyRule
	var explanation string
	switch {
	case req.Rule != nil:
		rule = *req.Rule
	case req.Text != "":
		if f.translator == nil {
			return store.Proposal{}, &types.ValidationError{Field: "text", Message: "no translator configured"}
		}
		tr, err := f.translator.Translate(ctx, req.Text)
		if err != nil {
			return store.Proposal{}, fmt.Errorf("failed to translate proposal text: %w", err)
		}
		rule = tr.Rule
		explanation = tr.Explanation
	default:
		return store.Proposal{}, &types.ValidationError{Field: "request", Message: "neither text nor rule given"}
	}

	if rule.ID == "" {
		rule.ID = policy.NewRule(rule.Origin).ID
	}
	if rule.Origin == "" {
		rule.Origin = policy.OriginUser
	}
	rule.Canonicalize()
	if err := rule.Validate(); err != nil {
		return store.Proposal{}, err
	}
	if err := backend.CheckRule(f.adapter, rule); err != nil {
		return store.Proposal{}, err
	}

	rendered, err := f.adapter.Render(rule)
	if err != nil {
		return store.Proposal{}, err
	}
	verdict, err := f.adapter.Validate(ctx, rendered)
	if err != nil {
		return store.Proposal{}, err
	}

	live, err := f.st.LiveRules(ctx, time.Now())
	if err != nil {
		return store.Proposal{}, err
	}
	report := conflict.Analyze(rule, live, f.adapter.Capabilities().EvaluationOrder)

	prop := &store.Proposal{
		ID:          rule.ID,
		Rule:        rule,
		Rendered:    rendered,
		Verdict:     verdict,
		Conflicts:   report,
		Explanation: explanation,
		State:       store.ProposalDraft,
	}
	if err := f.st.CreateProposal(ctx, prop); err != nil {
		return store.Proposal{}, err
	}
	if req.Supersedes != "" {
		if err := f.st.TransitionProposal(ctx, req.Supersedes, store.ProposalSuperseded, req.By, "superseded by "+prop.ID); err != nil {
			return store.Proposal{}, err
		}
	}
	return *prop, nil
}

// Approve moves a proposal to approved and submits it for deployment. The
// deployment id is returned; the deployment itself proceeds asynchronously
// through probation.
func (f *Facade) Approve(ctx context.Context, proposalID, by string) (string, error) {
	ctx, cancel := f.bound(ctx)
	defer cancel()
	f.logger.Info("approve", zap.String("proposal_id", proposalID), zap.String("by", by))

	prop, err := f.st.GetProposal(ctx, proposalID)
	if err != nil {
		return "", err
	}
	if !prop.Verdict.Valid {
		return "", &types.ValidationError{
			Field:   "proposal",
			Message: "dry-run verdict is invalid: " + strings.Join(prop.Verdict.Errors, "; "),
		}
	}
	if prop.State != store.ProposalApproved {
		if err := f.st.TransitionProposal(ctx, proposalID, store.ProposalApproved, by, ""); err != nil {
			return "", err
		}
	}
	return f.deploy.Submit(ctx, proposalID)
}

// Reject marks a proposal rejected.
func (f *Facade) Reject(ctx context.Context, proposalID, by, reason string) error {
	ctx, cancel := f.bound(ctx)
	defer cancel()
	f.logger.Info("reject", zap.String("proposal_id", proposalID), zap.String("by", by))
	return f.st.TransitionProposal(ctx, proposalID, store.ProposalRejected, by, reason)
}

// ListProposals returns proposals, optionally filtered by state.
func (f *Facade) ListProposals(ctx context.Context, state store.ProposalState) ([]store.Proposal, error) {
	ctx, cancel := f.bound(ctx)
	defer cancel()
	return f.st.ListProposals(ctx, state)
}

// =============================================================================
// DEPLOYMENTS
// =============================================================================

// Commit ends probation early for a deployment.
func (f *Facade) Commit(ctx context.Context, deploymentID string) error {
	_, cancel := f.bound(ctx)
	defer cancel()
	f.logger.Info("commit", zap.String("deployment_id", deploymentID))
	return f.deploy.Commit(deploymentID)
}

// Rollback cancels a queued deployment or rolls back one in probation.
func (f *Facade) Rollback(ctx context.Context, deploymentID, reason string) error {
	_, cancel := f.bound(ctx)
	defer cancel()
	f.logger.Info("rollback", zap.String("deployment_id", deploymentID), zap.String("reason", reason))
	if f.deploy.CancelQueued(deploymentID) {
		return nil
	}
	return f.deploy.Rollback(deploymentID, reason)
}

// =============================================================================
// RULES
// =============================================================================

// ListRules returns the policy view of the active ruleset with origins
// intact.
func (f *Facade) ListRules(ctx context.Context) ([]policy.PolicyRule, error) {
	ctx, cancel := f.bound(ctx)
	defer cancel()
	return f.st.LiveRules(ctx, time.Now())
}

// ImportRules lifts the backend's current ruleset into policy form.
// Inexpressible constructs come back as verdict warnings, never silently
// dropped.
func (f *Facade) ImportRules(ctx context.Context) ([]policy.PolicyRule, backend.Verdict, error) {
	ctx, cancel := f.bound(ctx)
	defer cancel()
	f.logger.Info("import rules")
	return f.adapter.ImportRules(ctx)
}

// =============================================================================
// EVENT STREAM
// =============================================================================

// SubscribeEvents returns the stored backlog since the given time followed
// by live events until the context ends. A subscriber that stops draining
// loses live events rather than blocking the daemon.
func (f *Facade) SubscribeEvents(ctx context.Context, since time.Time) (<-chan types.SecurityEvent, error) {
	backlog, err := f.st.EventsSince(ctx, since, 1000)
	if err != nil {
		return nil, err
	}
	ch := make(chan types.SecurityEvent, 256)

	f.mu.Lock()
	id := f.next
	f.next++
	f.subs[id] = ch
	f.mu.Unlock()

	go func() {
		defer func() {
			f.mu.Lock()
			delete(f.subs, id)
			f.mu.Unlock()
		}()
		for _, ev := range backlog {
			select {
			case ch <- ev:
			case <-ctx.Done():
				return
			}
		}
		<-ctx.Done()
	}()
	return ch, nil
}

// Notify fans a live event out to subscribers. The daemon calls this for
// every event leaving the bus.
func (f *Facade) Notify(ev types.SecurityEvent) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, ch := range f.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// =============================================================================
// STATUS & CONTROLS
// =============================================================================

// Status is the daemon_status response.
type Status struct {
	Backend          string             `json:"backend"`
	Health           backend.Health     `json:"health"`
	AutonomyLevel    types.AutonomyLevel `json:"autonomy_level"`
	BreakerOpen      bool               `json:"breaker_open"`
	BreakerReason    string             `json:"breaker_reason,omitempty"`
	ActiveDeployment *store.Deployment  `json:"active_deployment,omitempty"`
	PendingProposals int                `json:"pending_proposals"`
	LiveRules        int                `json:"live_rules"`
}

// DaemonStatus assembles the operator status view.
func (f *Facade) DaemonStatus(ctx context.Context) (Status, error) {
	ctx, cancel := f.bound(ctx)
	defer cancel()

	st := Status{
		Backend:       f.adapter.Name(),
		Health:        f.adapter.Health(ctx),
		AutonomyLevel: f.autonomy.Level(),
	}
	st.BreakerOpen, st.BreakerReason = f.autonomy.BreakerOpen()

	if dep, ok, err := f.st.ActiveDeployment(ctx, f.adapter.Name()); err != nil {
		return Status{}, err
	} else if ok {
		st.ActiveDeployment = &dep
	}
	pending, err := f.st.ListProposals(ctx, store.ProposalPendingApproval)
	if err != nil {
		return Status{}, err
	}
	st.PendingProposals = len(pending)
	live, err := f.st.LiveRules(ctx, time.Now())
	if err != nil {
		return Status{}, err
	}
	st.LiveRules = len(live)
	return st, nil
}

// AutonomySetLevel changes the autonomy level.
func (f *Facade) AutonomySetLevel(ctx context.Context, level types.AutonomyLevel, by string) error {
	ctx, cancel := f.bound(ctx)
	defer cancel()
	f.logger.Info("autonomy level change", zap.String("level", string(level)), zap.String("by", by))
	return f.autonomy.SetLevel(ctx, level, by)
}

// AutonomyResetBreaker closes a tripped circuit breaker.
func (f *Facade) AutonomyResetBreaker(ctx context.Context, by string) error {
	ctx, cancel := f.bound(ctx)
	defer cancel()
	f.logger.Info("breaker reset", zap.String("by", by))
	return f.autonomy.ResetBreaker(ctx, by)
}

// NeverBlockAdd parses and stores a protected subject. Accepted forms: an
// IP, a CIDR, "iface:<name>", or a hostname.
func (f *Facade) NeverBlockAdd(ctx context.Context, raw, by string) error {
	ctx, cancel := f.bound(ctx)
	defer cancel()
	f.logger.Info("never-block add", zap.String("entry", raw), zap.String("by", by))

	entry, err := ParseNeverBlock(raw)
	if err != nil {
		return err
	}
	entry.Source = "operator"
	return f.st.AddNeverBlock(ctx, entry)
}

// NeverBlockRemove deletes an entry by its raw form.
func (f *Facade) NeverBlockRemove(ctx context.Context, raw, by string) error {
	ctx, cancel := f.bound(ctx)
	defer cancel()
	f.logger.Info("never-block remove", zap.String("entry", raw), zap.String("by", by))
	return f.st.RemoveNeverBlock(ctx, raw)
}

// NeverBlockList returns the protected subjects.
func (f *Facade) NeverBlockList(ctx context.Context) ([]types.NeverBlockEntry, error) {
	ctx, cancel := f.bound(ctx)
	defer cancel()
	return f.st.ListNeverBlock(ctx)
}

// ParseNeverBlock classifies a raw never-block entry.
func ParseNeverBlock(raw string) (*types.NeverBlockEntry, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, &types.ValidationError{Field: "never_block", Message: "empty entry"}
	}
	if name, ok := strings.CutPrefix(raw, "iface:"); ok {
		if name == "" {
			return nil, &types.ValidationError{Field: "never_block", Message: "empty interface name"}
		}
		return &types.NeverBlockEntry{Raw: raw, Interface: name}, nil
	}
	if p, err := netip.ParsePrefix(raw); err == nil {
		return &types.NeverBlockEntry{Raw: raw, Prefix: p.Masked()}, nil
	}
	if a, err := netip.ParseAddr(raw); err == nil {
		a = a.Unmap()
		return &types.NeverBlockEntry{Raw: raw, Prefix: netip.PrefixFrom(a, a.BitLen())}, nil
	}
	if strings.ContainsAny(raw, " \t/") {
		return nil, &types.ValidationError{Field: "never_block", Message: fmt.Sprintf("cannot parse %q", raw)}
	}
	return &types.NeverBlockEntry{Raw: raw, Hostname: raw}, nil
}

// ErrNotFound reports whether an error is the store's missing-entity error.
func ErrNotFound(err error) bool {
	var ie *types.IntegrityError
	return errors.As(err, &ie) && strings.Contains(ie.Message, "no ")
}
