// Package autonomy converts threat assessments into firewall responses.
// Rule bodies come from deterministic templates keyed by event kind; nothing
// downstream of the correlator generates free-form rule text. Every response
// passes an ordered set of hard gates, and any gate failure aborts with an
// audit record.
package autonomy

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/netip"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"afo/internal/backend"
	"afo/internal/conflict"
	"afo/internal/deploy"
	"afo/internal/policy"
	"afo/internal/store"
	"afo/internal/types"
)

// Deployer is the slice of the deployment controller the autonomy
// controller needs.
type Deployer interface {
	Submit(ctx context.Context, proposalID string) (string, error)
}

// daemon_state keys owned by this package.
const (
	stateKeyLevel         = "autonomy:level"
	stateKeyBreakerOpen   = "autonomy:breaker_open"
	stateKeyRecentDeploys = "autonomy:recent_deploys"
)

// Options configures the Controller. Zero values select the defaults noted
// per field.
type Options struct {
	Store    *store.Store
	Adapter  backend.Adapter
	Deployer Deployer

	Level types.AutonomyLevel // default monitor

	MaxCIDR   int // widest v4 block, default /24
	MaxCIDRv6 int // widest v6 block, default /64

	BreakerCount  int           // deployments allowed per window, default 3
	BreakerWindow time.Duration // default 1h

	RatePerMin      int           // global proposal creation cap, default 10
	SubjectCooldown time.Duration // default 10m

	// Cautious-level evidence bar: high score plus either source
	// diversity or sustained volume from a single source.
	HighScore       float64 // default 0.6
	CautiousSources int     // default 2
	CautiousCount   int     // default 20

	// SelfAddrs returns the host's management addresses for the
	// self-lockout gate. Nil disables the gate (netinfo wires it).
	SelfAddrs func() []netip.Addr

	// Resolve maps a hostname never-block entry to addresses. Nil uses
	// the system resolver.
	Resolve func(ctx context.Context, host string) ([]netip.Addr, error)

	// IfaceAddrs maps an interface never-block entry to its prefixes.
	// Nil uses the local interface table.
	IfaceAddrs func(name string) ([]netip.Prefix, error)

	Logger *zap.Logger
	Now    func() time.Time // test clock
}

// Controller owns the autonomy level, the circuit breaker, and the
// per-subject cooldown table. One instance serves the whole daemon.
type Controller struct {
	st       *store.Store
	adapter  backend.Adapter
	deployer Deployer
	limiter  *rate.Limiter
	logger   *zap.Logger
	now      func() time.Time
	opts     Options

	mu          sync.Mutex
	level       types.AutonomyLevel
	breakerOpen bool
	breakerWhy  string
	recent      []time.Time // successful autonomous deployments, pruned to window
	cooldowns   map[string]time.Time
	hostCache   map[string]hostEntry
}

type hostEntry struct {
	addrs   []netip.Addr
	expires time.Time
}

const hostCacheTTL = 5 * time.Minute

// New builds a Controller. Call Restore before Run to pick up persisted
// breaker and level state.
func New(opts Options) *Controller {
	if opts.Level == "" {
		opts.Level = types.AutonomyMonitor
	}
	if opts.MaxCIDR == 0 {
		opts.MaxCIDR = 24
	}
	if opts.MaxCIDRv6 == 0 {
		opts.MaxCIDRv6 = 64
	}
	if opts.BreakerCount == 0 {
		opts.BreakerCount = 3
	}
	if opts.BreakerWindow == 0 {
		opts.BreakerWindow = time.Hour
	}
	if opts.RatePerMin == 0 {
		opts.RatePerMin = 10
	}
	if opts.SubjectCooldown == 0 {
		opts.SubjectCooldown = 10 * time.Minute
	}
	if opts.HighScore == 0 {
		opts.HighScore = 0.6
	}
	if opts.CautiousSources == 0 {
		opts.CautiousSources = 2
	}
	if opts.CautiousCount == 0 {
		opts.CautiousCount = 20
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Controller{
		st:        opts.Store,
		adapter:   opts.Adapter,
		deployer:  opts.Deployer,
		limiter:   rate.NewLimiter(rate.Limit(float64(opts.RatePerMin)/60.0), opts.RatePerMin),
		logger:    opts.Logger,
		now:       opts.Now,
		opts:      opts,
		level:     opts.Level,
		cooldowns: make(map[string]time.Time),
		hostCache: make(map[string]hostEntry),
	}
}

// Restore loads persisted level, breaker, and deployment-window state so a
// tripped breaker survives a daemon restart.
func (c *Controller) Restore(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if v, ok, err := c.st.GetStateValue(ctx, stateKeyLevel); err != nil {
		return err
	} else if ok {
		if lvl, valid := types.ParseAutonomyLevel(v); valid {
			c.level = lvl
		}
	}
	if v, ok, err := c.st.GetStateValue(ctx, stateKeyBreakerOpen); err != nil {
		return err
	} else if ok && v != "" {
		c.breakerOpen = true
		c.breakerWhy = v
	}
	if v, ok, err := c.st.GetStateValue(ctx, stateKeyRecentDeploys); err != nil {
		return err
	} else if ok {
		var ts []time.Time
		if err := json.Unmarshal([]byte(v), &ts); err == nil {
			c.recent = ts
		}
	}
	return nil
}

// Run consumes assessments until the context is cancelled.
func (c *Controller) Run(ctx context.Context, assessments <-chan types.ThreatAssessment) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case a, ok := <-assessments:
			if !ok {
				return nil
			}
			if err := c.HandleAssessment(ctx, a); err != nil {
				c.logger.Warn("assessment not actioned",
					zap.String("assessment_id", a.ID),
					zap.String("subject", a.Subject.String()),
					zap.Error(err))
			}
		}
	}
}

// Level returns the current autonomy level, accounting for an open breaker.
func (c *Controller) Level() types.AutonomyLevel {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.level
}

// BreakerOpen reports breaker state and the reason it tripped.
func (c *Controller) BreakerOpen() (bool, string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.breakerOpen, c.breakerWhy
}

// SetLevel changes the autonomy level, persists it, and audits the change.
func (c *Controller) SetLevel(ctx context.Context, level types.AutonomyLevel, by string) error {
	if _, ok := types.ParseAutonomyLevel(string(level)); !ok {
		return &types.ValidationError{Field: "autonomy.level", Message: fmt.Sprintf("unknown level %q", level)}
	}
	c.mu.Lock()
	c.level = level
	c.mu.Unlock()
	if err := c.st.SetStateValue(ctx, stateKeyLevel, string(level)); err != nil {
		return err
	}
	return c.st.AppendAudit(ctx, types.AuditRecord{
		Kind:   types.AuditAutonomyLevelSet,
		Detail: fmt.Sprintf("level set to %s by %s", level, by),
		At:     c.now(),
	})
}

// TripBreaker opens the breaker and forces the level to monitor. The daemon
// calls this on catastrophic rollback failures; the controller also trips it
// internally when the deployment window overflows.
func (c *Controller) TripBreaker(ctx context.Context, reason string) error {
	c.mu.Lock()
	already := c.breakerOpen
	c.breakerOpen = true
	c.breakerWhy = reason
	c.level = types.AutonomyMonitor
	c.mu.Unlock()
	if already {
		return nil
	}
	if err := c.st.SetStateValue(ctx, stateKeyBreakerOpen, reason); err != nil {
		return err
	}
	if err := c.st.SetStateValue(ctx, stateKeyLevel, string(types.AutonomyMonitor)); err != nil {
		return err
	}
	return c.st.AppendAudit(ctx, types.AuditRecord{
		Kind:         types.AuditBreakerTripped,
		Detail:       reason,
		OperatorFlag: true,
		At:           c.now(),
	})
}

// ResetBreaker closes the breaker. Operator action only; the level stays at
// monitor until the operator raises it explicitly.
func (c *Controller) ResetBreaker(ctx context.Context, by string) error {
	c.mu.Lock()
	if !c.breakerOpen {
		c.mu.Unlock()
		return nil
	}
	c.breakerOpen = false
	c.breakerWhy = ""
	c.recent = nil
	c.mu.Unlock()
	if err := c.st.SetStateValue(ctx, stateKeyBreakerOpen, ""); err != nil {
		return err
	}
	if err := c.st.SetStateValue(ctx, stateKeyRecentDeploys, "[]"); err != nil {
		return err
	}
	return c.st.AppendAudit(ctx, types.AuditRecord{
		Kind:   types.AuditBreakerReset,
		Detail: "breaker reset by " + by,
		At:     c.now(),
	})
}

// HandleAssessment runs the gate chain and, when every gate passes, creates
// and deploys a templated proposal. A *types.PolicyViolation return means a
// gate aborted the response; the abort has already been audited.
func (c *Controller) HandleAssessment(ctx context.Context, a types.ThreatAssessment) error {
	now := c.now()
	if err := c.st.AppendAudit(ctx, types.AuditRecord{
		Kind:          types.AuditThreatEscalated,
		AssessmentID:  a.ID,
		Subject:       a.Subject.String(),
		Detail:        fmt.Sprintf("%s score=%.2f count=%d recommendation=%s", a.Kind, a.Score, a.Count, a.Recommendation),
		CorrelationID: a.ID,
		At:            now,
	}); err != nil {
		return err
	}
	if a.Recommendation == types.RecommendAlertOnly {
		c.logger.Info("alert-only assessment",
			zap.String("assessment_id", a.ID),
			zap.String("subject", a.Subject.String()))
		return nil
	}

	rule, err := c.buildRule(a, now)
	if err != nil {
		return c.suppress(ctx, a, "template", err.Error())
	}

	// Gate 1: never-block list.
	entries, err := c.neverBlockEntries(ctx)
	if err != nil {
		return err
	}
	if hit, entry := deploy.RuleMatchesNeverBlock(rule, entries); hit {
		return c.suppress(ctx, a, "never-block-match",
			fmt.Sprintf("subject %s matches protected entry %s", a.Subject, entry.Raw))
	}

	// Gate 2: circuit breaker.
	if err := c.checkBreaker(ctx, a, now); err != nil {
		return err
	}

	// Gate 3: per-subject cooldown.
	subject := a.Subject.String()
	c.mu.Lock()
	until, cooling := c.cooldowns[subject]
	c.mu.Unlock()
	if cooling && now.Before(until) {
		return c.suppress(ctx, a, "subject-cooldown",
			fmt.Sprintf("subject %s blocked %s ago", subject, c.opts.SubjectCooldown))
	}

	// Gate 4: no shadowing or contradicting a user-origin rule.
	live, err := c.st.LiveRules(ctx, now)
	if err != nil {
		return err
	}
	report := conflict.Analyze(rule, live, c.adapter.Capabilities().EvaluationOrder)
	if report.UserShadowOrContradiction() {
		return c.suppress(ctx, a, "user-rule-conflict",
			"response would shadow or contradict an operator rule")
	}

	// Gate 5: self-lockout.
	if c.opts.SelfAddrs != nil {
		for _, addr := range c.opts.SelfAddrs() {
			if rule.Source.Prefix.IsValid() && rule.Source.Prefix.Contains(addr) {
				return c.suppress(ctx, a, "self-lockout",
					fmt.Sprintf("subject %s covers management address %s", a.Subject, addr))
			}
		}
	}

	// Gate 6: autonomy level.
	c.mu.Lock()
	level := c.level
	c.mu.Unlock()
	switch level {
	case types.AutonomyMonitor:
		return c.proposeForApproval(ctx, a, rule, report, now)
	case types.AutonomyCautious:
		diverse := len(a.SourceNames) >= c.opts.CautiousSources
		sustained := a.Count >= c.opts.CautiousCount
		if a.Score < c.opts.HighScore || (!diverse && !sustained) {
			return c.suppress(ctx, a, "cautious-evidence",
				fmt.Sprintf("score=%.2f sources=%d count=%d below cautious bar", a.Score, len(a.SourceNames), a.Count))
		}
	case types.AutonomyAggressive:
		if a.Score < c.opts.HighScore {
			return c.suppress(ctx, a, "low-score",
				fmt.Sprintf("score=%.2f below %0.2f", a.Score, c.opts.HighScore))
		}
	}

	// Global creation rate cap, independent of the breaker.
	if !c.limiter.AllowN(now, 1) {
		return c.suppress(ctx, a, "rate-limit",
			fmt.Sprintf("global cap %d/min exceeded", c.opts.RatePerMin))
	}

	return c.deployAutonomous(ctx, a, rule, report, now)
}

// suppress audits a gate abort and returns the matching PolicyViolation.
func (c *Controller) suppress(ctx context.Context, a types.ThreatAssessment, gate, detail string) error {
	rec := types.AuditRecord{
		Kind:          types.AuditAutonomySuppressed,
		AssessmentID:  a.ID,
		Subject:       a.Subject.String(),
		Detail:        gate + ": " + detail,
		CorrelationID: a.ID,
		At:            c.now(),
	}
	if err := c.st.AppendAudit(ctx, rec); err != nil {
		return err
	}
	c.logger.Info("autonomous response suppressed",
		zap.String("gate", gate),
		zap.String("subject", a.Subject.String()),
		zap.String("detail", detail))
	return &types.PolicyViolation{Gate: gate, Message: detail, CorrelationID: a.ID}
}

// checkBreaker prunes the deployment window and trips when it is full.
func (c *Controller) checkBreaker(ctx context.Context, a types.ThreatAssessment, now time.Time) error {
	c.mu.Lock()
	if c.breakerOpen {
		why := c.breakerWhy
		c.mu.Unlock()
		return c.suppress(ctx, a, "breaker-open", why)
	}
	cutoff := now.Add(-c.opts.BreakerWindow)
	kept := c.recent[:0]
	for _, t := range c.recent {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	c.recent = kept
	full := len(c.recent) >= c.opts.BreakerCount
	c.mu.Unlock()
	if !full {
		return nil
	}
	reason := fmt.Sprintf("%d autonomous deployments within %s", c.opts.BreakerCount, c.opts.BreakerWindow)
	if err := c.TripBreaker(ctx, reason); err != nil {
		return err
	}
	return c.suppress(ctx, a, "breaker-open", reason)
}

// proposeForApproval is the monitor-level path: the rule enters the
// approval queue and nothing touches the backend.
func (c *Controller) proposeForApproval(ctx context.Context, a types.ThreatAssessment, rule policy.PolicyRule, report conflict.Report, now time.Time) error {
	rule.Origin = policy.OriginDaemonPropose
	prop, err := c.makeProposal(ctx, a, rule, report, now)
	if err != nil {
		return err
	}
	if err := c.st.TransitionProposal(ctx, prop.ID, store.ProposalPendingApproval, "autonomy", "awaiting operator approval"); err != nil {
		return err
	}
	c.logger.Info("proposal queued for approval",
		zap.String("proposal_id", prop.ID),
		zap.String("subject", a.Subject.String()))
	return nil
}

// deployAutonomous approves its own proposal and hands it to the
// deployment controller.
func (c *Controller) deployAutonomous(ctx context.Context, a types.ThreatAssessment, rule policy.PolicyRule, report conflict.Report, now time.Time) error {
	prop, err := c.makeProposal(ctx, a, rule, report, now)
	if err != nil {
		return err
	}
	if err := c.st.TransitionProposal(ctx, prop.ID, store.ProposalApproved, "autonomy", "auto-approved"); err != nil {
		return err
	}
	depID, err := c.deployer.Submit(ctx, prop.ID)
	if err != nil {
		return fmt.Errorf("failed to submit deployment: %w", err)
	}

	c.mu.Lock()
	c.recent = append(c.recent, now)
	c.cooldowns[a.Subject.String()] = now.Add(c.opts.SubjectCooldown)
	snapshot := append([]time.Time(nil), c.recent...)
	c.mu.Unlock()
	if buf, err := json.Marshal(snapshot); err == nil {
		if err := c.st.SetStateValue(ctx, stateKeyRecentDeploys, string(buf)); err != nil {
			c.logger.Warn("failed to persist deployment window", zap.Error(err))
		}
	}

	return c.st.AppendAudit(ctx, types.AuditRecord{
		Kind:          types.AuditAutonomousApplied,
		AssessmentID:  a.ID,
		ProposalID:    prop.ID,
		DeploymentID:  depID,
		Subject:       a.Subject.String(),
		Detail:        fmt.Sprintf("templated %s response deployed", a.Kind),
		CorrelationID: a.ID,
		At:            c.now(),
	})
}

// makeProposal renders, dry-runs, and persists a draft proposal.
func (c *Controller) makeProposal(ctx context.Context, a types.ThreatAssessment, rule policy.PolicyRule, report conflict.Report, now time.Time) (*store.Proposal, error) {
	if err := backend.CheckRule(c.adapter, rule); err != nil {
		return nil, err
	}
	rendered, err := c.adapter.Render(rule)
	if err != nil {
		return nil, err
	}
	verdict, err := c.adapter.Validate(ctx, rendered)
	if err != nil {
		return nil, err
	}
	if !verdict.Valid {
		return nil, c.suppress(ctx, a, "dry-run-rejected", strings.Join(verdict.Errors, "; "))
	}
	prop := &store.Proposal{
		ID:            rule.ID,
		Rule:          rule,
		Rendered:      rendered,
		Verdict:       verdict,
		Conflicts:     report,
		State:         store.ProposalDraft,
		CorrelationID: a.ID,
		CreatedAt:     now,
	}
	if err := c.st.CreateProposal(ctx, prop); err != nil {
		return nil, err
	}
	return prop, nil
}

// =============================================================================
// RESPONSE TEMPLATES
// =============================================================================

// expiryFor is the per-kind rule lifetime. Assessments may suggest their
// own; the template caps nothing below these floors.
func expiryFor(a types.ThreatAssessment) time.Duration {
	if a.ExpiresSuggest > 0 {
		return a.ExpiresSuggest
	}
	switch a.Kind {
	case types.EventPortScanHit:
		return time.Hour
	case types.EventRateAnomaly:
		return 30 * time.Minute
	default:
		return 24 * time.Hour
	}
}

// buildRule instantiates the deterministic template for the assessment's
// kind. The action is always drop; the subject is never wider than the
// configured CIDR ceiling.
func (c *Controller) buildRule(a types.ThreatAssessment, now time.Time) (policy.PolicyRule, error) {
	subject := a.Subject
	if !subject.IsValid() {
		return policy.PolicyRule{}, fmt.Errorf("assessment %s has no subject", a.ID)
	}
	maxBits := c.opts.MaxCIDR
	if subject.Addr().Is6() && !subject.Addr().Is4In6() {
		maxBits = c.opts.MaxCIDRv6
	}
	if subject.Bits() < maxBits {
		return policy.PolicyRule{}, fmt.Errorf("subject %s wider than /%d ceiling", subject, maxBits)
	}

	rule := policy.NewRule(policy.OriginDaemonAuto)
	rule.Action = policy.ActionDrop
	rule.Direction = policy.DirectionInput
	rule.Stateful = false
	rule.Log = true
	rule.Source = policy.AddressSpec{Prefix: subject}
	if subject.Addr().Is4() || subject.Addr().Is4In6() {
		rule.Family = policy.FamilyIPv4
	} else {
		rule.Family = policy.FamilyIPv6
	}
	exp := now.Add(expiryFor(a))
	rule.ExpiresAt = &exp
	rule.Comment = "afo auto response, assessment " + a.ID

	switch a.Kind {
	case types.EventAuthFail:
		// narrow to the attacked service port when the evidence names one
		if len(a.Ports) > 0 && len(a.Ports) <= 4 {
			ports := append([]int(nil), a.Ports...)
			sort.Ints(ports)
			rule.Protocol = policy.ProtocolTCP
			rule.DestinationPort = policy.PortSpec{List: ports}
		}
	case types.EventRateAnomaly:
		// drop only the excess so legitimate bursts survive
		rule.RateLimit = &policy.RateLimit{Count: 25, Window: time.Second}
	}
	// port scans and feed hits drop all traffic from the subject

	rule.Canonicalize()
	if err := rule.Validate(); err != nil {
		return policy.PolicyRule{}, err
	}
	return rule, nil
}

// =============================================================================
// GATE INPUTS
// =============================================================================

// neverBlockEntries returns the stored list with hostname and interface
// entries expanded into address prefixes.
func (c *Controller) neverBlockEntries(ctx context.Context) ([]types.NeverBlockEntry, error) {
	entries, err := c.st.ListNeverBlock(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]types.NeverBlockEntry, 0, len(entries))
	for _, e := range entries {
		if e.IsAddress() {
			out = append(out, e)
			continue
		}
		if e.Hostname != "" {
			for _, addr := range c.resolveHost(ctx, e.Hostname) {
				out = append(out, types.NeverBlockEntry{
					Raw:    e.Raw,
					Prefix: netip.PrefixFrom(addr, addr.BitLen()),
					Source: e.Source,
				})
			}
			continue
		}
		if e.Interface != "" {
			prefixes, err := c.ifaceAddrs(e.Interface)
			if err != nil {
				c.logger.Warn("never-block interface lookup failed",
					zap.String("interface", e.Interface), zap.Error(err))
				continue
			}
			for _, p := range prefixes {
				out = append(out, types.NeverBlockEntry{Raw: e.Raw, Prefix: p, Source: e.Source})
			}
		}
	}
	return out, nil
}

func (c *Controller) resolveHost(ctx context.Context, host string) []netip.Addr {
	now := c.now()
	c.mu.Lock()
	if cached, ok := c.hostCache[host]; ok && now.Before(cached.expires) {
		c.mu.Unlock()
		return cached.addrs
	}
	c.mu.Unlock()

	var addrs []netip.Addr
	var err error
	if c.opts.Resolve != nil {
		addrs, err = c.opts.Resolve(ctx, host)
	} else {
		addrs, err = net.DefaultResolver.LookupNetIP(ctx, "ip", host)
	}
	if err != nil {
		c.logger.Warn("never-block hostname resolution failed",
			zap.String("host", host), zap.Error(err))
		return nil
	}
	for i, a := range addrs {
		addrs[i] = a.Unmap()
	}
	c.mu.Lock()
	c.hostCache[host] = hostEntry{addrs: addrs, expires: now.Add(hostCacheTTL)}
	c.mu.Unlock()
	return addrs
}

func (c *Controller) ifaceAddrs(name string) ([]netip.Prefix, error) {
	if c.opts.IfaceAddrs != nil {
		return c.opts.IfaceAddrs(name)
	}
	ifc, err := net.InterfaceByName(name)
	if err != nil {
		return nil, err
	}
	addrs, err := ifc.Addrs()
	if err != nil {
		return nil, err
	}
	var out []netip.Prefix
	for _, a := range addrs {
		ipn, ok := a.(*net.IPNet)
		if !ok {
			continue
		}
		addr, ok := netip.AddrFromSlice(ipn.IP)
		if !ok {
			continue
		}
		ones, _ := ipn.Mask.Size()
		out = append(out, netip.PrefixFrom(addr.Unmap(), ones))
	}
	return out, nil
}
