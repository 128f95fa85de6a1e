package nftables

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"afo/internal/backend"
	"afo/internal/policy"
	"afo/internal/types"
)

// Adapter drives nftables through the nft binary. Apply and restore are
// always single nft -f transactions; the kernel treats each file load as
// one atomic ruleset change.
type Adapter struct {
	runner    Runner
	backupDir string
	logger    *zap.Logger
}

// Options configure the adapter.
type Options struct {
	Runner    Runner // nil = real nft binary
	BackupDir string
	Logger    *zap.Logger
}

// New returns an nftables adapter.
func New(opts Options) *Adapter {
	if opts.Runner == nil {
		opts.Runner = NewExecRunner(30 * time.Second)
	}
	if opts.BackupDir == "" {
		opts.BackupDir = "/var/lib/afo/backups"
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Adapter{runner: opts.Runner, backupDir: opts.BackupDir, logger: opts.Logger}
}

// Name implements backend.Adapter.
func (a *Adapter) Name() string { return Name }

// KernelSubsystem implements backend.Adapter. iptables-legacy and other
// command sets translating onto netfilter collide with this adapter.
func (a *Adapter) KernelSubsystem() string { return "netfilter" }

// Capabilities implements backend.Adapter.
func (a *Adapter) Capabilities() backend.Capabilities {
	return backend.Capabilities{
		SupportsDeny:          true,
		SupportsStateful:      true,
		SupportsRateLimit:     true,
		SupportsIPv6:          true,
		SupportsPriority:      true,
		EvaluationOrder:       backend.FirstMatch,
		SupportsAtomicReplace: true,
		SupportsDeltaOps:      true,
	}
}

// Render implements backend.Adapter. Pure; no side effects.
func (a *Adapter) Render(rule policy.PolicyRule) (backend.RenderedRule, error) {
	return renderRule(rule)
}

// Validate dry-runs the rendered rule with nft --check against a minimal
// image containing the managed table, without touching the live ruleset.
func (a *Adapter) Validate(ctx context.Context, rendered backend.RenderedRule) (backend.Verdict, error) {
	image := buildImage([]backend.RenderedRule{rendered})
	_, stderr, code, err := a.runner.Run(ctx, []string{"--check", "-f", "-"}, image)
	if ae := classifyRunError("validate", stderr, code, err); ae != nil {
		if ae.Kind == types.AdapterSyntax {
			return backend.Verdict{Valid: false, Errors: splitErrLines(stderr)}, nil
		}
		return backend.Verdict{}, ae
	}
	return backend.Verdict{Valid: true, Warnings: warnLines(stderr)}, nil
}

// Snapshot captures the live ruleset into a backup file that Restore can
// load as one transaction. The file begins with a flush directive so
// restoring it is a full atomic replacement.
func (a *Adapter) Snapshot(ctx context.Context) (backend.BackupRef, error) {
	out, stderr, code, err := a.runner.Run(ctx, []string{"list", "ruleset"}, "")
	if ae := classifyRunError("snapshot", stderr, code, err); ae != nil {
		return backend.BackupRef{}, ae
	}
	if err := os.MkdirAll(a.backupDir, 0o700); err != nil {
		return backend.BackupRef{}, &types.AdapterError{
			Backend: Name, Op: "snapshot", Kind: types.AdapterSystem,
			Message: "create backup dir: " + err.Error(), Err: err,
		}
	}
	now := time.Now()
	path := filepath.Join(a.backupDir, fmt.Sprintf("%s_ruleset.nft", now.Format("20060102_150405.000000")))
	content := "flush ruleset\n" + out
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		return backend.BackupRef{}, &types.AdapterError{
			Backend: Name, Op: "snapshot", Kind: types.AdapterSystem,
			Message: "write backup: " + err.Error(), Err: err,
		}
	}
	a.logger.Debug("ruleset snapshot taken", zap.String("path", path), zap.Int("bytes", len(content)))
	return backend.BackupRef{Path: path, TakenAt: now, SizeBytes: int64(len(content))}, nil
}

// ApplyAtomic implements backend.Adapter. The full image, flush directive
// included, goes through a single nft -f invocation.
func (a *Adapter) ApplyAtomic(ctx context.Context, image []backend.RenderedRule) (backend.ApplyReceipt, error) {
	text := buildImage(image)
	_, stderr, code, err := a.runner.Run(ctx, []string{"-f", "-"}, text)
	if ae := classifyRunError("apply_atomic", stderr, code, err); ae != nil {
		return backend.ApplyReceipt{}, ae
	}
	a.logger.Info("atomic ruleset replace applied", zap.Int("rules", len(image)))
	return backend.ApplyReceipt{AppliedAt: time.Now(), RuleCount: len(image)}, nil
}

// ApplyDelta adds or removes a single rule, preserving conntrack state for
// everything else. Removal resolves the rule handle by its afo comment tag.
func (a *Adapter) ApplyDelta(ctx context.Context, op backend.DeltaOp) (backend.ApplyReceipt, error) {
	if op.Add {
		if err := a.ensureTable(ctx); err != nil {
			return backend.ApplyReceipt{}, err
		}
		_, stderr, code, err := a.runner.Run(ctx, []string{"-f", "-"}, op.Rule.Text+"\n")
		if ae := classifyRunError("apply_delta", stderr, code, err); ae != nil {
			return backend.ApplyReceipt{}, ae
		}
		a.logger.Info("delta rule added", zap.String("rule_id", op.Rule.RuleID))
		return backend.ApplyReceipt{AppliedAt: time.Now(), RuleCount: 1, Delta: true}, nil
	}

	handle := op.Handle
	chain := ""
	if handle == "" {
		h, ch, err := a.findHandle(ctx, op.Rule.RuleID)
		if err != nil {
			return backend.ApplyReceipt{}, err
		}
		handle, chain = h, ch
	} else if stmt, ok := splitStatement(op.Rule.Text); ok {
		chain = stmt.Chain
	}
	_, stderr, code, err := a.runner.Run(ctx,
		[]string{"delete", "rule", family, tableName, chain, "handle", handle}, "")
	if ae := classifyRunError("apply_delta", stderr, code, err); ae != nil {
		return backend.ApplyReceipt{}, ae
	}
	a.logger.Info("delta rule removed", zap.String("rule_id", op.Rule.RuleID), zap.String("handle", handle))
	return backend.ApplyReceipt{AppliedAt: time.Now(), RuleCount: 1, Delta: true}, nil
}

// ensureTable creates the managed table and chains if absent. nft add is
// idempotent for tables and chains.
func (a *Adapter) ensureTable(ctx context.Context) error {
	var b strings.Builder
	fmt.Fprintf(&b, "add table %s %s\n", family, tableName)
	for _, chain := range []string{"input", "forward", "output"} {
		fmt.Fprintf(&b, "add chain %s %s %s { type filter hook %s priority 0; policy accept; }\n",
			family, tableName, chain, chain)
	}
	_, stderr, code, err := a.runner.Run(ctx, []string{"-f", "-"}, b.String())
	if ae := classifyRunError("ensure_table", stderr, code, err); ae != nil {
		return ae
	}
	return nil
}

// findHandle locates the kernel handle of a managed rule by its comment tag.
func (a *Adapter) findHandle(ctx context.Context, ruleID string) (handle, chain string, err error) {
	out, stderr, code, runErr := a.runner.Run(ctx, []string{"-a", "list", "table", family, tableName}, "")
	if ae := classifyRunError("find_handle", stderr, code, runErr); ae != nil {
		return "", "", ae
	}
	for _, p := range parseRuleset(out) {
		if strings.Contains(p.Body, commentTag+ruleID) && p.Handle != "" {
			return p.Handle, p.Chain, nil
		}
	}
	return "", "", &types.AdapterError{
		Backend: Name, Op: "find_handle", Kind: types.AdapterSystem,
		Message: fmt.Sprintf("no live rule carries id %s", ruleID),
	}
}

// Restore implements backend.Adapter: a single atomic load of the backup
// image. Never flush-then-load as two operations.
func (a *Adapter) Restore(ctx context.Context, ref backend.BackupRef) error {
	content, err := os.ReadFile(ref.Path)
	if err != nil {
		return &types.AdapterError{
			Backend: Name, Op: "restore", Kind: types.AdapterSystem,
			Message: "read backup: " + err.Error(), Err: err,
		}
	}
	_, stderr, code, runErr := a.runner.Run(ctx, []string{"-f", "-"}, string(content))
	if ae := classifyRunError("restore", stderr, code, runErr); ae != nil {
		return ae
	}
	a.logger.Info("ruleset restored from backup", zap.String("path", ref.Path))
	return nil
}

// ListRules implements backend.Adapter.
func (a *Adapter) ListRules(ctx context.Context) ([]backend.RenderedRule, error) {
	out, stderr, code, err := a.runner.Run(ctx, []string{"list", "ruleset"}, "")
	if ae := classifyRunError("list_rules", stderr, code, err); ae != nil {
		return nil, ae
	}
	var rules []backend.RenderedRule
	for _, p := range parseRuleset(out) {
		rules = append(rules, p.toRendered())
	}
	return rules, nil
}

// ImportRules implements backend.Adapter. Features nft can express but the
// neutral model cannot come back as verdict warnings, never silently
// dropped.
func (a *Adapter) ImportRules(ctx context.Context) ([]policy.PolicyRule, backend.Verdict, error) {
	out, stderr, code, err := a.runner.Run(ctx, []string{"list", "ruleset"}, "")
	if ae := classifyRunError("import_rules", stderr, code, err); ae != nil {
		return nil, backend.Verdict{}, ae
	}
	var (
		rules   []policy.PolicyRule
		verdict = backend.Verdict{Valid: true}
	)
	for _, p := range parseRuleset(out) {
		rule, warnings, ok := liftRule(p)
		verdict.Warnings = append(verdict.Warnings, warnings...)
		if ok {
			rules = append(rules, rule)
		}
	}
	return rules, verdict, nil
}

// Health implements backend.Adapter. Reachable means nft answers a list;
// writable means a no-op transaction check passes.
func (a *Adapter) Health(ctx context.Context) backend.Health {
	_, stderr, code, err := a.runner.Run(ctx, []string{"list", "ruleset"}, "")
	if ae := classifyRunError("health", stderr, code, err); ae != nil {
		return backend.Health{Reachable: false, Detail: ae.Message}
	}
	_, stderr, code, err = a.runner.Run(ctx, []string{"--check", "-f", "-"}, fmt.Sprintf("add table %s %s\n", family, tableName))
	if ae := classifyRunError("health", stderr, code, err); ae != nil {
		return backend.Health{Reachable: true, Writable: false, Detail: ae.Message}
	}
	return backend.Health{Reachable: true, Writable: true}
}

func splitErrLines(stderr string) []string {
	var out []string
	for _, line := range strings.Split(strings.TrimSpace(stderr), "\n") {
		if line != "" && !strings.Contains(strings.ToLower(line), "warning") {
			out = append(out, line)
		}
	}
	return out
}

func warnLines(stderr string) []string {
	var out []string
	for _, line := range strings.Split(stderr, "\n") {
		if strings.Contains(strings.ToLower(line), "warning") {
			out = append(out, line)
		}
	}
	return out
}
