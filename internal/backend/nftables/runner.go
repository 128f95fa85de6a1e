// Package nftables implements the reference backend adapter. It drives the
// nft command line over the platform ruleset file format; atomic replace is
// a single load of a complete image beginning with a flush directive,
// processed by the kernel as one transaction.
package nftables

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
	"strings"
	"time"

	"afo/internal/types"
)

// Runner executes the nft binary. Tests substitute a fake so the adapter
// logic can be exercised without a netfilter-capable host.
type Runner interface {
	// Run executes nft with args, feeding stdin when non-empty, and
	// returns stdout, stderr, and the process exit code.
	Run(ctx context.Context, args []string, stdin string) (stdout, stderr string, exitCode int, err error)
}

// ExecRunner runs the real nft binary with a bounded timeout per call.
type ExecRunner struct {
	Binary  string
	Timeout time.Duration
}

// NewExecRunner returns a runner for the system nft binary.
func NewExecRunner(timeout time.Duration) *ExecRunner {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &ExecRunner{Binary: "nft", Timeout: timeout}
}

// Run implements Runner.
func (r *ExecRunner) Run(ctx context.Context, args []string, stdin string) (string, string, int, error) {
	ctx, cancel := context.WithTimeout(ctx, r.Timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, r.Binary, args...)
	if stdin != "" {
		cmd.Stdin = strings.NewReader(stdin)
	}
	var out, errBuf bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &errBuf

	err := cmd.Run()
	code := 0
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			code = exitErr.ExitCode()
			err = nil // non-zero exit is reported via code, not error
		} else {
			code = -1
		}
	}
	return out.String(), errBuf.String(), code, err
}

// classifyRunError maps a runner failure to the adapter error taxonomy.
func classifyRunError(op string, stderr string, code int, err error) *types.AdapterError {
	ae := &types.AdapterError{Backend: Name, Op: op, Err: err}
	switch {
	case err != nil && errors.Is(err, context.DeadlineExceeded):
		ae.Kind = types.AdapterTransient
		ae.Message = "nft timed out"
	case err != nil && errors.Is(err, exec.ErrNotFound):
		ae.Kind = types.AdapterUnavailable
		ae.Message = "nft binary not found"
	case err != nil:
		ae.Kind = types.AdapterSystem
		ae.Message = err.Error()
	case strings.Contains(stderr, "Operation not permitted") || strings.Contains(stderr, "Permission denied"):
		ae.Kind = types.AdapterPermission
		ae.Message = strings.TrimSpace(stderr)
	case strings.Contains(stderr, "Error:") || strings.Contains(stderr, "syntax error"):
		ae.Kind = types.AdapterSyntax
		ae.Message = strings.TrimSpace(stderr)
	case code != 0:
		ae.Kind = types.AdapterSystem
		ae.Message = strings.TrimSpace(stderr)
	default:
		return nil
	}
	return ae
}
