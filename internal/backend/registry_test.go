package backend

import (
	"context"
	"errors"
	"testing"

	"afo/internal/policy"
	"afo/internal/types"
)

// stubAdapter implements Adapter with fixed name/subsystem for registry tests.
type stubAdapter struct {
	name      string
	subsystem string
	caps      Capabilities
}

func (s *stubAdapter) Name() string            { return s.name }
func (s *stubAdapter) KernelSubsystem() string { return s.subsystem }
func (s *stubAdapter) Capabilities() Capabilities {
	return s.caps
}
func (s *stubAdapter) Render(policy.PolicyRule) (RenderedRule, error) {
	return RenderedRule{BackendName: s.name}, nil
}
func (s *stubAdapter) Validate(context.Context, RenderedRule) (Verdict, error) {
	return Verdict{Valid: true}, nil
}
func (s *stubAdapter) Snapshot(context.Context) (BackupRef, error) { return BackupRef{}, nil }
func (s *stubAdapter) ApplyAtomic(context.Context, []RenderedRule) (ApplyReceipt, error) {
	return ApplyReceipt{}, nil
}
func (s *stubAdapter) ApplyDelta(context.Context, DeltaOp) (ApplyReceipt, error) {
	return ApplyReceipt{}, nil
}
func (s *stubAdapter) Restore(context.Context, BackupRef) error     { return nil }
func (s *stubAdapter) ListRules(context.Context) ([]RenderedRule, error) { return nil, nil }
func (s *stubAdapter) ImportRules(context.Context) ([]policy.PolicyRule, Verdict, error) {
	return nil, Verdict{Valid: true}, nil
}
func (s *stubAdapter) Health(context.Context) Health { return Health{Reachable: true, Writable: true} }

func TestActivateUnknownAdapter(t *testing.T) {
	r := NewRegistry()
	_, err := r.Activate("nftables")
	var ae *types.AdapterError
	if !errors.As(err, &ae) || ae.Kind != types.AdapterUnavailable {
		t.Fatalf("err = %v, want AdapterError{unavailable}", err)
	}
}

func TestCoexistenceRefusal(t *testing.T) {
	r := NewRegistry()
	nft := &stubAdapter{name: "nftables", subsystem: "netfilter"}
	ipt := &stubAdapter{name: "iptables-legacy", subsystem: "netfilter"}
	if err := r.Register(nft); err != nil {
		t.Fatal(err)
	}
	if err := r.Register(ipt); err != nil {
		t.Fatal(err)
	}

	if _, err := r.Activate("nftables"); err != nil {
		t.Fatalf("first activation failed: %v", err)
	}
	_, err := r.Activate("iptables-legacy")
	var ae *types.AdapterError
	if !errors.As(err, &ae) || ae.Kind != types.AdapterCoexistence {
		t.Fatalf("err = %v, want AdapterError{coexistence}", err)
	}
	// Active adapter unaffected.
	if got := r.Active(); got == nil || got.Name() != "nftables" {
		t.Errorf("active adapter changed after refused activation")
	}
}

func TestReactivateSameAdapterIsIdempotent(t *testing.T) {
	r := NewRegistry()
	nft := &stubAdapter{name: "nftables", subsystem: "netfilter"}
	if err := r.Register(nft); err != nil {
		t.Fatal(err)
	}
	if _, err := r.Activate("nftables"); err != nil {
		t.Fatal(err)
	}
	if _, err := r.Activate("nftables"); err != nil {
		t.Errorf("re-activating the active adapter failed: %v", err)
	}
}

func TestCheckRuleCapabilities(t *testing.T) {
	full := Capabilities{
		SupportsDeny: true, SupportsStateful: true, SupportsRateLimit: true,
		SupportsIPv6: true, SupportsPriority: true,
	}
	rule := policy.NewRule(policy.OriginUser)
	rule.Direction = policy.DirectionInput
	rule.Action = policy.ActionDrop
	rule.Priority = 5

	tests := []struct {
		name    string
		degrade func(*Capabilities)
		wantErr bool
	}{
		{"full caps", func(c *Capabilities) {}, false},
		{"no deny", func(c *Capabilities) { c.SupportsDeny = false }, true},
		{"no stateful", func(c *Capabilities) { c.SupportsStateful = false }, true},
		{"no ipv6", func(c *Capabilities) { c.SupportsIPv6 = false }, true},
		{"no priority", func(c *Capabilities) { c.SupportsPriority = false }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			caps := full
			tt.degrade(&caps)
			a := &stubAdapter{name: "stub", subsystem: "x", caps: caps}
			err := CheckRule(a, rule)
			if (err != nil) != tt.wantErr {
				t.Errorf("CheckRule err = %v, wantErr=%v", err, tt.wantErr)
			}
			if tt.wantErr {
				var ve *types.ValidationError
				if !errors.As(err, &ve) {
					t.Errorf("err type = %T, want ValidationError", err)
				}
			}
		})
	}
}
