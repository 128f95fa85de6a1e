package backend

import (
	"fmt"
	"sync"

	"afo/internal/policy"
	"afo/internal/types"
)

// Registry holds the known adapters and tracks which one is active.
// Registration is in-process only; there is no host-provided plugin
// loading. Only one adapter may be active per host at a time, and adapters
// whose kernel subsystems collide cannot both be activated.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
	active   Adapter
}

// NewRegistry returns an empty adapter registry.
func NewRegistry() *Registry {
	return &Registry{adapters: make(map[string]Adapter)}
}

// Register adds an adapter under its name. Re-registering a name is an
// error; adapters are wired once at startup.
func (r *Registry) Register(a Adapter) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.adapters[a.Name()]; ok {
		return fmt.Errorf("adapter %q already registered", a.Name())
	}
	r.adapters[a.Name()] = a
	return nil
}

// Activate selects the adapter by name. Activating a second adapter whose
// kernel subsystem collides with the active one fails with a typed
// coexistence error and leaves the active adapter untouched.
func (r *Registry) Activate(name string) (Adapter, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.adapters[name]
	if !ok {
		return nil, &types.AdapterError{
			Backend: name,
			Op:      "activate",
			Kind:    types.AdapterUnavailable,
			Message: "no such adapter registered",
		}
	}
	if r.active != nil && r.active.Name() != a.Name() {
		if r.active.KernelSubsystem() == a.KernelSubsystem() {
			return nil, &types.AdapterError{
				Backend: name,
				Op:      "activate",
				Kind:    types.AdapterCoexistence,
				Message: fmt.Sprintf("kernel subsystem %q already driven by adapter %q", a.KernelSubsystem(), r.active.Name()),
			}
		}
		return nil, &types.AdapterError{
			Backend: name,
			Op:      "activate",
			Kind:    types.AdapterCoexistence,
			Message: fmt.Sprintf("adapter %q already active on this host", r.active.Name()),
		}
	}
	r.active = a
	return a, nil
}

// Active returns the currently active adapter, or nil.
func (r *Registry) Active() Adapter {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.active
}

// Names lists registered adapter names.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.adapters))
	for n := range r.adapters {
		names = append(names, n)
	}
	return names
}

// CheckRule verifies the adapter can express every feature the rule uses.
// The facade calls this before rendering.
func CheckRule(a Adapter, rule policy.PolicyRule) error {
	caps := a.Capabilities()
	if (rule.Action == policy.ActionDrop || rule.Action == policy.ActionReject) && !caps.SupportsDeny {
		return capabilityError(a.Name(), "deny actions")
	}
	if rule.Stateful && !caps.SupportsStateful {
		return capabilityError(a.Name(), "stateful matching")
	}
	if rule.RateLimit != nil && !caps.SupportsRateLimit {
		return capabilityError(a.Name(), "rate limiting")
	}
	if (rule.Family == policy.FamilyIPv6 || rule.Family == policy.FamilyBoth) && !caps.SupportsIPv6 {
		return capabilityError(a.Name(), "ipv6")
	}
	if rule.Priority != 0 && !caps.SupportsPriority {
		return capabilityError(a.Name(), "priorities")
	}
	return nil
}

func capabilityError(backend, feature string) error {
	return &types.ValidationError{
		Field:   "capabilities",
		Message: fmt.Sprintf("backend %q does not support %s", backend, feature),
	}
}
