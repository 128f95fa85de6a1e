// Package netinfo discovers the host's own addresses so autonomous
// responses can never cut off the management path. Discovery runs once at
// startup; results are seeded into the never-block list and served to the
// self-lockout gate.
package netinfo

import (
	"context"
	"net"
	"net/netip"
	"os"
	"strings"
	"sync"

	"go.uber.org/zap"

	"afo/internal/types"
)

// Store is the slice of the state store discovery writes to.
type Store interface {
	AddNeverBlock(ctx context.Context, e *types.NeverBlockEntry) error
}

// Discoverer caches one startup snapshot of the host's addresses.
type Discoverer struct {
	logger *zap.Logger

	mu    sync.Mutex
	addrs []netip.Addr
}

func New(logger *zap.Logger) *Discoverer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Discoverer{logger: logger}
}

// Discover collects the host's global unicast addresses plus the remote end
// of an SSH control channel when one is present. Loopback and link-local
// addresses are skipped; the firewall cannot lock those out.
func (d *Discoverer) Discover() ([]netip.Addr, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, err
	}
	var out []netip.Addr
	for _, ifc := range ifaces {
		if ifc.Flags&net.FlagUp == 0 || ifc.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := ifc.Addrs()
		if err != nil {
			d.logger.Warn("interface address lookup failed",
				zap.String("interface", ifc.Name), zap.Error(err))
			continue
		}
		for _, a := range addrs {
			ipn, ok := a.(*net.IPNet)
			if !ok {
				continue
			}
			addr, ok := netip.AddrFromSlice(ipn.IP)
			if !ok {
				continue
			}
			addr = addr.Unmap()
			if !addr.IsGlobalUnicast() {
				continue
			}
			out = append(out, addr)
		}
	}
	if peer, ok := SSHPeer(os.Getenv("SSH_CONNECTION")); ok {
		out = append(out, peer)
	}

	d.mu.Lock()
	d.addrs = out
	d.mu.Unlock()
	d.logger.Info("management addresses discovered", zap.Int("count", len(out)))
	return out, nil
}

// Addrs returns the cached discovery result. Safe before Discover; the
// self-lockout gate then simply has nothing to protect yet.
func (d *Discoverer) Addrs() []netip.Addr {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]netip.Addr(nil), d.addrs...)
}

// Seed writes each discovered address into the never-block list. Entries are
// idempotent on their raw form, so repeated startups do not accumulate rows.
func (d *Discoverer) Seed(ctx context.Context, st Store) error {
	for _, addr := range d.Addrs() {
		p := netip.PrefixFrom(addr, addr.BitLen())
		e := &types.NeverBlockEntry{
			Raw:    p.String(),
			Prefix: p,
			Source: "discovered",
		}
		if err := st.AddNeverBlock(ctx, e); err != nil {
			return err
		}
	}
	return nil
}

// IfacePrefixes resolves an interface never-block entry to its assigned
// prefixes.
func IfacePrefixes(name string) ([]netip.Prefix, error) {
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

// SSHPeer extracts the client address from an SSH_CONNECTION value
// ("client_ip client_port server_ip server_port").
func SSHPeer(env string) (netip.Addr, bool) {
	fields := strings.Fields(env)
	if len(fields) < 1 {
		return netip.Addr{}, false
	}
	addr, err := netip.ParseAddr(fields[0])
	if err != nil {
		return netip.Addr{}, false
	}
	return addr.Unmap(), true
}
