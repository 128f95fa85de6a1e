package daemon

import (
	"context"
	"errors"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"

	"afo/internal/bus"
	"afo/internal/config"
	"afo/internal/store"
	"afo/internal/types"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// acceptLoop answers every connection on ln until it is closed.
func acceptLoop(t *testing.T, ln net.Listener) {
	t.Helper()
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			conn.Close()
		}
	}()
}

// deadAddr returns a local port nothing answers on.
func deadAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close()
	return addr
}

func TestBuildProberReachable(t *testing.T) {
	out, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer out.Close()
	acceptLoop(t, out)
	mgmt, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer mgmt.Close()
	acceptLoop(t, mgmt)

	p := buildProber(config.HeartbeatConfig{
		Probe:   out.Addr().String(),
		Inbound: mgmt.Addr().String(),
		Timeout: config.Duration(time.Second),
	})
	require.NotNil(t, p)
	require.NoError(t, p.Probe(context.Background()))
}

func TestBuildProberOutboundUnreachable(t *testing.T) {
	mgmt, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer mgmt.Close()
	acceptLoop(t, mgmt)

	p := buildProber(config.HeartbeatConfig{
		Probe:   deadAddr(t),
		Inbound: mgmt.Addr().String(),
		Timeout: config.Duration(200 * time.Millisecond),
	})
	require.Error(t, p.Probe(context.Background()))
}

func TestBuildProberManagementUnreachable(t *testing.T) {
	// a rule that cuts off the management endpoint must fail the
	// heartbeat even while outbound traffic still flows
	out, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer out.Close()
	acceptLoop(t, out)

	p := buildProber(config.HeartbeatConfig{
		Probe:   out.Addr().String(),
		Inbound: deadAddr(t),
		Timeout: config.Duration(200 * time.Millisecond),
	})
	err = p.Probe(context.Background())
	require.Error(t, err)
	require.Contains(t, err.Error(), "management")
}

func TestBuildProberNilWithoutBothHalves(t *testing.T) {
	require.Nil(t, buildProber(config.HeartbeatConfig{}))
	// a half-configured heartbeat is no heartbeat; probation then fails
	// closed unless heartbeats are disabled outright
	require.Nil(t, buildProber(config.HeartbeatConfig{Probe: "127.0.0.1:9"}))
	require.Nil(t, buildProber(config.HeartbeatConfig{Inbound: "127.0.0.1:9"}))
}

func newTestDaemon(t *testing.T) *Daemon {
	t.Helper()
	st, err := store.Open(":memory:", zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return &Daemon{
		cfg:    config.DefaultConfig(),
		logger: zap.NewNop(),
		st:     st,
		bus:    bus.New(bus.Options{Sink: st}),
	}
}

func TestSuperviseSourceRestartsAfterFailure(t *testing.T) {
	d := newTestDaemon(t)
	ctx, cancel := context.WithCancel(context.Background())

	var starts atomic.Int32
	factory := func(ctx context.Context) (<-chan types.SecurityEvent, error) {
		if starts.Add(1) >= 3 {
			cancel() // third incarnation: test is satisfied
		}
		return nil, errors.New("transient open failure")
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		d.superviseSource(ctx, "flaky", factory)
	}()
	select {
	case <-done:
	case <-time.After(30 * time.Second):
		t.Fatal("supervisor did not restart the source")
	}
	require.GreaterOrEqual(t, starts.Load(), int32(3))
}

func TestSuperviseSourceSurvivesPanic(t *testing.T) {
	d := newTestDaemon(t)
	ctx, cancel := context.WithCancel(context.Background())

	var starts atomic.Int32
	factory := func(ctx context.Context) (<-chan types.SecurityEvent, error) {
		if starts.Add(1) >= 2 {
			cancel()
			return nil, errors.New("stopping")
		}
		panic("parser exploded")
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		d.superviseSource(ctx, "panicky", factory)
	}()
	select {
	case <-done:
	case <-time.After(30 * time.Second):
		t.Fatal("supervisor did not recover from the panic")
	}
	require.GreaterOrEqual(t, starts.Load(), int32(2))
}

func TestRunSourceOncePublishesToBus(t *testing.T) {
	d := newTestDaemon(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch := make(chan types.SecurityEvent, 1)
	ch <- types.SecurityEvent{ID: "ev-1", Kind: types.EventAuthFail, Severity: types.SeverityMedium}
	close(ch)

	err := d.runSourceOnce(ctx, "sshd", func(context.Context) (<-chan types.SecurityEvent, error) {
		return ch, nil
	})
	require.Error(t, err) // closed stream reports so the supervisor restarts

	busCtx, busCancel := context.WithCancel(context.Background())
	go d.bus.Run(busCtx)
	select {
	case ev := <-d.bus.Events():
		require.Equal(t, "ev-1", ev.ID)
	case <-time.After(3 * time.Second):
		t.Fatal("event did not reach the bus consumer")
	}
	busCancel()
	time.Sleep(20 * time.Millisecond) // let the bus goroutine unwind for goleak
}
