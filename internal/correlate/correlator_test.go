package correlate

import (
	"context"
	"errors"
	"net/netip"
	"testing"
	"time"

	"github.com/google/uuid"

	"afo/internal/types"
)

func authFail(ip, source string) types.SecurityEvent {
	return types.SecurityEvent{
		ID:         uuid.NewString(),
		SourceName: source,
		Kind:       types.EventAuthFail,
		Severity:   types.SeverityMedium,
		SourceIP:   netip.MustParseAddr(ip),
		Target:     "ssh:22",
		ObservedAt: time.Now(),
	}
}

func drainOne(t *testing.T, c *Correlator) types.ThreatAssessment {
	t.Helper()
	select {
	case a := <-c.Assessments():
		return a
	case <-time.After(time.Second):
		t.Fatal("no assessment emitted")
		return types.ThreatAssessment{}
	}
}

func requireQuiet(t *testing.T, c *Correlator) {
	t.Helper()
	select {
	case a := <-c.Assessments():
		t.Fatalf("unexpected assessment: %+v", a)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestBruteForceEscalates(t *testing.T) {
	c := New(Options{})
	ctx := context.Background()
	now := time.Now()

	for i := 0; i < 6; i++ {
		c.Process(ctx, authFail("203.0.113.7", "sshd"), now.Add(time.Duration(i)*time.Second))
	}

	a := drainOne(t, c)
	if a.Kind != types.EventAuthFail {
		t.Errorf("kind = %s", a.Kind)
	}
	if a.Subject.String() != "203.0.113.7/32" {
		t.Errorf("subject = %s", a.Subject)
	}
	if a.Recommendation != types.RecommendBlockSubject {
		t.Errorf("recommendation = %s", a.Recommendation)
	}
	if a.ExpiresSuggest != 24*time.Hour {
		t.Errorf("expiry suggestion = %s", a.ExpiresSuggest)
	}
	if len(a.Ports) != 1 || a.Ports[0] != 22 {
		t.Errorf("evidence ports = %v, want [22]", a.Ports)
	}
}

func TestCooldownSuppressesSecondEscalation(t *testing.T) {
	c := New(Options{})
	ctx := context.Background()
	now := time.Now()

	for i := 0; i < 6; i++ {
		c.Process(ctx, authFail("203.0.113.7", "sshd"), now)
	}
	drainOne(t, c)

	// more evidence inside the cooldown must stay quiet
	for i := 0; i < 6; i++ {
		c.Process(ctx, authFail("203.0.113.7", "sshd"), now.Add(time.Minute))
	}
	requireQuiet(t, c)

	// after the cooldown elapses the subject can escalate again
	later := now.Add(11 * time.Minute)
	for i := 0; i < 6; i++ {
		c.Process(ctx, authFail("203.0.113.7", "sshd"), later)
	}
	drainOne(t, c)
}

func TestCausalTagSuppression(t *testing.T) {
	c := New(Options{})
	ctx := context.Background()
	now := time.Now()

	for i := 0; i < 20; i++ {
		ev := authFail("203.0.113.7", "nftlog")
		ev.Kind = types.EventFirewallLog
		ev.CausalTag = "dep-1" // side effect of the agent's own block
		c.Process(ctx, ev, now)
	}
	requireQuiet(t, c)
}

func TestDecayForgetsOldEvidence(t *testing.T) {
	c := New(Options{HalfLife: time.Minute})
	ctx := context.Background()
	now := time.Now()

	// five hits, then a long gap: the decayed count cannot reach the
	// baseline with a single fresh hit
	for i := 0; i < 5; i++ {
		c.Process(ctx, authFail("203.0.113.7", "sshd"), now)
	}
	c.Process(ctx, authFail("203.0.113.7", "sshd"), now.Add(30*time.Minute))
	requireQuiet(t, c)
}

func TestFeedIndicatorEscalatesAlone(t *testing.T) {
	c := New(Options{})
	ctx := context.Background()

	ev := types.SecurityEvent{
		ID:         uuid.NewString(),
		SourceName: "abuse-feed",
		Kind:       types.EventFeedIndicator,
		Severity:   types.SeverityHigh,
		Target:     "198.51.100.0/24",
		ObservedAt: time.Now(),
	}
	c.Process(ctx, ev, time.Now())

	a := drainOne(t, c)
	if a.Subject.String() != "198.51.100.0/24" {
		t.Errorf("subject = %s", a.Subject)
	}
	if a.Kind != types.EventFeedIndicator {
		t.Errorf("kind = %s", a.Kind)
	}
}

func TestFloodSwitchesToAggregation(t *testing.T) {
	var warned []types.SecurityEvent
	c := New(Options{
		FloodRate: 10,
		Warn:      func(ev types.SecurityEvent) { warned = append(warned, ev) },
	})
	ctx := context.Background()
	start := time.Now()

	// first second: past the ceiling
	for i := 0; i < 20; i++ {
		ev := authFail("203.0.113.50", "nftlog")
		ev.Kind = types.EventRateAnomaly
		c.Process(ctx, ev, start)
	}
	// tick over into the next second triggers the mode check
	ev := authFail("203.0.113.50", "nftlog")
	ev.Kind = types.EventRateAnomaly
	c.Process(ctx, ev, start.Add(1100*time.Millisecond))

	if !c.floodMode {
		t.Fatal("flood mode not entered")
	}
	if len(warned) != 1 || warned[0].Kind != types.EventModeSwitch {
		t.Fatalf("mode switch not announced: %+v", warned)
	}

	// drain whatever escalated before the mode switch
	for {
		select {
		case <-c.Assessments():
			continue
		default:
		}
		break
	}

	// aggregated subjects flush as one running counter each
	for i := 0; i < 5; i++ {
		e := authFail("203.0.113.60", "nftlog")
		c.Process(ctx, e, start.Add(1200*time.Millisecond))
	}
	c.flushAggregates(ctx, start.Add(2*time.Second))

	a := drainOne(t, c)
	if !a.Aggregated {
		t.Errorf("assessment not marked aggregated: %+v", a)
	}
	if a.Count < 5 {
		t.Errorf("aggregate count = %d", a.Count)
	}
}

// stubClassifier scripts the slow path.
type stubClassifier struct {
	rec types.Recommendation
	err error
}

func (s stubClassifier) Classify(context.Context, types.ThreatAssessment) (types.Recommendation, error) {
	return s.rec, s.err
}

func TestBorderlineUsesClassifier(t *testing.T) {
	// force a borderline score: baseline 6, threshold 0.6; 5.3 decayed
	// events score just under with one source and one port
	c := New(Options{Classifier: stubClassifier{rec: types.RecommendBlockSubject}})
	ctx := context.Background()
	now := time.Now()

	for i := 0; i < 5; i++ {
		c.Process(ctx, authFail("203.0.113.7", "sshd"), now)
	}
	a := drainOne(t, c)
	if a.Recommendation != types.RecommendBlockSubject {
		t.Errorf("classifier verdict not applied: %+v", a)
	}
}

func TestBorderlineClassifierFailureStaysQuiet(t *testing.T) {
	c := New(Options{Classifier: stubClassifier{err: errors.New("unreachable")}})
	ctx := context.Background()
	now := time.Now()

	for i := 0; i < 5; i++ {
		c.Process(ctx, authFail("203.0.113.7", "sshd"), now)
	}
	requireQuiet(t, c)
}

func TestBorderlineWithoutClassifierStaysQuiet(t *testing.T) {
	c := New(Options{})
	ctx := context.Background()
	now := time.Now()

	for i := 0; i < 5; i++ {
		c.Process(ctx, authFail("203.0.113.7", "sshd"), now)
	}
	requireQuiet(t, c)
}
