// Package correlate maintains per-(subject, kind) sliding windows over the
// event stream and escalates ThreatAssessments when decayed evidence
// crosses a kind-specific threshold. The deterministic fast path handles
// the known kinds on its own; an optional classifier refines borderline
// cases and is never required for operation.
package correlate

import (
	"context"
	"math"
	"net/netip"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"afo/internal/types"
)

// Classifier is the optional slow path: an external collaborator asked to
// judge borderline evidence. Failures leave the fast path untouched.
type Classifier interface {
	Classify(ctx context.Context, a types.ThreatAssessment) (types.Recommendation, error)
}

// Options configure the correlator.
type Options struct {
	Thresholds     map[types.EventKind]float64       // emit score per kind
	CountBaseline  map[types.EventKind]int           // evidence count for full base score
	ExpirySuggests map[types.EventKind]time.Duration // rule TTL suggestion per kind
	HalfLife       time.Duration                     // decay half-life, default 5m
	Cooldown       time.Duration                     // per-subject, default 10m
	FloodRate      int                               // events/s switching to aggregation, default 500
	Classifier     Classifier                        // optional
	ClassifyWait   time.Duration                     // slow-path budget, default 5s
	Warn           func(types.SecurityEvent)         // mode-switch announcements
	Logger         *zap.Logger
}

func defaultThresholds() map[types.EventKind]float64 {
	return map[types.EventKind]float64{
		types.EventAuthFail:      0.6,
		types.EventPortScanHit:   0.6,
		types.EventRateAnomaly:   0.6,
		types.EventFeedIndicator: 0.5,
	}
}

func defaultBaselines() map[types.EventKind]int {
	return map[types.EventKind]int{
		types.EventAuthFail:      6,
		types.EventPortScanHit:   10,
		types.EventRateAnomaly:   3,
		types.EventFeedIndicator: 1,
	}
}

func defaultExpiries() map[types.EventKind]time.Duration {
	return map[types.EventKind]time.Duration{
		types.EventAuthFail:      24 * time.Hour,
		types.EventPortScanHit:   time.Hour,
		types.EventRateAnomaly:   30 * time.Minute,
		types.EventFeedIndicator: 24 * time.Hour,
	}
}

type windowKey struct {
	subject string
	kind    types.EventKind
}

// window accumulates decayed evidence for one (subject, kind).
type window struct {
	count    float64
	last     time.Time
	eventIDs []string
	sources  map[string]struct{}
	ports    map[string]struct{}
	feedHit  bool
}

// Correlator is safe for a single Run loop plus concurrent readers of
// Assessments.
type Correlator struct {
	opts Options

	mu        sync.Mutex
	windows   map[windowKey]*window
	cooldowns map[string]time.Time

	// flood detection over one-second buckets
	bucketStart time.Time
	bucketCount int
	floodMode   bool
	aggregates  map[string]int // subject -> suppressed count while flooding

	out chan types.ThreatAssessment
}

// New builds a correlator.
func New(opts Options) *Correlator {
	if opts.Thresholds == nil {
		opts.Thresholds = defaultThresholds()
	}
	if opts.CountBaseline == nil {
		opts.CountBaseline = defaultBaselines()
	}
	if opts.ExpirySuggests == nil {
		opts.ExpirySuggests = defaultExpiries()
	}
	if opts.HalfLife <= 0 {
		opts.HalfLife = 5 * time.Minute
	}
	if opts.Cooldown <= 0 {
		opts.Cooldown = 10 * time.Minute
	}
	if opts.FloodRate <= 0 {
		opts.FloodRate = 500
	}
	if opts.ClassifyWait <= 0 {
		opts.ClassifyWait = 5 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Correlator{
		opts:       opts,
		windows:    make(map[windowKey]*window),
		cooldowns:  make(map[string]time.Time),
		aggregates: make(map[string]int),
		out:        make(chan types.ThreatAssessment, 64),
	}
}

// Assessments delivers escalations to the autonomy controller.
func (c *Correlator) Assessments() <-chan types.ThreatAssessment { return c.out }

// Run consumes the bus until ctx is done or the channel closes.
func (c *Correlator) Run(ctx context.Context, events <-chan types.SecurityEvent) error {
	flush := time.NewTicker(time.Second)
	defer flush.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			c.Process(ctx, ev, time.Now())
		case now := <-flush.C:
			c.flushAggregates(ctx, now)
		}
	}
}

// Process folds one event into its window and escalates if warranted.
// Exported with an explicit clock for tests.
func (c *Correlator) Process(ctx context.Context, ev types.SecurityEvent, now time.Time) {
	// Events the agent's own deployments caused never feed escalation.
	if ev.CausalTag != "" {
		c.opts.Logger.Debug("causally tagged event suppressed",
			zap.String("event_id", ev.ID), zap.String("deployment_id", ev.CausalTag))
		return
	}
	subject, ok := subjectOf(ev)
	if !ok {
		return
	}

	c.mu.Lock()
	c.trackRate(now)
	if c.floodMode {
		c.aggregates[subject.String()]++
		c.mu.Unlock()
		return
	}

	key := windowKey{subject: subject.String(), kind: ev.Kind}
	w := c.windows[key]
	if w == nil {
		w = &window{sources: make(map[string]struct{}), ports: make(map[string]struct{})}
		c.windows[key] = w
	}
	w.decay(now, c.opts.HalfLife)
	w.count++
	w.last = now
	w.eventIDs = append(w.eventIDs, ev.ID)
	if len(w.eventIDs) > 64 {
		w.eventIDs = w.eventIDs[len(w.eventIDs)-64:]
	}
	w.sources[ev.SourceName] = struct{}{}
	if ev.Target != "" {
		w.ports[ev.Target] = struct{}{}
	}
	if ev.Kind == types.EventFeedIndicator {
		w.feedHit = true
	}

	score := c.score(ev.Kind, w)
	assessment, emit := c.judgeLocked(key, subject, w, score, now)
	c.mu.Unlock()

	if !emit {
		return
	}
	c.deliver(ctx, assessment)
}

// judgeLocked decides whether to escalate. Callers hold c.mu.
func (c *Correlator) judgeLocked(key windowKey, subject netip.Prefix, w *window, score float64, now time.Time) (types.ThreatAssessment, bool) {
	threshold := c.opts.Thresholds[key.kind]
	if threshold == 0 {
		return types.ThreatAssessment{}, false
	}
	if until, ok := c.cooldowns[key.subject]; ok && now.Before(until) {
		return types.ThreatAssessment{}, false
	}
	borderline := score < threshold && score >= threshold-0.1
	if score < threshold && !borderline {
		return types.ThreatAssessment{}, false
	}

	a := types.ThreatAssessment{
		ID:             uuid.NewString(),
		Kind:           key.kind,
		Subject:        subject,
		Score:          score,
		Recommendation: recommendFor(key.kind),
		EventIDs:       append([]string(nil), w.eventIDs...),
		SourceNames:    keys(w.sources),
		Ports:          portsFrom(w.ports),
		ExpiresSuggest: c.opts.ExpirySuggests[key.kind],
		ObservedAt:     now,
		Count:          int(math.Round(w.count)),
	}
	if borderline {
		if c.opts.Classifier == nil {
			return types.ThreatAssessment{}, false
		}
		a.Recommendation = "" // the classifier decides
	}
	c.cooldowns[key.subject] = now.Add(c.opts.Cooldown)
	delete(c.windows, key)
	return a, true
}

// deliver runs the optional slow path for borderline assessments and hands
// the result to the consumer.
func (c *Correlator) deliver(ctx context.Context, a types.ThreatAssessment) {
	if a.Recommendation == "" {
		cctx, cancel := context.WithTimeout(ctx, c.opts.ClassifyWait)
		rec, err := c.opts.Classifier.Classify(cctx, a)
		cancel()
		if err != nil {
			c.opts.Logger.Warn("classifier unreachable, borderline evidence dropped",
				zap.String("subject", a.Subject.String()), zap.Error(err))
			return
		}
		if rec == types.RecommendAlertOnly {
			c.opts.Logger.Info("classifier judged benign", zap.String("subject", a.Subject.String()))
			return
		}
		a.Recommendation = rec
	}
	c.opts.Logger.Info("threat escalated",
		zap.String("subject", a.Subject.String()),
		zap.String("kind", string(a.Kind)),
		zap.Float64("score", a.Score),
		zap.Int("evidence", a.Count))
	select {
	case c.out <- a:
	case <-ctx.Done():
	}
}

// score combines decayed count, target spread, source diversity, and feed
// corroboration into 0..1.
func (c *Correlator) score(kind types.EventKind, w *window) float64 {
	baseline := c.opts.CountBaseline[kind]
	if baseline <= 0 {
		baseline = 5
	}
	s := 0.6 * math.Min(1, w.count/float64(baseline))
	s += 0.15 * math.Min(1, float64(len(w.ports))/10)
	s += 0.15 * math.Min(1, float64(len(w.sources)-1)/2)
	if w.feedHit || kind == types.EventFeedIndicator {
		s += 0.1
	}
	return math.Min(1, s)
}

// trackRate counts arrivals per second and toggles aggregation mode with
// hysteresis. Callers hold c.mu.
func (c *Correlator) trackRate(now time.Time) {
	if now.Sub(c.bucketStart) >= time.Second {
		rate := c.bucketCount
		c.bucketStart, c.bucketCount = now, 0
		switch {
		case !c.floodMode && rate > c.opts.FloodRate:
			c.floodMode = true
			c.announceMode("aggregation", rate)
		case c.floodMode && rate < c.opts.FloodRate/2:
			c.floodMode = false
			c.announceMode("normal", rate)
		}
	}
	c.bucketCount++
}

func (c *Correlator) announceMode(mode string, rate int) {
	c.opts.Logger.Warn("correlator mode switch",
		zap.String("mode", mode), zap.Int("events_per_sec", rate))
	if c.opts.Warn == nil {
		return
	}
	c.opts.Warn(types.SecurityEvent{
		ID:         uuid.NewString(),
		SourceName: "correlator",
		Kind:       types.EventModeSwitch,
		Severity:   types.SeverityMedium,
		Target:     mode,
		ObservedAt: time.Now(),
	})
}

// flushAggregates presents per-subject running counters accumulated during
// flood mode as aggregate assessments.
func (c *Correlator) flushAggregates(ctx context.Context, now time.Time) {
	c.mu.Lock()
	if len(c.aggregates) == 0 {
		c.mu.Unlock()
		return
	}
	var pending []types.ThreatAssessment
	for subjectText, count := range c.aggregates {
		prefix, err := netip.ParsePrefix(subjectText)
		if err != nil {
			continue
		}
		if until, ok := c.cooldowns[subjectText]; ok && now.Before(until) {
			continue
		}
		if count < c.opts.CountBaseline[types.EventRateAnomaly] {
			continue
		}
		c.cooldowns[subjectText] = now.Add(c.opts.Cooldown)
		pending = append(pending, types.ThreatAssessment{
			ID:             uuid.NewString(),
			Kind:           types.EventRateAnomaly,
			Subject:        prefix,
			Score:          1,
			Recommendation: types.RecommendRateLimit,
			ExpiresSuggest: c.opts.ExpirySuggests[types.EventRateAnomaly],
			ObservedAt:     now,
			Aggregated:     true,
			Count:          count,
		})
	}
	c.aggregates = make(map[string]int)
	c.mu.Unlock()

	for _, a := range pending {
		c.deliver(ctx, a)
	}
}

// subjectOf picks the prefix the evidence concerns: the source address,
// widened to a host prefix, or the target prefix of a feed indicator.
func subjectOf(ev types.SecurityEvent) (netip.Prefix, bool) {
	if ev.HasSourceIP() {
		return netip.PrefixFrom(ev.SourceIP, ev.SourceIP.BitLen()), true
	}
	if ev.Kind == types.EventFeedIndicator && ev.Target != "" {
		if p, err := netip.ParsePrefix(ev.Target); err == nil {
			return p, true
		}
	}
	return netip.Prefix{}, false
}

func recommendFor(kind types.EventKind) types.Recommendation {
	switch kind {
	case types.EventRateAnomaly:
		return types.RecommendRateLimit
	case types.EventAuthFail, types.EventPortScanHit, types.EventFeedIndicator:
		return types.RecommendBlockSubject
	default:
		return types.RecommendAlertOnly
	}
}

func (w *window) decay(now time.Time, halfLife time.Duration) {
	if w.last.IsZero() || !now.After(w.last) {
		return
	}
	dt := now.Sub(w.last).Seconds()
	w.count *= math.Exp(-math.Ln2 * dt / halfLife.Seconds())
}

// portsFrom extracts numeric ports from target labels like "tcp:22",
// "ssh:22", or bare "22".
func portsFrom(targets map[string]struct{}) []int {
	var out []int
	for t := range targets {
		if i := strings.LastIndexByte(t, ':'); i >= 0 {
			t = t[i+1:]
		}
		if n, err := strconv.Atoi(t); err == nil && n > 0 && n <= 65535 {
			out = append(out, n)
		}
	}
	sort.Ints(out)
	return out
}

func keys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}
