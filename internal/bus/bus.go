// Package bus moves SecurityEvents from many producers to the single
// correlator consumer and the store writer. Queues are bounded per source
// class; under pressure the low-severity tail is dropped first and the
// drop is itself recorded, never silent. Critical events are never dropped.
package bus

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"afo/internal/types"
)

// Sink receives drained events and drop audits. The store satisfies it.
type Sink interface {
	InsertEvents(ctx context.Context, events []types.SecurityEvent) error
	AppendAudit(ctx context.Context, rec types.AuditRecord) error
}

// Options configure the bus.
type Options struct {
	Sink          Sink
	ClassCapacity int // per source-class queue bound, default 1024
	OutDepth      int // consumer channel depth, default 256
	BatchSize     int // store write batch, default 64
	Logger        *zap.Logger
}

type classQueue struct {
	items   []types.SecurityEvent
	dropped int
}

// Bus is a bounded multi-producer single-consumer event queue with
// causal-tag stamping.
type Bus struct {
	sink     Sink
	capacity int
	batch    int
	logger   *zap.Logger

	mu      sync.Mutex
	classes map[string]*classQueue
	windows []types.CausalWindow
	notify  chan struct{}

	out chan types.SecurityEvent
}

// New builds a bus.
func New(opts Options) *Bus {
	if opts.ClassCapacity <= 0 {
		opts.ClassCapacity = 1024
	}
	if opts.OutDepth <= 0 {
		opts.OutDepth = 256
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 64
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Bus{
		sink:     opts.Sink,
		capacity: opts.ClassCapacity,
		batch:    opts.BatchSize,
		logger:   opts.Logger,
		classes:  make(map[string]*classQueue),
		notify:   make(chan struct{}, 1),
		out:      make(chan types.SecurityEvent, opts.OutDepth),
	}
}

// Events is the consumer side: the correlator reads stamped events here.
func (b *Bus) Events() <-chan types.SecurityEvent { return b.out }

// PublishWindow records a causal-tag window. Satisfies the deployment
// controller's publisher contract.
func (b *Bus) PublishWindow(w types.CausalWindow) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.windows = append(b.windows, w)
}

// Publish enqueues an event from a producer. It never blocks: when the
// class queue is full the lowest-severity entry yields, and if the
// incoming event is itself the lowest it is counted as dropped instead.
// Critical events always enter, growing past the bound if they must.
func (b *Bus) Publish(class string, ev types.SecurityEvent) {
	b.mu.Lock()
	q := b.classes[class]
	if q == nil {
		q = &classQueue{}
		b.classes[class] = q
	}
	switch {
	case len(q.items) < b.capacity:
		q.items = append(q.items, ev)
	case ev.Severity == types.SeverityCritical:
		q.items = append(q.items, ev)
	default:
		// Evict the lowest-severity entry from the tail end if it ranks
		// at or below the incoming event; otherwise the incoming event
		// is the drop.
		idx := -1
		lowest := types.SeverityCritical
		for i := len(q.items) - 1; i >= 0; i-- {
			if q.items[i].Severity < lowest {
				lowest = q.items[i].Severity
				idx = i
			}
		}
		if idx >= 0 && lowest <= ev.Severity {
			copy(q.items[idx:], q.items[idx+1:])
			q.items[len(q.items)-1] = ev
		}
		q.dropped++
	}
	b.mu.Unlock()

	select {
	case b.notify <- struct{}{}:
	default:
	}
}

// Run drains queues until ctx is done: stamp causal tags, persist through
// the sink, forward to the consumer. Drop counts accumulated since the
// last drain become an audited source-drop event.
func (b *Bus) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-b.notify:
		}
		for {
			batch, drops := b.take()
			if len(batch) == 0 && len(drops) == 0 {
				break
			}
			b.flush(ctx, batch, drops)
		}
	}
}

type dropReport struct {
	class string
	count int
}

// take removes up to one batch of events, oldest first across classes, and
// collects pending drop counts.
func (b *Bus) take() ([]types.SecurityEvent, []dropReport) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var batch []types.SecurityEvent
	for _, q := range b.classes {
		for len(q.items) > 0 && len(batch) < b.batch {
			batch = append(batch, q.items[0])
			q.items = q.items[1:]
		}
	}
	var drops []dropReport
	for class, q := range b.classes {
		if q.dropped > 0 {
			drops = append(drops, dropReport{class: class, count: q.dropped})
			q.dropped = 0
		}
	}
	b.pruneWindows(time.Now())
	for i := range batch {
		b.stampLocked(&batch[i])
	}
	return batch, drops
}

func (b *Bus) flush(ctx context.Context, batch []types.SecurityEvent, drops []dropReport) {
	for _, d := range drops {
		ev := types.SecurityEvent{
			ID:         uuid.NewString(),
			SourceName: d.class,
			Kind:       types.EventSourceDrop,
			Severity:   types.SeverityMedium,
			Target:     d.class,
			ObservedAt: time.Now(),
			Raw:        fmt.Sprintf("%d events dropped under backpressure", d.count),
		}
		batch = append(batch, ev)
		if err := b.sink.AppendAudit(ctx, types.AuditRecord{
			Kind:    types.AuditEventsDropped,
			Subject: d.class,
			Detail:  fmt.Sprintf("dropped=%d", d.count),
		}); err != nil {
			b.logger.Error("drop audit failed", zap.Error(err))
		}
		b.logger.Warn("events dropped under backpressure",
			zap.String("class", d.class), zap.Int("count", d.count))
	}
	if len(batch) == 0 {
		return
	}
	if err := b.sink.InsertEvents(ctx, batch); err != nil {
		b.logger.Error("event persist failed", zap.Int("count", len(batch)), zap.Error(err))
	}
	for _, ev := range batch {
		select {
		case b.out <- ev:
		case <-ctx.Done():
			return
		}
	}
}

// stampLocked copies the deployment id of the first covering causal window
// onto an unstamped event. Callers hold b.mu.
func (b *Bus) stampLocked(ev *types.SecurityEvent) {
	if ev.CausalTag != "" {
		return
	}
	for _, w := range b.windows {
		if w.Covers(ev.ObservedAt, ev.SourceIP, ev.Kind) {
			ev.CausalTag = w.DeploymentID
			return
		}
	}
}

func (b *Bus) pruneWindows(now time.Time) {
	kept := b.windows[:0]
	for _, w := range b.windows {
		if now.Before(w.NotAfter) {
			kept = append(kept, w)
		}
	}
	b.windows = kept
}
