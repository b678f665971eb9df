// Package coordinator resolves competing signals for the same symbol and
// signal type observed within a fixed coordination window.
package coordinator

import (
	"container/heap"
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/marketrelay/internal/app/rules"
	"github.com/coachpo/marketrelay/internal/domain/schema"
	"github.com/coachpo/marketrelay/internal/infra/telemetry"
	"github.com/coachpo/marketrelay/internal/observability"
)

// Defaults.
const (
	DefaultWindow        = 500 * time.Millisecond
	DefaultSweepInterval = 50 * time.Millisecond
)

// Sink receives each resolved event. It is called from the sweeping goroutine
// without the coordinator lock held.
type Sink func(schema.ResolvedEvent)

// Config tunes coordination.
type Config struct {
	Window        time.Duration
	SweepInterval time.Duration
	// Overrides are the per signal type tie-break rules applied after confidence.
	Overrides map[schema.SignalType]rules.Override
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

// WithLogger overrides the coordinator logger.
func WithLogger(l observability.Logger) Option {
	return func(c *Coordinator) { c.logger = l }
}

// WithSink sets the resolved-event sink.
func WithSink(s Sink) Option {
	return func(c *Coordinator) { c.sink = s }
}

type windowKey struct {
	symbol string
	typ    schema.SignalType
}

type candidate struct {
	rules.Candidate
	seq uint64
}

type window struct {
	key        windowKey
	openedAt   time.Time
	closesAt   time.Time
	seq        uint64
	index      int
	candidates []candidate
}

// Stats is a snapshot of coordinator counters.
type Stats struct {
	Open       int    `json:"open"`
	Opened     uint64 `json:"opened"`
	Resolved   uint64 `json:"resolved"`
	Candidates uint64 `json:"candidates"`
}

// Coordinator holds open windows keyed by (symbol, signal type). A window's
// close time is fixed when its first candidate arrives.
type Coordinator struct {
	window        time.Duration
	sweepInterval time.Duration
	overrides     map[schema.SignalType]rules.Override
	now           func() time.Time
	logger        observability.Logger
	sink          Sink

	mu        sync.Mutex
	open      map[windowKey]*window
	deadlines deadlineHeap
	seq       uint64

	opened     atomic.Uint64
	resolved   atomic.Uint64
	candidates atomic.Uint64

	openedCounter   metric.Int64Counter
	resolvedCounter metric.Int64Counter
	candidateHist   metric.Int64Histogram
}

// New constructs a Coordinator.
func New(cfg Config, opts ...Option) *Coordinator {
	if cfg.Window <= 0 {
		cfg.Window = DefaultWindow
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = DefaultSweepInterval
	}
	c := &Coordinator{
		window:        cfg.Window,
		sweepInterval: cfg.SweepInterval,
		overrides:     cfg.Overrides,
		now:           time.Now,
		open:          make(map[windowKey]*window),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	c.logger = observability.OrDefault(c.logger)

	meter := otel.Meter("coordinator")
	c.openedCounter, _ = meter.Int64Counter("coordinator.windows.opened",
		metric.WithDescription("Coordination windows opened"),
		metric.WithUnit("{window}"))
	c.resolvedCounter, _ = meter.Int64Counter("coordinator.windows.resolved",
		metric.WithDescription("Coordination windows resolved to a winner"),
		metric.WithUnit("{window}"))
	c.candidateHist, _ = meter.Int64Histogram("coordinator.window.candidates",
		metric.WithDescription("Candidates per resolved window"),
		metric.WithUnit("{signal}"))
	return c
}

// Submit appends detected to the open window for its (symbol, type), opening
// one that closes at now+window if none exists.
func (c *Coordinator) Submit(ctx schema.SourceContext, detected schema.DetectedEvent) {
	key := windowKey{symbol: detected.Symbol, typ: detected.Type}
	now := c.now()

	c.mu.Lock()
	c.seq++
	w, ok := c.open[key]
	if !ok {
		w = &window{key: key, openedAt: now, closesAt: now.Add(c.window), seq: c.seq}
		c.open[key] = w
		heap.Push(&c.deadlines, w)
	}
	w.candidates = append(w.candidates, candidate{Candidate: rules.Candidate{Event: detected, Context: ctx}, seq: c.seq})
	c.mu.Unlock()

	c.candidates.Add(1)
	if !ok {
		c.opened.Add(1)
		c.openedCounter.Add(context.Background(), 1, metric.WithAttributes(telemetry.SignalAttributes(string(key.typ), "")...))
	}
}

// Sweep resolves every window whose close time is at or before now and hands
// winners to the sink in close-time order.
func (c *Coordinator) Sweep(now time.Time) []schema.ResolvedEvent {
	c.mu.Lock()
	var expired []*window
	for {
		closesAt, ok := c.deadlines.peek()
		if !ok || closesAt.After(now) {
			break
		}
		w := heap.Pop(&c.deadlines).(*window)
		delete(c.open, w.key)
		expired = append(expired, w)
	}
	c.mu.Unlock()
	return c.resolveAll(expired, now)
}

// Flush resolves every open window regardless of its close time.
func (c *Coordinator) Flush() []schema.ResolvedEvent {
	c.mu.Lock()
	expired := make([]*window, 0, len(c.deadlines))
	for c.deadlines.Len() > 0 {
		w := heap.Pop(&c.deadlines).(*window)
		delete(c.open, w.key)
		expired = append(expired, w)
	}
	c.mu.Unlock()
	return c.resolveAll(expired, c.now())
}

// Run sweeps on the configured cadence until ctx is cancelled, then flushes.
func (c *Coordinator) Run(ctx context.Context) {
	ticker := time.NewTicker(c.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			c.Flush()
			return
		case <-ticker.C:
			c.Sweep(c.now())
		}
	}
}

// Stats returns coordinator counters.
func (c *Coordinator) Stats() Stats {
	c.mu.Lock()
	open := len(c.open)
	c.mu.Unlock()
	return Stats{Open: open, Opened: c.opened.Load(), Resolved: c.resolved.Load(), Candidates: c.candidates.Load()}
}

func (c *Coordinator) resolveAll(windows []*window, now time.Time) []schema.ResolvedEvent {
	if len(windows) == 0 {
		return nil
	}
	out := make([]schema.ResolvedEvent, 0, len(windows))
	for _, w := range windows {
		resolved, ok := c.resolve(w, now)
		if !ok {
			continue
		}
		out = append(out, resolved)
		c.resolved.Add(1)
		attrs := metric.WithAttributes(telemetry.SignalAttributes(string(w.key.typ), string(resolved.Context.Source))...)
		c.resolvedCounter.Add(context.Background(), 1, attrs)
		c.candidateHist.Record(context.Background(), int64(len(w.candidates)), attrs)
		if c.sink != nil {
			c.sink(resolved)
		}
	}
	return out
}

func (c *Coordinator) resolve(w *window, now time.Time) (schema.ResolvedEvent, bool) {
	if len(w.candidates) == 0 {
		return schema.ResolvedEvent{}, false
	}
	best := w.candidates[0]
	for _, cand := range w.candidates[1:] {
		if c.beats(cand, best) {
			best = cand
		}
	}
	return schema.ResolvedEvent{
		ID:           uuid.NewString(),
		Event:        best.Event,
		Context:      best.Context,
		Candidates:   len(w.candidates),
		WindowOpened: w.openedAt,
		ResolvedAt:   now,
	}, true
}

// beats orders candidates by source priority, then latest detection, then
// confidence, then the signal type's override rule, then ingestion order.
func (c *Coordinator) beats(a, b candidate) bool {
	if a.Context.SourcePriority != b.Context.SourcePriority {
		return a.Context.SourcePriority > b.Context.SourcePriority
	}
	if !a.Event.DetectedAt.Equal(b.Event.DetectedAt) {
		return a.Event.DetectedAt.After(b.Event.DetectedAt)
	}
	if a.Context.Confidence != b.Context.Confidence {
		return a.Context.Confidence > b.Context.Confidence
	}
	if override, ok := c.overrides[a.Event.Type]; ok && override != nil {
		pref, err := override.Prefer(a.Candidate, b.Candidate)
		if err != nil {
			c.logger.Error("override rule failed",
				observability.F("rule", override.Name()),
				observability.F("symbol", a.Event.Symbol),
				observability.F("error", err))
		} else if pref != 0 {
			return pref < 0
		}
	}
	return a.seq < b.seq
}
