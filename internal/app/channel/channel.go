// Package channel hosts the type-specific processing channels.
//
// Each Channel owns a bounded queue drained by exactly one worker goroutine.
// Detector state lives inside the channel's Processor and is touched only by
// that worker, so no per-symbol locking is required.
package channel

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/marketrelay/internal/domain/errs"
	"github.com/coachpo/marketrelay/internal/domain/schema"
	"github.com/coachpo/marketrelay/internal/infra/telemetry"
	"github.com/coachpo/marketrelay/internal/observability"
)

// Default queue capacities per channel kind.
const (
	DefaultTickCapacity      = 1000
	DefaultAggregateCapacity = 8000
	DefaultValuationCapacity = 500
)

// DefaultCapacity returns the queue capacity for kind.
func DefaultCapacity(kind schema.Kind) int {
	switch kind {
	case schema.KindTick:
		return DefaultTickCapacity
	case schema.KindAggregate:
		return DefaultAggregateCapacity
	case schema.KindValuation:
		return DefaultValuationCapacity
	default:
		return 0
	}
}

// Reporter receives the outcome of every processed event together with the
// breaker epoch it was admitted under. The router implements it to drive health
// windows and circuit breakers.
type Reporter interface {
	ReportResult(channel string, epoch uint64, ok bool)
}

// Handoff receives each detected signal; it runs on the channel worker goroutine.
type Handoff func(schema.DetectedEvent)

// Config describes one channel replica.
type Config struct {
	Name          string
	Kind          schema.Kind
	QueueCapacity int
	LatencyBudget time.Duration
}

// Stats is a point-in-time view of a channel's counters.
type Stats struct {
	Name          string        `json:"name"`
	Kind          schema.Kind   `json:"kind"`
	Depth         int           `json:"depth"`
	Capacity      int           `json:"capacity"`
	Processed     uint64        `json:"processed"`
	Failed        uint64        `json:"failed"`
	Filtered      uint64        `json:"filtered"`
	Emitted       uint64        `json:"emitted"`
	LatencyBudget time.Duration `json:"latencyBudget"`
	P50           time.Duration `json:"p50"`
	P95           time.Duration `json:"p95"`
	P99           time.Duration `json:"p99"`
}

// FilterRate returns filtered / processed, or zero before any event was processed.
func (s Stats) FilterRate() float64 {
	if s.Processed == 0 {
		return 0
	}
	return float64(s.Filtered) / float64(s.Processed)
}

// Option configures a Channel.
type Option func(*Channel)

// WithReporter wires the per-event outcome reporter.
func WithReporter(r Reporter) Option {
	return func(c *Channel) { c.reporter = r }
}

// WithHandoff wires the detected-signal sink.
func WithHandoff(h Handoff) Option {
	return func(c *Channel) { c.handoff = h }
}

// WithLogger overrides the channel logger.
func WithLogger(l observability.Logger) Option {
	return func(c *Channel) { c.logger = l }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(c *Channel) { c.now = now }
}

type queued struct {
	evt        schema.MarketEvent
	epoch      uint64
	enqueuedAt time.Time
}

// Channel is a single processing replica.
type Channel struct {
	name   string
	kind   schema.Kind
	budget time.Duration
	proc   Processor
	queue  chan queued
	resets chan struct{}

	reporter Reporter
	handoff  Handoff
	logger   observability.Logger
	now      func() time.Time
	latency  *latencyRecorder

	processed atomic.Uint64
	failed    atomic.Uint64
	filtered  atomic.Uint64
	emitted   atomic.Uint64

	processedCounter metric.Int64Counter
	failedCounter    metric.Int64Counter
	filteredCounter  metric.Int64Counter
	emittedCounter   metric.Int64Counter
	durationHist     metric.Float64Histogram
}

// New constructs a channel around proc. The processor kind must match cfg.Kind.
func New(cfg Config, proc Processor, opts ...Option) (*Channel, error) {
	name := strings.TrimSpace(cfg.Name)
	if name == "" {
		return nil, errs.New("channel", errs.CodeInvalid, errs.WithMessage("channel name required"))
	}
	if proc == nil {
		return nil, errs.New("channel", errs.CodeInvalid, errs.WithMessage("processor required"), errs.WithField("channel", name))
	}
	if cfg.Kind == "" {
		cfg.Kind = proc.Kind()
	}
	if proc.Kind() != cfg.Kind {
		return nil, errs.New("channel", errs.CodeInvalid,
			errs.WithMessage(fmt.Sprintf("processor kind %s does not match channel kind %s", proc.Kind(), cfg.Kind)),
			errs.WithField("channel", name))
	}
	capacity := cfg.QueueCapacity
	if capacity <= 0 {
		capacity = DefaultCapacity(cfg.Kind)
	}

	c := &Channel{
		name:    name,
		kind:    cfg.Kind,
		budget:  cfg.LatencyBudget,
		proc:    proc,
		queue:   make(chan queued, capacity),
		resets:  make(chan struct{}, 1),
		now:     time.Now,
		latency: newLatencyRecorder(1024),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	c.logger = observability.OrDefault(c.logger)

	meter := otel.Meter("channel")
	c.processedCounter, _ = meter.Int64Counter("channel.events.processed",
		metric.WithDescription("Market events processed by a channel worker"),
		metric.WithUnit("{event}"))
	c.failedCounter, _ = meter.Int64Counter("channel.events.failed",
		metric.WithDescription("Market events whose processing failed or panicked"),
		metric.WithUnit("{event}"))
	c.filteredCounter, _ = meter.Int64Counter("channel.events.filtered",
		metric.WithDescription("Market events dropped by channel filters"),
		metric.WithUnit("{event}"))
	c.emittedCounter, _ = meter.Int64Counter("channel.signals.emitted",
		metric.WithDescription("Detected signals handed off for coordination"),
		metric.WithUnit("{signal}"))
	c.durationHist, _ = meter.Float64Histogram("channel.processing.duration",
		metric.WithDescription("Enqueue-to-completion latency per event"),
		metric.WithUnit("ms"))
	return c, nil
}

// Name returns the channel name.
func (c *Channel) Name() string { return c.name }

// Kind returns the market event kind this channel accepts.
func (c *Channel) Kind() schema.Kind { return c.kind }

// Depth returns the current queue depth.
func (c *Channel) Depth() int { return len(c.queue) }

// Capacity returns the queue capacity.
func (c *Channel) Capacity() int { return cap(c.queue) }

// TryEnqueue offers evt without blocking and reports whether it was accepted.
// The epoch is handed back to the Reporter with the event's outcome.
func (c *Channel) TryEnqueue(evt schema.MarketEvent, epoch uint64) bool {
	select {
	case c.queue <- queued{evt: evt, epoch: epoch, enqueuedAt: c.now()}:
		return true
	default:
		return false
	}
}

// Reset asks the worker to clear detector state before its next event.
func (c *Channel) Reset() {
	select {
	case c.resets <- struct{}{}:
	default:
	}
}

// Run processes the queue until ctx is cancelled, then processes whatever was
// already accepted before returning.
func (c *Channel) Run(ctx context.Context) {
	for {
		// Resets take priority so a session boundary is applied before later events.
		select {
		case <-c.resets:
			c.proc.Reset()
			c.logger.Info("channel session reset", observability.F("channel", c.name))
			continue
		default:
		}
		select {
		case <-ctx.Done():
			c.drain(context.WithoutCancel(ctx))
			return
		case <-c.resets:
			c.proc.Reset()
			c.logger.Info("channel session reset", observability.F("channel", c.name))
		case item := <-c.queue:
			c.handle(ctx, item)
		}
	}
}

func (c *Channel) drain(ctx context.Context) {
	drained := 0
	for {
		select {
		case item := <-c.queue:
			c.handle(ctx, item)
			drained++
		default:
			if drained > 0 {
				c.logger.Info("channel drained on shutdown",
					observability.F("channel", c.name),
					observability.F("events", drained))
			}
			return
		}
	}
}

func (c *Channel) handle(ctx context.Context, item queued) {
	outcome, err := c.process(item.evt)
	elapsed := c.now().Sub(item.enqueuedAt)
	c.latency.record(elapsed)
	attrs := metric.WithAttributes(telemetry.ChannelAttributes(c.name, string(c.kind))...)

	c.processed.Add(1)
	c.processedCounter.Add(ctx, 1, attrs)
	c.durationHist.Record(ctx, float64(elapsed.Microseconds())/1000, attrs)

	if err != nil {
		c.failed.Add(1)
		c.failedCounter.Add(ctx, 1, attrs)
		c.logger.Error("channel processing failed",
			observability.F("channel", c.name),
			observability.F("symbol", item.evt.Meta().Symbol),
			observability.F("error", err))
		if c.reporter != nil {
			c.reporter.ReportResult(c.name, item.epoch, false)
		}
		return
	}
	if c.reporter != nil {
		c.reporter.ReportResult(c.name, item.epoch, true)
	}
	if outcome.Filtered {
		c.filtered.Add(1)
		c.filteredCounter.Add(ctx, 1, attrs)
		c.logger.Debug("event filtered",
			observability.F("channel", c.name),
			observability.F("symbol", item.evt.Meta().Symbol),
			observability.F("reason", outcome.Reason))
		return
	}
	meta := item.evt.Meta()
	for _, signal := range outcome.Signals {
		signal.RawSource = meta.Source
		signal.Channel = c.name
		if signal.Symbol == "" {
			signal.Symbol = meta.Symbol
		}
		c.emitted.Add(1)
		c.emittedCounter.Add(ctx, 1, attrs)
		if c.handoff != nil {
			c.handoff(signal)
		}
	}
}

// process isolates a single event; panics become errors so the worker survives.
func (c *Channel) process(evt schema.MarketEvent) (outcome Outcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errs.New("channel", errs.CodeInternal,
				errs.WithMessage(fmt.Sprintf("processor panic: %v", r)),
				errs.WithField("channel", c.name))
		}
	}()
	return c.proc.Process(evt)
}

// Stats returns a snapshot of the channel counters.
func (c *Channel) Stats() Stats {
	p50, p95, p99 := c.latency.percentiles()
	return Stats{
		Name:          c.name,
		Kind:          c.kind,
		Depth:         c.Depth(),
		Capacity:      c.Capacity(),
		Processed:     c.processed.Load(),
		Failed:        c.failed.Load(),
		Filtered:      c.filtered.Load(),
		Emitted:       c.emitted.Load(),
		LatencyBudget: c.budget,
		P50:           p50,
		P95:           p95,
		P99:           p99,
	}
}
