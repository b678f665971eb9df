// Package distributor implements the buffered pull distribution layer.
//
// Resolved events enter through the collection phase and leave through the
// distribution phase. Both phases share one set of buffers guarded by a single
// sync.Mutex. The lock is not reentrant: while it is held, code must not call
// any Distributor method that acquires it. Status-style figures needed under
// the lock come from computeStats, which takes the buffers as a parameter.
package distributor

import (
	"context"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sourcegraph/conc"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/marketrelay/internal/domain/errs"
	"github.com/coachpo/marketrelay/internal/domain/schema"
	"github.com/coachpo/marketrelay/internal/infra/telemetry"
	"github.com/coachpo/marketrelay/internal/observability"
	"github.com/coachpo/marketrelay/lib/async"
)

// Defaults.
const (
	DefaultCapacity           = 1000
	DefaultInboxCapacity      = 10000
	DefaultCollectInterval    = 500 * time.Millisecond
	DefaultDistributeInterval = time.Second
)

// Batch is one distribution pull handed to consumers.
type Batch struct {
	Frequencies []string
	Events      map[schema.SignalType][]schema.ResolvedEvent
	PulledAt    time.Time
}

// Len counts events in the batch.
func (b Batch) Len() int {
	n := 0
	for _, events := range b.Events {
		n += len(events)
	}
	return n
}

// Consumer receives each distribution batch outside the buffer lock. It owns
// per-subscriber filtering and transport.
type Consumer func(ctx context.Context, batch Batch)

// Forwarder publishes resolved events to an external topic after distribution.
type Forwarder interface {
	Name() string
	Forward(ctx context.Context, evt schema.ResolvedEvent) error
}

// Config tunes the distributor.
type Config struct {
	// Frequencies lists buffer frequencies; the first is the fallback for
	// events carrying an unknown frequency.
	Frequencies     []string
	DefaultCapacity int
	Capacities      map[schema.SignalType]int
	InboxCapacity   int
	CollectInterval time.Duration
	// Cadences sets how often each frequency is pulled by the distribution
	// timer. Missing entries default to the distribution interval.
	Cadences           map[string]time.Duration
	DistributeInterval time.Duration
}

// DefaultConfig returns per-second and per-minute buffers of 1000 per type.
func DefaultConfig() Config {
	return Config{
		Frequencies:        []string{schema.FrequencySecond, schema.FrequencyMinute},
		DefaultCapacity:    DefaultCapacity,
		InboxCapacity:      DefaultInboxCapacity,
		CollectInterval:    DefaultCollectInterval,
		DistributeInterval: DefaultDistributeInterval,
		Cadences: map[string]time.Duration{
			schema.FrequencySecond: time.Second,
			schema.FrequencyMinute: time.Minute,
		},
	}
}

// Option configures a Distributor.
type Option func(*Distributor)

// WithLogger overrides the distributor logger.
func WithLogger(l observability.Logger) Option {
	return func(d *Distributor) { d.logger = l }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(d *Distributor) { d.now = now }
}

// WithConsumer registers a batch consumer.
func WithConsumer(c Consumer) Option {
	return func(d *Distributor) {
		if c != nil {
			d.consumers = append(d.consumers, c)
		}
	}
}

// WithForwarders registers forwarders executed on pool after each distribution.
func WithForwarders(pool *async.Pool, forwarders ...Forwarder) Option {
	return func(d *Distributor) {
		d.pool = pool
		d.forwarders = append(d.forwarders, forwarders...)
	}
}

// Distributor buffers resolved events per frequency and signal type.
type Distributor struct {
	cfg        Config
	logger     observability.Logger
	now        func() time.Time
	consumers  []Consumer
	forwarders []Forwarder
	pool       *async.Pool

	// inboxMu guards the hand-off inbox. Lock order is inboxMu before mu.
	inboxMu       sync.Mutex
	inbox         []schema.ResolvedEvent
	offered       uint64
	inboxOverflow uint64

	// mu is the buffer lock.
	mu      sync.Mutex
	buffers map[string]map[schema.SignalType]*ring
	counts  counters

	cadenceMu  sync.Mutex
	lastPulled map[string]time.Time
	forwarded  atomic.Uint64
	forwardErr atomic.Uint64

	collectedCounter metric.Int64Counter
	pulledCounter    metric.Int64Counter
	overflowCounter  metric.Int64Counter
	forwardCounter   metric.Int64Counter
}

// New constructs a Distributor. Invalid configuration fails.
func New(cfg Config, opts ...Option) (*Distributor, error) {
	cfg, err := normalise(cfg)
	if err != nil {
		return nil, err
	}
	d := &Distributor{
		cfg:        cfg,
		now:        time.Now,
		buffers:    make(map[string]map[schema.SignalType]*ring, len(cfg.Frequencies)),
		counts:     counters{overflow: make(map[string]map[schema.SignalType]uint64)},
		lastPulled: make(map[string]time.Time, len(cfg.Frequencies)),
	}
	for _, freq := range cfg.Frequencies {
		byType := make(map[schema.SignalType]*ring, len(schema.SignalTypes()))
		for _, typ := range schema.SignalTypes() {
			byType[typ] = newRing(d.capacity(typ))
		}
		d.buffers[freq] = byType
	}
	for _, opt := range opts {
		if opt != nil {
			opt(d)
		}
	}
	d.logger = observability.OrDefault(d.logger)

	meter := otel.Meter("distributor")
	d.collectedCounter, _ = meter.Int64Counter("distributor.events.collected",
		metric.WithDescription("Resolved events appended to distribution buffers"),
		metric.WithUnit("{event}"))
	d.pulledCounter, _ = meter.Int64Counter("distributor.events.pulled",
		metric.WithDescription("Resolved events removed by distribution pulls"),
		metric.WithUnit("{event}"))
	d.overflowCounter, _ = meter.Int64Counter("distributor.events.overflow",
		metric.WithDescription("Resolved events dropped oldest-first on buffer overflow"),
		metric.WithUnit("{event}"))
	d.forwardCounter, _ = meter.Int64Counter("distributor.events.forwarded",
		metric.WithDescription("Forwarding attempts to external topics"),
		metric.WithUnit("{event}"))
	gauge, _ := meter.Int64ObservableGauge("distributor.buffered",
		metric.WithDescription("Resolved events currently buffered"),
		metric.WithUnit("{event}"))
	if gauge != nil {
		_, _ = meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
			o.ObserveInt64(gauge, int64(d.Status().Total))
			return nil
		}, gauge)
	}
	return d, nil
}

func normalise(cfg Config) (Config, error) {
	def := DefaultConfig()
	if len(cfg.Frequencies) == 0 {
		cfg.Frequencies = def.Frequencies
	}
	seen := make(map[string]struct{}, len(cfg.Frequencies))
	freqs := make([]string, 0, len(cfg.Frequencies))
	for _, f := range cfg.Frequencies {
		f = strings.ToLower(strings.TrimSpace(f))
		if f == "" {
			return Config{}, errs.New("distributor", errs.CodeInvalid, errs.WithMessage("frequency name required"))
		}
		if _, dup := seen[f]; dup {
			continue
		}
		seen[f] = struct{}{}
		freqs = append(freqs, f)
	}
	cfg.Frequencies = freqs
	if cfg.DefaultCapacity <= 0 {
		cfg.DefaultCapacity = def.DefaultCapacity
	}
	for typ, capacity := range cfg.Capacities {
		if capacity <= 0 {
			return Config{}, errs.New("distributor", errs.CodeInvalid, errs.WithMessage("buffer capacity must be > 0"), errs.WithField("type", string(typ)))
		}
	}
	if cfg.InboxCapacity <= 0 {
		cfg.InboxCapacity = def.InboxCapacity
	}
	if cfg.CollectInterval <= 0 {
		cfg.CollectInterval = def.CollectInterval
	}
	if cfg.DistributeInterval <= 0 {
		cfg.DistributeInterval = def.DistributeInterval
	}
	cadences := make(map[string]time.Duration, len(cfg.Frequencies))
	for _, f := range cfg.Frequencies {
		cadence := cfg.Cadences[f]
		if cadence <= 0 {
			cadence = def.Cadences[f]
		}
		if cadence < cfg.DistributeInterval {
			cadence = cfg.DistributeInterval
		}
		cadences[f] = cadence
	}
	cfg.Cadences = cadences
	return cfg, nil
}

func (d *Distributor) capacity(typ schema.SignalType) int {
	if capacity, ok := d.cfg.Capacities[typ]; ok {
		return capacity
	}
	return d.cfg.DefaultCapacity
}

// Frequencies returns the configured frequencies.
func (d *Distributor) Frequencies() []string {
	return slices.Clone(d.cfg.Frequencies)
}

// Offer hands evt to the collection phase without touching the buffer lock.
// The inbox is moved into buffers on the collection cadence.
func (d *Distributor) Offer(evt schema.ResolvedEvent) {
	d.inboxMu.Lock()
	d.offered++
	dropped := false
	if len(d.inbox) >= d.cfg.InboxCapacity {
		d.inbox = d.inbox[1:]
		d.inboxOverflow++
		dropped = true
	}
	d.inbox = append(d.inbox, evt)
	total := d.inboxOverflow
	d.inboxMu.Unlock()

	if dropped {
		d.overflowCounter.Add(context.Background(), 1, metric.WithAttributes(telemetry.AttrReason.String("inbox")))
		d.logger.Info("distributor inbox overflow", observability.F("dropped", 1), observability.F("total", total))
	}
}

// Collect appends events directly into the buffers.
func (d *Distributor) Collect(events ...schema.ResolvedEvent) {
	if len(events) == 0 {
		return
	}
	d.mu.Lock()
	d.counts.collected += uint64(len(events))
	drops := d.appendLocked(events)
	d.mu.Unlock()
	d.reportCollected(len(events), drops)
}

// CollectPending moves the inbox into buffers and returns how many events moved.
func (d *Distributor) CollectPending() int {
	d.inboxMu.Lock()
	batch := d.inbox
	d.inbox = nil
	var drops []overflowDrop
	if len(batch) > 0 {
		d.mu.Lock()
		drops = d.appendLocked(batch)
		d.mu.Unlock()
	}
	d.inboxMu.Unlock()
	d.reportCollected(len(batch), drops)
	return len(batch)
}

type overflowDrop struct {
	frequency string
	typ       schema.SignalType
	dropped   uint64
	total     uint64
}

// appendLocked requires d.mu.
func (d *Distributor) appendLocked(events []schema.ResolvedEvent) []overflowDrop {
	var drops map[string]map[schema.SignalType]uint64
	for _, evt := range events {
		freq := d.frequencyOf(evt)
		buf, ok := d.buffers[freq][evt.Event.Type]
		if !ok {
			// Unknown signal types get a buffer on first use.
			buf = newRing(d.capacity(evt.Event.Type))
			d.buffers[freq][evt.Event.Type] = buf
		}
		if !buf.push(evt) {
			continue
		}
		if d.counts.overflow[freq] == nil {
			d.counts.overflow[freq] = make(map[schema.SignalType]uint64)
		}
		d.counts.overflow[freq][evt.Event.Type]++
		if drops == nil {
			drops = make(map[string]map[schema.SignalType]uint64)
		}
		if drops[freq] == nil {
			drops[freq] = make(map[schema.SignalType]uint64)
		}
		drops[freq][evt.Event.Type]++
	}
	var out []overflowDrop
	for freq, byType := range drops {
		for typ, n := range byType {
			out = append(out, overflowDrop{frequency: freq, typ: typ, dropped: n, total: d.counts.overflow[freq][typ]})
		}
	}
	return out
}

func (d *Distributor) reportCollected(n int, drops []overflowDrop) {
	if n == 0 {
		return
	}
	ctx := context.Background()
	d.collectedCounter.Add(ctx, int64(n))
	for _, drop := range drops {
		d.overflowCounter.Add(ctx, int64(drop.dropped), metric.WithAttributes(telemetry.BufferAttributes(drop.frequency, string(drop.typ))...))
		d.logger.Info("distributor buffer overflow",
			observability.F("frequency", drop.frequency),
			observability.F("type", string(drop.typ)),
			observability.F("dropped", drop.dropped),
			observability.F("total", drop.total))
	}
}

func (d *Distributor) frequencyOf(evt schema.ResolvedEvent) string {
	freq := evt.Frequency()
	if _, ok := d.buffers[freq]; ok {
		return freq
	}
	return d.cfg.Frequencies[0]
}

// Pull copies out the buffered events for freqs (all frequencies when empty)
// merged by signal type, oldest first. Repeated names are pulled once. With clear the copied buffers are
// emptied in the same critical section. Stats cover buffer state after the pull.
func (d *Distributor) Pull(freqs []string, clear bool) (map[schema.SignalType][]schema.ResolvedEvent, Stats) {
	if len(freqs) == 0 {
		freqs = d.cfg.Frequencies
	}
	out := make(map[schema.SignalType][]schema.ResolvedEvent)
	pulled := 0
	seen := make(map[string]struct{}, len(freqs))

	d.mu.Lock()
	for _, freq := range freqs {
		if _, dup := seen[freq]; dup {
			continue
		}
		seen[freq] = struct{}{}
		byType, ok := d.buffers[freq]
		if !ok {
			continue
		}
		for typ, buf := range byType {
			if buf.len() == 0 {
				continue
			}
			out[typ] = append(out[typ], buf.snapshot()...)
			pulled += buf.len()
			if clear {
				buf.reset()
			}
		}
	}
	if clear {
		d.counts.pulled += uint64(pulled)
	}
	stats := computeStats(d.buffers, &d.counts, d.cfg.Capacities)
	d.mu.Unlock()

	if clear && pulled > 0 {
		d.pulledCounter.Add(context.Background(), int64(pulled))
	}
	return out, stats
}

// Status returns a consistent snapshot of buffers, inbox and counters. It
// acquires both locks and must never be called with either held.
func (d *Distributor) Status() Stats {
	d.inboxMu.Lock()
	defer d.inboxMu.Unlock()
	d.mu.Lock()
	stats := computeStats(d.buffers, &d.counts, d.cfg.Capacities)
	d.mu.Unlock()
	stats.Offered = d.offered
	stats.InboxPending = len(d.inbox)
	stats.InboxOverflow = d.inboxOverflow
	return stats
}

// Distribute pulls every frequency whose cadence has elapsed, emits the batch
// to consumers outside the lock and then schedules forwarding.
func (d *Distributor) Distribute(ctx context.Context) Batch {
	now := d.now()
	due := make([]string, 0, len(d.cfg.Frequencies))
	d.cadenceMu.Lock()
	for _, freq := range d.cfg.Frequencies {
		last, seen := d.lastPulled[freq]
		if !seen || now.Sub(last) >= d.cfg.Cadences[freq] {
			due = append(due, freq)
			d.lastPulled[freq] = now
		}
	}
	d.cadenceMu.Unlock()
	return d.distribute(ctx, due, now)
}

// DistributeAll pulls every frequency regardless of cadence.
func (d *Distributor) DistributeAll(ctx context.Context) Batch {
	now := d.now()
	d.cadenceMu.Lock()
	for _, freq := range d.cfg.Frequencies {
		d.lastPulled[freq] = now
	}
	d.cadenceMu.Unlock()
	return d.distribute(ctx, d.cfg.Frequencies, now)
}

func (d *Distributor) distribute(ctx context.Context, freqs []string, now time.Time) Batch {
	if len(freqs) == 0 {
		return Batch{PulledAt: now}
	}
	events, _ := d.Pull(freqs, true)
	batch := Batch{Frequencies: slices.Clone(freqs), Events: events, PulledAt: now}
	if batch.Len() == 0 {
		return batch
	}
	for _, consume := range d.consumers {
		d.consume(ctx, consume, batch)
	}
	d.forward(ctx, batch)
	return batch
}

func (d *Distributor) consume(ctx context.Context, consume Consumer, batch Batch) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("distribution consumer panicked", observability.F("panic", r))
		}
	}()
	consume(ctx, batch)
}

func (d *Distributor) forward(ctx context.Context, batch Batch) {
	if d.pool == nil || len(d.forwarders) == 0 {
		return
	}
	for _, typ := range schema.SignalTypes() {
		for _, evt := range batch.Events[typ] {
			for _, fwd := range d.forwarders {
				evt, fwd := evt, fwd
				err := d.pool.Submit(ctx, func(taskCtx context.Context) error {
					if err := fwd.Forward(taskCtx, evt); err != nil {
						d.forwardErr.Add(1)
						d.forwardCounter.Add(taskCtx, 1, metric.WithAttributes(telemetry.AttrForwarder.String(fwd.Name()), telemetry.AttrResult.String("error")))
						return err
					}
					d.forwarded.Add(1)
					d.forwardCounter.Add(taskCtx, 1, metric.WithAttributes(telemetry.AttrForwarder.String(fwd.Name()), telemetry.AttrResult.String("success")))
					return nil
				})
				if err != nil {
					d.forwardErr.Add(1)
					d.logger.Error("forwarding not scheduled",
						observability.F("forwarder", fwd.Name()),
						observability.F("id", evt.ID),
						observability.F("error", err))
				}
			}
		}
	}
}

// ForwardCounts reports successful and failed forwarding attempts.
func (d *Distributor) ForwardCounts() (ok, failed uint64) {
	return d.forwarded.Load(), d.forwardErr.Load()
}

// RunCollector moves the inbox into buffers on the collection cadence until
// ctx is cancelled, then performs a final collection.
func (d *Distributor) RunCollector(ctx context.Context) {
	ticker := time.NewTicker(d.cfg.CollectInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			d.CollectPending()
			return
		case <-ticker.C:
			d.CollectPending()
		}
	}
}

// RunDistributor pulls on the distribution cadence until ctx is cancelled.
// Events still buffered at shutdown remain available to Pull.
func (d *Distributor) RunDistributor(ctx context.Context) {
	ticker := time.NewTicker(d.cfg.DistributeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.Distribute(ctx)
		}
	}
}

// Run drives both phases on independent timers until ctx is cancelled.
func (d *Distributor) Run(ctx context.Context) {
	var wg conc.WaitGroup
	wg.Go(func() { d.RunCollector(ctx) })
	wg.Go(func() { d.RunDistributor(ctx) })
	wg.Wait()
}
