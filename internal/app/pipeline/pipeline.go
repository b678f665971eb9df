// Package pipeline wires routing, channel processing, source context, rules,
// coordination, distribution and monitoring into one running relay.
package pipeline

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sourcegraph/conc"

	"github.com/coachpo/marketrelay/internal/app/channel"
	"github.com/coachpo/marketrelay/internal/app/coordinator"
	"github.com/coachpo/marketrelay/internal/app/distributor"
	"github.com/coachpo/marketrelay/internal/app/monitor"
	"github.com/coachpo/marketrelay/internal/app/router"
	"github.com/coachpo/marketrelay/internal/app/rules"
	"github.com/coachpo/marketrelay/internal/app/sourcectx"
	"github.com/coachpo/marketrelay/internal/domain/errs"
	"github.com/coachpo/marketrelay/internal/domain/schema"
	"github.com/coachpo/marketrelay/internal/observability"
	"github.com/coachpo/marketrelay/lib/async"
)

// DefaultIngressCapacity bounds the inbound dispatcher queue.
const DefaultIngressCapacity = 10000

// ChannelSpec declares the replicas of one channel kind.
type ChannelSpec struct {
	Kind          schema.Kind
	Replicas      int
	QueueCapacity int
	LatencyBudget time.Duration
}

// Config assembles every component configuration.
type Config struct {
	IngressCapacity int
	Router          router.Config
	Channels        []ChannelSpec
	Processors      channel.ProcessorConfig
	Rules           rules.Set
	Coordinator     coordinator.Config
	Distributor     distributor.Config
	Monitor         monitor.Config
	// ForwardWorkers sizes the post-pull forwarding pool; ForwardQueue its backlog.
	ForwardWorkers int
	ForwardQueue   int
}

// DefaultConfig returns one replica per kind with documented defaults.
func DefaultConfig() Config {
	return Config{
		IngressCapacity: DefaultIngressCapacity,
		Router:          router.DefaultConfig(),
		Channels: []ChannelSpec{
			{Kind: schema.KindTick, Replicas: 1, LatencyBudget: 10 * time.Millisecond},
			{Kind: schema.KindAggregate, Replicas: 1, LatencyBudget: 100 * time.Millisecond},
			{Kind: schema.KindValuation, Replicas: 1, LatencyBudget: 500 * time.Millisecond},
		},
		Processors:     channel.DefaultProcessorConfig(),
		Rules:          rules.DefaultSet(),
		Distributor:    distributor.DefaultConfig(),
		ForwardWorkers: 4,
		ForwardQueue:   1024,
	}
}

// ProcessorFactory builds the processor for one channel replica.
type ProcessorFactory func(kind schema.Kind, name string, cfg channel.ProcessorConfig) (channel.Processor, error)

func defaultProcessorFactory(kind schema.Kind, _ string, cfg channel.ProcessorConfig) (channel.Processor, error) {
	return channel.NewProcessor(kind, cfg)
}

// Option configures a Pipeline.
type Option func(*options)

type options struct {
	logger     observability.Logger
	now        func() time.Time
	factory    ProcessorFactory
	consumers  []distributor.Consumer
	forwarders []distributor.Forwarder
	sink       monitor.AlertSink
}

// WithLogger sets the logger shared by every component.
func WithLogger(l observability.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithClock overrides the time source shared by every component.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// WithProcessorFactory overrides how channel processors are built.
func WithProcessorFactory(f ProcessorFactory) Option {
	return func(o *options) { o.factory = f }
}

// WithConsumer registers a distribution batch consumer.
func WithConsumer(c distributor.Consumer) Option {
	return func(o *options) { o.consumers = append(o.consumers, c) }
}

// WithForwarders registers external topic forwarders.
func WithForwarders(f ...distributor.Forwarder) Option {
	return func(o *options) { o.forwarders = append(o.forwarders, f...) }
}

// WithAlertSink registers the monitor alert sink.
func WithAlertSink(s monitor.AlertSink) Option {
	return func(o *options) { o.sink = s }
}

// Pipeline is the assembled relay.
type Pipeline struct {
	logger   observability.Logger
	router   *router.Router
	channels []*channel.Channel
	contexts *sourcectx.Manager
	rules    *rules.Engine
	coord    *coordinator.Coordinator
	dist     *distributor.Distributor
	monitor  *monitor.Monitor
	pool     *async.Pool
	ingress  chan schema.MarketEvent

	rulesRejected atomic.Uint64
	ingressDrops  atomic.Uint64

	mu      sync.RWMutex
	started bool
	stopped bool
	stages  []*stage
}

type stage struct {
	name   string
	cancel context.CancelFunc
	wg     conc.WaitGroup
}

// New builds every component. Invalid configuration fails before anything runs.
func New(cfg Config, opts ...Option) (*Pipeline, error) {
	o := options{now: time.Now, factory: defaultProcessorFactory}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	logger := observability.OrDefault(o.logger)
	if cfg.IngressCapacity <= 0 {
		cfg.IngressCapacity = DefaultIngressCapacity
	}

	rt, err := router.New(cfg.Router, router.WithClock(o.now), router.WithLogger(logger))
	if err != nil {
		return nil, err
	}
	engine, err := rules.NewEngine(cfg.Rules)
	if err != nil {
		return nil, err
	}

	p := &Pipeline{
		logger:   logger,
		router:   rt,
		contexts: sourcectx.New(),
		rules:    engine,
		ingress:  make(chan schema.MarketEvent, cfg.IngressCapacity),
	}

	distOpts := []distributor.Option{distributor.WithClock(o.now), distributor.WithLogger(logger)}
	for _, c := range o.consumers {
		distOpts = append(distOpts, distributor.WithConsumer(c))
	}
	if len(o.forwarders) > 0 {
		workers := cfg.ForwardWorkers
		if workers <= 0 {
			workers = 1
		}
		pool, err := async.NewPool(workers, cfg.ForwardQueue, async.WithErrorHandler(func(err error) {
			logger.Error("forwarding failed", observability.F("error", err))
		}))
		if err != nil {
			return nil, err
		}
		p.pool = pool
		distOpts = append(distOpts, distributor.WithForwarders(pool, o.forwarders...))
	}
	dist, err := distributor.New(cfg.Distributor, distOpts...)
	if err != nil {
		p.closePool()
		return nil, err
	}
	p.dist = dist

	p.coord = coordinator.New(cfg.Coordinator,
		coordinator.WithClock(o.now),
		coordinator.WithLogger(logger),
		coordinator.WithSink(dist.Offer))

	for _, spec := range cfg.Channels {
		replicas := spec.Replicas
		if replicas <= 0 {
			replicas = 1
		}
		for i := 0; i < replicas; i++ {
			name := fmt.Sprintf("%s-%d", spec.Kind, i+1)
			proc, err := o.factory(spec.Kind, name, cfg.Processors)
			if err != nil {
				p.closePool()
				return nil, err
			}
			ch, err := channel.New(channel.Config{
				Name:          name,
				Kind:          spec.Kind,
				QueueCapacity: spec.QueueCapacity,
				LatencyBudget: spec.LatencyBudget,
			}, proc,
				channel.WithReporter(rt),
				channel.WithHandoff(p.handoff),
				channel.WithLogger(logger),
				channel.WithClock(o.now))
			if err != nil {
				p.closePool()
				return nil, err
			}
			if err := rt.Register(ch); err != nil {
				p.closePool()
				return nil, err
			}
			p.channels = append(p.channels, ch)
		}
	}

	p.monitor = monitor.New(cfg.Monitor, monitor.Sources{
		Router:      rt,
		Channels:    p,
		Buffers:     dist,
		Coordinator: p.coord,
	}, monitor.WithClock(o.now), monitor.WithLogger(logger), monitor.WithSink(o.sink))
	return p, nil
}

func (p *Pipeline) closePool() {
	if p.pool != nil {
		p.pool.Close()
	}
}

// handoff runs on a channel worker goroutine for every detected signal.
func (p *Pipeline) handoff(detected schema.DetectedEvent) {
	ctx := p.contexts.Attach(detected, detected.RawSource)
	decision := p.rules.Evaluate(ctx)
	if !decision.Pass {
		p.rulesRejected.Add(1)
		p.logger.Debug("signal rejected by source rules",
			observability.F("symbol", detected.Symbol),
			observability.F("type", string(detected.Type)),
			observability.F("source", string(ctx.Source)),
			observability.F("rule", decision.Rule),
			observability.F("reason", decision.Reason))
		return
	}
	p.coord.Submit(ctx, detected)
}

// Submit hands evt to the router dispatcher without blocking. A full ingress
// queue or a stopped pipeline returns CodeUnavailable.
func (p *Pipeline) Submit(evt schema.MarketEvent) error {
	if evt == nil {
		return errs.New("pipeline", errs.CodeInvalid, errs.WithMessage("event required"))
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.stopped {
		return errs.New("pipeline", errs.CodeUnavailable, errs.WithMessage("pipeline stopped"))
	}
	select {
	case p.ingress <- ensureID(evt):
		return nil
	default:
		p.ingressDrops.Add(1)
		return errs.New("pipeline", errs.CodeUnavailable, errs.WithMessage("ingress queue full"))
	}
}

// Route dispatches evt synchronously on the caller's goroutine.
func (p *Pipeline) Route(ctx context.Context, evt schema.MarketEvent) router.RouteResult {
	if evt == nil {
		return p.router.Route(ctx, nil)
	}
	return p.router.Route(ctx, ensureID(evt))
}

// ResetSession clears detector state on every channel. Each reset is applied
// by the channel's own worker.
func (p *Pipeline) ResetSession() {
	for _, ch := range p.channels {
		ch.Reset()
	}
	p.logger.Info("session reset requested", observability.F("channels", len(p.channels)))
}

func ensureID(evt schema.MarketEvent) schema.MarketEvent {
	if evt.Meta().ID != "" {
		return evt
	}
	id := uuid.NewString()
	switch e := evt.(type) {
	case schema.TickEvent:
		e.ID = id
		return e
	case schema.AggregateEvent:
		e.ID = id
		return e
	case schema.ValuationEvent:
		e.ID = id
		return e
	default:
		return evt
	}
}

// Start launches every long-running loop. Stages stop in reverse dependency
// order so coordinator and distributor output drains before shutdown.
func (p *Pipeline) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return errs.New("pipeline", errs.CodeConflict, errs.WithMessage("pipeline already started"))
	}
	if p.stopped {
		return errs.New("pipeline", errs.CodeUnavailable, errs.WithMessage("pipeline stopped"))
	}
	p.started = true

	p.stages = []*stage{
		p.launch(ctx, "dispatcher", p.dispatch),
		p.launch(ctx, "channels", p.runChannels),
		p.launch(ctx, "coordinator", p.coord.Run),
		p.launch(ctx, "distributor", p.dist.Run),
		p.launch(ctx, "monitor", p.monitor.Run),
	}
	p.logger.Info("pipeline started", observability.F("channels", len(p.channels)))
	return nil
}

func (p *Pipeline) launch(parent context.Context, name string, run func(context.Context)) *stage {
	ctx, cancel := context.WithCancel(parent)
	s := &stage{name: name, cancel: cancel}
	s.wg.Go(func() { run(ctx) })
	return s
}

func (p *Pipeline) runChannels(ctx context.Context) {
	var wg conc.WaitGroup
	for _, ch := range p.channels {
		wg.Go(func() { ch.Run(ctx) })
	}
	wg.Wait()
}

// dispatch routes ingress events until ctx is cancelled, then routes whatever
// is still queued.
func (p *Pipeline) dispatch(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			for {
				select {
				case evt := <-p.ingress:
					p.router.Route(context.WithoutCancel(ctx), evt)
				default:
					return
				}
			}
		case evt := <-p.ingress:
			p.router.Route(ctx, evt)
		}
	}
}

// Stop cancels stages in order and waits for each, bounded by ctx. Buffered
// output is distributed once more before forwarding drains.
func (p *Pipeline) Stop(ctx context.Context) error {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return nil
	}
	p.stopped = true
	stages := p.stages
	p.mu.Unlock()

	var failures []error
	for _, s := range stages {
		s.cancel()
		if err := waitStage(ctx, s); err != nil {
			failures = append(failures, err)
		}
	}
	if len(stages) > 0 && len(failures) == 0 {
		p.dist.DistributeAll(ctx)
	}
	if p.pool != nil {
		if err := p.pool.Shutdown(ctx); err != nil {
			failures = append(failures, err)
		}
	}
	return observability.AggregateErrors("pipeline stop", failures)
}

func waitStage(ctx context.Context, s *stage) error {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("stop %s: %w", s.name, ctx.Err())
	}
}

// Ready reports whether the pipeline is running and accepting events.
func (p *Pipeline) Ready() error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	switch {
	case p.stopped:
		return errs.New("pipeline", errs.CodeUnavailable, errs.WithMessage("pipeline stopped"))
	case !p.started:
		return errs.New("pipeline", errs.CodeUnavailable, errs.WithMessage("pipeline not started"))
	}
	return nil
}

// ChannelStats returns worker statistics for every channel.
func (p *Pipeline) ChannelStats() []channel.Stats {
	out := make([]channel.Stats, 0, len(p.channels))
	for _, ch := range p.channels {
		out = append(out, ch.Stats())
	}
	return out
}

// Counters reports pipeline-level drops.
type Counters struct {
	RulesRejected uint64 `json:"rulesRejected"`
	IngressDrops  uint64 `json:"ingressDrops"`
	IngressDepth  int    `json:"ingressDepth"`
}

// Counters returns pipeline-level drop counters.
func (p *Pipeline) Counters() Counters {
	return Counters{
		RulesRejected: p.rulesRejected.Load(),
		IngressDrops:  p.ingressDrops.Load(),
		IngressDepth:  len(p.ingress),
	}
}

// Router exposes the channel router.
func (p *Pipeline) Router() *router.Router { return p.router }

// Rules exposes the source rules engine.
func (p *Pipeline) Rules() *rules.Engine { return p.rules }

// Coordinator exposes the multi-source coordinator.
func (p *Pipeline) Coordinator() *coordinator.Coordinator { return p.coord }

// Distributor exposes the buffered pull distributor.
func (p *Pipeline) Distributor() *distributor.Distributor { return p.dist }

// Monitor exposes the channel monitor.
func (p *Pipeline) Monitor() *monitor.Monitor { return p.monitor }
