package eventbus

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	concpool "github.com/sourcegraph/conc/pool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/marketrelay/internal/domain/errs"
	"github.com/coachpo/marketrelay/internal/domain/schema"
	"github.com/coachpo/marketrelay/internal/infra/telemetry"
	"github.com/coachpo/marketrelay/internal/observability"
)

// MemoryBus is an in-memory implementation of Bus. It also serves as a
// distributor forwarder so distributed batches reach local subscribers.
type MemoryBus struct {
	cfg    MemoryConfig
	logger observability.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu           sync.RWMutex
	subscribers  map[schema.SignalType]map[SubscriptionID]*subscriber
	shutdownOnce sync.Once
	nextID       uint64

	published atomic.Int64
	dropped   atomic.Int64

	eventsPublishedCounter metric.Int64Counter
	subscriberGauge        metric.Int64UpDownCounter
	fanoutHistogram        metric.Int64Histogram
	publishDuration        metric.Float64Histogram
	deliveryBlockedCounter metric.Int64Counter
}

type subscriber struct {
	ctx    context.Context
	cancel context.CancelFunc
	ch     chan schema.ResolvedEvent
	mu     sync.Mutex
	closed bool
}

// Option customises a MemoryBus.
type Option func(*MemoryBus)

// WithLogger overrides the bus logger.
func WithLogger(logger observability.Logger) Option {
	return func(b *MemoryBus) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// NewMemoryBus constructs a memory-backed bus.
func NewMemoryBus(cfg MemoryConfig, opts ...Option) *MemoryBus {
	cfg = cfg.normalize()
	ctx, cancel := context.WithCancel(context.Background())
	bus := new(MemoryBus)
	bus.cfg = cfg
	bus.logger = observability.Log()
	bus.ctx = ctx
	bus.cancel = cancel
	bus.subscribers = make(map[schema.SignalType]map[SubscriptionID]*subscriber)
	for _, opt := range opts {
		if opt != nil {
			opt(bus)
		}
	}

	meter := otel.Meter("eventbus")
	bus.eventsPublishedCounter, _ = meter.Int64Counter("eventbus.events.published",
		metric.WithDescription("Number of resolved events published to the bus"),
		metric.WithUnit("{event}"))
	bus.subscriberGauge, _ = meter.Int64UpDownCounter("eventbus.subscribers",
		metric.WithDescription("Number of active subscribers"),
		metric.WithUnit("{subscriber}"))
	bus.fanoutHistogram, _ = meter.Int64Histogram("eventbus.fanout.size",
		metric.WithDescription("Number of subscribers per fanout"),
		metric.WithUnit("{subscriber}"))
	bus.publishDuration, _ = meter.Float64Histogram("eventbus.publish.duration",
		metric.WithDescription("Latency of eventbus publish operations"),
		metric.WithUnit("ms"))
	bus.deliveryBlockedCounter, _ = meter.Int64Counter("eventbus.delivery.blocked",
		metric.WithDescription("Number of deliveries that displaced the oldest buffered event"),
		metric.WithUnit("{event}"))

	return bus
}

// Name identifies the bus as a forwarder.
func (b *MemoryBus) Name() string { return "eventbus" }

// Forward publishes evt; it satisfies distributor.Forwarder.
func (b *MemoryBus) Forward(ctx context.Context, evt schema.ResolvedEvent) error {
	return b.Publish(ctx, evt)
}

// Publish fans the event out to every subscriber of its type. A subscriber
// whose buffer is full loses its oldest pending event.
func (b *MemoryBus) Publish(ctx context.Context, evt schema.ResolvedEvent) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if evt.Event.Type == "" {
		return errs.New("eventbus/publish", errs.CodeInvalid, errs.WithMessage("event type required"))
	}
	if b.ctx.Err() != nil {
		return errs.New("eventbus/publish", errs.CodeUnavailable, errs.WithMessage("bus closed"))
	}

	start := time.Now()
	typeAttr := attribute.String("event_type", string(evt.Event.Type))
	envAttr := attribute.String("environment", telemetry.Environment())
	defer func() {
		b.publishDuration.Record(ctx, float64(time.Since(start).Milliseconds()), metric.WithAttributes(envAttr, typeAttr))
	}()

	b.mu.RLock()
	subMap := b.subscribers[evt.Event.Type]
	subscribers := make([]*subscriber, 0, len(subMap))
	for _, sub := range subMap {
		subscribers = append(subscribers, sub)
	}
	b.mu.RUnlock()

	b.fanoutHistogram.Record(ctx, int64(len(subscribers)), metric.WithAttributes(envAttr, typeAttr))
	if len(subscribers) == 0 {
		return nil
	}
	if err := b.dispatch(ctx, subscribers, evt); err != nil {
		return err
	}
	b.published.Add(1)
	b.eventsPublishedCounter.Add(ctx, 1, metric.WithAttributes(envAttr, typeAttr))
	return nil
}

// Subscribe registers for events of the given type. The channel closes when
// ctx ends, on Unsubscribe, or on Close.
func (b *MemoryBus) Subscribe(ctx context.Context, typ schema.SignalType) (SubscriptionID, <-chan schema.ResolvedEvent, error) {
	parsed, ok := schema.ParseSignalType(string(typ))
	if !ok {
		return "", nil, errs.New("eventbus/subscribe", errs.CodeInvalid,
			errs.WithMessage("event type required"), errs.WithField("type", string(typ)))
	}
	if b.ctx.Err() != nil {
		return "", nil, errs.New("eventbus/subscribe", errs.CodeUnavailable, errs.WithMessage("bus closed"))
	}
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithCancel(ctx)

	sub := new(subscriber)
	sub.ctx = ctx
	sub.cancel = cancel
	sub.ch = make(chan schema.ResolvedEvent, b.cfg.BufferSize)

	id := SubscriptionID(fmt.Sprintf("sub-%d", atomic.AddUint64(&b.nextID, 1)))

	b.mu.Lock()
	if _, ok := b.subscribers[parsed]; !ok {
		b.subscribers[parsed] = make(map[SubscriptionID]*subscriber)
	}
	b.subscribers[parsed][id] = sub
	b.mu.Unlock()

	b.subscriberGauge.Add(ctx, 1, metric.WithAttributes(
		attribute.String("environment", telemetry.Environment()),
		attribute.String("event_type", string(parsed))))

	go b.observe(parsed, id, sub)
	return id, sub.ch, nil
}

// Unsubscribe removes the subscription and closes its channel.
func (b *MemoryBus) Unsubscribe(id SubscriptionID) {
	if id == "" {
		return
	}
	b.mu.RLock()
	var found *subscriber
	for _, subs := range b.subscribers {
		if sub, ok := subs[id]; ok {
			found = sub
			break
		}
	}
	b.mu.RUnlock()
	if found != nil {
		// observe performs the removal once the subscriber context ends.
		found.cancel()
	}
}

// Close shuts down the bus and all subscriptions.
func (b *MemoryBus) Close() {
	b.shutdownOnce.Do(func() {
		b.cancel()
		b.mu.Lock()
		for typ, subs := range b.subscribers {
			for id, sub := range subs {
				sub.close()
				delete(subs, id)
			}
			delete(b.subscribers, typ)
		}
		b.mu.Unlock()
	})
}

// Stats reports delivery counters.
func (b *MemoryBus) Stats() (published, dropped int64) {
	return b.published.Load(), b.dropped.Load()
}

func (b *MemoryBus) observe(typ schema.SignalType, id SubscriptionID, sub *subscriber) {
	select {
	case <-sub.ctx.Done():
	case <-b.ctx.Done():
	}
	b.mu.Lock()
	removed := false
	if subs := b.subscribers[typ]; subs != nil {
		if stored, ok := subs[id]; ok && stored == sub {
			delete(subs, id)
			removed = true
			if len(subs) == 0 {
				delete(b.subscribers, typ)
			}
		}
	}
	b.mu.Unlock()
	sub.close()
	if removed {
		b.subscriberGauge.Add(context.Background(), -1, metric.WithAttributes(
			attribute.String("environment", telemetry.Environment()),
			attribute.String("event_type", string(typ))))
	}
}

func (b *MemoryBus) dispatch(ctx context.Context, subs []*subscriber, evt schema.ResolvedEvent) error {
	p := concpool.New().WithMaxGoroutines(b.cfg.FanoutWorkers).WithErrors()
	for _, sub := range subs {
		s := sub
		p.Go(func() error {
			return b.deliver(ctx, s, evt)
		})
	}
	if err := p.Wait(); err != nil {
		return fmt.Errorf("eventbus/dispatch: %w", err)
	}
	return nil
}

func (b *MemoryBus) deliver(ctx context.Context, sub *subscriber, evt schema.ResolvedEvent) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("deliver context: %w", err)
	}
	sub.mu.Lock()
	defer sub.mu.Unlock()
	if sub.closed {
		return nil
	}
	select {
	case sub.ch <- evt:
		return nil
	default:
	}
	// Drop oldest; the subscriber lock keeps concurrent publishers from racing the slot.
	select {
	case old := <-sub.ch:
		b.dropped.Add(1)
		b.logger.Info("eventbus subscriber buffer full; dropped oldest event",
			observability.F("type", string(old.Event.Type)),
			observability.F("symbol", old.Event.Symbol),
			observability.F("id", old.ID))
		b.deliveryBlockedCounter.Add(ctx, 1, metric.WithAttributes(telemetry.SignalAttributes(string(evt.Event.Type), string(evt.Context.Source))...))
	default:
	}
	select {
	case sub.ch <- evt:
		return nil
	default:
		return errs.New("eventbus/publish", errs.CodeUnavailable, errs.WithMessage("subscriber buffer full"))
	}
}

func (s *subscriber) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.cancel()
	close(s.ch)
}
