// Package router classifies market events and dispatches them to channel replicas.
package router

import (
	"context"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/marketrelay/internal/domain/errs"
	"github.com/coachpo/marketrelay/internal/domain/schema"
	"github.com/coachpo/marketrelay/internal/infra/telemetry"
	"github.com/coachpo/marketrelay/internal/observability"
)

// Target is the router's view of a channel replica.
type Target interface {
	Name() string
	Kind() schema.Kind
	TryEnqueue(evt schema.MarketEvent, epoch uint64) bool
	Depth() int
	Capacity() int
}

// Status is the outcome class of a route call.
type Status string

// Route outcomes.
const (
	StatusRouted   Status = "ROUTED"
	StatusRerouted Status = "REROUTED"
	StatusRejected Status = "REJECTED"
)

// Reason explains a rejection.
type Reason string

// Rejection reasons.
const (
	ReasonQueueFull   Reason = "QUEUE_FULL"
	ReasonCircuitOpen Reason = "CIRCUIT_OPEN"
	ReasonNoChannel   Reason = "NO_CHANNEL"
	ReasonInvalid     Reason = "INVALID"
)

// RouteResult reports where an event went.
type RouteResult struct {
	Status  Status `json:"status"`
	Channel string `json:"channel,omitempty"`
	Reason  Reason `json:"reason,omitempty"`
}

// Accepted reports whether the event was enqueued somewhere.
func (r RouteResult) Accepted() bool {
	return r.Status == StatusRouted || r.Status == StatusRerouted
}

// Config tunes routing.
type Config struct {
	Strategy Strategy
	// Reroute allows falling back to same-kind backup replicas.
	Reroute          bool
	HealthWindow     int
	DegradedBelow    float64
	UnavailableBelow float64
	Breaker          BreakerConfig
	// Breakers overrides Breaker per channel kind.
	Breakers map[schema.Kind]BreakerConfig
}

// DefaultConfig returns HEALTH_BASED routing with rerouting enabled.
func DefaultConfig() Config {
	return Config{
		Strategy:         StrategyHealthBased,
		Reroute:          true,
		HealthWindow:     100,
		DegradedBelow:    0.95,
		UnavailableBelow: 0.5,
		Breaker:          DefaultBreakerConfig(),
	}
}

// Option configures a Router.
type Option func(*Router)

// WithClock overrides the time source used by breaker cooldowns.
func WithClock(now func() time.Time) Option {
	return func(r *Router) { r.now = now }
}

// WithLogger overrides the router logger.
func WithLogger(l observability.Logger) Option {
	return func(r *Router) { r.logger = l }
}

type entry struct {
	target   Target
	breaker  *breaker
	window   *successWindow
	lastUsed uint64
	routed   uint64
	rejected uint64
}

func (e *entry) load() float64 {
	capacity := e.target.Capacity()
	if capacity <= 0 {
		return 1
	}
	return float64(e.target.Depth()) / float64(capacity)
}

// Totals aggregates routing counters.
type Totals struct {
	Routed   uint64            `json:"routed"`
	Rerouted uint64            `json:"rerouted"`
	Rejected map[Reason]uint64 `json:"rejected"`
}

// RejectedTotal sums rejections across reasons.
func (t Totals) RejectedTotal() uint64 {
	var sum uint64
	for _, n := range t.Rejected {
		sum += n
	}
	return sum
}

// ChannelState is the router-owned supervision state of a channel.
type ChannelState struct {
	Name                string       `json:"name"`
	Kind                schema.Kind  `json:"kind"`
	Health              Health       `json:"health"`
	Circuit             CircuitState `json:"circuit"`
	ConsecutiveFailures int          `json:"consecutiveFailures"`
	LastFailureAt       *time.Time   `json:"lastFailureAt,omitempty"`
	SuccessRate         float64      `json:"successRate"`
	Samples             int          `json:"samples"`
	Depth               int          `json:"depth"`
	Capacity            int          `json:"capacity"`
	Routed              uint64       `json:"routed"`
	Rejected            uint64       `json:"rejected"`
}

// Router owns channel health and circuit state.
type Router struct {
	cfg      Config
	strategy Strategy
	logger   observability.Logger
	now      func() time.Time

	mu      sync.Mutex
	entries map[string]*entry
	byKind  map[schema.Kind][]*entry
	cursor  map[schema.Kind]int
	seq     uint64
	totals  Totals

	routedCounter   metric.Int64Counter
	reroutedCounter metric.Int64Counter
	rejectedCounter metric.Int64Counter
}

// New constructs a Router. Unknown strategies fail.
func New(cfg Config, opts ...Option) (*Router, error) {
	strategy, err := ParseStrategy(string(cfg.Strategy))
	if err != nil {
		return nil, err
	}
	def := DefaultConfig()
	if cfg.HealthWindow <= 0 {
		cfg.HealthWindow = def.HealthWindow
	}
	if cfg.DegradedBelow <= 0 {
		cfg.DegradedBelow = def.DegradedBelow
	}
	if cfg.UnavailableBelow <= 0 {
		cfg.UnavailableBelow = def.UnavailableBelow
	}
	if cfg.UnavailableBelow > cfg.DegradedBelow {
		return nil, errs.New("router", errs.CodeInvalid, errs.WithMessage("unavailableBelow must not exceed degradedBelow"))
	}
	cfg.Breaker = cfg.Breaker.normalise()

	r := &Router{
		cfg:      cfg,
		strategy: strategy,
		now:      time.Now,
		entries:  make(map[string]*entry),
		byKind:   make(map[schema.Kind][]*entry),
		cursor:   make(map[schema.Kind]int),
		totals:   Totals{Rejected: make(map[Reason]uint64)},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	r.logger = observability.OrDefault(r.logger)

	meter := otel.Meter("router")
	r.routedCounter, _ = meter.Int64Counter("router.events.routed",
		metric.WithDescription("Events enqueued on their primary channel"),
		metric.WithUnit("{event}"))
	r.reroutedCounter, _ = meter.Int64Counter("router.events.rerouted",
		metric.WithDescription("Events enqueued on a backup channel"),
		metric.WithUnit("{event}"))
	r.rejectedCounter, _ = meter.Int64Counter("router.events.rejected",
		metric.WithDescription("Events rejected by the router"),
		metric.WithUnit("{event}"))
	return r, nil
}

// Strategy returns the active routing strategy.
func (r *Router) Strategy() Strategy { return r.strategy }

// Register adds a channel replica. Names must be unique.
func (r *Router) Register(target Target) error {
	if target == nil {
		return errs.New("router", errs.CodeInvalid, errs.WithMessage("target required"))
	}
	name := strings.TrimSpace(target.Name())
	if !target.Kind().Valid() {
		return errs.New("router", errs.CodeInvalid, errs.WithMessage("unknown channel kind"), errs.WithField("channel", name))
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.entries[name]; exists {
		return errs.New("router", errs.CodeConflict, errs.WithMessage("channel already registered"), errs.WithField("channel", name))
	}
	cfg := r.cfg.Breaker
	if override, ok := r.cfg.Breakers[target.Kind()]; ok {
		cfg = override
	}
	e := &entry{target: target, breaker: newBreaker(cfg), window: newSuccessWindow(r.cfg.HealthWindow)}
	r.entries[name] = e
	r.byKind[target.Kind()] = append(r.byKind[target.Kind()], e)
	return nil
}

// Route classifies evt and enqueues it without blocking.
func (r *Router) Route(ctx context.Context, evt schema.MarketEvent) RouteResult {
	if err := schema.ValidateEvent(evt); err != nil {
		r.logger.Debug("router dropped invalid event", observability.F("error", err))
		return r.reject(ctx, kindOf(evt), ReasonInvalid, nil)
	}
	kind := classify(evt)

	r.mu.Lock()
	defer r.mu.Unlock()

	candidates := r.byKind[kind]
	if len(candidates) == 0 {
		return r.rejectLocked(ctx, kind, ReasonNoChannel, nil)
	}
	ordered := r.order(kind, candidates, evt)
	now := r.now()
	reason := ReasonNoChannel
	var primary *entry
	for i, e := range ordered {
		if i == 0 {
			primary = e
		} else if !r.cfg.Reroute {
			break
		}
		epoch, ok := e.breaker.allow(now)
		if !ok {
			reason = ReasonCircuitOpen
			continue
		}
		if !e.target.TryEnqueue(evt, epoch) {
			e.breaker.release()
			reason = ReasonQueueFull
			continue
		}
		r.seq++
		e.lastUsed = r.seq
		e.routed++
		if i == 0 {
			r.totals.Routed++
			r.routedCounter.Add(ctx, 1, metric.WithAttributes(telemetry.RouteAttributes(string(kind), "routed", "")...))
			return RouteResult{Status: StatusRouted, Channel: e.target.Name()}
		}
		r.totals.Rerouted++
		r.reroutedCounter.Add(ctx, 1, metric.WithAttributes(telemetry.RouteAttributes(string(kind), "rerouted", string(reason))...))
		return RouteResult{Status: StatusRerouted, Channel: e.target.Name(), Reason: reason}
	}
	return r.rejectLocked(ctx, kind, reason, primary)
}

func (r *Router) reject(ctx context.Context, kind schema.Kind, reason Reason, primary *entry) RouteResult {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rejectLocked(ctx, kind, reason, primary)
}

func (r *Router) rejectLocked(ctx context.Context, kind schema.Kind, reason Reason, primary *entry) RouteResult {
	r.totals.Rejected[reason]++
	result := RouteResult{Status: StatusRejected, Reason: reason}
	if primary != nil {
		primary.rejected++
		result.Channel = primary.target.Name()
	}
	r.rejectedCounter.Add(ctx, 1, metric.WithAttributes(telemetry.RouteAttributes(string(kind), "rejected", string(reason))...))
	return result
}

// ReportResult implements channel.Reporter. Every outcome feeds the health
// window; only outcomes from the breaker's current epoch move the circuit.
func (r *Router) ReportResult(channel string, epoch uint64, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, exists := r.entries[channel]
	if !exists {
		return
	}
	e.window.record(ok)
	if e.breaker.record(epoch, ok, r.now()) {
		r.logger.Info("circuit state changed",
			observability.F("channel", channel),
			observability.F("state", string(e.breaker.state)),
			observability.F("failures", e.breaker.failures))
	}
}

// Snapshot returns the supervision state of every channel, ordered by registration.
func (r *Router) Snapshot() []ChannelState {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]ChannelState, 0, len(r.entries))
	for _, kind := range schema.Kinds() {
		for _, e := range r.byKind[kind] {
			state := ChannelState{
				Name:                e.target.Name(),
				Kind:                kind,
				Health:              r.health(e),
				Circuit:             e.breaker.state,
				ConsecutiveFailures: e.breaker.failures,
				SuccessRate:         e.window.rate(),
				Samples:             e.window.samples(),
				Depth:               e.target.Depth(),
				Capacity:            e.target.Capacity(),
				Routed:              e.routed,
				Rejected:            e.rejected,
			}
			if !e.breaker.lastFailureAt.IsZero() {
				at := e.breaker.lastFailureAt
				state.LastFailureAt = &at
			}
			out = append(out, state)
		}
	}
	return out
}

// Totals returns a copy of the routing counters.
func (r *Router) Totals() Totals {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := Totals{Routed: r.totals.Routed, Rerouted: r.totals.Rerouted, Rejected: make(map[Reason]uint64, len(r.totals.Rejected))}
	for k, v := range r.totals.Rejected {
		out.Rejected[k] = v
	}
	return out
}

// health derives availability; callers hold the lock.
func (r *Router) health(e *entry) Health {
	if e.breaker.state == CircuitOpen {
		return HealthUnavailable
	}
	rate := e.window.rate()
	switch {
	case rate < r.cfg.UnavailableBelow:
		return HealthUnavailable
	case rate < r.cfg.DegradedBelow:
		return HealthDegraded
	default:
		return HealthHealthy
	}
}

// classify is the exhaustive variant match for inbound events.
func classify(evt schema.MarketEvent) schema.Kind {
	switch evt.(type) {
	case schema.TickEvent:
		return schema.KindTick
	case schema.AggregateEvent:
		return schema.KindAggregate
	case schema.ValuationEvent:
		return schema.KindValuation
	default:
		return evt.Kind()
	}
}

func kindOf(evt schema.MarketEvent) schema.Kind {
	if evt == nil {
		return ""
	}
	return evt.Kind()
}
