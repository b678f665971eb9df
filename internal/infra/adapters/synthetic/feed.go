// Package synthetic generates a random-walk market feed of ticks, bars and
// valuations for local runs and soak tests.
package synthetic

import (
	"context"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/marketrelay/internal/domain/errs"
	"github.com/coachpo/marketrelay/internal/domain/schema"
	"github.com/coachpo/marketrelay/internal/infra/telemetry"
	"github.com/coachpo/marketrelay/internal/observability"
)

// Sink accepts generated events. pipeline.Pipeline satisfies it.
type Sink interface {
	Submit(evt schema.MarketEvent) error
}

// Feed emits events for a fixed symbol set on a ticker.
type Feed struct {
	opts   Options
	sink   Sink
	logger observability.Logger

	mu            sync.Mutex
	rng           *rand.Rand
	states        map[string]*symbolState
	lastValuation time.Time

	started   atomic.Bool
	submitted atomic.Uint64
	rejected  atomic.Uint64

	emitted metric.Int64Counter
}

// New builds a Feed that submits to sink.
func New(opts Options, sink Sink) (*Feed, error) {
	if sink == nil {
		return nil, errs.New("synthetic", errs.CodeInvalid, errs.WithMessage("sink required"))
	}
	opts = withDefaults(opts)
	f := &Feed{
		opts:   opts,
		sink:   sink,
		logger: observability.OrDefault(opts.Logger),
		rng:    rand.New(rand.NewPCG(opts.Seed, opts.Seed^0x9e3779b97f4a7c15)),
		states: make(map[string]*symbolState, len(opts.Symbols)),
	}
	for _, symbol := range opts.Symbols {
		f.states[symbol] = newSymbolState(symbol)
	}
	meter := otel.Meter("synthetic")
	f.emitted, _ = meter.Int64Counter("synthetic.events.emitted",
		metric.WithDescription("Synthetic market events submitted, by kind and outcome"),
		metric.WithUnit("{event}"))
	return f, nil
}

// Name identifies the feed in logs.
func (f *Feed) Name() string { return "synthetic" }

// Symbols returns the generated symbol set.
func (f *Feed) Symbols() []string { return append([]string(nil), f.opts.Symbols...) }

// Run submits generated events every tick interval until ctx is cancelled.
func (f *Feed) Run(ctx context.Context) {
	if !f.started.CompareAndSwap(false, true) {
		f.logger.Error("synthetic feed already running")
		return
	}
	f.logger.Info("synthetic feed started",
		observability.F("symbols", len(f.opts.Symbols)),
		observability.F("tickInterval", f.opts.TickInterval.String()))
	ticker := time.NewTicker(f.opts.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			submitted, rejected := f.Counts()
			f.logger.Info("synthetic feed stopped",
				observability.F("submitted", submitted),
				observability.F("rejected", rejected))
			return
		case <-ticker.C:
			f.submit(ctx, f.Step(f.opts.Clock()))
		}
	}
}

func (f *Feed) submit(ctx context.Context, events []schema.MarketEvent) {
	for _, evt := range events {
		outcome := "submitted"
		if err := f.sink.Submit(evt); err != nil {
			outcome = "rejected"
			f.rejected.Add(1)
			f.logger.Debug("synthetic event rejected",
				observability.F("kind", string(evt.Kind())),
				observability.F("symbol", evt.Meta().Symbol),
				observability.F("error", err))
		} else {
			f.submitted.Add(1)
		}
		if f.emitted != nil {
			f.emitted.Add(ctx, 1, metric.WithAttributes(
				telemetry.AttrEventKind.String(string(evt.Kind())),
				telemetry.AttrResult.String(outcome)))
		}
	}
}

// Step advances every symbol by one tick at now and returns the resulting
// events: one tick per symbol, a bar per symbol whose bar closed, and a
// valuation per symbol when the valuation interval elapsed.
func (f *Feed) Step(now time.Time) []schema.MarketEvent {
	f.mu.Lock()
	defer f.mu.Unlock()

	valuations := f.lastValuation.IsZero() || now.Sub(f.lastValuation) >= f.opts.ValuationInterval
	if valuations {
		f.lastValuation = now
	}
	out := make([]schema.MarketEvent, 0, len(f.opts.Symbols)*3)
	for _, symbol := range f.opts.Symbols {
		state := f.states[symbol]
		sign := 1.0
		if f.rng.IntN(2) == 0 {
			sign = -1
		}
		price := state.advance(f.opts.PriceModel, f.rng.NormFloat64(), f.rng.Float64(), sign)
		qty := defaultTradeMinQty + f.rng.Float64()*(defaultTradeMaxQty-defaultTradeMinQty)

		out = append(out, schema.TickEvent{
			Envelope: f.envelope(symbol, schema.SourceTick, now),
			Price:    toDecimal(price),
			Volume:   toDecimal(qty),
		})
		if bar := state.record(now, f.opts.BarInterval, price, qty); bar != nil {
			out = append(out, schema.AggregateEvent{
				Envelope: f.envelope(symbol, schema.SourceAggregate, now),
				Interval: intervalLabel(f.opts.BarInterval),
				Open:     toDecimal(bar.open),
				High:     toDecimal(bar.high),
				Low:      toDecimal(bar.low),
				Close:    toDecimal(bar.close),
				Volume:   toDecimal(bar.volume),
			})
		}
		if valuations {
			estimate := price * (1 + defaultValuationSpread*f.rng.NormFloat64())
			if estimate <= 0 {
				estimate = price
			}
			out = append(out, schema.ValuationEvent{
				Envelope:       f.envelope(symbol, schema.SourceValuation, now),
				EstimatedValue: toDecimal(estimate),
				MarketPrice:    toDecimal(price),
				Confidence:     0.5 + 0.5*f.rng.Float64(),
			})
		}
	}
	return out
}

// Counts returns submitted and rejected totals.
func (f *Feed) Counts() (submitted, rejected uint64) {
	return f.submitted.Load(), f.rejected.Load()
}

func (f *Feed) envelope(symbol string, source schema.Source, now time.Time) schema.Envelope {
	return schema.Envelope{ID: uuid.NewString(), Symbol: symbol, Source: source, Timestamp: now}
}

func toDecimal(v float64) decimal.Decimal {
	return decimal.NewFromFloat(v).Round(4)
}
