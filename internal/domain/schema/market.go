// Package schema defines the market events, signals and alerts flowing through the relay.
package schema

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/coachpo/marketrelay/internal/domain/errs"
)

// Kind identifies the payload variant of a MarketEvent and the channel type that processes it.
type Kind string

const (
	// KindTick designates tick-level trades.
	KindTick Kind = "tick"
	// KindAggregate designates periodic aggregate bars.
	KindAggregate Kind = "aggregate"
	// KindValuation designates third-party valuation estimates.
	KindValuation Kind = "valuation"
)

// Kinds lists every payload variant in routing order.
func Kinds() []Kind {
	return []Kind{KindTick, KindAggregate, KindValuation}
}

// Valid reports whether k names a known variant.
func (k Kind) Valid() bool {
	switch k {
	case KindTick, KindAggregate, KindValuation:
		return true
	default:
		return false
	}
}

// Source identifies the upstream feed family that produced an event.
type Source string

const (
	// SourceTick is a tick-by-tick trade feed.
	SourceTick Source = "tick"
	// SourceDirectStream is a direct venue stream.
	SourceDirectStream Source = "direct_stream"
	// SourceAggregate is a bar aggregation feed.
	SourceAggregate Source = "aggregate"
	// SourceValuation is a third-party valuation provider.
	SourceValuation Source = "valuation"
	// SourceSynthetic is a locally derived feed.
	SourceSynthetic Source = "synthetic"
)

var sourcePriorities = map[Source]int{
	SourceTick:         5,
	SourceDirectStream: 4,
	SourceAggregate:    3,
	SourceValuation:    2,
	SourceSynthetic:    1,
}

// Priority returns the static ordinal used as the primary coordination tie-break.
// Unknown sources rank below every known source.
func (s Source) Priority() int {
	return sourcePriorities[s]
}

// Valid reports whether s names a known source.
func (s Source) Valid() bool {
	_, ok := sourcePriorities[s]
	return ok
}

// ParseSource normalises text into a Source.
func ParseSource(text string) (Source, error) {
	src := Source(strings.ToLower(strings.TrimSpace(text)))
	if !src.Valid() {
		return "", errs.New("schema/source", errs.CodeInvalid, errs.WithMessage("unknown source "+strings.TrimSpace(text)))
	}
	return src, nil
}

// Envelope carries the fields shared by every MarketEvent variant.
// Timestamp keeps both wall clock and monotonic readings when produced by time.Now.
type Envelope struct {
	ID        string    `json:"id"`
	Symbol    string    `json:"symbol"`
	Source    Source    `json:"source"`
	Timestamp time.Time `json:"timestamp"`
}

func (e Envelope) validate(component string) error {
	if strings.TrimSpace(e.Symbol) == "" {
		return errs.New(component, errs.CodeInvalid, errs.WithMessage("symbol required"))
	}
	if !e.Source.Valid() {
		return errs.New(component, errs.CodeInvalid, errs.WithMessage("source required"), errs.WithField("source", string(e.Source)))
	}
	if e.Timestamp.IsZero() {
		return errs.New(component, errs.CodeInvalid, errs.WithMessage("timestamp required"))
	}
	return nil
}

// MarketEvent is the closed union of TickEvent, AggregateEvent and ValuationEvent.
// Values are passed by value and never mutated after construction.
type MarketEvent interface {
	Kind() Kind
	Meta() Envelope
	Validate() error
	sealed()
}

// TickEvent is a single trade print.
type TickEvent struct {
	Envelope
	Price  decimal.Decimal `json:"price"`
	Volume decimal.Decimal `json:"volume"`
}

// Kind implements MarketEvent.
func (TickEvent) Kind() Kind { return KindTick }

// Meta implements MarketEvent.
func (e TickEvent) Meta() Envelope { return e.Envelope }

// Validate implements MarketEvent.
func (e TickEvent) Validate() error {
	if err := e.validate("schema/tick"); err != nil {
		return err
	}
	if !e.Price.IsPositive() {
		return errs.New("schema/tick", errs.CodeInvalid, errs.WithMessage("price must be > 0"))
	}
	if e.Volume.IsNegative() {
		return errs.New("schema/tick", errs.CodeInvalid, errs.WithMessage("volume must be >= 0"))
	}
	return nil
}

func (TickEvent) sealed() {}

// AggregateEvent is an OHLCV bar over Interval (e.g. "1s", "1m").
// AvgVolume, when positive, is the provider-supplied trailing average volume.
type AggregateEvent struct {
	Envelope
	Interval  string          `json:"interval"`
	Open      decimal.Decimal `json:"open"`
	High      decimal.Decimal `json:"high"`
	Low       decimal.Decimal `json:"low"`
	Close     decimal.Decimal `json:"close"`
	Volume    decimal.Decimal `json:"volume"`
	AvgVolume decimal.Decimal `json:"avgVolume"`
}

// Kind implements MarketEvent.
func (AggregateEvent) Kind() Kind { return KindAggregate }

// Meta implements MarketEvent.
func (e AggregateEvent) Meta() Envelope { return e.Envelope }

// Validate implements MarketEvent.
func (e AggregateEvent) Validate() error {
	if err := e.validate("schema/aggregate"); err != nil {
		return err
	}
	if !e.Open.IsPositive() || !e.Close.IsPositive() || !e.High.IsPositive() || !e.Low.IsPositive() {
		return errs.New("schema/aggregate", errs.CodeInvalid, errs.WithMessage("open, high, low and close must be > 0"))
	}
	if e.High.LessThan(e.Low) {
		return errs.New("schema/aggregate", errs.CodeInvalid, errs.WithMessage("high must be >= low"))
	}
	if e.Volume.IsNegative() {
		return errs.New("schema/aggregate", errs.CodeInvalid, errs.WithMessage("volume must be >= 0"))
	}
	return nil
}

// PriceChangePct returns (close-open)/open in percent.
func (e AggregateEvent) PriceChangePct() decimal.Decimal {
	if !e.Open.IsPositive() {
		return decimal.Zero
	}
	return e.Close.Sub(e.Open).Div(e.Open).Mul(hundred)
}

func (AggregateEvent) sealed() {}

// ValuationEvent is a third-party estimate of fair value alongside the observed market price.
type ValuationEvent struct {
	Envelope
	EstimatedValue decimal.Decimal `json:"estimatedValue"`
	MarketPrice    decimal.Decimal `json:"marketPrice"`
	Confidence     float64         `json:"confidence"`
}

// Kind implements MarketEvent.
func (ValuationEvent) Kind() Kind { return KindValuation }

// Meta implements MarketEvent.
func (e ValuationEvent) Meta() Envelope { return e.Envelope }

// Validate implements MarketEvent.
func (e ValuationEvent) Validate() error {
	if err := e.validate("schema/valuation"); err != nil {
		return err
	}
	if !e.EstimatedValue.IsPositive() || !e.MarketPrice.IsPositive() {
		return errs.New("schema/valuation", errs.CodeInvalid, errs.WithMessage("estimated value and market price must be > 0"))
	}
	if e.Confidence < 0 || e.Confidence > 1 {
		return errs.New("schema/valuation", errs.CodeInvalid, errs.WithMessage("confidence must be within [0,1]"))
	}
	return nil
}

// DeviationPct returns |estimated-market|/market in percent.
func (e ValuationEvent) DeviationPct() decimal.Decimal {
	if !e.MarketPrice.IsPositive() {
		return decimal.Zero
	}
	return e.EstimatedValue.Sub(e.MarketPrice).Abs().Div(e.MarketPrice).Mul(hundred)
}

func (ValuationEvent) sealed() {}

var hundred = decimal.NewFromInt(100)

// ValidateEvent checks a possibly nil MarketEvent.
func ValidateEvent(evt MarketEvent) error {
	if evt == nil {
		return errs.New("schema/event", errs.CodeInvalid, errs.WithMessage("event required"))
	}
	return evt.Validate()
}
