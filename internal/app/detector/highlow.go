package detector

import (
	"time"

	"github.com/coachpo/marketrelay/internal/domain/schema"
)

type extremes struct {
	high float64
	low  float64
}

// HighLow tracks running session extremes per symbol.
type HighLow struct {
	states map[string]*extremes
}

// NewHighLow constructs an empty HighLow detector.
func NewHighLow() *HighLow {
	return &HighLow{states: make(map[string]*extremes)}
}

// Observe folds a high/low pair into the session extremes and reports any
// value that strictly breaches the previously tracked extreme. The first
// observation of a symbol seeds the extremes without emitting.
func (d *HighLow) Observe(symbol string, high, low float64, at time.Time) []schema.DetectedEvent {
	state, ok := d.states[symbol]
	if !ok {
		d.states[symbol] = &extremes{high: high, low: low}
		return nil
	}
	var out []schema.DetectedEvent
	if high > state.high {
		out = append(out, schema.DetectedEvent{
			Symbol:     symbol,
			Type:       schema.SignalHigh,
			Magnitude:  pctBeyond(high, state.high),
			Direction:  1,
			Value:      high,
			DetectedAt: at,
		})
		state.high = high
	}
	if low < state.low {
		out = append(out, schema.DetectedEvent{
			Symbol:     symbol,
			Type:       schema.SignalLow,
			Magnitude:  pctBeyond(low, state.low),
			Direction:  -1,
			Value:      low,
			DetectedAt: at,
		})
		state.low = low
	}
	return out
}

// Reset forgets every tracked extreme; called at session boundaries.
func (d *HighLow) Reset() {
	clear(d.states)
}

// Symbols returns the number of tracked symbols.
func (d *HighLow) Symbols() int {
	return len(d.states)
}

func pctBeyond(value, reference float64) float64 {
	if reference == 0 {
		return 0
	}
	diff := (value - reference) / reference * 100
	if diff < 0 {
		return -diff
	}
	return diff
}
