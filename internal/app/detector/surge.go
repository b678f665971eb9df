package detector

import (
	"time"

	"github.com/coachpo/marketrelay/internal/domain/schema"
)

// SurgeConfig tunes the Surge detector.
type SurgeConfig struct {
	// Lookback is the number of trailing periods in the rolling baseline.
	Lookback int
	// Multiple is the factor over baseline that must be exceeded.
	Multiple float64
	// MinSamples is the minimum history before the rolling baseline is trusted.
	MinSamples int
}

// DefaultSurgeConfig returns the detector defaults.
func DefaultSurgeConfig() SurgeConfig {
	return SurgeConfig{Lookback: 20, Multiple: 2.0, MinSamples: 5}
}

// Surge compares the current value against a trailing baseline per symbol.
type Surge struct {
	cfg    SurgeConfig
	states map[string]*window
}

// NewSurge constructs a Surge detector.
func NewSurge(cfg SurgeConfig) *Surge {
	def := DefaultSurgeConfig()
	if cfg.Lookback <= 0 {
		cfg.Lookback = def.Lookback
	}
	if cfg.Multiple <= 0 {
		cfg.Multiple = def.Multiple
	}
	if cfg.MinSamples <= 0 {
		cfg.MinSamples = def.MinSamples
	}
	if cfg.MinSamples > cfg.Lookback {
		cfg.MinSamples = cfg.Lookback
	}
	return &Surge{cfg: cfg, states: make(map[string]*window)}
}

// Observe evaluates value against baseline. A positive baseline is used as
// given; otherwise the rolling mean of the symbol's trailing values is used
// once MinSamples have been seen. The value is folded into history afterwards.
func (d *Surge) Observe(symbol string, value, baseline float64, at time.Time) (schema.DetectedEvent, bool) {
	state, ok := d.states[symbol]
	if !ok {
		state = newWindow(d.cfg.Lookback)
		d.states[symbol] = state
	}
	if baseline <= 0 && state.len() >= d.cfg.MinSamples {
		baseline = state.mean()
	}
	state.push(value)

	if baseline <= 0 || value <= d.cfg.Multiple*baseline {
		return schema.DetectedEvent{}, false
	}
	return schema.DetectedEvent{
		Symbol:     symbol,
		Type:       schema.SignalSurge,
		Magnitude:  value / baseline,
		Direction:  1,
		Value:      value,
		DetectedAt: at,
	}, true
}

// Reset drops all baselines.
func (d *Surge) Reset() {
	clear(d.states)
}
