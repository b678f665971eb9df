package detector

import (
	"math"
	"time"

	"github.com/markcheno/go-talib"

	"github.com/coachpo/marketrelay/internal/domain/schema"
)

// TrendConfig tunes the Trend detector.
type TrendConfig struct {
	// Windows are the trailing period lengths evaluated; each must be >= 2.
	Windows []int
	// MinSlopePct is the minimum absolute slope, in percent of the window mean per period,
	// for a window to vote.
	MinSlopePct float64
}

// DefaultTrendConfig returns the detector defaults.
func DefaultTrendConfig() TrendConfig {
	return TrendConfig{Windows: []int{5, 15, 60}, MinSlopePct: 0.05}
}

type trendState struct {
	values    *window
	direction int
}

// Trend evaluates linear-regression slopes over several trailing windows and
// emits when a majority of windows agree in sign beyond MinSlopePct. It emits
// once per established direction and re-arms when agreement breaks or flips.
type Trend struct {
	cfg       TrendConfig
	maxWindow int
	states    map[string]*trendState
}

// NewTrend constructs a Trend detector; windows shorter than 2 are dropped.
func NewTrend(cfg TrendConfig) *Trend {
	windows := make([]int, 0, len(cfg.Windows))
	for _, w := range cfg.Windows {
		if w >= 2 {
			windows = append(windows, w)
		}
	}
	if len(windows) == 0 {
		windows = DefaultTrendConfig().Windows
	}
	cfg.Windows = windows
	maxWindow := 0
	for _, w := range windows {
		if w > maxWindow {
			maxWindow = w
		}
	}
	return &Trend{cfg: cfg, maxWindow: maxWindow, states: make(map[string]*trendState)}
}

// Observe appends value to the symbol history and evaluates the windows.
func (d *Trend) Observe(symbol string, value float64, at time.Time) (schema.DetectedEvent, bool) {
	state, ok := d.states[symbol]
	if !ok {
		state = &trendState{values: newWindow(d.maxWindow)}
		d.states[symbol] = state
	}
	state.values.push(value)

	up, down := 0, 0
	var upSum, downSum float64
	for _, w := range d.cfg.Windows {
		if state.values.len() < w {
			continue
		}
		pct := slopePct(state.values.tail(w), w)
		if math.Abs(pct) < d.cfg.MinSlopePct {
			continue
		}
		if pct > 0 {
			up++
			upSum += pct
		} else {
			down++
			downSum -= pct
		}
	}

	majority := len(d.cfg.Windows)/2 + 1
	direction, votes, sum := 0, 0, 0.0
	switch {
	case up >= majority:
		direction, votes, sum = 1, up, upSum
	case down >= majority:
		direction, votes, sum = -1, down, downSum
	}
	if direction == 0 {
		state.direction = 0
		return schema.DetectedEvent{}, false
	}
	if direction == state.direction {
		return schema.DetectedEvent{}, false
	}
	state.direction = direction
	return schema.DetectedEvent{
		Symbol:     symbol,
		Type:       schema.SignalTrend,
		Magnitude:  sum / float64(votes),
		Direction:  direction,
		Value:      value,
		DetectedAt: at,
	}, true
}

// Reset drops all histories.
func (d *Trend) Reset() {
	clear(d.states)
}

func slopePct(series []float64, period int) float64 {
	slopes := talib.LinearRegSlope(series, period)
	slope := slopes[len(slopes)-1]
	mean := 0.0
	for _, v := range series {
		mean += v
	}
	mean /= float64(len(series))
	if mean == 0 {
		return 0
	}
	return slope / mean * 100
}
