package channel

import (
	"strings"

	"github.com/coachpo/marketrelay/internal/app/detector"
	"github.com/coachpo/marketrelay/internal/domain/schema"
)

// TickProcessor applies universe and source-priority filtering only; every
// admitted tick reaches the detectors.
type TickProcessor struct {
	universe    map[string]struct{}
	minPriority int
	highLow     *detector.HighLow
	surge       *detector.Surge
	trend       *detector.Trend
}

// NewTickProcessor constructs a tick processor.
func NewTickProcessor(cfg TickConfig, det DetectorConfig) *TickProcessor {
	p := &TickProcessor{
		minPriority: cfg.MinSourcePriority,
		highLow:     detector.NewHighLow(),
		surge:       detector.NewSurge(det.Surge),
		trend:       detector.NewTrend(det.Trend),
	}
	if len(cfg.Universe) > 0 {
		p.universe = make(map[string]struct{}, len(cfg.Universe))
		for _, symbol := range cfg.Universe {
			p.universe[strings.ToUpper(strings.TrimSpace(symbol))] = struct{}{}
		}
	}
	return p
}

// Kind implements Processor.
func (p *TickProcessor) Kind() schema.Kind { return schema.KindTick }

// Process implements Processor.
func (p *TickProcessor) Process(evt schema.MarketEvent) (Outcome, error) {
	tick, ok := evt.(schema.TickEvent)
	if !ok {
		return Outcome{}, wrongKind(schema.KindTick, evt)
	}
	if p.universe != nil {
		if _, ok := p.universe[strings.ToUpper(tick.Symbol)]; !ok {
			return filtered("outside_universe"), nil
		}
	}
	if tick.Source.Priority() < p.minPriority {
		return filtered("source_priority"), nil
	}

	price := tick.Price.InexactFloat64()
	volume := tick.Volume.InexactFloat64()
	signals := p.highLow.Observe(tick.Symbol, price, price, tick.Timestamp)
	if evt, ok := p.surge.Observe(tick.Symbol, volume, 0, tick.Timestamp); ok {
		signals = append(signals, evt)
	}
	if evt, ok := p.trend.Observe(tick.Symbol, price, tick.Timestamp); ok {
		signals = append(signals, evt)
	}
	return Outcome{Signals: stamp(signals, schema.FrequencySecond, nil)}, nil
}

// Reset implements Processor.
func (p *TickProcessor) Reset() {
	p.highLow.Reset()
	p.surge.Reset()
	p.trend.Reset()
}
