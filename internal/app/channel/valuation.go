package channel

import (
	"math"

	"github.com/coachpo/marketrelay/internal/app/detector"
	"github.com/coachpo/marketrelay/internal/domain/schema"
)

// ValuationProcessor drops low-confidence or implausibly deviating estimates.
type ValuationProcessor struct {
	cfg     ValuationConfig
	highLow *detector.HighLow
	trend   *detector.Trend
}

// NewValuationProcessor constructs a valuation processor.
func NewValuationProcessor(cfg ValuationConfig, det DetectorConfig) *ValuationProcessor {
	return &ValuationProcessor{
		cfg:     cfg,
		highLow: detector.NewHighLow(),
		trend:   detector.NewTrend(det.Trend),
	}
}

// Kind implements Processor.
func (p *ValuationProcessor) Kind() schema.Kind { return schema.KindValuation }

// Process implements Processor.
func (p *ValuationProcessor) Process(evt schema.MarketEvent) (Outcome, error) {
	val, ok := evt.(schema.ValuationEvent)
	if !ok {
		return Outcome{}, wrongKind(schema.KindValuation, evt)
	}
	if val.Confidence < p.cfg.MinConfidence {
		return filtered("confidence"), nil
	}
	deviation := math.Abs(val.DeviationPct().InexactFloat64())
	if deviation > p.cfg.MaxDeviationPct {
		return filtered("deviation"), nil
	}

	estimate := val.EstimatedValue.InexactFloat64()
	signals := p.highLow.Observe(val.Symbol, estimate, estimate, val.Timestamp)
	if evt, ok := p.trend.Observe(val.Symbol, estimate, val.Timestamp); ok {
		signals = append(signals, evt)
	}
	metrics := map[string]float64{
		schema.MetricConfidence:   val.Confidence,
		schema.MetricDeviationPct: deviation,
	}
	return Outcome{Signals: stamp(signals, schema.FrequencyMinute, metrics)}, nil
}

// Reset implements Processor.
func (p *ValuationProcessor) Reset() {
	p.highLow.Reset()
	p.trend.Reset()
}
