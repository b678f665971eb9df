package channel

import (
	"math"
	"strings"

	"github.com/markcheno/go-talib"

	"github.com/coachpo/marketrelay/internal/app/detector"
	"github.com/coachpo/marketrelay/internal/domain/schema"
)

// AggregateProcessor gates bars on price change and relative volume before detection.
type AggregateProcessor struct {
	cfg     AggregateConfig
	volumes map[string][]float64
	highLow *detector.HighLow
	surge   *detector.Surge
	trend   *detector.Trend
}

// NewAggregateProcessor constructs an aggregate processor.
func NewAggregateProcessor(cfg AggregateConfig, det DetectorConfig) *AggregateProcessor {
	if cfg.VolumeLookback <= 0 {
		cfg.VolumeLookback = DefaultProcessorConfig().Aggregate.VolumeLookback
	}
	return &AggregateProcessor{
		cfg:     cfg,
		volumes: make(map[string][]float64),
		highLow: detector.NewHighLow(),
		surge:   detector.NewSurge(det.Surge),
		trend:   detector.NewTrend(det.Trend),
	}
}

// Kind implements Processor.
func (p *AggregateProcessor) Kind() schema.Kind { return schema.KindAggregate }

// Process implements Processor.
func (p *AggregateProcessor) Process(evt schema.MarketEvent) (Outcome, error) {
	bar, ok := evt.(schema.AggregateEvent)
	if !ok {
		return Outcome{}, wrongKind(schema.KindAggregate, evt)
	}

	volume := bar.Volume.InexactFloat64()
	trailing := bar.AvgVolume.InexactFloat64()
	if trailing <= 0 {
		trailing = p.trailingVolume(bar.Symbol)
	}
	p.pushVolume(bar.Symbol, volume)

	change := math.Abs(bar.PriceChangePct().InexactFloat64())
	if change < p.cfg.MinPercentChange {
		return filtered("price_change"), nil
	}
	if trailing <= 0 {
		return filtered("no_volume_baseline"), nil
	}
	multiple := volume / trailing
	if multiple < p.cfg.MinVolumeMultiple {
		return filtered("volume_multiple"), nil
	}

	high := bar.High.InexactFloat64()
	low := bar.Low.InexactFloat64()
	signals := p.highLow.Observe(bar.Symbol, high, low, bar.Timestamp)
	if evt, ok := p.surge.Observe(bar.Symbol, volume, trailing, bar.Timestamp); ok {
		signals = append(signals, evt)
	}
	if evt, ok := p.trend.Observe(bar.Symbol, bar.Close.InexactFloat64(), bar.Timestamp); ok {
		signals = append(signals, evt)
	}
	metrics := map[string]float64{
		schema.MetricPercentChange:  change,
		schema.MetricVolumeMultiple: multiple,
	}
	return Outcome{Signals: stamp(signals, aggregateFrequency(bar.Interval), metrics)}, nil
}

// Reset implements Processor. Volume history spans sessions and is kept.
func (p *AggregateProcessor) Reset() {
	p.highLow.Reset()
	p.surge.Reset()
	p.trend.Reset()
}

func (p *AggregateProcessor) trailingVolume(symbol string) float64 {
	history := p.volumes[symbol]
	if len(history) == 0 {
		return 0
	}
	sma := talib.Sma(history, len(history))
	return sma[len(sma)-1]
}

func (p *AggregateProcessor) pushVolume(symbol string, volume float64) {
	history := append(p.volumes[symbol], volume)
	if len(history) > p.cfg.VolumeLookback {
		history = history[len(history)-p.cfg.VolumeLookback:]
	}
	p.volumes[symbol] = history
}

func aggregateFrequency(interval string) string {
	switch strings.ToLower(strings.TrimSpace(interval)) {
	case "1s", "1sec", "second":
		return schema.FrequencySecond
	default:
		return schema.FrequencyMinute
	}
}
