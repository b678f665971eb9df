package channel

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/coachpo/marketrelay/internal/domain/schema"
)

func bar(symbol, open, close, volume, avg string) schema.AggregateEvent {
	return schema.AggregateEvent{
		Envelope:  schema.Envelope{Symbol: symbol, Source: schema.SourceAggregate, Timestamp: time.Now()},
		Interval:  "1m",
		Open:      decimal.RequireFromString(open),
		High:      decimal.RequireFromString(close),
		Low:       decimal.RequireFromString(open),
		Close:     decimal.RequireFromString(close),
		Volume:    decimal.RequireFromString(volume),
		AvgVolume: decimal.RequireFromString(avg),
	}
}

func TestAggregateSurgeScenario(t *testing.T) {
	p := NewAggregateProcessor(DefaultProcessorConfig().Aggregate, DefaultProcessorConfig().Detectors)

	outcome, err := p.Process(bar("MSFT", "100", "101.8", "2100", "1000"))
	require.NoError(t, err)
	require.False(t, outcome.Filtered)
	require.Len(t, outcome.Signals, 1)

	sig := outcome.Signals[0]
	require.Equal(t, schema.SignalSurge, sig.Type)
	require.Equal(t, schema.FrequencyMinute, sig.Frequency)
	require.InDelta(t, 1.8, sig.Metrics[schema.MetricPercentChange], 1e-9)
	require.InDelta(t, 2.1, sig.Metrics[schema.MetricVolumeMultiple], 1e-9)
}

func TestAggregateFilters(t *testing.T) {
	cases := []struct {
		name   string
		evt    schema.AggregateEvent
		reason string
	}{
		{"small move", bar("MSFT", "100", "100.5", "5000", "1000"), "price_change"},
		{"thin volume", bar("MSFT", "100", "102", "1200", "1000"), "volume_multiple"},
		{"no baseline", bar("IBM", "100", "102", "1200", "0"), "no_volume_baseline"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p := NewAggregateProcessor(DefaultProcessorConfig().Aggregate, DefaultProcessorConfig().Detectors)
			outcome, err := p.Process(tc.evt)
			require.NoError(t, err)
			require.True(t, outcome.Filtered)
			require.Equal(t, tc.reason, outcome.Reason)
		})
	}
}

func TestAggregateTrailingVolumeFromHistory(t *testing.T) {
	p := NewAggregateProcessor(AggregateConfig{MinPercentChange: 1, MinVolumeMultiple: 1.5, VolumeLookback: 3}, DefaultProcessorConfig().Detectors)
	for i := 0; i < 3; i++ {
		_, err := p.Process(bar("IBM", "100", "100", "1000", "0"))
		require.NoError(t, err)
	}
	outcome, err := p.Process(bar("IBM", "100", "102", "2500", "0"))
	require.NoError(t, err)
	require.False(t, outcome.Filtered)
	require.Len(t, outcome.Signals, 1)
	require.Equal(t, schema.SignalSurge, outcome.Signals[0].Type)
	require.InDelta(t, 2.5, outcome.Signals[0].Metrics[schema.MetricVolumeMultiple], 1e-9)
}

func TestAggregateFrequencyByInterval(t *testing.T) {
	require.Equal(t, schema.FrequencySecond, aggregateFrequency("1s"))
	require.Equal(t, schema.FrequencyMinute, aggregateFrequency("5m"))
}

func TestValuationLowConfidenceDropped(t *testing.T) {
	p := NewValuationProcessor(DefaultProcessorConfig().Valuation, DefaultProcessorConfig().Detectors)
	outcome, err := p.Process(schema.ValuationEvent{
		Envelope:       schema.Envelope{Symbol: "TSLA", Source: schema.SourceValuation, Timestamp: time.Now()},
		EstimatedValue: decimal.NewFromInt(250),
		MarketPrice:    decimal.NewFromInt(248),
		Confidence:     0.5,
	})
	require.NoError(t, err)
	require.True(t, outcome.Filtered)
	require.Equal(t, "confidence", outcome.Reason)
	require.Empty(t, outcome.Signals)
}

func TestValuationDeviationDropped(t *testing.T) {
	p := NewValuationProcessor(DefaultProcessorConfig().Valuation, DefaultProcessorConfig().Detectors)
	outcome, err := p.Process(schema.ValuationEvent{
		Envelope:       schema.Envelope{Symbol: "TSLA", Source: schema.SourceValuation, Timestamp: time.Now()},
		EstimatedValue: decimal.NewFromInt(300),
		MarketPrice:    decimal.NewFromInt(250),
		Confidence:     0.9,
	})
	require.NoError(t, err)
	require.True(t, outcome.Filtered)
	require.Equal(t, "deviation", outcome.Reason)
}

func TestValuationMetricsCarryConfidence(t *testing.T) {
	p := NewValuationProcessor(DefaultProcessorConfig().Valuation, DefaultProcessorConfig().Detectors)
	base := schema.ValuationEvent{
		Envelope:       schema.Envelope{Symbol: "TSLA", Source: schema.SourceValuation, Timestamp: time.Now()},
		EstimatedValue: decimal.NewFromInt(250),
		MarketPrice:    decimal.NewFromInt(250),
		Confidence:     0.8,
	}
	_, err := p.Process(base)
	require.NoError(t, err)

	base.EstimatedValue = decimal.NewFromInt(255)
	outcome, err := p.Process(base)
	require.NoError(t, err)
	require.Len(t, outcome.Signals, 1)
	require.Equal(t, schema.SignalHigh, outcome.Signals[0].Type)
	require.InDelta(t, 0.8, outcome.Signals[0].Metrics[schema.MetricConfidence], 1e-9)
	require.InDelta(t, 2.0, outcome.Signals[0].Metrics[schema.MetricDeviationPct], 1e-9)
}

func TestTickUniverseAndPriorityFilters(t *testing.T) {
	p := NewTickProcessor(TickConfig{Universe: []string{"aapl"}, MinSourcePriority: 5}, DefaultProcessorConfig().Detectors)

	outcome, err := p.Process(tick("MSFT", "1"))
	require.NoError(t, err)
	require.Equal(t, "outside_universe", outcome.Reason)

	synthetic := tick("AAPL", "1")
	synthetic.Source = schema.SourceSynthetic
	outcome, err = p.Process(synthetic)
	require.NoError(t, err)
	require.Equal(t, "source_priority", outcome.Reason)

	outcome, err = p.Process(tick("AAPL", "1"))
	require.NoError(t, err)
	require.False(t, outcome.Filtered)
}

func TestProcessorRejectsWrongVariant(t *testing.T) {
	p := NewValuationProcessor(ValuationConfig{}, DetectorConfig{})
	_, err := p.Process(tick("AAPL", "1"))
	require.Error(t, err)
}

func TestNewProcessorUnknownKind(t *testing.T) {
	_, err := NewProcessor(schema.Kind("orderbook"), DefaultProcessorConfig())
	require.Error(t, err)
}
