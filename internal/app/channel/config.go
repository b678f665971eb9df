package channel

import (
	"github.com/coachpo/marketrelay/internal/app/detector"
)

// DetectorConfig tunes the detectors shared by every processor.
type DetectorConfig struct {
	Surge detector.SurgeConfig
	Trend detector.TrendConfig
}

// TickConfig holds tick channel filters. Empty Universe admits every symbol.
type TickConfig struct {
	Universe          []string
	MinSourcePriority int
}

// AggregateConfig holds aggregate channel filters.
type AggregateConfig struct {
	MinPercentChange  float64
	MinVolumeMultiple float64
	// VolumeLookback is the trailing bar count when a bar carries no average volume.
	VolumeLookback int
}

// ValuationConfig holds valuation channel filters.
type ValuationConfig struct {
	MinConfidence   float64
	MaxDeviationPct float64
}

// ProcessorConfig groups per-kind processor settings.
type ProcessorConfig struct {
	Detectors DetectorConfig
	Tick      TickConfig
	Aggregate AggregateConfig
	Valuation ValuationConfig
}

// DefaultProcessorConfig returns the documented channel thresholds.
func DefaultProcessorConfig() ProcessorConfig {
	return ProcessorConfig{
		Detectors: DetectorConfig{
			Surge: detector.DefaultSurgeConfig(),
			Trend: detector.DefaultTrendConfig(),
		},
		Aggregate: AggregateConfig{MinPercentChange: 1.0, MinVolumeMultiple: 1.5, VolumeLookback: 20},
		Valuation: ValuationConfig{MinConfidence: 0.7, MaxDeviationPct: 5.0},
	}
}
