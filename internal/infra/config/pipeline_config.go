package config

import (
	"github.com/coachpo/marketrelay/internal/app/channel"
	"github.com/coachpo/marketrelay/internal/app/coordinator"
	"github.com/coachpo/marketrelay/internal/app/detector"
	"github.com/coachpo/marketrelay/internal/app/distributor"
	"github.com/coachpo/marketrelay/internal/app/monitor"
	"github.com/coachpo/marketrelay/internal/app/pipeline"
	"github.com/coachpo/marketrelay/internal/app/router"
	"github.com/coachpo/marketrelay/internal/app/rules"
	"github.com/coachpo/marketrelay/internal/domain/schema"
	"github.com/coachpo/marketrelay/internal/infra/adapters/synthetic"
	"github.com/coachpo/marketrelay/internal/infra/telemetry"
)

// PipelineConfig translates the validated configuration into component settings.
func (c AppConfig) PipelineConfig() (pipeline.Config, error) {
	strategy, err := router.ParseStrategy(c.Router.Strategy)
	if err != nil {
		return pipeline.Config{}, err
	}
	overrides, err := rules.BuildOverrides(c.Coordination.Overrides)
	if err != nil {
		return pipeline.Config{}, err
	}

	var breakers map[schema.Kind]router.BreakerConfig
	if len(c.Router.CircuitBreakers) > 0 {
		breakers = make(map[schema.Kind]router.BreakerConfig, len(c.Router.CircuitBreakers))
		for kind, cb := range c.Router.CircuitBreakers {
			breakers[kind] = cb
		}
	}

	return pipeline.Config{
		IngressCapacity: c.IngressCapacity,
		Router: router.Config{
			Strategy:         strategy,
			Reroute:          c.Router.Reroute,
			HealthWindow:     c.Router.HealthWindow,
			DegradedBelow:    c.Router.DegradedBelow,
			UnavailableBelow: c.Router.UnavailableBelow,
			Breaker:          c.Router.CircuitBreaker,
			Breakers:         breakers,
		},
		Channels: []pipeline.ChannelSpec{
			channelSpec(schema.KindTick, c.Channels.Tick),
			channelSpec(schema.KindAggregate, c.Channels.Aggregate),
			channelSpec(schema.KindValuation, c.Channels.Valuation),
		},
		Processors: channel.ProcessorConfig{
			Detectors: channel.DetectorConfig{
				Surge: detector.SurgeConfig{
					Lookback:   c.Detectors.Surge.Lookback,
					Multiple:   c.Detectors.Surge.Multiple,
					MinSamples: c.Detectors.Surge.MinSamples,
				},
				Trend: detector.TrendConfig{
					Windows:     append([]int(nil), c.Detectors.Trend.Windows...),
					MinSlopePct: c.Detectors.Trend.MinSlopePct,
				},
			},
			Tick: channel.TickConfig{
				Universe:          append([]string(nil), c.Channels.Tick.Universe...),
				MinSourcePriority: c.Channels.Tick.MinSourcePriority,
			},
			Aggregate: channel.AggregateConfig{
				MinPercentChange:  c.Channels.Aggregate.MinPercentChange,
				MinVolumeMultiple: c.Channels.Aggregate.MinVolumeMultiple,
				VolumeLookback:    c.Channels.Aggregate.VolumeLookback,
			},
			Valuation: channel.ValuationConfig{
				MinConfidence:   c.Channels.Valuation.MinConfidence,
				MaxDeviationPct: c.Channels.Valuation.MaxDeviationPct,
			},
		},
		Rules: c.Rules.Clone(),
		Coordinator: coordinator.Config{
			Window:        c.Coordination.Window,
			SweepInterval: c.Coordination.SweepInterval,
			Overrides:     overrides,
		},
		Distributor: distributor.Config{
			Frequencies:        append([]string(nil), c.Distributor.Frequencies...),
			DefaultCapacity:    c.Distributor.DefaultCapacity,
			Capacities:         copyMap(c.Distributor.Capacities),
			InboxCapacity:      c.Distributor.InboxCapacity,
			CollectInterval:    c.Distributor.CollectInterval,
			DistributeInterval: c.Distributor.DistributeInterval,
			Cadences:           copyMap(c.Distributor.Cadences),
		},
		Monitor: monitor.Config{
			Interval:    c.Monitor.Interval,
			Debounce:    c.Monitor.Debounce,
			HistorySize: c.Monitor.HistorySize,
			NotifyRate:  c.Monitor.NotifyRate,
			NotifyBurst: c.Monitor.NotifyBurst,
			Thresholds: monitor.Thresholds{
				QueueWarning:          c.Monitor.Thresholds.QueueWarning,
				QueueCritical:         c.Monitor.Thresholds.QueueCritical,
				MinSuccessRate:        c.Monitor.Thresholds.MinSuccessRate,
				MaxRoutingFailureRate: c.Monitor.Thresholds.MaxRoutingFailureRate,
				MaxHeapBytes:          c.Monitor.Thresholds.MaxHeapBytes,
			},
		},
		ForwardWorkers: c.Distributor.ForwardWorkers,
		ForwardQueue:   c.Distributor.ForwardQueue,
	}, nil
}

// TelemetryProviderConfig merges the telemetry section over environment defaults.
func (c AppConfig) TelemetryProviderConfig() telemetry.Config {
	cfg := telemetry.DefaultConfig()
	cfg.Enabled = cfg.Enabled || c.Telemetry.EnableMetrics
	if c.Telemetry.OTLPEndpoint != "" {
		cfg.OTLPEndpoint = c.Telemetry.OTLPEndpoint
	}
	if c.Telemetry.ServiceName != "" {
		cfg.ServiceName = c.Telemetry.ServiceName
	}
	cfg.OTLPInsecure = cfg.OTLPInsecure || c.Telemetry.OTLPInsecure
	cfg.Environment = string(c.Environment)
	return cfg
}

// SyntheticOptions translates the synthetic feed section.
func (c AppConfig) SyntheticOptions() synthetic.Options {
	feed := c.Feed.Synthetic
	return synthetic.Options{
		Symbols:           append([]string(nil), feed.Symbols...),
		TickInterval:      feed.TickInterval,
		BarInterval:       feed.BarInterval,
		ValuationInterval: feed.ValuationInterval,
		PriceModel: synthetic.PriceModel{
			Volatility:       feed.Volatility,
			ShockProbability: feed.ShockProbability,
			ShockMagnitude:   feed.ShockMagnitude,
		},
		Seed: feed.Seed,
	}
}

func channelSpec(kind schema.Kind, c ChannelConfig) pipeline.ChannelSpec {
	return pipeline.ChannelSpec{
		Kind:          kind,
		Replicas:      c.Replicas,
		QueueCapacity: c.QueueCapacity,
		LatencyBudget: c.LatencyBudget,
	}
}

func copyMap[K comparable, V any](in map[K]V) map[K]V {
	if in == nil {
		return nil
	}
	out := make(map[K]V, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
