package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/coachpo/marketrelay/internal/app/router"
	"github.com/coachpo/marketrelay/internal/domain/schema"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "app.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write temp config: %v", err)
	}
	return path
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(context.Background(), filepath.Join(t.TempDir(), "missing.yaml"))
	if err == nil {
		t.Fatalf("expected error when config file missing")
	}
}

func TestLoadOrDefaultFallsBack(t *testing.T) {
	cfg, loaded, err := LoadOrDefault(context.Background(), filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("LoadOrDefault failed: %v", err)
	}
	if loaded {
		t.Fatalf("expected defaults when file is missing")
	}
	if cfg.Coordination.Window != 500*time.Millisecond {
		t.Fatalf("expected default window 500ms, got %s", cfg.Coordination.Window)
	}
	if cfg.Router.CircuitBreaker.FailureThreshold != 5 || cfg.Router.CircuitBreaker.Cooldown != 30*time.Second {
		t.Fatalf("unexpected default breaker %+v", cfg.Router.CircuitBreaker)
	}
}

func TestLoadFromYAML(t *testing.T) {
	path := writeConfig(t, `
environment: STAGING
router:
  strategy: round_robin
  circuitBreaker:
    failureThreshold: 3
    cooldown: 10s
  circuitBreakers:
    Valuation:
      failureThreshold: 2
      cooldown: 1m
channels:
  tick:
    replicas: 2
    queueCapacity: 2000
    latencyBudget: 5ms
    universe: [aapl, " msft "]
rules:
  aggregate:
    minPercentChange: 2
coordination:
  window: 250ms
  sweepInterval: 25ms
  overrides:
    surge:
      strategy: Magnitude
distributor:
  capacities:
    high: 50
  cadences:
    per_second: 2s
apiServer:
  addr: ":9999"
database:
  dsn: postgresql://localhost:5432/relay?sslmode=disable
  maxConns: 32
  minConns: 4
  maxConnLifetime: 45m
`)
	cfg, err := Load(context.Background(), path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Environment != EnvStaging {
		t.Fatalf("expected environment %s, got %s", EnvStaging, cfg.Environment)
	}
	if cfg.Router.Strategy != string(router.StrategyRoundRobin) {
		t.Fatalf("expected normalised strategy, got %s", cfg.Router.Strategy)
	}
	if cb := cfg.Router.CircuitBreakers[schema.KindValuation]; cb.FailureThreshold != 2 || cb.Cooldown != time.Minute {
		t.Fatalf("unexpected valuation breaker %+v", cb)
	}
	if got := cfg.Channels.Tick.Universe; len(got) != 2 || got[0] != "AAPL" || got[1] != "MSFT" {
		t.Fatalf("unexpected universe %v", got)
	}
	if cfg.Channels.Aggregate.QueueCapacity != 8000 {
		t.Fatalf("expected aggregate default capacity, got %d", cfg.Channels.Aggregate.QueueCapacity)
	}
	if _, ok := cfg.Rules[schema.SourceValuation]; ok {
		t.Fatalf("explicit rules section must replace defaults")
	}
	if cfg.Rules[schema.SourceAggregate]["minPercentChange"] != 2 {
		t.Fatalf("unexpected aggregate rules %v", cfg.Rules[schema.SourceAggregate])
	}
	if spec := cfg.Coordination.Overrides[schema.SignalSurge]; spec.Strategy != "magnitude" {
		t.Fatalf("unexpected override %+v", spec)
	}
	if cfg.Distributor.Capacities[schema.SignalHigh] != 50 {
		t.Fatalf("expected HIGH capacity 50, got %v", cfg.Distributor.Capacities)
	}
	if _, ok := cfg.Distributor.Cadences[schema.FrequencyMinute]; ok {
		t.Fatalf("explicit cadences must replace defaults")
	}
	if cfg.Database.MaxConns != 32 || cfg.Database.MaxConnIdleTime != 5*time.Minute {
		t.Fatalf("unexpected database config %+v", cfg.Database)
	}

	pcfg, err := cfg.PipelineConfig()
	if err != nil {
		t.Fatalf("PipelineConfig failed: %v", err)
	}
	if pcfg.Router.Strategy != router.StrategyRoundRobin {
		t.Fatalf("unexpected pipeline strategy %s", pcfg.Router.Strategy)
	}
	if pcfg.Channels[0].Replicas != 2 || pcfg.Channels[0].LatencyBudget != 5*time.Millisecond {
		t.Fatalf("unexpected tick spec %+v", pcfg.Channels[0])
	}
	if _, ok := pcfg.Coordinator.Overrides[schema.SignalSurge]; !ok {
		t.Fatalf("override not compiled")
	}
	if pcfg.Distributor.Cadences[schema.FrequencySecond] != 2*time.Second {
		t.Fatalf("unexpected cadence %v", pcfg.Distributor.Cadences)
	}
}

func TestValidationFailures(t *testing.T) {
	cases := map[string]struct {
		body string
		want string
	}{
		"environment":      {body: "environment: qa\n", want: "environment"},
		"strategy":         {body: "router:\n  strategy: random\n", want: "routing strategy"},
		"health ordering":  {body: "router:\n  degradedBelow: 0.4\n  unavailableBelow: 0.6\n", want: "unavailableBelow"},
		"breaker":          {body: "router:\n  circuitBreaker:\n    failureThreshold: 0\n    cooldown: 1s\n", want: "failureThreshold"},
		"breaker kind":     {body: "router:\n  circuitBreakers:\n    news:\n      failureThreshold: 1\n      cooldown: 1s\n", want: "unknown channel kind"},
		"queue capacity":   {body: "channels:\n  tick:\n    queueCapacity: 0\n", want: "QueueCapacity"},
		"confidence range": {body: "channels:\n  valuation:\n    minConfidence: 1.5\n", want: "MinConfidence"},
		"window":           {body: "coordination:\n  window: 0s\n", want: "Window"},
		"sweep":            {body: "coordination:\n  window: 10ms\n  sweepInterval: 20ms\n", want: "sweepInterval"},
		"rule name":        {body: "rules:\n  aggregate:\n    percentChange: 1\n", want: "rules"},
		"rule source":      {body: "rules:\n  satellite:\n    minConfidence: 1\n", want: "unknown source"},
		"override":         {body: "coordination:\n  overrides:\n    SURGE:\n      strategy: coinflip\n", want: "override"},
		"override type":    {body: "coordination:\n  overrides:\n    SPIKE:\n      strategy: magnitude\n", want: "unknown event type"},
		"capacity":         {body: "distributor:\n  capacities:\n    LOW: 0\n", want: "Capacities"},
		"cadence freq":     {body: "distributor:\n  cadences:\n    per_hour: 1h\n", want: "per_hour"},
		"queue thresholds": {body: "monitor:\n  thresholds:\n    queueWarning: 0.9\n    queueCritical: 0.8\n", want: "queueWarning"},
		"websocket url":    {body: "forwarding:\n  websocket:\n    url: not a url\n", want: "URL"},
		"surge samples":    {body: "detectors:\n  surge:\n    lookback: 3\n    minSamples: 5\n", want: "minSamples"},
		"trend window":     {body: "detectors:\n  trend:\n    windows: [1]\n", want: "Windows"},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Load(context.Background(), writeConfig(t, tc.body))
			if err == nil {
				t.Fatalf("expected validation error")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("expected error mentioning %q, got %v", tc.want, err)
			}
		})
	}
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "app.yaml")
	cfg := Default()
	cfg.Channels.Tick.Replicas = 3
	if err := Save(path, cfg); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	loaded, err := Load(context.Background(), path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if loaded.Channels.Tick.Replicas != 3 {
		t.Fatalf("expected replicas 3, got %d", loaded.Channels.Tick.Replicas)
	}
	if loaded.Coordination.Window != cfg.Coordination.Window {
		t.Fatalf("window did not round trip: %s", loaded.Coordination.Window)
	}
}

func TestTelemetryProviderConfig(t *testing.T) {
	cfg := Default()
	cfg.Telemetry.EnableMetrics = true
	cfg.Telemetry.OTLPEndpoint = "collector:4318"
	tc := cfg.TelemetryProviderConfig()
	if !tc.Enabled || tc.OTLPEndpoint != "collector:4318" || tc.Environment != "dev" {
		t.Fatalf("unexpected telemetry config %+v", tc)
	}
}

func TestSyntheticFeedSection(t *testing.T) {
	cfg, err := Parse([]byte(`
feed:
  synthetic:
    enabled: true
    symbols: [" btc-usdt ", "", "doge-usdt"]
    tickInterval: 100ms
    seed: 11
`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	feed := cfg.Feed.Synthetic
	if !feed.Enabled || len(feed.Symbols) != 2 || feed.Symbols[0] != "BTC-USDT" || feed.Symbols[1] != "DOGE-USDT" {
		t.Fatalf("unexpected feed %+v", feed)
	}
	if feed.BarInterval != time.Second {
		t.Fatalf("expected default bar interval, got %s", feed.BarInterval)
	}
	opts := cfg.SyntheticOptions()
	if opts.TickInterval != 100*time.Millisecond || opts.Seed != 11 || opts.PriceModel.ShockMagnitude != 0.02 {
		t.Fatalf("unexpected options %+v", opts)
	}

	if _, err := Parse([]byte("feed:\n  synthetic:\n    shockProbability: 2\n")); err == nil {
		t.Fatalf("expected shockProbability validation error")
	}
}

func TestShippedConfigLoads(t *testing.T) {
	cfg, err := Load(context.Background(), filepath.Join("..", "..", "..", "config", "app.yaml"))
	if err != nil {
		t.Fatalf("load shipped config: %v", err)
	}
	if cfg.Channels.Tick.Replicas != 2 || !cfg.Feed.Synthetic.Enabled {
		t.Fatalf("unexpected shipped config %+v", cfg.Channels.Tick)
	}
	if _, err := cfg.PipelineConfig(); err != nil {
		t.Fatalf("pipeline config: %v", err)
	}
}
