// Package config manages application configuration loading and validation.
package config

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/coachpo/marketrelay/internal/app/router"
	"github.com/coachpo/marketrelay/internal/app/rules"
	"github.com/coachpo/marketrelay/internal/domain/schema"
)

var validate = validator.New()

// LoggingConfig selects the log level.
type LoggingConfig struct {
	Level string `yaml:"level" validate:"omitempty,oneof=debug info error"`
}

// RouterConfig configures the channel router.
type RouterConfig struct {
	Strategy         string                               `yaml:"strategy"`
	Reroute          bool                                 `yaml:"reroute"`
	HealthWindow     int                                  `yaml:"healthWindow" validate:"gte=1,lte=100000"`
	DegradedBelow    float64                              `yaml:"degradedBelow" validate:"gte=0,lte=1"`
	UnavailableBelow float64                              `yaml:"unavailableBelow" validate:"gte=0,lte=1"`
	CircuitBreaker   router.BreakerConfig                 `yaml:"circuitBreaker"`
	CircuitBreakers  map[schema.Kind]router.BreakerConfig `yaml:"circuitBreakers"`
}

// ChannelConfig configures the replicas of one channel kind and its filters.
type ChannelConfig struct {
	Replicas      int           `yaml:"replicas" validate:"gte=1,lte=64"`
	QueueCapacity int           `yaml:"queueCapacity" validate:"gte=1"`
	LatencyBudget time.Duration `yaml:"latencyBudget" validate:"gte=0"`

	Universe          []string `yaml:"universe,omitempty"`
	MinSourcePriority int      `yaml:"minSourcePriority,omitempty" validate:"gte=0"`

	MinPercentChange  float64 `yaml:"minPercentChange,omitempty" validate:"gte=0"`
	MinVolumeMultiple float64 `yaml:"minVolumeMultiple,omitempty" validate:"gte=0"`
	VolumeLookback    int     `yaml:"volumeLookback,omitempty" validate:"gte=0"`

	MinConfidence   float64 `yaml:"minConfidence,omitempty" validate:"gte=0,lte=1"`
	MaxDeviationPct float64 `yaml:"maxDeviationPct,omitempty" validate:"gte=0"`
}

// ChannelsConfig groups the three channel kinds.
type ChannelsConfig struct {
	Tick      ChannelConfig `yaml:"tick"`
	Aggregate ChannelConfig `yaml:"aggregate"`
	Valuation ChannelConfig `yaml:"valuation"`
}

// SurgeConfig tunes the surge detector.
type SurgeConfig struct {
	Lookback   int     `yaml:"lookback" validate:"gte=1"`
	Multiple   float64 `yaml:"multiple" validate:"gt=1"`
	MinSamples int     `yaml:"minSamples" validate:"gte=1"`
}

// TrendConfig tunes the trend detector.
type TrendConfig struct {
	Windows     []int   `yaml:"windows" validate:"min=1,dive,gte=2"`
	MinSlopePct float64 `yaml:"minSlopePct" validate:"gte=0"`
}

// DetectorsConfig groups detector settings.
type DetectorsConfig struct {
	Surge SurgeConfig `yaml:"surge"`
	Trend TrendConfig `yaml:"trend"`
}

// CoordinationConfig configures the multi-source coordinator.
type CoordinationConfig struct {
	Window        time.Duration                            `yaml:"window" validate:"gt=0"`
	SweepInterval time.Duration                            `yaml:"sweepInterval" validate:"gt=0"`
	Overrides     map[schema.SignalType]rules.OverrideSpec `yaml:"overrides,omitempty"`
}

// DistributorConfig configures the buffered pull distributor.
type DistributorConfig struct {
	Frequencies        []string                  `yaml:"frequencies" validate:"min=1,dive,required"`
	DefaultCapacity    int                       `yaml:"defaultCapacity" validate:"gte=1"`
	Capacities         map[schema.SignalType]int `yaml:"capacities,omitempty" validate:"dive,gte=1"`
	InboxCapacity      int                       `yaml:"inboxCapacity" validate:"gte=1"`
	CollectInterval    time.Duration             `yaml:"collectInterval" validate:"gt=0"`
	DistributeInterval time.Duration             `yaml:"distributeInterval" validate:"gt=0"`
	Cadences           map[string]time.Duration  `yaml:"cadences,omitempty" validate:"dive,gt=0"`
	ForwardWorkers     int                       `yaml:"forwardWorkers" validate:"gte=1"`
	ForwardQueue       int                       `yaml:"forwardQueue" validate:"gte=0"`
}

// MonitorThresholds configures alert thresholds.
type MonitorThresholds struct {
	QueueWarning          float64 `yaml:"queueWarning" validate:"gt=0,lte=1"`
	QueueCritical         float64 `yaml:"queueCritical" validate:"gt=0,lte=1"`
	MinSuccessRate        float64 `yaml:"minSuccessRate" validate:"gte=0,lte=1"`
	MaxRoutingFailureRate float64 `yaml:"maxRoutingFailureRate" validate:"gte=0,lte=1"`
	MaxHeapBytes          uint64  `yaml:"maxHeapBytes"`
}

// MonitorConfig configures the channel monitor.
type MonitorConfig struct {
	Interval      time.Duration     `yaml:"interval" validate:"gt=0"`
	Debounce      time.Duration     `yaml:"debounce" validate:"gte=0"`
	HistorySize   int               `yaml:"historySize" validate:"gte=1"`
	NotifyRate    float64           `yaml:"notifyRate" validate:"gte=0"`
	NotifyBurst   int               `yaml:"notifyBurst" validate:"gte=0"`
	PersistAlerts bool              `yaml:"persistAlerts"`
	Thresholds    MonitorThresholds `yaml:"thresholds"`
}

// EventbusConfig sizes the in-memory forwarding bus.
type EventbusConfig struct {
	Enabled       bool `yaml:"enabled"`
	BufferSize    int  `yaml:"bufferSize" validate:"gte=1"`
	FanoutWorkers int  `yaml:"fanoutWorkers" validate:"gte=1"`
}

// WebsocketConfig configures the external broker publisher.
type WebsocketConfig struct {
	URL          string        `yaml:"url" validate:"omitempty,url"`
	WriteTimeout time.Duration `yaml:"writeTimeout" validate:"gte=0"`
	MaxRetry     time.Duration `yaml:"maxRetry" validate:"gte=0"`
}

// ForwardingConfig configures post-distribution forwarding.
type ForwardingConfig struct {
	Eventbus  EventbusConfig  `yaml:"eventbus"`
	Websocket WebsocketConfig `yaml:"websocket"`
}

// SyntheticFeedConfig configures the built-in random-walk market feed.
type SyntheticFeedConfig struct {
	Enabled           bool          `yaml:"enabled"`
	Symbols           []string      `yaml:"symbols"`
	TickInterval      time.Duration `yaml:"tickInterval" validate:"gt=0"`
	BarInterval       time.Duration `yaml:"barInterval" validate:"gt=0"`
	ValuationInterval time.Duration `yaml:"valuationInterval" validate:"gt=0"`
	Volatility        float64       `yaml:"volatility" validate:"gte=0,lte=1"`
	ShockProbability  float64       `yaml:"shockProbability" validate:"gte=0,lte=1"`
	ShockMagnitude    float64       `yaml:"shockMagnitude" validate:"gte=0,lte=1"`
	Seed              uint64        `yaml:"seed"`
}

// FeedConfig groups inbound feeds.
type FeedConfig struct {
	Synthetic SyntheticFeedConfig `yaml:"synthetic"`
}

// APIServerConfig configures the relay's HTTP monitoring surface.
type APIServerConfig struct {
	Addr string `yaml:"addr" validate:"required"`
}

// TelemetryConfig configures OTLP exporters (metrics only).
type TelemetryConfig struct {
	OTLPEndpoint  string `yaml:"otlpEndpoint"`
	ServiceName   string `yaml:"serviceName" validate:"required"`
	OTLPInsecure  bool   `yaml:"otlpInsecure"`
	EnableMetrics bool   `yaml:"enableMetrics"`
}

// DatabaseConfig controls PostgreSQL connectivity and migration behaviour.
type DatabaseConfig struct {
	DSN               string        `yaml:"dsn"`
	MaxConns          int32         `yaml:"maxConns"`
	MinConns          int32         `yaml:"minConns"`
	MaxConnLifetime   time.Duration `yaml:"maxConnLifetime"`
	MaxConnIdleTime   time.Duration `yaml:"maxConnIdleTime"`
	HealthCheckPeriod time.Duration `yaml:"healthCheckPeriod"`
	RunMigrations     bool          `yaml:"runMigrations"`
}

func (c *DatabaseConfig) applyDefaults() {
	c.DSN = strings.TrimSpace(c.DSN)
	if c.DSN == "" {
		c.DSN = "postgresql://localhost:5432/marketrelay"
	}
	if c.MaxConns <= 0 {
		c.MaxConns = 8
	}
	if c.MinConns <= 0 {
		c.MinConns = 1
	}
	if c.MinConns > c.MaxConns {
		c.MinConns = c.MaxConns
	}
	if c.MaxConnLifetime <= 0 {
		c.MaxConnLifetime = 30 * time.Minute
	}
	if c.MaxConnIdleTime <= 0 {
		c.MaxConnIdleTime = 5 * time.Minute
	}
	if c.HealthCheckPeriod <= 0 {
		c.HealthCheckPeriod = 30 * time.Second
	}
}

func (c DatabaseConfig) validate() error {
	if strings.TrimSpace(c.DSN) == "" {
		return fmt.Errorf("dsn required")
	}
	if c.MinConns > c.MaxConns {
		return fmt.Errorf("minConns must be <= maxConns")
	}
	return nil
}

// AppConfig is the unified relay configuration sourced from YAML.
type AppConfig struct {
	Environment     Environment        `yaml:"environment"`
	Logging         LoggingConfig      `yaml:"logging"`
	IngressCapacity int                `yaml:"ingressCapacity" validate:"gte=1"`
	Router          RouterConfig       `yaml:"router"`
	Channels        ChannelsConfig     `yaml:"channels"`
	Detectors       DetectorsConfig    `yaml:"detectors"`
	Rules           rules.Set          `yaml:"rules"`
	Coordination    CoordinationConfig `yaml:"coordination"`
	Distributor     DistributorConfig  `yaml:"distributor"`
	Monitor         MonitorConfig      `yaml:"monitor"`
	Forwarding      ForwardingConfig   `yaml:"forwarding"`
	Feed            FeedConfig         `yaml:"feed"`
	APIServer       APIServerConfig    `yaml:"apiServer"`
	Telemetry       TelemetryConfig    `yaml:"telemetry"`
	Database        DatabaseConfig     `yaml:"database"`
}

// Default returns the documented defaults for every section.
func Default() AppConfig {
	cfg := AppConfig{
		Environment:     EnvDev,
		Logging:         LoggingConfig{Level: "info"},
		IngressCapacity: 10000,
		Router: RouterConfig{
			Strategy:         string(router.StrategyHealthBased),
			Reroute:          true,
			HealthWindow:     100,
			DegradedBelow:    0.95,
			UnavailableBelow: 0.5,
			CircuitBreaker:   router.DefaultBreakerConfig(),
		},
		Channels: ChannelsConfig{
			Tick:      ChannelConfig{Replicas: 1, QueueCapacity: 1000, LatencyBudget: 10 * time.Millisecond},
			Aggregate: ChannelConfig{Replicas: 1, QueueCapacity: 8000, LatencyBudget: 100 * time.Millisecond, MinPercentChange: 1.0, MinVolumeMultiple: 1.5, VolumeLookback: 20},
			Valuation: ChannelConfig{Replicas: 1, QueueCapacity: 500, LatencyBudget: 500 * time.Millisecond, MinConfidence: 0.7, MaxDeviationPct: 5.0},
		},
		Detectors: DetectorsConfig{
			Surge: SurgeConfig{Lookback: 20, Multiple: 2.0, MinSamples: 5},
			Trend: TrendConfig{Windows: []int{5, 15, 60}, MinSlopePct: 0.05},
		},
		Rules: rules.DefaultSet(),
		Coordination: CoordinationConfig{
			Window:        500 * time.Millisecond,
			SweepInterval: 50 * time.Millisecond,
		},
		Distributor: DistributorConfig{
			Frequencies:        []string{schema.FrequencySecond, schema.FrequencyMinute},
			DefaultCapacity:    1000,
			InboxCapacity:      10000,
			CollectInterval:    500 * time.Millisecond,
			DistributeInterval: time.Second,
			Cadences: map[string]time.Duration{
				schema.FrequencySecond: time.Second,
				schema.FrequencyMinute: time.Minute,
			},
			ForwardWorkers: 4,
			ForwardQueue:   1024,
		},
		Monitor: MonitorConfig{
			Interval:    5 * time.Second,
			Debounce:    30 * time.Second,
			HistorySize: 100,
			NotifyRate:  10,
			NotifyBurst: 20,
			Thresholds: MonitorThresholds{
				QueueWarning:          0.75,
				QueueCritical:         0.95,
				MinSuccessRate:        0.95,
				MaxRoutingFailureRate: 0.05,
			},
		},
		Forwarding: ForwardingConfig{
			Eventbus:  EventbusConfig{Enabled: true, BufferSize: 1024, FanoutWorkers: 4},
			Websocket: WebsocketConfig{WriteTimeout: 5 * time.Second, MaxRetry: time.Minute},
		},
		Feed: FeedConfig{
			Synthetic: SyntheticFeedConfig{
				Symbols:           []string{"BTC-USDT", "ETH-USDT", "SOL-USDT"},
				TickInterval:      250 * time.Millisecond,
				BarInterval:       time.Second,
				ValuationInterval: 5 * time.Second,
				Volatility:        0.0125,
				ShockProbability:  0.045,
				ShockMagnitude:    0.02,
			},
		},
		APIServer: APIServerConfig{Addr: ":8880"},
		Telemetry: TelemetryConfig{ServiceName: "marketrelay", EnableMetrics: false},
	}
	cfg.Database.applyDefaults()
	return cfg
}

// Load reads and validates an AppConfig from the provided YAML file. Sections
// absent from the file keep their defaults.
func Load(ctx context.Context, configPath string) (AppConfig, error) {
	_ = ctx

	reader, closer, err := openConfigFile(configPath)
	if err != nil {
		return AppConfig{}, err
	}
	defer closer()

	bytes, err := io.ReadAll(reader)
	if err != nil {
		return AppConfig{}, fmt.Errorf("read config: %w", err)
	}
	return Parse(bytes)
}

// Parse decodes YAML over the defaults, normalises and validates the result.
func Parse(data []byte) (AppConfig, error) {
	cfg := Default()
	// Maps replace rather than merge so an explicit rules section is authoritative.
	var envelope map[string]any
	if err := yaml.Unmarshal(data, &envelope); err != nil {
		return AppConfig{}, fmt.Errorf("unmarshal config: %w", err)
	}
	if _, ok := envelope["rules"]; ok {
		cfg.Rules = nil
	}
	if dist, ok := envelope["distributor"].(map[string]any); ok {
		if _, ok := dist["cadences"]; ok {
			cfg.Distributor.Cadences = nil
		}
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return AppConfig{}, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.normalise(); err != nil {
		return AppConfig{}, err
	}
	if err := cfg.Validate(); err != nil {
		return AppConfig{}, err
	}
	return cfg, nil
}

// LoadOrDefault loads configPath, falling back to Default when the file does
// not exist. The boolean reports whether the file was read.
func LoadOrDefault(ctx context.Context, configPath string) (AppConfig, bool, error) {
	cfg, err := Load(ctx, configPath)
	if err == nil {
		return cfg, true, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		def := Default()
		if err := def.normalise(); err != nil {
			return AppConfig{}, false, err
		}
		return def, false, nil
	}
	return AppConfig{}, false, err
}

// Save writes cfg as YAML to path.
func Save(path string, cfg AppConfig) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.WriteFile(filepath.Clean(path), data, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

func (c *AppConfig) normalise() error {
	c.Environment = normaliseEnvironment(c.Environment)
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	c.APIServer.Addr = strings.TrimSpace(c.APIServer.Addr)
	c.Telemetry.OTLPEndpoint = strings.TrimSpace(c.Telemetry.OTLPEndpoint)
	c.Telemetry.ServiceName = strings.TrimSpace(c.Telemetry.ServiceName)
	c.Forwarding.Websocket.URL = strings.TrimSpace(c.Forwarding.Websocket.URL)

	strategy, err := router.ParseStrategy(c.Router.Strategy)
	if err != nil {
		return err
	}
	c.Router.Strategy = string(strategy)

	if len(c.Router.CircuitBreakers) > 0 {
		breakers := make(map[schema.Kind]router.BreakerConfig, len(c.Router.CircuitBreakers))
		for kind, cb := range c.Router.CircuitBreakers {
			k := schema.Kind(strings.ToLower(strings.TrimSpace(string(kind))))
			if _, dup := breakers[k]; dup {
				return fmt.Errorf("duplicate circuit breaker for %q", k)
			}
			breakers[k] = cb
		}
		c.Router.CircuitBreakers = breakers
	}

	symbols := make([]string, 0, len(c.Feed.Synthetic.Symbols))
	for _, symbol := range c.Feed.Synthetic.Symbols {
		if s := strings.ToUpper(strings.TrimSpace(symbol)); s != "" {
			symbols = append(symbols, s)
		}
	}
	c.Feed.Synthetic.Symbols = symbols

	for _, ch := range []*ChannelConfig{&c.Channels.Tick, &c.Channels.Aggregate, &c.Channels.Valuation} {
		if len(ch.Universe) == 0 {
			continue
		}
		universe := make([]string, 0, len(ch.Universe))
		for _, symbol := range ch.Universe {
			if s := strings.ToUpper(strings.TrimSpace(symbol)); s != "" {
				universe = append(universe, s)
			}
		}
		ch.Universe = universe
	}

	if len(c.Coordination.Overrides) > 0 {
		overrides := make(map[schema.SignalType]rules.OverrideSpec, len(c.Coordination.Overrides))
		for typ, spec := range c.Coordination.Overrides {
			parsed, ok := schema.ParseSignalType(string(typ))
			if !ok {
				return fmt.Errorf("coordination override: unknown event type %q", typ)
			}
			spec.Strategy = strings.ToLower(strings.TrimSpace(spec.Strategy))
			overrides[parsed] = spec
		}
		c.Coordination.Overrides = overrides
	}

	if len(c.Distributor.Capacities) > 0 {
		capacities := make(map[schema.SignalType]int, len(c.Distributor.Capacities))
		for typ, capacity := range c.Distributor.Capacities {
			parsed, ok := schema.ParseSignalType(string(typ))
			if !ok {
				return fmt.Errorf("distributor capacity: unknown event type %q", typ)
			}
			capacities[parsed] = capacity
		}
		c.Distributor.Capacities = capacities
	}
	for i, f := range c.Distributor.Frequencies {
		c.Distributor.Frequencies[i] = strings.ToLower(strings.TrimSpace(f))
	}

	if len(c.Rules) > 0 {
		set := make(rules.Set, len(c.Rules))
		for source, thresholds := range c.Rules {
			parsed, err := schema.ParseSource(string(source))
			if err != nil {
				return fmt.Errorf("rules: %w", err)
			}
			set[parsed] = thresholds
		}
		c.Rules = set
	}

	c.Database.applyDefaults()
	return nil
}

// Validate runs struct-tag range checks and then cross-field checks.
func (c AppConfig) Validate() error {
	switch c.Environment {
	case EnvDev, EnvStaging, EnvProd:
	default:
		return fmt.Errorf("environment must be one of dev, staging, prod")
	}
	if err := validate.Struct(c); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
			fe := fieldErrs[0]
			return fmt.Errorf("config %s: failed %s=%s (value %v)", fe.Namespace(), fe.Tag(), fe.Param(), fe.Value())
		}
		return fmt.Errorf("config: %w", err)
	}

	if c.Router.UnavailableBelow > c.Router.DegradedBelow {
		return fmt.Errorf("router unavailableBelow must be <= degradedBelow")
	}
	if err := validateBreaker("router circuitBreaker", c.Router.CircuitBreaker); err != nil {
		return err
	}
	for kind, cb := range c.Router.CircuitBreakers {
		if !kind.Valid() {
			return fmt.Errorf("router circuitBreakers: unknown channel kind %q", kind)
		}
		if err := validateBreaker("router circuitBreakers."+string(kind), cb); err != nil {
			return err
		}
	}
	if c.Detectors.Surge.MinSamples > c.Detectors.Surge.Lookback {
		return fmt.Errorf("detectors surge minSamples must be <= lookback")
	}
	if c.Monitor.Thresholds.QueueWarning > c.Monitor.Thresholds.QueueCritical {
		return fmt.Errorf("monitor queueWarning must be <= queueCritical")
	}
	for freq := range c.Distributor.Cadences {
		if !containsString(c.Distributor.Frequencies, freq) {
			return fmt.Errorf("distributor cadence for unknown frequency %q", freq)
		}
	}
	if c.Coordination.SweepInterval > c.Coordination.Window {
		return fmt.Errorf("coordination sweepInterval must be <= window")
	}
	if _, err := rules.NewEngine(c.Rules); err != nil {
		return fmt.Errorf("rules: %w", err)
	}
	if _, err := rules.BuildOverrides(c.Coordination.Overrides); err != nil {
		return fmt.Errorf("coordination overrides: %w", err)
	}
	if c.Monitor.PersistAlerts || c.Database.RunMigrations {
		if err := c.Database.validate(); err != nil {
			return fmt.Errorf("database: %w", err)
		}
	}
	return nil
}

func validateBreaker(name string, cb router.BreakerConfig) error {
	if cb.FailureThreshold < 1 {
		return fmt.Errorf("%s failureThreshold must be >= 1", name)
	}
	if cb.Cooldown <= 0 {
		return fmt.Errorf("%s cooldown must be > 0", name)
	}
	return nil
}

func containsString(values []string, want string) bool {
	for _, v := range values {
		if v == want {
			return true
		}
	}
	return false
}

func openConfigFile(path string) (io.Reader, func(), error) {
	candidate := strings.TrimSpace(path)
	candidate = filepath.Clean(candidate)

	file, err := os.Open(candidate) // #nosec G304 -- path is operator controlled.
	if err != nil {
		return nil, nil, fmt.Errorf("open app config: %w", err)
	}
	return file, func() { _ = file.Close() }, nil
}
