// Command relay launches the market event relay.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/sourcegraph/conc"

	dbmigrations "github.com/coachpo/marketrelay/db/migrations"
	"github.com/coachpo/marketrelay/internal/app/distributor"
	"github.com/coachpo/marketrelay/internal/app/pipeline"
	"github.com/coachpo/marketrelay/internal/app/rules"
	"github.com/coachpo/marketrelay/internal/infra/adapters/synthetic"
	"github.com/coachpo/marketrelay/internal/infra/bus/eventbus"
	"github.com/coachpo/marketrelay/internal/infra/config"
	"github.com/coachpo/marketrelay/internal/infra/forward"
	"github.com/coachpo/marketrelay/internal/infra/persistence/migrations"
	"github.com/coachpo/marketrelay/internal/infra/persistence/postgres"
	httpserver "github.com/coachpo/marketrelay/internal/infra/server/http"
	"github.com/coachpo/marketrelay/internal/infra/telemetry"
	"github.com/coachpo/marketrelay/internal/observability"
)

const (
	defaultConfigPath        = "config/app.yaml"
	relayLoggerPrefix        = "relay "
	primaryPoolName          = "primary"
	shutdownTimeout          = 30 * time.Second
	apiServerShutdownTimeout = 5 * time.Second
	pipelineShutdownTimeout  = 10 * time.Second
	lifecycleShutdownTimeout = 10 * time.Second
	forwarderShutdownTimeout = 2 * time.Second
	databaseShutdownTimeout  = 5 * time.Second
	telemetryShutdownTimeout = 5 * time.Second
	apiReadHeaderTimeout     = 5 * time.Second
	readinessPingTimeout     = 2 * time.Second
)

func main() {
	cfgPathFlag := parseFlags()
	ctx, cancel := newSignalContext()
	defer cancel()

	logger := newRelayLogger()

	configPath := resolveConfigPath(cfgPathFlag)

	appCfg, loadedFromFile, err := config.LoadOrDefault(ctx, configPath)
	if err != nil {
		logger.Fatalf("load config: %v", err)
	}
	if !loadedFromFile {
		logger.Printf("configuration file not found, using defaults")
	}
	observability.SetLogger(observability.NewTextLogger(os.Stdout, relayLoggerPrefix, observability.ParseLevel(appCfg.Logging.Level)))
	logger.Printf("configuration initialised: env=%s, strategy=%s, frequencies=%v",
		appCfg.Environment, appCfg.Router.Strategy, appCfg.Distributor.Frequencies)

	appStore, err := config.NewAppConfigStore(appCfg, func(cfg config.AppConfig) error {
		return config.Save(configPath, cfg)
	})
	if err != nil {
		logger.Fatalf("initialise app config store: %v", err)
	}

	// Instruments bind to the global meter provider at construction, so
	// telemetry comes up before any component is built.
	telemetryProvider, err := initTelemetry(ctx, logger, appCfg)
	if err != nil {
		logger.Fatalf("initialize telemetry: %v", err)
	}

	store, err := initDatabase(ctx, logger, appCfg)
	if err != nil {
		logger.Fatalf("initialise database: %v", err)
	}

	bus, publisher, err := initForwarders(logger, appCfg.Forwarding)
	if err != nil {
		logger.Fatalf("initialise forwarders: %v", err)
	}

	relay, err := buildPipeline(appCfg, store, bus, publisher)
	if err != nil {
		logger.Fatalf("build pipeline: %v", err)
	}
	if err := relay.Start(ctx); err != nil {
		logger.Fatalf("start pipeline: %v", err)
	}

	var lifecycle conc.WaitGroup

	if appCfg.Feed.Synthetic.Enabled {
		feed, err := synthetic.New(appCfg.SyntheticOptions(), relay)
		if err != nil {
			logger.Fatalf("initialise synthetic feed: %v", err)
		}
		lifecycle.Go(func() { feed.Run(ctx) })
		logger.Printf("synthetic feed enabled: symbols=%v", feed.Symbols())
	}

	apiServer := buildAPIServer(appCfg, relay, appStore, store)
	startAPIServer(&lifecycle, logger, apiServer)
	logger.Printf("monitoring API listening on %s", apiServer.Addr)

	logger.Print("relay started; awaiting shutdown signal")
	<-ctx.Done()
	logger.Print("shutdown signal received, initiating graceful shutdown")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	shutdownStart := time.Now()
	performGracefulShutdown(shutdownCtx, logger, gracefulShutdownConfig{
		server:     apiServer,
		mainCancel: cancel,
		pipeline:   relay,
		lifecycle:  &lifecycle,
		bus:        bus,
		publisher:  publisher,
		store:      store,
		telemetry:  telemetryProvider,
	})

	logger.Printf("shutdown completed in %v", time.Since(shutdownStart))
}

func parseFlags() string {
	cfgPath := flag.String("config", "", fmt.Sprintf("Path to application configuration file (default: %s)", defaultConfigPath))
	flag.Parse()
	return *cfgPath
}

func newSignalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func newRelayLogger() *log.Logger {
	return log.New(os.Stdout, relayLoggerPrefix, log.LstdFlags|log.Lmicroseconds)
}

func initTelemetry(ctx context.Context, logger *log.Logger, appCfg config.AppConfig) (*telemetry.Provider, error) {
	telemetryCfg := appCfg.TelemetryProviderConfig()
	provider, err := telemetry.NewProvider(ctx, telemetryCfg)
	if err != nil {
		return nil, fmt.Errorf("initialize telemetry provider: %w", err)
	}
	if telemetryCfg.Enabled {
		logger.Printf("telemetry initialized: endpoint=%s, service=%s", telemetryCfg.OTLPEndpoint, telemetryCfg.ServiceName)
	} else {
		logger.Printf("telemetry disabled")
	}
	return provider, nil
}

// initDatabase applies migrations when requested and opens the alert history
// store when alerts are persisted. The store is nil otherwise.
func initDatabase(ctx context.Context, logger *log.Logger, appCfg config.AppConfig) (*postgres.Store, error) {
	dbCfg := appCfg.Database
	if dbCfg.RunMigrations {
		if err := migrations.ApplyFS(ctx, dbCfg.DSN, dbmigrations.Files, observability.Log()); err != nil {
			return nil, fmt.Errorf("apply migrations: %w", err)
		}
		logger.Printf("database migrations applied")
	}
	if !appCfg.Monitor.PersistAlerts {
		return nil, nil
	}
	pool, err := postgres.NewPool(ctx, postgres.PoolConfig{
		DSN:               dbCfg.DSN,
		MaxConns:          dbCfg.MaxConns,
		MinConns:          dbCfg.MinConns,
		MaxConnLifetime:   dbCfg.MaxConnLifetime,
		MaxConnIdleTime:   dbCfg.MaxConnIdleTime,
		HealthCheckPeriod: dbCfg.HealthCheckPeriod,
	}, primaryPoolName)
	if err != nil {
		return nil, err
	}
	logger.Printf("alert history persisted to postgres: maxConns=%d", dbCfg.MaxConns)
	return postgres.New(pool), nil
}

func initForwarders(logger *log.Logger, cfg config.ForwardingConfig) (*eventbus.MemoryBus, *forward.Publisher, error) {
	var bus *eventbus.MemoryBus
	if cfg.Eventbus.Enabled {
		bus = eventbus.NewMemoryBus(eventbus.MemoryConfig{
			BufferSize:    cfg.Eventbus.BufferSize,
			FanoutWorkers: cfg.Eventbus.FanoutWorkers,
		})
		logger.Printf("eventbus forwarding enabled: buffer=%d, workers=%d", cfg.Eventbus.BufferSize, cfg.Eventbus.FanoutWorkers)
	}
	if cfg.Websocket.URL == "" {
		return bus, nil, nil
	}
	publisher, err := forward.NewPublisher(forward.WebsocketConfig{
		URL:          cfg.Websocket.URL,
		WriteTimeout: cfg.Websocket.WriteTimeout,
		MaxRetry:     cfg.Websocket.MaxRetry,
	})
	if err != nil {
		if bus != nil {
			bus.Close()
		}
		return nil, nil, err
	}
	logger.Printf("websocket forwarding enabled: url=%s", cfg.Websocket.URL)
	return bus, publisher, nil
}

func buildPipeline(appCfg config.AppConfig, store *postgres.Store, bus *eventbus.MemoryBus, publisher *forward.Publisher) (*pipeline.Pipeline, error) {
	pipelineCfg, err := appCfg.PipelineConfig()
	if err != nil {
		return nil, err
	}
	var forwarders []distributor.Forwarder
	if bus != nil {
		forwarders = append(forwarders, bus)
	}
	if publisher != nil {
		forwarders = append(forwarders, publisher)
	}
	opts := []pipeline.Option{pipeline.WithLogger(observability.Log())}
	if len(forwarders) > 0 {
		opts = append(opts, pipeline.WithForwarders(forwarders...))
	}
	if store != nil {
		opts = append(opts, pipeline.WithAlertSink(store.Alerts()))
	}
	return pipeline.New(pipelineCfg, opts...)
}

// rulesAdmin applies runtime rule changes to the engine and persists them.
type rulesAdmin struct {
	engine *rules.Engine
	store  *config.AppConfigStore
}

func (a rulesAdmin) Rules() rules.Set { return a.engine.Rules() }

func (a rulesAdmin) Replace(set rules.Set) error {
	if err := a.engine.Replace(set); err != nil {
		return err
	}
	return a.store.SetRules(set)
}

func buildAPIServer(appCfg config.AppConfig, relay *pipeline.Pipeline, appStore *config.AppConfigStore, store *postgres.Store) *http.Server {
	opts := []httpserver.Option{httpserver.WithReadiness(readiness(relay, store))}
	if store != nil {
		opts = append(opts, httpserver.WithAlertArchive(store.Alerts()))
	}
	handler := httpserver.NewHandler(appCfg.Environment, relay.Monitor(), relay.Distributor(),
		rulesAdmin{engine: relay.Rules(), store: appStore}, opts...)

	return &http.Server{
		Addr:              appCfg.APIServer.Addr,
		Handler:           handler,
		ReadHeaderTimeout: apiReadHeaderTimeout,
	}
}

// readiness fails while the pipeline is not running or the alert database,
// when configured, does not answer a ping.
func readiness(relay *pipeline.Pipeline, store *postgres.Store) func() error {
	return func() error {
		if err := relay.Ready(); err != nil {
			return err
		}
		if store == nil {
			return nil
		}
		ctx, cancel := context.WithTimeout(context.Background(), readinessPingTimeout)
		defer cancel()
		return store.Check(ctx)
	}
}

func startAPIServer(lifecycle *conc.WaitGroup, logger *log.Logger, server *http.Server) {
	lifecycle.Go(func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Printf("monitoring server: %v", err)
		}
	})
}

type gracefulShutdownConfig struct {
	server     *http.Server
	mainCancel context.CancelFunc
	pipeline   *pipeline.Pipeline
	lifecycle  *conc.WaitGroup
	bus        *eventbus.MemoryBus
	publisher  *forward.Publisher
	store      *postgres.Store
	telemetry  *telemetry.Provider
}

func performGracefulShutdown(ctx context.Context, logger *log.Logger, cfg gracefulShutdownConfig) {
	shutdownStep := func(name string, timeout time.Duration, fn func(context.Context) error) {
		stepCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		logger.Printf("shutdown: %s...", name)
		if err := fn(stepCtx); err != nil {
			logger.Printf("shutdown: %s failed: %v", name, err)
		} else {
			logger.Printf("shutdown: %s completed", name)
		}
	}

	if cfg.server != nil {
		shutdownStep("stopping monitoring server", apiServerShutdownTimeout, func(stepCtx context.Context) error {
			return cfg.server.Shutdown(stepCtx)
		})
	}

	logger.Print("shutdown: cancelling main context")
	if cfg.mainCancel != nil {
		cfg.mainCancel()
	}

	if cfg.pipeline != nil {
		shutdownStep("draining pipeline", pipelineShutdownTimeout, cfg.pipeline.Stop)
	}

	if cfg.lifecycle != nil {
		shutdownStep("waiting for lifecycle goroutines", lifecycleShutdownTimeout, func(stepCtx context.Context) error {
			done := make(chan struct{})
			go func() {
				cfg.lifecycle.Wait()
				close(done)
			}()
			select {
			case <-done:
				return nil
			case <-stepCtx.Done():
				return fmt.Errorf("timeout waiting for goroutines: %w", stepCtx.Err())
			}
		})
	}

	if cfg.bus != nil {
		shutdownStep("closing eventbus", forwarderShutdownTimeout, func(stepCtx context.Context) error {
			done := make(chan struct{})
			go func() {
				cfg.bus.Close()
				close(done)
			}()
			select {
			case <-done:
				return nil
			case <-stepCtx.Done():
				return stepCtx.Err()
			}
		})
	}

	if cfg.publisher != nil {
		shutdownStep("closing websocket publisher", forwarderShutdownTimeout, func(context.Context) error {
			return cfg.publisher.Close()
		})
	}

	if cfg.store != nil && cfg.store.Pool() != nil {
		shutdownStep("closing database pool", databaseShutdownTimeout, func(context.Context) error {
			cfg.store.Pool().Close()
			return nil
		})
	}

	if cfg.telemetry != nil {
		shutdownStep("shutting down telemetry", telemetryShutdownTimeout, func(stepCtx context.Context) error {
			return cfg.telemetry.Shutdown(stepCtx)
		})
	}
}

func resolveConfigPath(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}

	return filepath.Clean(defaultConfigPath)
}
