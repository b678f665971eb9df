package main

import (
	"bytes"
	"context"
	"log"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/coachpo/marketrelay/internal/app/rules"
	"github.com/coachpo/marketrelay/internal/domain/errs"
	"github.com/coachpo/marketrelay/internal/domain/schema"
	"github.com/coachpo/marketrelay/internal/infra/config"
)

func TestResolveConfigPathDefaults(t *testing.T) {
	require.Equal(t, "config/app.yaml", resolveConfigPath(""))
	require.Equal(t, "/etc/relay.yaml", resolveConfigPath("/etc/relay.yaml"))
}

func TestInitDatabaseSkippedWhenDisabled(t *testing.T) {
	cfg := config.Default()
	store, err := initDatabase(context.Background(), log.New(&bytes.Buffer{}, "", 0), cfg)
	require.NoError(t, err)
	require.Nil(t, store)
}

func TestInitForwarders(t *testing.T) {
	logger := log.New(&bytes.Buffer{}, "", 0)

	bus, publisher, err := initForwarders(logger, config.Default().Forwarding)
	require.NoError(t, err)
	require.NotNil(t, bus)
	require.Nil(t, publisher)
	bus.Close()

	cfg := config.Default().Forwarding
	cfg.Websocket.URL = "ftp://broker"
	_, _, err = initForwarders(logger, cfg)
	require.True(t, errs.IsCode(err, errs.CodeInvalid))
}

func TestRulesAdminPersistsReplacement(t *testing.T) {
	path := filepath.Join(t.TempDir(), "app.yaml")
	cfg := config.Default()
	store, err := config.NewAppConfigStore(cfg, func(c config.AppConfig) error { return config.Save(path, c) })
	require.NoError(t, err)
	engine, err := rules.NewEngine(cfg.Rules)
	require.NoError(t, err)
	admin := rulesAdmin{engine: engine, store: store}

	set := rules.Set{schema.SourceValuation: {"minConfidence": 0.9}}
	require.NoError(t, admin.Replace(set))
	require.Equal(t, set, admin.Rules())

	saved, err := config.Load(context.Background(), path)
	require.NoError(t, err)
	require.Equal(t, 0.9, saved.Rules[schema.SourceValuation]["minConfidence"])

	err = admin.Replace(rules.Set{schema.SourceTick: {"bogus": 1}})
	require.True(t, errs.IsCode(err, errs.CodeInvalid))
	require.Equal(t, set, admin.Rules())
}

func TestPipelineLifecycleAndShutdown(t *testing.T) {
	cfg := config.Default()
	bus, publisher, err := initForwarders(log.New(&bytes.Buffer{}, "", 0), cfg.Forwarding)
	require.NoError(t, err)
	relay, err := buildPipeline(cfg, nil, bus, publisher)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, relay.Start(ctx))
	require.NoError(t, relay.Ready())

	var out bytes.Buffer
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	performGracefulShutdown(shutdownCtx, log.New(&out, "", 0), gracefulShutdownConfig{
		mainCancel: cancel,
		pipeline:   relay,
		bus:        bus,
	})
	require.Error(t, relay.Ready())
	require.Contains(t, out.String(), "shutdown: draining pipeline completed")
	require.Contains(t, out.String(), "shutdown: closing eventbus completed")
	require.NotContains(t, out.String(), "failed")
}

func TestReadinessWithoutDatabase(t *testing.T) {
	relay, err := buildPipeline(config.Default(), nil, nil, nil)
	require.NoError(t, err)
	check := readiness(relay, nil)
	require.True(t, errs.IsCode(check(), errs.CodeUnavailable))

	require.NoError(t, relay.Start(context.Background()))
	require.NoError(t, check())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, relay.Stop(ctx))
}
