// Package migrations wires golang-migrate execution for the relay's alert store.
package migrations

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database"
	pgxv5 "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	_ "github.com/golang-migrate/migrate/v4/source/file" // file:// migrations loader
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/jackc/pgx/v5/stdlib"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/marketrelay/internal/infra/telemetry"
	"github.com/coachpo/marketrelay/internal/observability"
)

const maxPingInterval = 5 * time.Second

var (
	errNotDirectory = errors.New("migrations path must be a directory")

	migrationsCounter   metric.Int64Counter
	migrationsCounterMu sync.Once
)

type migrateFactory func(driver database.Driver) (*migrate.Migrate, error)

func fromDir(dir string) migrateFactory {
	return func(driver database.Driver) (*migrate.Migrate, error) {
		return migrate.NewWithDatabaseInstance(fileURL(dir), "pgx5", driver)
	}
}

// Apply ensures the migrations located at migrationsDir are applied to the Postgres
// instance reachable via dsn. A nil logger falls back to the global logger.
func Apply(ctx context.Context, dsn, migrationsDir string, logger observability.Logger) error {
	resolvedDir, err := resolveDir(migrationsDir)
	if err != nil {
		return err
	}
	return run(ctx, dsn, resolvedDir, logger, fromDir(resolvedDir), func(m *migrate.Migrate) error { return m.Up() })
}

func fromFS(fsys fs.FS) (migrateFactory, error) {
	source, err := iofs.New(fsys, ".")
	if err != nil {
		return nil, fmt.Errorf("open embedded migrations: %w", err)
	}
	return func(driver database.Driver) (*migrate.Migrate, error) {
		return migrate.NewWithInstance("iofs", source, "pgx5", driver)
	}, nil
}

// ApplyFS applies migrations embedded in fsys, typically dbmigrations.Files.
func ApplyFS(ctx context.Context, dsn string, fsys fs.FS, logger observability.Logger) error {
	factory, err := fromFS(fsys)
	if err != nil {
		return err
	}
	return run(ctx, dsn, "embedded", logger, factory, func(m *migrate.Migrate) error { return m.Up() })
}

// RollbackFS reverts steps migrations using the embedded set in fsys.
func RollbackFS(ctx context.Context, dsn string, fsys fs.FS, steps int, logger observability.Logger) error {
	if steps <= 0 {
		return fmt.Errorf("rollback steps must be positive, got %d", steps)
	}
	factory, err := fromFS(fsys)
	if err != nil {
		return err
	}
	return run(ctx, dsn, "embedded", logger, factory, func(m *migrate.Migrate) error { return m.Steps(-steps) })
}

// Rollback reverts the given number of migration steps.
func Rollback(ctx context.Context, dsn, migrationsDir string, steps int, logger observability.Logger) error {
	resolvedDir, err := resolveDir(migrationsDir)
	if err != nil {
		return err
	}
	if steps <= 0 {
		return fmt.Errorf("rollback steps must be positive, got %d", steps)
	}
	return run(ctx, dsn, resolvedDir, logger, fromDir(resolvedDir), func(m *migrate.Migrate) error { return m.Steps(-steps) })
}

func run(ctx context.Context, dsn, label string, logger observability.Logger, factory migrateFactory, step func(*migrate.Migrate) error) error {
	logger = observability.OrDefault(logger)

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return fmt.Errorf("open migrations connection: %w", err)
	}
	defer func() {
		if cerr := db.Close(); cerr != nil {
			logger.Error("database migrations close", observability.F("error", cerr))
		}
	}()

	if err := ping(ctx, db); err != nil {
		return err
	}

	var driverConfig pgxv5.Config
	driver, err := pgxv5.WithInstance(db, &driverConfig)
	if err != nil {
		return fmt.Errorf("initialise pgx v5 driver: %w", err)
	}

	m, err := factory(driver)
	if err != nil {
		return fmt.Errorf("initialise migrate instance: %w", err)
	}
	defer func() {
		sourceErr, dbErr := m.Close()
		if sourceErr != nil {
			logger.Error("database migrations source close", observability.F("error", sourceErr))
		}
		if dbErr != nil {
			logger.Error("database migrations db close", observability.F("error", dbErr))
		}
	}()

	logger.Info("running database migrations", observability.F("path", label))
	if err := step(m); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			recordMigrationMetric(ctx, "noop", label)
			logger.Info("database migrations up-to-date")
			return nil
		}
		recordMigrationMetric(ctx, "failed", label)
		return fmt.Errorf("apply migrations: %w", err)
	}
	logger.Info("database migrations applied successfully")
	recordMigrationMetric(ctx, "applied", label)
	return nil
}

// ping waits for the database to accept connections until ctx expires.
func ping(ctx context.Context, db *sql.DB) error {
	backoffCfg := backoff.NewExponentialBackOff()
	backoffCfg.MaxInterval = maxPingInterval
	for {
		err := db.PingContext(ctx)
		if err == nil {
			return nil
		}
		sleep := backoffCfg.NextBackOff()
		if sleep == backoff.Stop {
			sleep = maxPingInterval
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("ping migrations database: %w", errors.Join(err, ctx.Err()))
		case <-time.After(sleep):
		}
	}
}

func resolveDir(dir string) (string, error) {
	clean := strings.TrimSpace(dir)
	if clean == "" {
		return "", fmt.Errorf("migrations path required")
	}

	abs, err := filepath.Abs(clean)
	if err != nil {
		return "", fmt.Errorf("resolve migrations path: %w", err)
	}

	info, err := os.Stat(abs)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", fmt.Errorf("migrations directory: %w", err)
		}
		return "", fmt.Errorf("stat migrations directory: %w", err)
	}

	if !info.IsDir() {
		return "", fmt.Errorf("migrations directory: %w", errNotDirectory)
	}

	return abs, nil
}

func fileURL(path string) string {
	slashed := filepath.ToSlash(path)
	if !strings.HasPrefix(slashed, "/") {
		slashed = "/" + slashed
	}
	u := new(url.URL)
	u.Scheme = "file"
	u.Path = slashed
	return u.String()
}

func recordMigrationMetric(ctx context.Context, result, path string) {
	migrationsCounterMu.Do(func() {
		meter := otel.Meter("persistence.migrations")
		counter, err := meter.Int64Counter("marketrelay_db_migrations_total",
			metric.WithDescription("Total migrations executed via golang-migrate"),
			metric.WithUnit("{migration}"))
		if err == nil {
			migrationsCounter = counter
		}
	})
	if migrationsCounter == nil {
		return
	}
	attrs := []attribute.KeyValue{
		attribute.String("environment", telemetry.Environment()),
		attribute.String("result", result),
	}
	if path != "" {
		attrs = append(attrs, attribute.String("migrations_path", path))
	}
	migrationsCounter.Add(ctx, 1, metric.WithAttributes(attrs...))
}
