//go:build integration

package postgres_test

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	dbmigrations "github.com/coachpo/marketrelay/db/migrations"
	"github.com/coachpo/marketrelay/internal/domain/schema"
	"github.com/coachpo/marketrelay/internal/infra/persistence/migrations"
	pgstore "github.com/coachpo/marketrelay/internal/infra/persistence/postgres"
)

var (
	testPool *pgxpool.Pool
	setupErr error
)

func TestMain(m *testing.M) {
	ctx := context.Background()
	req := testcontainers.ContainerRequest{
		Image:        "postgres:16-alpine",
		Env:          map[string]string{"POSTGRES_PASSWORD": "secret", "POSTGRES_USER": "postgres", "POSTGRES_DB": "marketrelay"},
		ExposedPorts: []string{"5432/tcp"},
		WaitingFor:   wait.ForListeningPort("5432/tcp").WithStartupTimeout(60 * time.Second),
	}
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to start postgres container: %v\n", err)
		os.Exit(1)
	}

	setupErr = initialiseDatabase(ctx, container)
	exitCode := m.Run()

	if testPool != nil {
		testPool.Close()
	}
	_ = container.Terminate(ctx)
	os.Exit(exitCode)
}

func initialiseDatabase(ctx context.Context, container testcontainers.Container) error {
	host, err := container.Host(ctx)
	if err != nil {
		return fmt.Errorf("container host: %w", err)
	}
	port, err := container.MappedPort(ctx, "5432/tcp")
	if err != nil {
		return fmt.Errorf("container port: %w", err)
	}
	dsn := fmt.Sprintf("postgres://postgres:secret@%s:%s/marketrelay?sslmode=disable", host, port.Port())

	migrateCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := migrations.ApplyFS(migrateCtx, dsn, dbmigrations.Files, nil); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	pool, err := pgstore.NewPool(ctx, pgstore.PoolConfig{DSN: dsn, MaxConns: 4}, "integration")
	if err != nil {
		return err
	}
	testPool = pool
	return nil
}

func TestAlertStoreLifecycle(t *testing.T) {
	if setupErr != nil {
		t.Skipf("postgres setup unavailable: %v", setupErr)
	}
	ctx := context.Background()
	store := pgstore.New(testPool).Alerts()

	raised := time.Date(2026, 3, 2, 14, 30, 0, 0, time.UTC)
	alert := schema.Alert{
		ID:        uuid.NewString(),
		Kind:      schema.AlertQueueOverflow,
		Severity:  schema.SeverityWarning,
		Component: "tick-1",
		Message:   "queue utilisation 80%",
		Value:     0.8,
		Threshold: 0.75,
		RaisedAt:  raised,
	}
	require.NoError(t, store.Notify(ctx, alert))

	alert.Severity = schema.SeverityCritical
	alert.Value = 0.97
	require.NoError(t, store.Notify(ctx, alert))
	require.NoError(t, store.Notify(ctx, alert), "redelivery must be idempotent")

	active, err := store.Active(ctx)
	require.NoError(t, err)
	require.Len(t, active, 1)
	require.Equal(t, alert.ID, active[0].ID)
	require.Equal(t, schema.SeverityCritical, active[0].Severity)
	require.InDelta(t, 0.97, active[0].Value, 1e-9)
	require.True(t, active[0].RaisedAt.Equal(raised))

	cleared := raised.Add(time.Minute)
	alert.ClearedAt = &cleared
	require.NoError(t, store.Notify(ctx, alert))

	active, err = store.Active(ctx)
	require.NoError(t, err)
	require.Empty(t, active)

	recent, err := store.Recent(ctx, 10)
	require.NoError(t, err)
	require.Len(t, recent, 1)
	require.NotNil(t, recent[0].ClearedAt)
	require.True(t, recent[0].ClearedAt.Equal(cleared))

	removed, err := store.Prune(ctx, cleared.Add(time.Second))
	require.NoError(t, err)
	require.Equal(t, int64(1), removed)
}

func TestAlertStoreRejectsNonUUID(t *testing.T) {
	if setupErr != nil {
		t.Skipf("postgres setup unavailable: %v", setupErr)
	}
	err := pgstore.NewAlertStore(testPool).Notify(context.Background(), schema.Alert{ID: "not-a-uuid", RaisedAt: time.Now()})
	require.Error(t, err)
}
