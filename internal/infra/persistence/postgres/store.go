// Package postgres persists relay state in PostgreSQL.
package postgres

import (
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/coachpo/marketrelay/internal/infra/persistence"
)

// Store exposes PostgreSQL-backed repositories.
type Store struct {
	*persistence.Store
	alerts *AlertStore
}

// New constructs a PostgreSQL persistence store.
func New(pool *pgxpool.Pool) *Store {
	return &Store{Store: persistence.NewStore(pool), alerts: NewAlertStore(pool)}
}

// Alerts returns the alert history repository.
func (s *Store) Alerts() *AlertStore {
	return s.alerts
}
