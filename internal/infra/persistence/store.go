// Package persistence holds the pgx pool shared by database-backed stores.
package persistence

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/coachpo/marketrelay/internal/domain/errs"
)

// Store owns the pool that concrete repositories (see postgres) query through.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore constructs a Store backed by the provided pgx pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Pool exposes the underlying pgx pool for repository implementations.
func (s *Store) Pool() *pgxpool.Pool {
	if s == nil {
		return nil
	}
	return s.pool
}

// Check pings the database. A store without a pool reports unavailable.
func (s *Store) Check(ctx context.Context) error {
	pool := s.Pool()
	if pool == nil {
		return errs.New("persistence", errs.CodeUnavailable, errs.WithMessage("database pool not configured"))
	}
	if err := pool.Ping(ctx); err != nil {
		return errs.New("persistence", errs.CodeUnavailable, errs.WithMessage("database unreachable"), errs.WithCause(err))
	}
	return nil
}
