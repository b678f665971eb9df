package postgres

import (
	"context"
	"fmt"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/coachpo/marketrelay/internal/domain/errs"
	"github.com/coachpo/marketrelay/internal/domain/schema"
)

// AlertStore persists monitor alert transitions. A raise inserts the row and
// later escalations or the clear update it in place, so redelivery is harmless.
type AlertStore struct {
	pool *pgxpool.Pool
}

// NewAlertStore constructs an AlertStore backed by the provided pgx pool.
func NewAlertStore(pool *pgxpool.Pool) *AlertStore {
	return &AlertStore{pool: pool}
}

const (
	alertUpsertSQL = `
INSERT INTO alerts (
    id,
    kind,
    severity,
    component,
    message,
    value,
    threshold,
    raised_at,
    cleared_at,
    payload,
    updated_at
)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10::jsonb, NOW())
ON CONFLICT (id) DO UPDATE SET
    severity = EXCLUDED.severity,
    message = EXCLUDED.message,
    value = EXCLUDED.value,
    threshold = EXCLUDED.threshold,
    cleared_at = COALESCE(alerts.cleared_at, EXCLUDED.cleared_at),
    payload = EXCLUDED.payload,
    updated_at = NOW();
`
	alertSelectColumns = `id, kind, severity, component, message, value, threshold, raised_at, cleared_at`
	alertRecentSQL     = `SELECT ` + alertSelectColumns + ` FROM alerts ORDER BY raised_at DESC, id LIMIT $1;`
	alertActiveSQL     = `SELECT ` + alertSelectColumns + ` FROM alerts WHERE cleared_at IS NULL ORDER BY raised_at, id;`
	alertPruneSQL      = `DELETE FROM alerts WHERE cleared_at IS NOT NULL AND cleared_at < $1;`
)

// Notify records one alert transition; it satisfies monitor.AlertSink.
func (s *AlertStore) Notify(ctx context.Context, alert schema.Alert) error {
	if s == nil || s.pool == nil {
		return errs.New("postgres/alerts", errs.CodeUnavailable, errs.WithMessage("alert store not configured"))
	}
	id, err := uuid.Parse(alert.ID)
	if err != nil {
		return errs.New("postgres/alerts", errs.CodeInvalid, errs.WithMessage("alert id must be a uuid"),
			errs.WithField("id", alert.ID), errs.WithCause(err))
	}
	payload, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("marshal alert payload: %w", err)
	}
	if _, err := s.pool.Exec(ctx, alertUpsertSQL,
		id,
		string(alert.Kind),
		string(alert.Severity),
		alert.Component,
		alert.Message,
		alert.Value,
		alert.Threshold,
		alert.RaisedAt.UTC(),
		alert.ClearedAt,
		payload,
	); err != nil {
		return fmt.Errorf("upsert alert %s: %w", alert.ID, err)
	}
	return nil
}

// Recent returns up to limit alerts, newest first.
func (s *AlertStore) Recent(ctx context.Context, limit int) ([]schema.Alert, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, alertRecentSQL, limit)
	if err != nil {
		return nil, fmt.Errorf("query recent alerts: %w", err)
	}
	return collectAlerts(rows)
}

// Active returns alerts that have not been cleared, oldest first.
func (s *AlertStore) Active(ctx context.Context) ([]schema.Alert, error) {
	rows, err := s.pool.Query(ctx, alertActiveSQL)
	if err != nil {
		return nil, fmt.Errorf("query active alerts: %w", err)
	}
	return collectAlerts(rows)
}

// Prune deletes alerts cleared before the cutoff and reports how many were removed.
func (s *AlertStore) Prune(ctx context.Context, before time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, alertPruneSQL, before.UTC())
	if err != nil {
		return 0, fmt.Errorf("prune alerts: %w", err)
	}
	return tag.RowsAffected(), nil
}

func collectAlerts(rows pgx.Rows) ([]schema.Alert, error) {
	defer rows.Close()
	var alerts []schema.Alert
	for rows.Next() {
		var (
			id        uuid.UUID
			kind      string
			severity  string
			alert     schema.Alert
			clearedAt *time.Time
		)
		if err := rows.Scan(&id, &kind, &severity, &alert.Component, &alert.Message,
			&alert.Value, &alert.Threshold, &alert.RaisedAt, &clearedAt); err != nil {
			return nil, fmt.Errorf("scan alert: %w", err)
		}
		alert.ID = id.String()
		alert.Kind = schema.AlertKind(kind)
		alert.Severity = schema.Severity(severity)
		alert.ClearedAt = clearedAt
		alerts = append(alerts, alert)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate alerts: %w", err)
	}
	return alerts, nil
}
