package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/aegisops/aegis/internal/model"
)

const alertColumns = `id, fingerprint, alert_name, severity, status, instance,
	job, source, ts, labels, annotations, embedding`

func scanAlert(row pgx.Row) (*model.Alert, error) {
	var a model.Alert
	err := row.Scan(&a.ID, &a.Fingerprint, &a.AlertName, &a.Severity, &a.Status,
		&a.Instance, &a.Job, &a.Source, &a.Timestamp, &a.Labels, &a.Annotations,
		&a.Embedding)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan alert: %w", err)
	}
	return &a, nil
}

// GetAlert loads one alert by id. Returns nil when absent.
func (s *Store) GetAlert(ctx context.Context, id uuid.UUID) (*model.Alert, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+alertColumns+` FROM alerts WHERE id = $1`, id)
	return scanAlert(row)
}

// GetAlertByFingerprint loads the alert carrying the fingerprint, or nil.
func (s *Store) GetAlertByFingerprint(ctx context.Context, fingerprint string) (*model.Alert, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+alertColumns+` FROM alerts WHERE fingerprint = $1`, fingerprint)
	return scanAlert(row)
}

// CreateAlert inserts a new alert row.
func (s *Store) CreateAlert(ctx context.Context, a *model.Alert) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO alerts (id, fingerprint, alert_name, severity, status,
			instance, job, source, ts, labels, annotations, embedding)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10::jsonb, $11::jsonb, $12)`,
		a.ID, a.Fingerprint, a.AlertName, a.Severity, a.Status,
		a.Instance, a.Job, a.Source, a.Timestamp,
		jsonMap(a.Labels), jsonMap(a.Annotations), a.Embedding)
	if err != nil {
		return fmt.Errorf("insert alert %s: %w", a.Fingerprint, err)
	}
	return nil
}

// UpdateAlert rewrites the mutable fields of an existing alert. The
// fingerprint never changes; deduplication keys on it.
func (s *Store) UpdateAlert(ctx context.Context, a *model.Alert) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE alerts SET alert_name = $2, severity = $3, status = $4,
			instance = $5, job = $6, source = $7, ts = $8,
			labels = $9::jsonb, annotations = $10::jsonb,
			embedding = COALESCE($11, embedding)
		WHERE id = $1`,
		a.ID, a.AlertName, a.Severity, a.Status, a.Instance, a.Job, a.Source,
		a.Timestamp, jsonMap(a.Labels), jsonMap(a.Annotations), a.Embedding)
	if err != nil {
		return fmt.Errorf("update alert %s: %w", a.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("alert %s not found", a.ID)
	}
	return nil
}

// ResolveAlert transitions a firing alert to resolved. Resolved alerts
// never go back to firing, so the update is conditional.
func (s *Store) ResolveAlert(ctx context.Context, id uuid.UUID) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE alerts SET status = 'resolved' WHERE id = $1 AND status = 'firing'`, id)
	if err != nil {
		return fmt.Errorf("resolve alert %s: %w", id, err)
	}
	return nil
}
