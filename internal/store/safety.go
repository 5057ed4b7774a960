package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/aegisops/aegis/internal/model"
)

// GetBreaker loads the circuit breaker for a runbook, or nil when the
// runbook has never tripped one.
func (s *Store) GetBreaker(ctx context.Context, runbookID uuid.UUID) (*model.CircuitBreaker, error) {
	var cb model.CircuitBreaker
	err := s.pool.QueryRow(ctx, `
		SELECT scope, scope_id, state, failure_count, success_count,
			failure_threshold, success_threshold, opened_at, closes_at,
			open_duration_minutes, last_failure_at, last_success_at,
			manually_opened, manually_opened_reason
		FROM circuit_breakers
		WHERE scope = 'runbook' AND scope_id = $1`, runbookID).
		Scan(&cb.Scope, &cb.ScopeID, &cb.State, &cb.FailureCount,
			&cb.SuccessCount, &cb.FailureThreshold, &cb.SuccessThreshold,
			&cb.OpenedAt, &cb.ClosesAt, &cb.OpenDurationMinutes,
			&cb.LastFailureAt, &cb.LastSuccessAt, &cb.ManuallyOpened,
			&cb.ManuallyOpenedReason)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan breaker: %w", err)
	}
	return &cb, nil
}

// SaveBreaker upserts the breaker row for its scope id.
func (s *Store) SaveBreaker(ctx context.Context, cb *model.CircuitBreaker) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO circuit_breakers (scope, scope_id, state, failure_count,
			success_count, failure_threshold, success_threshold, opened_at,
			closes_at, open_duration_minutes, last_failure_at, last_success_at,
			manually_opened, manually_opened_reason)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (scope, scope_id) DO UPDATE SET
			state = EXCLUDED.state,
			failure_count = EXCLUDED.failure_count,
			success_count = EXCLUDED.success_count,
			failure_threshold = EXCLUDED.failure_threshold,
			success_threshold = EXCLUDED.success_threshold,
			opened_at = EXCLUDED.opened_at,
			closes_at = EXCLUDED.closes_at,
			open_duration_minutes = EXCLUDED.open_duration_minutes,
			last_failure_at = EXCLUDED.last_failure_at,
			last_success_at = EXCLUDED.last_success_at,
			manually_opened = EXCLUDED.manually_opened,
			manually_opened_reason = EXCLUDED.manually_opened_reason`,
		cb.Scope, cb.ScopeID, cb.State, cb.FailureCount, cb.SuccessCount,
		cb.FailureThreshold, cb.SuccessThreshold, cb.OpenedAt, cb.ClosesAt,
		cb.OpenDurationMinutes, cb.LastFailureAt, cb.LastSuccessAt,
		cb.ManuallyOpened, cb.ManuallyOpenedReason)
	if err != nil {
		return fmt.Errorf("save breaker %s: %w", cb.ScopeID, err)
	}
	return nil
}

// GetRateLimit loads the explicit rate limit record for a runbook, or nil.
func (s *Store) GetRateLimit(ctx context.Context, runbookID uuid.UUID) (*model.ExecutionRateLimit, error) {
	var rl model.ExecutionRateLimit
	err := s.pool.QueryRow(ctx, `
		SELECT runbook_id, max_executions, window_seconds
		FROM execution_rate_limits WHERE runbook_id = $1`, runbookID).
		Scan(&rl.RunbookID, &rl.MaxExecutions, &rl.WindowSeconds)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan rate limit: %w", err)
	}
	return &rl, nil
}

// SaveRateLimit upserts an explicit rate limit for a runbook.
func (s *Store) SaveRateLimit(ctx context.Context, rl *model.ExecutionRateLimit) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO execution_rate_limits (runbook_id, max_executions, window_seconds)
		VALUES ($1, $2, $3)
		ON CONFLICT (runbook_id) DO UPDATE SET
			max_executions = EXCLUDED.max_executions,
			window_seconds = EXCLUDED.window_seconds`,
		rl.RunbookID, rl.MaxExecutions, rl.WindowSeconds)
	if err != nil {
		return fmt.Errorf("save rate limit %s: %w", rl.RunbookID, err)
	}
	return nil
}

// CountExecutionsSince counts executions of a runbook queued at or after
// the given time. Denied requests never create rows, so they consume no
// window budget.
func (s *Store) CountExecutionsSince(ctx context.Context, runbookID uuid.UUID, since time.Time) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM runbook_executions
		WHERE runbook_id = $1 AND queued_at >= $2`, runbookID, since).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count executions: %w", err)
	}
	return n, nil
}

// OldestExecutionSince returns the oldest queued_at inside the window, or
// nil when the window is empty. Feeds the rate limiter's retry hint.
func (s *Store) OldestExecutionSince(ctx context.Context, runbookID uuid.UUID, since time.Time) (*time.Time, error) {
	var t *time.Time
	err := s.pool.QueryRow(ctx, `
		SELECT MIN(queued_at) FROM runbook_executions
		WHERE runbook_id = $1 AND queued_at >= $2`, runbookID, since).Scan(&t)
	if err != nil {
		return nil, fmt.Errorf("oldest execution: %w", err)
	}
	return t, nil
}

// LastExecutionQueuedAt returns the most recent queued_at for a runbook,
// or nil when it has never executed. Feeds the cooldown check.
func (s *Store) LastExecutionQueuedAt(ctx context.Context, runbookID uuid.UUID) (*time.Time, error) {
	var t *time.Time
	err := s.pool.QueryRow(ctx, `
		SELECT MAX(queued_at) FROM runbook_executions
		WHERE runbook_id = $1`, runbookID).Scan(&t)
	if err != nil {
		return nil, fmt.Errorf("last execution: %w", err)
	}
	return t, nil
}

// ActiveBlackoutWindows lists enabled windows containing the instant.
func (s *Store) ActiveBlackoutWindows(ctx context.Context, at time.Time) ([]model.BlackoutWindow, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, name, start_time, end_time, enabled, scope,
			affected_categories, affected_runbook_ids, reason
		FROM blackout_windows
		WHERE enabled AND start_time <= $1 AND $1 < end_time`, at)
	if err != nil {
		return nil, fmt.Errorf("list blackout windows: %w", err)
	}
	defer rows.Close()

	var out []model.BlackoutWindow
	for rows.Next() {
		var w model.BlackoutWindow
		err := rows.Scan(&w.ID, &w.Name, &w.StartTime, &w.EndTime, &w.Enabled,
			&w.Scope, &w.AffectedCategories, &w.AffectedRunbookIDs, &w.Reason)
		if err != nil {
			return nil, fmt.Errorf("scan blackout window: %w", err)
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

// CreateBlackoutWindow inserts a blackout window.
func (s *Store) CreateBlackoutWindow(ctx context.Context, w *model.BlackoutWindow) error {
	if w.ID == uuid.Nil {
		w.ID = uuid.New()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO blackout_windows (id, name, start_time, end_time, enabled,
			scope, affected_categories, affected_runbook_ids, reason)
		VALUES ($1, $2, $3, $4, $5, $6, $7::jsonb, $8::jsonb, $9)`,
		w.ID, w.Name, w.StartTime, w.EndTime, w.Enabled, w.Scope,
		jsonStrings(w.AffectedCategories), jsonUUIDs(w.AffectedRunbookIDs),
		w.Reason)
	if err != nil {
		return fmt.Errorf("insert blackout window %q: %w", w.Name, err)
	}
	return nil
}
