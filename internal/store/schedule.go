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

const jobColumns = `id, runbook_id, name, schedule_type, cron_expression,
	interval_seconds, start_date, end_date, timezone, target_server_id,
	execution_params, max_instances, misfire_grace_time, coalesce_fires, enabled,
	last_run_at, last_run_status, next_run_at, run_count, failure_count`

func scanJob(row pgx.Row) (*model.ScheduledJob, error) {
	var j model.ScheduledJob
	err := row.Scan(&j.ID, &j.RunbookID, &j.Name, &j.ScheduleType,
		&j.CronExpression, &j.IntervalSeconds, &j.StartDate, &j.EndDate,
		&j.Timezone, &j.TargetServerID, &j.ExecutionParams, &j.MaxInstances,
		&j.MisfireGraceTime, &j.Coalesce, &j.Enabled, &j.LastRunAt,
		&j.LastRunStatus, &j.NextRunAt, &j.RunCount, &j.FailureCount)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan job: %w", err)
	}
	return &j, nil
}

// DueJobs returns enabled jobs whose next_run_at has arrived. Jobs with
// no next_run_at yet are included so the scheduler can initialize them.
func (s *Store) DueJobs(ctx context.Context, now time.Time) ([]model.ScheduledJob, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+jobColumns+` FROM scheduled_jobs
		WHERE enabled AND (next_run_at IS NULL OR next_run_at <= $1)
		ORDER BY next_run_at NULLS FIRST`, now)
	if err != nil {
		return nil, fmt.Errorf("list due jobs: %w", err)
	}
	defer rows.Close()

	var out []model.ScheduledJob
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *j)
	}
	return out, rows.Err()
}

// GetJob loads one scheduled job, or nil.
func (s *Store) GetJob(ctx context.Context, id uuid.UUID) (*model.ScheduledJob, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM scheduled_jobs WHERE id = $1`, id)
	return scanJob(row)
}

// ListJobs returns every scheduled job.
func (s *Store) ListJobs(ctx context.Context) ([]model.ScheduledJob, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+jobColumns+` FROM scheduled_jobs ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var out []model.ScheduledJob
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *j)
	}
	return out, rows.Err()
}

// CreateJob inserts a scheduled job.
func (s *Store) CreateJob(ctx context.Context, j *model.ScheduledJob) error {
	if j.ID == uuid.Nil {
		j.ID = uuid.New()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO scheduled_jobs (`+jobColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11::jsonb, $12, $13,
			$14, $15, $16, $17, $18, $19, $20)`,
		j.ID, j.RunbookID, j.Name, j.ScheduleType, j.CronExpression,
		j.IntervalSeconds, j.StartDate, j.EndDate, j.Timezone, j.TargetServerID,
		jsonMap(j.ExecutionParams), j.MaxInstances, j.MisfireGraceTime,
		j.Coalesce, j.Enabled, j.LastRunAt, j.LastRunStatus, j.NextRunAt,
		j.RunCount, j.FailureCount)
	if err != nil {
		return fmt.Errorf("insert job %q: %w", j.Name, err)
	}
	return nil
}

// UpdateJob rewrites a scheduled job, including next_run_at and the
// counters. The scheduler calls this atomically with firing, so a fire
// and its next-run persistence never diverge.
func (s *Store) UpdateJob(ctx context.Context, j *model.ScheduledJob) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE scheduled_jobs SET runbook_id = $2, name = $3,
			schedule_type = $4, cron_expression = $5, interval_seconds = $6,
			start_date = $7, end_date = $8, timezone = $9,
			target_server_id = $10, execution_params = $11::jsonb,
			max_instances = $12, misfire_grace_time = $13, coalesce_fires = $14,
			enabled = $15, last_run_at = $16, last_run_status = $17,
			next_run_at = $18, run_count = $19, failure_count = $20
		WHERE id = $1`,
		j.ID, j.RunbookID, j.Name, j.ScheduleType, j.CronExpression,
		j.IntervalSeconds, j.StartDate, j.EndDate, j.Timezone, j.TargetServerID,
		jsonMap(j.ExecutionParams), j.MaxInstances, j.MisfireGraceTime,
		j.Coalesce, j.Enabled, j.LastRunAt, j.LastRunStatus, j.NextRunAt,
		j.RunCount, j.FailureCount)
	if err != nil {
		return fmt.Errorf("update job %s: %w", j.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("job %s not found", j.ID)
	}
	return nil
}

// SetJobEnabled pauses or resumes a job.
func (s *Store) SetJobEnabled(ctx context.Context, id uuid.UUID, enabled bool) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE scheduled_jobs SET enabled = $2 WHERE id = $1`, id, enabled)
	if err != nil {
		return fmt.Errorf("set job %s enabled=%v: %w", id, enabled, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("job %s not found", id)
	}
	return nil
}

// DeleteJob removes a scheduled job. Its history rows stay for audit.
func (s *Store) DeleteJob(ctx context.Context, id uuid.UUID) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM scheduled_jobs WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete job %s: %w", id, err)
	}
	return nil
}

// RecordScheduleHistory inserts one fire record, including missed fires.
func (s *Store) RecordScheduleHistory(ctx context.Context, h *model.ScheduleExecutionHistory) error {
	if h.ID == uuid.Nil {
		h.ID = uuid.New()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO schedule_execution_history (id, job_id, scheduled_at,
			executed_at, completed_at, status, error_message, duration_ms,
			execution_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		h.ID, h.JobID, h.ScheduledAt, h.ExecutedAt, h.CompletedAt, h.Status,
		h.ErrorMessage, h.DurationMs, h.ExecutionID)
	if err != nil {
		return fmt.Errorf("insert schedule history for %s: %w", h.JobID, err)
	}
	return nil
}

// UpdateScheduleHistory rewrites a fire record once the outcome is known.
func (s *Store) UpdateScheduleHistory(ctx context.Context, h *model.ScheduleExecutionHistory) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE schedule_execution_history SET executed_at = $2,
			completed_at = $3, status = $4, error_message = $5,
			duration_ms = $6, execution_id = $7
		WHERE id = $1`,
		h.ID, h.ExecutedAt, h.CompletedAt, h.Status, h.ErrorMessage,
		h.DurationMs, h.ExecutionID)
	if err != nil {
		return fmt.Errorf("update schedule history %s: %w", h.ID, err)
	}
	return nil
}

// ListScheduleHistory returns the most recent fires of one job.
func (s *Store) ListScheduleHistory(ctx context.Context, jobID uuid.UUID, limit int) ([]model.ScheduleExecutionHistory, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, job_id, scheduled_at, executed_at, completed_at, status,
			error_message, duration_ms, execution_id
		FROM schedule_execution_history
		WHERE job_id = $1 ORDER BY scheduled_at DESC LIMIT $2`, jobID, limit)
	if err != nil {
		return nil, fmt.Errorf("list schedule history: %w", err)
	}
	defer rows.Close()

	var out []model.ScheduleExecutionHistory
	for rows.Next() {
		var h model.ScheduleExecutionHistory
		err := rows.Scan(&h.ID, &h.JobID, &h.ScheduledAt, &h.ExecutedAt,
			&h.CompletedAt, &h.Status, &h.ErrorMessage, &h.DurationMs,
			&h.ExecutionID)
		if err != nil {
			return nil, fmt.Errorf("scan schedule history: %w", err)
		}
		out = append(out, h)
	}
	return out, rows.Err()
}
