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

const executionColumns = `id, runbook_id, runbook_version, trigger_id,
	alert_id, server_id, execution_mode, status, queued_at, started_at,
	completed_at, steps_total, steps_completed, steps_failed, dry_run,
	variables, result_summary, error_message, rollback_executed,
	approval_required, approval_token, approval_requested_at,
	approval_expires_at, approved_by, approved_at, triggered_by_system`

func scanExecution(row pgx.Row) (*model.RunbookExecution, error) {
	var e model.RunbookExecution
	err := row.Scan(&e.ID, &e.RunbookID, &e.RunbookVersion, &e.TriggerID,
		&e.AlertID, &e.ServerID, &e.Mode, &e.Status, &e.QueuedAt, &e.StartedAt,
		&e.CompletedAt, &e.StepsTotal, &e.StepsCompleted, &e.StepsFailed,
		&e.DryRun, &e.Variables, &e.ResultSummary, &e.ErrorMessage,
		&e.RollbackExecuted, &e.ApprovalRequired, &e.ApprovalToken,
		&e.ApprovalRequestedAt, &e.ApprovalExpiresAt, &e.ApprovedBy,
		&e.ApprovedAt, &e.TriggeredBySystem)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan execution: %w", err)
	}
	return &e, nil
}

// CreateExecution inserts a new execution row.
func (s *Store) CreateExecution(ctx context.Context, e *model.RunbookExecution) error {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO runbook_executions (`+executionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14,
			$15, $16::jsonb, $17, $18, $19, $20, $21, $22, $23, $24, $25, $26)`,
		e.ID, e.RunbookID, e.RunbookVersion, e.TriggerID, e.AlertID, e.ServerID,
		e.Mode, e.Status, e.QueuedAt, e.StartedAt, e.CompletedAt, e.StepsTotal,
		e.StepsCompleted, e.StepsFailed, e.DryRun, jsonMap(e.Variables),
		e.ResultSummary, e.ErrorMessage, e.RollbackExecuted, e.ApprovalRequired,
		e.ApprovalToken, e.ApprovalRequestedAt, e.ApprovalExpiresAt,
		e.ApprovedBy, e.ApprovedAt, e.TriggeredBySystem)
	if err != nil {
		return fmt.Errorf("insert execution %s: %w", e.ID, err)
	}
	return nil
}

// UpdateExecution rewrites the mutable fields of an execution.
func (s *Store) UpdateExecution(ctx context.Context, e *model.RunbookExecution) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE runbook_executions SET status = $2, started_at = $3,
			completed_at = $4, steps_total = $5, steps_completed = $6,
			steps_failed = $7, variables = $8::jsonb, result_summary = $9,
			error_message = $10, rollback_executed = $11, approved_by = $12,
			approved_at = $13
		WHERE id = $1`,
		e.ID, e.Status, e.StartedAt, e.CompletedAt, e.StepsTotal,
		e.StepsCompleted, e.StepsFailed, jsonMap(e.Variables), e.ResultSummary,
		e.ErrorMessage, e.RollbackExecuted, e.ApprovedBy, e.ApprovedAt)
	if err != nil {
		return fmt.Errorf("update execution %s: %w", e.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("execution %s not found", e.ID)
	}
	return nil
}

// GetExecution loads one execution, or nil.
func (s *Store) GetExecution(ctx context.Context, id uuid.UUID) (*model.RunbookExecution, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+executionColumns+` FROM runbook_executions WHERE id = $1`, id)
	return scanExecution(row)
}

// GetExecutionForUpdate loads one execution under a row lock, serializing
// concurrent approve/reject attempts on the same row.
func (s *Store) GetExecutionForUpdate(ctx context.Context, id uuid.UUID) (*model.RunbookExecution, error) {
	var exec *model.RunbookExecution
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		row := tx.QueryRow(ctx,
			`SELECT `+executionColumns+` FROM runbook_executions WHERE id = $1 FOR UPDATE`, id)
		var err error
		exec, err = scanExecution(row)
		return err
	})
	if err != nil {
		return nil, err
	}
	return exec, nil
}

// ClaimRunnable atomically claims up to limit executions in
// {queued, approved}, oldest first, transitioning them to running.
// FOR UPDATE SKIP LOCKED keeps concurrent workers from double-claiming.
func (s *Store) ClaimRunnable(ctx context.Context, limit int, now time.Time) ([]*model.RunbookExecution, error) {
	rows, err := s.pool.Query(ctx, `
		WITH claimed AS (
			SELECT id FROM runbook_executions
			WHERE status IN ('queued', 'approved') AND completed_at IS NULL
			ORDER BY queued_at
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		)
		UPDATE runbook_executions e
		SET status = 'running', started_at = $2
		FROM claimed
		WHERE e.id = claimed.id
		RETURNING `+prefixColumns("e.", executionColumns), limit, now)
	if err != nil {
		return nil, fmt.Errorf("claim executions: %w", err)
	}
	defer rows.Close()

	var out []*model.RunbookExecution
	for rows.Next() {
		e, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// TimeoutExpiredApprovals marks pending executions whose approval window
// has passed as timeout. Returns the number updated.
func (s *Store) TimeoutExpiredApprovals(ctx context.Context, now time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE runbook_executions
		SET status = 'timeout', completed_at = $1,
			error_message = 'approval window expired'
		WHERE status = 'pending' AND approval_expires_at < $1`, now)
	if err != nil {
		return 0, fmt.Errorf("timeout approvals: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// ExpirePendingBefore marks pending executions whose approval expired
// before cutoff as expired. Returns the number updated.
func (s *Store) ExpirePendingBefore(ctx context.Context, cutoff time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE runbook_executions
		SET status = 'expired', completed_at = $1,
			error_message = 'approval window expired'
		WHERE status = 'pending' AND approval_expires_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("expire approvals: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// RequestCancel flips the cancel flag on a non-terminal execution. The
// engine reads the flag at step boundaries.
func (s *Store) RequestCancel(ctx context.Context, id uuid.UUID) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE runbook_executions SET cancel_requested = TRUE
		WHERE id = $1 AND completed_at IS NULL`, id)
	if err != nil {
		return fmt.Errorf("request cancel %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("execution %s not found or already finished", id)
	}
	return nil
}

// IsCancelled reads the cancel flag for an execution.
func (s *Store) IsCancelled(ctx context.Context, id uuid.UUID) (bool, error) {
	var cancelled bool
	err := s.pool.QueryRow(ctx,
		`SELECT cancel_requested FROM runbook_executions WHERE id = $1`, id).
		Scan(&cancelled)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("read cancel flag %s: %w", id, err)
	}
	return cancelled, nil
}

// CreateStepExecution inserts a step record.
func (s *Store) CreateStepExecution(ctx context.Context, st *model.StepExecution) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO step_executions (execution_id, step_order, step_name,
			status, started_at, completed_at, duration_ms, command_executed,
			stdout, stderr, exit_code, http_status_code, http_response_body,
			retry_attempt, error_type, error_message)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`,
		st.ExecutionID, st.StepOrder, st.StepName, st.Status, st.StartedAt,
		st.CompletedAt, st.DurationMs, st.CommandExecuted, st.Stdout, st.Stderr,
		st.ExitCode, st.HTTPStatusCode, st.HTTPResponseBody, st.RetryAttempt,
		st.ErrorType, st.ErrorMessage)
	if err != nil {
		return fmt.Errorf("insert step %d of %s: %w", st.StepOrder, st.ExecutionID, err)
	}
	return nil
}

// UpdateStepExecution rewrites a step record after it finishes or retries.
func (s *Store) UpdateStepExecution(ctx context.Context, st *model.StepExecution) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE step_executions SET status = $3, completed_at = $4,
			duration_ms = $5, command_executed = $6, stdout = $7, stderr = $8,
			exit_code = $9, http_status_code = $10, http_response_body = $11,
			retry_attempt = $12, error_type = $13, error_message = $14
		WHERE execution_id = $1 AND step_order = $2`,
		st.ExecutionID, st.StepOrder, st.Status, st.CompletedAt, st.DurationMs,
		st.CommandExecuted, st.Stdout, st.Stderr, st.ExitCode, st.HTTPStatusCode,
		st.HTTPResponseBody, st.RetryAttempt, st.ErrorType, st.ErrorMessage)
	if err != nil {
		return fmt.Errorf("update step %d of %s: %w", st.StepOrder, st.ExecutionID, err)
	}
	return nil
}

// ListStepExecutions returns the step records of an execution in order.
func (s *Store) ListStepExecutions(ctx context.Context, executionID uuid.UUID) ([]model.StepExecution, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT execution_id, step_order, step_name, status, started_at,
			completed_at, duration_ms, command_executed, stdout, stderr,
			exit_code, http_status_code, http_response_body, retry_attempt,
			error_type, error_message
		FROM step_executions WHERE execution_id = $1 ORDER BY step_order`,
		executionID)
	if err != nil {
		return nil, fmt.Errorf("list steps of %s: %w", executionID, err)
	}
	defer rows.Close()

	var out []model.StepExecution
	for rows.Next() {
		var st model.StepExecution
		err := rows.Scan(&st.ExecutionID, &st.StepOrder, &st.StepName, &st.Status,
			&st.StartedAt, &st.CompletedAt, &st.DurationMs, &st.CommandExecuted,
			&st.Stdout, &st.Stderr, &st.ExitCode, &st.HTTPStatusCode,
			&st.HTTPResponseBody, &st.RetryAttempt, &st.ErrorType, &st.ErrorMessage)
		if err != nil {
			return nil, fmt.Errorf("scan step: %w", err)
		}
		out = append(out, st)
	}
	return out, rows.Err()
}
