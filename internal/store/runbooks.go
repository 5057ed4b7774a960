package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/aegisops/aegis/internal/model"
)

const runbookColumns = `id, name, description, category, tags, enabled,
	auto_execute, approval_required, approval_roles, approval_timeout_minutes,
	max_executions_per_hour, cooldown_minutes, default_server_id,
	target_from_alert, target_alert_label, version, embedding`

func scanRunbook(row pgx.Row) (*model.Runbook, error) {
	var rb model.Runbook
	err := row.Scan(&rb.ID, &rb.Name, &rb.Description, &rb.Category, &rb.Tags,
		&rb.Enabled, &rb.AutoExecute, &rb.ApprovalRequired, &rb.ApprovalRoles,
		&rb.ApprovalTimeoutMinutes, &rb.MaxExecutionsPerHour, &rb.CooldownMinutes,
		&rb.DefaultServerID, &rb.TargetFromAlert, &rb.TargetAlertLabel,
		&rb.Version, &rb.Embedding)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan runbook: %w", err)
	}
	return &rb, nil
}

// GetRunbook loads one runbook without steps or triggers. Returns nil
// when absent.
func (s *Store) GetRunbook(ctx context.Context, id uuid.UUID) (*model.Runbook, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+runbookColumns+` FROM runbooks WHERE id = $1`, id)
	return scanRunbook(row)
}

// GetRunbookWithSteps loads one runbook with its steps ordered by
// step_order. Returns nil when absent.
func (s *Store) GetRunbookWithSteps(ctx context.Context, id uuid.UUID) (*model.Runbook, error) {
	rb, err := s.GetRunbook(ctx, id)
	if err != nil || rb == nil {
		return rb, err
	}
	rb.Steps, err = s.stepsFor(ctx, id)
	if err != nil {
		return nil, err
	}
	return rb, nil
}

// EnabledRunbooksWithTriggers returns every enabled runbook with its
// steps and enabled triggers populated, for the trigger matcher.
func (s *Store) EnabledRunbooksWithTriggers(ctx context.Context) ([]model.Runbook, error) {
	runbooks, err := s.listRunbooks(ctx, `WHERE enabled`)
	if err != nil {
		return nil, err
	}
	for i := range runbooks {
		rb := &runbooks[i]
		if rb.Steps, err = s.stepsFor(ctx, rb.ID); err != nil {
			return nil, err
		}
		if rb.Triggers, err = s.triggersFor(ctx, rb.ID); err != nil {
			return nil, err
		}
	}
	return runbooks, nil
}

// EnabledRunbooksWithEmbeddings returns enabled runbooks carrying an
// embedding, with steps populated for OS matching. The ranker computes
// cosine distance in memory over this candidate set.
func (s *Store) EnabledRunbooksWithEmbeddings(ctx context.Context) ([]model.Runbook, error) {
	runbooks, err := s.listRunbooks(ctx, `WHERE enabled AND embedding IS NOT NULL`)
	if err != nil {
		return nil, err
	}
	for i := range runbooks {
		rb := &runbooks[i]
		if rb.Steps, err = s.stepsFor(ctx, rb.ID); err != nil {
			return nil, err
		}
	}
	return runbooks, nil
}

func (s *Store) listRunbooks(ctx context.Context, where string) ([]model.Runbook, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+runbookColumns+` FROM runbooks `+where+` ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list runbooks: %w", err)
	}
	defer rows.Close()

	var out []model.Runbook
	for rows.Next() {
		rb, err := scanRunbook(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *rb)
	}
	return out, rows.Err()
}

const stepColumns = `runbook_id, step_order, name, description, step_type,
	target_os, command_linux, command_windows, requires_elevation,
	timeout_seconds, expected_exit_code, expected_output_pattern, retry_count,
	retry_delay_seconds, continue_on_fail, rollback_command_linux,
	rollback_command_windows, output_variable, output_extract_pattern,
	run_if_variable, run_if_value, environment, working_directory,
	api_method, api_endpoint, api_headers, api_query_params, api_body,
	api_body_type, api_expected_status_codes, api_response_extract,
	api_credential_profile_id`

func (s *Store) stepsFor(ctx context.Context, runbookID uuid.UUID) ([]model.RunbookStep, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+stepColumns+` FROM runbook_steps WHERE runbook_id = $1 ORDER BY step_order`,
		runbookID)
	if err != nil {
		return nil, fmt.Errorf("list steps: %w", err)
	}
	defer rows.Close()

	var steps []model.RunbookStep
	for rows.Next() {
		var st model.RunbookStep
		err := rows.Scan(&st.RunbookID, &st.StepOrder, &st.Name, &st.Description,
			&st.StepType, &st.TargetOS, &st.CommandLinux, &st.CommandWindows,
			&st.RequiresElevation, &st.TimeoutSeconds, &st.ExpectedExitCode,
			&st.ExpectedOutputPattern, &st.RetryCount, &st.RetryDelaySeconds,
			&st.ContinueOnFail, &st.RollbackCommandLinux, &st.RollbackCommandWindows,
			&st.OutputVariable, &st.OutputExtractPattern, &st.RunIfVariable,
			&st.RunIfValue, &st.Environment, &st.WorkingDirectory,
			&st.APIMethod, &st.APIEndpoint, &st.APIHeaders, &st.APIQueryParams,
			&st.APIBody, &st.APIBodyType, &st.APIExpectedStatusCodes,
			&st.APIResponseExtract, &st.APICredentialProfileID)
		if err != nil {
			return nil, fmt.Errorf("scan step: %w", err)
		}
		steps = append(steps, st)
	}
	return steps, rows.Err()
}

func (s *Store) triggersFor(ctx context.Context, runbookID uuid.UUID) ([]model.RunbookTrigger, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, runbook_id, enabled, priority, alert_name_pattern,
			severity_pattern, instance_pattern, job_pattern, label_matchers,
			cooldown_minutes
		FROM runbook_triggers
		WHERE runbook_id = $1 AND enabled
		ORDER BY priority`, runbookID)
	if err != nil {
		return nil, fmt.Errorf("list triggers: %w", err)
	}
	defer rows.Close()

	var triggers []model.RunbookTrigger
	for rows.Next() {
		var t model.RunbookTrigger
		err := rows.Scan(&t.ID, &t.RunbookID, &t.Enabled, &t.Priority,
			&t.AlertNamePattern, &t.SeverityPattern, &t.InstancePattern,
			&t.JobPattern, &t.LabelMatchers, &t.CooldownMinutes)
		if err != nil {
			return nil, fmt.Errorf("scan trigger: %w", err)
		}
		triggers = append(triggers, t)
	}
	return triggers, rows.Err()
}

// CreateRunbook inserts a runbook with its steps and triggers in one
// transaction. Missing ids are assigned.
func (s *Store) CreateRunbook(ctx context.Context, rb *model.Runbook) error {
	if rb.ID == uuid.Nil {
		rb.ID = uuid.New()
	}
	if rb.Version == 0 {
		rb.Version = 1
	}
	return s.withTx(ctx, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO runbooks (id, name, description, category, tags, enabled,
				auto_execute, approval_required, approval_roles,
				approval_timeout_minutes, max_executions_per_hour,
				cooldown_minutes, default_server_id, target_from_alert,
				target_alert_label, version, embedding)
			VALUES ($1, $2, $3, $4, $5::jsonb, $6, $7, $8, $9::jsonb, $10, $11,
				$12, $13, $14, $15, $16, $17)`,
			rb.ID, rb.Name, rb.Description, rb.Category, jsonStrings(rb.Tags),
			rb.Enabled, rb.AutoExecute, rb.ApprovalRequired,
			jsonStrings(rb.ApprovalRoles), rb.ApprovalTimeoutMinutes,
			rb.MaxExecutionsPerHour, rb.CooldownMinutes, rb.DefaultServerID,
			rb.TargetFromAlert, rb.TargetAlertLabel, rb.Version, rb.Embedding)
		if err != nil {
			return fmt.Errorf("insert runbook %q: %w", rb.Name, err)
		}
		if err := insertSteps(ctx, tx, rb); err != nil {
			return err
		}
		return insertTriggers(ctx, tx, rb)
	})
}

// UpdateRunbook rewrites a runbook and replaces its steps and triggers,
// incrementing version. The version bump and the child rewrite share one
// transaction, so readers never see a half-edited runbook.
func (s *Store) UpdateRunbook(ctx context.Context, rb *model.Runbook) error {
	return s.withTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE runbooks SET name = $2, description = $3, category = $4,
				tags = $5::jsonb, enabled = $6, auto_execute = $7,
				approval_required = $8, approval_roles = $9::jsonb,
				approval_timeout_minutes = $10, max_executions_per_hour = $11,
				cooldown_minutes = $12, default_server_id = $13,
				target_from_alert = $14, target_alert_label = $15,
				version = version + 1,
				embedding = COALESCE($16, embedding)
			WHERE id = $1`,
			rb.ID, rb.Name, rb.Description, rb.Category, jsonStrings(rb.Tags),
			rb.Enabled, rb.AutoExecute, rb.ApprovalRequired,
			jsonStrings(rb.ApprovalRoles), rb.ApprovalTimeoutMinutes,
			rb.MaxExecutionsPerHour, rb.CooldownMinutes, rb.DefaultServerID,
			rb.TargetFromAlert, rb.TargetAlertLabel, rb.Embedding)
		if err != nil {
			return fmt.Errorf("update runbook %s: %w", rb.ID, err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("runbook %s not found", rb.ID)
		}
		rb.Version++

		if _, err := tx.Exec(ctx,
			`DELETE FROM runbook_steps WHERE runbook_id = $1`, rb.ID); err != nil {
			return fmt.Errorf("clear steps: %w", err)
		}
		if _, err := tx.Exec(ctx,
			`DELETE FROM runbook_triggers WHERE runbook_id = $1`, rb.ID); err != nil {
			return fmt.Errorf("clear triggers: %w", err)
		}
		if err := insertSteps(ctx, tx, rb); err != nil {
			return err
		}
		return insertTriggers(ctx, tx, rb)
	})
}

// DeleteRunbook removes a runbook; steps and triggers cascade. Breakers,
// rate limits, blackouts and scheduled jobs reference runbooks weakly and
// are left behind; readers tolerate the missing referent.
func (s *Store) DeleteRunbook(ctx context.Context, id uuid.UUID) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM runbooks WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete runbook %s: %w", id, err)
	}
	return nil
}

func insertSteps(ctx context.Context, tx pgx.Tx, rb *model.Runbook) error {
	for i := range rb.Steps {
		st := &rb.Steps[i]
		st.RunbookID = rb.ID
		_, err := tx.Exec(ctx, `
			INSERT INTO runbook_steps (runbook_id, step_order, name, description,
				step_type, target_os, command_linux, command_windows,
				requires_elevation, timeout_seconds, expected_exit_code,
				expected_output_pattern, retry_count, retry_delay_seconds,
				continue_on_fail, rollback_command_linux, rollback_command_windows,
				output_variable, output_extract_pattern, run_if_variable,
				run_if_value, environment, working_directory, api_method,
				api_endpoint, api_headers, api_query_params, api_body,
				api_body_type, api_expected_status_codes, api_response_extract,
				api_credential_profile_id)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14,
				$15, $16, $17, $18, $19, $20, $21, $22::jsonb, $23, $24, $25,
				$26::jsonb, $27::jsonb, $28, $29, $30::jsonb, $31::jsonb, $32)`,
			st.RunbookID, st.StepOrder, st.Name, st.Description, st.StepType,
			st.TargetOS, st.CommandLinux, st.CommandWindows, st.RequiresElevation,
			st.TimeoutSeconds, st.ExpectedExitCode, st.ExpectedOutputPattern,
			st.RetryCount, st.RetryDelaySeconds, st.ContinueOnFail,
			st.RollbackCommandLinux, st.RollbackCommandWindows, st.OutputVariable,
			st.OutputExtractPattern, st.RunIfVariable, st.RunIfValue,
			jsonMap(st.Environment), st.WorkingDirectory, st.APIMethod,
			st.APIEndpoint, jsonMap(st.APIHeaders), jsonMap(st.APIQueryParams),
			st.APIBody, st.APIBodyType, jsonInts(st.APIExpectedStatusCodes),
			jsonMap(st.APIResponseExtract), st.APICredentialProfileID)
		if err != nil {
			return fmt.Errorf("insert step %d: %w", st.StepOrder, err)
		}
	}
	return nil
}

func insertTriggers(ctx context.Context, tx pgx.Tx, rb *model.Runbook) error {
	for i := range rb.Triggers {
		t := &rb.Triggers[i]
		t.RunbookID = rb.ID
		if t.ID == uuid.Nil {
			t.ID = uuid.New()
		}
		_, err := tx.Exec(ctx, `
			INSERT INTO runbook_triggers (id, runbook_id, enabled, priority,
				alert_name_pattern, severity_pattern, instance_pattern,
				job_pattern, label_matchers, cooldown_minutes)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9::jsonb, $10)`,
			t.ID, t.RunbookID, t.Enabled, t.Priority, t.AlertNamePattern,
			t.SeverityPattern, t.InstancePattern, t.JobPattern,
			jsonMap(t.LabelMatchers), t.CooldownMinutes)
		if err != nil {
			return fmt.Errorf("insert trigger %d: %w", t.Priority, err)
		}
	}
	return nil
}
