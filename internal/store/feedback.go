package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/aegisops/aegis/internal/model"
)

// CreateProvenSolution records a post-success snapshot linking an alert to
// the runbook that resolved it.
func (s *Store) CreateProvenSolution(ctx context.Context, sol *model.ProvenSolution) error {
	if sol.ID == uuid.Nil {
		sol.ID = uuid.New()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO proven_solutions (id, runbook_id, alert_id, execution_id,
			problem_description, embedding, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		sol.ID, sol.RunbookID, sol.AlertID, sol.ExecutionID,
		sol.ProblemDescription, sol.Embedding, sol.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert proven solution for %s: %w", sol.RunbookID, err)
	}
	return nil
}

// ExecutionStats counts successes over the runbook's most recent
// non-dry-run terminal executions, at most lastN of them.
func (s *Store) ExecutionStats(ctx context.Context, runbookID uuid.UUID, lastN int) (successes, total int, err error) {
	err = s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FILTER (WHERE status = 'success'), COUNT(*)
		FROM (
			SELECT status FROM runbook_executions
			WHERE runbook_id = $1 AND NOT dry_run AND completed_at IS NOT NULL
			ORDER BY queued_at DESC
			LIMIT $2
		) recent`, runbookID, lastN).Scan(&successes, &total)
	if err != nil {
		return 0, 0, fmt.Errorf("execution stats for %s: %w", runbookID, err)
	}
	return successes, total, nil
}

// RestrictedRunbookIDs returns runbooks carrying an explicit view
// restriction row. Treated as view-only until per-role semantics land.
func (s *Store) RestrictedRunbookIDs(ctx context.Context) (map[uuid.UUID]bool, error) {
	rows, err := s.pool.Query(ctx, `SELECT DISTINCT runbook_id FROM runbook_acl`)
	if err != nil {
		return nil, fmt.Errorf("list restricted runbooks: %w", err)
	}
	defer rows.Close()

	out := make(map[uuid.UUID]bool)
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan restricted runbook: %w", err)
		}
		out[id] = true
	}
	return out, rows.Err()
}

// RecordClick stores one click-through on a surfaced runbook.
func (s *Store) RecordClick(ctx context.Context, runbookID uuid.UUID, principal string, at time.Time) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO runbook_clicks (runbook_id, clicked_at, principal)
		VALUES ($1, $2, $3)`, runbookID, at, principal)
	if err != nil {
		return fmt.Errorf("record click for %s: %w", runbookID, err)
	}
	return nil
}

// ClickCounts returns per-runbook click counts since the given time.
func (s *Store) ClickCounts(ctx context.Context, since time.Time) (map[uuid.UUID]int, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT runbook_id, COUNT(*) FROM runbook_clicks
		WHERE clicked_at >= $1 GROUP BY runbook_id`, since)
	if err != nil {
		return nil, fmt.Errorf("count clicks: %w", err)
	}
	defer rows.Close()

	out := make(map[uuid.UUID]int)
	for rows.Next() {
		var id uuid.UUID
		var n int
		if err := rows.Scan(&id, &n); err != nil {
			return nil, fmt.Errorf("scan clicks: %w", err)
		}
		out[id] = n
	}
	return out, rows.Err()
}

// RecordFeedback stores one thumbs up/down vote for a runbook.
func (s *Store) RecordFeedback(ctx context.Context, runbookID uuid.UUID, principal string, thumbsUp bool, at time.Time) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO runbook_feedback (runbook_id, principal, thumbs_up, created_at)
		VALUES ($1, $2, $3, $4)`, runbookID, principal, thumbsUp, at)
	if err != nil {
		return fmt.Errorf("record feedback for %s: %w", runbookID, err)
	}
	return nil
}

// FeedbackCounts returns the thumbs up/down totals for a runbook.
func (s *Store) FeedbackCounts(ctx context.Context, runbookID uuid.UUID) (up, down int, err error) {
	err = s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FILTER (WHERE thumbs_up),
			COUNT(*) FILTER (WHERE NOT thumbs_up)
		FROM runbook_feedback WHERE runbook_id = $1`, runbookID).Scan(&up, &down)
	if err != nil {
		return 0, 0, fmt.Errorf("feedback counts for %s: %w", runbookID, err)
	}
	return up, down, nil
}
