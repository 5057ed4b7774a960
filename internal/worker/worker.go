// Package worker polls the execution table and drives claimed executions
// through the runbook engine. One worker instance per deployment; the
// claim query locks rows so a second instance cannot double-claim.
package worker

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/aegisops/aegis/internal/model"
)

const (
	DefaultPollInterval = 5 * time.Second
	DefaultBatchSize    = 10
)

// Store is the persistence surface the worker needs.
type Store interface {
	// ClaimRunnable atomically selects up to limit executions in
	// {queued, approved} ordered by queued_at, transitions them to
	// running with started_at=now, and returns them. Row locks inside
	// the claiming transaction keep concurrent workers apart.
	ClaimRunnable(ctx context.Context, limit int, now time.Time) ([]*model.RunbookExecution, error)
	// TimeoutExpiredApprovals marks pending executions whose approval
	// window passed as timeout. Returns the number updated.
	TimeoutExpiredApprovals(ctx context.Context, now time.Time) (int, error)
	GetRunbookWithSteps(ctx context.Context, id uuid.UUID) (*model.Runbook, error)
	GetServer(ctx context.Context, id uuid.UUID) (*model.Server, error)
	UpdateExecution(ctx context.Context, exec *model.RunbookExecution) error
}

// Runner runs one claimed execution to a terminal state. Implemented by
// engine.Engine.
type Runner interface {
	Run(ctx context.Context, exec *model.RunbookExecution, rb *model.Runbook, server *model.Server) error
}

// Worker is the background execution loop.
type Worker struct {
	store  Store
	runner Runner

	pollInterval time.Duration
	batchSize    int
	now          func() time.Time
}

// New creates a worker with the default poll interval and batch size.
func New(store Store, runner Runner) *Worker {
	return &Worker{
		store:        store,
		runner:       runner,
		pollInterval: DefaultPollInterval,
		batchSize:    DefaultBatchSize,
		now:          func() time.Time { return time.Now().UTC() },
	}
}

// SetPollInterval overrides the poll interval. Zero or negative keeps the
// default.
func (w *Worker) SetPollInterval(d time.Duration) {
	if d > 0 {
		w.pollInterval = d
	}
}

// SetBatchSize overrides how many executions one poll claims.
func (w *Worker) SetBatchSize(n int) {
	if n > 0 {
		w.batchSize = n
	}
}

// Run polls until ctx is cancelled. Work claimed before cancellation is
// drained; the loop checks ctx between executions.
func (w *Worker) Run(ctx context.Context) {
	log.Printf("[worker] Started (poll %s, batch %d)", w.pollInterval, w.batchSize)
	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	for {
		w.Poll(ctx)
		select {
		case <-ctx.Done():
			log.Printf("[worker] Stopped")
			return
		case <-ticker.C:
		}
	}
}

// Poll performs one iteration: time out stale approvals, then claim and
// run a batch. Exposed for tests and for a final drain on shutdown.
func (w *Worker) Poll(ctx context.Context) {
	now := w.now()

	if n, err := w.store.TimeoutExpiredApprovals(ctx, now); err != nil {
		log.Printf("[worker] Timeout scan: %v", err)
	} else if n > 0 {
		log.Printf("[worker] Timed out %d executions awaiting approval", n)
	}

	claimed, err := w.store.ClaimRunnable(ctx, w.batchSize, now)
	if err != nil {
		log.Printf("[worker] Claim: %v", err)
		return
	}
	for _, exec := range claimed {
		if ctx.Err() != nil {
			// Claimed but not started; hand it back to the next poll.
			w.requeue(exec)
			continue
		}
		w.runOne(ctx, exec)
	}
}

func (w *Worker) runOne(ctx context.Context, exec *model.RunbookExecution) {
	rb, server, err := w.resolve(ctx, exec)
	if err != nil {
		w.failExecution(ctx, exec, err)
		return
	}
	if err := w.runner.Run(ctx, exec, rb, server); err != nil {
		w.failExecution(ctx, exec, err)
	}
}

// resolve loads the runbook and target of a claimed execution. A missing
// runbook is fatal; a missing server is fatal unless every runnable step
// is an API step with its own credential profile.
func (w *Worker) resolve(ctx context.Context, exec *model.RunbookExecution) (*model.Runbook, *model.Server, error) {
	rb, err := w.store.GetRunbookWithSteps(ctx, exec.RunbookID)
	if err != nil {
		return nil, nil, fmt.Errorf("load runbook %s: %w", exec.RunbookID, err)
	}
	if rb == nil {
		return nil, nil, fmt.Errorf("runbook %s no longer exists", exec.RunbookID)
	}

	var server *model.Server
	if exec.ServerID != nil {
		server, err = w.store.GetServer(ctx, *exec.ServerID)
		if err != nil {
			return nil, nil, fmt.Errorf("load server %s: %w", exec.ServerID, err)
		}
	}
	if server == nil && !apiOnly(rb) {
		return nil, nil, fmt.Errorf("execution %s has no target server", exec.ID)
	}
	return rb, server, nil
}

func apiOnly(rb *model.Runbook) bool {
	for _, step := range rb.Steps {
		if step.StepType != model.StepAPI || step.APICredentialProfileID == nil {
			return false
		}
	}
	return len(rb.Steps) > 0
}

func (w *Worker) failExecution(ctx context.Context, exec *model.RunbookExecution, cause error) {
	now := w.now()
	exec.Status = model.ExecFailed
	exec.CompletedAt = &now
	exec.ErrorMessage = cause.Error()
	log.Printf("[worker] Execution %s failed before running: %v", exec.ID, cause)
	if err := w.store.UpdateExecution(ctx, exec); err != nil {
		log.Printf("[worker] Persist failure of %s: %v", exec.ID, err)
	}
}

// requeue reverts a claimed execution that shutdown prevented from
// starting, restoring its pre-claim status: an execution that carried an
// approval goes back to approved, everything else to queued.
func (w *Worker) requeue(exec *model.RunbookExecution) {
	if exec.ApprovedAt != nil {
		exec.Status = model.ExecApproved
	} else {
		exec.Status = model.ExecQueued
	}
	exec.StartedAt = nil
	// Persist with a fresh context: the loop's context is already gone.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := w.store.UpdateExecution(ctx, exec); err != nil {
		log.Printf("[worker] Requeue %s on shutdown: %v", exec.ID, err)
	}
}
