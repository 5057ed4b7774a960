// Package scheduler fires runbooks on time-based triggers: cron
// expressions, fixed intervals, and one-shot dates. Every fire — run,
// late-but-tolerated, or missed — leaves a history row.
package scheduler

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/aegisops/aegis/internal/model"
)

const DefaultTickInterval = 15 * time.Second

// Store is the persistence surface the scheduler needs. UpdateJob must
// persist next_run_at and the counters atomically with respect to other
// scheduler instances.
type Store interface {
	DueJobs(ctx context.Context, now time.Time) ([]model.ScheduledJob, error)
	UpdateJob(ctx context.Context, job *model.ScheduledJob) error
	RecordScheduleHistory(ctx context.Context, h *model.ScheduleExecutionHistory) error
	UpdateScheduleHistory(ctx context.Context, h *model.ScheduleExecutionHistory) error
	GetRunbookWithSteps(ctx context.Context, id uuid.UUID) (*model.Runbook, error)
	GetServer(ctx context.Context, id uuid.UUID) (*model.Server, error)
	CreateExecution(ctx context.Context, exec *model.RunbookExecution) error
	UpdateExecution(ctx context.Context, exec *model.RunbookExecution) error
}

// Runner runs one execution to a terminal state. Implemented by
// engine.Engine.
type Runner interface {
	Run(ctx context.Context, exec *model.RunbookExecution, rb *model.Runbook, server *model.Server) error
}

// TokenSource mints approval tokens for fires whose runbook requires
// approval. Implemented by approval.NewToken.
type TokenSource func() string

// Scheduler is the time-based trigger loop.
type Scheduler struct {
	store    Store
	runner   Runner
	newToken TokenSource

	tick time.Duration
	now  func() time.Time

	mu       sync.Mutex
	inFlight map[uuid.UUID]int
	wg       sync.WaitGroup
}

// New creates a scheduler.
func New(store Store, runner Runner, newToken TokenSource) *Scheduler {
	return &Scheduler{
		store:    store,
		runner:   runner,
		newToken: newToken,
		tick:     DefaultTickInterval,
		now:      func() time.Time { return time.Now().UTC() },
		inFlight: make(map[uuid.UUID]int),
	}
}

// SetTickInterval overrides the evaluation interval.
func (s *Scheduler) SetTickInterval(d time.Duration) {
	if d > 0 {
		s.tick = d
	}
}

// Run evaluates due jobs until ctx is cancelled, then waits for in-flight
// fires to drain.
func (s *Scheduler) Run(ctx context.Context) {
	log.Printf("[scheduler] Started (tick %s)", s.tick)
	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	for {
		s.Tick(ctx)
		select {
		case <-ctx.Done():
			s.wg.Wait()
			log.Printf("[scheduler] Stopped")
			return
		case <-ticker.C:
		}
	}
}

// Tick evaluates every due job once. Exposed for tests.
func (s *Scheduler) Tick(ctx context.Context) {
	now := s.now()
	jobs, err := s.store.DueJobs(ctx, now)
	if err != nil {
		log.Printf("[scheduler] Load due jobs: %v", err)
		return
	}
	for i := range jobs {
		s.evaluate(ctx, &jobs[i], now)
	}
}

// evaluate advances one job past every fire time that is due, dropping
// fires beyond the misfire grace as missed and collapsing the rest to one
// when the job coalesces.
func (s *Scheduler) evaluate(ctx context.Context, job *model.ScheduledJob, now time.Time) {
	if job.NextRunAt == nil {
		// A date job that has never fired still owes its single fire —
		// or a missed record — even when start_date is already behind
		// us. Seed next_run_at from start_date and let the loop below
		// apply the misfire grace.
		if job.ScheduleType == model.ScheduleDate && job.StartDate != nil && job.LastRunAt == nil {
			at := job.StartDate.UTC()
			job.NextRunAt = &at
		} else {
			next, err := s.computeNext(job, now)
			if err != nil {
				log.Printf("[scheduler] Job %q: %v", job.Name, err)
				return
			}
			job.NextRunAt = next
			if next == nil {
				job.Enabled = false // exhausted one-shot or past end_date
			}
			if err := s.store.UpdateJob(ctx, job); err != nil {
				log.Printf("[scheduler] Persist job %q: %v", job.Name, err)
			}
			return
		}
	}

	var fires []time.Time
	for job.NextRunAt != nil && !job.NextRunAt.After(now) {
		due := *job.NextRunAt

		grace := time.Duration(job.MisfireGraceTime) * time.Second
		if grace > 0 && now.Sub(due) > grace {
			s.recordMissed(ctx, job, due, now)
		} else if job.Coalesce && len(fires) > 0 {
			// Collapse: keep only the latest tolerated fire.
			fires[0] = due
		} else {
			fires = append(fires, due)
		}

		next, err := s.computeNext(job, due)
		if err != nil {
			log.Printf("[scheduler] Job %q: %v", job.Name, err)
			return
		}
		job.NextRunAt = next
	}
	if job.NextRunAt == nil {
		job.Enabled = false
	}

	if err := s.store.UpdateJob(ctx, job); err != nil {
		log.Printf("[scheduler] Persist job %q: %v", job.Name, err)
		return
	}

	for _, due := range fires {
		s.fire(ctx, job, due)
	}
}

// fire creates and runs one execution for the job, respecting
// max_instances.
func (s *Scheduler) fire(ctx context.Context, job *model.ScheduledJob, due time.Time) {
	if !s.acquire(job) {
		log.Printf("[scheduler] Job %q at max_instances (%d), dropping fire at %s",
			job.Name, job.MaxInstances, due.Format(time.RFC3339))
		s.recordMissed(ctx, job, due, s.now())
		return
	}

	jobCopy := *job
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.release(jobCopy.ID)
		s.runFire(ctx, &jobCopy, due)
	}()
}

func (s *Scheduler) runFire(ctx context.Context, job *model.ScheduledJob, due time.Time) {
	started := s.now()
	hist := &model.ScheduleExecutionHistory{
		ID:          uuid.New(),
		JobID:       job.ID,
		ScheduledAt: due,
		ExecutedAt:  &started,
		Status:      model.FireFailed,
	}
	if err := s.store.RecordScheduleHistory(ctx, hist); err != nil {
		log.Printf("[scheduler] Record history for job %q: %v", job.Name, err)
	}

	status, execID, err := s.execute(ctx, job)

	finished := s.now()
	hist.CompletedAt = &finished
	hist.DurationMs = finished.Sub(started).Milliseconds()
	hist.Status = status
	hist.ExecutionID = execID
	if err != nil {
		hist.ErrorMessage = err.Error()
		log.Printf("[scheduler] Job %q fire at %s failed: %v", job.Name, due.Format(time.RFC3339), err)
	}
	if err := s.store.UpdateScheduleHistory(ctx, hist); err != nil {
		log.Printf("[scheduler] Update history for job %q: %v", job.Name, err)
	}

	job.LastRunAt = &started
	job.LastRunStatus = string(status)
	job.RunCount++
	if status == model.FireFailed {
		job.FailureCount++
	}
	if err := s.store.UpdateJob(ctx, job); err != nil {
		log.Printf("[scheduler] Persist counters for job %q: %v", job.Name, err)
	}
}

// execute builds the execution for a fire and, unless the runbook needs
// approval, runs it inline.
func (s *Scheduler) execute(ctx context.Context, job *model.ScheduledJob) (model.ScheduleHistoryStatus, *uuid.UUID, error) {
	rb, err := s.store.GetRunbookWithSteps(ctx, job.RunbookID)
	if err != nil {
		return model.FireFailed, nil, fmt.Errorf("load runbook: %w", err)
	}
	if rb == nil {
		return model.FireFailed, nil, fmt.Errorf("runbook %s no longer exists", job.RunbookID)
	}

	now := s.now()
	exec := &model.RunbookExecution{
		ID:                uuid.New(),
		RunbookID:         rb.ID,
		RunbookVersion:    rb.Version,
		Mode:              model.ModeAuto,
		QueuedAt:          now,
		StepsTotal:        len(rb.Steps),
		Variables:         job.ExecutionParams,
		TriggeredBySystem: true,
	}

	serverID := job.TargetServerID
	if serverID == nil {
		serverID = rb.DefaultServerID
	}
	exec.ServerID = serverID

	if rb.ApprovalRequired {
		expires := now.Add(approvalTimeout(rb))
		exec.Status = model.ExecPending
		exec.ApprovalRequired = true
		exec.ApprovalToken = s.newToken()
		exec.ApprovalRequestedAt = &now
		exec.ApprovalExpiresAt = &expires
		if err := s.store.CreateExecution(ctx, exec); err != nil {
			return model.FireFailed, nil, fmt.Errorf("create execution: %w", err)
		}
		log.Printf("[scheduler] Job %q: execution %s awaits approval", job.Name, exec.ID)
		return model.FireSuccess, &exec.ID, nil
	}

	exec.Status = model.ExecRunning
	exec.StartedAt = &now
	if err := s.store.CreateExecution(ctx, exec); err != nil {
		return model.FireFailed, nil, fmt.Errorf("create execution: %w", err)
	}

	var server *model.Server
	if serverID != nil {
		server, err = s.store.GetServer(ctx, *serverID)
		if err != nil {
			s.failInline(ctx, exec, err)
			return model.FireFailed, &exec.ID, fmt.Errorf("load server: %w", err)
		}
	}

	if err := s.runner.Run(ctx, exec, rb, server); err != nil {
		s.failInline(ctx, exec, err)
		return model.FireFailed, &exec.ID, err
	}
	if exec.Status != model.ExecSuccess {
		return model.FireFailed, &exec.ID, fmt.Errorf("execution %s: %s", exec.ID, exec.ResultSummary)
	}
	return model.FireSuccess, &exec.ID, nil
}

func (s *Scheduler) failInline(ctx context.Context, exec *model.RunbookExecution, cause error) {
	now := s.now()
	exec.Status = model.ExecFailed
	exec.CompletedAt = &now
	exec.ErrorMessage = cause.Error()
	if err := s.store.UpdateExecution(ctx, exec); err != nil {
		log.Printf("[scheduler] Persist failure of %s: %v", exec.ID, err)
	}
}

func (s *Scheduler) recordMissed(ctx context.Context, job *model.ScheduledJob, due, now time.Time) {
	hist := &model.ScheduleExecutionHistory{
		ID:           uuid.New(),
		JobID:        job.ID,
		ScheduledAt:  due,
		Status:       model.FireMissed,
		ErrorMessage: fmt.Sprintf("missed: %s past fire time", now.Sub(due).Truncate(time.Second)),
	}
	if err := s.store.RecordScheduleHistory(ctx, hist); err != nil {
		log.Printf("[scheduler] Record missed fire for job %q: %v", job.Name, err)
	}
}

// computeNext returns the fire time after `after`, or nil when the job is
// exhausted (one-shot already fired, or past end_date).
func (s *Scheduler) computeNext(job *model.ScheduledJob, after time.Time) (*time.Time, error) {
	switch job.ScheduleType {
	case model.ScheduleCron:
		sched, err := cron.ParseStandard(job.CronExpression)
		if err != nil {
			return nil, fmt.Errorf("parse cron %q: %w", job.CronExpression, err)
		}
		loc := time.UTC
		if job.Timezone != "" {
			l, err := time.LoadLocation(job.Timezone)
			if err != nil {
				return nil, fmt.Errorf("timezone %q: %w", job.Timezone, err)
			}
			loc = l
		}
		next := sched.Next(after.In(loc)).UTC()
		if job.EndDate != nil && next.After(*job.EndDate) {
			return nil, nil
		}
		return &next, nil

	case model.ScheduleInterval:
		if job.IntervalSeconds <= 0 {
			return nil, fmt.Errorf("interval job %q has no interval", job.Name)
		}
		next := after.Add(time.Duration(job.IntervalSeconds) * time.Second)
		if job.StartDate != nil && next.Before(*job.StartDate) {
			next = *job.StartDate
		}
		if job.EndDate != nil && next.After(*job.EndDate) {
			return nil, nil
		}
		return &next, nil

	case model.ScheduleDate:
		if job.StartDate == nil {
			return nil, fmt.Errorf("date job %q has no start_date", job.Name)
		}
		if !job.StartDate.After(after) {
			return nil, nil // already fired
		}
		next := job.StartDate.UTC()
		return &next, nil
	}
	return nil, fmt.Errorf("unknown schedule_type %q", job.ScheduleType)
}

func (s *Scheduler) acquire(job *model.ScheduledJob) bool {
	max := job.MaxInstances
	if max <= 0 {
		max = 1
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inFlight[job.ID] >= max {
		return false
	}
	s.inFlight[job.ID]++
	return true
}

func (s *Scheduler) release(jobID uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inFlight[jobID] <= 1 {
		delete(s.inFlight, jobID)
	} else {
		s.inFlight[jobID]--
	}
}

func approvalTimeout(rb *model.Runbook) time.Duration {
	if rb.ApprovalTimeoutMinutes > 0 {
		return time.Duration(rb.ApprovalTimeoutMinutes) * time.Minute
	}
	return 4 * time.Hour
}
