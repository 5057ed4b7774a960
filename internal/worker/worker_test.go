package worker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/aegisops/aegis/internal/model"
)

type fakeStore struct {
	queue    []*model.RunbookExecution
	runbooks map[uuid.UUID]*model.Runbook
	servers  map[uuid.UUID]*model.Server
	updated  []*model.RunbookExecution
	timedOut int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		runbooks: make(map[uuid.UUID]*model.Runbook),
		servers:  make(map[uuid.UUID]*model.Server),
	}
}

func (f *fakeStore) ClaimRunnable(_ context.Context, limit int, now time.Time) ([]*model.RunbookExecution, error) {
	var out []*model.RunbookExecution
	for _, e := range f.queue {
		if len(out) == limit {
			break
		}
		if e.Status == model.ExecQueued || e.Status == model.ExecApproved {
			e.Status = model.ExecRunning
			started := now
			e.StartedAt = &started
			out = append(out, e)
		}
	}
	return out, nil
}

func (f *fakeStore) TimeoutExpiredApprovals(_ context.Context, now time.Time) (int, error) {
	n := 0
	for _, e := range f.queue {
		if e.Status == model.ExecPending && e.ApprovalExpiresAt != nil && e.ApprovalExpiresAt.Before(now) {
			e.Status = model.ExecTimeout
			e.CompletedAt = &now
			n++
		}
	}
	f.timedOut += n
	return n, nil
}

func (f *fakeStore) GetRunbookWithSteps(_ context.Context, id uuid.UUID) (*model.Runbook, error) {
	return f.runbooks[id], nil
}

func (f *fakeStore) GetServer(_ context.Context, id uuid.UUID) (*model.Server, error) {
	return f.servers[id], nil
}

func (f *fakeStore) UpdateExecution(_ context.Context, exec *model.RunbookExecution) error {
	f.updated = append(f.updated, exec)
	return nil
}

// fakeRunner records what it ran and marks it success.
type fakeRunner struct {
	ran []uuid.UUID
	err error
}

func (r *fakeRunner) Run(_ context.Context, exec *model.RunbookExecution, rb *model.Runbook, server *model.Server) error {
	if r.err != nil {
		return r.err
	}
	r.ran = append(r.ran, exec.ID)
	exec.Status = model.ExecSuccess
	return nil
}

func fixture(store *fakeStore, status model.ExecutionStatus) *model.RunbookExecution {
	rb := &model.Runbook{
		ID:      uuid.New(),
		Name:    "rb",
		Enabled: true,
		Steps:   []model.RunbookStep{{StepOrder: 1, Name: "s", StepType: model.StepCommand, CommandLinux: "true"}},
	}
	srv := &model.Server{ID: uuid.New(), Hostname: "h", Protocol: model.ProtoSSH, OSType: model.OSLinux}
	store.runbooks[rb.ID] = rb
	store.servers[srv.ID] = srv

	exec := &model.RunbookExecution{
		ID:        uuid.New(),
		RunbookID: rb.ID,
		ServerID:  &srv.ID,
		Status:    status,
		QueuedAt:  time.Now().UTC(),
	}
	store.queue = append(store.queue, exec)
	return exec
}

func TestPollClaimsAndRuns(t *testing.T) {
	store := newFakeStore()
	a := fixture(store, model.ExecQueued)
	b := fixture(store, model.ExecApproved)
	runner := &fakeRunner{}

	w := New(store, runner)
	w.Poll(context.Background())

	if len(runner.ran) != 2 {
		t.Fatalf("ran %d executions, want 2", len(runner.ran))
	}
	if a.Status != model.ExecSuccess || b.Status != model.ExecSuccess {
		t.Fatalf("statuses = %s/%s", a.Status, b.Status)
	}
	if a.StartedAt == nil {
		t.Fatal("claim must set started_at")
	}
}

func TestPollRespectsBatchSize(t *testing.T) {
	store := newFakeStore()
	for i := 0; i < 5; i++ {
		fixture(store, model.ExecQueued)
	}
	runner := &fakeRunner{}
	w := New(store, runner)
	w.SetBatchSize(2)
	w.Poll(context.Background())

	if len(runner.ran) != 2 {
		t.Fatalf("ran %d, want batch of 2", len(runner.ran))
	}
}

func TestPollSkipsPendingAndTerminal(t *testing.T) {
	store := newFakeStore()
	fixture(store, model.ExecPending)
	fixture(store, model.ExecSuccess)
	runner := &fakeRunner{}
	w := New(store, runner)
	w.Poll(context.Background())

	if len(runner.ran) != 0 {
		t.Fatalf("ran %d, want 0", len(runner.ran))
	}
}

func TestPollTimesOutExpiredApprovals(t *testing.T) {
	store := newFakeStore()
	stale := fixture(store, model.ExecPending)
	past := time.Now().UTC().Add(-time.Minute)
	stale.ApprovalExpiresAt = &past

	w := New(store, &fakeRunner{})
	w.Poll(context.Background())

	if stale.Status != model.ExecTimeout {
		t.Fatalf("status = %s, want timeout", stale.Status)
	}
	if store.timedOut != 1 {
		t.Fatalf("timedOut = %d", store.timedOut)
	}
}

func TestPollFailsExecutionWithMissingRunbook(t *testing.T) {
	store := newFakeStore()
	exec := fixture(store, model.ExecQueued)
	delete(store.runbooks, exec.RunbookID)

	runner := &fakeRunner{}
	w := New(store, runner)
	w.Poll(context.Background())

	if len(runner.ran) != 0 {
		t.Fatal("execution without runbook must not reach the runner")
	}
	if exec.Status != model.ExecFailed || exec.ErrorMessage == "" || exec.CompletedAt == nil {
		t.Fatalf("exec = %+v, want failed with error", exec)
	}
}

func TestPollFailsExecutionWithMissingServer(t *testing.T) {
	store := newFakeStore()
	exec := fixture(store, model.ExecQueued)
	exec.ServerID = nil

	runner := &fakeRunner{}
	w := New(store, runner)
	w.Poll(context.Background())

	if exec.Status != model.ExecFailed {
		t.Fatalf("status = %s, want failed (command steps need a server)", exec.Status)
	}
}

func TestPollAllowsAPIOnlyRunbookWithoutServer(t *testing.T) {
	store := newFakeStore()
	exec := fixture(store, model.ExecQueued)
	exec.ServerID = nil
	profileID := uuid.New()
	store.runbooks[exec.RunbookID].Steps = []model.RunbookStep{{
		StepOrder: 1, Name: "api", StepType: model.StepAPI,
		APIMethod: "POST", APIEndpoint: "/restart",
		APICredentialProfileID: &profileID,
	}}

	runner := &fakeRunner{}
	w := New(store, runner)
	w.Poll(context.Background())

	if len(runner.ran) != 1 {
		t.Fatalf("ran = %d, want 1 (API-only runbook needs no server)", len(runner.ran))
	}
}

func TestPollRunnerErrorMarksFailed(t *testing.T) {
	store := newFakeStore()
	exec := fixture(store, model.ExecQueued)
	w := New(store, &fakeRunner{err: errors.New("store unavailable")})
	w.Poll(context.Background())

	if exec.Status != model.ExecFailed {
		t.Fatalf("status = %s, want failed", exec.Status)
	}
	if exec.ErrorMessage != "store unavailable" {
		t.Fatalf("error = %q", exec.ErrorMessage)
	}
}

func TestRunStopsOnContextCancel(t *testing.T) {
	store := newFakeStore()
	w := New(store, &fakeRunner{})
	w.SetPollInterval(time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop after cancellation")
	}
}

func TestShutdownRequeuesUnstartedClaims(t *testing.T) {
	store := newFakeStore()
	a := fixture(store, model.ExecQueued)
	b := fixture(store, model.ExecQueued)
	c := fixture(store, model.ExecApproved)
	approved := time.Now().UTC().Add(-time.Minute)
	c.ApprovedAt = &approved
	c.ApprovedBy = "ops"

	ctx, cancel := context.WithCancel(context.Background())
	runner := &cancellingRunner{cancel: cancel}
	w := New(store, runner)
	w.Poll(ctx)

	if a.Status != model.ExecSuccess {
		t.Fatalf("first = %s, want success (ran before cancel)", a.Status)
	}
	if b.Status != model.ExecQueued || b.StartedAt != nil {
		t.Fatalf("second = %s, want requeued", b.Status)
	}
	if c.Status != model.ExecApproved || c.StartedAt != nil {
		t.Fatalf("third = %s, want restored to approved", c.Status)
	}
}

// cancellingRunner cancels the worker context while running the first
// execution, simulating shutdown mid-batch.
type cancellingRunner struct {
	cancel context.CancelFunc
}

func (r *cancellingRunner) Run(_ context.Context, exec *model.RunbookExecution, _ *model.Runbook, _ *model.Server) error {
	exec.Status = model.ExecSuccess
	r.cancel()
	return nil
}
