package engine

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/aegisops/aegis/internal/executor"
	"github.com/aegisops/aegis/internal/model"
)

type fakeStore struct {
	stepRecords []*model.StepExecution
	alerts      map[uuid.UUID]*model.Alert
	resolved    []uuid.UUID
	solutions   []*model.ProvenSolution
	profiles    map[uuid.UUID]*model.CredentialProfile
	cancelled   map[uuid.UUID]bool
}

func newEngineStore() *fakeStore {
	return &fakeStore{
		alerts:    make(map[uuid.UUID]*model.Alert),
		profiles:  make(map[uuid.UUID]*model.CredentialProfile),
		cancelled: make(map[uuid.UUID]bool),
	}
}

func (f *fakeStore) CreateStepExecution(_ context.Context, step *model.StepExecution) error {
	f.stepRecords = append(f.stepRecords, step)
	return nil
}

func (f *fakeStore) UpdateStepExecution(context.Context, *model.StepExecution) error { return nil }
func (f *fakeStore) UpdateExecution(context.Context, *model.RunbookExecution) error  { return nil }

func (f *fakeStore) GetAlert(_ context.Context, id uuid.UUID) (*model.Alert, error) {
	return f.alerts[id], nil
}

func (f *fakeStore) ResolveAlert(_ context.Context, id uuid.UUID) error {
	f.resolved = append(f.resolved, id)
	return nil
}

func (f *fakeStore) CreateProvenSolution(_ context.Context, sol *model.ProvenSolution) error {
	f.solutions = append(f.solutions, sol)
	return nil
}

func (f *fakeStore) GetCredentialProfile(_ context.Context, id uuid.UUID) (*model.CredentialProfile, error) {
	return f.profiles[id], nil
}

func (f *fakeStore) IsCancelled(_ context.Context, id uuid.UUID) (bool, error) {
	return f.cancelled[id], nil
}

// fakeExec replays scripted results and records the commands it ran.
type fakeExec struct {
	results  []*executor.Result
	commands []string
	opts     []executor.Options
}

func (f *fakeExec) Connect(context.Context) error        { return nil }
func (f *fakeExec) Disconnect() error                    { return nil }
func (f *fakeExec) TestConnection(context.Context) error { return nil }
func (f *fakeExec) GetServerInfo(context.Context) (map[string]string, error) {
	return map[string]string{}, nil
}

func (f *fakeExec) Execute(_ context.Context, command string, opts executor.Options) *executor.Result {
	f.commands = append(f.commands, command)
	f.opts = append(f.opts, opts)
	if len(f.results) == 0 {
		return &executor.Result{Success: true, Command: command, ExecutedAt: time.Now()}
	}
	r := f.results[0]
	f.results = f.results[1:]
	r.Command = command
	return r
}

type fakeProvider struct {
	exec        *fakeExec
	invalidated []string
}

func (f *fakeProvider) For(*model.Server, *model.CredentialProfile) (executor.Executor, error) {
	return f.exec, nil
}

func (f *fakeProvider) ForProfile(*model.CredentialProfile) (executor.Executor, error) {
	return f.exec, nil
}

func (f *fakeProvider) Invalidate(hostname string, port int) {
	f.invalidated = append(f.invalidated, hostname)
}

func ok(stdout string) *executor.Result {
	return &executor.Result{Success: true, Stdout: stdout}
}

func fail(exitCode int, stderr string) *executor.Result {
	return &executor.Result{Success: false, ExitCode: exitCode, Stderr: stderr, ErrorType: executor.ErrCommand}
}

func linuxServer() *model.Server {
	return &model.Server{
		ID:       uuid.New(),
		Name:     "web-01",
		Hostname: "web-01.example.com",
		Port:     22,
		Protocol: model.ProtoSSH,
		OSType:   model.OSLinux,
		Username: "ops",
		Enabled:  true,
	}
}

func runbookWith(steps ...model.RunbookStep) *model.Runbook {
	rb := &model.Runbook{
		ID:       uuid.New(),
		Name:     "clean-disk",
		Category: "storage",
		Enabled:  true,
		Version:  2,
	}
	for i := range steps {
		steps[i].RunbookID = rb.ID
		steps[i].StepOrder = i + 1
	}
	rb.Steps = steps
	return rb
}

func runningExecution(rb *model.Runbook, server *model.Server) *model.RunbookExecution {
	started := time.Now().UTC()
	exec := &model.RunbookExecution{
		ID:             uuid.New(),
		RunbookID:      rb.ID,
		RunbookVersion: rb.Version,
		Mode:           model.ModeAuto,
		Status:         model.ExecRunning,
		QueuedAt:       started,
		StartedAt:      &started,
		StepsTotal:     len(rb.Steps),
	}
	if server != nil {
		exec.ServerID = &server.ID
	}
	return exec
}

func TestRunCapturesAndRendersVariables(t *testing.T) {
	store := newEngineStore()
	provider := &fakeProvider{exec: &fakeExec{results: []*executor.Result{
		ok("usage: 93%\n"),
		ok("cleaned"),
	}}}
	eng := New(store, provider, nil, nil, nil)

	rb := runbookWith(
		model.RunbookStep{
			Name:                 "check disk",
			StepType:             model.StepCommand,
			CommandLinux:         "df -h /var",
			OutputVariable:       "disk_usage",
			OutputExtractPattern: `usage: (\d+)%`,
		},
		model.RunbookStep{
			Name:         "report",
			StepType:     model.StepCommand,
			CommandLinux: "logger 'usage {{disk_usage}} on {{server.hostname}} step={{steps.check_disk.exit_code}}'",
		},
	)
	server := linuxServer()
	exec := runningExecution(rb, server)

	if err := eng.Run(context.Background(), exec, rb, server); err != nil {
		t.Fatal(err)
	}
	if exec.Status != model.ExecSuccess {
		t.Fatalf("status = %s, want success (%s)", exec.Status, exec.ResultSummary)
	}
	if exec.StepsCompleted != 2 || exec.StepsFailed != 0 {
		t.Fatalf("completed/failed = %d/%d", exec.StepsCompleted, exec.StepsFailed)
	}
	second := provider.exec.commands[1]
	want := "logger 'usage 93 on web-01.example.com step=0'"
	if second != want {
		t.Fatalf("rendered command = %q, want %q", second, want)
	}
	if exec.Variables["disk_usage"] != "93" {
		t.Fatalf("captured variables = %v", exec.Variables)
	}
}

func TestRunSkipsOnOSGate(t *testing.T) {
	store := newEngineStore()
	provider := &fakeProvider{exec: &fakeExec{}}
	eng := New(store, provider, nil, nil, nil)

	rb := runbookWith(
		model.RunbookStep{Name: "win only", StepType: model.StepCommand, TargetOS: model.OSWindows, CommandWindows: "ipconfig"},
		model.RunbookStep{Name: "lin", StepType: model.StepCommand, TargetOS: model.OSLinux, CommandLinux: "uptime"},
	)
	server := linuxServer()
	exec := runningExecution(rb, server)

	if err := eng.Run(context.Background(), exec, rb, server); err != nil {
		t.Fatal(err)
	}
	if exec.Status != model.ExecSuccess {
		t.Fatalf("status = %s", exec.Status)
	}
	if len(provider.exec.commands) != 1 || provider.exec.commands[0] != "uptime" {
		t.Fatalf("commands = %v, want only uptime", provider.exec.commands)
	}
	if store.stepRecords[0].Status != model.StepSkipped {
		t.Fatalf("first step = %s, want skipped", store.stepRecords[0].Status)
	}
}

func TestRunConditionalGate(t *testing.T) {
	store := newEngineStore()
	provider := &fakeProvider{exec: &fakeExec{results: []*executor.Result{ok("critical state")}}}
	eng := New(store, provider, nil, nil, nil)

	rb := runbookWith(
		model.RunbookStep{Name: "maybe", StepType: model.StepCommand, CommandLinux: "fix",
			RunIfVariable: "severity", RunIfValue: "critical|warning"},
		model.RunbookStep{Name: "never", StepType: model.StepCommand, CommandLinux: "noop",
			RunIfVariable: "unset_var", RunIfValue: "x"},
	)
	server := linuxServer()
	exec := runningExecution(rb, server)
	exec.Variables = map[string]string{"severity": "critical"}

	if err := eng.Run(context.Background(), exec, rb, server); err != nil {
		t.Fatal(err)
	}
	if len(provider.exec.commands) != 1 {
		t.Fatalf("commands = %v, want one (regex condition holds, missing var skips)", provider.exec.commands)
	}
	if store.stepRecords[1].Status != model.StepSkipped {
		t.Fatalf("second step = %s, want skipped", store.stepRecords[1].Status)
	}
}

func TestRunRetriesOnRetryableError(t *testing.T) {
	store := newEngineStore()
	provider := &fakeProvider{exec: &fakeExec{results: []*executor.Result{
		{Success: false, ErrorType: executor.ErrConnection, ErrorMessage: "connection reset", Retryable: true},
		ok("recovered"),
	}}}
	eng := New(store, provider, nil, nil, nil)
	eng.sleep = func(context.Context, time.Duration) {}

	rb := runbookWith(model.RunbookStep{
		Name: "flaky", StepType: model.StepCommand, CommandLinux: "restart",
		RetryCount: 2, RetryDelaySeconds: 5,
	})
	server := linuxServer()
	exec := runningExecution(rb, server)

	if err := eng.Run(context.Background(), exec, rb, server); err != nil {
		t.Fatal(err)
	}
	if exec.Status != model.ExecSuccess {
		t.Fatalf("status = %s, want success after retry", exec.Status)
	}
	if len(provider.exec.commands) != 2 {
		t.Fatalf("attempts = %d, want 2", len(provider.exec.commands))
	}
	if len(provider.invalidated) != 1 {
		t.Fatal("connection error must invalidate the pooled executor")
	}
}

func TestRunDoesNotRetryAuthError(t *testing.T) {
	store := newEngineStore()
	provider := &fakeProvider{exec: &fakeExec{results: []*executor.Result{
		{Success: false, ErrorType: executor.ErrAuth, ErrorMessage: "bad credentials"},
	}}}
	eng := New(store, provider, nil, nil, nil)
	eng.sleep = func(context.Context, time.Duration) {}

	rb := runbookWith(model.RunbookStep{
		Name: "auth", StepType: model.StepCommand, CommandLinux: "whoami", RetryCount: 3,
	})
	server := linuxServer()
	exec := runningExecution(rb, server)

	if err := eng.Run(context.Background(), exec, rb, server); err != nil {
		t.Fatal(err)
	}
	if exec.Status != model.ExecFailed {
		t.Fatalf("status = %s, want failed", exec.Status)
	}
	if len(provider.exec.commands) != 1 {
		t.Fatalf("attempts = %d, want 1 (auth is not retryable)", len(provider.exec.commands))
	}
}

func TestRunDoesNotRetryUnknownError(t *testing.T) {
	store := newEngineStore()
	provider := &fakeProvider{exec: &fakeExec{results: []*executor.Result{
		{Success: false, ErrorType: executor.ErrUnknown, ErrorMessage: "exec layer panic"},
	}}}
	eng := New(store, provider, nil, nil, nil)
	eng.sleep = func(context.Context, time.Duration) {}

	rb := runbookWith(model.RunbookStep{
		Name: "opaque", StepType: model.StepCommand, CommandLinux: "reload", RetryCount: 2,
	})
	server := linuxServer()
	exec := runningExecution(rb, server)

	if err := eng.Run(context.Background(), exec, rb, server); err != nil {
		t.Fatal(err)
	}
	if exec.Status != model.ExecFailed {
		t.Fatalf("status = %s, want failed", exec.Status)
	}
	if len(provider.exec.commands) != 1 {
		t.Fatalf("attempts = %d, want 1 (unknown is not retryable)", len(provider.exec.commands))
	}
}

func TestRunFailureTriggersRollbackInReverse(t *testing.T) {
	store := newEngineStore()
	provider := &fakeProvider{exec: &fakeExec{results: []*executor.Result{
		ok("one"),
		ok("two"),
		fail(1, "boom"),
		ok("rolled back two"),
		ok("rolled back one"),
	}}}
	eng := New(store, provider, nil, nil, nil)

	rb := runbookWith(
		model.RunbookStep{Name: "one", StepType: model.StepCommand, CommandLinux: "do-one", RollbackCommandLinux: "undo-one"},
		model.RunbookStep{Name: "two", StepType: model.StepCommand, CommandLinux: "do-two", RollbackCommandLinux: "undo-two"},
		model.RunbookStep{Name: "three", StepType: model.StepCommand, CommandLinux: "do-three", RollbackCommandLinux: "undo-three"},
	)
	server := linuxServer()
	exec := runningExecution(rb, server)

	if err := eng.Run(context.Background(), exec, rb, server); err != nil {
		t.Fatal(err)
	}
	if exec.Status != model.ExecFailed {
		t.Fatalf("status = %s, want failed", exec.Status)
	}
	if !exec.RollbackExecuted {
		t.Fatal("rollback_executed must be set")
	}
	got := provider.exec.commands
	want := []string{"do-one", "do-two", "do-three", "undo-two", "undo-one"}
	if len(got) != len(want) {
		t.Fatalf("commands = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("command[%d] = %q, want %q (rollback must run in reverse)", i, got[i], want[i])
		}
	}
}

func TestRunContinueOnFail(t *testing.T) {
	store := newEngineStore()
	provider := &fakeProvider{exec: &fakeExec{results: []*executor.Result{
		fail(1, "optional step broke"),
		ok("done"),
	}}}
	eng := New(store, provider, nil, nil, nil)

	rb := runbookWith(
		model.RunbookStep{Name: "optional", StepType: model.StepCommand, CommandLinux: "try", ContinueOnFail: true},
		model.RunbookStep{Name: "main", StepType: model.StepCommand, CommandLinux: "fix"},
	)
	server := linuxServer()
	exec := runningExecution(rb, server)

	if err := eng.Run(context.Background(), exec, rb, server); err != nil {
		t.Fatal(err)
	}
	if exec.Status != model.ExecFailed {
		t.Fatalf("status = %s; a failed step still fails the execution", exec.Status)
	}
	if len(provider.exec.commands) != 2 {
		t.Fatalf("commands = %v, want both steps attempted", provider.exec.commands)
	}
}

func TestRunUndefinedTemplateVariableFailsStep(t *testing.T) {
	store := newEngineStore()
	provider := &fakeProvider{exec: &fakeExec{}}
	eng := New(store, provider, nil, nil, nil)

	rb := runbookWith(model.RunbookStep{
		Name: "bad", StepType: model.StepCommand, CommandLinux: "echo {{no_such_var}}",
	})
	server := linuxServer()
	exec := runningExecution(rb, server)

	if err := eng.Run(context.Background(), exec, rb, server); err != nil {
		t.Fatal(err)
	}
	if exec.Status != model.ExecFailed {
		t.Fatalf("status = %s, want failed", exec.Status)
	}
	if len(provider.exec.commands) != 0 {
		t.Fatal("a template failure must not reach the transport")
	}
	if !strings.Contains(store.stepRecords[0].ErrorMessage, "no_such_var") {
		t.Fatalf("error = %q", store.stepRecords[0].ErrorMessage)
	}
}

func TestRunExpectedOutputPattern(t *testing.T) {
	store := newEngineStore()
	provider := &fakeProvider{exec: &fakeExec{results: []*executor.Result{
		ok("line one\nService is ACTIVE\n"),
	}}}
	eng := New(store, provider, nil, nil, nil)

	rb := runbookWith(model.RunbookStep{
		Name: "verify", StepType: model.StepCommand, CommandLinux: "systemctl status nginx",
		ExpectedOutputPattern: `^service is active$`,
	})
	server := linuxServer()
	exec := runningExecution(rb, server)

	if err := eng.Run(context.Background(), exec, rb, server); err != nil {
		t.Fatal(err)
	}
	if exec.Status != model.ExecSuccess {
		t.Fatalf("status = %s; pattern is case-insensitive and multiline", exec.Status)
	}
}

func TestRunDryRun(t *testing.T) {
	store := newEngineStore()
	provider := &fakeProvider{exec: &fakeExec{}}
	eng := New(store, provider, nil, nil, nil)

	rb := runbookWith(
		model.RunbookStep{Name: "one", StepType: model.StepCommand, CommandLinux: "rm -rf /var/cache/app",
			ExpectedOutputPattern: "cleaned"},
	)
	server := linuxServer()
	exec := runningExecution(rb, server)
	exec.DryRun = true
	exec.Mode = model.ModeDryRun

	if err := eng.Run(context.Background(), exec, rb, server); err != nil {
		t.Fatal(err)
	}
	if exec.Status != model.ExecSuccess {
		t.Fatalf("status = %s, want synthetic success", exec.Status)
	}
	if len(provider.exec.commands) != 0 {
		t.Fatal("dry run must not touch the transport")
	}
	if !strings.HasPrefix(store.stepRecords[0].CommandExecuted, "rm -rf") {
		t.Fatalf("command recorded = %q", store.stepRecords[0].CommandExecuted)
	}
}

func TestRunCancellation(t *testing.T) {
	store := newEngineStore()
	provider := &fakeProvider{exec: &fakeExec{results: []*executor.Result{ok("one")}}}
	eng := New(store, provider, nil, nil, nil)

	rb := runbookWith(
		model.RunbookStep{Name: "one", StepType: model.StepCommand, CommandLinux: "do-one", RollbackCommandLinux: "undo-one"},
		model.RunbookStep{Name: "two", StepType: model.StepCommand, CommandLinux: "do-two"},
	)
	server := linuxServer()
	exec := runningExecution(rb, server)

	// Cancel after the first step boundary check.
	calls := 0
	eng.store = &cancelAfter{fakeStore: store, execID: exec.ID, after: 1, calls: &calls}

	if err := eng.Run(context.Background(), exec, rb, server); err != nil {
		t.Fatal(err)
	}
	if exec.Status != model.ExecCancelled {
		t.Fatalf("status = %s, want cancelled", exec.Status)
	}
	if exec.RollbackExecuted {
		t.Fatal("cancellation must not roll back")
	}
	if len(provider.exec.commands) != 1 {
		t.Fatalf("commands = %v, want only the first step", provider.exec.commands)
	}
}

// cancelAfter reports cancelled once `after` checks have passed.
type cancelAfter struct {
	*fakeStore
	execID uuid.UUID
	after  int
	calls  *int
}

func (c *cancelAfter) IsCancelled(_ context.Context, id uuid.UUID) (bool, error) {
	if id != c.execID {
		return false, nil
	}
	*c.calls++
	return *c.calls > c.after, nil
}

func TestRunResolvesAlertAndRecordsProvenSolution(t *testing.T) {
	store := newEngineStore()
	alert := &model.Alert{
		ID:          uuid.New(),
		AlertName:   "DiskSpaceLow",
		Severity:    model.SeverityCritical,
		Instance:    "web-01:9100",
		Status:      model.AlertFiring,
		Annotations: map[string]string{"summary": "/var above 90%"},
	}
	store.alerts[alert.ID] = alert

	provider := &fakeProvider{exec: &fakeExec{results: []*executor.Result{ok("cleaned")}}}
	embedder := stubEmbedder{vec: model.Vector{0.1, 0.2}}
	eng := New(store, provider, nil, embedder, nil)

	rb := runbookWith(model.RunbookStep{Name: "clean", StepType: model.StepCommand, CommandLinux: "clean"})
	server := linuxServer()
	exec := runningExecution(rb, server)
	exec.AlertID = &alert.ID

	if err := eng.Run(context.Background(), exec, rb, server); err != nil {
		t.Fatal(err)
	}
	if len(store.resolved) != 1 || store.resolved[0] != alert.ID {
		t.Fatalf("resolved = %v, want [%s]", store.resolved, alert.ID)
	}
	if len(store.solutions) != 1 {
		t.Fatalf("solutions = %d, want 1", len(store.solutions))
	}
	sol := store.solutions[0]
	if sol.RunbookID != rb.ID || sol.AlertID != alert.ID || sol.ExecutionID != exec.ID {
		t.Fatalf("solution references wrong: %+v", sol)
	}
	if sol.ProblemDescription != "DiskSpaceLow (critical) on web-01:9100: /var above 90%" {
		t.Fatalf("description = %q", sol.ProblemDescription)
	}
	if len(sol.Embedding) != 2 {
		t.Fatal("embedding must be attached when an embedder is available")
	}
}

type stubEmbedder struct{ vec model.Vector }

func (s stubEmbedder) Embed(string) (model.Vector, error) { return s.vec, nil }

func TestRunAPIStepMergesExtractedValues(t *testing.T) {
	store := newEngineStore()
	provider := &fakeProvider{exec: &fakeExec{results: []*executor.Result{
		{Success: true, ExitCode: 200, Stdout: `{"id":"i-42"}`, Extracted: map[string]string{"instance_id": "i-42"}},
		ok("terminated i-42"),
	}}}
	eng := New(store, provider, nil, nil, nil)

	rb := runbookWith(
		model.RunbookStep{
			Name:               "lookup",
			StepType:           model.StepAPI,
			APIMethod:          "GET",
			APIEndpoint:        "/api/instances",
			APIResponseExtract: map[string]string{"instance_id": "$.id"},
		},
		model.RunbookStep{
			Name: "terminate", StepType: model.StepCommand,
			CommandLinux: "terminate {{instance_id}}",
		},
	)
	server := linuxServer()
	exec := runningExecution(rb, server)

	if err := eng.Run(context.Background(), exec, rb, server); err != nil {
		t.Fatal(err)
	}
	if exec.Status != model.ExecSuccess {
		t.Fatalf("status = %s (%s)", exec.Status, exec.ResultSummary)
	}
	if got := provider.exec.commands[1]; got != "terminate i-42" {
		t.Fatalf("rendered = %q", got)
	}
	if store.stepRecords[0].HTTPStatusCode == nil || *store.stepRecords[0].HTTPStatusCode != 200 {
		t.Fatal("api step must record http status")
	}
}
