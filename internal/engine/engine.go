// Package engine runs a RunbookExecution end to end on its target:
// per-step OS and conditional gates, template rendering, retries,
// variable capture, rollback, and the post-execution effects.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/aegisops/aegis/internal/executor"
	"github.com/aegisops/aegis/internal/model"
	"github.com/aegisops/aegis/internal/safety"
	"github.com/aegisops/aegis/internal/template"
)

// Store is the persistence surface the engine writes through. State is
// persisted at every step boundary so a crash leaves an inspectable trail.
type Store interface {
	CreateStepExecution(ctx context.Context, step *model.StepExecution) error
	UpdateStepExecution(ctx context.Context, step *model.StepExecution) error
	UpdateExecution(ctx context.Context, exec *model.RunbookExecution) error
	GetAlert(ctx context.Context, id uuid.UUID) (*model.Alert, error)
	ResolveAlert(ctx context.Context, id uuid.UUID) error
	CreateProvenSolution(ctx context.Context, sol *model.ProvenSolution) error
	GetCredentialProfile(ctx context.Context, id uuid.UUID) (*model.CredentialProfile, error)
	// IsCancelled reads the external cancellation flag for an execution.
	IsCancelled(ctx context.Context, executionID uuid.UUID) (bool, error)
}

// ExecutorProvider hands out executors per target. Implemented by
// executor.Factory.
type ExecutorProvider interface {
	For(server *model.Server, profile *model.CredentialProfile) (executor.Executor, error)
	ForProfile(profile *model.CredentialProfile) (executor.Executor, error)
	Invalidate(hostname string, port int)
}

// Engine orchestrates runbook executions.
type Engine struct {
	store     Store
	executors ExecutorProvider
	gate      *safety.Gate
	embedder  model.Embedder
	audit     model.AuditSink

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration)
}

// New creates an engine. gate, embedder and audit may be nil.
func New(store Store, executors ExecutorProvider, gate *safety.Gate, embedder model.Embedder, audit model.AuditSink) *Engine {
	return &Engine{
		store:     store,
		executors: executors,
		gate:      gate,
		embedder:  embedder,
		audit:     audit,
		now:       func() time.Time { return time.Now().UTC() },
		sleep:     sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

// runState carries the evolving per-execution context between steps.
type runState struct {
	exec   *model.RunbookExecution
	rb     *model.Runbook
	server *model.Server
	alert  *model.Alert

	// vars is the flat runtime variable map used by conditional gates
	// and output capture. steps holds per-step results for templates.
	vars  map[string]string
	steps map[string]any

	completed []completedStep
}

// completedStep remembers a succeeded command step for rollback.
type completedStep struct {
	step    *model.RunbookStep
	context template.Context
}

// Run executes the runbook on its target and drives the execution to a
// terminal state. The returned error covers infrastructure failures only;
// a runbook that fails its steps returns nil with exec.Status=failed.
func (e *Engine) Run(ctx context.Context, exec *model.RunbookExecution, rb *model.Runbook, server *model.Server) error {
	if exec.Status != model.ExecRunning {
		return fmt.Errorf("execution %s is %s, expected running", exec.ID, exec.Status)
	}

	st := &runState{
		exec:   exec,
		rb:     rb,
		server: server,
		vars:   make(map[string]string),
		steps:  make(map[string]any),
	}
	for k, v := range exec.Variables {
		st.vars[k] = v
	}
	if exec.AlertID != nil {
		alert, err := e.store.GetAlert(ctx, *exec.AlertID)
		if err != nil {
			log.Printf("[engine] Execution %s: cannot load alert %s: %v", exec.ID, exec.AlertID, err)
		} else {
			st.alert = alert
		}
	}

	log.Printf("[engine] Execution %s: runbook %q v%d, %d steps, mode=%s dry_run=%v",
		exec.ID, rb.Name, exec.RunbookVersion, len(rb.Steps), exec.Mode, exec.DryRun)

	cancelled := false
	for i := range rb.Steps {
		step := &rb.Steps[i]

		if stop, err := e.store.IsCancelled(ctx, exec.ID); err != nil {
			log.Printf("[engine] Execution %s: cancellation check failed: %v", exec.ID, err)
		} else if stop {
			cancelled = true
			break
		}

		failed := e.runStep(ctx, st, step)
		if err := e.store.UpdateExecution(ctx, exec); err != nil {
			return fmt.Errorf("persist execution %s: %w", exec.ID, err)
		}
		if failed && !step.ContinueOnFail {
			break
		}
	}

	now := e.now()
	exec.CompletedAt = &now
	switch {
	case cancelled:
		exec.Status = model.ExecCancelled
		exec.ResultSummary = fmt.Sprintf("cancelled after %d/%d steps", exec.StepsCompleted, exec.StepsTotal)
	case exec.StepsFailed == 0:
		exec.Status = model.ExecSuccess
		exec.ResultSummary = fmt.Sprintf("%d/%d steps succeeded", exec.StepsCompleted, exec.StepsTotal)
	default:
		exec.Status = model.ExecFailed
		exec.ResultSummary = fmt.Sprintf("%d/%d steps succeeded, %d failed", exec.StepsCompleted, exec.StepsTotal, exec.StepsFailed)
		if !exec.DryRun {
			e.rollback(ctx, st)
		}
	}
	exec.Variables = st.vars
	if err := e.store.UpdateExecution(ctx, exec); err != nil {
		return fmt.Errorf("persist execution %s: %w", exec.ID, err)
	}

	e.afterRun(ctx, st)
	log.Printf("[engine] Execution %s finished: %s (%s)", exec.ID, exec.Status, exec.ResultSummary)
	return nil
}

// runStep runs one step through its gates, retries and capture. Returns
// true when the step failed.
func (e *Engine) runStep(ctx context.Context, st *runState, step *model.RunbookStep) bool {
	rec := &model.StepExecution{
		ExecutionID: st.exec.ID,
		StepOrder:   step.StepOrder,
		StepName:    step.Name,
		Status:      model.StepRunning,
		StartedAt:   e.now(),
	}
	if err := e.store.CreateStepExecution(ctx, rec); err != nil {
		log.Printf("[engine] Execution %s step %d: create record: %v", st.exec.ID, step.StepOrder, err)
	}

	if skip, why := e.shouldSkip(st, step); skip {
		e.finishStep(ctx, rec, model.StepSkipped, why)
		log.Printf("[engine] Execution %s step %d %q skipped: %s", st.exec.ID, step.StepOrder, step.Name, why)
		return false
	}

	tc := e.templateContext(st)
	result, failErr := e.invoke(ctx, st, step, rec, tc)
	if failErr != "" {
		st.exec.StepsFailed++
		e.finishStep(ctx, rec, model.StepFailed, failErr)
		return true
	}

	ok, why := true, ""
	if !st.exec.DryRun {
		ok, why = checkSuccess(step, result)
	}
	e.capture(st, step, result)

	if !ok {
		st.exec.StepsFailed++
		rec.ErrorType = string(result.ErrorType)
		e.finishStep(ctx, rec, model.StepFailed, why)
		log.Printf("[engine] Execution %s step %d %q failed: %s", st.exec.ID, step.StepOrder, step.Name, why)
		return true
	}

	st.exec.StepsCompleted++
	if step.StepType == model.StepCommand {
		st.completed = append(st.completed, completedStep{step: step, context: tc})
	}
	e.finishStep(ctx, rec, model.StepSuccess, "")
	return false
}

// shouldSkip evaluates the OS gate and the conditional gate.
func (e *Engine) shouldSkip(st *runState, step *model.RunbookStep) (bool, string) {
	if step.TargetOS != "" && step.TargetOS != model.OSAny && st.server != nil && step.TargetOS != st.server.OSType {
		return true, fmt.Sprintf("target_os %s does not match server os %s", step.TargetOS, st.server.OSType)
	}
	if step.RunIfVariable != "" {
		value, ok := st.vars[step.RunIfVariable]
		if !ok {
			return true, fmt.Sprintf("condition variable %q not set", step.RunIfVariable)
		}
		if !conditionHolds(value, step.RunIfValue) {
			return true, fmt.Sprintf("condition %s=%q does not match %q", step.RunIfVariable, value, step.RunIfValue)
		}
	}
	if step.StepType == model.StepCommand && commandFor(step, st.server) == "" {
		return true, "no command for target os"
	}
	return false, ""
}

// conditionHolds compares exactly first, then as a regex.
func conditionHolds(value, want string) bool {
	if value == want {
		return true
	}
	re, err := regexp.Compile(want)
	if err != nil {
		return false
	}
	return re.MatchString(value)
}

// invoke renders and executes the step with retries. A non-empty second
// return is a hard failure that bypassed execution (bad template, missing
// executor).
func (e *Engine) invoke(ctx context.Context, st *runState, step *model.RunbookStep, rec *model.StepExecution, tc template.Context) (*executor.Result, string) {
	var command string
	if step.StepType == model.StepAPI {
		cfg, err := apiCommand(step)
		if err != nil {
			return nil, fmt.Sprintf("build api request: %v", err)
		}
		command = cfg
	} else {
		raw := commandFor(step, st.server)
		rendered, err := template.Render(raw, tc)
		if err != nil {
			return nil, fmt.Sprintf("render command: %v", err)
		}
		command = rendered
	}
	rec.CommandExecuted = command

	if st.exec.DryRun {
		return &executor.Result{
			Success:    true,
			ExitCode:   step.ExpectedExitCode,
			Stdout:     "[dry-run] " + command,
			Command:    command,
			ExecutedAt: e.now(),
		}, ""
	}

	opts := executor.Options{
		TimeoutSeconds:   step.TimeoutSeconds,
		WithElevation:    step.RequiresElevation,
		Env:              step.Environment,
		WorkingDirectory: step.WorkingDirectory,
	}
	if step.StepType == model.StepAPI {
		// The HTTP executor renders {{var}} references against Env.
		env := make(map[string]string, len(st.vars)+len(step.Environment))
		for k, v := range st.vars {
			env[k] = v
		}
		for k, v := range step.Environment {
			env[k] = v
		}
		opts.Env = env
	}

	var result *executor.Result
	for attempt := 0; ; attempt++ {
		exe, err := e.executorFor(ctx, st, step)
		if err != nil {
			return nil, err.Error()
		}
		rec.RetryAttempt = attempt
		result = exe.Execute(ctx, command, opts)

		if result.ErrorType == executor.ErrConnection && st.server != nil {
			// A dead session must not be reused by the next attempt.
			e.executors.Invalidate(st.server.Hostname, st.server.Port)
		}
		if resultOK(step, result) || attempt >= step.RetryCount || !retryable(step, result) {
			break
		}
		log.Printf("[engine] Execution %s step %d %q attempt %d failed (%s), retrying in %ds",
			st.exec.ID, step.StepOrder, step.Name, attempt+1, result.ErrorType, step.RetryDelaySeconds)
		if step.RetryDelaySeconds > 0 {
			e.sleep(ctx, time.Duration(step.RetryDelaySeconds)*time.Second)
		}
		if ctx.Err() != nil {
			break
		}
	}

	rec.Stdout = result.Stdout
	rec.Stderr = result.Stderr
	rec.ExitCode = result.ExitCode
	rec.DurationMs = result.DurationMs
	if step.StepType == model.StepAPI {
		status := result.ExitCode
		rec.HTTPStatusCode = &status
		rec.HTTPResponseBody = result.Stdout
	}
	return result, ""
}

// retryable decides whether another attempt is worthwhile. Transport
// timeouts and connection errors always are; a command-level failure only
// when the step budgeted retries for it. Auth, permission and
// unclassified failures never: re-running a command that failed for an
// unknown reason on a production target is not safe.
func retryable(step *model.RunbookStep, result *executor.Result) bool {
	if result.Retryable {
		return true
	}
	switch result.ErrorType {
	case executor.ErrAuth, executor.ErrPermission, executor.ErrUnknown:
		return false
	}
	return step.RetryCount > 0
}

func (e *Engine) executorFor(ctx context.Context, st *runState, step *model.RunbookStep) (executor.Executor, error) {
	if step.StepType == model.StepAPI && step.APICredentialProfileID != nil {
		profile, err := e.store.GetCredentialProfile(ctx, *step.APICredentialProfileID)
		if err != nil {
			return nil, fmt.Errorf("load credential profile: %w", err)
		}
		if profile == nil {
			return nil, fmt.Errorf("credential profile %s not found", step.APICredentialProfileID)
		}
		return e.executors.ForProfile(profile)
	}
	if st.server == nil {
		return nil, fmt.Errorf("step %d has no target server and no credential profile", step.StepOrder)
	}
	var profile *model.CredentialProfile
	if st.server.CredentialProfileID != nil {
		p, err := e.store.GetCredentialProfile(ctx, *st.server.CredentialProfileID)
		if err != nil {
			return nil, fmt.Errorf("load credential profile: %w", err)
		}
		profile = p
	}
	return e.executors.For(st.server, profile)
}

// resultOK is the per-attempt success predicate used to stop retrying.
func resultOK(step *model.RunbookStep, result *executor.Result) bool {
	ok, _ := checkSuccess(step, result)
	return ok
}

// checkSuccess applies the step's expected exit code / status codes and
// optional output pattern.
func checkSuccess(step *model.RunbookStep, result *executor.Result) (bool, string) {
	if result.ErrorType != "" && result.ErrorType != executor.ErrCommand {
		return false, fmt.Sprintf("%s: %s", result.ErrorType, result.ErrorMessage)
	}

	if step.StepType == model.StepAPI {
		if !result.Success {
			return false, fmt.Sprintf("http status %d not in expected set", result.ExitCode)
		}
	} else if result.ExitCode != step.ExpectedExitCode {
		return false, fmt.Sprintf("exit code %d, expected %d", result.ExitCode, step.ExpectedExitCode)
	}

	if step.ExpectedOutputPattern != "" {
		re, err := regexp.Compile(`(?im)` + step.ExpectedOutputPattern)
		if err != nil {
			return false, fmt.Sprintf("bad expected_output_pattern: %v", err)
		}
		if !re.MatchString(result.Stdout) {
			return false, fmt.Sprintf("output does not match %q", step.ExpectedOutputPattern)
		}
	}
	return true, ""
}

// capture records the step result under steps.<safe_name> and the
// configured output_variable.
func (e *Engine) capture(st *runState, step *model.RunbookStep, result *executor.Result) {
	name := safeStepName(step.Name)
	st.steps[name] = map[string]any{
		"stdout":    result.Stdout,
		"stderr":    result.Stderr,
		"exit_code": strconv.Itoa(result.ExitCode),
		"success":   strconv.FormatBool(result.Success),
	}

	// Named extractions from API responses land directly in the map.
	for k, v := range result.Extracted {
		st.vars[k] = v
	}

	if step.OutputVariable == "" {
		return
	}
	value := strings.TrimSpace(result.Stdout)
	if step.OutputExtractPattern != "" {
		re, err := regexp.Compile(step.OutputExtractPattern)
		if err != nil {
			log.Printf("[engine] Execution %s step %q: bad output_extract_pattern: %v", st.exec.ID, step.Name, err)
			return
		}
		m := re.FindStringSubmatch(result.Stdout)
		switch {
		case m == nil:
			value = ""
		case len(m) > 1:
			value = m[1]
		default:
			value = m[0]
		}
	}
	st.vars[step.OutputVariable] = value
}

// rollback runs completed steps' rollback commands in reverse order.
// Errors are logged; the execution stays failed either way.
func (e *Engine) rollback(ctx context.Context, st *runState) {
	for i := len(st.completed) - 1; i >= 0; i-- {
		done := st.completed[i]
		raw := rollbackFor(done.step, st.server)
		if raw == "" {
			continue
		}
		command, err := template.Render(raw, done.context)
		if err != nil {
			log.Printf("[engine] Execution %s rollback of step %q: render: %v", st.exec.ID, done.step.Name, err)
			continue
		}
		exe, err := e.executorFor(ctx, st, done.step)
		if err != nil {
			log.Printf("[engine] Execution %s rollback of step %q: %v", st.exec.ID, done.step.Name, err)
			continue
		}
		st.exec.RollbackExecuted = true
		result := exe.Execute(ctx, command, executor.Options{
			TimeoutSeconds:   done.step.TimeoutSeconds,
			WithElevation:    done.step.RequiresElevation,
			Env:              done.step.Environment,
			WorkingDirectory: done.step.WorkingDirectory,
		})
		if !result.Success {
			log.Printf("[engine] Execution %s rollback of step %q failed: exit %d %s",
				st.exec.ID, done.step.Name, result.ExitCode, result.ErrorMessage)
		} else {
			log.Printf("[engine] Execution %s rolled back step %q", st.exec.ID, done.step.Name)
		}
	}
}

// afterRun applies the post-execution effects: breaker accounting, alert
// resolution, proven-solution snapshot.
func (e *Engine) afterRun(ctx context.Context, st *runState) {
	exec := st.exec
	success := exec.Status == model.ExecSuccess

	if e.gate != nil && !exec.DryRun && exec.Status != model.ExecCancelled {
		if err := e.gate.RecordResult(ctx, exec.RunbookID, success); err != nil {
			log.Printf("[engine] Execution %s: breaker update: %v", exec.ID, err)
		}
	}
	if e.audit != nil {
		e.audit.Record("execution_"+string(exec.Status), exec.ID, map[string]string{
			"runbook": st.rb.Name,
			"summary": exec.ResultSummary,
		})
	}
	if !success || exec.AlertID == nil {
		return
	}

	if err := e.store.ResolveAlert(ctx, *exec.AlertID); err != nil {
		log.Printf("[engine] Execution %s: resolve alert %s: %v", exec.ID, exec.AlertID, err)
	}

	if exec.DryRun || st.alert == nil {
		return
	}
	sol := &model.ProvenSolution{
		ID:                 uuid.New(),
		RunbookID:          exec.RunbookID,
		AlertID:            *exec.AlertID,
		ExecutionID:        exec.ID,
		ProblemDescription: problemDescription(st.alert),
		CreatedAt:          e.now(),
	}
	if e.embedder != nil {
		vec, err := e.embedder.Embed(sol.ProblemDescription)
		if err != nil {
			log.Printf("[engine] Execution %s: embed proven solution: %v", exec.ID, err)
		} else {
			sol.Embedding = vec
		}
	}
	if err := e.store.CreateProvenSolution(ctx, sol); err != nil {
		log.Printf("[engine] Execution %s: record proven solution: %v", exec.ID, err)
	}
}

func problemDescription(alert *model.Alert) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s (%s) on %s", alert.AlertName, alert.Severity, alert.Instance)
	if summary := alert.Annotations["summary"]; summary != "" {
		b.WriteString(": " + summary)
	} else if desc := alert.Annotations["description"]; desc != "" {
		b.WriteString(": " + desc)
	}
	return b.String()
}

func (e *Engine) finishStep(ctx context.Context, rec *model.StepExecution, status model.StepStatus, errMsg string) {
	now := e.now()
	rec.Status = status
	rec.CompletedAt = &now
	if rec.DurationMs == 0 {
		rec.DurationMs = now.Sub(rec.StartedAt).Milliseconds()
	}
	rec.ErrorMessage = errMsg
	if err := e.store.UpdateStepExecution(ctx, rec); err != nil {
		log.Printf("[engine] Persist step %d of execution %s: %v", rec.StepOrder, rec.ExecutionID, err)
	}
}

// templateContext builds the rendering context for the current state.
func (e *Engine) templateContext(st *runState) template.Context {
	tc := template.Context{
		"now":   e.now().Format(time.RFC3339),
		"vars":  st.vars,
		"steps": st.steps,
		"execution": map[string]any{
			"id":      st.exec.ID.String(),
			"mode":    string(st.exec.Mode),
			"dry_run": strconv.FormatBool(st.exec.DryRun),
		},
		"runbook": map[string]any{
			"name":     st.rb.Name,
			"category": st.rb.Category,
		},
	}
	if st.server != nil {
		tc["server"] = map[string]any{
			"hostname":    st.server.Hostname,
			"os_type":     string(st.server.OSType),
			"environment": st.server.Environment,
			"username":    st.server.Username,
			"port":        strconv.Itoa(st.server.Port),
		}
	}
	if st.alert != nil {
		labels := map[string]string{}
		for k, v := range st.alert.Labels {
			labels[k] = v
		}
		tc["alert"] = map[string]any{
			"id":          st.alert.ID.String(),
			"name":        st.alert.AlertName,
			"severity":    string(st.alert.Severity),
			"instance":    st.alert.Instance,
			"job":         st.alert.Job,
			"labels":      labels,
			"annotations": st.alert.Annotations,
		}
		tc["labels"] = labels
	}
	// Captured variables resolve at the top level too.
	for k, v := range st.vars {
		if _, taken := tc[k]; !taken {
			tc[k] = v
		}
	}
	return tc
}

// apiCommand serializes the api_* fields of a step into the JSON document
// the HTTP executor consumes. Values render leniently against the runtime
// variables inside the executor.
func apiCommand(step *model.RunbookStep) (string, error) {
	req := executor.APIRequest{
		Method:              step.APIMethod,
		Endpoint:            step.APIEndpoint,
		Headers:             step.APIHeaders,
		QueryParams:         step.APIQueryParams,
		Body:                step.APIBody,
		BodyType:            string(step.APIBodyType),
		ExpectedStatusCodes: step.APIExpectedStatusCodes,
		Extract:             step.APIResponseExtract,
	}
	buf, err := json.Marshal(req)
	if err != nil {
		return "", err
	}
	return string(buf), nil
}

func commandFor(step *model.RunbookStep, server *model.Server) string {
	if server != nil && server.OSType == model.OSWindows {
		return step.CommandWindows
	}
	return step.CommandLinux
}

func rollbackFor(step *model.RunbookStep, server *model.Server) string {
	if server != nil && server.OSType == model.OSWindows {
		return step.RollbackCommandWindows
	}
	return step.RollbackCommandLinux
}

var unsafeNameChars = regexp.MustCompile(`[^a-zA-Z0-9_]`)

// safeStepName makes a step name usable as a template identifier.
func safeStepName(name string) string {
	return unsafeNameChars.ReplaceAllString(name, "_")
}
