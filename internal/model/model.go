// Package model defines the persistent entities of the auto-remediation
// core: alerts, runbooks and their steps/triggers, executions, the safety
// records (circuit breakers, blackout windows, rate limits) and scheduled
// jobs. All timestamps are UTC; identifiers are UUIDs.
package model

import (
	"time"

	"github.com/google/uuid"
)

// Vector is a dense embedding of fixed dimension, produced by an external
// Embedder. A nil Vector means "no embedding available".
type Vector []float32

// Embedder turns text into a Vector. Implemented by an external collaborator.
type Embedder interface {
	Embed(text string) (Vector, error)
}

// AuditSink receives fire-and-forget records of execution transitions.
type AuditSink interface {
	Record(event string, executionID uuid.UUID, detail map[string]string)
}

// Severity of an alert.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityWarning  Severity = "warning"
	SeverityInfo     Severity = "info"
)

// AlertStatus is the firing state of an alert.
type AlertStatus string

const (
	AlertFiring   AlertStatus = "firing"
	AlertResolved AlertStatus = "resolved"
)

// Alert is an observed fault. Alerts deduplicate on Fingerprint: a later
// alert with the same fingerprint updates the existing row.
type Alert struct {
	ID          uuid.UUID         `json:"id"`
	Fingerprint string            `json:"fingerprint"`
	AlertName   string            `json:"alert_name"`
	Severity    Severity          `json:"severity"`
	Status      AlertStatus       `json:"status"`
	Instance    string            `json:"instance"`
	Job         string            `json:"job"`
	Source      string            `json:"source"`
	Timestamp   time.Time         `json:"timestamp"`
	Labels      map[string]string `json:"labels"`
	Annotations map[string]string `json:"annotations"`
	Embedding   Vector            `json:"embedding,omitempty"`
}

// Runbook is a versioned, ordered remediation procedure with safety settings.
type Runbook struct {
	ID                     uuid.UUID  `json:"id"`
	Name                   string     `json:"name"`
	Description            string     `json:"description"`
	Category               string     `json:"category"`
	Tags                   []string   `json:"tags"`
	Enabled                bool       `json:"enabled"`
	AutoExecute            bool       `json:"auto_execute"`
	ApprovalRequired       bool       `json:"approval_required"`
	ApprovalRoles          []string   `json:"approval_roles"`
	ApprovalTimeoutMinutes int        `json:"approval_timeout_minutes"`
	MaxExecutionsPerHour   int        `json:"max_executions_per_hour"`
	CooldownMinutes        int        `json:"cooldown_minutes"`
	DefaultServerID        *uuid.UUID `json:"default_server_id,omitempty"`
	TargetFromAlert        bool       `json:"target_from_alert"`
	TargetAlertLabel       string     `json:"target_alert_label"`
	Version                int        `json:"version"`
	Embedding              Vector     `json:"embedding,omitempty"`

	Steps    []RunbookStep    `json:"steps,omitempty"`
	Triggers []RunbookTrigger `json:"triggers,omitempty"`
}

// StepType distinguishes shell command steps from HTTP API steps.
type StepType string

const (
	StepCommand StepType = "command"
	StepAPI     StepType = "api"
)

// TargetOS restricts a step to a target operating system.
type TargetOS string

const (
	OSLinux   TargetOS = "linux"
	OSWindows TargetOS = "windows"
	OSAny     TargetOS = "any"
)

// APIBodyType controls how the API step body is encoded.
type APIBodyType string

const (
	BodyJSON APIBodyType = "json"
	BodyForm APIBodyType = "form"
	BodyRaw  APIBodyType = "raw"
)

// RunbookStep is a single ordered action within a runbook.
type RunbookStep struct {
	RunbookID   uuid.UUID `json:"runbook_id"`
	StepOrder   int       `json:"step_order"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	StepType    StepType  `json:"step_type"`
	TargetOS    TargetOS  `json:"target_os"`

	CommandLinux   string `json:"command_linux,omitempty"`
	CommandWindows string `json:"command_windows,omitempty"`

	RequiresElevation     bool   `json:"requires_elevation"`
	TimeoutSeconds        int    `json:"timeout_seconds"`
	ExpectedExitCode      int    `json:"expected_exit_code"`
	ExpectedOutputPattern string `json:"expected_output_pattern,omitempty"`
	RetryCount            int    `json:"retry_count"`
	RetryDelaySeconds     int    `json:"retry_delay_seconds"`
	ContinueOnFail        bool   `json:"continue_on_fail"`

	RollbackCommandLinux   string `json:"rollback_command_linux,omitempty"`
	RollbackCommandWindows string `json:"rollback_command_windows,omitempty"`

	OutputVariable       string `json:"output_variable,omitempty"`
	OutputExtractPattern string `json:"output_extract_pattern,omitempty"`
	RunIfVariable        string `json:"run_if_variable,omitempty"`
	RunIfValue           string `json:"run_if_value,omitempty"`

	Environment      map[string]string `json:"environment,omitempty"`
	WorkingDirectory string            `json:"working_directory,omitempty"`

	// API step fields
	APIMethod              string            `json:"api_method,omitempty"`
	APIEndpoint            string            `json:"api_endpoint,omitempty"`
	APIHeaders             map[string]string `json:"api_headers,omitempty"`
	APIQueryParams         map[string]string `json:"api_query_params,omitempty"`
	APIBody                string            `json:"api_body,omitempty"`
	APIBodyType            APIBodyType       `json:"api_body_type,omitempty"`
	APIExpectedStatusCodes []int             `json:"api_expected_status_codes,omitempty"`
	APIResponseExtract     map[string]string `json:"api_response_extract,omitempty"`
	APICredentialProfileID *uuid.UUID        `json:"api_credential_profile_id,omitempty"`
}

// RunbookTrigger binds an alert pattern to a runbook. Patterns use
// shell-style wildcards where `*` matches any substring. Among triggers of
// one runbook matching the same alert, the lowest Priority wins.
type RunbookTrigger struct {
	ID               uuid.UUID         `json:"id"`
	RunbookID        uuid.UUID         `json:"runbook_id"`
	Enabled          bool              `json:"enabled"`
	Priority         int               `json:"priority"`
	AlertNamePattern string            `json:"alert_name_pattern,omitempty"`
	SeverityPattern  string            `json:"severity_pattern,omitempty"`
	InstancePattern  string            `json:"instance_pattern,omitempty"`
	JobPattern       string            `json:"job_pattern,omitempty"`
	LabelMatchers    map[string]string `json:"label_matchers,omitempty"`
	CooldownMinutes  int               `json:"cooldown_minutes"`
}

// ExecutionMode is how an execution was initiated.
type ExecutionMode string

const (
	ModeAuto     ExecutionMode = "auto"
	ModeSemiAuto ExecutionMode = "semi_auto"
	ModeManual   ExecutionMode = "manual"
	ModeDryRun   ExecutionMode = "dry_run"
)

// ExecutionStatus is the state of a RunbookExecution.
type ExecutionStatus string

const (
	ExecQueued    ExecutionStatus = "queued"
	ExecPending   ExecutionStatus = "pending"
	ExecApproved  ExecutionStatus = "approved"
	ExecRunning   ExecutionStatus = "running"
	ExecSuccess   ExecutionStatus = "success"
	ExecFailed    ExecutionStatus = "failed"
	ExecCancelled ExecutionStatus = "cancelled"
	ExecTimeout   ExecutionStatus = "timeout"
	ExecRejected  ExecutionStatus = "rejected"
	ExecExpired   ExecutionStatus = "expired"
)

// IsTerminal reports whether s is a final state. A terminal execution has
// CompletedAt set; a non-terminal one does not.
func (s ExecutionStatus) IsTerminal() bool {
	switch s {
	case ExecSuccess, ExecFailed, ExecCancelled, ExecTimeout, ExecRejected, ExecExpired:
		return true
	}
	return false
}

// RunbookExecution is one attempt to run a runbook.
//
// State machine:
//
//	queued  → running → {success, failed, cancelled}
//	pending → approved → running → ...
//	pending → {rejected, expired, timeout}
type RunbookExecution struct {
	ID             uuid.UUID       `json:"id"`
	RunbookID      uuid.UUID       `json:"runbook_id"`
	RunbookVersion int             `json:"runbook_version"`
	TriggerID      *uuid.UUID      `json:"trigger_id,omitempty"`
	AlertID        *uuid.UUID      `json:"alert_id,omitempty"`
	ServerID       *uuid.UUID      `json:"server_id,omitempty"`
	Mode           ExecutionMode   `json:"execution_mode"`
	Status         ExecutionStatus `json:"status"`

	QueuedAt    time.Time  `json:"queued_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	StepsTotal     int  `json:"steps_total"`
	StepsCompleted int  `json:"steps_completed"`
	StepsFailed    int  `json:"steps_failed"`
	DryRun         bool `json:"dry_run"`

	Variables        map[string]string `json:"variables,omitempty"`
	ResultSummary    string            `json:"result_summary,omitempty"`
	ErrorMessage     string            `json:"error_message,omitempty"`
	RollbackExecuted bool              `json:"rollback_executed"`

	ApprovalRequired    bool       `json:"approval_required"`
	ApprovalToken       string     `json:"approval_token,omitempty"`
	ApprovalRequestedAt *time.Time `json:"approval_requested_at,omitempty"`
	ApprovalExpiresAt   *time.Time `json:"approval_expires_at,omitempty"`
	ApprovedBy          string     `json:"approved_by,omitempty"`
	ApprovedAt          *time.Time `json:"approved_at,omitempty"`

	TriggeredBySystem bool `json:"triggered_by_system"`
}

// StepStatus is the state of one step within an execution.
type StepStatus string

const (
	StepQueued  StepStatus = "queued"
	StepRunning StepStatus = "running"
	StepSuccess StepStatus = "success"
	StepFailed  StepStatus = "failed"
	StepSkipped StepStatus = "skipped"
)

// StepExecution records one step of one execution.
type StepExecution struct {
	ExecutionID uuid.UUID  `json:"execution_id"`
	StepOrder   int        `json:"step_order"`
	StepName    string     `json:"step_name"`
	Status      StepStatus `json:"status"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	DurationMs  int64      `json:"duration_ms"`

	CommandExecuted string `json:"command_executed,omitempty"`
	Stdout          string `json:"stdout,omitempty"`
	Stderr          string `json:"stderr,omitempty"`
	ExitCode        int    `json:"exit_code"`

	HTTPStatusCode   *int   `json:"http_status_code,omitempty"`
	HTTPResponseBody string `json:"http_response_body,omitempty"`

	RetryAttempt int    `json:"retry_attempt"`
	ErrorType    string `json:"error_type,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`
}

// BreakerState is the circuit breaker state.
type BreakerState string

const (
	BreakerClosed   BreakerState = "closed"
	BreakerOpen     BreakerState = "open"
	BreakerHalfOpen BreakerState = "half_open"
)

// CircuitBreaker is per-runbook failure accounting.
type CircuitBreaker struct {
	Scope   string       `json:"scope"` // always "runbook"
	ScopeID uuid.UUID    `json:"scope_id"`
	State   BreakerState `json:"state"`

	FailureCount     int `json:"failure_count"`
	SuccessCount     int `json:"success_count"`
	FailureThreshold int `json:"failure_threshold"`
	SuccessThreshold int `json:"success_threshold"`

	OpenedAt            *time.Time `json:"opened_at,omitempty"`
	ClosesAt            *time.Time `json:"closes_at,omitempty"`
	OpenDurationMinutes int        `json:"open_duration_minutes"`
	LastFailureAt       *time.Time `json:"last_failure_at,omitempty"`
	LastSuccessAt       *time.Time `json:"last_success_at,omitempty"`

	ManuallyOpened       bool   `json:"manually_opened"`
	ManuallyOpenedReason string `json:"manually_opened_reason,omitempty"`
}

// BlackoutScope selects which runbooks a blackout window inhibits.
type BlackoutScope string

const (
	BlackoutAll      BlackoutScope = "all"
	BlackoutCategory BlackoutScope = "category"
	BlackoutRunbook  BlackoutScope = "runbook"
)

// BlackoutWindow is a time-bounded execution inhibition.
type BlackoutWindow struct {
	ID                 uuid.UUID     `json:"id"`
	Name               string        `json:"name"`
	StartTime          time.Time     `json:"start_time"`
	EndTime            time.Time     `json:"end_time"`
	Enabled            bool          `json:"enabled"`
	Scope              BlackoutScope `json:"scope"`
	AffectedCategories []string      `json:"affected_categories,omitempty"`
	AffectedRunbookIDs []uuid.UUID   `json:"affected_runbook_ids,omitempty"`
	Reason             string        `json:"reason,omitempty"`
}

// ExecutionRateLimit is a sliding-window execution cap for one runbook.
type ExecutionRateLimit struct {
	RunbookID     uuid.UUID `json:"runbook_id"`
	MaxExecutions int       `json:"max_executions"`
	WindowSeconds int       `json:"window_seconds"`
}

// ScheduleType is the kind of time-based trigger.
type ScheduleType string

const (
	ScheduleCron     ScheduleType = "cron"
	ScheduleInterval ScheduleType = "interval"
	ScheduleDate     ScheduleType = "date"
)

// ScheduledJob is a durable time-based runbook trigger.
type ScheduledJob struct {
	ID              uuid.UUID    `json:"id"`
	RunbookID       uuid.UUID    `json:"runbook_id"`
	Name            string       `json:"name"`
	ScheduleType    ScheduleType `json:"schedule_type"`
	CronExpression  string       `json:"cron_expression,omitempty"`
	IntervalSeconds int          `json:"interval_seconds,omitempty"`
	StartDate       *time.Time   `json:"start_date,omitempty"`
	EndDate         *time.Time   `json:"end_date,omitempty"`
	Timezone        string       `json:"timezone"`

	TargetServerID   *uuid.UUID        `json:"target_server_id,omitempty"`
	ExecutionParams  map[string]string `json:"execution_params,omitempty"`
	MaxInstances     int               `json:"max_instances"`
	MisfireGraceTime int               `json:"misfire_grace_time"` // seconds
	Coalesce         bool              `json:"coalesce"`
	Enabled          bool              `json:"enabled"`

	LastRunAt     *time.Time `json:"last_run_at,omitempty"`
	LastRunStatus string     `json:"last_run_status,omitempty"`
	NextRunAt     *time.Time `json:"next_run_at,omitempty"`
	RunCount      int        `json:"run_count"`
	FailureCount  int        `json:"failure_count"`
}

// ScheduleHistoryStatus is the outcome of one scheduler fire.
type ScheduleHistoryStatus string

const (
	FireSuccess ScheduleHistoryStatus = "success"
	FireFailed  ScheduleHistoryStatus = "failed"
	FireMissed  ScheduleHistoryStatus = "missed"
)

// ScheduleExecutionHistory records one scheduler fire, including missed ones.
type ScheduleExecutionHistory struct {
	ID           uuid.UUID             `json:"id"`
	JobID        uuid.UUID             `json:"job_id"`
	ScheduledAt  time.Time             `json:"scheduled_at"`
	ExecutedAt   *time.Time            `json:"executed_at,omitempty"`
	CompletedAt  *time.Time            `json:"completed_at,omitempty"`
	Status       ScheduleHistoryStatus `json:"status"`
	ErrorMessage string                `json:"error_message,omitempty"`
	DurationMs   int64                 `json:"duration_ms"`
	ExecutionID  *uuid.UUID            `json:"execution_id,omitempty"`
}

// Protocol is the transport used to reach a server.
type Protocol string

const (
	ProtoSSH   Protocol = "ssh"
	ProtoWinRM Protocol = "winrm"
	ProtoHTTP  Protocol = "http"
)

// Server is a remediation target.
type Server struct {
	ID          uuid.UUID `json:"id"`
	Name        string    `json:"name"`
	Hostname    string    `json:"hostname"`
	Port        int       `json:"port"`
	Protocol    Protocol  `json:"protocol"`
	OSType      TargetOS  `json:"os_type"`
	Environment string    `json:"environment,omitempty"`
	Enabled     bool      `json:"enabled"`

	Username              string     `json:"username,omitempty"`
	PasswordEncrypted     string     `json:"-"`
	SSHKeyEncrypted       string     `json:"-"`
	SudoPasswordEncrypted string     `json:"-"`
	APITokenEncrypted     string     `json:"-"`
	CredentialProfileID   *uuid.UUID `json:"credential_profile_id,omitempty"`

	UseSSL    bool `json:"use_ssl"`
	VerifySSL bool `json:"verify_ssl"`
}

// CredentialProfile is a shared credential usable by several servers or
// API steps. Its secret and username take effect when the server's inline
// slot is empty.
type CredentialProfile struct {
	ID              uuid.UUID         `json:"id"`
	Name            string            `json:"name"`
	AuthType        string            `json:"auth_type"` // none, api_key, bearer, basic, custom
	Username        string            `json:"username,omitempty"`
	SecretEncrypted string            `json:"-"`
	HeaderName      string            `json:"header_name,omitempty"`
	BaseURL         string            `json:"base_url,omitempty"`
	TimeoutSeconds  int               `json:"timeout_seconds"`
	ExtraHeaders    map[string]string `json:"extra_headers,omitempty"`
}

// ProvenSolution is a snapshot recorded after a successful, non-dry-run
// execution that resolved an alert. The ranker feeds on these.
type ProvenSolution struct {
	ID                 uuid.UUID `json:"id"`
	RunbookID          uuid.UUID `json:"runbook_id"`
	AlertID            uuid.UUID `json:"alert_id"`
	ExecutionID        uuid.UUID `json:"execution_id"`
	ProblemDescription string    `json:"problem_description"`
	Embedding          Vector    `json:"embedding,omitempty"`
	CreatedAt          time.Time `json:"created_at"`
}

// Principal is an authenticated caller. The core only consumes roles;
// authentication itself belongs to a collaborator.
type Principal struct {
	ID    string   `json:"id"`
	Name  string   `json:"name"`
	Roles []string `json:"roles"`
}

// HasRole reports whether the principal holds the given role.
func (p Principal) HasRole(role string) bool {
	for _, r := range p.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// HasAnyRole reports whether the principal holds at least one of the roles.
// An empty required set matches any principal.
func (p Principal) HasAnyRole(roles []string) bool {
	if len(roles) == 0 {
		return true
	}
	for _, r := range roles {
		if p.HasRole(r) {
			return true
		}
	}
	return false
}
