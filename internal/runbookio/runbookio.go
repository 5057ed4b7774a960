// Package runbookio imports and exports runbook definitions as YAML or
// JSON documents, validating structure and screening commands against the
// destructive-pattern guardrails.
package runbookio

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/aegisops/aegis/internal/model"
)

// runbookDoc is the on-disk shape of a runbook definition.
type runbookDoc struct {
	Name                   string   `yaml:"name" json:"name"`
	Description            string   `yaml:"description" json:"description"`
	Category               string   `yaml:"category" json:"category"`
	Tags                   []string `yaml:"tags" json:"tags"`
	Enabled                *bool    `yaml:"enabled" json:"enabled"`
	AutoExecute            bool     `yaml:"auto_execute" json:"auto_execute"`
	ApprovalRequired       bool     `yaml:"approval_required" json:"approval_required"`
	ApprovalRoles          []string `yaml:"approval_roles" json:"approval_roles"`
	ApprovalTimeoutMinutes int      `yaml:"approval_timeout_minutes" json:"approval_timeout_minutes"`
	MaxExecutionsPerHour   int      `yaml:"max_executions_per_hour" json:"max_executions_per_hour"`
	CooldownMinutes        int      `yaml:"cooldown_minutes" json:"cooldown_minutes"`
	TargetFromAlert        bool     `yaml:"target_from_alert" json:"target_from_alert"`
	TargetAlertLabel       string   `yaml:"target_alert_label" json:"target_alert_label"`

	Steps    []stepDoc    `yaml:"steps" json:"steps"`
	Triggers []triggerDoc `yaml:"triggers" json:"triggers"`
}

type stepDoc struct {
	Name                  string            `yaml:"name" json:"name"`
	Description           string            `yaml:"description" json:"description"`
	StepType              string            `yaml:"step_type" json:"step_type"`
	TargetOS              string            `yaml:"target_os" json:"target_os"`
	CommandLinux          string            `yaml:"command_linux" json:"command_linux"`
	CommandWindows        string            `yaml:"command_windows" json:"command_windows"`
	RequiresElevation     bool              `yaml:"requires_elevation" json:"requires_elevation"`
	TimeoutSeconds        int               `yaml:"timeout_seconds" json:"timeout_seconds"`
	ExpectedExitCode      int               `yaml:"expected_exit_code" json:"expected_exit_code"`
	ExpectedOutputPattern string            `yaml:"expected_output_pattern" json:"expected_output_pattern"`
	RetryCount            int               `yaml:"retry_count" json:"retry_count"`
	RetryDelaySeconds     int               `yaml:"retry_delay_seconds" json:"retry_delay_seconds"`
	ContinueOnFail        bool              `yaml:"continue_on_fail" json:"continue_on_fail"`
	RollbackLinux         string            `yaml:"rollback_command_linux" json:"rollback_command_linux"`
	RollbackWindows       string            `yaml:"rollback_command_windows" json:"rollback_command_windows"`
	OutputVariable        string            `yaml:"output_variable" json:"output_variable"`
	OutputExtractPattern  string            `yaml:"output_extract_pattern" json:"output_extract_pattern"`
	RunIfVariable         string            `yaml:"run_if_variable" json:"run_if_variable"`
	RunIfValue            string            `yaml:"run_if_value" json:"run_if_value"`
	Environment           map[string]string `yaml:"environment" json:"environment"`
	WorkingDirectory      string            `yaml:"working_directory" json:"working_directory"`

	APIMethod              string            `yaml:"api_method" json:"api_method"`
	APIEndpoint            string            `yaml:"api_endpoint" json:"api_endpoint"`
	APIHeaders             map[string]string `yaml:"api_headers" json:"api_headers"`
	APIQueryParams         map[string]string `yaml:"api_query_params" json:"api_query_params"`
	APIBody                string            `yaml:"api_body" json:"api_body"`
	APIBodyType            string            `yaml:"api_body_type" json:"api_body_type"`
	APIExpectedStatusCodes []int             `yaml:"api_expected_status_codes" json:"api_expected_status_codes"`
	APIResponseExtract     map[string]string `yaml:"api_response_extract" json:"api_response_extract"`
}

type triggerDoc struct {
	Enabled          *bool             `yaml:"enabled" json:"enabled"`
	Priority         int               `yaml:"priority" json:"priority"`
	AlertNamePattern string            `yaml:"alert_name_pattern" json:"alert_name_pattern"`
	SeverityPattern  string            `yaml:"severity_pattern" json:"severity_pattern"`
	InstancePattern  string            `yaml:"instance_pattern" json:"instance_pattern"`
	JobPattern       string            `yaml:"job_pattern" json:"job_pattern"`
	LabelMatchers    map[string]string `yaml:"label_matchers" json:"label_matchers"`
	CooldownMinutes  int               `yaml:"cooldown_minutes" json:"cooldown_minutes"`
}

// ImportYAML parses a YAML runbook definition, validates it, and screens
// its commands.
func ImportYAML(data []byte) (*model.Runbook, error) {
	var doc runbookDoc
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse runbook yaml: %w", err)
	}
	return fromDoc(&doc)
}

// ImportJSON parses a JSON runbook definition, validates it, and screens
// its commands.
func ImportJSON(data []byte) (*model.Runbook, error) {
	var doc runbookDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse runbook json: %w", err)
	}
	return fromDoc(&doc)
}

// ExportYAML serializes a runbook back to its on-disk YAML shape.
func ExportYAML(rb *model.Runbook) ([]byte, error) {
	return yaml.Marshal(toDoc(rb))
}

func fromDoc(doc *runbookDoc) (*model.Runbook, error) {
	rb := &model.Runbook{
		ID:                     uuid.New(),
		Name:                   doc.Name,
		Description:            doc.Description,
		Category:               doc.Category,
		Tags:                   doc.Tags,
		Enabled:                doc.Enabled == nil || *doc.Enabled,
		AutoExecute:            doc.AutoExecute,
		ApprovalRequired:       doc.ApprovalRequired,
		ApprovalRoles:          doc.ApprovalRoles,
		ApprovalTimeoutMinutes: doc.ApprovalTimeoutMinutes,
		MaxExecutionsPerHour:   doc.MaxExecutionsPerHour,
		CooldownMinutes:        doc.CooldownMinutes,
		TargetFromAlert:        doc.TargetFromAlert,
		TargetAlertLabel:       doc.TargetAlertLabel,
		Version:                1,
	}

	for i, sd := range doc.Steps {
		step := model.RunbookStep{
			RunbookID:              rb.ID,
			StepOrder:              i + 1,
			Name:                   sd.Name,
			Description:            sd.Description,
			StepType:               model.StepType(defaultString(sd.StepType, string(model.StepCommand))),
			TargetOS:               model.TargetOS(defaultString(sd.TargetOS, string(model.OSAny))),
			CommandLinux:           sd.CommandLinux,
			CommandWindows:         sd.CommandWindows,
			RequiresElevation:      sd.RequiresElevation,
			TimeoutSeconds:         sd.TimeoutSeconds,
			ExpectedExitCode:       sd.ExpectedExitCode,
			ExpectedOutputPattern:  sd.ExpectedOutputPattern,
			RetryCount:             sd.RetryCount,
			RetryDelaySeconds:      sd.RetryDelaySeconds,
			ContinueOnFail:         sd.ContinueOnFail,
			RollbackCommandLinux:   sd.RollbackLinux,
			RollbackCommandWindows: sd.RollbackWindows,
			OutputVariable:         sd.OutputVariable,
			OutputExtractPattern:   sd.OutputExtractPattern,
			RunIfVariable:          sd.RunIfVariable,
			RunIfValue:             sd.RunIfValue,
			Environment:            sd.Environment,
			WorkingDirectory:       sd.WorkingDirectory,

			APIMethod:              sd.APIMethod,
			APIEndpoint:            sd.APIEndpoint,
			APIHeaders:             sd.APIHeaders,
			APIQueryParams:         sd.APIQueryParams,
			APIBody:                sd.APIBody,
			APIBodyType:            model.APIBodyType(defaultString(sd.APIBodyType, string(model.BodyJSON))),
			APIExpectedStatusCodes: sd.APIExpectedStatusCodes,
			APIResponseExtract:     sd.APIResponseExtract,
		}
		rb.Steps = append(rb.Steps, step)
	}

	for _, td := range doc.Triggers {
		rb.Triggers = append(rb.Triggers, model.RunbookTrigger{
			ID:               uuid.New(),
			RunbookID:        rb.ID,
			Enabled:          td.Enabled == nil || *td.Enabled,
			Priority:         td.Priority,
			AlertNamePattern: td.AlertNamePattern,
			SeverityPattern:  td.SeverityPattern,
			InstancePattern:  td.InstancePattern,
			JobPattern:       td.JobPattern,
			LabelMatchers:    td.LabelMatchers,
			CooldownMinutes:  td.CooldownMinutes,
		})
	}

	if err := Validate(rb); err != nil {
		return nil, err
	}
	return rb, nil
}

func toDoc(rb *model.Runbook) *runbookDoc {
	enabled := rb.Enabled
	doc := &runbookDoc{
		Name:                   rb.Name,
		Description:            rb.Description,
		Category:               rb.Category,
		Tags:                   rb.Tags,
		Enabled:                &enabled,
		AutoExecute:            rb.AutoExecute,
		ApprovalRequired:       rb.ApprovalRequired,
		ApprovalRoles:          rb.ApprovalRoles,
		ApprovalTimeoutMinutes: rb.ApprovalTimeoutMinutes,
		MaxExecutionsPerHour:   rb.MaxExecutionsPerHour,
		CooldownMinutes:        rb.CooldownMinutes,
		TargetFromAlert:        rb.TargetFromAlert,
		TargetAlertLabel:       rb.TargetAlertLabel,
	}
	for _, step := range rb.Steps {
		doc.Steps = append(doc.Steps, stepDoc{
			Name:                  step.Name,
			Description:           step.Description,
			StepType:              string(step.StepType),
			TargetOS:              string(step.TargetOS),
			CommandLinux:          step.CommandLinux,
			CommandWindows:        step.CommandWindows,
			RequiresElevation:     step.RequiresElevation,
			TimeoutSeconds:        step.TimeoutSeconds,
			ExpectedExitCode:      step.ExpectedExitCode,
			ExpectedOutputPattern: step.ExpectedOutputPattern,
			RetryCount:            step.RetryCount,
			RetryDelaySeconds:     step.RetryDelaySeconds,
			ContinueOnFail:        step.ContinueOnFail,
			RollbackLinux:         step.RollbackCommandLinux,
			RollbackWindows:       step.RollbackCommandWindows,
			OutputVariable:        step.OutputVariable,
			OutputExtractPattern:  step.OutputExtractPattern,
			RunIfVariable:         step.RunIfVariable,
			RunIfValue:            step.RunIfValue,
			Environment:           step.Environment,
			WorkingDirectory:      step.WorkingDirectory,

			APIMethod:              step.APIMethod,
			APIEndpoint:            step.APIEndpoint,
			APIHeaders:             step.APIHeaders,
			APIQueryParams:         step.APIQueryParams,
			APIBody:                step.APIBody,
			APIBodyType:            string(step.APIBodyType),
			APIExpectedStatusCodes: step.APIExpectedStatusCodes,
			APIResponseExtract:     step.APIResponseExtract,
		})
	}
	for _, t := range rb.Triggers {
		en := t.Enabled
		doc.Triggers = append(doc.Triggers, triggerDoc{
			Enabled:          &en,
			Priority:         t.Priority,
			AlertNamePattern: t.AlertNamePattern,
			SeverityPattern:  t.SeverityPattern,
			InstancePattern:  t.InstancePattern,
			JobPattern:       t.JobPattern,
			LabelMatchers:    t.LabelMatchers,
			CooldownMinutes:  t.CooldownMinutes,
		})
	}
	return doc
}

// Validate checks structural invariants and, for auto-execute runbooks,
// screens every command against the guardrails.
func Validate(rb *model.Runbook) error {
	var problems []string

	if strings.TrimSpace(rb.Name) == "" {
		problems = append(problems, "name is required")
	}
	if len(rb.Steps) == 0 {
		problems = append(problems, "at least one step is required")
	}
	if rb.AutoExecute && rb.ApprovalRequired {
		problems = append(problems, "auto_execute and approval_required are mutually exclusive")
	}

	guard := NewGuardrails()
	for _, step := range rb.Steps {
		prefix := fmt.Sprintf("step %d (%s)", step.StepOrder, step.Name)
		if strings.TrimSpace(step.Name) == "" {
			problems = append(problems, fmt.Sprintf("step %d: name is required", step.StepOrder))
		}

		switch step.StepType {
		case model.StepCommand:
			if step.CommandLinux == "" && step.CommandWindows == "" {
				problems = append(problems, prefix+": command step needs command_linux or command_windows")
			}
		case model.StepAPI:
			if step.APIMethod == "" || step.APIEndpoint == "" {
				problems = append(problems, prefix+": api step needs api_method and api_endpoint")
			}
		default:
			problems = append(problems, fmt.Sprintf("%s: unknown step_type %q", prefix, step.StepType))
		}

		switch step.TargetOS {
		case model.OSLinux, model.OSWindows, model.OSAny:
		default:
			problems = append(problems, fmt.Sprintf("%s: unknown target_os %q", prefix, step.TargetOS))
		}

		if step.TimeoutSeconds < 0 || step.RetryCount < 0 || step.RetryDelaySeconds < 0 {
			problems = append(problems, prefix+": timeouts and retries must not be negative")
		}
		if step.OutputVariable == "" && step.OutputExtractPattern != "" {
			problems = append(problems, prefix+": output_extract_pattern without output_variable")
		}

		if rb.AutoExecute {
			for _, cmd := range []string{step.CommandLinux, step.CommandWindows, step.RollbackCommandLinux, step.RollbackCommandWindows} {
				if cmd == "" {
					continue
				}
				if pattern := guard.CheckDangerous(cmd); pattern != "" {
					problems = append(problems, fmt.Sprintf("%s: command matches dangerous pattern %q", prefix, pattern))
				}
			}
		}
	}

	for i, t := range rb.Triggers {
		if t.AlertNamePattern == "" && t.SeverityPattern == "" && t.InstancePattern == "" &&
			t.JobPattern == "" && len(t.LabelMatchers) == 0 {
			problems = append(problems, fmt.Sprintf("trigger %d: at least one pattern is required", i+1))
		}
	}

	if len(problems) > 0 {
		return fmt.Errorf("invalid runbook %q: %s", rb.Name, strings.Join(problems, "; "))
	}
	return nil
}

func defaultString(s, fallback string) string {
	if s == "" {
		return fallback
	}
	return s
}
