// Package trigger matches incoming alerts against runbook triggers and
// turns allowed matches into queued or pending executions.
package trigger

import (
	"context"
	"fmt"
	"log"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/aegisops/aegis/internal/approval"
	"github.com/aegisops/aegis/internal/model"
	"github.com/aegisops/aegis/internal/safety"
)

// DefaultApprovalTimeout applies when a runbook requires approval but sets
// no timeout of its own.
const DefaultApprovalTimeout = 4 * time.Hour

// Store is the persistence surface the matcher needs.
type Store interface {
	// EnabledRunbooksWithTriggers returns enabled runbooks with their
	// Steps and enabled Triggers populated.
	EnabledRunbooksWithTriggers(ctx context.Context) ([]model.Runbook, error)
	// FindServer looks a server up by hostname or name.
	FindServer(ctx context.Context, hostOrName string) (*model.Server, error)
	GetServer(ctx context.Context, id uuid.UUID) (*model.Server, error)
	CreateExecution(ctx context.Context, exec *model.RunbookExecution) error
}

// Match is one runbook selected for an alert, after per-runbook trigger
// deduplication.
type Match struct {
	Runbook   *model.Runbook
	Trigger   *model.RunbookTrigger
	Mode      model.ExecutionMode
	Variables map[string]string

	// Execution is set when a queued/pending execution was created.
	Execution *model.RunbookExecution
	// BlockReasons is set when the safety gate denied the match.
	BlockReasons []string
	RetryAt      *time.Time
}

// Result partitions the matches of one alert by what happened to them.
type Result struct {
	Matches       []*Match
	AutoExecuted  []*Match
	NeedsApproval []*Match
	Manual        []*Match
	Blocked       []*Match
}

// Matcher evaluates alerts against runbook triggers.
type Matcher struct {
	store Store
	gate  *safety.Gate
	audit model.AuditSink
	now   func() time.Time
}

// NewMatcher creates a matcher. audit may be nil.
func NewMatcher(store Store, gate *safety.Gate, audit model.AuditSink) *Matcher {
	return &Matcher{
		store: store,
		gate:  gate,
		audit: audit,
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// Match evaluates one alert against every enabled trigger of every enabled
// runbook, consults the safety gate, and creates executions for allowed
// auto and semi_auto matches. Manual matches are surfaced, never queued.
func (m *Matcher) Match(ctx context.Context, alert *model.Alert) (*Result, error) {
	runbooks, err := m.store.EnabledRunbooksWithTriggers(ctx)
	if err != nil {
		return nil, fmt.Errorf("load runbooks: %w", err)
	}

	res := &Result{}
	for i := range runbooks {
		rb := &runbooks[i]
		trig := bestTrigger(rb, alert)
		if trig == nil {
			continue
		}
		match := &Match{
			Runbook:   rb,
			Trigger:   trig,
			Mode:      executionMode(rb),
			Variables: extractVariables(alert),
		}
		res.Matches = append(res.Matches, match)
	}
	if len(res.Matches) == 0 {
		return res, nil
	}

	sort.SliceStable(res.Matches, func(i, j int) bool {
		return res.Matches[i].Trigger.Priority < res.Matches[j].Trigger.Priority
	})

	for _, match := range res.Matches {
		switch match.Mode {
		case model.ModeManual:
			res.Manual = append(res.Manual, match)
			continue
		}

		decision, err := m.gate.Check(ctx, gatedRunbook(match))
		if err != nil {
			return nil, fmt.Errorf("safety check for runbook %s: %w", match.Runbook.ID, err)
		}
		if !decision.Allowed {
			match.BlockReasons = decision.Reasons
			match.RetryAt = decision.RetryAt
			res.Blocked = append(res.Blocked, match)
			log.Printf("[trigger] Alert %q matched runbook %q but blocked: %s",
				alert.AlertName, match.Runbook.Name, strings.Join(decision.Reasons, "; "))
			continue
		}

		exec, err := m.createExecution(ctx, alert, match)
		if err != nil {
			return nil, err
		}
		match.Execution = exec
		if match.Mode == model.ModeAuto {
			res.AutoExecuted = append(res.AutoExecuted, match)
		} else {
			res.NeedsApproval = append(res.NeedsApproval, match)
		}
	}
	return res, nil
}

// bestTrigger returns the matching trigger with the lowest priority number
// for the runbook, or nil when none match.
func bestTrigger(rb *model.Runbook, alert *model.Alert) *model.RunbookTrigger {
	var best *model.RunbookTrigger
	for i := range rb.Triggers {
		t := &rb.Triggers[i]
		if !t.Enabled {
			continue
		}
		if !triggerMatches(t, alert) {
			continue
		}
		if best == nil || t.Priority < best.Priority {
			best = t
		}
	}
	return best
}

// triggerMatches reports whether every configured predicate of t holds
// against the alert.
func triggerMatches(t *model.RunbookTrigger, alert *model.Alert) bool {
	if !patternMatches(t.AlertNamePattern, alert.AlertName) {
		return false
	}
	if !patternMatches(t.SeverityPattern, string(alert.Severity)) {
		return false
	}
	if !patternMatches(t.InstancePattern, alert.Instance) {
		return false
	}
	if !patternMatches(t.JobPattern, alert.Job) {
		return false
	}
	for key, pattern := range t.LabelMatchers {
		value, ok := alert.Labels[key]
		if !ok {
			return false
		}
		if !patternMatches(pattern, value) {
			return false
		}
	}
	return true
}

// patternMatches evaluates a shell-style wildcard pattern where `*` matches
// any substring. Matching is case-insensitive; an empty pattern means the
// predicate is not configured and always holds.
func patternMatches(pattern, value string) bool {
	if pattern == "" {
		return true
	}
	parts := strings.Split(pattern, "*")
	for i, p := range parts {
		parts[i] = regexp.QuoteMeta(p)
	}
	re, err := regexp.Compile(`(?i)^` + strings.Join(parts, ".*") + `$`)
	if err != nil {
		log.Printf("[trigger] Bad pattern %q: %v", pattern, err)
		return false
	}
	return re.MatchString(value)
}

// extractVariables builds the alert context passed into step templates.
func extractVariables(alert *model.Alert) map[string]string {
	vars := map[string]string{
		"alert_id":        alert.ID.String(),
		"alert_name":      alert.AlertName,
		"alert_severity":  string(alert.Severity),
		"alert_instance":  alert.Instance,
		"alert_job":       alert.Job,
		"alert_source":    alert.Source,
		"alert_timestamp": alert.Timestamp.UTC().Format(time.RFC3339),
	}
	for key, value := range alert.Labels {
		vars["alert_label_"+key] = value
	}
	return vars
}

func executionMode(rb *model.Runbook) model.ExecutionMode {
	switch {
	case rb.AutoExecute:
		return model.ModeAuto
	case rb.ApprovalRequired:
		return model.ModeSemiAuto
	default:
		return model.ModeManual
	}
}

// gatedRunbook applies the trigger's cooldown when it is stricter than the
// runbook's own.
func gatedRunbook(match *Match) *model.Runbook {
	if match.Trigger.CooldownMinutes <= match.Runbook.CooldownMinutes {
		return match.Runbook
	}
	rb := *match.Runbook
	rb.CooldownMinutes = match.Trigger.CooldownMinutes
	return &rb
}

func (m *Matcher) createExecution(ctx context.Context, alert *model.Alert, match *Match) (*model.RunbookExecution, error) {
	rb := match.Runbook
	now := m.now()

	serverID, err := m.resolveTarget(ctx, rb, alert)
	if err != nil {
		return nil, err
	}

	exec := &model.RunbookExecution{
		ID:             uuid.New(),
		RunbookID:      rb.ID,
		RunbookVersion: rb.Version,
		TriggerID:      &match.Trigger.ID,
		AlertID:        &alert.ID,
		ServerID:       serverID,
		Mode:           match.Mode,
		QueuedAt:       now,
		StepsTotal:     len(rb.Steps),
		Variables:      match.Variables,
	}

	switch match.Mode {
	case model.ModeAuto:
		exec.Status = model.ExecQueued
	case model.ModeSemiAuto:
		timeout := DefaultApprovalTimeout
		if rb.ApprovalTimeoutMinutes > 0 {
			timeout = time.Duration(rb.ApprovalTimeoutMinutes) * time.Minute
		}
		expires := now.Add(timeout)
		exec.Status = model.ExecPending
		exec.ApprovalRequired = true
		exec.ApprovalToken = approval.NewToken()
		exec.ApprovalRequestedAt = &now
		exec.ApprovalExpiresAt = &expires
	}

	if err := m.store.CreateExecution(ctx, exec); err != nil {
		return nil, fmt.Errorf("create execution for runbook %s: %w", rb.ID, err)
	}
	log.Printf("[trigger] Alert %q → runbook %q execution %s (%s, %s)",
		alert.AlertName, rb.Name, exec.ID, exec.Mode, exec.Status)
	if m.audit != nil {
		m.audit.Record("execution_created", exec.ID, map[string]string{
			"runbook": rb.Name,
			"mode":    string(exec.Mode),
			"alert":   alert.AlertName,
		})
	}
	return exec, nil
}

// resolveTarget picks the server the execution will run against. When the
// runbook targets from the alert, the configured label's value is used as
// hostname (any :port suffix stripped); a missing label or unknown host
// falls back to the runbook's default server.
func (m *Matcher) resolveTarget(ctx context.Context, rb *model.Runbook, alert *model.Alert) (*uuid.UUID, error) {
	if rb.TargetFromAlert && rb.TargetAlertLabel != "" {
		value := alert.Labels[rb.TargetAlertLabel]
		if value == "" {
			log.Printf("[trigger] Runbook %q targets from label %q but alert %q has no such label; using default server",
				rb.Name, rb.TargetAlertLabel, alert.AlertName)
		} else {
			host := value
			if idx := strings.LastIndex(host, ":"); idx > 0 && !strings.Contains(host[idx+1:], "]") {
				host = host[:idx]
			}
			srv, err := m.store.FindServer(ctx, host)
			if err != nil {
				return nil, fmt.Errorf("resolve target %q: %w", host, err)
			}
			if srv != nil {
				return &srv.ID, nil
			}
			log.Printf("[trigger] No server matches %q (label %s); using default server", host, rb.TargetAlertLabel)
		}
	}
	if rb.DefaultServerID == nil {
		return nil, nil
	}
	srv, err := m.store.GetServer(ctx, *rb.DefaultServerID)
	if err != nil {
		return nil, fmt.Errorf("load default server %s: %w", rb.DefaultServerID, err)
	}
	if srv == nil {
		log.Printf("[trigger] Default server %s of runbook %q no longer exists", rb.DefaultServerID, rb.Name)
		return nil, nil
	}
	return &srv.ID, nil
}
