// Package approval manages the human-in-the-loop lifecycle of pending
// executions: token issuance, approve/reject, and expiry cleanup.
package approval

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/aegisops/aegis/internal/model"
)

// Sentinel errors returned by Approve and Reject. Callers map these onto
// their own response codes.
var (
	ErrNotFound     = errors.New("execution not found")
	ErrNotPending   = errors.New("execution is not pending approval")
	ErrBadToken     = errors.New("approval token mismatch")
	ErrExpired      = errors.New("approval window expired")
	ErrRoleRequired = errors.New("approver lacks a required role")
)

// Store is the persistence the approval service needs. GetExecutionForUpdate
// must lock the row so concurrent approvals are sequenced.
type Store interface {
	GetExecutionForUpdate(ctx context.Context, id uuid.UUID) (*model.RunbookExecution, error)
	UpdateExecution(ctx context.Context, exec *model.RunbookExecution) error
	GetRunbook(ctx context.Context, id uuid.UUID) (*model.Runbook, error)
	ExpirePendingBefore(ctx context.Context, cutoff time.Time) (int, error)
}

// Service validates approval tokens and drives pending → approved/rejected
// transitions.
type Service struct {
	store Store
	audit model.AuditSink
	now   func() time.Time
}

// NewService creates an approval service. audit may be nil.
func NewService(store Store, audit model.AuditSink) *Service {
	return &Service{
		store: store,
		audit: audit,
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// NewToken returns a fresh URL-safe approval token (32 random bytes).
func NewToken() string {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand failure is unrecoverable
		panic(fmt.Sprintf("approval: rand.Read: %v", err))
	}
	return base64.RawURLEncoding.EncodeToString(buf)
}

// Approve transitions a pending execution to approved. Approving an
// execution the same principal already approved is idempotent.
func (s *Service) Approve(ctx context.Context, id uuid.UUID, token string, approver model.Principal) error {
	exec, rb, err := s.validate(ctx, id, token, approver)
	if err != nil {
		if errors.Is(err, ErrNotPending) {
			// Double-submit of the same approval is not an error.
			if exec != nil && exec.Status == model.ExecApproved && exec.ApprovedBy == approver.ID {
				return nil
			}
		}
		return err
	}

	now := s.now()
	exec.Status = model.ExecApproved
	exec.ApprovedBy = approver.ID
	exec.ApprovedAt = &now
	if err := s.store.UpdateExecution(ctx, exec); err != nil {
		return fmt.Errorf("approve execution %s: %w", id, err)
	}
	log.Printf("[approval] Execution %s approved by %s (runbook %s)", id, approver.ID, rb.Name)
	s.record("approved", exec.ID, map[string]string{"approver": approver.ID})
	return nil
}

// Reject transitions a pending execution to rejected and stores the reason.
func (s *Service) Reject(ctx context.Context, id uuid.UUID, token string, rejector model.Principal, reason string) error {
	exec, rb, err := s.validate(ctx, id, token, rejector)
	if err != nil {
		return err
	}

	now := s.now()
	exec.Status = model.ExecRejected
	exec.ApprovedBy = rejector.ID
	exec.ApprovedAt = &now
	exec.CompletedAt = &now
	exec.ErrorMessage = "rejected: " + reason
	if err := s.store.UpdateExecution(ctx, exec); err != nil {
		return fmt.Errorf("reject execution %s: %w", id, err)
	}
	log.Printf("[approval] Execution %s rejected by %s (runbook %s): %s", id, rejector.ID, rb.Name, reason)
	s.record("rejected", exec.ID, map[string]string{"rejector": rejector.ID, "reason": reason})
	return nil
}

// CleanupExpired marks every pending execution whose approval window has
// passed as expired. Returns the number of executions expired.
func (s *Service) CleanupExpired(ctx context.Context) (int, error) {
	n, err := s.store.ExpirePendingBefore(ctx, s.now())
	if err != nil {
		return 0, fmt.Errorf("expire pending executions: %w", err)
	}
	if n > 0 {
		log.Printf("[approval] Expired %d pending executions", n)
	}
	return n, nil
}

// validate loads the execution and checks all approval preconditions. The
// execution is returned even on ErrNotPending so Approve can detect the
// idempotent double-approve case.
func (s *Service) validate(ctx context.Context, id uuid.UUID, token string, who model.Principal) (*model.RunbookExecution, *model.Runbook, error) {
	exec, err := s.store.GetExecutionForUpdate(ctx, id)
	if err != nil {
		return nil, nil, fmt.Errorf("load execution %s: %w", id, err)
	}
	if exec == nil {
		return nil, nil, ErrNotFound
	}
	if exec.Status != model.ExecPending {
		return exec, nil, ErrNotPending
	}
	if token == "" || token != exec.ApprovalToken {
		return nil, nil, ErrBadToken
	}
	if exec.ApprovalExpiresAt != nil && !s.now().Before(*exec.ApprovalExpiresAt) {
		return nil, nil, ErrExpired
	}

	rb, err := s.store.GetRunbook(ctx, exec.RunbookID)
	if err != nil {
		return nil, nil, fmt.Errorf("load runbook %s: %w", exec.RunbookID, err)
	}
	if rb == nil {
		return nil, nil, fmt.Errorf("runbook %s no longer exists", exec.RunbookID)
	}
	if !who.HasAnyRole(rb.ApprovalRoles) {
		return nil, nil, ErrRoleRequired
	}
	return exec, rb, nil
}

func (s *Service) record(event string, id uuid.UUID, detail map[string]string) {
	if s.audit != nil {
		s.audit.Record(event, id, detail)
	}
}
