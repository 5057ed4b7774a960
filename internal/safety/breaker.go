// Package safety implements the layered execution gate: per-runbook
// circuit breaker, sliding-window rate limiter, blackout windows, and
// cooldown. A request is allowed only if every layer allows it.
package safety

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/aegisops/aegis/internal/model"
)

// Breaker defaults, used when a runbook has no explicit breaker record.
const (
	DefaultFailureThreshold    = 3
	DefaultSuccessThreshold    = 2
	DefaultOpenDurationMinutes = 30
)

// BreakerStore is the persistence the circuit breaker needs. The load and
// save of one breaker must happen inside a transaction or an equivalent
// compare-and-set, so success/failure accounting is sequenced per runbook.
type BreakerStore interface {
	GetBreaker(ctx context.Context, runbookID uuid.UUID) (*model.CircuitBreaker, error)
	SaveBreaker(ctx context.Context, cb *model.CircuitBreaker) error
}

// BreakerService drives the per-runbook circuit breaker state machine.
type BreakerService struct {
	store BreakerStore
	now   func() time.Time
}

// NewBreakerService creates a breaker service.
func NewBreakerService(store BreakerStore) *BreakerService {
	return &BreakerService{store: store, now: func() time.Time { return time.Now().UTC() }}
}

// defaultBreaker builds a closed breaker for a runbook seen for the first time.
func defaultBreaker(runbookID uuid.UUID) *model.CircuitBreaker {
	return &model.CircuitBreaker{
		Scope:               "runbook",
		ScopeID:             runbookID,
		State:               model.BreakerClosed,
		FailureThreshold:    DefaultFailureThreshold,
		SuccessThreshold:    DefaultSuccessThreshold,
		OpenDurationMinutes: DefaultOpenDurationMinutes,
	}
}

// Allow reports whether the breaker permits an execution now. It may
// transition open→half_open (on expiry) or open→closed (when a raised
// failure threshold made an auto-open obsolete) as a side effect.
func (s *BreakerService) Allow(ctx context.Context, runbookID uuid.UUID) (bool, string, *time.Time, error) {
	cb, err := s.load(ctx, runbookID)
	if err != nil {
		return false, "", nil, err
	}
	now := s.now()

	switch cb.State {
	case model.BreakerClosed:
		return true, "", nil, nil

	case model.BreakerOpen:
		// A raised failure threshold makes an automatic open obsolete.
		if !cb.ManuallyOpened && cb.FailureCount < cb.FailureThreshold {
			s.transitionClosed(cb)
			if err := s.store.SaveBreaker(ctx, cb); err != nil {
				return false, "", nil, err
			}
			log.Printf("[safety] Breaker for %s auto-closed: failure threshold raised above count", runbookID)
			return true, "", nil, nil
		}
		if cb.ManuallyOpened {
			reason := "circuit breaker manually opened"
			if cb.ManuallyOpenedReason != "" {
				reason += ": " + cb.ManuallyOpenedReason
			}
			return false, reason, nil, nil
		}
		if cb.ClosesAt != nil && !now.Before(*cb.ClosesAt) {
			cb.State = model.BreakerHalfOpen
			cb.SuccessCount = 0
			if err := s.store.SaveBreaker(ctx, cb); err != nil {
				return false, "", nil, err
			}
			log.Printf("[safety] Breaker for %s half-open (open period elapsed)", runbookID)
			return true, "", nil, nil
		}
		retry := cb.ClosesAt
		return false, fmt.Sprintf("circuit breaker open (%d consecutive failures)", cb.FailureCount), retry, nil

	case model.BreakerHalfOpen:
		return true, "", nil, nil
	}

	return false, fmt.Sprintf("circuit breaker in unknown state %q", cb.State), nil, nil
}

// RecordSuccess feeds a successful execution into the breaker.
func (s *BreakerService) RecordSuccess(ctx context.Context, runbookID uuid.UUID) error {
	cb, err := s.load(ctx, runbookID)
	if err != nil {
		return err
	}
	now := s.now()
	cb.LastSuccessAt = &now

	switch cb.State {
	case model.BreakerClosed:
		cb.FailureCount = 0
		cb.SuccessCount++
	case model.BreakerHalfOpen:
		cb.SuccessCount++
		if cb.SuccessCount >= cb.SuccessThreshold {
			s.transitionClosed(cb)
			log.Printf("[safety] Breaker for %s closed after %d half-open successes", runbookID, cb.SuccessThreshold)
		}
	case model.BreakerOpen:
		// A success while open can only come from a manual/forced run;
		// it does not change the state.
	}

	return s.store.SaveBreaker(ctx, cb)
}

// RecordFailure feeds a failed execution into the breaker.
func (s *BreakerService) RecordFailure(ctx context.Context, runbookID uuid.UUID) error {
	cb, err := s.load(ctx, runbookID)
	if err != nil {
		return err
	}
	now := s.now()
	cb.LastFailureAt = &now

	switch cb.State {
	case model.BreakerClosed:
		cb.FailureCount++
		if cb.FailureCount >= cb.FailureThreshold {
			s.open(cb, now, cb.OpenDurationMinutes)
			log.Printf("[safety] Breaker for %s OPEN after %d failures (closes %s)",
				runbookID, cb.FailureCount, cb.ClosesAt.Format(time.RFC3339))
		}
	case model.BreakerHalfOpen:
		// First failure in half-open reopens with doubled duration.
		cb.OpenDurationMinutes *= 2
		s.open(cb, now, cb.OpenDurationMinutes)
		log.Printf("[safety] Breaker for %s re-OPEN from half-open (duration doubled to %dm)",
			runbookID, cb.OpenDurationMinutes)
	case model.BreakerOpen:
		cb.FailureCount++
	}

	return s.store.SaveBreaker(ctx, cb)
}

// ForceOpen opens the breaker manually. Only a manual close reverses it.
func (s *BreakerService) ForceOpen(ctx context.Context, runbookID uuid.UUID, reason string) error {
	cb, err := s.load(ctx, runbookID)
	if err != nil {
		return err
	}
	now := s.now()
	cb.State = model.BreakerOpen
	cb.OpenedAt = &now
	cb.ClosesAt = nil
	cb.ManuallyOpened = true
	cb.ManuallyOpenedReason = reason
	log.Printf("[safety] Breaker for %s manually opened: %s", runbookID, reason)
	return s.store.SaveBreaker(ctx, cb)
}

// ForceClose closes the breaker manually and clears all counters.
func (s *BreakerService) ForceClose(ctx context.Context, runbookID uuid.UUID) error {
	cb, err := s.load(ctx, runbookID)
	if err != nil {
		return err
	}
	s.transitionClosed(cb)
	log.Printf("[safety] Breaker for %s manually closed", runbookID)
	return s.store.SaveBreaker(ctx, cb)
}

func (s *BreakerService) load(ctx context.Context, runbookID uuid.UUID) (*model.CircuitBreaker, error) {
	cb, err := s.store.GetBreaker(ctx, runbookID)
	if err != nil {
		return nil, fmt.Errorf("load breaker: %w", err)
	}
	if cb == nil {
		cb = defaultBreaker(runbookID)
	}
	if cb.FailureThreshold <= 0 {
		cb.FailureThreshold = DefaultFailureThreshold
	}
	if cb.SuccessThreshold <= 0 {
		cb.SuccessThreshold = DefaultSuccessThreshold
	}
	if cb.OpenDurationMinutes <= 0 {
		cb.OpenDurationMinutes = DefaultOpenDurationMinutes
	}
	return cb, nil
}

func (s *BreakerService) open(cb *model.CircuitBreaker, now time.Time, durationMinutes int) {
	closes := now.Add(time.Duration(durationMinutes) * time.Minute)
	cb.State = model.BreakerOpen
	cb.OpenedAt = &now
	cb.ClosesAt = &closes
	cb.SuccessCount = 0
}

func (s *BreakerService) transitionClosed(cb *model.CircuitBreaker) {
	cb.State = model.BreakerClosed
	cb.FailureCount = 0
	cb.SuccessCount = 0
	cb.OpenedAt = nil
	cb.ClosesAt = nil
	cb.ManuallyOpened = false
	cb.ManuallyOpenedReason = ""
}
