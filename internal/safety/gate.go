package safety

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/aegisops/aegis/internal/model"
)

// CooldownStore reads the most recent execution time for a runbook.
type CooldownStore interface {
	LastExecutionQueuedAt(ctx context.Context, runbookID uuid.UUID) (*time.Time, error)
}

// Decision is the aggregated outcome of all safety checks. Denials never
// raise; the reasons are recorded by the caller.
type Decision struct {
	Allowed bool
	Reasons []string
	// RetryAt is the earliest useful retry time, when one is known
	// (breaker close, blackout end, rate window roll-off, cooldown end).
	RetryAt *time.Time
}

// Store is the combined persistence surface the gate needs.
type Store interface {
	BreakerStore
	RateStore
	BlackoutStore
	CooldownStore
}

// Gate aggregates circuit breaker, rate limiter, blackout windows, and
// cooldown into a single Allow/Deny decision.
type Gate struct {
	breaker  *BreakerService
	rate     *RateLimiter
	blackout *BlackoutService
	cooldown CooldownStore
	now      func() time.Time
}

// NewGate builds the gate over one store.
func NewGate(store Store) *Gate {
	return &Gate{
		breaker:  NewBreakerService(store),
		rate:     NewRateLimiter(store),
		blackout: NewBlackoutService(store),
		cooldown: store,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Breaker exposes the breaker service for manual open/close operations.
func (g *Gate) Breaker() *BreakerService { return g.breaker }

// Check runs all four layers. Every layer is evaluated even after a
// denial so the caller gets the full set of reasons.
func (g *Gate) Check(ctx context.Context, rb *model.Runbook) (Decision, error) {
	d := Decision{Allowed: true}

	ok, reason, retryAt, err := g.breaker.Allow(ctx, rb.ID)
	if err != nil {
		return Decision{}, err
	}
	d.merge(ok, reason, retryAt)

	ok, reason, retryAt, err = g.rate.Allow(ctx, rb)
	if err != nil {
		return Decision{}, err
	}
	d.merge(ok, reason, retryAt)

	ok, reason, retryAt, err = g.blackout.Allow(ctx, rb)
	if err != nil {
		return Decision{}, err
	}
	d.merge(ok, reason, retryAt)

	ok, reason, retryAt, err = g.checkCooldown(ctx, rb)
	if err != nil {
		return Decision{}, err
	}
	d.merge(ok, reason, retryAt)

	return d, nil
}

// RecordResult feeds an execution outcome back into the circuit breaker.
func (g *Gate) RecordResult(ctx context.Context, runbookID uuid.UUID, success bool) error {
	if success {
		return g.breaker.RecordSuccess(ctx, runbookID)
	}
	return g.breaker.RecordFailure(ctx, runbookID)
}

// checkCooldown denies while the runbook's cooldown from its most recent
// execution has not elapsed. Independent of the rate window.
func (g *Gate) checkCooldown(ctx context.Context, rb *model.Runbook) (bool, string, *time.Time, error) {
	if rb.CooldownMinutes <= 0 {
		return true, "", nil, nil
	}
	last, err := g.cooldown.LastExecutionQueuedAt(ctx, rb.ID)
	if err != nil {
		return false, "", nil, fmt.Errorf("load last execution: %w", err)
	}
	if last == nil {
		return true, "", nil, nil
	}
	until := last.Add(time.Duration(rb.CooldownMinutes) * time.Minute)
	if g.now().Before(until) {
		return false, fmt.Sprintf("cooldown active until %s", until.Format(time.RFC3339)), &until, nil
	}
	return true, "", nil, nil
}

func (d *Decision) merge(ok bool, reason string, retryAt *time.Time) {
	if ok {
		return
	}
	d.Allowed = false
	d.Reasons = append(d.Reasons, reason)
	// Keep the latest retry hint: every constraint must have cleared.
	if retryAt != nil && (d.RetryAt == nil || retryAt.After(*d.RetryAt)) {
		d.RetryAt = retryAt
	}
}
