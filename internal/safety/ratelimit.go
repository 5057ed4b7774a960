package safety

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/aegisops/aegis/internal/model"
)

// RateStore is the persistence the rate limiter reads. Counts are taken
// over RunbookExecution.queued_at, so a denied request never consumes
// window budget.
type RateStore interface {
	GetRateLimit(ctx context.Context, runbookID uuid.UUID) (*model.ExecutionRateLimit, error)
	CountExecutionsSince(ctx context.Context, runbookID uuid.UUID, since time.Time) (int, error)
	OldestExecutionSince(ctx context.Context, runbookID uuid.UUID, since time.Time) (*time.Time, error)
}

// RateLimiter enforces a sliding-window execution cap per runbook. The
// limit comes from an ExecutionRateLimit record when present, otherwise
// from the runbook's max_executions_per_hour over a one-hour window.
type RateLimiter struct {
	store RateStore
	now   func() time.Time
}

// NewRateLimiter creates a rate limiter.
func NewRateLimiter(store RateStore) *RateLimiter {
	return &RateLimiter{store: store, now: func() time.Time { return time.Now().UTC() }}
}

// Allow checks the window for the runbook. When denied, the returned time
// is when the oldest in-window execution ages out.
func (r *RateLimiter) Allow(ctx context.Context, rb *model.Runbook) (bool, string, *time.Time, error) {
	maxExecutions := rb.MaxExecutionsPerHour
	window := time.Hour

	limit, err := r.store.GetRateLimit(ctx, rb.ID)
	if err != nil {
		return false, "", nil, fmt.Errorf("load rate limit: %w", err)
	}
	if limit != nil {
		maxExecutions = limit.MaxExecutions
		window = time.Duration(limit.WindowSeconds) * time.Second
	}

	if maxExecutions <= 0 {
		return true, "", nil, nil // unlimited
	}

	since := r.now().Add(-window)
	count, err := r.store.CountExecutionsSince(ctx, rb.ID, since)
	if err != nil {
		return false, "", nil, fmt.Errorf("count executions: %w", err)
	}
	if count < maxExecutions {
		return true, "", nil, nil
	}

	var retryAt *time.Time
	oldest, err := r.store.OldestExecutionSince(ctx, rb.ID, since)
	if err == nil && oldest != nil {
		t := oldest.Add(window)
		retryAt = &t
	}
	reason := fmt.Sprintf("rate limit reached: %d executions in the last %s (max %d)",
		count, window, maxExecutions)
	return false, reason, retryAt, nil
}
