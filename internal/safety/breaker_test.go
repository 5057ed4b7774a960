package safety

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/aegisops/aegis/internal/model"
)

// fakeStore is an in-memory Store for the safety tests.
type fakeStore struct {
	breakers map[uuid.UUID]*model.CircuitBreaker
	limits   map[uuid.UUID]*model.ExecutionRateLimit
	windows  []model.BlackoutWindow
	execs    map[uuid.UUID][]time.Time
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		breakers: make(map[uuid.UUID]*model.CircuitBreaker),
		limits:   make(map[uuid.UUID]*model.ExecutionRateLimit),
		execs:    make(map[uuid.UUID][]time.Time),
	}
}

func (f *fakeStore) GetBreaker(_ context.Context, id uuid.UUID) (*model.CircuitBreaker, error) {
	cb, ok := f.breakers[id]
	if !ok {
		return nil, nil
	}
	cp := *cb
	return &cp, nil
}

func (f *fakeStore) SaveBreaker(_ context.Context, cb *model.CircuitBreaker) error {
	cp := *cb
	f.breakers[cb.ScopeID] = &cp
	return nil
}

func (f *fakeStore) GetRateLimit(_ context.Context, id uuid.UUID) (*model.ExecutionRateLimit, error) {
	return f.limits[id], nil
}

func (f *fakeStore) CountExecutionsSince(_ context.Context, id uuid.UUID, since time.Time) (int, error) {
	n := 0
	for _, at := range f.execs[id] {
		if !at.Before(since) {
			n++
		}
	}
	return n, nil
}

func (f *fakeStore) OldestExecutionSince(_ context.Context, id uuid.UUID, since time.Time) (*time.Time, error) {
	var oldest *time.Time
	for _, at := range f.execs[id] {
		at := at
		if at.Before(since) {
			continue
		}
		if oldest == nil || at.Before(*oldest) {
			oldest = &at
		}
	}
	return oldest, nil
}

func (f *fakeStore) ActiveBlackoutWindows(_ context.Context, at time.Time) ([]model.BlackoutWindow, error) {
	var out []model.BlackoutWindow
	for _, w := range f.windows {
		if !at.Before(w.StartTime) && at.Before(w.EndTime) {
			out = append(out, w)
		}
	}
	return out, nil
}

func (f *fakeStore) LastExecutionQueuedAt(_ context.Context, id uuid.UUID) (*time.Time, error) {
	var last *time.Time
	for _, at := range f.execs[id] {
		at := at
		if last == nil || at.After(*last) {
			last = &at
		}
	}
	return last, nil
}

var testBase = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func fixedNow(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func TestBreakerOpensAfterThreshold(t *testing.T) {
	store := newFakeStore()
	svc := NewBreakerService(store)
	svc.now = fixedNow(testBase)
	id := uuid.New()
	ctx := context.Background()

	for i := 0; i < DefaultFailureThreshold; i++ {
		if ok, _, _, err := svc.Allow(ctx, id); err != nil || !ok {
			t.Fatalf("failure %d: allow = %v, err = %v", i, ok, err)
		}
		if err := svc.RecordFailure(ctx, id); err != nil {
			t.Fatal(err)
		}
	}

	ok, reason, retryAt, err := svc.Allow(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("breaker should be open after threshold failures")
	}
	if reason == "" {
		t.Fatal("expected a denial reason")
	}
	wantRetry := testBase.Add(DefaultOpenDurationMinutes * time.Minute)
	if retryAt == nil || !retryAt.Equal(wantRetry) {
		t.Fatalf("retryAt = %v, want %v", retryAt, wantRetry)
	}
}

func TestBreakerSuccessResetsFailureCount(t *testing.T) {
	store := newFakeStore()
	svc := NewBreakerService(store)
	svc.now = fixedNow(testBase)
	id := uuid.New()
	ctx := context.Background()

	svc.RecordFailure(ctx, id)
	svc.RecordFailure(ctx, id)
	svc.RecordSuccess(ctx, id)
	svc.RecordFailure(ctx, id)
	svc.RecordFailure(ctx, id)

	if ok, _, _, _ := svc.Allow(ctx, id); !ok {
		t.Fatal("non-consecutive failures must not open the breaker")
	}
}

func TestBreakerHalfOpenRecovery(t *testing.T) {
	store := newFakeStore()
	svc := NewBreakerService(store)
	svc.now = fixedNow(testBase)
	id := uuid.New()
	ctx := context.Background()

	for i := 0; i < DefaultFailureThreshold; i++ {
		svc.RecordFailure(ctx, id)
	}

	// Before expiry: denied.
	if ok, _, _, _ := svc.Allow(ctx, id); ok {
		t.Fatal("open breaker must deny before expiry")
	}

	// After expiry: half-open, allowed.
	svc.now = fixedNow(testBase.Add(DefaultOpenDurationMinutes*time.Minute + time.Second))
	if ok, _, _, _ := svc.Allow(ctx, id); !ok {
		t.Fatal("expired open breaker must allow (half-open)")
	}
	if store.breakers[id].State != model.BreakerHalfOpen {
		t.Fatalf("state = %s, want half_open", store.breakers[id].State)
	}

	for i := 0; i < DefaultSuccessThreshold; i++ {
		svc.RecordSuccess(ctx, id)
	}
	cb := store.breakers[id]
	if cb.State != model.BreakerClosed {
		t.Fatalf("state after %d successes = %s, want closed", DefaultSuccessThreshold, cb.State)
	}
	if cb.FailureCount != 0 || cb.OpenedAt != nil || cb.ClosesAt != nil {
		t.Fatal("closing must clear counters and timestamps")
	}
}

func TestBreakerHalfOpenFailureDoublesDuration(t *testing.T) {
	store := newFakeStore()
	svc := NewBreakerService(store)
	svc.now = fixedNow(testBase)
	id := uuid.New()
	ctx := context.Background()

	for i := 0; i < DefaultFailureThreshold; i++ {
		svc.RecordFailure(ctx, id)
	}
	reopen := testBase.Add(DefaultOpenDurationMinutes*time.Minute + time.Second)
	svc.now = fixedNow(reopen)
	svc.Allow(ctx, id) // transitions to half-open
	svc.RecordFailure(ctx, id)

	cb := store.breakers[id]
	if cb.State != model.BreakerOpen {
		t.Fatalf("state = %s, want open", cb.State)
	}
	if cb.OpenDurationMinutes != DefaultOpenDurationMinutes*2 {
		t.Fatalf("open duration = %d, want %d", cb.OpenDurationMinutes, DefaultOpenDurationMinutes*2)
	}
	wantCloses := reopen.Add(DefaultOpenDurationMinutes * 2 * time.Minute)
	if cb.ClosesAt == nil || !cb.ClosesAt.Equal(wantCloses) {
		t.Fatalf("closes_at = %v, want %v", cb.ClosesAt, wantCloses)
	}
}

func TestBreakerManualOpenIgnoresExpiry(t *testing.T) {
	store := newFakeStore()
	svc := NewBreakerService(store)
	svc.now = fixedNow(testBase)
	id := uuid.New()
	ctx := context.Background()

	if err := svc.ForceOpen(ctx, id, "change freeze"); err != nil {
		t.Fatal(err)
	}

	svc.now = fixedNow(testBase.Add(48 * time.Hour))
	ok, reason, retryAt, err := svc.Allow(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("manually opened breaker must never auto-recover")
	}
	if retryAt != nil {
		t.Fatal("manual open has no retry hint")
	}
	if reason != "circuit breaker manually opened: change freeze" {
		t.Fatalf("reason = %q", reason)
	}

	if err := svc.ForceClose(ctx, id); err != nil {
		t.Fatal(err)
	}
	if ok, _, _, _ := svc.Allow(ctx, id); !ok {
		t.Fatal("force-closed breaker must allow")
	}
}

func TestBreakerRaisedThresholdAutoCloses(t *testing.T) {
	store := newFakeStore()
	svc := NewBreakerService(store)
	svc.now = fixedNow(testBase)
	id := uuid.New()
	ctx := context.Background()

	for i := 0; i < DefaultFailureThreshold; i++ {
		svc.RecordFailure(ctx, id)
	}
	// Operator raises the threshold above the recorded count.
	cb := store.breakers[id]
	cb.FailureThreshold = DefaultFailureThreshold + 5

	ok, _, _, err := svc.Allow(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("raised threshold must auto-close an automatic open")
	}
	if store.breakers[id].State != model.BreakerClosed {
		t.Fatalf("state = %s, want closed", store.breakers[id].State)
	}
}
