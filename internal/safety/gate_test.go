package safety

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/aegisops/aegis/internal/model"
)

func testRunbook() *model.Runbook {
	return &model.Runbook{
		ID:                   uuid.New(),
		Name:                 "restart-nginx",
		Category:             "web",
		Enabled:              true,
		MaxExecutionsPerHour: 3,
	}
}

func TestRateLimiterDefaultWindow(t *testing.T) {
	store := newFakeStore()
	rl := NewRateLimiter(store)
	rl.now = fixedNow(testBase)
	rb := testRunbook()
	ctx := context.Background()

	store.execs[rb.ID] = []time.Time{
		testBase.Add(-50 * time.Minute),
		testBase.Add(-30 * time.Minute),
	}
	if ok, _, _, _ := rl.Allow(ctx, rb); !ok {
		t.Fatal("2 of 3 used, must allow")
	}

	store.execs[rb.ID] = append(store.execs[rb.ID], testBase.Add(-10*time.Minute))
	ok, reason, retryAt, err := rl.Allow(ctx, rb)
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("3 of 3 used, must deny")
	}
	if !strings.Contains(reason, "rate limit") {
		t.Fatalf("reason = %q", reason)
	}
	// Retry when the oldest in-window execution ages out.
	want := testBase.Add(-50 * time.Minute).Add(time.Hour)
	if retryAt == nil || !retryAt.Equal(want) {
		t.Fatalf("retryAt = %v, want %v", retryAt, want)
	}
}

func TestRateLimiterExplicitRecordOverrides(t *testing.T) {
	store := newFakeStore()
	rl := NewRateLimiter(store)
	rl.now = fixedNow(testBase)
	rb := testRunbook()
	ctx := context.Background()

	store.limits[rb.ID] = &model.ExecutionRateLimit{
		RunbookID:     rb.ID,
		MaxExecutions: 1,
		WindowSeconds: 600,
	}
	store.execs[rb.ID] = []time.Time{testBase.Add(-5 * time.Minute)}

	if ok, _, _, _ := rl.Allow(ctx, rb); ok {
		t.Fatal("explicit record of 1/10m must deny")
	}

	// The same history is fine once the execution leaves the window.
	rl.now = fixedNow(testBase.Add(6 * time.Minute))
	if ok, _, _, _ := rl.Allow(ctx, rb); !ok {
		t.Fatal("must allow after the window slides past the execution")
	}
}

func TestRateLimiterZeroMeansUnlimited(t *testing.T) {
	store := newFakeStore()
	rl := NewRateLimiter(store)
	rl.now = fixedNow(testBase)
	rb := testRunbook()
	rb.MaxExecutionsPerHour = 0
	ctx := context.Background()

	for i := 0; i < 100; i++ {
		store.execs[rb.ID] = append(store.execs[rb.ID], testBase.Add(-time.Duration(i)*time.Second))
	}
	if ok, _, _, _ := rl.Allow(ctx, rb); !ok {
		t.Fatal("zero limit means unlimited")
	}
}

func TestBlackoutScopes(t *testing.T) {
	rb := testRunbook()
	other := uuid.New()
	cases := []struct {
		name   string
		window model.BlackoutWindow
		deny   bool
	}{
		{"all", model.BlackoutWindow{Scope: model.BlackoutAll}, true},
		{"category match", model.BlackoutWindow{Scope: model.BlackoutCategory, AffectedCategories: []string{"web"}}, true},
		{"category miss", model.BlackoutWindow{Scope: model.BlackoutCategory, AffectedCategories: []string{"db"}}, false},
		{"runbook match", model.BlackoutWindow{Scope: model.BlackoutRunbook, AffectedRunbookIDs: []uuid.UUID{rb.ID}}, true},
		{"runbook miss", model.BlackoutWindow{Scope: model.BlackoutRunbook, AffectedRunbookIDs: []uuid.UUID{other}}, false},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			store := newFakeStore()
			w := c.window
			w.Name = "maintenance"
			w.Enabled = true
			w.StartTime = testBase.Add(-time.Hour)
			w.EndTime = testBase.Add(time.Hour)
			store.windows = []model.BlackoutWindow{w}

			svc := NewBlackoutService(store)
			svc.now = fixedNow(testBase)
			ok, _, retryAt, err := svc.Allow(context.Background(), rb)
			if err != nil {
				t.Fatal(err)
			}
			if ok == c.deny {
				t.Fatalf("allow = %v, want deny = %v", ok, c.deny)
			}
			if c.deny && (retryAt == nil || !retryAt.Equal(w.EndTime)) {
				t.Fatalf("retryAt = %v, want window end %v", retryAt, w.EndTime)
			}
		})
	}
}

func TestBlackoutDisabledWindowIgnored(t *testing.T) {
	store := newFakeStore()
	store.windows = []model.BlackoutWindow{{
		Name:      "off",
		Scope:     model.BlackoutAll,
		Enabled:   false,
		StartTime: testBase.Add(-time.Hour),
		EndTime:   testBase.Add(time.Hour),
	}}
	svc := NewBlackoutService(store)
	svc.now = fixedNow(testBase)
	if ok, _, _, _ := svc.Allow(context.Background(), testRunbook()); !ok {
		t.Fatal("disabled window must not inhibit")
	}
}

func TestGateCooldown(t *testing.T) {
	store := newFakeStore()
	gate := NewGate(store)
	gate.now = fixedNow(testBase)
	rb := testRunbook()
	rb.MaxExecutionsPerHour = 0
	rb.CooldownMinutes = 15
	ctx := context.Background()

	store.execs[rb.ID] = []time.Time{testBase.Add(-10 * time.Minute)}

	d, err := gate.Check(ctx, rb)
	if err != nil {
		t.Fatal(err)
	}
	if d.Allowed {
		t.Fatal("10m since last run with 15m cooldown must deny")
	}
	want := testBase.Add(5 * time.Minute)
	if d.RetryAt == nil || !d.RetryAt.Equal(want) {
		t.Fatalf("retryAt = %v, want %v", d.RetryAt, want)
	}

	gate.now = fixedNow(testBase.Add(6 * time.Minute))
	d, err = gate.Check(ctx, rb)
	if err != nil {
		t.Fatal(err)
	}
	if !d.Allowed {
		t.Fatalf("cooldown elapsed, must allow; reasons: %v", d.Reasons)
	}
}

func TestGateCollectsAllReasons(t *testing.T) {
	store := newFakeStore()
	gate := NewGate(store)
	gate.now = fixedNow(testBase)
	gate.breaker.now = gate.now
	gate.rate.now = gate.now
	gate.blackout.now = gate.now
	rb := testRunbook()
	rb.MaxExecutionsPerHour = 1
	rb.CooldownMinutes = 120
	ctx := context.Background()

	// Trip every layer: open breaker, exhausted window, active blackout,
	// and a recent execution inside the cooldown.
	for i := 0; i < DefaultFailureThreshold; i++ {
		if err := gate.Breaker().RecordFailure(ctx, rb.ID); err != nil {
			t.Fatal(err)
		}
	}
	store.execs[rb.ID] = []time.Time{testBase.Add(-5 * time.Minute)}
	store.windows = []model.BlackoutWindow{{
		Name:      "freeze",
		Scope:     model.BlackoutAll,
		Enabled:   true,
		StartTime: testBase.Add(-time.Hour),
		EndTime:   testBase.Add(3 * time.Hour),
	}}

	d, err := gate.Check(ctx, rb)
	if err != nil {
		t.Fatal(err)
	}
	if d.Allowed {
		t.Fatal("every layer tripped, must deny")
	}
	if len(d.Reasons) != 4 {
		t.Fatalf("reasons = %v, want all 4 layers reported", d.Reasons)
	}
	// The binding constraint is the blackout end at +3h.
	want := testBase.Add(3 * time.Hour)
	if d.RetryAt == nil || !d.RetryAt.Equal(want) {
		t.Fatalf("retryAt = %v, want %v", d.RetryAt, want)
	}
}

func TestGateAllowsWhenClear(t *testing.T) {
	store := newFakeStore()
	gate := NewGate(store)
	gate.now = fixedNow(testBase)
	d, err := gate.Check(context.Background(), testRunbook())
	if err != nil {
		t.Fatal(err)
	}
	if !d.Allowed || len(d.Reasons) != 0 || d.RetryAt != nil {
		t.Fatalf("clean runbook must pass: %+v", d)
	}
}

func TestGateRecordResultDrivesBreaker(t *testing.T) {
	store := newFakeStore()
	gate := NewGate(store)
	gate.now = fixedNow(testBase)
	gate.breaker.now = gate.now
	rb := testRunbook()
	ctx := context.Background()

	for i := 0; i < DefaultFailureThreshold; i++ {
		if err := gate.RecordResult(ctx, rb.ID, false); err != nil {
			t.Fatal(err)
		}
	}
	d, err := gate.Check(ctx, rb)
	if err != nil {
		t.Fatal(err)
	}
	if d.Allowed {
		t.Fatal("failures recorded through the gate must open the breaker")
	}
}
