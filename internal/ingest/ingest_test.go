package ingest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/aegisops/aegis/internal/model"
	"github.com/aegisops/aegis/internal/trigger"
)

type fakeStore struct {
	byFingerprint map[string]*model.Alert
	lookupErr     error
}

func newFakeStore() *fakeStore {
	return &fakeStore{byFingerprint: make(map[string]*model.Alert)}
}

func (f *fakeStore) GetAlertByFingerprint(_ context.Context, fp string) (*model.Alert, error) {
	if f.lookupErr != nil {
		return nil, f.lookupErr
	}
	a, ok := f.byFingerprint[fp]
	if !ok {
		return nil, nil
	}
	cp := *a
	return &cp, nil
}

func (f *fakeStore) CreateAlert(_ context.Context, a *model.Alert) error {
	cp := *a
	f.byFingerprint[a.Fingerprint] = &cp
	return nil
}

func (f *fakeStore) UpdateAlert(_ context.Context, a *model.Alert) error {
	cp := *a
	f.byFingerprint[a.Fingerprint] = &cp
	return nil
}

type fakeMatcher struct {
	matched []model.Alert
	result  *trigger.Result
	err     error
}

func (f *fakeMatcher) Match(_ context.Context, a *model.Alert) (*trigger.Result, error) {
	f.matched = append(f.matched, *a)
	if f.err != nil {
		return nil, f.err
	}
	if f.result != nil {
		return f.result, nil
	}
	return &trigger.Result{}, nil
}

type stubEmbedder struct{ vec model.Vector }

func (e stubEmbedder) Embed(string) (model.Vector, error) { return e.vec, nil }

func firing(name, instance string) model.Alert {
	return model.Alert{
		AlertName: name,
		Severity:  model.SeverityCritical,
		Status:    model.AlertFiring,
		Instance:  instance,
		Job:       "node",
		Labels:    map[string]string{"instance": instance},
		Timestamp: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestIngestCreatesNewAlert(t *testing.T) {
	store := newFakeStore()
	matcher := &fakeMatcher{}
	ing := New(store, matcher, stubEmbedder{vec: model.Vector{0.1, 0.2}})

	out, err := ing.Ingest(context.Background(), []model.Alert{firing("DiskSpaceLow", "web-01")})
	if err != nil {
		t.Fatal(err)
	}
	if out.Created != 1 || out.Updated != 0 {
		t.Fatalf("outcome = %+v", out)
	}
	if len(store.byFingerprint) != 1 {
		t.Fatalf("stored = %d alerts", len(store.byFingerprint))
	}
	for _, a := range store.byFingerprint {
		if a.ID == uuid.Nil {
			t.Fatal("new alert must get an id")
		}
		if len(a.Embedding) != 2 {
			t.Fatal("new alert must be embedded")
		}
	}
	if len(matcher.matched) != 1 {
		t.Fatalf("matcher invoked %d times, want 1", len(matcher.matched))
	}
}

func TestIngestUpdatesByFingerprint(t *testing.T) {
	store := newFakeStore()
	ing := New(store, nil, nil)

	first := firing("DiskSpaceLow", "web-01")
	if _, err := ing.Ingest(context.Background(), []model.Alert{first}); err != nil {
		t.Fatal(err)
	}
	var id uuid.UUID
	for _, a := range store.byFingerprint {
		id = a.ID
	}

	again := firing("DiskSpaceLow", "web-01")
	again.Annotations = map[string]string{"summary": "now at 95%"}
	out, err := ing.Ingest(context.Background(), []model.Alert{again})
	if err != nil {
		t.Fatal(err)
	}
	if out.Created != 0 || out.Updated != 1 {
		t.Fatalf("outcome = %+v", out)
	}
	if len(store.byFingerprint) != 1 {
		t.Fatal("same fingerprint must not insert a second row")
	}
	for _, a := range store.byFingerprint {
		if a.ID != id {
			t.Fatal("update must keep the original id")
		}
		if a.Annotations["summary"] != "now at 95%" {
			t.Fatal("update must carry new annotations")
		}
	}
}

func TestIngestResolvedIsOneWay(t *testing.T) {
	store := newFakeStore()
	matcher := &fakeMatcher{}
	ing := New(store, matcher, nil)

	a := firing("DiskSpaceLow", "web-01")
	if _, err := ing.Ingest(context.Background(), []model.Alert{a}); err != nil {
		t.Fatal(err)
	}

	resolved := firing("DiskSpaceLow", "web-01")
	resolved.Status = model.AlertResolved
	out, err := ing.Ingest(context.Background(), []model.Alert{resolved})
	if err != nil {
		t.Fatal(err)
	}
	if out.Resolved != 1 {
		t.Fatalf("outcome = %+v, want 1 resolved", out)
	}

	// A late firing notification must not reopen the alert.
	late := firing("DiskSpaceLow", "web-01")
	if _, err := ing.Ingest(context.Background(), []model.Alert{late}); err != nil {
		t.Fatal(err)
	}
	for _, stored := range store.byFingerprint {
		if stored.Status != model.AlertResolved {
			t.Fatalf("status = %s, resolved is final", stored.Status)
		}
	}
	// Matcher ran once for the initial firing only.
	if len(matcher.matched) != 1 {
		t.Fatalf("matcher invoked %d times, want 1", len(matcher.matched))
	}
}

func TestIngestResolvedSkipsMatcher(t *testing.T) {
	store := newFakeStore()
	matcher := &fakeMatcher{}
	ing := New(store, matcher, nil)

	a := firing("DiskSpaceLow", "web-01")
	a.Status = model.AlertResolved
	if _, err := ing.Ingest(context.Background(), []model.Alert{a}); err != nil {
		t.Fatal(err)
	}
	if len(matcher.matched) != 0 {
		t.Fatal("resolved alerts must not trigger matching")
	}
}

func TestIngestOneBadAlertDoesNotFailBatch(t *testing.T) {
	store := newFakeStore()
	matcher := &fakeMatcher{err: errors.New("match boom")}
	ing := New(store, matcher, nil)

	out, err := ing.Ingest(context.Background(), []model.Alert{
		firing("A", "web-01"),
		firing("B", "web-02"),
	})
	if err != nil {
		t.Fatal(err)
	}
	if out.Created != 2 {
		t.Fatalf("created = %d, both alerts persist despite match errors", out.Created)
	}
}

func TestIngestCountsQueued(t *testing.T) {
	store := newFakeStore()
	m := &fakeMatcher{result: &trigger.Result{
		Matches:       []*trigger.Match{{}, {}},
		AutoExecuted:  []*trigger.Match{{}},
		NeedsApproval: []*trigger.Match{{}},
	}}
	ing := New(store, m, nil)

	out, err := ing.Ingest(context.Background(), []model.Alert{firing("A", "web-01")})
	if err != nil {
		t.Fatal(err)
	}
	if out.Matched != 1 || out.Queued != 2 {
		t.Fatalf("outcome = %+v, want 1 matched / 2 queued", out)
	}
}

func TestFingerprintStability(t *testing.T) {
	a := firing("DiskSpaceLow", "web-01")
	b := firing("DiskSpaceLow", "web-01")
	if Fingerprint(&a) != Fingerprint(&b) {
		t.Fatal("identical alerts must share a fingerprint")
	}
	b.Labels["mountpoint"] = "/var"
	if Fingerprint(&a) == Fingerprint(&b) {
		t.Fatal("different labels must change the fingerprint")
	}
	c := firing("DiskSpaceLow", "web-02")
	if Fingerprint(&a) == Fingerprint(&c) {
		t.Fatal("different instance must change the fingerprint")
	}
}

func TestIngestDefaultsMissingFields(t *testing.T) {
	store := newFakeStore()
	ing := New(store, nil, nil)
	ing.now = func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) }

	a := model.Alert{AlertName: "Bare", Instance: "web-01"}
	if _, err := ing.Ingest(context.Background(), []model.Alert{a}); err != nil {
		t.Fatal(err)
	}
	for _, stored := range store.byFingerprint {
		if stored.Status != model.AlertFiring {
			t.Fatalf("status = %s, want firing default", stored.Status)
		}
		if stored.Timestamp.IsZero() {
			t.Fatal("timestamp must default to now")
		}
		if stored.Fingerprint == "" {
			t.Fatal("fingerprint must be derived")
		}
	}
}
