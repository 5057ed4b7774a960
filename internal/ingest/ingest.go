// Package ingest receives batches of monitoring alerts, deduplicates them
// by fingerprint, and hands firing alerts to the trigger matcher. Parsing
// the webhook wire format is the collaborator's job; this package starts
// at model.Alert.
package ingest

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/aegisops/aegis/internal/model"
	"github.com/aegisops/aegis/internal/trigger"
)

// Store is the persistence surface the ingestor needs.
type Store interface {
	GetAlertByFingerprint(ctx context.Context, fingerprint string) (*model.Alert, error)
	CreateAlert(ctx context.Context, alert *model.Alert) error
	UpdateAlert(ctx context.Context, alert *model.Alert) error
}

// Matcher turns one firing alert into executions. Implemented by
// trigger.Matcher.
type Matcher interface {
	Match(ctx context.Context, alert *model.Alert) (*trigger.Result, error)
}

// Outcome summarizes one ingested batch.
type Outcome struct {
	Created  int
	Updated  int
	Resolved int
	Matched  int
	Queued   int
}

// Ingestor deduplicates and routes incoming alerts.
type Ingestor struct {
	store    Store
	matcher  Matcher
	embedder model.Embedder
	now      func() time.Time
}

// New creates an ingestor. matcher and embedder may be nil.
func New(store Store, matcher Matcher, embedder model.Embedder) *Ingestor {
	return &Ingestor{
		store:    store,
		matcher:  matcher,
		embedder: embedder,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Ingest upserts a batch by fingerprint and routes firing alerts through
// the matcher. One bad alert does not fail the batch.
func (i *Ingestor) Ingest(ctx context.Context, alerts []model.Alert) (*Outcome, error) {
	out := &Outcome{}
	for idx := range alerts {
		alert := &alerts[idx]
		if err := i.ingestOne(ctx, alert, out); err != nil {
			log.Printf("[ingest] Alert %q: %v", alert.AlertName, err)
		}
	}
	log.Printf("[ingest] Batch done: %d created, %d updated, %d resolved, %d matched, %d queued",
		out.Created, out.Updated, out.Resolved, out.Matched, out.Queued)
	return out, nil
}

func (i *Ingestor) ingestOne(ctx context.Context, alert *model.Alert, out *Outcome) error {
	if alert.Fingerprint == "" {
		alert.Fingerprint = Fingerprint(alert)
	}
	if alert.Status == "" {
		alert.Status = model.AlertFiring
	}
	if alert.Timestamp.IsZero() {
		alert.Timestamp = i.now()
	}

	existing, err := i.store.GetAlertByFingerprint(ctx, alert.Fingerprint)
	if err != nil {
		return fmt.Errorf("lookup fingerprint: %w", err)
	}

	if existing == nil {
		if alert.ID == uuid.Nil {
			alert.ID = uuid.New()
		}
		i.embed(alert)
		if err := i.store.CreateAlert(ctx, alert); err != nil {
			return fmt.Errorf("create: %w", err)
		}
		out.Created++
	} else {
		// Same fingerprint updates the existing row. Resolved is final:
		// a late firing notification never reopens it.
		alert.ID = existing.ID
		if existing.Status == model.AlertResolved {
			alert.Status = model.AlertResolved
		}
		if alert.Status == model.AlertResolved && existing.Status == model.AlertFiring {
			out.Resolved++
		}
		if len(alert.Embedding) == 0 {
			alert.Embedding = existing.Embedding
		}
		if err := i.store.UpdateAlert(ctx, alert); err != nil {
			return fmt.Errorf("update: %w", err)
		}
		out.Updated++
	}

	if alert.Status != model.AlertFiring || i.matcher == nil {
		return nil
	}
	res, err := i.matcher.Match(ctx, alert)
	if err != nil {
		return fmt.Errorf("match: %w", err)
	}
	if len(res.Matches) > 0 {
		out.Matched++
	}
	out.Queued += len(res.AutoExecuted) + len(res.NeedsApproval)
	return nil
}

func (i *Ingestor) embed(alert *model.Alert) {
	if i.embedder == nil || len(alert.Embedding) > 0 {
		return
	}
	text := alert.AlertName
	if s := alert.Annotations["summary"]; s != "" {
		text += ": " + s
	}
	vec, err := i.embedder.Embed(text)
	if err != nil {
		log.Printf("[ingest] Embed alert %q: %v", alert.AlertName, err)
		return
	}
	alert.Embedding = vec
}

// Fingerprint derives a stable deduplication key from the alert's
// identity: name, instance, job, and sorted labels.
func Fingerprint(alert *model.Alert) string {
	keys := make([]string, 0, len(alert.Labels))
	for k := range alert.Labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(alert.AlertName)
	b.WriteByte('\x00')
	b.WriteString(alert.Instance)
	b.WriteByte('\x00')
	b.WriteString(alert.Job)
	for _, k := range keys {
		b.WriteByte('\x00')
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(alert.Labels[k])
	}
	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:16])
}
