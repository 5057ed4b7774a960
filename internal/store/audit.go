package store

import (
	"context"
	"log"
	"time"

	"github.com/google/uuid"
)

// Audit is the default model.AuditSink: fire-and-forget rows in
// audit_events. Insert failures are logged and dropped, never propagated.
type Audit struct {
	store *Store
}

// AuditSink returns the store-backed audit sink.
func (s *Store) AuditSink() *Audit {
	return &Audit{store: s}
}

// Record writes one audit event. Best-effort; a short deadline keeps a
// slow database from stalling the execution path.
func (a *Audit) Record(event string, executionID uuid.UUID, detail map[string]string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := a.store.pool.Exec(ctx, `
		INSERT INTO audit_events (event, execution_id, detail)
		VALUES ($1, $2, $3::jsonb)`, event, executionID, jsonMap(detail))
	if err != nil {
		log.Printf("[store] Audit %s for %s dropped: %v", event, executionID, err)
	}
}
