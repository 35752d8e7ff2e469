// Package audit records typed, append-only trace events for every
// state-changing operation, keyed by subject so a memory's full history can
// be replayed.
package audit

import (
	"context"
	"time"

	"github.com/memfabric/memfabric/pkg/atom"
	"github.com/memfabric/memfabric/pkg/logger"
)

// Actions recorded on the trail.
const (
	ActionIngested     = "ingested"
	ActionQuarantined  = "quarantined"
	ActionDuplicate    = "duplicate_resolved"
	ActionMaterialized = "materialized"
	ActionEvolved      = "evolved"
	ActionRuleUpserted = "rule_upserted"
	ActionStateChanged = "state_changed"
)

// Recorder appends trace events to the atom store's trail. Failures are
// logged, never propagated: auditing must not fail the operation it records.
type Recorder struct {
	store atom.Store
	log   logger.Logger
	now   func() time.Time
}

// NewRecorder creates a recorder.
func NewRecorder(store atom.Store, log logger.Logger) *Recorder {
	return &Recorder{store: store, log: log, now: time.Now}
}

// Record appends one event for a memory.
func (r *Recorder) Record(ctx context.Context, memoryID, action, actor string, detail map[string]string) {
	ev := &atom.TraceEvent{
		EventID:   atom.NewMemoryID(),
		MemoryID:  memoryID,
		Subject:   memoryID,
		Action:    action,
		Actor:     actor,
		Detail:    detail,
		Timestamp: r.now(),
	}
	if err := r.store.AppendTrace(ctx, ev); err != nil {
		r.log.WarnContext(ctx, "audit append failed",
			"action", action,
			"error", err,
		)
	}
}

// Chain returns the full trail for a subject, oldest first.
func (r *Recorder) Chain(ctx context.Context, subject string) ([]*atom.TraceEvent, error) {
	return r.store.TraceChain(ctx, subject)
}
