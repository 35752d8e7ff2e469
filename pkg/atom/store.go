package atom

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Sentinel errors shared by store implementations.
var (
	ErrNotFound      = errors.New("atom: not found")
	ErrInvalidUserID = errors.New("atom: invalid user id")
)

// StoreUnavailableError indicates the backing database cannot be reached.
type StoreUnavailableError struct {
	Cause error
}

func (e *StoreUnavailableError) Error() string {
	return fmt.Sprintf("atom store unavailable: %v", e.Cause)
}

func (e *StoreUnavailableError) Unwrap() error { return e.Cause }

// SerializationError indicates a marshal/unmarshal failure.
type SerializationError struct {
	Operation string
	Cause     error
}

func (e *SerializationError) Error() string {
	return fmt.Sprintf("atom serialization error during %s: %v", e.Operation, e.Cause)
}

func (e *SerializationError) Unwrap() error { return e.Cause }

// Store is the event-sourced ledger of truth for memory atoms and their
// satellite records (shadow entries, audit traces, behavioral rules).
type Store interface {
	// AppendAtom persists a new atom. When the atom carries an idempotency
	// key already present for (tenant, user), the previously stored atom is
	// returned and created is false; the new atom is discarded.
	AppendAtom(ctx context.Context, a *MemoryAtom) (stored *MemoryAtom, created bool, err error)

	// GetAtom returns an atom by its memory id.
	GetAtom(ctx context.Context, memoryID string) (*MemoryAtom, error)

	// UpdateAtom rewrites a previously appended atom. Implementations only
	// accept ref-attachment, state flips, and decay bookkeeping; content is
	// immutable.
	UpdateAtom(ctx context.Context, a *MemoryAtom) error

	// ListByUser returns every atom for a user, newest first, up to limit
	// (0 means no limit).
	ListByUser(ctx context.Context, tenantID, userID string, limit int) ([]*MemoryAtom, error)

	// RecentAtoms returns the user's non-quarantined atoms ingested within
	// the window, newest first.
	RecentAtoms(ctx context.Context, tenantID, userID string, window time.Duration, limit int) ([]*MemoryAtom, error)

	// SaveShadow persists a quarantined-content record.
	SaveShadow(ctx context.Context, s *SafetyShadowEntry) error

	// ListShadows returns shadow entries for a user.
	ListShadows(ctx context.Context, tenantID, userID string) ([]*SafetyShadowEntry, error)

	// AppendTrace appends one audit event. Events are append-only.
	AppendTrace(ctx context.Context, ev *TraceEvent) error

	// TraceChain returns the audit chain for a subject (a memory id or an
	// operation-scoped subject key), oldest first.
	TraceChain(ctx context.Context, subject string) ([]*TraceEvent, error)

	// SaveRule upserts a behavioral rule keyed by (tenant, user, rule id).
	SaveRule(ctx context.Context, r *BehaviorRule) error

	// ListRules returns a user's behavioral rules ordered by priority.
	ListRules(ctx context.Context, tenantID, userID string) ([]*BehaviorRule, error)

	// ForEachUser invokes fn once per (tenant, user) pair that owns atoms.
	ForEachUser(ctx context.Context, fn func(tenantID, userID string) error) error

	// PruneExpired deletes non-quarantined atoms whose retention window has
	// elapsed. Quarantined atoms are kept for forensics. Returns the number
	// of deleted atoms.
	PruneExpired(ctx context.Context, now time.Time) (int, error)

	// DeleteUser removes every atom, shadow entry, and rule for the user and
	// returns the number of deleted atoms. Audit traces survive deletion.
	DeleteUser(ctx context.Context, tenantID, userID string) (int, error)

	// Close releases store resources.
	Close() error
}
