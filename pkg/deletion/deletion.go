// Package deletion orchestrates GDPR user-data erasure across the atom
// ledger, every registered backend adapter and the relationship store, and
// produces a hashed proof of what was executed.
package deletion

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"time"

	"github.com/memfabric/memfabric/pkg/atom"
	"github.com/memfabric/memfabric/pkg/logger"
	"github.com/memfabric/memfabric/pkg/ports"
	"github.com/memfabric/memfabric/pkg/relationship"
)

// BackendResult is one backend's deletion outcome. DeletedCount -1 or a
// non-empty Error marks this backend failed; zero deletions with no error is
// a valid "nothing to delete".
type BackendResult struct {
	DeletedCount int    `json:"deleted_count"`
	Error        string `json:"error,omitempty"`
}

// Failed reports whether this backend's deletion needs manual remediation.
func (r BackendResult) Failed() bool {
	return r.DeletedCount < 0 || r.Error != ""
}

// Report is the full outcome of one deletion request. Proof is a SHA-256
// hash over the canonicalized report, recorded in the audit trail as
// evidence the request was executed with these exact backend results.
type Report struct {
	RequestID   string                   `json:"request_id"`
	TenantID    string                   `json:"tenant_id"`
	UserID      string                   `json:"user_id"`
	RequestedAt time.Time                `json:"requested_at"`
	CompletedAt time.Time                `json:"completed_at"`
	Backends    map[string]BackendResult `json:"backends"`
	Success     bool                     `json:"success"`
	Proof       string                   `json:"deletion_proof"`
}

// Service runs deletion requests.
type Service struct {
	store    atom.Store
	relStore relationship.Store
	registry *ports.Registry
	log      logger.Logger
	now      func() time.Time
}

// NewService wires the deletion targets together.
func NewService(store atom.Store, relStore relationship.Store, registry *ports.Registry, log logger.Logger) *Service {
	return &Service{
		store:    store,
		relStore: relStore,
		registry: registry,
		log:      log,
		now:      time.Now,
	}
}

// DeleteUser erases the user from every backend. Individual backend failures
// are recorded per backend and flip the report to success=false, but never
// stop the remaining backends: partial erasure plus an honest report beats
// aborting halfway.
func (s *Service) DeleteUser(ctx context.Context, tenantID, userID string) (*Report, error) {
	if !atom.ValidUserID(userID) {
		return nil, atom.ErrInvalidUserID
	}
	if tenantID == "" {
		tenantID = atom.DefaultTenant
	}

	report := &Report{
		RequestID:   atom.NewMemoryID(),
		TenantID:    tenantID,
		UserID:      userID,
		RequestedAt: s.now(),
		Backends:    make(map[string]BackendResult),
	}

	// External adapters first: if the ledger went first, a failed adapter
	// would leave orphaned external data with no record of who owned it.
	for name, res := range s.registry.DeleteUserData(ctx, tenantID, userID) {
		br := BackendResult{DeletedCount: res.Count}
		if res.Err != nil {
			br.Error = res.Err.Error()
		}
		report.Backends[name] = br
	}

	count, err := s.store.DeleteUser(ctx, tenantID, userID)
	br := BackendResult{DeletedCount: count}
	if err != nil {
		br.DeletedCount = -1
		br.Error = err.Error()
	}
	report.Backends["atom_store"] = br

	relErr := s.relStore.Delete(ctx, tenantID, userID)
	relResult := BackendResult{}
	switch {
	case relErr == nil:
		relResult.DeletedCount = 1
	case errors.Is(relErr, relationship.ErrNotFound):
		// No relationship record ever existed; nothing was deleted.
	default:
		relResult.DeletedCount = -1
		relResult.Error = relErr.Error()
	}
	report.Backends["relationship_store"] = relResult

	report.CompletedAt = s.now()
	report.Success = true
	for _, backend := range report.Backends {
		if backend.Failed() {
			report.Success = false
		}
	}

	proof, err := Proof(report)
	if err != nil {
		return nil, err
	}
	report.Proof = proof

	s.recordAudit(ctx, report)

	s.log.InfoContext(ctx, "user deletion executed",
		"request_id", report.RequestID,
		"backends", len(report.Backends),
		"success", report.Success,
	)
	return report, nil
}

// Proof computes the SHA-256 deletion proof over the canonicalized report:
// the JSON encoding with the proof field itself zeroed. Map keys marshal in
// sorted order, so the encoding is stable.
func Proof(report *Report) (string, error) {
	canonical := *report
	canonical.Proof = ""
	data, err := json.Marshal(&canonical)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// Verify recomputes the proof and checks it against the report's.
func Verify(report *Report) bool {
	proof, err := Proof(report)
	if err != nil {
		return false
	}
	return proof == report.Proof
}

func (s *Service) recordAudit(ctx context.Context, report *Report) {
	detail := map[string]string{
		"request_id": report.RequestID,
		"proof":      report.Proof,
	}
	if report.Success {
		detail["outcome"] = "success"
	} else {
		detail["outcome"] = "partial_failure"
	}

	ev := &atom.TraceEvent{
		EventID:   atom.NewMemoryID(),
		Subject:   "deletion:" + report.UserID,
		Action:    "delete_user",
		Actor:     "deletion_service",
		Detail:    detail,
		Timestamp: s.now(),
	}
	if err := s.store.AppendTrace(ctx, ev); err != nil {
		s.log.WarnContext(ctx, "failed to record deletion audit", "error", err)
	}
}
