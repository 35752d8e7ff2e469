package fabric

import (
	"errors"
	"fmt"
	"time"

	"github.com/memfabric/memfabric/pkg/atom"
	"github.com/memfabric/memfabric/pkg/evolution"
	"github.com/memfabric/memfabric/pkg/memguard"
	"github.com/memfabric/memfabric/pkg/ports"
	"github.com/memfabric/memfabric/pkg/relationship"
)

// Request bounds enforced at the fabric boundary.
const (
	MinIdempotencyKeyLen = 8
	MaxIdempotencyKeyLen = 256
	MaxContentLen        = 8000
	MaxQueryLen          = 2000
	MinTopK              = 1
	MaxTopK              = 12
	DefaultTopK          = 6
	MinTimeoutMS         = 100
	MaxTimeoutMS         = 3000
	DefaultTimeoutMS     = 1500
)

// ErrValidation is the sentinel all request validation failures wrap.
var ErrValidation = errors.New("validation failed")

// ErrForbidden marks a request whose caller is neither the owning user nor
// an admin.
var ErrForbidden = errors.New("forbidden")

// ValidationError reports which field failed and why.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

func invalid(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

// IngestRequest is one memory write.
type IngestRequest struct {
	IdempotencyKey string          `json:"idempotency_key"`
	TenantID       string          `json:"tenant_id,omitempty"`
	UserID         string          `json:"user_id"`
	AgentID        string          `json:"agent_id,omitempty"`
	SessionID      string          `json:"session_id,omitempty"`
	EventTime      time.Time       `json:"event_time,omitzero"`
	Source         string          `json:"source,omitempty"`
	Modality       string          `json:"modality,omitempty"`
	MemoryType     atom.MemoryType `json:"memory_type,omitempty"`
	ContentRaw     string          `json:"content_raw"`
	Entities       []string        `json:"entities,omitempty"`
	Affect         *atom.Affect    `json:"affect,omitempty"`
	Salience       float64         `json:"salience"`
	Confidence     float64         `json:"confidence"`
	TrustScore     float64         `json:"trust_score"`
	Provenance     string          `json:"provenance,omitempty"`
	RetentionDays  int             `json:"retention_days,omitempty"`
	PIITags        []string        `json:"pii_tags,omitempty"`
}

// IngestResult reports what happened to the write.
type IngestResult struct {
	MemoryID  string            `json:"memory_id"`
	State     atom.State        `json:"state"`
	Created   bool              `json:"created"`
	ShadowID  string            `json:"shadow_id,omitempty"`
	MemGuard  *memguard.Verdict `json:"memguard"`
	Evolution *evolution.Result `json:"evolution,omitempty"`
	Refs      map[string]string `json:"refs,omitempty"`
}

// RecallRequest is one context-pack query.
type RecallRequest struct {
	TenantID           string `json:"tenant_id,omitempty"`
	UserID             string `json:"user_id,omitempty"`
	Query              string `json:"query"`
	TopK               int    `json:"top_k,omitempty"`
	TimeoutMS          int    `json:"timeout_ms,omitempty"`
	IncludeCitations   bool   `json:"include_citations"`
	IncludeUncertainty bool   `json:"include_uncertainty"`
}

// UncertaintyReport is the concentration-based recall confidence heuristic:
// near 1.0 when nothing was recalled, lower as sources diversify.
type UncertaintyReport struct {
	Score     float64 `json:"score"`
	TotalHits int     `json:"total_hits"`
	Sources   int     `json:"sources"`
}

// RecallResult is the assembled context pack.
type RecallResult struct {
	Stage       relationship.Stage              `json:"relationship_stage"`
	ContextPack map[string][]ports.SearchResult `json:"context_pack"`
	Citations   map[string]int                  `json:"citations,omitempty"`
	Uncertainty *UncertaintyReport              `json:"uncertainty,omitempty"`
	ElapsedMS   int64                           `json:"elapsed_ms"`
}

// ConsolidateRequest scopes a maintenance pass.
type ConsolidateRequest struct {
	TenantID string `json:"tenant_id,omitempty"`
	UserID   string `json:"user_id,omitempty"`
	DryRun   bool   `json:"dry_run"`
}

// ConsolidateResult reports the pass. For a single-user pass TaskCounters
// holds the decay and cooling counters; for the full cycle it mirrors the
// consolidator's task statuses.
type ConsolidateResult struct {
	RunID        string                    `json:"run_id,omitempty"`
	DryRun       bool                      `json:"dry_run"`
	TaskCounters map[string]map[string]int `json:"task_counters,omitempty"`
	TaskStatus   map[string]string         `json:"task_status,omitempty"`
}

// ReflectRequest upserts a durable behavior rule for a user.
type ReflectRequest struct {
	TenantID string `json:"tenant_id,omitempty"`
	UserID   string `json:"user_id"`
	Rule     string `json:"rule"`
	Priority int    `json:"priority"`
	Active   bool   `json:"active"`
}

// BenchmarkRequest measures recall latency against the SLO.
type BenchmarkRequest struct {
	TenantID string `json:"tenant_id,omitempty"`
	UserID   string `json:"user_id"`
	Query    string `json:"query"`
	Samples  int    `json:"samples,omitempty"`
	SLOMS    int    `json:"slo_ms,omitempty"`
}

// BenchmarkResult is the measured latency distribution.
type BenchmarkResult struct {
	Samples int   `json:"samples"`
	P50MS   int64 `json:"p50_ms"`
	P95MS   int64 `json:"p95_ms"`
	MaxMS   int64 `json:"max_ms"`
	SLOMS   int   `json:"slo_ms"`
	Pass    bool  `json:"pass"`
	// Proxy marks an in-process estimate rather than a measurement from an
	// external evaluation harness.
	Proxy bool `json:"proxy"`
}

// TraceView is the audit picture for one subject: the atom when the subject
// is a memory id, plus the full trace chain.
type TraceView struct {
	Subject string             `json:"subject"`
	Atom    *atom.MemoryAtom   `json:"atom,omitempty"`
	Events  []*atom.TraceEvent `json:"events"`
}
