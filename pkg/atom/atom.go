// Package atom defines the canonical unit of memory written by the control
// plane and the contract for its event-sourced store.
package atom

import (
	"crypto/rand"
	"regexp"
	"time"

	"github.com/oklog/ulid/v2"
)

// State is the lifecycle state of a memory atom.
type State string

const (
	StateRaw          State = "raw"
	StateConsolidated State = "consolidated"
	StateActive       State = "active"
	StateRetired      State = "retired"
	StateQuarantined  State = "quarantined"
	StateDecayed      State = "decayed"
)

// MemoryType classifies the kind of memory an atom carries.
type MemoryType string

const (
	TypeEpisode          MemoryType = "episode"
	TypeFlashbulbEpisode MemoryType = "flashbulb_episode"
	TypeFact             MemoryType = "fact"
	TypeReflection       MemoryType = "reflection"
)

// Relation is a typed edge from one atom to another, recorded as intra-atom
// metadata at evolution time.
type Relation struct {
	Type           string  `json:"type"`
	TargetMemoryID string  `json:"target_memory_id"`
	Confidence     float64 `json:"confidence"`
}

// Affect is an emotion snapshot attached to an atom at ingest time.
type Affect struct {
	Emotion   string  `json:"emotion,omitempty"`
	Intensity float64 `json:"intensity"`
	Valence   float64 `json:"valence"`
	Peak      bool    `json:"peak,omitempty"`
}

// DecayState holds the per-atom output of the decay processor.
type DecayState struct {
	RecallStrength float64    `json:"recall_strength"`
	Flashbulb      bool       `json:"flashbulb"`
	LastProcessed  *time.Time `json:"last_processed,omitempty"`
}

// MemoryAtom is the canonical, event-sourced unit of memory. Content is
// immutable after creation; only external refs, state, and decay bookkeeping
// may change.
type MemoryAtom struct {
	MemoryID       string     `json:"memory_id"`
	IdempotencyKey string     `json:"idempotency_key,omitempty"`
	TenantID       string     `json:"tenant_id"`
	UserID         string     `json:"user_id"`
	AgentID        string     `json:"agent_id,omitempty"`
	SessionID      string     `json:"session_id,omitempty"`
	EventTime      time.Time  `json:"event_time"`
	IngestTime     time.Time  `json:"ingest_time"`
	Source         string     `json:"source,omitempty"`
	Modality       string     `json:"modality,omitempty"`
	MemoryType     MemoryType `json:"memory_type"`
	ContentRaw     string     `json:"content_raw"`
	ContentNorm    string     `json:"content_norm,omitempty"`
	Entities       []string   `json:"entities,omitempty"`
	Relations      []Relation `json:"relations,omitempty"`
	Affect         *Affect    `json:"affect,omitempty"`
	Salience       float64    `json:"salience"`
	Confidence     float64    `json:"confidence"`
	TrustScore     float64    `json:"trust_score"`
	Provenance     string     `json:"provenance,omitempty"`
	RetentionDays  int        `json:"retention_days,omitempty"`
	PIITags        []string   `json:"pii_tags,omitempty"`
	VectorRef      string     `json:"vector_ref,omitempty"`
	GraphRef       string     `json:"graph_ref,omitempty"`
	BlockRef       string     `json:"block_ref,omitempty"`
	State          State      `json:"state"`
	Decay          DecayState `json:"decay"`
}

// ShadowState is the review state of a quarantined-content record.
type ShadowState string

const (
	ShadowPending  ShadowState = "pending_review"
	ShadowReviewed ShadowState = "reviewed"
	ShadowReleased ShadowState = "released"
)

// SafetyShadowEntry records quarantined content for forensic review. It holds
// a content fingerprint, never the raw text.
type SafetyShadowEntry struct {
	ShadowID      string      `json:"shadow_id"`
	MemoryID      string      `json:"memory_id"`
	TenantID      string      `json:"tenant_id"`
	UserID        string      `json:"user_id"`
	Reasons       []string    `json:"reasons"`
	RiskScore     float64     `json:"risk_score"`
	State         ShadowState `json:"state"`
	Fingerprint   string      `json:"fingerprint"`
	ContentLength int         `json:"content_length"`
	CreatedAt     time.Time   `json:"created_at"`
}

// TraceEvent is one link in an atom's append-only audit chain.
type TraceEvent struct {
	EventID   string            `json:"event_id"`
	MemoryID  string            `json:"memory_id,omitempty"`
	Subject   string            `json:"subject,omitempty"`
	Action    string            `json:"action"`
	Actor     string            `json:"actor,omitempty"`
	Detail    map[string]string `json:"detail,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}

// BehaviorRule is a durable behavioral rule or persona fact upserted through
// the reflect operation.
type BehaviorRule struct {
	RuleID    string    `json:"rule_id"`
	TenantID  string    `json:"tenant_id"`
	UserID    string    `json:"user_id"`
	Rule      string    `json:"rule"`
	Priority  int       `json:"priority"`
	Active    bool      `json:"active"`
	UpdatedAt time.Time `json:"updated_at"`
}

// DefaultTenant is used when a request does not carry a tenant identifier.
const DefaultTenant = "default"

// userIDPattern is the boundary-wide safe identifier pattern. Any request
// touching per-user state is rejected unless the id matches.
var userIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,127}$`)

// ValidUserID reports whether id satisfies the strict identifier pattern.
func ValidUserID(id string) bool {
	return userIDPattern.MatchString(id)
}

// NewMemoryID returns a lexically sortable memory identifier. ULIDs sort by
// creation time, which keeps recency scans over the ledger cheap.
func NewMemoryID() string {
	return ulid.MustNew(ulid.Timestamp(time.Now()), rand.Reader).String()
}

// Clamp01 clamps v into [0, 1].
func Clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
