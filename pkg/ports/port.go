// Package ports defines the uniform backend adapter contract and the
// circuit-breaker-wrapped registry that fans recall out across adapters.
package ports

import (
	"context"
	"errors"
	"time"

	"github.com/memfabric/memfabric/pkg/atom"
)

// Capability names a kind of memory a backend can serve.
type Capability string

const (
	CapEpisodic      Capability = "episodic"
	CapSemantic      Capability = "semantic"
	CapEntity        Capability = "entity"
	CapTemporalGraph Capability = "temporal_graph"
	CapRelationship  Capability = "relationship"
	CapAffective     Capability = "affective"
	CapSafety        Capability = "safety"
	CapGovernance    Capability = "governance"
)

// AllCapabilities lists every declared capability, used by strict-mode
// coverage checks.
var AllCapabilities = []Capability{
	CapEpisodic, CapSemantic, CapEntity, CapTemporalGraph,
	CapRelationship, CapAffective, CapSafety, CapGovernance,
}

var (
	// ErrNotSupported marks an optional operation an adapter does not
	// implement. Callers treat it as "nothing to do", not a failure.
	ErrNotSupported = errors.New("operation not supported by port")

	// ErrBreakerOpen is returned when a call is skipped because the
	// adapter's circuit breaker is open.
	ErrBreakerOpen = errors.New("circuit breaker open")

	// ErrPortUnavailable wraps adapter-level connectivity failures.
	ErrPortUnavailable = errors.New("port unavailable")
)

// SearchResult is one hit from one backend.
type SearchResult struct {
	ID       string            `json:"id"`
	Content  string            `json:"content"`
	Score    float64           `json:"score"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// MemoryPort is the contract every backend adapter implements. Search is
// mandatory; Write, DeleteUserData and HealthCheck may return ErrNotSupported.
type MemoryPort interface {
	// Name identifies the adapter in reports and metrics.
	Name() string
	// Section labels this adapter's results in the recall context pack.
	Section() string
	// Priority orders adapters; lower is queried first under budget pressure.
	Priority() int
	// Timeout bounds a single call to this adapter.
	Timeout() time.Duration
	// Capabilities declares which memory kinds this adapter provides.
	Capabilities() []Capability

	Search(ctx context.Context, query, tenantID, userID string, topK int) ([]SearchResult, error)
	Write(ctx context.Context, a *atom.MemoryAtom) (ref string, err error)
	DeleteUserData(ctx context.Context, tenantID, userID string) (int, error)
	HealthCheck(ctx context.Context) error
}
