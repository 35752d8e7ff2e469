// Package ledgerport exposes the primary atom store as a search backend so
// recall can cite the event-sourced ledger alongside the external stores.
package ledgerport

import (
	"context"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/memfabric/memfabric/pkg/atom"
	"github.com/memfabric/memfabric/pkg/ports"
)

const (
	// SectionName labels ledger hits in the recall context pack.
	SectionName = "event_sourced_memories"

	scanLimit = 500
)

// Port adapts an atom.Store to the MemoryPort contract.
type Port struct {
	store    atom.Store
	priority int
	timeout  time.Duration
}

// New wraps the given store.
func New(store atom.Store) *Port {
	return &Port{store: store, priority: 1, timeout: 2 * time.Second}
}

func (p *Port) Name() string           { return "ledger" }
func (p *Port) Section() string        { return SectionName }
func (p *Port) Priority() int          { return p.priority }
func (p *Port) Timeout() time.Duration { return p.timeout }

func (p *Port) Capabilities() []ports.Capability {
	return []ports.Capability{ports.CapEpisodic, ports.CapGovernance, ports.CapSafety}
}

// Search scores recent atoms by token overlap with the query. Quarantined and
// retired atoms never surface; decayed atoms are suppressed.
func (p *Port) Search(ctx context.Context, query, tenantID, userID string, topK int) ([]ports.SearchResult, error) {
	atoms, err := p.store.ListByUser(ctx, tenantID, userID, scanLimit)
	if err != nil {
		return nil, err
	}

	queryTokens := tokenize(query)
	var hits []ports.SearchResult
	for _, a := range atoms {
		switch a.State {
		case atom.StateQuarantined, atom.StateRetired, atom.StateDecayed:
			continue
		}
		score := overlap(queryTokens, tokenize(a.ContentNorm))
		if score <= 0 {
			continue
		}
		hits = append(hits, ports.SearchResult{
			ID:      a.MemoryID,
			Content: a.ContentRaw,
			Score:   score,
			Metadata: map[string]string{
				"memory_type": string(a.MemoryType),
				"state":       string(a.State),
				"confidence":  strconv.FormatFloat(a.Confidence, 'f', 2, 64),
			},
		})
	}

	sort.Slice(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })
	if topK > 0 && len(hits) > topK {
		hits = hits[:topK]
	}
	return hits, nil
}

// Write is a no-op: the fabric appends to the ledger directly before any
// port materialization happens.
func (p *Port) Write(ctx context.Context, a *atom.MemoryAtom) (string, error) {
	return "", ports.ErrNotSupported
}

func (p *Port) DeleteUserData(ctx context.Context, tenantID, userID string) (int, error) {
	return p.store.DeleteUser(ctx, tenantID, userID)
}

func (p *Port) HealthCheck(ctx context.Context) error {
	_, err := p.store.ListByUser(ctx, atom.DefaultTenant, "healthcheck", 1)
	return err
}

func tokenize(s string) map[string]bool {
	out := make(map[string]bool)
	for _, tok := range strings.Fields(strings.ToLower(s)) {
		tok = strings.Trim(tok, ".,!?;:\"'()")
		if len(tok) > 1 {
			out[tok] = true
		}
	}
	return out
}

// overlap is the fraction of query tokens present in the content.
func overlap(query, content map[string]bool) float64 {
	if len(query) == 0 {
		return 0
	}
	hits := 0
	for tok := range query {
		if content[tok] {
			hits++
		}
	}
	return float64(hits) / float64(len(query))
}
