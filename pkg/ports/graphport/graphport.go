// Package graphport is the temporal knowledge-graph backend: entity nodes
// linked by co-mention edges, kept per user. It also feeds the decay
// processor's connection-protection term via link counts.
package graphport

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/memfabric/memfabric/pkg/atom"
	"github.com/memfabric/memfabric/pkg/ports"
)

// SectionName labels graph hits in the recall context pack.
const SectionName = "knowledge_graph"

type entityNode struct {
	name      string
	memoryIDs []string
	contents  map[string]string // memoryID -> content
	edges     map[string]time.Time // co-mentioned entity -> last seen
	lastSeen  time.Time
}

type userGraph struct {
	entities map[string]*entityNode
}

// Port implements MemoryPort over the in-process graph.
type Port struct {
	mu      sync.RWMutex
	graphs  map[string]*userGraph // tenant:user
	timeout time.Duration
}

// New creates an empty graph port.
func New() *Port {
	return &Port{
		graphs:  make(map[string]*userGraph),
		timeout: 1 * time.Second,
	}
}

func (p *Port) Name() string           { return "graph" }
func (p *Port) Section() string        { return SectionName }
func (p *Port) Priority() int          { return 3 }
func (p *Port) Timeout() time.Duration { return p.timeout }

func (p *Port) Capabilities() []ports.Capability {
	return []ports.Capability{ports.CapTemporalGraph, ports.CapEntity}
}

func graphKey(tenantID, userID string) string {
	return tenantID + ":" + userID
}

// Write indexes the atom's entities and links every co-mentioned pair with a
// timestamped edge.
func (p *Port) Write(ctx context.Context, a *atom.MemoryAtom) (string, error) {
	if len(a.Entities) == 0 {
		return "", nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	key := graphKey(a.TenantID, a.UserID)
	g, ok := p.graphs[key]
	if !ok {
		g = &userGraph{entities: make(map[string]*entityNode)}
		p.graphs[key] = g
	}

	when := a.EventTime
	if when.IsZero() {
		when = a.IngestTime
	}

	names := make([]string, 0, len(a.Entities))
	for _, raw := range a.Entities {
		name := strings.ToLower(strings.TrimSpace(raw))
		if name == "" {
			continue
		}
		names = append(names, name)

		node, ok := g.entities[name]
		if !ok {
			node = &entityNode{
				name:     name,
				contents: make(map[string]string),
				edges:    make(map[string]time.Time),
			}
			g.entities[name] = node
		}
		if _, seen := node.contents[a.MemoryID]; !seen {
			node.memoryIDs = append(node.memoryIDs, a.MemoryID)
			node.contents[a.MemoryID] = a.ContentRaw
		}
		if when.After(node.lastSeen) {
			node.lastSeen = when
		}
	}

	for i, from := range names {
		for _, to := range names[i+1:] {
			if from == to {
				continue
			}
			g.entities[from].edges[to] = when
			g.entities[to].edges[from] = when
		}
	}

	return "graph:" + key, nil
}

// Search returns memories attached to entities the query mentions, scored by
// entity match count and recency.
func (p *Port) Search(ctx context.Context, query, tenantID, userID string, topK int) ([]ports.SearchResult, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	g, ok := p.graphs[graphKey(tenantID, userID)]
	if !ok {
		return nil, nil
	}

	queryNorm := strings.ToLower(query)
	type scored struct {
		id      string
		content string
		score   float64
	}
	seen := make(map[string]*scored)

	for name, node := range g.entities {
		if !strings.Contains(queryNorm, name) {
			continue
		}
		for _, memID := range node.memoryIDs {
			s, ok := seen[memID]
			if !ok {
				s = &scored{id: memID, content: node.contents[memID]}
				seen[memID] = s
			}
			s.score += 1.0 + 0.1*float64(len(node.edges))
		}
	}

	hits := make([]ports.SearchResult, 0, len(seen))
	for _, s := range seen {
		hits = append(hits, ports.SearchResult{ID: s.id, Content: s.content, Score: s.score})
	}
	sort.Slice(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })
	if topK > 0 && len(hits) > topK {
		hits = hits[:topK]
	}
	return hits, nil
}

func (p *Port) DeleteUserData(ctx context.Context, tenantID, userID string) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	key := graphKey(tenantID, userID)
	g, ok := p.graphs[key]
	if !ok {
		return 0, nil
	}
	count := len(g.entities)
	delete(p.graphs, key)
	return count, nil
}

func (p *Port) HealthCheck(ctx context.Context) error { return nil }

// LinkCount reports how many edges the entity has for a user. The decay
// processor uses it for connection protection.
func (p *Port) LinkCount(tenantID, userID, entity string) int {
	p.mu.RLock()
	defer p.mu.RUnlock()

	g, ok := p.graphs[graphKey(tenantID, userID)]
	if !ok {
		return 0
	}
	node, ok := g.entities[strings.ToLower(strings.TrimSpace(entity))]
	if !ok {
		return 0
	}
	return len(node.edges)
}

// Prune drops entities not seen since the cutoff. The consolidator's graph
// maintenance task calls this nightly.
func (p *Port) Prune(cutoff time.Time) int {
	p.mu.Lock()
	defer p.mu.Unlock()

	pruned := 0
	for _, g := range p.graphs {
		for name, node := range g.entities {
			if node.lastSeen.Before(cutoff) {
				delete(g.entities, name)
				pruned++
			}
		}
		for _, node := range g.entities {
			for other := range node.edges {
				if _, ok := g.entities[other]; !ok {
					delete(node.edges, other)
				}
			}
		}
	}
	return pruned
}
