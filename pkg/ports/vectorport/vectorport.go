// Package vectorport is the semantic-similarity backend, built on an
// embedded chromem-go vector store with one collection per (tenant, user).
package vectorport

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/philippgille/chromem-go"

	"github.com/memfabric/memfabric/pkg/atom"
	"github.com/memfabric/memfabric/pkg/embedding"
	"github.com/memfabric/memfabric/pkg/ports"
)

// SectionName labels vector hits in the recall context pack.
const SectionName = "evermemos_memories"

// Config holds vector store configuration.
type Config struct {
	// Path enables on-disk persistence when non-empty; empty keeps the
	// store in memory.
	Path     string
	Compress bool
	Timeout  time.Duration
}

// Port implements MemoryPort over chromem-go.
type Port struct {
	mu       sync.Mutex
	db       *chromem.DB
	embedder embedding.Embedder
	timeout  time.Duration
}

// New opens the vector store. With a persistence path the collections
// survive restarts.
func New(cfg *Config, embedder embedding.Embedder) (*Port, error) {
	var db *chromem.DB
	var err error
	if cfg.Path != "" {
		db, err = chromem.NewPersistentDB(cfg.Path, cfg.Compress)
		if err != nil {
			return nil, fmt.Errorf("open vector store: %w", err)
		}
	} else {
		db = chromem.NewDB()
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &Port{db: db, embedder: embedder, timeout: timeout}, nil
}

func (p *Port) Name() string           { return "vector" }
func (p *Port) Section() string        { return SectionName }
func (p *Port) Priority() int          { return 2 }
func (p *Port) Timeout() time.Duration { return p.timeout }

func (p *Port) Capabilities() []ports.Capability {
	return []ports.Capability{ports.CapSemantic, ports.CapAffective}
}

func collectionName(tenantID, userID string) string {
	return fmt.Sprintf("mem-%s-%s", tenantID, userID)
}

func (p *Port) collection(tenantID, userID string) (*chromem.Collection, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	embedFn := func(ctx context.Context, text string) ([]float32, error) {
		return p.embedder.Embed(ctx, text)
	}
	return p.db.GetOrCreateCollection(collectionName(tenantID, userID), nil, embedFn)
}

func (p *Port) Search(ctx context.Context, query, tenantID, userID string, topK int) ([]ports.SearchResult, error) {
	col, err := p.collection(tenantID, userID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ports.ErrPortUnavailable, err)
	}

	// chromem rejects nResults beyond the document count.
	count := col.Count()
	if count == 0 {
		return nil, nil
	}
	if topK > count {
		topK = count
	}

	results, err := col.Query(ctx, query, topK, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("vector query: %w", err)
	}

	out := make([]ports.SearchResult, 0, len(results))
	for _, r := range results {
		out = append(out, ports.SearchResult{
			ID:       r.ID,
			Content:  r.Content,
			Score:    float64(r.Similarity),
			Metadata: r.Metadata,
		})
	}
	return out, nil
}

// Write materializes an atom as one document in the owner's collection and
// returns the vector reference.
func (p *Port) Write(ctx context.Context, a *atom.MemoryAtom) (string, error) {
	col, err := p.collection(a.TenantID, a.UserID)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ports.ErrPortUnavailable, err)
	}

	doc := chromem.Document{
		ID:      a.MemoryID,
		Content: a.ContentNorm,
		Metadata: map[string]string{
			"memory_type": string(a.MemoryType),
			"salience":    strconv.FormatFloat(a.Salience, 'f', 2, 64),
			"ingested_at": a.IngestTime.UTC().Format(time.RFC3339),
		},
	}
	if err := col.AddDocument(ctx, doc); err != nil {
		return "", fmt.Errorf("vector write: %w", err)
	}
	return "chromem:" + collectionName(a.TenantID, a.UserID) + "/" + a.MemoryID, nil
}

// DeleteUserData drops the user's entire collection.
func (p *Port) DeleteUserData(ctx context.Context, tenantID, userID string) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	name := collectionName(tenantID, userID)
	col := p.db.GetCollection(name, nil)
	if col == nil {
		return 0, nil
	}
	count := col.Count()
	if err := p.db.DeleteCollection(name); err != nil {
		return -1, fmt.Errorf("vector delete: %w", err)
	}
	return count, nil
}

func (p *Port) HealthCheck(ctx context.Context) error {
	if p.db == nil {
		return ports.ErrPortUnavailable
	}
	return nil
}
