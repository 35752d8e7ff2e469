// Package memstore provides an in-memory implementation of the atom store,
// used for tests and for running the fabric without a data directory.
package memstore

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/memfabric/memfabric/pkg/atom"
)

// MemStore implements atom.Store with mutex-guarded maps.
type MemStore struct {
	mu      sync.RWMutex
	atoms   map[string]*atom.MemoryAtom   // memory id -> atom
	idem    map[string]string             // tenant:user:key -> memory id
	shadows map[string][]*atom.SafetyShadowEntry
	traces  map[string][]*atom.TraceEvent // subject -> chain
	rules   map[string]*atom.BehaviorRule // tenant:user:rule id -> rule
}

// New creates an empty MemStore.
func New() *MemStore {
	return &MemStore{
		atoms:   make(map[string]*atom.MemoryAtom),
		idem:    make(map[string]string),
		shadows: make(map[string][]*atom.SafetyShadowEntry),
		traces:  make(map[string][]*atom.TraceEvent),
		rules:   make(map[string]*atom.BehaviorRule),
	}
}

func userKey(tenantID, userID string) string {
	return tenantID + ":" + userID
}

func idemKey(tenantID, userID, key string) string {
	return tenantID + ":" + userID + ":" + key
}

// AppendAtom stores the atom unless its idempotency key already resolves to
// an earlier write, in which case the first writer's atom is returned.
func (s *MemStore) AppendAtom(ctx context.Context, a *atom.MemoryAtom) (*atom.MemoryAtom, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if a.IdempotencyKey != "" {
		if existingID, ok := s.idem[idemKey(a.TenantID, a.UserID, a.IdempotencyKey)]; ok {
			return cloneAtom(s.atoms[existingID]), false, nil
		}
	}

	s.atoms[a.MemoryID] = cloneAtom(a)
	if a.IdempotencyKey != "" {
		s.idem[idemKey(a.TenantID, a.UserID, a.IdempotencyKey)] = a.MemoryID
	}
	return cloneAtom(a), true, nil
}

func (s *MemStore) GetAtom(ctx context.Context, memoryID string) (*atom.MemoryAtom, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.atoms[memoryID]
	if !ok {
		return nil, atom.ErrNotFound
	}
	return cloneAtom(a), nil
}

func (s *MemStore) UpdateAtom(ctx context.Context, a *atom.MemoryAtom) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.atoms[a.MemoryID]; !ok {
		return atom.ErrNotFound
	}
	s.atoms[a.MemoryID] = cloneAtom(a)
	return nil
}

func (s *MemStore) ListByUser(ctx context.Context, tenantID, userID string, limit int) ([]*atom.MemoryAtom, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*atom.MemoryAtom
	for _, a := range s.atoms {
		if a.TenantID == tenantID && a.UserID == userID {
			out = append(out, cloneAtom(a))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].IngestTime.After(out[j].IngestTime)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemStore) RecentAtoms(ctx context.Context, tenantID, userID string, window time.Duration, limit int) ([]*atom.MemoryAtom, error) {
	all, err := s.ListByUser(ctx, tenantID, userID, 0)
	if err != nil {
		return nil, err
	}
	cutoff := time.Now().Add(-window)
	var out []*atom.MemoryAtom
	for _, a := range all {
		if a.State == atom.StateQuarantined {
			continue
		}
		if a.IngestTime.Before(cutoff) {
			break // newest-first, everything after is older
		}
		out = append(out, a)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *MemStore) SaveShadow(ctx context.Context, e *atom.SafetyShadowEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := userKey(e.TenantID, e.UserID)
	cp := *e
	s.shadows[key] = append(s.shadows[key], &cp)
	return nil
}

func (s *MemStore) ListShadows(ctx context.Context, tenantID, userID string) ([]*atom.SafetyShadowEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries := s.shadows[userKey(tenantID, userID)]
	out := make([]*atom.SafetyShadowEntry, len(entries))
	for i, e := range entries {
		cp := *e
		out[i] = &cp
	}
	return out, nil
}

func (s *MemStore) AppendTrace(ctx context.Context, ev *atom.TraceEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	subject := ev.Subject
	if subject == "" {
		subject = ev.MemoryID
	}
	cp := *ev
	s.traces[subject] = append(s.traces[subject], &cp)
	return nil
}

func (s *MemStore) TraceChain(ctx context.Context, subject string) ([]*atom.TraceEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	chain := s.traces[subject]
	out := make([]*atom.TraceEvent, len(chain))
	for i, ev := range chain {
		cp := *ev
		out[i] = &cp
	}
	return out, nil
}

func (s *MemStore) SaveRule(ctx context.Context, r *atom.BehaviorRule) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *r
	s.rules[userKey(r.TenantID, r.UserID)+":"+r.RuleID] = &cp
	return nil
}

func (s *MemStore) ListRules(ctx context.Context, tenantID, userID string) ([]*atom.BehaviorRule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	prefix := userKey(tenantID, userID) + ":"
	var out []*atom.BehaviorRule
	for key, r := range s.rules {
		if strings.HasPrefix(key, prefix) {
			cp := *r
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Priority > out[j].Priority })
	return out, nil
}

func (s *MemStore) ForEachUser(ctx context.Context, fn func(tenantID, userID string) error) error {
	s.mu.RLock()
	seen := make(map[string][2]string)
	for _, a := range s.atoms {
		seen[userKey(a.TenantID, a.UserID)] = [2]string{a.TenantID, a.UserID}
	}
	s.mu.RUnlock()

	for _, pair := range seen {
		if err := fn(pair[0], pair[1]); err != nil {
			return err
		}
	}
	return nil
}

func (s *MemStore) PruneExpired(ctx context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	count := 0
	for id, a := range s.atoms {
		if a.RetentionDays <= 0 || a.State == atom.StateQuarantined {
			continue
		}
		if now.Sub(a.IngestTime) > time.Duration(a.RetentionDays)*24*time.Hour {
			delete(s.atoms, id)
			if a.IdempotencyKey != "" {
				delete(s.idem, idemKey(a.TenantID, a.UserID, a.IdempotencyKey))
			}
			count++
		}
	}
	return count, nil
}

func (s *MemStore) DeleteUser(ctx context.Context, tenantID, userID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	count := 0
	for id, a := range s.atoms {
		if a.TenantID == tenantID && a.UserID == userID {
			delete(s.atoms, id)
			if a.IdempotencyKey != "" {
				delete(s.idem, idemKey(tenantID, userID, a.IdempotencyKey))
			}
			count++
		}
	}
	delete(s.shadows, userKey(tenantID, userID))
	prefix := userKey(tenantID, userID) + ":"
	for key := range s.rules {
		if strings.HasPrefix(key, prefix) {
			delete(s.rules, key)
		}
	}
	return count, nil
}

func (s *MemStore) Close() error { return nil }

func cloneAtom(a *atom.MemoryAtom) *atom.MemoryAtom {
	if a == nil {
		return nil
	}
	cp := *a
	cp.Entities = append([]string(nil), a.Entities...)
	cp.Relations = append([]atom.Relation(nil), a.Relations...)
	cp.PIITags = append([]string(nil), a.PIITags...)
	if a.Affect != nil {
		affect := *a.Affect
		cp.Affect = &affect
	}
	return &cp
}
