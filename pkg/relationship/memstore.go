package relationship

import (
	"context"
	"sync"
)

// MemStore is the in-memory CAS store, used in tests and single-node
// deployments without persistence.
type MemStore struct {
	mu      sync.Mutex
	records map[string]*Record
}

// NewMemStore creates an empty store.
func NewMemStore() *MemStore {
	return &MemStore{records: make(map[string]*Record)}
}

func recordKey(tenantID, userID string) string {
	return tenantID + ":" + userID
}

func (s *MemStore) Get(ctx context.Context, tenantID, userID string) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[recordKey(tenantID, userID)]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *rec
	cp.SignalHistory = append([]Signal(nil), rec.SignalHistory...)
	cp.Breakthroughs = append([]Breakthrough(nil), rec.Breakthroughs...)
	return &cp, nil
}

// Update applies CAS semantics: the incoming record's version must match the
// stored version, then both are bumped.
func (s *MemStore) Update(ctx context.Context, rec *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := recordKey(rec.TenantID, rec.UserID)
	existing, ok := s.records[key]
	if ok && existing.Version != rec.Version {
		return ErrVersionConflict
	}

	rec.Version++
	cp := *rec
	cp.SignalHistory = append([]Signal(nil), rec.SignalHistory...)
	cp.Breakthroughs = append([]Breakthrough(nil), rec.Breakthroughs...)
	s.records[key] = &cp
	return nil
}

func (s *MemStore) ForEach(ctx context.Context, fn func(rec *Record) error) error {
	s.mu.Lock()
	snapshot := make([]*Record, 0, len(s.records))
	for _, rec := range s.records {
		cp := *rec
		snapshot = append(snapshot, &cp)
	}
	s.mu.Unlock()

	for _, rec := range snapshot {
		if err := fn(rec); err != nil {
			return err
		}
	}
	return nil
}

// Delete reports ErrNotFound when no record exists, so deletion reports can
// distinguish "erased" from "nothing to erase".
func (s *MemStore) Delete(ctx context.Context, tenantID, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := recordKey(tenantID, userID)
	if _, ok := s.records[key]; !ok {
		return ErrNotFound
	}
	delete(s.records, key)
	return nil
}
