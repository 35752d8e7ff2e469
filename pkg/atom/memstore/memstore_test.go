package memstore

import (
	"context"
	"testing"
	"time"

	"github.com/memfabric/memfabric/pkg/atom"
)

func testAtom(userID, idemKey string) *atom.MemoryAtom {
	now := time.Now()
	return &atom.MemoryAtom{
		MemoryID:       atom.NewMemoryID(),
		IdempotencyKey: idemKey,
		TenantID:       atom.DefaultTenant,
		UserID:         userID,
		EventTime:      now,
		IngestTime:     now,
		MemoryType:     atom.TypeEpisode,
		ContentRaw:     "content",
		State:          atom.StateActive,
	}
}

func TestAppendAtomFirstWriterWins(t *testing.T) {
	s := New()
	ctx := context.Background()

	first := testAtom("alice", "dup-key-0001")
	_, created, err := s.AppendAtom(ctx, first)
	if err != nil || !created {
		t.Fatalf("first append: created=%v err=%v", created, err)
	}

	second := testAtom("alice", "dup-key-0001")
	stored, created, err := s.AppendAtom(ctx, second)
	if err != nil {
		t.Fatalf("second append: %v", err)
	}
	if created || stored.MemoryID != first.MemoryID {
		t.Fatalf("duplicate key did not resolve to first writer: created=%v id=%s", created, stored.MemoryID)
	}
}

func TestStoredAtomIsolatedFromCaller(t *testing.T) {
	s := New()
	ctx := context.Background()

	a := testAtom("alice", "")
	if _, _, err := s.AppendAtom(ctx, a); err != nil {
		t.Fatalf("append: %v", err)
	}
	a.ContentRaw = "mutated after append"

	got, err := s.GetAtom(ctx, a.MemoryID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.ContentRaw != "content" {
		t.Fatal("store leaked caller's pointer")
	}
}

func TestForEachUser(t *testing.T) {
	s := New()
	ctx := context.Background()

	for _, user := range []string{"alice", "bob", "alice"} {
		if _, _, err := s.AppendAtom(ctx, testAtom(user, "")); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	seen := map[string]bool{}
	err := s.ForEachUser(ctx, func(tenantID, userID string) error {
		seen[userID] = true
		return nil
	})
	if err != nil {
		t.Fatalf("foreach: %v", err)
	}
	if len(seen) != 2 || !seen["alice"] || !seen["bob"] {
		t.Fatalf("users seen = %v", seen)
	}
}

func TestDeleteUserFreesIdempotencySlot(t *testing.T) {
	s := New()
	ctx := context.Background()

	if _, _, err := s.AppendAtom(ctx, testAtom("alice", "key-reuse-01")); err != nil {
		t.Fatalf("append: %v", err)
	}
	if _, err := s.DeleteUser(ctx, atom.DefaultTenant, "alice"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	_, created, err := s.AppendAtom(ctx, testAtom("alice", "key-reuse-01"))
	if err != nil || !created {
		t.Fatalf("re-ingest after delete: created=%v err=%v", created, err)
	}
}
