package evolution

import (
	"testing"
	"time"

	"github.com/memfabric/memfabric/pkg/atom"
)

func makeAtom(content string, confidence, trust float64) *atom.MemoryAtom {
	return &atom.MemoryAtom{
		MemoryID:    atom.NewMemoryID(),
		TenantID:    atom.DefaultTenant,
		UserID:      "alice",
		EventTime:   time.Now(),
		IngestTime:  time.Now(),
		MemoryType:  atom.TypeFact,
		ContentRaw:  content,
		ContentNorm: content,
		Confidence:  confidence,
		TrustScore:  trust,
		State:       atom.StateActive,
	}
}

func TestEvolveNoMatchLeavesAtomAlone(t *testing.T) {
	newAtom := makeAtom("alice enjoys sailing on weekends", 0.9, 0.8)
	recent := []*atom.MemoryAtom{makeAtom("completely unrelated topic about databases", 0.5, 0.5)}

	res := Evolve(newAtom, recent)
	if res.Linked {
		t.Fatal("dissimilar atoms must not link")
	}
	if newAtom.Confidence != 0.9 || newAtom.TrustScore != 0.8 {
		t.Fatalf("unlinked atom mutated: conf=%.2f trust=%.2f", newAtom.Confidence, newAtom.TrustScore)
	}
	if len(newAtom.Relations) != 0 {
		t.Fatal("unlinked atom gained a relation edge")
	}
}

func TestEvolveReinforcement(t *testing.T) {
	old := makeAtom("alice really loves drinking strong black coffee every morning", 0.8, 0.7)
	newAtom := makeAtom("alice really loves drinking strong black coffee every single morning", 0.8, 0.7)

	res := Evolve(newAtom, []*atom.MemoryAtom{old})
	if !res.Linked || res.Relation != RelationReinforces {
		t.Fatalf("linked=%v relation=%s, want reinforces", res.Linked, res.Relation)
	}
	if newAtom.Confidence < 0.84 || newAtom.Confidence > 0.86 {
		t.Fatalf("confidence = %.4f, want ~0.85", newAtom.Confidence)
	}
	if newAtom.TrustScore < 0.72 || newAtom.TrustScore > 0.74 {
		t.Fatalf("trust = %.2f, want 0.73", newAtom.TrustScore)
	}
	if len(newAtom.Relations) != 1 || newAtom.Relations[0].TargetMemoryID != old.MemoryID {
		t.Fatalf("relation edge missing or wrong: %+v", newAtom.Relations)
	}
}

func TestEvolveConflictDocksConfidence(t *testing.T) {
	old := makeAtom("alice really loves drinking strong black coffee every morning", 0.8, 0.7)
	newAtom := makeAtom("alice really loves not drinking strong black coffee every morning", 0.9, 0.7)

	res := Evolve(newAtom, []*atom.MemoryAtom{old})
	if !res.Linked || res.Relation != RelationConflicts {
		t.Fatalf("linked=%v relation=%s, want conflicts", res.Linked, res.Relation)
	}
	if newAtom.Confidence != 0.6 {
		t.Fatalf("confidence = %.2f, want capped at 0.6", newAtom.Confidence)
	}
	if newAtom.TrustScore < 0.54 || newAtom.TrustScore > 0.56 {
		t.Fatalf("trust = %.2f, want 0.55", newAtom.TrustScore)
	}
}

func TestContrastiveMarkerForcesConflict(t *testing.T) {
	old := makeAtom("alice really loves drinking strong black coffee every morning", 0.8, 0.7)
	newAtom := makeAtom("actually alice loves drinking strong black coffee every morning", 0.8, 0.7)

	res := Evolve(newAtom, []*atom.MemoryAtom{old})
	if !res.Linked || res.Relation != RelationConflicts {
		t.Fatalf("relation = %s, want conflicts via contrastive marker", res.Relation)
	}
}

func TestSimilarityThreshold(t *testing.T) {
	a := tokenize("the quick brown fox jumps over the lazy dog")
	if sim := Similarity(a, a); sim != 1.0 {
		t.Fatalf("identical sets similarity = %.2f, want 1.0", sim)
	}
	b := tokenize("entirely different words about other things")
	if sim := Similarity(a, b); sim != 0 {
		t.Fatalf("disjoint sets similarity = %.2f, want 0", sim)
	}
}
