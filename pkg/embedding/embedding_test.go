package embedding

import (
	"context"
	"math"
	"testing"
)

func TestHashEmbedderDeterministic(t *testing.T) {
	e := NewHashEmbedder(128)
	ctx := context.Background()

	a, err := e.Embed(ctx, "alice loves coffee")
	if err != nil {
		t.Fatalf("embed: %v", err)
	}
	b, err := e.Embed(ctx, "alice loves coffee")
	if err != nil {
		t.Fatalf("embed: %v", err)
	}
	if len(a) != 128 {
		t.Fatalf("dims = %d, want 128", len(a))
	}
	for i := range a {
		if a[i] != b[i] {
			t.Fatal("identical text must embed identically")
		}
	}

	sim := CosineSimilarity(a, b)
	if math.Abs(sim-1.0) > 1e-6 {
		t.Fatalf("self-similarity = %f, want 1.0", sim)
	}
}

func TestHashEmbedderDistinctTexts(t *testing.T) {
	e := NewHashEmbedder(128)
	ctx := context.Background()

	a, _ := e.Embed(ctx, "alice loves coffee")
	b, _ := e.Embed(ctx, "bob hates tea")
	if sim := CosineSimilarity(a, b); math.Abs(sim) > 0.5 {
		t.Fatalf("unrelated hash vectors unexpectedly aligned: %f", sim)
	}
}

func TestEmbedEmptyText(t *testing.T) {
	e := NewHashEmbedder(64)
	if _, err := e.Embed(context.Background(), ""); err == nil {
		t.Fatal("expected error for empty text")
	}
}

func TestCosineSimilarityEdgeCases(t *testing.T) {
	if sim := CosineSimilarity([]float32{1, 0}, []float32{1}); sim != 0 {
		t.Fatalf("mismatched lengths = %f, want 0", sim)
	}
	if sim := CosineSimilarity([]float32{0, 0}, []float32{1, 1}); sim != 0 {
		t.Fatalf("zero vector = %f, want 0", sim)
	}
}
