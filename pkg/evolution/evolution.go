// Package evolution links a freshly ingested atom against the user's recent
// memory window. It detects whether the new memory reinforces or contradicts
// what is already known and adjusts confidence accordingly.
package evolution

import (
	"strings"

	"github.com/memfabric/memfabric/pkg/atom"
)

const (
	// SimilarityThreshold is the normalized token similarity a candidate
	// must reach before the engine considers it related at all.
	SimilarityThreshold = 0.72

	conflictConfidenceCap = 0.6
	conflictTrustPenalty  = 0.15
	reinforceConfidence   = 0.05
	reinforceTrust        = 0.03
)

// Relation classifications.
const (
	RelationConflicts  = "conflicts"
	RelationReinforces = "reinforces"
)

// Result reports what the engine decided for one new atom.
type Result struct {
	Linked         bool    `json:"linked"`
	Relation       string  `json:"relation,omitempty"`
	TargetMemoryID string  `json:"target_memory_id,omitempty"`
	Similarity     float64 `json:"similarity,omitempty"`
	Confidence     float64 `json:"confidence"`
	TrustScore     float64 `json:"trust_score"`
}

var negationTokens = map[string]bool{
	"not":     true,
	"no":      true,
	"never":   true,
	"don't":   true,
	"dont":    true,
	"doesn't": true,
	"doesnt":  true,
	"won't":   true,
	"wont":    true,
	"can't":   true,
	"cant":    true,
	"isn't":   true,
	"isnt":    true,
	"stopped": true,
	"quit":    true,
}

var contrastiveMarkers = []string{
	"actually",
	"no longer",
	"changed my mind",
	"used to",
	"instead",
	"anymore",
	"but now",
}

// Evolve finds the best similarity match in the recent window, classifies the
// relation, mutates the new atom's confidence/trust and appends the relation
// edge. The recent window is caller-supplied so the engine stays I/O-free.
func Evolve(newAtom *atom.MemoryAtom, recent []*atom.MemoryAtom) *Result {
	res := &Result{
		Confidence: newAtom.Confidence,
		TrustScore: newAtom.TrustScore,
	}

	newTokens := tokenize(newAtom.ContentNorm)
	if len(newTokens) == 0 {
		return res
	}

	var best *atom.MemoryAtom
	bestSim := 0.0
	for _, candidate := range recent {
		if candidate.MemoryID == newAtom.MemoryID {
			continue
		}
		sim := Similarity(newTokens, tokenize(candidate.ContentNorm))
		if sim >= SimilarityThreshold && sim > bestSim {
			best = candidate
			bestSim = sim
		}
	}
	if best == nil {
		return res
	}

	relation := RelationReinforces
	if conflicting(newAtom.ContentNorm, best.ContentNorm) {
		relation = RelationConflicts
		if newAtom.Confidence > conflictConfidenceCap {
			newAtom.Confidence = conflictConfidenceCap
		}
		newAtom.TrustScore = atom.Clamp01(newAtom.TrustScore - conflictTrustPenalty)
	} else {
		newAtom.Confidence = atom.Clamp01(newAtom.Confidence + reinforceConfidence)
		newAtom.TrustScore = atom.Clamp01(newAtom.TrustScore + reinforceTrust)
	}

	newAtom.Relations = append(newAtom.Relations, atom.Relation{
		Type:           relation,
		TargetMemoryID: best.MemoryID,
		Confidence:     bestSim,
	})

	res.Linked = true
	res.Relation = relation
	res.TargetMemoryID = best.MemoryID
	res.Similarity = bestSim
	res.Confidence = newAtom.Confidence
	res.TrustScore = newAtom.TrustScore
	return res
}

// Similarity is token Jaccard over two pre-tokenized sets.
func Similarity(a, b map[string]bool) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	inter := 0
	for tok := range a {
		if b[tok] {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union)
}

// conflicting reports a negation-polarity mismatch or an explicit contrastive
// marker in the newer statement.
func conflicting(newContent, oldContent string) bool {
	newNorm := strings.ToLower(newContent)
	for _, marker := range contrastiveMarkers {
		if strings.Contains(newNorm, marker) {
			return true
		}
	}
	return hasNegation(newNorm) != hasNegation(strings.ToLower(oldContent))
}

func hasNegation(content string) bool {
	for _, tok := range strings.Fields(content) {
		if negationTokens[strings.Trim(tok, ".,!?;:")] {
			return true
		}
	}
	return false
}

func tokenize(content string) map[string]bool {
	tokens := make(map[string]bool)
	for _, tok := range strings.Fields(strings.ToLower(content)) {
		tok = strings.Trim(tok, ".,!?;:\"'()")
		if len(tok) > 1 {
			tokens[tok] = true
		}
	}
	return tokens
}
