// Package diversity re-ranks search results to avoid returning several
// near-duplicate traces in a row, inserted as the new step 6.5 between
// spreading activation and related-trace attachment — the original never
// wired this module into its router despite shipping it. Grounded on
// diversity.py's cosine>0.85 swap logic.
package diversity

import (
	"math"

	"github.com/commontrace/engine/internal/model"
)

const similarityThreshold = 0.85

// Rerank walks results top to bottom; whenever the current pick is too
// similar (cosine > 0.85) to any pick already placed, it looks ahead for the
// nearest later candidate that isn't too similar to anything placed so far
// and swaps it forward. If no such candidate exists, the original pick
// stays — diversity never drops a result, only reorders.
func Rerank(results []*model.SearchResult) []*model.SearchResult {
	if len(results) <= 1 {
		return results
	}

	remaining := append([]*model.SearchResult(nil), results...)
	placed := make([]*model.SearchResult, 0, len(remaining))

	for len(remaining) > 0 {
		pick := 0
		if tooSimilarToAny(remaining[0], placed) {
			if alt := firstDiverse(remaining, placed); alt != -1 {
				pick = alt
			}
		}
		placed = append(placed, remaining[pick])
		remaining = append(remaining[:pick], remaining[pick+1:]...)
	}

	return placed
}

// firstDiverse returns the index (>0) of the first candidate not too similar
// to anything already placed, or -1 if none qualifies.
func firstDiverse(remaining []*model.SearchResult, placed []*model.SearchResult) int {
	for i := 1; i < len(remaining); i++ {
		if !tooSimilarToAny(remaining[i], placed) {
			return i
		}
	}
	return -1
}

func tooSimilarToAny(r *model.SearchResult, placed []*model.SearchResult) bool {
	for _, p := range placed {
		if cosineSimilarity(r.Trace.Embedding, p.Trace.Embedding) > similarityThreshold {
			return true
		}
	}
	return false
}

func cosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
