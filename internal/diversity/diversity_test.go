package diversity

import (
	"testing"

	"github.com/google/uuid"

	"github.com/commontrace/engine/internal/model"
)

func result(score float64, embedding []float32) *model.SearchResult {
	return &model.SearchResult{
		Trace: &model.Trace{ID: uuid.New(), Embedding: embedding},
		Score: score,
	}
}

func TestRerankSwapsNearDuplicate(t *testing.T) {
	// First two results are nearly identical; the third is orthogonal and
	// should be swapped into second place.
	a := result(3, []float32{1, 0, 0})
	dup := result(2, []float32{0.99, 0.14, 0})
	other := result(1, []float32{0, 1, 0})

	out := Rerank([]*model.SearchResult{a, dup, other})
	if len(out) != 3 {
		t.Fatalf("rerank changed result count: %d", len(out))
	}
	if out[0] != a {
		t.Error("top result must keep its place")
	}
	if out[1] != other {
		t.Errorf("expected diverse result promoted to second place")
	}
	if out[2] != dup {
		t.Errorf("expected near-duplicate demoted to third place")
	}
}

func TestRerankNoSwapWhenDistinct(t *testing.T) {
	a := result(3, []float32{1, 0, 0})
	b := result(2, []float32{0, 1, 0})
	c := result(1, []float32{0, 0, 1})

	out := Rerank([]*model.SearchResult{a, b, c})
	if out[0] != a || out[1] != b || out[2] != c {
		t.Error("distinct results must keep their score order")
	}
}

func TestRerankNeverDrops(t *testing.T) {
	// Every result is a duplicate of every other; with no diverse
	// alternative available the original order must survive intact.
	results := []*model.SearchResult{
		result(3, []float32{1, 0}),
		result(2, []float32{1, 0}),
		result(1, []float32{1, 0}),
	}
	out := Rerank(results)
	if len(out) != 3 {
		t.Fatalf("rerank dropped results: %d", len(out))
	}
	if out[0].Score != 3 || out[1].Score != 2 || out[2].Score != 1 {
		t.Error("all-duplicates set must keep score order")
	}
}

func TestRerankMissingEmbeddings(t *testing.T) {
	// Tag-only results carry no embedding; similarity is 0 and order holds.
	results := []*model.SearchResult{result(2, nil), result(1, nil)}
	out := Rerank(results)
	if out[0].Score != 2 || out[1].Score != 1 {
		t.Error("nil embeddings must not reorder results")
	}
}
