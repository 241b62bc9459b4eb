package consolidate

import (
	"context"
	"sort"

	"github.com/google/uuid"
	"gonum.org/v1/gonum/floats"

	"github.com/commontrace/engine/internal/maturity"
	"github.com/commontrace/engine/internal/model"
)

const (
	convergenceSimilarityThreshold = 0.85 // cosine distance < 0.15
	convergenceNeighborLimit       = 50
)

// convergenceDetect only runs once the knowledge base has left SEED
// (§4.2.g): "For each embedded trace with no cluster" it queries up to 50
// neighbors within cosine distance 0.15; joining an existing neighbor's
// cluster if one has already formed, else minting a new cluster id, and
// propagating the recomputed convergence level to every member.
func (c *Consolidator) convergenceDetect(ctx context.Context) (map[string]any, error) {
	total, err := c.store.TotalTraceCount(ctx)
	if err != nil {
		return nil, err
	}
	if maturity.TierFor(total) == maturity.Seed {
		return map[string]any{"skipped": "seed_tier"}, nil
	}

	traces, err := c.store.EpisodicTraces(ctx)
	if err != nil {
		return nil, err
	}

	var embedded []*model.Trace
	for _, t := range traces {
		if !t.IsFlagged && len(t.Embedding) > 0 {
			embedded = append(embedded, t)
		}
	}

	// membersOf tracks every trace assigned to a cluster id during this
	// run, seeded from what's already persisted so a newly-unclustered
	// trace that joins an existing cluster propagates level correctly.
	membersOf := map[uuid.UUID][]*model.Trace{}
	for _, t := range embedded {
		if t.ConvergenceClusterID != nil {
			membersOf[*t.ConvergenceClusterID] = append(membersOf[*t.ConvergenceClusterID], t)
		}
	}

	clustersTouched := map[uuid.UUID]bool{}
	clustered := 0
	for _, t := range embedded {
		if t.ConvergenceClusterID != nil {
			continue // already clustered
		}

		neighbors := nearestNeighbors(t, embedded, convergenceNeighborLimit)
		if len(neighbors) == 0 {
			continue // no one within 0.15 cosine distance; stays unclustered
		}

		var clusterID uuid.UUID
		joined := false
		for _, n := range neighbors {
			if n.ConvergenceClusterID != nil {
				clusterID = *n.ConvergenceClusterID
				joined = true
				break
			}
		}
		if !joined {
			clusterID = uuid.New()
		}

		t.ConvergenceClusterID = &clusterID
		membersOf[clusterID] = append(membersOf[clusterID], t)
		for _, n := range neighbors {
			if n.ConvergenceClusterID == nil {
				n.ConvergenceClusterID = &clusterID
				membersOf[clusterID] = append(membersOf[clusterID], n)
			}
		}
		clustersTouched[clusterID] = true
	}

	for clusterID := range clustersTouched {
		members := dedupeByID(membersOf[clusterID])
		if len(members) < 2 {
			continue
		}
		level := convergenceLevel(members)
		for _, m := range members {
			if err := c.store.SetConvergence(ctx, m.ID, clusterID, level); err != nil {
				return nil, err
			}
			clustered++
		}
	}
	return map[string]any{"clusters_touched": len(clustersTouched), "traces_clustered": clustered}, nil
}

// nearestNeighbors returns every other embedded trace within cosine
// distance 0.15 of t, nearest first, capped at limit.
func nearestNeighbors(t *model.Trace, pool []*model.Trace, limit int) []*model.Trace {
	type scored struct {
		trace *model.Trace
		sim   float64
	}
	var hits []scored
	for _, other := range pool {
		if other.ID == t.ID {
			continue
		}
		sim := cosineSim(t.Embedding, other.Embedding)
		if sim >= convergenceSimilarityThreshold {
			hits = append(hits, scored{other, sim})
		}
	}
	sort.Slice(hits, func(i, j int) bool { return hits[i].sim > hits[j].sim })
	if len(hits) > limit {
		hits = hits[:limit]
	}
	out := make([]*model.Trace, len(hits))
	for i, h := range hits {
		out[i] = h.trace
	}
	return out
}

func dedupeByID(traces []*model.Trace) []*model.Trace {
	seen := map[uuid.UUID]bool{}
	var out []*model.Trace
	for _, t := range traces {
		if seen[t.ID] {
			continue
		}
		seen[t.ID] = true
		out = append(out, t)
	}
	return out
}

func convergenceLevel(cluster []*model.Trace) int {
	languages := map[string]struct{}{}
	frameworks := map[string]struct{}{}
	oses := map[string]struct{}{}

	for _, t := range cluster {
		if v := t.ContextFingerprint["language"]; v != "" {
			languages[v] = struct{}{}
		}
		if v := t.ContextFingerprint["framework"]; v != "" {
			frameworks[v] = struct{}{}
		}
		if v := t.ContextFingerprint["os"]; v != "" {
			oses[v] = struct{}{}
		}
	}

	switch {
	case len(languages) > 1:
		return 0 // universal
	case len(languages) <= 1 && len(frameworks) > 1:
		return 2 // stack-agnostic
	case len(languages) <= 1 && len(frameworks) <= 1 && len(oses) > 1:
		return 3 // env-agnostic
	default:
		return 4 // contextual
	}
}

// cosineSim uses gonum's floats.Dot/Norm (over a float64 copy, since vec0
// and the embedding port both deal in float32) rather than a hand-rolled
// accumulation loop.
func cosineSim(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	fa, fb := toFloat64(a), toFloat64(b)
	normA, normB := floats.Norm(fa, 2), floats.Norm(fb, 2)
	if normA == 0 || normB == 0 {
		return 0
	}
	return floats.Dot(fa, fb) / (normA * normB)
}

func toFloat64(v []float32) []float64 {
	out := make([]float64, len(v))
	for i, x := range v {
		out[i] = float64(x)
	}
	return out
}

// cosineDistance is 1 - cosine similarity.
func cosineDistance(a, b []float32) float64 {
	return 1 - cosineSim(a, b)
}
