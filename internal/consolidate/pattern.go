package consolidate

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/commontrace/engine/internal/model"
)

const (
	patternMinClusterSize = 3
	patternMinAvgTrust    = 0.5
	contradictionDistanceThreshold = 0.4
	contradictionHighTrust         = 1.0
	contradictionLowTrust          = -0.5
)

// clustersByID groups every non-flagged episodic trace with a cluster
// assignment, as left by convergenceDetect, keyed by cluster id.
func clustersByID(traces []*model.Trace) map[uuid.UUID][]*model.Trace {
	out := map[uuid.UUID][]*model.Trace{}
	for _, t := range traces {
		if t.IsFlagged || t.TraceType != model.TraceTypeEpisodic || t.ConvergenceClusterID == nil {
			continue
		}
		out[*t.ConvergenceClusterID] = append(out[*t.ConvergenceClusterID], t)
	}
	return out
}

// patternSynthesis finds clusters of at least 3 episodic, non-flagged
// members averaging trust_score >= 0.5 that have no synthesized pattern
// trace yet, and structurally assembles one — no LLM involved (§4.2.h).
func (c *Consolidator) patternSynthesis(ctx context.Context) (map[string]any, error) {
	all, err := c.store.AllTraces(ctx)
	if err != nil {
		return nil, err
	}

	existingPatternClusters := map[uuid.UUID]bool{}
	for _, t := range all {
		if t.TraceType == model.TraceTypePattern && t.ConvergenceClusterID != nil {
			existingPatternClusters[*t.ConvergenceClusterID] = true
		}
	}

	synthesized := 0
	for clusterID, members := range clustersByID(all) {
		if existingPatternClusters[clusterID] {
			continue
		}
		if len(members) < patternMinClusterSize {
			continue
		}
		if avgTrust(members) < patternMinAvgTrust {
			continue
		}

		pattern := synthesizePattern(clusterID, members)
		if err := c.store.CreatePatternTrace(ctx, pattern); err != nil {
			return nil, err
		}
		for _, m := range members {
			if err := c.store.UpsertRelationship(ctx, pattern.ID, m.ID, model.RelPatternSource, 1.0); err != nil {
				return nil, err
			}
		}
		synthesized++
	}
	return map[string]any{"clusters_considered": len(clustersByID(all)), "patterns_synthesized": synthesized}, nil
}

func avgTrust(members []*model.Trace) float64 {
	var sum float64
	for _, m := range members {
		sum += m.TrustScore
	}
	return sum / float64(len(members))
}

// synthesizePattern assembles one pattern trace from a cluster, choosing
// the highest-trust member as exemplar and pulling supporting snippets from
// the rest.
func synthesizePattern(clusterID uuid.UUID, members []*model.Trace) *model.Trace {
	byTrust := append([]*model.Trace(nil), members...)
	sort.Slice(byTrust, func(i, j int) bool { return byTrust[i].TrustScore > byTrust[j].TrustScore })
	exemplar := byTrust[0]

	title := truncate(fmt.Sprintf("Pattern: %s", exemplar.Title), 500)

	context := fmt.Sprintf("Observed across %d traces…", len(members))
	for _, m := range topN(byTrust[1:], 3) {
		context += " " + truncate(m.ContextText, 300)
	}

	solution := exemplar.SolutionText
	for _, m := range topN(byTrust[1:], 3) {
		if m.SolutionText != "" && m.SolutionText != exemplar.SolutionText {
			solution += " " + truncate(m.SolutionText, 200)
		}
	}

	impact := highestImpact(members)
	depth := 0
	somatic := 0.0
	for _, m := range members {
		if m.DepthScore > depth {
			depth = m.DepthScore
		}
		if m.SomaticIntensity > somatic {
			somatic = m.SomaticIntensity
		}
	}

	cid := clusterID
	now := time.Now()
	return &model.Trace{
		ID:                   uuid.New(),
		Title:                title,
		ContextText:          context,
		SolutionText:         solution,
		CreatedAt:            now,
		UpdatedAt:            now,
		TrustScore:           0.8 * avgTrust(members),
		DepthScore:           depth,
		SomaticIntensity:     somatic,
		ImpactLevel:          impact,
		Status:               model.StatusValidated,
		MemoryTemperature:    temperaturePtr(model.TemperatureWarm),
		ConvergenceClusterID: &cid,
		Tags:                 topTags(members, 10),
	}
}

func topN(traces []*model.Trace, n int) []*model.Trace {
	if len(traces) > n {
		return traces[:n]
	}
	return traces
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

func highestImpact(members []*model.Trace) model.ImpactLevel {
	rank := map[model.ImpactLevel]int{
		model.ImpactCritical: 3, model.ImpactHigh: 2, model.ImpactNormal: 1, model.ImpactLow: 0,
	}
	best := model.ImpactLow
	bestRank := -1
	for _, m := range members {
		if r, ok := rank[m.ImpactLevel]; ok && r > bestRank {
			bestRank = r
			best = m.ImpactLevel
		}
	}
	return best
}

func topTags(members []*model.Trace, n int) []string {
	counts := map[string]int{}
	for _, m := range members {
		for _, tag := range m.Tags {
			counts[tag]++
		}
	}
	tags := make([]string, 0, len(counts))
	for tag := range counts {
		tags = append(tags, tag)
	}
	sort.Slice(tags, func(i, j int) bool {
		if counts[tags[i]] != counts[tags[j]] {
			return counts[tags[i]] > counts[tags[j]]
		}
		return tags[i] < tags[j]
	})
	if len(tags) > n {
		tags = tags[:n]
	}
	return tags
}

func temperaturePtr(t model.Temperature) *model.Temperature { return &t }

// contradictionDetect walks every pair inside a cluster and, where the
// solution embeddings (falling back to the main embedding) sit beyond
// cosine distance 0.4, upserts a bidirectional ALTERNATIVE_TO edge; if one
// side's trust is also > 1.0 and the other's < -0.5, it upserts CONTRADICTS
// too (§4.2.i).
func (c *Consolidator) contradictionDetect(ctx context.Context) (map[string]any, error) {
	all, err := c.store.AllTraces(ctx)
	if err != nil {
		return nil, err
	}

	alternatives := 0
	contradictions := 0
	for _, members := range clustersByID(all) {
		for i := 0; i < len(members); i++ {
			for j := i + 1; j < len(members); j++ {
				a, b := members[i], members[j]
				dist := cosineDistance(solutionOrContextEmbedding(a), solutionOrContextEmbedding(b))
				if dist <= contradictionDistanceThreshold {
					continue
				}

				if err := c.store.UpsertRelationship(ctx, a.ID, b.ID, model.RelAlternativeTo, 1.0); err != nil {
					return nil, err
				}
				if err := c.store.UpsertRelationship(ctx, b.ID, a.ID, model.RelAlternativeTo, 1.0); err != nil {
					return nil, err
				}
				alternatives++

				if isContradiction(a, b) {
					if err := c.store.UpsertRelationship(ctx, a.ID, b.ID, model.RelContradicts, 1.0); err != nil {
						return nil, err
					}
					if err := c.store.UpsertRelationship(ctx, b.ID, a.ID, model.RelContradicts, 1.0); err != nil {
						return nil, err
					}
					contradictions++
				}
			}
		}
	}
	return map[string]any{"alternatives_found": alternatives, "contradictions_found": contradictions}, nil
}

func solutionOrContextEmbedding(t *model.Trace) []float32 {
	if len(t.SolutionEmbedding) > 0 {
		return t.SolutionEmbedding
	}
	return t.Embedding
}

func isContradiction(a, b *model.Trace) bool {
	return (a.TrustScore > contradictionHighTrust && b.TrustScore < contradictionLowTrust) ||
		(b.TrustScore > contradictionHighTrust && a.TrustScore < contradictionLowTrust)
}
