// Package activation implements single-hop spreading activation (§4.1 step
// 6): traces connected to a search result's top sources by a CO_RETRIEVED
// or SUPERSEDES edge get pulled into the result set with a small score
// boost. Grounded on the original activation.py's boost formula and caps,
// adapted down to a single hop — the teacher's own internal/graph
// multi-iteration spreading activation recurses, which this deliberately
// does not.
package activation

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/commontrace/engine/internal/model"
	"github.com/commontrace/engine/internal/rank"
)

const (
	maxSources  = 20
	maxNeighbors = 50
	maxBoost    = 0.15
)

var neighborTypes = []model.RelationshipType{model.RelCoRetrieved, model.RelSupersedes}

// Store is the slice of persistence spreading activation needs.
type Store interface {
	RelationshipsFromMany(ctx context.Context, sourceIDs []uuid.UUID, types []model.RelationshipType, limit int) ([]*model.TraceRelationship, error)
	GetTrace(ctx context.Context, id uuid.UUID) (*model.Trace, error)
}

// Apply spreads activation from the top-ranked results (at most maxSources
// of them) to their neighbors (at most maxNeighbors total), merges any new
// traces into the result set, and returns the combined, re-sorted slice.
// now and searcherFP are forwarded to rank.BaseScore for neighbors pulled in
// fresh, which were never directly scored against the query.
func Apply(ctx context.Context, s Store, results []*model.SearchResult, now time.Time, searcherFP map[string]string) ([]*model.SearchResult, error) {
	if len(results) == 0 {
		return results, nil
	}

	sources := results
	if len(sources) > maxSources {
		sources = sources[:maxSources]
	}

	sourceIDs := make([]uuid.UUID, len(sources))
	topScore := 0.0
	present := map[uuid.UUID]*model.SearchResult{}
	for i, r := range sources {
		sourceIDs[i] = r.Trace.ID
		if r.Score > topScore {
			topScore = r.Score
		}
	}
	for _, r := range results {
		present[r.Trace.ID] = r
	}
	if topScore == 0 {
		topScore = 1
	}

	edges, err := s.RelationshipsFromMany(ctx, sourceIDs, neighborTypes, maxNeighbors)
	if err != nil {
		return results, err
	}
	if len(edges) == 0 {
		return results, nil
	}

	maxStrength := 0.0
	for _, e := range edges {
		if e.Strength > maxStrength {
			maxStrength = e.Strength
		}
	}
	if maxStrength == 0 {
		maxStrength = 1
	}

	scoreBySource := map[uuid.UUID]float64{}
	for _, r := range sources {
		scoreBySource[r.Trace.ID] = r.Score
	}

	// baseScore holds each present result's pre-activation score so a
	// second, larger boost recomputes from the original rather than
	// compounding on top of the previous boost's multiplication.
	baseScore := map[uuid.UUID]float64{}
	for _, r := range results {
		if r.ActivationBoost > 0 {
			baseScore[r.Trace.ID] = r.Score / (1 + r.ActivationBoost)
		} else {
			baseScore[r.Trace.ID] = r.Score
		}
	}

	for _, e := range edges {
		sourceScore, ok := scoreBySource[e.SourceID]
		if !ok {
			continue
		}
		scoreRatio := sourceScore / topScore
		strengthRatio := e.Strength / maxStrength
		boost := maxBoost * scoreRatio * strengthRatio
		if boost > maxBoost {
			boost = maxBoost
		}

		if existing, ok := present[e.TargetID]; ok {
			if boost > existing.ActivationBoost {
				existing.ActivationBoost = boost
				existing.Score = baseScore[e.TargetID] * (1 + boost)
			}
			continue
		}

		neighbor, err := s.GetTrace(ctx, e.TargetID)
		if err != nil {
			continue
		}
		if neighbor.IsFlagged {
			// The store's neighbor fetch already filters flagged targets;
			// this guards the invariant when Apply runs against a Store
			// implementation that doesn't.
			continue
		}
		base := rank.BaseScore(now, neighbor, searcherFP)
		baseScore[e.TargetID] = base
		nr := &model.SearchResult{
			Trace:           neighbor,
			ActivationBoost: boost,
			Score:           base * (1 + boost),
		}
		present[e.TargetID] = nr
		results = append(results, nr)
	}

	sort.SliceStable(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].Trace.ID.String() < results[j].Trace.ID.String()
	})
	return results, nil
}
