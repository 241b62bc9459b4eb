package consolidate

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/commontrace/engine/internal/model"
)

const coRetrievedType = model.RelCoRetrieved

// maxCoRetrievalPerSession caps each session's CO_RETRIEVED contribution to
// its first 10 distinct traces, mirroring the search path's own live
// side-effect cap (§4.2.d, §4.1 step 8c) so a single oversized page can't
// dominate the edge graph.
const maxCoRetrievalPerSession = 10

// coRetrievedEdges walks every search session from the last 30 days of
// retrieval logs and reinforces CO_RETRIEVED edges between traces that
// appeared together. The search path already bumps these live on every
// request (internal/sideeffects); this sub-job is the batch reconciliation
// pass, catching any dispatcher jobs that were dropped under load.
func (c *Consolidator) coRetrievedEdges(ctx context.Context) (map[string]any, error) {
	sessions, err := c.store.RecentSessionIDs(ctx, time.Now().Add(-logRetention))
	if err != nil {
		return nil, err
	}

	var edgesTouched int
	for _, sessionID := range sessions {
		logs, err := c.store.RetrievalLogsInSession(ctx, sessionID)
		if err != nil {
			continue
		}
		ids := distinctTraceIDs(logs, maxCoRetrievalPerSession)
		for i := 0; i < len(ids); i++ {
			for j := i + 1; j < len(ids); j++ {
				a, b := ids[i], ids[j]
				if err := c.store.BumpRelationshipStrength(ctx, a, b, coRetrievedType, 1); err == nil {
					edgesTouched++
				}
				if err := c.store.BumpRelationshipStrength(ctx, b, a, coRetrievedType, 1); err == nil {
					edgesTouched++
				}
			}
		}
	}
	return map[string]any{"sessions_scanned": len(sessions), "edges_touched": edgesTouched}, nil
}

func distinctTraceIDs(logs []*model.RetrievalLog, limit int) []uuid.UUID {
	seen := map[uuid.UUID]bool{}
	var ids []uuid.UUID
	for _, l := range logs {
		if seen[l.TraceID] {
			continue
		}
		seen[l.TraceID] = true
		ids = append(ids, l.TraceID)
		if len(ids) >= limit {
			break
		}
	}
	return ids
}

// rifShadows finds, per session, the winning trace (result position 0) and
// every trace it outranked (position > 0), tallies those (winner, loser)
// pairs across the scan window, and upserts any pair occurring at least
// rifLossThreshold times into rif_shadows (§4.2.j).
func (c *Consolidator) rifShadows(ctx context.Context) (map[string]any, error) {
	sessions, err := c.store.RecentSessionIDs(ctx, time.Now().Add(-logRetention))
	if err != nil {
		return nil, err
	}

	type pair struct{ loser, winner uuid.UUID }
	counts := map[pair]int{}

	for _, sessionID := range sessions {
		logs, err := c.store.RetrievalLogsInSession(ctx, sessionID)
		if err != nil {
			continue
		}
		var winner *uuid.UUID
		var losers []uuid.UUID
		for _, l := range logs {
			if l.ResultPosition == nil {
				continue
			}
			if *l.ResultPosition == 0 {
				id := l.TraceID
				winner = &id
			} else {
				losers = append(losers, l.TraceID)
			}
		}
		if winner == nil {
			continue
		}
		for _, loser := range losers {
			counts[pair{loser: loser, winner: *winner}]++
		}
	}

	now := time.Now()
	shadowsUpserted := 0
	for p, count := range counts {
		if count < rifLossThreshold {
			continue
		}
		if err := c.store.UpsertRifShadow(ctx, p.loser, p.winner, count, now); err != nil {
			return nil, err
		}
		shadowsUpserted++
	}
	return map[string]any{"sessions_scanned": len(sessions), "shadows_upserted": shadowsUpserted}, nil
}

// tagTrends computes each tag's growth rate over the trailing 7-day window
// compared to the 7 days before it, marking a tag trending when it more
// than doubles and has at least 3 occurrences in the current window.
func (c *Consolidator) tagTrends(ctx context.Context) (map[string]any, error) {
	now := time.Now()
	currentStart := now.Add(-trendWindow)
	priorStart := currentStart.Add(-trendWindow)

	current, err := c.store.TagCountInWindow(ctx, currentStart, now)
	if err != nil {
		return nil, err
	}
	prior, err := c.store.TagCountInWindow(ctx, priorStart, currentStart)
	if err != nil {
		return nil, err
	}

	trending := 0
	for tag, count := range current {
		priorCount := prior[tag]
		denom := priorCount
		if denom < 1 {
			denom = 1
		}
		growthRate := float64(count) / float64(denom)
		isTrending := growthRate > trendGrowthFactor && count >= trendMinCurrent
		if isTrending {
			trending++
		}
		record := &model.TagTrend{
			TagName:          tag,
			PeriodStart:      currentStart,
			PeriodEnd:        now,
			TraceCountPeriod: count,
			TraceCountPrior:  priorCount,
			GrowthRate:       growthRate,
			IsTrending:       isTrending,
		}
		if err := c.store.UpsertTagTrend(ctx, record); err != nil {
			return nil, err
		}
	}
	return map[string]any{"tags_scanned": len(current), "tags_trending": trending}, nil
}
