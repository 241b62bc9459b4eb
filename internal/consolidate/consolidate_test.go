package consolidate

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/commontrace/engine/internal/model"
	"github.com/commontrace/engine/internal/store"
)

func setupTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(t.TempDir())
	if err != nil {
		t.Fatalf("Failed to open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func addTrace(t *testing.T, s *store.Store, tr *model.Trace) {
	t.Helper()
	if tr.ID == (uuid.UUID{}) {
		tr.ID = uuid.New()
	}
	if tr.ContributorID == (uuid.UUID{}) {
		tr.ContributorID = uuid.New()
	}
	if tr.CreatedAt.IsZero() {
		tr.CreatedAt = time.Now()
	}
	tr.UpdatedAt = tr.CreatedAt
	if tr.Status == "" {
		tr.Status = model.StatusPending
	}
	if tr.ImpactLevel == "" {
		tr.ImpactLevel = model.ImpactNormal
	}
	if tr.TraceType == "" {
		tr.TraceType = model.TraceTypeEpisodic
	}
	if err := s.CreateTrace(context.Background(), tr); err != nil {
		t.Fatalf("CreateTrace failed: %v", err)
	}
}

func logRetrievals(t *testing.T, s *store.Store, sessionID string, at time.Time, ids ...uuid.UUID) {
	t.Helper()
	for i, id := range ids {
		pos := i
		if err := s.InsertRetrievalLog(context.Background(), &model.RetrievalLog{
			TraceID: id, SearchSessionID: sessionID, ResultPosition: &pos, RetrievedAt: at,
		}); err != nil {
			t.Fatalf("InsertRetrievalLog failed: %v", err)
		}
	}
}

func TestRunRecordsAuditAndSkipsWithinCadence(t *testing.T) {
	s := setupTestStore(t)
	c := New(s, 6*time.Hour)
	ctx := context.Background()

	first, err := c.Run(ctx)
	if err != nil {
		t.Fatalf("first Run failed: %v", err)
	}
	if first.Skipped {
		t.Fatal("first run must not be skipped")
	}
	if first.Status != model.RunCompleted {
		t.Fatalf("first run status = %s, want completed (stats: %v)", first.Status, first.Stats)
	}

	// A second run inside the cadence window is a no-op.
	second, err := c.Run(ctx)
	if err != nil {
		t.Fatalf("second Run failed: %v", err)
	}
	if !second.Skipped {
		t.Error("second run within cadence window must be skipped")
	}
}

func TestTemperatureReclassify(t *testing.T) {
	s := setupTestStore(t)
	c := New(s, time.Hour)
	ctx := context.Background()

	now := time.Now()
	longAgo := now.AddDate(0, 0, -200)
	recent := now.AddDate(0, 0, -5)

	frozen := &model.Trace{Title: "frozen", ContextText: "c", SolutionText: "s",
		CreatedAt: now.AddDate(0, 0, -300), LastRetrievedAt: &longAgo, RetrievalCount: 1, TrustScore: -1.5}
	hot := &model.Trace{Title: "hot", ContextText: "c", SolutionText: "s",
		CreatedAt: now.AddDate(0, 0, -300), LastRetrievedAt: &recent, RetrievalCount: 1, TrustScore: 0.5}
	flaggable := &model.Trace{Title: "distrusted", ContextText: "c", SolutionText: "s",
		CreatedAt: now, TrustScore: -3}

	for _, tr := range []*model.Trace{frozen, hot, flaggable} {
		addTrace(t, s, tr)
	}

	if _, err := c.temperatureReclassify(ctx); err != nil {
		t.Fatalf("temperatureReclassify failed: %v", err)
	}

	got, _ := s.GetTrace(ctx, frozen.ID)
	if got.MemoryTemperature == nil || *got.MemoryTemperature != model.TemperatureFrozen {
		t.Errorf("expected FROZEN, got %v", got.MemoryTemperature)
	}
	if !got.IsStale {
		t.Error("FROZEN trace must be marked stale")
	}

	got, _ = s.GetTrace(ctx, hot.ID)
	if got.MemoryTemperature == nil || *got.MemoryTemperature != model.TemperatureHot {
		t.Errorf("expected HOT, got %v", got.MemoryTemperature)
	}

	got, _ = s.GetTrace(ctx, flaggable.ID)
	if !got.IsFlagged || got.FlaggedAt == nil {
		t.Error("trust < -2 trace must be flagged with a timestamp")
	}
}

func TestCoRetrievedEdgesSymmetric(t *testing.T) {
	s := setupTestStore(t)
	c := New(s, time.Hour)
	ctx := context.Background()

	t1 := &model.Trace{Title: "t1", ContextText: "c", SolutionText: "s"}
	t2 := &model.Trace{Title: "t2", ContextText: "c", SolutionText: "s"}
	t3 := &model.Trace{Title: "t3", ContextText: "c", SolutionText: "s"}
	for _, tr := range []*model.Trace{t1, t2, t3} {
		addTrace(t, s, tr)
	}
	logRetrievals(t, s, "session-abc", time.Now(), t1.ID, t2.ID, t3.ID)

	if _, err := c.coRetrievedEdges(ctx); err != nil {
		t.Fatalf("coRetrievedEdges failed: %v", err)
	}

	// All three unordered pairs, both directions, strength >= 1.
	pairs := [][2]uuid.UUID{{t1.ID, t2.ID}, {t1.ID, t3.ID}, {t2.ID, t3.ID}}
	for _, p := range pairs {
		for _, dir := range [][2]uuid.UUID{{p[0], p[1]}, {p[1], p[0]}} {
			rels, err := s.RelationshipsFrom(ctx, dir[0], []model.RelationshipType{model.RelCoRetrieved})
			if err != nil {
				t.Fatalf("RelationshipsFrom failed: %v", err)
			}
			found := false
			for _, r := range rels {
				if r.TargetID == dir[1] && r.Strength >= 1 {
					found = true
				}
			}
			if !found {
				t.Errorf("missing CO_RETRIEVED edge %s -> %s", dir[0], dir[1])
			}
		}
	}
}

func TestProspectiveMemory(t *testing.T) {
	s := setupTestStore(t)
	c := New(s, time.Hour)
	ctx := context.Background()

	past := time.Now().Add(-time.Hour)
	future := time.Now().Add(24 * time.Hour)
	due := &model.Trace{Title: "due", ContextText: "c", SolutionText: "s", ReviewAfter: &past}
	notDue := &model.Trace{Title: "not due", ContextText: "c", SolutionText: "s", ReviewAfter: &future}
	addTrace(t, s, due)
	addTrace(t, s, notDue)

	stats, err := c.prospectiveMemory(ctx)
	if err != nil {
		t.Fatalf("prospectiveMemory failed: %v", err)
	}
	if stats["marked_stale"] != 1 {
		t.Errorf("marked_stale = %v, want 1", stats["marked_stale"])
	}

	got, _ := s.GetTrace(ctx, due.ID)
	if !got.IsStale {
		t.Error("due trace not marked stale")
	}
	if got.MemoryTemperature == nil || *got.MemoryTemperature != model.TemperatureFrozen {
		t.Error("due trace not frozen")
	}
	got, _ = s.GetTrace(ctx, notDue.ID)
	if got.IsStale {
		t.Error("future review_after trace wrongly marked stale")
	}
}

func TestPatternSynthesisAndIdempotence(t *testing.T) {
	s := setupTestStore(t)
	c := New(s, time.Hour)
	ctx := context.Background()

	clusterID := uuid.New()
	lvl := 4
	for i := 0; i < 3; i++ {
		tr := &model.Trace{
			Title: "fix connection pooling", ContextText: "pool exhausted under load",
			SolutionText: "raise pool size and add pre-ping", TrustScore: 1.0,
			ConvergenceClusterID: &clusterID, ConvergenceLevel: &lvl,
			Tags: []string{"python", "sqlalchemy"},
		}
		addTrace(t, s, tr)
	}

	stats, err := c.patternSynthesis(ctx)
	if err != nil {
		t.Fatalf("patternSynthesis failed: %v", err)
	}
	if stats["patterns_synthesized"] != 1 {
		t.Fatalf("patterns_synthesized = %v, want 1", stats["patterns_synthesized"])
	}

	all, err := s.AllTraces(ctx)
	if err != nil {
		t.Fatalf("AllTraces failed: %v", err)
	}
	var pattern *model.Trace
	for _, tr := range all {
		if tr.TraceType == model.TraceTypePattern {
			pattern = tr
		}
	}
	if pattern == nil {
		t.Fatal("no pattern trace created")
	}
	if pattern.ContributorID != model.SystemUserID {
		t.Errorf("pattern contributor = %s, want system user", pattern.ContributorID)
	}
	if pattern.Status != model.StatusValidated {
		t.Errorf("pattern status = %s, want validated", pattern.Status)
	}
	if pattern.ConvergenceClusterID == nil || *pattern.ConvergenceClusterID != clusterID {
		t.Error("pattern missing cluster id")
	}
	if pattern.TrustScore != 0.8 {
		t.Errorf("pattern trust = %f, want 0.8 (80%% of avg 1.0)", pattern.TrustScore)
	}

	rels, err := s.RelationshipsFrom(ctx, pattern.ID, []model.RelationshipType{model.RelPatternSource})
	if err != nil {
		t.Fatalf("RelationshipsFrom failed: %v", err)
	}
	if len(rels) != 3 {
		t.Errorf("expected PATTERN_SOURCE edges to all 3 members, got %d", len(rels))
	}

	// Re-running must not create a second pattern for the same cluster.
	stats, err = c.patternSynthesis(ctx)
	if err != nil {
		t.Fatalf("second patternSynthesis failed: %v", err)
	}
	if stats["patterns_synthesized"] != 0 {
		t.Errorf("second run synthesized %v patterns, want 0", stats["patterns_synthesized"])
	}
}

func TestPatternSynthesisSkipsLowTrust(t *testing.T) {
	s := setupTestStore(t)
	c := New(s, time.Hour)
	ctx := context.Background()

	clusterID := uuid.New()
	for i := 0; i < 3; i++ {
		addTrace(t, s, &model.Trace{
			Title: "weak", ContextText: "c", SolutionText: "s",
			TrustScore: 0.1, ConvergenceClusterID: &clusterID,
		})
	}
	stats, err := c.patternSynthesis(ctx)
	if err != nil {
		t.Fatalf("patternSynthesis failed: %v", err)
	}
	if stats["patterns_synthesized"] != 0 {
		t.Errorf("low-trust cluster synthesized a pattern")
	}
}

func TestConvergenceLevel(t *testing.T) {
	fp := func(lang, fw, os string) map[string]string {
		m := map[string]string{}
		if lang != "" {
			m["language"] = lang
		}
		if fw != "" {
			m["framework"] = fw
		}
		if os != "" {
			m["os"] = os
		}
		return m
	}
	mk := func(fps ...map[string]string) []*model.Trace {
		out := make([]*model.Trace, len(fps))
		for i, f := range fps {
			out[i] = &model.Trace{ID: uuid.New(), ContextFingerprint: f}
		}
		return out
	}

	// Same language+framework everywhere: contextual.
	same := mk(fp("python", "fastapi", ""), fp("python", "fastapi", ""), fp("python", "fastapi", ""))
	if got := convergenceLevel(same); got != 4 {
		t.Errorf("homogeneous cluster level = %d, want 4", got)
	}

	// Adding a Go/Gin member crosses the language boundary: universal.
	crossLang := append(same, &model.Trace{ID: uuid.New(), ContextFingerprint: fp("go", "gin", "")})
	if got := convergenceLevel(crossLang); got != 0 {
		t.Errorf("cross-language cluster level = %d, want 0", got)
	}

	// One language, several frameworks: stack-agnostic.
	crossFw := mk(fp("python", "fastapi", ""), fp("python", "django", ""))
	if got := convergenceLevel(crossFw); got != 2 {
		t.Errorf("cross-framework cluster level = %d, want 2", got)
	}

	// One language, one framework, several OSes: env-agnostic.
	crossOS := mk(fp("python", "fastapi", "linux"), fp("python", "fastapi", "macos"))
	if got := convergenceLevel(crossOS); got != 3 {
		t.Errorf("cross-os cluster level = %d, want 3", got)
	}

	// No context at all: contextual.
	if got := convergenceLevel(mk(nil, nil)); got != 4 {
		t.Errorf("contextless cluster level = %d, want 4", got)
	}
}

func TestConvergenceDetectSkipsSeedTier(t *testing.T) {
	s := setupTestStore(t)
	c := New(s, time.Hour)
	ctx := context.Background()

	addTrace(t, s, &model.Trace{Title: "only one", ContextText: "c", SolutionText: "s",
		Embedding: []float32{1, 0, 0}})

	stats, err := c.convergenceDetect(ctx)
	if err != nil {
		t.Fatalf("convergenceDetect failed: %v", err)
	}
	if stats["skipped"] != "seed_tier" {
		t.Errorf("expected seed-tier skip, got %v", stats)
	}
}

func TestNearestNeighbors(t *testing.T) {
	base := &model.Trace{ID: uuid.New(), Embedding: []float32{1, 0, 0}}
	close1 := &model.Trace{ID: uuid.New(), Embedding: []float32{0.99, 0.14, 0}}
	far := &model.Trace{ID: uuid.New(), Embedding: []float32{0, 1, 0}}

	got := nearestNeighbors(base, []*model.Trace{base, close1, far}, 50)
	if len(got) != 1 || got[0].ID != close1.ID {
		t.Errorf("expected only the close neighbor, got %d", len(got))
	}
}

func TestContradictionDetect(t *testing.T) {
	s := setupTestStore(t)
	c := New(s, time.Hour)
	ctx := context.Background()

	clusterID := uuid.New()
	// Same problem, orthogonal solutions, opposite community verdicts.
	good := &model.Trace{Title: "good", ContextText: "c", SolutionText: "use prepared statements",
		TrustScore: 2.0, ConvergenceClusterID: &clusterID, SolutionEmbedding: []float32{1, 0, 0}}
	bad := &model.Trace{Title: "bad", ContextText: "c", SolutionText: "escape by hand",
		TrustScore: -1.0, ConvergenceClusterID: &clusterID, SolutionEmbedding: []float32{0, 1, 0}}
	addTrace(t, s, good)
	addTrace(t, s, bad)

	stats, err := c.contradictionDetect(ctx)
	if err != nil {
		t.Fatalf("contradictionDetect failed: %v", err)
	}
	if stats["alternatives_found"] != 1 || stats["contradictions_found"] != 1 {
		t.Fatalf("stats = %v, want 1 alternative and 1 contradiction", stats)
	}

	for _, src := range []uuid.UUID{good.ID, bad.ID} {
		rels, err := s.RelationshipsFrom(ctx, src, []model.RelationshipType{model.RelAlternativeTo, model.RelContradicts})
		if err != nil {
			t.Fatalf("RelationshipsFrom failed: %v", err)
		}
		if len(rels) != 2 {
			t.Errorf("expected ALTERNATIVE_TO + CONTRADICTS from %s, got %d edges", src, len(rels))
		}
	}
}

func TestRifShadows(t *testing.T) {
	s := setupTestStore(t)
	c := New(s, time.Hour)
	ctx := context.Background()

	winner := &model.Trace{Title: "winner", ContextText: "c", SolutionText: "s"}
	loser := &model.Trace{Title: "loser", ContextText: "c", SolutionText: "s"}
	addTrace(t, s, winner)
	addTrace(t, s, loser)

	// The same winner/loser pair across three sessions crosses the
	// threshold; a fourth session with a different winner does not.
	now := time.Now()
	for i := 0; i < 3; i++ {
		logRetrievals(t, s, uuid.New().String(), now, winner.ID, loser.ID)
	}
	logRetrievals(t, s, uuid.New().String(), now, loser.ID, winner.ID)

	stats, err := c.rifShadows(ctx)
	if err != nil {
		t.Fatalf("rifShadows failed: %v", err)
	}
	if stats["shadows_upserted"] != 1 {
		t.Fatalf("shadows_upserted = %v, want 1", stats["shadows_upserted"])
	}

	shadows, err := s.RifShadowsAbove(ctx, rifLossThreshold)
	if err != nil {
		t.Fatalf("RifShadowsAbove failed: %v", err)
	}
	if len(shadows) != 1 {
		t.Fatalf("expected 1 shadow, got %d", len(shadows))
	}
	if shadows[0].LoserID != loser.ID || shadows[0].WinnerID != winner.ID {
		t.Error("shadow pair inverted")
	}
	if shadows[0].LossCount != 3 {
		t.Errorf("loss_count = %d, want 3", shadows[0].LossCount)
	}
}

func TestTagTrends(t *testing.T) {
	s := setupTestStore(t)
	c := New(s, time.Hour)
	ctx := context.Background()

	now := time.Now()
	// "surge" appears on 3 traces this week against 1 last week (x3 growth,
	// trending); "steady" appears once in each window.
	for i := 0; i < 3; i++ {
		addTrace(t, s, &model.Trace{Title: "new", ContextText: "c", SolutionText: "s",
			CreatedAt: now.AddDate(0, 0, -1), Tags: []string{"surge"}})
	}
	addTrace(t, s, &model.Trace{Title: "old surge", ContextText: "c", SolutionText: "s",
		CreatedAt: now.AddDate(0, 0, -10), Tags: []string{"surge"}})
	addTrace(t, s, &model.Trace{Title: "steady new", ContextText: "c", SolutionText: "s",
		CreatedAt: now.AddDate(0, 0, -1), Tags: []string{"steady"}})
	addTrace(t, s, &model.Trace{Title: "steady old", ContextText: "c", SolutionText: "s",
		CreatedAt: now.AddDate(0, 0, -10), Tags: []string{"steady"}})

	stats, err := c.tagTrends(ctx)
	if err != nil {
		t.Fatalf("tagTrends failed: %v", err)
	}
	if stats["tags_trending"] != 1 {
		t.Errorf("tags_trending = %v, want 1", stats["tags_trending"])
	}

	trending, err := s.TrendingTags(ctx)
	if err != nil {
		t.Fatalf("TrendingTags failed: %v", err)
	}
	if len(trending) != 1 || trending[0].TagName != "surge" {
		t.Fatalf("trending = %v, want [surge]", trending)
	}
	if trending[0].GrowthRate != 3.0 {
		t.Errorf("growth_rate = %f, want 3", trending[0].GrowthRate)
	}
}

func TestTrustDownscaleSkippedInSeed(t *testing.T) {
	s := setupTestStore(t)
	c := New(s, time.Hour)
	ctx := context.Background()

	tr := &model.Trace{Title: "t", ContextText: "c", SolutionText: "s", TrustScore: 2.0}
	addTrace(t, s, tr)

	stats, err := c.trustDownscale(ctx)
	if err != nil {
		t.Fatalf("trustDownscale failed: %v", err)
	}
	if stats["skipped"] != "seed_tier" {
		t.Errorf("expected seed-tier skip, got %v", stats)
	}

	got, _ := s.GetTrace(ctx, tr.ID)
	if got.TrustScore != 2.0 {
		t.Errorf("seed-tier downscale mutated trust: %f", got.TrustScore)
	}
}
