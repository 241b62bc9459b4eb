// Package consolidate runs the knowledge base's periodic "sleep cycle":
// maturity probing, trust downscaling, temperature reclassification,
// CO_RETRIEVED edge consolidation, retrieval-log pruning, prospective
// memory review, convergence detection, pattern synthesis, contradiction/
// alternative detection, RIF shadow tracking, and tag trend computation.
// Grounded on consolidation_worker.py's orchestration shape (idempotency
// gate, per-job try/except so one failing sub-job doesn't sink the run)
// plus the individual convergence.py/pattern_synthesis.py/contradiction.py/
// rif.py/trends.py services, which this worker assembles together for the
// first time — the captured original never wired them into one run.
package consolidate

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/commontrace/engine/internal/maturity"
	"github.com/commontrace/engine/internal/model"
	"github.com/commontrace/engine/internal/store"
)

// defaultMinRunInterval is the idempotency-gate fallback used when a
// Consolidator is built with a zero interval (e.g. by tests or the
// one-shot CLI) rather than via config.Config.ConsolidationInterval.
const defaultMinRunInterval = 1 * time.Hour

const (
	logRetention       = 30 * 24 * time.Hour
	rifLossThreshold   = 3
	trendWindow        = 7 * 24 * time.Hour
	trendGrowthFactor  = 2.0
	trendMinCurrent    = 3
)

// Consolidator runs one sleep cycle against a store.
type Consolidator struct {
	store       *store.Store
	minInterval time.Duration
}

// New builds a Consolidator gated by the configured consolidation cadence.
// A zero interval falls back to defaultMinRunInterval.
func New(s *store.Store, interval time.Duration) *Consolidator {
	if interval <= 0 {
		interval = defaultMinRunInterval
	}
	return &Consolidator{store: s, minInterval: interval}
}

// Result summarizes one Run call, including the §8 "running consolidation
// twice inside the cadence window is a no-op" case.
type Result struct {
	Skipped bool
	RunID   uuid.UUID
	Status  model.ConsolidationRunStatus
	Stats   map[string]any
}

// Run executes one consolidation cycle, gated by the configured cadence,
// recording a ConsolidationRun audit row with per-sub-job stats. Each
// sub-job runs in isolation: one job's error is recorded and the rest
// still run, mirroring the original's per-job try/except.
func (c *Consolidator) Run(ctx context.Context) (Result, error) {
	if recent, err := c.store.MostRecentConsolidationRun(ctx); err == nil && recent.CompletedAt != nil {
		if time.Since(*recent.CompletedAt) < c.minInterval {
			log.Printf("[consolidate] skipping: last run completed %s ago", time.Since(*recent.CompletedAt))
			return Result{Skipped: true}, nil
		}
	}

	runID := uuid.New()
	startedAt := time.Now()
	if err := c.store.StartConsolidationRun(ctx, runID, startedAt); err != nil {
		return Result{}, fmt.Errorf("start run: %w", err)
	}

	stats := map[string]any{}
	var failures []string

	type job struct {
		name string
		fn   func(context.Context) (map[string]any, error)
	}
	jobs := []job{
		{"maturity_probe", c.maturityProbe},
		{"trust_downscale", c.trustDownscale},
		{"temperature_reclassify", c.temperatureReclassify},
		{"co_retrieved_edges", c.coRetrievedEdges},
		{"prune_logs", c.pruneLogs},
		{"prospective_memory", c.prospectiveMemory},
		{"convergence_detect", c.convergenceDetect},
		{"pattern_synthesis", c.patternSynthesis},
		{"contradiction_detect", c.contradictionDetect},
		{"rif_shadows", c.rifShadows},
		{"tag_trends", c.tagTrends},
	}

	for _, j := range jobs {
		jobStats, err := j.fn(ctx)
		if err != nil {
			log.Printf("[consolidate] sub-job %s failed: %v", j.name, err)
			failures = append(failures, j.name)
			continue
		}
		stats[j.name] = jobStats
	}

	status := model.RunCompleted
	if len(failures) > 0 {
		status = model.RunPartial
		stats["failed_jobs"] = failures
	}
	if err := c.store.FinishConsolidationRun(ctx, runID, time.Now(), status, stats); err != nil {
		return Result{}, err
	}
	return Result{RunID: runID, Status: status, Stats: stats}, nil
}

// maturityProbe just reports the knowledge base's current tier; the value
// is consumed live by trustDownscale and the HTTP trust-promotion path, not
// persisted here.
func (c *Consolidator) maturityProbe(ctx context.Context) (map[string]any, error) {
	total, err := c.store.TotalTraceCount(ctx)
	if err != nil {
		return nil, err
	}
	tier := maturity.TierFor(total)
	return map[string]any{"trace_count": total, "tier": string(tier)}, nil
}

// trustDownscale multiplies every positive trust_score by the current tier's
// decay multiplier (rows at or below zero are left as they are), skipped
// entirely in SEED so the only knowledge
// available isn't penalized while the base is still small.
func (c *Consolidator) trustDownscale(ctx context.Context) (map[string]any, error) {
	total, err := c.store.TotalTraceCount(ctx)
	if err != nil {
		return nil, err
	}
	tier := maturity.TierFor(total)
	if !maturity.ShouldApplyTemporalDecay(tier) {
		return map[string]any{"skipped": "seed_tier"}, nil
	}
	n, err := c.store.ApplyTrustMultiplier(ctx, maturity.DecayMultiplier(tier))
	if err != nil {
		return nil, err
	}
	return map[string]any{"traces_updated": n}, nil
}

// pruneLogs deletes retrieval logs past the retention window.
func (c *Consolidator) pruneLogs(ctx context.Context) (map[string]any, error) {
	n, err := c.store.PruneRetrievalLogs(ctx, time.Now().Add(-logRetention))
	if err != nil {
		return nil, err
	}
	return map[string]any{"logs_pruned": n}, nil
}

// prospectiveMemory marks traces whose review_after has passed as stale,
// surfacing them for a contributor to re-confirm or retire.
func (c *Consolidator) prospectiveMemory(ctx context.Context) (map[string]any, error) {
	due, err := c.store.TracesDueForReview(ctx, time.Now())
	if err != nil {
		return nil, err
	}
	g, gctx := errgroup.WithContext(ctx)
	for _, t := range due {
		t := t
		g.Go(func() error { return c.store.MarkStale(gctx, t.ID) })
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return map[string]any{"marked_stale": len(due)}, nil
}
