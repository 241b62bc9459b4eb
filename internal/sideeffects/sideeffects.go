// Package sideeffects fires the fire-and-forget writes a search response
// triggers (retrieval counter bump, retrieval log, CO_RETRIEVED edge
// upserts) on a tracked, bounded goroutine set so the process can still
// wait for them to drain on shutdown instead of losing them outright.
// Grounded on the original retrieval.py's `_track_task` helper (same name,
// same "don't let the garbage collector eat a fire-and-forget task" intent)
// and the teacher's internal/focus/queue.go bounded, mutex-guarded,
// notify-channel idiom, adapted here from a priority queue to an in-flight
// task counter.
package sideeffects

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/commontrace/engine/internal/model"
)

// Store is the slice of persistence the dispatcher's tracked jobs need.
type Store interface {
	BumpRetrieval(ctx context.Context, id uuid.UUID, at time.Time) error
	InsertRetrievalLog(ctx context.Context, l *model.RetrievalLog) error
	BumpRelationshipStrength(ctx context.Context, sourceID, targetID uuid.UUID, relType model.RelationshipType, delta float64) error
}

const defaultMaxInFlight = 64

// Dispatcher bounds how many side-effect goroutines run at once and lets
// the owner wait for the current batch to settle.
type Dispatcher struct {
	store Store
	sem   chan struct{}
	wg    sync.WaitGroup

	mu      sync.Mutex
	dropped int
}

// NewDispatcher builds a Dispatcher backed by store, capped at maxInFlight
// concurrent tracked jobs (defaultMaxInFlight if maxInFlight <= 0).
func NewDispatcher(store Store, maxInFlight int) *Dispatcher {
	if maxInFlight <= 0 {
		maxInFlight = defaultMaxInFlight
	}
	return &Dispatcher{store: store, sem: make(chan struct{}, maxInFlight)}
}

// Track launches fn on its own goroutine with a fresh context (detached
// from the request that triggered it), tracked by the dispatcher's
// WaitGroup. If the dispatcher is already at capacity, the job is dropped
// and counted rather than blocking the caller — search responses must not
// wait on telemetry.
func (d *Dispatcher) Track(label string, fn func(ctx context.Context) error) {
	select {
	case d.sem <- struct{}{}:
	default:
		d.mu.Lock()
		d.dropped++
		d.mu.Unlock()
		log.Printf("[sideeffects] dropped %s: dispatcher at capacity", label)
		return
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer func() { <-d.sem }()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := fn(ctx); err != nil {
			log.Printf("[sideeffects] %s failed: %v", label, err)
		}
	}()
}

// Dropped returns how many jobs were skipped because the dispatcher was at
// capacity, for metrics reporting.
func (d *Dispatcher) Dropped() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dropped
}

// Wait blocks until every tracked job finishes or ctx is done, whichever
// comes first. Used during graceful shutdown.
func (d *Dispatcher) Wait(ctx context.Context) {
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}
}

// RecordRetrieval bumps every returned trace's retrieval stats, writes one
// retrieval log per trace, and strengthens CO_RETRIEVED edges between every
// pair that appeared together in the same response — the three writes the
// original's router fires after assembling a search response, all tracked
// rather than awaited.
func (d *Dispatcher) RecordRetrieval(sessionID string, traceIDs []uuid.UUID, at time.Time) {
	for i, id := range traceIDs {
		id := id
		pos := i
		d.Track("bump_retrieval", func(ctx context.Context) error {
			return d.store.BumpRetrieval(ctx, id, at)
		})
		d.Track("insert_retrieval_log", func(ctx context.Context) error {
			return d.store.InsertRetrievalLog(ctx, &model.RetrievalLog{
				TraceID:         id,
				SearchSessionID: sessionID,
				ResultPosition:  &pos,
				RetrievedAt:     at,
			})
		})
	}

	// §4.1 step 8c: co-retrieval pairing is capped to the first 10
	// returned traces, not the whole response — a 50-result page would
	// otherwise mint hundreds of edges for a single search.
	coRetrievalSet := traceIDs
	if len(coRetrievalSet) > 10 {
		coRetrievalSet = coRetrievalSet[:10]
	}
	for i := 0; i < len(coRetrievalSet); i++ {
		for j := i + 1; j < len(coRetrievalSet); j++ {
			a, b := coRetrievalSet[i], coRetrievalSet[j]
			d.Track("co_retrieved_edge", func(ctx context.Context) error {
				if err := d.store.BumpRelationshipStrength(ctx, a, b, model.RelCoRetrieved, 1); err != nil {
					return err
				}
				return d.store.BumpRelationshipStrength(ctx, b, a, model.RelCoRetrieved, 1)
			})
		}
	}
}
