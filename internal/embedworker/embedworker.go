// Package embedworker is the background worker that fills in embeddings for
// traces created without one (§4.4): poll every 5s for a small batch of
// traces still missing an embedding, build the text to embed, call the
// embedding port, and write the result back. A SkippedError aborts the rest
// of the current batch (the provider is telling us to back off); any other
// per-trace error is logged and the worker moves on to the next trace in
// the batch. Grounded directly on the spec's own transaction/abort
// semantics. The poll loop runs on a time.Ticker; cenkalti/backoff retries
// each embedding call (up to 3 retries) before its error counts.
package embedworker

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/commontrace/engine/internal/embedding"
	"github.com/commontrace/engine/internal/model"
)

const (
	pollInterval = 5 * time.Second
	batchSize    = 10
)

// Store is the slice of persistence the worker needs.
type Store interface {
	PendingEmbeddingTraces(ctx context.Context, limit int) ([]*model.Trace, error)
	SetEmbedding(ctx context.Context, id uuid.UUID, field string, vec []float32, modelID, modelVersion string) error
}

// Worker polls Store for traces missing an embedding and fills them in.
type Worker struct {
	store    Store
	embedder embedding.Embedder

	mu         sync.Mutex
	lastPollAt time.Time
}

// New builds a Worker.
func New(store Store, embedder embedding.Embedder) *Worker {
	return &Worker{store: store, embedder: embedder}
}

// LastPollAt reports when the worker last completed a poll tick, for the
// health endpoint's liveness check. Zero until the first tick fires.
func (w *Worker) LastPollAt() time.Time {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastPollAt
}

// Run polls until ctx is canceled. Each tick's batch failure just logs and
// waits for the next tick — a single bad poll never stops the worker.
func (w *Worker) Run(ctx context.Context) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.runBatch(ctx); err != nil {
				log.Printf("[embedworker] batch error: %v", err)
			}
			w.mu.Lock()
			w.lastPollAt = time.Now()
			w.mu.Unlock()
		}
	}
}

func (w *Worker) runBatch(ctx context.Context) error {
	traces, err := w.store.PendingEmbeddingTraces(ctx, batchSize)
	if err != nil {
		return err
	}

	for _, t := range traces {
		if err := w.embedOne(ctx, t); err != nil {
			if _, skipped := err.(*embedding.SkippedError); skipped {
				log.Printf("[embedworker] provider skipped trace %s, aborting batch: %v", t.ID, err)
				return nil
			}
			log.Printf("[embedworker] trace %s failed: %v", t.ID, err)
			continue
		}
	}
	return nil
}

func (w *Worker) embedOne(ctx context.Context, t *model.Trace) error {
	text := embedText(t)

	var result embedding.Result
	op := func() error {
		r, err := w.embedder.Embed(ctx, text)
		if err != nil {
			if _, skipped := err.(*embedding.SkippedError); skipped {
				return backoff.Permanent(err)
			}
			if embedding.IsClientError(err) {
				return backoff.Permanent(err)
			}
			return err
		}
		result = r
		return nil
	}

	bo := backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 3)
	if err := backoff.Retry(op, backoff.WithContext(bo, ctx)); err != nil {
		return err
	}

	return w.store.SetEmbedding(ctx, t.ID, "embedding", result.Vector, result.ModelID, result.ModelVersion)
}

// embedText builds the text fed to the embedding provider: title, context
// and solution concatenated, the same fields the semantic candidate fetch
// ultimately searches over.
func embedText(t *model.Trace) string {
	return t.Title + "\n" + t.ContextText + "\n" + t.SolutionText
}
