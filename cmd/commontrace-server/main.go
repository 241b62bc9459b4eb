// commontrace-server is the standalone HTTP API for the CommonTrace
// knowledge base engine.
//
// It exposes endpoints for contributing traces, hybrid search, voting,
// amendments, tag listing and telemetry ingestion, and runs the two
// background workers: the embedding filler and the consolidation
// ("sleep cycle") loop.
//
// External dependencies:
//   - SQLite (embedded, via go-sqlite3 + sqlite-vec)
//   - An embedding provider (optional; tag-only search works without one)
package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/commontrace/engine/internal/config"
	"github.com/commontrace/engine/internal/consolidate"
	"github.com/commontrace/engine/internal/decay"
	"github.com/commontrace/engine/internal/embedding"
	"github.com/commontrace/engine/internal/embedworker"
	"github.com/commontrace/engine/internal/httpapi"
	"github.com/commontrace/engine/internal/search"
	"github.com/commontrace/engine/internal/sideeffects"
	"github.com/commontrace/engine/internal/store"
)

func main() {
	cfg := config.Load()

	if cfg.HalfLifeRulesPath != "" {
		if err := decay.LoadHalfLifeRules(cfg.HalfLifeRulesPath); err != nil {
			log.Fatalf("Failed to load half-life rules: %v", err)
		}
	}

	st, err := store.Open(cfg.DataDir)
	if err != nil {
		log.Fatalf("Failed to open store: %v", err)
	}
	defer st.Close()

	var embedder embedding.Embedder
	if cfg.EmbeddingBaseURL != "" {
		embedder = embedding.NewClient(cfg.EmbeddingBaseURL, cfg.EmbeddingAPIKey, cfg.EmbeddingModel)
	} else {
		log.Printf("EMBEDDING_BASE_URL not set — semantic search disabled, tag-only search available")
		embedder = embedding.NullEmbedder{}
	}

	dispatcher := sideeffects.NewDispatcher(st, 0)
	searchSvc := search.New(st, st, embedder, dispatcher, cfg.EmbeddingModel)
	embedWorker := embedworker.New(st, embedder)
	consolidator := consolidate.New(st, cfg.ConsolidationInterval())

	workerCtx, stopWorkers := context.WithCancel(context.Background())
	go embedWorker.Run(workerCtx)
	go runConsolidationLoop(workerCtx, consolidator, cfg.ConsolidationInterval())

	srv := httpapi.New(st, searchSvc, dispatcher, embedWorker, consolidator, cfg.APIKey)
	server := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: srv.Handler(),
	}

	// Graceful shutdown: stop accepting requests, stop the workers, then
	// give in-flight side-effect tasks a moment to drain.
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		log.Println("Shutting down...")
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		server.Shutdown(ctx)
		stopWorkers()
		dispatcher.Wait(ctx)
	}()

	log.Printf("commontrace-server listening on %s (data: %s)", cfg.ListenAddr, cfg.DataDir)
	if err := server.ListenAndServe(); err != http.ErrServerClosed {
		log.Fatalf("Server error: %v", err)
	}
}

// runConsolidationLoop fires a sleep cycle once per configured interval.
// The consolidator's own idempotency gate makes an early or duplicate tick
// harmless, so a simple ticker is enough here.
func runConsolidationLoop(ctx context.Context, c *consolidate.Consolidator, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			result, err := c.Run(ctx)
			if err != nil {
				log.Printf("[consolidate] cycle failed: %v", err)
				continue
			}
			if result.Skipped {
				continue
			}
			log.Printf("[consolidate] cycle %s finished: %s", result.RunID, result.Status)
		}
	}
}
