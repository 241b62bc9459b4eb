// Package httpapi exposes CommonTrace's engine over the HTTP surface: trace
// search/create/fetch, votes, amendments, tag listing, telemetry ingestion,
// health and metrics. One handler-per-route stdlib net/http server using Go
// 1.22's method-prefixed ServeMux patterns, following the teacher's
// memory-service/cmd/memory-service/main.go shape (Service struct holding
// initialized components, writeJSON helper, graceful shutdown left to the
// cmd/ entrypoint that builds this Server).
package httpapi

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/commontrace/engine/internal/apierrors"
	"github.com/commontrace/engine/internal/consolidate"
	"github.com/commontrace/engine/internal/embedworker"
	"github.com/commontrace/engine/internal/search"
	"github.com/commontrace/engine/internal/sideeffects"
	"github.com/commontrace/engine/internal/store"
)

// heartbeatStale is how long since a component's last observed activity
// before /health reports it unhealthy rather than merely idle.
const heartbeatStale = 2 * time.Minute

// Server wires the HTTP surface to its backing services.
type Server struct {
	store        *store.Store
	search       *search.Service
	dispatcher   *sideeffects.Dispatcher
	embedWorker  *embedworker.Worker
	consolidator *consolidate.Consolidator
	apiKey       string

	startedAt time.Time
}

// New builds a Server. apiKey, when non-empty, is required on the
// X-API-Key header for every write endpoint (§6 "all write endpoints
// require X-API-Key"); empty disables the check for local/dev use.
func New(st *store.Store, svc *search.Service, dispatcher *sideeffects.Dispatcher, ew *embedworker.Worker, c *consolidate.Consolidator, apiKey string) *Server {
	return &Server{
		store:        st,
		search:       svc,
		dispatcher:   dispatcher,
		embedWorker:  ew,
		consolidator: c,
		apiKey:       apiKey,
		startedAt:    time.Now(),
	}
}

// Handler builds the routed mux. Kept separate from New so tests can wire a
// Server without caring about net/http at all.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/traces/search", s.requireAPIKeyOptional(s.handleSearch))
	mux.HandleFunc("POST /api/v1/traces", s.requireAPIKey(s.handleCreateTrace))
	mux.HandleFunc("GET /api/v1/traces/{id}", s.handleGetTrace)
	mux.HandleFunc("POST /api/v1/traces/{id}/votes", s.requireAPIKey(s.handleVote))
	mux.HandleFunc("POST /api/v1/traces/{id}/amendments", s.requireAPIKey(s.handleAmendment))
	mux.HandleFunc("GET /api/v1/tags", s.handleTags)
	mux.HandleFunc("GET /api/v1/tags/trending", s.handleTrendingTags)
	mux.HandleFunc("POST /api/v1/telemetry/triggers", s.requireAPIKey(s.handleTelemetryTrigger))
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /metrics", s.handleMetrics)
	return mux
}

// requireAPIKey rejects the request with Unauthenticated unless X-API-Key
// matches the configured key. A blank configured key disables the check.
func (s *Server) requireAPIKey(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.apiKey != "" && r.Header.Get("X-API-Key") != s.apiKey {
			writeAPIError(w, apierrors.New(apierrors.Unauthenticated, "missing or invalid X-API-Key"))
			return
		}
		next(w, r)
	}
}

// requireAPIKeyOptional applies the same check as requireAPIKey, since
// search is also listed as requiring X-API-Key in §6's surface table even
// though it's a read — kept as a distinct wrapper so that decision reads as
// deliberate rather than copy-paste from the write-endpoint helper.
func (s *Server) requireAPIKeyOptional(next http.HandlerFunc) http.HandlerFunc {
	return s.requireAPIKey(next)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("[httpapi] encode response: %v", err)
	}
}

// writeAPIError maps an apierrors.Kind to its HTTP status code (§7) and
// writes a uniform {"error": "..."} body.
func writeAPIError(w http.ResponseWriter, err error) {
	status := statusForKind(apierrors.KindOf(err))
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func statusForKind(k apierrors.Kind) int {
	switch k {
	case apierrors.InvalidArgument:
		return http.StatusBadRequest
	case apierrors.NotFound:
		return http.StatusNotFound
	case apierrors.Conflict:
		return http.StatusConflict
	case apierrors.Unauthenticated:
		return http.StatusUnauthorized
	case apierrors.PermissionDenied:
		return http.StatusForbidden
	case apierrors.RateLimited:
		return http.StatusTooManyRequests
	case apierrors.ServiceUnavailable:
		return http.StatusServiceUnavailable
	case apierrors.Timeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// handleHealth reports per-component status with 503 when the database is
// unreachable or the embedding worker's last poll is older than
// heartbeatStale, else 200. An embedding worker that has not finished its
// first poll counts as ok, and the consolidation worker is reported ok
// whenever one is wired, without a liveness check. CommonTrace has no
// separate cache tier (REDIS_URL is passed through opaquely, per
// config.Config, to external collaborators only), so "cache" degrades to
// "n/a" rather than a real check.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	components := map[string]string{"cache": "n/a"}
	healthy := true

	if _, err := s.store.Stats(); err != nil {
		components["database"] = "error: " + err.Error()
		healthy = false
	} else {
		components["database"] = "ok"
	}

	if s.embedWorker != nil {
		last := s.embedWorker.LastPollAt()
		if last.IsZero() || time.Since(last) < heartbeatStale {
			components["embed_worker"] = "ok"
		} else {
			components["embed_worker"] = "stale"
			healthy = false
		}
	} else {
		components["embed_worker"] = "disabled"
	}

	if s.consolidator != nil {
		components["consolidation_worker"] = "ok"
	} else {
		components["consolidation_worker"] = "disabled"
	}

	status := http.StatusOK
	overall := "ok"
	if !healthy {
		status = http.StatusServiceUnavailable
		overall = "degraded"
	}
	writeJSON(w, status, map[string]any{"status": overall, "components": components})
}

// handleMetrics is a lightweight plaintext stats endpoint rather than a
// full Prometheus exposition format: §1's non-goals name Prometheus export
// as an external collaborator described only by interface, so no
// client_golang dependency is wired in here (see DESIGN.md).
func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	stats, err := s.store.Stats()
	if err != nil {
		writeAPIError(w, apierrors.Wrap(apierrors.Internal, "load stats", err))
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	for _, table := range []string{"traces", "votes", "trace_relationships", "retrieval_logs", "rif_shadows", "tag_trends"} {
		writePlainf(w, "commontrace_%s_total %d\n", table, stats[table])
	}
	if s.dispatcher != nil {
		writePlainf(w, "commontrace_sideeffects_dropped_total %d\n", s.dispatcher.Dropped())
	}
	writePlainf(w, "commontrace_uptime_seconds %d\n", int(time.Since(s.startedAt).Seconds()))
}

func writePlainf(w http.ResponseWriter, format string, args ...any) {
	if _, err := w.Write([]byte(fmt.Sprintf(format, args...))); err != nil {
		log.Printf("[httpapi] write metrics: %v", err)
	}
}
