// Package search is the central orchestrator for trace retrieval: embed,
// candidate fetch, multi-factor re-rank, spreading activation, diversity,
// related-trace attachment, and fire-and-forget side effects. Grounded on
// the original router's end-to-end request handling, restructured into one
// Go service object instead of a chain of FastAPI dependency-injected
// functions.
package search

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/commontrace/engine/internal/activation"
	"github.com/commontrace/engine/internal/apierrors"
	"github.com/commontrace/engine/internal/diversity"
	"github.com/commontrace/engine/internal/embedding"
	"github.com/commontrace/engine/internal/fingerprint"
	"github.com/commontrace/engine/internal/model"
	"github.com/commontrace/engine/internal/rank"
	"github.com/commontrace/engine/internal/sideeffects"
	"github.com/commontrace/engine/internal/store"
)

const (
	defaultLimit     = 10
	maxLimit         = 50
	defaultOverFetch = 4

	// relatedPerTrace caps how many outgoing relationships get stamped
	// onto each result, strongest first.
	relatedPerTrace = 3
)

var relatedTypes = []model.RelationshipType{
	model.RelSupersedes, model.RelComplements, model.RelPatternSource,
	model.RelAlternativeTo, model.RelContradicts,
}

// Store is the slice of persistence the search pipeline needs.
type Store interface {
	SemanticCandidates(ctx context.Context, queryEmbedding []float32, opts store.SearchOptions) ([]store.Candidate, error)
	TagCandidates(ctx context.Context, tags []string, opts store.SearchOptions) ([]store.Candidate, error)
	RelationshipsFromMany(ctx context.Context, sourceIDs []uuid.UUID, types []model.RelationshipType, limit int) ([]*model.TraceRelationship, error)
}

// Request is one search call.
type Request struct {
	QueryText           string
	Tags                []string
	Limit               int
	OverFetch           int
	IncludeExpired      bool
	SearcherFingerprint map[string]string
	SearcherMetadata    map[string]any
	SearcherTags        []string
}

// Response is the ranked, enriched result set plus the session id the
// fire-and-forget side effects were filed under.
type Response struct {
	SessionID string
	Results   []*model.SearchResult
}

// Service wires together every collaborator the pipeline touches.
type Service struct {
	store          Store
	activation     activation.Store
	embedder       embedding.Embedder
	dispatcher     *sideeffects.Dispatcher
	currentModelID string
}

// New builds a Service. currentModelID pins the semantic candidate fetch to
// one embedding model generation (§4.1 step 3) so a re-embedding migration
// can't rank vectors from two incompatible models against each other; pass
// "" to disable the pin (useful for tests with a single fixed model).
func New(st Store, act activation.Store, embedder embedding.Embedder, dispatcher *sideeffects.Dispatcher, currentModelID string) *Service {
	return &Service{store: st, activation: act, embedder: embedder, dispatcher: dispatcher, currentModelID: currentModelID}
}

// Search runs the full nine-step pipeline and returns ranked results.
func (s *Service) Search(ctx context.Context, req Request) (Response, error) {
	if req.QueryText == "" && len(req.Tags) == 0 {
		return Response{}, apierrors.New(apierrors.InvalidArgument, "search requires a query or at least one tag")
	}
	limit := req.Limit
	if limit <= 0 {
		limit = defaultLimit
	}
	if limit > maxLimit {
		limit = maxLimit
	}
	overFetch := req.OverFetch
	if overFetch <= 0 {
		overFetch = defaultOverFetch
	}
	now := time.Now()
	opts := store.SearchOptions{
		Limit:                   limit,
		OverFetch:               overFetch,
		RequiredTags:            req.Tags,
		IncludeExpired:          req.IncludeExpired,
		CurrentEmbeddingModelID: s.currentModelID,
		Now:                     now,
	}
	searcherFP := req.SearcherFingerprint
	if searcherFP == nil {
		searcherFP = fingerprint.Build(req.SearcherMetadata, req.SearcherTags)
	}

	// Step 1-2: embed the query (ANN over-fetch is folded into opts, since
	// sqlite-vec's vec0 is brute-force KNN rather than HNSW and has no
	// separate ef_search knob to tune).
	var queryEmbedding []float32
	if req.QueryText != "" {
		result, err := s.embedder.Embed(ctx, req.QueryText)
		if err != nil {
			if _, skipped := err.(*embedding.SkippedError); skipped {
				// §4.1 step 1: an unconfigured embedding port fails the
				// whole request rather than silently degrading to a
				// tag-only search the caller never asked for.
				return Response{}, apierrors.Wrap(apierrors.ServiceUnavailable, "embedding provider not configured", err)
			}
			return Response{}, apierrors.Wrap(apierrors.Internal, "embed query", err)
		}
		queryEmbedding = result.Vector
	}

	// Step 3: candidate fetch, semantic path preferred, tag-only fallback.
	var candidates []store.Candidate
	var err error
	if len(queryEmbedding) > 0 {
		candidates, err = s.store.SemanticCandidates(ctx, queryEmbedding, opts)
	} else if len(req.Tags) > 0 {
		candidates, err = s.store.TagCandidates(ctx, req.Tags, opts)
	}
	if err != nil {
		return Response{}, apierrors.Wrap(apierrors.Internal, "candidate fetch", err)
	}

	// Step 4: multi-factor re-rank.
	results := make([]*model.SearchResult, 0, len(candidates))
	for _, c := range candidates {
		f := rank.ForTrace(now, c.Similarity, c.Trace, searcherFP)
		// §9(c): the tag-only path carries an implicit sim=1 in the
		// formula but reports 0 back to the caller — there was no actual
		// vector match to report a similarity for.
		reportedSim := c.Similarity
		if len(queryEmbedding) == 0 {
			f.Similarity = 1
			reportedSim = 0
		}
		results = append(results, &model.SearchResult{
			Trace:             c.Trace,
			SimilarityScore:   reportedSim,
			TrustFactor:       f.Trust,
			DepthFactor:       f.Depth,
			DecayFactor:       f.Decay,
			ContextFactor:     f.Context,
			ConvergenceFactor: f.Convergence,
			TemperatureFactor: f.Temperature,
			ValidityFactor:    f.Validity,
			Score:             f.Combined(),
		})
	}
	// Step 5: sort and keep the top limit before activation — neighbors
	// spread from (and compete against) the page the caller will actually
	// see, not the over-fetched candidate pool.
	sortByScoreDesc(results)
	if len(results) > limit {
		results = results[:limit]
	}

	// Step 6: spreading activation (single hop), then truncate the merged
	// set back down to limit.
	results, err = activation.Apply(ctx, s.activation, results, now, searcherFP)
	if err != nil {
		return Response{}, apierrors.Wrap(apierrors.Internal, "spreading activation", err)
	}
	if len(results) > limit {
		results = results[:limit]
	}

	// Step 6.5: diversity re-rank over the final page.
	results = diversity.Rerank(results)

	// Step 7: related-trace attachment, outgoing edges only (§9(b)), top 3
	// by strength per source.
	s.attachRelated(ctx, results)

	sessionID := uuid.New().String()

	// Step 8: fire-and-forget side effects.
	if s.dispatcher != nil {
		ids := make([]uuid.UUID, len(results))
		for i, r := range results {
			ids[i] = r.Trace.ID
		}
		s.dispatcher.RecordRetrieval(sessionID, ids, now)
	}

	return Response{SessionID: sessionID, Results: results}, nil
}

// attachRelated fetches the final set's outgoing relationships in one
// query, groups them by source, and stamps the strongest relatedPerTrace
// onto each result. Attachment is best-effort: a fetch error leaves
// RelatedTraces empty rather than failing a response that's already ranked.
func (s *Service) attachRelated(ctx context.Context, results []*model.SearchResult) {
	if len(results) == 0 {
		return
	}
	ids := make([]uuid.UUID, len(results))
	for i, r := range results {
		ids[i] = r.Trace.ID
	}
	rels, err := s.store.RelationshipsFromMany(ctx, ids, relatedTypes, len(ids)*relatedPerTrace*len(relatedTypes))
	if err != nil {
		return
	}
	bySource := make(map[uuid.UUID][]*model.TraceRelationship)
	for _, rel := range rels {
		bySource[rel.SourceID] = append(bySource[rel.SourceID], rel)
	}
	for _, r := range results {
		group := bySource[r.Trace.ID]
		sort.Slice(group, func(i, j int) bool { return group[i].Strength > group[j].Strength })
		if len(group) > relatedPerTrace {
			group = group[:relatedPerTrace]
		}
		r.RelatedTraces = group
	}
}

// sortByScoreDesc orders by score descending, breaking ties by trace id
// ascending so results are deterministic across runs (spec.md §4.1
// "Determinism").
func sortByScoreDesc(results []*model.SearchResult) {
	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].Trace.ID.String() < results[j].Trace.ID.String()
	})
}
