package httpapi

import (
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/commontrace/engine/internal/apierrors"
	"github.com/commontrace/engine/internal/decay"
	"github.com/commontrace/engine/internal/enrich"
	"github.com/commontrace/engine/internal/fingerprint"
	"github.com/commontrace/engine/internal/model"
	"github.com/commontrace/engine/internal/search"
)

// TraceSearchRequest is the body for POST /api/v1/traces/search.
type TraceSearchRequest struct {
	Query          string            `json:"q"`
	Tags           []string          `json:"tags"`
	Limit          int               `json:"limit"`
	Context        map[string]string `json:"context"`
	IncludeExpired bool              `json:"include_expired"`
}

const maxQueryLen = 2000
const maxRequestTags = 10

// TraceSearchResponse is the response for POST /api/v1/traces/search.
type TraceSearchResponse struct {
	SessionID string        `json:"session_id"`
	Results   []SearchHit   `json:"results"`
}

// SearchHit is one ranked trace plus the factors that produced its score
// and the strongest outgoing relationships attached in step 7.
type SearchHit struct {
	Trace             TraceView          `json:"trace"`
	Score             float64            `json:"score"`
	SimilarityScore   float64            `json:"similarity_score"`
	TrustFactor       float64            `json:"trust_factor"`
	DepthFactor       float64            `json:"depth_factor"`
	DecayFactor       float64            `json:"decay_factor"`
	ContextFactor     float64            `json:"context_factor"`
	ConvergenceFactor float64            `json:"convergence_factor"`
	TemperatureFactor float64            `json:"temperature_factor"`
	ValidityFactor    float64            `json:"validity_factor"`
	RelatedTraces     []RelatedTraceView `json:"related_traces"`
}

// RelatedTraceView is one attached relationship on a search hit.
type RelatedTraceView struct {
	TraceID          string  `json:"trace_id"`
	RelationshipType string  `json:"relationship_type"`
	Strength         float64 `json:"strength"`
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	var req TraceSearchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeAPIError(w, apierrors.Wrap(apierrors.InvalidArgument, "invalid JSON body", err))
		return
	}
	if len(req.Query) > maxQueryLen {
		writeAPIError(w, apierrors.New(apierrors.InvalidArgument, "q exceeds 2000 characters"))
		return
	}
	if len(req.Tags) > maxRequestTags {
		writeAPIError(w, apierrors.New(apierrors.InvalidArgument, "tags exceeds 10 entries"))
		return
	}
	if req.Query == "" && len(req.Tags) == 0 {
		writeAPIError(w, apierrors.New(apierrors.InvalidArgument, "search requires q or at least one tag"))
		return
	}
	if req.Limit < 0 || req.Limit > 50 {
		writeAPIError(w, apierrors.New(apierrors.InvalidArgument, "limit must be between 1 and 50"))
		return
	}

	resp, err := s.search.Search(r.Context(), search.Request{
		QueryText:           req.Query,
		Tags:                req.Tags,
		Limit:               req.Limit,
		IncludeExpired:      req.IncludeExpired,
		SearcherFingerprint: req.Context,
	})
	if err != nil {
		writeAPIError(w, err)
		return
	}

	hits := make([]SearchHit, len(resp.Results))
	for i, r := range resp.Results {
		related := make([]RelatedTraceView, len(r.RelatedTraces))
		for j, rel := range r.RelatedTraces {
			related[j] = RelatedTraceView{
				TraceID:          rel.TargetID.String(),
				RelationshipType: string(rel.Type),
				Strength:         rel.Strength,
			}
		}
		hits[i] = SearchHit{
			Trace:             viewOf(r.Trace),
			Score:             r.Score,
			SimilarityScore:   r.SimilarityScore,
			TrustFactor:       r.TrustFactor,
			DepthFactor:       r.DepthFactor,
			DecayFactor:       r.DecayFactor,
			ContextFactor:     r.ContextFactor,
			ConvergenceFactor: r.ConvergenceFactor,
			TemperatureFactor: r.TemperatureFactor,
			ValidityFactor:    r.ValidityFactor,
			RelatedTraces:     related,
		}
	}
	writeJSON(w, http.StatusOK, TraceSearchResponse{SessionID: resp.SessionID, Results: hits})
}

// TraceCreateRequest is the body for POST /api/v1/traces.
type TraceCreateRequest struct {
	Title         string         `json:"title"`
	ContextText   string         `json:"context_text"`
	SolutionText  string         `json:"solution_text"`
	ContributorID string         `json:"contributor_id"`
	Tags          []string       `json:"tags"`
	Metadata      map[string]any `json:"metadata"`
	ImpactLevel   string         `json:"impact_level"`
}

func (s *Server) handleCreateTrace(w http.ResponseWriter, r *http.Request) {
	var req TraceCreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeAPIError(w, apierrors.Wrap(apierrors.InvalidArgument, "invalid JSON body", err))
		return
	}
	if req.ContextText == "" || req.SolutionText == "" {
		writeAPIError(w, apierrors.New(apierrors.InvalidArgument, "context_text and solution_text are required"))
		return
	}

	contributorID := model.SystemUserID
	if req.ContributorID != "" {
		parsed, err := uuid.Parse(req.ContributorID)
		if err != nil {
			writeAPIError(w, apierrors.New(apierrors.InvalidArgument, "contributor_id must be a UUID"))
			return
		}
		contributorID = parsed
	}

	impact := model.ImpactNormal
	if req.ImpactLevel != "" {
		impact = model.ImpactLevel(req.ImpactLevel)
	}

	metadata := enrich.AutoEnrich(req.Metadata, req.SolutionText)
	fp := fingerprint.Build(metadata, req.Tags)
	halfLife := decay.HalfLifeDays(req.Tags)

	now := time.Now()
	t := &model.Trace{
		ID:                uuid.New(),
		Title:             req.Title,
		ContextText:       req.ContextText,
		SolutionText:      req.SolutionText,
		ContributorID:     contributorID,
		CreatedAt:         now,
		UpdatedAt:         now,
		Status:            model.StatusPending,
		HalfLifeDays:      &halfLife,
		DepthScore:        enrich.DepthScore(metadata, req.SolutionText),
		SomaticIntensity:  enrich.SomaticIntensity(metadata),
		ImpactLevel:       impact,
		TraceType:         model.TraceTypeEpisodic,
		ContextFingerprint: fp,
		Tags:              req.Tags,
		Metadata:          metadata,
	}

	if err := s.store.CreateTrace(r.Context(), t); err != nil {
		writeAPIError(w, apierrors.Wrap(apierrors.Internal, "create trace", err))
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"id": t.ID.String(), "status": string(model.StatusPending)})
}

func (s *Server) handleGetTrace(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeAPIError(w, apierrors.New(apierrors.InvalidArgument, "id must be a UUID"))
		return
	}
	t, err := s.store.GetTrace(r.Context(), id)
	if errors.Is(err, sql.ErrNoRows) {
		writeAPIError(w, apierrors.New(apierrors.NotFound, "trace not found"))
		return
	}
	if err != nil {
		writeAPIError(w, apierrors.Wrap(apierrors.Internal, "load trace", err))
		return
	}
	writeJSON(w, http.StatusOK, viewOf(t))
}

// TraceView is the JSON shape a trace is rendered as over the wire —
// separate from model.Trace so embeddings (large float arrays with no use
// to an API caller) never get serialized.
type TraceView struct {
	ID                string         `json:"id"`
	Title             string         `json:"title"`
	ContextText       string         `json:"context_text"`
	SolutionText      string         `json:"solution_text"`
	ContributorID     string         `json:"contributor_id"`
	CreatedAt         time.Time      `json:"created_at"`
	UpdatedAt         time.Time      `json:"updated_at"`
	Status            string         `json:"status"`
	TrustScore        float64        `json:"trust_score"`
	ConfirmationCount int            `json:"confirmation_count"`
	RetrievalCount    int            `json:"retrieval_count"`
	DepthScore        int            `json:"depth_score"`
	SomaticIntensity  float64        `json:"somatic_intensity"`
	ImpactLevel       string         `json:"impact_level"`
	MemoryTemperature string         `json:"memory_temperature,omitempty"`
	TraceType         string         `json:"trace_type"`
	IsFlagged         bool           `json:"is_flagged"`
	IsStale           bool           `json:"is_stale"`
	Tags              []string       `json:"tags"`
	Metadata          map[string]any `json:"metadata,omitempty"`
}

func viewOf(t *model.Trace) TraceView {
	v := TraceView{
		ID:                t.ID.String(),
		Title:             t.Title,
		ContextText:       t.ContextText,
		SolutionText:      t.SolutionText,
		ContributorID:     t.ContributorID.String(),
		CreatedAt:         t.CreatedAt,
		UpdatedAt:         t.UpdatedAt,
		Status:            string(t.Status),
		TrustScore:        t.TrustScore,
		ConfirmationCount: t.ConfirmationCount,
		RetrievalCount:    t.RetrievalCount,
		DepthScore:        t.DepthScore,
		SomaticIntensity:  t.SomaticIntensity,
		ImpactLevel:       string(t.ImpactLevel),
		TraceType:         string(t.TraceType),
		IsFlagged:         t.IsFlagged,
		IsStale:           t.IsStale,
		Tags:              t.Tags,
		Metadata:          t.Metadata,
	}
	if t.MemoryTemperature != nil {
		v.MemoryTemperature = string(*t.MemoryTemperature)
	}
	return v
}
