package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/google/uuid"

	"github.com/commontrace/engine/internal/apierrors"
	"github.com/commontrace/engine/internal/model"
	"github.com/commontrace/engine/internal/trust"
)

// VoteRequest is the body for POST /api/v1/traces/{id}/votes. user_id isn't
// named in §6's table but Vote's (user_id, trace_id) uniqueness (§3) makes
// it load-bearing, so it's accepted here as a required field rather than
// invented server-side, where a fresh id per call would defeat the
// uniqueness constraint entirely; feedback_tag/feedback_text are accepted
// for forward compatibility but CommonTrace's Vote has no columns for them
// yet, so they're currently discarded rather than persisted (see DESIGN.md).
type VoteRequest struct {
	UserID       string `json:"user_id"`
	VoteType     string `json:"vote_type"`
	FeedbackTag  string `json:"feedback_tag,omitempty"`
	FeedbackText string `json:"feedback_text,omitempty"`
}

func (s *Server) handleVote(w http.ResponseWriter, r *http.Request) {
	traceID, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeAPIError(w, apierrors.New(apierrors.InvalidArgument, "id must be a UUID"))
		return
	}
	var req VoteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeAPIError(w, apierrors.Wrap(apierrors.InvalidArgument, "invalid JSON body", err))
		return
	}
	userID, err := uuid.Parse(req.UserID)
	if err != nil {
		writeAPIError(w, apierrors.New(apierrors.InvalidArgument, "user_id must be a UUID"))
		return
	}
	voteType := model.VoteType(req.VoteType)
	if voteType != model.VoteUp && voteType != model.VoteDown {
		writeAPIError(w, apierrors.New(apierrors.InvalidArgument, "vote_type must be up or down"))
		return
	}

	v := &model.Vote{UserID: userID, TraceID: traceID, Type: voteType}
	if err := trust.ApplyVote(r.Context(), s.store, v); err != nil {
		writeAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "recorded"})
}

// AmendmentRequest is the body for POST /api/v1/traces/{id}/amendments.
// §6 names only "amendment submission" with no field list; this shape
// mirrors the fields a contributor can actually correct on a Trace (§3):
// context/solution text and the tag set, each optional so a partial
// correction doesn't require resubmitting the whole trace.
type AmendmentRequest struct {
	ContextText  *string  `json:"context_text,omitempty"`
	SolutionText *string  `json:"solution_text,omitempty"`
	Tags         []string `json:"tags,omitempty"`
}

func (s *Server) handleAmendment(w http.ResponseWriter, r *http.Request) {
	traceID, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeAPIError(w, apierrors.New(apierrors.InvalidArgument, "id must be a UUID"))
		return
	}
	var req AmendmentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeAPIError(w, apierrors.Wrap(apierrors.InvalidArgument, "invalid JSON body", err))
		return
	}
	if req.ContextText == nil && req.SolutionText == nil && req.Tags == nil {
		writeAPIError(w, apierrors.New(apierrors.InvalidArgument, "amendment requires at least one field"))
		return
	}

	if err := s.store.AmendTrace(r.Context(), traceID, req.ContextText, req.SolutionText, req.Tags); err != nil {
		writeAPIError(w, apierrors.Wrap(apierrors.Internal, "amend trace", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "amended"})
}
