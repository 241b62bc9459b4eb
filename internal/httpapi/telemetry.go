package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/commontrace/engine/internal/apierrors"
)

// TelemetryTriggerRequest is the body for POST /api/v1/telemetry/triggers:
// an opaque per-session analytics payload (§6 "opaque session stats"). The
// engine never reads this back, so it's stored as-is rather than modeled
// field-by-field.
type TelemetryTriggerRequest struct {
	SearchSessionID string         `json:"search_session_id"`
	Payload         map[string]any `json:"payload"`
}

func (s *Server) handleTelemetryTrigger(w http.ResponseWriter, r *http.Request) {
	var req TelemetryTriggerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeAPIError(w, apierrors.Wrap(apierrors.InvalidArgument, "invalid JSON body", err))
		return
	}
	if err := s.store.InsertTriggerStats(r.Context(), req.SearchSessionID, req.Payload); err != nil {
		writeAPIError(w, apierrors.Wrap(apierrors.Internal, "insert telemetry trigger", err))
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"status": "accepted"})
}
