package httpapi

import (
	"net/http"

	"github.com/commontrace/engine/internal/apierrors"
	"github.com/commontrace/engine/internal/model"
)

func (s *Server) handleTags(w http.ResponseWriter, r *http.Request) {
	tags, err := s.store.AllTags(r.Context())
	if err != nil {
		writeAPIError(w, apierrors.Wrap(apierrors.Internal, "load tags", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string][]string{"tags": tags})
}

// TagTrendView is the wire shape for one trending tag snapshot.
type TagTrendView struct {
	TagName          string  `json:"tag_name"`
	TraceCountPeriod int     `json:"trace_count_period"`
	TraceCountPrior  int     `json:"trace_count_prior"`
	GrowthRate       float64 `json:"growth_rate"`
}

func (s *Server) handleTrendingTags(w http.ResponseWriter, r *http.Request) {
	trends, err := s.store.TrendingTags(r.Context())
	if err != nil {
		writeAPIError(w, apierrors.Wrap(apierrors.Internal, "load trending tags", err))
		return
	}
	out := make([]TagTrendView, len(trends))
	for i, t := range trends {
		out[i] = viewOfTrend(t)
	}
	writeJSON(w, http.StatusOK, map[string][]TagTrendView{"tags": out})
}

func viewOfTrend(t *model.TagTrend) TagTrendView {
	return TagTrendView{
		TagName:          t.TagName,
		TraceCountPeriod: t.TraceCountPeriod,
		TraceCountPrior:  t.TraceCountPrior,
		GrowthRate:       t.GrowthRate,
	}
}
