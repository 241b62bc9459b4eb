// Package rank computes the multi-factor re-rank score shared by the
// candidate-fetch path and spreading activation, consolidating what the
// original router computed inline in three separate places.
package rank

import (
	"math"
	"time"

	"github.com/commontrace/engine/internal/decay"
	"github.com/commontrace/engine/internal/fingerprint"
	"github.com/commontrace/engine/internal/model"
)

// Factors breaks the combined score into its named components so search
// results can report them (SearchResult mirrors this).
type Factors struct {
	Similarity   float64
	Trust        float64
	Depth        float64
	Decay        float64
	Context      float64
	Convergence  float64
	Temperature  float64
	Validity     float64
}

// Combined multiplies all factors together.
func (f Factors) Combined() float64 {
	return f.Similarity * f.Trust * f.Depth * f.Decay * f.Context * f.Convergence * f.Temperature * f.Validity
}

// TrustFactor is ln(1 + max(0, trust_score) + 1) = ln(2 + max(0, trust_score)).
func TrustFactor(trustScore float64) float64 {
	return math.Log(2 + math.Max(0, trustScore))
}

// DepthFactor is 1 + 0.1*depth_score.
func DepthFactor(depthScore int) float64 {
	return 1 + 0.1*float64(depthScore)
}

// ContextFactor is 1 + 0.3*align(searcher, trace) when both fingerprints are
// present, else 1 (no boost, no penalty).
func ContextFactor(searcherFP, traceFP map[string]string) float64 {
	if len(searcherFP) == 0 || len(traceFP) == 0 {
		return 1
	}
	return 1 + 0.3*fingerprint.Align(searcherFP, traceFP)
}

// ConvergenceFactor is 1 + 0.05*(4 - level) when a convergence level is set.
func ConvergenceFactor(level *int) float64 {
	if level == nil {
		return 1
	}
	return 1 + 0.05*float64(4-*level)
}

// ValidityFactor is 0.5 when the trace has expired, else 1.
func ValidityFactor(now time.Time, validUntil *time.Time) float64 {
	if validUntil != nil && validUntil.Before(now) {
		return 0.5
	}
	return 1
}

// ForTrace computes every factor (including similarity, supplied by the
// caller since it depends on the candidate-fetch path) for one trace against
// one search request's context fingerprint.
func ForTrace(now time.Time, similarity float64, t *model.Trace, searcherFP map[string]string) Factors {
	var temp *model.Temperature
	if t.MemoryTemperature != nil {
		temp = t.MemoryTemperature
	}

	return Factors{
		Similarity:  similarity,
		Trust:       TrustFactor(t.TrustScore),
		Depth:       DepthFactor(t.DepthScore),
		Decay:       decay.TemporalDecayFactor(now, t.CreatedAt, t.LastRetrievedAt, t.HalfLifeDays),
		Context:     ContextFactor(searcherFP, t.ContextFingerprint),
		Convergence: ConvergenceFactor(t.ConvergenceLevel),
		Temperature: decay.TemperatureMultiplier(temp),
		Validity:    ValidityFactor(now, t.ValidUntil),
	}
}

// BaseScore is ForTrace's Combined() with the similarity component treated
// as implicit 1 — used by spreading activation, which scores neighbors that
// were never directly matched against the query vector.
func BaseScore(now time.Time, t *model.Trace, searcherFP map[string]string) float64 {
	f := ForTrace(now, 1, t, searcherFP)
	return f.Combined()
}
