// Package trust applies votes to traces with a single atomic column-delta
// UPDATE (no read-modify-write), handles pending→validated promotion, and
// computes the Wilson score lower bound of a vote split (no other package
// of the engine calls it). Grounded on the original trust.py
// service and the teacher's single-statement UPDATE idiom in
// internal/graph/traces.go.
package trust

import (
	"context"
	"database/sql"
	"math"

	"github.com/google/uuid"

	"github.com/commontrace/engine/internal/apierrors"
	"github.com/commontrace/engine/internal/maturity"
	"github.com/commontrace/engine/internal/model"
)

const wilsonZ = 1.96

// WilsonLowerBound returns the lower bound of the Wilson score confidence
// interval for a Bernoulli proportion, given positive votes out of total.
// Returns 0 when total is 0 — an untested trace earns no confidence.
func WilsonLowerBound(positive, total int) float64 {
	if total == 0 {
		return 0
	}
	n := float64(total)
	p := float64(positive) / n
	z := wilsonZ
	z2 := z * z

	numerator := p + z2/(2*n) - z*math.Sqrt((p*(1-p)+z2/(4*n))/n)
	denominator := 1 + z2/n
	lb := numerator / denominator
	if lb < 0 {
		// With no positive votes the numerator cancels to zero, and
		// rounding can leave it a hair below.
		return 0
	}
	return lb
}

// VoteWeight is the signed delta a vote applies to trust_score.
func VoteWeight(v model.VoteType) float64 {
	switch v {
	case model.VoteUp:
		return 1.0
	case model.VoteDown:
		return -1.0
	default:
		return 0
	}
}

// Store is the slice of persistence internal/trust needs; internal/store
// implements it. Kept narrow so this package never imports internal/store
// directly; the tests substitute an in-memory fake.
type Store interface {
	ApplyVoteDelta(ctx context.Context, traceID uuid.UUID, weight float64) error
	InsertVote(ctx context.Context, v *model.Vote) error
	GetTraceForPromotion(ctx context.Context, traceID uuid.UUID) (status model.TraceStatus, confirmationCount int, trustScore float64, err error)
	PromoteTrace(ctx context.Context, traceID uuid.UUID) error
	TotalTraceCount(ctx context.Context) (int, error)
}

// ApplyVote records a vote, bumps the trace's confirmation_count and
// trust_score atomically, and promotes the trace from pending to validated
// once it clears the knowledge base's current maturity-tier threshold.
func ApplyVote(ctx context.Context, s Store, v *model.Vote) error {
	weight := VoteWeight(v.Type)

	if err := s.InsertVote(ctx, v); err != nil {
		if apierrors.Is(err, apierrors.Conflict) {
			return err
		}
		return apierrors.Wrap(apierrors.Internal, "insert vote", err)
	}
	if err := s.ApplyVoteDelta(ctx, v.TraceID, weight); err != nil {
		return apierrors.Wrap(apierrors.Internal, "apply vote delta", err)
	}

	status, confirmations, trustScore, err := s.GetTraceForPromotion(ctx, v.TraceID)
	if err != nil {
		if err == sql.ErrNoRows {
			return apierrors.New(apierrors.NotFound, "trace not found")
		}
		return apierrors.Wrap(apierrors.Internal, "reload trace for promotion", err)
	}
	if status != model.StatusPending || trustScore <= 0 {
		return nil
	}

	total, err := s.TotalTraceCount(ctx)
	if err != nil {
		return apierrors.Wrap(apierrors.Internal, "count traces", err)
	}
	tier := maturity.TierFor(total)
	if confirmations >= maturity.ValidationThreshold(tier) {
		if err := s.PromoteTrace(ctx, v.TraceID); err != nil {
			return apierrors.Wrap(apierrors.Internal, "promote trace", err)
		}
	}
	return nil
}
