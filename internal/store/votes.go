package store

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/commontrace/engine/internal/apierrors"
	"github.com/commontrace/engine/internal/model"
)

// InsertVote records one (user, trace) decision. Votes are immutable
// (spec.md §3): a second vote by the same user on the same trace is
// rejected by the (user_id, trace_id) uniqueness constraint rather than
// silently overwriting the first, so trust state cannot be double-applied.
func (s *Store) InsertVote(ctx context.Context, v *model.Vote) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO votes (id, user_id, trace_id, vote_type, created_at) VALUES (?, ?, ?, ?, ?)
	`, uuid.New().String(), v.UserID.String(), v.TraceID.String(), string(v.Type), time.Now())
	if err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed") {
		return apierrors.New(apierrors.Conflict, "duplicate vote")
	}
	return err
}

// ApplyVoteDelta is the single atomic column-delta UPDATE: no prior SELECT,
// confirmation_count and trust_score move in the same statement.
func (s *Store) ApplyVoteDelta(ctx context.Context, traceID uuid.UUID, weight float64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE traces SET confirmation_count = confirmation_count + 1, trust_score = trust_score + ?, updated_at = ?
		WHERE id = ?
	`, weight, time.Now(), traceID.String())
	return err
}

// GetTraceForPromotion re-queries just what trust.ApplyVote needs to decide
// on promotion, after the delta has already landed.
func (s *Store) GetTraceForPromotion(ctx context.Context, traceID uuid.UUID) (model.TraceStatus, int, float64, error) {
	var status string
	var confirmations int
	var trustScore float64
	err := s.db.QueryRowContext(ctx, `SELECT status, confirmation_count, trust_score FROM traces WHERE id = ?`, traceID.String()).
		Scan(&status, &confirmations, &trustScore)
	if err == sql.ErrNoRows {
		return "", 0, 0, sql.ErrNoRows
	}
	if err != nil {
		return "", 0, 0, err
	}
	return model.TraceStatus(status), confirmations, trustScore, nil
}

// PromoteTrace flips a trace from pending to validated.
func (s *Store) PromoteTrace(ctx context.Context, traceID uuid.UUID) error {
	_, err := s.db.ExecContext(ctx, `UPDATE traces SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
		string(model.StatusValidated), time.Now(), traceID.String(), string(model.StatusPending))
	return err
}

// TotalTraceCount is used to pick the current maturity tier.
func (s *Store) TotalTraceCount(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM traces`).Scan(&n)
	return n, err
}
