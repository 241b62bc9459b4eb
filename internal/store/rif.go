package store

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/commontrace/engine/internal/model"
)

// UpsertRifShadow records (or bumps by count) one winner/loser shadow.
// Called when a trace at position 0 repeatedly outranks another trace in
// the same session.
func (s *Store) UpsertRifShadow(ctx context.Context, loserID, winnerID uuid.UUID, count int, observedAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO rif_shadows (loser_id, winner_id, loss_count, last_observed)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(loser_id, winner_id) DO UPDATE SET
			loss_count = loss_count + excluded.loss_count,
			last_observed = excluded.last_observed
	`, loserID.String(), winnerID.String(), count, observedAt)
	return err
}

// RifShadowsAbove returns shadow pairs whose loss_count has reached the
// given threshold — the set the consolidation worker flags or demotes.
func (s *Store) RifShadowsAbove(ctx context.Context, minLossCount int) ([]*model.RifShadow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT loser_id, winner_id, loss_count, last_observed FROM rif_shadows WHERE loss_count >= ?
	`, minLossCount)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.RifShadow
	for rows.Next() {
		var r model.RifShadow
		var loserID, winnerID string
		if err := rows.Scan(&loserID, &winnerID, &r.LossCount, &r.LastObserved); err != nil {
			return nil, err
		}
		r.LoserID = uuid.MustParse(loserID)
		r.WinnerID = uuid.MustParse(winnerID)
		out = append(out, &r)
	}
	return out, rows.Err()
}

// FlagTrace marks a trace as flagged (used when RIF shadows or
// contradictions surface a trace that should be reviewed).
func (s *Store) FlagTrace(ctx context.Context, id uuid.UUID, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `UPDATE traces SET is_flagged = 1, flagged_at = ?, updated_at = ? WHERE id = ?`,
		at, at, id.String())
	return err
}

// MarkStale retires a trace whose review_after has passed: stale and
// frozen, but never deleted — prospective memory expiry is a forgetting
// signal, not a removal.
func (s *Store) MarkStale(ctx context.Context, id uuid.UUID) error {
	_, err := s.db.ExecContext(ctx, `UPDATE traces SET is_stale = 1, memory_temperature = ?, updated_at = ? WHERE id = ?`,
		string(model.TemperatureFrozen), time.Now(), id.String())
	return err
}

// TracesDueForReview returns traces whose review_after has passed and which
// are not yet marked stale — the prospective-memory sub-job's candidate set.
func (s *Store) TracesDueForReview(ctx context.Context, now time.Time) ([]*model.Trace, error) {
	rows, err := s.db.QueryContext(ctx, traceSelectColumns+`
		FROM traces WHERE review_after IS NOT NULL AND review_after <= ? AND is_stale = 0`, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.Trace
	for rows.Next() {
		t, err := scanTrace(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}
