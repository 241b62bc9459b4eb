package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/commontrace/engine/internal/model"
)

// StartConsolidationRun inserts a running audit record for one sleep cycle.
func (s *Store) StartConsolidationRun(ctx context.Context, id uuid.UUID, startedAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO consolidation_runs (id, started_at, status) VALUES (?, ?, ?)
	`, id.String(), startedAt, string(model.RunRunning))
	return err
}

// FinishConsolidationRun closes out an audit record with its final status
// and per-sub-job stats.
func (s *Store) FinishConsolidationRun(ctx context.Context, id uuid.UUID, completedAt time.Time, status model.ConsolidationRunStatus, stats map[string]any) error {
	statsJSON, err := json.Marshal(stats)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		UPDATE consolidation_runs SET completed_at = ?, status = ?, stats = ? WHERE id = ?
	`, completedAt, string(status), string(statsJSON), id.String())
	return err
}

// MostRecentConsolidationRun supports the idempotency gate: don't start a
// new cycle if one completed too recently.
func (s *Store) MostRecentConsolidationRun(ctx context.Context) (*model.ConsolidationRun, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, started_at, completed_at, status, stats FROM consolidation_runs
		ORDER BY started_at DESC LIMIT 1
	`)
	var r model.ConsolidationRun
	var id, status string
	var statsJSON sql.NullString
	if err := row.Scan(&id, &r.StartedAt, &r.CompletedAt, &status, &statsJSON); err != nil {
		return nil, err
	}
	r.ID = uuid.MustParse(id)
	r.Status = model.ConsolidationRunStatus(status)
	if statsJSON.Valid && statsJSON.String != "" {
		json.Unmarshal([]byte(statsJSON.String), &r.Stats)
	}
	return &r, nil
}

// AllTraces loads every trace, for the consolidation worker's batch
// sub-jobs (maturity probing, trust downscaling, convergence clustering),
// which reason over the whole knowledge base rather than a query slice.
func (s *Store) AllTraces(ctx context.Context) ([]*model.Trace, error) {
	rows, err := s.db.QueryContext(ctx, traceSelectColumns+` FROM traces`)
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
	if err := rows.Err(); err != nil {
		return nil, err
	}
	rows.Close()
	for _, t := range out {
		if t.Tags, err = s.tagsForTrace(ctx, t.ID); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// EpisodicTraces loads only trace_type='episodic' traces, excluding
// synthesized patterns, for jobs that shouldn't re-synthesize from their
// own output (convergence clustering, pattern synthesis source selection).
func (s *Store) EpisodicTraces(ctx context.Context) ([]*model.Trace, error) {
	rows, err := s.db.QueryContext(ctx, traceSelectColumns+` FROM traces WHERE trace_type = ?`, string(model.TraceTypeEpisodic))
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

// ApplyTrustMultiplier scales every trace's positive trust_score by factor
// — the per-cycle downscaling sub-job's bulk update (§4.2.b: a no-op for
// rows that are already at or below zero trust).
func (s *Store) ApplyTrustMultiplier(ctx context.Context, factor float64) (int64, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE traces SET trust_score = trust_score * ?, updated_at = ? WHERE trust_score > 0`, factor, time.Now())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// SetTemperature persists the consolidation worker's reclassification.
// is_stale tracks the FROZEN classification in both directions: a frozen
// trace is stale, a thawed one isn't.
func (s *Store) SetTemperature(ctx context.Context, id uuid.UUID, temp model.Temperature) error {
	_, err := s.db.ExecContext(ctx, `UPDATE traces SET memory_temperature = ?, is_stale = ?, updated_at = ? WHERE id = ?`,
		string(temp), boolToInt(temp == model.TemperatureFrozen), time.Now(), id.String())
	return err
}

// SetConvergence persists a trace's cluster assignment.
func (s *Store) SetConvergence(ctx context.Context, id uuid.UUID, clusterID uuid.UUID, level int) error {
	_, err := s.db.ExecContext(ctx, `UPDATE traces SET convergence_cluster_id = ?, convergence_level = ?, updated_at = ? WHERE id = ?`,
		clusterID.String(), level, time.Now(), id.String())
	return err
}

// CreatePatternTrace inserts a synthesized pattern trace, attributed to the
// reserved system user.
func (s *Store) CreatePatternTrace(ctx context.Context, t *model.Trace) error {
	t.ContributorID = model.SystemUserID
	t.TraceType = model.TraceTypePattern
	return s.CreateTrace(ctx, t)
}
