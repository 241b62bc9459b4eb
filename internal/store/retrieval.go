package store

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/commontrace/engine/internal/model"
)

// BumpRetrieval increments retrieval_count and sets last_retrieved_at —
// the Hebbian "use resets freshness" update applied on every trace returned
// from search.
func (s *Store) BumpRetrieval(ctx context.Context, id uuid.UUID, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE traces SET retrieval_count = retrieval_count + 1, last_retrieved_at = ?
		WHERE id = ?
	`, at, id.String())
	return err
}

// InsertRetrievalLog records one trace's appearance in one search response.
func (s *Store) InsertRetrievalLog(ctx context.Context, l *model.RetrievalLog) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO retrieval_logs (id, trace_id, search_session_id, result_position, retrieved_at)
		VALUES (?, ?, ?, ?, ?)
	`, uuid.New().String(), l.TraceID.String(), l.SearchSessionID, l.ResultPosition, l.RetrievedAt)
	return err
}

// RetrievalLogsInSession returns every retrieval log from one search
// session, ordered by result position — used by the RIF-shadow sub-job to
// find winner/loser co-occurrences.
func (s *Store) RetrievalLogsInSession(ctx context.Context, sessionID string) ([]*model.RetrievalLog, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, trace_id, search_session_id, result_position, retrieved_at
		FROM retrieval_logs WHERE search_session_id = ? ORDER BY result_position ASC
	`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.RetrievalLog
	for rows.Next() {
		var l model.RetrievalLog
		var id, traceID string
		if err := rows.Scan(&id, &traceID, &l.SearchSessionID, &l.ResultPosition, &l.RetrievedAt); err != nil {
			return nil, err
		}
		l.ID = uuid.MustParse(id)
		l.TraceID = uuid.MustParse(traceID)
		out = append(out, &l)
	}
	return out, rows.Err()
}

// RecentSessionIDs returns distinct search session ids with a retrieval log
// newer than since — the consolidation worker walks these to rebuild
// CO_RETRIEVED edges and RIF shadows.
func (s *Store) RecentSessionIDs(ctx context.Context, since time.Time) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT search_session_id FROM retrieval_logs WHERE retrieved_at >= ?
	`, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// PruneRetrievalLogs deletes retrieval logs older than olderThan, returning
// the number removed.
func (s *Store) PruneRetrievalLogs(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM retrieval_logs WHERE retrieved_at < ?`, olderThan)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
