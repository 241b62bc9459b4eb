package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// InsertTriggerStats records one opaque per-session analytics payload
// submitted via POST /api/v1/telemetry/triggers. The core engine treats
// TriggerStats as write-only telemetry — nothing downstream reads it back.
func (s *Store) InsertTriggerStats(ctx context.Context, sessionID string, payload map[string]any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO telemetry_triggers (id, search_session_id, received_at, payload) VALUES (?, ?, ?, ?)
	`, uuid.New().String(), sessionID, time.Now(), string(body))
	return err
}
