package store

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/commontrace/engine/internal/model"
)

// UpsertRelationship creates or strengthens a directed edge between two
// traces. Used for CO_RETRIEVED bumps, PATTERN_SOURCE, ALTERNATIVE_TO,
// CONTRADICTS and SUPERSEDES edges alike.
func (s *Store) UpsertRelationship(ctx context.Context, sourceID, targetID uuid.UUID, relType model.RelationshipType, strength float64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO trace_relationships (id, source_trace_id, target_trace_id, relationship_type, strength, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(source_trace_id, target_trace_id, relationship_type)
		DO UPDATE SET strength = excluded.strength, updated_at = excluded.updated_at
	`, uuid.New().String(), sourceID.String(), targetID.String(), string(relType), strength, time.Now())
	return err
}

// BumpRelationshipStrength increments an existing edge's strength by delta,
// creating it at strength=delta if it doesn't exist yet. Used by the
// CO_RETRIEVED co-occurrence counter, which accumulates rather than
// overwrites.
func (s *Store) BumpRelationshipStrength(ctx context.Context, sourceID, targetID uuid.UUID, relType model.RelationshipType, delta float64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO trace_relationships (id, source_trace_id, target_trace_id, relationship_type, strength, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(source_trace_id, target_trace_id, relationship_type)
		DO UPDATE SET strength = strength + excluded.strength, updated_at = excluded.updated_at
	`, uuid.New().String(), sourceID.String(), targetID.String(), string(relType), delta, time.Now())
	return err
}

// RelationshipsFrom loads every outgoing edge of the given type(s) from one
// trace. §9(b) resolves related-trace direction to outgoing-only.
func (s *Store) RelationshipsFrom(ctx context.Context, sourceID uuid.UUID, types []model.RelationshipType) ([]*model.TraceRelationship, error) {
	placeholders := make([]string, len(types))
	args := make([]any, 0, len(types)+1)
	args = append(args, sourceID.String())
	for i, t := range types {
		placeholders[i] = "?"
		args = append(args, string(t))
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, source_trace_id, target_trace_id, relationship_type, strength, updated_at
		FROM trace_relationships
		WHERE source_trace_id = ? AND relationship_type IN (`+joinPlaceholders(placeholders)+`)
	`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.TraceRelationship
	for rows.Next() {
		r, err := scanRelationship(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// RelationshipsFromMany batches RelationshipsFrom over several sources —
// used by spreading activation's neighbor fetch (≤20 sources, ≤50 results)
// and the related-trace attachment pass. Edges pointing at flagged traces
// are filtered out here so neither path can surface a flagged trace the
// candidate fetch already refused to return.
func (s *Store) RelationshipsFromMany(ctx context.Context, sourceIDs []uuid.UUID, types []model.RelationshipType, limit int) ([]*model.TraceRelationship, error) {
	if len(sourceIDs) == 0 || len(types) == 0 {
		return nil, nil
	}

	sourcePH := make([]string, len(sourceIDs))
	args := make([]any, 0, len(sourceIDs)+len(types)+1)
	for i, id := range sourceIDs {
		sourcePH[i] = "?"
		args = append(args, id.String())
	}
	typePH := make([]string, len(types))
	for i, t := range types {
		typePH[i] = "?"
		args = append(args, string(t))
	}
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, `
		SELECT tr.id, tr.source_trace_id, tr.target_trace_id, tr.relationship_type, tr.strength, tr.updated_at
		FROM trace_relationships tr
		JOIN traces t ON t.id = tr.target_trace_id AND t.is_flagged = 0
		WHERE tr.source_trace_id IN (`+joinPlaceholders(sourcePH)+`)
		AND tr.relationship_type IN (`+joinPlaceholders(typePH)+`)
		ORDER BY tr.strength DESC
		LIMIT ?
	`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.TraceRelationship
	for rows.Next() {
		r, err := scanRelationship(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func scanRelationship(row rowScanner) (*model.TraceRelationship, error) {
	var r model.TraceRelationship
	var id, sourceID, targetID, relType string
	if err := row.Scan(&id, &sourceID, &targetID, &relType, &r.Strength, &r.UpdatedAt); err != nil {
		return nil, err
	}
	r.ID = uuid.MustParse(id)
	r.SourceID = uuid.MustParse(sourceID)
	r.TargetID = uuid.MustParse(targetID)
	r.Type = model.RelationshipType(relType)
	return &r, nil
}
