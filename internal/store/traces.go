package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/commontrace/engine/internal/model"
)

// CreateTrace inserts a new trace and indexes its embedding (if present)
// into trace_vec.
func (s *Store) CreateTrace(ctx context.Context, t *model.Trace) error {
	fpJSON, err := json.Marshal(t.ContextFingerprint)
	if err != nil {
		return fmt.Errorf("marshal context fingerprint: %w", err)
	}
	metaJSON, err := json.Marshal(t.Metadata)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO traces (
			id, title, context_text, solution_text, contributor_id, created_at, updated_at,
			embedding, solution_embedding, context_embedding, embedding_model_id, embedding_model_version,
			status, trust_score, confirmation_count,
			last_retrieved_at, retrieval_count, half_life_days, valid_from, valid_until, review_after, watch_condition,
			depth_score, somatic_intensity, impact_level, memory_temperature, trace_type,
			convergence_cluster_id, convergence_level, context_fingerprint,
			is_flagged, flagged_at, is_stale, metadata
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		t.ID.String(), t.Title, t.ContextText, t.SolutionText, t.ContributorID.String(), t.CreatedAt, t.UpdatedAt,
		encodeEmbedding(t.Embedding), encodeEmbedding(t.SolutionEmbedding), encodeEmbedding(t.ContextEmbedding),
		nullString(t.EmbeddingModelID), nullString(t.EmbeddingModelVersion),
		string(t.Status), t.TrustScore, t.ConfirmationCount,
		t.LastRetrievedAt, t.RetrievalCount, t.HalfLifeDays, t.ValidFrom, t.ValidUntil, t.ReviewAfter, t.WatchCondition,
		t.DepthScore, t.SomaticIntensity, string(t.ImpactLevel), temperaturePtrString(t.MemoryTemperature), string(t.TraceType),
		uuidPtrString(t.ConvergenceClusterID), t.ConvergenceLevel, string(fpJSON),
		boolToInt(t.IsFlagged), t.FlaggedAt, boolToInt(t.IsStale), string(metaJSON),
	)
	if err != nil {
		return fmt.Errorf("insert trace: %w", err)
	}

	if err := s.replaceTags(ctx, t.ID, t.Tags); err != nil {
		return err
	}

	if len(t.Embedding) > 0 {
		rowid, err := res.LastInsertId()
		if err == nil {
			s.upsertVecRow(rowid, t.ID.String(), t.Embedding)
		}
	}
	return nil
}

func (s *Store) replaceTags(ctx context.Context, traceID uuid.UUID, tags []string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM trace_tags WHERE trace_id = ?`, traceID.String()); err != nil {
		return fmt.Errorf("clear tags: %w", err)
	}
	for _, tag := range tags {
		if _, err := s.db.ExecContext(ctx, `INSERT OR IGNORE INTO trace_tags (trace_id, tag_name) VALUES (?, ?)`, traceID.String(), tag); err != nil {
			return fmt.Errorf("insert tag %q: %w", tag, err)
		}
	}
	return nil
}

// GetTrace loads one trace by id, including its tags.
func (s *Store) GetTrace(ctx context.Context, id uuid.UUID) (*model.Trace, error) {
	row := s.db.QueryRowContext(ctx, traceSelectColumns+` FROM traces WHERE id = ?`, id.String())
	t, err := scanTrace(row)
	if err != nil {
		return nil, err
	}
	tags, err := s.tagsForTrace(ctx, id)
	if err != nil {
		return nil, err
	}
	t.Tags = tags
	return t, nil
}

func (s *Store) tagsForTrace(ctx context.Context, id uuid.UUID) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT tag_name FROM trace_tags WHERE trace_id = ? ORDER BY tag_name`, id.String())
	if err != nil {
		return nil, fmt.Errorf("load tags: %w", err)
	}
	defer rows.Close()
	var tags []string
	for rows.Next() {
		var tag string
		if err := rows.Scan(&tag); err != nil {
			return nil, err
		}
		tags = append(tags, tag)
	}
	return tags, rows.Err()
}

const traceSelectColumns = `SELECT
	id, title, context_text, solution_text, contributor_id, created_at, updated_at,
	embedding, solution_embedding, context_embedding, embedding_model_id, embedding_model_version,
	status, trust_score, confirmation_count,
	last_retrieved_at, retrieval_count, half_life_days, valid_from, valid_until, review_after, watch_condition,
	depth_score, somatic_intensity, impact_level, memory_temperature, trace_type,
	convergence_cluster_id, convergence_level, context_fingerprint,
	is_flagged, flagged_at, is_stale, metadata`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTrace(row rowScanner) (*model.Trace, error) {
	var t model.Trace
	var id, contributorID string
	var embedding, solutionEmbedding, contextEmbedding []byte
	var modelID, modelVersion sql.NullString
	var status, impactLevel, traceType string
	var temperature, convergenceClusterID sql.NullString
	var convergenceLevel sql.NullInt64
	var fpJSON, metaJSON string
	var isFlagged, isStale int

	err := row.Scan(
		&id, &t.Title, &t.ContextText, &t.SolutionText, &contributorID, &t.CreatedAt, &t.UpdatedAt,
		&embedding, &solutionEmbedding, &contextEmbedding, &modelID, &modelVersion,
		&status, &t.TrustScore, &t.ConfirmationCount,
		&t.LastRetrievedAt, &t.RetrievalCount, &t.HalfLifeDays, &t.ValidFrom, &t.ValidUntil, &t.ReviewAfter, &t.WatchCondition,
		&t.DepthScore, &t.SomaticIntensity, &impactLevel, &temperature, &traceType,
		&convergenceClusterID, &convergenceLevel, &fpJSON,
		&isFlagged, &t.FlaggedAt, &isStale, &metaJSON,
	)
	if err != nil {
		return nil, err
	}

	t.ID = uuid.MustParse(id)
	t.ContributorID = uuid.MustParse(contributorID)
	t.Embedding, _ = decodeEmbedding(embedding)
	t.SolutionEmbedding, _ = decodeEmbedding(solutionEmbedding)
	t.ContextEmbedding, _ = decodeEmbedding(contextEmbedding)
	t.EmbeddingModelID = modelID.String
	t.EmbeddingModelVersion = modelVersion.String
	t.Status = model.TraceStatus(status)
	t.ImpactLevel = model.ImpactLevel(impactLevel)
	t.TraceType = model.TraceType(traceType)
	t.IsFlagged = isFlagged != 0
	t.IsStale = isStale != 0

	if temperature.Valid {
		temp := model.Temperature(temperature.String)
		t.MemoryTemperature = &temp
	}
	if convergenceClusterID.Valid {
		id := uuid.MustParse(convergenceClusterID.String)
		t.ConvergenceClusterID = &id
	}
	if convergenceLevel.Valid {
		lvl := int(convergenceLevel.Int64)
		t.ConvergenceLevel = &lvl
	}
	if fpJSON != "" {
		json.Unmarshal([]byte(fpJSON), &t.ContextFingerprint)
	}
	if metaJSON != "" {
		json.Unmarshal([]byte(metaJSON), &t.Metadata)
	}

	return &t, nil
}

// UpdateEnrichment persists fields the search/enrichment pipeline derives
// after a trace is created (depth score, somatic intensity, fingerprint).
func (s *Store) UpdateEnrichment(ctx context.Context, id uuid.UUID, depthScore int, somaticIntensity float64, fp map[string]string, halfLifeDays int) error {
	fpJSON, _ := json.Marshal(fp)
	_, err := s.db.ExecContext(ctx, `
		UPDATE traces SET depth_score = ?, somatic_intensity = ?, context_fingerprint = ?, half_life_days = ?, updated_at = ?
		WHERE id = ?
	`, depthScore, somaticIntensity, string(fpJSON), halfLifeDays, time.Now(), id.String())
	return err
}

// AmendTrace applies a contributor-submitted correction to a trace's
// context/solution text and/or tags. Since content changed, the embedding is
// cleared so the embedding worker re-embeds it on its next poll (§4.4 is the
// sole writer of embedding* afterwards).
func (s *Store) AmendTrace(ctx context.Context, id uuid.UUID, contextText, solutionText *string, tags []string) error {
	if contextText != nil {
		if _, err := s.db.ExecContext(ctx, `UPDATE traces SET context_text = ?, embedding = NULL, updated_at = ? WHERE id = ?`,
			*contextText, time.Now(), id.String()); err != nil {
			return err
		}
	}
	if solutionText != nil {
		if _, err := s.db.ExecContext(ctx, `UPDATE traces SET solution_text = ?, embedding = NULL, solution_embedding = NULL, updated_at = ? WHERE id = ?`,
			*solutionText, time.Now(), id.String()); err != nil {
			return err
		}
	}
	if tags != nil {
		if err := s.replaceTags(ctx, id, tags); err != nil {
			return err
		}
	}
	if contextText != nil || solutionText != nil {
		s.mu.Lock()
		vecReady := s.vecDim != 0
		s.mu.Unlock()
		if vecReady {
			if _, err := s.db.ExecContext(ctx, `DELETE FROM trace_vec WHERE trace_id = ?`, id.String()); err != nil {
				return err
			}
		}
	}
	return nil
}

// SetEmbedding stores a freshly computed embedding and (re)indexes it.
func (s *Store) SetEmbedding(ctx context.Context, id uuid.UUID, field string, vec []float32, modelID, modelVersion string) error {
	column := map[string]string{
		"embedding":          "embedding",
		"solution_embedding": "solution_embedding",
		"context_embedding":  "context_embedding",
	}[field]
	if column == "" {
		return fmt.Errorf("unknown embedding field %q", field)
	}

	_, err := s.db.ExecContext(ctx, fmt.Sprintf(`
		UPDATE traces SET %s = ?, embedding_model_id = ?, embedding_model_version = ?, updated_at = ?
		WHERE id = ?
	`, column), encodeEmbedding(vec), modelID, modelVersion, time.Now(), id.String())
	if err != nil {
		return err
	}

	if column == "embedding" {
		var rowid int64
		if err := s.db.QueryRowContext(ctx, `SELECT rowid FROM traces WHERE id = ?`, id.String()).Scan(&rowid); err == nil {
			s.upsertVecRow(rowid, id.String(), vec)
		}
	}
	return nil
}

// PendingEmbeddingTraces returns up to limit traces missing a top-level
// embedding, oldest first — the embedding worker's poll query.
func (s *Store) PendingEmbeddingTraces(ctx context.Context, limit int) ([]*model.Trace, error) {
	rows, err := s.db.QueryContext(ctx, traceSelectColumns+`
		FROM traces WHERE embedding IS NULL ORDER BY created_at ASC LIMIT ?`, limit)
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

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func uuidPtrString(id *uuid.UUID) any {
	if id == nil {
		return nil
	}
	return id.String()
}

func temperaturePtrString(t *model.Temperature) any {
	if t == nil {
		return nil
	}
	return string(*t)
}
