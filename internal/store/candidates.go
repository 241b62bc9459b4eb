package store

import (
	"context"
	"fmt"
	"time"

	sqlite_vec "github.com/asg017/sqlite-vec-go-bindings/cgo"
	"github.com/google/uuid"

	"github.com/commontrace/engine/internal/model"
)

// SearchOptions controls candidate fetch. OverFetch stands in for the
// HNSW-specific "tune ef_search per-transaction" knob spec.md asks for:
// sqlite-vec's vec0 does brute-force KNN rather than HNSW, so tuning here
// means fetching OverFetch times more candidates than Limit before ranking,
// not adjusting a graph-search accuracy parameter.
//
// RequiredTags, IncludeExpired and CurrentEmbeddingModelID implement §4.1
// step 3's candidate filters: an AND-semantics tag match (every normalized
// tag name must be present, not just one), an embedding-model-id pin so a
// re-embedding migration can't mix vectors from two models in one ranking,
// and the valid_until expiry window.
type SearchOptions struct {
	Limit     int
	OverFetch int

	RequiredTags            []string
	IncludeExpired          bool
	CurrentEmbeddingModelID string
	Now                     time.Time
}

func (o SearchOptions) fetchCount() int {
	over := o.OverFetch
	if over < 1 {
		over = 1
	}
	n := o.Limit * over
	if n < o.Limit {
		n = o.Limit
	}
	return n
}

func (o SearchOptions) now() time.Time {
	if o.Now.IsZero() {
		return time.Now()
	}
	return o.Now
}

// Candidate is one trace plus the similarity that put it in this result set.
type Candidate struct {
	Trace      *model.Trace
	Similarity float64
}

// SemanticCandidates runs an ANN KNN search over trace_vec and returns the
// matching traces ordered by cosine similarity, descending, after applying
// §4.1 step 3's semantic-path filters (flagged, expiry, model id, AND-tags).
func (s *Store) SemanticCandidates(ctx context.Context, queryEmbedding []float32, opts SearchOptions) ([]Candidate, error) {
	if !s.vecAvailable || len(queryEmbedding) == 0 {
		return nil, nil
	}
	if err := s.ensureVecTable(len(queryEmbedding)); err != nil {
		return nil, fmt.Errorf("ensure vec table: %w", err)
	}

	query := normalizeFloat32(queryEmbedding)
	rows, err := s.db.QueryContext(ctx, `
		SELECT trace_id, distance FROM trace_vec
		WHERE embedding MATCH ? AND k = ?
		ORDER BY distance
	`, mustSerialize(query), opts.fetchCount())
	if err != nil {
		return nil, fmt.Errorf("vec knn query: %w", err)
	}
	defer rows.Close()

	type hit struct {
		id   string
		dist float64
	}
	var hits []hit
	for rows.Next() {
		var h hit
		if err := rows.Scan(&h.id, &h.dist); err != nil {
			return nil, err
		}
		hits = append(hits, h)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	now := opts.now()
	out := make([]Candidate, 0, len(hits))
	for _, h := range hits {
		id, err := uuid.Parse(h.id)
		if err != nil {
			continue
		}
		t, err := s.GetTrace(ctx, id)
		if err != nil {
			continue
		}
		if !passesCandidateFilters(t, opts, now) {
			continue
		}
		out = append(out, Candidate{Trace: t, Similarity: l2ToCosineSim(h.dist)})
	}
	return out, nil
}

// passesCandidateFilters applies the filters §4.1 step 3 names for both the
// semantic and tag-only paths: never flagged, AND-semantics on the required
// tag set, model-id pin (semantic path only — embedding_model_id is empty
// for traces with no embedding, so this only bites when one is set), and
// expiry unless IncludeExpired.
func passesCandidateFilters(t *model.Trace, opts SearchOptions, now time.Time) bool {
	if t.IsFlagged {
		return false
	}
	if opts.CurrentEmbeddingModelID != "" && t.EmbeddingModelID != opts.CurrentEmbeddingModelID {
		return false
	}
	if !opts.IncludeExpired && t.ValidUntil != nil && t.ValidUntil.Before(now) {
		return false
	}
	if len(opts.RequiredTags) > 0 {
		have := make(map[string]bool, len(t.Tags))
		for _, tag := range t.Tags {
			have[tag] = true
		}
		for _, tag := range opts.RequiredTags {
			if !have[tag] {
				return false
			}
		}
	}
	return true
}

// TagCandidates fetches traces matching every one of the given tags (AND
// semantics, §4.1 step 3: "group-having distinct-count = |tags|") for the
// tag-only (no query text) search path. Similarity is reported as 0 on
// every result — ranking still applies trust/decay/context factors, it just
// has no embedding-derived signal to weight by.
func (s *Store) TagCandidates(ctx context.Context, tags []string, opts SearchOptions) ([]Candidate, error) {
	if len(tags) == 0 {
		return nil, nil
	}

	placeholders := make([]string, len(tags))
	args := make([]any, len(tags))
	for i, t := range tags {
		placeholders[i] = "?"
		args[i] = t
	}

	expiryClause := "1 = 1"
	if !opts.IncludeExpired {
		expiryClause = "(t.valid_until IS NULL OR t.valid_until >= ?)"
		args = append(args, opts.now())
	}
	args = append(args, len(tags), opts.fetchCount())

	query := fmt.Sprintf(`
		SELECT t.id
		FROM traces t
		JOIN trace_tags tt ON tt.trace_id = t.id
		WHERE tt.tag_name IN (%s) AND t.is_flagged = 0 AND %s
		GROUP BY t.id
		HAVING COUNT(DISTINCT tt.tag_name) = ?
		ORDER BY t.trust_score DESC
		LIMIT ?
	`, joinPlaceholders(placeholders), expiryClause)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("tag candidate query: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]Candidate, 0, len(ids))
	for _, idStr := range ids {
		id, err := uuid.Parse(idStr)
		if err != nil {
			continue
		}
		t, err := s.GetTrace(ctx, id)
		if err != nil {
			continue
		}
		out = append(out, Candidate{Trace: t, Similarity: 0})
	}
	return out, nil
}

func joinPlaceholders(ph []string) string {
	out := ph[0]
	for _, p := range ph[1:] {
		out += "," + p
	}
	return out
}

func mustSerialize(v []float32) []byte {
	b, err := sqlite_vec.SerializeFloat32(v)
	if err != nil {
		return nil
	}
	return b
}
