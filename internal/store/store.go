// Package store is the sqlite-vec backed persistence layer for traces,
// votes, tags, relationships, retrieval logs, RIF shadows, tag trends and
// consolidation runs. Grounded on internal/graph/db.go's vec0 setup (the
// normalize-for-L2 trick that makes cosine search possible on top of a
// plain L2 ANN index) and internal/graph/traces.go's CRUD shape.
package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"math"
	"os"
	"path/filepath"
	"sync"

	sqlite_vec "github.com/asg017/sqlite-vec-go-bindings/cgo"
	_ "github.com/mattn/go-sqlite3"
)

func init() {
	sqlite_vec.Auto()
}

// Store wraps the sqlite connection backing one CommonTrace knowledge base.
type Store struct {
	db  *sql.DB
	mu  sync.Mutex // guards vecDim/ensureVecTable, which rewrite a virtual table
	vecAvailable bool
	vecDim       int
}

// Open opens (creating if necessary) the sqlite database at dataDir/commontrace.db.
func Open(dataDir string) (*Store, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	dbPath := filepath.Join(dataDir, "commontrace.db")

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	var vecVersion string
	if err := db.QueryRow("SELECT vec_version()").Scan(&vecVersion); err != nil {
		log.Printf("[store] sqlite-vec not available: %v — semantic candidate fetch disabled", err)
	} else {
		log.Printf("[store] sqlite-vec %s loaded", vecVersion)
		s.vecAvailable = true
		if err := s.initVecTableFromTraces(); err != nil {
			log.Printf("[store] vec init warning: %v", err)
		}
	}

	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

const schema = `
CREATE TABLE IF NOT EXISTS schema_version (
	version INTEGER PRIMARY KEY,
	applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS traces (
	id TEXT PRIMARY KEY,
	title TEXT NOT NULL,
	context_text TEXT NOT NULL,
	solution_text TEXT NOT NULL,
	contributor_id TEXT NOT NULL,
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL,

	embedding BLOB,
	solution_embedding BLOB,
	context_embedding BLOB,
	embedding_model_id TEXT,
	embedding_model_version TEXT,

	status TEXT NOT NULL DEFAULT 'pending',
	trust_score REAL NOT NULL DEFAULT 0,
	confirmation_count INTEGER NOT NULL DEFAULT 0,

	last_retrieved_at DATETIME,
	retrieval_count INTEGER NOT NULL DEFAULT 0,
	half_life_days INTEGER,
	valid_from DATETIME,
	valid_until DATETIME,
	review_after DATETIME,
	watch_condition TEXT,

	depth_score INTEGER NOT NULL DEFAULT 0,
	somatic_intensity REAL NOT NULL DEFAULT 0,
	impact_level TEXT NOT NULL DEFAULT 'normal',
	memory_temperature TEXT,
	trace_type TEXT NOT NULL DEFAULT 'episodic',

	convergence_cluster_id TEXT,
	convergence_level INTEGER,

	context_fingerprint TEXT,

	is_flagged INTEGER NOT NULL DEFAULT 0,
	flagged_at DATETIME,
	is_stale INTEGER NOT NULL DEFAULT 0,

	metadata TEXT
);

CREATE INDEX IF NOT EXISTS idx_traces_status ON traces(status);
CREATE INDEX IF NOT EXISTS idx_traces_trace_type ON traces(trace_type);
CREATE INDEX IF NOT EXISTS idx_traces_temperature ON traces(memory_temperature);
CREATE INDEX IF NOT EXISTS idx_traces_convergence_cluster ON traces(convergence_cluster_id);
CREATE INDEX IF NOT EXISTS idx_traces_last_retrieved ON traces(last_retrieved_at);

CREATE TABLE IF NOT EXISTS trace_tags (
	trace_id TEXT NOT NULL REFERENCES traces(id) ON DELETE CASCADE,
	tag_name TEXT NOT NULL,
	PRIMARY KEY (trace_id, tag_name)
);
CREATE INDEX IF NOT EXISTS idx_trace_tags_tag ON trace_tags(tag_name);

CREATE TABLE IF NOT EXISTS votes (
	id TEXT PRIMARY KEY,
	user_id TEXT NOT NULL,
	trace_id TEXT NOT NULL REFERENCES traces(id) ON DELETE CASCADE,
	vote_type TEXT NOT NULL,
	created_at DATETIME NOT NULL,
	UNIQUE(user_id, trace_id)
);

CREATE TABLE IF NOT EXISTS trace_relationships (
	id TEXT PRIMARY KEY,
	source_trace_id TEXT NOT NULL REFERENCES traces(id) ON DELETE CASCADE,
	target_trace_id TEXT NOT NULL REFERENCES traces(id) ON DELETE CASCADE,
	relationship_type TEXT NOT NULL,
	strength REAL NOT NULL DEFAULT 0,
	updated_at DATETIME NOT NULL,
	UNIQUE(source_trace_id, target_trace_id, relationship_type)
);
CREATE INDEX IF NOT EXISTS idx_trace_rel_source ON trace_relationships(source_trace_id, relationship_type);

CREATE TABLE IF NOT EXISTS retrieval_logs (
	id TEXT PRIMARY KEY,
	trace_id TEXT NOT NULL REFERENCES traces(id) ON DELETE CASCADE,
	search_session_id TEXT NOT NULL,
	result_position INTEGER,
	retrieved_at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_retrieval_logs_session ON retrieval_logs(search_session_id);
CREATE INDEX IF NOT EXISTS idx_retrieval_logs_trace ON retrieval_logs(trace_id);

CREATE TABLE IF NOT EXISTS rif_shadows (
	loser_id TEXT NOT NULL REFERENCES traces(id) ON DELETE CASCADE,
	winner_id TEXT NOT NULL REFERENCES traces(id) ON DELETE CASCADE,
	loss_count INTEGER NOT NULL DEFAULT 0,
	last_observed DATETIME NOT NULL,
	PRIMARY KEY (loser_id, winner_id)
);

CREATE TABLE IF NOT EXISTS tag_trends (
	tag_name TEXT NOT NULL,
	period_start DATETIME NOT NULL,
	period_end DATETIME NOT NULL,
	trace_count_period INTEGER NOT NULL,
	trace_count_prior INTEGER NOT NULL,
	growth_rate REAL NOT NULL,
	is_trending INTEGER NOT NULL,
	PRIMARY KEY (tag_name, period_end)
);

CREATE TABLE IF NOT EXISTS consolidation_runs (
	id TEXT PRIMARY KEY,
	started_at DATETIME NOT NULL,
	completed_at DATETIME,
	status TEXT NOT NULL,
	stats TEXT
);

CREATE TABLE IF NOT EXISTS telemetry_triggers (
	id TEXT PRIMARY KEY,
	search_session_id TEXT,
	received_at DATETIME NOT NULL,
	payload TEXT NOT NULL
);
`

func (s *Store) migrate() error {
	if _, err := s.db.Exec(schema); err != nil {
		return err
	}
	var version int
	s.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&version)
	if version < 1 {
		s.db.Exec("INSERT INTO schema_version (version) VALUES (1)")
	}
	return nil
}

// initVecTableFromTraces determines the embedding dimension from whatever
// trace already has one and builds trace_vec against it. No-ops on an empty
// database; the first CreateTrace with an embedding will call ensureVecTable.
func (s *Store) initVecTableFromTraces() error {
	var embBytes []byte
	err := s.db.QueryRow(`SELECT embedding FROM traces WHERE embedding IS NOT NULL AND LENGTH(embedding) > 4 LIMIT 1`).Scan(&embBytes)
	if err != nil {
		return nil
	}
	vec, err := decodeEmbedding(embBytes)
	if err != nil || len(vec) == 0 {
		return nil
	}
	return s.ensureVecTable(len(vec))
}

// ensureVecTable creates the trace_vec virtual table at the given dimension
// (once) and backfills any traces already carrying an embedding. Uses the
// traces table's rowid as the vec0 rowid, plus an auxiliary +trace_id column,
// which avoids vec0's awkward TEXT-primary-key partitioning behavior.
func (s *Store) ensureVecTable(dim int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.vecDim == dim {
		return nil
	}
	if s.vecDim != 0 && s.vecDim != dim {
		return fmt.Errorf("embedding dim %d doesn't match existing trace_vec dim %d", dim, s.vecDim)
	}

	if _, err := s.db.Exec(fmt.Sprintf(`
		CREATE VIRTUAL TABLE IF NOT EXISTS trace_vec USING vec0(
			embedding float[%d],
			+trace_id TEXT
		)
	`, dim)); err != nil {
		return fmt.Errorf("create trace_vec(float[%d]): %w", dim, err)
	}
	s.vecDim = dim

	rows, err := s.db.Query(`SELECT rowid, id, embedding FROM traces WHERE embedding IS NOT NULL`)
	if err != nil {
		return nil
	}
	defer rows.Close()

	tx, err := s.db.Begin()
	if err != nil {
		return nil
	}
	var count int
	for rows.Next() {
		var rowid int64
		var id string
		var emb []byte
		if err := rows.Scan(&rowid, &id, &emb); err != nil {
			continue
		}
		vec, err := decodeEmbedding(emb)
		if err != nil || len(vec) != dim {
			continue
		}
		serialized, serErr := sqlite_vec.SerializeFloat32(normalizeFloat32(vec))
		if serErr != nil {
			continue
		}
		tx.Exec(`DELETE FROM trace_vec WHERE rowid = ?`, rowid)
		if _, err := tx.Exec(`INSERT INTO trace_vec(rowid, embedding, trace_id) VALUES (?, ?, ?)`, rowid, serialized, id); err != nil {
			continue
		}
		count++
	}
	if err := tx.Commit(); err != nil {
		return nil
	}
	if count > 0 {
		log.Printf("[store] vec backfill: indexed %d traces (dim=%d)", count, dim)
	}
	return nil
}

// upsertVecRow indexes (or re-indexes) one trace's embedding into trace_vec.
func (s *Store) upsertVecRow(rowid int64, id string, emb []float32) {
	if err := s.ensureVecTable(len(emb)); err != nil {
		log.Printf("[store] vec upsert skipped for %s: %v", id, err)
		return
	}
	serialized, err := sqlite_vec.SerializeFloat32(normalizeFloat32(emb))
	if err != nil {
		return
	}
	s.db.Exec(`DELETE FROM trace_vec WHERE rowid = ?`, rowid)
	if _, err := s.db.Exec(`INSERT INTO trace_vec(rowid, embedding, trace_id) VALUES (?, ?, ?)`, rowid, serialized, id); err != nil {
		log.Printf("[store] vec upsert failed for %s: %v", id, err)
	}
}

// normalizeFloat32 returns a unit-length copy of v. Normalizing before
// storing in vec0 makes L2 distance equivalent to cosine distance:
// cosine_dist = L2_dist²/2 for unit vectors.
func normalizeFloat32(v []float32) []float32 {
	var norm float64
	for _, x := range v {
		norm += float64(x) * float64(x)
	}
	if norm == 0 {
		return v
	}
	norm = math.Sqrt(norm)
	out := make([]float32, len(v))
	for i, x := range v {
		out[i] = float32(float64(x) / norm)
	}
	return out
}

func cosineDistToL2(cosineDist float64) float64 {
	return math.Sqrt(2.0 * cosineDist)
}

func l2ToCosineSim(l2dist float64) float64 {
	return 1.0 - (l2dist*l2dist)/2.0
}

func encodeEmbedding(v []float32) []byte {
	if v == nil {
		return nil
	}
	b, _ := json.Marshal(v)
	return b
}

func decodeEmbedding(b []byte) ([]float32, error) {
	if len(b) == 0 {
		return nil, nil
	}
	var v []float32
	if err := json.Unmarshal(b, &v); err != nil {
		return nil, err
	}
	return v, nil
}

// Stats returns row counts for the core tables, used by the health endpoint.
func (s *Store) Stats() (map[string]int, error) {
	stats := make(map[string]int)
	tables := []string{"traces", "votes", "trace_relationships", "retrieval_logs", "rif_shadows", "tag_trends"}
	for _, t := range tables {
		var n int
		if err := s.db.QueryRow(fmt.Sprintf("SELECT COUNT(*) FROM %s", t)).Scan(&n); err != nil {
			return nil, err
		}
		stats[t] = n
	}
	return stats, nil
}

// Clear removes all data. Used by tests only.
func (s *Store) Clear() error {
	tables := []string{
		"trace_relationships", "retrieval_logs", "rif_shadows", "tag_trends",
		"votes", "trace_tags", "traces", "consolidation_runs", "telemetry_triggers",
	}
	for _, t := range tables {
		if _, err := s.db.Exec(fmt.Sprintf("DELETE FROM %s", t)); err != nil {
			return fmt.Errorf("clear %s: %w", t, err)
		}
	}
	s.db.Exec(`DELETE FROM trace_vec`)
	return nil
}
