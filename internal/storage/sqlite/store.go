// Package sqlite implements storage.AnalysisStore on embedded SQLite
// via modernc.org/sqlite. Embeddings are stored as little-endian
// float32 BLOBs and cosine similarity is computed in-process, which is
// adequate for moderate catalogs and makes this the test backend.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite" // SQLite driver

	"github.com/scrypster/materio/internal/storage"
	"github.com/scrypster/materio/pkg/types"
)

// Schema is the embedded DDL applied on open.
const Schema = `
CREATE TABLE IF NOT EXISTS analysis_results (
	material_id           TEXT NOT NULL,
	source_image_hash     TEXT NOT NULL,
	material_type         TEXT NOT NULL,
	surface_texture       TEXT NOT NULL DEFAULT '',
	color_description     TEXT NOT NULL DEFAULT '',
	finish_type           TEXT NOT NULL DEFAULT '',
	pattern_grain         TEXT NOT NULL DEFAULT '',
	reflectivity          TEXT NOT NULL DEFAULT '',
	structural_properties TEXT NOT NULL DEFAULT '{}',
	visual_embedding      BLOB,
	semantic_embedding    BLOB,
	analysis_confidence   REAL NOT NULL DEFAULT 0,
	model_version         TEXT NOT NULL DEFAULT '',
	processing_time_ms    INTEGER NOT NULL DEFAULT 0,
	status                TEXT NOT NULL DEFAULT 'pending',
	created_at            TIMESTAMP NOT NULL,
	updated_at            TIMESTAMP NOT NULL,
	PRIMARY KEY (material_id, source_image_hash)
);

CREATE INDEX IF NOT EXISTS idx_results_type_status
	ON analysis_results(material_type, status);

CREATE TABLE IF NOT EXISTS ingestion_queue (
	id              TEXT PRIMARY KEY,
	material_id     TEXT NOT NULL,
	image_ref       TEXT NOT NULL,
	priority        INTEGER NOT NULL DEFAULT 5,
	attempts        INTEGER NOT NULL DEFAULT 0,
	max_attempts    INTEGER NOT NULL DEFAULT 3,
	status          TEXT NOT NULL DEFAULT 'pending',
	next_attempt_at TIMESTAMP,
	error_detail    TEXT NOT NULL DEFAULT '',
	created_at      TIMESTAMP NOT NULL,
	updated_at      TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_queue_claim
	ON ingestion_queue(status, priority DESC, created_at ASC);
`

// AnalysisStore implements storage.AnalysisStore using SQLite.
type AnalysisStore struct {
	db *sql.DB
}

// Ensure the interface is satisfied at compile time.
var _ storage.AnalysisStore = (*AnalysisStore)(nil)

// NewAnalysisStore opens (or creates) a SQLite store at dsn and applies
// the schema. Use ":memory:" for an ephemeral store in tests.
func NewAnalysisStore(dsn string) (*AnalysisStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite: failed to open %q: %w", dsn, err)
	}

	// The claim CAS relies on serialized writers; a single connection
	// avoids SQLITE_BUSY churn under concurrent workers.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(Schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite: failed to apply schema: %w", err)
	}

	return &AnalysisStore{db: db}, nil
}

// DB exposes the underlying handle for backend-specific maintenance.
func (s *AnalysisStore) DB() *sql.DB { return s.db }

// Close releases the database handle.
func (s *AnalysisStore) Close() error { return s.db.Close() }

// UpsertAnalysisResult creates or overwrites the result row for its
// (material_id, source_image_hash) pair.
func (s *AnalysisStore) UpsertAnalysisResult(ctx context.Context, result *types.AnalysisResult) error {
	if result.MaterialID == "" || result.SourceImageHash == "" {
		return fmt.Errorf("%w: material_id and source_image_hash are required", storage.ErrInvalidInput)
	}

	propsJSON, err := json.Marshal(result.Properties.StructuralProperties)
	if err != nil {
		return fmt.Errorf("sqlite: failed to marshal structural properties: %w", err)
	}

	now := time.Now().UTC()
	if result.CreatedAt.IsZero() {
		result.CreatedAt = now
	}
	result.UpdatedAt = now

	const query = `
		INSERT INTO analysis_results (
			material_id, source_image_hash, material_type, surface_texture,
			color_description, finish_type, pattern_grain, reflectivity,
			structural_properties, visual_embedding, semantic_embedding,
			analysis_confidence, model_version, processing_time_ms, status,
			created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(material_id, source_image_hash) DO UPDATE SET
			material_type = excluded.material_type,
			surface_texture = excluded.surface_texture,
			color_description = excluded.color_description,
			finish_type = excluded.finish_type,
			pattern_grain = excluded.pattern_grain,
			reflectivity = excluded.reflectivity,
			structural_properties = excluded.structural_properties,
			visual_embedding = excluded.visual_embedding,
			semantic_embedding = excluded.semantic_embedding,
			analysis_confidence = excluded.analysis_confidence,
			model_version = excluded.model_version,
			processing_time_ms = excluded.processing_time_ms,
			status = excluded.status,
			updated_at = excluded.updated_at
	`

	_, err = s.db.ExecContext(ctx, query,
		result.MaterialID, result.SourceImageHash,
		result.Properties.MaterialType, result.Properties.SurfaceTexture,
		result.Properties.ColorDescription, result.Properties.FinishType,
		result.Properties.PatternGrain, result.Properties.Reflectivity,
		string(propsJSON),
		storage.EncodeVector(result.VisualEmbedding),
		storage.EncodeVector(result.SemanticEmbedding),
		result.AnalysisConfidence, result.ModelVersion, result.ProcessingTimeMs,
		string(result.Status), result.CreatedAt, result.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("sqlite: failed to upsert analysis result: %w", err)
	}
	return nil
}

const resultColumns = `
	material_id, source_image_hash, material_type, surface_texture,
	color_description, finish_type, pattern_grain, reflectivity,
	structural_properties, visual_embedding, semantic_embedding,
	analysis_confidence, model_version, processing_time_ms, status,
	created_at, updated_at
`

// GetAnalysisResult retrieves one result by its unique pair.
func (s *AnalysisStore) GetAnalysisResult(ctx context.Context, materialID, imageHash string) (*types.AnalysisResult, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+resultColumns+` FROM analysis_results WHERE material_id = ? AND source_image_hash = ?`,
		materialID, imageHash)

	result, err := scanResult(row)
	if err == sql.ErrNoRows {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: failed to get analysis result: %w", err)
	}
	return result, nil
}

// GetByMaterialID returns all results for a material, newest first.
func (s *AnalysisStore) GetByMaterialID(ctx context.Context, materialID string) ([]*types.AnalysisResult, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+resultColumns+` FROM analysis_results WHERE material_id = ? ORDER BY created_at DESC`,
		materialID)
	if err != nil {
		return nil, fmt.Errorf("sqlite: failed to list results for material %s: %w", materialID, err)
	}
	defer rows.Close()

	return scanResults(rows)
}

// VectorSearch applies the structured filter in SQL, then computes
// cosine similarity in-process for the requested space.
func (s *AnalysisStore) VectorSearch(ctx context.Context, space storage.EmbeddingSpace, query []float32, filter types.SearchFilter, threshold float64, limit int) ([]storage.Candidate, error) {
	if !space.IsValid() {
		return nil, fmt.Errorf("%w: unknown embedding space %q", storage.ErrInvalidInput, space)
	}
	if len(query) == 0 {
		return nil, fmt.Errorf("%w: query vector is empty", storage.ErrInvalidInput)
	}
	if limit <= 0 {
		limit = 50
	}

	where, args := filterClauses(filter)
	querySQL := `SELECT ` + resultColumns + ` FROM analysis_results WHERE ` + strings.Join(where, " AND ")

	rows, err := s.db.QueryContext(ctx, querySQL, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: vector search query: %w", err)
	}
	defer rows.Close()

	results, err := scanResults(rows)
	if err != nil {
		return nil, err
	}

	candidates := make([]storage.Candidate, 0, len(results))
	for _, result := range results {
		stored := result.VisualEmbedding
		if space == storage.SpaceSemantic {
			stored = result.SemanticEmbedding
		}
		if len(stored) == 0 {
			continue
		}
		sim := storage.CosineSimilarity(query, stored)
		if sim < threshold {
			continue
		}
		candidates = append(candidates, storage.Candidate{Result: result, Similarity: sim})
	}

	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].Similarity > candidates[j].Similarity
	})
	if len(candidates) > limit {
		candidates = candidates[:limit]
	}
	return candidates, nil
}

// ListByPredicate returns completed results matching the filter only.
func (s *AnalysisStore) ListByPredicate(ctx context.Context, filter types.SearchFilter, limit int) ([]*types.AnalysisResult, error) {
	if limit <= 0 {
		limit = 50
	}

	where, args := filterClauses(filter)
	querySQL := `SELECT ` + resultColumns + ` FROM analysis_results WHERE ` +
		strings.Join(where, " AND ") + ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, querySQL, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: predicate query: %w", err)
	}
	defer rows.Close()

	return scanResults(rows)
}

// filterClauses builds WHERE clauses for the structured filter. Only
// completed results are ever searchable.
func filterClauses(filter types.SearchFilter) ([]string, []interface{}) {
	where := []string{"status = ?"}
	args := []interface{}{string(types.AnalysisCompleted)}

	if filter.MaterialType != "" {
		where = append(where, "material_type = ?")
		args = append(args, filter.MaterialType)
	}
	if filter.FinishType != "" {
		where = append(where, "finish_type = ?")
		args = append(args, filter.FinishType)
	}
	if filter.SurfaceTexture != "" {
		where = append(where, "surface_texture = ?")
		args = append(args, filter.SurfaceTexture)
	}
	if filter.PatternGrain != "" {
		where = append(where, "pattern_grain = ?")
		args = append(args, filter.PatternGrain)
	}
	if filter.MinConfidence > 0 {
		where = append(where, "analysis_confidence >= ?")
		args = append(args, filter.MinConfidence)
	}
	return where, args
}

// rowScanner abstracts *sql.Row and *sql.Rows for shared scanning.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanResult(row rowScanner) (*types.AnalysisResult, error) {
	var result types.AnalysisResult
	var propsJSON string
	var visualBlob, semanticBlob []byte
	var status string

	err := row.Scan(
		&result.MaterialID, &result.SourceImageHash,
		&result.Properties.MaterialType, &result.Properties.SurfaceTexture,
		&result.Properties.ColorDescription, &result.Properties.FinishType,
		&result.Properties.PatternGrain, &result.Properties.Reflectivity,
		&propsJSON, &visualBlob, &semanticBlob,
		&result.AnalysisConfidence, &result.ModelVersion, &result.ProcessingTimeMs,
		&status, &result.CreatedAt, &result.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	result.Status = types.AnalysisStatus(status)

	if propsJSON != "" && propsJSON != "{}" {
		if err := json.Unmarshal([]byte(propsJSON), &result.Properties.StructuralProperties); err != nil {
			return nil, fmt.Errorf("sqlite: failed to unmarshal structural properties: %w", err)
		}
	}

	if result.VisualEmbedding, err = storage.DecodeVector(visualBlob); err != nil {
		return nil, fmt.Errorf("sqlite: corrupt visual embedding: %w", err)
	}
	if result.SemanticEmbedding, err = storage.DecodeVector(semanticBlob); err != nil {
		return nil, fmt.Errorf("sqlite: corrupt semantic embedding: %w", err)
	}

	return &result, nil
}

func scanResults(rows *sql.Rows) ([]*types.AnalysisResult, error) {
	var results []*types.AnalysisResult
	for rows.Next() {
		result, err := scanResult(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlite: failed to scan result row: %w", err)
		}
		results = append(results, result)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: result rows: %w", err)
	}
	return results, nil
}
