// Package postgres implements storage.AnalysisStore on PostgreSQL with
// the pgvector extension. Vector search runs natively via the cosine
// distance operator; queue claiming uses FOR UPDATE SKIP LOCKED so
// concurrent workers never contend on the same entry.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	_ "github.com/lib/pq" // PostgreSQL driver
	pgvector "github.com/pgvector/pgvector-go"

	"github.com/scrypster/materio/internal/storage"
	"github.com/scrypster/materio/pkg/types"
)

// AnalysisStore implements storage.AnalysisStore using PostgreSQL.
type AnalysisStore struct {
	db *sql.DB
}

// Ensure the interface is satisfied at compile time.
var _ storage.AnalysisStore = (*AnalysisStore)(nil)

// NewAnalysisStore connects to PostgreSQL and ensures the schema,
// including vector columns sized to the configured dimensions.
func NewAnalysisStore(dsn string, dimVisual, dimSemantic int) (*AnalysisStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to open connection: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("postgres: failed to ping: %w", err)
	}

	store := &AnalysisStore{db: db}
	if err := store.ensureSchema(dimVisual, dimSemantic); err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

// DB exposes the underlying handle for backend-specific maintenance.
func (s *AnalysisStore) DB() *sql.DB { return s.db }

// Close releases the connection pool.
func (s *AnalysisStore) Close() error { return s.db.Close() }

// UpsertAnalysisResult creates or overwrites the result row for its
// (material_id, source_image_hash) pair.
func (s *AnalysisStore) UpsertAnalysisResult(ctx context.Context, result *types.AnalysisResult) error {
	if result.MaterialID == "" || result.SourceImageHash == "" {
		return fmt.Errorf("%w: material_id and source_image_hash are required", storage.ErrInvalidInput)
	}

	propsJSON, err := json.Marshal(result.Properties.StructuralProperties)
	if err != nil {
		return fmt.Errorf("postgres: failed to marshal structural properties: %w", err)
	}

	const query = `
		INSERT INTO analysis_results (
			material_id, source_image_hash, material_type, surface_texture,
			color_description, finish_type, pattern_grain, reflectivity,
			structural_properties, visual_embedding, semantic_embedding,
			analysis_confidence, model_version, processing_time_ms, status,
			created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15,
			CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)
		ON CONFLICT (material_id, source_image_hash) DO UPDATE SET
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
			updated_at = CURRENT_TIMESTAMP
	`

	_, err = s.db.ExecContext(ctx, query,
		result.MaterialID, result.SourceImageHash,
		result.Properties.MaterialType, result.Properties.SurfaceTexture,
		result.Properties.ColorDescription, result.Properties.FinishType,
		result.Properties.PatternGrain, result.Properties.Reflectivity,
		string(propsJSON),
		vectorParam(result.VisualEmbedding),
		vectorParam(result.SemanticEmbedding),
		result.AnalysisConfidence, result.ModelVersion, result.ProcessingTimeMs,
		string(result.Status),
	)
	if err != nil {
		return fmt.Errorf("postgres: failed to upsert analysis result: %w", err)
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
		`SELECT `+resultColumns+` FROM analysis_results WHERE material_id = $1 AND source_image_hash = $2`,
		materialID, imageHash)

	result, err := scanResult(row)
	if err == sql.ErrNoRows {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to get analysis result: %w", err)
	}
	return result, nil
}

// GetByMaterialID returns all results for a material, newest first.
func (s *AnalysisStore) GetByMaterialID(ctx context.Context, materialID string) ([]*types.AnalysisResult, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+resultColumns+` FROM analysis_results WHERE material_id = $1 ORDER BY created_at DESC`,
		materialID)
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to list results for material %s: %w", materialID, err)
	}
	defer rows.Close()

	return scanResults(rows)
}

// VectorSearch runs a native pgvector cosine search with the structured
// filter pushed down into SQL.
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

	column := "visual_embedding"
	if space == storage.SpaceSemantic {
		column = "semantic_embedding"
	}

	vec := pgvector.NewVector(query)
	where, args := filterClauses(filter, 2) // $1 is the query vector
	where = append(where, column+" IS NOT NULL")

	next := len(args) + 2
	querySQL := fmt.Sprintf(`
		SELECT %s, 1 - (%s <=> $1) AS similarity
		FROM analysis_results
		WHERE %s AND 1 - (%s <=> $1) >= $%d
		ORDER BY %s <=> $1 ASC
		LIMIT $%d
	`, resultColumns, column, strings.Join(where, " AND "), column, next, column, next+1)

	queryArgs := append([]interface{}{vec}, args...)
	queryArgs = append(queryArgs, threshold, limit)

	rows, err := s.db.QueryContext(ctx, querySQL, queryArgs...)
	if err != nil {
		return nil, fmt.Errorf("postgres: vector search query: %w", err)
	}
	defer rows.Close()

	var candidates []storage.Candidate
	for rows.Next() {
		result, similarity, err := scanCandidate(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: failed to scan candidate: %w", err)
		}
		candidates = append(candidates, storage.Candidate{Result: result, Similarity: similarity})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: candidate rows: %w", err)
	}
	return candidates, nil
}

// ListByPredicate returns completed results matching the filter only.
func (s *AnalysisStore) ListByPredicate(ctx context.Context, filter types.SearchFilter, limit int) ([]*types.AnalysisResult, error) {
	if limit <= 0 {
		limit = 50
	}

	where, args := filterClauses(filter, 1)
	next := len(args) + 1
	querySQL := fmt.Sprintf(`
		SELECT %s FROM analysis_results
		WHERE %s
		ORDER BY created_at DESC
		LIMIT $%d
	`, resultColumns, strings.Join(where, " AND "), next)
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, querySQL, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: predicate query: %w", err)
	}
	defer rows.Close()

	return scanResults(rows)
}

// filterClauses builds WHERE clauses for the structured filter with
// placeholders numbered from start. Only completed results are
// searchable.
func filterClauses(filter types.SearchFilter, start int) ([]string, []interface{}) {
	where := []string{fmt.Sprintf("status = $%d", start)}
	args := []interface{}{string(types.AnalysisCompleted)}

	n := start + 1
	add := func(clause string, value interface{}) {
		where = append(where, fmt.Sprintf(clause, n))
		args = append(args, value)
		n++
	}

	if filter.MaterialType != "" {
		add("material_type = $%d", filter.MaterialType)
	}
	if filter.FinishType != "" {
		add("finish_type = $%d", filter.FinishType)
	}
	if filter.SurfaceTexture != "" {
		add("surface_texture = $%d", filter.SurfaceTexture)
	}
	if filter.PatternGrain != "" {
		add("pattern_grain = $%d", filter.PatternGrain)
	}
	if filter.MinConfidence > 0 {
		add("analysis_confidence >= $%d", filter.MinConfidence)
	}
	return where, args
}

// vectorParam converts an embedding to a nullable pgvector parameter.
func vectorParam(vec []float32) interface{} {
	if len(vec) == 0 {
		return nil
	}
	return pgvector.NewVector(vec)
}

// nullVector scans a possibly-NULL vector column.
type nullVector struct {
	vec   pgvector.Vector
	valid bool
}

func (n *nullVector) Scan(src interface{}) error {
	if src == nil {
		n.valid = false
		return nil
	}
	if err := n.vec.Scan(src); err != nil {
		return err
	}
	n.valid = true
	return nil
}

func (n *nullVector) slice() []float32 {
	if !n.valid {
		return nil
	}
	return n.vec.Slice()
}

// rowScanner abstracts *sql.Row and *sql.Rows for shared scanning.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanResultInto(row rowScanner, extra ...interface{}) (*types.AnalysisResult, error) {
	var result types.AnalysisResult
	var propsJSON string
	var visual, semantic nullVector
	var status string

	dest := []interface{}{
		&result.MaterialID, &result.SourceImageHash,
		&result.Properties.MaterialType, &result.Properties.SurfaceTexture,
		&result.Properties.ColorDescription, &result.Properties.FinishType,
		&result.Properties.PatternGrain, &result.Properties.Reflectivity,
		&propsJSON, &visual, &semantic,
		&result.AnalysisConfidence, &result.ModelVersion, &result.ProcessingTimeMs,
		&status, &result.CreatedAt, &result.UpdatedAt,
	}
	dest = append(dest, extra...)

	if err := row.Scan(dest...); err != nil {
		return nil, err
	}

	result.Status = types.AnalysisStatus(status)
	result.VisualEmbedding = visual.slice()
	result.SemanticEmbedding = semantic.slice()

	if propsJSON != "" && propsJSON != "{}" && propsJSON != "null" {
		if err := json.Unmarshal([]byte(propsJSON), &result.Properties.StructuralProperties); err != nil {
			return nil, fmt.Errorf("failed to unmarshal structural properties: %w", err)
		}
	}
	return &result, nil
}

func scanResult(row rowScanner) (*types.AnalysisResult, error) {
	return scanResultInto(row)
}

func scanCandidate(row rowScanner) (*types.AnalysisResult, float64, error) {
	var similarity float64
	result, err := scanResultInto(row, &similarity)
	if err != nil {
		return nil, 0, err
	}
	return result, similarity, nil
}

func scanResults(rows *sql.Rows) ([]*types.AnalysisResult, error) {
	var results []*types.AnalysisResult
	for rows.Next() {
		result, err := scanResult(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: failed to scan result row: %w", err)
		}
		results = append(results, result)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: result rows: %w", err)
	}
	return results, nil
}
