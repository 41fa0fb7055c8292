package postgres

import "fmt"

// ensureSchema creates the pgvector extension, tables and indexes.
// Vector columns are sized to the configured embedding dimensions, so
// a dimension change requires a fresh database.
func (s *AnalysisStore) ensureSchema(dimVisual, dimSemantic int) error {
	if dimVisual <= 0 || dimSemantic <= 0 {
		return fmt.Errorf("postgres: embedding dimensions must be positive, got visual=%d semantic=%d", dimVisual, dimSemantic)
	}

	statements := []string{
		`CREATE EXTENSION IF NOT EXISTS vector`,

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS analysis_results (
			material_id TEXT NOT NULL,
			source_image_hash TEXT NOT NULL,
			material_type TEXT NOT NULL DEFAULT '',
			surface_texture TEXT NOT NULL DEFAULT '',
			color_description TEXT NOT NULL DEFAULT '',
			finish_type TEXT NOT NULL DEFAULT '',
			pattern_grain TEXT NOT NULL DEFAULT '',
			reflectivity TEXT NOT NULL DEFAULT '',
			structural_properties JSONB NOT NULL DEFAULT '{}',
			visual_embedding vector(%d),
			semantic_embedding vector(%d),
			analysis_confidence DOUBLE PRECISION NOT NULL DEFAULT 0,
			model_version TEXT NOT NULL DEFAULT '',
			processing_time_ms BIGINT NOT NULL DEFAULT 0,
			status TEXT NOT NULL DEFAULT 'pending',
			created_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (material_id, source_image_hash)
		)`, dimVisual, dimSemantic),

		`CREATE TABLE IF NOT EXISTS ingestion_queue (
			id TEXT PRIMARY KEY,
			material_id TEXT NOT NULL,
			image_ref TEXT NOT NULL,
			priority INTEGER NOT NULL DEFAULT 5,
			status TEXT NOT NULL DEFAULT 'pending',
			attempts INTEGER NOT NULL DEFAULT 0,
			max_attempts INTEGER NOT NULL DEFAULT 3,
			error_detail TEXT NOT NULL DEFAULT '',
			next_attempt_at TIMESTAMPTZ,
			created_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,

		`CREATE INDEX IF NOT EXISTS idx_results_material_type ON analysis_results (material_type)`,
		`CREATE INDEX IF NOT EXISTS idx_results_status ON analysis_results (status)`,
		`CREATE INDEX IF NOT EXISTS idx_queue_claim ON ingestion_queue (status, priority DESC, created_at ASC)`,
		`CREATE INDEX IF NOT EXISTS idx_queue_material ON ingestion_queue (material_id)`,

		// ivfflat trades recall for speed. lists=100 suits up to ~1M
		// rows; retune when the corpus outgrows that.
		`CREATE INDEX IF NOT EXISTS idx_results_visual_embedding
			ON analysis_results USING ivfflat (visual_embedding vector_cosine_ops) WITH (lists = 100)`,
		`CREATE INDEX IF NOT EXISTS idx_results_semantic_embedding
			ON analysis_results USING ivfflat (semantic_embedding vector_cosine_ops) WITH (lists = 100)`,
	}

	for _, stmt := range statements {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("postgres: failed to apply schema statement: %w", err)
		}
	}
	return nil
}
