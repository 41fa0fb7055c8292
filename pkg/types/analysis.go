package types

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// AnalysisStatus represents the processing status of an analysis result.
type AnalysisStatus string

const (
	// AnalysisPending indicates the analysis has been requested but not started.
	AnalysisPending AnalysisStatus = "pending"

	// AnalysisProcessing indicates the analysis is currently being generated.
	AnalysisProcessing AnalysisStatus = "processing"

	// AnalysisCompleted indicates the analysis finished successfully.
	AnalysisCompleted AnalysisStatus = "completed"

	// AnalysisFailed indicates the analysis failed permanently.
	AnalysisFailed AnalysisStatus = "failed"
)

// IsValid checks whether the status is one of the known analysis statuses.
func (s AnalysisStatus) IsValid() bool {
	switch s {
	case AnalysisPending, AnalysisProcessing, AnalysisCompleted, AnalysisFailed:
		return true
	}
	return false
}

// MaterialProperties holds the structured properties extracted from a
// material sample image by the vision analysis service.
// MaterialType is the only required field; everything else is optional
// and left empty when the service does not report it.
type MaterialProperties struct {
	MaterialType         string            `json:"material_type"`                   // Required: e.g. "marble", "oak", "brushed steel"
	SurfaceTexture       string            `json:"surface_texture,omitempty"`       // e.g. "smooth", "rough", "honed"
	ColorDescription     string            `json:"color_description,omitempty"`     // e.g. "white with grey veining"
	FinishType           string            `json:"finish_type,omitempty"`           // e.g. "matte", "polished", "satin"
	PatternGrain         string            `json:"pattern_grain,omitempty"`         // e.g. "veined", "straight grain"
	Reflectivity         string            `json:"reflectivity,omitempty"`          // e.g. "low", "medium", "high"
	StructuralProperties map[string]string `json:"structural_properties,omitempty"` // Free-form named attributes
}

// Description builds the text used to derive the semantic embedding.
// The ordering is fixed so the same properties always produce the same
// string (and therefore the same embedding).
func (p MaterialProperties) Description() string {
	parts := []string{p.MaterialType + " material"}

	if p.SurfaceTexture != "" {
		parts = append(parts, p.SurfaceTexture+" surface texture")
	}
	if p.ColorDescription != "" {
		parts = append(parts, p.ColorDescription+" color")
	}
	if p.FinishType != "" {
		parts = append(parts, p.FinishType+" finish")
	}
	if p.PatternGrain != "" {
		parts = append(parts, p.PatternGrain+" pattern")
	}
	if p.Reflectivity != "" {
		parts = append(parts, p.Reflectivity+" reflectivity")
	}

	// Structural properties in sorted key order for determinism.
	for _, k := range sortedKeys(p.StructuralProperties) {
		parts = append(parts, fmt.Sprintf("%s: %s", k, p.StructuralProperties[k]))
	}

	return strings.Join(parts, ", ")
}

// AnalysisResult is the persisted outcome of analysing one material
// sample image. There is at most one result per
// (MaterialID, SourceImageHash) pair; re-ingesting the same image is an
// idempotent no-op once a completed result exists.
type AnalysisResult struct {
	MaterialID      string `json:"material_id"`       // Owned by the external material catalog
	SourceImageHash string `json:"source_image_hash"` // SHA-256 of the source image bytes

	Properties MaterialProperties `json:"properties"`

	// Embeddings. When present each vector has exactly the configured
	// dimension for its space (D_v for visual, D_s for semantic).
	VisualEmbedding   []float32 `json:"visual_embedding,omitempty"`
	SemanticEmbedding []float32 `json:"semantic_embedding,omitempty"`

	AnalysisConfidence float64 `json:"analysis_confidence"` // Always in [0,1]
	ModelVersion       string  `json:"model_version,omitempty"`
	ProcessingTimeMs   int64   `json:"processing_time_ms"`

	Status    AnalysisStatus `json:"status"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// Validate checks the invariants an AnalysisResult must satisfy before
// it may be persisted. dimVisual and dimSemantic are the configured
// embedding dimensions; a zero dimension skips the check for that space.
func (r *AnalysisResult) Validate(dimVisual, dimSemantic int) error {
	if r.MaterialID == "" {
		return fmt.Errorf("analysis result: material_id is required")
	}
	if r.SourceImageHash == "" {
		return fmt.Errorf("analysis result: source_image_hash is required")
	}
	if strings.TrimSpace(r.Properties.MaterialType) == "" {
		return fmt.Errorf("analysis result: material_type is required")
	}
	if r.AnalysisConfidence < 0 || r.AnalysisConfidence > 1 {
		return fmt.Errorf("analysis result: confidence %g outside [0,1]", r.AnalysisConfidence)
	}
	if dimVisual > 0 && len(r.VisualEmbedding) > 0 && len(r.VisualEmbedding) != dimVisual {
		return fmt.Errorf("analysis result: visual embedding has %d components, expected %d",
			len(r.VisualEmbedding), dimVisual)
	}
	if dimSemantic > 0 && len(r.SemanticEmbedding) > 0 && len(r.SemanticEmbedding) != dimSemantic {
		return fmt.Errorf("analysis result: semantic embedding has %d components, expected %d",
			len(r.SemanticEmbedding), dimSemantic)
	}
	return nil
}

func sortedKeys(m map[string]string) []string {
	if len(m) == 0 {
		return nil
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
