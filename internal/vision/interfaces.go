// Package vision contains the typed clients for the two external model
// services: structured image analysis and vector embedding generation.
// Every call goes through a shared resilience.ServiceClient so rate
// limits and breaker state are enforced once per service process-wide.
package vision

import (
	"context"

	"github.com/scrypster/materio/pkg/types"
)

// Analyzer is the interface for structured material analysis of an image.
type Analyzer interface {
	// AnalyzeImage sends image bytes to the vision service and returns
	// the extracted structured properties plus a confidence in [0,1].
	// Non-conforming responses fail with resilience.ValidationError.
	AnalyzeImage(ctx context.Context, image []byte) (*AnalysisOutcome, error)

	// ModelVersion identifies the analysis model for provenance.
	ModelVersion() string
}

// Embedder is the interface for generating fixed-dimension embeddings.
type Embedder interface {
	// EmbedImage returns the visual-space embedding for image bytes.
	// A length other than the configured visual dimension fails with
	// resilience.DimensionMismatchError.
	EmbedImage(ctx context.Context, image []byte) ([]float32, error)

	// EmbedText returns the semantic-space embedding for text.
	// A length other than the configured semantic dimension fails with
	// resilience.DimensionMismatchError.
	EmbedText(ctx context.Context, text string) ([]float32, error)
}

// AnalysisOutcome is the validated result of one vision analysis call.
type AnalysisOutcome struct {
	Properties types.MaterialProperties
	Confidence float64
}
