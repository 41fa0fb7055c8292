package types

import "time"

// ThresholdMode controls how the similarity threshold is applied when a
// query carries more than one embedding.
type ThresholdMode string

const (
	// ThresholdAny keeps a candidate when any provided space meets the
	// threshold. This is the default.
	ThresholdAny ThresholdMode = "any"

	// ThresholdAll keeps a candidate only when every provided space
	// meets the threshold.
	ThresholdAll ThresholdMode = "all"
)

// SearchFilter is the structured-property predicate applied before any
// vector scoring. It is a hard filter and is never relaxed.
// Zero values mean "no constraint" for that field.
type SearchFilter struct {
	MaterialType   string  `json:"material_type,omitempty"`
	FinishType     string  `json:"finish_type,omitempty"`
	SurfaceTexture string  `json:"surface_texture,omitempty"`
	PatternGrain   string  `json:"pattern_grain,omitempty"`
	MinConfidence  float64 `json:"min_confidence,omitempty"`
}

// IsZero reports whether the filter constrains nothing.
func (f SearchFilter) IsZero() bool {
	return f.MaterialType == "" && f.FinishType == "" && f.SurfaceTexture == "" &&
		f.PatternGrain == "" && f.MinConfidence == 0
}

// SearchQuery describes one fusion search. It is transient and never
// persisted. Zero, one, or both of VisualQuery/SemanticQuery may be set.
type SearchQuery struct {
	VisualQuery   []float32 `json:"visual_query,omitempty"`
	SemanticQuery []float32 `json:"semantic_query,omitempty"`

	Filter SearchFilter `json:"filter"`

	// Per-space fusion weights. They are not required to sum to 1;
	// callers normalize when scores must be comparable across queries.
	WeightVisual   float64 `json:"weight_visual"`
	WeightSemantic float64 `json:"weight_semantic"`

	// Threshold is the minimum per-space cosine similarity, applied
	// according to Mode.
	Threshold float64       `json:"threshold"`
	Mode      ThresholdMode `json:"mode,omitempty"`

	Limit int `json:"limit"`
}

// Normalize applies defaults and bounds to the query in place.
func (q *SearchQuery) Normalize() {
	if q.Limit <= 0 {
		q.Limit = 10
	}
	if q.Limit > 100 {
		q.Limit = 100
	}
	if q.Mode != ThresholdAll {
		q.Mode = ThresholdAny
	}
	if q.WeightVisual == 0 && q.WeightSemantic == 0 {
		q.WeightVisual = 0.5
		q.WeightSemantic = 0.5
	}
}

// HasEmbedding reports whether the query carries at least one embedding.
func (q *SearchQuery) HasEmbedding() bool {
	return len(q.VisualQuery) > 0 || len(q.SemanticQuery) > 0
}

// SearchResult is one ranked fusion search hit. Transient.
type SearchResult struct {
	MaterialID string `json:"material_id"`

	// Per-space similarities. Zero when the query did not include the
	// corresponding embedding.
	VisualSimilarity   float64 `json:"visual_similarity"`
	SemanticSimilarity float64 `json:"semantic_similarity"`

	// CombinedScore = WeightVisual*VisualSimilarity + WeightSemantic*SemanticSimilarity,
	// with an absent space contributing 0. No hidden normalization.
	CombinedScore float64 `json:"combined_score"`

	Properties MaterialProperties `json:"properties"`
	Confidence float64            `json:"confidence"`
	CreatedAt  time.Time          `json:"created_at"`
}

// QueryState is the state a query reached, returned alongside results.
type QueryState string

const (
	QueryCompleted QueryState = "completed" // All requested embedding spaces were used
	QueryDegraded  QueryState = "degraded"  // At least one embedding space was unavailable
	QueryFailed    QueryState = "failed"    // No usable embedding could be obtained
)
