package engine

import (
	"context"
	"fmt"
	"slices"

	"github.com/scrypster/materio/internal/storage"
	"github.com/scrypster/materio/pkg/types"
)

// FusionSearchEngine combines similarity in the visual and semantic
// embedding spaces with structured property filtering into a single
// ranked result list.
type FusionSearchEngine struct {
	store storage.AnalysisStore
}

// NewFusionSearchEngine creates a fusion search engine over the store.
func NewFusionSearchEngine(store storage.AnalysisStore) *FusionSearchEngine {
	return &FusionSearchEngine{store: store}
}

// candidateKey identifies a unique analysis result across both
// per-space candidate sets.
type candidateKey struct {
	materialID string
	imageHash  string
}

// fusedCandidate accumulates per-space similarities for one result.
type fusedCandidate struct {
	result   *types.AnalysisResult
	visual   float64
	semantic float64
	// seen marks which spaces returned this candidate directly. A
	// space absent here had its similarity computed from the stored
	// vector instead.
	seenVisual   bool
	seenSemantic bool
}

// Search executes the fusion pipeline on a normalized query. Queries
// without embeddings fall back to a pure property lookup sorted by
// recency.
func (f *FusionSearchEngine) Search(ctx context.Context, query *types.SearchQuery) ([]*types.SearchResult, error) {
	if !query.HasEmbedding() {
		return f.propertySearch(ctx, query)
	}

	// Fetch generously per space so fusion ranking has enough
	// candidates even when the two spaces disagree.
	fetchLimit := query.Limit * 4
	if fetchLimit < 50 {
		fetchLimit = 50
	}

	fused := make(map[candidateKey]*fusedCandidate)

	if len(query.VisualQuery) > 0 {
		candidates, err := f.store.VectorSearch(ctx, storage.SpaceVisual, query.VisualQuery, query.Filter, query.Threshold, fetchLimit)
		if err != nil {
			return nil, fmt.Errorf("visual space search failed: %w", err)
		}
		for _, c := range candidates {
			key := candidateKey{c.Result.MaterialID, c.Result.SourceImageHash}
			fused[key] = &fusedCandidate{result: c.Result, visual: c.Similarity, seenVisual: true}
		}
	}

	if len(query.SemanticQuery) > 0 {
		candidates, err := f.store.VectorSearch(ctx, storage.SpaceSemantic, query.SemanticQuery, query.Filter, query.Threshold, fetchLimit)
		if err != nil {
			return nil, fmt.Errorf("semantic space search failed: %w", err)
		}
		for _, c := range candidates {
			key := candidateKey{c.Result.MaterialID, c.Result.SourceImageHash}
			if existing, ok := fused[key]; ok {
				existing.semantic = c.Similarity
				existing.seenSemantic = true
			} else {
				fused[key] = &fusedCandidate{result: c.Result, semantic: c.Similarity, seenSemantic: true}
			}
		}
	}

	// Fill in the similarity for the space a candidate was not
	// returned from, using its stored vector. A candidate found in
	// only one space still gets an honest combined score.
	for _, c := range fused {
		if len(query.VisualQuery) > 0 && !c.seenVisual {
			c.visual = storage.CosineSimilarity(query.VisualQuery, c.result.VisualEmbedding)
		}
		if len(query.SemanticQuery) > 0 && !c.seenSemantic {
			c.semantic = storage.CosineSimilarity(query.SemanticQuery, c.result.SemanticEmbedding)
		}
	}

	results := make([]*types.SearchResult, 0, len(fused))
	for _, c := range fused {
		if !passesThreshold(c, query) {
			continue
		}
		results = append(results, &types.SearchResult{
			MaterialID:         c.result.MaterialID,
			VisualSimilarity:   c.visual,
			SemanticSimilarity: c.semantic,
			CombinedScore:      query.WeightVisual*c.visual + query.WeightSemantic*c.semantic,
			Properties:         c.result.Properties,
			Confidence:         c.result.AnalysisConfidence,
			CreatedAt:          c.result.CreatedAt,
		})
	}

	sortResults(results)

	if len(results) > query.Limit {
		results = results[:query.Limit]
	}
	return results, nil
}

// propertySearch serves filter-only queries. Combined score stays 0;
// ordering is recency.
func (f *FusionSearchEngine) propertySearch(ctx context.Context, query *types.SearchQuery) ([]*types.SearchResult, error) {
	matches, err := f.store.ListByPredicate(ctx, query.Filter, query.Limit)
	if err != nil {
		return nil, fmt.Errorf("property search failed: %w", err)
	}

	results := make([]*types.SearchResult, 0, len(matches))
	for _, m := range matches {
		results = append(results, &types.SearchResult{
			MaterialID: m.MaterialID,
			Properties: m.Properties,
			Confidence: m.AnalysisConfidence,
			CreatedAt:  m.CreatedAt,
		})
	}
	return results, nil
}

// passesThreshold applies the threshold mode over the spaces the query
// actually provided embeddings for.
func passesThreshold(c *fusedCandidate, query *types.SearchQuery) bool {
	hasVisual := len(query.VisualQuery) > 0
	hasSemantic := len(query.SemanticQuery) > 0

	switch query.Mode {
	case types.ThresholdAll:
		if hasVisual && c.visual < query.Threshold {
			return false
		}
		if hasSemantic && c.semantic < query.Threshold {
			return false
		}
		return true
	default: // ThresholdAny
		if hasVisual && c.visual >= query.Threshold {
			return true
		}
		if hasSemantic && c.semantic >= query.Threshold {
			return true
		}
		return false
	}
}

// sortResults orders by combined score descending, breaking ties by
// analysis confidence then creation time, newest first.
func sortResults(results []*types.SearchResult) {
	slices.SortFunc(results, func(a, b *types.SearchResult) int {
		if a.CombinedScore != b.CombinedScore {
			if a.CombinedScore > b.CombinedScore {
				return -1
			}
			return 1
		}
		if a.Confidence != b.Confidence {
			if a.Confidence > b.Confidence {
				return -1
			}
			return 1
		}
		return b.CreatedAt.Compare(a.CreatedAt)
	})
}
