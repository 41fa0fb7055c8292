package engine

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/scrypster/materio/internal/storage"
	"github.com/scrypster/materio/pkg/types"
)

func seedResult(t *testing.T, store storage.AnalysisStore, materialID string, props types.MaterialProperties, visual, semantic []float32, confidence float64, createdAt time.Time) {
	t.Helper()
	result := &types.AnalysisResult{
		MaterialID:         materialID,
		SourceImageHash:    "hash-" + materialID,
		Properties:         props,
		VisualEmbedding:    visual,
		SemanticEmbedding:  semantic,
		AnalysisConfidence: confidence,
		Status:             types.AnalysisCompleted,
		CreatedAt:          createdAt,
		UpdatedAt:          createdAt,
	}
	if err := store.UpsertAnalysisResult(context.Background(), result); err != nil {
		t.Fatalf("failed to seed result %s: %v", materialID, err)
	}
}

// unitAt returns a 2-dim unit vector whose cosine similarity with [1,0]
// is exactly sim.
func unitAt(sim float64) []float32 {
	return []float32{float32(sim), float32(math.Sqrt(1 - sim*sim))}
}

func marbleProps() types.MaterialProperties {
	return types.MaterialProperties{MaterialType: "marble", FinishType: "polished"}
}

func TestFusionWeightedScore(t *testing.T) {
	store := testStore(t)
	now := time.Now().UTC()

	// A: visual 0.9, semantic 0.4 -> 0.7*0.9 + 0.3*0.4 = 0.75
	// B: visual 0.6, semantic 0.9 -> 0.7*0.6 + 0.3*0.9 = 0.69
	seedResult(t, store, "mat-a", marbleProps(), unitAt(0.9), unitAt(0.4), 0.9, now)
	seedResult(t, store, "mat-b", marbleProps(), unitAt(0.6), unitAt(0.9), 0.9, now)

	engine := NewFusionSearchEngine(store)
	query := &types.SearchQuery{
		VisualQuery:    []float32{1, 0},
		SemanticQuery:  []float32{1, 0},
		WeightVisual:   0.7,
		WeightSemantic: 0.3,
		Limit:          10,
	}
	query.Normalize()

	results, err := engine.Search(context.Background(), query)
	if err != nil {
		t.Fatalf("search failed: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("got %d results, want 2", len(results))
	}
	if results[0].MaterialID != "mat-a" || results[1].MaterialID != "mat-b" {
		t.Fatalf("order = [%s, %s], want [mat-a, mat-b]", results[0].MaterialID, results[1].MaterialID)
	}
	if math.Abs(results[0].CombinedScore-0.75) > 1e-3 {
		t.Errorf("mat-a score = %v, want 0.75", results[0].CombinedScore)
	}
	if math.Abs(results[1].CombinedScore-0.69) > 1e-3 {
		t.Errorf("mat-b score = %v, want 0.69", results[1].CombinedScore)
	}
}

func TestFusionThresholdModes(t *testing.T) {
	store := testStore(t)
	now := time.Now().UTC()

	// Strong visual match, weak semantic match.
	seedResult(t, store, "mat-x", marbleProps(), unitAt(0.9), unitAt(0.2), 0.9, now)

	engine := NewFusionSearchEngine(store)

	base := types.SearchQuery{
		VisualQuery:   []float32{1, 0},
		SemanticQuery: []float32{1, 0},
		Threshold:     0.5,
		Limit:         10,
	}

	anyQuery := base
	anyQuery.Mode = types.ThresholdAny
	anyQuery.Normalize()
	results, err := engine.Search(context.Background(), &anyQuery)
	if err != nil {
		t.Fatalf("any-mode search failed: %v", err)
	}
	if len(results) != 1 {
		t.Errorf("any mode: got %d results, want 1 (visual space passes)", len(results))
	}

	allQuery := base
	allQuery.Mode = types.ThresholdAll
	allQuery.Normalize()
	results, err = engine.Search(context.Background(), &allQuery)
	if err != nil {
		t.Fatalf("all-mode search failed: %v", err)
	}
	if len(results) != 0 {
		t.Errorf("all mode: got %d results, want 0 (semantic space fails)", len(results))
	}
}

func TestFusionThresholdMonotonic(t *testing.T) {
	store := testStore(t)
	now := time.Now().UTC()

	for i, sim := range []float64{0.95, 0.7, 0.45, 0.2} {
		seedResult(t, store, "mat-"+string(rune('a'+i)), marbleProps(), unitAt(sim), unitAt(sim), 0.9, now)
	}

	engine := NewFusionSearchEngine(store)

	prev := -1
	for _, threshold := range []float64{0.0, 0.3, 0.6, 0.9} {
		query := &types.SearchQuery{
			VisualQuery: []float32{1, 0},
			Threshold:   threshold,
			Limit:       10,
		}
		query.Normalize()
		results, err := engine.Search(context.Background(), query)
		if err != nil {
			t.Fatalf("search at threshold %v failed: %v", threshold, err)
		}
		if prev >= 0 && len(results) > prev {
			t.Errorf("threshold %v returned %d results, more than the %d at a lower threshold", threshold, len(results), prev)
		}
		prev = len(results)
	}
}

func TestFusionTieBreakByConfidence(t *testing.T) {
	store := testStore(t)
	now := time.Now().UTC()

	seedResult(t, store, "mat-low", marbleProps(), unitAt(0.8), unitAt(0.8), 0.6, now)
	seedResult(t, store, "mat-high", marbleProps(), unitAt(0.8), unitAt(0.8), 0.95, now)

	engine := NewFusionSearchEngine(store)
	query := &types.SearchQuery{
		VisualQuery:   []float32{1, 0},
		SemanticQuery: []float32{1, 0},
		Limit:         10,
	}
	query.Normalize()

	results, err := engine.Search(context.Background(), query)
	if err != nil {
		t.Fatalf("search failed: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("got %d results, want 2", len(results))
	}
	if results[0].MaterialID != "mat-high" {
		t.Errorf("first result = %s, want mat-high (higher confidence wins the tie)", results[0].MaterialID)
	}
}

func TestFusionStructuredFilterIsHard(t *testing.T) {
	store := testStore(t)
	now := time.Now().UTC()

	seedResult(t, store, "mat-marble", marbleProps(), unitAt(0.5), unitAt(0.5), 0.9, now)
	oak := types.MaterialProperties{MaterialType: "oak", FinishType: "matte"}
	seedResult(t, store, "mat-oak", oak, unitAt(0.99), unitAt(0.99), 0.9, now)

	engine := NewFusionSearchEngine(store)
	query := &types.SearchQuery{
		VisualQuery: []float32{1, 0},
		Filter:      types.SearchFilter{MaterialType: "marble"},
		Limit:       10,
	}
	query.Normalize()

	results, err := engine.Search(context.Background(), query)
	if err != nil {
		t.Fatalf("search failed: %v", err)
	}
	if len(results) != 1 || results[0].MaterialID != "mat-marble" {
		t.Fatalf("filter must exclude mat-oak despite its higher similarity, got %d results", len(results))
	}
}

func TestFusionSingleSpaceQuery(t *testing.T) {
	store := testStore(t)
	now := time.Now().UTC()

	seedResult(t, store, "mat-s", marbleProps(), unitAt(0.3), unitAt(0.9), 0.9, now)

	engine := NewFusionSearchEngine(store)
	query := &types.SearchQuery{
		SemanticQuery:  []float32{1, 0},
		WeightVisual:   0.7,
		WeightSemantic: 0.3,
		Limit:          10,
	}
	query.Normalize()

	results, err := engine.Search(context.Background(), query)
	if err != nil {
		t.Fatalf("search failed: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("got %d results, want 1", len(results))
	}
	// Absent visual space contributes 0: score = 0.3 * 0.9.
	if math.Abs(results[0].CombinedScore-0.27) > 1e-3 {
		t.Errorf("score = %v, want 0.27", results[0].CombinedScore)
	}
	if results[0].VisualSimilarity != 0 {
		t.Errorf("visual similarity = %v, want 0 when no visual query given", results[0].VisualSimilarity)
	}
}

func TestFilterOnlySearch(t *testing.T) {
	store := testStore(t)
	older := time.Now().UTC().Add(-time.Hour)
	newer := time.Now().UTC()

	seedResult(t, store, "mat-old", marbleProps(), unitAt(0.9), unitAt(0.9), 0.9, older)
	seedResult(t, store, "mat-new", marbleProps(), unitAt(0.9), unitAt(0.9), 0.9, newer)

	engine := NewFusionSearchEngine(store)
	query := &types.SearchQuery{
		Filter: types.SearchFilter{MaterialType: "marble"},
		Limit:  10,
	}
	query.Normalize()

	results, err := engine.Search(context.Background(), query)
	if err != nil {
		t.Fatalf("filter-only search failed: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("got %d results, want 2", len(results))
	}
	if results[0].MaterialID != "mat-new" {
		t.Errorf("first result = %s, want mat-new (recency order)", results[0].MaterialID)
	}
	if results[0].CombinedScore != 0 {
		t.Errorf("combined score = %v, want 0 for a filter-only query", results[0].CombinedScore)
	}
}

func TestFusionEmptyResultSet(t *testing.T) {
	store := testStore(t)

	engine := NewFusionSearchEngine(store)
	query := &types.SearchQuery{
		VisualQuery: []float32{1, 0},
		Limit:       10,
	}
	query.Normalize()

	results, err := engine.Search(context.Background(), query)
	if err != nil {
		t.Fatalf("search over empty store failed: %v", err)
	}
	if len(results) != 0 {
		t.Errorf("got %d results, want 0", len(results))
	}
}
