package engine

import (
	"context"
	"sync"

	"github.com/scrypster/materio/internal/vision"
	"github.com/scrypster/materio/pkg/types"
)

// fakeAnalyzer scripts vision analysis outcomes and failures.
type fakeAnalyzer struct {
	mu       sync.Mutex
	calls    int
	failures int   // fail this many initial calls with failErr
	failErr  error // error returned while failing
	outcome  vision.AnalysisOutcome
}

func newFakeAnalyzer() *fakeAnalyzer {
	return &fakeAnalyzer{
		outcome: vision.AnalysisOutcome{
			Properties: types.MaterialProperties{
				MaterialType:     "marble",
				SurfaceTexture:   "polished",
				ColorDescription: "white with grey veining",
				FinishType:       "honed",
				PatternGrain:     "veined",
			},
			Confidence: 0.92,
		},
	}
}

func (f *fakeAnalyzer) AnalyzeImage(ctx context.Context, image []byte) (*vision.AnalysisOutcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.calls <= f.failures {
		return nil, f.failErr
	}
	outcome := f.outcome
	return &outcome, nil
}

func (f *fakeAnalyzer) ModelVersion() string { return "material-vision-test" }

func (f *fakeAnalyzer) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// fakeEmbedder returns fixed vectors, optionally scripted to fail.
type fakeEmbedder struct {
	mu         sync.Mutex
	visual     []float32
	semantic   []float32
	imageErr   error
	textErr    error
	imageCalls int
	textCalls  int
}

func newFakeEmbedder(visual, semantic []float32) *fakeEmbedder {
	return &fakeEmbedder{visual: visual, semantic: semantic}
}

func (f *fakeEmbedder) EmbedImage(ctx context.Context, image []byte) ([]float32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.imageCalls++
	if f.imageErr != nil {
		return nil, f.imageErr
	}
	out := make([]float32, len(f.visual))
	copy(out, f.visual)
	return out, nil
}

func (f *fakeEmbedder) EmbedText(ctx context.Context, text string) ([]float32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.textCalls++
	if f.textErr != nil {
		return nil, f.textErr
	}
	out := make([]float32, len(f.semantic))
	copy(out, f.semantic)
	return out, nil
}

func (f *fakeEmbedder) counts() (image, text int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.imageCalls, f.textCalls
}
