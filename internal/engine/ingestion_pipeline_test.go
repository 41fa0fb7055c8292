package engine

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"strings"
	"testing"
	"time"

	"github.com/scrypster/materio/internal/resilience"
	"github.com/scrypster/materio/internal/storage"
	"github.com/scrypster/materio/internal/storage/sqlite"
	"github.com/scrypster/materio/pkg/types"
)

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.NumWorkers = 2
	cfg.PollInterval = 10 * time.Millisecond
	cfg.TaskTimeout = 5 * time.Second
	cfg.ShutdownTimeout = 2 * time.Second
	cfg.RecoveryAge = time.Minute
	cfg.RetryBackoffBase = 5 * time.Millisecond
	cfg.VisualDim = 4
	cfg.SemanticDim = 3
	return cfg
}

func testStore(t *testing.T) storage.AnalysisStore {
	t.Helper()
	store, err := sqlite.NewAnalysisStore(":memory:")
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func testImage() ([]byte, string) {
	data := append([]byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n'}, []byte("fixture-image")...)
	return data, "data:image/png;base64," + base64.StdEncoding.EncodeToString(data)
}

func startPipeline(t *testing.T, store storage.AnalysisStore, analyzer *fakeAnalyzer, embedder *fakeEmbedder) *IngestionPipeline {
	t.Helper()
	pipeline, err := NewIngestionPipeline(store, analyzer, embedder, nil, testConfig())
	if err != nil {
		t.Fatalf("failed to create pipeline: %v", err)
	}
	if err := pipeline.Start(context.Background()); err != nil {
		t.Fatalf("failed to start pipeline: %v", err)
	}
	t.Cleanup(func() { pipeline.Stop(context.Background()) })
	return pipeline
}

func waitForStatus(t *testing.T, store storage.AnalysisStore, entryID string, want types.QueueStatus) *types.QueueEntry {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		entry, err := store.GetQueueEntry(context.Background(), entryID)
		if err != nil {
			t.Fatalf("failed to get queue entry: %v", err)
		}
		if entry.Status == want {
			return entry
		}
		if entry.Status.IsTerminal() && entry.Status != want {
			t.Fatalf("entry reached terminal status %s, want %s (last error: %s)", entry.Status, want, entry.ErrorDetail)
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("entry %s never reached status %s", entryID, want)
	return nil
}

func TestPipelineCompletesEntry(t *testing.T) {
	store := testStore(t)
	analyzer := newFakeAnalyzer()
	embedder := newFakeEmbedder([]float32{1, 0, 0, 0}, []float32{0, 1, 0})

	image, ref := testImage()
	entry := types.NewQueueEntry("mat-001", ref, 5)
	if err := store.CreateQueueEntry(context.Background(), entry); err != nil {
		t.Fatalf("failed to enqueue: %v", err)
	}

	startPipeline(t, store, analyzer, embedder)
	done := waitForStatus(t, store, entry.ID, types.QueueCompleted)

	if done.Attempts != 1 {
		t.Errorf("attempts = %d, want 1", done.Attempts)
	}

	sum := sha256.Sum256(image)
	result, err := store.GetAnalysisResult(context.Background(), "mat-001", hex.EncodeToString(sum[:]))
	if err != nil {
		t.Fatalf("expected persisted result: %v", err)
	}
	if result.Status != types.AnalysisCompleted {
		t.Errorf("result status = %s, want completed", result.Status)
	}
	if result.Properties.MaterialType != "marble" {
		t.Errorf("material type = %q, want marble", result.Properties.MaterialType)
	}
	if result.ModelVersion != "material-vision-test" {
		t.Errorf("model version = %q", result.ModelVersion)
	}
	if len(result.VisualEmbedding) != 4 || len(result.SemanticEmbedding) != 3 {
		t.Errorf("embedding dims = %d/%d, want 4/3", len(result.VisualEmbedding), len(result.SemanticEmbedding))
	}
}

func TestPipelineRetriesTransientFailure(t *testing.T) {
	store := testStore(t)
	analyzer := newFakeAnalyzer()
	analyzer.failures = 2
	analyzer.failErr = &resilience.TransientServiceError{Reason: "service timeout"}
	embedder := newFakeEmbedder([]float32{1, 0, 0, 0}, []float32{0, 1, 0})

	_, ref := testImage()
	entry := types.NewQueueEntry("mat-retry", ref, 5)
	if err := store.CreateQueueEntry(context.Background(), entry); err != nil {
		t.Fatalf("failed to enqueue: %v", err)
	}

	startPipeline(t, store, analyzer, embedder)
	done := waitForStatus(t, store, entry.ID, types.QueueCompleted)

	if done.Attempts != 3 {
		t.Errorf("attempts = %d, want 3", done.Attempts)
	}
	if got := analyzer.callCount(); got != 3 {
		t.Errorf("analyzer calls = %d, want 3", got)
	}
}

func TestPipelineValidationFailureIsTerminal(t *testing.T) {
	store := testStore(t)
	analyzer := newFakeAnalyzer()
	analyzer.failures = 100
	analyzer.failErr = &resilience.ValidationError{Reason: "response missing material_type"}
	embedder := newFakeEmbedder([]float32{1, 0, 0, 0}, []float32{0, 1, 0})

	_, ref := testImage()
	entry := types.NewQueueEntry("mat-bad", ref, 5)
	if err := store.CreateQueueEntry(context.Background(), entry); err != nil {
		t.Fatalf("failed to enqueue: %v", err)
	}

	startPipeline(t, store, analyzer, embedder)
	done := waitForStatus(t, store, entry.ID, types.QueueFailed)

	if done.Attempts != 1 {
		t.Errorf("attempts = %d, want 1 (validation failures must not retry)", done.Attempts)
	}
	if !strings.Contains(done.ErrorDetail, "validation") {
		t.Errorf("last error = %q, want validation error recorded", done.ErrorDetail)
	}
}

func TestPipelineExhaustsAttempts(t *testing.T) {
	store := testStore(t)
	analyzer := newFakeAnalyzer()
	analyzer.failures = 100
	analyzer.failErr = &resilience.TransientServiceError{Reason: "persistent outage"}
	embedder := newFakeEmbedder([]float32{1, 0, 0, 0}, []float32{0, 1, 0})

	_, ref := testImage()
	entry := types.NewQueueEntry("mat-outage", ref, 5)
	if err := store.CreateQueueEntry(context.Background(), entry); err != nil {
		t.Fatalf("failed to enqueue: %v", err)
	}

	startPipeline(t, store, analyzer, embedder)
	done := waitForStatus(t, store, entry.ID, types.QueueFailed)

	if done.Attempts != types.DefaultMaxAttempts {
		t.Errorf("attempts = %d, want %d", done.Attempts, types.DefaultMaxAttempts)
	}
	if !strings.Contains(done.ErrorDetail, "persistent outage") {
		t.Errorf("last error = %q, want the final transient error", done.ErrorDetail)
	}
}

func TestPipelineSkipsAlreadyAnalyzed(t *testing.T) {
	store := testStore(t)
	analyzer := newFakeAnalyzer()
	embedder := newFakeEmbedder([]float32{1, 0, 0, 0}, []float32{0, 1, 0})

	image, ref := testImage()
	sum := sha256.Sum256(image)
	hash := hex.EncodeToString(sum[:])

	now := time.Now().UTC()
	existing := &types.AnalysisResult{
		MaterialID:         "mat-dup",
		SourceImageHash:    hash,
		Properties:         types.MaterialProperties{MaterialType: "marble"},
		VisualEmbedding:    []float32{1, 0, 0, 0},
		SemanticEmbedding:  []float32{0, 1, 0},
		AnalysisConfidence: 0.9,
		Status:             types.AnalysisCompleted,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if err := store.UpsertAnalysisResult(context.Background(), existing); err != nil {
		t.Fatalf("failed to seed existing result: %v", err)
	}

	entry := types.NewQueueEntry("mat-dup", ref, 5)
	if err := store.CreateQueueEntry(context.Background(), entry); err != nil {
		t.Fatalf("failed to enqueue: %v", err)
	}

	startPipeline(t, store, analyzer, embedder)
	waitForStatus(t, store, entry.ID, types.QueueCompleted)

	if got := analyzer.callCount(); got != 0 {
		t.Errorf("analyzer calls = %d, want 0 for an already-analyzed image", got)
	}
}

func TestPipelineRecoversStuckEntries(t *testing.T) {
	store := testStore(t)
	analyzer := newFakeAnalyzer()
	embedder := newFakeEmbedder([]float32{1, 0, 0, 0}, []float32{0, 1, 0})

	_, ref := testImage()
	entry := types.NewQueueEntry("mat-stuck", ref, 5)
	entry.Status = types.QueueProcessing
	entry.Attempts = 1
	entry.UpdatedAt = time.Now().UTC().Add(-time.Hour)
	if err := store.CreateQueueEntry(context.Background(), entry); err != nil {
		t.Fatalf("failed to seed stuck entry: %v", err)
	}

	startPipeline(t, store, analyzer, embedder)
	waitForStatus(t, store, entry.ID, types.QueueCompleted)
}
