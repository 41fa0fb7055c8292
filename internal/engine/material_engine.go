package engine

import (
	"context"
	"fmt"
	"log"
	"sync"

	"github.com/scrypster/materio/internal/storage"
	"github.com/scrypster/materio/internal/vision"
	"github.com/scrypster/materio/pkg/types"
)

// MaterialEngine is the core orchestrator for material ingestion and
// fusion search. Enqueue is non-blocking; analysis happens async on
// the worker pool. The read path shares the same resilient embedding
// client as ingestion so rate and breaker state stay global.
type MaterialEngine struct {
	config Config

	store        storage.AnalysisStore
	pipeline     *IngestionPipeline
	orchestrator *QueryOrchestrator

	mu      sync.RWMutex
	started bool
}

// NewMaterialEngine creates an engine over the given store and vision
// clients. Use DefaultConfig() for sensible defaults.
func NewMaterialEngine(store storage.AnalysisStore, analyzer vision.Analyzer, embedder vision.Embedder, loader ImageLoader, config Config) (*MaterialEngine, error) {
	if store == nil {
		return nil, fmt.Errorf("analysis store is required")
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	pipeline, err := NewIngestionPipeline(store, analyzer, embedder, loader, config)
	if err != nil {
		return nil, err
	}

	var cache *queryCache
	if config.QueryCacheSize > 0 {
		cache, err = newQueryCache(config.QueryCacheSize, config.QueryCacheTTL)
		if err != nil {
			return nil, err
		}
	}

	searcher := NewFusionSearchEngine(store)

	return &MaterialEngine{
		config:       config,
		store:        store,
		pipeline:     pipeline,
		orchestrator: NewQueryOrchestrator(embedder, searcher, cache),
	}, nil
}

// Start launches the ingestion pipeline, including its recovery pass.
func (e *MaterialEngine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started {
		return fmt.Errorf("engine already started")
	}
	if err := e.pipeline.Start(ctx); err != nil {
		return err
	}
	e.started = true
	log.Println("Material engine started")
	return nil
}

// Shutdown stops the pipeline gracefully and closes the store.
func (e *MaterialEngine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.started {
		return nil
	}
	e.started = false

	if err := e.pipeline.Stop(ctx); err != nil {
		return err
	}
	log.Println("Material engine stopped")
	return nil
}

// EnqueueIngestion registers a material image for async analysis and
// returns the created queue entry immediately.
func (e *MaterialEngine) EnqueueIngestion(ctx context.Context, materialID, imageRef string, priority int) (*types.QueueEntry, error) {
	if materialID == "" {
		return nil, fmt.Errorf("material_id is required")
	}
	if imageRef == "" {
		return nil, fmt.Errorf("image_ref is required")
	}

	entry := types.NewQueueEntry(materialID, imageRef, priority)
	if err := e.store.CreateQueueEntry(ctx, entry); err != nil {
		return nil, fmt.Errorf("failed to enqueue material %s: %w", materialID, err)
	}
	log.Printf("Enqueued material %s for ingestion (priority %d)", materialID, entry.Priority)
	return entry, nil
}

// Query runs one fusion search.
func (e *MaterialEngine) Query(ctx context.Context, req *QueryRequest) (*QueryResponse, error) {
	return e.orchestrator.Query(ctx, req)
}

// IngestionStatus returns the latest queue entry for a material.
func (e *MaterialEngine) IngestionStatus(ctx context.Context, materialID string) (*types.QueueEntry, error) {
	return e.store.GetQueueEntryForMaterial(ctx, materialID)
}

// MaterialResults returns all analysis results for a material, newest
// first.
func (e *MaterialEngine) MaterialResults(ctx context.Context, materialID string) ([]*types.AnalysisResult, error) {
	return e.store.GetByMaterialID(ctx, materialID)
}

// SetOnIngestionComplete registers a callback fired when an ingestion
// entry reaches a terminal status, for event streaming.
func (e *MaterialEngine) SetOnIngestionComplete(fn func(entry *types.QueueEntry)) {
	e.pipeline.SetOnIngestionComplete(fn)
}
