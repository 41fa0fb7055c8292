package engine

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"math/rand"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"

	"github.com/scrypster/materio/internal/resilience"
	"github.com/scrypster/materio/internal/storage"
	"github.com/scrypster/materio/internal/vision"
	"github.com/scrypster/materio/pkg/types"
)

// ErrAttemptsExhausted marks a queue entry that failed after using up
// its attempt budget. It is recorded in the entry's ErrorDetail and
// surfaced through status lookups, never returned across the worker
// boundary.
var ErrAttemptsExhausted = errors.New("ingestion attempts exhausted")

// IngestionPipeline drives async material analysis. A dispatcher
// goroutine claims due queue entries and hands them to a shared worker
// pool; each task runs vision analysis plus both embedding calls and
// persists the result. Exactly-once effects come from the store's
// atomic claim plus the (material_id, image_hash) dedup check.
type IngestionPipeline struct {
	store    storage.AnalysisStore
	analyzer vision.Analyzer
	embedder vision.Embedder
	loader   ImageLoader
	config   Config

	pool         *ants.Pool
	dispatchDone sync.WaitGroup
	inflight     sync.WaitGroup
	cancel       context.CancelFunc

	mu      sync.Mutex
	started bool

	// onIngestionComplete fires after an entry reaches a terminal
	// status, with the status it reached. Used for event streaming.
	onIngestionComplete func(entry *types.QueueEntry)
}

// NewIngestionPipeline creates a pipeline. Start must be called before
// entries are processed.
func NewIngestionPipeline(store storage.AnalysisStore, analyzer vision.Analyzer, embedder vision.Embedder, loader ImageLoader, config Config) (*IngestionPipeline, error) {
	if store == nil {
		return nil, fmt.Errorf("analysis store is required")
	}
	if analyzer == nil || embedder == nil {
		return nil, fmt.Errorf("analyzer and embedder are required")
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if loader == nil {
		loader = &RefImageLoader{}
	}
	return &IngestionPipeline{
		store:    store,
		analyzer: analyzer,
		embedder: embedder,
		loader:   loader,
		config:   config,
	}, nil
}

// SetOnIngestionComplete registers a callback fired when an entry
// reaches a terminal status.
func (p *IngestionPipeline) SetOnIngestionComplete(fn func(entry *types.QueueEntry)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onIngestionComplete = fn
}

// Start recovers orphaned entries and launches the worker pool and
// dispatcher.
func (p *IngestionPipeline) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return fmt.Errorf("ingestion pipeline already started")
	}

	recovered, err := p.store.RecoverStuckEntries(ctx, p.config.RecoveryAge)
	if err != nil {
		return fmt.Errorf("failed to recover stuck queue entries: %w", err)
	}
	if recovered > 0 {
		log.Printf("Recovered %d orphaned ingestion entries back to pending", recovered)
	}

	pool, err := ants.NewPool(p.config.NumWorkers)
	if err != nil {
		return fmt.Errorf("failed to create worker pool: %w", err)
	}
	p.pool = pool

	runCtx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel

	p.dispatchDone.Add(1)
	go p.dispatch(runCtx)

	p.started = true
	log.Printf("Ingestion pipeline started with %d workers", p.config.NumWorkers)
	return nil
}

// Stop shuts the pipeline down, waiting for in-flight tasks up to the
// shutdown timeout.
func (p *IngestionPipeline) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return nil
	}
	p.started = false
	cancel := p.cancel
	p.mu.Unlock()

	cancel()
	p.dispatchDone.Wait()

	done := make(chan struct{})
	go func() {
		p.inflight.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Println("All ingestion workers finished gracefully")
	case <-time.After(p.config.ShutdownTimeout):
		log.Println("WARNING: Shutdown timeout reached, abandoning in-flight ingestion tasks")
	case <-ctx.Done():
		log.Println("WARNING: Shutdown context cancelled, abandoning in-flight ingestion tasks")
	}

	p.pool.Release()
	return nil
}

// dispatch polls the queue and submits claimed entries to the pool.
// Submit blocks when all workers are busy, which naturally throttles
// claiming to pool capacity.
func (p *IngestionPipeline) dispatch(ctx context.Context) {
	defer p.dispatchDone.Done()

	ticker := time.NewTicker(p.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.drainClaims(ctx)
		}
	}
}

// drainClaims claims and submits entries until the queue has nothing
// due or the context ends.
func (p *IngestionPipeline) drainClaims(ctx context.Context) {
	for ctx.Err() == nil {
		entry, err := p.store.ClaimQueueEntry(ctx)
		if err != nil {
			log.Printf("ERROR: failed to claim ingestion entry: %v", err)
			return
		}
		if entry == nil {
			return
		}

		claimed := entry
		p.inflight.Add(1)
		if err := p.pool.Submit(func() {
			defer p.inflight.Done()
			p.processEntry(ctx, claimed)
		}); err != nil {
			p.inflight.Done()
			log.Printf("ERROR: failed to submit ingestion task for %s: %v", claimed.MaterialID, err)
			p.releaseClaim(claimed, err)
			return
		}
	}
}

// releaseClaim puts a claimed entry back into retrying after a submit
// failure so it is not orphaned in processing.
func (p *IngestionPipeline) releaseClaim(entry *types.QueueEntry, cause error) {
	entry.Status = types.QueueRetrying
	entry.ErrorDetail = cause.Error()
	next := time.Now().UTC().Add(p.config.PollInterval)
	entry.NextAttemptAt = &next
	if err := p.store.UpdateQueueEntry(context.Background(), entry); err != nil {
		log.Printf("ERROR: failed to release claim for %s: %v", entry.MaterialID, err)
	}
}

// processEntry runs one ingestion task and records its outcome on the
// queue entry.
func (p *IngestionPipeline) processEntry(ctx context.Context, entry *types.QueueEntry) {
	entry.Attempts++
	log.Printf("Ingestion: processing material %s (attempt %d/%d)", entry.MaterialID, entry.Attempts, entry.MaxAttempts)

	taskCtx, cancelTask := context.WithTimeout(ctx, p.config.TaskTimeout)
	err := p.ingest(taskCtx, entry)
	cancelTask()

	// Outcome writes use a background context so shutdown does not
	// leave the entry stuck in processing.
	dbCtx := context.Background()

	switch {
	case err == nil:
		entry.Status = types.QueueCompleted
		entry.ErrorDetail = ""
		entry.NextAttemptAt = nil
		if uerr := p.store.UpdateQueueEntry(dbCtx, entry); uerr != nil {
			log.Printf("ERROR: failed to mark entry %s completed: %v", entry.ID, uerr)
			return
		}
		log.Printf("Ingestion: material %s completed", entry.MaterialID)

	case resilience.IsValidation(err):
		entry.Status = types.QueueFailed
		entry.ErrorDetail = err.Error()
		entry.NextAttemptAt = nil
		if uerr := p.store.UpdateQueueEntry(dbCtx, entry); uerr != nil {
			log.Printf("ERROR: failed to mark entry %s failed: %v", entry.ID, uerr)
		}
		log.Printf("Ingestion: material %s failed terminally: %v", entry.MaterialID, err)

	case entry.Attempts >= entry.MaxAttempts:
		entry.Status = types.QueueFailed
		entry.ErrorDetail = fmt.Sprintf("%v: %v", ErrAttemptsExhausted, err)
		entry.NextAttemptAt = nil
		if uerr := p.store.UpdateQueueEntry(dbCtx, entry); uerr != nil {
			log.Printf("ERROR: failed to mark entry %s failed: %v", entry.ID, uerr)
		}
		log.Printf("Ingestion: material %s failed after %d attempts: %v", entry.MaterialID, entry.Attempts, err)

	default:
		delay := retryBackoff(p.config.RetryBackoffBase, entry.Attempts)
		next := time.Now().UTC().Add(delay)
		entry.Status = types.QueueRetrying
		entry.ErrorDetail = err.Error()
		entry.NextAttemptAt = &next
		if uerr := p.store.UpdateQueueEntry(dbCtx, entry); uerr != nil {
			log.Printf("ERROR: failed to schedule retry for entry %s: %v", entry.ID, uerr)
		}
		log.Printf("Ingestion: material %s retrying in %v (attempt %d/%d): %v",
			entry.MaterialID, delay, entry.Attempts, entry.MaxAttempts, err)
	}

	if entry.Status.IsTerminal() {
		p.mu.Lock()
		callback := p.onIngestionComplete
		p.mu.Unlock()
		if callback != nil {
			callback(entry)
		}
	}
}

// ingest performs the actual work for one entry: load image, dedup
// check, analysis, both embeddings, validation, persistence.
func (p *IngestionPipeline) ingest(ctx context.Context, entry *types.QueueEntry) error {
	image, err := p.loader.Load(ctx, entry.ImageRef)
	if err != nil {
		return err
	}

	sum := sha256.Sum256(image)
	imageHash := hex.EncodeToString(sum[:])

	// Idempotence: a completed result for the same (material, image)
	// pair means this entry already ran to completion once.
	existing, err := p.store.GetAnalysisResult(ctx, entry.MaterialID, imageHash)
	if err == nil && existing.Status == types.AnalysisCompleted {
		log.Printf("Ingestion: material %s image %s already analyzed, skipping", entry.MaterialID, imageHash[:12])
		return nil
	}
	if err != nil && err != storage.ErrNotFound {
		return fmt.Errorf("dedup lookup failed: %w", err)
	}

	start := time.Now()

	outcome, err := p.analyzer.AnalyzeImage(ctx, image)
	if err != nil {
		return fmt.Errorf("vision analysis failed: %w", err)
	}

	visual, err := p.embedder.EmbedImage(ctx, image)
	if err != nil {
		return fmt.Errorf("visual embedding failed: %w", err)
	}

	semantic, err := p.embedder.EmbedText(ctx, outcome.Properties.Description())
	if err != nil {
		return fmt.Errorf("semantic embedding failed: %w", err)
	}

	now := time.Now().UTC()
	result := &types.AnalysisResult{
		MaterialID:         entry.MaterialID,
		SourceImageHash:    imageHash,
		Properties:         outcome.Properties,
		VisualEmbedding:    visual,
		SemanticEmbedding:  semantic,
		AnalysisConfidence: outcome.Confidence,
		ModelVersion:       p.analyzer.ModelVersion(),
		ProcessingTimeMs:   time.Since(start).Milliseconds(),
		Status:             types.AnalysisCompleted,
		CreatedAt:          now,
		UpdatedAt:          now,
	}

	if err := result.Validate(p.config.VisualDim, p.config.SemanticDim); err != nil {
		return &resilience.ValidationError{Reason: "analysis result failed validation", Err: err}
	}

	if err := p.store.UpsertAnalysisResult(ctx, result); err != nil {
		return fmt.Errorf("failed to persist analysis result: %w", err)
	}
	return nil
}

// retryBackoff computes base * 2^(attempt-1) with ±25% jitter so
// retries from a burst of failures spread out.
func retryBackoff(base time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	backoff := base << uint(attempt-1)
	jitter := 0.75 + rand.Float64()*0.5
	return time.Duration(float64(backoff) * jitter)
}
