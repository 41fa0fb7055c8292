// Package storage defines the persistence contract for analysis results
// and the ingestion queue. Two backends implement it: PostgreSQL with
// pgvector (native cosine-distance search) and embedded SQLite
// (in-process cosine), which also serves as the test backend.
package storage

import (
	"context"
	"time"

	"github.com/scrypster/materio/pkg/types"
)

// AnalysisStore persists analysis records, queue entries, and supports
// vector plus predicate queries.
type AnalysisStore interface {
	// UpsertAnalysisResult creates or overwrites the result for its
	// (material_id, source_image_hash) pair. A prior partial or failed
	// result for the same pair is replaced, never duplicated.
	UpsertAnalysisResult(ctx context.Context, result *types.AnalysisResult) error

	// GetAnalysisResult retrieves one result by its unique pair.
	// Returns ErrNotFound if absent.
	GetAnalysisResult(ctx context.Context, materialID, imageHash string) (*types.AnalysisResult, error)

	// GetByMaterialID returns all results for a material, newest first.
	GetByMaterialID(ctx context.Context, materialID string) ([]*types.AnalysisResult, error)

	// CreateQueueEntry persists a new queue entry.
	CreateQueueEntry(ctx context.Context, entry *types.QueueEntry) error

	// ClaimQueueEntry atomically claims the highest-priority, oldest
	// eligible entry (pending, or retrying with next_attempt_at due) by
	// transitioning it to processing. No two callers can claim the same
	// entry. Returns (nil, nil) when nothing is claimable.
	ClaimQueueEntry(ctx context.Context) (*types.QueueEntry, error)

	// GetQueueEntry retrieves an entry by ID. Returns ErrNotFound if absent.
	GetQueueEntry(ctx context.Context, id string) (*types.QueueEntry, error)

	// GetQueueEntryForMaterial returns the most recent entry for a
	// material, for status lookups. Returns ErrNotFound if absent.
	GetQueueEntryForMaterial(ctx context.Context, materialID string) (*types.QueueEntry, error)

	// UpdateQueueEntry persists entry mutations. Status changes must
	// follow the queue state machine; invalid transitions fail with
	// ErrInvalidTransition.
	UpdateQueueEntry(ctx context.Context, entry *types.QueueEntry) error

	// RecoverStuckEntries re-queues entries stuck in processing longer
	// than olderThan (worker crashed mid-task). Returns the count moved
	// back to pending.
	RecoverStuckEntries(ctx context.Context, olderThan time.Duration) (int, error)

	// VectorSearch returns completed results matching the structured
	// filter whose stored vector in the given space has cosine
	// similarity >= threshold against the query vector, ordered by
	// similarity descending, at most limit rows. The returned
	// candidates carry the full result including both stored vectors so
	// the caller can score the other space without a second round trip.
	VectorSearch(ctx context.Context, space EmbeddingSpace, query []float32, filter types.SearchFilter, threshold float64, limit int) ([]Candidate, error)

	// ListByPredicate returns completed results matching the structured
	// filter only, newest first, at most limit rows. Used when a query
	// carries no embeddings.
	ListByPredicate(ctx context.Context, filter types.SearchFilter, limit int) ([]*types.AnalysisResult, error)

	// Close releases any resources held by the store.
	Close() error
}
