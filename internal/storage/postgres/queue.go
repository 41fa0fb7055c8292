package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/scrypster/materio/internal/storage"
	"github.com/scrypster/materio/pkg/types"
)

const queueColumns = `
	id, material_id, image_ref, priority, attempts, max_attempts,
	status, next_attempt_at, error_detail, created_at, updated_at
`

// CreateQueueEntry persists a new ingestion queue entry.
func (s *AnalysisStore) CreateQueueEntry(ctx context.Context, entry *types.QueueEntry) error {
	if entry.ID == "" || entry.MaterialID == "" {
		return fmt.Errorf("%w: queue entry requires id and material_id", storage.ErrInvalidInput)
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO ingestion_queue (
			id, material_id, image_ref, priority, attempts, max_attempts,
			status, next_attempt_at, error_detail, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`,
		entry.ID, entry.MaterialID, entry.ImageRef, entry.Priority,
		entry.Attempts, entry.MaxAttempts, string(entry.Status),
		nullableTime(entry.NextAttemptAt), entry.ErrorDetail,
		entry.CreatedAt, entry.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: failed to create queue entry: %w", err)
	}
	return nil
}

// ClaimQueueEntry atomically claims the highest-priority due entry and
// moves it to processing. SKIP LOCKED keeps concurrent workers from
// blocking on each other's claims. Returns (nil, nil) when nothing is
// due.
func (s *AnalysisStore) ClaimQueueEntry(ctx context.Context) (*types.QueueEntry, error) {
	row := s.db.QueryRowContext(ctx, `
		UPDATE ingestion_queue SET
			status = $1,
			updated_at = $2
		WHERE id = (
			SELECT id FROM ingestion_queue
			WHERE status IN ($3, $4)
			  AND (next_attempt_at IS NULL OR next_attempt_at <= $2)
			ORDER BY priority DESC, created_at ASC
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+queueColumns,
		string(types.QueueProcessing), time.Now().UTC(),
		string(types.QueuePending), string(types.QueueRetrying),
	)

	entry, err := scanQueueEntry(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to claim queue entry: %w", err)
	}
	return entry, nil
}

// GetQueueEntry retrieves an entry by ID.
func (s *AnalysisStore) GetQueueEntry(ctx context.Context, id string) (*types.QueueEntry, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+queueColumns+` FROM ingestion_queue WHERE id = $1`, id)

	entry, err := scanQueueEntry(row)
	if err == sql.ErrNoRows {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to get queue entry: %w", err)
	}
	return entry, nil
}

// GetQueueEntryForMaterial returns the most recent entry for a material.
func (s *AnalysisStore) GetQueueEntryForMaterial(ctx context.Context, materialID string) (*types.QueueEntry, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+queueColumns+` FROM ingestion_queue WHERE material_id = $1 ORDER BY created_at DESC LIMIT 1`,
		materialID)

	entry, err := scanQueueEntry(row)
	if err == sql.ErrNoRows {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to get queue entry for material %s: %w", materialID, err)
	}
	return entry, nil
}

// UpdateQueueEntry persists status, attempts, error and scheduling
// fields, enforcing the queue state machine against the stored status.
func (s *AnalysisStore) UpdateQueueEntry(ctx context.Context, entry *types.QueueEntry) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("postgres: failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var current string
	err = tx.QueryRowContext(ctx,
		`SELECT status FROM ingestion_queue WHERE id = $1 FOR UPDATE`, entry.ID).Scan(&current)
	if err == sql.ErrNoRows {
		return storage.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("postgres: failed to read current queue status: %w", err)
	}

	currentStatus := types.QueueStatus(current)
	if currentStatus != entry.Status && !types.IsValidQueueTransition(currentStatus, entry.Status) {
		return fmt.Errorf("%w: %s -> %s", storage.ErrInvalidTransition, currentStatus, entry.Status)
	}

	entry.UpdatedAt = time.Now().UTC()

	_, err = tx.ExecContext(ctx, `
		UPDATE ingestion_queue SET
			attempts = $1,
			max_attempts = $2,
			status = $3,
			next_attempt_at = $4,
			error_detail = $5,
			updated_at = $6
		WHERE id = $7
	`,
		entry.Attempts, entry.MaxAttempts, string(entry.Status),
		nullableTime(entry.NextAttemptAt), entry.ErrorDetail,
		entry.UpdatedAt, entry.ID,
	)
	if err != nil {
		return fmt.Errorf("postgres: failed to update queue entry: %w", err)
	}
	return tx.Commit()
}

// RecoverStuckEntries resets processing entries older than the cutoff
// back to pending so workers can pick them up again.
func (s *AnalysisStore) RecoverStuckEntries(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := time.Now().UTC().Add(-olderThan)
	res, err := s.db.ExecContext(ctx, `
		UPDATE ingestion_queue SET
			status = $1,
			updated_at = $2
		WHERE status = $3 AND updated_at < $4
	`,
		string(types.QueuePending), time.Now().UTC(),
		string(types.QueueProcessing), cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("postgres: failed to recover stuck entries: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("postgres: rows affected: %w", err)
	}
	return int(n), nil
}

func scanQueueEntry(row rowScanner) (*types.QueueEntry, error) {
	var entry types.QueueEntry
	var status string
	var nextAttempt sql.NullTime

	err := row.Scan(
		&entry.ID, &entry.MaterialID, &entry.ImageRef, &entry.Priority,
		&entry.Attempts, &entry.MaxAttempts, &status, &nextAttempt,
		&entry.ErrorDetail, &entry.CreatedAt, &entry.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	entry.Status = types.QueueStatus(status)
	if nextAttempt.Valid {
		entry.NextAttemptAt = &nextAttempt.Time
	}
	return &entry, nil
}

func nullableTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.UTC()
}
