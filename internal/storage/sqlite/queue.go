package sqlite

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

// CreateQueueEntry persists a new queue entry.
func (s *AnalysisStore) CreateQueueEntry(ctx context.Context, entry *types.QueueEntry) error {
	if entry.ID == "" || entry.MaterialID == "" {
		return fmt.Errorf("%w: id and material_id are required", storage.ErrInvalidInput)
	}

	const query = `
		INSERT INTO ingestion_queue (
			id, material_id, image_ref, priority, attempts, max_attempts,
			status, next_attempt_at, error_detail, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		entry.ID, entry.MaterialID, entry.ImageRef, entry.Priority,
		entry.Attempts, entry.MaxAttempts, string(entry.Status),
		nullableTime(entry.NextAttemptAt), entry.ErrorDetail,
		entry.CreatedAt, entry.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("sqlite: failed to create queue entry: %w", err)
	}
	return nil
}

// ClaimQueueEntry claims the highest-priority, oldest eligible entry
// with a compare-and-swap on status: the conditional UPDATE only
// succeeds if the entry is still claimable, so no two callers can hold
// the same entry.
func (s *AnalysisStore) ClaimQueueEntry(ctx context.Context) (*types.QueueEntry, error) {
	const candidateSQL = `
		SELECT id FROM ingestion_queue
		WHERE status = ?
		   OR (status = ? AND (next_attempt_at IS NULL OR next_attempt_at <= ?))
		ORDER BY priority DESC, created_at ASC
		LIMIT 1
	`
	const claimSQL = `
		UPDATE ingestion_queue
		SET status = ?, updated_at = ?
		WHERE id = ? AND status IN (?, ?)
	`

	// Bounded CAS loop: a lost race re-selects the next candidate.
	for i := 0; i < 5; i++ {
		var id string
		err := s.db.QueryRowContext(ctx, candidateSQL,
			string(types.QueuePending), string(types.QueueRetrying), time.Now().UTC()).Scan(&id)
		if err == sql.ErrNoRows {
			return nil, nil
		}
		if err != nil {
			return nil, fmt.Errorf("sqlite: failed to select claimable entry: %w", err)
		}

		res, err := s.db.ExecContext(ctx, claimSQL,
			string(types.QueueProcessing), time.Now().UTC(), id,
			string(types.QueuePending), string(types.QueueRetrying))
		if err != nil {
			return nil, fmt.Errorf("sqlite: failed to claim entry %s: %w", id, err)
		}

		affected, err := res.RowsAffected()
		if err != nil {
			return nil, fmt.Errorf("sqlite: claim rows affected: %w", err)
		}
		if affected == 1 {
			return s.GetQueueEntry(ctx, id)
		}
		// Another worker won the race; try the next candidate.
	}

	return nil, nil
}

// GetQueueEntry retrieves an entry by ID.
func (s *AnalysisStore) GetQueueEntry(ctx context.Context, id string) (*types.QueueEntry, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+queueColumns+` FROM ingestion_queue WHERE id = ?`, id)

	entry, err := scanQueueEntry(row)
	if err == sql.ErrNoRows {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: failed to get queue entry: %w", err)
	}
	return entry, nil
}

// GetQueueEntryForMaterial returns the most recent entry for a material.
func (s *AnalysisStore) GetQueueEntryForMaterial(ctx context.Context, materialID string) (*types.QueueEntry, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+queueColumns+` FROM ingestion_queue WHERE material_id = ? ORDER BY created_at DESC LIMIT 1`,
		materialID)

	entry, err := scanQueueEntry(row)
	if err == sql.ErrNoRows {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: failed to get queue entry for material: %w", err)
	}
	return entry, nil
}

// UpdateQueueEntry persists entry mutations after validating the status
// transition against the current stored status.
func (s *AnalysisStore) UpdateQueueEntry(ctx context.Context, entry *types.QueueEntry) error {
	current, err := s.GetQueueEntry(ctx, entry.ID)
	if err != nil {
		return err
	}

	if current.Status != entry.Status && !types.IsValidQueueTransition(current.Status, entry.Status) {
		return fmt.Errorf("%w: %s -> %s", storage.ErrInvalidTransition, current.Status, entry.Status)
	}

	entry.UpdatedAt = time.Now().UTC()

	const query = `
		UPDATE ingestion_queue
		SET attempts = ?, max_attempts = ?, status = ?, next_attempt_at = ?,
			error_detail = ?, updated_at = ?
		WHERE id = ?
	`
	_, err = s.db.ExecContext(ctx, query,
		entry.Attempts, entry.MaxAttempts, string(entry.Status),
		nullableTime(entry.NextAttemptAt), entry.ErrorDetail, entry.UpdatedAt, entry.ID)
	if err != nil {
		return fmt.Errorf("sqlite: failed to update queue entry: %w", err)
	}
	return nil
}

// RecoverStuckEntries moves entries stuck in processing back to pending.
func (s *AnalysisStore) RecoverStuckEntries(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := time.Now().UTC().Add(-olderThan)

	res, err := s.db.ExecContext(ctx,
		`UPDATE ingestion_queue SET status = ?, updated_at = ? WHERE status = ? AND updated_at < ?`,
		string(types.QueuePending), time.Now().UTC(), string(types.QueueProcessing), cutoff)
	if err != nil {
		return 0, fmt.Errorf("sqlite: failed to recover stuck entries: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("sqlite: recover rows affected: %w", err)
	}
	return int(affected), nil
}

func scanQueueEntry(row rowScanner) (*types.QueueEntry, error) {
	var entry types.QueueEntry
	var status string
	var nextAttemptAt sql.NullTime

	err := row.Scan(
		&entry.ID, &entry.MaterialID, &entry.ImageRef, &entry.Priority,
		&entry.Attempts, &entry.MaxAttempts, &status, &nextAttemptAt,
		&entry.ErrorDetail, &entry.CreatedAt, &entry.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	entry.Status = types.QueueStatus(status)
	if nextAttemptAt.Valid {
		entry.NextAttemptAt = &nextAttemptAt.Time
	}
	return &entry, nil
}

func nullableTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
