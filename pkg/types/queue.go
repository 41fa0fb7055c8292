package types

import (
	"time"

	"github.com/google/uuid"
)

// QueueStatus represents the lifecycle status of an ingestion queue entry.
type QueueStatus string

const (
	// QueuePending indicates the entry is waiting to be claimed by a worker.
	QueuePending QueueStatus = "pending"

	// QueueProcessing indicates exactly one worker currently holds the entry.
	QueueProcessing QueueStatus = "processing"

	// QueueCompleted indicates ingestion finished and the analysis result
	// was persisted. Terminal.
	QueueCompleted QueueStatus = "completed"

	// QueueFailed indicates attempts were exhausted or a non-retryable
	// error occurred. Terminal.
	QueueFailed QueueStatus = "failed"

	// QueueRetrying indicates a transient failure; the entry becomes
	// claimable again once NextAttemptAt has passed.
	QueueRetrying QueueStatus = "retrying"
)

// IsValid checks whether the status is one of the known queue statuses.
func (s QueueStatus) IsValid() bool {
	switch s {
	case QueuePending, QueueProcessing, QueueCompleted, QueueFailed, QueueRetrying:
		return true
	}
	return false
}

// IsTerminal reports whether the status permits no further transitions.
func (s QueueStatus) IsTerminal() bool {
	return s == QueueCompleted || s == QueueFailed
}

// IsValidQueueTransition validates queue status transitions.
//
// Valid transitions:
//
//	pending    -> processing | failed
//	retrying   -> processing | failed
//	processing -> completed | retrying | failed
//	completed  -> (terminal)
//	failed     -> (terminal)
func IsValidQueueTransition(current, next QueueStatus) bool {
	switch current {
	case QueuePending, QueueRetrying:
		return next == QueueProcessing || next == QueueFailed
	case QueueProcessing:
		return next == QueueCompleted || next == QueueRetrying || next == QueueFailed
	case QueueCompleted, QueueFailed:
		return false
	}
	return false
}

// Queue priority bounds. Higher numbers are claimed first.
const (
	MinPriority = 1
	MaxPriority = 10
)

// DefaultMaxAttempts is the per-entry ingestion attempt bound used when
// the caller does not specify one.
const DefaultMaxAttempts = 3

// QueueEntry is one pending or active ingestion task. An entry is
// claimed by exactly one worker at a time via an atomic status
// transition (pending|retrying -> processing) and terminates in either
// completed or failed.
type QueueEntry struct {
	ID          string      `json:"id"`
	MaterialID  string      `json:"material_id"`
	ImageRef    string      `json:"image_ref"` // Opaque reference resolvable by the image fetcher
	Priority    int         `json:"priority"`  // 1 (lowest) to 10 (highest)
	Attempts    int         `json:"attempts"`
	MaxAttempts int         `json:"max_attempts"`
	Status      QueueStatus `json:"status"`

	// NextAttemptAt gates re-claiming of retrying entries. Nil means
	// claimable immediately.
	NextAttemptAt *time.Time `json:"next_attempt_at,omitempty"`

	// ErrorDetail records the most recent failure for operator visibility.
	ErrorDetail string `json:"error_detail,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewQueueEntry creates a pending queue entry with a fresh ID.
// Priority is clamped to [MinPriority, MaxPriority].
func NewQueueEntry(materialID, imageRef string, priority int) *QueueEntry {
	if priority < MinPriority {
		priority = MinPriority
	}
	if priority > MaxPriority {
		priority = MaxPriority
	}

	now := time.Now().UTC()
	return &QueueEntry{
		ID:          uuid.NewString(),
		MaterialID:  materialID,
		ImageRef:    imageRef,
		Priority:    priority,
		MaxAttempts: DefaultMaxAttempts,
		Status:      QueuePending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}
