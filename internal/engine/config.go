package engine

import (
	"fmt"
	"time"
)

// Config holds tuning knobs for the material engine.
type Config struct {
	// NumWorkers is the size of the ingestion worker pool.
	NumWorkers int

	// PollInterval is how often idle workers check the queue for
	// claimable entries.
	PollInterval time.Duration

	// TaskTimeout bounds the wall time of a single ingestion task,
	// covering the analysis call and both embedding calls.
	TaskTimeout time.Duration

	// ShutdownTimeout bounds graceful shutdown.
	ShutdownTimeout time.Duration

	// RecoveryAge is how long an entry may sit in processing before
	// the startup recovery pass considers it orphaned.
	RecoveryAge time.Duration

	// RetryBackoffBase is the base delay for ingestion retries.
	// Attempt n waits roughly base * 2^(n-1) with jitter.
	RetryBackoffBase time.Duration

	// QueryCacheSize is the maximum number of cached search responses.
	// Zero disables the cache.
	QueryCacheSize int

	// QueryCacheTTL is how long a cached search response stays fresh.
	QueryCacheTTL time.Duration

	// VisualDim and SemanticDim are the expected embedding dimensions.
	VisualDim   int
	SemanticDim int
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		NumWorkers:       4,
		PollInterval:     500 * time.Millisecond,
		TaskTimeout:      2 * time.Minute,
		ShutdownTimeout:  30 * time.Second,
		RecoveryAge:      10 * time.Minute,
		RetryBackoffBase: 500 * time.Millisecond,
		QueryCacheSize:   256,
		QueryCacheTTL:    5 * time.Minute,
		VisualDim:        512,
		SemanticDim:      384,
	}
}

// Validate checks the configuration for invalid values.
func (c Config) Validate() error {
	if c.NumWorkers < 1 {
		return fmt.Errorf("num_workers must be at least 1, got %d", c.NumWorkers)
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("poll_interval must be positive, got %v", c.PollInterval)
	}
	if c.TaskTimeout <= 0 {
		return fmt.Errorf("task_timeout must be positive, got %v", c.TaskTimeout)
	}
	if c.RetryBackoffBase <= 0 {
		return fmt.Errorf("retry_backoff_base must be positive, got %v", c.RetryBackoffBase)
	}
	if c.VisualDim < 0 || c.SemanticDim < 0 {
		return fmt.Errorf("embedding dimensions must be non-negative")
	}
	if c.QueryCacheSize < 0 {
		return fmt.Errorf("query_cache_size must be non-negative, got %d", c.QueryCacheSize)
	}
	return nil
}
