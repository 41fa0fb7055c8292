// Package config provides configuration management for Materio.
// Settings come from an optional YAML file plus environment variables
// with the MATERIO_ prefix; environment variables win, and every option
// has a sensible default.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration settings for the Materio daemon.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Storage   StorageConfig   `yaml:"storage"`
	Vision    VisionConfig    `yaml:"vision"`
	Embedding EmbeddingConfig `yaml:"embedding"`
	Ingestion IngestionConfig `yaml:"ingestion"`
	Search    SearchConfig    `yaml:"search"`
}

// ServerConfig contains HTTP server configuration.
type ServerConfig struct {
	Port int    `yaml:"port"` // Server port (default: 7474)
	Host string `yaml:"host"` // Server host (default: 127.0.0.1)
}

// StorageConfig contains database configuration.
type StorageConfig struct {
	Engine      string `yaml:"engine"`       // Storage engine: sqlite, postgres (default: sqlite)
	DataPath    string `yaml:"data_path"`    // SQLite data directory (default: ./data)
	PostgresDSN string `yaml:"postgres_dsn"` // Connection string when engine is postgres
}

// VisionConfig configures the material analysis service client.
type VisionConfig struct {
	BaseURL           string        `yaml:"base_url"`            // Analysis service URL (default: http://localhost:8090)
	Model             string        `yaml:"model"`               // Analysis model name (default: material-vision-v2)
	RequestsPerMinute int           `yaml:"requests_per_minute"` // Rate limit (default: 60)
	Timeout           time.Duration `yaml:"timeout"`             // Per-call timeout (default: 30s)
	QueueWait         time.Duration `yaml:"queue_wait"`          // Max wait for a rate token (default: 10s)
	MaxFailures       int           `yaml:"max_failures"`        // Breaker failure threshold (default: 3)
	CoolDown          time.Duration `yaml:"cool_down"`           // Breaker open duration (default: 30s)
}

// EmbeddingConfig configures the embedding service client.
type EmbeddingConfig struct {
	BaseURL           string        `yaml:"base_url"`            // Embedding service URL (default: http://localhost:8091)
	VisualModel       string        `yaml:"visual_model"`        // Visual-space model (default: clip-vision-large)
	TextModel         string        `yaml:"text_model"`          // Semantic-space model (default: material-text-embed)
	VisualDim         int           `yaml:"visual_dim"`          // Visual embedding dimension (default: 512)
	SemanticDim       int           `yaml:"semantic_dim"`        // Semantic embedding dimension (default: 384)
	RequestsPerMinute int           `yaml:"requests_per_minute"` // Rate limit (default: 120)
	Timeout           time.Duration `yaml:"timeout"`             // Per-call timeout (default: 15s)
	QueueWait         time.Duration `yaml:"queue_wait"`          // Max wait for a rate token (default: 10s)
	MaxFailures       int           `yaml:"max_failures"`        // Breaker failure threshold (default: 3)
	CoolDown          time.Duration `yaml:"cool_down"`           // Breaker open duration (default: 30s)
}

// IngestionConfig tunes the async ingestion pipeline.
type IngestionConfig struct {
	Workers          int           `yaml:"workers"`            // Worker pool size (default: 4)
	PollInterval     time.Duration `yaml:"poll_interval"`      // Queue poll interval (default: 500ms)
	TaskTimeout      time.Duration `yaml:"task_timeout"`       // Per-task wall bound (default: 2m)
	RetryBackoffBase time.Duration `yaml:"retry_backoff_base"` // Retry backoff base (default: 500ms)
	RecoveryAge      time.Duration `yaml:"recovery_age"`       // Stuck-entry recovery age (default: 10m)
	MaxImageBytes    int           `yaml:"max_image_bytes"`    // Ingest image size cap (default: 20 MiB)
}

// SearchConfig tunes the query path.
type SearchConfig struct {
	CacheSize int           `yaml:"cache_size"` // Query cache entries, 0 disables (default: 256)
	CacheTTL  time.Duration `yaml:"cache_ttl"`  // Query cache entry TTL (default: 5m)
}

// Load builds the configuration. When MATERIO_CONFIG names a YAML file
// it is read first; environment variables then override its values.
func Load() (*Config, error) {
	cfg := defaults()

	if path := os.Getenv("MATERIO_CONFIG"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: failed to read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: failed to parse %s: %w", path, err)
		}
	}

	applyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations the daemon cannot run with.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("config: server port %d out of range", c.Server.Port)
	}
	switch c.Storage.Engine {
	case "sqlite":
	case "postgres":
		if c.Storage.PostgresDSN == "" {
			return fmt.Errorf("config: postgres engine requires a DSN")
		}
	default:
		return fmt.Errorf("config: unknown storage engine %q", c.Storage.Engine)
	}
	if c.Embedding.VisualDim < 1 || c.Embedding.SemanticDim < 1 {
		return fmt.Errorf("config: embedding dimensions must be positive")
	}
	if c.Ingestion.Workers < 1 {
		return fmt.Errorf("config: ingestion workers must be at least 1")
	}
	return nil
}

func defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Port: 7474,
			Host: "127.0.0.1",
		},
		Storage: StorageConfig{
			Engine:   "sqlite",
			DataPath: "./data",
		},
		Vision: VisionConfig{
			BaseURL:           "http://localhost:8090",
			Model:             "material-vision-v2",
			RequestsPerMinute: 60,
			Timeout:           30 * time.Second,
			QueueWait:         10 * time.Second,
			MaxFailures:       3,
			CoolDown:          30 * time.Second,
		},
		Embedding: EmbeddingConfig{
			BaseURL:           "http://localhost:8091",
			VisualModel:       "clip-vision-large",
			TextModel:         "material-text-embed",
			VisualDim:         512,
			SemanticDim:       384,
			RequestsPerMinute: 120,
			Timeout:           15 * time.Second,
			QueueWait:         10 * time.Second,
			MaxFailures:       3,
			CoolDown:          30 * time.Second,
		},
		Ingestion: IngestionConfig{
			Workers:          4,
			PollInterval:     500 * time.Millisecond,
			TaskTimeout:      2 * time.Minute,
			RetryBackoffBase: 500 * time.Millisecond,
			RecoveryAge:      10 * time.Minute,
			MaxImageBytes:    20 << 20,
		},
		Search: SearchConfig{
			CacheSize: 256,
			CacheTTL:  5 * time.Minute,
		},
	}
}

func applyEnv(cfg *Config) {
	cfg.Server.Port = getEnvInt("MATERIO_PORT", cfg.Server.Port)
	cfg.Server.Host = getEnv("MATERIO_HOST", cfg.Server.Host)

	cfg.Storage.Engine = getEnv("MATERIO_STORAGE_ENGINE", cfg.Storage.Engine)
	cfg.Storage.DataPath = getEnv("MATERIO_DATA_PATH", cfg.Storage.DataPath)
	cfg.Storage.PostgresDSN = getEnv("MATERIO_POSTGRES_DSN", cfg.Storage.PostgresDSN)

	cfg.Vision.BaseURL = getEnv("MATERIO_VISION_URL", cfg.Vision.BaseURL)
	cfg.Vision.Model = getEnv("MATERIO_VISION_MODEL", cfg.Vision.Model)
	cfg.Vision.RequestsPerMinute = getEnvInt("MATERIO_VISION_RPM", cfg.Vision.RequestsPerMinute)
	cfg.Vision.Timeout = getEnvDuration("MATERIO_VISION_TIMEOUT", cfg.Vision.Timeout)

	cfg.Embedding.BaseURL = getEnv("MATERIO_EMBEDDING_URL", cfg.Embedding.BaseURL)
	cfg.Embedding.VisualModel = getEnv("MATERIO_EMBEDDING_VISUAL_MODEL", cfg.Embedding.VisualModel)
	cfg.Embedding.TextModel = getEnv("MATERIO_EMBEDDING_TEXT_MODEL", cfg.Embedding.TextModel)
	cfg.Embedding.VisualDim = getEnvInt("MATERIO_EMBEDDING_VISUAL_DIM", cfg.Embedding.VisualDim)
	cfg.Embedding.SemanticDim = getEnvInt("MATERIO_EMBEDDING_SEMANTIC_DIM", cfg.Embedding.SemanticDim)
	cfg.Embedding.RequestsPerMinute = getEnvInt("MATERIO_EMBEDDING_RPM", cfg.Embedding.RequestsPerMinute)
	cfg.Embedding.Timeout = getEnvDuration("MATERIO_EMBEDDING_TIMEOUT", cfg.Embedding.Timeout)

	cfg.Ingestion.Workers = getEnvInt("MATERIO_INGESTION_WORKERS", cfg.Ingestion.Workers)
	cfg.Ingestion.PollInterval = getEnvDuration("MATERIO_INGESTION_POLL_INTERVAL", cfg.Ingestion.PollInterval)
	cfg.Ingestion.TaskTimeout = getEnvDuration("MATERIO_INGESTION_TASK_TIMEOUT", cfg.Ingestion.TaskTimeout)
	cfg.Ingestion.RetryBackoffBase = getEnvDuration("MATERIO_INGESTION_RETRY_BACKOFF", cfg.Ingestion.RetryBackoffBase)
	cfg.Ingestion.RecoveryAge = getEnvDuration("MATERIO_INGESTION_RECOVERY_AGE", cfg.Ingestion.RecoveryAge)

	cfg.Search.CacheSize = getEnvInt("MATERIO_SEARCH_CACHE_SIZE", cfg.Search.CacheSize)
	cfg.Search.CacheTTL = getEnvDuration("MATERIO_SEARCH_CACHE_TTL", cfg.Search.CacheTTL)
}

// getEnv retrieves a string environment variable or returns a default value.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt retrieves an integer environment variable or returns a
// default value. Unparseable values fall back to the default.
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

// getEnvDuration retrieves a duration environment variable (Go duration
// syntax, e.g. "30s") or returns a default value.
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
