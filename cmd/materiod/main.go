// Command materiod runs the Materio daemon: the async ingestion
// pipeline plus the HTTP search and ingestion API.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/scrypster/materio/internal/config"
	"github.com/scrypster/materio/internal/engine"
	"github.com/scrypster/materio/internal/resilience"
	"github.com/scrypster/materio/internal/server"
	"github.com/scrypster/materio/internal/storage"
	"github.com/scrypster/materio/internal/storage/postgres"
	"github.com/scrypster/materio/internal/storage/sqlite"
	"github.com/scrypster/materio/internal/vision"
	"github.com/scrypster/materio/pkg/types"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	store, err := openStore(cfg)
	if err != nil {
		log.Fatalf("Failed to initialize storage: %v", err)
	}
	defer store.Close()

	analyzer, embedder := buildClients(cfg)

	engineCfg := engine.DefaultConfig()
	engineCfg.NumWorkers = cfg.Ingestion.Workers
	engineCfg.PollInterval = cfg.Ingestion.PollInterval
	engineCfg.TaskTimeout = cfg.Ingestion.TaskTimeout
	engineCfg.RetryBackoffBase = cfg.Ingestion.RetryBackoffBase
	engineCfg.RecoveryAge = cfg.Ingestion.RecoveryAge
	engineCfg.QueryCacheSize = cfg.Search.CacheSize
	engineCfg.QueryCacheTTL = cfg.Search.CacheTTL
	engineCfg.VisualDim = cfg.Embedding.VisualDim
	engineCfg.SemanticDim = cfg.Embedding.SemanticDim

	loader := &engine.RefImageLoader{MaxBytes: cfg.Ingestion.MaxImageBytes}
	materialEngine, err := engine.NewMaterialEngine(store, analyzer, embedder, loader, engineCfg)
	if err != nil {
		log.Fatalf("Failed to initialize material engine: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := materialEngine.Start(ctx); err != nil {
		log.Fatalf("Failed to start material engine: %v", err)
	}

	srv := server.NewServer(cfg, materialEngine)
	if err := srv.Start(); err != nil {
		log.Fatalf("Failed to start HTTP server: %v", err)
	}

	// Stream terminal ingestion outcomes to WebSocket subscribers.
	hub := srv.Hub()
	materialEngine.SetOnIngestionComplete(func(entry *types.QueueEntry) {
		hub.Broadcast(server.IngestionEvent{
			EntryID:    entry.ID,
			MaterialID: entry.MaterialID,
			Status:     entry.Status,
			Error:      entry.ErrorDetail,
			Attempts:   entry.Attempts,
			Timestamp:  time.Now().UTC(),
		})
	})

	log.Printf("Materio running at http://%s", srv.Addr())

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	log.Println("Shutting down gracefully...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := materialEngine.Shutdown(shutdownCtx); err != nil {
		log.Printf("Error shutting down material engine: %v", err)
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("Error shutting down HTTP server: %v", err)
	}
}

// openStore selects the storage backend from configuration.
func openStore(cfg *config.Config) (storage.AnalysisStore, error) {
	switch cfg.Storage.Engine {
	case "postgres":
		return postgres.NewAnalysisStore(cfg.Storage.PostgresDSN, cfg.Embedding.VisualDim, cfg.Embedding.SemanticDim)
	default:
		if err := os.MkdirAll(cfg.Storage.DataPath, 0o755); err != nil {
			return nil, err
		}
		return sqlite.NewAnalysisStore(filepath.Join(cfg.Storage.DataPath, "materio.db"))
	}
}

// buildClients wires the vision and embedding clients with their own
// rate limiter and circuit breaker each.
func buildClients(cfg *config.Config) (vision.Analyzer, vision.Embedder) {
	visionClient := resilience.NewServiceClient(resilience.ClientConfig{
		Name:              "vision-analysis",
		RequestsPerMinute: cfg.Vision.RequestsPerMinute,
		QueueWait:         cfg.Vision.QueueWait,
		Timeout:           cfg.Vision.Timeout,
		MaxRetries:        2,
		Breaker: resilience.CircuitBreakerConfig{
			Name:        "vision-analysis",
			MaxFailures: uint32(cfg.Vision.MaxFailures),
			CoolDown:    cfg.Vision.CoolDown,
		},
	})

	embeddingClient := resilience.NewServiceClient(resilience.ClientConfig{
		Name:              "embedding",
		RequestsPerMinute: cfg.Embedding.RequestsPerMinute,
		QueueWait:         cfg.Embedding.QueueWait,
		Timeout:           cfg.Embedding.Timeout,
		MaxRetries:        2,
		Breaker: resilience.CircuitBreakerConfig{
			Name:        "embedding",
			MaxFailures: uint32(cfg.Embedding.MaxFailures),
			CoolDown:    cfg.Embedding.CoolDown,
		},
	})

	analyzer := vision.NewAnalysisClient(vision.AnalysisClientConfig{
		BaseURL:     cfg.Vision.BaseURL,
		Model:       cfg.Vision.Model,
		HTTPTimeout: cfg.Vision.Timeout + 5*time.Second,
	}, visionClient)
	embedder := vision.NewEmbeddingClient(vision.EmbeddingClientConfig{
		BaseURL:     cfg.Embedding.BaseURL,
		VisualModel: cfg.Embedding.VisualModel,
		TextModel:   cfg.Embedding.TextModel,
		DimVisual:   cfg.Embedding.VisualDim,
		DimSemantic: cfg.Embedding.SemanticDim,
		HTTPTimeout: cfg.Embedding.Timeout + 5*time.Second,
	}, embeddingClient)

	return analyzer, embedder
}
