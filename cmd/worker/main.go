// Command worker runs the rhizome background-job worker: it polls the
// Postgres-backed job queue, dispatches claimed jobs to the document
// pipeline, connection-detection orchestrator, and import/export round
// trip, and exits cleanly on SIGINT/SIGTERM.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/toph420/rhizome-worker/internal/checkpoint"
	"github.com/toph420/rhizome-worker/internal/cleanup"
	"github.com/toph420/rhizome-worker/internal/config"
	"github.com/toph420/rhizome-worker/internal/connections"
	"github.com/toph420/rhizome-worker/internal/enrich"
	"github.com/toph420/rhizome-worker/internal/jobqueue"
	"github.com/toph420/rhizome-worker/internal/objectstore"
	"github.com/toph420/rhizome-worker/internal/observability"
	"github.com/toph420/rhizome-worker/internal/persistence/databases"
	"github.com/toph420/rhizome-worker/internal/pipeline"
	"github.com/toph420/rhizome-worker/internal/rag/chunker"
	"github.com/toph420/rhizome-worker/internal/rag/embedder"
	"github.com/toph420/rhizome-worker/internal/store"
	"github.com/toph420/rhizome-worker/internal/worker"
)

func main() {
	if err := run(); err != nil {
		log.Fatal().Err(err).Msg("worker")
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	observability.InitLogger(cfg.Telemetry.LogFile, cfg.Telemetry.LogLevel)

	baseCtx := context.Background()

	if cfg.Telemetry.TracesEnabled {
		shutdown, err := observability.InitOTel(baseCtx, cfg.Telemetry)
		if err != nil {
			log.Warn().Err(err).Msg("otel init failed, continuing without tracing")
		} else {
			defer func() { _ = shutdown(baseCtx) }()
		}
	}

	pool, err := pgxpool.New(baseCtx, cfg.Postgres.DSN)
	if err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}
	defer pool.Close()

	pg, err := store.NewPostgres(baseCtx, pool)
	if err != nil {
		return fmt.Errorf("bootstrap schema: %w", err)
	}

	objects, err := buildObjectStore(baseCtx, cfg.ObjectStore)
	if err != nil {
		return fmt.Errorf("init object store: %w", err)
	}

	vectorMgr, err := databases.NewManager(baseCtx, cfg.Vector)
	if err != nil {
		return fmt.Errorf("init vector backend: %w", err)
	}
	defer vectorMgr.Close()

	httpClient := observability.NewHTTPClient(&http.Client{Timeout: 60 * time.Second})
	aiClient, err := enrich.NewFromConfig(cfg.AI, httpClient)
	if err != nil {
		return fmt.Errorf("init ai provider: %w", err)
	}

	chunkerImpl := chunker.SemanticChunker{}
	embedderImpl := buildEmbedder(cfg.Embedding)

	checkpointStore := checkpoint.New(objects)
	queue := jobqueue.New(pool)

	pl := &pipeline.Pipeline{
		Objects:     objects,
		Checkpoint:  checkpointStore,
		Checkpoints: queue,
		Documents:   pg,
		Vector:      vectorMgr.Vector,
		Chunker:     chunkerImpl,
		Embedder:    embedderImpl,
		Enricher:    aiClient,
		AIRewriter:  aiClient,

		ChunkOptions: chunker.ChunkingOptions{},
		CleanupMode:  cleanup.ModeRegex,
		EnrichChunks: true,
	}

	orchestrator := connections.NewOrchestrator(
		connections.SemanticSimilarityEngine{Vector: vectorMgr.Vector},
		connections.ContradictionDetectionEngine{},
		connections.ThematicBridgeEngine{Comparator: aiClient, Concurrency: cfg.Worker.AIBatchConcurrency},
	)

	handlers := &worker.Handlers{
		Pipeline:     pl,
		Orchestrator: orchestrator,
		Persist:      pg,
		Documents:    pg,
		Enricher:     aiClient,
		Objects:      objects,
		Port:         pg,
		ExportPrefix: "exports",
	}

	if cfg.Redis.Enabled {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := rdb.Ping(baseCtx).Err(); err != nil {
			log.Warn().Err(err).Msg("redis unreachable, claim fast path disabled")
		} else {
			queue.UseFastClaimLock(jobqueue.NewFastClaimLock(rdb))
		}
	}

	var publisher *worker.EventPublisher
	if cfg.Kafka.Enabled {
		publisher = worker.NewEventPublisher(cfg.Kafka.Brokers, cfg.Kafka.Topic)
		defer publisher.Close()
		handlers.Events = publisher
	}

	w := worker.New(queue, handlers.Build(), cfg.Worker)

	ctx, cancel := signal.NotifyContext(baseCtx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	log.Info().
		Dur("poll_interval", cfg.Worker.PollInterval).
		Dur("heartbeat_interval", cfg.Worker.HeartbeatInterval).
		Int("concurrency", cfg.Worker.Concurrency).
		Msg("worker starting")

	if err := w.Run(ctx); err != nil {
		return fmt.Errorf("worker loop: %w", err)
	}
	log.Info().Msg("worker stopped")
	return nil
}

// buildObjectStore selects the S3-compatible backend when a bucket is
// configured, falling back to an in-memory store for local runs and tests.
func buildObjectStore(ctx context.Context, cfg config.ObjectStoreConfig) (objectstore.ObjectStore, error) {
	if cfg.Bucket == "" {
		log.Warn().Msg("no object store bucket configured, using in-memory store")
		return objectstore.NewMemoryStore(), nil
	}
	return objectstore.NewS3Store(ctx, cfg)
}

// buildEmbedder selects the HTTP-backed embedder when an endpoint is
// configured, falling back to the deterministic offline embedder so the
// worker still runs end to end without a live embedding service.
func buildEmbedder(cfg config.EmbeddingConfig) embedder.Embedder {
	if cfg.Provider == "http" && cfg.Endpoint != "" {
		return embedder.NewClient(cfg, cfg.Dimensions)
	}
	return embedder.NewDeterministic(cfg.Dimensions, true, 0)
}
