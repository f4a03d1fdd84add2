package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/kirillkom/interpretation-engine/internal/config"
	"github.com/kirillkom/interpretation-engine/internal/core/domain"
	"github.com/kirillkom/interpretation-engine/internal/core/ports"
	"github.com/kirillkom/interpretation-engine/internal/core/usecase"
	rediscache "github.com/kirillkom/interpretation-engine/internal/infrastructure/cache/redis"
	"github.com/kirillkom/interpretation-engine/internal/infrastructure/llm/ollama"
	"github.com/kirillkom/interpretation-engine/internal/infrastructure/queue/nats"
	"github.com/kirillkom/interpretation-engine/internal/infrastructure/repository/postgres"
	"github.com/kirillkom/interpretation-engine/internal/infrastructure/repository/sqlite"
	"github.com/kirillkom/interpretation-engine/internal/infrastructure/resilience"
	"github.com/kirillkom/interpretation-engine/internal/infrastructure/search/bm25"
	"github.com/kirillkom/interpretation-engine/internal/infrastructure/snapshot/bolt"
	"github.com/kirillkom/interpretation-engine/internal/infrastructure/vector/memory"
	"github.com/kirillkom/interpretation-engine/internal/infrastructure/vector/qdrant"
	"github.com/kirillkom/interpretation-engine/internal/observability/metrics"
)

const queueDocumentTimeout = 2 * time.Minute

type App struct {
	Config config.Config

	Ingest          *usecase.IngestUseCase
	Retrieval       *usecase.RetrievalUseCase
	Interpretations *usecase.GenerationCacheUseCase
	Janitor         *usecase.StalenessJanitor
	Stats           ports.IndexStatsReader

	// Queue is nil when NATS_URL is empty.
	Queue *nats.Queue

	closers []func()
}

// Observers receive engine events for metrics. Either field may be nil.
type Observers struct {
	Cache      ports.CacheObserver
	Resilience resilience.Observer
}

// New wires the engine.
func New(ctx context.Context, cfg config.Config, observers Observers) (*App, error) {
	app := &App{Config: cfg}
	ok := false
	defer func() {
		if !ok {
			app.Close()
		}
	}()

	executor := resilience.NewExecutor(resilienceConfig(cfg)).WithObserver(observers.Resilience)

	durable, closeDurable, err := OpenArtifactStore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	app.closers = append(app.closers, closeDurable)

	var ephemeral ports.EphemeralCache
	if cfg.RedisAddr != "" {
		client, err := rediscache.Connect(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err != nil {
			return nil, fmt.Errorf("init ephemeral cache: %w", err)
		}
		app.closers = append(app.closers, func() { _ = client.Close() })
		ephemeral = rediscache.NewArtifactCache(client, cfg.CacheTTL)
	}

	var notifier ports.GenerationNotifier
	if cfg.NATSURL != "" {
		queue, err := nats.New(cfg.NATSURL, nats.Options{
			DocumentsSubject:   cfg.NATSDocumentsSubject,
			GenerationsSubject: cfg.NATSGenerationsSubject,
			QueueGroup:         cfg.NATSQueueGroup,
			ResilienceExecutor: executor,
		})
		if err != nil {
			return nil, fmt.Errorf("init message queue: %w", err)
		}
		app.closers = append(app.closers, queue.Close)
		app.Queue = queue
		if cfg.NotifyGenerations {
			notifier = queue
		}
	}

	ollamaClient := ollama.New(cfg.OllamaURL, cfg.OllamaGenModel, cfg.OllamaEmbedModel, executor)
	embedder := ollama.NewEmbedder(ollamaClient)
	generator := ollama.NewGenerator(ollamaClient)

	tokenizer := bm25.NewTokenizer()
	sparseIndex := bm25.NewIndex(cfg.BM25K1, cfg.BM25B, tokenizer)
	var sparse ports.SparseIndex = sparseIndex
	var stats ports.IndexStatsReader = sparseIndex

	var dense ports.DenseIndex
	journalDense := false
	switch cfg.DenseBackend {
	case config.DenseQdrant:
		dense = qdrant.New(cfg.QdrantURL, cfg.QdrantCollectionPrefix, executor)
	case config.DenseMemory, "":
		dense = memory.NewIndex()
		journalDense = true
	default:
		return nil, fmt.Errorf("unsupported dense backend %q", cfg.DenseBackend)
	}

	if cfg.SnapshotPath != "" {
		store, err := bolt.Open(cfg.SnapshotPath)
		if err != nil {
			return nil, fmt.Errorf("open snapshot: %w", err)
		}
		app.closers = append(app.closers, func() { _ = store.Close() })

		var replayDense ports.DenseIndex
		if journalDense {
			replayDense = dense
		}
		restored, err := store.Restore(ctx, sparse, replayDense)
		if err != nil {
			return nil, err
		}
		slog.Info("snapshot_restored", "path", cfg.SnapshotPath, "sparse", restored.Sparse, "dense", restored.Dense)

		sparseJournal := bolt.NewSparseJournal(sparse, store)
		sparse = sparseJournal
		stats = sparseJournal
		if journalDense {
			dense = bolt.NewDenseJournal(dense, store)
		}
	}

	app.Ingest = usecase.NewIngestUseCase(tokenizer, sparse, dense, embedder)
	app.Retrieval = usecase.NewRetrievalUseCase(sparse, dense, embedder, usecase.RetrievalOptions{
		DefaultTopK:    cfg.RetrievalTopK,
		CandidateDepth: cfg.CandidateDepth,
		Fusion: usecase.FusionParams{
			Weights: domain.FusionWeights{
				Sparse: cfg.FusionSparseWeight,
				Dense:  cfg.FusionDenseWeight,
			},
			RankConstant: cfg.FusionRankConstant,
		},
	})
	contexts := usecase.NewPassageContextBuilder(dense, cfg.ContextMaxDocuments, cfg.ContextMaxChars)
	app.Interpretations = usecase.NewGenerationCacheUseCase(
		ephemeral,
		durable,
		app.Retrieval,
		contexts,
		generator,
		notifier,
		usecase.GenerationOptions{
			TopK:           cfg.GenerationTopK,
			DefaultTimeout: cfg.GenerationTimeout,
		},
	).WithObserver(observers.Cache)
	app.Janitor = usecase.NewStalenessJanitor(durable, cfg.StalenessHorizon)
	app.Stats = stats

	ok = true
	return app, nil
}

// OpenArtifactStore opens the configured durable layer on its own, for processes that
// need nothing else.
func OpenArtifactStore(ctx context.Context, cfg config.Config) (ports.ArtifactStore, func(), error) {
	switch cfg.DurableBackend {
	case config.DurableSQLite:
		repo, err := sqlite.Open(cfg.SQLitePath)
		if err != nil {
			return nil, nil, fmt.Errorf("open sqlite: %w", err)
		}
		return repo, func() { _ = repo.Close() }, nil
	case config.DurablePostgres, "":
		db, err := postgres.OpenDB(cfg.PostgresDSN)
		if err != nil {
			return nil, nil, fmt.Errorf("open postgres: %w", err)
		}
		repo := postgres.NewArtifactRepository(db)
		if err := repo.EnsureSchema(ctx); err != nil {
			_ = db.Close()
			return nil, nil, fmt.Errorf("ensure schema: %w", err)
		}
		return repo, func() { _ = db.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unsupported durable backend %q", cfg.DurableBackend)
	}
}

// ConsumeDocuments feeds queued documents through the ingestion pipeline until ctx ends.
// workerMetrics may be nil.
func (a *App) ConsumeDocuments(ctx context.Context, service string, workerMetrics *metrics.WorkerMetrics) error {
	if a.Queue == nil {
		return errors.New("document queue is not configured")
	}
	return a.Queue.SubscribeDocuments(ctx, func(handlerCtx context.Context, doc domain.Document) error {
		ingestCtx, cancel := context.WithTimeout(handlerCtx, queueDocumentTimeout)
		defer cancel()

		start := time.Now()
		if workerMetrics != nil {
			workerMetrics.StartDocument()
		}
		_, err := a.Ingest.Ingest(ingestCtx, doc.IndexName, doc)
		if workerMetrics != nil {
			workerMetrics.FinishDocument(service, time.Since(start), err)
		}
		if err != nil {
			return err
		}
		slog.Debug("queue_document_ingested", "index", doc.IndexName, "document_id", doc.ID)
		return nil
	})
}

func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

func resilienceConfig(cfg config.Config) resilience.Config {
	out := resilience.DefaultConfig()
	out.RetryMaxAttempts = cfg.ResilienceRetryMaxAttempts
	out.BreakerEnabled = cfg.ResilienceBreakerEnabled
	out.BreakerOpenTimeout = cfg.ResilienceBreakerOpenTimeout
	return out
}
