package ports

import (
	"context"
	"time"

	"github.com/kirillkom/interpretation-engine/internal/core/domain"
)

// Tokenizer turns raw text into scoring tokens. The sparse index uses the same one for queries.
type Tokenizer interface {
	Tokenize(text string) []string
}

// SparseIndex stores term frequencies per (index, document) and scores lexical queries.
type SparseIndex interface {
	Index(ctx context.Context, indexName, documentID string, tokens []string) error
	Score(ctx context.Context, indexName, query string, topK int) ([]domain.RetrievalResult, error)
	Delete(ctx context.Context, indexName, documentID string) error
}

// DenseIndex stores one vector per (index, document) and answers cosine nearest-neighbour queries.
type DenseIndex interface {
	Upsert(ctx context.Context, indexName, documentID string, vector []float32, metadata map[string]string) error
	Search(ctx context.Context, indexName string, queryVector []float32, topK int) ([]domain.RetrievalResult, error)
	Lookup(ctx context.Context, indexName string, documentIDs []string) ([]domain.DenseEntry, error)
	Delete(ctx context.Context, indexName, documentID string) error
}

// Embedder builds vectors for documents and query text.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
}

// Generator is the external prose generation capability.
type Generator interface {
	Generate(ctx context.Context, input domain.GenerationInput) (domain.GenerationOutput, error)
}

// ContextBuilder turns fused retrieval results into generation context.
type ContextBuilder interface {
	Build(ctx context.Context, req domain.GenerationRequest, results []domain.RetrievalResult) ([]domain.ContextDocument, error)
}

// EphemeralCache is the fast, TTL-bounded layer keyed by GenerationKey.Digest().
type EphemeralCache interface {
	Get(ctx context.Context, digest string) (*domain.CachedArtifact, bool, error)
	Set(ctx context.Context, digest string, artifact *domain.CachedArtifact) error
	Delete(ctx context.Context, digest string) error
}

// ArtifactStore is the durable layer. Insert returns domain.ErrConflict when a live row
// for the same key already exists.
type ArtifactStore interface {
	Get(ctx context.Context, key domain.GenerationKey) (*domain.CachedArtifact, error)
	Insert(ctx context.Context, artifact *domain.CachedArtifact) error
	Touch(ctx context.Context, key domain.GenerationKey, at time.Time) error
	Delete(ctx context.Context, key domain.GenerationKey) error
	DeleteStale(ctx context.Context, lastAccessedBefore time.Time) (int64, error)
}

// GenerationNotifier receives the accounting signal for generations that actually ran.
type GenerationNotifier interface {
	GenerationCompleted(ctx context.Context, event domain.GenerationEvent) error
}

// DocumentQueue carries documents from external content sources into the worker.
type DocumentQueue interface {
	PublishDocument(ctx context.Context, doc domain.Document) error
	SubscribeDocuments(ctx context.Context, handler func(context.Context, domain.Document) error) error
}

// IndexStatsReader exposes corpus statistics of a sparse index.
type IndexStatsReader interface {
	Stats(ctx context.Context, indexName string) (domain.IndexStats, error)
}

// CacheObserver receives tiered-cache outcomes for metrics.
type CacheObserver interface {
	CacheLookup(layer, outcome string)
	GenerationStarted()
	GenerationFinished(duration time.Duration, err error)
	SharedResult()
}
