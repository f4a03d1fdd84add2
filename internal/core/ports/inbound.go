package ports

import (
	"context"

	"github.com/kirillkom/interpretation-engine/internal/core/domain"
)

// DocumentIngestor is the inbound contract for populating both indexes.
type DocumentIngestor interface {
	Ingest(ctx context.Context, indexName string, doc domain.Document) (*domain.IngestResult, error)
	IngestBatch(ctx context.Context, indexName string, docs []domain.Document) []domain.BatchIngestItem
	Delete(ctx context.Context, indexName, documentID string) error
}

// Retriever runs sparse, dense or fused retrieval over one named index.
type Retriever interface {
	Search(ctx context.Context, query domain.SearchQuery) ([]domain.RetrievalResult, error)
}

// InterpretationService is the tiered generation cache callers invoke.
type InterpretationService interface {
	GetOrGenerate(ctx context.Context, req domain.GenerationRequest) (*domain.CachedArtifact, error)
	Peek(ctx context.Context, key domain.GenerationKey) (*domain.CachedArtifact, error)
	Invalidate(ctx context.Context, key domain.GenerationKey) error
}
