package httpadapter

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/kirillkom/interpretation-engine/internal/config"
	"github.com/kirillkom/interpretation-engine/internal/core/domain"
)

type ingestorFake struct {
	mu       sync.Mutex
	err      error
	ingested []domain.Document
	deleted  []string
}

func (f *ingestorFake) Ingest(_ context.Context, indexName string, doc domain.Document) (*domain.IngestResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	if doc.ID == "" {
		return nil, domain.WrapError(domain.ErrValidation, "ingest", errors.New("document id is required"))
	}
	f.ingested = append(f.ingested, doc)
	return &domain.IngestResult{IndexName: indexName, DocumentID: doc.ID, TokenCount: 3, Dimension: 2, IngestedAt: time.Unix(0, 0).UTC()}, nil
}

func (f *ingestorFake) IngestBatch(ctx context.Context, indexName string, docs []domain.Document) []domain.BatchIngestItem {
	items := make([]domain.BatchIngestItem, 0, len(docs))
	for _, doc := range docs {
		result, err := f.Ingest(ctx, indexName, doc)
		item := domain.BatchIngestItem{DocumentID: doc.ID, Result: result}
		if err != nil {
			item.Error = err.Error()
		}
		items = append(items, item)
	}
	return items
}

func (f *ingestorFake) Delete(_ context.Context, indexName, documentID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.deleted = append(f.deleted, indexName+"/"+documentID)
	return nil
}

type retrieverFake struct {
	err     error
	results []domain.RetrievalResult
	last    domain.SearchQuery
}

func (f *retrieverFake) Search(_ context.Context, query domain.SearchQuery) ([]domain.RetrievalResult, error) {
	f.last = query
	if f.err != nil {
		return nil, f.err
	}
	return f.results, nil
}

type interpretationsFake struct {
	err         error
	artifact    *domain.CachedArtifact
	lastRequest domain.GenerationRequest
	invalidated []domain.GenerationKey
}

func (f *interpretationsFake) GetOrGenerate(_ context.Context, req domain.GenerationRequest) (*domain.CachedArtifact, error) {
	f.lastRequest = req
	if f.err != nil {
		return nil, f.err
	}
	out := f.artifact.Clone()
	out.Key = req.Key
	return out, nil
}

func (f *interpretationsFake) Peek(_ context.Context, key domain.GenerationKey) (*domain.CachedArtifact, error) {
	if f.artifact == nil || key.SubjectID != f.artifact.Key.SubjectID {
		return nil, domain.WrapError(domain.ErrNotFound, "peek", errors.New("missing"))
	}
	return f.artifact.Clone(), nil
}

func (f *interpretationsFake) Invalidate(_ context.Context, key domain.GenerationKey) error {
	if err := key.Validate(); err != nil {
		return domain.WrapError(domain.ErrValidation, "invalidate", err)
	}
	f.invalidated = append(f.invalidated, key)
	return nil
}

type statsFake struct{}

func (statsFake) Stats(_ context.Context, indexName string) (domain.IndexStats, error) {
	return domain.IndexStats{IndexName: indexName, Documents: 2, AverageLength: 3.5}, nil
}

type testRouter struct {
	handler         http.Handler
	ingestor        *ingestorFake
	retriever       *retrieverFake
	interpretations *interpretationsFake
}

func newTestRouter(cfg config.Config) testRouter {
	if cfg.RetrievalTopK == 0 {
		cfg.RetrievalTopK = 10
	}
	ingestor := &ingestorFake{}
	retriever := &retrieverFake{results: []domain.RetrievalResult{
		{DocumentID: "d1", Score: 0.03, Method: domain.MethodFused, Rank: 1},
	}}
	interpretations := &interpretationsFake{artifact: &domain.CachedArtifact{
		ID:            "a-1",
		Key:           domain.GenerationKey{SubjectID: "chart-1", Kind: "sun-sign", Language: "en", Corpus: "astro"},
		Text:          "Bold and warm.",
		ModelID:       "llama3.1:8b",
		PromptVersion: "interpretation-v1",
	}}
	handler := NewRouter(cfg, ingestor, retriever, interpretations).WithStats(statsFake{}).Handler()
	return testRouter{handler: handler, ingestor: ingestor, retriever: retriever, interpretations: interpretations}
}
