package usecase

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/kirillkom/interpretation-engine/internal/core/domain"
	"github.com/kirillkom/interpretation-engine/internal/core/ports"
)

type IngestUseCase struct {
	tokenizer ports.Tokenizer
	sparse    ports.SparseIndex
	dense     ports.DenseIndex
	embedder  ports.Embedder
	now       func() time.Time
}

// NewIngestUseCase wires the ingestion pipeline. embedder may be nil when every
// document arrives with a precomputed embedding.
func NewIngestUseCase(
	tokenizer ports.Tokenizer,
	sparse ports.SparseIndex,
	dense ports.DenseIndex,
	embedder ports.Embedder,
) *IngestUseCase {
	return &IngestUseCase{
		tokenizer: tokenizer,
		sparse:    sparse,
		dense:     dense,
		embedder:  embedder,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Ingest writes the dense entry and then the sparse entry for one document. Both writes
// overwrite, so re-ingesting after any failure converges on the latest content.
func (uc *IngestUseCase) Ingest(ctx context.Context, indexName string, doc domain.Document) (*domain.IngestResult, error) {
	if err := validateDocument(indexName, doc); err != nil {
		return nil, domain.WrapError(domain.ErrValidation, "ingest", err)
	}

	// Precomputed tokens go through the same normalization as queries, otherwise
	// "Sun," would never match the query "sun".
	source := doc.Text
	if len(doc.Tokens) > 0 {
		source = strings.Join(doc.Tokens, " ")
	}
	tokens := uc.tokenizer.Tokenize(source)
	if len(tokens) == 0 {
		return nil, domain.WrapError(domain.ErrValidation, "ingest", errors.New("document has no indexable tokens"))
	}

	vector, embedded, err := uc.embedding(ctx, doc)
	if err != nil {
		return nil, err
	}

	metadata := make(map[string]string, len(doc.Metadata)+1)
	for k, v := range doc.Metadata {
		metadata[k] = v
	}
	metadata[domain.MetadataText] = doc.Text

	if err := uc.dense.Upsert(ctx, indexName, doc.ID, vector, metadata); err != nil {
		return nil, fmt.Errorf("write dense entry: %w", err)
	}
	if err := uc.sparse.Index(ctx, indexName, doc.ID, tokens); err != nil {
		return nil, &domain.PartialIngestError{
			IndexName:  indexName,
			DocumentID: doc.ID,
			DenseWrote: true,
			Err:        fmt.Errorf("write sparse entry: %w", err),
		}
	}

	return &domain.IngestResult{
		IndexName:  indexName,
		DocumentID: doc.ID,
		TokenCount: len(tokens),
		Dimension:  len(vector),
		Embedded:   embedded,
		IngestedAt: uc.now(),
	}, nil
}

// IngestBatch ingests documents in order and reports every outcome; one failure does not
// stop the rest of the batch.
func (uc *IngestUseCase) IngestBatch(ctx context.Context, indexName string, docs []domain.Document) []domain.BatchIngestItem {
	items := make([]domain.BatchIngestItem, 0, len(docs))
	for _, doc := range docs {
		item := domain.BatchIngestItem{DocumentID: doc.ID}
		result, err := uc.Ingest(ctx, indexName, doc)
		if err != nil {
			item.Error = err.Error()
			item.Partial = domain.IsKind(err, domain.ErrPartialIngest)
		} else {
			item.Result = result
		}
		items = append(items, item)
	}
	return items
}

// Delete removes a document from both indexes. Both deletes are attempted.
func (uc *IngestUseCase) Delete(ctx context.Context, indexName, documentID string) error {
	if strings.TrimSpace(indexName) == "" || strings.TrimSpace(documentID) == "" {
		return domain.WrapError(domain.ErrValidation, "delete document", errors.New("index name and document id are required"))
	}

	var errs []error
	if err := uc.sparse.Delete(ctx, indexName, documentID); err != nil {
		errs = append(errs, fmt.Errorf("delete sparse entry: %w", err))
	}
	if err := uc.dense.Delete(ctx, indexName, documentID); err != nil {
		errs = append(errs, fmt.Errorf("delete dense entry: %w", err))
	}
	return errors.Join(errs...)
}

func (uc *IngestUseCase) embedding(ctx context.Context, doc domain.Document) ([]float32, bool, error) {
	if len(doc.Embedding) > 0 {
		if err := validateVector(doc.Embedding); err != nil {
			return nil, false, domain.WrapError(domain.ErrValidation, "ingest", err)
		}
		return doc.Embedding, false, nil
	}
	if uc.embedder == nil {
		return nil, false, domain.WrapError(domain.ErrValidation, "ingest", errors.New("embedding is required when no embedder is configured"))
	}

	vectors, err := uc.embedder.Embed(ctx, []string{doc.Text})
	if err != nil {
		return nil, false, fmt.Errorf("embed document: %w", err)
	}
	if len(vectors) != 1 {
		return nil, false, fmt.Errorf("embed document: expected 1 vector, got %d", len(vectors))
	}
	if err := validateVector(vectors[0]); err != nil {
		return nil, false, domain.WrapError(domain.ErrValidation, "embed document", err)
	}
	return vectors[0], true, nil
}

func validateDocument(indexName string, doc domain.Document) error {
	switch {
	case strings.TrimSpace(indexName) == "":
		return errors.New("index name is required")
	case doc.IndexName != "" && doc.IndexName != indexName:
		return fmt.Errorf("document belongs to index %q, not %q", doc.IndexName, indexName)
	case strings.TrimSpace(doc.ID) == "":
		return errors.New("document id is required")
	case strings.TrimSpace(doc.Text) == "":
		return errors.New("document text is required")
	}
	return nil
}

func validateVector(vector []float32) error {
	if len(vector) == 0 {
		return errors.New("embedding is empty")
	}
	var norm float64
	for _, v := range vector {
		f := float64(v)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return errors.New("embedding contains non-finite values")
		}
		norm += f * f
	}
	if norm == 0 {
		return errors.New("embedding has zero norm")
	}
	return nil
}
