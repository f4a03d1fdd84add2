package usecase

import (
	"context"
	"fmt"
	"strings"

	"github.com/kirillkom/interpretation-engine/internal/core/domain"
	"github.com/kirillkom/interpretation-engine/internal/core/ports"
)

const (
	defaultContextDocuments = 5
	defaultContextChars     = 2000
)

// PassageContextBuilder resolves fused results to passage text stored alongside the
// dense entries, keeping the fused order.
type PassageContextBuilder struct {
	dense        ports.DenseIndex
	maxDocuments int
	maxChars     int
}

func NewPassageContextBuilder(dense ports.DenseIndex, maxDocuments, maxChars int) *PassageContextBuilder {
	if maxDocuments <= 0 {
		maxDocuments = defaultContextDocuments
	}
	if maxChars <= 0 {
		maxChars = defaultContextChars
	}
	return &PassageContextBuilder{dense: dense, maxDocuments: maxDocuments, maxChars: maxChars}
}

func (b *PassageContextBuilder) Build(
	ctx context.Context,
	req domain.GenerationRequest,
	results []domain.RetrievalResult,
) ([]domain.ContextDocument, error) {
	results = trimResults(results, b.maxDocuments)
	if len(results) == 0 {
		return []domain.ContextDocument{}, nil
	}

	ids := make([]string, 0, len(results))
	for _, r := range results {
		ids = append(ids, r.DocumentID)
	}
	entries, err := b.dense.Lookup(ctx, req.Key.Corpus, ids)
	if err != nil {
		return nil, fmt.Errorf("lookup passages: %w", err)
	}

	texts := make(map[string]string, len(entries))
	for _, e := range entries {
		texts[e.DocumentID] = e.Metadata[domain.MetadataText]
	}

	out := make([]domain.ContextDocument, 0, len(results))
	for _, r := range results {
		text := strings.TrimSpace(texts[r.DocumentID])
		if text == "" {
			continue
		}
		out = append(out, domain.ContextDocument{
			DocumentID: r.DocumentID,
			Text:       truncateRunes(text, b.maxChars),
			Score:      r.Score,
		})
	}
	return out, nil
}

func truncateRunes(text string, limit int) string {
	runes := []rune(text)
	if len(runes) <= limit {
		return text
	}
	return string(runes[:limit])
}
