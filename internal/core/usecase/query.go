package usecase

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/kirillkom/interpretation-engine/internal/core/domain"
	"github.com/kirillkom/interpretation-engine/internal/core/ports"
)

const (
	defaultRetrievalTopK  = 5
	defaultCandidateDepth = 20
)

type RetrievalOptions struct {
	DefaultTopK int
	// CandidateDepth is how many results each source contributes before fusion.
	CandidateDepth int
	Fusion         FusionParams
}

type RetrievalUseCase struct {
	sparse   ports.SparseIndex
	dense    ports.DenseIndex
	embedder ports.Embedder
	opts     RetrievalOptions
}

// NewRetrievalUseCase builds the hybrid retriever. embedder may be nil, in which case
// hybrid search degrades to the sparse ranking and dense-only search is rejected.
func NewRetrievalUseCase(
	sparse ports.SparseIndex,
	dense ports.DenseIndex,
	embedder ports.Embedder,
	opts RetrievalOptions,
) *RetrievalUseCase {
	if opts.DefaultTopK <= 0 {
		opts.DefaultTopK = defaultRetrievalTopK
	}
	if opts.CandidateDepth <= 0 {
		opts.CandidateDepth = defaultCandidateDepth
	}
	if opts.Fusion.RankConstant <= 0 {
		opts.Fusion.RankConstant = DefaultRankConstant
	}
	return &RetrievalUseCase{
		sparse:   sparse,
		dense:    dense,
		embedder: embedder,
		opts:     opts,
	}
}

func (uc *RetrievalUseCase) Search(ctx context.Context, query domain.SearchQuery) ([]domain.RetrievalResult, error) {
	if strings.TrimSpace(query.IndexName) == "" {
		return nil, domain.WrapError(domain.ErrValidation, "search", errors.New("index name is required"))
	}
	if strings.TrimSpace(query.Text) == "" {
		return nil, domain.WrapError(domain.ErrValidation, "search", errors.New("query text is required"))
	}
	topK := query.TopK
	if topK <= 0 {
		topK = uc.opts.DefaultTopK
	}
	mode := query.Mode
	if mode == "" {
		mode = domain.SearchModeHybrid
	}

	switch mode {
	case domain.SearchModeSparse:
		return uc.searchSparse(ctx, query.IndexName, query.Text, topK)
	case domain.SearchModeDense:
		if uc.embedder == nil {
			return nil, domain.WrapError(domain.ErrValidation, "search", errors.New("dense retrieval requires an embedder"))
		}
		return uc.searchDense(ctx, query.IndexName, query.Text, topK)
	case domain.SearchModeHybrid:
		return uc.searchHybrid(ctx, query.IndexName, query.Text, topK)
	default:
		return nil, domain.WrapError(domain.ErrValidation, "search", fmt.Errorf("unknown search mode %q", mode))
	}
}

func (uc *RetrievalUseCase) searchHybrid(ctx context.Context, indexName, text string, topK int) ([]domain.RetrievalResult, error) {
	depth := uc.opts.CandidateDepth
	if depth < topK {
		depth = topK
	}

	var sparse, dense []domain.RetrievalResult
	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		var err error
		sparse, err = uc.searchSparse(groupCtx, indexName, text, depth)
		return err
	})
	if uc.embedder != nil {
		group.Go(func() error {
			var err error
			dense, err = uc.searchDense(groupCtx, indexName, text, depth)
			return err
		})
	}
	if err := group.Wait(); err != nil {
		return nil, err
	}

	return Fuse(sparse, dense, uc.opts.Fusion, topK), nil
}

func (uc *RetrievalUseCase) searchSparse(ctx context.Context, indexName, text string, topK int) ([]domain.RetrievalResult, error) {
	results, err := uc.sparse.Score(ctx, indexName, text, topK)
	if err != nil {
		if domain.IsKind(err, domain.ErrNotFound) {
			return []domain.RetrievalResult{}, nil
		}
		return nil, fmt.Errorf("score sparse index: %w", err)
	}
	return trimResults(results, topK), nil
}

func (uc *RetrievalUseCase) searchDense(ctx context.Context, indexName, text string, topK int) ([]domain.RetrievalResult, error) {
	queryVector, err := uc.embedder.EmbedQuery(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	results, err := uc.dense.Search(ctx, indexName, queryVector, topK)
	if err != nil {
		if domain.IsKind(err, domain.ErrNotFound) {
			return []domain.RetrievalResult{}, nil
		}
		return nil, fmt.Errorf("search dense index: %w", err)
	}
	return trimResults(results, topK), nil
}
