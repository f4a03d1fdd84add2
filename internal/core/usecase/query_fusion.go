package usecase

import (
	"sort"

	"github.com/kirillkom/interpretation-engine/internal/core/domain"
)

const DefaultRankConstant = 60

// FusionParams configures weighted reciprocal-rank fusion.
type FusionParams struct {
	Weights      domain.FusionWeights
	RankConstant int
}

func DefaultFusionParams() FusionParams {
	return FusionParams{
		Weights:      domain.DefaultFusionWeights(),
		RankConstant: DefaultRankConstant,
	}
}

type fusedCandidate struct {
	documentID string
	score      float64
	sources    int
	minRank    int
}

// Fuse merges a sparse and a dense ranking with weighted RRF. Each list is ranked by
// position; a document repeated inside one list keeps its first position. The result
// depends only on the arguments. topK <= 0 returns every fused document.
func Fuse(sparse, dense []domain.RetrievalResult, params FusionParams, topK int) []domain.RetrievalResult {
	rankConstant := params.RankConstant
	if rankConstant <= 0 {
		rankConstant = DefaultRankConstant
	}

	acc := make(map[string]*fusedCandidate, len(sparse)+len(dense))
	addList := func(results []domain.RetrievalResult, weight float64) {
		seen := make(map[string]struct{}, len(results))
		rank := 0
		for _, result := range results {
			if _, dup := seen[result.DocumentID]; dup {
				continue
			}
			seen[result.DocumentID] = struct{}{}
			rank++

			candidate, ok := acc[result.DocumentID]
			if !ok {
				candidate = &fusedCandidate{documentID: result.DocumentID, minRank: rank}
				acc[result.DocumentID] = candidate
			}
			candidate.score += weight / float64(rankConstant+rank)
			candidate.sources++
			if rank < candidate.minRank {
				candidate.minRank = rank
			}
		}
	}

	addList(sparse, params.Weights.Sparse)
	addList(dense, params.Weights.Dense)

	candidates := make([]*fusedCandidate, 0, len(acc))
	for _, c := range acc {
		candidates = append(candidates, c)
	}
	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.score != b.score {
			return a.score > b.score
		}
		if a.sources != b.sources {
			return a.sources > b.sources
		}
		if a.minRank != b.minRank {
			return a.minRank < b.minRank
		}
		return a.documentID < b.documentID
	})

	if topK > 0 && len(candidates) > topK {
		candidates = candidates[:topK]
	}

	out := make([]domain.RetrievalResult, 0, len(candidates))
	for i, c := range candidates {
		out = append(out, domain.RetrievalResult{
			DocumentID: c.documentID,
			Score:      c.score,
			Method:     domain.MethodFused,
			Rank:       i + 1,
		})
	}
	return out
}

func trimResults(results []domain.RetrievalResult, limit int) []domain.RetrievalResult {
	if limit <= 0 || len(results) <= limit {
		return results
	}
	return results[:limit]
}
