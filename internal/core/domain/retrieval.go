package domain

type RetrievalMethod string

const (
	MethodSparse RetrievalMethod = "sparse"
	MethodDense  RetrievalMethod = "dense"
	MethodFused  RetrievalMethod = "fused"
)

type SearchMode string

const (
	SearchModeSparse SearchMode = "sparse"
	SearchModeDense  SearchMode = "dense"
	SearchModeHybrid SearchMode = "hybrid"
)

func ParseSearchMode(raw string) (SearchMode, bool) {
	switch SearchMode(raw) {
	case "", SearchModeHybrid:
		return SearchModeHybrid, true
	case SearchModeSparse:
		return SearchModeSparse, true
	case SearchModeDense:
		return SearchModeDense, true
	default:
		return "", false
	}
}

type RetrievalResult struct {
	DocumentID string          `json:"document_id"`
	Score      float64         `json:"score"`
	Method     RetrievalMethod `json:"method"`
	Rank       int             `json:"rank"`
}

// FusionWeights scales each source's reciprocal-rank contribution.
type FusionWeights struct {
	Sparse float64 `json:"sparse"`
	Dense  float64 `json:"dense"`
}

func DefaultFusionWeights() FusionWeights {
	return FusionWeights{Sparse: 1, Dense: 1}
}

type SearchQuery struct {
	IndexName string
	Text      string
	TopK      int
	Mode      SearchMode
}
