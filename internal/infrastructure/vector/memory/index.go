package memory

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"

	"github.com/kirillkom/interpretation-engine/internal/core/domain"
)

type entry struct {
	vector   []float64
	norm     float64
	metadata map[string]string
}

type collection struct {
	dimension int
	entries   map[string]entry
}

// Index is an exact brute-force cosine index partitioned by index name. Scores are
// accumulated in float64 in component order, so repeated queries return identical floats.
type Index struct {
	mu          sync.RWMutex
	collections map[string]*collection
}

func NewIndex() *Index {
	return &Index{collections: make(map[string]*collection)}
}

func (x *Index) Upsert(_ context.Context, indexName, documentID string, vector []float32, metadata map[string]string) error {
	if strings.TrimSpace(indexName) == "" || strings.TrimSpace(documentID) == "" {
		return domain.WrapError(domain.ErrValidation, "dense upsert", errors.New("index name and document id are required"))
	}
	values, norm, err := normalizeInput(vector)
	if err != nil {
		return domain.WrapError(domain.ErrValidation, "dense upsert", err)
	}

	x.mu.Lock()
	defer x.mu.Unlock()
	c, ok := x.collections[indexName]
	if !ok {
		c = &collection{dimension: len(values), entries: make(map[string]entry)}
		x.collections[indexName] = c
	}
	if len(values) != c.dimension {
		return domain.WrapError(domain.ErrValidation, "dense upsert",
			fmt.Errorf("index %q has dimension %d, got %d", indexName, c.dimension, len(values)))
	}
	c.entries[documentID] = entry{vector: values, norm: norm, metadata: copyMetadata(metadata)}
	return nil
}

// Search returns documents by descending cosine similarity; topK <= 0 returns all.
func (x *Index) Search(_ context.Context, indexName string, queryVector []float32, topK int) ([]domain.RetrievalResult, error) {
	query, queryNorm, err := normalizeInput(queryVector)
	if err != nil {
		return nil, domain.WrapError(domain.ErrValidation, "dense search", err)
	}

	x.mu.RLock()
	c, ok := x.collections[indexName]
	if !ok {
		x.mu.RUnlock()
		return []domain.RetrievalResult{}, nil
	}
	if len(query) != c.dimension {
		x.mu.RUnlock()
		return nil, domain.WrapError(domain.ErrValidation, "dense search",
			fmt.Errorf("index %q has dimension %d, query has %d", indexName, c.dimension, len(query)))
	}
	out := make([]domain.RetrievalResult, 0, len(c.entries))
	for docID, e := range c.entries {
		out = append(out, domain.RetrievalResult{
			DocumentID: docID,
			Score:      dot(e.vector, query) / (e.norm * queryNorm),
			Method:     domain.MethodDense,
		})
	}
	x.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].DocumentID < out[j].DocumentID
	})
	if topK > 0 && len(out) > topK {
		out = out[:topK]
	}
	for i := range out {
		out[i].Rank = i + 1
	}
	return out, nil
}

// Lookup returns stored entries in the order of documentIDs, skipping unknown ids.
func (x *Index) Lookup(_ context.Context, indexName string, documentIDs []string) ([]domain.DenseEntry, error) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	c, ok := x.collections[indexName]
	if !ok {
		return []domain.DenseEntry{}, nil
	}
	out := make([]domain.DenseEntry, 0, len(documentIDs))
	for _, id := range documentIDs {
		e, ok := c.entries[id]
		if !ok {
			continue
		}
		vector := make([]float32, len(e.vector))
		for i, v := range e.vector {
			vector[i] = float32(v)
		}
		out = append(out, domain.DenseEntry{
			IndexName:  indexName,
			DocumentID: id,
			Vector:     vector,
			Metadata:   copyMetadata(e.metadata),
		})
	}
	return out, nil
}

// Delete removes one document. The index keeps its dimension even when it becomes empty.
func (x *Index) Delete(_ context.Context, indexName, documentID string) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	if c, ok := x.collections[indexName]; ok {
		delete(c.entries, documentID)
	}
	return nil
}

func (x *Index) Dimension(indexName string) (int, bool) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	c, ok := x.collections[indexName]
	if !ok {
		return 0, false
	}
	return c.dimension, true
}

func normalizeInput(vector []float32) ([]float64, float64, error) {
	if len(vector) == 0 {
		return nil, 0, errors.New("vector is empty")
	}
	values := make([]float64, len(vector))
	var sum float64
	for i, v := range vector {
		f := float64(v)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return nil, 0, errors.New("vector contains non-finite values")
		}
		values[i] = f
		sum += f * f
	}
	if sum == 0 {
		return nil, 0, errors.New("vector has zero norm")
	}
	return values, math.Sqrt(sum), nil
}

func dot(a, b []float64) float64 {
	var sum float64
	for i := range a {
		sum += a[i] * b[i]
	}
	return sum
}

func copyMetadata(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
