package bm25

import (
	"context"
	"errors"
	"math"
	"sort"
	"strings"
	"sync"

	"github.com/kirillkom/interpretation-engine/internal/core/domain"
	"github.com/kirillkom/interpretation-engine/internal/core/ports"
)

const (
	DefaultK1 = 1.2
	DefaultB  = 0.75
)

type document struct {
	termFreq map[string]int
	length   int
}

// corpus holds one named index. N and total length are kept incrementally.
type corpus struct {
	mu          sync.RWMutex
	docs        map[string]document
	postings    map[string]map[string]int
	totalLength int
}

func newCorpus() *corpus {
	return &corpus{
		docs:     make(map[string]document),
		postings: make(map[string]map[string]int),
	}
}

// Index is an in-memory BM25 index partitioned by index name.
type Index struct {
	k1, b     float64
	tokenizer ports.Tokenizer

	mu      sync.RWMutex
	corpora map[string]*corpus
}

func NewIndex(k1, b float64, tokenizer ports.Tokenizer) *Index {
	if k1 <= 0 {
		k1 = DefaultK1
	}
	if b < 0 || b > 1 {
		b = DefaultB
	}
	if tokenizer == nil {
		tokenizer = NewTokenizer()
	}
	return &Index{
		k1:        k1,
		b:         b,
		tokenizer: tokenizer,
		corpora:   make(map[string]*corpus),
	}
}

// Index stores the term frequencies of tokens, replacing any previous entry for the document.
func (x *Index) Index(_ context.Context, indexName, documentID string, tokens []string) error {
	if strings.TrimSpace(indexName) == "" || strings.TrimSpace(documentID) == "" {
		return domain.WrapError(domain.ErrValidation, "bm25 index", errors.New("index name and document id are required"))
	}
	if len(tokens) == 0 {
		return domain.WrapError(domain.ErrValidation, "bm25 index", errors.New("document has no tokens"))
	}

	tf := make(map[string]int, len(tokens))
	for _, token := range tokens {
		tf[token]++
	}

	c := x.corpusFor(indexName, true)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.remove(documentID)
	c.docs[documentID] = document{termFreq: tf, length: len(tokens)}
	c.totalLength += len(tokens)
	for term, freq := range tf {
		posting, ok := c.postings[term]
		if !ok {
			posting = make(map[string]int)
			c.postings[term] = posting
		}
		posting[documentID] = freq
	}
	return nil
}

func (x *Index) Delete(_ context.Context, indexName, documentID string) error {
	c := x.corpusFor(indexName, false)
	if c == nil {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.remove(documentID)
	return nil
}

// Score ranks documents of indexName against query. Repeated query terms count once,
// documents matching no term are omitted, and topK <= 0 returns every match.
func (x *Index) Score(_ context.Context, indexName, query string, topK int) ([]domain.RetrievalResult, error) {
	c := x.corpusFor(indexName, false)
	if c == nil {
		return []domain.RetrievalResult{}, nil
	}
	terms := uniqueTerms(x.tokenizer.Tokenize(query))

	c.mu.RLock()
	n := len(c.docs)
	if n == 0 || len(terms) == 0 {
		c.mu.RUnlock()
		return []domain.RetrievalResult{}, nil
	}
	avgLength := float64(c.totalLength) / float64(n)

	scores := make(map[string]float64)
	for _, term := range terms {
		posting := c.postings[term]
		df := len(posting)
		if df == 0 {
			continue
		}
		idf := math.Log(1 + (float64(n)-float64(df)+0.5)/(float64(df)+0.5))
		for docID, freq := range posting {
			tf := float64(freq)
			norm := x.k1 * (1 - x.b + x.b*float64(c.docs[docID].length)/avgLength)
			scores[docID] += idf * tf * (x.k1 + 1) / (tf + norm)
		}
	}
	c.mu.RUnlock()

	out := make([]domain.RetrievalResult, 0, len(scores))
	for docID, score := range scores {
		if score <= 0 {
			continue
		}
		out = append(out, domain.RetrievalResult{DocumentID: docID, Score: score, Method: domain.MethodSparse})
	}
	sortResults(out)
	if topK > 0 && len(out) > topK {
		out = out[:topK]
	}
	for i := range out {
		out[i].Rank = i + 1
	}
	return out, nil
}

func (x *Index) Stats(_ context.Context, indexName string) (domain.IndexStats, error) {
	stats := domain.IndexStats{IndexName: indexName}
	c := x.corpusFor(indexName, false)
	if c == nil {
		return stats, nil
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	stats.Documents = len(c.docs)
	if stats.Documents > 0 {
		stats.AverageLength = float64(c.totalLength) / float64(stats.Documents)
	}
	return stats, nil
}

// Entry exposes the stored entry for one document.
func (x *Index) Entry(indexName, documentID string) (domain.SparseEntry, bool) {
	c := x.corpusFor(indexName, false)
	if c == nil {
		return domain.SparseEntry{}, false
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	doc, ok := c.docs[documentID]
	if !ok {
		return domain.SparseEntry{}, false
	}
	tf := make(map[string]int, len(doc.termFreq))
	for term, freq := range doc.termFreq {
		tf[term] = freq
	}
	return domain.SparseEntry{
		IndexName:       indexName,
		DocumentID:      documentID,
		TermFrequencies: tf,
		Length:          doc.length,
		K1:              x.k1,
		B:               x.b,
	}, true
}

func (x *Index) corpusFor(indexName string, create bool) *corpus {
	x.mu.RLock()
	c, ok := x.corpora[indexName]
	x.mu.RUnlock()
	if ok || !create {
		return c
	}

	x.mu.Lock()
	defer x.mu.Unlock()
	if c, ok = x.corpora[indexName]; ok {
		return c
	}
	c = newCorpus()
	x.corpora[indexName] = c
	return c
}

// remove subtracts a document's contribution; callers hold c.mu.
func (c *corpus) remove(documentID string) {
	old, ok := c.docs[documentID]
	if !ok {
		return
	}
	c.totalLength -= old.length
	for term := range old.termFreq {
		posting := c.postings[term]
		delete(posting, documentID)
		if len(posting) == 0 {
			delete(c.postings, term)
		}
	}
	delete(c.docs, documentID)
}

func uniqueTerms(tokens []string) []string {
	seen := make(map[string]struct{}, len(tokens))
	out := make([]string, 0, len(tokens))
	for _, token := range tokens {
		if _, ok := seen[token]; ok {
			continue
		}
		seen[token] = struct{}{}
		out = append(out, token)
	}
	return out
}

func sortResults(results []domain.RetrievalResult) {
	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].DocumentID < results[j].DocumentID
	})
}
