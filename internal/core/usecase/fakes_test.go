package usecase

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/kirillkom/interpretation-engine/internal/core/domain"
)

type ephemeralFake struct {
	mu      sync.Mutex
	items   map[string]*domain.CachedArtifact
	getErr  error
	sets    int
	deletes int
}

func newEphemeralFake() *ephemeralFake {
	return &ephemeralFake{items: map[string]*domain.CachedArtifact{}}
}

func (f *ephemeralFake) Get(_ context.Context, digest string) (*domain.CachedArtifact, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.getErr != nil {
		return nil, false, f.getErr
	}
	a, ok := f.items[digest]
	return a.Clone(), ok, nil
}

func (f *ephemeralFake) Set(_ context.Context, digest string, a *domain.CachedArtifact) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sets++
	f.items[digest] = a.Clone()
	return nil
}

func (f *ephemeralFake) Delete(_ context.Context, digest string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deletes++
	delete(f.items, digest)
	return nil
}

func (f *ephemeralFake) has(digest string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.items[digest]
	return ok
}

type durableFake struct {
	mu          sync.Mutex
	rows        map[string]*domain.CachedArtifact
	gets        int
	touches     int
	inserts     int
	getErr      error
	insertErr   error
	conflictRow *domain.CachedArtifact
	staleCutoff time.Time
}

func newDurableFake() *durableFake {
	return &durableFake{rows: map[string]*domain.CachedArtifact{}}
}

func (f *durableFake) Get(_ context.Context, key domain.GenerationKey) (*domain.CachedArtifact, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gets++
	if f.getErr != nil {
		return nil, f.getErr
	}
	a, ok := f.rows[key.Digest()]
	if !ok {
		return nil, domain.WrapError(domain.ErrNotFound, "get artifact", errors.New("missing"))
	}
	return a.Clone(), nil
}

func (f *durableFake) Insert(_ context.Context, a *domain.CachedArtifact) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inserts++
	if f.insertErr != nil {
		return f.insertErr
	}
	if f.conflictRow != nil {
		f.rows[a.Key.Digest()] = f.conflictRow.Clone()
		return domain.WrapError(domain.ErrConflict, "insert artifact", errors.New("duplicate key"))
	}
	if _, ok := f.rows[a.Key.Digest()]; ok {
		return domain.WrapError(domain.ErrConflict, "insert artifact", errors.New("duplicate key"))
	}
	f.rows[a.Key.Digest()] = a.Clone()
	return nil
}

func (f *durableFake) Touch(_ context.Context, key domain.GenerationKey, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.rows[key.Digest()]
	if !ok {
		return domain.WrapError(domain.ErrNotFound, "touch artifact", errors.New("missing"))
	}
	f.touches++
	a.LastAccessedAt = at
	return nil
}

func (f *durableFake) Delete(_ context.Context, key domain.GenerationKey) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.rows, key.Digest())
	return nil
}

func (f *durableFake) DeleteStale(_ context.Context, before time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.staleCutoff = before
	var n int64
	for digest, a := range f.rows {
		if a.LastAccessedAt.Before(before) {
			delete(f.rows, digest)
			n++
		}
	}
	return n, nil
}

func (f *durableFake) counts() (gets, touches, inserts int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.gets, f.touches, f.inserts
}

type retrieverFake struct {
	mu      sync.Mutex
	results []domain.RetrievalResult
	err     error
	queries []domain.SearchQuery
}

func (f *retrieverFake) Search(_ context.Context, q domain.SearchQuery) ([]domain.RetrievalResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries = append(f.queries, q)
	if f.err != nil {
		return nil, f.err
	}
	return append([]domain.RetrievalResult(nil), f.results...), nil
}

type contextBuilderFake struct{}

func (contextBuilderFake) Build(_ context.Context, _ domain.GenerationRequest, results []domain.RetrievalResult) ([]domain.ContextDocument, error) {
	out := make([]domain.ContextDocument, 0, len(results))
	for _, r := range results {
		out = append(out, domain.ContextDocument{DocumentID: r.DocumentID, Text: "passage " + r.DocumentID, Score: r.Score})
	}
	return out, nil
}

type generatorFake struct {
	mu      sync.Mutex
	calls   int
	started chan struct{}
	release chan struct{}
	err     error
	text    string
	inputs  []domain.GenerationInput
}

func (f *generatorFake) Generate(ctx context.Context, input domain.GenerationInput) (domain.GenerationOutput, error) {
	f.mu.Lock()
	f.calls++
	f.inputs = append(f.inputs, input)
	err := f.err
	text := f.text
	f.mu.Unlock()

	if f.started != nil {
		select {
		case f.started <- struct{}{}:
		default:
		}
	}
	if f.release != nil {
		select {
		case <-f.release:
		case <-ctx.Done():
			return domain.GenerationOutput{}, ctx.Err()
		}
	}
	if err != nil {
		return domain.GenerationOutput{}, err
	}
	if text == "" {
		text = "interpretation"
	}
	return domain.GenerationOutput{Text: text, ModelID: "model-a", PromptVersion: "v1"}, nil
}

func (f *generatorFake) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type notifierFake struct {
	mu     sync.Mutex
	events []domain.GenerationEvent
	err    error
}

func (f *notifierFake) GenerationCompleted(_ context.Context, e domain.GenerationEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, e)
	return f.err
}

func (f *notifierFake) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.events)
}

type sparseFake struct {
	mu      sync.Mutex
	entries map[string][]string
	err     error
	results []domain.RetrievalResult
	topKs   []int
}

func newSparseFake() *sparseFake {
	return &sparseFake{entries: map[string][]string{}}
}

func (f *sparseFake) Index(_ context.Context, indexName, documentID string, tokens []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.entries[indexName+"/"+documentID] = append([]string(nil), tokens...)
	return nil
}

func (f *sparseFake) Score(_ context.Context, _ string, _ string, topK int) ([]domain.RetrievalResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.topKs = append(f.topKs, topK)
	if f.err != nil {
		return nil, f.err
	}
	return append([]domain.RetrievalResult(nil), f.results...), nil
}

func (f *sparseFake) Delete(_ context.Context, indexName, documentID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.entries, indexName+"/"+documentID)
	return f.err
}

type denseRecord struct {
	vector   []float32
	metadata map[string]string
}

type denseFake struct {
	mu        sync.Mutex
	entries   map[string]denseRecord
	upsertErr error
	searchErr error
	results   []domain.RetrievalResult
	queries   [][]float32
}

func newDenseFake() *denseFake {
	return &denseFake{entries: map[string]denseRecord{}}
}

func (f *denseFake) Upsert(_ context.Context, indexName, documentID string, vector []float32, metadata map[string]string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.upsertErr != nil {
		return f.upsertErr
	}
	f.entries[indexName+"/"+documentID] = denseRecord{vector: append([]float32(nil), vector...), metadata: metadata}
	return nil
}

func (f *denseFake) Search(_ context.Context, _ string, queryVector []float32, _ int) ([]domain.RetrievalResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries = append(f.queries, queryVector)
	if f.searchErr != nil {
		return nil, f.searchErr
	}
	return append([]domain.RetrievalResult(nil), f.results...), nil
}

func (f *denseFake) Lookup(_ context.Context, indexName string, ids []string) ([]domain.DenseEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]domain.DenseEntry, 0, len(ids))
	for _, id := range ids {
		rec, ok := f.entries[indexName+"/"+id]
		if !ok {
			continue
		}
		out = append(out, domain.DenseEntry{IndexName: indexName, DocumentID: id, Vector: rec.vector, Metadata: rec.metadata})
	}
	return out, nil
}

func (f *denseFake) Delete(_ context.Context, indexName, documentID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.entries, indexName+"/"+documentID)
	return nil
}

func (f *denseFake) keys() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	keys := make([]string, 0, len(f.entries))
	for k := range f.entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

type embedderFake struct {
	vector []float32
	err    error
	calls  int
}

func (f *embedderFake) Embed(_ context.Context, texts []string) ([][]float32, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	out := make([][]float32, 0, len(texts))
	for range texts {
		out = append(out, append([]float32(nil), f.vector...))
	}
	return out, nil
}

func (f *embedderFake) EmbedQuery(_ context.Context, _ string) ([]float32, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return append([]float32(nil), f.vector...), nil
}

type whitespaceTokenizer struct{}

func (whitespaceTokenizer) Tokenize(text string) []string {
	return strings.Fields(text)
}

type observerFake struct {
	mu       sync.Mutex
	lookups  map[string]int
	started  int
	finished int
	shared   int
}

func newObserverFake() *observerFake {
	return &observerFake{lookups: map[string]int{}}
}

func (o *observerFake) CacheLookup(layer, outcome string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.lookups[layer+":"+outcome]++
}

func (o *observerFake) GenerationStarted() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.started++
}

func (o *observerFake) GenerationFinished(time.Duration, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.finished++
}

func (o *observerFake) SharedResult() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.shared++
}
