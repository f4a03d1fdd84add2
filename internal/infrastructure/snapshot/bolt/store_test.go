package bolt

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/kirillkom/interpretation-engine/internal/core/domain"
	"github.com/kirillkom/interpretation-engine/internal/infrastructure/search/bm25"
	"github.com/kirillkom/interpretation-engine/internal/infrastructure/vector/memory"
)

func openStore(t *testing.T) (*Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "snapshot.db")
	store, err := Open(path)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	return store, path
}

func TestJournalsReplayIntoFreshIndexes(t *testing.T) {
	ctx := context.Background()
	store, path := openStore(t)

	sparse := NewSparseJournal(bm25.NewIndex(1.2, 0.75, bm25.NewTokenizer()), store)
	dense := NewDenseJournal(memory.NewIndex(), store)

	if err := sparse.Index(ctx, "astro", "d1", []string{"sun", "moon", "sun"}); err != nil {
		t.Fatalf("sparse Index() error = %v", err)
	}
	if err := sparse.Index(ctx, "astro", "d2", []string{"venus"}); err != nil {
		t.Fatalf("sparse Index() error = %v", err)
	}
	if err := dense.Upsert(ctx, "astro", "d1", []float32{1, 0}, map[string]string{domain.MetadataText: "sun moon sun"}); err != nil {
		t.Fatalf("dense Upsert() error = %v", err)
	}
	if err := dense.Upsert(ctx, "astro", "d2", []float32{0, 1}, nil); err != nil {
		t.Fatalf("dense Upsert() error = %v", err)
	}
	if err := sparse.Delete(ctx, "astro", "d2"); err != nil {
		t.Fatalf("sparse Delete() error = %v", err)
	}
	if err := dense.Delete(ctx, "astro", "d2"); err != nil {
		t.Fatalf("dense Delete() error = %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	reopened, err := Open(path)
	if err != nil {
		t.Fatalf("reopen error = %v", err)
	}
	defer reopened.Close()

	freshSparse := bm25.NewIndex(1.2, 0.75, bm25.NewTokenizer())
	freshDense := memory.NewIndex()
	stats, err := reopened.Restore(ctx, freshSparse, freshDense)
	if err != nil {
		t.Fatalf("Restore() error = %v", err)
	}
	if stats.Sparse != 1 || stats.Dense != 1 {
		t.Fatalf("unexpected restore stats: %+v", stats)
	}

	results, err := freshSparse.Score(ctx, "astro", "sun", 10)
	if err != nil {
		t.Fatalf("Score() error = %v", err)
	}
	if len(results) != 1 || results[0].DocumentID != "d1" {
		t.Fatalf("unexpected sparse results after restore: %+v", results)
	}
	entry, ok := freshSparse.Entry("astro", "d1")
	if !ok || entry.TermFrequencies["sun"] != 2 || entry.Length != 3 {
		t.Fatalf("unexpected restored entry: %+v", entry)
	}

	entries, err := freshDense.Lookup(ctx, "astro", []string{"d1", "d2"})
	if err != nil {
		t.Fatalf("Lookup() error = %v", err)
	}
	if len(entries) != 1 || entries[0].Metadata[domain.MetadataText] != "sun moon sun" {
		t.Fatalf("unexpected dense entries after restore: %+v", entries)
	}
}

func TestJournalSkipsFailedWrites(t *testing.T) {
	ctx := context.Background()
	store, _ := openStore(t)
	defer store.Close()

	dense := NewDenseJournal(memory.NewIndex(), store)
	if err := dense.Upsert(ctx, "astro", "d1", []float32{1, 0}, nil); err != nil {
		t.Fatalf("Upsert() error = %v", err)
	}
	err := dense.Upsert(ctx, "astro", "d2", []float32{1, 0, 0}, nil)
	if !domain.IsKind(err, domain.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}

	fresh := memory.NewIndex()
	stats, err := store.Restore(ctx, nil, fresh)
	if err != nil {
		t.Fatalf("Restore() error = %v", err)
	}
	if stats.Dense != 1 {
		t.Fatalf("expected only the accepted vector to be journaled, got %+v", stats)
	}
}

func TestSparseJournalForwardsStats(t *testing.T) {
	ctx := context.Background()
	store, _ := openStore(t)
	defer store.Close()

	sparse := NewSparseJournal(bm25.NewIndex(1.2, 0.75, bm25.NewTokenizer()), store)
	if err := sparse.Index(ctx, "astro", "d1", []string{"a", "b"}); err != nil {
		t.Fatalf("Index() error = %v", err)
	}
	stats, err := sparse.Stats(ctx, "astro")
	if err != nil {
		t.Fatalf("Stats() error = %v", err)
	}
	if stats.Documents != 1 || stats.AverageLength != 2 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}

// stallingIndex parks the write of the "old" token after it reached the live index.
type stallingIndex struct {
	inner   *bm25.Index
	written chan struct{}
	release chan struct{}
}

func (x *stallingIndex) Score(ctx context.Context, indexName, query string, topK int) ([]domain.RetrievalResult, error) {
	return x.inner.Score(ctx, indexName, query, topK)
}

func (x *stallingIndex) Delete(ctx context.Context, indexName, documentID string) error {
	return x.inner.Delete(ctx, indexName, documentID)
}

func (x *stallingIndex) Index(ctx context.Context, indexName, documentID string, tokens []string) error {
	if err := x.inner.Index(ctx, indexName, documentID, tokens); err != nil {
		return err
	}
	if len(tokens) > 0 && tokens[0] == "old" {
		close(x.written)
		<-x.release
	}
	return nil
}

func TestConcurrentWritesJournalInLiveOrder(t *testing.T) {
	ctx := context.Background()
	store, path := openStore(t)

	live := &stallingIndex{
		inner:   bm25.NewIndex(1.2, 0.75, bm25.NewTokenizer()),
		written: make(chan struct{}),
		release: make(chan struct{}),
	}
	sparse := NewSparseJournal(live, store)

	firstDone := make(chan error, 1)
	go func() {
		firstDone <- sparse.Index(ctx, "astro", "d1", []string{"old"})
	}()
	<-live.written

	secondDone := make(chan error, 1)
	go func() {
		secondDone <- sparse.Index(ctx, "astro", "d1", []string{"new"})
	}()
	select {
	case err := <-secondDone:
		// Reaching here means the second write overtook the first one's journal put.
		secondDone <- err
	case <-time.After(50 * time.Millisecond):
	}
	close(live.release)

	if err := <-firstDone; err != nil {
		t.Fatalf("first Index() error = %v", err)
	}
	if err := <-secondDone; err != nil {
		t.Fatalf("second Index() error = %v", err)
	}

	entry, ok := live.inner.Entry("astro", "d1")
	if !ok || entry.TermFrequencies["new"] != 1 {
		t.Fatalf("expected live index to hold the later write, got %+v", entry)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	reopened, err := Open(path)
	if err != nil {
		t.Fatalf("reopen error = %v", err)
	}
	defer reopened.Close()

	fresh := bm25.NewIndex(1.2, 0.75, bm25.NewTokenizer())
	if _, err := reopened.Restore(ctx, fresh, nil); err != nil {
		t.Fatalf("Restore() error = %v", err)
	}
	replayed, ok := fresh.Entry("astro", "d1")
	if !ok || replayed.TermFrequencies["new"] != 1 || replayed.TermFrequencies["old"] != 0 {
		t.Fatalf("journal disagrees with live index: live=%v replayed=%v", entry.TermFrequencies, replayed.TermFrequencies)
	}
}
