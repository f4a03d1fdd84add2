package usecase

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/kirillkom/interpretation-engine/internal/core/domain"
)

type generationHarness struct {
	ephemeral *ephemeralFake
	durable   *durableFake
	retriever *retrieverFake
	generator *generatorFake
	notifier  *notifierFake
	observer  *observerFake
	uc        *GenerationCacheUseCase
}

func newGenerationHarness() *generationHarness {
	h := &generationHarness{
		ephemeral: newEphemeralFake(),
		durable:   newDurableFake(),
		retriever: &retrieverFake{results: []domain.RetrievalResult{
			{DocumentID: "doc-1", Score: 0.2, Method: domain.MethodFused, Rank: 1},
			{DocumentID: "doc-2", Score: 0.1, Method: domain.MethodFused, Rank: 2},
		}},
		generator: &generatorFake{},
		notifier:  &notifierFake{},
		observer:  newObserverFake(),
	}
	h.uc = NewGenerationCacheUseCase(
		h.ephemeral, h.durable, h.retriever, contextBuilderFake{}, h.generator, h.notifier,
		GenerationOptions{TopK: 3, DefaultTimeout: time.Second},
	).WithObserver(h.observer)
	return h
}

func testKey(subject string) domain.GenerationKey {
	return domain.GenerationKey{SubjectID: subject, Kind: "natal", Language: "en", Corpus: "astro"}
}

func storedArtifact(key domain.GenerationKey, text string) *domain.CachedArtifact {
	at := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	return &domain.CachedArtifact{ID: "art-" + text, Key: key, Text: text, ModelID: "m", PromptVersion: "v0", CreatedAt: at, LastAccessedAt: at}
}

func TestGetOrGenerateSingleFlightPerKey(t *testing.T) {
	h := newGenerationHarness()
	h.generator.started = make(chan struct{}, 1)
	h.generator.release = make(chan struct{})

	const callers = 16
	req := domain.GenerationRequest{Key: testKey("subject-1"), SubjectData: []byte(`{"sun":"leo"}`)}

	var wg sync.WaitGroup
	results := make([]*domain.CachedArtifact, callers)
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = h.uc.GetOrGenerate(context.Background(), req)
		}(i)
	}

	select {
	case <-h.generator.started:
	case <-time.After(2 * time.Second):
		t.Fatalf("generator was never called")
	}
	time.Sleep(20 * time.Millisecond)
	close(h.generator.release)
	wg.Wait()

	if calls := h.generator.callCount(); calls != 1 {
		t.Fatalf("expected exactly one generation, got %d", calls)
	}
	for i := 0; i < callers; i++ {
		if errs[i] != nil {
			t.Fatalf("caller %d failed: %v", i, errs[i])
		}
		if results[i].ID != results[0].ID || results[i].Text != "interpretation" {
			t.Fatalf("caller %d got a different artifact: %+v", i, results[i])
		}
	}
	if n := h.notifier.count(); n != 1 {
		t.Fatalf("expected one notification, got %d", n)
	}
	if _, _, inserts := h.durable.counts(); inserts != 1 {
		t.Fatalf("expected one durable insert, got %d", inserts)
	}
}

func TestGetOrGenerateWritesDurableThenEphemeral(t *testing.T) {
	h := newGenerationHarness()
	key := testKey("subject-2")

	artifact, err := h.uc.GetOrGenerate(context.Background(), domain.GenerationRequest{Key: key, Query: "sun in leo"})
	if err != nil {
		t.Fatalf("GetOrGenerate() error = %v", err)
	}
	if artifact.ModelID != "model-a" || artifact.PromptVersion != "v1" {
		t.Fatalf("unexpected artifact provenance: %+v", artifact)
	}
	if len(artifact.SourceDocumentIDs) != 2 || artifact.SourceDocumentIDs[0] != "doc-1" {
		t.Fatalf("unexpected sources: %v", artifact.SourceDocumentIDs)
	}
	if !h.ephemeral.has(key.Digest()) {
		t.Fatalf("expected ephemeral layer to be populated")
	}
	if _, err := h.durable.Get(context.Background(), key); err != nil {
		t.Fatalf("expected durable row: %v", err)
	}

	q := h.retriever.queries[0]
	if q.IndexName != "astro" || q.Text != "sun in leo" || q.TopK != 3 || q.Mode != domain.SearchModeHybrid {
		t.Fatalf("unexpected retrieval query: %+v", q)
	}
	in := h.generator.inputs[0]
	if in.Kind != "natal" || in.Language != "en" || len(in.Documents) != 2 {
		t.Fatalf("unexpected generation input: %+v", in)
	}
}

func TestGetOrGenerateEphemeralHitSkipsGeneration(t *testing.T) {
	h := newGenerationHarness()
	key := testKey("subject-3")
	cached := storedArtifact(key, "cached")
	h.durable.rows[key.Digest()] = cached.Clone()
	h.ephemeral.items[key.Digest()] = cached.Clone()

	artifact, err := h.uc.GetOrGenerate(context.Background(), domain.GenerationRequest{Key: key})
	if err != nil {
		t.Fatalf("GetOrGenerate() error = %v", err)
	}
	if artifact.Text != "cached" {
		t.Fatalf("expected cached text, got %q", artifact.Text)
	}
	if h.generator.callCount() != 0 || h.notifier.count() != 0 {
		t.Fatalf("cache hit must not generate or notify")
	}
	gets, touches, _ := h.durable.counts()
	if gets != 0 {
		t.Fatalf("ephemeral hit must not read durable layer, got %d gets", gets)
	}
	if touches != 1 {
		t.Fatalf("expected last access touch, got %d", touches)
	}
	if h.durable.rows[key.Digest()].LastAccessedAt.Equal(cached.LastAccessedAt) {
		t.Fatalf("expected last_accessed_at to move forward")
	}
	if h.observer.lookups[LayerEphemeral+":"+OutcomeHit] != 1 {
		t.Fatalf("expected ephemeral hit metric, got %v", h.observer.lookups)
	}
}

func TestGetOrGenerateDurableHitPopulatesEphemeral(t *testing.T) {
	h := newGenerationHarness()
	key := testKey("subject-4")
	h.durable.rows[key.Digest()] = storedArtifact(key, "durable")

	artifact, err := h.uc.GetOrGenerate(context.Background(), domain.GenerationRequest{Key: key})
	if err != nil {
		t.Fatalf("GetOrGenerate() error = %v", err)
	}
	if artifact.Text != "durable" {
		t.Fatalf("expected durable text, got %q", artifact.Text)
	}
	if h.generator.callCount() != 0 {
		t.Fatalf("durable hit must not generate")
	}
	if !h.ephemeral.has(key.Digest()) {
		t.Fatalf("expected ephemeral layer to be populated")
	}
	if _, touches, _ := h.durable.counts(); touches != 1 {
		t.Fatalf("expected one touch, got %d", touches)
	}
}

func TestGetOrGenerateFailureIsNotCached(t *testing.T) {
	h := newGenerationHarness()
	h.generator.err = errors.New("model unavailable")
	key := testKey("subject-5")

	_, err := h.uc.GetOrGenerate(context.Background(), domain.GenerationRequest{Key: key})
	if !domain.IsKind(err, domain.ErrGeneration) {
		t.Fatalf("expected generation error, got %v", err)
	}
	if h.ephemeral.has(key.Digest()) {
		t.Fatalf("failure must not populate ephemeral layer")
	}
	if _, _, inserts := h.durable.counts(); inserts != 0 {
		t.Fatalf("failure must not write durable layer")
	}
	if h.notifier.count() != 0 {
		t.Fatalf("failure must not notify")
	}

	h.generator.mu.Lock()
	h.generator.err = nil
	h.generator.mu.Unlock()

	artifact, err := h.uc.GetOrGenerate(context.Background(), domain.GenerationRequest{Key: key})
	if err != nil {
		t.Fatalf("retry failed: %v", err)
	}
	if artifact.Text == "" || h.generator.callCount() != 2 {
		t.Fatalf("expected retry to generate again, calls=%d", h.generator.callCount())
	}
	if !h.ephemeral.has(key.Digest()) {
		t.Fatalf("successful retry must populate ephemeral layer")
	}
	if _, _, inserts := h.durable.counts(); inserts != 1 {
		t.Fatalf("successful retry must write durable layer once, got %d inserts", inserts)
	}
	if h.notifier.count() != 1 {
		t.Fatalf("successful retry must notify once, got %d", h.notifier.count())
	}
}

func TestGetOrGenerateTimeoutIsGenerationFailure(t *testing.T) {
	h := newGenerationHarness()
	h.generator.release = make(chan struct{})
	defer close(h.generator.release)

	_, err := h.uc.GetOrGenerate(context.Background(), domain.GenerationRequest{
		Key:     testKey("subject-6"),
		Timeout: 20 * time.Millisecond,
	})
	if !domain.IsKind(err, domain.ErrGeneration) {
		t.Fatalf("expected generation error on timeout, got %v", err)
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded in chain, got %v", err)
	}
}

func TestGetOrGenerateCallerCancellationDoesNotCancelGeneration(t *testing.T) {
	h := newGenerationHarness()
	h.generator.started = make(chan struct{}, 1)
	h.generator.release = make(chan struct{})
	key := testKey("subject-7")

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := h.uc.GetOrGenerate(ctx, domain.GenerationRequest{Key: key})
		errCh <- err
	}()

	<-h.generator.started
	cancel()
	if err := <-errCh; !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context canceled, got %v", err)
	}

	close(h.generator.release)
	deadline := time.Now().Add(2 * time.Second)
	for !h.ephemeral.has(key.Digest()) {
		if time.Now().After(deadline) {
			t.Fatalf("abandoned generation was not cached")
		}
		time.Sleep(5 * time.Millisecond)
	}

	artifact, err := h.uc.GetOrGenerate(context.Background(), domain.GenerationRequest{Key: key})
	if err != nil {
		t.Fatalf("GetOrGenerate() error = %v", err)
	}
	if artifact.Text != "interpretation" || h.generator.callCount() != 1 {
		t.Fatalf("expected cached result of the abandoned generation, calls=%d", h.generator.callCount())
	}
}

type generatorFunc func(ctx context.Context, input domain.GenerationInput) (domain.GenerationOutput, error)

func (f generatorFunc) Generate(ctx context.Context, input domain.GenerationInput) (domain.GenerationOutput, error) {
	return f(ctx, input)
}

func TestGetOrGenerateDifferentKeysDoNotBlock(t *testing.T) {
	h := newGenerationHarness()
	slowStarted := make(chan struct{})
	release := make(chan struct{})
	defer close(release)
	h.uc.generator = generatorFunc(func(ctx context.Context, input domain.GenerationInput) (domain.GenerationOutput, error) {
		if input.Kind == "slow" {
			close(slowStarted)
			select {
			case <-release:
			case <-ctx.Done():
				return domain.GenerationOutput{}, ctx.Err()
			}
		}
		return domain.GenerationOutput{Text: "done " + input.Kind, ModelID: "m"}, nil
	})

	slowKey := testKey("subject")
	slowKey.Kind = "slow"
	go func() {
		_, _ = h.uc.GetOrGenerate(context.Background(), domain.GenerationRequest{Key: slowKey})
	}()
	<-slowStarted

	done := make(chan error, 1)
	go func() {
		_, err := h.uc.GetOrGenerate(context.Background(), domain.GenerationRequest{Key: testKey("subject")})
		done <- err
	}()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("unrelated key failed: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("unrelated key was blocked by an in-flight generation")
	}
}

func TestGetOrGenerateResolvesInsertConflictWithWinner(t *testing.T) {
	h := newGenerationHarness()
	key := testKey("subject-8")
	h.durable.conflictRow = storedArtifact(key, "winner")

	artifact, err := h.uc.GetOrGenerate(context.Background(), domain.GenerationRequest{Key: key})
	if err != nil {
		t.Fatalf("GetOrGenerate() error = %v", err)
	}
	if artifact.Text != "winner" {
		t.Fatalf("expected winner row, got %q", artifact.Text)
	}
	cached, ok, _ := h.ephemeral.Get(context.Background(), key.Digest())
	if !ok || cached.Text != "winner" {
		t.Fatalf("expected winner in ephemeral layer, got %+v", cached)
	}
}

func TestGetOrGenerateEphemeralFailureDegradesToMiss(t *testing.T) {
	h := newGenerationHarness()
	h.ephemeral.getErr = errors.New("redis down")
	key := testKey("subject-9")
	h.durable.rows[key.Digest()] = storedArtifact(key, "durable")

	artifact, err := h.uc.GetOrGenerate(context.Background(), domain.GenerationRequest{Key: key})
	if err != nil {
		t.Fatalf("GetOrGenerate() error = %v", err)
	}
	if artifact.Text != "durable" || h.generator.callCount() != 0 {
		t.Fatalf("expected durable hit, got %+v", artifact)
	}
}

func TestGetOrGenerateDurableFailurePropagates(t *testing.T) {
	h := newGenerationHarness()
	h.durable.getErr = domain.WrapError(domain.ErrStorage, "get artifact", errors.New("connection refused"))

	_, err := h.uc.GetOrGenerate(context.Background(), domain.GenerationRequest{Key: testKey("subject-10")})
	if !domain.IsKind(err, domain.ErrStorage) {
		t.Fatalf("expected storage error, got %v", err)
	}
	if h.generator.callCount() != 0 {
		t.Fatalf("storage failure must not trigger generation")
	}
}

func TestGetOrGenerateStaleEphemeralEntryIsEvicted(t *testing.T) {
	h := newGenerationHarness()
	key := testKey("subject-11")
	h.ephemeral.items[key.Digest()] = storedArtifact(key, "swept")

	artifact, err := h.uc.GetOrGenerate(context.Background(), domain.GenerationRequest{Key: key})
	if err != nil {
		t.Fatalf("GetOrGenerate() error = %v", err)
	}
	if artifact.Text != "interpretation" || h.generator.callCount() != 1 {
		t.Fatalf("expected regeneration after durable row vanished, got %+v", artifact)
	}
}

func TestGetOrGenerateRejectsIncompleteKey(t *testing.T) {
	h := newGenerationHarness()
	_, err := h.uc.GetOrGenerate(context.Background(), domain.GenerationRequest{Key: domain.GenerationKey{SubjectID: "s"}})
	if !domain.IsKind(err, domain.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestPeekAndInvalidate(t *testing.T) {
	h := newGenerationHarness()
	key := testKey("subject-12")

	if _, err := h.uc.Peek(context.Background(), key); !domain.IsKind(err, domain.ErrNotFound) {
		t.Fatalf("expected not found before generation, got %v", err)
	}
	if h.generator.callCount() != 0 {
		t.Fatalf("peek must not generate")
	}

	if _, err := h.uc.GetOrGenerate(context.Background(), domain.GenerationRequest{Key: key}); err != nil {
		t.Fatalf("GetOrGenerate() error = %v", err)
	}
	if a, err := h.uc.Peek(context.Background(), key); err != nil || a.Text != "interpretation" {
		t.Fatalf("expected peek hit, got %+v, %v", a, err)
	}

	if err := h.uc.Invalidate(context.Background(), key); err != nil {
		t.Fatalf("Invalidate() error = %v", err)
	}
	if h.ephemeral.has(key.Digest()) {
		t.Fatalf("expected ephemeral entry removed")
	}
	if _, err := h.uc.Peek(context.Background(), key); !domain.IsKind(err, domain.ErrNotFound) {
		t.Fatalf("expected not found after invalidate, got %v", err)
	}

	if _, err := h.uc.GetOrGenerate(context.Background(), domain.GenerationRequest{Key: key}); err != nil {
		t.Fatalf("GetOrGenerate() error = %v", err)
	}
	if h.generator.callCount() != 2 {
		t.Fatalf("expected regeneration after invalidate, calls=%d", h.generator.callCount())
	}
}

func TestGetOrGenerateNotifierFailureDoesNotFailRequest(t *testing.T) {
	h := newGenerationHarness()
	h.notifier.err = errors.New("nats down")

	if _, err := h.uc.GetOrGenerate(context.Background(), domain.GenerationRequest{Key: testKey("subject-13")}); err != nil {
		t.Fatalf("GetOrGenerate() error = %v", err)
	}
	if h.notifier.count() != 1 {
		t.Fatalf("expected one notification attempt")
	}
}

func TestGetOrGenerateRetrievalFailureIsGenerationFailure(t *testing.T) {
	h := newGenerationHarness()
	h.retriever.err = domain.WrapError(domain.ErrTemporary, "embed query", errors.New("ollama unavailable"))

	_, err := h.uc.GetOrGenerate(context.Background(), domain.GenerationRequest{Key: testKey("subject-retrieval")})
	if !domain.IsKind(err, domain.ErrGeneration) {
		t.Fatalf("expected generation error, got %v", err)
	}
	if !domain.IsKind(err, domain.ErrTemporary) {
		t.Fatalf("expected cause kind to be preserved, got %v", err)
	}
	if h.generator.callCount() != 0 {
		t.Fatalf("generator must not run without context")
	}
}

func TestGetOrGenerateAfterGenerationNeverRegenerates(t *testing.T) {
	h := newGenerationHarness()
	key := testKey("subject-repeat")
	req := domain.GenerationRequest{Key: key}

	first, err := h.uc.GetOrGenerate(context.Background(), req)
	if err != nil {
		t.Fatalf("first GetOrGenerate() error = %v", err)
	}

	for i := 0; i < 5; i++ {
		got, err := h.uc.GetOrGenerate(context.Background(), req)
		if err != nil {
			t.Fatalf("sequential call %d error = %v", i, err)
		}
		if got.ID != first.ID || got.Text != first.Text {
			t.Fatalf("sequential call %d returned a different artifact: %+v", i, got)
		}
	}

	// Drop the ephemeral copy so concurrent callers go through the durable layer too.
	h.ephemeral.mu.Lock()
	delete(h.ephemeral.items, key.Digest())
	h.ephemeral.mu.Unlock()

	const callers = 10
	var wg sync.WaitGroup
	errs := make(chan error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got, err := h.uc.GetOrGenerate(context.Background(), req)
			if err == nil && got.ID != first.ID {
				err = errors.New("artifact id changed: " + got.ID)
			}
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("concurrent call error = %v", err)
		}
	}

	if h.generator.callCount() != 1 {
		t.Fatalf("expected exactly one generation, got %d", h.generator.callCount())
	}
	if _, _, inserts := h.durable.counts(); inserts != 1 {
		t.Fatalf("expected exactly one durable insert, got %d", inserts)
	}
	if h.notifier.count() != 1 {
		t.Fatalf("expected exactly one notification, got %d", h.notifier.count())
	}
}
