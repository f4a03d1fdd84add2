package usecase

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/kirillkom/interpretation-engine/internal/core/domain"
	"github.com/kirillkom/interpretation-engine/internal/core/ports"
	"github.com/kirillkom/interpretation-engine/internal/observability/logging"
)

const (
	defaultGenerationTimeout = 60 * time.Second
	defaultGenerationTopK    = 5

	LayerEphemeral = "ephemeral"
	LayerDurable   = "durable"

	OutcomeHit   = "hit"
	OutcomeMiss  = "miss"
	OutcomeError = "error"
)

type GenerationOptions struct {
	TopK           int
	DefaultTimeout time.Duration
}

// GenerationCacheUseCase serves artifacts from the ephemeral layer, then the durable
// layer, and generates on a full miss with at most one call in flight per key.
type GenerationCacheUseCase struct {
	ephemeral ports.EphemeralCache
	durable   ports.ArtifactStore
	retriever ports.Retriever
	contexts  ports.ContextBuilder
	generator ports.Generator
	notifier  ports.GenerationNotifier
	observer  ports.CacheObserver
	opts      GenerationOptions

	flights singleflight.Group
	now     func() time.Time
	newID   func() string
}

// NewGenerationCacheUseCase wires the cache. ephemeral and notifier may be nil.
func NewGenerationCacheUseCase(
	ephemeral ports.EphemeralCache,
	durable ports.ArtifactStore,
	retriever ports.Retriever,
	contexts ports.ContextBuilder,
	generator ports.Generator,
	notifier ports.GenerationNotifier,
	opts GenerationOptions,
) *GenerationCacheUseCase {
	if opts.TopK <= 0 {
		opts.TopK = defaultGenerationTopK
	}
	if opts.DefaultTimeout <= 0 {
		opts.DefaultTimeout = defaultGenerationTimeout
	}
	return &GenerationCacheUseCase{
		ephemeral: ephemeral,
		durable:   durable,
		retriever: retriever,
		contexts:  contexts,
		generator: generator,
		notifier:  notifier,
		observer:  noopCacheObserver{},
		opts:      opts,
		now:       func() time.Time { return time.Now().UTC() },
		newID:     uuid.NewString,
	}
}

func (uc *GenerationCacheUseCase) WithObserver(observer ports.CacheObserver) *GenerationCacheUseCase {
	if observer != nil {
		uc.observer = observer
	}
	return uc
}

func (uc *GenerationCacheUseCase) GetOrGenerate(ctx context.Context, req domain.GenerationRequest) (*domain.CachedArtifact, error) {
	if err := req.Key.Validate(); err != nil {
		return nil, domain.WrapError(domain.ErrValidation, "get or generate", err)
	}

	artifact, err := uc.lookup(ctx, req.Key)
	if err != nil {
		return nil, err
	}
	if artifact != nil {
		return artifact, nil
	}

	digest := req.Key.Digest()
	flight := uc.flights.DoChan(digest, func() (any, error) {
		// The shared call outlives any single waiter; only the generation timeout bounds it.
		return uc.generate(context.WithoutCancel(ctx), req, digest)
	})

	select {
	case res := <-flight:
		if res.Shared {
			uc.observer.SharedResult()
		}
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*domain.CachedArtifact).Clone(), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Peek reads both layers without generating. A hit still counts as an access.
func (uc *GenerationCacheUseCase) Peek(ctx context.Context, key domain.GenerationKey) (*domain.CachedArtifact, error) {
	if err := key.Validate(); err != nil {
		return nil, domain.WrapError(domain.ErrValidation, "peek", err)
	}
	artifact, err := uc.lookup(ctx, key)
	if err != nil {
		return nil, err
	}
	if artifact == nil {
		return nil, domain.WrapError(domain.ErrNotFound, "peek", fmt.Errorf("no artifact for subject %s", key.SubjectID))
	}
	return artifact, nil
}

// Invalidate drops the durable row before the ephemeral entry so a concurrent reader
// cannot repopulate the fast layer from a row that is about to vanish.
func (uc *GenerationCacheUseCase) Invalidate(ctx context.Context, key domain.GenerationKey) error {
	if err := key.Validate(); err != nil {
		return domain.WrapError(domain.ErrValidation, "invalidate", err)
	}
	if err := uc.durable.Delete(ctx, key); err != nil && !domain.IsKind(err, domain.ErrNotFound) {
		return fmt.Errorf("delete durable artifact: %w", err)
	}
	if uc.ephemeral != nil {
		if err := uc.ephemeral.Delete(ctx, key.Digest()); err != nil {
			return fmt.Errorf("delete ephemeral artifact: %w", err)
		}
	}
	logging.FromContext(ctx).Info("artifact_invalidated", "subject_id", key.SubjectID, "kind", key.Kind, "corpus", key.Corpus)
	return nil
}

// lookup returns (nil, nil) on a miss in both layers.
func (uc *GenerationCacheUseCase) lookup(ctx context.Context, key domain.GenerationKey) (*domain.CachedArtifact, error) {
	logger := logging.FromContext(ctx)
	digest := key.Digest()

	if artifact := uc.ephemeralGet(ctx, digest); artifact != nil {
		now := uc.now()
		err := uc.durable.Touch(ctx, key, now)
		switch {
		case err == nil:
			uc.observer.CacheLookup(LayerEphemeral, OutcomeHit)
			artifact.LastAccessedAt = now
			return artifact, nil
		case domain.IsKind(err, domain.ErrNotFound):
			// The durable row was swept or invalidated; the fast copy is stale.
			if delErr := uc.ephemeral.Delete(ctx, digest); delErr != nil {
				logger.Warn("ephemeral_evict_failed", "digest", digest, "error", delErr)
			}
		default:
			logger.Warn("touch_failed", "digest", digest, "error", err)
			uc.observer.CacheLookup(LayerEphemeral, OutcomeHit)
			return artifact, nil
		}
	}

	artifact, err := uc.durable.Get(ctx, key)
	if err != nil {
		if domain.IsKind(err, domain.ErrNotFound) {
			uc.observer.CacheLookup(LayerDurable, OutcomeMiss)
			return nil, nil
		}
		uc.observer.CacheLookup(LayerDurable, OutcomeError)
		return nil, fmt.Errorf("read durable artifact: %w", err)
	}
	uc.observer.CacheLookup(LayerDurable, OutcomeHit)

	now := uc.now()
	if err := uc.durable.Touch(ctx, key, now); err != nil {
		logger.Warn("touch_failed", "digest", digest, "error", err)
	} else {
		artifact.LastAccessedAt = now
	}
	uc.populate(ctx, digest, artifact)
	return artifact, nil
}

// ephemeralGet degrades every ephemeral failure to a miss; the durable layer is authoritative.
func (uc *GenerationCacheUseCase) ephemeralGet(ctx context.Context, digest string) *domain.CachedArtifact {
	if uc.ephemeral == nil {
		return nil
	}
	artifact, ok, err := uc.ephemeral.Get(ctx, digest)
	if err != nil {
		logging.FromContext(ctx).Warn("ephemeral_get_failed", "digest", digest, "error", err)
		uc.observer.CacheLookup(LayerEphemeral, OutcomeError)
		return nil
	}
	if !ok || artifact == nil {
		uc.observer.CacheLookup(LayerEphemeral, OutcomeMiss)
		return nil
	}
	return artifact
}

func (uc *GenerationCacheUseCase) populate(ctx context.Context, digest string, artifact *domain.CachedArtifact) {
	if uc.ephemeral == nil {
		return
	}
	if err := uc.ephemeral.Set(ctx, digest, artifact); err != nil {
		logging.FromContext(ctx).Warn("ephemeral_set_failed", "digest", digest, "error", err)
	}
}

func (uc *GenerationCacheUseCase) generate(ctx context.Context, req domain.GenerationRequest, digest string) (*domain.CachedArtifact, error) {
	logger := logging.FromContext(ctx).With("digest", digest, "subject_id", req.Key.SubjectID, "kind", req.Key.Kind)

	// A previous flight may have finished between our lookup and admission.
	existing, err := uc.durable.Get(ctx, req.Key)
	switch {
	case err == nil:
		uc.populate(ctx, digest, existing)
		return existing, nil
	case !domain.IsKind(err, domain.ErrNotFound):
		return nil, fmt.Errorf("recheck durable artifact: %w", err)
	}

	results, err := uc.retriever.Search(ctx, domain.SearchQuery{
		IndexName: req.Key.Corpus,
		Text:      req.RetrievalQuery(),
		TopK:      uc.opts.TopK,
		Mode:      domain.SearchModeHybrid,
	})
	if err != nil {
		return nil, domain.WrapError(domain.ErrGeneration, "retrieve context", err)
	}
	documents, err := uc.contexts.Build(ctx, req, results)
	if err != nil {
		return nil, domain.WrapError(domain.ErrGeneration, "build generation context", err)
	}
	if len(documents) == 0 {
		logger.Warn("generation_without_context", "corpus", req.Key.Corpus)
	}

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = uc.opts.DefaultTimeout
	}

	logger.Info("generation_started", "documents", len(documents), "timeout", timeout.String())
	uc.observer.GenerationStarted()
	started := time.Now()
	output, err := uc.callGenerator(ctx, timeout, domain.GenerationInput{
		Documents:   documents,
		SubjectData: req.SubjectData,
		Kind:        req.Key.Kind,
		Language:    req.Key.Language,
	})
	elapsed := time.Since(started)
	uc.observer.GenerationFinished(elapsed, err)
	if err != nil {
		logger.Error("generation_failed", "error", err, "duration_ms", elapsed.Milliseconds())
		return nil, domain.WrapError(domain.ErrGeneration, "generate", err)
	}

	now := uc.now()
	sourceIDs := make([]string, 0, len(documents))
	for _, d := range documents {
		sourceIDs = append(sourceIDs, d.DocumentID)
	}
	artifact := &domain.CachedArtifact{
		ID:                uc.newID(),
		Key:               req.Key,
		Text:              output.Text,
		ModelID:           output.ModelID,
		PromptVersion:     output.PromptVersion,
		SourceDocumentIDs: sourceIDs,
		CreatedAt:         now,
		LastAccessedAt:    now,
	}

	stored, err := uc.persist(ctx, artifact)
	if err != nil {
		return nil, err
	}
	uc.populate(ctx, digest, stored)
	logger.Info("generation_completed", "artifact_id", stored.ID, "model_id", output.ModelID, "duration_ms", elapsed.Milliseconds())

	uc.notify(ctx, domain.GenerationEvent{
		SubjectID:  req.Key.SubjectID,
		Kind:       req.Key.Kind,
		Language:   req.Key.Language,
		Corpus:     req.Key.Corpus,
		ModelID:    output.ModelID,
		ArtifactID: stored.ID,
		OccurredAt: now,
	})
	return stored, nil
}

func (uc *GenerationCacheUseCase) callGenerator(
	ctx context.Context,
	timeout time.Duration,
	input domain.GenerationInput,
) (domain.GenerationOutput, error) {
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	output, err := uc.generator.Generate(callCtx, input)
	if err != nil {
		if errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			return domain.GenerationOutput{}, fmt.Errorf("generation timed out after %s: %w", timeout, err)
		}
		return domain.GenerationOutput{}, err
	}
	if strings.TrimSpace(output.Text) == "" {
		return domain.GenerationOutput{}, errors.New("generator returned empty text")
	}
	return output, nil
}

// persist writes the durable row; a concurrent writer that won the unique key is
// returned in place of our artifact.
func (uc *GenerationCacheUseCase) persist(ctx context.Context, artifact *domain.CachedArtifact) (*domain.CachedArtifact, error) {
	err := uc.durable.Insert(ctx, artifact)
	if err == nil {
		return artifact, nil
	}
	if !domain.IsKind(err, domain.ErrConflict) {
		return nil, fmt.Errorf("insert durable artifact: %w", err)
	}

	winner, getErr := uc.durable.Get(ctx, artifact.Key)
	if getErr != nil {
		return nil, fmt.Errorf("read conflicting artifact: %w", getErr)
	}
	return winner, nil
}

func (uc *GenerationCacheUseCase) notify(ctx context.Context, event domain.GenerationEvent) {
	if uc.notifier == nil {
		return
	}
	if err := uc.notifier.GenerationCompleted(ctx, event); err != nil {
		logging.FromContext(ctx).Warn("generation_notify_failed", "subject_id", event.SubjectID, "error", err)
	}
}

type noopCacheObserver struct{}

func (noopCacheObserver) CacheLookup(string, string)              {}
func (noopCacheObserver) GenerationStarted()                      {}
func (noopCacheObserver) GenerationFinished(time.Duration, error) {}
func (noopCacheObserver) SharedResult()                           {}
