package usecase

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/kirillkom/interpretation-engine/internal/core/domain"
	"github.com/kirillkom/interpretation-engine/internal/core/ports"
	"github.com/kirillkom/interpretation-engine/internal/observability/logging"
)

// StalenessJanitor removes durable artifacts nobody has read within the horizon.
type StalenessJanitor struct {
	store   ports.ArtifactStore
	horizon time.Duration
	now     func() time.Time
}

func NewStalenessJanitor(store ports.ArtifactStore, horizon time.Duration) *StalenessJanitor {
	return &StalenessJanitor{
		store:   store,
		horizon: horizon,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

func (j *StalenessJanitor) Sweep(ctx context.Context) (int64, error) {
	if j.horizon <= 0 {
		return 0, domain.WrapError(domain.ErrValidation, "sweep", errors.New("staleness horizon must be positive"))
	}
	cutoff := j.now().Add(-j.horizon)
	deleted, err := j.store.DeleteStale(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete stale artifacts: %w", err)
	}
	logging.FromContext(ctx).Info("stale_artifacts_swept", "deleted", deleted, "cutoff", cutoff)
	return deleted, nil
}
