package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/kirillkom/interpretation-engine/internal/core/domain"
)

const keyPrefix = "artifact:"

// ArtifactCache is the ephemeral layer. Every read slides the expiry to now+ttl, so an
// entry lives for ttl after its last access.
type ArtifactCache struct {
	client *redis.Client
	ttl    time.Duration
}

func Connect(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect redis: %w", err)
	}
	return client, nil
}

func NewArtifactCache(client *redis.Client, ttl time.Duration) *ArtifactCache {
	return &ArtifactCache{client: client, ttl: ttl}
}

func (c *ArtifactCache) Get(ctx context.Context, digest string) (*domain.CachedArtifact, bool, error) {
	raw, err := c.client.GetEx(ctx, keyPrefix+digest, c.ttl).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, domain.WrapError(domain.ErrStorage, "redis get artifact", err)
	}

	var artifact domain.CachedArtifact
	if err := json.Unmarshal(raw, &artifact); err != nil {
		// A corrupt entry is dropped and reported as a miss.
		_ = c.client.Del(ctx, keyPrefix+digest).Err()
		return nil, false, nil
	}
	return &artifact, true, nil
}

func (c *ArtifactCache) Set(ctx context.Context, digest string, artifact *domain.CachedArtifact) error {
	raw, err := json.Marshal(artifact)
	if err != nil {
		return fmt.Errorf("marshal artifact: %w", err)
	}
	if err := c.client.Set(ctx, keyPrefix+digest, raw, c.ttl).Err(); err != nil {
		return domain.WrapError(domain.ErrStorage, "redis set artifact", err)
	}
	return nil
}

func (c *ArtifactCache) Delete(ctx context.Context, digest string) error {
	if err := c.client.Del(ctx, keyPrefix+digest).Err(); err != nil {
		return domain.WrapError(domain.ErrStorage, "redis delete artifact", err)
	}
	return nil
}
