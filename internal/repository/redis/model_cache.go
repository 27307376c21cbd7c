package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"auth-advisor/internal/client"
	"auth-advisor/internal/repository"
	"auth-advisor/internal/util"
)

const (
	modelKey        = "advisor:model"
	modelUpdatedKey = "advisor:model:updated_at"
)

// ModelCache shares the trained model between advisor instances through Redis.
type ModelCache struct {
	client *client.RedisClient
}

func NewModelCache(client *client.RedisClient) *ModelCache {
	return &ModelCache{client: client}
}

func (c *ModelCache) Save(ctx context.Context, blob []byte) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	pipe := c.client.Pipeline()
	pipe.Set(ctx, modelKey, blob, 0)
	pipe.Set(ctx, modelUpdatedKey, time.Now().UTC().Format(time.RFC3339), 0)
	if _, err := pipe.Exec(ctx); err != nil {
		util.Error("Failed to store model", zap.Int("bytes", len(blob)), zap.Error(err))
		return fmt.Errorf("failed to store model: %w", err)
	}

	util.Info("Model stored in redis", zap.String("key", modelKey), zap.Int("bytes", len(blob)))
	return nil
}

func (c *ModelCache) Load(ctx context.Context) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	blob, err := c.client.GetBytes(ctx, modelKey)
	if err != nil {
		if errors.Is(err, client.ErrKeyNotFound) {
			return nil, fmt.Errorf("model: %w", repository.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to load model: %w", err)
	}
	return blob, nil
}

// UpdatedAt reports when the stored model was last replaced.
func (c *ModelCache) UpdatedAt(ctx context.Context) (time.Time, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	val, err := c.client.Get(ctx, modelUpdatedKey)
	if err != nil {
		if errors.Is(err, client.ErrKeyNotFound) {
			return time.Time{}, repository.ErrNotFound
		}
		return time.Time{}, err
	}
	return time.Parse(time.RFC3339, val)
}
