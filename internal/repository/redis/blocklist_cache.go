package redis

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"auth-advisor/internal/client"
	"auth-advisor/internal/repository"
	"auth-advisor/internal/util"
)

const blocklistPrefix = "advisor:blocklist:"

// BlocklistCache holds temporary address blocks. Each block is a key that expires on its
// own, so an address is released without any cleanup pass.
type BlocklistCache struct {
	client *client.RedisClient
}

var _ repository.Blocklist = (*BlocklistCache)(nil)

func NewBlocklistCache(client *client.RedisClient) *BlocklistCache {
	return &BlocklistCache{client: client}
}

// Block places addr on the blocklist for ttl. Blocking an already blocked address extends
// the block when the new ttl is longer.
func (c *BlocklistCache) Block(ctx context.Context, addr, reason string, ttl time.Duration) error {
	if ttl <= 0 {
		return fmt.Errorf("block duration must be positive, got %s", ttl)
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	key := blocklistPrefix + addr
	current, err := c.client.TTL(ctx, key)
	if err != nil {
		return fmt.Errorf("failed to read block ttl: %w", err)
	}
	if current >= ttl {
		util.Debug("Address already blocked for longer", zap.String("ip", addr), zap.Duration("ttl", current))
		return nil
	}

	if err := c.client.Set(ctx, key, reason, ttl); err != nil {
		util.Error("Failed to block address", zap.String("ip", addr), zap.Duration("ttl", ttl), zap.Error(err))
		return fmt.Errorf("failed to block address: %w", err)
	}

	util.Info("Address blocked", zap.String("ip", addr), zap.Duration("ttl", ttl))
	return nil
}

func (c *BlocklistCache) IsBlocked(ctx context.Context, addr string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	blocked, err := c.client.Exists(ctx, blocklistPrefix+addr)
	if err != nil {
		util.Error("Failed to check address block", zap.String("ip", addr), zap.Error(err))
		return false, fmt.Errorf("failed to check address block: %w", err)
	}
	return blocked, nil
}

func (c *BlocklistCache) Unblock(ctx context.Context, addr string) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := c.client.Del(ctx, blocklistPrefix+addr); err != nil {
		return fmt.Errorf("failed to unblock address: %w", err)
	}
	util.Info("Address unblocked", zap.String("ip", addr))
	return nil
}

// List returns every active block.
func (c *BlocklistCache) List(ctx context.Context) ([]repository.BlockEntry, error) {
	ctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	keys, err := c.client.Scan(ctx, blocklistPrefix+"*", 100)
	if err != nil {
		return nil, fmt.Errorf("failed to scan blocklist: %w", err)
	}

	entries := make([]repository.BlockEntry, 0, len(keys))
	for _, key := range keys {
		reason, err := c.client.Get(ctx, key)
		if err != nil {
			// expired between scan and get
			continue
		}
		ttl, err := c.client.TTL(ctx, key)
		if err != nil {
			continue
		}
		entries = append(entries, repository.BlockEntry{
			Address: strings.TrimPrefix(key, blocklistPrefix),
			Reason:  reason,
			TTL:     ttl,
		})
	}
	return entries, nil
}
