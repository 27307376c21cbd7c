package redis

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/goccy/go-json"
	"go.uber.org/zap"

	"auth-advisor/internal/client"
	"auth-advisor/internal/profile"
	"auth-advisor/internal/repository"
	"auth-advisor/internal/util"
)

const profilesKey = "advisor:profiles"

// ProfileCache stores one hash field per user holding the JSON encoded profile.
type ProfileCache struct {
	client *client.RedisClient
}

func NewProfileCache(client *client.RedisClient) *ProfileCache {
	return &ProfileCache{client: client}
}

func (c *ProfileCache) SaveProfiles(ctx context.Context, profiles []profile.UserProfile) error {
	if len(profiles) == 0 {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	values := make([]interface{}, 0, len(profiles)*2)
	for _, p := range profiles {
		data, err := json.Marshal(p)
		if err != nil {
			return fmt.Errorf("failed to encode profile %s: %w", p.User, err)
		}
		values = append(values, p.User, data)
	}

	if err := c.client.HSet(ctx, profilesKey, values...); err != nil {
		util.Error("Failed to store profiles", zap.Int("profiles", len(profiles)), zap.Error(err))
		return fmt.Errorf("failed to store profiles: %w", err)
	}

	util.Debug("Profiles stored in redis", zap.Int("profiles", len(profiles)))
	return nil
}

func (c *ProfileCache) LoadProfiles(ctx context.Context) ([]profile.UserProfile, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	fields, err := c.client.HGetAll(ctx, profilesKey)
	if err != nil {
		return nil, fmt.Errorf("failed to load profiles: %w", err)
	}
	if len(fields) == 0 {
		return nil, fmt.Errorf("profiles: %w", repository.ErrNotFound)
	}

	profiles := make([]profile.UserProfile, 0, len(fields))
	for user, raw := range fields {
		var p profile.UserProfile
		if err := json.Unmarshal([]byte(raw), &p); err != nil {
			util.Warn("Skipping undecodable profile", zap.String("user", user), zap.Error(err))
			continue
		}
		profiles = append(profiles, p)
	}
	sort.Slice(profiles, func(i, j int) bool { return profiles[i].User < profiles[j].User })
	return profiles, nil
}

// Profile fetches a single user's profile.
func (c *ProfileCache) Profile(ctx context.Context, user string) (profile.UserProfile, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	raw, err := c.client.HGet(ctx, profilesKey, user)
	if err != nil {
		if errors.Is(err, client.ErrKeyNotFound) {
			return profile.UserProfile{}, fmt.Errorf("profile %s: %w", user, repository.ErrNotFound)
		}
		return profile.UserProfile{}, err
	}

	var p profile.UserProfile
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return profile.UserProfile{}, fmt.Errorf("failed to decode profile %s: %w", user, err)
	}
	return p, nil
}
