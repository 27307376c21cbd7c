package file

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/goccy/go-json"
	"go.uber.org/zap"

	"auth-advisor/internal/profile"
	"auth-advisor/internal/repository"
	"auth-advisor/internal/util"
)

// ProfileStore writes profile snapshots as a JSON array next to the model.
type ProfileStore struct {
	path string
}

func NewProfileStore(path string) *ProfileStore {
	return &ProfileStore{path: path}
}

func (s *ProfileStore) SaveProfiles(ctx context.Context, profiles []profile.UserProfile) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if profiles == nil {
		profiles = []profile.UserProfile{}
	}

	data, err := json.Marshal(profiles)
	if err != nil {
		return fmt.Errorf("failed to encode profiles: %w", err)
	}
	if err := writeAtomic(s.path, data); err != nil {
		return err
	}

	util.Debug("Profiles saved", zap.String("path", s.path), zap.Int("profiles", len(profiles)))
	return nil
}

func (s *ProfileStore) LoadProfiles(ctx context.Context) ([]profile.UserProfile, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("profile file %s: %w", s.path, repository.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to read profiles: %w", err)
	}

	var profiles []profile.UserProfile
	if err := json.Unmarshal(data, &profiles); err != nil {
		return nil, fmt.Errorf("failed to decode profiles: %w", err)
	}
	return profiles, nil
}
