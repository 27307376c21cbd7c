package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"auth-advisor/internal/models"
	"auth-advisor/internal/repository"
)

func newTestStore(t *testing.T) *EventStore {
	t.Helper()
	s, err := NewEventStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func scored(offset time.Duration, user, addr string, kind models.EventKind, score float64, anomaly, unusual, burst bool) models.AnomalyResult {
	ts := time.Date(2024, 3, 15, 9, 0, 0, 0, time.UTC).Add(offset)
	return models.AnomalyResult{
		AuthEvent:      models.NewAuthEvent(ts, user, addr, kind, "raw"),
		Score:          score,
		Anomaly:        anomaly,
		UnusualAddress: unusual,
		HighFrequency:  burst,
	}
}

func TestSaveResultsAndRecentAnomalies(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	results := []models.AnomalyResult{
		scored(0, "carol", "10.0.0.6", models.EventAuthSuccess, 0.12, false, false, false),
		scored(time.Minute, "alice", "203.0.113.5", models.EventAuthFailed, -0.08, true, true, false),
		scored(2*time.Minute, "admin", "198.51.100.10", models.EventAuthFailed, 0.01, false, false, true),
	}
	require.NoError(t, s.SaveResults(ctx, results))

	n, err := s.CountEvents(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	recs, err := s.RecentAnomalies(ctx, 10)
	require.NoError(t, err)
	require.Len(t, recs, 3)
	assert.Equal(t, "admin", recs[0].User, "newest first")
	assert.Equal(t, repository.AnomalyTypeHighFrequency, recs[0].Type)
	assert.True(t, time.Date(2024, 3, 15, 9, 2, 0, 0, time.UTC).Equal(recs[0].DetectedAt))

	types := []string{recs[1].Type, recs[2].Type}
	assert.ElementsMatch(t, []string{repository.AnomalyTypeModel, repository.AnomalyTypeUnusualIP}, types)
}

func TestResolveAnomalies(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SaveResults(ctx, []models.AnomalyResult{
		scored(0, "alice", "203.0.113.5", models.EventAuthFailed, -0.08, true, true, false),
		scored(time.Minute, "bob", "192.0.2.15", models.EventAuthSuccess, -0.02, true, false, false),
	}))

	changed, err := s.ResolveAnomalies(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(2), changed)

	recs, err := s.RecentAnomalies(ctx, 0)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "bob", recs[0].User)
}

func TestSaveResultsEmptyBatch(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.SaveResults(context.Background(), nil))

	n, err := s.CountEvents(context.Background(), "alice")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestMigrationsAreIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.db")

	first, err := NewEventStore(path)
	require.NoError(t, err)
	require.NoError(t, first.SaveResults(context.Background(), []models.AnomalyResult{
		scored(0, "dave", "10.0.0.5", models.EventAuthSuccess, 0.2, false, false, false),
	}))
	require.NoError(t, first.Close())

	second, err := NewEventStore(path)
	require.NoError(t, err)
	defer second.Close()

	n, err := second.CountEvents(context.Background(), "dave")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}
