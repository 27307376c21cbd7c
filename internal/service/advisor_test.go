package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"auth-advisor/internal/features"
	"auth-advisor/internal/metrics"
	"auth-advisor/internal/models"
	"auth-advisor/internal/parser"
	"auth-advisor/internal/policy"
	"auth-advisor/internal/profile"
	"auth-advisor/internal/repository"
	"auth-advisor/internal/scoring"
	"auth-advisor/internal/source"
)

type memModelStore struct {
	blob []byte
}

func (m *memModelStore) Save(_ context.Context, blob []byte) error {
	m.blob = append([]byte(nil), blob...)
	return nil
}

func (m *memModelStore) Load(context.Context) ([]byte, error) {
	if m.blob == nil {
		return nil, repository.ErrNotFound
	}
	return m.blob, nil
}

type memProfiles struct {
	profiles []profile.UserProfile
}

func (m *memProfiles) SaveProfiles(_ context.Context, profiles []profile.UserProfile) error {
	m.profiles = profiles
	return nil
}

func (m *memProfiles) LoadProfiles(context.Context) ([]profile.UserProfile, error) {
	if m.profiles == nil {
		return nil, repository.ErrNotFound
	}
	return m.profiles, nil
}

type memEvents struct {
	mu       sync.Mutex
	saved    []models.AnomalyResult
	resolved map[string]bool
}

func (m *memEvents) SaveResults(_ context.Context, results []models.AnomalyResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saved = append(m.saved, results...)
	return nil
}

func (m *memEvents) open() []repository.AnomalyRecord {
	var out []repository.AnomalyRecord
	for _, rec := range repository.AnomalyRecords(m.saved) {
		if !m.resolved[rec.User] {
			out = append(out, rec)
		}
	}
	return out
}

func (m *memEvents) RecentAnomalies(_ context.Context, limit int) ([]repository.AnomalyRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	records := m.open()
	if len(records) > limit {
		records = records[:limit]
	}
	return records, nil
}

func (m *memEvents) ResolveAnomalies(_ context.Context, user string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, rec := range m.open() {
		if rec.User == user {
			n++
		}
	}
	if m.resolved == nil {
		m.resolved = make(map[string]bool)
	}
	m.resolved[user] = true
	return n, nil
}

func (m *memEvents) CountEvents(_ context.Context, user string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, r := range m.saved {
		if user == "" || r.User == user {
			n++
		}
	}
	return n, nil
}

func (m *memEvents) Ping(context.Context) error { return nil }
func (m *memEvents) Close() error               { return nil }

type memBlocklist map[string]string

func (m memBlocklist) List(context.Context) ([]repository.BlockEntry, error) {
	var out []repository.BlockEntry
	for addr, reason := range m {
		out = append(out, repository.BlockEntry{Address: addr, Reason: reason, TTL: 30 * time.Minute})
	}
	return out, nil
}

func (m memBlocklist) IsBlocked(_ context.Context, addr string) (bool, error) {
	_, ok := m[addr]
	return ok, nil
}

func (m memBlocklist) Unblock(_ context.Context, addr string) error {
	delete(m, addr)
	return nil
}

type recordingSink struct {
	reports []models.Report
}

func (r *recordingSink) Name() string { return "recording" }

func (r *recordingSink) Publish(_ context.Context, report models.Report) error {
	r.reports = append(r.reports, report)
	return nil
}

type stubSource struct {
	events []models.AuthEvent
	err    error
}

func (s stubSource) Name() string { return "stub" }

func (s stubSource) Collect(context.Context, time.Duration) ([]models.AuthEvent, error) {
	return s.events, s.err
}

type fixture struct {
	advisor   *Advisor
	models    *memModelStore
	profiles  *memProfiles
	events    *memEvents
	blocklist memBlocklist
	sink      *recordingSink
}

func newFixture(src source.Source) *fixture {
	f := &fixture{
		models:    &memModelStore{},
		profiles:  &memProfiles{},
		events:    &memEvents{},
		blocklist: memBlocklist{},
		sink:      &recordingSink{},
	}
	f.advisor = f.build(src)
	return f
}

// build wires a fresh Advisor onto the fixture's stores.
func (f *fixture) build(src source.Source) *Advisor {
	logger := zap.NewNop()
	p := parser.NewParser(logger)
	return NewAdvisor(AdvisorConfig{}, Dependencies{
		Parser:    p,
		Extractor: features.NewExtractor(profile.NewStore(nil), logger),
		Scorer:    scoring.NewScorer(scoring.DefaultConfig(), logger),
		Engine:    policy.NewEngine(policy.DefaultConfig()),
		Source:    src,
		Fallback:  source.NewSyntheticSource(0, 42, p),
		Models:    f.models,
		Profiles:  f.profiles,
		Events:    f.events,
		Blocklist: f.blocklist,
		Sink:      f.sink,
	}, logger)
}

var batchStart = time.Date(2024, 3, 18, 10, 0, 0, 0, time.UTC)

func event(offset time.Duration, user, addr string, kind models.EventKind) models.AuthEvent {
	return models.NewAuthEvent(batchStart.Add(offset), user, addr, kind, "")
}

func hasRecommendation(recs []models.Recommendation, action models.Action, target string) (models.Recommendation, bool) {
	for _, r := range recs {
		if r.Action == action && r.Target == target {
			return r, true
		}
	}
	return models.Recommendation{}, false
}

func TestAnalyzeBeforeTraining(t *testing.T) {
	f := newFixture(stubSource{})

	_, err := f.advisor.AnalyzeEvents(context.Background(), []models.AuthEvent{
		event(0, "alice", "10.0.0.5", models.EventAuthSuccess),
	})
	require.ErrorIs(t, err, scoring.ErrNotTrained)

	_, err = f.advisor.LatestReport()
	assert.ErrorIs(t, err, ErrNoReport)
}

func TestTrainFallsBackWhenSourceFails(t *testing.T) {
	f := newFixture(stubSource{err: source.ErrSourceUnavailable})

	summary, err := f.advisor.Train(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "synthetic", summary.Source)
	assert.Equal(t, 100, summary.Events)
	assert.Equal(t, 100, summary.Model.TrainingRows)
	assert.Equal(t, 5, summary.Profiles)

	assert.NotEmpty(t, f.models.blob)
	assert.Len(t, f.profiles.profiles, 5)
}

func TestTrainEmptySourceUsesFallback(t *testing.T) {
	f := newFixture(stubSource{})

	summary, err := f.advisor.Train(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "synthetic", summary.Source)
}

func TestTrainSmallBatchLeavesProfilesUntouched(t *testing.T) {
	f := newFixture(stubSource{})

	batch := make([]models.AuthEvent, 0, 7)
	for i := 0; i < 7; i++ {
		batch = append(batch, event(time.Duration(i)*time.Minute, "mallory", "203.0.113.9", models.EventAuthFailed))
	}
	_, err := f.advisor.TrainEvents(context.Background(), batch)
	require.ErrorIs(t, err, scoring.ErrInsufficientData)

	assert.False(t, f.advisor.Profiles().Known("mallory"))
	assert.Zero(t, f.advisor.Profiles().Len())
	assert.False(t, f.advisor.deps.Scorer.Trained())
	assert.Empty(t, f.models.blob)
	assert.Empty(t, f.profiles.profiles)
}

func TestAnalyzeScoringFailureTreatsBatchAsClean(t *testing.T) {
	f := newFixture(stubSource{})

	// a model fitted on three columns cannot score full feature vectors
	rows := make([][]float64, 0, 20)
	for i := 0; i < 20; i++ {
		rows = append(rows, []float64{float64(i), float64(i % 3), 1})
	}
	require.NoError(t, f.advisor.deps.Scorer.TrainMatrix(context.Background(), rows))

	before := testutil.ToFloat64(metrics.ScoringFallbacks)
	batch := []models.AuthEvent{
		event(0, "bob", "192.168.1.11", models.EventAuthSuccess),
		event(time.Minute, "bob", "192.168.1.11", models.EventAuthSuccess),
		event(2*time.Minute, "carol", "10.0.0.5", models.EventAuthSuccess),
		event(3*time.Minute, "carol", "10.0.0.5", models.EventAuthSuccess),
		event(4*time.Minute, "dave", "10.0.0.7", models.EventAuthSuccess),
	}
	analysis, err := f.advisor.AnalyzeEvents(context.Background(), batch)
	require.NoError(t, err)
	require.Len(t, analysis.Results, len(batch))
	for _, r := range analysis.Results {
		assert.Zero(t, r.Score)
		assert.False(t, r.Anomaly)
	}
	assert.Zero(t, analysis.Report.AnomalyCount)
	assert.Equal(t, before+1, testutil.ToFloat64(metrics.ScoringFallbacks))
}

func TestAnalyzeEmptyWindowIsClean(t *testing.T) {
	f := newFixture(stubSource{})
	_, err := f.advisor.Train(context.Background())
	require.NoError(t, err)

	analysis, err := f.advisor.Analyze(context.Background())
	require.NoError(t, err)
	assert.Empty(t, analysis.Results)
	assert.True(t, analysis.Report.Clean())
	assert.Equal(t, "No events to analyze", analysis.Report.Message)
	assert.Empty(t, f.sink.reports, "clean reports are not published")

	latest, err := f.advisor.LatestReport()
	require.NoError(t, err)
	assert.Equal(t, analysis.Report.ID, latest.ID)
}

func TestAnalyzeSmallBatch(t *testing.T) {
	f := newFixture(stubSource{})
	_, err := f.advisor.Train(context.Background())
	require.NoError(t, err)

	_, err = f.advisor.AnalyzeEvents(context.Background(), []models.AuthEvent{
		event(0, "alice", "10.0.0.5", models.EventAuthSuccess),
		event(time.Minute, "bob", "10.0.0.6", models.EventAuthSuccess),
	})
	require.ErrorIs(t, err, features.ErrInsufficientData)
}

func TestAnalyzeUnusualAddressForcesMFA(t *testing.T) {
	f := newFixture(stubSource{})
	_, err := f.advisor.Train(context.Background())
	require.NoError(t, err)
	require.NotContains(t, f.advisor.Profiles().UsualAddresses("alice"), "203.0.113.5")

	batch := []models.AuthEvent{
		event(0, "bob", "192.168.1.11", models.EventAuthSuccess),
		event(5*time.Minute, "bob", "192.168.1.11", models.EventAuthSuccess),
		event(10*time.Minute, "carol", "10.0.0.5", models.EventAuthSuccess),
		event(15*time.Minute, "carol", "10.0.0.5", models.EventAuthSuccess),
		event(20*time.Minute, "alice", "203.0.113.5", models.EventAuthFailed),
	}
	analysis, err := f.advisor.AnalyzeEvents(context.Background(), batch)
	require.NoError(t, err)
	require.Len(t, analysis.Results, len(batch))

	last := analysis.Results[4]
	assert.Equal(t, "alice", last.User)
	assert.True(t, last.UnusualAddress)
	assert.False(t, analysis.Results[0].UnusualAddress)

	rec, ok := hasRecommendation(analysis.Report.Recommendations, models.ActionForceMFA, "alice")
	require.True(t, ok, "expected force_mfa for alice, got %+v", analysis.Report.Recommendations)
	assert.Equal(t, "Failed attempt from unusual IP 203.0.113.5", rec.Reason)
	assert.Equal(t, models.PriorityMedium, rec.Priority)

	assert.False(t, analysis.Report.Clean())
	require.Len(t, f.sink.reports, 1)
	assert.Equal(t, analysis.Report.ID, f.sink.reports[0].ID)
	assert.Len(t, f.events.saved, len(batch))

	records, err := f.advisor.RecentAnomalies(context.Background(), 50)
	require.NoError(t, err)
	found := false
	for _, r := range records {
		if r.User == "alice" && r.Type == repository.AnomalyTypeUnusualIP {
			found = true
		}
	}
	assert.True(t, found)
}

func TestAnalyzeBurstBlocksAddress(t *testing.T) {
	f := newFixture(stubSource{})
	_, err := f.advisor.Train(context.Background())
	require.NoError(t, err)

	var batch []models.AuthEvent
	for i := 0; i < 6; i++ {
		batch = append(batch, event(time.Duration(i)*time.Minute, "admin", "198.51.100.10", models.EventAuthFailed))
	}
	analysis, err := f.advisor.AnalyzeEvents(context.Background(), batch)
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		assert.False(t, analysis.Results[i].HighFrequency, "row %d", i)
	}
	assert.True(t, analysis.Results[5].HighFrequency)

	rec, ok := hasRecommendation(analysis.Report.Recommendations, models.ActionTemporaryBlock, "198.51.100.10")
	require.True(t, ok, "expected temporary_block, got %+v", analysis.Report.Recommendations)
	assert.Equal(t, 30, rec.DurationMinutes)
	assert.Equal(t, models.PriorityHigh, rec.Priority)
	assert.Equal(t, "High frequency of failed attempts from 198.51.100.10", rec.Reason)
}

func TestAnalyzeLinesSkipsGarbage(t *testing.T) {
	f := newFixture(stubSource{})
	_, err := f.advisor.Train(context.Background())
	require.NoError(t, err)

	lines := []string{"not a log line"}
	for i := 0; i < 5; i++ {
		lines = append(lines, source.FormatLine(batchStart.Add(time.Duration(i)*10*time.Minute), "bob", "192.168.1.11", models.EventAuthSuccess))
	}
	analysis, err := f.advisor.AnalyzeLines(context.Background(), lines)
	require.NoError(t, err)
	assert.Len(t, analysis.Results, 5)
	assert.Equal(t, 5, analysis.Report.TotalEvents)
}

func TestLoadModelRestoresState(t *testing.T) {
	f := newFixture(stubSource{})
	_, err := f.advisor.Train(context.Background())
	require.NoError(t, err)
	want, err := f.advisor.ModelInfo()
	require.NoError(t, err)

	restarted := f.build(stubSource{})
	_, err = restarted.ModelInfo()
	require.ErrorIs(t, err, scoring.ErrNotTrained)

	require.NoError(t, restarted.LoadModel(context.Background()))
	got, err := restarted.ModelInfo()
	require.NoError(t, err)
	assert.Equal(t, want.Offset, got.Offset)
	assert.Equal(t, want.TrainingRows, got.TrainingRows)

	p, ok := restarted.Profile("alice")
	require.True(t, ok)
	assert.ElementsMatch(t, f.advisor.Profiles().UsualAddresses("alice"), p.UsualAddresses)
}

func TestLoadModelMissing(t *testing.T) {
	f := newFixture(stubSource{})

	err := f.advisor.LoadModel(context.Background())
	require.ErrorIs(t, err, repository.ErrNotFound)
	assert.False(t, f.advisor.deps.Scorer.Trained())
}

func TestRecentAnomaliesWithoutStore(t *testing.T) {
	logger := zap.NewNop()
	a := NewAdvisor(AdvisorConfig{}, Dependencies{
		Parser:    parser.NewParser(logger),
		Extractor: features.NewExtractor(profile.NewStore(nil), logger),
		Scorer:    scoring.NewScorer(scoring.DefaultConfig(), logger),
		Engine:    policy.NewEngine(policy.DefaultConfig()),
	}, logger)

	_, err := a.RecentAnomalies(context.Background(), 10)
	assert.ErrorIs(t, err, ErrEventStoreDisabled)
	_, err = a.ResolveAnomalies(context.Background(), "alice")
	assert.ErrorIs(t, err, ErrEventStoreDisabled)
	_, err = a.CountEvents(context.Background(), "")
	assert.ErrorIs(t, err, ErrEventStoreDisabled)
	assert.ErrorIs(t, a.LoadModel(context.Background()), ErrNoModelStore)

	_, err = a.Blocklist(context.Background())
	assert.ErrorIs(t, err, ErrBlocklistDisabled)
	_, err = a.IsBlocked(context.Background(), "198.51.100.10")
	assert.ErrorIs(t, err, ErrBlocklistDisabled)
	assert.ErrorIs(t, a.Unblock(context.Background(), "198.51.100.10"), ErrBlocklistDisabled)
}

func TestResolveAnomaliesClosesUserRecords(t *testing.T) {
	f := newFixture(stubSource{})
	_, err := f.advisor.Train(context.Background())
	require.NoError(t, err)

	batch := []models.AuthEvent{
		event(0, "bob", "192.168.1.11", models.EventAuthSuccess),
		event(5*time.Minute, "bob", "192.168.1.11", models.EventAuthSuccess),
		event(10*time.Minute, "carol", "10.0.0.5", models.EventAuthSuccess),
		event(15*time.Minute, "carol", "10.0.0.5", models.EventAuthSuccess),
		event(20*time.Minute, "alice", "203.0.113.5", models.EventAuthFailed),
	}
	_, err = f.advisor.AnalyzeEvents(context.Background(), batch)
	require.NoError(t, err)

	total, err := f.advisor.CountEvents(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, len(batch), total)
	bobs, err := f.advisor.CountEvents(context.Background(), "bob")
	require.NoError(t, err)
	assert.Equal(t, 2, bobs)

	n, err := f.advisor.ResolveAnomalies(context.Background(), "alice")
	require.NoError(t, err)
	assert.Positive(t, n)

	records, err := f.advisor.RecentAnomalies(context.Background(), 50)
	require.NoError(t, err)
	for _, r := range records {
		assert.NotEqual(t, "alice", r.User)
	}
}

func TestBlocklistOperations(t *testing.T) {
	f := newFixture(stubSource{})
	f.blocklist["198.51.100.10"] = "Burst of 6 failed attempts"
	ctx := context.Background()

	entries, err := f.advisor.Blocklist(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "198.51.100.10", entries[0].Address)

	blocked, err := f.advisor.IsBlocked(ctx, "198.51.100.10")
	require.NoError(t, err)
	assert.True(t, blocked)

	require.NoError(t, f.advisor.Unblock(ctx, "198.51.100.10"))
	blocked, err = f.advisor.IsBlocked(ctx, "198.51.100.10")
	require.NoError(t, err)
	assert.False(t, blocked)
}
