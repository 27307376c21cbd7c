package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"auth-advisor/internal/features"
	"auth-advisor/internal/metrics"
	"auth-advisor/internal/models"
	"auth-advisor/internal/parser"
	"auth-advisor/internal/policy"
	"auth-advisor/internal/profile"
	"auth-advisor/internal/repository"
	"auth-advisor/internal/scoring"
	"auth-advisor/internal/sink"
	"auth-advisor/internal/source"
)

const (
	modeTrain   = "train"
	modeAnalyze = "analyze"
)

var (
	ErrNoModelStore       = errors.New("no model store configured")
	ErrEventStoreDisabled = errors.New("event store disabled")
	ErrNoReport           = errors.New("no report generated yet")
	ErrBlocklistDisabled  = errors.New("blocklist disabled")
)

// AdvisorConfig holds the windows the Advisor collects over.
type AdvisorConfig struct {
	HistoryWindow  time.Duration
	AnalysisWindow time.Duration
}

// Dependencies are the collaborators of an Advisor. Everything below Engine is optional.
type Dependencies struct {
	Parser    *parser.Parser
	Extractor *features.Extractor
	Scorer    *scoring.Scorer
	Engine    *policy.Engine

	Source    source.Source
	Fallback  source.Source
	Models    repository.ModelStore
	Profiles  repository.ProfileRepository
	Events    repository.EventStore
	Blocklist repository.Blocklist
	Sink      sink.ReportSink
}

// Analysis is the outcome of one analysis pass.
type Analysis struct {
	Results []models.AnomalyResult `json:"results"`
	Report  models.Report          `json:"report"`
}

// TrainSummary describes a completed training run.
type TrainSummary struct {
	Events   int               `json:"events"`
	Source   string            `json:"source"`
	Model    scoring.ModelInfo `json:"model"`
	Profiles int               `json:"profiles"`
}

// Advisor runs batches through parsing, feature extraction, scoring and policy evaluation.
// Batches are processed one at a time so that each sees the profile state left by the
// previous one.
type Advisor struct {
	config AdvisorConfig
	deps   Dependencies
	logger *zap.Logger

	runMu sync.Mutex

	reportMu sync.RWMutex
	latest   *models.Report
}

func NewAdvisor(cfg AdvisorConfig, deps Dependencies, logger *zap.Logger) *Advisor {
	if cfg.HistoryWindow <= 0 {
		cfg.HistoryWindow = 168 * time.Hour
	}
	if cfg.AnalysisWindow <= 0 {
		cfg.AnalysisWindow = time.Hour
	}
	return &Advisor{config: cfg, deps: deps, logger: logger}
}

// Profiles exposes the profile store owned by the extractor.
func (a *Advisor) Profiles() *profile.Store {
	return a.deps.Extractor.Profiles()
}

// Train collects the history window and trains on it.
func (a *Advisor) Train(ctx context.Context) (*TrainSummary, error) {
	events, name, err := a.collect(ctx, a.config.HistoryWindow, modeTrain)
	if err != nil {
		return nil, err
	}
	summary, err := a.TrainEvents(ctx, events)
	if err != nil {
		return nil, err
	}
	summary.Source = name
	return summary, nil
}

// TrainEvents extracts features from events, fits the model and persists it together with
// the profile snapshot. A batch too small to train on is rejected before profiles are touched.
func (a *Advisor) TrainEvents(ctx context.Context, events []models.AuthEvent) (*TrainSummary, error) {
	a.runMu.Lock()
	defer a.runMu.Unlock()

	start := time.Now()
	if len(events) < scoring.MinTrainingRows {
		metrics.RecordBatch(modeTrain, outcome(scoring.ErrInsufficientData), time.Since(start))
		return nil, fmt.Errorf("training batch of %d events: %w", len(events), scoring.ErrInsufficientData)
	}

	extraction, err := a.deps.Extractor.Extract(events)
	if err != nil {
		metrics.RecordBatch(modeTrain, outcome(err), time.Since(start))
		return nil, fmt.Errorf("training batch: %w", err)
	}

	trainStart := time.Now()
	err = a.deps.Scorer.Train(ctx, extraction.Vectors)
	metrics.RecordTraining(time.Since(trainStart), err)
	if err != nil {
		metrics.RecordBatch(modeTrain, outcome(err), time.Since(start))
		return nil, fmt.Errorf("training model: %w", err)
	}

	info, err := a.deps.Scorer.Info()
	if err != nil {
		return nil, err
	}

	if err := a.saveModel(ctx); err != nil {
		metrics.RecordBatch(modeTrain, "error", time.Since(start))
		return nil, err
	}
	a.saveProfiles(ctx)

	metrics.RecordBatch(modeTrain, "ok", time.Since(start))
	a.logger.Info("Model trained",
		zap.Int("events", len(events)),
		zap.Int("trees", info.Config.Trees),
		zap.Float64("offset", info.Offset),
		zap.Duration("duration", time.Since(start)),
	)

	return &TrainSummary{
		Events:   len(events),
		Model:    info,
		Profiles: a.Profiles().Len(),
	}, nil
}

func (a *Advisor) saveModel(ctx context.Context) error {
	if a.deps.Models == nil {
		a.logger.Warn("Model trained but not persisted", zap.Error(ErrNoModelStore))
		return nil
	}
	blob, err := a.deps.Scorer.MarshalBinary()
	if err != nil {
		return fmt.Errorf("encoding model: %w", err)
	}
	if err := a.deps.Models.Save(ctx, blob); err != nil {
		return fmt.Errorf("saving model: %w", err)
	}
	return nil
}

func (a *Advisor) saveProfiles(ctx context.Context) {
	if a.deps.Profiles == nil {
		return
	}
	if err := a.deps.Profiles.SaveProfiles(ctx, a.Profiles().Snapshot()); err != nil {
		a.logger.Error("Failed to persist profiles", zap.Error(err))
	}
}

// LoadModel restores the model and, when available, the profile snapshot. On failure the
// in-memory state is left untouched.
func (a *Advisor) LoadModel(ctx context.Context) error {
	if a.deps.Models == nil {
		return ErrNoModelStore
	}

	blob, err := a.deps.Models.Load(ctx)
	if err != nil {
		return fmt.Errorf("loading model: %w", err)
	}
	if err := a.deps.Scorer.UnmarshalBinary(blob); err != nil {
		return fmt.Errorf("decoding model: %w", err)
	}

	if a.deps.Profiles != nil {
		snapshot, err := a.deps.Profiles.LoadProfiles(ctx)
		switch {
		case errors.Is(err, repository.ErrNotFound):
			a.logger.Info("No saved profiles, starting with an empty profile store")
		case err != nil:
			a.logger.Warn("Failed to load profiles", zap.Error(err))
		default:
			a.Profiles().Restore(snapshot)
		}
	}

	info, _ := a.deps.Scorer.Info()
	a.logger.Info("Model loaded",
		zap.Time("trained_at", info.TrainedAt),
		zap.Int("training_rows", info.TrainingRows),
		zap.Int("profiles", a.Profiles().Len()),
	)
	return nil
}

// Analyze collects the analysis window and runs it through the pipeline.
func (a *Advisor) Analyze(ctx context.Context) (*Analysis, error) {
	events, _, err := a.collect(ctx, a.config.AnalysisWindow, modeAnalyze)
	if err != nil {
		return nil, err
	}
	return a.AnalyzeEvents(ctx, events)
}

// AnalyzeLines parses raw log lines and analyzes the resulting events.
func (a *Advisor) AnalyzeLines(ctx context.Context, lines []string) (*Analysis, error) {
	events, skipped := a.deps.Parser.ParseLines(lines)
	if skipped > 0 {
		a.logger.Debug("Skipped unparseable lines", zap.Int("skipped", skipped))
	}
	return a.AnalyzeEvents(ctx, events)
}

// AnalyzeEvents scores a batch, evaluates the policy rules and publishes the report when it
// is not clean. It returns scoring.ErrNotTrained when no model is loaded and
// features.ErrInsufficientData for batches too small to analyze.
func (a *Advisor) AnalyzeEvents(ctx context.Context, events []models.AuthEvent) (*Analysis, error) {
	a.runMu.Lock()
	defer a.runMu.Unlock()

	start := time.Now()
	if !a.deps.Scorer.Trained() {
		metrics.RecordBatch(modeAnalyze, "error", time.Since(start))
		return nil, scoring.ErrNotTrained
	}

	if len(events) == 0 {
		report := a.deps.Engine.GenerateReport(nil)
		a.setLatest(report)
		metrics.RecordBatch(modeAnalyze, "ok", time.Since(start))
		return &Analysis{Results: []models.AnomalyResult{}, Report: report}, nil
	}

	extraction, err := a.deps.Extractor.Extract(events)
	if err != nil {
		metrics.RecordBatch(modeAnalyze, outcome(err), time.Since(start))
		return nil, err
	}

	scores, err := a.score(extraction.Vectors)
	if err != nil {
		metrics.RecordBatch(modeAnalyze, "error", time.Since(start))
		return nil, err
	}

	results := make([]models.AnomalyResult, len(events))
	anomalies := 0
	for i, ev := range events {
		results[i] = models.AnomalyResult{
			AuthEvent:      ev,
			Score:          scores[i].Score,
			Anomaly:        scores[i].Anomaly,
			UnusualAddress: extraction.Flags[i].UnusualAddress,
			HighFrequency:  extraction.Flags[i].HighFrequency,
		}
		if scores[i].Anomaly {
			anomalies++
		}
	}
	metrics.RecordScored(len(results), anomalies)

	report := a.deps.Engine.GenerateReport(results)
	a.logRecommendations(report.Recommendations)
	a.setLatest(report)

	a.persist(ctx, results)
	if !report.Clean() && a.deps.Sink != nil {
		if err := a.deps.Sink.Publish(ctx, report); err != nil {
			a.logger.Warn("Report published with errors", zap.String("report_id", report.ID), zap.Error(err))
		}
	}

	metrics.RecordBatch(modeAnalyze, "ok", time.Since(start))
	a.logger.Info("Batch analyzed",
		zap.Int("events", len(results)),
		zap.Int("anomalies", anomalies),
		zap.Int("recommendations", len(report.Recommendations)),
		zap.String("status", report.Status),
		zap.Duration("duration", time.Since(start)),
	)

	return &Analysis{Results: results, Report: report}, nil
}

// score runs the model over the batch. An unexpected failure, including a panic, degrades
// to a clean batch: every row gets score 0 and no anomaly flag.
func (a *Advisor) score(vectors []models.FeatureVector) (results []scoring.Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			a.logger.Error("Anomaly scoring panicked, treating batch as clean", zap.Any("panic", r))
			metrics.ScoringFallbacks.Inc()
			results, err = make([]scoring.Result, len(vectors)), nil
		}
	}()

	results, err = a.deps.Scorer.Score(vectors)
	switch {
	case err == nil:
		return results, nil
	case errors.Is(err, scoring.ErrNotTrained):
		return nil, err
	default:
		a.logger.Error("Anomaly scoring failed, treating batch as clean",
			zap.Int("rows", len(vectors)),
			zap.Error(err))
		metrics.ScoringFallbacks.Inc()
		return make([]scoring.Result, len(vectors)), nil
	}
}

func (a *Advisor) logRecommendations(recs []models.Recommendation) {
	for _, rec := range recs {
		metrics.RecordRecommendation(string(rec.Action), string(rec.Priority))
		a.logger.Warn(fmt.Sprintf("RECOMMENDATION [%s]: %s for %s - %s",
			strings.ToUpper(string(rec.Priority)), rec.Action, rec.Target, rec.Reason),
			zap.Float64("score", rec.Score),
		)
	}
}

// persist stores the scored batch and the updated profiles. Failures are logged only.
func (a *Advisor) persist(ctx context.Context, results []models.AnomalyResult) {
	if a.deps.Events != nil {
		if err := a.deps.Events.SaveResults(ctx, results); err != nil {
			a.logger.Error("Failed to store scored events", zap.Int("events", len(results)), zap.Error(err))
		}
	}
	a.saveProfiles(ctx)
}

// collect reads the window from the configured source. The fallback source replaces it
// when collection fails, and also when a training collection comes back empty.
func (a *Advisor) collect(ctx context.Context, window time.Duration, mode string) ([]models.AuthEvent, string, error) {
	primary := a.deps.Source
	if primary == nil {
		primary = a.deps.Fallback
	}
	if primary == nil {
		return nil, "", fmt.Errorf("no event source configured: %w", source.ErrSourceUnavailable)
	}

	events, err := primary.Collect(ctx, window)
	switch {
	case err != nil:
		metrics.RecordSourceCollection(primary.Name(), "error")
		if ctx.Err() != nil || a.deps.Fallback == nil || a.deps.Fallback == primary {
			return nil, primary.Name(), fmt.Errorf("collecting events from %s: %w", primary.Name(), err)
		}
		a.logger.Warn("Event source failed, using fallback",
			zap.String("source", primary.Name()),
			zap.String("fallback", a.deps.Fallback.Name()),
			zap.Error(err))
	case len(events) == 0 && mode == modeTrain && a.deps.Fallback != nil && a.deps.Fallback != primary:
		metrics.RecordSourceCollection(primary.Name(), "empty")
		a.logger.Warn("Event source returned no history, using fallback",
			zap.String("source", primary.Name()),
			zap.String("fallback", a.deps.Fallback.Name()))
	default:
		metrics.RecordSourceCollection(primary.Name(), "ok")
		return events, primary.Name(), nil
	}

	events, err = a.deps.Fallback.Collect(ctx, window)
	if err != nil {
		metrics.RecordSourceCollection(a.deps.Fallback.Name(), "error")
		return nil, a.deps.Fallback.Name(), fmt.Errorf("collecting events from %s: %w", a.deps.Fallback.Name(), err)
	}
	metrics.RecordSourceCollection(a.deps.Fallback.Name(), "fallback")
	return events, a.deps.Fallback.Name(), nil
}

func (a *Advisor) setLatest(report models.Report) {
	a.reportMu.Lock()
	defer a.reportMu.Unlock()
	a.latest = &report
}

// LatestReport returns the report of the most recent analysis.
func (a *Advisor) LatestReport() (models.Report, error) {
	a.reportMu.RLock()
	defer a.reportMu.RUnlock()
	if a.latest == nil {
		return models.Report{}, ErrNoReport
	}
	return *a.latest, nil
}

func (a *Advisor) Profile(user string) (profile.UserProfile, bool) {
	return a.Profiles().Profile(user)
}

func (a *Advisor) ModelInfo() (scoring.ModelInfo, error) {
	return a.deps.Scorer.Info()
}

// ParseLine exposes the parser for single-line inspection.
func (a *Advisor) ParseLine(line string) (models.AuthEvent, bool) {
	return a.deps.Parser.Parse(line)
}

func (a *Advisor) RecentAnomalies(ctx context.Context, limit int) ([]repository.AnomalyRecord, error) {
	if a.deps.Events == nil {
		return nil, ErrEventStoreDisabled
	}
	return a.deps.Events.RecentAnomalies(ctx, limit)
}

// ResolveAnomalies closes the open anomalies of user once an operator has dealt with them.
func (a *Advisor) ResolveAnomalies(ctx context.Context, user string) (int64, error) {
	if a.deps.Events == nil {
		return 0, ErrEventStoreDisabled
	}
	n, err := a.deps.Events.ResolveAnomalies(ctx, user)
	if err != nil {
		return 0, err
	}
	a.logger.Info("Anomalies resolved", zap.String("user", user), zap.Int64("count", n))
	return n, nil
}

func (a *Advisor) CountEvents(ctx context.Context, user string) (int, error) {
	if a.deps.Events == nil {
		return 0, ErrEventStoreDisabled
	}
	return a.deps.Events.CountEvents(ctx, user)
}

func (a *Advisor) Blocklist(ctx context.Context) ([]repository.BlockEntry, error) {
	if a.deps.Blocklist == nil {
		return nil, ErrBlocklistDisabled
	}
	return a.deps.Blocklist.List(ctx)
}

func (a *Advisor) IsBlocked(ctx context.Context, addr string) (bool, error) {
	if a.deps.Blocklist == nil {
		return false, ErrBlocklistDisabled
	}
	return a.deps.Blocklist.IsBlocked(ctx, addr)
}

// Unblock lifts a temporary block before it expires.
func (a *Advisor) Unblock(ctx context.Context, addr string) error {
	if a.deps.Blocklist == nil {
		return ErrBlocklistDisabled
	}
	if err := a.deps.Blocklist.Unblock(ctx, addr); err != nil {
		return err
	}
	a.logger.Info("Address released from blocklist", zap.String("ip", addr))
	return nil
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, features.ErrInsufficientData), errors.Is(err, scoring.ErrInsufficientData):
		return "insufficient"
	default:
		return "error"
	}
}
