package scoring

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"auth-advisor/internal/models"
	"auth-advisor/internal/util"
)

// MinTrainingRows is the smallest batch the model will be fitted on.
const MinTrainingRows = 10

var (
	ErrNotTrained              = errors.New("anomaly scorer is not trained")
	ErrInsufficientData        = errors.New("insufficient data for training")
	ErrFeatureMismatch         = errors.New("feature width does not match the model")
	ErrUnsupportedModelVersion = errors.New("unsupported model schema version")
	ErrInvalidFeature          = errors.New("feature value is not finite")
)

type Config struct {
	Trees         int     `json:"trees"`
	MaxSamples    int     `json:"max_samples"`
	MaxFeatures   float64 `json:"max_features"`
	Contamination float64 `json:"contamination"`
	Bootstrap     bool    `json:"bootstrap"`
	Seed          int64   `json:"seed"`
}

func DefaultConfig() Config {
	return Config{
		Trees:         50,
		MaxSamples:    256,
		MaxFeatures:   0.5,
		Contamination: 0.01,
		Bootstrap:     true,
		Seed:          42,
	}
}

// Result is the model output for one row. Score is the decision value: below zero is
// anomalous, and lower means easier to isolate.
type Result struct {
	Score   float64
	Anomaly bool
}

// model is an immutable trained snapshot.
type model struct {
	config       Config
	width        int
	scaler       Scaler
	forest       *Forest
	offset       float64
	trainedAt    time.Time
	trainingRows int
}

// Scorer wraps an isolation forest with its scaler. Train replaces the snapshot atomically;
// Score only reads it and may run concurrently with other Score calls.
type Scorer struct {
	config Config
	logger *zap.Logger

	mu    sync.RWMutex
	model *model
}

func NewScorer(cfg Config, logger *zap.Logger) *Scorer {
	if logger == nil {
		logger = util.Named("scoring")
	}
	return &Scorer{config: cfg, logger: logger}
}

func (s *Scorer) Trained() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.model != nil
}

// Train fits the scaler and the forest on vectors. On any error the previous model, if
// any, stays in place.
func (s *Scorer) Train(ctx context.Context, vectors []models.FeatureVector) error {
	return s.TrainMatrix(ctx, models.Matrix(vectors))
}

func (s *Scorer) TrainMatrix(ctx context.Context, rows [][]float64) error {
	if len(rows) < MinTrainingRows {
		s.logger.Warn("Not enough rows to train the anomaly model",
			zap.Int("rows", len(rows)),
			zap.Int("required", MinTrainingRows),
		)
		return ErrInsufficientData
	}
	width := len(rows[0])
	if err := checkRows(rows, width); err != nil {
		return err
	}

	start := time.Now()
	scaler := fitScaler(rows)
	scaled := scaler.transform(rows)

	forest, err := buildForest(ctx, scaled, forestParams{
		trees:       s.config.Trees,
		maxSamples:  s.config.MaxSamples,
		maxFeatures: s.config.MaxFeatures,
		bootstrap:   s.config.Bootstrap,
		seed:        s.config.Seed,
	})
	if err != nil {
		return fmt.Errorf("failed to build isolation forest: %w", err)
	}

	training := make([]float64, len(scaled))
	for i, row := range scaled {
		training[i] = forest.scoreSample(row)
	}

	m := &model{
		config:       s.config,
		width:        width,
		scaler:       scaler,
		forest:       forest,
		offset:       percentile(training, 100*s.config.Contamination),
		trainedAt:    time.Now().UTC(),
		trainingRows: len(rows),
	}

	s.mu.Lock()
	s.model = m
	s.mu.Unlock()

	s.logger.Info("Anomaly model trained",
		zap.Int("rows", len(rows)),
		zap.Int("trees", len(forest.Trees)),
		zap.Int("sample_size", forest.SampleSize),
		zap.Float64("offset", m.offset),
		zap.Duration("duration", time.Since(start)),
	)
	return nil
}

// Score returns one Result per vector, in input order.
func (s *Scorer) Score(vectors []models.FeatureVector) ([]Result, error) {
	return s.ScoreMatrix(models.Matrix(vectors))
}

func (s *Scorer) ScoreMatrix(rows [][]float64) ([]Result, error) {
	s.mu.RLock()
	m := s.model
	s.mu.RUnlock()

	if m == nil {
		return nil, ErrNotTrained
	}
	if err := checkRows(rows, m.width); err != nil {
		return nil, err
	}

	scaled := m.scaler.transform(rows)
	out := make([]Result, len(scaled))
	for i, row := range scaled {
		decision := m.forest.scoreSample(row) - m.offset
		out[i] = Result{Score: decision, Anomaly: decision < 0}
	}
	return out, nil
}

// ModelInfo describes the trained snapshot.
type ModelInfo struct {
	Config       Config    `json:"config"`
	Features     int       `json:"features"`
	Offset       float64   `json:"offset"`
	TrainedAt    time.Time `json:"trained_at"`
	TrainingRows int       `json:"training_rows"`
}

func (s *Scorer) Info() (ModelInfo, error) {
	s.mu.RLock()
	m := s.model
	s.mu.RUnlock()
	if m == nil {
		return ModelInfo{}, ErrNotTrained
	}
	return ModelInfo{
		Config:       m.config,
		Features:     m.width,
		Offset:       m.offset,
		TrainedAt:    m.trainedAt,
		TrainingRows: m.trainingRows,
	}, nil
}

func checkRows(rows [][]float64, width int) error {
	for i, row := range rows {
		if len(row) != width {
			return fmt.Errorf("row %d has %d columns, expected %d: %w", i, len(row), width, ErrFeatureMismatch)
		}
		for j, v := range row {
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return fmt.Errorf("row %d column %d: %w", i, j, ErrInvalidFeature)
			}
		}
	}
	return nil
}

// percentile uses linear interpolation between closest ranks, the numpy default.
func percentile(values []float64, p float64) float64 {
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)

	if len(sorted) == 1 {
		return sorted[0]
	}
	pos := p / 100 * float64(len(sorted)-1)
	lo := int(math.Floor(pos))
	hi := int(math.Ceil(pos))
	if lo < 0 {
		lo = 0
	}
	if hi >= len(sorted) {
		hi = len(sorted) - 1
	}
	frac := pos - float64(lo)
	return sorted[lo] + frac*(sorted[hi]-sorted[lo])
}
