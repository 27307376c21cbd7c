package features

import (
	"errors"
	"math"

	"go.uber.org/zap"

	"auth-advisor/internal/models"
	"auth-advisor/internal/parser"
	"auth-advisor/internal/profile"
	"auth-advisor/internal/util"
)

// MinBatchSize is the smallest batch worth turning into features.
const MinBatchSize = 5

var (
	ErrInsufficientData = errors.New("insufficient data for feature extraction")
)

// Extraction holds the feature rows and behavior flags for a batch. Both slices are aligned
// with the input batch: row i describes events[i].
type Extraction struct {
	Vectors []models.FeatureVector
	Flags   []models.BehaviorFlags
}

func (e *Extraction) Len() int {
	if e == nil {
		return 0
	}
	return len(e.Vectors)
}

type Extractor struct {
	profiles *profile.Store
	logger   *zap.Logger
}

func NewExtractor(profiles *profile.Store, logger *zap.Logger) *Extractor {
	if logger == nil {
		logger = util.Named("features")
	}
	return &Extractor{profiles: profiles, logger: logger}
}

func (x *Extractor) Profiles() *profile.Store {
	return x.profiles
}

// Extract computes one FeatureVector per event and feeds the batch into the profile store.
// Batches smaller than MinBatchSize return an empty Extraction and ErrInsufficientData
// without touching the store.
func (x *Extractor) Extract(events []models.AuthEvent) (*Extraction, error) {
	if len(events) < MinBatchSize {
		x.logger.Warn("Batch too small for feature extraction",
			zap.Int("events", len(events)),
			zap.Int("required", MinBatchSize),
		)
		return &Extraction{}, ErrInsufficientData
	}

	n := len(events)
	out := &Extraction{
		Vectors: make([]models.FeatureVector, n),
		Flags:   make([]models.BehaviorFlags, n),
	}

	userCodes := make(map[string]int)
	failures := make(map[string]int)
	totals := make(map[string]int)
	for _, ev := range events {
		if _, ok := userCodes[ev.User]; !ok {
			userCodes[ev.User] = len(userCodes)
		}
		totals[ev.User]++
		if ev.Failed() {
			failures[ev.User]++
		}
	}

	order := timeOrder(events)
	perUser := newWindowCounter(FrequencyWindow)
	perPair := newWindowCounter(BurstWindow)
	for _, i := range order {
		perUser.add(events[i].User, events[i].Timestamp)
		perPair.add(pairKey(events[i].User, events[i].Address), events[i].Timestamp)
	}

	for _, i := range order {
		ev := events[i]

		out.Flags[i] = models.BehaviorFlags{
			UnusualAddress: x.profiles.IsUnusual(ev.User, ev.Address),
			HighFrequency:  perPair.count(pairKey(ev.User, ev.Address), ev.Timestamp) > BurstThreshold,
		}
		x.profiles.Observe(ev)

		hour := float64(ev.Hour)
		angle := 2 * math.Pi * hour / 24
		out.Vectors[i] = models.FeatureVector{
			Hour:             hour,
			DayOfWeek:        float64(ev.DayOfWeek),
			IsWeekend:        boolToFloat(ev.IsWeekend),
			UserCode:         float64(userCodes[ev.User]),
			FirstOctet:       float64(parser.FirstOctet(ev.Address)),
			FailureRate:      finite(float64(failures[ev.User]) / float64(totals[ev.User])),
			RequestFrequency: finite(float64(perUser.count(ev.User, ev.Timestamp)) / 60.0),
			IsFailed:         boolToFloat(ev.Failed()),
			HourSin:          finite(math.Sin(angle)),
			HourCos:          finite(math.Cos(angle)),
		}
	}

	x.logger.Debug("Features extracted",
		zap.Int("rows", n),
		zap.Int("users", len(userCodes)),
	)
	return out, nil
}

func boolToFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

func finite(v float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}
	return v
}
