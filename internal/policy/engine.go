package policy

import (
	"fmt"
	"math"

	"auth-advisor/internal/models"
	"auth-advisor/internal/parser"
)

type Config struct {
	RiskThreshold        float64
	BlockDurationMinutes int
	TopN                 int
}

func DefaultConfig() Config {
	return Config{
		RiskThreshold:        0.7,
		BlockDurationMinutes: 30,
		TopN:                 10,
	}
}

// Engine turns scored events into remediation recommendations. Evaluate is a pure function
// of its argument and the engine configuration.
type Engine struct {
	config Config
}

func NewEngine(cfg Config) *Engine {
	if cfg.TopN <= 0 {
		cfg.TopN = DefaultConfig().TopN
	}
	if cfg.BlockDurationMinutes <= 0 {
		cfg.BlockDurationMinutes = DefaultConfig().BlockDurationMinutes
	}
	return &Engine{config: cfg}
}

// Evaluate applies every rule to r and returns all that match, in rule order.
func (e *Engine) Evaluate(r models.AnomalyResult) []models.Recommendation {
	var recs []models.Recommendation
	risk := math.Abs(r.Score)
	failed := !r.Success()

	if r.HighFrequency && failed {
		recs = append(recs, models.Recommendation{
			Action:          models.ActionTemporaryBlock,
			Target:          r.Address,
			Reason:          addressReason("High frequency of failed attempts from %s", r.Address),
			Priority:        models.PriorityHigh,
			Score:           math.Min(risk+0.3, 1),
			DurationMinutes: e.config.BlockDurationMinutes,
		})
	}

	if r.UnusualAddress && failed {
		recs = append(recs, models.Recommendation{
			Action:   models.ActionForceMFA,
			Target:   r.User,
			Reason:   addressReason("Failed attempt from unusual IP %s", r.Address),
			Priority: models.PriorityMedium,
			Score:    math.Min(risk+0.2, 1),
		})
	}

	if r.UnusualAddress && !failed {
		recs = append(recs, models.Recommendation{
			Action:   models.ActionNotifyUser,
			Target:   r.User,
			Reason:   addressReason("Successful login from unusual IP %s", r.Address),
			Priority: models.PriorityLow,
			Score:    math.Min(risk, 1),
		})
	}

	if r.Anomaly && risk > e.config.RiskThreshold {
		priority := models.PriorityHigh
		if risk < 0.8 {
			priority = models.PriorityMedium
		}
		recs = append(recs, models.Recommendation{
			Action:   models.ActionReviewSession,
			Target:   r.User,
			Reason:   fmt.Sprintf("Anomalous access pattern (score: %.2f)", risk),
			Priority: priority,
			Score:    math.Min(risk, 1),
		})
	}

	return recs
}

func addressReason(format, addr string) string {
	reason := fmt.Sprintf(format, addr)
	if parser.IsInternalAddress(addr) {
		reason += " (internal network)"
	}
	return reason
}
