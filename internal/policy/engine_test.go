package policy

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"auth-advisor/internal/models"
)

var ts = time.Date(2024, 3, 15, 9, 0, 0, 0, time.UTC)

func result(user, addr string, kind models.EventKind, score float64, anomaly, unusual, highFreq bool) models.AnomalyResult {
	return models.AnomalyResult{
		AuthEvent:      models.NewAuthEvent(ts, user, addr, kind, ""),
		Score:          score,
		Anomaly:        anomaly,
		UnusualAddress: unusual,
		HighFrequency:  highFreq,
	}
}

func TestEvaluateRules(t *testing.T) {
	e := NewEngine(DefaultConfig())

	tests := []struct {
		name   string
		in     models.AnomalyResult
		expect []models.Recommendation
	}{
		{
			name:   "quiet event",
			in:     result("carol", "10.0.0.6", models.EventAuthSuccess, 0.1, false, false, false),
			expect: nil,
		},
		{
			name: "burst of failures blocks the address",
			in:   result("admin", "198.51.100.10", models.EventAuthFailed, -0.1, false, false, true),
			expect: []models.Recommendation{{
				Action:          models.ActionTemporaryBlock,
				Target:          "198.51.100.10",
				Reason:          "High frequency of failed attempts from 198.51.100.10",
				Priority:        models.PriorityHigh,
				Score:           0.4,
				DurationMinutes: 30,
			}},
		},
		{
			name:   "burst of successes is not blocked",
			in:     result("admin", "198.51.100.10", models.EventAuthSuccess, -0.1, false, false, true),
			expect: nil,
		},
		{
			name: "failure from unusual address forces mfa",
			in:   result("alice", "203.0.113.5", models.EventAuthFailed, -0.05, false, true, false),
			expect: []models.Recommendation{{
				Action:   models.ActionForceMFA,
				Target:   "alice",
				Reason:   "Failed attempt from unusual IP 203.0.113.5",
				Priority: models.PriorityMedium,
				Score:    0.25,
			}},
		},
		{
			name: "success from unusual internal address notifies",
			in:   result("bob", "192.168.1.11", models.EventAuthSuccess, 0.12, false, true, false),
			expect: []models.Recommendation{{
				Action:   models.ActionNotifyUser,
				Target:   "bob",
				Reason:   "Successful login from unusual IP 192.168.1.11 (internal network)",
				Priority: models.PriorityLow,
				Score:    0.12,
			}},
		},
		{
			name: "strong anomaly asks for review with medium priority",
			in:   result("dave", "10.0.0.5", models.EventAuthSuccess, -0.75, true, false, false),
			expect: []models.Recommendation{{
				Action:   models.ActionReviewSession,
				Target:   "dave",
				Reason:   "Anomalous access pattern (score: 0.75)",
				Priority: models.PriorityMedium,
				Score:    0.75,
			}},
		},
		{
			name:   "anomaly under the risk threshold is ignored",
			in:     result("dave", "10.0.0.5", models.EventAuthSuccess, -0.7, true, false, false),
			expect: nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := e.Evaluate(tt.in)
			require.Len(t, got, len(tt.expect))
			for i := range tt.expect {
				assert.Equal(t, tt.expect[i].Action, got[i].Action)
				assert.Equal(t, tt.expect[i].Target, got[i].Target)
				assert.Equal(t, tt.expect[i].Reason, got[i].Reason)
				assert.Equal(t, tt.expect[i].Priority, got[i].Priority)
				assert.InDelta(t, tt.expect[i].Score, got[i].Score, 1e-9)
				assert.Equal(t, tt.expect[i].DurationMinutes, got[i].DurationMinutes)
			}
		})
	}
}

func TestEvaluateFiresAllMatchingRules(t *testing.T) {
	e := NewEngine(DefaultConfig())
	in := result("admin", "203.0.113.5", models.EventAuthFailed, -0.95, true, true, true)

	got := e.Evaluate(in)
	require.Len(t, got, 3)
	assert.Equal(t, models.ActionTemporaryBlock, got[0].Action)
	assert.Equal(t, 1.0, got[0].Score, "score is capped at one")
	assert.Equal(t, models.ActionForceMFA, got[1].Action)
	assert.Equal(t, 1.0, got[1].Score)
	assert.Equal(t, models.ActionReviewSession, got[2].Action)
	assert.Equal(t, models.PriorityHigh, got[2].Priority)
}

func TestEvaluateIsPure(t *testing.T) {
	e := NewEngine(DefaultConfig())
	in := result("admin", "203.0.113.5", models.EventAuthFailed, -0.85, true, true, true)
	snapshot := in

	first := e.Evaluate(in)
	second := e.Evaluate(in)

	assert.Equal(t, first, second)
	assert.Equal(t, snapshot, in)
}

func TestDeduplicateKeepsHighestScore(t *testing.T) {
	recs := []models.Recommendation{
		{Action: models.ActionForceMFA, Target: "alice", Score: 0.3, Reason: "first"},
		{Action: models.ActionNotifyUser, Target: "bob", Score: 0.5},
		{Action: models.ActionForceMFA, Target: "alice", Score: 0.6, Reason: "second"},
		{Action: models.ActionForceMFA, Target: "bob", Score: 0.5},
		{Action: models.ActionForceMFA, Target: "alice", Score: 0.4, Reason: "third"},
	}

	got := Deduplicate(recs)
	require.Len(t, got, 3)
	assert.Equal(t, "alice", got[0].Target)
	assert.Equal(t, 0.6, got[0].Score)
	assert.Equal(t, "second", got[0].Reason)
	// equal scores keep first-seen order
	assert.Equal(t, models.ActionNotifyUser, got[1].Action)
	assert.Equal(t, models.ActionForceMFA, got[2].Action)
}

func TestGenerateReportEmptyBatch(t *testing.T) {
	e := NewEngine(DefaultConfig())

	report := e.GenerateReport(nil)
	assert.True(t, report.Clean())
	assert.Equal(t, 0, report.TotalEvents)
	assert.Empty(t, report.Recommendations)
	assert.NotEmpty(t, report.ID)
}

func TestGenerateReportQuietBatchIsClean(t *testing.T) {
	e := NewEngine(DefaultConfig())
	report := e.GenerateReport([]models.AnomalyResult{
		result("carol", "10.0.0.6", models.EventAuthSuccess, 0.1, false, false, false),
		result("dave", "10.0.0.5", models.EventAuthSuccess, 0.2, false, false, false),
	})

	assert.True(t, report.Clean())
	assert.Equal(t, 2, report.TotalEvents)
	assert.Len(t, report.SuspiciousIPs, 2)
}

func TestGenerateReportAggregates(t *testing.T) {
	e := NewEngine(DefaultConfig())
	results := []models.AnomalyResult{
		result("admin", "198.51.100.10", models.EventAuthFailed, -0.2, true, false, true),
		result("admin", "203.0.113.5", models.EventAuthFailed, -0.4, true, true, false),
		result("bob", "198.51.100.10", models.EventAuthSuccess, 0.1, false, false, false),
		result("carol", "10.0.0.6", models.EventAuthSuccess, 0.3, false, false, false),
	}

	report := e.GenerateReport(results)
	assert.False(t, report.Clean())
	assert.Equal(t, models.ReportStatusAnomalous, report.Status)
	assert.Equal(t, 4, report.TotalEvents)
	assert.Equal(t, 2, report.AnomalyCount)

	require.Len(t, report.HighRiskUsers, 1)
	assert.Equal(t, "admin", report.HighRiskUsers[0].User)
	assert.InDelta(t, -0.3, report.HighRiskUsers[0].AvgRiskScore, 1e-9)
	assert.Equal(t, 2, report.HighRiskUsers[0].UniqueIPs)

	require.Len(t, report.SuspiciousIPs, 3)
	assert.Equal(t, "10.0.0.6", report.SuspiciousIPs[0].IP)
	blocked := report.SuspiciousIPs[1]
	assert.Equal(t, "198.51.100.10", blocked.IP)
	assert.InDelta(t, -0.05, blocked.AvgRiskScore, 1e-9)
	assert.Equal(t, 2, blocked.UniqueUsers)
	assert.Equal(t, 1, blocked.FailedAttempts)

	require.Len(t, report.Recommendations, 2)
	assert.Equal(t, models.ActionForceMFA, report.Recommendations[0].Action)
	assert.InDelta(t, 0.6, report.Recommendations[0].Score, 1e-9)
	assert.Equal(t, models.ActionTemporaryBlock, report.Recommendations[1].Action)
	assert.InDelta(t, 0.5, report.Recommendations[1].Score, 1e-9)
}

func TestRecommendationsTruncatedToTopN(t *testing.T) {
	e := NewEngine(Config{RiskThreshold: 0.7, TopN: 3})
	var results []models.AnomalyResult
	for _, user := range []string{"u1", "u2", "u3", "u4", "u5"} {
		results = append(results, result(user, "203.0.113.5", models.EventAuthSuccess, 0.5, false, true, false))
	}

	recs := e.Recommendations(results)
	require.Len(t, recs, 3)
	assert.Equal(t, []string{"u1", "u2", "u3"}, []string{recs[0].Target, recs[1].Target, recs[2].Target})
}
