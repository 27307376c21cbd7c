package policy

import (
	"sort"
	"time"

	"github.com/google/uuid"

	"auth-advisor/internal/models"
)

// Deduplicate keeps one recommendation per action and target, the one with the highest
// score, and orders the survivors by score descending. Equal scores keep the order in which
// their key first appeared.
func Deduplicate(recs []models.Recommendation) []models.Recommendation {
	index := make(map[string]int, len(recs))
	unique := make([]models.Recommendation, 0, len(recs))
	for _, rec := range recs {
		key := rec.Key()
		if i, ok := index[key]; ok {
			if rec.Score > unique[i].Score {
				unique[i] = rec
			}
			continue
		}
		index[key] = len(unique)
		unique = append(unique, rec)
	}

	sort.SliceStable(unique, func(i, j int) bool {
		return unique[i].Score > unique[j].Score
	})
	return unique
}

// Recommendations evaluates every result and returns the deduplicated top N.
func (e *Engine) Recommendations(results []models.AnomalyResult) []models.Recommendation {
	var all []models.Recommendation
	for _, r := range results {
		all = append(all, e.Evaluate(r)...)
	}
	recs := Deduplicate(all)
	if len(recs) > e.config.TopN {
		recs = recs[:e.config.TopN]
	}
	return recs
}

// GenerateReport summarizes a scored batch. Per-user figures cover anomalous rows, per-address
// figures cover the whole batch.
func (e *Engine) GenerateReport(results []models.AnomalyResult) models.Report {
	report := models.Report{
		ID:              uuid.New().String(),
		Status:          models.ReportStatusClean,
		GeneratedAt:     time.Now().UTC(),
		TotalEvents:     len(results),
		HighRiskUsers:   []models.UserRisk{},
		SuspiciousIPs:   []models.AddressRisk{},
		Recommendations: []models.Recommendation{},
	}
	if len(results) == 0 {
		report.Message = "No events to analyze"
		return report
	}

	anomalous := models.Anomalous(results)
	report.AnomalyCount = len(anomalous)
	report.HighRiskUsers = userRisks(anomalous)
	report.SuspiciousIPs = addressRisks(results)
	report.Recommendations = e.Recommendations(results)

	if report.AnomalyCount == 0 && len(report.Recommendations) == 0 {
		report.Message = "No anomalies detected"
		return report
	}
	report.Status = models.ReportStatusAnomalous
	return report
}

type userAgg struct {
	scoreSum  float64
	rows      int
	addresses map[string]struct{}
}

func userRisks(results []models.AnomalyResult) []models.UserRisk {
	aggs := make(map[string]*userAgg)
	for _, r := range results {
		a, ok := aggs[r.User]
		if !ok {
			a = &userAgg{addresses: make(map[string]struct{})}
			aggs[r.User] = a
		}
		a.scoreSum += r.Score
		a.rows++
		a.addresses[r.Address] = struct{}{}
	}

	out := make([]models.UserRisk, 0, len(aggs))
	for user, a := range aggs {
		out = append(out, models.UserRisk{
			User:         user,
			AvgRiskScore: a.scoreSum / float64(a.rows),
			UniqueIPs:    len(a.addresses),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].User < out[j].User })
	return out
}

type addressAgg struct {
	scoreSum float64
	rows     int
	users    map[string]struct{}
	failed   int
}

func addressRisks(results []models.AnomalyResult) []models.AddressRisk {
	aggs := make(map[string]*addressAgg)
	for _, r := range results {
		a, ok := aggs[r.Address]
		if !ok {
			a = &addressAgg{users: make(map[string]struct{})}
			aggs[r.Address] = a
		}
		a.scoreSum += r.Score
		a.rows++
		a.users[r.User] = struct{}{}
		if r.Failed() {
			a.failed++
		}
	}

	out := make([]models.AddressRisk, 0, len(aggs))
	for ip, a := range aggs {
		out = append(out, models.AddressRisk{
			IP:             ip,
			AvgRiskScore:   a.scoreSum / float64(a.rows),
			UniqueUsers:    len(a.users),
			FailedAttempts: a.failed,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].IP < out[j].IP })
	return out
}
