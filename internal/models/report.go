package models

import "time"

const (
	ReportStatusClean     = "clean"
	ReportStatusAnomalous = "anomalies_detected"
)

type Report struct {
	ID              string           `json:"id"`
	Status          string           `json:"status"`
	Message         string           `json:"message,omitempty"`
	GeneratedAt     time.Time        `json:"timestamp"`
	TotalEvents     int              `json:"total_events"`
	AnomalyCount    int              `json:"anomaly_count"`
	HighRiskUsers   []UserRisk       `json:"high_risk_users"`
	SuspiciousIPs   []AddressRisk    `json:"suspicious_ips"`
	Recommendations []Recommendation `json:"recommendations"`
}

type UserRisk struct {
	User         string  `json:"user"`
	AvgRiskScore float64 `json:"avg_risk_score"`
	UniqueIPs    int     `json:"unique_ips"`
}

type AddressRisk struct {
	IP             string  `json:"ip"`
	AvgRiskScore   float64 `json:"avg_risk_score"`
	UniqueUsers    int     `json:"unique_users"`
	FailedAttempts int     `json:"failed_attempts"`
}

func (r Report) Clean() bool {
	return r.Status == ReportStatusClean
}
