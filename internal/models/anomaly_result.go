package models

// AnomalyResult is an AuthEvent after scoring. Score follows the isolation forest decision
// convention: negative means anomalous, and the further below zero the stronger the signal.
type AnomalyResult struct {
	AuthEvent
	Score          float64 `json:"anomaly_score" db:"anomaly_score"`
	Anomaly        bool    `json:"is_anomaly" db:"is_anomaly"`
	UnusualAddress bool    `json:"unusual_ip"`
	HighFrequency  bool    `json:"high_frequency"`
}

// Anomalous returns the subset of results whose anomaly flag is set, in input order.
func Anomalous(results []AnomalyResult) []AnomalyResult {
	out := make([]AnomalyResult, 0, len(results))
	for _, r := range results {
		if r.Anomaly {
			out = append(out, r)
		}
	}
	return out
}
