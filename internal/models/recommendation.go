package models

type Action string

const (
	ActionTemporaryBlock Action = "temporary_block"
	ActionForceMFA       Action = "force_mfa"
	ActionNotifyUser     Action = "notify_user"
	ActionReviewSession  Action = "review_session"
)

type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
)

type Recommendation struct {
	Action          Action   `json:"action"`
	Target          string   `json:"target"`
	Reason          string   `json:"reason"`
	Priority        Priority `json:"priority"`
	Score           float64  `json:"score"`
	DurationMinutes int      `json:"duration_minutes,omitempty"`
}

// Key identifies recommendations that describe the same remediation.
func (r Recommendation) Key() string {
	return string(r.Action) + "-" + r.Target
}
