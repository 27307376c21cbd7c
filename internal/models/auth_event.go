package models

import "time"

type EventKind string

const (
	EventAuthSuccess EventKind = "auth_success"
	EventAuthFailed  EventKind = "auth_failed"
)

// AuthEvent is one normalized authentication attempt taken from an identity service log.
type AuthEvent struct {
	Timestamp time.Time `json:"timestamp" db:"timestamp"`
	User      string    `json:"user" db:"user"`
	Address   string    `json:"ip" db:"ip"`
	Kind      EventKind `json:"event_type" db:"event_type"`
	Hour      int       `json:"hour"`
	DayOfWeek int       `json:"day_of_week"` // Monday = 0
	IsWeekend bool      `json:"is_weekend"`
	RawLine   string    `json:"raw_line,omitempty" db:"raw_line"`
}

// NewAuthEvent builds an event and derives its calendar fields from the timestamp as written,
// without any timezone conversion.
func NewAuthEvent(ts time.Time, user, address string, kind EventKind, raw string) AuthEvent {
	ts = ts.Truncate(time.Second)
	dow := (int(ts.Weekday()) + 6) % 7
	return AuthEvent{
		Timestamp: ts,
		User:      user,
		Address:   address,
		Kind:      kind,
		Hour:      ts.Hour(),
		DayOfWeek: dow,
		IsWeekend: dow >= 5,
		RawLine:   raw,
	}
}

func (e AuthEvent) Success() bool {
	return e.Kind == EventAuthSuccess
}

func (e AuthEvent) Failed() bool {
	return e.Kind == EventAuthFailed
}
