package source

import (
	"context"
	"errors"
	"sort"
	"time"

	"auth-advisor/internal/models"
)

var (
	ErrSourceUnavailable = errors.New("event source unavailable")
)

// Source supplies the authentication events of a trailing window, oldest first.
type Source interface {
	Name() string
	Collect(ctx context.Context, lookback time.Duration) ([]models.AuthEvent, error)
}

// wallClock drops the location of t while keeping its wall time. Log timestamps carry no
// zone and are parsed as UTC, so cut-offs must be compared the same way.
func wallClock(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), t.Second(), 0, time.UTC)
}

func sortByTime(events []models.AuthEvent) {
	sort.SliceStable(events, func(i, j int) bool {
		return events[i].Timestamp.Before(events[j].Timestamp)
	})
}

func within(events []models.AuthEvent, cutoff time.Time) []models.AuthEvent {
	out := events[:0]
	for _, ev := range events {
		if !ev.Timestamp.Before(cutoff) {
			out = append(out, ev)
		}
	}
	return out
}
