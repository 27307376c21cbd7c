package features

import (
	"sort"
	"time"

	"auth-advisor/internal/models"
)

const (
	// FrequencyWindow is the trailing window used for the per-user request rate column.
	FrequencyWindow = 60 * time.Minute
	// BurstWindow is the trailing window for the per user+address burst check.
	BurstWindow = 5 * time.Minute
	// BurstThreshold is exceeded when more than this many events share a user and address
	// inside BurstWindow.
	BurstThreshold = 5
)

// timeOrder returns row indices ordered by timestamp. Rows with equal timestamps keep their
// input order.
func timeOrder(events []models.AuthEvent) []int {
	order := make([]int, len(events))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		return events[order[a]].Timestamp.Before(events[order[b]].Timestamp)
	})
	return order
}

// windowCounter counts, for a group of time-sorted timestamps, how many fall inside the
// closed interval [t-window, t]. Events sharing t's second are all counted, whichever
// side of the sort they landed on.
type windowCounter struct {
	window time.Duration
	groups map[string][]time.Time
}

func newWindowCounter(window time.Duration) *windowCounter {
	return &windowCounter{window: window, groups: make(map[string][]time.Time)}
}

// add must be called in timestamp order.
func (w *windowCounter) add(key string, ts time.Time) {
	w.groups[key] = append(w.groups[key], ts)
}

func (w *windowCounter) count(key string, ts time.Time) int {
	times := w.groups[key]
	start := ts.Add(-w.window)
	lo := sort.Search(len(times), func(i int) bool { return !times[i].Before(start) })
	hi := sort.Search(len(times), func(i int) bool { return times[i].After(ts) })
	if hi < lo {
		return 0
	}
	return hi - lo
}

func pairKey(user, addr string) string {
	return user + "\x00" + addr
}
