package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"auth-advisor/internal/models"
	"auth-advisor/internal/profile"
)

var (
	ErrNotFound = errors.New("not found")
)

// ModelStore persists the serialized anomaly model.
type ModelStore interface {
	Save(ctx context.Context, blob []byte) error
	Load(ctx context.Context) ([]byte, error)
}

// ProfileRepository persists ProfileStore snapshots between runs.
type ProfileRepository interface {
	SaveProfiles(ctx context.Context, profiles []profile.UserProfile) error
	LoadProfiles(ctx context.Context) ([]profile.UserProfile, error)
}

// EventStore keeps scored events and the anomalies raised on them.
type EventStore interface {
	SaveResults(ctx context.Context, results []models.AnomalyResult) error
	RecentAnomalies(ctx context.Context, limit int) ([]AnomalyRecord, error)
	// ResolveAnomalies closes every open anomaly of user and reports how many were closed.
	ResolveAnomalies(ctx context.Context, user string) (int64, error)
	// CountEvents counts stored events for user, or for everyone when user is empty.
	CountEvents(ctx context.Context, user string) (int, error)
	Ping(ctx context.Context) error
	Close() error
}

// Blocklist is the read and release side of the temporary address blocks.
type Blocklist interface {
	List(ctx context.Context) ([]BlockEntry, error)
	IsBlocked(ctx context.Context, addr string) (bool, error)
	Unblock(ctx context.Context, addr string) error
}

// BlockEntry is one address currently held on the blocklist.
type BlockEntry struct {
	Address string        `json:"ip"`
	Reason  string        `json:"reason"`
	TTL     time.Duration `json:"ttl"`
}

const (
	AnomalyTypeModel         = "isolation_forest"
	AnomalyTypeUnusualIP     = "unusual_ip"
	AnomalyTypeHighFrequency = "high_frequency"
)

// AnomalyRecord is one row of the anomalies table.
type AnomalyRecord struct {
	User        string    `json:"user"`
	IP          string    `json:"ip"`
	Type        string    `json:"anomaly_type"`
	Score       float64   `json:"score"`
	Description string    `json:"description"`
	Resolved    bool      `json:"resolved"`
	DetectedAt  time.Time `json:"detected_at"`
}

// AnomalyRecords derives one record per raised signal, so a single event can produce up to
// three rows.
func AnomalyRecords(results []models.AnomalyResult) []AnomalyRecord {
	var out []AnomalyRecord
	for _, r := range results {
		if r.Anomaly {
			out = append(out, AnomalyRecord{
				User:        r.User,
				IP:          r.Address,
				Type:        AnomalyTypeModel,
				Score:       r.Score,
				Description: fmt.Sprintf("Anomalous %s (score: %.4f)", r.Kind, r.Score),
				DetectedAt:  r.Timestamp,
			})
		}
		if r.UnusualAddress {
			out = append(out, AnomalyRecord{
				User:        r.User,
				IP:          r.Address,
				Type:        AnomalyTypeUnusualIP,
				Score:       r.Score,
				Description: fmt.Sprintf("%s from address outside the usual set", r.Kind),
				DetectedAt:  r.Timestamp,
			})
		}
		if r.HighFrequency {
			out = append(out, AnomalyRecord{
				User:        r.User,
				IP:          r.Address,
				Type:        AnomalyTypeHighFrequency,
				Score:       r.Score,
				Description: "Burst of attempts from the same address",
				DetectedAt:  r.Timestamp,
			})
		}
	}
	return out
}
