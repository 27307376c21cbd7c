package clickhouse

import (
	"context"
	"fmt"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"go.uber.org/zap"

	"auth-advisor/internal/client"
	"auth-advisor/internal/models"
	"auth-advisor/internal/repository"
	"auth-advisor/internal/util"
)

const (
	createEventsTable = `CREATE TABLE IF NOT EXISTS auth_events (
    timestamp     DateTime,
    user          LowCardinality(String),
    ip            String,
    event_type    LowCardinality(String),
    success       Bool,
    anomaly_score Float64,
    is_anomaly    Bool,
    raw_line      String,
    created_at    DateTime DEFAULT now()
) ENGINE = MergeTree
ORDER BY (user, timestamp)`

	createAnomaliesTable = `CREATE TABLE IF NOT EXISTS anomalies (
    detected_at  DateTime,
    user         LowCardinality(String),
    ip           String,
    anomaly_type LowCardinality(String),
    score        Float64,
    description  String,
    resolved     Bool DEFAULT false,
    created_at   DateTime DEFAULT now()
) ENGINE = MergeTree
ORDER BY (detected_at, user)`

	insertEvents    = `INSERT INTO auth_events (timestamp, user, ip, event_type, success, anomaly_score, is_anomaly, raw_line)`
	insertAnomalies = `INSERT INTO anomalies (detected_at, user, ip, anomaly_type, score, description)`
)

// Conn is the part of the ClickHouse client the event store needs.
type Conn interface {
	Exec(ctx context.Context, query string, args ...interface{}) error
	BatchInsert(ctx context.Context, query string, data [][]interface{}) error
	QueryRows(ctx context.Context, query string, args ...interface{}) (driver.Rows, error)
	HealthCheck(ctx context.Context) error
	Close() error
}

var _ Conn = (*client.ClickHouseClient)(nil)

// EventStore appends scored events to ClickHouse for long-term analytics.
type EventStore struct {
	conn Conn
}

var _ repository.EventStore = (*EventStore)(nil)

func NewEventStore(ctx context.Context, conn Conn) (*EventStore, error) {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	for _, ddl := range []string{createEventsTable, createAnomaliesTable} {
		if err := conn.Exec(ctx, ddl); err != nil {
			return nil, fmt.Errorf("failed to create clickhouse tables: %w", err)
		}
	}
	return &EventStore{conn: conn}, nil
}

func (s *EventStore) SaveResults(ctx context.Context, results []models.AnomalyResult) error {
	if len(results) == 0 {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	events := make([][]interface{}, 0, len(results))
	for _, r := range results {
		events = append(events, []interface{}{
			r.Timestamp.UTC(), r.User, r.Address, string(r.Kind),
			r.Success(), r.Score, r.Anomaly, r.RawLine,
		})
	}
	if err := s.conn.BatchInsert(ctx, insertEvents, events); err != nil {
		util.Error("Failed to insert events into clickhouse", zap.Int("events", len(events)), zap.Error(err))
		return fmt.Errorf("failed to insert events: %w", err)
	}

	records := repository.AnomalyRecords(results)
	if len(records) == 0 {
		return nil
	}
	anomalies := make([][]interface{}, 0, len(records))
	for _, rec := range records {
		anomalies = append(anomalies, []interface{}{
			rec.DetectedAt.UTC(), rec.User, rec.IP, rec.Type, rec.Score, rec.Description,
		})
	}
	if err := s.conn.BatchInsert(ctx, insertAnomalies, anomalies); err != nil {
		util.Error("Failed to insert anomalies into clickhouse", zap.Int("anomalies", len(anomalies)), zap.Error(err))
		return fmt.Errorf("failed to insert anomalies: %w", err)
	}

	util.Debug("Stored scored events in clickhouse",
		zap.Int("events", len(events)),
		zap.Int("anomalies", len(anomalies)))
	return nil
}

func (s *EventStore) RecentAnomalies(ctx context.Context, limit int) ([]repository.AnomalyRecord, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := s.conn.QueryRows(ctx, `SELECT user, ip, anomaly_type, score, description, resolved, detected_at
        FROM anomalies WHERE resolved = false
        ORDER BY detected_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query anomalies: %w", err)
	}
	defer rows.Close()

	var out []repository.AnomalyRecord
	for rows.Next() {
		var rec repository.AnomalyRecord
		if err := rows.Scan(&rec.User, &rec.IP, &rec.Type, &rec.Score, &rec.Description, &rec.Resolved, &rec.DetectedAt); err != nil {
			return nil, fmt.Errorf("scan anomaly: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// ResolveAnomalies issues an ALTER ... UPDATE mutation. The count is taken just before the
// mutation, since ClickHouse does not report affected rows.
func (s *EventStore) ResolveAnomalies(ctx context.Context, user string) (int64, error) {
	open, err := s.count(ctx, `SELECT count() FROM anomalies WHERE user = ? AND resolved = false`, user)
	if err != nil {
		return 0, fmt.Errorf("count open anomalies: %w", err)
	}
	if open == 0 {
		return 0, nil
	}
	if err := s.conn.Exec(ctx, `ALTER TABLE anomalies UPDATE resolved = true WHERE user = ? AND resolved = false`, user); err != nil {
		return 0, fmt.Errorf("resolve anomalies: %w", err)
	}
	util.Info("Resolved anomalies", zap.String("user", user), zap.Uint64("count", open))
	return int64(open), nil
}

func (s *EventStore) CountEvents(ctx context.Context, user string) (int, error) {
	var (
		n   uint64
		err error
	)
	if user == "" {
		n, err = s.count(ctx, `SELECT count() FROM auth_events`)
	} else {
		n, err = s.count(ctx, `SELECT count() FROM auth_events WHERE user = ?`, user)
	}
	if err != nil {
		return 0, fmt.Errorf("count events: %w", err)
	}
	return int(n), nil
}

func (s *EventStore) count(ctx context.Context, query string, args ...interface{}) (uint64, error) {
	rows, err := s.conn.QueryRows(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	defer rows.Close()

	var n uint64
	if rows.Next() {
		if err := rows.Scan(&n); err != nil {
			return 0, err
		}
	}
	return n, rows.Err()
}

func (s *EventStore) Ping(ctx context.Context) error {
	return s.conn.HealthCheck(ctx)
}

func (s *EventStore) Close() error {
	return s.conn.Close()
}
