package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"auth-advisor/internal/models"
	"auth-advisor/internal/repository"
	"auth-advisor/internal/util"
)

var migrations = []struct {
	version int
	sql     string
}{
	{
		version: 1,
		sql: `
CREATE TABLE IF NOT EXISTS auth_events (
    id            INTEGER PRIMARY KEY AUTOINCREMENT,
    timestamp     DATETIME NOT NULL,
    user          TEXT NOT NULL,
    ip            TEXT NOT NULL,
    event_type    TEXT NOT NULL,
    success       BOOLEAN NOT NULL,
    anomaly_score REAL,
    is_anomaly    BOOLEAN,
    raw_line      TEXT,
    created_at    DATETIME DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_auth_events_timestamp ON auth_events(timestamp);
CREATE INDEX IF NOT EXISTS idx_auth_events_user ON auth_events(user);

CREATE TABLE IF NOT EXISTS anomalies (
    id           INTEGER PRIMARY KEY AUTOINCREMENT,
    event_id     INTEGER,
    user         TEXT NOT NULL,
    ip           TEXT NOT NULL,
    anomaly_type TEXT NOT NULL,
    score        REAL NOT NULL,
    description  TEXT,
    resolved     BOOLEAN DEFAULT 0,
    created_at   DATETIME DEFAULT CURRENT_TIMESTAMP,
    FOREIGN KEY (event_id) REFERENCES auth_events(id)
);
CREATE INDEX IF NOT EXISTS idx_anomalies_user ON anomalies(user);
`,
	},
	{
		version: 2,
		sql: `
ALTER TABLE anomalies ADD COLUMN detected_at DATETIME;
CREATE INDEX IF NOT EXISTS idx_anomalies_detected_at ON anomalies(detected_at DESC);
`,
	},
}

const timeLayout = "2006-01-02 15:04:05"

// EventStore keeps scored events in a local SQLite database.
type EventStore struct {
	db *sql.DB
}

var _ repository.EventStore = (*EventStore)(nil)

func NewEventStore(path string) (*EventStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %q: %w", path, err)
	}
	// a single writer avoids SQLITE_BUSY and keeps :memory: databases on one connection
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable WAL: %w", err)
	}
	if _, err := db.Exec(`PRAGMA foreign_keys=ON`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}

	s := &EventStore{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	util.Info("SQLite event store ready", zap.String("path", path))
	return s, nil
}

func (s *EventStore) migrate() error {
	_, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_versions (
        version    INTEGER PRIMARY KEY,
        applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
    )`)
	if err != nil {
		return fmt.Errorf("create schema_versions: %w", err)
	}

	for _, m := range migrations {
		var count int
		err := s.db.QueryRow(`SELECT COUNT(*) FROM schema_versions WHERE version = ?`, m.version).Scan(&count)
		if err != nil {
			return fmt.Errorf("check migration %d: %w", m.version, err)
		}
		if count > 0 {
			continue
		}

		if _, err := s.db.Exec(m.sql); err != nil {
			return fmt.Errorf("apply migration %d: %w", m.version, err)
		}
		if _, err := s.db.Exec(`INSERT INTO schema_versions(version) VALUES(?)`, m.version); err != nil {
			return fmt.Errorf("record migration %d: %w", m.version, err)
		}
	}
	return nil
}

func (s *EventStore) Close() error { return s.db.Close() }

func (s *EventStore) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

// SaveResults writes every result to auth_events and its raised signals to anomalies in one
// transaction.
func (s *EventStore) SaveResults(ctx context.Context, results []models.AnomalyResult) error {
	if len(results) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	eventStmt, err := tx.PrepareContext(ctx, `INSERT INTO auth_events
        (timestamp, user, ip, event_type, success, anomaly_score, is_anomaly, raw_line)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare event insert: %w", err)
	}
	defer eventStmt.Close()

	anomalyStmt, err := tx.PrepareContext(ctx, `INSERT INTO anomalies
        (event_id, user, ip, anomaly_type, score, description, detected_at)
        VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare anomaly insert: %w", err)
	}
	defer anomalyStmt.Close()

	anomalies := 0
	for _, r := range results {
		res, err := eventStmt.ExecContext(ctx,
			r.Timestamp.UTC().Format(timeLayout), r.User, r.Address, string(r.Kind),
			r.Success(), r.Score, r.Anomaly, r.RawLine)
		if err != nil {
			return fmt.Errorf("insert event: %w", err)
		}
		eventID, err := res.LastInsertId()
		if err != nil {
			return fmt.Errorf("event id: %w", err)
		}

		for _, rec := range repository.AnomalyRecords([]models.AnomalyResult{r}) {
			if _, err := anomalyStmt.ExecContext(ctx,
				eventID, rec.User, rec.IP, rec.Type, rec.Score, rec.Description,
				rec.DetectedAt.UTC().Format(timeLayout)); err != nil {
				return fmt.Errorf("insert anomaly: %w", err)
			}
			anomalies++
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}

	util.Debug("Stored scored events", zap.Int("events", len(results)), zap.Int("anomalies", anomalies))
	return nil
}

// RecentAnomalies returns the newest unresolved anomalies first.
func (s *EventStore) RecentAnomalies(ctx context.Context, limit int) ([]repository.AnomalyRecord, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := s.db.QueryContext(ctx, `SELECT user, ip, anomaly_type, score, COALESCE(description, ''),
        resolved, COALESCE(detected_at, created_at)
        FROM anomalies WHERE resolved = 0
        ORDER BY COALESCE(detected_at, created_at) DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query anomalies: %w", err)
	}
	defer rows.Close()

	var out []repository.AnomalyRecord
	for rows.Next() {
		var rec repository.AnomalyRecord
		var detected string
		if err := rows.Scan(&rec.User, &rec.IP, &rec.Type, &rec.Score, &rec.Description, &rec.Resolved, &detected); err != nil {
			return nil, fmt.Errorf("scan anomaly: %w", err)
		}
		rec.DetectedAt, err = parseTime(detected)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// ResolveAnomalies marks every open anomaly of user as resolved and returns how many changed.
func (s *EventStore) ResolveAnomalies(ctx context.Context, user string) (int64, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE anomalies SET resolved = 1 WHERE user = ? AND resolved = 0`, user)
	if err != nil {
		return 0, fmt.Errorf("resolve anomalies: %w", err)
	}
	return res.RowsAffected()
}

// CountEvents returns how many events are stored for user, or for everyone when user is empty.
func (s *EventStore) CountEvents(ctx context.Context, user string) (int, error) {
	var n int
	var err error
	if user == "" {
		err = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM auth_events`).Scan(&n)
	} else {
		err = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM auth_events WHERE user = ?`, user).Scan(&n)
	}
	if err != nil {
		return 0, fmt.Errorf("count events: %w", err)
	}
	return n, nil
}

func parseTime(s string) (time.Time, error) {
	for _, layout := range []string{timeLayout, time.RFC3339Nano, time.RFC3339} {
		if t, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("cannot parse time %q", s)
}
