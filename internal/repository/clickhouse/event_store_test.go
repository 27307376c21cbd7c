package clickhouse

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"auth-advisor/internal/models"
	"auth-advisor/internal/repository"
)

type fakeConn struct {
	ddl       []string
	batches   map[string][][]interface{}
	insertErr error
	count     uint64
	queries   []string
}

func newFakeConn() *fakeConn {
	return &fakeConn{batches: make(map[string][][]interface{})}
}

func (f *fakeConn) Exec(_ context.Context, query string, _ ...interface{}) error {
	f.ddl = append(f.ddl, query)
	return nil
}

func (f *fakeConn) BatchInsert(_ context.Context, query string, data [][]interface{}) error {
	if f.insertErr != nil {
		return f.insertErr
	}
	f.batches[query] = append(f.batches[query], data...)
	return nil
}

func (f *fakeConn) QueryRows(_ context.Context, query string, _ ...interface{}) (driver.Rows, error) {
	f.queries = append(f.queries, query)
	return &countRows{n: f.count}, nil
}

// countRows yields a single count() row.
type countRows struct {
	driver.Rows
	n    uint64
	read bool
}

func (r *countRows) Next() bool {
	if r.read {
		return false
	}
	r.read = true
	return true
}

func (r *countRows) Scan(dest ...interface{}) error {
	*dest[0].(*uint64) = r.n
	return nil
}

func (r *countRows) Close() error { return nil }
func (r *countRows) Err() error   { return nil }

func (f *fakeConn) HealthCheck(context.Context) error { return nil }

func (f *fakeConn) Close() error { return nil }

func TestNewEventStoreCreatesTables(t *testing.T) {
	conn := newFakeConn()
	_, err := NewEventStore(context.Background(), conn)
	require.NoError(t, err)

	require.Len(t, conn.ddl, 2)
	assert.True(t, strings.Contains(conn.ddl[0], "auth_events"))
	assert.True(t, strings.Contains(conn.ddl[1], "anomalies"))
}

func TestSaveResultsBatches(t *testing.T) {
	conn := newFakeConn()
	store, err := NewEventStore(context.Background(), conn)
	require.NoError(t, err)

	ts := time.Date(2024, 3, 15, 9, 0, 0, 0, time.UTC)
	results := []models.AnomalyResult{
		{AuthEvent: models.NewAuthEvent(ts, "carol", "10.0.0.6", models.EventAuthSuccess, ""), Score: 0.1},
		{
			AuthEvent:      models.NewAuthEvent(ts, "alice", "203.0.113.5", models.EventAuthFailed, ""),
			Score:          -0.1,
			Anomaly:        true,
			UnusualAddress: true,
		},
	}
	require.NoError(t, store.SaveResults(context.Background(), results))

	events := conn.batches[insertEvents]
	require.Len(t, events, 2)
	assert.Equal(t, "alice", events[1][1])
	assert.Equal(t, false, events[1][4], "success column")

	anomalies := conn.batches[insertAnomalies]
	require.Len(t, anomalies, 2)
	assert.Equal(t, repository.AnomalyTypeModel, anomalies[0][3])
	assert.Equal(t, repository.AnomalyTypeUnusualIP, anomalies[1][3])
}

func TestSaveResultsSkipsAnomalyBatchWhenQuiet(t *testing.T) {
	conn := newFakeConn()
	store, err := NewEventStore(context.Background(), conn)
	require.NoError(t, err)

	ts := time.Date(2024, 3, 15, 9, 0, 0, 0, time.UTC)
	require.NoError(t, store.SaveResults(context.Background(), []models.AnomalyResult{
		{AuthEvent: models.NewAuthEvent(ts, "carol", "10.0.0.6", models.EventAuthSuccess, ""), Score: 0.1},
	}))

	assert.Len(t, conn.batches[insertEvents], 1)
	assert.Empty(t, conn.batches[insertAnomalies])
}

func TestSaveResultsPropagatesInsertErrors(t *testing.T) {
	conn := newFakeConn()
	store, err := NewEventStore(context.Background(), conn)
	require.NoError(t, err)
	conn.insertErr = errors.New("connection reset")

	ts := time.Date(2024, 3, 15, 9, 0, 0, 0, time.UTC)
	err = store.SaveResults(context.Background(), []models.AnomalyResult{
		{AuthEvent: models.NewAuthEvent(ts, "carol", "10.0.0.6", models.EventAuthSuccess, "")},
	})
	assert.ErrorContains(t, err, "connection reset")
}

func TestResolveAnomaliesRunsMutation(t *testing.T) {
	conn := newFakeConn()
	store, err := NewEventStore(context.Background(), conn)
	require.NoError(t, err)

	changed, err := store.ResolveAnomalies(context.Background(), "alice")
	require.NoError(t, err)
	assert.Zero(t, changed)
	assert.Len(t, conn.ddl, 2, "no mutation when nothing is open")

	conn.count = 3
	changed, err = store.ResolveAnomalies(context.Background(), "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(3), changed)
	require.Len(t, conn.ddl, 3)
	assert.Contains(t, conn.ddl[2], "ALTER TABLE anomalies UPDATE resolved = true")
}

func TestCountEvents(t *testing.T) {
	conn := newFakeConn()
	store, err := NewEventStore(context.Background(), conn)
	require.NoError(t, err)
	conn.count = 42

	n, err := store.CountEvents(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, 42, n)

	_, err = store.CountEvents(context.Background(), "alice")
	require.NoError(t, err)
	require.Len(t, conn.queries, 2)
	assert.NotContains(t, conn.queries[0], "WHERE")
	assert.Contains(t, conn.queries[1], "WHERE user = ?")
}
