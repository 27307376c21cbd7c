package sink

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"auth-advisor/internal/models"
)

func sampleReport() models.Report {
	return models.Report{
		ID:           "5b0b6c1e-8f7e-4f1e-9a53-0c6f1f0d2a11",
		Status:       models.ReportStatusAnomalous,
		GeneratedAt:  time.Date(2024, 3, 15, 14, 22, 1, 0, time.UTC),
		TotalEvents:  100,
		AnomalyCount: 2,
		Recommendations: []models.Recommendation{
			{
				Action:          models.ActionTemporaryBlock,
				Target:          "198.51.100.10",
				Reason:          "High frequency of failed attempts from 198.51.100.10",
				Priority:        models.PriorityHigh,
				Score:           0.5,
				DurationMinutes: 30,
			},
			{
				Action:   models.ActionForceMFA,
				Target:   "alice",
				Reason:   "Failed attempt from unusual IP 203.0.113.5",
				Priority: models.PriorityMedium,
				Score:    0.3,
			},
		},
	}
}

func TestFileSinkWritesNamedReport(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "reports")
	s := NewFileSink(dir)
	report := sampleReport()

	require.NoError(t, s.Publish(context.Background(), report))

	path := filepath.Join(dir, "security_report_20240315_142201.json")
	assert.Equal(t, path, s.Path(report))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "\n  \"status\": \"anomalies_detected\"")

	var decoded models.Report
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, report.ID, decoded.ID)
	assert.Len(t, decoded.Recommendations, 2)
}

type fakeIndexer struct {
	index, id string
	doc       interface{}
}

func (f *fakeIndexer) IndexDocument(_ context.Context, index, id string, document interface{}) error {
	f.index, f.id, f.doc = index, id, document
	return nil
}

func TestElasticsearchSinkIndexesByReportID(t *testing.T) {
	idx := &fakeIndexer{}
	report := sampleReport()

	require.NoError(t, NewElasticsearchSink(idx, "security-reports").Publish(context.Background(), report))
	assert.Equal(t, "security-reports", idx.index)
	assert.Equal(t, report.ID, idx.id)
	assert.Equal(t, report, idx.doc)
}

type producedMessage struct {
	topic   string
	key     []byte
	value   []byte
	headers map[string]string
}

type fakeProducer struct {
	messages []producedMessage
	err      error
}

func (f *fakeProducer) ProduceMessage(_ context.Context, topic string, key, value []byte, headers map[string]string) error {
	if f.err != nil {
		return f.err
	}
	f.messages = append(f.messages, producedMessage{topic, key, value, headers})
	return nil
}

func TestKafkaPublisherOneMessagePerRecommendation(t *testing.T) {
	producer := &fakeProducer{}
	report := sampleReport()

	require.NoError(t, NewKafkaPublisher(producer, "security-recommendations").Publish(context.Background(), report))
	require.Len(t, producer.messages, 2)

	first := producer.messages[0]
	assert.Equal(t, "security-recommendations", first.topic)
	assert.Len(t, first.key, 36)
	assert.NotEqual(t, first.key, producer.messages[1].key)
	assert.Equal(t, "temporary_block", first.headers["action"])

	var payload map[string]interface{}
	require.NoError(t, json.Unmarshal(first.value, &payload))
	assert.Equal(t, report.ID, payload["report_id"])
	assert.Equal(t, "198.51.100.10", payload["target"])
	assert.Equal(t, float64(30), payload["duration_minutes"])
}

type fakeBlocker struct {
	mu     sync.Mutex
	blocks map[string]time.Duration
}

func (f *fakeBlocker) Block(_ context.Context, addr, _ string, ttl time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.blocks == nil {
		f.blocks = make(map[string]time.Duration)
	}
	f.blocks[addr] = ttl
	return nil
}

func TestBlocklistSinkAppliesOnlyBlocks(t *testing.T) {
	blocker := &fakeBlocker{}

	require.NoError(t, NewBlocklistSink(blocker).Publish(context.Background(), sampleReport()))
	assert.Equal(t, map[string]time.Duration{"198.51.100.10": 30 * time.Minute}, blocker.blocks)
}

type failingSink struct{ name string }

func (f failingSink) Name() string { return f.name }

func (f failingSink) Publish(context.Context, models.Report) error {
	return errors.New("unreachable")
}

func TestMultiContinuesPastFailures(t *testing.T) {
	blocker := &fakeBlocker{}
	dir := t.TempDir()
	m := NewMulti(failingSink{name: "elasticsearch"}, NewFileSink(dir), NewBlocklistSink(blocker))
	assert.Equal(t, 3, m.Len())

	err := m.Publish(context.Background(), sampleReport())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "elasticsearch: unreachable")

	_, statErr := os.Stat(filepath.Join(dir, "security_report_20240315_142201.json"))
	assert.NoError(t, statErr)
	assert.Len(t, blocker.blocks, 1)
}

func TestMultiWithoutSinks(t *testing.T) {
	assert.NoError(t, NewMulti().Publish(context.Background(), sampleReport()))
}
