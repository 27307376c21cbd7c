package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestRecordBatch(t *testing.T) {
	before := testutil.ToFloat64(BatchesProcessed.WithLabelValues("analyze", "ok"))

	RecordBatch("analyze", "ok", 25*time.Millisecond)

	after := testutil.ToFloat64(BatchesProcessed.WithLabelValues("analyze", "ok"))
	assert.Equal(t, before+1, after)
}

func TestRecordTraining(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status string
	}{
		{name: "successful training", err: nil, status: "success"},
		{name: "failed training", err: errors.New("insufficient data"), status: "error"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			before := testutil.ToFloat64(ModelTrainings.WithLabelValues(tt.status))
			RecordTraining(time.Second, tt.err)
			assert.Equal(t, before+1, testutil.ToFloat64(ModelTrainings.WithLabelValues(tt.status)))
		})
	}
}

func TestRecordScored(t *testing.T) {
	scored := testutil.ToFloat64(EventsScored)
	anomalies := testutil.ToFloat64(AnomaliesDetected)

	RecordScored(100, 3)

	assert.Equal(t, scored+100, testutil.ToFloat64(EventsScored))
	assert.Equal(t, anomalies+3, testutil.ToFloat64(AnomaliesDetected))
}

func TestRecordSinkPublish(t *testing.T) {
	okBefore := testutil.ToFloat64(SinkPublishes.WithLabelValues("file", "success"))
	errBefore := testutil.ToFloat64(SinkPublishes.WithLabelValues("file", "error"))

	RecordSinkPublish("file", nil)
	RecordSinkPublish("file", errors.New("disk full"))

	assert.Equal(t, okBefore+1, testutil.ToFloat64(SinkPublishes.WithLabelValues("file", "success")))
	assert.Equal(t, errBefore+1, testutil.ToFloat64(SinkPublishes.WithLabelValues("file", "error")))
}

func TestRecordRecommendation(t *testing.T) {
	before := testutil.ToFloat64(RecommendationsIssued.WithLabelValues("force_mfa", "medium"))
	RecordRecommendation("force_mfa", "medium")
	assert.Equal(t, before+1, testutil.ToFloat64(RecommendationsIssued.WithLabelValues("force_mfa", "medium")))
}
