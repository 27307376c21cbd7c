package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Parser Metrics
	LinesParsed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "advisor_lines_parsed_total",
			Help: "Total number of log lines parsed into authentication events",
		},
	)

	LinesSkipped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "advisor_lines_skipped_total",
			Help: "Total number of log lines that matched no grammar or carried a bad timestamp",
		},
	)

	// Pipeline Metrics
	BatchesProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "advisor_batches_total",
			Help: "Total number of event batches run through the pipeline",
		},
		[]string{"mode", "outcome"}, // mode: train, analyze; outcome: ok, insufficient, error
	)

	BatchDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "advisor_batch_duration_seconds",
			Help:    "Duration of a full pipeline pass over one batch",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"mode"},
	)

	EventsScored = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "advisor_events_scored_total",
			Help: "Total number of events scored by the anomaly model",
		},
	)

	AnomaliesDetected = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "advisor_anomalies_detected_total",
			Help: "Total number of events flagged anomalous by the model",
		},
	)

	ScoringFallbacks = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "advisor_scoring_fallbacks_total",
			Help: "Total number of batches scored as clean because the model failed unexpectedly",
		},
	)

	RecommendationsIssued = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "advisor_recommendations_total",
			Help: "Total number of recommendations kept in published reports",
		},
		[]string{"action", "priority"},
	)

	// Model Metrics
	ModelTrainings = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "advisor_model_trainings_total",
			Help: "Total number of model training runs",
		},
		[]string{"status"},
	)

	ModelTrainingDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "advisor_model_training_duration_seconds",
			Help:    "Duration of isolation forest training",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
	)

	ProfilesTracked = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "advisor_profiles_tracked",
			Help: "Current number of user profiles held by the profile store",
		},
	)

	// Output Metrics
	SinkPublishes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "advisor_sink_publishes_total",
			Help: "Total number of report publish attempts per sink",
		},
		[]string{"sink", "status"},
	)

	SourceCollections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "advisor_source_collections_total",
			Help: "Total number of event collections per source",
		},
		[]string{"source", "status"}, // status: ok, empty, error, fallback
	)
)

func RecordBatch(mode, outcome string, duration time.Duration) {
	BatchesProcessed.WithLabelValues(mode, outcome).Inc()
	BatchDuration.WithLabelValues(mode).Observe(duration.Seconds())
}

func RecordTraining(duration time.Duration, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	ModelTrainings.WithLabelValues(status).Inc()
	if err == nil {
		ModelTrainingDuration.Observe(duration.Seconds())
	}
}

func RecordScored(total, anomalies int) {
	EventsScored.Add(float64(total))
	AnomaliesDetected.Add(float64(anomalies))
}

func RecordRecommendation(action, priority string) {
	RecommendationsIssued.WithLabelValues(action, priority).Inc()
}

func RecordSinkPublish(sink string, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	SinkPublishes.WithLabelValues(sink, status).Inc()
}

func RecordSourceCollection(source, status string) {
	SourceCollections.WithLabelValues(source, status).Inc()
}
