package sink

import (
	"context"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"auth-advisor/internal/client"
	"auth-advisor/internal/models"
)

type MessageProducer interface {
	ProduceMessage(ctx context.Context, topic string, key, value []byte, headers map[string]string) error
}

var _ MessageProducer = (*client.KafkaProducer)(nil)

// recommendationMessage is the payload of one published recommendation.
type recommendationMessage struct {
	ReportID    string `json:"report_id"`
	GeneratedAt string `json:"generated_at"`
	models.Recommendation
}

// KafkaPublisher emits one message per recommendation so that downstream enforcers can act
// on them individually.
type KafkaPublisher struct {
	producer MessageProducer
	topic    string
}

func NewKafkaPublisher(producer MessageProducer, topic string) *KafkaPublisher {
	return &KafkaPublisher{producer: producer, topic: topic}
}

func (p *KafkaPublisher) Name() string {
	return "kafka"
}

func (p *KafkaPublisher) Publish(ctx context.Context, report models.Report) error {
	for _, rec := range report.Recommendations {
		value, err := json.Marshal(recommendationMessage{
			ReportID:       report.ID,
			GeneratedAt:    report.GeneratedAt.Format(time.RFC3339),
			Recommendation: rec,
		})
		if err != nil {
			return fmt.Errorf("failed to encode recommendation: %w", err)
		}

		headers := map[string]string{
			"action":   string(rec.Action),
			"priority": string(rec.Priority),
			"target":   rec.Target,
		}
		key := []byte(uuid.NewString())
		if err := p.producer.ProduceMessage(ctx, p.topic, key, value, headers); err != nil {
			return fmt.Errorf("failed to publish recommendation %s: %w", rec.Key(), err)
		}
	}
	return nil
}
