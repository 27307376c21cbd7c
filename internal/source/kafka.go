package source

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"auth-advisor/internal/models"
	"auth-advisor/internal/parser"
	"auth-advisor/internal/util"
)

// MessageReader is the consuming half of the Kafka client.
type MessageReader interface {
	ConsumeMessage(ctx context.Context) (*kafka.Message, error)
}

// KafkaSource drains raw log lines from a topic. Collection stops once the topic has been
// idle for IdleTimeout or MaxMessages lines were read.
type KafkaSource struct {
	reader      MessageReader
	parser      *parser.Parser
	IdleTimeout time.Duration
	MaxMessages int
	now         func() time.Time
	logger      *zap.Logger
}

func NewKafkaSource(reader MessageReader, p *parser.Parser) *KafkaSource {
	return &KafkaSource{
		reader:      reader,
		parser:      p,
		IdleTimeout: 5 * time.Second,
		MaxMessages: 100000,
		now:         time.Now,
		logger:      util.Named("source.kafka"),
	}
}

func (s *KafkaSource) Name() string {
	return "kafka"
}

func (s *KafkaSource) Collect(ctx context.Context, lookback time.Duration) ([]models.AuthEvent, error) {
	if s.reader == nil {
		return nil, fmt.Errorf("kafka consumer not initialized: %w", ErrSourceUnavailable)
	}

	var events []models.AuthEvent
	read := 0
	for read < s.MaxMessages {
		readCtx, cancel := context.WithTimeout(ctx, s.IdleTimeout)
		msg, err := s.reader.ConsumeMessage(readCtx)
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if errors.Is(err, context.DeadlineExceeded) {
				break
			}
			if read == 0 {
				return nil, fmt.Errorf("%v: %w", err, ErrSourceUnavailable)
			}
			s.logger.Warn("Stopping kafka collection early", zap.Error(err), zap.Int("read", read))
			break
		}
		read++

		if ev, ok := s.parser.Parse(string(msg.Value)); ok {
			events = append(events, ev)
		}
	}

	sortByTime(events)
	events = within(events, wallClock(s.now()).Add(-lookback))

	s.logger.Info("Collected events from kafka",
		zap.Int("messages", read),
		zap.Int("events", len(events)),
	)
	return events, nil
}
