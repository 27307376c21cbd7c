package sink

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"auth-advisor/internal/metrics"
	"auth-advisor/internal/models"
	"auth-advisor/internal/util"
)

// ReportSink delivers a finished report somewhere outside the process.
type ReportSink interface {
	Name() string
	Publish(ctx context.Context, report models.Report) error
}

// Multi publishes to every sink concurrently. A failing sink does not stop the others.
type Multi struct {
	sinks   []ReportSink
	timeout time.Duration
	logger  *zap.Logger
}

func NewMulti(sinks ...ReportSink) *Multi {
	return &Multi{
		sinks:   sinks,
		timeout: 10 * time.Second,
		logger:  util.Named("sink"),
	}
}

func (m *Multi) Name() string {
	return "multi"
}

func (m *Multi) Len() int {
	return len(m.sinks)
}

// Publish returns the joined errors of the sinks that failed, or nil when all succeeded.
func (m *Multi) Publish(ctx context.Context, report models.Report) error {
	var (
		g    errgroup.Group
		mu   sync.Mutex
		errs []error
	)
	g.SetLimit(4)

	for _, s := range m.sinks {
		s := s
		g.Go(func() error {
			sctx, cancel := context.WithTimeout(ctx, m.timeout)
			defer cancel()

			err := s.Publish(sctx, report)
			metrics.RecordSinkPublish(s.Name(), err)
			if err != nil {
				m.logger.Error("Failed to publish report",
					zap.String("sink", s.Name()),
					zap.String("report_id", report.ID),
					zap.Error(err))
				mu.Lock()
				errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
				mu.Unlock()
				return nil
			}
			m.logger.Info("Report published",
				zap.String("sink", s.Name()),
				zap.String("report_id", report.ID))
			return nil
		})
	}
	_ = g.Wait()

	return errors.Join(errs...)
}
