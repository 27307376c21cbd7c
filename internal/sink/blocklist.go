package sink

import (
	"context"
	"errors"
	"time"

	"auth-advisor/internal/models"
	rediscache "auth-advisor/internal/repository/redis"
)

type Blocker interface {
	Block(ctx context.Context, addr, reason string, ttl time.Duration) error
}

var _ Blocker = (*rediscache.BlocklistCache)(nil)

// BlocklistSink applies temporary_block recommendations. Other actions need a human and are
// left to the other sinks.
type BlocklistSink struct {
	blocker Blocker
}

func NewBlocklistSink(blocker Blocker) *BlocklistSink {
	return &BlocklistSink{blocker: blocker}
}

func (s *BlocklistSink) Name() string {
	return "blocklist"
}

func (s *BlocklistSink) Publish(ctx context.Context, report models.Report) error {
	var errs []error
	for _, rec := range report.Recommendations {
		if rec.Action != models.ActionTemporaryBlock || rec.DurationMinutes <= 0 {
			continue
		}
		ttl := time.Duration(rec.DurationMinutes) * time.Minute
		if err := s.blocker.Block(ctx, rec.Target, rec.Reason, ttl); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
