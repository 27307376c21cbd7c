package source

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/brianvoe/gofakeit/v7"
	"go.uber.org/zap"

	"auth-advisor/internal/models"
	"auth-advisor/internal/parser"
	"auth-advisor/internal/util"
)

const (
	normalEvents = 80
	attackEvents = 20
	noiseEvents  = 6
)

var (
	demoUsers       = []string{"alice", "bob", "carol", "dave", "admin"}
	demoAddresses   = []string{"192.168.1.10", "192.168.1.11", "10.0.0.5", "10.0.0.6"}
	attackAddresses = []string{"203.0.113.5", "198.51.100.10", "192.0.2.15"}
)

// SyntheticSource produces a demo batch: a fixed population of regular users, a burst of
// failed admin logins from documentation-range addresses, and a few seeded random users.
// The lookback is ignored; the batch always spans the same recent period.
type SyntheticSource struct {
	NoiseUsers int
	seed       int64
	parser     *parser.Parser
	now        func() time.Time
	logger     *zap.Logger
}

func NewSyntheticSource(noiseUsers int, seed int64, p *parser.Parser) *SyntheticSource {
	return &SyntheticSource{
		NoiseUsers: noiseUsers,
		seed:       seed,
		parser:     p,
		now:        time.Now,
		logger:     util.Named("source.synthetic"),
	}
}

func (s *SyntheticSource) Name() string {
	return "synthetic"
}

func (s *SyntheticSource) Collect(ctx context.Context, _ time.Duration) ([]models.AuthEvent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	lines := s.Lines()
	events, skipped := s.parser.ParseLines(lines)
	if skipped > 0 {
		s.logger.Warn("Synthetic lines failed to parse", zap.Int("skipped", skipped))
	}
	sortByTime(events)

	s.logger.Info("Generated demo events", zap.Int("events", len(events)))
	return events, nil
}

// Lines renders the demo batch as raw log lines, newest first.
func (s *SyntheticSource) Lines() []string {
	now := wallClock(s.now())
	lines := make([]string, 0, normalEvents+attackEvents+s.NoiseUsers*noiseEvents)

	for i := 0; i < normalEvents; i++ {
		ts := now.Add(-time.Duration(i*10) * time.Minute)
		user := demoUsers[i%len(demoUsers)]
		addr := demoAddresses[i%len(demoAddresses)]
		kind := models.EventAuthSuccess
		if i%7 == 0 {
			kind = models.EventAuthFailed
		}
		lines = append(lines, FormatLine(ts, user, addr, kind))
	}

	for i := 0; i < attackEvents; i++ {
		ts := now.Add(-time.Duration(i*2) * time.Minute)
		lines = append(lines, FormatLine(ts, "admin", attackAddresses[i%len(attackAddresses)], models.EventAuthFailed))
	}

	faker := gofakeit.New(uint64(s.seed))
	for u := 0; u < s.NoiseUsers; u++ {
		user := fakeUsername(faker)
		addr := faker.IPv4Address()
		for i := 0; i < noiseEvents; i++ {
			ts := now.Add(-time.Duration(faker.IntRange(0, 12*60)) * time.Minute)
			kind := models.EventAuthSuccess
			if faker.Float64() < 0.15 {
				kind = models.EventAuthFailed
			}
			lines = append(lines, FormatLine(ts, user, addr, kind))
		}
	}
	return lines
}

// FormatLine writes an event in the identity service log format.
func FormatLine(ts time.Time, user, addr string, kind models.EventKind) string {
	stamp := ts.Format("2006-01-02 15:04:05")
	if kind == models.EventAuthFailed {
		return fmt.Sprintf("%s Authorization failed for user '%s' from %s", stamp, user, addr)
	}
	return fmt.Sprintf("%s Successful login for user '%s' from %s", stamp, user, addr)
}

func fakeUsername(faker *gofakeit.Faker) string {
	name := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			return r
		case r >= 'A' && r <= 'Z':
			return r + ('a' - 'A')
		}
		return -1
	}, faker.Username())
	if name == "" {
		name = fmt.Sprintf("user%d", faker.Number(1000, 9999))
	}
	return name
}
