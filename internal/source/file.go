package source

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"

	"auth-advisor/internal/models"
	"auth-advisor/internal/parser"
	"auth-advisor/internal/util"
)

const maxLineBytes = 1024 * 1024

// FileSource reads a Keystone log file from disk.
type FileSource struct {
	path   string
	parser *parser.Parser
	now    func() time.Time
	logger *zap.Logger
}

func NewFileSource(path string, p *parser.Parser) *FileSource {
	return &FileSource{
		path:   path,
		parser: p,
		now:    time.Now,
		logger: util.Named("source.file"),
	}
}

func (s *FileSource) Name() string {
	return "file"
}

// Collect parses the whole file and keeps events no older than lookback. A missing file
// is reported as ErrSourceUnavailable.
func (s *FileSource) Collect(ctx context.Context, lookback time.Duration) ([]models.AuthEvent, error) {
	f, err := os.Open(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("log file %s: %w", s.path, ErrSourceUnavailable)
		}
		return nil, fmt.Errorf("failed to open log file %s: %w", s.path, err)
	}
	defer f.Close()

	cutoff := wallClock(s.now()).Add(-lookback)

	var events []models.AuthEvent
	lines, skipped := 0, 0
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)
	for scanner.Scan() {
		if lines%1024 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		lines++

		ev, ok := s.parser.Parse(scanner.Text())
		if !ok {
			skipped++
			continue
		}
		if ev.Timestamp.Before(cutoff) {
			continue
		}
		events = append(events, ev)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read log file %s: %w", s.path, err)
	}

	sortByTime(events)
	s.logger.Info("Collected events from log file",
		zap.String("path", s.path),
		zap.Int("lines", lines),
		zap.Int("skipped", skipped),
		zap.Int("events", len(events)),
		zap.Duration("lookback", lookback),
	)
	return events, nil
}
