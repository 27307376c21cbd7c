package sink

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/goccy/go-json"

	"auth-advisor/internal/models"
)

// FileSink writes each report as an indented JSON file named after its generation time.
type FileSink struct {
	dir string
}

func NewFileSink(dir string) *FileSink {
	return &FileSink{dir: dir}
}

func (s *FileSink) Name() string {
	return "file"
}

// Path returns the file a report is written to.
func (s *FileSink) Path(report models.Report) string {
	name := fmt.Sprintf("security_report_%s.json", report.GeneratedAt.Format("20060102_150405"))
	return filepath.Join(s.dir, name)
}

func (s *FileSink) Publish(ctx context.Context, report models.Report) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("failed to create report directory: %w", err)
	}

	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode report: %w", err)
	}
	if err := os.WriteFile(s.Path(report), data, 0o644); err != nil {
		return fmt.Errorf("failed to write report: %w", err)
	}
	return nil
}
