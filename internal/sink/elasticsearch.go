package sink

import (
	"context"
	"fmt"

	"auth-advisor/internal/client"
	"auth-advisor/internal/models"
)

type DocumentIndexer interface {
	IndexDocument(ctx context.Context, index, id string, document interface{}) error
}

var _ DocumentIndexer = (*client.ESClient)(nil)

// ElasticsearchSink indexes reports by their ID so that republishing is idempotent.
type ElasticsearchSink struct {
	indexer DocumentIndexer
	index   string
}

func NewElasticsearchSink(indexer DocumentIndexer, index string) *ElasticsearchSink {
	return &ElasticsearchSink{indexer: indexer, index: index}
}

func (s *ElasticsearchSink) Name() string {
	return "elasticsearch"
}

func (s *ElasticsearchSink) Publish(ctx context.Context, report models.Report) error {
	if err := s.indexer.IndexDocument(ctx, s.index, report.ID, report); err != nil {
		return fmt.Errorf("failed to index report %s: %w", report.ID, err)
	}
	return nil
}
