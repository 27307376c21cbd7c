package scoring

import (
	"fmt"
	"time"

	"github.com/goccy/go-json"

	"auth-advisor/internal/models"
)

// SchemaVersion is bumped whenever the persisted model layout changes.
const SchemaVersion = 1

type modelHeader struct {
	SchemaVersion int `json:"schema_version"`
}

type modelDocument struct {
	SchemaVersion int       `json:"schema_version"`
	Config        Config    `json:"config"`
	Features      []string  `json:"features"`
	Scaler        Scaler    `json:"scaler"`
	Forest        *Forest   `json:"forest"`
	Offset        float64   `json:"offset"`
	TrainedAt     time.Time `json:"trained_at"`
	TrainingRows  int       `json:"training_rows"`
}

// MarshalBinary encodes the trained model. The encoding carries the seed and every split,
// so a decoded model scores exactly like the one encoded.
func (s *Scorer) MarshalBinary() ([]byte, error) {
	s.mu.RLock()
	m := s.model
	s.mu.RUnlock()
	if m == nil {
		return nil, ErrNotTrained
	}

	doc := modelDocument{
		SchemaVersion: SchemaVersion,
		Config:        m.config,
		Scaler:        m.scaler,
		Forest:        m.forest,
		Offset:        m.offset,
		TrainedAt:     m.trainedAt,
		TrainingRows:  m.trainingRows,
	}
	if m.width == models.NumFeatures {
		doc.Features = models.FeatureNames
	}

	data, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("failed to encode model: %w", err)
	}
	return data, nil
}

// UnmarshalBinary replaces the model with a decoded one. The current model is kept when
// the data is malformed or written by an unknown schema version.
func (s *Scorer) UnmarshalBinary(data []byte) error {
	var header modelHeader
	if err := json.Unmarshal(data, &header); err != nil {
		return fmt.Errorf("failed to decode model header: %w", err)
	}
	if header.SchemaVersion != SchemaVersion {
		return fmt.Errorf("model schema %d, supported %d: %w", header.SchemaVersion, SchemaVersion, ErrUnsupportedModelVersion)
	}

	var doc modelDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("failed to decode model: %w", err)
	}
	if err := doc.validate(); err != nil {
		return err
	}

	m := &model{
		config:       doc.Config,
		width:        len(doc.Scaler.Mean),
		scaler:       doc.Scaler,
		forest:       doc.Forest,
		offset:       doc.Offset,
		trainedAt:    doc.TrainedAt,
		trainingRows: doc.TrainingRows,
	}

	s.mu.Lock()
	s.config = doc.Config
	s.model = m
	s.mu.Unlock()
	return nil
}

func (d *modelDocument) validate() error {
	width := len(d.Scaler.Mean)
	if width == 0 || len(d.Scaler.Scale) != width {
		return fmt.Errorf("scaler has %d means and %d scales: %w", len(d.Scaler.Mean), len(d.Scaler.Scale), ErrFeatureMismatch)
	}
	if len(d.Features) > 0 && len(d.Features) != width {
		return fmt.Errorf("model lists %d features for %d scaler columns: %w", len(d.Features), width, ErrFeatureMismatch)
	}
	if d.Forest == nil || len(d.Forest.Trees) == 0 || d.Forest.SampleSize <= 0 {
		return fmt.Errorf("model has no trees")
	}
	for ti, t := range d.Forest.Trees {
		if len(t.Nodes) == 0 {
			return fmt.Errorf("tree %d is empty", ti)
		}
		for ni, n := range t.Nodes {
			if n.leaf() {
				continue
			}
			if n.Feature < 0 || n.Feature >= width {
				return fmt.Errorf("tree %d node %d splits on column %d: %w", ti, ni, n.Feature, ErrFeatureMismatch)
			}
			if n.Left <= ni || n.Right <= ni || n.Left >= len(t.Nodes) || n.Right >= len(t.Nodes) {
				return fmt.Errorf("tree %d node %d has invalid children", ti, ni)
			}
		}
	}
	return nil
}
