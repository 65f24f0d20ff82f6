package predictive

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/markus-lassfolk/ccaswitch/pkg"
	"github.com/markus-lassfolk/ccaswitch/pkg/logx"
)

// LinearModel is a trained one-vs-rest linear classifier. Inputs are
// standardized with Mean and Scale before scoring; the class with the
// highest score wins.
type LinearModel struct {
	Version string          `json:"version"`
	Classes []pkg.Algorithm `json:"classes"`
	Weights [][]float64     `json:"weights"`
	Bias    []float64       `json:"bias"`
	Mean    []float64       `json:"mean,omitempty"`
	Scale   []float64       `json:"scale,omitempty"`
}

// LoadLinearModel reads and validates a model file
func LoadLinearModel(path string) (*LinearModel, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read model: %w", err)
	}

	var m LinearModel
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to decode model: %w", err)
	}
	if err := m.Validate(); err != nil {
		return nil, fmt.Errorf("invalid model %s: %w", path, err)
	}
	return &m, nil
}

// Validate checks the model dimensions
func (m *LinearModel) Validate() error {
	if len(m.Classes) == 0 {
		return fmt.Errorf("model has no classes")
	}
	if len(m.Weights) != len(m.Classes) {
		return fmt.Errorf("expected %d weight rows, got %d", len(m.Classes), len(m.Weights))
	}
	for i, row := range m.Weights {
		if len(row) != NumFeatures {
			return fmt.Errorf("weight row %d has %d entries, expected %d", i, len(row), NumFeatures)
		}
	}
	if len(m.Bias) != 0 && len(m.Bias) != len(m.Classes) {
		return fmt.Errorf("expected %d biases, got %d", len(m.Classes), len(m.Bias))
	}
	if len(m.Mean) != 0 && len(m.Mean) != NumFeatures {
		return fmt.Errorf("expected %d means, got %d", NumFeatures, len(m.Mean))
	}
	if len(m.Scale) != 0 && len(m.Scale) != NumFeatures {
		return fmt.Errorf("expected %d scales, got %d", NumFeatures, len(m.Scale))
	}
	return nil
}

// Classify returns the highest scoring class for a feature vector
func (m *LinearModel) Classify(features []float64) pkg.Algorithm {
	x := make([]float64, len(features))
	for i, v := range features {
		if len(m.Mean) > 0 {
			v -= m.Mean[i]
		}
		if len(m.Scale) > 0 && m.Scale[i] != 0 {
			v /= m.Scale[i]
		}
		x[i] = v
	}

	best, bestScore := 0, 0.0
	for c, row := range m.Weights {
		score := 0.0
		if len(m.Bias) > 0 {
			score = m.Bias[c]
		}
		for i, w := range row {
			score += w * x[i]
		}
		if c == 0 || score > bestScore {
			best, bestScore = c, score
		}
	}
	return m.Classes[best]
}

// LinearPredictor classifies each snapshot with a linear model. It keeps the
// previous snapshot for the stability features.
type LinearPredictor struct {
	mu     sync.Mutex
	model  *LinearModel
	prev   *pkg.MetricsSnapshot
	logger *logx.Logger
}

// NewLinearPredictor creates a predictor for model
func NewLinearPredictor(model *LinearModel, logger *logx.Logger) *LinearPredictor {
	return &LinearPredictor{model: model, logger: logger}
}

// Predict implements pkg.Predictor
func (lp *LinearPredictor) Predict(ctx context.Context, snap *pkg.MetricsSnapshot) (pkg.Algorithm, error) {
	lp.mu.Lock()
	features := Features(snap, lp.prev)
	lp.prev = snap
	lp.mu.Unlock()

	alg := lp.model.Classify(features)
	lp.logger.Debug("Linear model prediction", "algorithm", alg, "model_version", lp.model.Version)
	return alg, nil
}
