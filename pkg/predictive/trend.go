package predictive

import (
	"context"
	"fmt"
	"math"
	"sync"

	"github.com/sajari/regression"

	"github.com/markus-lassfolk/ccaswitch/pkg"
	"github.com/markus-lassfolk/ccaswitch/pkg/logx"
)

// Classifier maps a feature vector to an algorithm
type Classifier interface {
	Classify(features []float64) pkg.Algorithm
}

// TrendPredictor buffers the last sequenceLength snapshots, fits a least
// squares line to each metric and classifies the one-step-ahead forecast.
// Until the buffer is full it answers pkg.ErrNotReady.
type TrendPredictor struct {
	mu             sync.Mutex
	classifier     Classifier
	samples        []*pkg.MetricsSnapshot
	sequenceLength int
	logger         *logx.Logger
}

// NewTrendPredictor creates a trend predictor. sequenceLength below 2 is
// raised to 2, the minimum a line can be fitted to.
func NewTrendPredictor(classifier Classifier, sequenceLength int, logger *logx.Logger) *TrendPredictor {
	if sequenceLength < 2 {
		sequenceLength = 2
	}
	return &TrendPredictor{
		classifier:     classifier,
		samples:        make([]*pkg.MetricsSnapshot, 0, sequenceLength),
		sequenceLength: sequenceLength,
		logger:         logger,
	}
}

// Predict implements pkg.Predictor
func (tp *TrendPredictor) Predict(ctx context.Context, snap *pkg.MetricsSnapshot) (pkg.Algorithm, error) {
	tp.mu.Lock()
	tp.samples = append(tp.samples, snap)
	if len(tp.samples) > tp.sequenceLength {
		tp.samples = tp.samples[1:]
	}
	if len(tp.samples) < tp.sequenceLength {
		n := len(tp.samples)
		tp.mu.Unlock()
		tp.logger.Debug("Trend predictor warming up", "samples", n, "required", tp.sequenceLength)
		return "", pkg.ErrNotReady
	}
	window := append([]*pkg.MetricsSnapshot(nil), tp.samples...)
	tp.mu.Unlock()

	forecast, err := Forecast(window)
	if err != nil {
		return "", err
	}

	alg := tp.classifier.Classify(Features(forecast, window[len(window)-1]))
	tp.logger.Debug("Trend prediction",
		"algorithm", alg,
		"forecast_rtt", forecast.RTT(),
		"forecast_throughput", forecast.Throughput(),
		"forecast_loss", forecast.Loss(),
	)
	return alg, nil
}

// Samples returns how many snapshots are buffered
func (tp *TrendPredictor) Samples() int {
	tp.mu.Lock()
	defer tp.mu.Unlock()
	return len(tp.samples)
}

// Forecast extrapolates rtt, throughput and loss one step past the window.
// Forecasts are clamped at zero; other fields come from the newest sample.
func Forecast(window []*pkg.MetricsSnapshot) (*pkg.MetricsSnapshot, error) {
	if len(window) < 2 {
		return nil, fmt.Errorf("need at least 2 samples to forecast, got %d", len(window))
	}

	next := float64(len(window))
	predict := func(name string, value func(*pkg.MetricsSnapshot) float64) (float64, error) {
		r := new(regression.Regression)
		r.SetObserved(name)
		r.SetVar(0, "step")
		for i, s := range window {
			r.Train(regression.DataPoint(value(s), []float64{float64(i)}))
		}
		if err := r.Run(); err != nil {
			return 0, fmt.Errorf("failed to fit %s trend: %w", name, err)
		}
		v, err := r.Predict([]float64{next})
		if err != nil {
			return 0, fmt.Errorf("failed to forecast %s: %w", name, err)
		}
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return 0, fmt.Errorf("forecast for %s is not finite", name)
		}
		return math.Max(0, v), nil
	}

	rtt, err := predict("rtt", (*pkg.MetricsSnapshot).RTT)
	if err != nil {
		return nil, err
	}
	tput, err := predict("throughput", (*pkg.MetricsSnapshot).Throughput)
	if err != nil {
		return nil, err
	}
	loss, err := predict("loss", (*pkg.MetricsSnapshot).Loss)
	if err != nil {
		return nil, err
	}

	last := window[len(window)-1]
	return &pkg.MetricsSnapshot{
		RTTMS:            pkg.Float(rtt),
		ThroughputMbps:   pkg.Float(tput),
		LossPercent:      pkg.Float(loss),
		BufferbloatMS:    last.BufferbloatMS,
		Retransmits:      last.Retransmits,
		CurrentAlgorithm: last.CurrentAlgorithm,
		Timestamp:        last.Timestamp,
	}, nil
}
