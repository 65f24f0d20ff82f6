package predictive

import (
	"context"
	"fmt"
	"time"

	"github.com/markus-lassfolk/ccaswitch/pkg"
	"github.com/markus-lassfolk/ccaswitch/pkg/logx"
	"github.com/markus-lassfolk/ccaswitch/pkg/uci"
)

// NewLoader returns the loader for the configured predictor type
func NewLoader(cfg uci.PredictorConfig, logger *logx.Logger) (Loader, error) {
	switch cfg.Type {
	case "linear":
		return func(ctx context.Context) (pkg.Predictor, error) {
			model, err := LoadLinearModel(cfg.ModelPath)
			if err != nil {
				return nil, err
			}
			return NewLinearPredictor(model, logger), nil
		}, nil
	case "trend":
		return func(ctx context.Context) (pkg.Predictor, error) {
			model, err := LoadLinearModel(cfg.ModelPath)
			if err != nil {
				return nil, err
			}
			return NewTrendPredictor(model, cfg.SequenceLength, logger), nil
		}, nil
	case "remote":
		timeout := time.Duration(cfg.TimeoutS) * time.Second
		return func(ctx context.Context) (pkg.Predictor, error) {
			return NewRemotePredictor(ctx, cfg.RemoteAddr, cfg.RemoteMethod, timeout, logger)
		}, nil
	}
	return nil, fmt.Errorf("unknown predictor type %q", cfg.Type)
}

// New returns the configured predictor, or nil when prediction is disabled
func New(ctx context.Context, cfg uci.PredictorConfig, logger *logx.Logger) (*Reloadable, error) {
	if !cfg.Enabled {
		logger.Info("Predictor disabled, using rule fallback only")
		return nil, nil
	}
	loader, err := NewLoader(cfg, logger)
	if err != nil {
		return nil, err
	}
	return NewReloadable(ctx, loader, logger), nil
}
