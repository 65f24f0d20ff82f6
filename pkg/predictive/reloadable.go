package predictive

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/markus-lassfolk/ccaswitch/pkg"
	"github.com/markus-lassfolk/ccaswitch/pkg/logx"
)

// ErrNoModel is returned while no predictor has been loaded successfully
var ErrNoModel = errors.New("no model loaded")

// Loader builds a fresh predictor
type Loader func(ctx context.Context) (pkg.Predictor, error)

// Reloadable holds a predictor that can be replaced at runtime. A reload
// waits for a running prediction and discards any buffered sequence state.
type Reloadable struct {
	mu      sync.RWMutex
	current pkg.Predictor
	loader  Loader
	logger  *logx.Logger
	reloads int
}

// NewReloadable loads the initial predictor. A failing first load is logged
// and leaves the holder empty; predictions then fail with ErrNoModel until
// a reload succeeds.
func NewReloadable(ctx context.Context, loader Loader, logger *logx.Logger) *Reloadable {
	r := &Reloadable{loader: loader, logger: logger}
	if err := r.Reload(ctx); err != nil {
		logger.Warn("Predictor unavailable, rule fallback will be used", "error", err)
	}
	return r
}

// Predict implements pkg.Predictor
func (r *Reloadable) Predict(ctx context.Context, snap *pkg.MetricsSnapshot) (pkg.Algorithm, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.current == nil {
		return "", ErrNoModel
	}
	return r.current.Predict(ctx, snap)
}

// Reload builds a new predictor and swaps it in. On failure the previous
// predictor stays active.
func (r *Reloadable) Reload(ctx context.Context) error {
	next, err := r.loader(ctx)
	if err != nil {
		return fmt.Errorf("failed to load predictor: %w", err)
	}

	r.mu.Lock()
	prev := r.current
	r.current = next
	r.reloads++
	n := r.reloads
	r.mu.Unlock()

	if c, ok := prev.(io.Closer); ok {
		if err := c.Close(); err != nil {
			r.logger.Warn("Failed to close previous predictor", "error", err)
		}
	}
	r.logger.Info("Predictor loaded", "type", fmt.Sprintf("%T", next), "loads", n)
	return nil
}

// Loaded reports whether a predictor is active
func (r *Reloadable) Loaded() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.current != nil
}

// Close closes the active predictor
func (r *Reloadable) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.current.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
