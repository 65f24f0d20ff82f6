package state

import (
	"errors"
	"fmt"
	"time"

	"github.com/markus-lassfolk/ccaswitch/pkg"
	"github.com/markus-lassfolk/ccaswitch/pkg/logx"
)

// Open returns the store for the named backend ("file" or "bolt")
func Open(backend, path string) (Store, error) {
	switch backend {
	case "", "file":
		return NewFileStore(path), nil
	case "bolt":
		return NewBoltStore(path)
	}
	return nil, fmt.Errorf("unknown state backend %q", backend)
}

// RestoreOptions describe the defaults used when nothing usable is stored
type RestoreOptions struct {
	Baseline pkg.Algorithm
	Capacity int
	Allowed  func(pkg.Algorithm) bool
	Now      time.Time
}

// Restore loads the state from store. A missing, unreadable, corrupt or
// invalid record yields the default state: the baseline algorithm, an empty
// history and a last switch time of opts.Now. A last switch time after
// opts.Now is clamped to opts.Now.
func Restore(store Store, opts RestoreOptions, logger *logx.Logger) *DecisionState {
	def := New(opts.Baseline, opts.Now, opts.Capacity)

	rec, err := store.Load()
	if errors.Is(err, ErrNotFound) {
		logger.Info("No persisted decision state, starting from baseline", "algorithm", opts.Baseline)
		return def
	}
	if err != nil {
		logger.Warn("Failed to load decision state, starting from baseline", "error", err)
		return def
	}

	allowed := opts.Allowed
	if allowed == nil {
		allowed = func(pkg.Algorithm) bool { return true }
	}
	s, err := rec.State(opts.Capacity, allowed)
	if err != nil {
		logger.Warn("Persisted decision state is invalid, starting from baseline", "error", err)
		return def
	}

	if now := normalize(opts.Now); !opts.Now.IsZero() && s.LastSwitchTime.After(now) {
		logger.Warn("Persisted last switch time is in the future, clamping to now",
			"last_switch_time", s.LastSwitchTime.Format(time.RFC3339),
			"now", now.Format(time.RFC3339),
		)
		s.LastSwitchTime = now
	}

	logger.Info("Restored decision state",
		"algorithm", s.CurrentAlgorithm,
		"last_switch_time", s.LastSwitchTime.Format(time.RFC3339),
		"history", len(s.History),
	)
	return s
}
