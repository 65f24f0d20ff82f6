package decision

import (
	"sync"
	"time"

	"github.com/markus-lassfolk/ccaswitch/pkg"
	"github.com/markus-lassfolk/ccaswitch/pkg/state"
)

// HysteresisGate suppresses switches within Period of the previous one
type HysteresisGate struct {
	Period time.Duration
}

// Allow reports whether enough time has passed since the last switch
func (g HysteresisGate) Allow(s *state.DecisionState, now time.Time) bool {
	return now.Sub(s.LastSwitchTime) >= g.Period
}

// Remaining returns how long the gate stays closed, zero when open
func (g HysteresisGate) Remaining(s *state.DecisionState, now time.Time) time.Duration {
	left := g.Period - now.Sub(s.LastSwitchTime)
	if left < 0 {
		return 0
	}
	return left
}

// ConsistencyFilter passes a candidate only once it has been the answer of
// Window consecutive cycles. A window that is not yet full never passes.
type ConsistencyFilter struct {
	Window int
}

// Allow reports whether every entry of a full window equals candidate
func (f ConsistencyFilter) Allow(window []pkg.Algorithm, candidate pkg.Algorithm) bool {
	if len(window) != f.Window {
		return false
	}
	for _, a := range window {
		if a != candidate {
			return false
		}
	}
	return true
}

// CandidateWindow is a bounded FIFO of the candidates of recent cycles. It is
// never persisted.
type CandidateWindow struct {
	mu      sync.RWMutex
	entries []pkg.Algorithm
	size    int
}

// NewCandidateWindow creates a window holding at most size entries
func NewCandidateWindow(size int) *CandidateWindow {
	if size < 1 {
		size = 1
	}
	return &CandidateWindow{entries: make([]pkg.Algorithm, 0, size), size: size}
}

// Push appends a candidate, evicting the oldest entry when full
func (w *CandidateWindow) Push(alg pkg.Algorithm) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if len(w.entries) == w.size {
		copy(w.entries, w.entries[1:])
		w.entries = w.entries[:w.size-1]
	}
	w.entries = append(w.entries, alg)
}

// Entries returns a copy of the window, oldest first
func (w *CandidateWindow) Entries() []pkg.Algorithm {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return append([]pkg.Algorithm(nil), w.entries...)
}

