// Package state holds the persisted decision state of the switching daemon
// and the stores it is saved to.
package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/markus-lassfolk/ccaswitch/pkg"
)

// ErrNotFound is returned by Store.Load when nothing has been saved yet
var ErrNotFound = errors.New("state not found")

// DecisionState is the current algorithm, the time of the last committed
// switch and the bounded history of committed switches.
type DecisionState struct {
	CurrentAlgorithm pkg.Algorithm
	LastSwitchTime   time.Time
	History          []pkg.Algorithm

	capacity int
}

// New creates a state with an empty history bounded by capacity
func New(current pkg.Algorithm, lastSwitch time.Time, capacity int) *DecisionState {
	if capacity < 1 {
		capacity = 1
	}
	return &DecisionState{
		CurrentAlgorithm: current,
		LastSwitchTime:   normalize(lastSwitch),
		History:          make([]pkg.Algorithm, 0, capacity),
		capacity:         capacity,
	}
}

// Capacity returns the history bound
func (s *DecisionState) Capacity() int {
	return s.capacity
}

// RecordSwitch commits a switch to alg at time at. The oldest history entry
// is evicted when the history is full. LastSwitchTime never moves backwards.
func (s *DecisionState) RecordSwitch(alg pkg.Algorithm, at time.Time) {
	s.CurrentAlgorithm = alg
	at = normalize(at)
	if at.After(s.LastSwitchTime) {
		s.LastSwitchTime = at
	}
	s.push(alg)
}

// Adopt makes alg current without a switch, e.g. when the system already runs
// it at startup. The history records it; LastSwitchTime is unchanged.
func (s *DecisionState) Adopt(alg pkg.Algorithm) {
	s.CurrentAlgorithm = alg
	s.push(alg)
}

func (s *DecisionState) push(alg pkg.Algorithm) {
	s.History = append(s.History, alg)
	if over := len(s.History) - s.capacity; over > 0 {
		s.History = append(s.History[:0], s.History[over:]...)
	}
}

// Clone returns a deep copy
func (s *DecisionState) Clone() *DecisionState {
	cp := *s
	cp.History = append(make([]pkg.Algorithm, 0, s.capacity), s.History...)
	return &cp
}

// Record converts the state to its persisted form
func (s *DecisionState) Record() *Record {
	r := &Record{
		CurrentAlgorithm: string(s.CurrentAlgorithm),
		LastSwitchTime:   float64(s.LastSwitchTime.UnixMilli()) / 1000,
		DecisionHistory:  make([]string, 0, len(s.History)),
	}
	for _, a := range s.History {
		r.DecisionHistory = append(r.DecisionHistory, string(a))
	}
	return r
}

// Record is the persisted JSON document
type Record struct {
	CurrentAlgorithm string   `json:"current_algorithm"`
	LastSwitchTime   float64  `json:"last_switch_time"`
	DecisionHistory  []string `json:"decision_history"`
}

// UnmarshalJSON accepts the legacy current_cca key as well
func (r *Record) UnmarshalJSON(data []byte) error {
	var raw struct {
		CurrentAlgorithm string   `json:"current_algorithm"`
		CurrentCCA       string   `json:"current_cca"`
		LastSwitchTime   *float64 `json:"last_switch_time"`
		DecisionHistory  []string `json:"decision_history"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	r.CurrentAlgorithm = raw.CurrentAlgorithm
	if r.CurrentAlgorithm == "" {
		r.CurrentAlgorithm = raw.CurrentCCA
	}
	if raw.LastSwitchTime != nil {
		r.LastSwitchTime = *raw.LastSwitchTime
	}
	r.DecisionHistory = raw.DecisionHistory
	return nil
}

// State converts a record back to a DecisionState. Every algorithm must be
// accepted by allowed; the history keeps its newest capacity entries.
func (r *Record) State(capacity int, allowed func(pkg.Algorithm) bool) (*DecisionState, error) {
	if r.CurrentAlgorithm == "" {
		return nil, fmt.Errorf("record has no current algorithm")
	}
	if !allowed(pkg.Algorithm(r.CurrentAlgorithm)) {
		return nil, fmt.Errorf("record names unknown algorithm %q", r.CurrentAlgorithm)
	}
	if math.IsNaN(r.LastSwitchTime) || math.IsInf(r.LastSwitchTime, 0) || r.LastSwitchTime < 0 {
		return nil, fmt.Errorf("record has invalid last_switch_time %v", r.LastSwitchTime)
	}

	s := New(pkg.Algorithm(r.CurrentAlgorithm), fromUnixSeconds(r.LastSwitchTime), capacity)
	history := r.DecisionHistory
	if len(history) > capacity {
		history = history[len(history)-capacity:]
	}
	for _, a := range history {
		if !allowed(pkg.Algorithm(a)) {
			return nil, fmt.Errorf("record history names unknown algorithm %q", a)
		}
		s.History = append(s.History, pkg.Algorithm(a))
	}
	return s, nil
}

// Store persists decision state
type Store interface {
	Load() (*Record, error)
	Save(r *Record) error
	Close() error
}

func fromUnixSeconds(sec float64) time.Time {
	return time.UnixMilli(int64(math.Round(sec * 1000)))
}

// normalize drops the monotonic reading and sub-millisecond precision so a
// state survives a save/load round trip unchanged.
func normalize(t time.Time) time.Time {
	return t.Round(0).Truncate(time.Millisecond)
}
