package pkg

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"
)

// Algorithm identifies a TCP congestion control algorithm (cubic, bbr, westwood, ...)
type Algorithm string

// Well-known algorithms used as defaults by the rule fallback
const (
	AlgorithmCubic    Algorithm = "cubic"
	AlgorithmBBR      Algorithm = "bbr"
	AlgorithmWestwood Algorithm = "westwood"
)

func (a Algorithm) String() string {
	return string(a)
}

// Outcome is the result of one decision cycle
type Outcome string

const (
	OutcomeNoOp     Outcome = "no-op"
	OutcomeSwitched Outcome = "switched"
	OutcomeAborted  Outcome = "aborted"
)

// Source tells which component produced the candidate algorithm
type Source string

const (
	SourceModel Source = "model"
	SourceRule  Source = "rule"
	SourceNone  Source = ""
)

// Suppression explains why a cycle did not switch
type Suppression string

const (
	SuppressedNone               Suppression = ""
	SuppressedSameAlgorithm      Suppression = "same-algorithm"
	SuppressedHysteresis         Suppression = "hysteresis"
	SuppressedInconsistent       Suppression = "inconsistent"
	SuppressedSwitchFailed       Suppression = "switch-failed"
	SuppressedMetricsUnavailable Suppression = "metrics-unavailable"
	SuppressedFault              Suppression = "fault"
)

// MetricsSnapshot is one measurement of the monitored path. It is never mutated
// after Collect returns it.
type MetricsSnapshot struct {
	RTTMS            *float64  `json:"rtt_ms,omitempty"`
	ThroughputMbps   *float64  `json:"throughput_mbps,omitempty"`
	LossPercent      *float64  `json:"loss_percent,omitempty"`
	BufferbloatMS    *float64  `json:"bufferbloat_ms,omitempty"`
	Retransmits      int64     `json:"retransmits"`
	CurrentAlgorithm Algorithm `json:"current_algorithm,omitempty"`
	Timestamp        time.Time `json:"timestamp"`
}

// Validate checks the required fields once at ingestion so consumers can
// dereference RTTMS, ThroughputMbps and LossPercent without further checks.
func (m *MetricsSnapshot) Validate() error {
	if m == nil {
		return fmt.Errorf("snapshot is nil")
	}
	required := []struct {
		name  string
		value *float64
	}{
		{"rtt", m.RTTMS},
		{"throughput", m.ThroughputMbps},
		{"loss", m.LossPercent},
	}
	for _, f := range required {
		if f.value == nil {
			return fmt.Errorf("missing required metric %s", f.name)
		}
		if err := checkValue(f.name, *f.value); err != nil {
			return err
		}
	}
	if m.BufferbloatMS != nil {
		if err := checkValue("bufferbloat", *m.BufferbloatMS); err != nil {
			return err
		}
	}
	if m.Retransmits < 0 {
		return fmt.Errorf("retransmits must be non-negative, got %d", m.Retransmits)
	}
	return nil
}

func checkValue(name string, v float64) error {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return fmt.Errorf("metric %s is not a finite number", name)
	}
	if v < 0 {
		return fmt.Errorf("metric %s must be non-negative, got %v", name, v)
	}
	return nil
}

// RTT returns the round-trip time; only valid after Validate succeeded.
func (m *MetricsSnapshot) RTT() float64 { return *m.RTTMS }

// Throughput returns the throughput in Mbps; only valid after Validate succeeded.
func (m *MetricsSnapshot) Throughput() float64 { return *m.ThroughputMbps }

// Loss returns the loss percentage; only valid after Validate succeeded.
func (m *MetricsSnapshot) Loss() float64 { return *m.LossPercent }

// Bufferbloat returns the bufferbloat value and whether it was measured.
func (m *MetricsSnapshot) Bufferbloat() (float64, bool) {
	if m.BufferbloatMS == nil {
		return 0, false
	}
	return *m.BufferbloatMS, true
}

// Float returns a pointer to v, handy for building snapshots.
func Float(v float64) *float64 {
	return &v
}

// Decision is the audit record of one decision cycle
type Decision struct {
	ID          string           `json:"id"`
	Timestamp   time.Time        `json:"timestamp"`
	Outcome     Outcome          `json:"outcome"`
	Source      Source           `json:"source,omitempty"`
	Candidate   Algorithm        `json:"candidate,omitempty"`
	From        Algorithm        `json:"from,omitempty"`
	To          Algorithm        `json:"to,omitempty"`
	Reason      string           `json:"reason"`
	Suppression Suppression      `json:"suppression,omitempty"`
	Error       string           `json:"error,omitempty"`
	StateError  string           `json:"state_error,omitempty"`
	Duration    time.Duration    `json:"duration"`
	Snapshot    *MetricsSnapshot `json:"snapshot,omitempty"`
}

// ErrNotReady is returned by predictors that need more samples before they
// can answer
var ErrNotReady = errors.New("predictor not ready")

// MetricsSource produces a fresh snapshot of the monitored path
type MetricsSource interface {
	Collect(ctx context.Context) (*MetricsSnapshot, error)
}

// Predictor maps a snapshot to a candidate algorithm
type Predictor interface {
	Predict(ctx context.Context, snapshot *MetricsSnapshot) (Algorithm, error)
}

// Switcher applies an algorithm to the running system
type Switcher interface {
	Apply(ctx context.Context, algorithm Algorithm) error
}

// SnapshotSink receives every valid snapshot for historical storage
type SnapshotSink interface {
	AddSnapshot(ctx context.Context, snapshot *MetricsSnapshot) error
}
