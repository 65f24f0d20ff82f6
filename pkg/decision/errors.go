package decision

import (
	"errors"
	"fmt"
)

// Error kinds surfaced by a decision cycle
var (
	ErrMetricsUnavailable = errors.New("metrics unavailable")
	ErrPredictionFailure  = errors.New("prediction failure")
	ErrSwitchExecution    = errors.New("switch execution failed")
	ErrStatePersistence   = errors.New("state persistence failed")
)

// PredictionError explains why no model answer is available for a cycle.
// It matches ErrPredictionFailure and whatever the predictor returned.
type PredictionError struct {
	Reason string
	Err    error
}

func (e *PredictionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", ErrPredictionFailure, e.Reason, e.Err)
	}
	return fmt.Sprintf("%s: %s", ErrPredictionFailure, e.Reason)
}

func (e *PredictionError) Unwrap() []error {
	if e.Err != nil {
		return []error{ErrPredictionFailure, e.Err}
	}
	return []error{ErrPredictionFailure}
}
