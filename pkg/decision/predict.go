package decision

import (
	"context"
	"errors"
	"fmt"

	"github.com/markus-lassfolk/ccaswitch/pkg"
	"github.com/markus-lassfolk/ccaswitch/pkg/logx"
)

// tryPredict asks the predictor for a candidate. It never substitutes a rule
// answer: every way of not getting a usable model answer is a
// *PredictionError.
func (e *Engine) tryPredict(ctx context.Context, snap *pkg.MetricsSnapshot) (alg pkg.Algorithm, err error) {
	if e.predictor == nil {
		return "", &PredictionError{Reason: "no predictor configured"}
	}

	op := e.perf.StartOperation(logx.PhasePredict)
	defer func() {
		if r := recover(); r != nil {
			panicErr := fmt.Errorf("%v", r)
			op.Complete(panicErr)
			alg = ""
			err = &PredictionError{Reason: "predictor panicked", Err: panicErr}
		}
	}()

	alg, err = e.predictor.Predict(ctx, snap)
	op.Complete(err)

	if err != nil {
		return "", &PredictionError{Reason: "predictor failed", Err: err}
	}
	if !e.config.IsAllowed(alg) {
		return "", &PredictionError{Reason: fmt.Sprintf("predicted algorithm %q is not allowed", alg)}
	}
	return alg, nil
}

// chooseCandidate returns the model answer when there is one and the rule
// fallback answer otherwise
func (e *Engine) chooseCandidate(ctx context.Context, snap *pkg.MetricsSnapshot) (pkg.Algorithm, pkg.Source, string) {
	alg, err := e.tryPredict(ctx, snap)
	if err == nil {
		return alg, pkg.SourceModel, "model prediction"
	}

	target, reason := e.rules.Decide(snap)

	switch {
	case e.predictor == nil:
		e.logger.Debug("No predictor, using rule fallback", "candidate", target, "reason", reason)
	case errors.Is(err, pkg.ErrNotReady):
		e.logger.Debug("Predictor warming up, using rule fallback", "candidate", target, "reason", reason)
	default:
		e.logger.Warn("Prediction failed, using rule fallback",
			"error", err,
			"candidate", target,
			"reason", reason,
		)
	}
	return target, pkg.SourceRule, reason
}
