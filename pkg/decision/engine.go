package decision

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/markus-lassfolk/ccaswitch/pkg"
	"github.com/markus-lassfolk/ccaswitch/pkg/logx"
	"github.com/markus-lassfolk/ccaswitch/pkg/state"
	"github.com/markus-lassfolk/ccaswitch/pkg/uci"
)

// Recorder receives the outcome of every decision cycle
type Recorder interface {
	Record(ctx context.Context, d *pkg.Decision) error
}

// CurrentReader is implemented by switchers that can read the algorithm
// the system is actually running
type CurrentReader interface {
	Current(ctx context.Context) (pkg.Algorithm, error)
}

// Options carries the collaborators of the engine
type Options struct {
	Source    pkg.MetricsSource
	Predictor pkg.Predictor
	Switcher  pkg.Switcher

	// Store persists the decision state; nil keeps it in memory only
	Store state.Store
	// State overrides restoring from Store
	State *state.DecisionState

	Recorders []Recorder
	Sinks     []pkg.SnapshotSink

	Performance *logx.PerformanceLogger
	Now         func() time.Time
}

// Status is a point-in-time view of the engine
type Status struct {
	CurrentAlgorithm pkg.Algorithm   `json:"current_algorithm"`
	LastSwitchTime   time.Time       `json:"last_switch_time"`
	History          []pkg.Algorithm `json:"decision_history"`
	Window           []pkg.Algorithm `json:"candidate_window"`
	Cycles           uint64          `json:"cycles"`
	LastDecision     *pkg.Decision   `json:"last_decision,omitempty"`
}

// Engine runs the decision cycle: collect, predict or fall back to rules,
// gate, switch and persist.
type Engine struct {
	// cycleMu serializes cycles and flushes
	cycleMu sync.Mutex
	// mu guards state and lastDecision for readers outside the cycle
	mu sync.RWMutex

	config *uci.Config
	logger *logx.Logger
	perf   *logx.PerformanceLogger

	source    pkg.MetricsSource
	predictor pkg.Predictor
	switcher  pkg.Switcher
	store     state.Store
	recorders []Recorder
	sinks     []pkg.SnapshotSink

	rules       *RuleFallback
	hysteresis  HysteresisGate
	consistency ConsistencyFilter
	window      *CandidateWindow

	state        *state.DecisionState
	lastDecision *pkg.Decision
	cycles       atomic.Uint64

	now func() time.Time
}

// NewEngine creates a decision engine. The decision state is taken from
// opts.State, else restored from opts.Store, else defaulted.
func NewEngine(config *uci.Config, logger *logx.Logger, opts Options) (*Engine, error) {
	if opts.Source == nil {
		return nil, fmt.Errorf("metrics source is required")
	}
	if opts.Switcher == nil {
		return nil, fmt.Errorf("switcher is required")
	}

	now := opts.Now
	if now == nil {
		now = time.Now
	}
	perf := opts.Performance
	if perf == nil {
		perf = logx.NewPerformanceLogger(logger, 0)
	}

	e := &Engine{
		config:      config,
		logger:      logger,
		perf:        perf,
		source:      opts.Source,
		predictor:   opts.Predictor,
		switcher:    opts.Switcher,
		store:       opts.Store,
		recorders:   opts.Recorders,
		sinks:       opts.Sinks,
		rules:       NewRuleFallback(config.Rules),
		hysteresis:  HysteresisGate{Period: config.Hysteresis()},
		consistency: ConsistencyFilter{Window: config.ConsistencyWindow},
		window:      NewCandidateWindow(config.ConsistencyWindow),
		now:         now,
	}

	switch {
	case opts.State != nil:
		e.state = opts.State.Clone()
	case opts.Store != nil:
		e.state = state.Restore(opts.Store, state.RestoreOptions{
			Baseline: pkg.Algorithm(config.BaselineAlgorithm),
			Capacity: config.ConsistencyWindow,
			Allowed:  config.IsAllowed,
			Now:      now(),
		}, logger)
	default:
		e.state = state.New(pkg.Algorithm(config.BaselineAlgorithm), now(), config.ConsistencyWindow)
	}

	logger.Info("Decision engine created",
		"current_algorithm", e.state.CurrentAlgorithm,
		"hysteresis", config.Hysteresis().String(),
		"consistency_window", config.ConsistencyWindow,
		"predictor", opts.Predictor != nil,
	)
	return e, nil
}

// Initialize reconciles the state with the algorithm the system is running.
// When they differ the system value is adopted as current and appended to the
// history; the last switch time is unchanged.
func (e *Engine) Initialize(ctx context.Context) error {
	reader, ok := e.switcher.(CurrentReader)
	if !ok {
		return nil
	}

	e.cycleMu.Lock()
	defer e.cycleMu.Unlock()

	running, err := reader.Current(ctx)
	if err != nil {
		return fmt.Errorf("failed to read running algorithm: %w", err)
	}
	e.logger.Info("Running congestion control discovered", "algorithm", running)

	e.mu.Lock()
	stored := e.state.CurrentAlgorithm
	if running == stored || !e.config.IsAllowed(running) {
		e.mu.Unlock()
		if running != stored {
			e.logger.Warn("Running algorithm is not in the allowed set, keeping stored state",
				"running", running, "stored", stored)
		}
		return nil
	}
	e.state.Adopt(running)
	rec := e.state.Record()
	e.mu.Unlock()

	e.logger.LogStateChange("current_algorithm", string(stored), string(running), "system value differs from stored state")
	if err := e.persist(rec); err != nil {
		e.logger.Error("Failed to persist reconciled state", "error", err)
	}
	return nil
}

// Run evaluates a cycle, sleeps interval, and repeats until ctx is cancelled.
// Cancellation is observed between cycles only; a running cycle completes.
func (e *Engine) Run(ctx context.Context, interval time.Duration) error {
	e.logger.Info("Decision loop started", "interval", interval.String())

	for ctx.Err() == nil {
		cycleCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.config.CycleTimeout())
		e.Decide(cycleCtx)
		cancel()

		timer := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			timer.Stop()
		case <-timer.C:
		}
	}

	if err := e.Flush(); err != nil {
		e.logger.Error("Failed to flush decision state on shutdown", "error", err)
	}
	e.logger.Info("Decision loop stopped", "cycles", e.cycles.Load())
	return nil
}

// Decide runs exactly one decision cycle. Concurrent calls are serialized.
func (e *Engine) Decide(ctx context.Context) (d *pkg.Decision) {
	e.cycleMu.Lock()
	defer e.cycleMu.Unlock()

	start := time.Now()
	cycleOp := e.perf.StartOperation(logx.PhaseCycle)
	d = &pkg.Decision{ID: uuid.NewString(), Timestamp: e.now()}

	defer func() {
		if r := recover(); r != nil {
			d.Outcome = pkg.OutcomeAborted
			d.Suppression = pkg.SuppressedFault
			d.Reason = "unexpected fault"
			d.Error = fmt.Sprint(r)
			e.logger.Error("Decision cycle fault", "panic", d.Error, "stack", string(debug.Stack()))
		}
		d.Duration = time.Since(start)
		var cycleErr error
		if d.Error != "" {
			cycleErr = errors.New(d.Error)
		}
		cycleOp.Complete(cycleErr)
		e.finish(ctx, d)
	}()

	e.decide(ctx, d)
	return d
}

func (e *Engine) decide(ctx context.Context, d *pkg.Decision) {
	snap, err := e.collect(ctx)
	if err != nil {
		d.Outcome = pkg.OutcomeAborted
		d.Suppression = pkg.SuppressedMetricsUnavailable
		d.Reason = "metrics unavailable"
		d.Error = err.Error()
		e.logger.Warn("Skipping decision cycle", "error", err)
		return
	}
	d.Snapshot = snap

	e.mu.RLock()
	current := e.state.CurrentAlgorithm
	st := e.state.Clone()
	e.mu.RUnlock()
	d.From = current

	candidate, source, reason := e.chooseCandidate(ctx, snap)
	d.Candidate, d.Source, d.Reason = candidate, source, reason
	e.window.Push(candidate)

	now := e.now()
	switch {
	case candidate == current:
		e.noOp(d, pkg.SuppressedSameAlgorithm)
	case !e.hysteresis.Allow(st, now):
		e.noOp(d, pkg.SuppressedHysteresis)
		e.logger.Debug("Switch suppressed by hysteresis",
			"candidate", candidate,
			"remaining", e.hysteresis.Remaining(st, now).String(),
		)
	case !e.consistency.Allow(e.window.Entries(), candidate):
		e.noOp(d, pkg.SuppressedInconsistent)
		e.logger.Debug("Switch suppressed by consistency filter",
			"candidate", candidate,
			"window", e.window.Entries(),
		)
	default:
		e.apply(ctx, d, candidate, now)
	}
}

func (e *Engine) noOp(d *pkg.Decision, why pkg.Suppression) {
	d.Outcome = pkg.OutcomeNoOp
	d.Suppression = why
	d.To = d.From
}

// collect fetches and validates a snapshot and hands it to the sinks
func (e *Engine) collect(ctx context.Context) (*pkg.MetricsSnapshot, error) {
	op := e.perf.StartOperation(logx.PhaseCollect)
	snap, err := e.source.Collect(ctx)
	if err == nil {
		err = snap.Validate()
	}
	op.Complete(err)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMetricsUnavailable, err)
	}

	for _, sink := range e.sinks {
		if err := sink.AddSnapshot(ctx, snap); err != nil {
			e.logger.Warn("Failed to store metrics snapshot", "error", err)
		}
	}
	return snap, nil
}

func (e *Engine) apply(ctx context.Context, d *pkg.Decision, candidate pkg.Algorithm, now time.Time) {
	op := e.perf.StartOperation(logx.PhaseApply)
	err := e.switcher.Apply(ctx, candidate)
	op.Complete(err)

	if err != nil {
		err = fmt.Errorf("%w: %v", ErrSwitchExecution, err)
		e.noOp(d, pkg.SuppressedSwitchFailed)
		d.Error = err.Error()
		e.logger.Error("Failed to apply congestion control",
			"from", d.From,
			"to", candidate,
			"error", err,
		)
		return
	}

	e.mu.Lock()
	e.state.RecordSwitch(candidate, now)
	rec := e.state.Record()
	e.mu.Unlock()

	d.Outcome = pkg.OutcomeSwitched
	d.To = candidate
	e.logger.LogSwitch(string(d.From), string(candidate), string(d.Source), d.Reason)

	if err := e.persist(rec); err != nil {
		d.StateError = err.Error()
		e.logger.Error("Failed to persist decision state", "error", err)
	}
}

func (e *Engine) persist(rec *state.Record) error {
	if e.store == nil {
		return nil
	}
	op := e.perf.StartOperation(logx.PhasePersist)
	err := e.store.Save(rec)
	op.Complete(err)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStatePersistence, err)
	}
	return nil
}

// finish publishes the decision to the recorders. Recorder failures never
// affect the cycle outcome.
func (e *Engine) finish(ctx context.Context, d *pkg.Decision) {
	e.cycles.Add(1)

	e.mu.Lock()
	e.lastDecision = d
	e.mu.Unlock()

	e.logger.Info("Decision cycle completed",
		"outcome", d.Outcome,
		"source", d.Source,
		"candidate", d.Candidate,
		"from", d.From,
		"to", d.To,
		"reason", d.Reason,
		"suppression", d.Suppression,
		"duration", d.Duration.String(),
	)

	for _, r := range e.recorders {
		e.record(ctx, r, d)
	}
}

func (e *Engine) record(ctx context.Context, r Recorder, d *pkg.Decision) {
	defer func() {
		if p := recover(); p != nil {
			e.logger.Error("Decision recorder panicked", "panic", fmt.Sprint(p))
		}
	}()
	if err := r.Record(ctx, d); err != nil {
		e.logger.Warn("Failed to record decision", "decision_id", d.ID, "error", err)
	}
}

// Flush persists the current state. It waits for a running cycle.
func (e *Engine) Flush() error {
	e.cycleMu.Lock()
	defer e.cycleMu.Unlock()

	e.mu.RLock()
	rec := e.state.Record()
	e.mu.RUnlock()
	return e.persist(rec)
}

// Close flushes the state and closes the store
func (e *Engine) Close() error {
	err := e.Flush()
	if e.store != nil {
		if cerr := e.store.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	return err
}

// State returns a copy of the decision state
func (e *Engine) State() *state.DecisionState {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.state.Clone()
}

// Status returns a point-in-time view of the engine
func (e *Engine) Status() Status {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return Status{
		CurrentAlgorithm: e.state.CurrentAlgorithm,
		LastSwitchTime:   e.state.LastSwitchTime,
		History:          append([]pkg.Algorithm(nil), e.state.History...),
		Window:           e.window.Entries(),
		Cycles:           e.cycles.Load(),
		LastDecision:     e.lastDecision,
	}
}

// Rules returns the rule fallback of the engine
func (e *Engine) Rules() *RuleFallback {
	return e.rules
}

// PerformanceMetrics returns the per-phase timings
func (e *Engine) PerformanceMetrics() map[string]*logx.PerformanceMetric {
	return e.perf.GetAllMetrics()
}
