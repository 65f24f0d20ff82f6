package decision

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/markus-lassfolk/ccaswitch/pkg"
	"github.com/markus-lassfolk/ccaswitch/pkg/logx"
	"github.com/markus-lassfolk/ccaswitch/pkg/state"
	"github.com/markus-lassfolk/ccaswitch/pkg/uci"
)

// MockSource returns a fixed snapshot or error, optionally panicking
type MockSource struct {
	mu       sync.Mutex
	Snapshot *pkg.MetricsSnapshot
	Next     []*pkg.MetricsSnapshot
	Err      error
	Panic    bool
	Calls    int
	OnCall   func(n int)
	Delay    time.Duration
	active   atomic.Int32
	MaxSeen  atomic.Int32
}

func (ms *MockSource) Collect(ctx context.Context) (*pkg.MetricsSnapshot, error) {
	n := ms.active.Add(1)
	defer ms.active.Add(-1)
	for {
		seen := ms.MaxSeen.Load()
		if n <= seen || ms.MaxSeen.CompareAndSwap(seen, n) {
			break
		}
	}
	if ms.Delay > 0 {
		time.Sleep(ms.Delay)
	}

	ms.mu.Lock()
	ms.Calls++
	calls := ms.Calls
	snap := ms.Snapshot
	if len(ms.Next) > 0 {
		snap = ms.Next[0]
		ms.Next = ms.Next[1:]
	}
	ms.mu.Unlock()

	if ms.OnCall != nil {
		ms.OnCall(calls)
	}
	if ms.Panic {
		panic("probe exploded")
	}
	if ms.Err != nil {
		return nil, ms.Err
	}
	return snap, nil
}

// MockPredictor returns a fixed answer
type MockPredictor struct {
	Algorithm pkg.Algorithm
	Err       error
	Panic     bool
	Calls     int
}

func (mp *MockPredictor) Predict(ctx context.Context, s *pkg.MetricsSnapshot) (pkg.Algorithm, error) {
	mp.Calls++
	if mp.Panic {
		panic("model exploded")
	}
	return mp.Algorithm, mp.Err
}

// MockSwitcher records applied algorithms
type MockSwitcher struct {
	mu      sync.Mutex
	Applied []pkg.Algorithm
	Err     error
	Running pkg.Algorithm
}

func (sw *MockSwitcher) Apply(ctx context.Context, alg pkg.Algorithm) error {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	if sw.Err != nil {
		return sw.Err
	}
	sw.Applied = append(sw.Applied, alg)
	return nil
}

func (sw *MockSwitcher) AppliedCount() int {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	return len(sw.Applied)
}

// MockReadingSwitcher also reports the running algorithm
type MockReadingSwitcher struct {
	MockSwitcher
}

func (sw *MockReadingSwitcher) Current(ctx context.Context) (pkg.Algorithm, error) {
	return sw.Running, nil
}

// MockStore keeps the last saved record in memory
type MockStore struct {
	mu      sync.Mutex
	Record  *state.Record
	SaveErr error
	Saves   int
}

func (m *MockStore) Load() (*state.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Record == nil {
		return nil, state.ErrNotFound
	}
	return m.Record, nil
}

func (m *MockStore) Save(r *state.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Saves++
	if m.SaveErr != nil {
		return m.SaveErr
	}
	m.Record = r
	return nil
}

func (m *MockStore) Close() error { return nil }

// MockRecorder collects decisions
type MockRecorder struct {
	mu        sync.Mutex
	Decisions []*pkg.Decision
	Err       error
}

func (mr *MockRecorder) Record(ctx context.Context, d *pkg.Decision) error {
	mr.mu.Lock()
	defer mr.mu.Unlock()
	mr.Decisions = append(mr.Decisions, d)
	return mr.Err
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

var baseTime = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func snapshot(rtt, tput, loss float64, bloat *float64) *pkg.MetricsSnapshot {
	return &pkg.MetricsSnapshot{
		RTTMS:          pkg.Float(rtt),
		ThroughputMbps: pkg.Float(tput),
		LossPercent:    pkg.Float(loss),
		BufferbloatMS:  bloat,
		Timestamp:      baseTime,
	}
}

// bloatSnapshot makes the rule fallback answer bbr
func bloatSnapshot() *pkg.MetricsSnapshot {
	return snapshot(65, 75, 0.5, pkg.Float(55))
}

// lossSnapshot makes the rule fallback answer westwood
func lossSnapshot() *pkg.MetricsSnapshot {
	return snapshot(40, 500, 5, nil)
}

// quietSnapshot makes the rule fallback answer cubic
func quietSnapshot() *pkg.MetricsSnapshot {
	return snapshot(20, 500, 0, pkg.Float(5))
}

type testEngine struct {
	*Engine
	source   *MockSource
	switcher *MockSwitcher
	store    *MockStore
	recorder *MockRecorder
	clock    *fakeClock
}

func newTestConfig(window int, hysteresis time.Duration) *uci.Config {
	cfg := uci.Default()
	cfg.ConsistencyWindow = window
	cfg.HysteresisS = int(hysteresis / time.Second)
	return cfg
}

// newTestEngine builds an engine whose last switch happened an hour ago
func newTestEngine(t *testing.T, cfg *uci.Config, current pkg.Algorithm, predictor pkg.Predictor) *testEngine {
	t.Helper()

	te := &testEngine{
		source:   &MockSource{Snapshot: bloatSnapshot()},
		switcher: &MockSwitcher{},
		store:    &MockStore{},
		recorder: &MockRecorder{},
		clock:    &fakeClock{t: baseTime},
	}

	opts := Options{
		Source:    te.source,
		Predictor: predictor,
		Switcher:  te.switcher,
		Store:     te.store,
		State:     state.New(current, baseTime.Add(-time.Hour), cfg.ConsistencyWindow),
		Recorders: []Recorder{te.recorder},
		Now:       te.clock.Now,
	}

	engine, err := NewEngine(cfg, logx.Discard(), opts)
	require.NoError(t, err)
	te.Engine = engine
	return te
}

func TestNewEngine_RequiresCollaborators(t *testing.T) {
	cfg := uci.Default()

	_, err := NewEngine(cfg, logx.Discard(), Options{Switcher: &MockSwitcher{}})
	assert.Error(t, err)

	_, err = NewEngine(cfg, logx.Discard(), Options{Source: &MockSource{}})
	assert.Error(t, err)
}

func TestNewEngine_RestoresFromStore(t *testing.T) {
	cfg := uci.Default()
	store := &MockStore{Record: &state.Record{
		CurrentAlgorithm: "bbr",
		LastSwitchTime:   float64(baseTime.Unix()),
		DecisionHistory:  []string{"bbr"},
	}}

	engine, err := NewEngine(cfg, logx.Discard(), Options{
		Source:   &MockSource{},
		Switcher: &MockSwitcher{},
		Store:    store,
	})
	require.NoError(t, err)

	st := engine.State()
	assert.Equal(t, pkg.AlgorithmBBR, st.CurrentAlgorithm)
	assert.Equal(t, []pkg.Algorithm{"bbr"}, st.History)
	assert.True(t, st.LastSwitchTime.Equal(baseTime))
}

func TestNewEngine_FutureSwitchTimeDoesNotBlock(t *testing.T) {
	cfg := newTestConfig(1, 120*time.Second)
	store := &MockStore{Record: &state.Record{
		CurrentAlgorithm: "cubic",
		LastSwitchTime:   float64(baseTime.Add(365 * 24 * time.Hour).Unix()),
		DecisionHistory:  []string{"cubic"},
	}}
	clock := &fakeClock{t: baseTime}
	sw := &MockSwitcher{}

	engine, err := NewEngine(cfg, logx.Discard(), Options{
		Source:   &MockSource{Snapshot: bloatSnapshot()},
		Switcher: sw,
		Store:    store,
		Now:      clock.Now,
	})
	require.NoError(t, err)
	assert.True(t, engine.State().LastSwitchTime.Equal(baseTime))

	clock.Advance(24 * time.Hour)
	d := engine.Decide(context.Background())
	assert.Equal(t, pkg.OutcomeSwitched, d.Outcome)
	assert.Equal(t, []pkg.Algorithm{"bbr"}, sw.Applied)
}

// TestEngine_Scenario: the predictor always fails and the rule fallback
// answers bbr every cycle. The window must fill before the switch happens.
func TestEngine_Scenario(t *testing.T) {
	cfg := newTestConfig(5, 120*time.Second)
	predictor := &MockPredictor{Err: errors.New("model file missing")}
	te := newTestEngine(t, cfg, pkg.AlgorithmCubic, predictor)

	for cycle := 1; cycle <= 5; cycle++ {
		d := te.Decide(context.Background())

		assert.Equal(t, pkg.SourceRule, d.Source, "cycle %d", cycle)
		assert.Equal(t, pkg.AlgorithmBBR, d.Candidate, "cycle %d", cycle)
		assert.Equal(t, "high bufferbloat", d.Reason, "cycle %d", cycle)

		if cycle < 5 {
			assert.Equal(t, pkg.OutcomeNoOp, d.Outcome, "cycle %d", cycle)
			assert.Equal(t, pkg.SuppressedInconsistent, d.Suppression, "cycle %d", cycle)
			assert.Empty(t, te.switcher.Applied, "cycle %d", cycle)
			continue
		}

		assert.Equal(t, pkg.OutcomeSwitched, d.Outcome)
		assert.Equal(t, pkg.AlgorithmCubic, d.From)
		assert.Equal(t, pkg.AlgorithmBBR, d.To)
	}

	assert.Equal(t, []pkg.Algorithm{"bbr"}, te.switcher.Applied)
	assert.Equal(t, 5, predictor.Calls)

	st := te.State()
	assert.Equal(t, pkg.AlgorithmBBR, st.CurrentAlgorithm)
	assert.Equal(t, []pkg.Algorithm{"bbr"}, st.History)
	assert.True(t, st.LastSwitchTime.Equal(baseTime))

	require.NotNil(t, te.store.Record)
	assert.Equal(t, "bbr", te.store.Record.CurrentAlgorithm)
	assert.Len(t, te.recorder.Decisions, 5)
}

func TestEngine_ConsistencyRejectsMixedWindow(t *testing.T) {
	cfg := newTestConfig(5, 0)
	te := newTestEngine(t, cfg, pkg.AlgorithmBBR, nil)
	te.source.Next = []*pkg.MetricsSnapshot{
		bloatSnapshot(), bloatSnapshot(), bloatSnapshot(), bloatSnapshot(), quietSnapshot(),
	}

	var last *pkg.Decision
	for i := 0; i < 5; i++ {
		last = te.Decide(context.Background())
	}

	assert.Equal(t, []pkg.Algorithm{"bbr", "bbr", "bbr", "bbr", "cubic"}, te.Status().Window)
	assert.Equal(t, pkg.AlgorithmCubic, last.Candidate)
	assert.Equal(t, pkg.OutcomeNoOp, last.Outcome)
	assert.Equal(t, pkg.SuppressedInconsistent, last.Suppression)
	assert.Empty(t, te.switcher.Applied)
	assert.Equal(t, pkg.AlgorithmBBR, te.State().CurrentAlgorithm)
}

func TestEngine_HysteresisSpacing(t *testing.T) {
	cfg := newTestConfig(1, 120*time.Second)
	te := newTestEngine(t, cfg, pkg.AlgorithmCubic, nil)

	d := te.Decide(context.Background())
	require.Equal(t, pkg.OutcomeSwitched, d.Outcome)
	require.Equal(t, pkg.AlgorithmBBR, d.To)

	te.source.Snapshot = lossSnapshot()
	te.clock.Advance(60 * time.Second)
	d = te.Decide(context.Background())
	assert.Equal(t, pkg.AlgorithmWestwood, d.Candidate)
	assert.Equal(t, pkg.OutcomeNoOp, d.Outcome)
	assert.Equal(t, pkg.SuppressedHysteresis, d.Suppression)

	te.clock.Advance(60 * time.Second)
	d = te.Decide(context.Background())
	assert.Equal(t, pkg.OutcomeSwitched, d.Outcome)
	assert.Equal(t, pkg.AlgorithmWestwood, d.To)

	st := te.State()
	assert.Equal(t, []pkg.Algorithm{"westwood"}, st.History)
	assert.True(t, st.LastSwitchTime.Equal(baseTime.Add(120*time.Second)))
	assert.Equal(t, []pkg.Algorithm{"bbr", "westwood"}, te.switcher.Applied)
}

func TestEngine_IdempotentWhenCandidateIsCurrent(t *testing.T) {
	cfg := newTestConfig(3, 0)
	te := newTestEngine(t, cfg, pkg.AlgorithmBBR, nil)
	before := te.State()

	for i := 0; i < 10; i++ {
		d := te.Decide(context.Background())
		assert.Equal(t, pkg.OutcomeNoOp, d.Outcome)
		assert.Equal(t, pkg.SuppressedSameAlgorithm, d.Suppression)
		assert.Equal(t, pkg.AlgorithmBBR, d.To)
	}

	after := te.State()
	assert.Empty(t, te.switcher.Applied)
	assert.Equal(t, before.CurrentAlgorithm, after.CurrentAlgorithm)
	assert.Equal(t, before.History, after.History)
	assert.True(t, before.LastSwitchTime.Equal(after.LastSwitchTime))
	assert.Zero(t, te.store.Saves)
}

func TestEngine_PredictorAnswers(t *testing.T) {
	cfg := newTestConfig(1, 0)

	t.Run("model answer is used", func(t *testing.T) {
		te := newTestEngine(t, cfg, pkg.AlgorithmCubic, &MockPredictor{Algorithm: pkg.AlgorithmWestwood})
		d := te.Decide(context.Background())
		assert.Equal(t, pkg.SourceModel, d.Source)
		assert.Equal(t, pkg.AlgorithmWestwood, d.To)
	})

	t.Run("warming up falls back", func(t *testing.T) {
		te := newTestEngine(t, cfg, pkg.AlgorithmCubic, &MockPredictor{Err: pkg.ErrNotReady})
		d := te.Decide(context.Background())
		assert.Equal(t, pkg.SourceRule, d.Source)
		assert.Equal(t, pkg.AlgorithmBBR, d.To)
	})

	t.Run("unknown algorithm falls back", func(t *testing.T) {
		te := newTestEngine(t, cfg, pkg.AlgorithmCubic, &MockPredictor{Algorithm: "vegas"})
		d := te.Decide(context.Background())
		assert.Equal(t, pkg.SourceRule, d.Source)
		assert.Equal(t, pkg.AlgorithmBBR, d.Candidate)
	})

	t.Run("panicking predictor falls back", func(t *testing.T) {
		te := newTestEngine(t, cfg, pkg.AlgorithmCubic, &MockPredictor{Panic: true})
		d := te.Decide(context.Background())
		assert.Equal(t, pkg.SourceRule, d.Source)
		assert.Equal(t, pkg.OutcomeSwitched, d.Outcome)
	})
}

func TestEngine_TryPredictErrors(t *testing.T) {
	cfg := newTestConfig(1, 0)
	snap := bloatSnapshot()

	te := newTestEngine(t, cfg, pkg.AlgorithmCubic, nil)
	_, err := te.tryPredict(context.Background(), snap)
	var perr *PredictionError
	require.ErrorAs(t, err, &perr)
	assert.ErrorIs(t, err, ErrPredictionFailure)

	te = newTestEngine(t, cfg, pkg.AlgorithmCubic, &MockPredictor{Err: pkg.ErrNotReady})
	_, err = te.tryPredict(context.Background(), snap)
	assert.ErrorIs(t, err, ErrPredictionFailure)
	assert.ErrorIs(t, err, pkg.ErrNotReady)
}

func TestEngine_MetricsUnavailable(t *testing.T) {
	cfg := newTestConfig(1, 0)

	tests := []struct {
		name   string
		source *MockSource
	}{
		{"collect error", &MockSource{Err: errors.New("iperf3 timed out")}},
		{"missing rtt", &MockSource{Snapshot: &pkg.MetricsSnapshot{
			ThroughputMbps: pkg.Float(10), LossPercent: pkg.Float(0),
		}}},
		{"negative loss", &MockSource{Snapshot: snapshot(10, 10, -1, nil)}},
		{"nil snapshot", &MockSource{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			te := newTestEngine(t, cfg, pkg.AlgorithmCubic, nil)
			te.source.Snapshot = tt.source.Snapshot
			te.source.Err = tt.source.Err
			before := te.State()

			d := te.Decide(context.Background())

			assert.Equal(t, pkg.OutcomeAborted, d.Outcome)
			assert.Equal(t, pkg.SuppressedMetricsUnavailable, d.Suppression)
			assert.Contains(t, d.Error, ErrMetricsUnavailable.Error())
			assert.Empty(t, te.switcher.Applied)
			assert.Empty(t, te.Status().Window)
			assert.Equal(t, before.CurrentAlgorithm, te.State().CurrentAlgorithm)
			assert.Len(t, te.recorder.Decisions, 1)
		})
	}
}

func TestEngine_SwitchFailureLeavesStateUnchanged(t *testing.T) {
	cfg := newTestConfig(1, 0)
	te := newTestEngine(t, cfg, pkg.AlgorithmCubic, nil)
	te.switcher.Err = errors.New("sysctl: permission denied")

	d := te.Decide(context.Background())

	assert.Equal(t, pkg.OutcomeNoOp, d.Outcome)
	assert.Equal(t, pkg.SuppressedSwitchFailed, d.Suppression)
	assert.Contains(t, d.Error, ErrSwitchExecution.Error())
	st := te.State()
	assert.Equal(t, pkg.AlgorithmCubic, st.CurrentAlgorithm)
	assert.Empty(t, st.History)
	assert.Zero(t, te.store.Saves)

	// the next cycle retries
	te.switcher.Err = nil
	d = te.Decide(context.Background())
	assert.Equal(t, pkg.OutcomeSwitched, d.Outcome)
}

func TestEngine_PersistenceFailureIsNotFatal(t *testing.T) {
	cfg := newTestConfig(1, 0)
	te := newTestEngine(t, cfg, pkg.AlgorithmCubic, nil)
	te.store.SaveErr = errors.New("disk full")

	d := te.Decide(context.Background())

	assert.Equal(t, pkg.OutcomeSwitched, d.Outcome)
	assert.Contains(t, d.StateError, ErrStatePersistence.Error())
	assert.Equal(t, pkg.AlgorithmBBR, te.State().CurrentAlgorithm)

	te.source.Snapshot = lossSnapshot()
	d = te.Decide(context.Background())
	assert.Equal(t, pkg.OutcomeSwitched, d.Outcome)
	assert.Equal(t, pkg.AlgorithmWestwood, te.State().CurrentAlgorithm)
	assert.Equal(t, 2, te.store.Saves)
}

func TestEngine_PanicIsContainedToCycle(t *testing.T) {
	cfg := newTestConfig(1, 0)
	te := newTestEngine(t, cfg, pkg.AlgorithmCubic, nil)
	te.source.Panic = true

	d := te.Decide(context.Background())
	assert.Equal(t, pkg.OutcomeAborted, d.Outcome)
	assert.Equal(t, pkg.SuppressedFault, d.Suppression)
	assert.Contains(t, d.Error, "probe exploded")

	te.source.Panic = false
	d = te.Decide(context.Background())
	assert.Equal(t, pkg.OutcomeSwitched, d.Outcome)
}

type panickingRecorder struct{}

func (panickingRecorder) Record(context.Context, *pkg.Decision) error { panic("recorder bug") }

func TestEngine_RecorderFailuresAreIgnored(t *testing.T) {
	cfg := newTestConfig(1, 0)
	te := newTestEngine(t, cfg, pkg.AlgorithmCubic, nil)
	te.recorder.Err = errors.New("broker down")
	te.recorders = append([]Recorder{panickingRecorder{}}, te.recorders...)

	d := te.Decide(context.Background())

	assert.Equal(t, pkg.OutcomeSwitched, d.Outcome)
	assert.Len(t, te.recorder.Decisions, 1)
	assert.Equal(t, d, te.Status().LastDecision)
}

func TestEngine_NoOverlap(t *testing.T) {
	cfg := newTestConfig(3, 0)
	te := newTestEngine(t, cfg, pkg.AlgorithmCubic, nil)
	te.source.Delay = 2 * time.Millisecond

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			te.Decide(context.Background())
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), te.source.MaxSeen.Load(), "cycles overlapped")
	assert.Equal(t, uint64(20), te.Status().Cycles)
	assert.Equal(t, 1, te.switcher.AppliedCount())
}

func TestEngine_RunStopsBetweenCycles(t *testing.T) {
	cfg := newTestConfig(1, 0)
	te := newTestEngine(t, cfg, pkg.AlgorithmCubic, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// cancel while the third cycle is in flight; it must still complete
	te.source.OnCall = func(n int) {
		if n == 3 {
			cancel()
		}
	}

	done := make(chan error, 1)
	go func() { done <- te.Run(ctx, time.Millisecond) }()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancellation")
	}

	assert.Equal(t, uint64(3), te.Status().Cycles)
	assert.Len(t, te.recorder.Decisions, 3)
	require.NotNil(t, te.store.Record)
	assert.Equal(t, "bbr", te.store.Record.CurrentAlgorithm)
}

func TestEngine_InitializeAdoptsRunningAlgorithm(t *testing.T) {
	cfg := newTestConfig(3, 0)
	sw := &MockReadingSwitcher{MockSwitcher{Running: pkg.AlgorithmWestwood}}
	store := &MockStore{}

	engine, err := NewEngine(cfg, logx.Discard(), Options{
		Source:   &MockSource{Snapshot: quietSnapshot()},
		Switcher: sw,
		Store:    store,
		State:    state.New(pkg.AlgorithmCubic, baseTime, 3),
	})
	require.NoError(t, err)

	require.NoError(t, engine.Initialize(context.Background()))

	st := engine.State()
	assert.Equal(t, pkg.AlgorithmWestwood, st.CurrentAlgorithm)
	assert.Equal(t, []pkg.Algorithm{"westwood"}, st.History)
	assert.True(t, st.LastSwitchTime.Equal(baseTime))
	require.NotNil(t, store.Record)
	assert.Equal(t, "westwood", store.Record.CurrentAlgorithm)
	assert.Equal(t, []string{"westwood"}, store.Record.DecisionHistory)

	sw.Running = "vegas"
	require.NoError(t, engine.Initialize(context.Background()))
	assert.Equal(t, pkg.AlgorithmWestwood, engine.State().CurrentAlgorithm)
}

func TestEngine_CloseFlushes(t *testing.T) {
	cfg := newTestConfig(1, 0)
	te := newTestEngine(t, cfg, pkg.AlgorithmCubic, nil)

	require.NoError(t, te.Close())
	require.NotNil(t, te.store.Record)
	assert.Equal(t, "cubic", te.store.Record.CurrentAlgorithm)

	te.store.SaveErr = fmt.Errorf("read-only filesystem")
	err := te.Flush()
	assert.ErrorIs(t, err, ErrStatePersistence)
}

func TestEngine_PerformanceMetrics(t *testing.T) {
	cfg := newTestConfig(1, 0)
	te := newTestEngine(t, cfg, pkg.AlgorithmCubic, &MockPredictor{Algorithm: pkg.AlgorithmBBR})

	te.Decide(context.Background())

	metrics := te.PerformanceMetrics()
	for _, phase := range []string{logx.PhaseCycle, logx.PhaseCollect, logx.PhasePredict, logx.PhaseApply, logx.PhasePersist} {
		if m, ok := metrics[phase]; !ok || m.Count != 1 {
			t.Errorf("Expected one %s measurement, got %+v", phase, m)
		}
	}
}

func TestEngine_PredictorPanicIsTimed(t *testing.T) {
	cfg := newTestConfig(1, 0)
	te := newTestEngine(t, cfg, pkg.AlgorithmCubic, &MockPredictor{Panic: true})

	te.Decide(context.Background())

	m, ok := te.PerformanceMetrics()[logx.PhasePredict]
	require.True(t, ok, "predict phase was not recorded")
	assert.Equal(t, int64(1), m.Count)
	assert.Equal(t, int64(1), m.ErrorCount)
}
