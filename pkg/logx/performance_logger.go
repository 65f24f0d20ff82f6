package logx

import (
	"fmt"
	"sync"
	"time"
)

// Phase names timed by the decision engine
const (
	PhaseCollect = "collect"
	PhasePredict = "predict"
	PhaseApply   = "apply"
	PhasePersist = "persist"
	PhaseCycle   = "cycle"
)

// PerformanceLogger tracks how long each phase of a decision cycle takes
type PerformanceLogger struct {
	logger        *Logger
	slowThreshold time.Duration

	mu      sync.RWMutex
	metrics map[string]*PerformanceMetric
}

// PerformanceMetric aggregates timings for a single phase
type PerformanceMetric struct {
	Name          string        `json:"name"`
	Count         int64         `json:"count"`
	ErrorCount    int64         `json:"error_count"`
	TotalDuration time.Duration `json:"total_duration"`
	MinDuration   time.Duration `json:"min_duration"`
	MaxDuration   time.Duration `json:"max_duration"`
	LastDuration  time.Duration `json:"last_duration"`
	LastExecuted  time.Time     `json:"last_executed"`
}

// AvgDuration returns the mean duration over all recorded operations
func (m *PerformanceMetric) AvgDuration() time.Duration {
	if m.Count == 0 {
		return 0
	}
	return m.TotalDuration / time.Duration(m.Count)
}

// SuccessRate returns the percentage of operations without error
func (m *PerformanceMetric) SuccessRate() float64 {
	if m.Count == 0 {
		return 100
	}
	return float64(m.Count-m.ErrorCount) / float64(m.Count) * 100
}

// PerformanceContext is a running timer returned by StartOperation
type PerformanceContext struct {
	name      string
	startTime time.Time
	pl        *PerformanceLogger
}

// NewPerformanceLogger creates a performance logger. Operations slower than
// slowThreshold are logged at warn level; zero disables that.
func NewPerformanceLogger(logger *Logger, slowThreshold time.Duration) *PerformanceLogger {
	return &PerformanceLogger{
		logger:        logger,
		slowThreshold: slowThreshold,
		metrics:       make(map[string]*PerformanceMetric),
	}
}

// StartOperation starts timing the named phase
func (pl *PerformanceLogger) StartOperation(name string) *PerformanceContext {
	return &PerformanceContext{name: name, startTime: time.Now(), pl: pl}
}

// Complete stops the timer and records the result
func (pc *PerformanceContext) Complete(err error) time.Duration {
	d := time.Since(pc.startTime)
	pc.pl.record(pc.name, d, err)
	return d
}

func (pl *PerformanceLogger) record(name string, d time.Duration, err error) {
	pl.mu.Lock()
	m, ok := pl.metrics[name]
	if !ok {
		m = &PerformanceMetric{Name: name, MinDuration: d}
		pl.metrics[name] = m
	}
	m.Count++
	m.TotalDuration += d
	m.LastDuration = d
	m.LastExecuted = time.Now()
	if d < m.MinDuration {
		m.MinDuration = d
	}
	if d > m.MaxDuration {
		m.MaxDuration = d
	}
	if err != nil {
		m.ErrorCount++
	}
	pl.mu.Unlock()

	if pl.slowThreshold > 0 && d > pl.slowThreshold {
		pl.logger.Warn("Slow cycle phase",
			"phase", name,
			"duration", d.String(),
			"threshold", pl.slowThreshold.String(),
		)
	}
}

// GetMetric returns a copy of the named metric or nil
func (pl *PerformanceLogger) GetMetric(name string) *PerformanceMetric {
	pl.mu.RLock()
	defer pl.mu.RUnlock()

	m, ok := pl.metrics[name]
	if !ok {
		return nil
	}
	cp := *m
	return &cp
}

// GetAllMetrics returns copies of every phase metric
func (pl *PerformanceLogger) GetAllMetrics() map[string]*PerformanceMetric {
	pl.mu.RLock()
	defer pl.mu.RUnlock()

	out := make(map[string]*PerformanceMetric, len(pl.metrics))
	for name, m := range pl.metrics {
		cp := *m
		out[name] = &cp
	}
	return out
}

// LogMetrics writes a summary line per phase
func (pl *PerformanceLogger) LogMetrics() {
	for name, m := range pl.GetAllMetrics() {
		pl.logger.Info("Cycle phase summary",
			"phase", name,
			"count", m.Count,
			"avg_duration", m.AvgDuration().String(),
			"min_duration", m.MinDuration.String(),
			"max_duration", m.MaxDuration.String(),
			"success_rate", fmt.Sprintf("%.2f%%", m.SuccessRate()),
		)
	}
}
