// Package metrics exports decision cycle metrics to Prometheus.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/markus-lassfolk/ccaswitch/pkg"
	"github.com/markus-lassfolk/ccaswitch/pkg/logx"
)

const namespace = "ccaswitch"

// Recorder turns decisions into Prometheus metrics. It implements
// decision.Recorder and pkg.SnapshotSink.
type Recorder struct {
	registry *prometheus.Registry

	cycles         *prometheus.CounterVec
	suppressions   *prometheus.CounterVec
	switches       *prometheus.CounterVec
	switchFailures prometheus.Counter
	stateFailures  prometheus.Counter
	currentAlg     *prometheus.GaugeVec
	cycleDuration  prometheus.Histogram
	lastDecision   prometheus.Gauge
	pathMetrics    *prometheus.GaugeVec
	retransmits    prometheus.Gauge

	mu      sync.Mutex
	current pkg.Algorithm
}

// NewRecorder creates a recorder with its own registry. Go runtime and
// process collectors are registered alongside.
func NewRecorder() *Recorder {
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		cycles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "decision_cycles_total",
			Help:      "Decision cycles by outcome and candidate source.",
		}, []string{"outcome", "source"}),
		suppressions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "suppressed_cycles_total",
			Help:      "Cycles that did not switch, by reason.",
		}, []string{"reason"}),
		switches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "switches_total",
			Help:      "Applied algorithm switches by target algorithm.",
		}, []string{"to"}),
		switchFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "switch_failures_total",
			Help:      "Switch attempts rejected by the kernel.",
		}),
		stateFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "state_persist_failures_total",
			Help:      "Cycles whose decision state could not be persisted.",
		}),
		currentAlg: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "current_algorithm",
			Help:      "Set to 1 for the congestion control algorithm currently applied.",
		}, []string{"algorithm"}),
		cycleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "decision_cycle_duration_seconds",
			Help:      "Wall time of one decision cycle including metric collection.",
			Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 20, 30, 60},
		}),
		lastDecision: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_decision_timestamp_seconds",
			Help:      "Unix time of the most recent decision.",
		}),
		pathMetrics: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "path_metric",
			Help:      "Latest valid path measurement (rtt_ms, throughput_mbps, loss_percent, bufferbloat_ms).",
		}, []string{"metric"}),
		retransmits: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "tcp_lost_retransmits",
			Help:      "TCPLostRetransmit counter from the latest snapshot.",
		}),
	}

	r.registry.MustRegister(
		r.cycles,
		r.suppressions,
		r.switches,
		r.switchFailures,
		r.stateFailures,
		r.currentAlg,
		r.cycleDuration,
		r.lastDecision,
		r.pathMetrics,
		r.retransmits,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return r
}

// Registry returns the registry the recorder writes to
func (r *Recorder) Registry() *prometheus.Registry {
	return r.registry
}

// SetCurrent marks alg as the applied algorithm
func (r *Recorder) SetCurrent(alg pkg.Algorithm) {
	if alg == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.current != "" && r.current != alg {
		r.currentAlg.DeleteLabelValues(string(r.current))
	}
	r.current = alg
	r.currentAlg.WithLabelValues(string(alg)).Set(1)
}

// Record implements decision.Recorder
func (r *Recorder) Record(ctx context.Context, d *pkg.Decision) error {
	source := string(d.Source)
	if source == "" {
		source = "none"
	}
	r.cycles.WithLabelValues(string(d.Outcome), source).Inc()
	r.cycleDuration.Observe(d.Duration.Seconds())
	r.lastDecision.Set(float64(d.Timestamp.Unix()))

	if d.Suppression != pkg.SuppressedNone {
		r.suppressions.WithLabelValues(string(d.Suppression)).Inc()
	}
	if d.Suppression == pkg.SuppressedSwitchFailed {
		r.switchFailures.Inc()
	}
	if d.StateError != "" {
		r.stateFailures.Inc()
	}
	if d.Outcome == pkg.OutcomeSwitched {
		r.switches.WithLabelValues(string(d.To)).Inc()
		r.SetCurrent(d.To)
	}
	return nil
}

// AddSnapshot implements pkg.SnapshotSink
func (r *Recorder) AddSnapshot(ctx context.Context, snap *pkg.MetricsSnapshot) error {
	r.pathMetrics.WithLabelValues("rtt_ms").Set(snap.RTT())
	r.pathMetrics.WithLabelValues("throughput_mbps").Set(snap.Throughput())
	r.pathMetrics.WithLabelValues("loss_percent").Set(snap.Loss())
	if bloat, ok := snap.Bufferbloat(); ok {
		r.pathMetrics.WithLabelValues("bufferbloat_ms").Set(bloat)
	}
	r.retransmits.Set(float64(snap.Retransmits))
	r.SetCurrent(snap.CurrentAlgorithm)
	return nil
}

// Server serves /metrics for a recorder
type Server struct {
	srv    *http.Server
	logger *logx.Logger
}

// NewServer creates a metrics server listening on port
func NewServer(r *Recorder, port int, logger *logx.Logger) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})
	return &Server{
		srv: &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
		logger: logger,
	}
}

// Run serves until ctx is cancelled, then shuts down gracefully
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Metrics server listening", "addr", s.srv.Addr)
		errCh <- s.srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("metrics server failed: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("failed to shut down metrics server: %w", err)
		}
		s.logger.Info("Metrics server stopped")
		return nil
	}
}

// Handler returns the HTTP handler of the server
func (s *Server) Handler() http.Handler {
	return s.srv.Handler
}
