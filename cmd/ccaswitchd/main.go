package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/markus-lassfolk/ccaswitch/pkg"
	"github.com/markus-lassfolk/ccaswitch/pkg/audit"
	"github.com/markus-lassfolk/ccaswitch/pkg/collector"
	"github.com/markus-lassfolk/ccaswitch/pkg/controller"
	"github.com/markus-lassfolk/ccaswitch/pkg/decision"
	"github.com/markus-lassfolk/ccaswitch/pkg/logx"
	"github.com/markus-lassfolk/ccaswitch/pkg/metrics"
	"github.com/markus-lassfolk/ccaswitch/pkg/mqtt"
	"github.com/markus-lassfolk/ccaswitch/pkg/pidfile"
	"github.com/markus-lassfolk/ccaswitch/pkg/predictive"
	"github.com/markus-lassfolk/ccaswitch/pkg/state"
	"github.com/markus-lassfolk/ccaswitch/pkg/telem"
	"github.com/markus-lassfolk/ccaswitch/pkg/uci"
)

var (
	configPath = flag.String("config", uci.DefaultConfigPath, "Path to UCI or YAML configuration file")
	pidPath    = flag.String("pid-file", "/var/run/ccaswitchd.pid", "Path to PID file")
	logLevel   = flag.String("log-level", "", "Override log level (debug|info|warn|error|trace)")
	version    = flag.Bool("version", false, "Show version information")
	verbose    = flag.Bool("verbose", false, "Enable verbose logging (equivalent to trace level)")
	dryRun     = flag.Bool("dry-run", false, "Dry run mode - don't switch algorithms, only log intended actions")
	force      = flag.Bool("force", false, "Force start by removing an existing PID file")
	once       = flag.Bool("once", false, "Run a single decision cycle, print it and exit")
)

const (
	AppName    = "ccaswitchd"
	AppVersion = "1.0.0"

	heartbeatInterval = 10 * time.Second
	telemetryCapacity = 8640
	telemetryHours    = 24
)

func main() {
	flag.Parse()

	if *version {
		fmt.Printf("%s version %s\n", AppName, AppVersion)
		os.Exit(0)
	}

	cfg, err := uci.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: failed to load configuration %s: %v\n", *configPath, err)
		os.Exit(1)
	}

	effectiveLogLevel := cfg.LogLevel
	if *logLevel != "" {
		effectiveLogLevel = *logLevel
	}
	if *verbose {
		effectiveLogLevel = "trace"
	}
	logger := logx.NewLogger(effectiveLogLevel, AppName)
	if cfg.LogFile != "" {
		if err := logger.SetOutputFile(cfg.LogFile); err != nil {
			logger.Warn("Failed to open log file, logging to stderr", "error", err, "path", cfg.LogFile)
		}
	}
	if *dryRun {
		cfg.DryRun = true
	}
	if !cfg.Enable {
		logger.Info("ccaswitch is disabled in configuration, exiting", "config", *configPath)
		return
	}

	if !*once {
		pidFile := pidfile.New(*pidPath)
		if *force {
			if running, existingPID, _ := pidFile.CheckRunning(); running {
				logger.Warn("Another instance is running, but force flag specified", "existing_pid", existingPID)
				if err := os.Remove(pidFile.Path()); err != nil {
					logger.Error("Failed to remove existing PID file", "error", err)
					os.Exit(1)
				}
			}
		}
		if err := pidFile.Create(); err != nil {
			logger.Error("Failed to create PID file", "error", err, "path", *pidPath)
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			fmt.Fprintf(os.Stderr, "Use --force to override, or stop the existing instance first\n")
			os.Exit(1)
		}
		defer func() {
			if err := pidFile.Remove(); err != nil {
				logger.Error("Failed to remove PID file", "error", err)
			}
		}()
	}

	if err := run(cfg, logger); err != nil {
		logger.Error("Daemon failed", "error", err)
		os.Exit(1)
	}
}

// daemon holds the wired components of a running ccaswitchd
type daemon struct {
	cfg    *uci.Config
	logger *logx.Logger

	engine    *decision.Engine
	ctrl      *controller.Controller
	predictor *predictive.Reloadable
	telemetry *telem.Store
	mqtt      *mqtt.Client
	prom      *metrics.Recorder
	history   *audit.HistoryDB
	influx    *telem.InfluxWriter

	startTime time.Time
}

func run(cfg *uci.Config, logger *logx.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	d, err := newDaemon(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer d.close()

	if err := d.engine.Initialize(ctx); err != nil {
		logger.Warn("Failed to discover running congestion control", "error", err)
	}
	d.prom.SetCurrent(d.engine.Status().CurrentAlgorithm)

	if *once {
		cycleCtx, cycleCancel := context.WithTimeout(ctx, cfg.CycleTimeout())
		defer cycleCancel()
		dec := d.engine.Decide(cycleCtx)
		out, err := json.MarshalIndent(dec, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal decision: %w", err)
		}
		fmt.Println(string(out))
		return nil
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(sigChan)

	for _, r := range d.engine.Rules().Rules() {
		logger.Debug("Fallback rule", "rule", r.Name, "condition", r.Description, "target", r.Target)
	}
	logger.Info("Starting ccaswitch daemon",
		"version", AppVersion,
		"pid", os.Getpid(),
		"config", *configPath,
		"dry_run", cfg.DryRun,
	)

	err = d.serve(ctx, sigChan)
	logger.Info("ccaswitch daemon stopped", "uptime", time.Since(d.startTime).Round(time.Second).String())
	return err
}

// serve runs the decision loop and its companions until ctx is cancelled or
// a shutdown signal arrives. A failing metrics exporter is logged and does
// not stop the loop.
func (d *daemon) serve(ctx context.Context, sigChan <-chan os.Signal) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return d.engine.Run(gctx, d.cfg.PollInterval())
	})
	g.Go(func() error {
		d.heartbeatLoop(gctx)
		return nil
	})
	if d.cfg.Metrics.Enabled {
		server := metrics.NewServer(d.prom, d.cfg.Metrics.Port, d.logger.With("component", "metrics"))
		g.Go(func() error {
			if err := server.Run(gctx); err != nil {
				d.logger.Error("Metrics exporter stopped, decisions continue without it", "error", err)
			}
			return nil
		})
	}
	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return nil
			case sig := <-sigChan:
				if sig == syscall.SIGHUP {
					d.reload(gctx)
					continue
				}
				d.logger.Info("Received shutdown signal", "signal", sig)
				cancel()
				return nil
			}
		}
	})
	return g.Wait()
}

func newDaemon(ctx context.Context, cfg *uci.Config, logger *logx.Logger) (*daemon, error) {
	d := &daemon{cfg: cfg, logger: logger, startTime: time.Now()}

	store, err := state.Open(cfg.StateBackend, cfg.StatePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open state store: %w", err)
	}

	source := collector.NewShellCollector(cfg.Probe, collector.ExecRunner{}, logger.With("component", "collector"))
	ctrl := controller.NewController(cfg.Switcher, collector.ExecRunner{}, logger.With("component", "controller"))
	ctrl.SetDryRun(cfg.DryRun)
	d.ctrl = ctrl

	d.prom = metrics.NewRecorder()
	ctrl.AddSwitchCallback(func(from, to pkg.Algorithm) error {
		d.prom.SetCurrent(to)
		return nil
	})

	d.predictor, err = predictive.New(ctx, cfg.Predictor, logger.With("component", "predictor"))
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("failed to create predictor: %w", err)
	}
	var predictor pkg.Predictor
	if d.predictor != nil {
		predictor = d.predictor
	}

	telemetry, err := telem.NewStore(telemetryHours, telemetryCapacity)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("failed to create telemetry store: %w", err)
	}
	d.telemetry = telemetry

	recorders := []decision.Recorder{
		audit.NewDecisionLogger(logger.With("component", "audit"), 0, cfg.AuditDir),
		d.telemetry,
		d.prom,
	}
	sinks := []pkg.SnapshotSink{d.telemetry, d.prom}

	if cfg.HistoryDB != "" {
		d.history, err = audit.OpenHistoryDB(cfg.HistoryDB, audit.DefaultMaxRows, logger.With("component", "history"))
		if err != nil {
			logger.Warn("Decision history database unavailable", "error", err, "path", cfg.HistoryDB)
		} else {
			recorders = append(recorders, d.history)
		}
	}

	if cfg.MQTT.Enabled {
		d.mqtt = mqtt.NewClient(cfg.MQTT, logger.With("component", "mqtt"))
		if err := d.mqtt.Connect(ctx); err != nil {
			logger.Warn("MQTT broker unavailable, continuing without publication", "error", err)
		}
		recorders = append(recorders, d.mqtt)
	}

	if cfg.Influx.Enabled {
		host, _ := os.Hostname()
		d.influx, err = telem.NewInfluxWriter(cfg.Influx, host, logger.With("component", "influx"))
		if err != nil {
			logger.Warn("InfluxDB export disabled", "error", err)
		} else {
			sinks = append(sinks, d.influx)
		}
	}

	d.engine, err = decision.NewEngine(cfg, logger.With("component", "decision"), decision.Options{
		Source:      source,
		Predictor:   predictor,
		Switcher:    ctrl,
		Store:       store,
		Recorders:   recorders,
		Sinks:       sinks,
		Performance: logx.NewPerformanceLogger(logger, cfg.CycleTimeout()/2),
	})
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("failed to create decision engine: %w", err)
	}
	return d, nil
}

// reload swaps in a freshly loaded predictor. A sequence predictor starts
// its warm-up again.
func (d *daemon) reload(ctx context.Context) {
	if d.predictor == nil {
		d.logger.Info("SIGHUP received, no predictor configured")
		return
	}
	if err := d.predictor.Reload(ctx); err != nil {
		d.logger.Error("Predictor reload failed, keeping previous model", "error", err)
		return
	}
	d.logger.Info("Predictor reloaded")
}

func (d *daemon) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			d.logger.Info("Heartbeat writer stopped")
			return
		case <-ticker.C:
			hb := d.heartbeat()
			if d.cfg.HeartbeatPath != "" {
				if err := telem.WriteHeartbeat(d.cfg.HeartbeatPath, hb); err != nil {
					d.logger.Error("Failed to write heartbeat", "error", err, "path", d.cfg.HeartbeatPath)
				}
			}
			if d.mqtt != nil {
				if err := d.mqtt.PublishStatus(hb); err != nil {
					d.logger.Warn("Failed to publish status", "error", err)
				}
			}
			d.logger.Debug("Heartbeat written", "status", hb.Status, "cycles", hb.Cycles, "mem_mb", hb.MemMB)
		}
	}
}

func (d *daemon) heartbeat() *telem.Heartbeat {
	status := d.engine.Status()
	hb := &telem.Heartbeat{
		Timestamp:        time.Now().UTC().Format(time.RFC3339),
		UptimeS:          int64(time.Since(d.startTime).Seconds()),
		Version:          AppVersion,
		Status:           telem.HeartbeatStatus(status.LastDecision),
		PID:              os.Getpid(),
		DeviceID:         deviceID(),
		CurrentAlgorithm: status.CurrentAlgorithm,
		Cycles:           status.Cycles,
		DryRun:           d.cfg.DryRun,
		Switcher:         d.ctrl.GetControllerInfo(),
		Window:           d.telemetry.Summarize(time.Now().Add(-time.Hour)),
	}
	if !status.LastSwitchTime.IsZero() {
		hb.LastSwitchTS = status.LastSwitchTime.UTC().Format(time.RFC3339)
	}
	if last := status.LastDecision; last != nil {
		hb.LastOutcome = last.Outcome
		hb.LastReason = last.Reason
	}
	hb.FillRuntime()
	return hb
}

func (d *daemon) close() {
	if err := d.engine.Close(); err != nil {
		d.logger.Error("Failed to close decision engine", "error", err)
	}
	if d.predictor != nil {
		if err := d.predictor.Close(); err != nil {
			d.logger.Warn("Failed to close predictor", "error", err)
		}
	}
	if d.mqtt != nil {
		_ = d.mqtt.Disconnect()
	}
	if d.history != nil {
		if err := d.history.Close(); err != nil {
			d.logger.Warn("Failed to close history database", "error", err)
		}
	}
	if d.influx != nil {
		_ = d.influx.Close()
	}
	_ = d.telemetry.Close()
}

// deviceID returns a device identifier for the heartbeat
func deviceID() string {
	if hostname, err := os.Hostname(); err == nil && hostname != "" {
		return hostname
	}
	return "ccaswitch-device"
}
