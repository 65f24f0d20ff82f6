// Package collector gathers path metrics by running the standard Linux
// probing tools (ping, iperf3, sysctl) and reading kernel counters.
package collector

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/markus-lassfolk/ccaswitch/pkg"
	"github.com/markus-lassfolk/ccaswitch/pkg/logx"
	"github.com/markus-lassfolk/ccaswitch/pkg/uci"
)

// CCASysctl is the kernel setting holding the active congestion control
const CCASysctl = "net.ipv4.tcp_congestion_control"

// Runner executes an external command and returns its standard output
type Runner interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

// ExecRunner runs commands with os/exec
type ExecRunner struct{}

// Run implements Runner. On failure the returned output still holds whatever
// the command printed, since ping exits non-zero on partial loss.
func (ExecRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			return stdout.Bytes(), fmt.Errorf("%s: %w", name, err)
		}
		return stdout.Bytes(), fmt.Errorf("%s: %w: %s", name, err, msg)
	}
	return stdout.Bytes(), nil
}

// InNamespace wraps a command so it runs inside the named network
// namespace. An empty namespace leaves the command untouched.
func InNamespace(ns, name string, args ...string) (string, []string) {
	if ns == "" {
		return name, args
	}
	return "ip", append([]string{"netns", "exec", ns, name}, args...)
}

// ShellCollector implements pkg.MetricsSource. Ping and iperf3 run
// concurrently so the RTT samples see the path under load, which is what
// makes the bufferbloat figure meaningful.
type ShellCollector struct {
	cfg    uci.ProbeConfig
	runner Runner
	logger *logx.Logger
	now    func() time.Time
}

// NewShellCollector creates a collector; a nil runner uses ExecRunner
func NewShellCollector(cfg uci.ProbeConfig, runner Runner, logger *logx.Logger) *ShellCollector {
	if runner == nil {
		runner = ExecRunner{}
	}
	if cfg.PingCount <= 0 {
		cfg.PingCount = uci.DefaultPingCount
	}
	if cfg.PingIntervalMS <= 0 {
		cfg.PingIntervalMS = uci.DefaultPingIntervalMS
	}
	if cfg.IperfPort <= 0 {
		cfg.IperfPort = uci.DefaultIperfPort
	}
	if cfg.IperfDurationS <= 0 {
		cfg.IperfDurationS = uci.DefaultIperfDuration
	}
	return &ShellCollector{cfg: cfg, runner: runner, logger: logger, now: time.Now}
}

// Collect implements pkg.MetricsSource. RTT, loss and throughput are
// required; retransmits and the current algorithm are best effort.
func (sc *ShellCollector) Collect(ctx context.Context) (*pkg.MetricsSnapshot, error) {
	if sc.cfg.Target == "" {
		return nil, fmt.Errorf("no probe target configured")
	}
	if sc.cfg.TimeoutS > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(sc.cfg.TimeoutS)*time.Second)
		defer cancel()
	}

	var (
		ping *PingResult
		mbps float64
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		ping, err = sc.ping(gctx)
		return err
	})
	g.Go(func() error {
		var err error
		mbps, err = sc.throughput(gctx)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	snap := &pkg.MetricsSnapshot{
		RTTMS:          pkg.Float(ping.AvgMS),
		ThroughputMbps: pkg.Float(mbps),
		LossPercent:    pkg.Float(ping.LossPercent),
		Timestamp:      sc.now(),
	}
	if bloat, ok := ping.Bufferbloat(); ok {
		snap.BufferbloatMS = pkg.Float(bloat)
	}

	if n, err := sc.retransmits(ctx); err != nil {
		sc.logger.Warn("Failed to read retransmit counter", "error", err)
	} else {
		snap.Retransmits = n
	}
	if alg, err := sc.Current(ctx); err != nil {
		sc.logger.Warn("Failed to read current congestion control", "error", err)
	} else {
		snap.CurrentAlgorithm = alg
	}

	sc.logger.Debug("Collected metrics",
		"rtt_ms", ping.AvgMS,
		"throughput_mbps", mbps,
		"loss_percent", ping.LossPercent,
		"samples", len(ping.SamplesMS),
		"retransmits", snap.Retransmits,
		"cca", snap.CurrentAlgorithm)
	return snap, nil
}

// Current reads the congestion control algorithm in use
func (sc *ShellCollector) Current(ctx context.Context) (pkg.Algorithm, error) {
	out, err := sc.run(ctx, "sysctl", "-n", CCASysctl)
	if err != nil {
		return "", err
	}
	alg := strings.TrimSpace(string(out))
	if alg == "" {
		return "", fmt.Errorf("empty %s value", CCASysctl)
	}
	return pkg.Algorithm(alg), nil
}

func (sc *ShellCollector) ping(ctx context.Context) (*PingResult, error) {
	interval := strconv.FormatFloat(float64(sc.cfg.PingIntervalMS)/1000, 'f', 3, 64)
	out, runErr := sc.run(ctx, "ping", "-n", "-c", strconv.Itoa(sc.cfg.PingCount), "-i", interval, sc.cfg.Target)

	res, err := ParsePing(string(out))
	if err != nil {
		if runErr != nil {
			return nil, fmt.Errorf("ping %s failed: %w", sc.cfg.Target, runErr)
		}
		return nil, fmt.Errorf("ping %s: %w", sc.cfg.Target, err)
	}
	return res, nil
}

func (sc *ShellCollector) throughput(ctx context.Context) (float64, error) {
	out, runErr := sc.run(ctx, "iperf3", "-c", sc.cfg.Target,
		"-p", strconv.Itoa(sc.cfg.IperfPort),
		"-t", strconv.Itoa(sc.cfg.IperfDurationS),
		"--json")

	mbps, err := ParseIperf3(out)
	if err != nil {
		if runErr != nil && len(out) == 0 {
			return 0, fmt.Errorf("iperf3 %s failed: %w", sc.cfg.Target, runErr)
		}
		return 0, fmt.Errorf("iperf3 %s: %w", sc.cfg.Target, err)
	}
	return mbps, nil
}

func (sc *ShellCollector) retransmits(ctx context.Context) (int64, error) {
	out, err := sc.run(ctx, "cat", "/proc/net/netstat")
	if err != nil {
		return 0, err
	}
	counters, err := ParseNetstat(string(out))
	if err != nil {
		return 0, err
	}
	return counters["TCPLostRetransmit"], nil
}

func (sc *ShellCollector) run(ctx context.Context, name string, args ...string) ([]byte, error) {
	name, args = InNamespace(sc.cfg.Namespace, name, args...)
	sc.logger.Trace("Running probe", "command", name, "args", args)
	return sc.runner.Run(ctx, name, args...)
}

var _ pkg.MetricsSource = (*ShellCollector)(nil)
