package controller

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/markus-lassfolk/ccaswitch/pkg"
	"github.com/markus-lassfolk/ccaswitch/pkg/collector"
	"github.com/markus-lassfolk/ccaswitch/pkg/logx"
	"github.com/markus-lassfolk/ccaswitch/pkg/uci"
)

// AvailableSysctl lists the algorithms the kernel has loaded
const AvailableSysctl = "net.ipv4.tcp_available_congestion_control"

// SwitchCallback is called after a successful switch
type SwitchCallback func(from, to pkg.Algorithm) error

// Controller applies congestion control algorithms through sysctl
type Controller struct {
	namespace string
	verify    bool
	runner    collector.Runner
	logger    *logx.Logger

	// Behavior
	dryRun bool

	// Last algorithm applied, kept for dry runs and callbacks
	current   pkg.Algorithm
	currentMu sync.RWMutex

	// Callbacks
	switchCallbacks []SwitchCallback
	callbacksMu     sync.RWMutex
}

// NewController creates a new controller; a nil runner uses
// collector.ExecRunner
func NewController(cfg uci.SwitcherConfig, runner collector.Runner, logger *logx.Logger) *Controller {
	if runner == nil {
		runner = collector.ExecRunner{}
	}
	return &Controller{
		namespace: cfg.Namespace,
		verify:    cfg.Verify,
		runner:    runner,
		logger:    logger,
	}
}

// Apply implements pkg.Switcher. The algorithm must be loaded in the kernel;
// with verification enabled the value is read back after writing.
func (c *Controller) Apply(ctx context.Context, alg pkg.Algorithm) error {
	if alg == "" {
		return fmt.Errorf("target algorithm cannot be empty")
	}

	c.currentMu.RLock()
	from := c.current
	c.currentMu.RUnlock()

	c.logger.Info("Switching congestion control", "from", from, "to", alg, "dry_run", c.dryRun, "namespace", c.namespace)

	if c.dryRun {
		c.logger.Info("Dry run: not writing sysctl", "key", collector.CCASysctl, "value", alg)
		c.setCurrent(alg)
		c.callSwitchCallbacks(from, alg)
		return nil
	}

	if err := c.checkAvailable(ctx, alg); err != nil {
		return err
	}

	start := time.Now()
	if _, err := c.run(ctx, "sysctl", "-w", fmt.Sprintf("%s=%s", collector.CCASysctl, alg)); err != nil {
		return fmt.Errorf("failed to set %s: %w", collector.CCASysctl, err)
	}

	if c.verify {
		got, err := c.Current(ctx)
		if err != nil {
			return fmt.Errorf("failed to verify switch: %w", err)
		}
		if got != alg {
			return fmt.Errorf("switch not applied: kernel reports %s, wanted %s", got, alg)
		}
	}

	c.setCurrent(alg)
	c.logger.Debug("Switch applied", "algorithm", alg, "duration", time.Since(start))
	c.callSwitchCallbacks(from, alg)
	return nil
}

// Current reads the running algorithm. In dry-run mode it reports the last
// applied value once there is one.
func (c *Controller) Current(ctx context.Context) (pkg.Algorithm, error) {
	if c.dryRun {
		c.currentMu.RLock()
		cur := c.current
		c.currentMu.RUnlock()
		if cur != "" {
			return cur, nil
		}
	}

	out, err := c.run(ctx, "sysctl", "-n", collector.CCASysctl)
	if err != nil {
		return "", fmt.Errorf("failed to read %s: %w", collector.CCASysctl, err)
	}
	alg := strings.TrimSpace(string(out))
	if alg == "" {
		return "", fmt.Errorf("empty %s value", collector.CCASysctl)
	}
	c.setCurrent(pkg.Algorithm(alg))
	return pkg.Algorithm(alg), nil
}

// Available returns the algorithms the kernel can switch to
func (c *Controller) Available(ctx context.Context) ([]pkg.Algorithm, error) {
	out, err := c.run(ctx, "sysctl", "-n", AvailableSysctl)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", AvailableSysctl, err)
	}
	var algs []pkg.Algorithm
	for _, f := range strings.Fields(string(out)) {
		algs = append(algs, pkg.Algorithm(f))
	}
	return algs, nil
}

// checkAvailable fails when the kernel does not offer alg. A failure to
// read the list only logs, since older kernels may not expose it.
func (c *Controller) checkAvailable(ctx context.Context, alg pkg.Algorithm) error {
	algs, err := c.Available(ctx)
	if err != nil {
		c.logger.Warn("Cannot list available algorithms, trying anyway", "error", err)
		return nil
	}
	for _, a := range algs {
		if a == alg {
			return nil
		}
	}
	return fmt.Errorf("algorithm %s is not available (kernel offers %v)", alg, algs)
}

func (c *Controller) setCurrent(alg pkg.Algorithm) {
	c.currentMu.Lock()
	c.current = alg
	c.currentMu.Unlock()
}

func (c *Controller) run(ctx context.Context, name string, args ...string) ([]byte, error) {
	name, args = collector.InNamespace(c.namespace, name, args...)
	return c.runner.Run(ctx, name, args...)
}

// GetControllerInfo returns information about the controller
func (c *Controller) GetControllerInfo() map[string]interface{} {
	c.currentMu.RLock()
	defer c.currentMu.RUnlock()
	return map[string]interface{}{
		"namespace": c.namespace,
		"verify":    c.verify,
		"dry_run":   c.dryRun,
		"current":   string(c.current),
	}
}

// SetDryRun enables or disables dry-run mode
func (c *Controller) SetDryRun(enabled bool) {
	c.dryRun = enabled
	c.logger.Info("Dry-run mode changed", "enabled", enabled)
}

// AddSwitchCallback adds a callback for switch events
func (c *Controller) AddSwitchCallback(callback SwitchCallback) {
	c.callbacksMu.Lock()
	defer c.callbacksMu.Unlock()
	c.switchCallbacks = append(c.switchCallbacks, callback)
}

// callSwitchCallbacks calls all registered callbacks; their errors are logged
func (c *Controller) callSwitchCallbacks(from, to pkg.Algorithm) {
	c.callbacksMu.RLock()
	callbacks := make([]SwitchCallback, len(c.switchCallbacks))
	copy(callbacks, c.switchCallbacks)
	c.callbacksMu.RUnlock()

	for _, callback := range callbacks {
		if err := callback(from, to); err != nil {
			c.logger.Error("Switch callback failed", "error", err)
		}
	}
}

var _ pkg.Switcher = (*Controller)(nil)
