package uci

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/markus-lassfolk/ccaswitch/pkg"
	"github.com/markus-lassfolk/ccaswitch/pkg/logx"
)

// ConfigValidator performs the deeper checks behind `ccaswitchctl validate`.
// LoadConfig only rejects what the daemon cannot start with; the validator
// also reports suspicious but runnable settings as warnings.
type ConfigValidator struct {
	logger *logx.Logger
}

// NewConfigValidator creates a new configuration validator
func NewConfigValidator(logger *logx.Logger) *ConfigValidator {
	return &ConfigValidator{logger: logger}
}

// ValidationResult represents the result of configuration validation
type ValidationResult struct {
	Valid    bool              `json:"valid"`
	Errors   []ValidationIssue `json:"errors,omitempty"`
	Warnings []ValidationIssue `json:"warnings,omitempty"`
	Checked  int               `json:"checked"`
}

// ValidationIssue is a single finding
type ValidationIssue struct {
	Section string `json:"section"`
	Option  string `json:"option"`
	Value   string `json:"value"`
	Message string `json:"message"`
}

func (i ValidationIssue) String() string {
	return fmt.Sprintf("%s.%s=%q: %s", i.Section, i.Option, i.Value, i.Message)
}

// ValidateConfiguration checks the whole configuration
func (v *ConfigValidator) ValidateConfiguration(config *Config) ValidationResult {
	result := ValidationResult{}

	v.validateMainSection(config, &result)
	v.validateRulesSection(config, &result)
	v.validatePredictorSection(config, &result)
	v.validateProbeSection(config, &result)
	v.validateMQTTSection(config, &result)
	v.validateInfluxSection(config, &result)

	result.Valid = len(result.Errors) == 0
	if v.logger != nil {
		v.logger.Debug("Configuration validated",
			"valid", result.Valid,
			"errors", len(result.Errors),
			"warnings", len(result.Warnings),
		)
	}
	return result
}

func (v *ConfigValidator) validateMainSection(c *Config, r *ValidationResult) {
	const section = "main"

	v.validateIntegerRange(section, "poll_interval_s", c.PollIntervalS, 1, 3600, r)
	v.validateIntegerRange(section, "cycle_timeout_s", c.CycleTimeoutS, 1, 600, r)
	v.validateIntegerRange(section, "hysteresis_s", c.HysteresisS, 0, 86400, r)
	v.validateIntegerRange(section, "consistency_window", c.ConsistencyWindow, 1, 100, r)
	v.validateLogLevel(section, "log_level", c.LogLevel, r)

	if c.HysteresisS > 0 && c.HysteresisS < c.PollIntervalS {
		v.warn(r, section, "hysteresis_s", strconv.Itoa(c.HysteresisS),
			"hysteresis is shorter than the poll interval and never suppresses a switch")
	}
	if c.CycleTimeoutS > 0 && c.CycleTimeoutS < c.Probe.TimeoutS {
		v.warn(r, section, "cycle_timeout_s", strconv.Itoa(c.CycleTimeoutS),
			"cycle timeout is shorter than the probe timeout")
	}

	seen := make(map[string]bool)
	for _, a := range c.Algorithms {
		r.Checked++
		if seen[a] {
			v.warn(r, section, "algorithms", a, "duplicate algorithm")
		}
		seen[a] = true
	}
	if !seen[c.BaselineAlgorithm] {
		v.fail(r, section, "baseline_algorithm", c.BaselineAlgorithm, "not in algorithms")
	}

	switch c.StateBackend {
	case "file", "bolt":
	default:
		v.fail(r, section, "state_backend", c.StateBackend, "must be file or bolt")
	}
	v.validateDirOf(section, "state_path", c.StatePath, r)
	v.validateDirOf(section, "heartbeat_path", c.HeartbeatPath, r)
	if c.HistoryDB != "" {
		v.validateDirOf(section, "history_db", c.HistoryDB, r)
	}
	if c.LogFile != "" {
		v.validateDirOf(section, "log_file", c.LogFile, r)
	}
}

func (v *ConfigValidator) validateRulesSection(c *Config, r *ValidationResult) {
	const section = "rules"

	v.validateFloatRange(section, "bufferbloat_ms", c.Rules.BufferbloatMS, 0, 10000, r)
	v.validateFloatRange(section, "loss_pct", c.Rules.LossPct, 0, 100, r)
	v.validateFloatRange(section, "throughput_mbps", c.Rules.ThroughputMbps, 0, 1e6, r)

	for option, alg := range map[string]string{
		"bufferbloat_algorithm":    c.Rules.BufferbloatAlgorithm,
		"loss_algorithm":           c.Rules.LossAlgorithm,
		"low_throughput_algorithm": c.Rules.LowThroughputAlgorithm,
		"default_algorithm":        c.Rules.DefaultAlgorithm,
	} {
		r.Checked++
		if !c.IsAllowed(pkg.Algorithm(alg)) {
			v.fail(r, section, option, alg, "not in algorithms")
		}
	}
}

func (v *ConfigValidator) validatePredictorSection(c *Config, r *ValidationResult) {
	const section = "predictor"
	p := c.Predictor

	r.Checked++
	switch p.Type {
	case "linear", "trend":
		if p.Enabled && p.ModelPath == "" {
			v.fail(r, section, "model_path", p.ModelPath, "required when the predictor is enabled")
		} else if p.Enabled {
			if _, err := os.Stat(p.ModelPath); err != nil {
				v.warn(r, section, "model_path", p.ModelPath, "model file not found; rule fallback will be used")
			}
		}
	case "remote":
		if p.Enabled {
			v.validateHostPort(section, "remote_addr", p.RemoteAddr, r)
		}
		if !strings.HasPrefix(p.RemoteMethod, "/") {
			v.fail(r, section, "remote_method", p.RemoteMethod, "must be a full method name like /pkg.Service/Method")
		}
	default:
		v.fail(r, section, "type", p.Type, "must be linear, trend or remote")
	}
	if p.Type == "trend" {
		v.validateIntegerRange(section, "sequence_length", p.SequenceLength, 2, 1000, r)
	}
	v.validateIntegerRange(section, "timeout_s", p.TimeoutS, 1, 300, r)
}

func (v *ConfigValidator) validateProbeSection(c *Config, r *ValidationResult) {
	const section = "probe"

	r.Checked++
	if c.Probe.Target == "" {
		v.warn(r, section, "target", "", "no probe target; the shell collector cannot run")
	}
	v.validateIntegerRange(section, "ping_count", c.Probe.PingCount, 2, 1000, r)
	v.validateIntegerRange(section, "ping_interval_ms", c.Probe.PingIntervalMS, 200, 10000, r)
	v.validateIntegerRange(section, "iperf_port", c.Probe.IperfPort, 1, 65535, r)
	v.validateIntegerRange(section, "iperf_duration_s", c.Probe.IperfDurationS, 1, 60, r)
}

func (v *ConfigValidator) validateMQTTSection(c *Config, r *ValidationResult) {
	const section = "mqtt"
	if !c.MQTT.Enabled {
		return
	}
	r.Checked++
	if c.MQTT.Broker == "" {
		v.fail(r, section, "broker", "", "broker is required when mqtt is enabled")
	}
	v.validateIntegerRange(section, "port", c.MQTT.Port, 1, 65535, r)
	v.validateIntegerRange(section, "qos", c.MQTT.QoS, 0, 2, r)
	if strings.ContainsAny(c.MQTT.TopicPrefix, "+#") {
		v.fail(r, section, "topic_prefix", c.MQTT.TopicPrefix, "wildcards are not allowed in a publish topic")
	}
}

func (v *ConfigValidator) validateInfluxSection(c *Config, r *ValidationResult) {
	const section = "influx"
	if !c.Influx.Enabled {
		return
	}
	for option, value := range map[string]string{
		"url":    c.Influx.URL,
		"org":    c.Influx.Org,
		"bucket": c.Influx.Bucket,
	} {
		r.Checked++
		if value == "" {
			v.fail(r, section, option, value, "required when influx is enabled")
		}
	}
}

func (v *ConfigValidator) validateIntegerRange(section, option string, value, min, max int, r *ValidationResult) {
	r.Checked++
	if value < min || value > max {
		v.fail(r, section, option, strconv.Itoa(value), fmt.Sprintf("value must be between %d and %d", min, max))
	}
}

func (v *ConfigValidator) validateFloatRange(section, option string, value, min, max float64, r *ValidationResult) {
	r.Checked++
	if value < min || value > max {
		v.fail(r, section, option, strconv.FormatFloat(value, 'f', -1, 64),
			fmt.Sprintf("value must be between %g and %g", min, max))
	}
}

func (v *ConfigValidator) validateLogLevel(section, option, value string, r *ValidationResult) {
	r.Checked++
	switch value {
	case "trace", "debug", "info", "warn", "error":
	default:
		v.fail(r, section, option, value, "log level must be one of trace, debug, info, warn, error")
	}
}

func (v *ConfigValidator) validateDirOf(section, option, path string, r *ValidationResult) {
	r.Checked++
	if path == "" {
		v.fail(r, section, option, path, "path must not be empty")
		return
	}
	dir := filepath.Dir(path)
	if info, err := os.Stat(dir); err != nil || !info.IsDir() {
		v.warn(r, section, option, path, fmt.Sprintf("directory %s does not exist", dir))
	}
}

func (v *ConfigValidator) validateHostPort(section, option, value string, r *ValidationResult) {
	r.Checked++
	if _, port, err := net.SplitHostPort(value); err != nil || port == "" {
		v.fail(r, section, option, value, "must be host:port")
	}
}

func (v *ConfigValidator) fail(r *ValidationResult, section, option, value, msg string) {
	r.Errors = append(r.Errors, ValidationIssue{Section: section, Option: option, Value: value, Message: msg})
}

func (v *ConfigValidator) warn(r *ValidationResult, section, option, value, msg string) {
	r.Warnings = append(r.Warnings, ValidationIssue{Section: section, Option: option, Value: value, Message: msg})
}
