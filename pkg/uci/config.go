package uci

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/markus-lassfolk/ccaswitch/pkg"
)

// DefaultConfigPath is where the daemon looks for its configuration
const DefaultConfigPath = "/etc/config/ccaswitch"

// Default values
const (
	DefaultPollIntervalS     = 10
	DefaultCycleTimeoutS     = 60
	DefaultHysteresisS       = 120
	DefaultConsistencyWindow = 5
	DefaultStatePath         = "/var/lib/ccaswitch/state.json"
	DefaultAuditDir          = "/var/log/ccaswitch"
	DefaultHeartbeatPath     = "/tmp/ccaswitch.health"

	DefaultBufferbloatMS  = 50.0
	DefaultLossPct        = 2.0
	DefaultThroughputMbps = 100.0

	DefaultSequenceLength = 10
	DefaultPredictTimeout = 5

	DefaultPingCount      = 10
	DefaultPingIntervalMS = 200
	DefaultIperfPort      = 5201
	DefaultIperfDuration  = 5
	DefaultProbeTimeoutS  = 30

	DefaultMQTTPort    = 1883
	DefaultMQTTTopic   = "ccaswitch"
	DefaultMetricsPort = 9110
	DefaultMeasurement = "network_metrics"
)

// Config represents the ccaswitch configuration
type Config struct {
	Enable            bool     `yaml:"enable" json:"enable"`
	LogLevel          string   `yaml:"log_level" json:"log_level"`
	LogFile           string   `yaml:"log_file" json:"log_file"`
	PollIntervalS     int      `yaml:"poll_interval_s" json:"poll_interval_s"`
	CycleTimeoutS     int      `yaml:"cycle_timeout_s" json:"cycle_timeout_s"`
	HysteresisS       int      `yaml:"hysteresis_s" json:"hysteresis_s"`
	ConsistencyWindow int      `yaml:"consistency_window" json:"consistency_window"`
	BaselineAlgorithm string   `yaml:"baseline_algorithm" json:"baseline_algorithm"`
	Algorithms        []string `yaml:"algorithms" json:"algorithms"`
	StateBackend      string   `yaml:"state_backend" json:"state_backend"`
	StatePath         string   `yaml:"state_path" json:"state_path"`
	AuditDir          string   `yaml:"audit_dir" json:"audit_dir"`
	HistoryDB         string   `yaml:"history_db" json:"history_db"`
	HeartbeatPath     string   `yaml:"heartbeat_path" json:"heartbeat_path"`
	DryRun            bool     `yaml:"dry_run" json:"dry_run"`

	Rules     RulesConfig     `yaml:"rules" json:"rules"`
	Predictor PredictorConfig `yaml:"predictor" json:"predictor"`
	Probe     ProbeConfig     `yaml:"probe" json:"probe"`
	Switcher  SwitcherConfig  `yaml:"switcher" json:"switcher"`
	MQTT      MQTTConfig      `yaml:"mqtt" json:"mqtt"`
	Metrics   MetricsConfig   `yaml:"metrics" json:"metrics"`
	Influx    InfluxConfig    `yaml:"influx" json:"influx"`
}

// RulesConfig holds the thresholds of the rule fallback
type RulesConfig struct {
	BufferbloatMS          float64 `yaml:"bufferbloat_ms" json:"bufferbloat_ms"`
	LossPct                float64 `yaml:"loss_pct" json:"loss_pct"`
	ThroughputMbps         float64 `yaml:"throughput_mbps" json:"throughput_mbps"`
	BufferbloatAlgorithm   string  `yaml:"bufferbloat_algorithm" json:"bufferbloat_algorithm"`
	LossAlgorithm          string  `yaml:"loss_algorithm" json:"loss_algorithm"`
	LowThroughputAlgorithm string  `yaml:"low_throughput_algorithm" json:"low_throughput_algorithm"`
	DefaultAlgorithm       string  `yaml:"default_algorithm" json:"default_algorithm"`
}

// PredictorConfig selects and configures the predictor
type PredictorConfig struct {
	Enabled        bool   `yaml:"enabled" json:"enabled"`
	Type           string `yaml:"type" json:"type"`
	ModelPath      string `yaml:"model_path" json:"model_path"`
	SequenceLength int    `yaml:"sequence_length" json:"sequence_length"`
	RemoteAddr     string `yaml:"remote_addr" json:"remote_addr"`
	RemoteMethod   string `yaml:"remote_method" json:"remote_method"`
	TimeoutS       int    `yaml:"timeout_s" json:"timeout_s"`
}

// ProbeConfig configures the shell metrics source
type ProbeConfig struct {
	Namespace      string `yaml:"namespace" json:"namespace"`
	Target         string `yaml:"target" json:"target"`
	PingCount      int    `yaml:"ping_count" json:"ping_count"`
	PingIntervalMS int    `yaml:"ping_interval_ms" json:"ping_interval_ms"`
	IperfPort      int    `yaml:"iperf_port" json:"iperf_port"`
	IperfDurationS int    `yaml:"iperf_duration_s" json:"iperf_duration_s"`
	TimeoutS       int    `yaml:"timeout_s" json:"timeout_s"`
}

// SwitcherConfig configures the sysctl switcher
type SwitcherConfig struct {
	Namespace string `yaml:"namespace" json:"namespace"`
	Verify    bool   `yaml:"verify" json:"verify"`
}

// MQTTConfig configures decision publication
type MQTTConfig struct {
	Enabled     bool   `yaml:"enabled" json:"enabled"`
	Broker      string `yaml:"broker" json:"broker"`
	Port        int    `yaml:"port" json:"port"`
	ClientID    string `yaml:"client_id" json:"client_id"`
	Username    string `yaml:"username" json:"username"`
	Password    string `yaml:"password" json:"-"`
	TopicPrefix string `yaml:"topic_prefix" json:"topic_prefix"`
	QoS         int    `yaml:"qos" json:"qos"`
	Retain      bool   `yaml:"retain" json:"retain"`
}

// MetricsConfig configures the prometheus exporter
type MetricsConfig struct {
	Enabled bool `yaml:"enabled" json:"enabled"`
	Port    int  `yaml:"port" json:"port"`
}

// InfluxConfig configures the time-series sink
type InfluxConfig struct {
	Enabled     bool   `yaml:"enabled" json:"enabled"`
	URL         string `yaml:"url" json:"url"`
	Token       string `yaml:"token" json:"-"`
	Org         string `yaml:"org" json:"org"`
	Bucket      string `yaml:"bucket" json:"bucket"`
	Measurement string `yaml:"measurement" json:"measurement"`
}

// LoadConfig loads and validates the configuration. Files ending in .yaml or
// .yml are decoded as YAML, everything else as UCI text. A missing file
// yields the defaults.
func LoadConfig(path string) (*Config, error) {
	cfg := Default()

	if path == "" {
		path = DefaultConfigPath
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return cfg, nil
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := cfg.parseYAML(path); err != nil {
			return nil, fmt.Errorf("failed to parse YAML config: %w", err)
		}
	default:
		if err := cfg.parseUCI(path); err != nil {
			return nil, fmt.Errorf("failed to parse UCI config: %w", err)
		}
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

// Default returns a configuration populated with default values
func Default() *Config {
	c := &Config{}
	c.setDefaults()
	return c
}

// setDefaults sets default values for the configuration
func (c *Config) setDefaults() {
	c.Enable = true
	c.LogLevel = "info"
	c.PollIntervalS = DefaultPollIntervalS
	c.CycleTimeoutS = DefaultCycleTimeoutS
	c.HysteresisS = DefaultHysteresisS
	c.ConsistencyWindow = DefaultConsistencyWindow
	c.BaselineAlgorithm = string(pkg.AlgorithmCubic)
	c.Algorithms = []string{string(pkg.AlgorithmCubic), string(pkg.AlgorithmBBR), string(pkg.AlgorithmWestwood)}
	c.StateBackend = "file"
	c.StatePath = DefaultStatePath
	c.AuditDir = DefaultAuditDir
	c.HeartbeatPath = DefaultHeartbeatPath

	c.Rules = RulesConfig{
		BufferbloatMS:          DefaultBufferbloatMS,
		LossPct:                DefaultLossPct,
		ThroughputMbps:         DefaultThroughputMbps,
		BufferbloatAlgorithm:   string(pkg.AlgorithmBBR),
		LossAlgorithm:          string(pkg.AlgorithmWestwood),
		LowThroughputAlgorithm: string(pkg.AlgorithmCubic),
		DefaultAlgorithm:       string(pkg.AlgorithmCubic),
	}
	c.Predictor = PredictorConfig{
		Enabled:        false,
		Type:           "linear",
		SequenceLength: DefaultSequenceLength,
		RemoteMethod:   "/ccaswitch.Predictor/Predict",
		TimeoutS:       DefaultPredictTimeout,
	}
	c.Probe = ProbeConfig{
		PingCount:      DefaultPingCount,
		PingIntervalMS: DefaultPingIntervalMS,
		IperfPort:      DefaultIperfPort,
		IperfDurationS: DefaultIperfDuration,
		TimeoutS:       DefaultProbeTimeoutS,
	}
	c.Switcher = SwitcherConfig{Verify: true}
	c.MQTT = MQTTConfig{
		Broker:      "localhost",
		Port:        DefaultMQTTPort,
		ClientID:    "ccaswitch",
		TopicPrefix: DefaultMQTTTopic,
	}
	c.Metrics = MetricsConfig{Port: DefaultMetricsPort}
	c.Influx = InfluxConfig{Measurement: DefaultMeasurement}
}

func (c *Config) parseYAML(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(data, c)
}

// parseUCI parses the UCI configuration file
func (c *Config) parseUCI(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	var sectionType, sectionName string
	listsSeen := make(map[string]bool)

	for n, raw := range strings.Split(string(data), "\n") {
		line := strings.TrimSpace(raw)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		keyword, rest := splitWord(line)
		switch keyword {
		case "config":
			sectionType, rest = splitWord(rest)
			sectionName = unquote(rest)
		case "option", "list":
			name, value := splitWord(rest)
			value = unquote(value)
			if name == "" {
				return fmt.Errorf("line %d: %s without a name", n+1, keyword)
			}
			if keyword == "list" {
				key := sectionType + "." + name
				c.parseList(sectionType, name, value, !listsSeen[key])
				listsSeen[key] = true
				continue
			}
			if err := c.parseOption(sectionType, sectionName, name, value); err != nil {
				return fmt.Errorf("line %d: %w", n+1, err)
			}
		default:
			return fmt.Errorf("line %d: unexpected keyword %q", n+1, keyword)
		}
	}
	return nil
}

// parseOption routes options to the parser of their section type
func (c *Config) parseOption(sectionType, sectionName, option, value string) error {
	switch sectionType {
	case "ccaswitch", "":
		return c.parseMainOption(option, value)
	case "rules":
		return c.parseRulesOption(option, value)
	case "predictor":
		return c.parsePredictorOption(option, value)
	case "probe":
		return c.parseProbeOption(option, value)
	case "switcher":
		return c.parseSwitcherOption(option, value)
	case "mqtt":
		return c.parseMQTTOption(option, value)
	case "metrics":
		return c.parseMetricsOption(option, value)
	case "influx":
		return c.parseInfluxOption(option, value)
	}
	// Unknown sections are ignored so configs can carry options for other tools
	return nil
}

func (c *Config) parseList(sectionType, name, value string, first bool) {
	if (sectionType == "ccaswitch" || sectionType == "") && name == "algorithms" {
		if first {
			c.Algorithms = nil
		}
		c.Algorithms = append(c.Algorithms, value)
	}
}

// parseMainOption parses core daemon options
func (c *Config) parseMainOption(option, value string) error {
	var err error
	switch option {
	case "enable":
		c.Enable = parseBool(value)
	case "log_level":
		c.LogLevel = value
	case "log_file":
		c.LogFile = value
	case "poll_interval_s":
		c.PollIntervalS, err = parseInt(option, value)
	case "cycle_timeout_s":
		c.CycleTimeoutS, err = parseInt(option, value)
	case "hysteresis_s":
		c.HysteresisS, err = parseInt(option, value)
	case "consistency_window":
		c.ConsistencyWindow, err = parseInt(option, value)
	case "baseline_algorithm":
		c.BaselineAlgorithm = value
	case "algorithms":
		c.Algorithms = strings.Fields(value)
	case "state_backend":
		c.StateBackend = value
	case "state_path":
		c.StatePath = value
	case "audit_dir":
		c.AuditDir = value
	case "history_db":
		c.HistoryDB = value
	case "heartbeat_path":
		c.HeartbeatPath = value
	case "dry_run":
		c.DryRun = parseBool(value)
	}
	return err
}

func (c *Config) parseRulesOption(option, value string) error {
	var err error
	switch option {
	case "bufferbloat_ms":
		c.Rules.BufferbloatMS, err = parseFloat(option, value)
	case "loss_pct":
		c.Rules.LossPct, err = parseFloat(option, value)
	case "throughput_mbps":
		c.Rules.ThroughputMbps, err = parseFloat(option, value)
	case "bufferbloat_algorithm":
		c.Rules.BufferbloatAlgorithm = value
	case "loss_algorithm":
		c.Rules.LossAlgorithm = value
	case "low_throughput_algorithm":
		c.Rules.LowThroughputAlgorithm = value
	case "default_algorithm":
		c.Rules.DefaultAlgorithm = value
	}
	return err
}

func (c *Config) parsePredictorOption(option, value string) error {
	var err error
	switch option {
	case "enabled":
		c.Predictor.Enabled = parseBool(value)
	case "type":
		c.Predictor.Type = value
	case "model_path":
		c.Predictor.ModelPath = value
	case "sequence_length":
		c.Predictor.SequenceLength, err = parseInt(option, value)
	case "remote_addr":
		c.Predictor.RemoteAddr = value
	case "remote_method":
		c.Predictor.RemoteMethod = value
	case "timeout_s":
		c.Predictor.TimeoutS, err = parseInt(option, value)
	}
	return err
}

func (c *Config) parseProbeOption(option, value string) error {
	var err error
	switch option {
	case "namespace":
		c.Probe.Namespace = value
	case "target":
		c.Probe.Target = value
	case "ping_count":
		c.Probe.PingCount, err = parseInt(option, value)
	case "ping_interval_ms":
		c.Probe.PingIntervalMS, err = parseInt(option, value)
	case "iperf_port":
		c.Probe.IperfPort, err = parseInt(option, value)
	case "iperf_duration_s":
		c.Probe.IperfDurationS, err = parseInt(option, value)
	case "timeout_s":
		c.Probe.TimeoutS, err = parseInt(option, value)
	}
	return err
}

func (c *Config) parseSwitcherOption(option, value string) error {
	switch option {
	case "namespace":
		c.Switcher.Namespace = value
	case "verify":
		c.Switcher.Verify = parseBool(value)
	}
	return nil
}

func (c *Config) parseMQTTOption(option, value string) error {
	var err error
	switch option {
	case "enabled":
		c.MQTT.Enabled = parseBool(value)
	case "broker":
		c.MQTT.Broker = value
	case "port":
		c.MQTT.Port, err = parseInt(option, value)
	case "client_id":
		c.MQTT.ClientID = value
	case "username":
		c.MQTT.Username = value
	case "password":
		c.MQTT.Password = value
	case "topic_prefix":
		c.MQTT.TopicPrefix = value
	case "qos":
		c.MQTT.QoS, err = parseInt(option, value)
	case "retain":
		c.MQTT.Retain = parseBool(value)
	}
	return err
}

func (c *Config) parseMetricsOption(option, value string) error {
	var err error
	switch option {
	case "enabled":
		c.Metrics.Enabled = parseBool(value)
	case "port":
		c.Metrics.Port, err = parseInt(option, value)
	}
	return err
}

func (c *Config) parseInfluxOption(option, value string) error {
	switch option {
	case "enabled":
		c.Influx.Enabled = parseBool(value)
	case "url":
		c.Influx.URL = value
	case "token":
		c.Influx.Token = value
	case "org":
		c.Influx.Org = value
	case "bucket":
		c.Influx.Bucket = value
	case "measurement":
		c.Influx.Measurement = value
	}
	return nil
}

// validate rejects configurations the daemon cannot run with
func (c *Config) validate() error {
	if c.PollIntervalS < 1 {
		return fmt.Errorf("poll_interval_s must be at least 1")
	}
	if c.CycleTimeoutS < 1 {
		return fmt.Errorf("cycle_timeout_s must be at least 1")
	}
	if c.HysteresisS < 0 {
		return fmt.Errorf("hysteresis_s must not be negative")
	}
	if c.ConsistencyWindow < 1 {
		return fmt.Errorf("consistency_window must be at least 1")
	}
	if len(c.Algorithms) == 0 {
		return fmt.Errorf("algorithms must not be empty")
	}
	if !c.IsAllowed(pkg.Algorithm(c.BaselineAlgorithm)) {
		return fmt.Errorf("baseline_algorithm %q is not in algorithms", c.BaselineAlgorithm)
	}
	for _, a := range []string{
		c.Rules.BufferbloatAlgorithm,
		c.Rules.LossAlgorithm,
		c.Rules.LowThroughputAlgorithm,
		c.Rules.DefaultAlgorithm,
	} {
		if !c.IsAllowed(pkg.Algorithm(a)) {
			return fmt.Errorf("rule algorithm %q is not in algorithms", a)
		}
	}
	if c.Rules.BufferbloatMS < 0 || c.Rules.LossPct < 0 || c.Rules.ThroughputMbps < 0 {
		return fmt.Errorf("rule thresholds must not be negative")
	}
	switch c.StateBackend {
	case "file", "bolt":
	default:
		return fmt.Errorf("state_backend must be file or bolt, got %q", c.StateBackend)
	}
	switch c.Predictor.Type {
	case "linear", "trend", "remote":
	default:
		return fmt.Errorf("predictor type must be linear, trend or remote, got %q", c.Predictor.Type)
	}
	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		return fmt.Errorf("mqtt qos must be 0, 1 or 2")
	}
	return nil
}

// IsAllowed reports whether alg is in the configured algorithm set
func (c *Config) IsAllowed(alg pkg.Algorithm) bool {
	for _, a := range c.Algorithms {
		if a == string(alg) {
			return true
		}
	}
	return false
}

// AllowedAlgorithms returns the configured algorithm set
func (c *Config) AllowedAlgorithms() []pkg.Algorithm {
	out := make([]pkg.Algorithm, 0, len(c.Algorithms))
	for _, a := range c.Algorithms {
		out = append(out, pkg.Algorithm(a))
	}
	return out
}

func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalS) * time.Second
}

func (c *Config) CycleTimeout() time.Duration {
	return time.Duration(c.CycleTimeoutS) * time.Second
}

func (c *Config) Hysteresis() time.Duration {
	return time.Duration(c.HysteresisS) * time.Second
}

func splitWord(s string) (string, string) {
	s = strings.TrimSpace(s)
	i := strings.IndexAny(s, " \t")
	if i < 0 {
		return s, ""
	}
	return s[:i], strings.TrimSpace(s[i+1:])
}

func unquote(s string) string {
	if len(s) >= 2 && (s[0] == '\'' || s[0] == '"') && s[len(s)-1] == s[0] {
		return s[1 : len(s)-1]
	}
	return s
}

func parseBool(value string) bool {
	switch strings.ToLower(value) {
	case "1", "true", "yes", "on", "enabled":
		return true
	}
	return false
}

func parseInt(option, value string) (int, error) {
	v, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("option %s: invalid integer %q", option, value)
	}
	return v, nil
}

func parseFloat(option, value string) (float64, error) {
	v, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return 0, fmt.Errorf("option %s: invalid number %q", option, value)
	}
	return v, nil
}
