package uci

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/markus-lassfolk/ccaswitch/pkg"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	return path
}

func TestLoadConfig_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "absent"))
	require.NoError(t, err)

	assert.Equal(t, 10*time.Second, cfg.PollInterval())
	assert.Equal(t, 120*time.Second, cfg.Hysteresis())
	assert.Equal(t, 5, cfg.ConsistencyWindow)
	assert.Equal(t, "cubic", cfg.BaselineAlgorithm)
	assert.Equal(t, []string{"cubic", "bbr", "westwood"}, cfg.Algorithms)
	assert.Equal(t, 50.0, cfg.Rules.BufferbloatMS)
	assert.Equal(t, 2.0, cfg.Rules.LossPct)
	assert.Equal(t, 100.0, cfg.Rules.ThroughputMbps)
	assert.Equal(t, "network_metrics", cfg.Influx.Measurement)
	assert.False(t, cfg.Predictor.Enabled)
}

func TestLoadConfig_UCI(t *testing.T) {
	path := writeConfig(t, "ccaswitch", `
# ccaswitch configuration
config ccaswitch 'main'
	option poll_interval_s '5'
	option hysteresis_s '60'
	option consistency_window '3'
	option state_backend 'bolt'
	option dry_run '1'
	list algorithms 'cubic'
	list algorithms 'bbr'
	list algorithms 'reno'

config rules 'fallback'
	option bufferbloat_ms '30'
	option loss_pct '1.5'
	option default_algorithm 'reno'

config predictor 'model'
	option enabled '1'
	option type 'trend'
	option model_path '/etc/ccaswitch/model.json'
	option sequence_length '8'

config probe 'path'
	option namespace 'client'
	option target '10.0.0.2'

config mqtt 'broker'
	option enabled '1'
	option broker "mqtt.local"
	option qos '1'

config unrelated 'x'
	option anything 'goes'
`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, 5, cfg.PollIntervalS)
	assert.Equal(t, 60, cfg.HysteresisS)
	assert.Equal(t, 3, cfg.ConsistencyWindow)
	assert.Equal(t, "bolt", cfg.StateBackend)
	assert.True(t, cfg.DryRun)
	assert.Equal(t, []string{"cubic", "bbr", "reno"}, cfg.Algorithms)
	assert.Equal(t, 30.0, cfg.Rules.BufferbloatMS)
	assert.Equal(t, 1.5, cfg.Rules.LossPct)
	assert.Equal(t, "reno", cfg.Rules.DefaultAlgorithm)
	assert.True(t, cfg.Predictor.Enabled)
	assert.Equal(t, "trend", cfg.Predictor.Type)
	assert.Equal(t, 8, cfg.Predictor.SequenceLength)
	assert.Equal(t, "client", cfg.Probe.Namespace)
	assert.Equal(t, "mqtt.local", cfg.MQTT.Broker)
	assert.Equal(t, 1, cfg.MQTT.QoS)
	assert.True(t, cfg.IsAllowed(pkg.Algorithm("reno")))
	assert.False(t, cfg.IsAllowed(pkg.AlgorithmWestwood))
}

func TestLoadConfig_YAML(t *testing.T) {
	path := writeConfig(t, "ccaswitch.yaml", `
poll_interval_s: 2
algorithms: [cubic, bbr, westwood]
rules:
  throughput_mbps: 250
predictor:
  enabled: true
  type: remote
  remote_addr: 127.0.0.1:7070
influx:
  enabled: true
  url: http://localhost:8086
  org: lab
  bucket: cca
`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, 2, cfg.PollIntervalS)
	assert.Equal(t, 250.0, cfg.Rules.ThroughputMbps)
	// untouched keys keep their defaults
	assert.Equal(t, 50.0, cfg.Rules.BufferbloatMS)
	assert.Equal(t, "remote", cfg.Predictor.Type)
	assert.Equal(t, "127.0.0.1:7070", cfg.Predictor.RemoteAddr)
	assert.Equal(t, "/ccaswitch.Predictor/Predict", cfg.Predictor.RemoteMethod)
	assert.Equal(t, "network_metrics", cfg.Influx.Measurement)
}

func TestLoadConfig_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"bad integer", "config ccaswitch 'main'\n\toption poll_interval_s 'soon'\n"},
		{"zero window", "config ccaswitch 'main'\n\toption consistency_window '0'\n"},
		{"baseline not allowed", "config ccaswitch 'main'\n\toption baseline_algorithm 'vegas'\n"},
		{"rule target not allowed", "config rules 'fallback'\n\toption loss_algorithm 'vegas'\n"},
		{"unknown backend", "config ccaswitch 'main'\n\toption state_backend 'redis'\n"},
		{"unknown predictor", "config predictor 'model'\n\toption type 'lstm'\n"},
		{"garbage keyword", "section main\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadConfig(writeConfig(t, "ccaswitch", tt.content))
			if err == nil {
				t.Fatalf("Expected error for %s", tt.name)
			}
		})
	}
}

func TestConfigValidator(t *testing.T) {
	cfg := Default()
	cfg.StatePath = filepath.Join(t.TempDir(), "state.json")
	cfg.HeartbeatPath = filepath.Join(t.TempDir(), "health")
	cfg.Probe.Target = "10.0.0.2"

	v := NewConfigValidator(nil)
	result := v.ValidateConfiguration(cfg)
	assert.True(t, result.Valid, "errors: %v", result.Errors)
	assert.Empty(t, result.Warnings)
	assert.Greater(t, result.Checked, 10)

	cfg.HysteresisS = 5
	cfg.Predictor.Enabled = true
	cfg.MQTT.Enabled = true
	cfg.MQTT.TopicPrefix = "cca/#"
	result = v.ValidateConfiguration(cfg)
	assert.False(t, result.Valid)

	var options []string
	for _, e := range result.Errors {
		options = append(options, e.Section+"."+e.Option)
	}
	assert.Contains(t, options, "predictor.model_path")
	assert.Contains(t, options, "mqtt.topic_prefix")
	require.Len(t, result.Warnings, 1)
	assert.Equal(t, "hysteresis_s", result.Warnings[0].Option)
}
