package telem

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/markus-lassfolk/ccaswitch/pkg"
)

// Heartbeat statuses
const (
	StatusOK       = "ok"
	StatusDegraded = "degraded"
)

// Heartbeat is the daemon health record written to the heartbeat file and
// published as MQTT status
type Heartbeat struct {
	Timestamp        string                 `json:"ts"`
	UptimeS          int64                  `json:"uptime_s"`
	Version          string                 `json:"version"`
	Status           string                 `json:"status"`
	PID              int                    `json:"pid"`
	DeviceID         string                 `json:"device_id"`
	CurrentAlgorithm pkg.Algorithm          `json:"current_algorithm"`
	LastSwitchTS     string                 `json:"last_switch_ts,omitempty"`
	Cycles           uint64                 `json:"cycles"`
	LastOutcome      pkg.Outcome            `json:"last_outcome,omitempty"`
	LastReason       string                 `json:"last_reason,omitempty"`
	DryRun           bool                   `json:"dry_run"`
	Switcher         map[string]interface{} `json:"switcher,omitempty"`
	MemMB            float64                `json:"mem_mb"`
	Goroutines       int                    `json:"goroutines"`
	Window           Summary                `json:"window"`
}

// HeartbeatStatus derives the health status from the last decision. A
// missing decision counts as healthy.
func HeartbeatStatus(last *pkg.Decision) string {
	if last == nil {
		return StatusOK
	}
	if last.Outcome == pkg.OutcomeAborted || last.StateError != "" {
		return StatusDegraded
	}
	return StatusOK
}

// FillRuntime sets the memory and goroutine fields
func (h *Heartbeat) FillRuntime() {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)
	h.MemMB = float64(memStats.Alloc) / 1024 / 1024
	h.Goroutines = runtime.NumGoroutine()
}

// WriteHeartbeat writes h to path atomically
func WriteHeartbeat(path string, h *Heartbeat) error {
	data, err := json.Marshal(h)
	if err != nil {
		return fmt.Errorf("failed to marshal heartbeat data: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create heartbeat directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".heartbeat-*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temporary file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write heartbeat file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close heartbeat file: %w", err)
	}
	if err := os.Chmod(tmp.Name(), 0o644); err != nil {
		return fmt.Errorf("failed to chmod heartbeat file: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("failed to rename heartbeat file: %w", err)
	}
	return nil
}

// ReadHeartbeat reads the heartbeat file at path
func ReadHeartbeat(path string) (*Heartbeat, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var h Heartbeat
	if err := json.Unmarshal(data, &h); err != nil {
		return nil, fmt.Errorf("failed to parse heartbeat file: %w", err)
	}
	return &h, nil
}

// Age returns how long ago the heartbeat was written
func (h *Heartbeat) Age(now time.Time) (time.Duration, error) {
	ts, err := time.Parse(time.RFC3339, h.Timestamp)
	if err != nil {
		return 0, fmt.Errorf("invalid heartbeat timestamp %q: %w", h.Timestamp, err)
	}
	return now.Sub(ts), nil
}
