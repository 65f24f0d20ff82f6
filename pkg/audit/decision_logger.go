package audit

import (
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/markus-lassfolk/ccaswitch/pkg"
	"github.com/markus-lassfolk/ccaswitch/pkg/logx"
)

// DecisionLogger manages the audit trail of decision cycles: an append-only
// text log, a CSV file and a bounded in-memory ring
type DecisionLogger struct {
	logger     *logx.Logger
	mu         sync.RWMutex
	records    []*pkg.Decision
	maxRecords int
	logFile    string
	csvFile    string
	enabled    bool
}

// NewDecisionLogger creates a new decision logger instance
func NewDecisionLogger(logger *logx.Logger, maxRecords int, logDir string) *DecisionLogger {
	if maxRecords <= 0 {
		maxRecords = 1000
	}

	if logDir == "" {
		logDir = "/var/log/ccaswitch"
	}

	if err := os.MkdirAll(logDir, 0o755); err != nil {
		logger.Error("Failed to create audit log directory", "error", err, "path", logDir)
	}

	return &DecisionLogger{
		logger:     logger,
		records:    make([]*pkg.Decision, 0, maxRecords),
		maxRecords: maxRecords,
		logFile:    filepath.Join(logDir, "decision_audit.log"),
		csvFile:    filepath.Join(logDir, "decision_audit.csv"),
		enabled:    true,
	}
}

// Record implements decision.Recorder. File errors are returned after both
// files have been attempted; the in-memory ring always gets the entry.
func (dl *DecisionLogger) Record(ctx context.Context, d *pkg.Decision) error {
	dl.mu.Lock()
	defer dl.mu.Unlock()

	if !dl.enabled {
		return nil
	}

	dl.records = append(dl.records, d)
	if len(dl.records) > dl.maxRecords {
		dl.records = dl.records[len(dl.records)-dl.maxRecords:]
	}

	logErr := dl.writeToLogFile(d)
	if logErr != nil {
		dl.logger.Error("Failed to write decision to log file", "error", logErr, "decision_id", d.ID)
	}
	csvErr := dl.writeToCSV(d)
	if csvErr != nil {
		dl.logger.Error("Failed to write decision to CSV", "error", csvErr, "decision_id", d.ID)
	}

	dl.logger.Debug("Decision recorded",
		"decision_id", d.ID,
		"outcome", d.Outcome,
		"source", d.Source,
		"suppression", d.Suppression,
		"duration", d.Duration,
	)

	if logErr != nil {
		return logErr
	}
	return csvErr
}

// GetRecentDecisions returns up to limit decisions newer than since, oldest first
func (dl *DecisionLogger) GetRecentDecisions(since time.Time, limit int) []*pkg.Decision {
	return dl.filter(limit, func(d *pkg.Decision) bool { return d.Timestamp.After(since) })
}

// GetDecisionsByOutcome returns up to limit decisions with the given outcome, oldest first
func (dl *DecisionLogger) GetDecisionsByOutcome(outcome pkg.Outcome, limit int) []*pkg.Decision {
	return dl.filter(limit, func(d *pkg.Decision) bool { return d.Outcome == outcome })
}

func (dl *DecisionLogger) filter(limit int, keep func(*pkg.Decision) bool) []*pkg.Decision {
	dl.mu.RLock()
	defer dl.mu.RUnlock()

	if limit <= 0 {
		limit = 100
	}

	var out []*pkg.Decision
	// Iterate backwards through records (most recent first)
	for i := len(dl.records) - 1; i >= 0 && len(out) < limit; i-- {
		if keep(dl.records[i]) {
			out = append(out, dl.records[i])
		}
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out
}

// GetDecisionByID returns a specific decision by ID
func (dl *DecisionLogger) GetDecisionByID(id string) *pkg.Decision {
	dl.mu.RLock()
	defer dl.mu.RUnlock()

	for _, d := range dl.records {
		if d.ID == id {
			return d
		}
	}
	return nil
}

// DecisionStats summarizes the decisions in the ring
type DecisionStats struct {
	TotalDecisions   int                     `json:"total_decisions"`
	Switches         int                     `json:"switches"`
	NoOps            int                     `json:"no_ops"`
	Aborted          int                     `json:"aborted"`
	ModelDecisions   int                     `json:"model_decisions"`
	RuleDecisions    int                     `json:"rule_decisions"`
	StateErrors      int                     `json:"state_errors"`
	AverageCycleTime time.Duration           `json:"average_cycle_time"`
	Suppressions     map[pkg.Suppression]int `json:"suppressions"`
	SwitchesTo       map[pkg.Algorithm]int   `json:"switches_to"`
	LastSwitch       *time.Time              `json:"last_switch,omitempty"`
}

// GetDecisionStats returns statistics about decisions newer than since
func (dl *DecisionLogger) GetDecisionStats(since time.Time) *DecisionStats {
	dl.mu.RLock()
	defer dl.mu.RUnlock()

	stats := &DecisionStats{
		Suppressions: make(map[pkg.Suppression]int),
		SwitchesTo:   make(map[pkg.Algorithm]int),
	}

	var total time.Duration
	for _, d := range dl.records {
		if !d.Timestamp.After(since) {
			continue
		}
		stats.TotalDecisions++
		total += d.Duration

		switch d.Outcome {
		case pkg.OutcomeSwitched:
			stats.Switches++
			stats.SwitchesTo[d.To]++
			ts := d.Timestamp
			stats.LastSwitch = &ts
		case pkg.OutcomeNoOp:
			stats.NoOps++
		case pkg.OutcomeAborted:
			stats.Aborted++
		}
		switch d.Source {
		case pkg.SourceModel:
			stats.ModelDecisions++
		case pkg.SourceRule:
			stats.RuleDecisions++
		}
		if d.Suppression != pkg.SuppressedNone {
			stats.Suppressions[d.Suppression]++
		}
		if d.StateError != "" {
			stats.StateErrors++
		}
	}

	if stats.TotalDecisions > 0 {
		stats.AverageCycleTime = total / time.Duration(stats.TotalDecisions)
	}
	return stats
}

// writeToLogFile appends a decision to the text log
func (dl *DecisionLogger) writeToLogFile(d *pkg.Decision) error {
	file, err := os.OpenFile(dl.logFile, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}
	defer file.Close()

	entry := fmt.Sprintf("[%s] %s | %s | %s | %s | %s->%s | %s | %v\n",
		d.Timestamp.Format(time.RFC3339),
		d.ID,
		d.Outcome,
		orDash(string(d.Source)),
		orDash(string(d.Suppression)),
		orDash(string(d.From)),
		orDash(string(d.To)),
		d.Reason,
		d.Duration,
	)

	_, err = file.WriteString(entry)
	return err
}

// writeToCSV appends a decision to the CSV file, creating it with a header
func (dl *DecisionLogger) writeToCSV(d *pkg.Decision) error {
	if _, err := os.Stat(dl.csvFile); os.IsNotExist(err) {
		if err := dl.createCSVHeader(); err != nil {
			return err
		}
	}

	file, err := os.OpenFile(dl.csvFile, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open CSV file: %w", err)
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	if err := writer.Write(csvRow(d)); err != nil {
		return err
	}
	writer.Flush()
	return writer.Error()
}

// createCSVHeader creates the CSV file with headers
func (dl *DecisionLogger) createCSVHeader() error {
	file, err := os.Create(dl.csvFile)
	if err != nil {
		return fmt.Errorf("failed to create CSV file: %w", err)
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	if err := writer.Write(CSVHeader); err != nil {
		return err
	}
	writer.Flush()
	return writer.Error()
}

// CSVHeader is the first row of the CSV audit file
var CSVHeader = []string{
	"Timestamp",
	"DecisionID",
	"Outcome",
	"Source",
	"Candidate",
	"From",
	"To",
	"Reason",
	"Suppression",
	"Error",
	"StateError",
	"DurationMS",
	"RTTMS",
	"ThroughputMbps",
	"LossPercent",
	"BufferbloatMS",
}

func csvRow(d *pkg.Decision) []string {
	row := []string{
		d.Timestamp.Format(time.RFC3339Nano),
		d.ID,
		string(d.Outcome),
		string(d.Source),
		string(d.Candidate),
		string(d.From),
		string(d.To),
		d.Reason,
		string(d.Suppression),
		d.Error,
		d.StateError,
		strconv.FormatInt(d.Duration.Milliseconds(), 10),
	}

	var rtt, tput, loss, bloat string
	if s := d.Snapshot; s != nil {
		rtt = formatOptional(s.RTTMS)
		tput = formatOptional(s.ThroughputMbps)
		loss = formatOptional(s.LossPercent)
		bloat = formatOptional(s.BufferbloatMS)
	}
	return append(row, rtt, tput, loss, bloat)
}

func formatOptional(v *float64) string {
	if v == nil {
		return ""
	}
	return strconv.FormatFloat(*v, 'f', -1, 64)
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

// Enable turns recording on
func (dl *DecisionLogger) Enable() {
	dl.mu.Lock()
	defer dl.mu.Unlock()
	dl.enabled = true
	dl.logger.Info("Decision audit logging enabled")
}

// Disable turns recording off
func (dl *DecisionLogger) Disable() {
	dl.mu.Lock()
	defer dl.mu.Unlock()
	dl.enabled = false
	dl.logger.Info("Decision audit logging disabled")
}

func (dl *DecisionLogger) IsEnabled() bool {
	dl.mu.RLock()
	defer dl.mu.RUnlock()
	return dl.enabled
}

// Clear clears all stored decisions
func (dl *DecisionLogger) Clear() {
	dl.mu.Lock()
	defer dl.mu.Unlock()
	dl.records = make([]*pkg.Decision, 0, dl.maxRecords)
	dl.logger.Info("Decision audit trail cleared")
}

// GetRecordCount returns the current number of stored records
func (dl *DecisionLogger) GetRecordCount() int {
	dl.mu.RLock()
	defer dl.mu.RUnlock()
	return len(dl.records)
}

// CSVPath returns the path of the CSV audit file
func (dl *DecisionLogger) CSVPath() string {
	return dl.csvFile
}

// LogPath returns the path of the text audit log
func (dl *DecisionLogger) LogPath() string {
	return dl.logFile
}
