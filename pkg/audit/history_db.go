package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/markus-lassfolk/ccaswitch/pkg"
	"github.com/markus-lassfolk/ccaswitch/pkg/logx"
)

// DefaultMaxRows bounds the decisions table
const DefaultMaxRows = 100000

// HistoryDB keeps every decision in a sqlite database for later queries
type HistoryDB struct {
	db      *sql.DB
	path    string
	maxRows int
	logger  *logx.Logger
	inserts int
}

// OpenHistoryDB opens or creates the database at path
func OpenHistoryDB(path string, maxRows int, logger *logx.Logger) (*HistoryDB, error) {
	if maxRows <= 0 {
		maxRows = DefaultMaxRows
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// sqlite allows a single writer
	db.SetMaxOpenConns(1)

	h := &HistoryDB{db: db, path: path, maxRows: maxRows, logger: logger}
	if err := h.initializeDatabase(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	logger.Info("Decision history database opened", "path", path, "max_rows", maxRows)
	return h, nil
}

func (h *HistoryDB) initializeDatabase() error {
	createTableSQL := `
	CREATE TABLE IF NOT EXISTS decisions (
		id TEXT PRIMARY KEY,
		timestamp_ms INTEGER NOT NULL,
		outcome TEXT NOT NULL,
		source TEXT,
		candidate TEXT,
		from_algorithm TEXT,
		to_algorithm TEXT,
		reason TEXT,
		suppression TEXT,
		error TEXT,
		state_error TEXT,
		duration_us INTEGER NOT NULL,
		snapshot TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_decisions_timestamp ON decisions(timestamp_ms);
	CREATE INDEX IF NOT EXISTS idx_decisions_outcome ON decisions(outcome);
	`

	_, err := h.db.Exec(createTableSQL)
	return err
}

// Record implements decision.Recorder
func (h *HistoryDB) Record(ctx context.Context, d *pkg.Decision) error {
	var snapshot sql.NullString
	if d.Snapshot != nil {
		data, err := json.Marshal(d.Snapshot)
		if err != nil {
			return fmt.Errorf("failed to encode snapshot: %w", err)
		}
		snapshot = sql.NullString{String: string(data), Valid: true}
	}

	insertSQL := `
	INSERT OR REPLACE INTO decisions (
		id, timestamp_ms, outcome, source, candidate, from_algorithm, to_algorithm,
		reason, suppression, error, state_error, duration_us, snapshot
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := h.db.ExecContext(ctx, insertSQL,
		d.ID,
		d.Timestamp.UnixMilli(),
		string(d.Outcome),
		string(d.Source),
		string(d.Candidate),
		string(d.From),
		string(d.To),
		d.Reason,
		string(d.Suppression),
		d.Error,
		d.StateError,
		d.Duration.Microseconds(),
		snapshot,
	)
	if err != nil {
		return fmt.Errorf("failed to insert decision: %w", err)
	}

	h.inserts++
	if h.inserts%1000 == 0 {
		if err := h.Trim(ctx); err != nil {
			h.logger.Warn("Decision history maintenance failed", "error", err)
		}
	}
	return nil
}

// Query selects decisions from the history
type Query struct {
	Since   time.Time
	Outcome pkg.Outcome
	Limit   int
}

// Recent returns the newest decisions matching q, oldest first
func (h *HistoryDB) Recent(ctx context.Context, q Query) ([]*pkg.Decision, error) {
	if q.Limit <= 0 {
		q.Limit = 100
	}

	query := `
	SELECT id, timestamp_ms, outcome, source, candidate, from_algorithm, to_algorithm,
		reason, suppression, error, state_error, duration_us, snapshot
	FROM decisions
	WHERE timestamp_ms >= ? AND (? = '' OR outcome = ?)
	ORDER BY timestamp_ms DESC, rowid DESC
	LIMIT ?`

	var since int64
	if !q.Since.IsZero() {
		since = q.Since.UnixMilli()
	}
	rows, err := h.db.QueryContext(ctx, query, since, string(q.Outcome), string(q.Outcome), q.Limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query decisions: %w", err)
	}
	defer rows.Close()

	var out []*pkg.Decision
	for rows.Next() {
		d, err := scanDecision(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

func scanDecision(rows *sql.Rows) (*pkg.Decision, error) {
	var (
		d           pkg.Decision
		tsMS, durUS int64
		outcome     string
		source      string
		candidate   string
		from, to    string
		suppression string
		snapshot    sql.NullString
	)
	if err := rows.Scan(&d.ID, &tsMS, &outcome, &source, &candidate, &from, &to,
		&d.Reason, &suppression, &d.Error, &d.StateError, &durUS, &snapshot); err != nil {
		return nil, fmt.Errorf("failed to scan decision: %w", err)
	}

	d.Timestamp = time.UnixMilli(tsMS)
	d.Outcome = pkg.Outcome(outcome)
	d.Source = pkg.Source(source)
	d.Candidate = pkg.Algorithm(candidate)
	d.From = pkg.Algorithm(from)
	d.To = pkg.Algorithm(to)
	d.Suppression = pkg.Suppression(suppression)
	d.Duration = time.Duration(durUS) * time.Microsecond

	if snapshot.Valid {
		d.Snapshot = &pkg.MetricsSnapshot{}
		if err := json.Unmarshal([]byte(snapshot.String), d.Snapshot); err != nil {
			return nil, fmt.Errorf("failed to decode snapshot of %s: %w", d.ID, err)
		}
	}
	return &d, nil
}

// GetStatistics returns counts per outcome and the covered time range
func (h *HistoryDB) GetStatistics(ctx context.Context) (map[string]interface{}, error) {
	stats := make(map[string]interface{})

	var total int
	if err := h.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM decisions").Scan(&total); err != nil {
		return nil, fmt.Errorf("failed to count decisions: %w", err)
	}
	stats["total_decisions"] = total

	rows, err := h.db.QueryContext(ctx, "SELECT outcome, COUNT(*) FROM decisions GROUP BY outcome")
	if err != nil {
		return nil, fmt.Errorf("failed to count outcomes: %w", err)
	}
	defer rows.Close()
	outcomes := make(map[string]int)
	for rows.Next() {
		var outcome string
		var n int
		if err := rows.Scan(&outcome, &n); err != nil {
			return nil, err
		}
		outcomes[outcome] = n
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	stats["outcomes"] = outcomes

	if total > 0 {
		var oldest, newest int64
		if err := h.db.QueryRowContext(ctx, "SELECT MIN(timestamp_ms), MAX(timestamp_ms) FROM decisions").Scan(&oldest, &newest); err != nil {
			return nil, err
		}
		stats["oldest"] = time.UnixMilli(oldest).UTC()
		stats["newest"] = time.UnixMilli(newest).UTC()
	}
	return stats, nil
}

// Trim deletes the oldest rows beyond maxRows. Record calls it every
// thousand inserts.
func (h *HistoryDB) Trim(ctx context.Context) error {
	var count int
	if err := h.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM decisions").Scan(&count); err != nil {
		return fmt.Errorf("failed to count decisions: %w", err)
	}
	if count <= h.maxRows {
		return nil
	}

	deleteCount := count - h.maxRows
	_, err := h.db.ExecContext(ctx, `
		DELETE FROM decisions
		WHERE id IN (
			SELECT id FROM decisions
			ORDER BY timestamp_ms ASC
			LIMIT ?
		)`, deleteCount)
	if err != nil {
		return fmt.Errorf("failed to trim decisions: %w", err)
	}
	h.logger.Info("Decision history trimmed", "deleted", deleteCount, "remaining", h.maxRows)
	return nil
}

// Path returns the database file
func (h *HistoryDB) Path() string {
	return h.path
}

// Close closes the database connection
func (h *HistoryDB) Close() error {
	if h.db != nil {
		return h.db.Close()
	}
	return nil
}
