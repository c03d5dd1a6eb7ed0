package history

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"ccost/internal/model"
)

// DB is the scan-history ledger: one row per completed full scan of a
// project directory, for cost trend reporting. It holds host-level history
// only; the authoritative current aggregate lives in the usage cache.
type DB struct {
	*sql.DB
}

// Snapshot is one recorded full-scan result.
type Snapshot struct {
	Directory   string
	ScannedAt   time.Time
	MonthKey    string
	Usage       model.TokenUsage
	TotalCost   float64
	MonthlyCost float64
}

// Open opens the SQLite history database.
func Open(dbPath string) (*DB, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Enable WAL mode for better concurrency
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	// Set busy timeout to avoid "database is locked" errors under concurrent load
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	return &DB{db}, nil
}

// Migrate creates the database schema
func (db *DB) Migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS scan_snapshots (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		directory TEXT NOT NULL,
		scanned_at TIMESTAMP NOT NULL,
		month_key TEXT NOT NULL,
		input_tokens INTEGER NOT NULL,
		output_tokens INTEGER NOT NULL,
		cache_creation_tokens INTEGER DEFAULT 0,
		cache_read_tokens INTEGER DEFAULT 0,
		total_cost REAL DEFAULT 0,
		monthly_cost REAL DEFAULT 0
	);

	CREATE INDEX IF NOT EXISTS idx_snapshots_dir_time ON scan_snapshots(directory, scanned_at);
	`

	_, err := db.Exec(schema)
	return err
}

// RecordScan appends one completed full-scan result.
func (db *DB) RecordScan(dir string, at time.Time, res model.UsageResult) error {
	_, err := db.Exec(
		`INSERT INTO scan_snapshots
		 (directory, scanned_at, month_key, input_tokens, output_tokens,
		  cache_creation_tokens, cache_read_tokens, total_cost, monthly_cost)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		dir, at.UTC(), model.MonthKey(at),
		res.AllTime.Usage.InputTokens, res.AllTime.Usage.OutputTokens,
		res.AllTime.Usage.CacheCreationInputTokens, res.AllTime.Usage.CacheReadInputTokens,
		res.AllTime.Cost, res.Month.Cost,
	)
	return err
}

// Recent returns the newest snapshots for one directory, newest first.
func (db *DB) Recent(dir string, limit int) ([]Snapshot, error) {
	rows, err := db.Query(
		`SELECT directory, scanned_at, month_key, input_tokens, output_tokens,
		        cache_creation_tokens, cache_read_tokens, total_cost, monthly_cost
		 FROM scan_snapshots
		 WHERE directory = ?
		 ORDER BY id DESC
		 LIMIT ?`,
		dir, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanSnapshots(rows)
}

// Latest returns the most recent snapshot per directory.
func (db *DB) Latest() ([]Snapshot, error) {
	rows, err := db.Query(
		`SELECT directory, scanned_at, month_key, input_tokens, output_tokens,
		        cache_creation_tokens, cache_read_tokens, total_cost, monthly_cost
		 FROM scan_snapshots
		 WHERE id IN (SELECT MAX(id) FROM scan_snapshots GROUP BY directory)
		 ORDER BY directory`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanSnapshots(rows)
}

func scanSnapshots(rows *sql.Rows) ([]Snapshot, error) {
	var snapshots []Snapshot
	for rows.Next() {
		var s Snapshot
		err := rows.Scan(
			&s.Directory, &s.ScannedAt, &s.MonthKey,
			&s.Usage.InputTokens, &s.Usage.OutputTokens,
			&s.Usage.CacheCreationInputTokens, &s.Usage.CacheReadInputTokens,
			&s.TotalCost, &s.MonthlyCost,
		)
		if err != nil {
			return nil, err
		}
		snapshots = append(snapshots, s)
	}
	return snapshots, rows.Err()
}
