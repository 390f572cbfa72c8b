package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/sirupsen/logrus"
)

// ErrStorage is wrapped by every persistence failure
var ErrStorage = errors.New("storage error")

// StorageError records which store operation failed
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage: %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() []error {
	return []error{ErrStorage, e.Err}
}

func storageErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return &StorageError{Op: op, Err: err}
}

// Open opens (creating if needed) the sqlite database at path.
// Write transactions take the write lock up front so concurrent
// lifecycle transitions queue on busy_timeout instead of failing on upgrade.
func Open(path string) (*sql.DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("mkdir data dir: %w", err)
	}
	dsn := fmt.Sprintf("file:%s?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000&_txlock=immediate", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, storageErr("open", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, storageErr("ping", err)
	}
	if _, err := db.Exec(`PRAGMA synchronous=NORMAL; PRAGMA temp_store=MEMORY;`); err != nil {
		_ = db.Close()
		return nil, storageErr("pragma", err)
	}
	logrus.Infof("Opened sqlite database at %s", path)
	return db, nil
}

// Migrate creates the history and alert tables. Timestamps are unix nanoseconds.
func Migrate(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS network_monitoring_history (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			source TEXT NOT NULL,
			metric_type TEXT NOT NULL,
			value REAL NOT NULL,
			unit TEXT NOT NULL DEFAULT '',
			ts INTEGER NOT NULL,
			metadata TEXT
		);`,
		`CREATE TABLE IF NOT EXISTS interface_stats_history (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			source TEXT NOT NULL,
			interface_name TEXT NOT NULL,
			status TEXT NOT NULL,
			speed INTEGER NOT NULL DEFAULT 0,
			in_bytes INTEGER NOT NULL DEFAULT 0,
			out_bytes INTEGER NOT NULL DEFAULT 0,
			in_errors INTEGER NOT NULL DEFAULT 0,
			out_errors INTEGER NOT NULL DEFAULT 0,
			ts INTEGER NOT NULL,
			metadata TEXT
		);`,
		`CREATE TABLE IF NOT EXISTS netflow_history (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			source TEXT NOT NULL,
			source_ip TEXT NOT NULL,
			destination_ip TEXT NOT NULL DEFAULT '',
			protocol TEXT NOT NULL DEFAULT '',
			port INTEGER NOT NULL DEFAULT 0,
			bytes INTEGER NOT NULL,
			packets INTEGER NOT NULL DEFAULT 0,
			duration REAL NOT NULL DEFAULT 0,
			ts INTEGER NOT NULL,
			metadata TEXT
		);`,
		`CREATE TABLE IF NOT EXISTS alerts (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			type TEXT NOT NULL,
			severity TEXT NOT NULL,
			message TEXT NOT NULL,
			source TEXT NOT NULL,
			value REAL NOT NULL,
			threshold REAL NOT NULL,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL,
			acknowledged INTEGER NOT NULL DEFAULT 0,
			acknowledged_by TEXT NOT NULL DEFAULT '',
			acknowledged_at INTEGER,
			resolved INTEGER NOT NULL DEFAULT 0,
			resolved_at INTEGER,
			metadata TEXT
		);`,
		`CREATE TABLE IF NOT EXISTS alert_history (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			alert_id INTEGER NOT NULL,
			action TEXT NOT NULL,
			performed_by TEXT NOT NULL,
			performed_at INTEGER NOT NULL,
			notes TEXT NOT NULL DEFAULT '',
			metadata TEXT,
			FOREIGN KEY(alert_id) REFERENCES alerts(id) ON DELETE CASCADE
		);`,
		`CREATE INDEX IF NOT EXISTS idx_metrics_ts ON network_monitoring_history(ts DESC);`,
		`CREATE INDEX IF NOT EXISTS idx_metrics_source_type_ts ON network_monitoring_history(source, metric_type, ts DESC);`,
		`CREATE INDEX IF NOT EXISTS idx_ifstats_source_ts ON interface_stats_history(source, interface_name, ts DESC);`,
		`CREATE INDEX IF NOT EXISTS idx_ifstats_ts ON interface_stats_history(ts DESC);`,
		`CREATE INDEX IF NOT EXISTS idx_netflow_ts ON netflow_history(ts DESC);`,
		`CREATE INDEX IF NOT EXISTS idx_netflow_src_ts ON netflow_history(source_ip, ts DESC);`,
		`CREATE INDEX IF NOT EXISTS idx_alerts_created ON alerts(created_at DESC);`,
		`CREATE INDEX IF NOT EXISTS idx_alerts_key_resolved ON alerts(source, type, resolved_at DESC);`,
		// at most one unresolved alert per (source, type)
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_alerts_open_key ON alerts(source, type) WHERE resolved = 0;`,
		`CREATE INDEX IF NOT EXISTS idx_alert_history_alert ON alert_history(alert_id, id);`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return storageErr("migrate", err)
		}
	}
	return nil
}

func nanos(t time.Time) int64 {
	return t.UTC().UnixNano()
}

func fromNanos(n int64) time.Time {
	return time.Unix(0, n).UTC()
}

func nullNanos(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: nanos(*t), Valid: true}
}

func timePtr(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := fromNanos(n.Int64)
	return &t
}

func encodeMetadata(m map[string]any) (sql.NullString, error) {
	if len(m) == 0 {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("encode metadata: %w", err)
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

func decodeMetadata(s sql.NullString) map[string]any {
	if !s.Valid || s.String == "" {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(s.String), &m); err != nil {
		logrus.Warnf("Discarding unreadable metadata: %v", err)
		return nil
	}
	return m
}
