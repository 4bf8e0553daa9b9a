// Package db provides the local persisted cache for shiftdesk.
//
// The cache is an embedded SQLite database (ncruces/go-sqlite3, WAL mode) that
// holds one table per entity kind. Request handlers read from and write to it
// directly; the sync worker replays unsynced rows against the remote store and
// pulls active remote state back in.
//
// Architecture:
//   - Database file: .shiftdesk/cache.db
//   - WAL mode: concurrent readers during writes
//   - Tables: accounts, reports, tasks, attendance
//   - Every row: local_id, remote_id, synced, version, updated_at
//
// Natural keys are enforced by UNIQUE constraints so that every upsert
// overwrites instead of duplicating. Any I/O failure is wrapped with
// schema.ErrStorage and returned.
package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/shiftdesk/shiftdesk/internal/cache/schema"
)

// timeLayout is fixed width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000Z07:00"

// DB wraps the SQLite connection pool backing the cache.
type DB struct {
	conn *sql.DB
	path string
	now  func() time.Time
}

// Open creates a new database connection at the specified path.
//
// The database is opened in WAL mode with a busy timeout so that request
// handlers and the sync worker can interleave writes. The parent directory is
// created if needed.
//
// The caller MUST call Close() when done.
//
// Example:
//
//	store, err := db.Open(".shiftdesk/cache.db")
//	if err != nil {
//	    return err
//	}
//	defer store.Close()
func Open(path string) (*DB, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	// Pragmas in the DSN are applied to every pooled connection.
	dsn := "file:" + path +
		"?_pragma=busy_timeout(5000)" +
		"&_pragma=journal_mode(wal)" +
		"&_pragma=foreign_keys(1)" +
		"&_txlock=immediate"
	conn, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(5)
	conn.SetConnMaxLifetime(5 * time.Minute)

	return &DB{
		conn: conn,
		path: path,
		now:  time.Now,
	}, nil
}

// RawDB returns the underlying sql.DB connection.
func (db *DB) RawDB() *sql.DB {
	return db.conn
}

// Path returns the database file path.
func (db *DB) Path() string {
	return db.path
}

// Close closes the database connection after checkpointing the WAL.
func (db *DB) Close() error {
	if db.conn == nil {
		return nil
	}

	if _, err := db.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to checkpoint WAL: %v\n", err)
	}

	if err := db.conn.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}

	db.conn = nil
	return nil
}

// InitSchema creates the cache tables if they don't exist.
// This is idempotent - safe to call multiple times.
func (db *DB) InitSchema() error {
	return db.InitSchemaContext(context.Background())
}

// InitSchemaContext creates the cache tables with context support.
func (db *DB) InitSchemaContext(ctx context.Context) error {
	ddl := `
	CREATE TABLE IF NOT EXISTS accounts (
		local_id    INTEGER PRIMARY KEY AUTOINCREMENT,
		remote_id   TEXT UNIQUE,
		external_id TEXT NOT NULL UNIQUE,
		name        TEXT NOT NULL,
		position    TEXT NOT NULL DEFAULT '',
		active      INTEGER NOT NULL DEFAULT 1,
		created_at  TEXT NOT NULL,
		synced      INTEGER NOT NULL DEFAULT 0,
		version     INTEGER NOT NULL DEFAULT 1,
		updated_at  TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS reports (
		local_id     INTEGER PRIMARY KEY AUTOINCREMENT,
		remote_id    TEXT UNIQUE,
		owner_id     TEXT NOT NULL,
		date         TEXT NOT NULL,
		completed    TEXT NOT NULL DEFAULT '',
		planned      TEXT NOT NULL DEFAULT '',
		blockers     TEXT NOT NULL DEFAULT '',
		submitted_at TEXT NOT NULL,
		status       TEXT NOT NULL,
		synced       INTEGER NOT NULL DEFAULT 0,
		version      INTEGER NOT NULL DEFAULT 1,
		updated_at   TEXT NOT NULL,
		UNIQUE (owner_id, date)
	);

	CREATE TABLE IF NOT EXISTS tasks (
		local_id      INTEGER PRIMARY KEY AUTOINCREMENT,
		remote_id     TEXT UNIQUE,
		title         TEXT NOT NULL,
		description   TEXT NOT NULL DEFAULT '',
		assignee_id   TEXT NOT NULL,
		assignee_name TEXT NOT NULL DEFAULT '',
		creator_id    TEXT NOT NULL DEFAULT '',
		creator_name  TEXT NOT NULL DEFAULT '',
		priority      TEXT NOT NULL,
		status        TEXT NOT NULL,
		created_at    TEXT NOT NULL,
		deadline      TEXT,
		completed_at  TEXT,
		comment       TEXT NOT NULL DEFAULT '',
		synced        INTEGER NOT NULL DEFAULT 0,
		version       INTEGER NOT NULL DEFAULT 1,
		updated_at    TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS attendance (
		local_id     INTEGER PRIMARY KEY AUTOINCREMENT,
		remote_id    TEXT UNIQUE,
		owner_id     TEXT NOT NULL,
		date         TEXT NOT NULL,
		check_in     TEXT NOT NULL,
		check_out    TEXT,
		worked_hours REAL NOT NULL DEFAULT 0,
		in_lat       REAL,
		in_lon       REAL,
		out_lat      REAL,
		out_lon      REAL,
		synced       INTEGER NOT NULL DEFAULT 0,
		version      INTEGER NOT NULL DEFAULT 1,
		updated_at   TEXT NOT NULL,
		UNIQUE (owner_id, date)
	);

	CREATE INDEX IF NOT EXISTS idx_accounts_synced ON accounts(synced);
	CREATE INDEX IF NOT EXISTS idx_accounts_active ON accounts(active);

	CREATE INDEX IF NOT EXISTS idx_reports_synced ON reports(synced);
	CREATE INDEX IF NOT EXISTS idx_reports_status ON reports(status);
	CREATE INDEX IF NOT EXISTS idx_reports_date ON reports(date);

	CREATE INDEX IF NOT EXISTS idx_tasks_synced ON tasks(synced);
	CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);
	CREATE INDEX IF NOT EXISTS idx_tasks_assignee ON tasks(assignee_id, status);
	CREATE INDEX IF NOT EXISTS idx_tasks_creator ON tasks(creator_id);

	CREATE INDEX IF NOT EXISTS idx_attendance_synced ON attendance(synced);
	CREATE INDEX IF NOT EXISTS idx_attendance_date ON attendance(date);
	`

	if _, err := db.conn.ExecContext(ctx, ddl); err != nil {
		return storageErr("initialize schema", err)
	}
	return nil
}

// tableFor maps an entity kind to its table.
func tableFor(kind schema.Kind) (string, error) {
	switch kind {
	case schema.KindAccount:
		return "accounts", nil
	case schema.KindReport:
		return "reports", nil
	case schema.KindTask:
		return "tasks", nil
	case schema.KindAttendance:
		return "attendance", nil
	}
	return "", fmt.Errorf("%w: unknown entity kind %q", schema.ErrUnsupported, kind)
}

// storageErr wraps a driver error so callers can detect it with
// errors.Is(err, schema.ErrStorage).
func storageErr(op string, err error) error {
	return fmt.Errorf("%w: failed to %s: %w", schema.ErrStorage, op, err)
}

// notFound wraps sql.ErrNoRows as schema.ErrNotFound and everything else as
// a storage error.
func notFound(op string, err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s: %w", op, schema.ErrNotFound)
	}
	return storageErr(op, err)
}

func (db *DB) stamp() string {
	return formatTime(db.now())
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		if t, err = time.Parse(time.RFC3339Nano, s); err != nil {
			return time.Time{}
		}
	}
	return t
}

// timeToNullString converts a time pointer to a nullable string for SQL.
func timeToNullString(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{Valid: false}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

// nullStringToTime converts a nullable SQL string to a time pointer.
func nullStringToTime(ns sql.NullString) *time.Time {
	if !ns.Valid {
		return nil
	}
	t := parseTime(ns.String)
	if t.IsZero() {
		return nil
	}
	return &t
}

func nullRemoteID(id string) sql.NullString {
	return sql.NullString{String: id, Valid: id != ""}
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// whereBuilder accumulates filter conditions for a SELECT.
type whereBuilder struct {
	conditions []string
	args       []any
}

func (w *whereBuilder) add(cond string, args ...any) {
	w.conditions = append(w.conditions, cond)
	w.args = append(w.args, args...)
}

func (w *whereBuilder) in(column string, values []string) {
	if len(values) == 0 {
		return
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(values)), ",")
	args := make([]any, len(values))
	for i, v := range values {
		args[i] = v
	}
	w.add(column+" IN ("+placeholders+")", args...)
}

func (w *whereBuilder) clause() string {
	if len(w.conditions) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(w.conditions, " AND ")
}

// finish appends ORDER BY and LIMIT for a filter.
func finish(query string, w *whereBuilder, orderColumn string, f schema.Filter) (string, []any) {
	query += w.clause()
	query += " ORDER BY " + orderColumn
	if f.Order == schema.OrderDesc {
		query += " DESC"
	}
	query += ", local_id"
	args := w.args
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	return query, args
}
