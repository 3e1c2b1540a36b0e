// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite or mattn/go-sqlite3
// ABOUTME: Provides credential, chat and audit persistence with automatic schema creation

package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	_ "modernc.org/sqlite"
)

// Drivers accepted by Open.
const (
	DriverModernc = "sqlite"  // pure Go
	DriverCGO     = "sqlite3" // github.com/mattn/go-sqlite3
)

// timeLayout is fixed width so stored instants compare correctly as strings.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// NewSQLiteStore creates a new SQLite store at the given path using the pure Go driver.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	return Open(DriverModernc, path, slog.Default())
}

// Open creates a SQLite store with the named driver.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func Open(driver, path string, logger *slog.Logger) (*SQLiteStore, error) {
	logger = logger.With("component", "store")

	switch driver {
	case DriverModernc, DriverCGO:
	default:
		return nil, fmt.Errorf("unsupported sqlite driver %q", driver)
	}

	if path != ":memory:" {
		// Ensure parent directory exists
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open(driver, path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// One connection serializes writers and keeps :memory: databases alive.
	db.SetMaxOpenConns(1)

	// Enable WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	// Enable foreign keys
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	if err := s.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path, "driver", driver)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS users (
			id               INTEGER PRIMARY KEY AUTOINCREMENT,
			username         TEXT NOT NULL UNIQUE,
			is_admin         INTEGER NOT NULL DEFAULT 0,
			lockout_until    TEXT,
			token            TEXT UNIQUE,
			token_issued_at  TEXT,
			last_activity_at TEXT,
			last_login_at    TEXT,
			created_at       TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS login_attempts (
			username        TEXT NOT NULL,
			ip              TEXT NOT NULL,
			count           INTEGER NOT NULL DEFAULT 0,
			last_attempt_at TEXT,
			PRIMARY KEY (username, ip)
		);

		CREATE TABLE IF NOT EXISTS chat_sessions (
			id               TEXT PRIMARY KEY,
			user_id          INTEGER NOT NULL REFERENCES users(id),
			description      TEXT,
			created_at       TEXT NOT NULL,
			last_activity_at TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_chat_sessions_user ON chat_sessions(user_id);
		CREATE INDEX IF NOT EXISTS idx_chat_sessions_activity ON chat_sessions(last_activity_at);

		CREATE TABLE IF NOT EXISTS chat_messages (
			id                  TEXT PRIMARY KEY,
			session_id          TEXT NOT NULL REFERENCES chat_sessions(id) ON DELETE CASCADE,
			user_id             INTEGER NOT NULL REFERENCES users(id),
			message_text        TEXT NOT NULL,
			agent_response_text TEXT,
			created_at          TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_chat_messages_session ON chat_messages(session_id, created_at);

		CREATE TABLE IF NOT EXISTS tool_invocations (
			id              TEXT PRIMARY KEY,
			chat_message_id TEXT REFERENCES chat_messages(id) ON DELETE CASCADE,
			username        TEXT NOT NULL,
			tool_name       TEXT NOT NULL,
			server_name     TEXT NOT NULL,
			was_explicit    INTEGER NOT NULL,
			user_confirmed  INTEGER,
			success         INTEGER NOT NULL,
			output_text     TEXT,
			error_message   TEXT,
			invocation_time TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_tool_invocations_message ON tool_invocations(chat_message_id);
		CREATE INDEX IF NOT EXISTS idx_tool_invocations_user ON tool_invocations(username, invocation_time);

		CREATE TABLE IF NOT EXISTS audit_log (
			audit_id    TEXT PRIMARY KEY,
			actor       TEXT NOT NULL,
			action      TEXT NOT NULL,
			target_type TEXT NOT NULL,
			target_id   TEXT NOT NULL,
			ts          TEXT NOT NULL,
			detail_json TEXT
		);

		CREATE INDEX IF NOT EXISTS idx_audit_log_ts ON audit_log(ts);
		CREATE INDEX IF NOT EXISTS idx_audit_log_action ON audit_log(action);
	`

	_, err := s.db.Exec(schema)
	return err
}

// runMigrations applies schema migrations for existing databases.
// These are idempotent - safe to run multiple times.
func (s *SQLiteStore) runMigrations() error {
	// SQLite doesn't support ADD COLUMN IF NOT EXISTS, so we check first
	migrations := []struct {
		table  string
		column string
		apply  string
	}{
		{
			table:  "users",
			column: "last_login_at",
			apply:  `ALTER TABLE users ADD COLUMN last_login_at TEXT`,
		},
		{
			table:  "chat_sessions",
			column: "description",
			apply:  `ALTER TABLE chat_sessions ADD COLUMN description TEXT`,
		},
	}

	for _, m := range migrations {
		var exists int
		err := s.db.QueryRow(`SELECT 1 FROM pragma_table_info(?) WHERE name = ?`, m.table, m.column).Scan(&exists)
		if err == nil {
			// Column already exists, skip
			continue
		}
		if _, err := s.db.Exec(m.apply); err != nil {
			return fmt.Errorf("adding %s column to %s: %w", m.column, m.table, err)
		}
		s.logger.Info("applied migration", "column", m.column, "table", m.table)
	}

	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	s.logger.Info("closing SQLite store")
	return s.db.Close()
}

// InTx runs fn inside a database transaction.
func (s *SQLiteStore) InTx(ctx context.Context, fn func(Tx) error) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(&sqliteTx{q: tx, logger: s.logger}); err != nil {
		_ = tx.Rollback()
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

// AppendAuditLog records e in its own transaction.
func (s *SQLiteStore) AppendAuditLog(ctx context.Context, e *AuditEntry) error {
	return s.InTx(ctx, func(tx Tx) error {
		return tx.AppendAuditLog(ctx, e)
	})
}

// sqliteTx implements Tx over a *sql.Tx.
type sqliteTx struct {
	q      querier
	logger *slog.Logger
}

// isConstraintViolation checks if the error is a SQLite UNIQUE constraint violation
func isConstraintViolation(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "UNIQUE constraint failed") ||
		strings.Contains(errStr, "constraint failed")
}

// nullString returns nil for empty strings, otherwise the string
func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

// nullTime returns nil for a nil instant, otherwise its stored form
func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(timeLayout, s)
}

// parseNullTime parses an optional stored instant.
func parseNullTime(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid {
		return nil, nil
	}
	t, err := parseTime(ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func nullBool(b *bool) any {
	if b == nil {
		return nil
	}
	return *b
}
