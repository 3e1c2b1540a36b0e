// ABOUTME: Contract tests for the chatgate database schema
// ABOUTME: Fails when a table, column or index the gateway relies on goes missing

package contract

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"slices"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/chatgate/internal/store"
)

// expectedSchema lists the columns existing databases already carry.
// Renaming or dropping any of them breaks upgrades in place.
var expectedSchema = map[string][]string{
	"users": {
		"id", "username", "is_admin", "lockout_until", "token",
		"token_issued_at", "last_activity_at", "last_login_at", "created_at",
	},
	"login_attempts": {
		"username", "ip", "count", "last_attempt_at",
	},
	"chat_sessions": {
		"id", "user_id", "description", "created_at", "last_activity_at",
	},
	"chat_messages": {
		"id", "session_id", "user_id", "message_text",
		"agent_response_text", "created_at",
	},
	"tool_invocations": {
		"id", "chat_message_id", "username", "tool_name", "server_name",
		"was_explicit", "user_confirmed", "success", "output_text",
		"error_message", "invocation_time",
	},
	"audit_log": {
		"audit_id", "actor", "action", "target_type", "target_id",
		"ts", "detail_json",
	},
}

var expectedIndexes = []string{
	"idx_chat_sessions_user",
	"idx_chat_sessions_activity",
	"idx_chat_messages_session",
	"idx_tool_invocations_message",
	"idx_tool_invocations_user",
	"idx_audit_log_ts",
	"idx_audit_log_action",
}

var drivers = []string{store.DriverModernc, store.DriverCGO}

// setupTestDB creates a database through the store and reopens it directly.
func setupTestDB(t *testing.T, driver string) *sql.DB {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "contract_test.db")

	s, err := store.Open(driver, dbPath, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err, "failed to create SQLite store")

	db, err := sql.Open(driver, dbPath)
	require.NoError(t, err, "failed to open database")

	t.Cleanup(func() {
		db.Close()
		s.Close()
	})
	return db
}

func getTableColumns(ctx context.Context, db *sql.DB, table string) (map[string]bool, error) {
	rows, err := db.QueryContext(ctx, fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return nil, fmt.Errorf("querying table info: %w", err)
	}
	defer rows.Close()

	columns := make(map[string]bool)
	for rows.Next() {
		var (
			cid       int
			name      string
			colType   string
			notNull   int
			dfltValue sql.NullString
			pk        int
		)
		if err := rows.Scan(&cid, &name, &colType, &notNull, &dfltValue, &pk); err != nil {
			return nil, fmt.Errorf("scanning column info: %w", err)
		}
		columns[name] = true
	}
	return columns, rows.Err()
}

func listNames(ctx context.Context, t *testing.T, db *sql.DB, kind string) map[string]bool {
	t.Helper()
	rows, err := db.QueryContext(ctx,
		"SELECT name FROM sqlite_master WHERE type = ? AND name NOT LIKE 'sqlite_%'", kind)
	require.NoError(t, err)
	defer rows.Close()

	names := make(map[string]bool)
	for rows.Next() {
		var name string
		require.NoError(t, rows.Scan(&name))
		names[name] = true
	}
	require.NoError(t, rows.Err())
	return names
}

func TestSchemaSurface(t *testing.T) {
	for _, driver := range drivers {
		t.Run(driver, func(t *testing.T) {
			db := setupTestDB(t, driver)
			ctx := context.Background()

			for table, expectedCols := range expectedSchema {
				actualCols, err := getTableColumns(ctx, db, table)
				require.NoError(t, err, "table %s", table)
				require.NotEmpty(t, actualCols, "table %s should exist", table)

				for _, col := range expectedCols {
					assert.True(t, actualCols[col], "column %s.%s should exist", table, col)
				}
				for col := range actualCols {
					if !slices.Contains(expectedCols, col) {
						t.Logf("INFO: extra column %s.%s not in contract", table, col)
					}
				}
			}
		})
	}
}

func TestTablesAndIndexesExist(t *testing.T) {
	for _, driver := range drivers {
		t.Run(driver, func(t *testing.T) {
			db := setupTestDB(t, driver)
			ctx := context.Background()

			tables := listNames(ctx, t, db, "table")
			for table := range expectedSchema {
				assert.True(t, tables[table], "table %s should exist", table)
			}

			indexes := listNames(ctx, t, db, "index")
			for _, idx := range expectedIndexes {
				assert.True(t, indexes[idx], "index %s should exist", idx)
			}
		})
	}
}

// Reopening an existing database must not fail on the already-created schema.
func TestSchemaIsIdempotent(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "reopen.db")
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	for i := 0; i < 2; i++ {
		s, err := store.Open(store.DriverModernc, dbPath, logger)
		require.NoError(t, err, "open #%d", i+1)
		require.NoError(t, s.Close())
	}
}
