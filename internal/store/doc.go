// Package store provides persistent storage for the gateway using SQLite.
//
// # Architecture
//
// The store is split into narrow interfaces so each consumer depends only on
// what it uses:
//
//   - CredentialStore: transactional bookkeeping for users, login attempts,
//     tool invocation records and audit entries (via Tx)
//   - ChatStore: chat sessions and messages
//   - AuditReader: listing the audit trail and tool invocation history
//
// SQLiteStore implements all of them in a single struct. MockStore is an
// in-memory implementation for tests; its transactions roll back by
// restoring a snapshot.
//
// # Transactions
//
// Authentication, token validation and tool invocation recording each run
// inside one InTx call so that read-modify-write sequences on a user row are
// atomic:
//
//	err := s.InTx(ctx, func(tx store.Tx) error {
//	    u, err := tx.GetOrCreateUser(ctx, "alice")
//	    if err != nil {
//	        return err
//	    }
//	    u.LastLoginAt = &now
//	    return tx.SaveUser(ctx, u)
//	})
//
// Returning an error from the callback rolls back every write it made.
//
// # Drivers
//
// Open accepts "sqlite" (modernc.org/sqlite, pure Go) or "sqlite3"
// (github.com/mattn/go-sqlite3, cgo). The connection pool is limited to one
// connection, which serializes writers and keeps ":memory:" databases alive.
//
// # Time Storage
//
// Instants are stored as fixed-width UTC strings with nanosecond precision so
// that range queries compare correctly as text.
package store
