// ABOUTME: User and login attempt persistence for the SQLite store
// ABOUTME: Implements the credential half of Tx: lazy user creation, token lookup, attempt counters

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const userColumns = `id, username, is_admin, lockout_until, token, token_issued_at, last_activity_at, last_login_at, created_at`

// GetOrCreateUser loads a user by username, inserting a new row if needed.
func (t *sqliteTx) GetOrCreateUser(ctx context.Context, username string) (*User, error) {
	_, err := t.q.ExecContext(ctx,
		`INSERT OR IGNORE INTO users (username, is_admin, created_at) VALUES (?, 0, ?)`,
		username, formatTime(time.Now()),
	)
	if err != nil {
		return nil, fmt.Errorf("inserting user: %w", err)
	}

	row := t.q.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE username = ?`, username)
	return scanUser(row)
}

// GetUserByUsername retrieves a user by username.
// Returns ErrNotFound if the user doesn't exist.
func (t *sqliteTx) GetUserByUsername(ctx context.Context, username string) (*User, error) {
	row := t.q.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE username = ?`, username)
	return scanUser(row)
}

// GetUserByID retrieves a user by ID.
// Returns ErrNotFound if the user doesn't exist.
func (t *sqliteTx) GetUserByID(ctx context.Context, id int64) (*User, error) {
	row := t.q.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id = ?`, id)
	return scanUser(row)
}

// GetUserByToken retrieves the user currently holding token.
// Returns ErrNotFound if no user holds it.
func (t *sqliteTx) GetUserByToken(ctx context.Context, token string) (*User, error) {
	if token == "" {
		return nil, ErrNotFound
	}
	row := t.q.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE token = ?`, token)
	return scanUser(row)
}

// SaveUser writes every mutable field of u.
func (t *sqliteTx) SaveUser(ctx context.Context, u *User) error {
	query := `
		UPDATE users
		SET is_admin = ?, lockout_until = ?, token = ?, token_issued_at = ?,
		    last_activity_at = ?, last_login_at = ?
		WHERE id = ?
	`

	result, err := t.q.ExecContext(ctx, query,
		u.IsAdmin,
		nullTime(u.LockoutUntil),
		nullString(u.Token),
		nullTime(u.TokenIssuedAt),
		nullTime(u.LastActivityAt),
		nullTime(u.LastLoginAt),
		u.ID,
	)
	if err != nil {
		if isConstraintViolation(err) {
			return ErrDuplicateToken
		}
		return fmt.Errorf("updating user: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

func scanUser(row *sql.Row) (*User, error) {
	var u User
	var lockout, token, issued, activity, login sql.NullString
	var createdAtStr string

	err := row.Scan(&u.ID, &u.Username, &u.IsAdmin, &lockout, &token, &issued, &activity, &login, &createdAtStr)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying user: %w", err)
	}

	u.Token = token.String
	if u.CreatedAt, err = parseTime(createdAtStr); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if u.LockoutUntil, err = parseNullTime(lockout); err != nil {
		return nil, fmt.Errorf("parsing lockout_until: %w", err)
	}
	if u.TokenIssuedAt, err = parseNullTime(issued); err != nil {
		return nil, fmt.Errorf("parsing token_issued_at: %w", err)
	}
	if u.LastActivityAt, err = parseNullTime(activity); err != nil {
		return nil, fmt.Errorf("parsing last_activity_at: %w", err)
	}
	if u.LastLoginAt, err = parseNullTime(login); err != nil {
		return nil, fmt.Errorf("parsing last_login_at: %w", err)
	}
	return &u, nil
}

// GetLoginAttempt returns the failure counter for (username, ip).
// Returns ErrNotFound if the pair has never been recorded.
func (t *sqliteTx) GetLoginAttempt(ctx context.Context, username, ip string) (*LoginAttempt, error) {
	var a LoginAttempt
	var last sql.NullString

	err := t.q.QueryRowContext(ctx,
		`SELECT username, ip, count, last_attempt_at FROM login_attempts WHERE username = ? AND ip = ?`,
		username, ip,
	).Scan(&a.Username, &a.IP, &a.Count, &last)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying login attempt: %w", err)
	}

	if a.LastAttemptAt, err = parseNullTime(last); err != nil {
		return nil, fmt.Errorf("parsing last_attempt_at: %w", err)
	}
	return &a, nil
}

// SaveLoginAttempt inserts or replaces the counter for the attempt's pair.
func (t *sqliteTx) SaveLoginAttempt(ctx context.Context, a *LoginAttempt) error {
	query := `
		INSERT INTO login_attempts (username, ip, count, last_attempt_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(username, ip) DO UPDATE SET
			count = excluded.count,
			last_attempt_at = excluded.last_attempt_at
	`

	_, err := t.q.ExecContext(ctx, query, a.Username, a.IP, a.Count, nullTime(a.LastAttemptAt))
	if err != nil {
		return fmt.Errorf("saving login attempt: %w", err)
	}
	return nil
}
