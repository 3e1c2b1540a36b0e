// ABOUTME: Store interfaces and data types for chatgate persistence
// ABOUTME: Defines users, login attempts, tool invocations, chat history and the transactional store

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrDuplicateToken is returned when a token collides with another user's token
var ErrDuplicateToken = errors.New("token already in use")

// User is an authorized account. Rows are created lazily on the first
// authentication attempt and never hard-deleted.
type User struct {
	ID             int64
	Username       string
	IsAdmin        bool
	LockoutUntil   *time.Time
	Token          string // empty when no token is outstanding
	TokenIssuedAt  *time.Time
	LastActivityAt *time.Time // nil until the token is first used
	LastLoginAt    *time.Time
	CreatedAt      time.Time
}

// IsLocked reports whether the account is locked at now.
func (u *User) IsLocked(now time.Time) bool {
	return u.LockoutUntil != nil && u.LockoutUntil.After(now)
}

// LoginAttempt counts consecutive failed logins for one (username, ip) pair.
type LoginAttempt struct {
	Username      string
	IP            string
	Count         int
	LastAttemptAt *time.Time
}

// ToolInvocation is the audit record of one tool invocation attempt.
type ToolInvocation struct {
	ID             string // UUID v4, generated if empty
	ChatMessageID  string // optional
	Username       string
	ToolName       string
	ServerName     string
	WasExplicit    bool
	UserConfirmed  *bool // nil when confirmation was not asked
	Success        bool
	OutputText     *string
	ErrorMessage   *string
	InvocationTime time.Time
}

// ToolInvocationFilter narrows ListToolInvocations.
type ToolInvocationFilter struct {
	Username      string
	ChatMessageID string
	Limit         int // default 100, max 1000
}

// ChatSession groups a user's messages.
type ChatSession struct {
	ID             string
	UserID         int64
	Description    string
	CreatedAt      time.Time
	LastActivityAt time.Time
}

// ChatMessage is one user turn and the agent's reply.
type ChatMessage struct {
	ID                string
	SessionID         string
	UserID            int64
	MessageText       string
	AgentResponseText string
	CreatedAt         time.Time
}

// Tx is the set of operations available inside a credential transaction.
// Every method sees the writes made earlier in the same transaction.
type Tx interface {
	// GetOrCreateUser loads the user, inserting a fresh row if none exists.
	GetOrCreateUser(ctx context.Context, username string) (*User, error)
	// GetUserByUsername returns ErrNotFound when no row exists; it never inserts.
	GetUserByUsername(ctx context.Context, username string) (*User, error)
	GetUserByID(ctx context.Context, id int64) (*User, error)
	GetUserByToken(ctx context.Context, token string) (*User, error)
	// SaveUser persists every mutable field of u.
	SaveUser(ctx context.Context, u *User) error
	// GetLoginAttempt returns ErrNotFound when the pair has no record.
	GetLoginAttempt(ctx context.Context, username, ip string) (*LoginAttempt, error)
	SaveLoginAttempt(ctx context.Context, a *LoginAttempt) error
	CreateToolInvocation(ctx context.Context, inv *ToolInvocation) error
	// FinishToolInvocation writes the outcome fields of an existing row.
	// Returns ErrNotFound if inv.ID has no row.
	FinishToolInvocation(ctx context.Context, inv *ToolInvocation) error
	AppendAuditLog(ctx context.Context, e *AuditEntry) error
}

// CredentialStore runs credential bookkeeping atomically.
type CredentialStore interface {
	// InTx runs fn in one transaction. A non-nil error from fn rolls back
	// every write fn made and is returned unchanged.
	InTx(ctx context.Context, fn func(Tx) error) error
}

// ChatStore persists chat history.
type ChatStore interface {
	CreateChatSession(ctx context.Context, s *ChatSession) error
	GetChatSession(ctx context.Context, id string) (*ChatSession, error)
	ListChatSessions(ctx context.Context, userID int64) ([]*ChatSession, error)
	// AddChatMessage stores m and bumps the session's last activity.
	AddChatMessage(ctx context.Context, m *ChatMessage) error
	SetChatMessageResponse(ctx context.Context, id, response string) error
	ListChatMessages(ctx context.Context, sessionID string) ([]*ChatMessage, error)
	// DeleteChatSession removes the session with its messages and their tool invocations.
	DeleteChatSession(ctx context.Context, id string) error
	// PurgeOldSessions deletes sessions idle for longer than retention and
	// returns how many were removed.
	PurgeOldSessions(ctx context.Context, retention time.Duration, now time.Time) (int, error)
}

// AuditReader lists the operator audit trail and tool invocation history.
type AuditReader interface {
	ListAuditLog(ctx context.Context, f AuditFilter) ([]AuditEntry, error)
	ListToolInvocations(ctx context.Context, f ToolInvocationFilter) ([]*ToolInvocation, error)
}

// Store is the full persistence surface used by the gateway.
type Store interface {
	CredentialStore
	ChatStore
	AuditReader
	// AppendAuditLog records an entry in its own transaction.
	AppendAuditLog(ctx context.Context, e *AuditEntry) error
	Close() error
}

// normalizeLimit applies default (100) and cap (1000) to list limits.
func normalizeLimit(limit int) int {
	switch {
	case limit <= 0:
		return 100
	case limit > 1000:
		return 1000
	default:
		return limit
	}
}
