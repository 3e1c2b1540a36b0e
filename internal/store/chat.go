// ABOUTME: Chat session and message persistence for the SQLite store
// ABOUTME: Sessions track last activity so idle history can be purged after the retention window

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// CreateChatSession inserts a session. Generates ID and timestamps if not set.
func (s *SQLiteStore) CreateChatSession(ctx context.Context, cs *ChatSession) error {
	if cs.ID == "" {
		cs.ID = uuid.New().String()
	}
	if cs.CreatedAt.IsZero() {
		cs.CreatedAt = time.Now().UTC()
	}
	if cs.LastActivityAt.IsZero() {
		cs.LastActivityAt = cs.CreatedAt
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO chat_sessions (id, user_id, description, created_at, last_activity_at) VALUES (?, ?, ?, ?, ?)`,
		cs.ID, cs.UserID, nullString(cs.Description), formatTime(cs.CreatedAt), formatTime(cs.LastActivityAt),
	)
	if err != nil {
		return fmt.Errorf("inserting chat session: %w", err)
	}

	s.logger.Debug("created chat session", "id", cs.ID, "user_id", cs.UserID)
	return nil
}

// GetChatSession retrieves a session by ID.
// Returns ErrNotFound if the session doesn't exist.
func (s *SQLiteStore) GetChatSession(ctx context.Context, id string) (*ChatSession, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, description, created_at, last_activity_at FROM chat_sessions WHERE id = ?`, id)

	cs, err := scanChatSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return cs, err
}

// ListChatSessions returns a user's sessions, most recently active first.
func (s *SQLiteStore) ListChatSessions(ctx context.Context, userID int64) ([]*ChatSession, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, description, created_at, last_activity_at
		FROM chat_sessions
		WHERE user_id = ?
		ORDER BY last_activity_at DESC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("querying chat sessions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	sessions := []*ChatSession{}
	for rows.Next() {
		cs, err := scanChatSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, cs)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating chat sessions: %w", err)
	}
	return sessions, nil
}

func scanChatSession(scanner interface{ Scan(dest ...any) error }) (*ChatSession, error) {
	var cs ChatSession
	var desc sql.NullString
	var createdStr, activityStr string

	if err := scanner.Scan(&cs.ID, &cs.UserID, &desc, &createdStr, &activityStr); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scanning chat session: %w", err)
	}

	cs.Description = desc.String
	var err error
	if cs.CreatedAt, err = parseTime(createdStr); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if cs.LastActivityAt, err = parseTime(activityStr); err != nil {
		return nil, fmt.Errorf("parsing last_activity_at: %w", err)
	}
	return &cs, nil
}

// AddChatMessage stores a message and bumps its session's last activity
// in one transaction. Returns ErrNotFound if the session doesn't exist.
func (s *SQLiteStore) AddChatMessage(ctx context.Context, m *ChatMessage) error {
	if m.ID == "" {
		m.ID = uuid.New().String()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	result, err := tx.ExecContext(ctx,
		`UPDATE chat_sessions SET last_activity_at = ? WHERE id = ?`,
		formatTime(m.CreatedAt), m.SessionID,
	)
	if err != nil {
		return fmt.Errorf("updating session activity: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return ErrNotFound
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO chat_messages (id, session_id, user_id, message_text, agent_response_text, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, m.ID, m.SessionID, m.UserID, m.MessageText, nullString(m.AgentResponseText), formatTime(m.CreatedAt))
	if err != nil {
		return fmt.Errorf("inserting chat message: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing chat message: %w", err)
	}
	return nil
}

// SetChatMessageResponse records the agent's reply for a message.
func (s *SQLiteStore) SetChatMessageResponse(ctx context.Context, id, response string) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE chat_messages SET agent_response_text = ? WHERE id = ?`, nullString(response), id)
	if err != nil {
		return fmt.Errorf("updating chat message: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListChatMessages returns a session's messages in chronological order.
func (s *SQLiteStore) ListChatMessages(ctx context.Context, sessionID string) ([]*ChatMessage, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, user_id, message_text, agent_response_text, created_at
		FROM chat_messages
		WHERE session_id = ?
		ORDER BY created_at ASC
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("querying chat messages: %w", err)
	}
	defer func() { _ = rows.Close() }()

	messages := []*ChatMessage{}
	for rows.Next() {
		var m ChatMessage
		var response sql.NullString
		var createdStr string
		if err := rows.Scan(&m.ID, &m.SessionID, &m.UserID, &m.MessageText, &response, &createdStr); err != nil {
			return nil, fmt.Errorf("scanning chat message: %w", err)
		}
		m.AgentResponseText = response.String
		if m.CreatedAt, err = parseTime(createdStr); err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		messages = append(messages, &m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating chat messages: %w", err)
	}
	return messages, nil
}

// DeleteChatSession removes a session; messages and their tool invocations cascade.
// Deleting a missing session is not an error.
func (s *SQLiteStore) DeleteChatSession(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM chat_sessions WHERE id = ?`, id); err != nil {
		return fmt.Errorf("deleting chat session: %w", err)
	}
	s.logger.Debug("deleted chat session", "id", id)
	return nil
}

// PurgeOldSessions deletes sessions whose last activity is older than now - retention.
func (s *SQLiteStore) PurgeOldSessions(ctx context.Context, retention time.Duration, now time.Time) (int, error) {
	cutoff := formatTime(now.Add(-retention))

	result, err := s.db.ExecContext(ctx, `DELETE FROM chat_sessions WHERE last_activity_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("purging chat sessions: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("checking rows affected: %w", err)
	}
	if n > 0 {
		s.logger.Info("purged idle chat sessions", "count", n, "cutoff", cutoff)
	}
	return int(n), nil
}
