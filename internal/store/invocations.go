// ABOUTME: Tool invocation audit records for the SQLite store
// ABOUTME: One row per attempt, inserted before the tool runs and finished with its outcome

package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// CreateToolInvocation inserts inv. Generates ID and InvocationTime if not set.
func (t *sqliteTx) CreateToolInvocation(ctx context.Context, inv *ToolInvocation) error {
	if inv.ID == "" {
		inv.ID = uuid.New().String()
	}
	if inv.InvocationTime.IsZero() {
		inv.InvocationTime = time.Now().UTC()
	}

	query := `
		INSERT INTO tool_invocations (
			id, chat_message_id, username, tool_name, server_name,
			was_explicit, user_confirmed, success, output_text, error_message, invocation_time
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := t.q.ExecContext(ctx, query,
		inv.ID,
		nullString(inv.ChatMessageID),
		inv.Username,
		inv.ToolName,
		inv.ServerName,
		inv.WasExplicit,
		nullBool(inv.UserConfirmed),
		inv.Success,
		inv.OutputText,
		inv.ErrorMessage,
		formatTime(inv.InvocationTime),
	)
	if err != nil {
		return fmt.Errorf("inserting tool invocation: %w", err)
	}

	t.logger.Debug("recorded tool invocation",
		"id", inv.ID,
		"tool", inv.ToolName,
		"server", inv.ServerName,
		"success", inv.Success,
	)
	return nil
}

// FinishToolInvocation updates success, output and error for inv.ID.
func (t *sqliteTx) FinishToolInvocation(ctx context.Context, inv *ToolInvocation) error {
	res, err := t.q.ExecContext(ctx,
		`UPDATE tool_invocations SET success = ?, output_text = ?, error_message = ? WHERE id = ?`,
		inv.Success, inv.OutputText, inv.ErrorMessage, inv.ID,
	)
	if err != nil {
		return fmt.Errorf("updating tool invocation: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}

	t.logger.Debug("finished tool invocation", "id", inv.ID, "tool", inv.ToolName, "success", inv.Success)
	return nil
}

const toolInvocationQuery = `
	SELECT id, chat_message_id, username, tool_name, server_name,
	       was_explicit, user_confirmed, success, output_text, error_message, invocation_time
	FROM tool_invocations
	WHERE (? IS NULL OR username = ?)
	  AND (? IS NULL OR chat_message_id = ?)
	ORDER BY invocation_time DESC
	LIMIT ?
`

// ListToolInvocations returns invocation records newest first.
func (s *SQLiteStore) ListToolInvocations(ctx context.Context, f ToolInvocationFilter) ([]*ToolInvocation, error) {
	username := nullString(f.Username)
	messageID := nullString(f.ChatMessageID)

	rows, err := s.db.QueryContext(ctx, toolInvocationQuery,
		username, username,
		messageID, messageID,
		normalizeLimit(f.Limit),
	)
	if err != nil {
		return nil, fmt.Errorf("querying tool invocations: %w", err)
	}
	defer func() { _ = rows.Close() }()

	invocations := []*ToolInvocation{}
	for rows.Next() {
		var inv ToolInvocation
		var messageID, output, errMsg sql.NullString
		var confirmed sql.NullBool
		var tsStr string

		if err := rows.Scan(
			&inv.ID, &messageID, &inv.Username, &inv.ToolName, &inv.ServerName,
			&inv.WasExplicit, &confirmed, &inv.Success, &output, &errMsg, &tsStr,
		); err != nil {
			return nil, fmt.Errorf("scanning tool invocation: %w", err)
		}

		inv.ChatMessageID = messageID.String
		if confirmed.Valid {
			inv.UserConfirmed = &confirmed.Bool
		}
		if output.Valid {
			inv.OutputText = &output.String
		}
		if errMsg.Valid {
			inv.ErrorMessage = &errMsg.String
		}
		if inv.InvocationTime, err = parseTime(tsStr); err != nil {
			return nil, fmt.Errorf("parsing invocation_time: %w", err)
		}
		invocations = append(invocations, &inv)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating tool invocations: %w", err)
	}
	return invocations, nil
}
