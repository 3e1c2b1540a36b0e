// ABOUTME: Tests for chat session and message persistence
// ABOUTME: Runs the same scenarios against SQLiteStore and MockStore

package store

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func chatStores(t *testing.T) map[string]Store {
	return map[string]Store{
		"sqlite": setupTestStore(t),
		"mock":   NewMockStore(),
	}
}

func createUser(t *testing.T, s Store, username string) int64 {
	t.Helper()
	ctx := context.Background()
	var id int64
	require.NoError(t, s.InTx(ctx, func(tx Tx) error {
		u, err := tx.GetOrCreateUser(ctx, username)
		if err != nil {
			return err
		}
		id = u.ID
		return nil
	}))
	return id
}

func TestChatSessions(t *testing.T) {
	for name, s := range chatStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			userID := createUser(t, s, "alice")
			t0 := time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)

			older := &ChatSession{UserID: userID, Description: "older", CreatedAt: t0}
			newer := &ChatSession{UserID: userID, CreatedAt: t0.Add(time.Hour)}
			require.NoError(t, s.CreateChatSession(ctx, older))
			require.NoError(t, s.CreateChatSession(ctx, newer))
			assert.NotEmpty(t, older.ID)

			sessions, err := s.ListChatSessions(ctx, userID)
			require.NoError(t, err)
			require.Len(t, sessions, 2)
			assert.Equal(t, newer.ID, sessions[0].ID)

			// A message bumps the older session to the top.
			msg := &ChatMessage{SessionID: older.ID, UserID: userID, MessageText: "hi", CreatedAt: t0.Add(2 * time.Hour)}
			require.NoError(t, s.AddChatMessage(ctx, msg))
			require.NoError(t, s.SetChatMessageResponse(ctx, msg.ID, "hello"))

			sessions, err = s.ListChatSessions(ctx, userID)
			require.NoError(t, err)
			assert.Equal(t, older.ID, sessions[0].ID)

			got, err := s.GetChatSession(ctx, older.ID)
			require.NoError(t, err)
			assert.Equal(t, "older", got.Description)
			assert.True(t, got.LastActivityAt.Equal(msg.CreatedAt))

			messages, err := s.ListChatMessages(ctx, older.ID)
			require.NoError(t, err)
			require.Len(t, messages, 1)
			assert.Equal(t, "hi", messages[0].MessageText)
			assert.Equal(t, "hello", messages[0].AgentResponseText)
		})
	}
}

func TestChatMessage_UnknownSession(t *testing.T) {
	for name, s := range chatStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			err := s.AddChatMessage(ctx, &ChatMessage{SessionID: "missing", MessageText: "hi"})
			assert.ErrorIs(t, err, ErrNotFound)

			_, err = s.GetChatSession(ctx, "missing")
			assert.ErrorIs(t, err, ErrNotFound)

			assert.ErrorIs(t, s.SetChatMessageResponse(ctx, "missing", "x"), ErrNotFound)
		})
	}
}

func TestDeleteChatSession_Cascades(t *testing.T) {
	for name, s := range chatStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			userID := createUser(t, s, "alice")

			sess := &ChatSession{UserID: userID}
			require.NoError(t, s.CreateChatSession(ctx, sess))
			msg := &ChatMessage{SessionID: sess.ID, UserID: userID, MessageText: "#ls"}
			require.NoError(t, s.AddChatMessage(ctx, msg))
			require.NoError(t, s.InTx(ctx, func(tx Tx) error {
				return tx.CreateToolInvocation(ctx, &ToolInvocation{
					ChatMessageID: msg.ID, Username: "alice", ToolName: "ls", ServerName: "fs", Success: true,
				})
			}))

			require.NoError(t, s.DeleteChatSession(ctx, sess.ID))
			// Deleting twice is fine.
			require.NoError(t, s.DeleteChatSession(ctx, sess.ID))

			messages, err := s.ListChatMessages(ctx, sess.ID)
			require.NoError(t, err)
			assert.Empty(t, messages)

			invs, err := s.ListToolInvocations(ctx, ToolInvocationFilter{ChatMessageID: msg.ID})
			require.NoError(t, err)
			assert.Empty(t, invs)
		})
	}
}

func TestPurgeOldSessions(t *testing.T) {
	for name, s := range chatStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			userID := createUser(t, s, "alice")
			now := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
			retention := 30 * 24 * time.Hour

			stale := &ChatSession{UserID: userID, CreatedAt: now.Add(-31 * 24 * time.Hour)}
			fresh := &ChatSession{UserID: userID, CreatedAt: now.Add(-29 * 24 * time.Hour)}
			require.NoError(t, s.CreateChatSession(ctx, stale))
			require.NoError(t, s.CreateChatSession(ctx, fresh))

			n, err := s.PurgeOldSessions(ctx, retention, now)
			require.NoError(t, err)
			assert.Equal(t, 1, n)

			_, err = s.GetChatSession(ctx, stale.ID)
			assert.ErrorIs(t, err, ErrNotFound)
			_, err = s.GetChatSession(ctx, fresh.ID)
			assert.NoError(t, err)
		})
	}
}
