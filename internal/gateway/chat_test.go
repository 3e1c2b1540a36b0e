// ABOUTME: Tests for chat turns, tool routing, confirmation and admission limits
// ABOUTME: Covers explicit tags, recommended tools, degraded mode and concurrency refusals

package gateway

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/chatgate/internal/config"
	"github.com/2389/chatgate/internal/store"
	"github.com/2389/chatgate/internal/tools"
)

// chatFixture returns a fixture with the tool index populated and bob signed in.
func chatFixture(t *testing.T, mutate func(*config.Config)) (*fixture, string) {
	t.Helper()
	f := newFixture(t, mutate)
	f.gw.refreshServers(context.Background())
	return f, f.login(t, "bob")
}

func TestChat_ExplicitTags(t *testing.T) {
	f, token := chatFixture(t, nil)

	rec := f.do(t, http.MethodPost, "/api/chat", token, ChatRequest{Message: "show me #list_files and #nope"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	resp := decode[ChatResponse](t, rec)
	assert.NotEmpty(t, resp.SessionID)
	assert.NotEmpty(t, resp.MessageID)
	assert.Equal(t, "Hello from the model", resp.Response)
	assert.Nil(t, resp.PendingConfirmation)

	require.Len(t, resp.ToolResults, 2)
	assert.Equal(t, ToolResult{
		Tool:     "list_files",
		Server:   testServer,
		Explicit: true,
		Executed: true,
		Output:   "a.txt\nb.txt",
	}, resp.ToolResults[0])
	assert.Equal(t, "nope", resp.ToolResults[1].Tool)
	assert.False(t, resp.ToolResults[1].Executed)
	assert.NotEmpty(t, resp.ToolResults[1].Error)

	// Unroutable tags are not recorded; routed ones are, once.
	invs := f.store.ToolInvocations()
	require.Len(t, invs, 1)
	assert.True(t, invs[0].WasExplicit)
	assert.True(t, invs[0].Success)
	assert.Equal(t, "bob", invs[0].Username)
	assert.Equal(t, resp.MessageID, invs[0].ChatMessageID)

	creds := f.dialer.credentials()
	assert.Equal(t, token, creds[len(creds)-1], "tool calls carry the user's credential")
}

func TestChat_ExplicitTagBypassesConfirmation(t *testing.T) {
	f, token := chatFixture(t, nil)

	rec := f.do(t, http.MethodPost, "/api/chat", token, ChatRequest{Message: "#delete_file please"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	resp := decode[ChatResponse](t, rec)
	require.Len(t, resp.ToolResults, 1)
	assert.True(t, resp.ToolResults[0].Executed)
	assert.Equal(t, "deleted", resp.ToolResults[0].Output)
}

func TestChat_RecommendedToolNeedsConfirmation(t *testing.T) {
	f, token := chatFixture(t, nil)
	f.backend.reply(`I can remove it. {"recommended_tool": "delete_file"}`)

	rec := f.do(t, http.MethodPost, "/api/chat", token, ChatRequest{Message: "clean up old.txt"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	resp := decode[ChatResponse](t, rec)
	assert.Equal(t, "delete_file", resp.RecommendedTool)
	assert.Empty(t, resp.ToolResults)
	require.NotNil(t, resp.PendingConfirmation)
	assert.True(t, resp.PendingConfirmation.ConfirmationRequired)
	assert.False(t, resp.PendingConfirmation.Executed)

	// Exactly one denial row, no output.
	invs := f.store.ToolInvocations()
	require.Len(t, invs, 1)
	assert.False(t, invs[0].Success)
	assert.Nil(t, invs[0].OutputText)
	assert.Nil(t, invs[0].UserConfirmed)
	require.NotNil(t, invs[0].ErrorMessage)
	assert.Equal(t, tools.ErrConfirmationRequired.Error(), *invs[0].ErrorMessage)

	confirm := ConfirmRequest{MessageID: resp.MessageID, Tool: "delete_file", Confirmed: true}
	rec = f.do(t, http.MethodPost, "/api/tools/confirm", token, confirm)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	result := decode[ToolResult](t, rec)
	assert.True(t, result.Executed)
	assert.Equal(t, "deleted", result.Output)
	assert.Equal(t, testServer, result.Server)

	invs = f.store.ToolInvocations()
	require.Len(t, invs, 2)
	require.NotNil(t, invs[1].UserConfirmed)
	assert.True(t, *invs[1].UserConfirmed)
	assert.True(t, invs[1].Success)

	// Each recommendation is answered once.
	rec = f.do(t, http.MethodPost, "/api/tools/confirm", token, confirm)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestChat_ConfirmationDeclined(t *testing.T) {
	f, token := chatFixture(t, nil)
	f.backend.reply(`{"recommended_tool": "delete_file"}`)

	rec := f.do(t, http.MethodPost, "/api/chat", token, ChatRequest{Message: "tidy up"})
	require.Equal(t, http.StatusOK, rec.Code)
	messageID := decode[ChatResponse](t, rec).MessageID

	rec = f.do(t, http.MethodPost, "/api/tools/confirm", token,
		ConfirmRequest{MessageID: messageID, Tool: "delete_file", Confirmed: false})
	require.Equal(t, http.StatusOK, rec.Code)

	result := decode[ToolResult](t, rec)
	assert.False(t, result.Executed)
	assert.True(t, result.ConfirmationRequired)

	invs := f.store.ToolInvocations()
	require.Len(t, invs, 2)
	require.NotNil(t, invs[1].UserConfirmed)
	assert.False(t, *invs[1].UserConfirmed)
	assert.False(t, invs[1].Success)
}

func TestConfirm_RequiresPendingRecommendation(t *testing.T) {
	f, token := chatFixture(t, nil)
	f.backend.reply(`{"recommended_tool": "ping"}`)

	rec := f.do(t, http.MethodPost, "/api/chat", token, ChatRequest{Message: "are you there"})
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decode[ChatResponse](t, rec)

	// ping needed no confirmation and already ran.
	require.Len(t, resp.ToolResults, 1)
	assert.Equal(t, "pong", resp.ToolResults[0].Output)
	assert.False(t, resp.ToolResults[0].Explicit)

	tests := []struct {
		name string
		req  ConfirmRequest
		want int
	}{
		{"tool that ran without confirmation", ConfirmRequest{MessageID: resp.MessageID, Tool: "ping", Confirmed: true}, http.StatusNotFound},
		{"unknown message", ConfirmRequest{MessageID: "missing", Tool: "delete_file", Confirmed: true}, http.StatusNotFound},
		{"missing fields", ConfirmRequest{Confirmed: true}, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := f.do(t, http.MethodPost, "/api/tools/confirm", token, tt.req)
			assert.Equal(t, tt.want, rec.Code)
		})
	}
}

func TestConfirm_OtherUsersRecommendation(t *testing.T) {
	f, bob := chatFixture(t, nil)
	alice := f.login(t, "alice")
	f.backend.reply(`{"recommended_tool": "delete_file"}`)

	rec := f.do(t, http.MethodPost, "/api/chat", bob, ChatRequest{Message: "tidy up"})
	require.Equal(t, http.StatusOK, rec.Code)
	messageID := decode[ChatResponse](t, rec).MessageID

	rec = f.do(t, http.MethodPost, "/api/tools/confirm", alice,
		ConfirmRequest{MessageID: messageID, Tool: "delete_file", Confirmed: true})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestChat_ToolFailureIsReportedNotFatal(t *testing.T) {
	f, token := chatFixture(t, nil)
	delete(f.dialer.sessions[testServer].outputs, "ping")

	rec := f.do(t, http.MethodPost, "/api/chat", token, ChatRequest{Message: "#ping"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	resp := decode[ChatResponse](t, rec)
	require.Len(t, resp.ToolResults, 1)
	assert.False(t, resp.ToolResults[0].Executed)
	assert.Contains(t, resp.ToolResults[0].Error, tools.ErrExecutorFailure.Error())

	invs := f.store.ToolInvocations()
	require.Len(t, invs, 1)
	assert.False(t, invs[0].Success)
}

func TestChat_Validation(t *testing.T) {
	f, token := chatFixture(t, nil)

	rec := f.do(t, http.MethodPost, "/api/chat", token, ChatRequest{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/chat", token, ChatRequest{SessionID: "missing", Message: "hi"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestChat_BackendFailure(t *testing.T) {
	f, token := chatFixture(t, nil)
	f.backend.mu.Lock()
	f.backend.err = errors.New("upstream 500")
	f.backend.mu.Unlock()

	rec := f.do(t, http.MethodPost, "/api/chat", token, ChatRequest{Message: "#list_files hi"})
	assert.Equal(t, http.StatusBadGateway, rec.Code)

	resp := decode[ChatResponse](t, rec)
	assert.Equal(t, "language model unavailable", resp.Error)
	require.Len(t, resp.ToolResults, 1)
	assert.Equal(t, "a.txt\nb.txt", resp.ToolResults[0].Output)
}

func TestChat_RefusedTurnKeepsExplicitToolResults(t *testing.T) {
	f, bob := chatFixture(t, func(c *config.Config) { c.RateLimit.MaxOps = 1 })
	ctx := context.Background()

	rec := f.do(t, http.MethodPost, "/api/chat", bob, ChatRequest{Message: "one"})
	require.Equal(t, http.StatusOK, rec.Code)

	// The tag runs before the model call, which is then refused.
	rec = f.do(t, http.MethodPost, "/api/chat", bob, ChatRequest{Message: "#delete_file now"})
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)

	resp := decode[ChatResponse](t, rec)
	assert.Equal(t, "service degraded", resp.Error)
	require.Len(t, resp.ToolResults, 1)
	assert.Equal(t, "delete_file", resp.ToolResults[0].Tool)
	assert.True(t, resp.ToolResults[0].Executed)
	assert.Equal(t, "deleted", resp.ToolResults[0].Output)

	msgs, err := f.store.ListChatMessages(ctx, resp.SessionID)
	require.NoError(t, err)
	var stored *store.ChatMessage
	for _, m := range msgs {
		if m.ID == resp.MessageID {
			stored = m
		}
	}
	require.NotNil(t, stored)
	assert.Equal(t, "[service degraded]", stored.AgentResponseText)
}

func TestChat_RateLimitTripsDegraded(t *testing.T) {
	f, bob := chatFixture(t, func(c *config.Config) { c.RateLimit.MaxOps = 1 })
	alice := f.login(t, "alice")

	rec := f.do(t, http.MethodPost, "/api/chat", alice, ChatRequest{Message: "one"})
	require.Equal(t, http.StatusOK, rec.Code)

	// The second model call exceeds the budget and trips the breaker.
	rec = f.do(t, http.MethodPost, "/api/chat", alice, ChatRequest{Message: "two"})
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "service degraded", errorBody(t, rec))
	assert.Equal(t, 1, f.backend.calls)

	// Every user is refused at admission until an operator resets.
	rec = f.do(t, http.MethodPost, "/api/chat", bob, ChatRequest{Message: "three"})
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "service degraded", errorBody(t, rec))

	rec = f.do(t, http.MethodPost, "/api/admin/degraded/reset", f.operatorToken(t), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, map[string]bool{"was_degraded": true}, decode[map[string]bool](t, rec))

	rec = f.do(t, http.MethodPost, "/api/chat", bob, ChatRequest{Message: "four"})
	assert.Equal(t, http.StatusOK, rec.Code)

	ctx := context.Background()
	entries, err := f.store.ListAuditLog(ctx, store.AuditFilter{})
	require.NoError(t, err)
	var actions []store.AuditAction
	for _, e := range entries {
		actions = append(actions, e.Action)
	}
	assert.Contains(t, actions, store.AuditDegradedTripped)
	assert.Contains(t, actions, store.AuditDegradedReset)
}

func TestChat_ConcurrencyLimit(t *testing.T) {
	f, token := chatFixture(t, func(c *config.Config) { c.RateLimit.MaxConcurrent = 1 })

	f.backend.mu.Lock()
	f.backend.entered = make(chan struct{}, 1)
	f.backend.block = make(chan struct{})
	f.backend.mu.Unlock()

	first := make(chan *httptest.ResponseRecorder, 1)
	go func() {
		first <- f.do(t, http.MethodPost, "/api/chat", token, ChatRequest{Message: "slow"})
	}()
	<-f.backend.entered

	rec := f.do(t, http.MethodPost, "/api/chat", token, ChatRequest{Message: "impatient"})
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)

	f.backend.mu.Lock()
	close(f.backend.block)
	f.backend.block = nil
	f.backend.mu.Unlock()

	assert.Equal(t, http.StatusOK, (<-first).Code)

	// The slot was released when the first handler returned.
	rec = f.do(t, http.MethodPost, "/api/chat", token, ChatRequest{Message: "again"})
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestConfirm_InFlightAnswerConflicts(t *testing.T) {
	f, token := chatFixture(t, nil)
	f.backend.reply(`{"recommended_tool": "delete_file"}`)

	rec := f.do(t, http.MethodPost, "/api/chat", token, ChatRequest{Message: "tidy up"})
	require.Equal(t, http.StatusOK, rec.Code)
	messageID := decode[ChatResponse](t, rec).MessageID
	confirm := ConfirmRequest{MessageID: messageID, Tool: "delete_file", Confirmed: true}

	// Another request is answering the same recommendation.
	key := "bob/" + messageID + "/delete_file"
	require.True(t, f.gw.confirmations.Claim(key))
	rec = f.do(t, http.MethodPost, "/api/tools/confirm", token, confirm)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Len(t, f.store.ToolInvocations(), 1)

	f.gw.confirmations.Release(key)
	rec = f.do(t, http.MethodPost, "/api/tools/confirm", token, confirm)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestConfirm_NotFoundReleasesClaim(t *testing.T) {
	f, token := chatFixture(t, nil)

	rec := f.do(t, http.MethodPost, "/api/tools/confirm", token,
		ConfirmRequest{MessageID: "missing", Tool: "delete_file", Confirmed: true})
	require.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, 0, f.gw.confirmations.Len())
}
