// ABOUTME: Chat turn handling: explicit #tag tool runs, the model call and recommended tools
// ABOUTME: Also handles the follow-up confirmation for tools that need the user's consent

package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/2389/chatgate/internal/auth"
	"github.com/2389/chatgate/internal/llm"
	"github.com/2389/chatgate/internal/store"
	"github.com/2389/chatgate/internal/tools"
)

// sessionDescriptionRunes bounds the description derived from a session's first message.
const sessionDescriptionRunes = 60

// ChatRequest is the JSON body for POST /api/chat.
// An empty SessionID starts a new session.
type ChatRequest struct {
	SessionID string `json:"session_id,omitempty"`
	Message   string `json:"message"`
}

// ToolResult reports one tool invocation attempt.
type ToolResult struct {
	Tool                 string `json:"tool"`
	Server               string `json:"server,omitempty"`
	Explicit             bool   `json:"explicit"`
	Executed             bool   `json:"executed"`
	ConfirmationRequired bool   `json:"confirmation_required,omitempty"`
	Output               string `json:"output,omitempty"`
	Error                string `json:"error,omitempty"`
}

// ChatResponse is the result of one chat turn.
type ChatResponse struct {
	SessionID       string       `json:"session_id"`
	MessageID       string       `json:"message_id"`
	Response        string       `json:"response"`
	RecommendedTool string       `json:"recommended_tool,omitempty"`
	ToolResults     []ToolResult `json:"tool_results"`
	// PendingConfirmation is set when the recommended tool waits for POST /api/tools/confirm.
	PendingConfirmation *ToolResult `json:"pending_confirmation,omitempty"`
	// Error is set when the model call was refused or failed. Tool results
	// from explicit tags are still reported.
	Error string `json:"error,omitempty"`
}

// ConfirmRequest answers a pending confirmation.
type ConfirmRequest struct {
	MessageID string `json:"message_id"`
	Tool      string `json:"tool"`
	Confirmed bool   `json:"confirmed"`
}

func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

// chatSession resolves the session for a turn, creating one when id is empty.
func (g *Gateway) chatSession(ctx context.Context, userID int64, id, firstMessage string) (*store.ChatSession, error) {
	if id == "" {
		sess := &store.ChatSession{UserID: userID, Description: truncateRunes(firstMessage, sessionDescriptionRunes)}
		if err := g.store.CreateChatSession(ctx, sess); err != nil {
			return nil, err
		}
		return sess, nil
	}

	sess, err := g.store.GetChatSession(ctx, id)
	if err != nil {
		return nil, err
	}
	if sess.UserID != userID {
		return nil, store.ErrNotFound
	}
	return sess, nil
}

// invokeTool routes tool to the server advertising it and passes it through the gatekeeper.
func (g *Gateway) invokeTool(ctx context.Context, authCtx *auth.AuthContext, messageID, tool, server string, explicit bool, confirmed *bool) (ToolResult, error) {
	result := ToolResult{Tool: tool, Explicit: explicit}

	if server == "" {
		var ok bool
		server, ok = g.registry.FindServer(tool)
		if !ok {
			result.Error = "no connected server provides this tool"
			return result, nil
		}
	}
	result.Server = server

	out, err := g.gatekeeper.Invoke(ctx, tools.Request{
		ToolName:      tool,
		ServerName:    server,
		Credential:    authCtx.Token,
		ChatMessageID: messageID,
		Username:      authCtx.Username,
		WasExplicit:   explicit,
		IsLLMRequest:  !explicit,
		UserConfirmed: confirmed,
	})
	if err != nil {
		return result, err
	}

	result.Executed = out.Executed
	result.Output = out.Output
	if out.Err != nil {
		result.Error = out.Err.Error()
		result.ConfirmationRequired = errors.Is(out.Err, tools.ErrConfirmationRequired)
	}
	return result, nil
}

// handleChat handles POST /api/chat.
func (g *Gateway) handleChat(w http.ResponseWriter, r *http.Request) {
	authCtx := auth.MustFromContext(r.Context())
	ctx := r.Context()

	var req ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Message == "" {
		g.sendJSONError(w, http.StatusBadRequest, "message is required")
		return
	}

	sess, err := g.chatSession(ctx, authCtx.UserID, req.SessionID, req.Message)
	if errors.Is(err, store.ErrNotFound) {
		g.sendJSONError(w, http.StatusNotFound, "session not found")
		return
	}
	if err != nil {
		g.logger.Error("failed to resolve chat session", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	msg := &store.ChatMessage{SessionID: sess.ID, UserID: authCtx.UserID, MessageText: req.Message}
	if err := g.store.AddChatMessage(ctx, msg); err != nil {
		g.logger.Error("failed to store chat message", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	resp := ChatResponse{SessionID: sess.ID, MessageID: msg.ID, ToolResults: []ToolResult{}}

	// Tools the user named explicitly run without confirmation.
	for _, tag := range tools.ParseToolTags(req.Message) {
		result, err := g.invokeTool(ctx, authCtx, msg.ID, tag, "", true, nil)
		if err != nil {
			g.logger.Error("failed to record tool invocation", "tool", tag, "error", err)
			g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
			return
		}
		resp.ToolResults = append(resp.ToolResults, result)
	}

	completion, err := g.runner.Run(ctx, authCtx.Username, req.Message)
	switch {
	case errors.Is(err, llm.ErrRateLimited):
		g.finishFailedTurn(ctx, w, http.StatusServiceUnavailable, "service degraded", resp)
		return
	case err != nil:
		g.logger.Error("model call failed", "username", authCtx.Username, "error", err)
		g.finishFailedTurn(ctx, w, http.StatusBadGateway, "language model unavailable", resp)
		return
	}
	resp.Response = completion.Text

	if tool := completion.RecommendedTool; tool != "" {
		resp.RecommendedTool = tool
		result, err := g.invokeTool(ctx, authCtx, msg.ID, tool, "", false, nil)
		if err != nil {
			g.logger.Error("failed to record tool invocation", "tool", tool, "error", err)
			g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
			return
		}
		if result.ConfirmationRequired {
			resp.PendingConfirmation = &result
		} else {
			resp.ToolResults = append(resp.ToolResults, result)
		}
	}

	if err := g.store.SetChatMessageResponse(ctx, msg.ID, completion.Text); err != nil {
		g.logger.Error("failed to store chat response", "message_id", msg.ID, "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	g.writeJSON(w, http.StatusOK, resp)
}

// finishFailedTurn closes a turn whose model call did not complete. The
// stored message gets the failure as its response so it is not left open,
// and any explicit tool results go back to the user alongside the error.
func (g *Gateway) finishFailedTurn(ctx context.Context, w http.ResponseWriter, status int, reason string, resp ChatResponse) {
	resp.Error = reason
	// The client may have gone away; the message is closed regardless.
	if err := g.store.SetChatMessageResponse(context.WithoutCancel(ctx), resp.MessageID, "["+reason+"]"); err != nil {
		g.logger.Error("failed to store chat response", "message_id", resp.MessageID, "error", err)
	}
	g.writeJSON(w, status, resp)
}

// isAwaitingConfirmation reports whether inv is a denial waiting for the user's answer.
func isAwaitingConfirmation(inv *store.ToolInvocation) bool {
	return !inv.WasExplicit && inv.UserConfirmed == nil &&
		inv.ErrorMessage != nil && *inv.ErrorMessage == tools.ErrConfirmationRequired.Error()
}

// handleConfirmTool handles POST /api/tools/confirm. The tool must have been
// recommended for the caller's message and denied pending confirmation; each
// recommendation can be answered once.
func (g *Gateway) handleConfirmTool(w http.ResponseWriter, r *http.Request) {
	authCtx := auth.MustFromContext(r.Context())
	ctx := r.Context()

	var req ConfirmRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.MessageID == "" || req.Tool == "" {
		g.sendJSONError(w, http.StatusBadRequest, "message_id and tool are required")
		return
	}

	// Concurrent answers for the same recommendation race on the claim; the
	// stored history covers replays after the claim expires.
	claimKey := authCtx.Username + "/" + req.MessageID + "/" + req.Tool
	if !g.confirmations.Claim(claimKey) {
		g.sendJSONError(w, http.StatusConflict, "confirmation already answered")
		return
	}
	recorded := false
	defer func() {
		if !recorded {
			g.confirmations.Release(claimKey)
		}
	}()

	history, err := g.store.ListToolInvocations(ctx, store.ToolInvocationFilter{
		Username:      authCtx.Username,
		ChatMessageID: req.MessageID,
		Limit:         1000,
	})
	if err != nil {
		g.logger.Error("failed to load tool invocations", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	var pending *store.ToolInvocation
	for _, inv := range history {
		if inv.ToolName != req.Tool {
			continue
		}
		if inv.UserConfirmed != nil {
			g.sendJSONError(w, http.StatusConflict, "confirmation already answered")
			return
		}
		if isAwaitingConfirmation(inv) {
			pending = inv
		}
	}
	if pending == nil {
		g.sendJSONError(w, http.StatusNotFound, "no pending confirmation for this tool")
		return
	}

	confirmed := req.Confirmed
	result, err := g.invokeTool(ctx, authCtx, req.MessageID, req.Tool, pending.ServerName, false, &confirmed)
	if err != nil {
		g.logger.Error("failed to record tool invocation", "tool", req.Tool, "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	recorded = true
	g.writeJSON(w, http.StatusOK, result)
}
