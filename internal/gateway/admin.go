// ABOUTME: Operator API handlers: limiter status, breaker and concurrency resets, audit views
// ABOUTME: Every reset is written to the audit log with the acting operator

package gateway

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/2389/chatgate/internal/auth"
	"github.com/2389/chatgate/internal/mcp"
	"github.com/2389/chatgate/internal/ratelimit"
	"github.com/2389/chatgate/internal/store"
)

// AdminStatusResponse is returned by GET /api/admin/status.
type AdminStatusResponse struct {
	Limiter ratelimit.Snapshot          `json:"limiter"`
	Servers map[string]mcp.ServerStatus `json:"servers"`
}

// ResetConcurrencyRequest optionally names one user; empty resets everyone.
type ResetConcurrencyRequest struct {
	Username string `json:"username,omitempty"`
}

// AuditEntryResponse is one audit log row.
type AuditEntryResponse struct {
	ID         string         `json:"id"`
	Actor      string         `json:"actor"`
	Action     string         `json:"action"`
	TargetType string         `json:"target_type"`
	TargetID   string         `json:"target_id"`
	Timestamp  time.Time      `json:"timestamp"`
	Detail     map[string]any `json:"detail,omitempty"`
}

// InvocationResponse is one tool invocation record.
type InvocationResponse struct {
	ID             string    `json:"id"`
	ChatMessageID  string    `json:"chat_message_id,omitempty"`
	Username       string    `json:"username"`
	ToolName       string    `json:"tool_name"`
	ServerName     string    `json:"server_name"`
	WasExplicit    bool      `json:"was_explicit"`
	UserConfirmed  *bool     `json:"user_confirmed"`
	Success        bool      `json:"success"`
	OutputText     *string   `json:"output_text"`
	ErrorMessage   *string   `json:"error_message"`
	InvocationTime time.Time `json:"invocation_time"`
}

// handleAdminStatus handles GET /api/admin/status.
func (g *Gateway) handleAdminStatus(w http.ResponseWriter, r *http.Request) {
	g.writeJSON(w, http.StatusOK, AdminStatusResponse{
		Limiter: g.limiter.Snapshot(),
		Servers: g.registry.Status(r.Context()),
	})
}

// handleResetDegraded handles POST /api/admin/degraded/reset.
func (g *Gateway) handleResetDegraded(w http.ResponseWriter, r *http.Request) {
	authCtx := auth.MustFromContext(r.Context())

	was := g.limiter.ResetDegraded()
	g.audit(r, &store.AuditEntry{
		Actor:      authCtx.Actor(),
		Action:     store.AuditDegradedReset,
		TargetType: "service",
		TargetID:   "chatgate",
		Detail:     map[string]any{"was_degraded": was},
	})
	g.logger.Info("degraded mode reset", "actor", authCtx.Actor(), "was_degraded", was)

	g.writeJSON(w, http.StatusOK, map[string]bool{"was_degraded": was})
}

// handleResetConcurrency handles POST /api/admin/concurrency/reset.
// The body is optional.
func (g *Gateway) handleResetConcurrency(w http.ResponseWriter, r *http.Request) {
	authCtx := auth.MustFromContext(r.Context())

	var req ResetConcurrencyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		g.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	g.limiter.ResetConcurrency(req.Username)

	target := req.Username
	if target == "" {
		target = "*"
	}
	g.audit(r, &store.AuditEntry{
		Actor:      authCtx.Actor(),
		Action:     store.AuditConcurrencyReset,
		TargetType: "user",
		TargetID:   target,
	})
	g.logger.Info("concurrency reset", "actor", authCtx.Actor(), "username", target)

	g.writeJSON(w, http.StatusOK, map[string]string{"username": target})
}

// audit records an operator action. Failures are logged, not surfaced:
// the action itself has already happened.
func (g *Gateway) audit(r *http.Request, e *store.AuditEntry) {
	if err := g.store.AppendAuditLog(r.Context(), e); err != nil {
		g.logger.Error("failed to write audit entry", "action", e.Action, "error", err)
	}
}

// parseLimit reads the limit query parameter. Zero means the store default.
func parseLimit(r *http.Request) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, errors.New("limit must be a non-negative integer")
	}
	return n, nil
}

// handleAuditLog handles GET /api/admin/audit?actor=&action=&since=&limit=.
func (g *Gateway) handleAuditLog(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	limit, err := parseLimit(r)
	if err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	filter := store.AuditFilter{Limit: limit}

	if actor := q.Get("actor"); actor != "" {
		filter.Actor = &actor
	}
	if raw := q.Get("action"); raw != "" {
		action := store.AuditAction(raw)
		filter.Action = &action
	}
	if raw := q.Get("since"); raw != "" {
		since, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			g.sendJSONError(w, http.StatusBadRequest, "since must be an RFC 3339 timestamp")
			return
		}
		filter.Since = &since
	}

	entries, err := g.store.ListAuditLog(r.Context(), filter)
	if err != nil {
		g.logger.Error("failed to list audit log", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	out := make([]AuditEntryResponse, 0, len(entries))
	for _, e := range entries {
		out = append(out, AuditEntryResponse{
			ID:         e.ID,
			Actor:      e.Actor,
			Action:     string(e.Action),
			TargetType: e.TargetType,
			TargetID:   e.TargetID,
			Timestamp:  e.Timestamp,
			Detail:     e.Detail,
		})
	}
	g.writeJSON(w, http.StatusOK, out)
}

// handleToolInvocations handles GET /api/admin/invocations?username=&message_id=&limit=.
func (g *Gateway) handleToolInvocations(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r)
	if err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	invs, err := g.store.ListToolInvocations(r.Context(), store.ToolInvocationFilter{
		Username:      r.URL.Query().Get("username"),
		ChatMessageID: r.URL.Query().Get("message_id"),
		Limit:         limit,
	})
	if err != nil {
		g.logger.Error("failed to list tool invocations", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	out := make([]InvocationResponse, 0, len(invs))
	for _, inv := range invs {
		out = append(out, InvocationResponse{
			ID:             inv.ID,
			ChatMessageID:  inv.ChatMessageID,
			Username:       inv.Username,
			ToolName:       inv.ToolName,
			ServerName:     inv.ServerName,
			WasExplicit:    inv.WasExplicit,
			UserConfirmed:  inv.UserConfirmed,
			Success:        inv.Success,
			OutputText:     inv.OutputText,
			ErrorMessage:   inv.ErrorMessage,
			InvocationTime: inv.InvocationTime,
		})
	}
	g.writeJSON(w, http.StatusOK, out)
}
