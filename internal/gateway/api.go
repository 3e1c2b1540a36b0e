// ABOUTME: HTTP API handlers for login, logout, identity, MCP servers and chat history
// ABOUTME: Request/response types and the JSON helpers shared by every handler

package gateway

import (
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/2389/chatgate/internal/auth"
	"github.com/2389/chatgate/internal/metrics"
	"github.com/2389/chatgate/internal/store"
)

// LoginRequest is the JSON body for POST /api/login.
type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// LoginResponse is returned by a successful login.
type LoginResponse struct {
	Token              string `json:"token"`
	Username           string `json:"username"`
	IsAdmin            bool   `json:"is_admin"`
	IdleTimeoutSeconds int    `json:"idle_timeout_seconds"`
}

// MeResponse describes the caller.
type MeResponse struct {
	Username string `json:"username"`
	IsAdmin  bool   `json:"is_admin"`
}

// SessionResponse is one chat session.
type SessionResponse struct {
	ID             string    `json:"id"`
	Description    string    `json:"description,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	LastActivityAt time.Time `json:"last_activity_at"`
}

// MessageResponse is one stored chat turn.
type MessageResponse struct {
	ID        string    `json:"id"`
	Message   string    `json:"message"`
	Response  string    `json:"response"`
	CreatedAt time.Time `json:"created_at"`
}

// genericLoginError is shown for every credential failure, locked accounts included.
const genericLoginError = "invalid username or password"

// clientIP returns the caller address after middleware.RealIP has run.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// handleLogin handles POST /api/login.
// Logins are admitted even while degraded so operators can still sign in.
func (g *Gateway) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Username == "" || req.Password == "" {
		g.sendJSONError(w, http.StatusBadRequest, "username and password are required")
		return
	}

	release, err := g.limiter.Admit(req.Username, true)
	if err != nil {
		g.sendAdmissionError(w, err)
		return
	}
	defer release()

	res, err := g.auth.Login(r.Context(), req.Username, req.Password, clientIP(r))
	switch {
	case err == nil:
	case errors.Is(err, auth.ErrLocked):
		metrics.LoginsTotal.WithLabelValues("locked").Inc()
		g.sendJSONError(w, http.StatusUnauthorized, genericLoginError)
		return
	case errors.Is(err, auth.ErrUnauthorized):
		metrics.LoginsTotal.WithLabelValues("denied").Inc()
		g.sendJSONError(w, http.StatusUnauthorized, genericLoginError)
		return
	case errors.Is(err, auth.ErrBinderUnavailable):
		metrics.LoginsTotal.WithLabelValues("error").Inc()
		g.logger.Error("identity source unavailable", "username", req.Username, "error", err)
		g.sendJSONError(w, http.StatusServiceUnavailable, "authentication temporarily unavailable")
		return
	default:
		metrics.LoginsTotal.WithLabelValues("error").Inc()
		g.logger.Error("login failed", "username", req.Username, "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	metrics.LoginsTotal.WithLabelValues("success").Inc()
	g.writeJSON(w, http.StatusOK, LoginResponse{
		Token:              res.Token,
		Username:           res.User.Username,
		IsAdmin:            res.User.IsAdmin,
		IdleTimeoutSeconds: int(g.config.Auth.IdleTimeout.Seconds()),
	})
}

// handleLogout handles POST /api/logout by revoking the caller's token.
func (g *Gateway) handleLogout(w http.ResponseWriter, r *http.Request) {
	authCtx := auth.MustFromContext(r.Context())

	if err := g.tokens.RevokeToken(r.Context(), authCtx.UserID); err != nil {
		g.logger.Error("failed to revoke token", "username", authCtx.Username, "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleMe handles GET /api/me.
func (g *Gateway) handleMe(w http.ResponseWriter, r *http.Request) {
	authCtx := auth.MustFromContext(r.Context())
	g.writeJSON(w, http.StatusOK, MeResponse{Username: authCtx.Username, IsAdmin: authCtx.IsAdmin()})
}

// handleServers handles GET /api/servers. Listing also refreshes the
// tool-to-server index used to route #tags.
func (g *Gateway) handleServers(w http.ResponseWriter, r *http.Request) {
	g.writeJSON(w, http.StatusOK, g.registry.Status(r.Context()))
}

// handleListSessions handles GET /api/sessions.
func (g *Gateway) handleListSessions(w http.ResponseWriter, r *http.Request) {
	authCtx := auth.MustFromContext(r.Context())

	sessions, err := g.store.ListChatSessions(r.Context(), authCtx.UserID)
	if err != nil {
		g.logger.Error("failed to list sessions", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	out := make([]SessionResponse, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, SessionResponse{
			ID:             s.ID,
			Description:    s.Description,
			CreatedAt:      s.CreatedAt,
			LastActivityAt: s.LastActivityAt,
		})
	}
	g.writeJSON(w, http.StatusOK, out)
}

// ownedSession loads the session named in the URL and checks the caller owns it.
// Sessions of other users are reported as missing.
func (g *Gateway) ownedSession(w http.ResponseWriter, r *http.Request) (*store.ChatSession, bool) {
	authCtx := auth.MustFromContext(r.Context())

	sess, err := g.store.GetChatSession(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, store.ErrNotFound) || (err == nil && sess.UserID != authCtx.UserID) {
		g.sendJSONError(w, http.StatusNotFound, "session not found")
		return nil, false
	}
	if err != nil {
		g.logger.Error("failed to load session", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return nil, false
	}
	return sess, true
}

// handleListMessages handles GET /api/sessions/{id}/messages.
func (g *Gateway) handleListMessages(w http.ResponseWriter, r *http.Request) {
	sess, ok := g.ownedSession(w, r)
	if !ok {
		return
	}

	msgs, err := g.store.ListChatMessages(r.Context(), sess.ID)
	if err != nil {
		g.logger.Error("failed to list messages", "session_id", sess.ID, "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	out := make([]MessageResponse, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, MessageResponse{
			ID:        m.ID,
			Message:   m.MessageText,
			Response:  m.AgentResponseText,
			CreatedAt: m.CreatedAt,
		})
	}
	g.writeJSON(w, http.StatusOK, out)
}

// handleDeleteSession handles DELETE /api/sessions/{id}.
func (g *Gateway) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	sess, ok := g.ownedSession(w, r)
	if !ok {
		return
	}

	if err := g.store.DeleteChatSession(r.Context(), sess.ID); err != nil {
		g.logger.Error("failed to delete session", "session_id", sess.ID, "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// writeJSON writes v as a JSON response with the given status.
func (g *Gateway) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		g.logger.Warn("failed to encode response", "error", err)
	}
}

// sendJSONError writes a JSON error response.
func (g *Gateway) sendJSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
