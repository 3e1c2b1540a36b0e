// ABOUTME: HTTP middleware for bearer authentication on API endpoints
// ABOUTME: Accepts user tokens (with idle timeout) or operator JWTs and adds identity to context

package auth

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/2389/chatgate/internal/store"
)

// TokenValidator validates user bearer tokens.
type TokenValidator interface {
	ValidateAndTouch(ctx context.Context, token string) (*store.User, error)
}

// extractBearerToken extracts a bearer token from the Authorization header.
// Returns the token and an error message (empty if successful).
func extractBearerToken(authHeader string) (string, string) {
	if authHeader == "" {
		return "", "missing authorization header"
	}
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return "", "invalid authorization header format"
	}
	token := strings.TrimPrefix(authHeader, "Bearer ")
	if token == "" {
		return "", "empty token"
	}
	return token, ""
}

// looksLikeJWT distinguishes operator JWTs from opaque hex user tokens.
func looksLikeJWT(token string) bool {
	return strings.Count(token, ".") == 2
}

// HTTPAuthMiddleware creates an HTTP middleware that authenticates bearer tokens.
// User tokens are validated (and their idle window slid) through tokens; JWTs
// are checked with verifier, which may be nil to disable operator access.
// When policy is non-nil, a user removed from the allow list is rejected and
// admin status follows the current policy rather than the stored flag.
func HTTPAuthMiddleware(tokens TokenValidator, verifier TokenVerifier, policy PolicyProvider, logger *slog.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "http-auth")

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, errMsg := extractBearerToken(r.Header.Get("Authorization"))
			if errMsg != "" {
				http.Error(w, `{"error":"`+errMsg+`"}`, http.StatusUnauthorized)
				return
			}

			if looksLikeJWT(token) {
				if verifier == nil {
					http.Error(w, `{"error":"invalid token"}`, http.StatusUnauthorized)
					return
				}
				subject, err := verifier.Verify(token)
				if err != nil {
					logger.Warn("auth failure", "reason", "operator token rejected", "error", err, "remote", r.RemoteAddr)
					http.Error(w, `{"error":"invalid token"}`, http.StatusUnauthorized)
					return
				}
				name, ok := OperatorName(subject)
				if !ok {
					http.Error(w, `{"error":"invalid token"}`, http.StatusUnauthorized)
					return
				}
				authCtx := &AuthContext{Username: name, Operator: true, Token: token}
				next.ServeHTTP(w, r.WithContext(WithAuth(r.Context(), authCtx)))
				return
			}

			user, err := tokens.ValidateAndTouch(r.Context(), token)
			if errors.Is(err, ErrTokenInvalid) {
				http.Error(w, `{"error":"invalid token"}`, http.StatusUnauthorized)
				return
			}
			if err != nil {
				logger.Error("validating token", "error", err)
				http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
				return
			}

			admin := user.IsAdmin
			if policy != nil {
				if !policy.IsAuthorized(user.Username) {
					logger.Warn("auth failure", "reason", "user no longer authorized", "username", user.Username)
					http.Error(w, `{"error":"invalid token"}`, http.StatusUnauthorized)
					return
				}
				admin = policy.IsAdmin(user.Username)
			}

			authCtx := &AuthContext{Username: user.Username, UserID: user.ID, Admin: admin, Token: token}
			next.ServeHTTP(w, r.WithContext(WithAuth(r.Context(), authCtx)))
		})
	}
}

// RequireAdminHTTP creates an HTTP middleware that requires an admin user or operator.
// Must be used after HTTPAuthMiddleware.
func RequireAdminHTTP() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authCtx := FromContext(r.Context())
			if authCtx == nil {
				http.Error(w, `{"error":"not authenticated"}`, http.StatusUnauthorized)
				return
			}

			if !authCtx.IsAdmin() {
				http.Error(w, `{"error":"admin role required"}`, http.StatusForbidden)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// RequireUserHTTP rejects operator tokens on endpoints that act for a user account.
// Must be used after HTTPAuthMiddleware.
func RequireUserHTTP() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authCtx := FromContext(r.Context())
			if authCtx == nil {
				http.Error(w, `{"error":"not authenticated"}`, http.StatusUnauthorized)
				return
			}
			if authCtx.Operator {
				http.Error(w, `{"error":"user token required"}`, http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
