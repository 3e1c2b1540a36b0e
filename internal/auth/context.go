// ABOUTME: Authentication context for tracking identity through request handlers
// ABOUTME: Provides WithAuth/FromContext for propagating auth info via context

package auth

import (
	"context"
)

// AuthContext holds the authenticated identity information extracted from a request.
// This is populated by the HTTP middleware and can be retrieved from context in handlers.
type AuthContext struct {
	Username string // user name, or the operator name for operator tokens
	UserID   int64  // zero for operators
	Admin    bool
	Operator bool // authenticated with an operator JWT rather than a user token
	Token    string
}

// IsAdmin returns true for admin users and for every operator.
func (a *AuthContext) IsAdmin() bool {
	return a.Admin || a.Operator
}

// Actor names the identity for audit entries.
func (a *AuthContext) Actor() string {
	if a.Operator {
		return OperatorPrefix + a.Username
	}
	return a.Username
}

// authContextKey is the key type for storing AuthContext in context.Context.
type authContextKey struct{}

// WithAuth returns a new context with the AuthContext attached.
func WithAuth(ctx context.Context, auth *AuthContext) context.Context {
	return context.WithValue(ctx, authContextKey{}, auth)
}

// FromContext retrieves the AuthContext from the context, returning nil if not present.
func FromContext(ctx context.Context) *AuthContext {
	val := ctx.Value(authContextKey{})
	if val == nil {
		return nil
	}
	auth, ok := val.(*AuthContext)
	if !ok {
		return nil
	}
	return auth
}

// MustFromContext retrieves the AuthContext from the context, panicking if not present.
func MustFromContext(ctx context.Context) *AuthContext {
	auth := FromContext(ctx)
	if auth == nil {
		panic("auth: AuthContext not found in context")
	}
	return auth
}
