// ABOUTME: Tests for HTTP authentication middleware
// ABOUTME: Covers token extraction, user and operator tokens, policy re-checks, and role gates

package auth

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/2389/chatgate/internal/config"
	"github.com/2389/chatgate/internal/store"
)

// httpTestSecret is a 32-byte secret that meets MinSecretLength requirement.
var httpTestSecret = []byte("http-middleware-test-secret-32b!")

// fakeTokens maps opaque tokens to users.
type fakeTokens struct {
	users map[string]*store.User
	err   error
	calls int
}

func (f *fakeTokens) ValidateAndTouch(ctx context.Context, token string) (*store.User, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	u, ok := f.users[token]
	if !ok {
		return nil, ErrTokenInvalid
	}
	return u, nil
}

func newFakeTokens() *fakeTokens {
	return &fakeTokens{users: map[string]*store.User{
		"tok-alice": {ID: 1, Username: "alice", IsAdmin: false},
		"tok-bob":   {ID: 2, Username: "bob"},
	}}
}

func serve(t *testing.T, mw func(http.Handler) http.Handler, header string) (*httptest.ResponseRecorder, *AuthContext) {
	t.Helper()
	var got *AuthContext
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = FromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	})

	req := httptest.NewRequest(http.MethodGet, "/api/test", nil)
	if header != "" {
		req.Header.Set("Authorization", header)
	}
	rec := httptest.NewRecorder()
	mw(handler).ServeHTTP(rec, req)
	return rec, got
}

func TestHTTPAuthMiddleware_UserToken(t *testing.T) {
	tokens := newFakeTokens()
	mw := HTTPAuthMiddleware(tokens, nil, nil, nil)

	rec, got := serve(t, mw, "Bearer tok-alice")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rec.Code)
	}
	if got == nil {
		t.Fatal("expected AuthContext in context")
	}
	if got.Username != "alice" || got.UserID != 1 || got.Operator {
		t.Errorf("unexpected auth context %+v", got)
	}
	if got.Token != "tok-alice" {
		t.Errorf("expected token to be carried, got %q", got.Token)
	}
}

func TestHTTPAuthMiddleware_MissingAndMalformedHeaders(t *testing.T) {
	tokens := newFakeTokens()
	mw := HTTPAuthMiddleware(tokens, nil, nil, nil)

	tests := []struct {
		name    string
		header  string
		wantMsg string
	}{
		{"missing", "", "missing authorization header"},
		{"basic scheme", "Basic dXNlcjpwYXNz", "invalid authorization header format"},
		{"empty bearer", "Bearer ", "empty token"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, got := serve(t, mw, tt.header)
			if rec.Code != http.StatusUnauthorized {
				t.Errorf("expected status 401, got %d", rec.Code)
			}
			if got != nil {
				t.Error("handler should not run")
			}
			if !strings.Contains(rec.Body.String(), tt.wantMsg) {
				t.Errorf("expected body to contain %q, got %q", tt.wantMsg, rec.Body.String())
			}
		})
	}
	if tokens.calls != 0 {
		t.Errorf("validator called %d times for malformed headers", tokens.calls)
	}
}

func TestHTTPAuthMiddleware_InvalidUserToken(t *testing.T) {
	mw := HTTPAuthMiddleware(newFakeTokens(), nil, nil, nil)

	rec, _ := serve(t, mw, "Bearer nope")
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("expected status 401, got %d", rec.Code)
	}
}

func TestHTTPAuthMiddleware_StoreFailureIs500(t *testing.T) {
	tokens := newFakeTokens()
	tokens.err = errors.New("disk on fire")
	mw := HTTPAuthMiddleware(tokens, nil, nil, nil)

	rec, _ := serve(t, mw, "Bearer tok-alice")
	if rec.Code != http.StatusInternalServerError {
		t.Errorf("expected status 500, got %d", rec.Code)
	}
}

func TestHTTPAuthMiddleware_PolicyRecheck(t *testing.T) {
	policy := config.NewPolicyStore(config.NewPolicy([]string{"alice"}, []string{"alice"}, nil, nil))
	mw := HTTPAuthMiddleware(newFakeTokens(), nil, policy, nil)

	// Admin derives from current policy, not the stored flag.
	rec, got := serve(t, mw, "Bearer tok-alice")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rec.Code)
	}
	if !got.Admin {
		t.Error("expected alice to be admin per policy")
	}

	// bob holds a valid token but is no longer on the allow list.
	rec, _ = serve(t, mw, "Bearer tok-bob")
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("expected status 401 for deauthorized user, got %d", rec.Code)
	}
}

func TestHTTPAuthMiddleware_OperatorToken(t *testing.T) {
	verifier, err := NewJWTVerifier(httpTestSecret)
	if err != nil {
		t.Fatalf("NewJWTVerifier() error = %v", err)
	}
	tokens := newFakeTokens()
	mw := HTTPAuthMiddleware(tokens, verifier, nil, nil)

	token, err := verifier.GenerateOperator("ops", time.Hour)
	if err != nil {
		t.Fatalf("GenerateOperator() error = %v", err)
	}

	rec, got := serve(t, mw, "Bearer "+token)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rec.Code)
	}
	if !got.Operator || got.Username != "ops" || !got.IsAdmin() {
		t.Errorf("unexpected auth context %+v", got)
	}
	if tokens.calls != 0 {
		t.Error("operator tokens should not hit the user token store")
	}
}

func TestHTTPAuthMiddleware_JWTRejected(t *testing.T) {
	verifier, _ := NewJWTVerifier(httpTestSecret)

	nonOperator, _ := verifier.Generate("alice", time.Hour)
	expired, _ := verifier.GenerateOperator("ops", -time.Hour)
	other, _ := NewJWTVerifier([]byte("some-other-secret-that-is-32-by!"))
	forged, _ := other.GenerateOperator("ops", time.Hour)

	tests := []struct {
		name     string
		verifier TokenVerifier
		token    string
	}{
		{"subject without operator prefix", verifier, nonOperator},
		{"expired", verifier, expired},
		{"wrong secret", verifier, forged},
		{"operator access disabled", nil, nonOperator},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var mw func(http.Handler) http.Handler
			if tt.verifier == nil {
				mw = HTTPAuthMiddleware(newFakeTokens(), nil, nil, nil)
			} else {
				mw = HTTPAuthMiddleware(newFakeTokens(), tt.verifier, nil, nil)
			}
			rec, _ := serve(t, mw, "Bearer "+tt.token)
			if rec.Code != http.StatusUnauthorized {
				t.Errorf("expected status 401, got %d", rec.Code)
			}
		})
	}
}

func TestRequireAdminHTTP(t *testing.T) {
	tests := []struct {
		name       string
		auth       *AuthContext
		wantStatus int
	}{
		{"no auth context", nil, http.StatusUnauthorized},
		{"plain user", &AuthContext{Username: "bob"}, http.StatusForbidden},
		{"admin user", &AuthContext{Username: "alice", Admin: true}, http.StatusOK},
		{"operator", &AuthContext{Username: "ops", Operator: true}, http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler := RequireAdminHTTP()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusOK)
			}))

			req := httptest.NewRequest(http.MethodGet, "/admin", nil)
			if tt.auth != nil {
				req = req.WithContext(WithAuth(req.Context(), tt.auth))
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)

			if rec.Code != tt.wantStatus {
				t.Errorf("expected status %d, got %d", tt.wantStatus, rec.Code)
			}
		})
	}
}

func TestRequireUserHTTP(t *testing.T) {
	tests := []struct {
		name       string
		auth       *AuthContext
		wantStatus int
	}{
		{"no auth context", nil, http.StatusUnauthorized},
		{"user", &AuthContext{Username: "bob", UserID: 2}, http.StatusOK},
		{"operator", &AuthContext{Username: "ops", Operator: true}, http.StatusForbidden},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler := RequireUserHTTP()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusOK)
			}))

			req := httptest.NewRequest(http.MethodPost, "/api/chat", nil)
			if tt.auth != nil {
				req = req.WithContext(WithAuth(req.Context(), tt.auth))
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)

			if rec.Code != tt.wantStatus {
				t.Errorf("expected status %d, got %d", tt.wantStatus, rec.Code)
			}
		})
	}
}
