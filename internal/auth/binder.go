// ABOUTME: Credential binder abstraction and a bcrypt-backed static binder
// ABOUTME: A binder answers "is this password right for this user" and nothing else

package auth

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

// Binder verifies a username/password pair against an identity source.
// A false result with a nil error is a credential failure. A non-nil error
// means the source could not answer.
type Binder interface {
	Bind(ctx context.Context, username, password string) (bool, error)
}

// BinderFunc adapts a function to the Binder interface.
type BinderFunc func(ctx context.Context, username, password string) (bool, error)

// Bind calls f.
func (f BinderFunc) Bind(ctx context.Context, username, password string) (bool, error) {
	return f(ctx, username, password)
}

// dummyHash is compared against for unknown users so response time does not
// reveal which usernames exist.
var dummyHash, _ = bcrypt.GenerateFromPassword([]byte("chatgate-dummy-password"), bcrypt.DefaultCost)

// StaticBinder checks passwords against bcrypt hashes held in configuration.
type StaticBinder struct {
	hashes map[string][]byte
}

// NewStaticBinder creates a binder from a username to bcrypt hash map.
func NewStaticBinder(users map[string]string) *StaticBinder {
	hashes := make(map[string][]byte, len(users))
	for name, hash := range users {
		hashes[name] = []byte(hash)
	}
	return &StaticBinder{hashes: hashes}
}

// Bind reports whether password matches the stored hash for username.
func (b *StaticBinder) Bind(ctx context.Context, username, password string) (bool, error) {
	hash, ok := b.hashes[username]
	if !ok {
		_ = bcrypt.CompareHashAndPassword(dummyHash, []byte(password))
		return false, nil
	}

	err := bcrypt.CompareHashAndPassword(hash, []byte(password))
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, bcrypt.ErrMismatchedHashAndPassword):
		return false, nil
	default:
		return false, fmt.Errorf("checking hash for %s: %w", username, err)
	}
}

// HashPassword produces a bcrypt hash suitable for the static binder.
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hashing password: %w", err)
	}
	return string(hash), nil
}
