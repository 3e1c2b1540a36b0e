// ABOUTME: Sentinel errors for authentication and token validation
// ABOUTME: Callers match with errors.Is; end users only ever see a generic denial

package auth

import "errors"

var (
	// ErrUnauthorized covers unknown users, users not on the allow list, and wrong passwords.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrLocked is returned while an account's lockout is active. The binder is not consulted.
	ErrLocked = errors.New("account locked")
	// ErrTokenInvalid covers unknown, revoked and idle-expired bearer tokens.
	ErrTokenInvalid = errors.New("token invalid")
	// ErrBinderUnavailable means the identity source could not answer. No attempt is recorded.
	ErrBinderUnavailable = errors.New("identity source unavailable")
)
