// ABOUTME: Opaque bearer token issuance and validation with a rolling idle timeout
// ABOUTME: Tokens are 256 random bits, hex encoded, one live token per user

package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/2389/chatgate/internal/store"
)

// TokenService issues and validates user bearer tokens.
type TokenService struct {
	store  store.CredentialStore
	opts   options
	logger *slog.Logger
}

// NewTokenService creates a TokenService.
func NewTokenService(s store.CredentialStore, opts ...Option) *TokenService {
	o := buildOptions(opts)
	return &TokenService{
		store:  s,
		opts:   o,
		logger: o.logger.With("component", "tokens"),
	}
}

// generateToken returns 32 random bytes as 64 hex characters.
func generateToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generating token: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// IssueToken replaces the user's token with a new one.
// Returns an error wrapping store.ErrNotFound if the user doesn't exist.
func (s *TokenService) IssueToken(ctx context.Context, userID int64) (string, error) {
	now := s.opts.now().UTC()
	var token string

	err := s.store.InTx(ctx, func(tx store.Tx) error {
		user, err := tx.GetUserByID(ctx, userID)
		if err != nil {
			return fmt.Errorf("loading user %d: %w", userID, err)
		}
		token, err = s.issue(ctx, tx, user, now)
		return err
	})
	if err != nil {
		return "", err
	}
	return token, nil
}

// issue sets a fresh token on user and saves it within tx.
func (s *TokenService) issue(ctx context.Context, tx store.Tx, user *store.User, now time.Time) (string, error) {
	token, err := generateToken()
	if err != nil {
		return "", err
	}

	user.Token = token
	user.TokenIssuedAt = &now
	user.LastActivityAt = nil

	if err := tx.SaveUser(ctx, user); err != nil {
		return "", fmt.Errorf("saving token: %w", err)
	}
	if err := tx.AppendAuditLog(ctx, &store.AuditEntry{
		Actor: user.Username, Action: store.AuditTokenIssued, TargetType: "user", TargetID: user.Username,
	}); err != nil {
		return "", err
	}

	s.logger.Debug("issued token", "username", user.Username)
	return token, nil
}

// ValidateAndTouch returns the token's owner and slides its idle window.
// A token idle for longer than the timeout is rejected and left untouched.
func (s *TokenService) ValidateAndTouch(ctx context.Context, token string) (*store.User, error) {
	if token == "" {
		return nil, ErrTokenInvalid
	}
	now := s.opts.now().UTC()
	var user *store.User

	err := s.store.InTx(ctx, func(tx store.Tx) error {
		u, err := tx.GetUserByToken(ctx, token)
		if errors.Is(err, store.ErrNotFound) {
			return ErrTokenInvalid
		}
		if err != nil {
			return fmt.Errorf("loading token owner: %w", err)
		}

		baseline := u.LastActivityAt
		if baseline == nil {
			baseline = u.TokenIssuedAt
		}
		if baseline == nil || now.Sub(*baseline) > s.opts.idle {
			return ErrTokenInvalid
		}

		u.LastActivityAt = &now
		if err := tx.SaveUser(ctx, u); err != nil {
			return fmt.Errorf("touching token: %w", err)
		}
		user = u
		return nil
	})
	if err != nil {
		return nil, err
	}
	return user, nil
}

// RevokeToken clears the user's token. Revoking when no token is held is not an error.
func (s *TokenService) RevokeToken(ctx context.Context, userID int64) error {
	return s.store.InTx(ctx, func(tx store.Tx) error {
		user, err := tx.GetUserByID(ctx, userID)
		if err != nil {
			return fmt.Errorf("loading user %d: %w", userID, err)
		}
		if user.Token == "" {
			return nil
		}

		user.Token = ""
		user.TokenIssuedAt = nil
		user.LastActivityAt = nil
		if err := tx.SaveUser(ctx, user); err != nil {
			return fmt.Errorf("revoking token: %w", err)
		}
		return tx.AppendAuditLog(ctx, &store.AuditEntry{
			Actor: user.Username, Action: store.AuditTokenRevoked, TargetType: "user", TargetID: user.Username,
		})
	})
}
