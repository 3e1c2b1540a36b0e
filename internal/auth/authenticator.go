// ABOUTME: Password authentication with per-(user, ip) failure counting and account lockout
// ABOUTME: Login combines lockout authentication, admin flag sync, and bearer token issuance

package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/2389/chatgate/internal/store"
)

// Defaults for lockout bookkeeping.
const (
	DefaultLockoutThreshold = 3
	DefaultLockoutDuration  = 15 * time.Minute
	DefaultIdleTimeout      = 12 * time.Hour
)

// PolicyProvider answers access-policy questions from the current configuration.
type PolicyProvider interface {
	IsAuthorized(username string) bool
	IsAdmin(username string) bool
}

type options struct {
	now       func() time.Time
	logger    *slog.Logger
	threshold int
	lockout   time.Duration
	idle      time.Duration
}

// Option configures an Authenticator or TokenService.
type Option func(*options)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithLockout sets how many consecutive failures lock an account, and for how long.
func WithLockout(threshold int, duration time.Duration) Option {
	return func(o *options) {
		if threshold > 0 {
			o.threshold = threshold
		}
		if duration > 0 {
			o.lockout = duration
		}
	}
}

// WithIdleTimeout sets how long a bearer token may go unused.
func WithIdleTimeout(idle time.Duration) Option {
	return func(o *options) {
		if idle > 0 {
			o.idle = idle
		}
	}
}

func buildOptions(opts []Option) options {
	o := options{
		now:       time.Now,
		logger:    slog.Default(),
		threshold: DefaultLockoutThreshold,
		lockout:   DefaultLockoutDuration,
		idle:      DefaultIdleTimeout,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// Authenticator verifies passwords and maintains lockout state.
type Authenticator struct {
	store  store.CredentialStore
	binder Binder
	policy PolicyProvider
	tokens *TokenService
	opts   options
	logger *slog.Logger
}

// NewAuthenticator creates an Authenticator. tokens is used by Login.
func NewAuthenticator(s store.CredentialStore, binder Binder, policy PolicyProvider, tokens *TokenService, opts ...Option) *Authenticator {
	o := buildOptions(opts)
	return &Authenticator{
		store:  s,
		binder: binder,
		policy: policy,
		tokens: tokens,
		opts:   o,
		logger: o.logger.With("component", "auth"),
	}
}

// Authenticate checks the allow list and then the binder. It keeps no state.
func (a *Authenticator) Authenticate(ctx context.Context, username, password string) error {
	if !a.policy.IsAuthorized(username) {
		return ErrUnauthorized
	}
	ok, err := a.binder.Bind(ctx, username, password)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBinderUnavailable, err)
	}
	if !ok {
		return ErrUnauthorized
	}
	return nil
}

// AuthenticateWithLockout authenticates and records the outcome for the
// (username, ip) pair. Reaching the failure threshold locks the whole
// account. While locked the binder is not called and nothing is written.
//
// The binder runs outside any transaction so a slow directory never holds
// the database. The lock is checked again before the outcome is written.
func (a *Authenticator) AuthenticateWithLockout(ctx context.Context, username, password, ip string) error {
	if !a.policy.IsAuthorized(username) {
		a.logFailure("not authorized", username, ip)
		return ErrUnauthorized
	}

	now := a.opts.now().UTC()

	err := a.store.InTx(ctx, func(tx store.Tx) error {
		user, err := tx.GetUserByUsername(ctx, username)
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("loading user: %w", err)
		}
		if user.IsLocked(now) {
			return ErrLocked
		}
		return nil
	})
	if errors.Is(err, ErrLocked) {
		a.logFailure("account locked", username, ip)
		return ErrLocked
	}
	if err != nil {
		return err
	}

	ok, err := a.binder.Bind(ctx, username, password)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBinderUnavailable, err)
	}

	failed, locked, err := a.recordOutcome(ctx, username, ip, ok, now)
	switch {
	case errors.Is(err, ErrLocked):
		a.logFailure("account locked", username, ip)
		return ErrLocked
	case err != nil:
		return err
	case locked:
		a.logger.Warn("account locked after repeated failures", "username", username, "ip", ip, "until", now.Add(a.opts.lockout))
		return ErrUnauthorized
	case failed:
		a.logFailure("bad credentials", username, ip)
		return ErrUnauthorized
	}
	return nil
}

// recordOutcome applies one bind result: a success clears the attempt count
// and any lockout, a failure counts toward the threshold. It returns
// ErrLocked without writing if another attempt locked the account while the
// bind was in flight.
func (a *Authenticator) recordOutcome(ctx context.Context, username, ip string, ok bool, now time.Time) (failed, locked bool, err error) {
	err = a.store.InTx(ctx, func(tx store.Tx) error {
		user, err := tx.GetOrCreateUser(ctx, username)
		if err != nil {
			return fmt.Errorf("loading user: %w", err)
		}
		if user.IsLocked(now) {
			return ErrLocked
		}

		attempt, err := tx.GetLoginAttempt(ctx, username, ip)
		if errors.Is(err, store.ErrNotFound) {
			attempt = &store.LoginAttempt{Username: username, IP: ip}
		} else if err != nil {
			return fmt.Errorf("loading login attempt: %w", err)
		}

		attempt.LastAttemptAt = &now
		failed, locked = false, false
		if ok {
			attempt.Count = 0
			user.LockoutUntil = nil
		} else {
			failed = true
			attempt.Count++
			if attempt.Count >= a.opts.threshold {
				until := now.Add(a.opts.lockout)
				user.LockoutUntil = &until
				locked = true
			}
		}

		if err := tx.SaveLoginAttempt(ctx, attempt); err != nil {
			return err
		}
		if err := tx.SaveUser(ctx, user); err != nil {
			return err
		}
		return a.auditLogin(ctx, tx, username, ip, failed, locked, attempt.Count)
	})
	return failed, locked, err
}

func (a *Authenticator) auditLogin(ctx context.Context, tx store.Tx, username, ip string, failed, locked bool, count int) error {
	action := store.AuditLoginSucceeded
	if failed {
		action = store.AuditLoginFailed
	}
	detail := map[string]any{"ip": ip}
	if failed {
		detail["failures"] = count
	}
	if err := tx.AppendAuditLog(ctx, &store.AuditEntry{
		Actor: username, Action: action, TargetType: "user", TargetID: username, Detail: detail,
	}); err != nil {
		return err
	}
	if locked {
		return tx.AppendAuditLog(ctx, &store.AuditEntry{
			Actor: "system", Action: store.AuditAccountLocked, TargetType: "user", TargetID: username,
			Detail: map[string]any{"ip": ip, "minutes": int(a.opts.lockout.Minutes())},
		})
	}
	return nil
}

// logFailure logs an authentication failure with structured context.
func (a *Authenticator) logFailure(reason, username, ip string) {
	a.logger.Warn("auth failure", "reason", reason, "username", username, "ip", ip)
}

// LoginResult is returned by a successful Login.
type LoginResult struct {
	User  *store.User
	Token string
}

// Login authenticates with lockout, then syncs the admin flag from policy,
// stamps the login time and issues a fresh bearer token.
func (a *Authenticator) Login(ctx context.Context, username, password, ip string) (*LoginResult, error) {
	if err := a.AuthenticateWithLockout(ctx, username, password, ip); err != nil {
		return nil, err
	}

	now := a.opts.now().UTC()
	var result LoginResult

	err := a.store.InTx(ctx, func(tx store.Tx) error {
		user, err := tx.GetOrCreateUser(ctx, username)
		if err != nil {
			return fmt.Errorf("loading user: %w", err)
		}
		user.IsAdmin = a.policy.IsAdmin(username)
		user.LastLoginAt = &now

		token, err := a.tokens.issue(ctx, tx, user, now)
		if err != nil {
			return err
		}
		result = LoginResult{User: user, Token: token}
		return nil
	})
	if err != nil {
		return nil, err
	}

	a.logger.Info("login succeeded", "username", username, "ip", ip, "admin", result.User.IsAdmin)
	return &result, nil
}
