// ABOUTME: LDAP binder that verifies credentials with a simple bind
// ABOUTME: Invalid credentials are a normal failure; connection problems are errors

package auth

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/url"
	"time"

	"github.com/go-ldap/ldap/v3"

	"github.com/2389/chatgate/internal/config"
)

// LDAPBinder authenticates by binding as the user's DN.
type LDAPBinder struct {
	url          string
	bindTemplate string // fmt template with one %s for the escaped username
	startTLS     bool
	tlsConfig    *tls.Config
	timeout      time.Duration
}

// NewLDAPBinder creates a binder from configuration.
func NewLDAPBinder(cfg config.LDAPConfig) (*LDAPBinder, error) {
	u, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parsing ldap url: %w", err)
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	return &LDAPBinder{
		url:          cfg.URL,
		bindTemplate: cfg.BindTemplate,
		startTLS:     cfg.StartTLS,
		tlsConfig: &tls.Config{
			ServerName:         u.Hostname(),
			InsecureSkipVerify: cfg.InsecureTLS, //nolint:gosec // opt-in for lab directories
			MinVersion:         tls.VersionTLS12,
		},
		timeout: timeout,
	}, nil
}

// Bind dials the directory and attempts a simple bind as username.
func (b *LDAPBinder) Bind(ctx context.Context, username, password string) (bool, error) {
	// An empty password would be an unauthenticated bind, which many servers accept.
	if password == "" {
		return false, nil
	}
	if err := ctx.Err(); err != nil {
		return false, err
	}

	conn, err := ldap.DialURL(b.url,
		ldap.DialWithDialer(&net.Dialer{Timeout: b.timeout}),
		ldap.DialWithTLSConfig(b.tlsConfig),
	)
	if err != nil {
		return false, fmt.Errorf("dialing ldap: %w", err)
	}
	defer conn.Close()
	conn.SetTimeout(b.timeout)

	if b.startTLS {
		if err := conn.StartTLS(b.tlsConfig); err != nil {
			return false, fmt.Errorf("ldap starttls: %w", err)
		}
	}

	dn := fmt.Sprintf(b.bindTemplate, ldap.EscapeDN(username))
	err = conn.Bind(dn, password)
	switch {
	case err == nil:
		return true, nil
	case ldap.IsErrorWithCode(err, ldap.LDAPResultInvalidCredentials):
		return false, nil
	default:
		return false, fmt.Errorf("ldap bind: %w", err)
	}
}
