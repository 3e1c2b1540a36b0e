// ABOUTME: Registry of configured MCP servers with bounded, concurrent status listings
// ABOUTME: Implements tools.Executor by calling tools over short-lived sessions

package mcp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// Connection states reported by Status.
const (
	StatusConnected    = "connected"
	StatusNotConnected = "not_connected"
)

// DefaultStatusTimeout bounds each server's tool listing.
const DefaultStatusTimeout = 5 * time.Second

// ErrUnknownServer is returned by Execute for servers not in the registry.
var ErrUnknownServer = errors.New("unknown mcp server")

// ServerStatus is one server's entry in a Status result.
type ServerStatus struct {
	Status string   `json:"status"`
	Tools  []string `json:"tools"`
}

// RegistryConfig contains configuration options for the Registry.
type RegistryConfig struct {
	Servers []string
	Dialer  Dialer
	Timeout time.Duration
	Logger  *slog.Logger
}

// Registry tracks MCP servers and their sessions.
type Registry struct {
	dialer  Dialer
	timeout time.Duration
	logger  *slog.Logger

	mu       sync.RWMutex
	servers  []string
	sessions map[string]Session
	tools    map[string][]string // last successful listing per server
}

// NewRegistry creates a registry. Non-HTTP(S) server entries are dropped.
func NewRegistry(cfg RegistryConfig) *Registry {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultStatusTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Registry{
		dialer:   cfg.Dialer,
		timeout:  timeout,
		logger:   logger.With("component", "mcp"),
		servers:  filterServers(cfg.Servers),
		sessions: make(map[string]Session),
		tools:    make(map[string][]string),
	}
}

func filterServers(servers []string) []string {
	out := make([]string, 0, len(servers))
	for _, s := range servers {
		if (strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://")) && !slices.Contains(out, s) {
			out = append(out, s)
		}
	}
	return out
}

// Servers returns the registered server URLs in configuration order.
func (r *Registry) Servers() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.servers)
}

// SetServers replaces the server list, closing sessions to removed servers.
func (r *Registry) SetServers(servers []string) {
	next := filterServers(servers)

	r.mu.Lock()
	var stale []Session
	for url, sess := range r.sessions {
		if !slices.Contains(next, url) {
			stale = append(stale, sess)
			delete(r.sessions, url)
			delete(r.tools, url)
		}
	}
	r.servers = next
	r.mu.Unlock()

	for _, sess := range stale {
		_ = sess.Close()
	}
}

// Connect dials every server that has no session yet. Failures are logged and
// leave the server not connected.
func (r *Registry) Connect(ctx context.Context, bearerToken string) {
	var g errgroup.Group
	for _, url := range r.Servers() {
		r.mu.RLock()
		_, ok := r.sessions[url]
		r.mu.RUnlock()
		if ok {
			continue
		}

		g.Go(func() error {
			dialCtx, cancel := context.WithTimeout(ctx, r.timeout)
			defer cancel()

			sess, err := r.dialer.Dial(dialCtx, url, bearerToken)
			if err != nil {
				r.logger.Warn("mcp server unreachable", "server", url, "error", err)
				return nil
			}

			r.mu.Lock()
			if _, dup := r.sessions[url]; dup || !slices.Contains(r.servers, url) {
				r.mu.Unlock()
				_ = sess.Close()
				return nil
			}
			r.sessions[url] = sess
			r.mu.Unlock()

			r.logger.Info("mcp server connected", "server", url)
			return nil
		})
	}
	_ = g.Wait()
}

// Status reports each server's connection state and tools. Listings run
// concurrently and each is bounded by the status timeout.
func (r *Registry) Status(ctx context.Context) map[string]ServerStatus {
	servers := r.Servers()
	results := make([]ServerStatus, len(servers))

	var g errgroup.Group
	for i, url := range servers {
		results[i] = ServerStatus{Status: StatusNotConnected, Tools: []string{}}

		r.mu.RLock()
		sess, ok := r.sessions[url]
		r.mu.RUnlock()
		if !ok {
			continue
		}

		g.Go(func() error {
			tools, err := r.listTools(ctx, sess)
			if err != nil {
				r.logger.Warn("listing mcp tools failed", "server", url, "error", err)
				r.drop(url, sess)
				return nil
			}
			results[i] = ServerStatus{Status: StatusConnected, Tools: tools}

			r.mu.Lock()
			r.tools[url] = slices.Clone(tools)
			r.mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	out := make(map[string]ServerStatus, len(servers))
	for i, url := range servers {
		out[url] = results[i]
	}
	return out
}

type listResult struct {
	tools []string
	err   error
}

// listTools runs the listing on its own goroutine so a session that ignores
// its context cannot hold the caller past the timeout.
func (r *Registry) listTools(ctx context.Context, sess Session) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	ch := make(chan listResult, 1)
	go func() {
		tools, err := sess.ListTools(ctx)
		ch <- listResult{tools: tools, err: err}
	}()

	select {
	case res := <-ch:
		if res.err != nil {
			return nil, res.err
		}
		if res.tools == nil {
			res.tools = []string{}
		}
		return res.tools, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("listing tools: %w", ctx.Err())
	}
}

// drop forgets a session that failed so the next Connect dials again.
func (r *Registry) drop(url string, sess Session) {
	r.mu.Lock()
	if r.sessions[url] == sess {
		delete(r.sessions, url)
		delete(r.tools, url)
	}
	r.mu.Unlock()
	go func() { _ = sess.Close() }()
}

// FindServer returns the server that advertised tool in the most recent
// status listing, preferring configuration order.
func (r *Registry) FindServer(tool string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, url := range r.servers {
		if slices.Contains(r.tools[url], tool) {
			return url, true
		}
	}
	return "", false
}

// Execute calls tool on server with the caller's credential.
func (r *Registry) Execute(ctx context.Context, toolName, serverName, credential string) (string, error) {
	if !slices.Contains(r.Servers(), serverName) {
		return "", fmt.Errorf("%w: %s", ErrUnknownServer, serverName)
	}

	sess, err := r.dialer.Dial(ctx, serverName, credential)
	if err != nil {
		return "", err
	}
	defer sess.Close()

	return sess.CallTool(ctx, toolName, nil)
}

// Close ends every open session.
func (r *Registry) Close() error {
	r.mu.Lock()
	sessions := r.sessions
	r.sessions = make(map[string]Session)
	r.mu.Unlock()

	var errs []error
	for _, sess := range sessions {
		if err := sess.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
