// ABOUTME: Gateway orchestrator that wires the store, limiter, auth, tools, LLM and MCP registry
// ABOUTME: Manages the HTTP API, gRPC health endpoint, Tailscale listeners and shutdown lifecycle

package gateway

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"tailscale.com/ipn/ipnstate"
	"tailscale.com/tsnet"

	"github.com/2389/chatgate/internal/auth"
	"github.com/2389/chatgate/internal/config"
	"github.com/2389/chatgate/internal/dedupe"
	"github.com/2389/chatgate/internal/llm"
	"github.com/2389/chatgate/internal/mcp"
	"github.com/2389/chatgate/internal/metrics"
	"github.com/2389/chatgate/internal/ratelimit"
	"github.com/2389/chatgate/internal/store"
	"github.com/2389/chatgate/internal/tools"
)

// Confirmation claims outlive any plausible duplicate submit.
const (
	confirmationClaimTTL  = time.Hour
	maxConfirmationClaims = 10000
)

// errLLMNotConfigured is returned by the placeholder backend when no API key is set.
var errLLMNotConfigured = errors.New("llm backend not configured")

// Gateway orchestrates the chatgate server components.
type Gateway struct {
	config        *config.Config
	store         store.Store
	policy        *config.PolicyStore
	limiter       *ratelimit.Limiter
	auth          *auth.Authenticator
	tokens        *auth.TokenService
	verifier      auth.TokenVerifier // nil when operator tokens are disabled
	gatekeeper    *tools.Gatekeeper
	confirmations *dedupe.Claims
	registry      *mcp.Registry
	runner        *llm.Runner
	health        *health.Server
	grpcServer    *grpc.Server
	httpServer    *http.Server
	tsnetServer   *tsnet.Server
	logger        *slog.Logger
}

// components are the replaceable collaborators of a Gateway.
type components struct {
	Store   store.Store
	Binder  auth.Binder
	Backend llm.Backend
	Dialer  mcp.Dialer
}

// initStore opens the configured SQLite database.
// CHATGATE_DB_PATH overrides database.path.
func initStore(cfg *config.Config, logger *slog.Logger) (store.Store, error) {
	dbPath := cfg.Database.Path
	if envPath := os.Getenv("CHATGATE_DB_PATH"); envPath != "" {
		dbPath = envPath
	}

	s, err := store.Open(cfg.Database.Driver, dbPath, logger)
	if err != nil {
		return nil, fmt.Errorf("initializing store: %w", err)
	}
	return s, nil
}

// newBinder builds the credential binder selected by auth.binder.type.
func newBinder(cfg config.BinderConfig) (auth.Binder, error) {
	switch cfg.Type {
	case "ldap":
		b, err := auth.NewLDAPBinder(cfg.LDAP)
		if err != nil {
			return nil, fmt.Errorf("creating LDAP binder: %w", err)
		}
		return b, nil
	case "static", "":
		return auth.NewStaticBinder(cfg.Users), nil
	default:
		return nil, fmt.Errorf("unsupported binder type %q", cfg.Type)
	}
}

// newBackend builds the LLM backend. Without an API key chat still works
// for explicit tool tags but every model call fails.
func newBackend(cfg config.LLMConfig, logger *slog.Logger) (llm.Backend, error) {
	if cfg.APIKey == "" {
		logger.Warn("llm.api_key not set - model calls will fail")
		return llm.BackendFunc(func(ctx context.Context, prompt string) (*llm.Completion, error) {
			return nil, errLLMNotConfigured
		}), nil
	}
	return llm.NewOpenAIBackend(cfg)
}

// New creates a new Gateway instance with the given configuration.
func New(cfg *config.Config, logger *slog.Logger) (*Gateway, error) {
	binder, err := newBinder(cfg.Auth.Binder)
	if err != nil {
		return nil, err
	}
	backend, err := newBackend(cfg.LLM, logger)
	if err != nil {
		return nil, err
	}
	s, err := initStore(cfg, logger)
	if err != nil {
		return nil, err
	}

	gw, err := assemble(cfg, components{
		Store:   s,
		Binder:  binder,
		Backend: backend,
		Dialer:  mcp.NewSDKDialer(cfg.MCP.Headers, nil),
	}, logger)
	if err != nil {
		_ = s.Close()
		return nil, err
	}
	return gw, nil
}

// assemble wires the core components around c.
func assemble(cfg *config.Config, c components, logger *slog.Logger) (*Gateway, error) {
	gw := &Gateway{
		config: cfg,
		store:  c.Store,
		policy: config.NewPolicyStore(cfg.Policy()),
		health: health.NewServer(),
		logger: logger.With("component", "gateway"),
	}

	if cfg.Auth.JWTSecret != "" {
		v, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
		if err != nil {
			return nil, fmt.Errorf("creating JWT verifier: %w", err)
		}
		gw.verifier = v
	} else {
		logger.Info("operator tokens disabled - no jwt_secret configured")
	}

	gw.limiter = ratelimit.New(cfg.RateLimit.MaxOps, cfg.RateLimit.Window, cfg.RateLimit.MaxConcurrent,
		ratelimit.WithObserver(gw.onDegradedChange))

	authOpts := []auth.Option{
		auth.WithLogger(logger),
		auth.WithLockout(cfg.Auth.LockoutThreshold, cfg.Auth.LockoutDuration),
		auth.WithIdleTimeout(cfg.Auth.IdleTimeout),
	}
	gw.tokens = auth.NewTokenService(c.Store, authOpts...)
	gw.auth = auth.NewAuthenticator(c.Store, c.Binder, gw.policy, gw.tokens, authOpts...)

	gw.registry = mcp.NewRegistry(mcp.RegistryConfig{
		Servers: cfg.MCPServers,
		Dialer:  c.Dialer,
		Timeout: cfg.MCP.StatusTimeout,
		Logger:  logger,
	})
	gw.gatekeeper = tools.NewGatekeeper(tools.GatekeeperConfig{
		Store:       c.Store,
		Executor:    gw.registry,
		Policy:      gw.policy,
		Logger:      logger,
		MaxOutput:   cfg.Tools.MaxOutput,
		CallTimeout: cfg.Tools.CallTimeout,
	})
	gw.confirmations = dedupe.New(confirmationClaimTTL, maxConfirmationClaims)
	gw.runner = llm.NewRunner(gw.limiter, c.Backend, logger)

	gw.grpcServer = newGRPCServer(gw.health)
	gw.setServing(true)
	metrics.SetDegraded(false)

	gw.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           gw.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	return gw, nil
}

// onDegradedChange is the limiter observer. Resets are audited by the
// operator handler that performs them, so only trips are recorded here.
func (g *Gateway) onDegradedChange(degraded bool) {
	metrics.SetDegraded(degraded)
	g.setServing(!degraded)
	if !degraded {
		g.logger.Info("degraded mode cleared")
		return
	}

	g.logger.Error("rate limit exceeded, entering degraded mode")
	err := g.store.AppendAuditLog(context.Background(), &store.AuditEntry{
		Actor:      "system",
		Action:     store.AuditDegradedTripped,
		TargetType: "service",
		TargetID:   "chatgate",
	})
	if err != nil {
		g.logger.Error("failed to audit degraded trip", "error", err)
	}
}

// ApplyConfig swaps in the access policy and MCP server list of a reloaded
// configuration. Listener, store and limiter settings need a restart.
func (g *Gateway) ApplyConfig(cfg *config.Config) {
	g.policy.Set(cfg.Policy())
	g.registry.SetServers(cfg.MCPServers)
	g.logger.Info("policy updated",
		"authorized_users", len(cfg.AuthorizedUsers),
		"admin_users", len(cfg.AdminUsers),
		"mcp_servers", len(cfg.MCPServers),
	)
}

// Handler returns the HTTP handler serving the API.
func (g *Gateway) Handler() http.Handler {
	return g.httpServer.Handler
}

// setupTCPListeners creates standard TCP listeners. The gRPC listener is
// nil when no grpc_addr is configured.
func (g *Gateway) setupTCPListeners() (grpcLn, httpLn net.Listener, err error) {
	g.logger.Info("starting gateway",
		"grpc_addr", g.config.Server.GRPCAddr,
		"http_addr", g.config.Server.HTTPAddr,
	)

	if g.config.Server.GRPCAddr != "" {
		grpcLn, err = net.Listen("tcp", g.config.Server.GRPCAddr)
		if err != nil {
			return nil, nil, fmt.Errorf("listening on gRPC address: %w", err)
		}
	}

	httpLn, err = net.Listen("tcp", g.config.Server.HTTPAddr)
	if err != nil {
		if grpcLn != nil {
			_ = grpcLn.Close()
		}
		return nil, nil, fmt.Errorf("listening on HTTP address: %w", err)
	}

	return grpcLn, httpLn, nil
}

// warnIgnoredAddresses logs a warning if server addresses are configured but Tailscale is enabled.
func (g *Gateway) warnIgnoredAddresses() {
	if g.config.Server.GRPCAddr != "" || g.config.Server.HTTPAddr != "" {
		g.logger.Warn("server.grpc_addr and server.http_addr are ignored when tailscale is enabled",
			"grpc_addr", g.config.Server.GRPCAddr,
			"http_addr", g.config.Server.HTTPAddr,
		)
	}
}

// setupListeners creates listeners based on configuration (Tailscale or TCP).
func (g *Gateway) setupListeners(ctx context.Context) (grpcLn, httpLn net.Listener, err error) {
	if g.config.Tailscale.Enabled {
		g.warnIgnoredAddresses()
		return g.setupTailscaleListeners(ctx)
	}
	return g.setupTCPListeners()
}

// startServers starts gRPC and HTTP servers in goroutines, returning error channel.
func (g *Gateway) startServers(grpcLn, httpLn net.Listener) chan error {
	errCh := make(chan error, 2)

	if grpcLn != nil {
		go func() {
			g.logger.Info("gRPC health server listening", "addr", grpcLn.Addr().String())
			if err := g.grpcServer.Serve(grpcLn); err != nil {
				errCh <- fmt.Errorf("gRPC server: %w", err)
			}
		}()
	}

	go func() {
		g.logger.Info("HTTP server listening", "addr", httpLn.Addr().String())
		if err := g.httpServer.Serve(httpLn); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

	return errCh
}

// waitForShutdownSignal waits for context cancellation or server error.
func (g *Gateway) waitForShutdownSignal(ctx context.Context, errCh chan error) error {
	select {
	case <-ctx.Done():
		g.logger.Info("context canceled, initiating shutdown")
		return nil
	case err := <-errCh:
		g.logger.Error("server error", "error", err)
		g.drainErrors(errCh)
		return err
	}
}

// drainErrors drains any remaining errors from the channel.
func (g *Gateway) drainErrors(errCh chan error) {
	select {
	case additionalErr := <-errCh:
		g.logger.Error("additional server error", "error", additionalErr)
	default:
	}
}

// Run starts the servers and background maintenance, and blocks until the
// context is canceled. Returns nil on graceful shutdown, or the first server error.
func (g *Gateway) Run(ctx context.Context) error {
	grpcListener, httpListener, err := g.setupListeners(ctx)
	if err != nil {
		return err
	}

	maintCtx, stopMaintenance := context.WithCancel(ctx)
	maintDone := make(chan struct{})
	go func() {
		defer close(maintDone)
		g.runMaintenance(maintCtx, maintenanceInterval)
	}()

	errCh := g.startServers(grpcListener, httpListener)
	serverErr := g.waitForShutdownSignal(ctx, errCh)

	stopMaintenance()
	<-maintDone
	shutdownErr := g.gracefulShutdown()

	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// gracefulShutdown performs shutdown with a fresh context and timeout.
// Uses context.Background() since the original context is already canceled.
func (g *Gateway) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return g.Shutdown(ctx)
}

// resolveTailscaleStateDir returns the state directory, using default if not configured.
func resolveTailscaleStateDir(configured string) (string, error) {
	if configured != "" {
		return configured, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory for tailscale state (set tailscale.state_dir explicitly): %w", err)
	}
	return filepath.Join(homeDir, ".local", "share", "chatgate", "tailscale"), nil
}

// resolveTailscaleAuthKey returns the auth key from config or environment.
func resolveTailscaleAuthKey(configured string) (string, error) {
	authKey := configured
	if authKey == "" {
		authKey = os.Getenv("TS_AUTHKEY")
	}
	if authKey == "" {
		return "", errors.New("tailscale auth key required: set auth_key in config or TS_AUTHKEY environment variable")
	}
	return authKey, nil
}

// setupTailscaleListeners creates a tsnet server and returns listeners for gRPC and HTTP.
func (g *Gateway) setupTailscaleListeners(ctx context.Context) (grpcLn, httpLn net.Listener, err error) {
	tsCfg := g.config.Tailscale

	stateDir, err := resolveTailscaleStateDir(tsCfg.StateDir)
	if err != nil {
		return nil, nil, err
	}
	if err := os.MkdirAll(stateDir, 0700); err != nil {
		return nil, nil, fmt.Errorf("creating tailscale state dir: %w", err)
	}

	authKey, err := resolveTailscaleAuthKey(tsCfg.AuthKey)
	if err != nil {
		return nil, nil, err
	}

	g.tsnetServer = &tsnet.Server{
		Hostname:  tsCfg.Hostname,
		Dir:       stateDir,
		Ephemeral: tsCfg.Ephemeral,
		AuthKey:   authKey,
	}

	g.logger.Info("starting tailscale node", "hostname", tsCfg.Hostname, "state_dir", stateDir, "ephemeral", tsCfg.Ephemeral)
	status, err := g.tsnetServer.Up(ctx)
	if err != nil {
		_ = g.tsnetServer.Close()
		return nil, nil, fmt.Errorf("starting tailscale: %w", err)
	}

	g.logTailscaleStatus(tsCfg.Hostname, status)

	grpcLn, err = g.tsnetServer.Listen("tcp", ":50051")
	if err != nil {
		_ = g.tsnetServer.Close()
		return nil, nil, fmt.Errorf("listening on tailscale gRPC port: %w", err)
	}

	httpLn, err = g.createTailscaleHTTPListener(tsCfg, grpcLn)
	if err != nil {
		return nil, nil, err
	}
	return grpcLn, httpLn, nil
}

// logTailscaleStatus logs info about the tailscale node status.
func (g *Gateway) logTailscaleStatus(hostname string, status *ipnstate.Status) {
	var tsAddr, dnsName string
	if len(status.TailscaleIPs) > 0 {
		tsAddr = status.TailscaleIPs[0].String()
	} else {
		g.logger.Warn("tailscale node has no IP addresses assigned")
	}
	if status.Self != nil {
		dnsName = status.Self.DNSName
	}
	g.logger.Info("tailscale node ready", "hostname", hostname, "tailscale_ip", tsAddr, "dns_name", dnsName)
}

// createTailscaleHTTPListener creates the appropriate HTTP listener based on config.
func (g *Gateway) createTailscaleHTTPListener(tsCfg config.TailscaleConfig, grpcLn net.Listener) (net.Listener, error) {
	switch {
	case tsCfg.Funnel:
		g.logger.Info("enabling tailscale funnel (public HTTPS) on :443")
		ln, err := g.tsnetServer.ListenFunnel("tcp", ":443")
		if err != nil {
			_ = grpcLn.Close()
			_ = g.tsnetServer.Close()
			return nil, fmt.Errorf("listening on tailscale HTTP port: %w", err)
		}
		return ln, nil
	case tsCfg.HTTPS:
		return g.createTailscaleTLSListener(grpcLn)
	default:
		ln, err := g.tsnetServer.Listen("tcp", ":80")
		if err != nil {
			_ = grpcLn.Close()
			_ = g.tsnetServer.Close()
			return nil, fmt.Errorf("listening on tailscale HTTP port: %w", err)
		}
		return ln, nil
	}
}

// createTailscaleTLSListener creates a TLS listener using Tailscale's auto-provisioned certs.
func (g *Gateway) createTailscaleTLSListener(grpcLn net.Listener) (net.Listener, error) {
	g.logger.Info("enabling HTTPS with Tailscale certs on :443")
	ln, err := g.tsnetServer.Listen("tcp", ":443")
	if err != nil {
		_ = grpcLn.Close()
		_ = g.tsnetServer.Close()
		return nil, fmt.Errorf("listening on tailscale HTTPS port: %w", err)
	}
	lc, err := g.tsnetServer.LocalClient()
	if err != nil {
		_ = ln.Close()
		_ = grpcLn.Close()
		_ = g.tsnetServer.Close()
		return nil, fmt.Errorf("getting tailscale local client: %w", err)
	}
	return tls.NewListener(ln, &tls.Config{
		GetCertificate: lc.GetCertificate,
		MinVersion:     tls.VersionTLS12,
	}), nil
}

// shutdownGRPCServer gracefully stops the gRPC server or force-stops on context cancel.
func (g *Gateway) shutdownGRPCServer(ctx context.Context) {
	g.health.Shutdown()

	stopped := make(chan struct{})
	go func() {
		g.grpcServer.GracefulStop()
		close(stopped)
	}()

	select {
	case <-stopped:
	case <-ctx.Done():
		g.grpcServer.Stop()
	}
}

// appendCloseError appends an error with label if err is non-nil.
func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}

// Shutdown gracefully stops all gateway servers and releases resources.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.logger.Info("shutting down gateway")

	var errs []error
	errs = appendCloseError(errs, "HTTP shutdown", g.httpServer.Shutdown(ctx))

	g.shutdownGRPCServer(ctx)

	if g.tsnetServer != nil {
		errs = appendCloseError(errs, "tailscale shutdown", g.tsnetServer.Close())
	}
	errs = appendCloseError(errs, "mcp sessions close", g.registry.Close())
	errs = appendCloseError(errs, "store close", g.store.Close())

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %v", errs)
	}
	return nil
}

// handleHealth returns 200 OK if the server is alive.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady returns 503 while the degraded breaker is tripped.
func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	if g.limiter.Degraded() {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("degraded"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}
