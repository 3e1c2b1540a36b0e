// ABOUTME: Entry point for the chatgate server and its operator commands
// ABOUTME: serve runs the gateway; the other commands talk to a running instance

package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/joho/godotenv"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/sync/errgroup"

	"github.com/2389/chatgate/internal/auth"
	"github.com/2389/chatgate/internal/config"
	"github.com/2389/chatgate/internal/gateway"
	"github.com/2389/chatgate/internal/mcp"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
       _           _              _
   ___| |__   __ _| |_ __ _  __ _| |_ ___
  / __| '_ \ / _' | __/ _' |/ _' | __/ _ \
 | (__| | | | (_| | || (_| | (_| | ||  __/
  \___|_| |_|\__,_|\__\__, |\__,_|\__\___|
                      |___/
`

// defaultTokenTTL is the lifetime of operator tokens minted by "token".
const defaultTokenTTL = 30 * 24 * time.Hour

// getConfigPath returns the path to the gateway config file.
// Priority: CHATGATE_CONFIG env var > XDG_CONFIG_HOME/chatgate/gateway.yaml > ~/.config/chatgate/gateway.yaml
func getConfigPath() string {
	if envPath := os.Getenv("CHATGATE_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "gateway.yaml" // fallback
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "chatgate", "gateway.yaml")
}

// getTokenPath returns where "token" saves the operator token.
func getTokenPath() string {
	return filepath.Join(filepath.Dir(getConfigPath()), "token")
}

func usage() {
	fmt.Println("Usage: chatgate <command>")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  serve                          Start the gateway server")
	fmt.Println("  health                         Check gateway readiness")
	fmt.Println("  token --name NAME [--ttl DUR]  Mint an operator token")
	fmt.Println("  status                         Show limiter and MCP server status")
	fmt.Println("  reset-degraded                 Clear degraded mode")
	fmt.Println("  reset-concurrency [--user U]   Clear in-flight request counts")
	fmt.Println("  hash-password                  Hash a password read from stdin")
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	// A missing .env file is fine.
	_ = godotenv.Load()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	args := os.Args[2:]
	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx)
	case "health":
		err = runHealth(ctx)
	case "token":
		err = runToken(args)
	case "status":
		err = runStatus(ctx)
	case "reset-degraded":
		err = runResetDegraded(ctx)
	case "reset-concurrency":
		err = runResetConcurrency(ctx, args)
	case "hash-password":
		err = runHashPassword(os.Stdin, os.Stdout)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runServe(ctx context.Context) error {
	configPath := getConfigPath()

	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger, closeLog := setupLogger(cfg.Logging, os.Stdout)
	defer closeLog()

	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)

	green.Print("    ▶ ")
	fmt.Printf("Config:    %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("HTTP:      %s\n", cfg.Server.HTTPAddr)
	if cfg.Server.GRPCAddr != "" {
		green.Print("    ▶ ")
		fmt.Printf("gRPC:      %s\n", cfg.Server.GRPCAddr)
	}
	green.Print("    ▶ ")
	fmt.Printf("Database:  %s (%s)\n", cfg.Database.Path, cfg.Database.Driver)
	green.Print("    ▶ ")
	fmt.Printf("MCP:       %d server(s)\n", len(cfg.MCPServers))

	if cfg.Tailscale.Enabled {
		green.Print("    ▶ ")
		fmt.Printf("Tailscale: ")
		cyan.Print(cfg.Tailscale.Hostname)
		if cfg.Tailscale.Funnel {
			yellow.Print(" [funnel]")
		}
		if cfg.Tailscale.Ephemeral {
			gray.Print(" (ephemeral)")
		}
		fmt.Println()
	}

	fmt.Println()

	logger.Info("starting chatgate",
		"version", version,
		"config", configPath,
		"http_addr", cfg.Server.HTTPAddr,
		"grpc_addr", cfg.Server.GRPCAddr,
	)

	gw, err := gateway.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("creating gateway: %w", err)
	}

	// Policy lists (users, admins, servers, confirmation tools) reload live.
	watcher, err := config.NewWatcher(configPath, gw.ApplyConfig, logger)
	if err != nil {
		logger.Warn("config hot reload disabled", "error", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return gw.Run(gctx) })
	if watcher != nil {
		g.Go(func() error { return watcher.Run(gctx) })
	}
	return g.Wait()
}

func runHealth(ctx context.Context) error {
	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	url := fmt.Sprintf("http://%s/health/ready", cfg.Server.HTTPAddr)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("not ready: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	fmt.Println("healthy")
	return nil
}

// runToken mints an operator JWT signed with auth.jwt_secret and saves it
// next to the config file for the other operator commands.
func runToken(args []string) error {
	flags, err := parseFlags(args, "name", "ttl")
	if err != nil {
		return err
	}

	name := strings.TrimSpace(flags["name"])
	if name == "" {
		return errors.New("--name flag is required")
	}

	ttl := defaultTokenTTL
	if raw, ok := flags["ttl"]; ok {
		ttl, err = time.ParseDuration(raw)
		if err != nil || ttl <= 0 {
			return fmt.Errorf("invalid --ttl %q", raw)
		}
	}

	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if cfg.Auth.JWTSecret == "" {
		return errors.New("auth.jwt_secret is not configured")
	}

	verifier, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
	if err != nil {
		return fmt.Errorf("creating JWT verifier: %w", err)
	}
	token, err := verifier.GenerateOperator(name, ttl)
	if err != nil {
		return fmt.Errorf("generating token: %w", err)
	}

	tokenPath := getTokenPath()
	if err := os.MkdirAll(filepath.Dir(tokenPath), 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	if err := os.WriteFile(tokenPath, []byte(token), 0600); err != nil {
		return fmt.Errorf("writing token file: %w", err)
	}

	green := color.New(color.FgGreen)
	green.Printf("  ✓ Operator token for %s saved to %s (expires %s)\n",
		name, tokenPath, time.Now().Add(ttl).UTC().Format("Jan 02, 2006"))
	fmt.Println(token)
	return nil
}

func runStatus(ctx context.Context) error {
	body, err := adminRequest(ctx, http.MethodGet, "/api/admin/status", nil)
	if err != nil {
		return err
	}

	var status gateway.AdminStatusResponse
	if err := json.Unmarshal(body, &status); err != nil {
		return fmt.Errorf("decoding status: %w", err)
	}

	green := color.New(color.FgGreen)
	red := color.New(color.FgRed, color.Bold)
	gray := color.New(color.FgHiBlack)

	fmt.Print("Limiter:  ")
	if status.Limiter.Degraded {
		red.Println("DEGRADED")
	} else {
		green.Println("ok")
	}
	gray.Printf("          max_ops=%d window=%s max_concurrent=%d\n",
		status.Limiter.MaxOps, status.Limiter.Window, status.Limiter.MaxConcurrent)
	for _, u := range status.Limiter.Users {
		fmt.Printf("          %-20s ops=%d in_flight=%d\n", u.Username, u.Ops, u.Concurrent)
	}

	fmt.Println("Servers:")
	for url, st := range status.Servers {
		fmt.Printf("  %s ", url)
		if st.Status == mcp.StatusConnected {
			green.Print(st.Status)
		} else {
			red.Print(st.Status)
		}
		gray.Printf(" %s\n", strings.Join(st.Tools, ", "))
	}
	return nil
}

func runResetDegraded(ctx context.Context) error {
	body, err := adminRequest(ctx, http.MethodPost, "/api/admin/degraded/reset", nil)
	if err != nil {
		return err
	}
	var resp map[string]bool
	if err := json.Unmarshal(body, &resp); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	if resp["was_degraded"] {
		color.Green("degraded mode cleared")
	} else {
		fmt.Println("service was not degraded")
	}
	return nil
}

func runResetConcurrency(ctx context.Context, args []string) error {
	flags, err := parseFlags(args, "user")
	if err != nil {
		return err
	}
	var req any
	if user := flags["user"]; user != "" {
		req = gateway.ResetConcurrencyRequest{Username: user}
	}

	body, err := adminRequest(ctx, http.MethodPost, "/api/admin/concurrency/reset", req)
	if err != nil {
		return err
	}
	var resp map[string]string
	if err := json.Unmarshal(body, &resp); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	fmt.Printf("concurrency reset for %s\n", resp["username"])
	return nil
}

// runHashPassword reads one password line from in and writes its bcrypt hash,
// suitable for auth.binder.users.
func runHashPassword(in io.Reader, out io.Writer) error {
	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("reading password: %w", err)
	}
	password := strings.TrimRight(line, "\r\n")
	if password == "" {
		return errors.New("empty password")
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hashing password: %w", err)
	}
	fmt.Fprintln(out, string(hash))
	return nil
}

// operatorToken returns CHATGATE_TOKEN or the token saved by "token".
func operatorToken() (string, error) {
	if token := os.Getenv("CHATGATE_TOKEN"); token != "" {
		return token, nil
	}
	data, err := os.ReadFile(getTokenPath())
	if err != nil {
		return "", fmt.Errorf("no operator token (set CHATGATE_TOKEN or run 'chatgate token --name NAME'): %w", err)
	}
	return strings.TrimSpace(string(data)), nil
}

// adminRequest calls the local gateway's operator API and returns the body
// of a 200 response.
func adminRequest(ctx context.Context, method, path string, payload any) ([]byte, error) {
	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	token, err := operatorToken()
	if err != nil {
		return nil, err
	}

	var reader io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encoding request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	url := fmt.Sprintf("http://%s%s", cfg.Server.HTTPAddr, path)
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("calling gateway: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		var apiErr struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(body, &apiErr) == nil && apiErr.Error != "" {
			return nil, fmt.Errorf("gateway returned %d: %s", resp.StatusCode, apiErr.Error)
		}
		return nil, fmt.Errorf("gateway returned %d", resp.StatusCode)
	}
	return body, nil
}

// parseFlags accepts "--name value" and "--name=value" for the allowed names.
func parseFlags(args []string, allowed ...string) (map[string]string, error) {
	known := make(map[string]bool, len(allowed))
	for _, name := range allowed {
		known[name] = true
	}

	out := make(map[string]string)
	for i := 0; i < len(args); i++ {
		arg := args[i]
		if !strings.HasPrefix(arg, "--") {
			return nil, fmt.Errorf("unexpected argument: %s", arg)
		}
		name, value, hasValue := strings.Cut(strings.TrimPrefix(arg, "--"), "=")
		if !known[name] {
			return nil, fmt.Errorf("unknown flag: %s", arg)
		}
		if !hasValue {
			if i+1 >= len(args) {
				return nil, fmt.Errorf("--%s requires a value", name)
			}
			value = args[i+1]
			i++
		}
		out[name] = value
	}
	return out, nil
}
