// ABOUTME: Configuration loading and parsing for chatgate
// ABOUTME: Supports YAML and TOML files with environment variable expansion and duration parsing

package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Default values. These match the behavior existing deployments rely on.
const (
	DefaultMaxOps           = 50
	DefaultRateWindow       = 60 * time.Second
	DefaultMaxConcurrent    = 3
	DefaultLockoutThreshold = 3
	DefaultLockoutDuration  = 15 * time.Minute
	DefaultIdleTimeout      = 12 * time.Hour
	DefaultMaxToolOutput    = 100_000
	DefaultMCPStatusTimeout = 5 * time.Second
	DefaultChatRetention    = 30 * 24 * time.Hour
	DefaultLLMModel         = "gpt-4o-mini"
	DefaultLLMTimeout       = 120 * time.Second
	DefaultMetricsPath      = "/metrics"
)

// Format identifies the encoding of a configuration file.
type Format string

const (
	FormatYAML Format = "yaml"
	FormatTOML Format = "toml"
)

// requiredPolicyKeys must be present in every configuration file, even if empty.
var requiredPolicyKeys = []string{
	"authorized_users",
	"admin_users",
	"mcp_servers",
	"confirmation_required_tools",
}

// Config represents the complete chatgate configuration
type Config struct {
	Server    ServerConfig    `yaml:"server" toml:"server"`
	Tailscale TailscaleConfig `yaml:"tailscale" toml:"tailscale"`
	Database  DatabaseConfig  `yaml:"database" toml:"database"`
	Auth      AuthConfig      `yaml:"auth" toml:"auth"`
	RateLimit RateLimitConfig `yaml:"rate_limit" toml:"rate_limit"`
	Tools     ToolsConfig     `yaml:"tools" toml:"tools"`
	MCP       MCPConfig       `yaml:"mcp" toml:"mcp"`
	LLM       LLMConfig       `yaml:"llm" toml:"llm"`
	Chat      ChatConfig      `yaml:"chat" toml:"chat"`
	Logging   LoggingConfig   `yaml:"logging" toml:"logging"`
	Metrics   MetricsConfig   `yaml:"metrics" toml:"metrics"`

	// Access policy. All four keys are required.
	AuthorizedUsers           []string `yaml:"authorized_users" toml:"authorized_users"`
	AdminUsers                []string `yaml:"admin_users" toml:"admin_users"`
	MCPServers                []string `yaml:"mcp_servers" toml:"mcp_servers"`
	ConfirmationRequiredTools []string `yaml:"confirmation_required_tools" toml:"confirmation_required_tools"`
}

// ServerConfig holds server address configuration
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr" toml:"http_addr"`
	GRPCAddr string `yaml:"grpc_addr" toml:"grpc_addr"` // optional gRPC health endpoint
}

// TailscaleConfig holds Tailscale tsnet configuration
type TailscaleConfig struct {
	Enabled   bool   `yaml:"enabled" toml:"enabled"`
	Hostname  string `yaml:"hostname" toml:"hostname"`
	AuthKey   string `yaml:"auth_key" toml:"auth_key"`
	StateDir  string `yaml:"state_dir" toml:"state_dir"`
	Ephemeral bool   `yaml:"ephemeral" toml:"ephemeral"`
	HTTPS     bool   `yaml:"https" toml:"https"`
	Funnel    bool   `yaml:"funnel" toml:"funnel"` // public Funnel (implies HTTPS)
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Driver string `yaml:"driver" toml:"driver"` // "sqlite" (pure Go, default) or "sqlite3" (cgo)
	Path   string `yaml:"path" toml:"path"`
}

// AuthConfig holds authentication and token configuration
type AuthConfig struct {
	// JWTSecret signs operator tokens for the admin API. Optional.
	JWTSecret        string       `yaml:"jwt_secret" toml:"jwt_secret"`
	LockoutThreshold int          `yaml:"lockout_threshold" toml:"lockout_threshold"`
	Binder           BinderConfig `yaml:"binder" toml:"binder"`

	LockoutDuration time.Duration `yaml:"-" toml:"-"`
	IdleTimeout     time.Duration `yaml:"-" toml:"-"`

	LockoutDurationRaw string `yaml:"lockout_duration" toml:"lockout_duration"`
	IdleTimeoutRaw     string `yaml:"idle_timeout" toml:"idle_timeout"`
}

// BinderConfig selects and configures the credential binder.
type BinderConfig struct {
	Type  string            `yaml:"type" toml:"type"`   // "ldap" or "static"
	Users map[string]string `yaml:"users" toml:"users"` // static: username -> bcrypt hash
	LDAP  LDAPConfig        `yaml:"ldap" toml:"ldap"`
}

// LDAPConfig holds LDAP bind settings
type LDAPConfig struct {
	URL          string `yaml:"url" toml:"url"`
	BindTemplate string `yaml:"bind_template" toml:"bind_template"` // e.g. "uid=%s,ou=people,dc=example,dc=com"
	StartTLS     bool   `yaml:"start_tls" toml:"start_tls"`
	InsecureTLS  bool   `yaml:"insecure_tls" toml:"insecure_tls"`

	Timeout    time.Duration `yaml:"-" toml:"-"`
	TimeoutRaw string        `yaml:"timeout" toml:"timeout"`
}

// RateLimitConfig holds the sliding-window and concurrency limits
type RateLimitConfig struct {
	MaxOps        int `yaml:"max_ops" toml:"max_ops"`
	MaxConcurrent int `yaml:"max_concurrent" toml:"max_concurrent"`

	Window    time.Duration `yaml:"-" toml:"-"`
	WindowRaw string        `yaml:"window" toml:"window"`
}

// ToolsConfig holds tool invocation settings
type ToolsConfig struct {
	MaxOutput int `yaml:"max_output" toml:"max_output"`

	CallTimeout    time.Duration `yaml:"-" toml:"-"`
	CallTimeoutRaw string        `yaml:"call_timeout" toml:"call_timeout"`
}

// MCPConfig holds downstream MCP server settings
type MCPConfig struct {
	// BearerToken authenticates the gateway's own status sessions.
	// Tool calls use the requesting user's credential instead.
	BearerToken string            `yaml:"bearer_token" toml:"bearer_token"`
	Headers     map[string]string `yaml:"headers" toml:"headers"` // extra headers sent to every server

	StatusTimeout    time.Duration `yaml:"-" toml:"-"`
	StatusTimeoutRaw string        `yaml:"status_timeout" toml:"status_timeout"`
}

// LLMConfig holds language model backend settings
type LLMConfig struct {
	BaseURL      string `yaml:"base_url" toml:"base_url"`
	APIKey       string `yaml:"api_key" toml:"api_key"`
	Model        string `yaml:"model" toml:"model"`
	SystemPrompt string `yaml:"system_prompt" toml:"system_prompt"`

	Timeout    time.Duration `yaml:"-" toml:"-"`
	TimeoutRaw string        `yaml:"timeout" toml:"timeout"`
}

// ChatConfig holds chat history retention
type ChatConfig struct {
	Retention    time.Duration `yaml:"-" toml:"-"`
	RetentionRaw string        `yaml:"retention" toml:"retention"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
	// File enables a rotating log file in addition to stdout.
	File       string `yaml:"file" toml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb" toml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups" toml:"max_backups"`
}

// MetricsConfig holds metrics endpoint configuration
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" toml:"enabled"`
	Path    string `yaml:"path" toml:"path"`
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Files ending in .toml are decoded as TOML, everything else as YAML.
// Environment variables in the format ${VAR_NAME} are expanded.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: reading config file: %v", ErrConfiguration, err)
	}
	return Parse(data, formatForPath(path))
}

// Parse decodes configuration bytes in the given format, applies defaults,
// and validates the result.
func Parse(data []byte, format Format) (*Config, error) {
	expanded := expandEnvVars(string(data))

	var cfg Config
	var present func(key string) bool
	var err error
	switch format {
	case FormatTOML:
		present, err = decodeTOML(expanded, &cfg)
	default:
		present, err = decodeYAML(expanded, &cfg)
	}
	if err != nil {
		return nil, err
	}

	var missing []string
	for _, key := range requiredPolicyKeys {
		if !present(key) {
			missing = append(missing, key)
		}
	}
	if len(missing) > 0 {
		return nil, &MissingKeysError{Keys: missing}
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("%w: parsing durations: %v", ErrConfiguration, err)
	}
	applyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConfiguration, err)
	}

	return &cfg, nil
}

func formatForPath(path string) Format {
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		return FormatTOML
	}
	return FormatYAML
}

func decodeYAML(s string, cfg *Config) (func(string) bool, error) {
	if err := yaml.Unmarshal([]byte(s), cfg); err != nil {
		return nil, fmt.Errorf("%w: parsing config file: %v", ErrConfiguration, err)
	}
	var raw map[string]any
	if err := yaml.Unmarshal([]byte(s), &raw); err != nil {
		return nil, fmt.Errorf("%w: parsing config file: %v", ErrConfiguration, err)
	}
	return func(key string) bool {
		_, ok := raw[key]
		return ok
	}, nil
}

func decodeTOML(s string, cfg *Config) (func(string) bool, error) {
	md, err := toml.Decode(s, cfg)
	if err != nil {
		return nil, fmt.Errorf("%w: parsing config file: %v", ErrConfiguration, err)
	}
	return func(key string) bool {
		return md.IsDefined(key)
	}, nil
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	// Server address is required unless Tailscale is enabled
	if !c.Tailscale.Enabled && c.Server.HTTPAddr == "" {
		return errors.New("server.http_addr is required (or enable tailscale)")
	}

	if c.Tailscale.Enabled && c.Tailscale.Hostname == "" {
		return errors.New("tailscale.hostname is required when tailscale is enabled")
	}

	if c.Database.Path == "" {
		return errors.New("database.path is required")
	}
	switch c.Database.Driver {
	case "sqlite", "sqlite3":
	default:
		return fmt.Errorf("database.driver %q is not supported (use sqlite or sqlite3)", c.Database.Driver)
	}

	switch c.Auth.Binder.Type {
	case "static":
	case "ldap":
		if c.Auth.Binder.LDAP.URL == "" {
			return errors.New("auth.binder.ldap.url is required for the ldap binder")
		}
		if !strings.Contains(c.Auth.Binder.LDAP.BindTemplate, "%s") {
			return errors.New("auth.binder.ldap.bind_template must contain %s")
		}
	default:
		return fmt.Errorf("auth.binder.type %q is not supported (use ldap or static)", c.Auth.Binder.Type)
	}

	if c.Auth.JWTSecret != "" && len(c.Auth.JWTSecret) < 32 {
		return errors.New("auth.jwt_secret must be at least 32 bytes")
	}

	if c.RateLimit.MaxOps <= 0 || c.RateLimit.MaxConcurrent <= 0 || c.RateLimit.Window <= 0 {
		return errors.New("rate_limit values must be positive")
	}

	if c.Tools.MaxOutput <= 0 {
		return errors.New("tools.max_output must be positive")
	}

	return nil
}

// Policy returns the access policy snapshot carried by this configuration.
func (c *Config) Policy() Policy {
	return NewPolicy(c.AuthorizedUsers, c.AdminUsers, c.MCPServers, c.ConfirmationRequiredTools)
}

func applyDefaults(cfg *Config) {
	if cfg.Database.Driver == "" {
		cfg.Database.Driver = "sqlite"
	}
	if cfg.Auth.Binder.Type == "" {
		cfg.Auth.Binder.Type = "static"
	}
	if cfg.Auth.LockoutThreshold == 0 {
		cfg.Auth.LockoutThreshold = DefaultLockoutThreshold
	}
	if cfg.Auth.LockoutDuration == 0 {
		cfg.Auth.LockoutDuration = DefaultLockoutDuration
	}
	if cfg.Auth.IdleTimeout == 0 {
		cfg.Auth.IdleTimeout = DefaultIdleTimeout
	}
	if cfg.Auth.Binder.LDAP.Timeout == 0 {
		cfg.Auth.Binder.LDAP.Timeout = 10 * time.Second
	}
	if cfg.RateLimit.MaxOps == 0 {
		cfg.RateLimit.MaxOps = DefaultMaxOps
	}
	if cfg.RateLimit.MaxConcurrent == 0 {
		cfg.RateLimit.MaxConcurrent = DefaultMaxConcurrent
	}
	if cfg.RateLimit.Window == 0 {
		cfg.RateLimit.Window = DefaultRateWindow
	}
	if cfg.Tools.MaxOutput == 0 {
		cfg.Tools.MaxOutput = DefaultMaxToolOutput
	}
	if cfg.MCP.StatusTimeout == 0 {
		cfg.MCP.StatusTimeout = DefaultMCPStatusTimeout
	}
	if cfg.LLM.Model == "" {
		cfg.LLM.Model = DefaultLLMModel
	}
	if cfg.LLM.Timeout == 0 {
		cfg.LLM.Timeout = DefaultLLMTimeout
	}
	if cfg.Chat.Retention == 0 {
		cfg.Chat.Retention = DefaultChatRetention
	}
	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = DefaultMetricsPath
	}
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"auth.lockout_duration", cfg.Auth.LockoutDurationRaw, &cfg.Auth.LockoutDuration},
		{"auth.idle_timeout", cfg.Auth.IdleTimeoutRaw, &cfg.Auth.IdleTimeout},
		{"auth.binder.ldap.timeout", cfg.Auth.Binder.LDAP.TimeoutRaw, &cfg.Auth.Binder.LDAP.Timeout},
		{"rate_limit.window", cfg.RateLimit.WindowRaw, &cfg.RateLimit.Window},
		{"tools.call_timeout", cfg.Tools.CallTimeoutRaw, &cfg.Tools.CallTimeout},
		{"mcp.status_timeout", cfg.MCP.StatusTimeoutRaw, &cfg.MCP.StatusTimeout},
		{"llm.timeout", cfg.LLM.TimeoutRaw, &cfg.LLM.Timeout},
		{"chat.retention", cfg.Chat.RetentionRaw, &cfg.Chat.Retention},
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		*f.dst = d
	}
	return nil
}
