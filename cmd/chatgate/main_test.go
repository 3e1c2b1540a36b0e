// ABOUTME: Tests for chatgate command helpers
// ABOUTME: Covers flag parsing, config paths, password hashing and log setup

package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/2389/chatgate/internal/config"
)

func TestParseFlags(t *testing.T) {
	tests := []struct {
		name    string
		args    []string
		want    map[string]string
		wantErr string
	}{
		{"separate value", []string{"--name", "ops"}, map[string]string{"name": "ops"}, ""},
		{"equals value", []string{"--name=ops", "--ttl=1h"}, map[string]string{"name": "ops", "ttl": "1h"}, ""},
		{"empty", nil, map[string]string{}, ""},
		{"missing value", []string{"--name"}, nil, "requires a value"},
		{"unknown flag", []string{"--nope", "x"}, nil, "unknown flag"},
		{"positional", []string{"ops"}, nil, "unexpected argument"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseFlags(tt.args, "name", "ttl")
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestGetConfigPath(t *testing.T) {
	t.Setenv("CHATGATE_CONFIG", "/etc/chatgate.yaml")
	assert.Equal(t, "/etc/chatgate.yaml", getConfigPath())

	t.Setenv("CHATGATE_CONFIG", "")
	t.Setenv("XDG_CONFIG_HOME", "/tmp/xdg")
	assert.Equal(t, "/tmp/xdg/chatgate/gateway.yaml", getConfigPath())
	assert.Equal(t, "/tmp/xdg/chatgate/token", getTokenPath())
}

func TestRunHashPassword(t *testing.T) {
	var out bytes.Buffer
	require.NoError(t, runHashPassword(strings.NewReader("s3cret\n"), &out))

	hash := strings.TrimSpace(out.String())
	assert.NoError(t, bcrypt.CompareHashAndPassword([]byte(hash), []byte("s3cret")))

	err := runHashPassword(strings.NewReader("\n"), &out)
	assert.Error(t, err)
}

func TestRunToken(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "gateway.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte(`
server:
  http_addr: "127.0.0.1:8080"
database:
  path: "`+filepath.Join(dir, "chat.db")+`"
auth:
  jwt_secret: "cmd-test-secret-that-is-32-bytes!"
authorized_users: [alice]
admin_users: []
mcp_servers: []
confirmation_required_tools: []
`), 0600))
	t.Setenv("CHATGATE_CONFIG", cfgPath)
	t.Setenv("CHATGATE_TOKEN", "")

	require.NoError(t, runToken([]string{"--name", "ops", "--ttl", "1h"}))

	data, err := os.ReadFile(filepath.Join(dir, "token"))
	require.NoError(t, err)
	assert.Equal(t, 3, len(strings.Split(string(data), ".")), "JWT has three segments")

	token, err := operatorToken()
	require.NoError(t, err)
	assert.Equal(t, string(data), token)

	t.Setenv("CHATGATE_TOKEN", "from-env")
	token, err = operatorToken()
	require.NoError(t, err)
	assert.Equal(t, "from-env", token)

	assert.Error(t, runToken(nil))
	assert.Error(t, runToken([]string{"--name", "ops", "--ttl", "soon"}))
}

func TestSetupLogger(t *testing.T) {
	var out bytes.Buffer
	logger, closeLog := setupLogger(config.LoggingConfig{Level: "warn", Format: "json"}, &out)
	defer closeLog()

	logger.Info("hidden")
	logger.Warn("shown", "k", "v")
	assert.NotContains(t, out.String(), "hidden")
	assert.Contains(t, out.String(), `"msg":"shown"`)
}

func TestSetupLogger_TextWithFile(t *testing.T) {
	var out bytes.Buffer
	logFile := filepath.Join(t.TempDir(), "chatgate.log")
	logger, closeLog := setupLogger(config.LoggingConfig{Level: "debug", File: logFile}, &out)

	logger.With("component", "test").Debug("hello", "n", 1)
	closeLog()

	assert.Contains(t, out.String(), "hello")
	assert.Contains(t, out.String(), "component=")

	data, err := os.ReadFile(logFile)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"msg":"hello"`)
	assert.Contains(t, string(data), `"component":"test"`)
}
