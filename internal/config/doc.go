// Package config handles configuration loading for chatgate.
//
// # Overview
//
// Configuration is loaded from YAML or TOML files with environment variable
// expansion. Files ending in .toml are decoded as TOML; everything else is YAML.
//
// # Configuration File
//
// Default locations (in order):
//
//  1. Path from CHATGATE_CONFIG environment variable
//  2. $XDG_CONFIG_HOME/chatgate/gateway.yaml
//  3. ~/.config/chatgate/gateway.yaml
//
// # Access Policy
//
// Four top-level keys are required, even when empty:
//
//	authorized_users: [alice, bob]
//	admin_users: [alice]
//	mcp_servers: ["http://localhost:9000/mcp"]
//	confirmation_required_tools: [delete_file]
//
// A file missing any of them fails with *MissingKeysError naming every
// absent key. The policy lists are published through PolicyStore and
// refreshed by Watcher when the file changes.
//
// # Environment Variable Expansion
//
//	llm:
//	  api_key: "${OPENAI_API_KEY}"
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	rate_limit:
//	  max_ops: 50
//	  window: "60s"
//	  max_concurrent: 3
//	auth:
//	  lockout_duration: "15m"
//	  idle_timeout: "12h"
//
// # Binders
//
//	auth:
//	  binder:
//	    type: ldap
//	    ldap:
//	      url: "ldaps://ldap.example.com"
//	      bind_template: "uid=%s,ou=people,dc=example,dc=com"
//
// The static binder takes bcrypt hashes produced by `chatgate hash-password`:
//
//	auth:
//	  binder:
//	    type: static
//	    users:
//	      alice: "$2a$10$..."
package config
