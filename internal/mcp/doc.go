// Package mcp tracks the downstream Model Context Protocol servers that
// provide tools to chat users.
//
// # Overview
//
// The Registry holds the server URLs from the mcp_servers policy key. Entries
// that are not http:// or https:// URLs are ignored. Servers are reached over
// the streamable HTTP transport with an Authorization header:
//
//	Authorization: Bearer <token>
//
// # Status
//
// Connect opens one long-lived session per server using the gateway's own
// token. Status lists the tools of every connected server concurrently; each
// listing is bounded by the status timeout, after which the server is shown
// as not_connected with no tools:
//
//	{
//	  "https://files.example.com/mcp": {"status": "connected", "tools": ["read_file"]},
//	  "https://search.example.com/mcp": {"status": "not_connected", "tools": []}
//	}
//
// # Tool Execution
//
// Execute opens a short-lived session with the caller's credential, calls the
// tool and concatenates the text content of the result. The Registry
// implements tools.Executor.
//
// # Usage
//
//	registry := mcp.NewRegistry(mcp.RegistryConfig{
//		Servers: cfg.MCPServers,
//		Dialer:  mcp.NewSDKDialer(cfg.MCP.Headers, nil),
//		Timeout: cfg.MCP.StatusTimeout,
//		Logger:  logger,
//	})
//	registry.Connect(ctx, cfg.MCP.BearerToken)
//	statuses := registry.Status(ctx)
package mcp
