// Package gateway orchestrates the chatgate server components.
//
// # Overview
//
// The Gateway owns every long-lived component: the SQLite store, the rate
// limiter, the authenticator and token service, the tool gatekeeper, the LLM
// runner and the MCP server registry. It serves them over an HTTP API built on
// chi and exposes the standard gRPC health service for probes.
//
// # HTTP API
//
//   - GET /health - Liveness check
//   - GET /health/ready - 503 "degraded" while the breaker is tripped
//   - POST /api/login - Password login, returns a bearer token
//   - POST /api/logout - Revoke the caller's token
//   - GET /api/me - Caller identity
//   - POST /api/chat - One chat turn (tags, model call, recommended tool)
//   - POST /api/tools/confirm - Answer a pending tool confirmation
//   - GET /api/servers - MCP server status and tools
//   - GET /api/sessions, GET /api/sessions/{id}/messages, DELETE /api/sessions/{id}
//   - GET /api/admin/status, POST /api/admin/degraded/reset,
//     POST /api/admin/concurrency/reset, GET /api/admin/audit,
//     GET /api/admin/invocations
//
// # Admission
//
// Chat and confirmation requests pass through admission: one concurrency
// slot per request, released when the handler returns. While degraded they
// get 503 {"error":"service degraded"}; over the concurrency cap they get 429.
// Logins are admitted while degraded. Operator routes skip admission so the
// breaker can always be reset.
//
// # Chat Turn
//
// A turn stores the user's message, runs every #tag the user wrote as an
// explicit tool call, asks the model, and then passes the model's recommended
// tool (if any) through the gatekeeper as an LLM request. Tools that need
// confirmation come back as pending_confirmation and are answered once with
// POST /api/tools/confirm.
//
// # Lifecycle
//
// Run opens TCP listeners, or Tailscale listeners when tailscale.enabled is
// set, starts the maintenance loop (MCP reconnects, tool index refresh, chat
// retention) and blocks until the context is canceled. Shutdown stops the
// servers, closes MCP sessions and the store.
package gateway
