// ABOUTME: Package tools gates and records tool invocations
// ABOUTME: Applies the confirmation policy, runs the executor, truncates output and writes the audit row

// Package tools decides whether a tool may run, runs it, and records exactly
// one audit row per attempt. The row for an executed tool is written before
// the executor is called and finished when it returns.
//
// # Confirmation
//
// A tool needs the user's confirmation when all of the following hold:
//
//   - it is listed in confirmation_required_tools
//   - the request came from an LLM recommendation
//   - the user did not name it explicitly with a #tag
//
// When confirmation is needed and not granted the executor is never called.
//
// # Errors
//
// Denials and executor failures are reported on the Outcome, never as a Go
// error. Invoke returns an error only when the audit row could not be written.
//
// # Tags
//
// ParseToolTags extracts explicit requests such as "#search" from chat text.
package tools
