// ABOUTME: Package llm wraps a language model backend for one-shot chat turns
// ABOUTME: Each call counts as one rate-limited operation and may carry a tool recommendation

// Package llm sends a single user message to a language model and returns
// its reply. Calls are stateless: no conversation history is forwarded.
//
// The Runner records exactly one rate-limiter operation per call before the
// backend is contacted, and refuses with ErrRateLimited when the limiter
// does. Replies may recommend a tool, either through the backend's own
// result or through a small JSON object such as
//
//	{"recommended_tool": "search"}
//
// embedded in the text. Extracting the hint never fails the call.
package llm
