// ABOUTME: Rate-limited LLM call wrapper with best-effort tool hint extraction
// ABOUTME: Backends are injected; OpenAIBackend is the production implementation

package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/2389/chatgate/internal/metrics"
)

// ErrRateLimited is returned when the limiter refuses the operation.
// The backend is not called.
var ErrRateLimited = errors.New("rate limited")

// ErrEmptyCompletion is returned when the backend reports success without a reply.
var ErrEmptyCompletion = errors.New("backend returned no completion")

// Completion is a backend reply.
type Completion struct {
	Text            string
	RecommendedTool string // empty when the model made no recommendation
}

// Backend talks to a language model.
type Backend interface {
	Complete(ctx context.Context, prompt string) (*Completion, error)
}

// BackendFunc adapts a function to the Backend interface.
type BackendFunc func(ctx context.Context, prompt string) (*Completion, error)

// Complete calls f.
func (f BackendFunc) Complete(ctx context.Context, prompt string) (*Completion, error) {
	return f(ctx, prompt)
}

// OperationRecorder counts operations against a user's rate window.
type OperationRecorder interface {
	RecordOperation(username string) bool
}

// Runner counts each call against the caller's rate window and forwards it.
type Runner struct {
	limiter OperationRecorder
	backend Backend
	logger  *slog.Logger
}

// NewRunner creates a Runner.
func NewRunner(limiter OperationRecorder, backend Backend, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		limiter: limiter,
		backend: backend,
		logger:  logger.With("component", "llm"),
	}
}

// Run sends text to the backend on behalf of username.
func (r *Runner) Run(ctx context.Context, username, text string) (*Completion, error) {
	if !r.limiter.RecordOperation(username) {
		metrics.LLMRequestsTotal.WithLabelValues("rate_limited").Inc()
		r.logger.Warn("llm call refused", "username", username)
		return nil, ErrRateLimited
	}

	start := time.Now()
	out, err := r.backend.Complete(ctx, text)
	metrics.LLMRequestDuration.Observe(time.Since(start).Seconds())
	if err == nil && out == nil {
		err = ErrEmptyCompletion
	}
	if err != nil {
		metrics.LLMRequestsTotal.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("llm backend: %w", err)
	}
	metrics.LLMRequestsTotal.WithLabelValues("ok").Inc()

	result := &Completion{Text: out.Text, RecommendedTool: strings.TrimSpace(out.RecommendedTool)}
	if result.RecommendedTool == "" {
		result.RecommendedTool = ExtractRecommendedTool(out.Text)
	}
	return result, nil
}

// flatObject matches a JSON object with no nested braces.
var flatObject = regexp.MustCompile(`\{[^{}]*\}`)

// ExtractRecommendedTool returns the recommended_tool value of the first flat
// JSON object in text that carries a non-empty string for it, or "".
func ExtractRecommendedTool(text string) string {
	for _, candidate := range flatObject.FindAllString(text, -1) {
		if !gjson.Valid(candidate) {
			continue
		}
		v := gjson.Get(candidate, "recommended_tool")
		if v.Type == gjson.String && v.Str != "" {
			return v.Str
		}
	}
	return ""
}
