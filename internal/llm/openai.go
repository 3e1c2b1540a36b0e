// ABOUTME: OpenAI-compatible chat completions backend
// ABOUTME: Sends the system prompt plus one user message; no history, no tool schemas

package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/2389/chatgate/internal/config"
)

const (
	DefaultBaseURL = "https://api.openai.com/v1"
	DefaultTimeout = 120 * time.Second

	// DefaultSystemPrompt asks the model to flag tool recommendations in a
	// form ExtractRecommendedTool understands.
	DefaultSystemPrompt = "You are a helpful assistant. If you recommend using a tool, " +
		"respond with a short answer and include a JSON line like: {\"recommended_tool\": \"tool_name\"}."
)

// maxResponseBytes bounds how much of a backend response is read.
const maxResponseBytes = 4 << 20

// OpenAIBackend calls an OpenAI-compatible /chat/completions endpoint.
type OpenAIBackend struct {
	apiKey       string
	model        string
	baseURL      string
	systemPrompt string
	httpClient   *http.Client
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
}

// NewOpenAIBackend creates a backend from configuration.
func NewOpenAIBackend(cfg config.LLMConfig) (*OpenAIBackend, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("llm api key is required")
	}

	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	model := cfg.Model
	if model == "" {
		model = config.DefaultLLMModel
	}
	prompt := cfg.SystemPrompt
	if prompt == "" {
		prompt = DefaultSystemPrompt
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	return &OpenAIBackend{
		apiKey:       cfg.APIKey,
		model:        model,
		baseURL:      baseURL,
		systemPrompt: prompt,
		httpClient:   &http.Client{Timeout: timeout},
	}, nil
}

// Complete sends prompt as a single user message.
func (b *OpenAIBackend) Complete(ctx context.Context, prompt string) (*Completion, error) {
	body, err := json.Marshal(chatRequest{
		Model: b.model,
		Messages: []chatMessage{
			{Role: "system", Content: b.systemPrompt},
			{Role: "user", Content: prompt},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("encoding request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+b.apiKey)

	resp, err := b.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("sending request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		msg := gjson.GetBytes(data, "error.message").String()
		if msg == "" {
			msg = strings.TrimSpace(string(data))
		}
		return nil, fmt.Errorf("status %d: %s", resp.StatusCode, msg)
	}

	content := gjson.GetBytes(data, "choices.0.message.content")
	if !content.Exists() {
		return nil, fmt.Errorf("response has no choices")
	}
	return &Completion{Text: strings.TrimSpace(content.String())}, nil
}
