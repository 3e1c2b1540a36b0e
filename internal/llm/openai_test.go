// ABOUTME: Tests for the OpenAI-compatible backend against an httptest server

package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/chatgate/internal/config"
)

func TestNewOpenAIBackend_RequiresKey(t *testing.T) {
	_, err := NewOpenAIBackend(config.LLMConfig{})
	assert.Error(t, err)
}

func TestNewOpenAIBackend_Defaults(t *testing.T) {
	b, err := NewOpenAIBackend(config.LLMConfig{APIKey: "k"})
	require.NoError(t, err)
	assert.Equal(t, DefaultBaseURL, b.baseURL)
	assert.Equal(t, config.DefaultLLMModel, b.model)
	assert.Equal(t, DefaultSystemPrompt, b.systemPrompt)
	assert.Equal(t, DefaultTimeout, b.httpClient.Timeout)
}

func TestOpenAIBackend_Complete(t *testing.T) {
	var got chatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":"  hello there\n{\"recommended_tool\":\"search\"}  "}}]}`))
	}))
	defer srv.Close()

	b, err := NewOpenAIBackend(config.LLMConfig{
		BaseURL: srv.URL + "/v1/",
		APIKey:  "sk-test",
		Model:   "test-model",
		Timeout: 5 * time.Second,
	})
	require.NoError(t, err)

	out, err := b.Complete(context.Background(), "hi")
	require.NoError(t, err)
	assert.Equal(t, "hello there\n{\"recommended_tool\":\"search\"}", out.Text)
	assert.Empty(t, out.RecommendedTool, "hint extraction belongs to the runner")

	assert.Equal(t, "test-model", got.Model)
	require.Len(t, got.Messages, 2)
	assert.Equal(t, "system", got.Messages[0].Role)
	assert.Equal(t, DefaultSystemPrompt, got.Messages[0].Content)
	assert.Equal(t, chatMessage{Role: "user", Content: "hi"}, got.Messages[1])
}

func TestOpenAIBackend_ErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":{"message":"slow down"}}`))
	}))
	defer srv.Close()

	b, err := NewOpenAIBackend(config.LLMConfig{BaseURL: srv.URL, APIKey: "k"})
	require.NoError(t, err)

	_, err = b.Complete(context.Background(), "hi")
	assert.ErrorContains(t, err, "status 429: slow down")
}

func TestOpenAIBackend_NoChoices(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"choices":[]}`))
	}))
	defer srv.Close()

	b, err := NewOpenAIBackend(config.LLMConfig{BaseURL: srv.URL, APIKey: "k"})
	require.NoError(t, err)

	_, err = b.Complete(context.Background(), "hi")
	assert.ErrorContains(t, err, "no choices")
}
