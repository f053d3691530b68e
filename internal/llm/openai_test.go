package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/loqalabs/loqa-rooms/internal/config"
	"github.com/openai/openai-go/option"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newOpenAIServer(t *testing.T, status int, body string, seen *map[string]any) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		if seen != nil {
			require.NoError(t, json.NewDecoder(r.Body).Decode(seen))
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv
}

const completionBody = `{
  "id": "chatcmpl-1",
  "object": "chat.completion",
  "created": 1700000000,
  "model": "gpt-3.5-turbo",
  "choices": [{"index": 0, "finish_reason": "stop", "message": {"role": "assistant", "content": "Hello from the model"}}],
  "usage": {"prompt_tokens": 4, "completion_tokens": 5, "total_tokens": 9}
}`

func TestOpenAIGeneratorSendsSingleUserMessage(t *testing.T) {
	var seen map[string]any
	srv := newOpenAIServer(t, http.StatusOK, completionBody, &seen)

	gen, err := NewOpenAIGenerator("sk-test", srv.URL+"/", "", option.WithMaxRetries(0))
	require.NoError(t, err)

	var chunks []Chunk
	err = gen.Generate(context.Background(), Request{Prompt: "say hi", SessionID: "s1"}, func(c Chunk) error {
		chunks = append(chunks, c)
		return nil
	})
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	assert.Equal(t, "Hello from the model", chunks[0].Content)
	assert.False(t, chunks[0].Partial)
	assert.Equal(t, 4, chunks[0].PromptTokens)
	assert.Equal(t, 5, chunks[0].CompletionTokens)
	assert.Equal(t, "s1", chunks[0].SessionID)

	assert.Equal(t, "gpt-3.5-turbo", seen["model"])
	messages, ok := seen["messages"].([]any)
	require.True(t, ok)
	require.Len(t, messages, 1)
	msg := messages[0].(map[string]any)
	assert.Equal(t, "user", msg["role"])
	assert.Equal(t, "say hi", msg["content"])
}

func TestOpenAIGeneratorSystemPrompt(t *testing.T) {
	var seen map[string]any
	srv := newOpenAIServer(t, http.StatusOK, completionBody, &seen)

	gen, err := NewOpenAIGenerator("sk-test", srv.URL+"/", "gpt-4o-mini", option.WithMaxRetries(0))
	require.NoError(t, err)

	text, err := Complete(context.Background(), gen, Request{Prompt: "hi", System: "be brief", MaxTokens: 32})
	require.NoError(t, err)
	assert.Equal(t, "Hello from the model", text)

	assert.Equal(t, "gpt-4o-mini", seen["model"])
	assert.EqualValues(t, 32, seen["max_tokens"])
	messages := seen["messages"].([]any)
	require.Len(t, messages, 2)
	assert.Equal(t, "system", messages[0].(map[string]any)["role"])
}

func TestOpenAIGeneratorErrors(t *testing.T) {
	_, err := NewOpenAIGenerator("", "", "")
	assert.ErrorIs(t, err, ErrMissingAPIKey)

	srv := newOpenAIServer(t, http.StatusInternalServerError, `{"error":{"message":"boom","type":"server_error"}}`, nil)
	gen, err := NewOpenAIGenerator("sk-test", srv.URL+"/", "", option.WithMaxRetries(0))
	require.NoError(t, err)
	_, err = Complete(context.Background(), gen, Request{Prompt: "hi"})
	assert.Error(t, err)

	empty := newOpenAIServer(t, http.StatusOK, `{"id":"x","object":"chat.completion","created":1,"model":"m","choices":[]}`, nil)
	gen, err = NewOpenAIGenerator("sk-test", empty.URL+"/", "", option.WithMaxRetries(0))
	require.NoError(t, err)
	_, err = Complete(context.Background(), gen, Request{Prompt: "hi"})
	assert.ErrorIs(t, err, ErrEmptyCompletion)
}

func TestDefaultRequestLeavesSamplingToBackend(t *testing.T) {
	body := `{"id":"c","object":"chat.completion","created":1,"model":"gpt-3.5-turbo",
  "choices":[{"index":0,"finish_reason":"stop","message":{"role":"assistant","content":"  Hello,\n\nworld.\n"}}]}`
	var seen map[string]any
	srv := newOpenAIServer(t, http.StatusOK, body, &seen)

	cfg := config.Default().LLM
	gen, err := NewOpenAIGenerator("sk-test", srv.URL+"/", cfg.Model, option.WithMaxRetries(0))
	require.NoError(t, err)

	text, err := Complete(context.Background(), gen, RequestFromConfig(cfg, "hi"))
	require.NoError(t, err)
	assert.Equal(t, "  Hello,\n\nworld.\n", text)

	assert.Equal(t, "gpt-3.5-turbo", seen["model"])
	assert.NotContains(t, seen, "max_tokens")
	assert.NotContains(t, seen, "max_completion_tokens")
	assert.NotContains(t, seen, "temperature")
	messages, ok := seen["messages"].([]any)
	require.True(t, ok)
	assert.Len(t, messages, 1)
}
