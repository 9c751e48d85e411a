package openai

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/halbert/dispatch/services/backends"
)

type captured struct {
	mu   sync.Mutex
	body map[string]interface{}
}

func newServer(t *testing.T, c *captured) *httptest.Server {
	t.Helper()

	mux := http.NewServeMux()
	mux.HandleFunc("/v1/chat/completions", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]interface{}
		_ = json.NewDecoder(r.Body).Decode(&body)
		c.mu.Lock()
		c.body = body
		c.mu.Unlock()

		if body["model"] == "broken" {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(`{"error":{"message":"overloaded","type":"server_error"}}`))
			return
		}

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"id": "chatcmpl-1",
			"object": "chat.completion",
			"created": 1,
			"model": "gpt-4o-mini",
			"choices": [{"index": 0, "message": {"role": "assistant", "content": "pong"}, "finish_reason": "stop"}],
			"usage": {"prompt_tokens": 5, "completion_tokens": 2, "total_tokens": 7}
		}`))
	})
	mux.HandleFunc("/v1/models", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"object":"list","data":[{"id":"gpt-4o-mini","object":"model","created":1,"owned_by":"system"}]}`))
	})
	mux.HandleFunc("/v1/models/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if strings.HasSuffix(r.URL.Path, "/gpt-4o-mini") {
			_, _ = w.Write([]byte(`{"id":"gpt-4o-mini","object":"model","created":1,"owned_by":"system"}`))
			return
		}
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error":{"message":"model not found","type":"invalid_request_error"}}`))
	})

	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return server
}

func newTestBackend(t *testing.T, c *captured) *Backend {
	t.Helper()
	server := newServer(t, c)
	b, err := New(backends.Config{Endpoint: server.URL + "/v1", APIKey: "test-key"}, nil)
	require.NoError(t, err)
	return b
}

func TestNew_RequiresKeyForHostedAPI(t *testing.T) {
	_, err := New(backends.Config{}, nil)
	assert.Error(t, err)

	b, err := New(backends.Config{Endpoint: "http://localhost:11434/v1"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "openai", b.Name())
	assert.Equal(t, "http://localhost:11434/v1/", b.baseURL)
}

func TestGenerate(t *testing.T) {
	c := &captured{}
	b := newTestBackend(t, c)

	res, err := b.Generate(context.Background(), &backends.GenerateRequest{
		ModelID: "gpt-4o-mini",
		Messages: []backends.ChatMessage{
			{Role: "system", Content: "be brief"},
			{Role: "user", Content: "ping"},
			{Role: "assistant", Content: "?"},
			{Role: "tool", Content: "output"},
		},
		Options: backends.Options{MaxTokens: 32, Temperature: 0.2},
	})
	require.NoError(t, err)

	assert.Equal(t, "pong", res.Text)
	assert.Equal(t, 7, res.TokensUsed)
	assert.Equal(t, "openai", res.Provider)

	c.mu.Lock()
	defer c.mu.Unlock()
	assert.Equal(t, "gpt-4o-mini", c.body["model"])
	assert.Equal(t, float64(32), c.body["max_tokens"])
	msgs := c.body["messages"].([]interface{})
	require.Len(t, msgs, 4)
	assert.Equal(t, "system", msgs[0].(map[string]interface{})["role"])
	assert.Equal(t, "user", msgs[3].(map[string]interface{})["role"])
}

func TestGenerate_PromptOnly(t *testing.T) {
	c := &captured{}
	b := newTestBackend(t, c)

	_, err := b.Generate(context.Background(), &backends.GenerateRequest{ModelID: "gpt-4o-mini", Prompt: "ping"})
	require.NoError(t, err)

	c.mu.Lock()
	defer c.mu.Unlock()
	msgs := c.body["messages"].([]interface{})
	require.Len(t, msgs, 1)
	assert.Equal(t, "ping", msgs[0].(map[string]interface{})["content"])
}

func TestGenerate_ServerError(t *testing.T) {
	b := newTestBackend(t, &captured{})

	_, err := b.Generate(context.Background(), &backends.GenerateRequest{ModelID: "broken", Prompt: "x"})
	require.Error(t, err)

	var be *backends.Error
	require.ErrorAs(t, err, &be)
	assert.Equal(t, http.StatusServiceUnavailable, be.StatusCode)
	assert.True(t, be.Retryable)
}

func TestLoadAndUnload(t *testing.T) {
	b := newTestBackend(t, &captured{})
	ctx := context.Background()

	require.NoError(t, b.LoadModel(ctx, "gpt-4o-mini"))
	assert.True(t, b.IsLoaded("gpt-4o-mini"))

	err := b.LoadModel(ctx, "gpt-9")
	var be *backends.Error
	require.ErrorAs(t, err, &be)
	assert.Equal(t, "model_not_found", be.Code)
	assert.False(t, b.IsLoaded("gpt-9"))

	require.NoError(t, b.UnloadModel(ctx, "gpt-4o-mini"))
	assert.False(t, b.IsLoaded("gpt-4o-mini"))
}

func TestListModelsAndHealth(t *testing.T) {
	b := newTestBackend(t, &captured{})

	models, err := b.ListModels(context.Background())
	require.NoError(t, err)
	require.Len(t, models, 1)
	assert.Equal(t, "gpt-4o-mini", models[0].ModelID)
	assert.True(t, b.HealthCheck(context.Background()))
}
