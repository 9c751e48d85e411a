package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/halbert/dispatch/internal/rag"
	"github.com/halbert/dispatch/services/backends"
	"github.com/halbert/dispatch/services/backends/backendstest"
	"github.com/halbert/dispatch/services/handoff"
	"github.com/halbert/dispatch/services/monitor"
	"github.com/halbert/dispatch/services/policy"
	"github.com/halbert/dispatch/services/routing"
	"github.com/halbert/dispatch/utils"
)

const specialistModel = "gpt-4o"

type routerFixture struct {
	handler *RouterHandler
	router  *routing.ModelRouter
	monitor *monitor.Monitor
	ollama  *backendstest.Fake
	openai  *backendstest.Fake
}

func newRouterFixture(t *testing.T, opts ...RouterHandlerOption) *routerFixture {
	t.Helper()
	logger := zap.NewNop()

	f := &routerFixture{
		monitor: monitor.New(logger),
		ollama:  backendstest.New("ollama", policy.DefaultOrchestratorModel),
		openai:  backendstest.New("openai", specialistModel),
	}

	registry := backends.NewRegistry(logger)
	require.NoError(t, registry.RegisterFactory("ollama", f.ollama.Factory(), backends.Config{}))
	require.NoError(t, registry.RegisterFactory("openai", f.openai.Factory(), backends.Config{}))

	doc := policy.Default()
	doc.Specialist = policy.Specialist{Enabled: true, Model: specialistModel, Provider: "openai"}

	engine := handoff.NewEngine(handoff.StrategySummarized, logger)
	f.router = routing.NewModelRouter(routing.PolicyFromDocument(doc), registry, engine, f.monitor, logger)
	f.handler = NewRouterHandler(f.router, engine, logger, opts...)
	return f
}

func postJSON(t *testing.T, handler http.HandlerFunc, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	switch b := body.(type) {
	case string:
		buf.WriteString(b)
	default:
		require.NoError(t, json.NewEncoder(&buf).Encode(b))
	}
	req := httptest.NewRequest(http.MethodPost, "/", &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	handler(w, req)
	return w
}

// decodeInto unwraps the {"data": ...} envelope into dst.
func decodeInto(t *testing.T, w *httptest.ResponseRecorder, dst interface{}) {
	t.Helper()
	envelope := struct {
		Data json.RawMessage `json:"data"`
	}{}
	require.NoError(t, json.NewDecoder(w.Body).Decode(&envelope))
	require.NoError(t, json.Unmarshal(envelope.Data, dst))
}

func TestHandleRoute(t *testing.T) {
	f := newRouterFixture(t)

	tests := []struct {
		name      string
		body      RouteRequest
		wantModel string
	}{
		{"simple query stays on orchestrator", RouteRequest{Prompt: "what is my uptime"}, policy.DefaultOrchestratorModel},
		{"preferred task type goes to specialist", RouteRequest{Prompt: "hello", TaskType: "code_generation"}, specialistModel},
		{"complex prompt goes to specialist", RouteRequest{Prompt: "Debug the memory leak step by step"}, specialistModel},
		{"explicit preference", RouteRequest{Prompt: "hi", PreferSpecialist: true}, specialistModel},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := postJSON(t, f.handler.HandleRoute, tt.body)
			require.Equal(t, http.StatusOK, w.Code)

			var resp RouteResponse
			decodeInto(t, w, &resp)
			assert.Equal(t, tt.wantModel, resp.Backend.ModelID)
			assert.Equal(t, routing.Complexity(tt.body.Prompt), resp.Complexity)
		})
	}

	// Routing performs no I/O and records nothing.
	assert.Empty(t, f.ollama.Requests())
	assert.Empty(t, f.monitor.GetStatus().Models)
}

func TestHandleRoute_InvalidRequests(t *testing.T) {
	f := newRouterFixture(t)

	tests := []struct {
		name      string
		body      interface{}
		wantField string
	}{
		{"missing prompt", RouteRequest{}, "prompt"},
		{"unknown task type", RouteRequest{Prompt: "x", TaskType: "poetry"}, "task_type"},
		{"empty body", "", ""},
		{"malformed JSON", "{", ""},
		{"unknown field", `{"prompt":"x","model":"y"}`, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := postJSON(t, f.handler.HandleRoute, tt.body)
			assert.Equal(t, http.StatusBadRequest, w.Code)

			var resp utils.ErrorResponse
			require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
			assert.Equal(t, "bad_request", resp.Error)
			if tt.wantField != "" {
				assert.Contains(t, resp.Details, tt.wantField)
			}
		})
	}
}

func TestHandleGenerate(t *testing.T) {
	f := newRouterFixture(t)

	w := postJSON(t, f.handler.HandleGenerate, GenerateRequest{
		Prompt:  "what is my uptime",
		Options: backends.Options{MaxTokens: 256},
	})
	require.Equal(t, http.StatusOK, w.Code)

	var resp routing.Response
	decodeInto(t, w, &resp)
	assert.Equal(t, "["+policy.DefaultOrchestratorModel+"] what is my uptime", resp.Text)
	assert.Equal(t, policy.DefaultOrchestratorModel, resp.Backend.ModelID)

	requests := f.ollama.Requests()
	require.Len(t, requests, 1)
	assert.Equal(t, 256, requests[0].Options.MaxTokens)
	assert.Equal(t, 0.7, requests[0].Options.Temperature)

	summary, ok := f.monitor.GetModelMetrics(policy.DefaultOrchestratorModel)
	require.True(t, ok)
	assert.Equal(t, int64(1), summary.TotalRequests)
}

func TestHandleGenerate_BackendFailure(t *testing.T) {
	f := newRouterFixture(t)
	f.ollama.Err = errors.New("connection refused")

	w := postJSON(t, f.handler.HandleGenerate, GenerateRequest{Prompt: "what is my uptime"})
	assert.Equal(t, http.StatusBadGateway, w.Code)

	var resp utils.ErrorResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.Equal(t, "backend_error", resp.Error)
	assert.Equal(t, policy.DefaultOrchestratorModel, resp.Details["model_id"])

	summary, ok := f.monitor.GetModelMetrics(policy.DefaultOrchestratorModel)
	require.True(t, ok)
	assert.Equal(t, 1.0, summary.ErrorRate)
}

func TestHandleConversationGenerate(t *testing.T) {
	t.Run("new conversation", func(t *testing.T) {
		f := newRouterFixture(t)

		w := postJSON(t, f.handler.HandleConversationGenerate, ConversationRequest{Prompt: "what is my uptime"})
		require.Equal(t, http.StatusOK, w.Code)

		var resp ConversationResponse
		decodeInto(t, w, &resp)
		require.NotNil(t, resp.Context)
		assert.Equal(t, routing.DefaultSystemPrompt, resp.Context.SystemPrompt)
		require.Len(t, resp.Context.Messages, 2)
		assert.Equal(t, handoff.RoleUser, resp.Context.Messages[0].Role)
		assert.Equal(t, handoff.RoleAssistant, resp.Context.Messages[1].Role)
		require.NotNil(t, resp.Response.Handoff)
		assert.Equal(t, handoff.StrategySummarized, resp.Response.Handoff.Strategy)
	})

	t.Run("existing conversation is continued", func(t *testing.T) {
		f := newRouterFixture(t)
		conv := &handoff.ConversationContext{
			SystemPrompt: "sys",
			Messages: []handoff.Message{
				handoff.NewMessage(handoff.RoleUser, "first"),
				handoff.NewMessage(handoff.RoleAssistant, "reply"),
			},
		}

		w := postJSON(t, f.handler.HandleConversationGenerate, ConversationRequest{Prompt: "what is next", Context: conv})
		require.Equal(t, http.StatusOK, w.Code)

		var resp ConversationResponse
		decodeInto(t, w, &resp)
		assert.Len(t, resp.Context.Messages, 4)
		assert.Equal(t, "sys", resp.Context.SystemPrompt)
	})

	t.Run("retrieved passages are folded into references", func(t *testing.T) {
		retriever := rag.RetrieverFunc(func(_ context.Context, query string) ([]rag.Result, error) {
			return []rag.Result{
				{Content: "low", Score: 0.1},
				{Content: "high", Score: 0.9},
				{Content: "mid", Score: 0.5},
			}, nil
		})
		f := newRouterFixture(t, WithRetriever(retriever, 2))

		w := postJSON(t, f.handler.HandleConversationGenerate, ConversationRequest{Prompt: "what is logrotate"})
		require.Equal(t, http.StatusOK, w.Code)

		requests := f.ollama.Requests()
		require.Len(t, requests, 1)
		var references string
		for _, m := range requests[0].Messages {
			if strings.HasPrefix(m.Content, "Relevant information:") {
				references = m.Content
			}
		}
		assert.Equal(t, "Relevant information:\nhigh\n\nmid", references)
	})

	t.Run("retrieval failure is not fatal", func(t *testing.T) {
		retriever := rag.RetrieverFunc(func(context.Context, string) ([]rag.Result, error) {
			return nil, errors.New("index offline")
		})
		f := newRouterFixture(t, WithRetriever(retriever, 3))

		w := postJSON(t, f.handler.HandleConversationGenerate, ConversationRequest{Prompt: "what is logrotate"})
		assert.Equal(t, http.StatusOK, w.Code)
	})

	t.Run("invalid message role", func(t *testing.T) {
		f := newRouterFixture(t)
		body := `{"prompt":"x","context":{"messages":[{"role":"robot","content":"beep"}]}}`

		w := postJSON(t, f.handler.HandleConversationGenerate, body)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}

func TestHandlePrepareHandoff(t *testing.T) {
	f := newRouterFixture(t)

	conv := handoff.ConversationContext{SystemPrompt: "sys"}
	for i := 0; i < 8; i++ {
		role := handoff.RoleUser
		if i%2 == 1 {
			role = handoff.RoleAssistant
		}
		conv.Messages = append(conv.Messages, handoff.NewMessage(role, "message"))
	}

	w := postJSON(t, f.handler.HandlePrepareHandoff, PrepareHandoffRequest{
		Context:   conv,
		MaxTokens: 4096,
		Strategy:  "summarized",
	})
	require.Equal(t, http.StatusOK, w.Code)

	var resp PrepareHandoffResponse
	decodeInto(t, w, &resp)
	require.NotNil(t, resp.Prepared)
	assert.Len(t, resp.Prepared.Messages, 6)
	assert.True(t, resp.Prepared.WasCompressed)
	assert.Equal(t, handoff.RoleSystem, resp.Formatted[0].Role)
	assert.GreaterOrEqual(t, resp.QualityLoss, 0.0)

	w = postJSON(t, f.handler.HandlePrepareHandoff, PrepareHandoffRequest{Context: conv, MaxTokens: 0})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandleSpecialist(t *testing.T) {
	f := newRouterFixture(t)

	req := httptest.NewRequest(http.MethodDelete, "/", nil)
	w := httptest.NewRecorder()
	f.handler.HandleDisableSpecialist(w, req)
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.False(t, f.router.Policy().SpecialistEnabled)

	w = postJSON(t, f.handler.HandleSetSpecialist, routing.BackendRef{ModelID: "qwen2.5-coder:14b", Provider: "ollama"})
	require.Equal(t, http.StatusOK, w.Code)

	var status routing.BackendStatus
	decodeInto(t, w, &status)
	assert.Equal(t, "qwen2.5-coder:14b", status.ModelID)
	assert.True(t, status.Enabled)

	w = postJSON(t, f.handler.HandleSetSpecialist, routing.BackendRef{ModelID: "x", Provider: "bedrock"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = postJSON(t, f.handler.HandleSetSpecialist, routing.BackendRef{ModelID: "x"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandleRouterStatusAndModels(t *testing.T) {
	f := newRouterFixture(t)

	// Instantiate both backends.
	postJSON(t, f.handler.HandleGenerate, GenerateRequest{Prompt: "what is my uptime"})
	postJSON(t, f.handler.HandleGenerate, GenerateRequest{Prompt: "hi", PreferSpecialist: true})
	f.openai.Unhealthy = true

	w := httptest.NewRecorder()
	f.handler.HandleStatus(w, httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var status routing.Status
	decodeInto(t, w, &status)
	assert.True(t, status.Orchestrator.Healthy)
	assert.True(t, status.Orchestrator.Loaded)
	assert.False(t, status.Specialist.Healthy)

	w = httptest.NewRecorder()
	f.handler.HandleListModels(w, httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var models []backends.ModelInfo
	decodeInto(t, w, &models)
	assert.Len(t, models, 2)
}
