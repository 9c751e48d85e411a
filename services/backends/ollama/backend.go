package ollama

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/halbert/dispatch/services/backends"
)

const (
	providerName    = "ollama"
	DefaultEndpoint = "http://localhost:11434"
	defaultTimeout  = 120 * time.Second
	pullTimeout     = 10 * time.Minute
	bytesPerMB      = 1024 * 1024
)

// Backend talks to one Ollama server over its native HTTP API.
type Backend struct {
	endpoint   string
	httpClient *http.Client
	logger     *zap.Logger

	mu     sync.RWMutex
	loaded map[string]struct{}
	peakMB float64
}

// New creates a backend for cfg.Endpoint (DefaultEndpoint when empty).
func New(cfg backends.Config, logger *zap.Logger) *Backend {
	if cfg.Endpoint == "" {
		cfg.Endpoint = DefaultEndpoint
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = defaultTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Backend{
		endpoint:   strings.TrimRight(cfg.Endpoint, "/"),
		httpClient: &http.Client{Timeout: cfg.Timeout},
		logger:     logger.With(zap.String("provider", providerName), zap.String("endpoint", cfg.Endpoint)),
		loaded:     make(map[string]struct{}),
	}
}

// Factory adapts New to backends.Factory.
func Factory(logger *zap.Logger) backends.Factory {
	return func(cfg backends.Config) (backends.Backend, error) {
		return New(cfg, logger), nil
	}
}

// Name returns the provider name
func (b *Backend) Name() string {
	return providerName
}

// Endpoint returns the server base URL.
func (b *Backend) Endpoint() string {
	return b.endpoint
}

// Generate uses /api/chat for message lists and /api/generate for bare prompts.
func (b *Backend) Generate(ctx context.Context, req *backends.GenerateRequest) (*backends.GenerateResult, error) {
	opts := req.Options.WithDefaults()
	genOpts := generateOptions{NumPredict: opts.MaxTokens, Temperature: opts.Temperature}

	if len(req.Messages) > 0 {
		body := chatRequest{Model: req.ModelID, Messages: req.Messages, Stream: false, Options: genOpts}
		var resp chatResponse
		if err := b.do(ctx, http.MethodPost, "/api/chat", body, &resp, nil); err != nil {
			return nil, err
		}
		return &backends.GenerateResult{
			Text:       resp.Message.Content,
			TokensUsed: resp.PromptEvalCount + resp.EvalCount,
			ModelID:    req.ModelID,
			Provider:   providerName,
		}, nil
	}

	body := generateRequest{Model: req.ModelID, Prompt: req.Prompt, Stream: false, Options: &genOpts}
	var resp generateResponse
	if err := b.do(ctx, http.MethodPost, "/api/generate", body, &resp, nil); err != nil {
		return nil, err
	}
	return &backends.GenerateResult{
		Text:       resp.Response,
		TokensUsed: resp.PromptEvalCount + resp.EvalCount,
		ModelID:    req.ModelID,
		Provider:   providerName,
	}, nil
}

// IsLoaded reports whether LoadModel has succeeded for modelID.
func (b *Backend) IsLoaded(modelID string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, ok := b.loaded[modelID]
	return ok
}

// LoadModel pulls modelID when the server does not have it yet. Ollama
// itself loads weights on the first generation.
func (b *Backend) LoadModel(ctx context.Context, modelID string) error {
	models, err := b.ListModels(ctx)
	if err != nil {
		return err
	}

	present := false
	for _, m := range models {
		if m.ModelID == modelID {
			present = true
			break
		}
	}

	if !present {
		b.logger.Info("pulling model", zap.String("model_id", modelID))
		client := &http.Client{Timeout: pullTimeout}
		if err := b.do(ctx, http.MethodPost, "/api/pull", pullRequest{Name: modelID, Stream: false}, nil, client); err != nil {
			return err
		}
	}

	b.mu.Lock()
	b.loaded[modelID] = struct{}{}
	b.mu.Unlock()

	b.logger.Info("model ready", zap.String("model_id", modelID))
	return nil
}

// UnloadModel asks the server to evict modelID immediately.
func (b *Backend) UnloadModel(ctx context.Context, modelID string) error {
	keepAlive := 0
	body := generateRequest{Model: modelID, KeepAlive: &keepAlive}
	if err := b.do(ctx, http.MethodPost, "/api/generate", body, nil, nil); err != nil {
		return err
	}

	b.mu.Lock()
	delete(b.loaded, modelID)
	b.mu.Unlock()

	b.logger.Info("model unloaded", zap.String("model_id", modelID))
	return nil
}

// ListModels returns the models installed on the server.
func (b *Backend) ListModels(ctx context.Context) ([]backends.ModelInfo, error) {
	var resp tagsResponse
	if err := b.do(ctx, http.MethodGet, "/api/tags", nil, &resp, nil); err != nil {
		return nil, err
	}

	models := make([]backends.ModelInfo, 0, len(resp.Models))
	for _, m := range resp.Models {
		models = append(models, backends.ModelInfo{
			ModelID:       m.Name,
			Provider:      providerName,
			Capabilities:  InferCapabilities(m.Name),
			ContextLength: InferContextLength(m.Name),
			MemoryMB:      float64(m.Size / bytesPerMB),
		})
	}
	return models, nil
}

// HealthCheck reports whether /api/tags answers 200.
func (b *Backend) HealthCheck(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.endpoint+"/api/tags", nil)
	if err != nil {
		return false
	}
	resp, err := b.httpClient.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

// MemoryUsage sums the VRAM of every running model. Peak is the largest
// total observed by this backend.
func (b *Backend) MemoryUsage(ctx context.Context) (backends.MemoryUsage, error) {
	var resp psResponse
	if err := b.do(ctx, http.MethodGet, "/api/ps", nil, &resp, nil); err != nil {
		return backends.MemoryUsage{}, err
	}

	var total int64
	for _, m := range resp.Models {
		total += m.SizeVRAM
	}
	active := float64(total) / bytesPerMB

	b.mu.Lock()
	if active > b.peakMB {
		b.peakMB = active
	}
	peak := b.peakMB
	b.mu.Unlock()

	return backends.MemoryUsage{ActiveMB: active, PeakMB: peak}, nil
}

// do sends body as JSON and decodes a 200 response into out (if non-nil).
// client overrides the default HTTP client when non-nil.
func (b *Backend) do(ctx context.Context, method, path string, body, out interface{}, client *http.Client) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return backends.NewError(providerName, "marshal_error", "failed to marshal request", 0, false, err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, b.endpoint+path, reader)
	if err != nil {
		return backends.NewError(providerName, "request_error", "failed to create request", 0, false, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	if client == nil {
		client = b.httpClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return backends.NewError(providerName, "http_error", fmt.Sprintf("%s %s failed", method, path), 0, true, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return backends.NewError(providerName, "read_error", "failed to read response", resp.StatusCode, false, err)
	}

	if resp.StatusCode != http.StatusOK {
		return handleErrorResponse(resp.StatusCode, respBody)
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return backends.NewError(providerName, "unmarshal_error", "failed to decode response", resp.StatusCode, false, err)
	}
	return nil
}

func handleErrorResponse(status int, body []byte) error {
	var errResp errorResponse
	msg := strings.TrimSpace(string(body))
	if err := json.Unmarshal(body, &errResp); err == nil && errResp.Error != "" {
		msg = errResp.Error
	}

	code := "server_error"
	switch {
	case status == http.StatusNotFound:
		code = "model_not_found"
	case status < 500:
		code = "bad_request"
	}

	return backends.NewError(providerName, code, msg, status, backends.RetryableStatus(status), nil)
}

// InferCapabilities guesses what a model is good at from its name.
func InferCapabilities(modelID string) []backends.Capability {
	lower := strings.ToLower(modelID)
	caps := []backends.Capability{backends.CapabilityChat}

	if strings.Contains(lower, "code") {
		caps = append(caps, backends.CapabilityCode)
	}
	if containsAny(lower, "deepseek", "qwen", "llama-3.1", "llama3.1") {
		caps = append(caps, backends.CapabilityReasoning)
	}
	if containsAny(lower, "7b", "8b", "14b") {
		caps = append(caps, backends.CapabilityFast)
	}
	if containsAny(lower, "llama", "mistral") {
		caps = append(caps, backends.CapabilityTechnical)
	}
	return caps
}

// InferContextLength returns the known context window for a model family,
// or a conservative 4096.
func InferContextLength(modelID string) int {
	lower := strings.ToLower(modelID)
	switch {
	case containsAny(lower, "llama-3.1", "llama3.1"):
		return 128000
	case containsAny(lower, "llama-3", "llama3"):
		return 8192
	case strings.Contains(lower, "qwen2.5"):
		return 32768
	case strings.Contains(lower, "deepseek"):
		return 16384
	}
	return 4096
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
