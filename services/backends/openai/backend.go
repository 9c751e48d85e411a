package openai

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"go.uber.org/zap"

	"github.com/halbert/dispatch/services/backends"
)

const (
	providerName   = "openai"
	defaultBaseURL = "https://api.openai.com/v1"
	defaultTimeout = 60 * time.Second
)

// Backend serves chat completions from OpenAI or any compatible server
// (vLLM, llama.cpp server, Ollama's /v1).
type Backend struct {
	client  openai.Client
	baseURL string
	logger  *zap.Logger

	mu     sync.RWMutex
	loaded map[string]struct{}
}

// New creates a backend. cfg.Endpoint defaults to the OpenAI API.
func New(cfg backends.Config, logger *zap.Logger) (*Backend, error) {
	if cfg.Endpoint == "" {
		cfg.Endpoint = defaultBaseURL
	}
	if cfg.APIKey == "" && cfg.Endpoint == defaultBaseURL {
		return nil, fmt.Errorf("openai API key is required")
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = defaultTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	baseURL := strings.TrimRight(cfg.Endpoint, "/") + "/"
	opts := []option.RequestOption{
		option.WithBaseURL(baseURL),
		option.WithRequestTimeout(cfg.Timeout),
		// the caller owns retries
		option.WithMaxRetries(0),
	}
	if cfg.APIKey != "" {
		opts = append(opts, option.WithAPIKey(cfg.APIKey))
	} else {
		// local compatible servers ignore the key but the header must be set
		opts = append(opts, option.WithAPIKey("unused"))
	}

	return &Backend{
		client:  openai.NewClient(opts...),
		baseURL: baseURL,
		logger:  logger.With(zap.String("provider", providerName), zap.String("endpoint", baseURL)),
		loaded:  make(map[string]struct{}),
	}, nil
}

// Factory adapts New to backends.Factory.
func Factory(logger *zap.Logger) backends.Factory {
	return func(cfg backends.Config) (backends.Backend, error) {
		return New(cfg, logger)
	}
}

// Name returns the provider name
func (b *Backend) Name() string {
	return providerName
}

// Generate sends the request as a chat completion.
func (b *Backend) Generate(ctx context.Context, req *backends.GenerateRequest) (*backends.GenerateResult, error) {
	opts := req.Options.WithDefaults()

	params := openai.ChatCompletionNewParams{
		Model:       openai.ChatModel(req.ModelID),
		Messages:    toMessages(req.ChatMessages()),
		MaxTokens:   openai.Int(int64(opts.MaxTokens)),
		Temperature: openai.Float(opts.Temperature),
	}

	resp, err := b.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, toBackendError("chat completion failed", err)
	}
	if len(resp.Choices) == 0 {
		return nil, backends.NewError(providerName, "empty_response", "no choices returned", 0, false, nil)
	}

	return &backends.GenerateResult{
		Text:       resp.Choices[0].Message.Content,
		TokensUsed: int(resp.Usage.TotalTokens),
		ModelID:    req.ModelID,
		Provider:   providerName,
	}, nil
}

// IsLoaded reports whether LoadModel has verified modelID.
func (b *Backend) IsLoaded(modelID string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, ok := b.loaded[modelID]
	return ok
}

// LoadModel verifies that the server knows modelID. Hosted models need no
// explicit loading.
func (b *Backend) LoadModel(ctx context.Context, modelID string) error {
	if _, err := b.client.Models.Get(ctx, modelID); err != nil {
		return toBackendError("model lookup failed", err)
	}

	b.mu.Lock()
	b.loaded[modelID] = struct{}{}
	b.mu.Unlock()
	return nil
}

// UnloadModel forgets modelID.
func (b *Backend) UnloadModel(_ context.Context, modelID string) error {
	b.mu.Lock()
	delete(b.loaded, modelID)
	b.mu.Unlock()
	return nil
}

// ListModels returns the first page of models the server reports.
func (b *Backend) ListModels(ctx context.Context) ([]backends.ModelInfo, error) {
	page, err := b.client.Models.List(ctx)
	if err != nil {
		return nil, toBackendError("list models failed", err)
	}

	models := make([]backends.ModelInfo, 0, len(page.Data))
	for _, m := range page.Data {
		models = append(models, backends.ModelInfo{
			ModelID:      m.ID,
			Provider:     providerName,
			Capabilities: []backends.Capability{backends.CapabilityChat},
		})
	}
	return models, nil
}

// HealthCheck reports whether the model listing endpoint answers.
func (b *Backend) HealthCheck(ctx context.Context) bool {
	_, err := b.client.Models.List(ctx)
	return err == nil
}

func toMessages(msgs []backends.ChatMessage) []openai.ChatCompletionMessageParamUnion {
	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(msgs))
	for _, m := range msgs {
		switch m.Role {
		case "system":
			out = append(out, openai.SystemMessage(m.Content))
		case "assistant":
			out = append(out, openai.AssistantMessage(m.Content))
		default:
			out = append(out, openai.UserMessage(m.Content))
		}
	}
	return out
}

func toBackendError(msg string, err error) error {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		code := "api_error"
		if apiErr.StatusCode == 404 {
			code = "model_not_found"
		}
		return backends.NewError(providerName, code, msg, apiErr.StatusCode, backends.RetryableStatus(apiErr.StatusCode), err)
	}
	retryable := !errors.Is(err, context.Canceled)
	return backends.NewError(providerName, "http_error", msg, 0, retryable, err)
}
