package anthropic

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"go.uber.org/zap"

	"github.com/halbert/dispatch/services/backends"
)

const (
	providerName   = "anthropic"
	defaultTimeout = 60 * time.Second
)

// Backend serves generations through the Anthropic messages API. Models
// are hosted, so load and unload only track which models are in use.
type Backend struct {
	client anthropic.Client
	logger *zap.Logger

	mu     sync.RWMutex
	loaded map[string]struct{}
}

// New creates a backend. cfg.Endpoint overrides the API base URL.
func New(cfg backends.Config, logger *zap.Logger) (*Backend, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("anthropic API key is required")
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = defaultTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithRequestTimeout(cfg.Timeout),
		option.WithMaxRetries(0),
	}
	if cfg.Endpoint != "" {
		opts = append(opts, option.WithBaseURL(strings.TrimRight(cfg.Endpoint, "/")+"/"))
	}

	return &Backend{
		client: anthropic.NewClient(opts...),
		logger: logger.With(zap.String("provider", providerName)),
		loaded: make(map[string]struct{}),
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

// Generate sends the conversation. System turns are lifted into the
// request's system parameter.
func (b *Backend) Generate(ctx context.Context, req *backends.GenerateRequest) (*backends.GenerateResult, error) {
	opts := req.Options.WithDefaults()
	system, messages := splitSystem(req.ChatMessages())

	params := anthropic.MessageNewParams{
		Model:       anthropic.Model(req.ModelID),
		MaxTokens:   int64(opts.MaxTokens),
		Messages:    messages,
		Temperature: anthropic.Float(opts.Temperature),
	}
	if len(system) > 0 {
		params.System = system
	}

	resp, err := b.client.Messages.New(ctx, params)
	if err != nil {
		return nil, toBackendError("messages request failed", err)
	}

	var text strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}

	return &backends.GenerateResult{
		Text:       text.String(),
		TokensUsed: int(resp.Usage.InputTokens + resp.Usage.OutputTokens),
		ModelID:    req.ModelID,
		Provider:   providerName,
	}, nil
}

// IsLoaded reports whether modelID has been marked in use.
func (b *Backend) IsLoaded(modelID string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, ok := b.loaded[modelID]
	return ok
}

// LoadModel marks modelID in use.
func (b *Backend) LoadModel(_ context.Context, modelID string) error {
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

// ListModels returns the first page of available models.
func (b *Backend) ListModels(ctx context.Context) ([]backends.ModelInfo, error) {
	page, err := b.client.Models.List(ctx, anthropic.ModelListParams{})
	if err != nil {
		return nil, toBackendError("list models failed", err)
	}

	models := make([]backends.ModelInfo, 0, len(page.Data))
	for _, m := range page.Data {
		models = append(models, backends.ModelInfo{
			ModelID:  m.ID,
			Provider: providerName,
			Capabilities: []backends.Capability{
				backends.CapabilityChat, backends.CapabilityCode, backends.CapabilityReasoning,
			},
		})
	}
	return models, nil
}

// HealthCheck reports whether the models endpoint answers.
func (b *Backend) HealthCheck(ctx context.Context) bool {
	_, err := b.client.Models.List(ctx, anthropic.ModelListParams{})
	return err == nil
}

// splitSystem separates system turns from the conversation. Tool output is
// sent as a user turn.
func splitSystem(msgs []backends.ChatMessage) ([]anthropic.TextBlockParam, []anthropic.MessageParam) {
	var (
		system   []anthropic.TextBlockParam
		messages []anthropic.MessageParam
	)
	for _, m := range msgs {
		switch m.Role {
		case "system":
			system = append(system, anthropic.TextBlockParam{Text: m.Content})
		case "assistant":
			messages = append(messages, anthropic.NewAssistantMessage(anthropic.NewTextBlock(m.Content)))
		default:
			messages = append(messages, anthropic.NewUserMessage(anthropic.NewTextBlock(m.Content)))
		}
	}
	return system, messages
}

func toBackendError(msg string, err error) error {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		return backends.NewError(providerName, "api_error", msg, apiErr.StatusCode, backends.RetryableStatus(apiErr.StatusCode), err)
	}
	return backends.NewError(providerName, "http_error", msg, 0, !errors.Is(err, context.Canceled), err)
}
