package backends

import (
	"context"
	"errors"
	"time"
)

// Backend is a model runtime able to serve generation requests. The router
// consumes it; concrete providers (ollama, openai, anthropic) implement it.
type Backend interface {
	// Name returns the provider name (e.g., "ollama", "openai")
	Name() string

	// Generate produces a completion for a prompt or message list
	Generate(ctx context.Context, req *GenerateRequest) (*GenerateResult, error)

	// IsLoaded reports whether modelID is ready to serve without a load step
	IsLoaded(modelID string) bool

	// LoadModel makes modelID ready to serve
	LoadModel(ctx context.Context, modelID string) error

	// UnloadModel releases modelID's resources
	UnloadModel(ctx context.Context, modelID string) error

	// ListModels returns the models this backend can serve
	ListModels(ctx context.Context) ([]ModelInfo, error)

	// HealthCheck reports whether the backend is reachable
	HealthCheck(ctx context.Context) bool
}

// MemoryReporter is implemented by backends that can report memory usage.
// Backends without it simply contribute no memory samples.
type MemoryReporter interface {
	MemoryUsage(ctx context.Context) (MemoryUsage, error)
}

// MemoryUsage is a backend's current and peak resident model memory.
type MemoryUsage struct {
	ActiveMB float64 `json:"active_mb"`
	PeakMB   float64 `json:"peak_mb"`
}

// ChatMessage is one backend-ready conversation turn.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Options tune a single generation.
type Options struct {
	MaxTokens   int     `json:"max_tokens,omitempty" validate:"omitempty,min=1,max=32768"`
	Temperature float64 `json:"temperature,omitempty" validate:"omitempty,min=0,max=2"`
}

// DefaultOptions returns the generation defaults.
func DefaultOptions() Options {
	return Options{MaxTokens: 2048, Temperature: 0.7}
}

// WithDefaults fills unset fields from DefaultOptions.
func (o Options) WithDefaults() Options {
	d := DefaultOptions()
	if o.MaxTokens <= 0 {
		o.MaxTokens = d.MaxTokens
	}
	if o.Temperature <= 0 {
		o.Temperature = d.Temperature
	}
	return o
}

// GenerateRequest carries either a bare prompt or a message list. When
// Messages is non-empty it takes precedence over Prompt.
type GenerateRequest struct {
	ModelID  string
	Prompt   string
	Messages []ChatMessage
	Options  Options
}

// ChatMessages returns Messages, or Prompt as a single user turn.
func (r *GenerateRequest) ChatMessages() []ChatMessage {
	if len(r.Messages) > 0 {
		return r.Messages
	}
	return []ChatMessage{{Role: "user", Content: r.Prompt}}
}

// GenerateResult is a completed generation.
type GenerateResult struct {
	Text       string `json:"text"`
	TokensUsed int    `json:"tokens_used"`
	ModelID    string `json:"model_id"`
	Provider   string `json:"provider"`
}

// Capability tags what a model is good at.
type Capability string

const (
	CapabilityChat      Capability = "chat"
	CapabilityCode      Capability = "code"
	CapabilityReasoning Capability = "reasoning"
	CapabilityFast      Capability = "fast"
	CapabilityTechnical Capability = "technical"
)

// ModelInfo describes one servable model.
type ModelInfo struct {
	ModelID       string       `json:"model_id"`
	Provider      string       `json:"provider"`
	Capabilities  []Capability `json:"capabilities"`
	ContextLength int          `json:"context_length,omitempty"`
	MemoryMB      float64      `json:"memory_mb,omitempty"`
}

// Config holds common construction settings for a backend.
type Config struct {
	// Endpoint is the base URL; empty means the provider default
	Endpoint string

	// APIKey for authenticated providers
	APIKey string

	// Timeout for a single request
	Timeout time.Duration
}

// Error is a failure reported by a backend.
type Error struct {
	// Provider that generated the error
	Provider string

	// Code is a short machine-readable reason
	Code string

	// Message is the error message
	Message string

	// StatusCode is the HTTP status code (if applicable)
	StatusCode int

	// Retryable indicates if the caller may retry
	Retryable bool

	// Cause is the underlying error
	Cause error
}

// Error implements the error interface
func (e *Error) Error() string {
	if e.Cause != nil {
		return e.Provider + ": " + e.Message + ": " + e.Cause.Error()
	}
	return e.Provider + ": " + e.Message
}

// Unwrap implements error unwrapping
func (e *Error) Unwrap() error {
	return e.Cause
}

// NewError creates a new backend error
func NewError(provider, code, message string, statusCode int, retryable bool, cause error) *Error {
	return &Error{
		Provider:   provider,
		Code:       code,
		Message:    message,
		StatusCode: statusCode,
		Retryable:  retryable,
		Cause:      cause,
	}
}

// IsRetryable checks if an error is retryable
func IsRetryable(err error) bool {
	var be *Error
	if errors.As(err, &be) {
		return be.Retryable
	}
	return false
}

// RetryableStatus reports whether an HTTP status is worth retrying.
func RetryableStatus(status int) bool {
	return status == 429 || status >= 500
}
