package backends

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/halbert/dispatch/services"
)

type stubBackend struct {
	name     string
	endpoint string
}

func (s *stubBackend) Name() string { return s.name }
func (s *stubBackend) Generate(ctx context.Context, req *GenerateRequest) (*GenerateResult, error) {
	return &GenerateResult{Text: "ok", ModelID: req.ModelID, Provider: s.name}, nil
}
func (s *stubBackend) IsLoaded(string) bool                            { return true }
func (s *stubBackend) LoadModel(context.Context, string) error         { return nil }
func (s *stubBackend) UnloadModel(context.Context, string) error       { return nil }
func (s *stubBackend) ListModels(context.Context) ([]ModelInfo, error) { return nil, nil }
func (s *stubBackend) HealthCheck(context.Context) bool                { return true }

func countingFactory(created *int32) Factory {
	return func(cfg Config) (Backend, error) {
		atomic.AddInt32(created, 1)
		return &stubBackend{name: "stub", endpoint: cfg.Endpoint}, nil
	}
}

func TestRegistry_GetCachesByProviderAndEndpoint(t *testing.T) {
	r := NewRegistry(zap.NewNop())
	var created int32
	require.NoError(t, r.RegisterFactory("stub", countingFactory(&created), Config{Endpoint: "http://localhost:11434"}))

	a, err := r.Get("stub", "http://gpu-box:11434")
	require.NoError(t, err)
	b, err := r.Get("stub", "http://gpu-box:11434/")
	require.NoError(t, err)
	assert.Same(t, a, b)

	c, err := r.Get("stub", "")
	require.NoError(t, err)
	d, err := r.Get("stub", "http://localhost:11434")
	require.NoError(t, err)
	assert.Same(t, c, d)
	assert.NotSame(t, a, c)

	assert.Equal(t, "http://localhost:11434", c.(*stubBackend).endpoint)
	assert.Equal(t, int32(2), atomic.LoadInt32(&created))
	assert.Len(t, r.Instances(), 2)
}

func TestRegistry_UnknownProvider(t *testing.T) {
	r := NewRegistry(zap.NewNop())

	_, err := r.Get("mlx", "")
	require.Error(t, err)
	assert.True(t, errors.Is(err, services.ErrProviderNotSupported))
	assert.Equal(t, "mlx", services.GetErrorDetails(err)["provider"])
}

func TestRegistry_FactoryError(t *testing.T) {
	r := NewRegistry(zap.NewNop())
	require.NoError(t, r.RegisterFactory("broken", func(Config) (Backend, error) {
		return nil, errors.New("missing api key")
	}, Config{}))

	_, err := r.Get("broken", "")
	require.Error(t, err)
	assert.True(t, services.IsBackendError(err))
	_, ok := r.Lookup("broken", "")
	assert.False(t, ok)
}

func TestRegistry_RegisterFactoryValidation(t *testing.T) {
	r := NewRegistry(zap.NewNop())
	var created int32

	assert.Error(t, r.RegisterFactory("", countingFactory(&created), Config{}))
	assert.Error(t, r.RegisterFactory("x", nil, Config{}))
	require.NoError(t, r.RegisterFactory("x", countingFactory(&created), Config{}))
	assert.Error(t, r.RegisterFactory("x", countingFactory(&created), Config{}))
	assert.Equal(t, []string{"x"}, r.Providers())
}

func TestRegistry_RegisterInstance(t *testing.T) {
	r := NewRegistry(nil)
	b := &stubBackend{name: "stub"}
	r.Register("stub", "http://a", b)

	got, ok := r.Lookup("stub", "http://a/")
	require.True(t, ok)
	assert.Same(t, b, got)

	_, ok = r.Lookup("stub", "http://b")
	assert.False(t, ok)
}

func TestRegistry_ConcurrentGetCreatesOnce(t *testing.T) {
	r := NewRegistry(zap.NewNop())
	var created int32
	require.NoError(t, r.RegisterFactory("stub", countingFactory(&created), Config{}))

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := r.Get("stub", "http://shared")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&created))
}

func TestOptions_WithDefaults(t *testing.T) {
	assert.Equal(t, DefaultOptions(), Options{}.WithDefaults())
	assert.Equal(t, Options{MaxTokens: 10, Temperature: 0.7}, Options{MaxTokens: 10}.WithDefaults())
}

func TestGenerateRequest_ChatMessages(t *testing.T) {
	req := &GenerateRequest{Prompt: "hi"}
	assert.Equal(t, []ChatMessage{{Role: "user", Content: "hi"}}, req.ChatMessages())

	req.Messages = []ChatMessage{{Role: "system", Content: "s"}}
	assert.Equal(t, req.Messages, req.ChatMessages())
}

func TestError(t *testing.T) {
	cause := errors.New("connection refused")
	err := NewError("ollama", "HTTP_ERROR", "request failed", 0, true, cause)

	assert.Equal(t, "ollama: request failed: connection refused", err.Error())
	assert.True(t, errors.Is(err, cause))
	assert.True(t, IsRetryable(err))
	assert.False(t, IsRetryable(cause))
	assert.True(t, RetryableStatus(503))
	assert.True(t, RetryableStatus(429))
	assert.False(t, RetryableStatus(404))
}

func TestRegistry_SupportsAndKeyFor(t *testing.T) {
	r := NewRegistry(zap.NewNop())
	var created int32
	require.NoError(t, r.RegisterFactory("stub", countingFactory(&created), Config{Endpoint: "http://localhost:11434/"}))
	r.Register("fixed", "http://fixed", &stubBackend{name: "fixed"})

	assert.True(t, r.Supports("stub"))
	assert.True(t, r.Supports("fixed"))
	assert.False(t, r.Supports("mlx"))

	assert.Equal(t, Key{Provider: "stub", Endpoint: "http://localhost:11434"}, r.KeyFor("stub", ""))
	assert.Equal(t, "stub@http://gpu", r.KeyFor("stub", "http://gpu/").String())
}
