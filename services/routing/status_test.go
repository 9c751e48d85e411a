package routing

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/halbert/dispatch/services/backends"
)

func TestGetStatus(t *testing.T) {
	f := newFixture(t, testPolicy())

	f.orchestrator.On("IsLoaded", "llama3.1:8b-instruct").Return(true)
	f.orchestrator.On("HealthCheck", mock.Anything).Return(true)
	f.specialist.On("IsLoaded", "deepseek-coder:33b").Return(false)
	f.specialist.On("HealthCheck", mock.Anything).Return(false)

	for i := 0; i < 10; i++ {
		f.monitor.RecordRequest("llama3.1:8b-instruct", "ollama", 120, true, nil)
	}

	status := f.router.GetStatus(context.Background())

	assert.Equal(t, StrategyAuto, status.Strategy)
	assert.Equal(t, 0.5, status.ComplexityThreshold)

	assert.Equal(t, "llama3.1:8b-instruct", status.Orchestrator.ModelID)
	assert.True(t, status.Orchestrator.Loaded)
	assert.True(t, status.Orchestrator.Healthy)
	assert.Equal(t, "excellent", status.Orchestrator.Level)

	assert.True(t, status.Specialist.Enabled)
	assert.False(t, status.Specialist.Loaded)
	assert.False(t, status.Specialist.Healthy)
	assert.Empty(t, status.Specialist.Level)

	assert.Equal(t, map[string]bool{
		"ollama@":                      true,
		"ollama@" + specialistEndpoint: false,
	}, status.Backends)
}

// slowBackend blocks HealthCheck until its context is done
type slowBackend struct {
	*MockBackend
}

func (s *slowBackend) HealthCheck(ctx context.Context) bool {
	<-ctx.Done()
	return false
}

func TestGetStatus_HealthTimeout(t *testing.T) {
	f := newFixture(t, testPolicy(), WithHealthTimeout(20*time.Millisecond))
	slow := &slowBackend{MockBackend: new(MockBackend)}
	f.registry.Register("ollama", "", slow)

	slow.On("IsLoaded", mock.Anything).Return(true)
	f.specialist.On("IsLoaded", mock.Anything).Return(true)
	f.specialist.On("HealthCheck", mock.Anything).Return(true)

	start := time.Now()
	status := f.router.GetStatus(context.Background())

	assert.Less(t, time.Since(start), 2*time.Second)
	assert.False(t, status.Orchestrator.Healthy)
	assert.True(t, status.Specialist.Healthy)
}

func TestListAvailableModels(t *testing.T) {
	catalog := backends.NewCatalog(10, time.Minute)
	f := newFixture(t, testPolicy(), WithCatalog(catalog))

	f.orchestrator.On("ListModels", mock.Anything).Return([]backends.ModelInfo{
		{ModelID: "llama3.1:8b-instruct", Provider: "ollama"},
	}, nil).Once()
	f.specialist.On("ListModels", mock.Anything).Return(nil, errors.New("connection refused"))

	models := f.router.ListAvailableModels(context.Background())
	require.Len(t, models, 1)
	assert.Equal(t, "llama3.1:8b-instruct", models[0].ModelID)

	// the successful listing is served from the catalog
	models = f.router.ListAvailableModels(context.Background())
	require.Len(t, models, 1)
	f.orchestrator.AssertNumberOfCalls(t, "ListModels", 1)
	f.specialist.AssertNumberOfCalls(t, "ListModels", 2)
}
