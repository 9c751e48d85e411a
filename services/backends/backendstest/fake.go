// Package backendstest provides an in-memory backends.Backend for tests of
// packages that sit above the router.
package backendstest

import (
	"context"
	"fmt"
	"sync"

	"github.com/halbert/dispatch/services/backends"
)

// Fake echoes prompts and keeps load state in memory. Set Err to make
// Generate fail and Unhealthy to fail health checks.
type Fake struct {
	Provider  string
	Models    []backends.ModelInfo
	Err       error
	Unhealthy bool

	mu       sync.Mutex
	loaded   map[string]bool
	requests []*backends.GenerateRequest
}

// New creates a Fake for provider serving models.
func New(provider string, models ...string) *Fake {
	f := &Fake{Provider: provider, loaded: make(map[string]bool)}
	for _, m := range models {
		f.Models = append(f.Models, backends.ModelInfo{
			ModelID:      m,
			Provider:     provider,
			Capabilities: []backends.Capability{backends.CapabilityChat},
		})
	}
	return f
}

// Factory returns a registry factory that always yields f.
func (f *Fake) Factory() backends.Factory {
	return func(backends.Config) (backends.Backend, error) { return f, nil }
}

func (f *Fake) Name() string { return f.Provider }

func (f *Fake) Generate(ctx context.Context, req *backends.GenerateRequest) (*backends.GenerateResult, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	err := f.Err
	f.mu.Unlock()

	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	msgs := req.ChatMessages()
	last := msgs[len(msgs)-1].Content
	return &backends.GenerateResult{
		Text:       fmt.Sprintf("[%s] %s", req.ModelID, last),
		TokensUsed: len(last) / 4,
		ModelID:    req.ModelID,
		Provider:   f.Provider,
	}, nil
}

func (f *Fake) IsLoaded(modelID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.loaded[modelID]
}

func (f *Fake) LoadModel(_ context.Context, modelID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.loaded[modelID] = true
	return nil
}

func (f *Fake) UnloadModel(_ context.Context, modelID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.loaded, modelID)
	return nil
}

func (f *Fake) ListModels(context.Context) ([]backends.ModelInfo, error) {
	return f.Models, nil
}

func (f *Fake) HealthCheck(context.Context) bool {
	return !f.Unhealthy
}

// Requests returns every request Generate has received.
func (f *Fake) Requests() []*backends.GenerateRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*backends.GenerateRequest(nil), f.requests...)
}
