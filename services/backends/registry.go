package backends

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/halbert/dispatch/services"
)

// Key identifies one backend instance. The same provider may serve several
// endpoints at once, e.g. orchestrator and specialist on separate hosts.
type Key struct {
	Provider string `json:"provider"`
	Endpoint string `json:"endpoint"`
}

// String returns a string representation of the key
func (k Key) String() string {
	return k.Provider + "@" + k.Endpoint
}

// Factory builds a backend for one endpoint.
type Factory func(cfg Config) (Backend, error)

type providerEntry struct {
	factory  Factory
	defaults Config
}

// Instance pairs a live backend with its registry key.
type Instance struct {
	Key     Key
	Backend Backend
}

// Registry creates backends lazily per (provider, endpoint) and caches them.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]providerEntry
	instances map[Key]Backend
	logger    *zap.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		providers: make(map[string]providerEntry),
		instances: make(map[Key]Backend),
		logger:    logger,
	}
}

// RegisterFactory makes provider available. defaults fill in the endpoint,
// credentials and timeout for instances created without an explicit endpoint.
func (r *Registry) RegisterFactory(provider string, factory Factory, defaults Config) error {
	if provider == "" {
		return fmt.Errorf("provider name cannot be empty")
	}
	if factory == nil {
		return fmt.Errorf("factory for %s cannot be nil", provider)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.providers[provider]; exists {
		return fmt.Errorf("provider %s already registered", provider)
	}
	r.providers[provider] = providerEntry{factory: factory, defaults: defaults}
	return nil
}

// Register adds a ready-made backend instance under (provider, endpoint).
func (r *Registry) Register(provider, endpoint string, b Backend) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.instances[r.keyLocked(provider, endpoint)] = b
}

// Get returns the backend for (provider, endpoint), creating it on first use.
func (r *Registry) Get(provider, endpoint string) (Backend, error) {
	r.mu.RLock()
	key := r.keyLocked(provider, endpoint)
	b, ok := r.instances[key]
	r.mu.RUnlock()
	if ok {
		return b, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if b, ok := r.instances[key]; ok {
		return b, nil
	}

	entry, ok := r.providers[provider]
	if !ok {
		return nil, services.NewDomainError(services.ErrorTypeValidation,
			fmt.Sprintf("provider %q not supported", provider), nil).
			WithDetail("provider", provider)
	}

	cfg := entry.defaults
	cfg.Endpoint = key.Endpoint
	b, err := entry.factory(cfg)
	if err != nil {
		return nil, services.WrapBackend(fmt.Sprintf("create %s backend", provider), err)
	}

	r.instances[key] = b
	r.logger.Info("backend created",
		zap.String("provider", provider),
		zap.String("endpoint", key.Endpoint),
	)
	return b, nil
}

// Lookup returns an existing backend without creating one.
func (r *Registry) Lookup(provider, endpoint string) (Backend, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	b, ok := r.instances[r.keyLocked(provider, endpoint)]
	return b, ok
}

// Instances lists every live backend, ordered by key.
func (r *Registry) Instances() []Instance {
	r.mu.RLock()
	out := make([]Instance, 0, len(r.instances))
	for k, b := range r.instances {
		out = append(out, Instance{Key: k, Backend: b})
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Key.String() < out[j].Key.String() })
	return out
}

// Providers returns the registered provider names, sorted.
func (r *Registry) Providers() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Supports reports whether provider has a factory or a registered instance.
func (r *Registry) Supports(provider string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if _, ok := r.providers[provider]; ok {
		return true
	}
	for k := range r.instances {
		if k.Provider == provider {
			return true
		}
	}
	return false
}

// KeyFor returns the normalized key (provider, endpoint) resolves to.
func (r *Registry) KeyFor(provider, endpoint string) Key {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.keyLocked(provider, endpoint)
}

// keyLocked normalizes endpoint, substituting the provider default when
// empty. Caller must hold r.mu.
func (r *Registry) keyLocked(provider, endpoint string) Key {
	if endpoint == "" {
		if entry, ok := r.providers[provider]; ok {
			endpoint = entry.defaults.Endpoint
		}
	}
	return Key{Provider: provider, Endpoint: strings.TrimRight(endpoint, "/")}
}
