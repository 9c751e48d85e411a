package routing

import (
	"context"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/halbert/dispatch/services/backends"
)

// BackendStatus reports one configured backend role.
type BackendStatus struct {
	ModelID  string `json:"model_id"`
	Provider string `json:"provider"`
	Endpoint string `json:"endpoint,omitempty"`
	Enabled  bool   `json:"enabled"`
	Loaded   bool   `json:"loaded"`
	Healthy  bool   `json:"healthy"`
	Level    string `json:"performance_level,omitempty"`
}

// Status is a point-in-time view of the router.
type Status struct {
	Strategy            Strategy        `json:"strategy"`
	ComplexityThreshold float64         `json:"complexity_threshold"`
	Orchestrator        BackendStatus   `json:"orchestrator"`
	Specialist          BackendStatus   `json:"specialist"`
	Backends            map[string]bool `json:"backends"`
}

// GetStatus reports both roles and the health of every instantiated
// backend. Health checks run concurrently, each bounded by the health
// timeout; a check that times out reports unhealthy.
func (r *ModelRouter) GetStatus(ctx context.Context) *Status {
	p := r.policy.Load()

	status := &Status{
		Strategy:            p.Strategy,
		ComplexityThreshold: p.ComplexityThreshold,
		Orchestrator:        r.roleStatus(p.Orchestrator, true),
		Specialist:          r.roleStatus(p.Specialist, p.SpecialistEnabled),
	}

	instances := r.registry.Instances()
	healthy := make([]bool, len(instances))

	g, gctx := errgroup.WithContext(ctx)
	for i, inst := range instances {
		g.Go(func() error {
			hctx, cancel := context.WithTimeout(gctx, r.healthTimeout)
			defer cancel()
			healthy[i] = inst.Backend.HealthCheck(hctx)
			return nil
		})
	}
	_ = g.Wait()

	orchKey := r.registry.KeyFor(p.Orchestrator.Provider, p.Orchestrator.Endpoint)
	specKey := r.registry.KeyFor(p.Specialist.Provider, p.Specialist.Endpoint)

	status.Backends = make(map[string]bool, len(instances))
	for i, inst := range instances {
		status.Backends[inst.Key.String()] = healthy[i]
		if inst.Key == orchKey {
			status.Orchestrator.Healthy = healthy[i]
		}
		if status.Specialist.Enabled && inst.Key == specKey {
			status.Specialist.Healthy = healthy[i]
		}
	}

	return status
}

func (r *ModelRouter) roleStatus(ref BackendRef, enabled bool) BackendStatus {
	s := BackendStatus{
		ModelID:  ref.ModelID,
		Provider: ref.Provider,
		Endpoint: ref.Endpoint,
		Enabled:  enabled,
	}
	if ref.ModelID == "" {
		return s
	}
	if b, ok := r.registry.Lookup(ref.Provider, ref.Endpoint); ok {
		s.Loaded = b.IsLoaded(ref.ModelID)
	}
	if level, ok := r.monitor.GetPerformanceLevel(ref.ModelID); ok {
		s.Level = string(level)
	}
	return s
}

// ListAvailableModels lists models from every instantiated backend
// concurrently. Backends that fail are logged and skipped.
func (r *ModelRouter) ListAvailableModels(ctx context.Context) []backends.ModelInfo {
	instances := r.registry.Instances()
	results := make([][]backends.ModelInfo, len(instances))

	g, gctx := errgroup.WithContext(ctx)
	for i, inst := range instances {
		g.Go(func() error {
			if r.catalog != nil {
				if models, ok := r.catalog.Get(inst.Key); ok {
					results[i] = models
					return nil
				}
			}

			models, err := inst.Backend.ListModels(gctx)
			if err != nil {
				r.logger.Warn("failed to list models",
					zap.String("backend", inst.Key.String()),
					zap.Error(err),
				)
				return nil
			}
			if r.catalog != nil {
				r.catalog.Set(inst.Key, models)
			}
			results[i] = models
			return nil
		})
	}
	_ = g.Wait()

	var out []backends.ModelInfo
	for _, models := range results {
		out = append(out, models...)
	}
	return out
}
