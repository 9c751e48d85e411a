package routing

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/halbert/dispatch/services"
	"github.com/halbert/dispatch/services/backends"
	"github.com/halbert/dispatch/services/handoff"
	"github.com/halbert/dispatch/services/monitor"
	"github.com/halbert/dispatch/services/policy"
)

// DefaultSystemPrompt opens every conversation started by the router.
const DefaultSystemPrompt = "You are Halbert, a Linux system administration assistant."

const tracerName = "github.com/halbert/dispatch/services/routing"

// PolicySaver persists policy changes made through the router.
type PolicySaver interface {
	SavePolicy(d *policy.Document) error
}

// Response is the result of one routed generation.
type Response struct {
	Text       string       `json:"text"`
	TokensUsed int          `json:"tokens_used"`
	Backend    BackendRef   `json:"backend"`
	Complexity float64      `json:"complexity"`
	LatencyMs  float64      `json:"latency_ms"`
	Handoff    *HandoffInfo `json:"handoff,omitempty"`
}

// HandoffInfo describes the context actually sent to the backend.
type HandoffInfo struct {
	Strategy       handoff.Strategy `json:"strategy"`
	WasCompressed  bool             `json:"was_compressed"`
	TokensEstimate int              `json:"tokens_estimate"`
	MaxTokens      int              `json:"max_tokens"`
	SentMessages   int              `json:"sent_messages"`
	QualityLoss    float64          `json:"quality_loss"`
}

// Option configures a ModelRouter.
type Option func(*ModelRouter)

// WithPolicySaver persists specialist changes through s.
func WithPolicySaver(s PolicySaver) Option {
	return func(r *ModelRouter) { r.saver = s }
}

// WithCatalog caches ListModels results in c.
func WithCatalog(c *backends.Catalog) Option {
	return func(r *ModelRouter) { r.catalog = c }
}

// WithTracer overrides the globally registered tracer.
func WithTracer(t trace.Tracer) Option {
	return func(r *ModelRouter) { r.tracer = t }
}

// WithHealthTimeout bounds each backend health check in GetStatus.
func WithHealthTimeout(d time.Duration) Option {
	return func(r *ModelRouter) {
		if d > 0 {
			r.healthTimeout = d
		}
	}
}

// ModelRouter picks a backend for each request, prepares conversation
// context for it, calls it and reports the outcome to the monitor.
//
// Readers load the current policy with a single atomic read. Writers
// serialize on mu and publish a fresh copy.
type ModelRouter struct {
	policy atomic.Pointer[Policy]
	mu     sync.Mutex

	registry *backends.Registry
	engine   *handoff.Engine
	monitor  *monitor.Monitor
	catalog  *backends.Catalog
	saver    PolicySaver
	tracer   trace.Tracer
	logger   *zap.Logger

	healthTimeout time.Duration
}

// NewModelRouter creates a router serving policy p.
func NewModelRouter(p *Policy, registry *backends.Registry, engine *handoff.Engine, mon *monitor.Monitor, logger *zap.Logger, opts ...Option) *ModelRouter {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &ModelRouter{
		registry:      registry,
		engine:        engine,
		monitor:       mon,
		logger:        logger,
		healthTimeout: 2 * time.Second,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.tracer == nil {
		r.tracer = otel.Tracer(tracerName)
	}
	r.policy.Store(p.clone())
	return r
}

// Policy returns the current policy snapshot. Do not modify it.
func (r *ModelRouter) Policy() *Policy {
	return r.policy.Load()
}

// UpdatePolicy replaces the policy wholesale, e.g. after a file reload.
func (r *ModelRouter) UpdatePolicy(p *Policy) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.policy.Store(p.clone())
	r.logger.Info("routing policy updated",
		zap.String("strategy", string(p.Strategy)),
		zap.String("orchestrator", p.Orchestrator.String()),
		zap.Bool("specialist_enabled", p.SpecialistEnabled),
	)
}

// Route returns the backend that should serve task. It performs no I/O
// and never fails.
func (r *ModelRouter) Route(task Task) BackendRef {
	return route(r.policy.Load(), task)
}

func route(p *Policy, task Task) BackendRef {
	if p.Strategy == StrategyOrchestratorOnly || !p.specialistAvailable() {
		return p.Orchestrator
	}
	if task.PreferSpecialist || p.prefersSpecialist(task.Type) {
		return p.Specialist
	}

	switch p.Strategy {
	case StrategySpecialistPreferred:
		return p.Specialist
	case StrategyAuto:
		if Complexity(task.Prompt) >= p.ComplexityThreshold {
			return p.Specialist
		}
	}
	return p.Orchestrator
}

// Generate routes task and sends its prompt to the chosen backend.
func (r *ModelRouter) Generate(ctx context.Context, task Task, opts backends.Options) (*Response, error) {
	if task.Prompt == "" {
		return nil, services.ErrEmptyPrompt
	}

	p := r.policy.Load()
	ref := route(p, task)
	score := Complexity(task.Prompt)

	ctx, span := r.startSpan(ctx, "router.generate", task, ref, score)
	defer span.End()

	req := &backends.GenerateRequest{
		ModelID: ref.ModelID,
		Prompt:  task.Prompt,
		Options: opts.WithDefaults(),
	}
	resp, err := r.invoke(ctx, ref, req)
	if err != nil {
		recordSpanError(span, err)
		return nil, err
	}
	resp.Complexity = score
	return resp, nil
}

// GenerateWithContext appends task's prompt to a copy of c, sends a
// budget-bound version of the conversation to the chosen backend and
// returns the uncompressed conversation with both new turns. A nil c
// starts a new conversation. c itself is never modified.
func (r *ModelRouter) GenerateWithContext(ctx context.Context, task Task, c *handoff.ConversationContext, opts backends.Options) (*Response, *handoff.ConversationContext, error) {
	if task.Prompt == "" {
		return nil, nil, services.ErrEmptyPrompt
	}
	if c == nil {
		c = &handoff.ConversationContext{SystemPrompt: DefaultSystemPrompt}
	}

	p := r.policy.Load()
	ref := route(p, task)
	score := Complexity(task.Prompt)

	ctx, span := r.startSpan(ctx, "router.generate_with_context", task, ref, score)
	defer span.End()

	working := c.WithMessage(handoff.NewMessage(handoff.RoleUser, task.Prompt))

	prepared := r.engine.PrepareHandoff(working, ref.ModelID, p.MaxContextTokens, p.HandoffStrategy)
	info := &HandoffInfo{
		Strategy:       prepared.Strategy,
		WasCompressed:  prepared.WasCompressed,
		TokensEstimate: prepared.TokensEstimate,
		MaxTokens:      prepared.MaxTokens,
		SentMessages:   len(prepared.Messages),
		QualityLoss:    r.engine.EstimateQualityLoss(working, &prepared.ConversationContext),
	}
	span.SetAttributes(
		attribute.String("handoff.strategy", string(info.Strategy)),
		attribute.Int("handoff.tokens_estimate", info.TokensEstimate),
		attribute.Bool("handoff.compressed", info.WasCompressed),
	)

	r.logger.Info("generating with context handoff",
		zap.String("model_id", ref.ModelID),
		zap.String("task_type", string(task.Type)),
		zap.Int("context_messages", len(working.Messages)),
		zap.Int("prepared_messages", info.SentMessages),
		zap.Float64("quality_loss_est", info.QualityLoss),
	)

	if p.StrictBudget && prepared.OverBudget() {
		if ref.ModelID != "" {
			r.monitor.RecordRequest(ref.ModelID, ref.Provider, 0, false, nil)
		}
		err := services.NewDomainError(services.ErrorTypeHandoffBudgetExceeded, "context exceeds token budget", nil).
			WithDetail("tokens_estimate", prepared.TokensEstimate).
			WithDetail("max_tokens", prepared.MaxTokens)
		recordSpanError(span, err)
		return nil, nil, err
	}

	formatted := handoff.FormatForBackend(&prepared.ConversationContext)
	messages := make([]backends.ChatMessage, len(formatted))
	for i, m := range formatted {
		messages[i] = backends.ChatMessage{Role: string(m.Role), Content: m.Content}
	}

	req := &backends.GenerateRequest{
		ModelID:  ref.ModelID,
		Prompt:   task.Prompt,
		Messages: messages,
		Options:  opts.WithDefaults(),
	}
	resp, err := r.invoke(ctx, ref, req)
	if err != nil {
		recordSpanError(span, err)
		return nil, nil, err
	}
	resp.Complexity = score
	resp.Handoff = info

	reply := handoff.NewMessage(handoff.RoleAssistant, resp.Text)
	reply.Metadata = map[string]interface{}{
		"model_id": ref.ModelID,
		"provider": ref.Provider,
	}
	return resp, working.WithMessage(reply), nil
}

// invoke loads the model if needed, calls the backend and always records
// the outcome with the monitor before returning.
func (r *ModelRouter) invoke(ctx context.Context, ref BackendRef, req *backends.GenerateRequest) (*Response, error) {
	if ref.ModelID == "" {
		return nil, services.NewDomainError(services.ErrorTypeNoModelAvailable, "no model configured for route", nil).
			WithDetail("provider", ref.Provider)
	}

	backend, err := r.registry.Get(ref.Provider, ref.Endpoint)
	if err != nil {
		r.monitor.RecordRequest(ref.ModelID, ref.Provider, 0, false, nil)
		return nil, err
	}

	if !backend.IsLoaded(ref.ModelID) {
		r.logger.Info("loading model on demand",
			zap.String("model_id", ref.ModelID),
			zap.String("provider", ref.Provider),
			zap.String("endpoint", ref.Endpoint),
		)
		start := time.Now()
		if err := backend.LoadModel(ctx, ref.ModelID); err != nil {
			r.monitor.RecordRequest(ref.ModelID, ref.Provider, msSince(start), false, nil)
			return nil, r.backendError("load model", ref, err)
		}
	}

	start := time.Now()
	result, genErr := backend.Generate(ctx, req)
	latency := msSince(start)

	r.monitor.RecordRequest(ref.ModelID, ref.Provider, latency, genErr == nil, memoryOf(ctx, backend))

	if genErr != nil {
		return nil, r.backendError("generate", ref, genErr)
	}

	r.logger.Debug("generation complete",
		zap.String("model_id", ref.ModelID),
		zap.String("provider", ref.Provider),
		zap.Float64("latency_ms", latency),
		zap.Int("tokens_used", result.TokensUsed),
	)

	return &Response{
		Text:       result.Text,
		TokensUsed: result.TokensUsed,
		Backend:    ref,
		LatencyMs:  latency,
	}, nil
}

func (r *ModelRouter) backendError(op string, ref BackendRef, err error) error {
	r.logger.Error("backend call failed",
		zap.String("op", op),
		zap.String("model_id", ref.ModelID),
		zap.String("provider", ref.Provider),
		zap.Error(err),
	)
	return services.WrapBackend(op+" failed", err).
		WithDetail("model_id", ref.ModelID).
		WithDetail("provider", ref.Provider).
		WithDetail("retryable", backends.IsRetryable(err))
}

// memoryOf prefers active memory and falls back to peak. Backends that
// cannot report memory yield nil.
func memoryOf(ctx context.Context, b backends.Backend) *float64 {
	mr, ok := b.(backends.MemoryReporter)
	if !ok {
		return nil
	}
	usage, err := mr.MemoryUsage(ctx)
	if err != nil {
		return nil
	}
	v := usage.ActiveMB
	if v <= 0 {
		v = usage.PeakMB
	}
	if v <= 0 {
		return nil
	}
	return &v
}

func msSince(t time.Time) float64 {
	return float64(time.Since(t).Microseconds()) / 1000
}

// SetSpecialist enables ref as the specialist. A previously enabled,
// different specialist is unloaded from its backend.
func (r *ModelRouter) SetSpecialist(ctx context.Context, ref BackendRef) error {
	if ref.ModelID == "" || ref.Provider == "" {
		return services.NewDomainError(services.ErrorTypeValidation, "specialist requires model_id and provider", nil)
	}
	if !r.registry.Supports(ref.Provider) {
		return services.NewDomainError(services.ErrorTypeValidation, "provider not supported", nil).
			WithDetail("provider", ref.Provider)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	current := r.policy.Load()
	if current.SpecialistEnabled && current.Specialist != ref {
		r.unload(ctx, current.Specialist)
	}

	next := current.clone()
	next.Specialist = ref
	next.SpecialistEnabled = true
	r.policy.Store(next)

	r.logger.Info("specialist set", zap.String("specialist", ref.String()))
	r.persist(next)
	return nil
}

// DisableSpecialist routes everything to the orchestrator and unloads the
// specialist.
func (r *ModelRouter) DisableSpecialist(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	current := r.policy.Load()
	if current.SpecialistEnabled {
		r.unload(ctx, current.Specialist)
	}

	next := current.clone()
	next.SpecialistEnabled = false
	r.policy.Store(next)

	r.logger.Info("specialist disabled")
	r.persist(next)
	return nil
}

func (r *ModelRouter) unload(ctx context.Context, ref BackendRef) {
	if ref.ModelID == "" {
		return
	}
	b, ok := r.registry.Lookup(ref.Provider, ref.Endpoint)
	if !ok || !b.IsLoaded(ref.ModelID) {
		return
	}
	if err := b.UnloadModel(ctx, ref.ModelID); err != nil {
		r.logger.Warn("failed to unload previous specialist",
			zap.String("model_id", ref.ModelID),
			zap.String("provider", ref.Provider),
			zap.Error(err),
		)
		return
	}
	r.logger.Info("unloaded previous specialist", zap.String("model_id", ref.ModelID))
}

func (r *ModelRouter) persist(p *Policy) {
	if r.saver == nil {
		return
	}
	if err := r.saver.SavePolicy(p.Document()); err != nil {
		r.logger.Error("failed to persist routing policy", zap.Error(err))
	}
}

func (r *ModelRouter) startSpan(ctx context.Context, name string, task Task, ref BackendRef, score float64) (context.Context, trace.Span) {
	return r.tracer.Start(ctx, name, trace.WithAttributes(
		attribute.String("model.id", ref.ModelID),
		attribute.String("model.provider", ref.Provider),
		attribute.String("task.type", string(task.Type)),
		attribute.Float64("routing.complexity", score),
	))
}

func recordSpanError(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
