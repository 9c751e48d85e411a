package app

import (
	"context"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/halbert/dispatch/config"
	"github.com/halbert/dispatch/handlers"
	"github.com/halbert/dispatch/internal/observability"
	"github.com/halbert/dispatch/internal/rag"
	"github.com/halbert/dispatch/middleware"
	"github.com/halbert/dispatch/repositories"
	"github.com/halbert/dispatch/repositories/postgres"
	"github.com/halbert/dispatch/repositories/redis"
	"github.com/halbert/dispatch/repositories/sqlite"
	"github.com/halbert/dispatch/services/alerts"
	"github.com/halbert/dispatch/services/backends"
	"github.com/halbert/dispatch/services/backends/anthropic"
	"github.com/halbert/dispatch/services/backends/ollama"
	"github.com/halbert/dispatch/services/backends/openai"
	"github.com/halbert/dispatch/services/handoff"
	"github.com/halbert/dispatch/services/monitor"
	"github.com/halbert/dispatch/services/policy"
	"github.com/halbert/dispatch/services/routing"
	"github.com/halbert/dispatch/services/snapshot"
)

const (
	catalogSize       = 64
	ragLimit          = 5
	dispatcherTimeout = 5 * time.Second
)

// Dependencies is the single application context: one router, one monitor
// and one handoff engine shared by every request.
type Dependencies struct {
	// Infrastructure
	Config  *config.Config
	Logger  *zap.Logger
	Tracing *observability.TracerProvider
	Metrics *observability.Metrics

	// Domain
	Registry   *backends.Registry
	Catalog    *backends.Catalog
	Engine     *handoff.Engine
	Monitor    *monitor.Monitor
	Router     *routing.ModelRouter
	Dispatcher *alerts.Dispatcher

	// Policy
	PolicyStore *policy.FileStore
	Watcher     *policy.Watcher

	// Persistence; nil when STATE_STORE=none
	StateStore repositories.StateStore
	Snapshots  *snapshot.Scheduler

	// Retriever is optional; when set before SetupRoutes, conversation
	// requests get retrieved references folded in.
	Retriever rag.Retriever

	// Auth
	AuthMiddleware *middleware.AuthMiddleware

	natsSink *alerts.NATSSink
	started  bool
}

// NewDependencies creates and wires up all application dependencies.
func NewDependencies(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*Dependencies, error) {
	deps := &Dependencies{
		Config: cfg,
		Logger: logger,
	}

	if err := deps.initObservability(cfg); err != nil {
		return nil, fmt.Errorf("failed to initialize observability: %w", err)
	}

	if err := deps.initAlerts(cfg); err != nil {
		return nil, fmt.Errorf("failed to initialize alerts: %w", err)
	}

	deps.initMonitor(cfg)

	if err := deps.initBackends(cfg); err != nil {
		return nil, fmt.Errorf("failed to initialize backends: %w", err)
	}

	deps.initRouter(cfg)

	if err := deps.initState(ctx, cfg); err != nil {
		deps.shutdownPartial(ctx)
		return nil, fmt.Errorf("failed to initialize state store: %w", err)
	}

	deps.AuthMiddleware = middleware.NewAuthMiddleware(
		middleware.NewHMACValidator(cfg.Auth.AdminJWTSecret, cfg.Auth.Issuer), logger)
	if cfg.Auth.AdminJWTSecret == "" {
		logger.Warn("admin JWT secret not configured, admin endpoints disabled")
	}

	logger.Info("all dependencies initialized successfully")
	return deps, nil
}

func (d *Dependencies) initObservability(cfg *config.Config) error {
	tp, err := observability.NewTracerProvider(observability.TracingConfig{
		Enabled:     cfg.Observability.TracingEnabled,
		SampleRate:  cfg.Observability.TracingSampleRate,
		Version:     cfg.Version,
		Environment: cfg.Environment,
	})
	if err != nil {
		return err
	}
	d.Tracing = tp

	if cfg.Observability.MetricsEnabled {
		d.Metrics = observability.NewMetrics()
	}
	return nil
}

// initAlerts builds the dispatcher. NATS is optional and a connection
// failure only disables that sink.
func (d *Dependencies) initAlerts(cfg *config.Config) error {
	sinks := []alerts.Sink{alerts.NewLogSink(d.Logger)}

	if cfg.Alerts.NATSURL != "" {
		sink, err := alerts.NewNATSSink(alerts.NATSConfig{
			URL:     cfg.Alerts.NATSURL,
			Subject: cfg.Alerts.NATSSubject,
		})
		if err != nil {
			d.Logger.Warn("NATS alert sink disabled", zap.Error(err))
		} else {
			d.natsSink = sink
			sinks = append(sinks, sink)
			d.Logger.Info("NATS alert sink enabled", zap.String("subject", cfg.Alerts.NATSSubject))
		}
	}

	d.Dispatcher = alerts.NewDispatcher(d.Logger, alerts.Config{
		BufferSize:  cfg.Alerts.BufferSize,
		WorkerCount: cfg.Alerts.WorkerCount,
	}, sinks...)
	return nil
}

func (d *Dependencies) initMonitor(cfg *config.Config) {
	opts := []monitor.Option{
		monitor.WithThresholds(monitor.Thresholds{
			LatencyP95Ms:      cfg.Monitor.LatencyP95Ms,
			ErrorRate:         cfg.Monitor.ErrorRate,
			ErrorRateCritical: cfg.Monitor.ErrorRateCritical,
			QualityMin:        cfg.Monitor.QualityMin,
		}),
		monitor.WithSampleCap(cfg.Monitor.SampleCap),
		monitor.WithDedupWindow(cfg.Monitor.DedupWindow),
		monitor.WithAlertSink(d.Dispatcher),
	}
	if d.Metrics != nil {
		opts = append(opts, monitor.WithObserver(d.Metrics))
	}
	d.Monitor = monitor.New(d.Logger, opts...)
}

// initBackends registers a factory per provider. Anthropic is registered only
// when a key is configured, so a policy naming it without one fails as an
// unsupported provider rather than at every request.
func (d *Dependencies) initBackends(cfg *config.Config) error {
	d.Registry = backends.NewRegistry(d.Logger)
	d.Catalog = backends.NewCatalog(catalogSize, cfg.Backends.CatalogTTL)

	timeout := cfg.Backends.RequestTimeout
	if err := d.Registry.RegisterFactory("ollama", ollama.Factory(d.Logger), backends.Config{
		Endpoint: cfg.Backends.OllamaEndpoint,
		Timeout:  timeout,
	}); err != nil {
		return err
	}

	if err := d.Registry.RegisterFactory("openai", openai.Factory(d.Logger), backends.Config{
		Endpoint: cfg.Backends.OpenAIBaseURL,
		APIKey:   cfg.Backends.OpenAIAPIKey,
		Timeout:  timeout,
	}); err != nil {
		return err
	}

	if cfg.Backends.AnthropicAPIKey != "" {
		if err := d.Registry.RegisterFactory("anthropic", anthropic.Factory(d.Logger), backends.Config{
			Endpoint: cfg.Backends.AnthropicBaseURL,
			APIKey:   cfg.Backends.AnthropicAPIKey,
			Timeout:  timeout,
		}); err != nil {
			return err
		}
	}

	d.Logger.Info("backend providers registered", zap.Strings("providers", d.Registry.Providers()))
	return nil
}

func (d *Dependencies) initRouter(cfg *config.Config) {
	doc := policy.LoadOrDefault(cfg.Policy.Path, d.Logger)
	d.PolicyStore = policy.NewFileStore(cfg.Policy.Path)
	d.Engine = handoff.NewEngine(handoff.Strategy(doc.Handoff.Strategy), d.Logger)

	d.Router = routing.NewModelRouter(routing.PolicyFromDocument(doc), d.Registry, d.Engine, d.Monitor, d.Logger,
		routing.WithPolicySaver(d.PolicyStore),
		routing.WithCatalog(d.Catalog),
		routing.WithTracer(d.Tracing.Tracer()),
		routing.WithHealthTimeout(cfg.Backends.HealthTimeout),
	)

	if cfg.Policy.Watch {
		d.Watcher = policy.NewWatcher(cfg.Policy.Path, func(doc *policy.Document) {
			d.Router.UpdatePolicy(routing.PolicyFromDocument(doc))
		}, d.Logger)
	}
}

func (d *Dependencies) initState(ctx context.Context, cfg *config.Config) error {
	var (
		store repositories.StateStore
		err   error
	)

	switch cfg.State.Store {
	case config.StoreNone, "":
		d.Logger.Info("state store disabled, monitor state is in-memory only")
		return nil
	case config.StorePostgres:
		store, err = d.openPostgres(ctx, cfg)
	case config.StoreRedis:
		store, err = d.openRedis(ctx, cfg)
	case config.StoreSQLite:
		store, err = sqlite.Open(cfg.SQLite.Path, d.Logger)
	default:
		err = fmt.Errorf("unknown state store %q", cfg.State.Store)
	}
	if err != nil {
		return err
	}

	scheduler, err := snapshot.NewScheduler(d.Monitor, store, cfg.State.SnapshotSpec, d.Logger)
	if err != nil {
		_ = store.Close()
		return err
	}

	d.StateStore = store
	d.Snapshots = scheduler
	d.Logger.Info("state store initialized", zap.String("store", cfg.State.Store))
	return nil
}

func (d *Dependencies) openPostgres(ctx context.Context, cfg *config.Config) (repositories.StateStore, error) {
	db, err := postgres.NewDB(cfg.Database, d.Logger)
	if err != nil {
		return nil, err
	}
	if err := db.InitSchema(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	d.Logger.Info("database connection established",
		zap.String("connection", cfg.Database.LogString()))
	return postgres.NewStateRepository(db, "", d.Logger), nil
}

func (d *Dependencies) openRedis(ctx context.Context, cfg *config.Config) (repositories.StateStore, error) {
	client, err := redis.Connect(ctx, &goredis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err != nil {
		return nil, err
	}
	return redis.NewStateStore(client, cfg.Redis.Key, 0, d.Logger), nil
}

// Start restores monitor state and starts the background workers. Restore
// and watcher failures are logged and the service still starts.
func (d *Dependencies) Start(ctx context.Context) error {
	if err := d.Dispatcher.Start(); err != nil {
		return fmt.Errorf("failed to start alert dispatcher: %w", err)
	}

	d.started = true

	if d.Snapshots != nil {
		if err := d.Snapshots.Start(ctx); err != nil {
			return fmt.Errorf("failed to start snapshot scheduler: %w", err)
		}
	}

	if d.Watcher != nil {
		if err := d.Watcher.Start(ctx); err != nil {
			d.Logger.Warn("policy hot reload disabled", zap.Error(err))
			d.Watcher = nil
		}
	}
	return nil
}

// HealthChecks returns the readiness checks: the state store when one is
// configured and the orchestrator backend.
func (d *Dependencies) HealthChecks() map[string]handlers.Check {
	checks := map[string]handlers.Check{
		"orchestrator": func(ctx context.Context) error {
			ref := d.Router.Policy().Orchestrator
			b, err := d.Registry.Get(ref.Provider, ref.Endpoint)
			if err != nil {
				return err
			}
			if !b.HealthCheck(ctx) {
				return fmt.Errorf("orchestrator backend %s unhealthy", ref)
			}
			return nil
		},
	}
	if d.StateStore != nil {
		checks["state_store"] = d.StateStore.HealthCheck
	}
	return checks
}

// Close gracefully shuts down all dependencies
func (d *Dependencies) Close(ctx context.Context) error {
	d.Logger.Info("shutting down dependencies")

	var errs []error

	if d.Watcher != nil {
		if err := d.Watcher.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close policy watcher: %w", err))
		}
	}

	// final snapshot before the store goes away
	if d.Snapshots != nil && d.started {
		if err := d.Snapshots.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("failed to save final snapshot: %w", err))
		}
	}

	if d.StateStore != nil {
		if err := d.StateStore.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close state store: %w", err))
		} else {
			d.Logger.Info("state store closed")
		}
	}

	if d.Dispatcher != nil && d.started {
		if err := d.Dispatcher.Stop(dispatcherTimeout); err != nil {
			errs = append(errs, fmt.Errorf("failed to drain alert dispatcher: %w", err))
		}
	}

	if d.natsSink != nil {
		if err := d.natsSink.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close NATS connection: %w", err))
		}
	}

	if d.Tracing != nil {
		if err := d.Tracing.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("failed to shut down tracer: %w", err))
		}
	}

	// Sync logger
	if d.Logger != nil {
		_ = d.Logger.Sync()
	}

	if len(errs) > 0 {
		return fmt.Errorf("errors during shutdown: %v", errs)
	}

	return nil
}

// shutdownPartial releases what NewDependencies built before failing.
func (d *Dependencies) shutdownPartial(ctx context.Context) {
	if d.natsSink != nil {
		_ = d.natsSink.Close()
	}
	if d.Tracing != nil {
		_ = d.Tracing.Shutdown(ctx)
	}
}

// RouterHandlerOptions returns the handler options implied by the wired
// collaborators.
func (d *Dependencies) RouterHandlerOptions() []handlers.RouterHandlerOption {
	if d.Retriever == nil {
		return nil
	}
	return []handlers.RouterHandlerOption{handlers.WithRetriever(d.Retriever, ragLimit)}
}
