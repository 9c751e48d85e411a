package routes

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/halbert/dispatch/app"
	"github.com/halbert/dispatch/handlers"
	"github.com/halbert/dispatch/middleware"
)

// requestTimeout bounds non-streaming generation, which can be slow on
// local models.
const requestTimeout = 170 * time.Second

// SetupRoutes configures all application routes and middleware
func SetupRoutes(deps *app.Dependencies) http.Handler {
	r := chi.NewRouter()

	// Core middleware
	r.Use(middleware.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Logger)
	r.Use(chimw.Recoverer)
	r.Use(chimw.Timeout(requestTimeout))

	// CORS middleware
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   deps.Config.Server.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", middleware.RequestIDHeader},
		ExposedHeaders:   []string{middleware.RequestIDHeader},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	health := handlers.NewHealthHandler(deps.HealthChecks(), deps.Logger)
	status := handlers.NewStatusHandler(deps.Config.Version, deps.Config.Environment, deps.Router, deps.Monitor)
	router := handlers.NewRouterHandler(deps.Router, deps.Engine, deps.Logger, deps.RouterHandlerOptions()...)

	var forgetter handlers.MetricsForgetter
	if deps.Metrics != nil {
		forgetter = deps.Metrics
	}
	mon := handlers.NewMonitorHandler(deps.Monitor, forgetter, deps.Logger)

	// Health check endpoints
	r.Get("/healthz", health.HandleHealth)
	r.Get("/readyz", health.HandleReadiness)

	if deps.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", deps.Metrics.Handler())
	}

	// API v1 routes
	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/status", status.HandleStatus)

		r.Post("/route", router.HandleRoute)
		r.Post("/generate", router.HandleGenerate)
		r.Post("/conversations/generate", router.HandleConversationGenerate)
		r.Post("/handoff/prepare", router.HandlePrepareHandoff)

		r.Route("/router", func(r chi.Router) {
			r.Get("/status", router.HandleStatus)
			r.Get("/models", router.HandleListModels)

			// Specialist management (require admin role)
			r.Group(func(r chi.Router) {
				r.Use(deps.AuthMiddleware.RequireAdmin)
				r.Put("/specialist", router.HandleSetSpecialist)
				r.Delete("/specialist", router.HandleDisableSpecialist)
			})
		})

		r.Route("/monitor", func(r chi.Router) {
			r.Get("/status", mon.HandleStatus)
			r.Get("/alerts", mon.HandleAlerts)
			r.Get("/models/{modelID}", mon.HandleModel)
			r.Post("/quality", mon.HandleRecordQuality)

			r.With(deps.AuthMiddleware.RequireAdmin).Delete("/metrics", mon.HandleResetMetrics)
		})
	})

	// 404 handler
	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error":"endpoint not found"}`))
	})

	return r
}
