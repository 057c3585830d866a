package transport

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/pitabwire/kazi/internal/catalog"
	"github.com/pitabwire/kazi/internal/config"
	"github.com/pitabwire/kazi/internal/definition"
	"github.com/pitabwire/kazi/internal/idempotency"
	"github.com/pitabwire/kazi/internal/observability"
	"github.com/pitabwire/kazi/internal/workflow"
)

// AdminRole is the role required by the /v1/admin routes.
const AdminRole = "admin"

// Dependencies holds all injected dependencies for the HTTP transport layer.
type Dependencies struct {
	Config       *config.Config
	Logger       *zap.Logger
	Authenticate func(http.Handler) http.Handler

	Engine   *workflow.Engine
	Registry *definition.Registry
	Seeder   *catalog.Seeder

	// Idempotency is optional; nil disables Idempotency-Key handling.
	Idempotency idempotency.Store

	// Metrics and Gatherer are optional; /metrics is served when Gatherer
	// is set.
	Metrics  *observability.Metrics
	Gatherer prometheus.Gatherer

	Readiness observability.ReadinessChecks
}

// NewRouter creates a chi.Router with the full middleware pipeline and all
// route registrations. Health, readiness, and metrics endpoints bypass the
// authentication middleware.
func NewRouter(deps Dependencies) chi.Router {
	cfg := deps.Config
	if cfg == nil {
		cfg = config.Defaults()
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	r := chi.NewRouter()

	// Global middleware: applied to all routes including health.
	r.Use(Recovery(logger))
	r.Use(RequestID)
	r.Use(SecurityHeaders)
	r.Use(observability.TracingMiddleware)
	if deps.Metrics != nil {
		r.Use(deps.Metrics.MetricsMiddleware)
	}

	// Public routes.
	r.Get("/health", observability.HandleHealth())
	r.Get("/ready", observability.HandleReady(deps.Readiness))
	if deps.Gatherer != nil {
		path := cfg.Observability.Metrics.Path
		if path == "" {
			path = "/metrics"
		}
		r.Method(http.MethodGet, path, observability.Handler(deps.Gatherer))
	}

	auth := deps.Authenticate
	if auth == nil {
		auth = JWTAuthenticator(cfg.Identity)
	}

	r.Route("/v1", func(r chi.Router) {
		r.Use(MaxBody(cfg.Server.MaxBodyBytes))
		r.Use(auth)
		r.Use(BuildRequestContext(cfg.Identity, logger))
		r.Use(HandlerTimeout(cfg.Server.HandlerTimeout))
		r.Use(RequestLogging(logger))
		if cfg.Idempotency.Enabled {
			r.Use(Idempotency(deps.Idempotency, cfg.Idempotency.Store.DefaultTTL, logger))
		}

		r.Post("/workflows", handleWorkflowStart(deps.Engine))

		r.Route("/entities/{entityType}/{entityID}", func(r chi.Router) {
			r.Get("/", handleInstanceGet(deps.Engine))
			r.Get("/transitions", handleAvailableTransitions(deps.Engine))
			r.Post("/transitions", handleTransition(deps.Engine))
			r.Get("/history", handleHistory(deps.Engine))
		})

		r.Get("/definitions", handleDefinitionList(deps.Registry))
		r.Get("/definitions/{name}", handleDefinitionGet(deps.Registry))

		r.Route("/admin", func(r chi.Router) {
			r.Use(RequireRole(AdminRole))
			r.Post("/seed", handleSeed(deps.Seeder))
			r.Post("/definitions/{name}/deactivate", handleDefinitionDeactivate(deps.Registry))
		})
	})

	return r
}
