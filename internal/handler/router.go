package handler

import (
	"net/http"
	"time"

	"github.com/boddenberg/credit-scenarios-go/internal/infra/observability"
	"github.com/boddenberg/credit-scenarios-go/internal/service"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"
)

var tracer = otel.Tracer("handler")

// NewRouter creates the HTTP router with all routes and middleware.
func NewRouter(
	wf *service.Workflow,
	scores *service.ScoreService,
	metrics *observability.Metrics,
	logger *zap.Logger,
	corsOrigins []string,
) http.Handler {
	r := chi.NewRouter()

	// --- Middleware ---
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(observability.ZapLoggerMiddleware(logger))
	r.Use(observability.TracingMiddleware)
	r.Use(middleware.Recoverer)
	r.Use(CORSMiddleware(corsOrigins))
	r.Use(middleware.Heartbeat("/ping"))

	// --- Operational endpoints ---
	r.Get("/healthz", healthzHandler())
	r.Get("/readyz", readyzHandler(wf, logger))
	r.Handle("/metrics", promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}))

	// Single-endpoint alias kept for existing clients.
	r.Post("/", scenarioHandler(wf, logger))

	// --- API v1 ---
	r.Route("/v1", func(r chi.Router) {
		r.Post("/scenarios", scenarioHandler(wf, logger))

		r.Get("/sessions/{sessionId}", getSessionHandler(wf, logger))
		r.Delete("/sessions/{sessionId}", deleteSessionHandler(wf, logger))

		r.Post("/score", scoreHandler(scores, logger))

		r.Get("/metrics/workflow", workflowMetricsHandler(metrics))
	})

	return r
}

// ============================================================
// Operational
// ============================================================

func healthzHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{
			"status":    "healthy",
			"timestamp": time.Now().UTC().Format(time.RFC3339),
		})
	}
}

func readyzHandler(wf *service.Workflow, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := wf.Ready(r.Context()); err != nil {
			logger.Warn("session store not ready", zap.Error(err))
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
	}
}

func workflowMetricsHandler(metrics *observability.Metrics) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, metrics.GetWorkflowSnapshot())
	}
}
