package http

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/martinbuergi/summit-portal-claude/internal/activity"
	"github.com/martinbuergi/summit-portal-claude/internal/session"
	"github.com/martinbuergi/summit-portal-claude/pkg/health"
	"github.com/martinbuergi/summit-portal-claude/pkg/middleware"
)

// ServiceName labels the agent's metrics and spans.
const ServiceName = "summit-agent"

// Services holds the components the agent API exposes.
type Services struct {
	Manager    *session.Manager
	Authorizer *session.Authorizer
	Guard      *session.Guard
	Tracker    *activity.Tracker
	Queue      *activity.Queue
	Monitor    *activity.Monitor
	Hub        *activity.InteractionHub
}

// NewRouter creates a chi router with all agent routes registered. The
// /v1 routes require apiKey when it is set.
func NewRouter(svc Services, healthHandler *health.Handler, apiKey string, logger *slog.Logger) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(middleware.Recovery(logger))
	r.Use(chimw.Timeout(30 * time.Second))
	r.Use(middleware.RequestLogging(logger))
	r.Use(middleware.PrometheusMetrics(ServiceName))
	r.Use(middleware.Tracing(ServiceName))
	r.Use(middleware.RequestLogger(logger, svc.Manager.Subject))

	// Health check endpoints
	r.Get("/health/live", healthHandler.LivenessHandler())
	r.Get("/health/ready", healthHandler.ReadinessHandler())
	r.Get("/metrics", promhttp.Handler().ServeHTTP)

	sessionHandler := NewSessionHandler(svc.Manager, svc.Authorizer, svc.Guard, svc.Tracker, logger)

	// Browser-facing login flow
	r.Get(session.LoginPath, sessionHandler.Login)
	r.Get("/auth/callback", sessionHandler.Callback)

	activityHandler := NewActivityHandler(svc.Tracker, svc.Queue, svc.Monitor, svc.Hub, logger)

	r.Route("/v1", func(r chi.Router) {
		r.Use(middleware.APIKey(apiKey))
		r.Use(ContentTypeJSON)

		r.Get("/session", sessionHandler.GetSession)
		r.Post("/session/logout", sessionHandler.Logout)
		r.Put("/session/role", sessionHandler.UpdateRole)
		r.Get("/routes/check", sessionHandler.CheckRoute)

		r.Post("/pages", activityHandler.PageView)
		r.Post("/activities", activityHandler.Track)
		r.Post("/interactions", activityHandler.Interaction)
		r.Post("/documents/{documentId}/download", activityHandler.DocumentDownload)

		r.Get("/queue", activityHandler.GetQueue)
		r.Post("/queue/flush", activityHandler.FlushQueue)
		r.Put("/connectivity", activityHandler.SetConnectivity)
	})

	return r
}
