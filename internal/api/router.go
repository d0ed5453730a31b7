package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/notifyhub/courier/internal/api/handler"
	apimw "github.com/notifyhub/courier/internal/api/middleware"
	"github.com/notifyhub/courier/internal/provider"
	"github.com/notifyhub/courier/internal/service"
)

// NewRouter wires the chi router, attaches all middleware, and registers
// every route. It is the single source of truth for the HTTP surface area.
func NewRouter(
	ingest *service.IngestService,
	alerts *service.AlertService,
	registry *provider.Registry,
	storePing handler.PingFunc,
	coordPing handler.PingFunc,
	reg prometheus.Gatherer,
	logger *zap.Logger,
) http.Handler {
	r := chi.NewRouter()

	// --- global middleware (applied to every route) ---
	r.Use(chimw.Recoverer)          // recover panics, return 500
	r.Use(chimw.RealIP)             // trust X-Forwarded-For / X-Real-IP
	r.Use(chimw.RequestSize(1<<20)) // 1 MB max request body
	r.Use(apimw.CorrelationID)      // X-Correlation-ID inject / echo
	r.Use(apimw.RequestLogger(logger))

	// --- handler instances ---
	nh := handler.NewNotificationHandler(ingest, logger)
	bh := handler.NewBatchHandler(ingest, logger)
	ah := handler.NewAlertHandler(alerts, logger)
	ph := handler.NewProviderHandler(registry, logger)
	hh := handler.NewHealthHandler(storePing, coordPing)

	// --- routes ---
	r.Get("/health", hh.Check)

	// Raw Prometheus scrape endpoint (for Prometheus server / Grafana)
	r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	r.Route("/api/v1", func(r chi.Router) {
		// Notifications — note: /batch must be registered before /{id}
		// so chi does not treat the literal string "batch" as an ID.
		r.Post("/notifications/batch", bh.CreateBatch)
		r.Post("/notifications", nh.Create)
		r.Get("/notifications", nh.List)
		r.Get("/notifications/{id}", nh.GetByID)

		// Operator alerts
		r.Get("/alerts", ah.List)
		r.Post("/alerts/{id}/resolve", ah.Resolve)

		// Loaded provider plugins and their health
		r.Get("/providers", ph.List)
	})

	return r
}
