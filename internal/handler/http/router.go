package http

import (
	"log/slog"
	"net/http"
	"net/netip"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/upsitesolutions/sir/internal/service"
	"github.com/upsitesolutions/sir/pkg/health"
	"github.com/upsitesolutions/sir/pkg/httputil"
	"github.com/upsitesolutions/sir/pkg/middleware"
)

// RouterConfig carries the listener settings that are not services.
type RouterConfig struct {
	ServiceName    string
	NotFoundStatus int
	// PprofAllow mounts /debug/pprof for these ranges when non-empty.
	PprofAllow []netip.Prefix
	Gatherer   prometheus.Gatherer
	Metrics    *middleware.HTTPMetrics
}

// NewRouter creates a chi router with the reindex and operational routes.
func NewRouter(
	reindexService *service.ReindexService,
	healthHandler *health.Handler,
	cfg RouterConfig,
	logger *slog.Logger,
) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(middleware.Recovery(logger))
	r.Use(middleware.RequestLogging(logger))
	r.Use(middleware.Tracing(cfg.ServiceName))
	r.Use(middleware.RequestLogger(logger))
	if cfg.Metrics != nil {
		r.Use(cfg.Metrics.Middleware)
	}

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		httputil.WriteErrorMessage(w, http.StatusNotFound, "Not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		httputil.WriteErrorMessage(w, http.StatusMethodNotAllowed, "Method not allowed")
	})

	// Health check endpoints
	r.Get("/health/live", healthHandler.LivenessHandler())
	r.Get("/health/ready", healthHandler.ReadinessHandler())
	if cfg.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(cfg.Gatherer, promhttp.HandlerOpts{}))
	}
	middleware.MountProfiler(r, cfg.PprofAllow, logger)

	reindexHandler := NewReindexHandler(reindexService, cfg.NotFoundStatus, logger)
	r.Get("/reindex", reindexHandler.Reindex)

	return r
}
