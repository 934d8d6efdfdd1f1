package api

import (
	"net/http"

	"github.com/jetspiking/RenderOnline/internal/health"
	"github.com/jetspiking/RenderOnline/internal/observability"
	"github.com/jetspiking/RenderOnline/internal/render"
	"github.com/jetspiking/RenderOnline/internal/store"
)

// RouterConfig holds dependencies for the router.
type RouterConfig struct {
	RenderService *render.Service
	Store         store.Store
	Metrics       *observability.Metrics
	HealthChecker *health.Checker
}

// NewRouter creates a new HTTP router with all routes configured.
func NewRouter(cfg RouterConfig) http.Handler {
	handler := NewHandler(cfg.RenderService, cfg.HealthChecker)

	mux := http.NewServeMux()

	// Health check endpoints (liveness/readiness probes) - no auth required
	mux.HandleFunc("GET /livez", handler.Livez)
	mux.HandleFunc("GET /readyz", handler.Readyz)

	// Render endpoints - auth required
	authMiddleware := AuthMiddleware(cfg.Store)
	mux.Handle("GET /renderapi/v1/info", authMiddleware(http.HandlerFunc(handler.Info)))
	mux.Handle("POST /renderapi/v1/enqueue", authMiddleware(http.HandlerFunc(handler.Enqueue)))
	mux.Handle("POST /renderapi/v1/dequeue", authMiddleware(http.HandlerFunc(handler.Dequeue)))
	mux.Handle("POST /renderapi/v1/download", authMiddleware(http.HandlerFunc(handler.Download)))
	mux.Handle("POST /renderapi/v1/delete", authMiddleware(http.HandlerFunc(handler.Delete)))

	// Apply middleware chain (order matters: outermost first)
	var h http.Handler = mux
	h = CORSMiddleware()(h)
	if cfg.Metrics != nil {
		h = MetricsMiddleware(cfg.Metrics)(h)
	}
	h = LoggingMiddleware()(h)
	h = RecoveryMiddleware()(h)

	return h
}
