package http

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/kjstillabower/weather-proxy/internal/observability"
)

// RouterConfig selects optional router features.
type RouterConfig struct {
	RequestTimeout time.Duration // deadline for GET /weather; 0 disables
	TestingMode    bool          // exposes /test endpoints
}

// NewRouter wires the proxy endpoints. Health and metrics bypass the rate limiter.
func NewRouter(h *Handler, logger *zap.Logger, limiter *rate.Limiter, cfg RouterConfig) *mux.Router {
	router := mux.NewRouter()
	router.Use(CorrelationIDMiddleware(logger))
	router.Use(MetricsMiddleware)

	router.HandleFunc("/health", h.GetHealth).Methods(http.MethodGet)
	router.Handle("/metrics", observability.MetricsHandler()).Methods(http.MethodGet)
	if cfg.TestingMode {
		router.HandleFunc("/test", h.GetTestStatus).Methods(http.MethodGet)
		router.HandleFunc("/test/{action}", h.PostTestAction).Methods(http.MethodPost)
	}

	api := router.NewRoute().Subrouter()
	api.Use(RateLimitMiddleware(limiter))

	weather := h.GetWeather
	if cfg.RequestTimeout > 0 {
		weather = TimeoutMiddleware(cfg.RequestTimeout)(http.HandlerFunc(h.GetWeather)).ServeHTTP
	}
	api.HandleFunc("/weather", weather).Methods(http.MethodGet)
	api.HandleFunc("/batch/weather", h.PostBatchWeather).Methods(http.MethodPost)
	api.HandleFunc("/cache/weather", h.ListCache).Methods(http.MethodGet)
	api.HandleFunc("/cache/weather", h.ClearCache).Methods(http.MethodDelete)
	api.HandleFunc("/cache/stats", h.GetCacheStats).Methods(http.MethodGet)
	return router
}
