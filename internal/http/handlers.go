package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/kjstillabower/weather-proxy/internal/lifecycle"
	"github.com/kjstillabower/weather-proxy/internal/models"
	"github.com/kjstillabower/weather-proxy/internal/observability"
	"github.com/kjstillabower/weather-proxy/internal/service"
	"github.com/kjstillabower/weather-proxy/internal/traffic"
	"github.com/kjstillabower/weather-proxy/internal/validation"
)

const (
	// maxBatchBodyBytes bounds a POST /batch/weather body.
	maxBatchBodyBytes = 1 << 20
	// maxTestCount caps the simulated events per /test action.
	maxTestCount = 10000
)

// HealthConfig holds lifecycle thresholds for the health handler.
type HealthConfig struct {
	OverloadWindow       time.Duration
	OverloadThresholdPct int
	RateLimitRPS         int
	RateLimitBurst       int // 0 when rate limiter disabled
	DegradedWindow       time.Duration
	DegradedErrorPct     int
	Version              string
	// CircuitState reports the upstream breaker state ("closed", "open", "half_open"). Optional.
	CircuitState func() string
	// CachePing checks reachability of a shared cache backend. Optional.
	CachePing func() error
}

// Handler holds dependencies for HTTP handlers.
type Handler struct {
	weatherService   *service.WeatherService
	healthConfig     *HealthConfig
	logger           *zap.Logger
	rateLimiter      *rate.Limiter
	maxBatchItems    int
	healthStatusMu   sync.Mutex
	healthStatusPrev string
}

// NewHandler returns a new Handler. maxBatchItems <= 0 uses validation.DefaultMaxBatchItems.
func NewHandler(
	weatherService *service.WeatherService,
	healthConfig *HealthConfig,
	logger *zap.Logger,
	rateLimiter *rate.Limiter,
	maxBatchItems int,
) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		weatherService: weatherService,
		healthConfig:   healthConfig,
		logger:         logger,
		rateLimiter:    rateLimiter,
		maxBatchItems:  maxBatchItems,
	}
}

// GetWeather handles GET /weather?lat&lon&units.
func (h *Handler) GetWeather(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	coords, err := validation.ParseCoordinates(q.Get("lat"), q.Get("lon"), q.Get("units"))
	if err != nil {
		writeValidationError(w, r, "/weather", err)
		return
	}

	result, err := h.weatherService.FetchOrCache(r.Context(), coords)
	if err != nil {
		traffic.RecordError()
		writeServiceError(w, r, err)
		return
	}
	traffic.RecordSuccess()
	writeJSON(w, http.StatusOK, result)
}

type batchRequest struct {
	Items []validation.CoordinatesInput `json:"items"`
}

// PostBatchWeather handles POST /batch/weather. Per-item upstream failures are returned
// as error records with 200; only a batch defect fails the request.
func (h *Handler) PostBatchWeather(w http.ResponseWriter, r *http.Request) {
	var body batchRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBatchBodyBytes))
	if err := dec.Decode(&body); err != nil {
		writeValidationError(w, r, "/batch/weather", &validation.Error{Details: []validation.Detail{
			{Field: "body", Message: "must be a JSON object with an items array: " + err.Error()},
		}})
		return
	}
	coords, err := validation.ParseBatch(body.Items, h.maxBatchItems)
	if err != nil {
		writeValidationError(w, r, "/batch/weather", err)
		return
	}

	// The fan-out has no batch-wide deadline; lift the server write timeout for this response.
	if err := http.NewResponseController(w).SetWriteDeadline(time.Time{}); err != nil && !errors.Is(err, http.ErrNotSupported) {
		observability.LoggerFromContext(r.Context()).Debug("clear write deadline", zap.Error(err))
	}

	results, err := h.weatherService.BatchFetch(r.Context(), coords)
	if err != nil {
		traffic.RecordError()
		observability.LoggerFromContext(r.Context()).Error("batch failed", zap.Error(err))
		writeError(w, r, http.StatusInternalServerError, "BATCH_DEFECT", "Batch could not be processed")
		return
	}
	traffic.RecordSuccess()
	writeJSON(w, http.StatusOK, results)
}

// ListCache handles GET /cache/weather.
func (h *Handler) ListCache(w http.ResponseWriter, r *http.Request) {
	items, err := h.weatherService.CacheItems(r.Context())
	if err != nil {
		writeCacheError(w, r, err)
		return
	}
	if items == nil {
		items = []models.CacheItem{}
	}
	writeJSON(w, http.StatusOK, items)
}

// ClearCache handles DELETE /cache/weather.
func (h *Handler) ClearCache(w http.ResponseWriter, r *http.Request) {
	if err := h.weatherService.ClearCache(r.Context()); err != nil {
		writeCacheError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// GetCacheStats handles GET /cache/stats.
func (h *Handler) GetCacheStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.weatherService.CacheStats(r.Context())
	if err != nil {
		writeCacheError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// healthResult holds the computed health status and metadata for logging.
type healthResult struct {
	status     string
	statusCode int
	reason     string
}

// GetHealth handles GET /health.
func (h *Handler) GetHealth(w http.ResponseWriter, r *http.Request) {
	result := h.computeHealthStatus()

	h.healthStatusMu.Lock()
	prev := h.healthStatusPrev
	if prev != "" && prev != result.status {
		h.logger.Info("health status transition",
			zap.String("previous_status", prev),
			zap.String("current_status", result.status),
			zap.String("reason", result.reason))
	}
	h.healthStatusPrev = result.status
	h.healthStatusMu.Unlock()

	checks := map[string]string{"upstream": "healthy"}
	if result.reason == "error_rate_breach" || result.reason == "circuit_open" {
		checks["upstream"] = "unhealthy"
	}
	version := "dev"
	if h.healthConfig != nil {
		if h.healthConfig.CachePing != nil {
			if h.healthConfig.CachePing() == nil {
				checks["cache"] = "healthy"
			} else {
				checks["cache"] = "unhealthy"
			}
		}
		if h.healthConfig.CircuitState != nil {
			checks["circuit"] = h.healthConfig.CircuitState()
		}
		if h.healthConfig.Version != "" {
			version = h.healthConfig.Version
		}
	}
	resp := map[string]interface{}{
		"status":    result.status,
		"service":   observability.ServiceName,
		"version":   version,
		"checks":    checks,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}
	writeJSON(w, result.statusCode, resp)
}

// computeHealthStatus evaluates conditions in priority order:
// shutting-down > starting > overloaded > degraded > healthy.
func (h *Handler) computeHealthStatus() healthResult {
	switch lifecycle.Current() {
	case lifecycle.ShuttingDown:
		return healthResult{"shutting-down", http.StatusServiceUnavailable, "signal"}
	case lifecycle.Starting:
		return healthResult{"starting", http.StatusServiceUnavailable, "ready_delay"}
	}
	if h.healthConfig == nil {
		return healthResult{"healthy", http.StatusOK, ""}
	}
	// Overloaded when the window's traffic exceeds the configured share of limiter capacity.
	if h.healthConfig.RateLimitRPS > 0 && h.healthConfig.OverloadWindow > 0 {
		threshold := float64(h.healthConfig.RateLimitRPS) * h.healthConfig.OverloadWindow.Seconds() * float64(h.healthConfig.OverloadThresholdPct) / 100
		if float64(traffic.Snapshot(h.healthConfig.OverloadWindow).Total()) > threshold {
			return healthResult{"overloaded", http.StatusServiceUnavailable, "overload_threshold"}
		}
	}
	if h.healthConfig.CircuitState != nil && h.healthConfig.CircuitState() == "open" {
		return healthResult{"degraded", http.StatusServiceUnavailable, "circuit_open"}
	}
	if h.healthConfig.DegradedWindow > 0 && h.healthConfig.DegradedErrorPct > 0 {
		counts := traffic.Snapshot(h.healthConfig.DegradedWindow)
		if counts.Success+counts.Errors > 0 && counts.ErrorPct() >= float64(h.healthConfig.DegradedErrorPct) {
			return healthResult{"degraded", http.StatusServiceUnavailable, "error_rate_breach"}
		}
	}
	return healthResult{"healthy", http.StatusOK, ""}
}

// writeJSON writes a JSON response with the specified HTTP status code.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes an error response in the standard error format with code, message,
// and requestId (correlation ID) if available in request context.
func writeError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	writeJSON(w, status, map[string]interface{}{
		"error": map[string]string{
			"code":      code,
			"message":   message,
			"requestId": observability.CorrelationIDFromContext(r.Context()),
		},
	})
}

// writeValidationError writes 422 INVALID_COORDINATES with per-field details.
func writeValidationError(w http.ResponseWriter, r *http.Request, route string, err error) {
	observability.ValidationFailuresTotal.WithLabelValues(route).Inc()
	details := []validation.Detail{}
	var verr *validation.Error
	if errors.As(err, &verr) {
		details = verr.Details
	}
	writeJSON(w, http.StatusUnprocessableEntity, map[string]interface{}{
		"error": map[string]interface{}{
			"code":      "INVALID_COORDINATES",
			"message":   err.Error(),
			"requestId": observability.CorrelationIDFromContext(r.Context()),
			"details":   details,
		},
	})
}

// writeServiceError maps FetchOrCache failures: a request deadline is 504, anything else
// is an upstream failure (502).
func writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	observability.LoggerFromContext(r.Context()).Debug("upstream error", zap.Error(err))
	if errors.Is(err, context.DeadlineExceeded) && r.Context().Err() != nil {
		writeError(w, r, http.StatusGatewayTimeout, "TIMEOUT", "Request timed out")
		return
	}
	writeError(w, r, http.StatusBadGateway, "UPSTREAM_UNAVAILABLE", "Upstream error")
}

func writeCacheError(w http.ResponseWriter, r *http.Request, err error) {
	observability.LoggerFromContext(r.Context()).Warn("cache operation failed", zap.Error(err))
	writeError(w, r, http.StatusServiceUnavailable, "CACHE_UNAVAILABLE", "Cache backend unavailable")
}

// GetTestStatus handles GET /test. Returns the traffic window used by /health.
func (h *Handler) GetTestStatus(w http.ResponseWriter, r *http.Request) {
	window := 60 * time.Second
	if h.healthConfig != nil && h.healthConfig.DegradedWindow > 0 {
		window = h.healthConfig.DegradedWindow
	}
	counts := traffic.Snapshot(window)

	cfg := make(map[string]interface{})
	if h.healthConfig != nil {
		overloadThreshold := 0
		if h.healthConfig.RateLimitRPS > 0 {
			overloadThreshold = int(float64(h.healthConfig.RateLimitRPS) *
				h.healthConfig.OverloadWindow.Seconds() *
				float64(h.healthConfig.OverloadThresholdPct) / 100)
		}
		cfg["rate_limit_rps"] = h.healthConfig.RateLimitRPS
		cfg["rate_limit_burst"] = h.healthConfig.RateLimitBurst
		cfg["overload_threshold"] = overloadThreshold
		cfg["overload_window_seconds"] = h.healthConfig.OverloadWindow.Seconds()
		cfg["degraded_error_pct"] = h.healthConfig.DegradedErrorPct
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"total_requests_in_window":  counts.Total(),
		"denied_requests_in_window": counts.Denied,
		"errors_in_window":          counts.Errors,
		"window_length":             window.String(),
		"phase":                     lifecycle.Current().String(),
		"active_misses":             h.weatherService.ActiveMisses(),
		"config":                    cfg,
	})
}

// PostTestAction handles POST /test/{action} for load, error, reset and shutdown.
func (h *Handler) PostTestAction(w http.ResponseWriter, r *http.Request) {
	action := mux.Vars(r)["action"]
	switch action {
	case "load":
		h.postTestLoad(w, r)
	case "error":
		h.postTestError(w, r)
	case "reset":
		h.postTestReset(w, r)
	case "shutdown":
		h.postTestShutdown(w, r)
	default:
		writeError(w, r, http.StatusNotFound, "UNKNOWN_ACTION", "unknown test action: "+action)
	}
}

func readCount(r *http.Request, def int) int {
	var body struct {
		Count int `json:"count"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Count <= 0 {
		return def
	}
	return min(body.Count, maxTestCount)
}

// postTestLoad simulates load by recording requests through the rate limiter.
func (h *Handler) postTestLoad(w http.ResponseWriter, r *http.Request) {
	count := readCount(r, 10)
	var accepted, denied int
	for i := 0; i < count; i++ {
		if h.rateLimiter == nil || h.rateLimiter.Allow() {
			traffic.RecordSuccess()
			accepted++
		} else {
			traffic.RecordDenied()
			observability.RateLimitDeniedTotal.Inc()
			denied++
		}
	}
	msg := "Recorded " + strconv.Itoa(accepted) + " accepted"
	if denied > 0 {
		msg += ", " + strconv.Itoa(denied) + " denied"
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"ok":       true,
		"action":   "load",
		"message":  msg,
		"state":    h.computeHealthStatus().status,
		"accepted": accepted,
		"denied":   denied,
	})
}

// postTestError records simulated upstream failures.
func (h *Handler) postTestError(w http.ResponseWriter, r *http.Request) {
	count := readCount(r, 1)
	for i := 0; i < count; i++ {
		traffic.RecordError()
	}
	window := 60 * time.Second
	if h.healthConfig != nil && h.healthConfig.DegradedWindow > 0 {
		window = h.healthConfig.DegradedWindow
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"ok":             true,
		"action":         "error",
		"message":        "Recorded " + strconv.Itoa(count) + " errors",
		"state":          h.computeHealthStatus().status,
		"error_rate_pct": int(traffic.Snapshot(window).ErrorPct()),
	})
}

// postTestReset clears recorded traffic and returns the process to ready.
func (h *Handler) postTestReset(w http.ResponseWriter, r *http.Request) {
	traffic.Reset()
	lifecycle.Reset()
	lifecycle.MarkReady()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"ok":      true,
		"action":  "reset",
		"message": "All simulated state cleared",
	})
}

// postTestShutdown enters the shutting-down phase without stopping the server.
func (h *Handler) postTestShutdown(w http.ResponseWriter, r *http.Request) {
	lifecycle.SetShuttingDown()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"ok":      true,
		"action":  "shutdown",
		"message": "Shutting-down flag set",
	})
}
