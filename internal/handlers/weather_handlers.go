package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"weather-ingest/internal/models"
	"weather-ingest/internal/services"
	"weather-ingest/pkg/logging"
	"weather-ingest/pkg/metrics"
)

const requestIDHeader = "X-Request-ID"

// WeatherHandler serves the read-only weather API.
type WeatherHandler struct {
	weatherService *services.WeatherService
	logger         *logging.StructuredLogger
	metrics        *metrics.Collector
}

// NewWeatherHandler creates a new weather handler
func NewWeatherHandler(
	weatherService *services.WeatherService,
	logger *logging.StructuredLogger,
	metricsCollector *metrics.Collector,
) *WeatherHandler {
	return &WeatherHandler{
		weatherService: weatherService,
		logger:         logger,
		metrics:        metricsCollector,
	}
}

// ErrorResponse represents an API error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Code    int    `json:"code"`
}

// GetObservations handles GET /weather
func (h *WeatherHandler) GetObservations(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	endpoint := routeTemplate(r)
	startTime := time.Now()

	defer func() {
		h.metrics.APIRequestDuration.WithLabelValues(endpoint).Observe(time.Since(startTime).Seconds())
	}()

	query := r.URL.Query()
	q := services.ObservationQuery{
		StationID:  query.Get("station_id"),
		Pagination: parsePagination(r),
	}

	if dateStr := query.Get("date"); dateStr != "" {
		date, err := time.Parse(models.APIDateLayout, dateStr)
		if err != nil {
			h.metrics.RecordAPIError("bad_request", endpoint)
			h.sendError(w, r, "invalid date format, expected YYYY-MM-DD", http.StatusBadRequest)
			return
		}
		q.Date = &date
	}

	page, err := h.weatherService.GetObservations(ctx, q)
	if err != nil {
		h.logger.Error(ctx, "[API_GET_OBSERVATIONS_ERROR] Failed to get observations", logging.Fields{
			"station_id": q.StationID,
			"page":       q.Pagination.Page,
			"per_page":   q.Pagination.PerPage,
		}, err)
		h.metrics.RecordAPIError("internal_error", endpoint)
		h.sendError(w, r, "failed to retrieve observations", http.StatusInternalServerError)
		return
	}

	h.metrics.RecordAPIRequest(endpoint, r.Method, "200")
	h.sendJSON(w, page, http.StatusOK)
}

// GetStatistics handles GET /weather/stats
func (h *WeatherHandler) GetStatistics(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	endpoint := routeTemplate(r)
	startTime := time.Now()

	defer func() {
		h.metrics.APIRequestDuration.WithLabelValues(endpoint).Observe(time.Since(startTime).Seconds())
	}()

	query := r.URL.Query()
	q := services.StatisticsQuery{
		StationID:  query.Get("station_id"),
		Pagination: parsePagination(r),
	}

	if yearStr := query.Get("year"); yearStr != "" {
		year, err := strconv.Atoi(yearStr)
		if err != nil {
			h.metrics.RecordAPIError("bad_request", endpoint)
			h.sendError(w, r, "invalid year, expected an integer", http.StatusBadRequest)
			return
		}
		q.Year = &year
	}

	page, err := h.weatherService.GetStatistics(ctx, q)
	if err != nil {
		h.logger.Error(ctx, "[API_GET_STATISTICS_ERROR] Failed to get statistics", logging.Fields{
			"station_id": q.StationID,
			"page":       q.Pagination.Page,
			"per_page":   q.Pagination.PerPage,
		}, err)
		h.metrics.RecordAPIError("internal_error", endpoint)
		h.sendError(w, r, "failed to retrieve statistics", http.StatusInternalServerError)
		return
	}

	h.metrics.RecordAPIRequest(endpoint, r.Method, "200")
	h.sendJSON(w, page, http.StatusOK)
}

// HealthCheck handles GET /health. It answers 503 when the database does not.
func (h *WeatherHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	status := map[string]string{
		"status":    "healthy",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}

	if err := h.weatherService.HealthCheck(ctx); err != nil {
		h.logger.Warn(ctx, "[HEALTH_CHECK_FAILED] Database did not answer", logging.Fields{
			"error": err.Error(),
		})
		status["status"] = "unhealthy"
		h.metrics.RecordAPIRequest("/health", r.Method, "503")
		h.sendJSON(w, status, http.StatusServiceUnavailable)
		return
	}

	h.logger.Debug(ctx, "[HEALTH_CHECK] Health check requested", logging.Fields{})
	h.sendJSON(w, status, http.StatusOK)
}

// parsePagination reads page and per_page. Unparseable values fall back to
// the defaults, out-of-range values are clamped.
func parsePagination(r *http.Request) models.Pagination {
	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	perPage, _ := strconv.Atoi(r.URL.Query().Get("per_page"))
	return models.NewPagination(page, perPage)
}

// routeTemplate keeps metric label cardinality bounded to registered routes.
func routeTemplate(r *http.Request) string {
	if route := mux.CurrentRoute(r); route != nil {
		if tmpl, err := route.GetPathTemplate(); err == nil {
			return tmpl
		}
	}
	return r.URL.Path
}

// sendJSON sends a JSON response
func (h *WeatherHandler) sendJSON(w http.ResponseWriter, data interface{}, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Warn(context.Background(), "[API_ENCODE_ERROR] Failed to write response", logging.Fields{
			"error": err.Error(),
		})
	}
}

// sendError sends an error response
func (h *WeatherHandler) sendError(w http.ResponseWriter, r *http.Request, message string, statusCode int) {
	h.metrics.RecordAPIRequest(routeTemplate(r), r.Method, strconv.Itoa(statusCode))

	response := ErrorResponse{
		Error:   http.StatusText(statusCode),
		Message: message,
		Code:    statusCode,
	}

	h.sendJSON(w, response, statusCode)
}

// RequestID tags the request context with the caller's X-Request-ID, or a
// fresh uuid, and echoes it back.
func (h *WeatherHandler) RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(requestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(requestIDHeader, id)
		next.ServeHTTP(w, r.WithContext(logging.WithRequestID(r.Context(), id)))
	})
}

// RegisterRoutes registers all weather API routes. The read endpoints are
// served both at the root and under /api.
func (h *WeatherHandler) RegisterRoutes(router *mux.Router) {
	router.Use(h.RequestID)

	for _, prefix := range []string{"", "/api"} {
		router.HandleFunc(prefix+"/weather", h.GetObservations).Methods(http.MethodGet)
		router.HandleFunc(prefix+"/weather/stats", h.GetStatistics).Methods(http.MethodGet)
	}
	router.HandleFunc("/health", h.HealthCheck).Methods(http.MethodGet)
	router.HandleFunc("/api/docs/openapi.json", OpenAPISpec).Methods(http.MethodGet)
	router.HandleFunc("/api/docs", SwaggerUI).Methods(http.MethodGet)
}
