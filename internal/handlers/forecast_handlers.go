package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"lighting-forecast/internal/forecast"
	"lighting-forecast/internal/repository"
	"lighting-forecast/internal/services"
	"lighting-forecast/pkg/logging"
	"lighting-forecast/pkg/metrics"
)

// ForecastHandler handles forecast API endpoints
type ForecastHandler struct {
	queryService *services.QueryService
	logger       *logging.StructuredLogger
	metrics      *metrics.Collector
}

// NewForecastHandler creates a new forecast handler
func NewForecastHandler(
	queryService *services.QueryService,
	logger *logging.StructuredLogger,
	metricsCollector *metrics.Collector,
) *ForecastHandler {
	return &ForecastHandler{
		queryService: queryService,
		logger:       logger,
		metrics:      metricsCollector,
	}
}

// ErrorResponse represents an API error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Code    int    `json:"code"`
}

// PaginatedResponse represents a paginated API response
type PaginatedResponse struct {
	Data       interface{} `json:"data"`
	Total      int         `json:"total"`
	Page       int         `json:"page"`
	Limit      int         `json:"limit"`
	TotalPages int         `json:"total_pages"`
}

// pagination reads page and limit, falling back to page 1 of 100 rows
func pagination(r *http.Request) (page, limit int) {
	page, limit = 1, 100

	if p, err := strconv.Atoi(r.URL.Query().Get("page")); err == nil && p > 0 {
		page = p
	}
	if l, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && l > 0 && l <= 1000 {
		limit = l
	}
	return page, limit
}

func paginated(data interface{}, total, page, limit int) PaginatedResponse {
	return PaginatedResponse{
		Data:       data,
		Total:      total,
		Page:       page,
		Limit:      limit,
		TotalPages: (total + limit - 1) / limit,
	}
}

// GetForecasts handles GET /api/forecasts
func (h *ForecastHandler) GetForecasts(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	startTime := time.Now()

	defer func() {
		duration := time.Since(startTime)
		h.metrics.APIRequestDuration.WithLabelValues("/api/forecasts").Observe(duration.Seconds())
	}()

	page, limit := pagination(r)
	filter := repository.ForecastFilter{
		Limit:  limit,
		Offset: (page - 1) * limit,
	}

	if account := r.URL.Query().Get("account"); account != "" {
		filter.Account = &account
	}
	if runID := r.URL.Query().Get("run_id"); runID != "" {
		filter.RunID = &runID
	}
	if yearStr := r.URL.Query().Get("year"); yearStr != "" {
		year, err := strconv.Atoi(yearStr)
		if err != nil || year < 1900 || year > 9999 {
			h.sendError(w, r, "invalid year, expected a four-digit integer", http.StatusBadRequest)
			return
		}
		filter.Year = &year
	}

	result, err := h.queryService.ListForecasts(ctx, filter)
	if err != nil {
		h.logger.Error(ctx, "[API_GET_FORECASTS_ERROR] Failed to get forecasts", logging.Fields{
			"filter": filter,
		}, err)
		h.metrics.RecordAPIError("internal_error", "/api/forecasts")
		h.sendError(w, r, "failed to retrieve forecasts", http.StatusInternalServerError)
		return
	}

	h.metrics.RecordAPIRequest("/api/forecasts", "GET", "200")
	h.sendJSON(w, paginated(result.Forecasts, result.Total, page, limit), http.StatusOK)
}

// GetRuns handles GET /api/runs
func (h *ForecastHandler) GetRuns(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	startTime := time.Now()

	defer func() {
		duration := time.Since(startTime)
		h.metrics.APIRequestDuration.WithLabelValues("/api/runs").Observe(duration.Seconds())
	}()

	page, limit := pagination(r)
	result, err := h.queryService.ListRuns(ctx, repository.RunFilter{Limit: limit, Offset: (page - 1) * limit})
	if err != nil {
		h.logger.Error(ctx, "[API_GET_RUNS_ERROR] Failed to get runs", logging.Fields{
			"page": page,
		}, err)
		h.metrics.RecordAPIError("internal_error", "/api/runs")
		h.sendError(w, r, "failed to retrieve runs", http.StatusInternalServerError)
		return
	}

	h.metrics.RecordAPIRequest("/api/runs", "GET", "200")
	h.sendJSON(w, paginated(result.Runs, result.Total, page, limit), http.StatusOK)
}

// GetRun handles GET /api/runs/{id}
func (h *ForecastHandler) GetRun(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	startTime := time.Now()

	defer func() {
		duration := time.Since(startTime)
		h.metrics.APIRequestDuration.WithLabelValues("/api/runs/{id}").Observe(duration.Seconds())
	}()

	id := mux.Vars(r)["id"]
	run, err := h.queryService.GetRun(ctx, id)
	if err != nil {
		h.handleLookupError(w, r, "/api/runs/{id}", "failed to retrieve run", err)
		return
	}

	h.metrics.RecordAPIRequest("/api/runs/{id}", "GET", "200")
	h.sendJSON(w, run, http.StatusOK)
}

// GetRunOutcomes handles GET /api/runs/{id}/outcomes
func (h *ForecastHandler) GetRunOutcomes(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	startTime := time.Now()

	defer func() {
		duration := time.Since(startTime)
		h.metrics.APIRequestDuration.WithLabelValues("/api/runs/{id}/outcomes").Observe(duration.Seconds())
	}()

	id := mux.Vars(r)["id"]
	if _, err := h.queryService.GetRun(ctx, id); err != nil {
		h.handleLookupError(w, r, "/api/runs/{id}/outcomes", "failed to retrieve run", err)
		return
	}

	page, limit := pagination(r)
	filter := repository.OutcomeFilter{
		RunID:  id,
		Limit:  limit,
		Offset: (page - 1) * limit,
	}
	if status := r.URL.Query().Get("status"); status != "" {
		switch forecast.Status(status) {
		case forecast.StatusForecasted, forecast.StatusIneligible, forecast.StatusFitFailed:
			filter.Status = &status
		default:
			h.sendError(w, r, "invalid status, expected forecasted, ineligible or fit_failed", http.StatusBadRequest)
			return
		}
	}

	result, err := h.queryService.ListOutcomes(ctx, filter)
	if err != nil {
		h.handleLookupError(w, r, "/api/runs/{id}/outcomes", "failed to retrieve outcomes", err)
		return
	}

	h.metrics.RecordAPIRequest("/api/runs/{id}/outcomes", "GET", "200")
	h.sendJSON(w, paginated(result.Outcomes, result.Total, page, limit), http.StatusOK)
}

// HealthCheck handles GET /health
func (h *ForecastHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	status := map[string]string{
		"status":    "healthy",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}
	code := http.StatusOK

	if err := h.queryService.HealthCheck(ctx); err != nil {
		h.logger.Warn(ctx, "[HEALTH_CHECK_FAILED] Store unavailable", logging.Fields{
			"error": err.Error(),
		})
		status["status"] = "unhealthy"
		code = http.StatusServiceUnavailable
	}

	h.logger.Debug(ctx, "[HEALTH_CHECK] Health check requested", logging.Fields{})
	h.sendJSON(w, status, code)
}

func (h *ForecastHandler) handleLookupError(w http.ResponseWriter, r *http.Request, endpoint, message string, err error) {
	var notFound *repository.NotFoundError
	if errors.As(err, &notFound) {
		h.metrics.RecordAPIError("not_found", endpoint)
		h.sendError(w, r, notFound.Error(), http.StatusNotFound)
		return
	}

	h.logger.Error(r.Context(), "[API_LOOKUP_ERROR] Request failed", logging.Fields{
		"endpoint": endpoint,
	}, err)
	h.metrics.RecordAPIError("internal_error", endpoint)
	h.sendError(w, r, message, http.StatusInternalServerError)
}

// sendJSON sends a JSON response
func (h *ForecastHandler) sendJSON(w http.ResponseWriter, data interface{}, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(data)
}

// sendError sends an error response
func (h *ForecastHandler) sendError(w http.ResponseWriter, r *http.Request, message string, statusCode int) {
	h.metrics.RecordAPIRequest(r.URL.Path, r.Method, strconv.Itoa(statusCode))

	response := ErrorResponse{
		Error:   http.StatusText(statusCode),
		Message: message,
		Code:    statusCode,
	}

	h.sendJSON(w, response, statusCode)
}

// RegisterRoutes registers all forecast API routes
func (h *ForecastHandler) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/api/forecasts", h.GetForecasts).Methods("GET")
	router.HandleFunc("/api/runs", h.GetRuns).Methods("GET")
	router.HandleFunc("/api/runs/{id}", h.GetRun).Methods("GET")
	router.HandleFunc("/api/runs/{id}/outcomes", h.GetRunOutcomes).Methods("GET")
	router.HandleFunc("/health", h.HealthCheck).Methods("GET")
}
