package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"device-analytics/internal/repository"
	"device-analytics/internal/services"
	"device-analytics/pkg/logging"
	"device-analytics/pkg/metrics"
)

const (
	defaultLimit = 100
	maxLimit     = 1000
)

// HealthChecker is a dependency that can be pinged
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// PipelineStatus exposes pipeline progress for the health endpoint
type PipelineStatus interface {
	State() services.State
	LastRun() *services.RunResult
}

// SummaryHandler serves the read-only ETL API
type SummaryHandler struct {
	summaryService *services.SummaryService
	pipeline       PipelineStatus
	checks         map[string]HealthChecker
	logger         *logging.StructuredLogger
	metrics        *metrics.Collector
}

// NewSummaryHandler creates a new summary handler. checks maps a store name to its
// health probe.
func NewSummaryHandler(
	summaryService *services.SummaryService,
	pipeline PipelineStatus,
	checks map[string]HealthChecker,
	logger *logging.StructuredLogger,
	metricsCollector *metrics.Collector,
) *SummaryHandler {
	return &SummaryHandler{
		summaryService: summaryService,
		pipeline:       pipeline,
		checks:         checks,
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

// PaginatedResponse represents a paginated API response
type PaginatedResponse struct {
	Data       interface{} `json:"data"`
	Total      int         `json:"total"`
	Page       int         `json:"page"`
	Limit      int         `json:"limit"`
	TotalPages int         `json:"total_pages"`
}

// HealthResponse is the body of GET /healthz
type HealthResponse struct {
	Status    string              `json:"status"`
	Timestamp string              `json:"timestamp"`
	Checks    map[string]string   `json:"checks"`
	Pipeline  string              `json:"pipeline_state"`
	LastRun   *services.RunResult `json:"last_run,omitempty"`
}

// GetSummaries handles GET /api/summaries
func (h *SummaryHandler) GetSummaries(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	startTime := time.Now()

	defer func() {
		duration := time.Since(startTime)
		h.metrics.APIRequestDuration.WithLabelValues("/api/summaries").Observe(duration.Seconds())
	}()

	query := r.URL.Query()
	deviceID := query.Get("device_id")

	page := 1
	limit := defaultLimit

	if p, err := strconv.Atoi(query.Get("page")); err == nil && p > 0 {
		page = p
	}
	if l, err := strconv.Atoi(query.Get("limit")); err == nil && l > 0 && l <= maxLimit {
		limit = l
	}

	filter := repository.SummaryFilter{
		Limit:  limit,
		Offset: (page - 1) * limit,
	}

	if deviceID != "" {
		filter.DeviceID = &deviceID
	}

	if s := query.Get("start"); s != "" {
		start, err := parseTimeParam(s, false)
		if err != nil {
			h.sendError(w, r, "invalid start, expected RFC3339 or YYYY-MM-DD", http.StatusBadRequest)
			return
		}
		filter.StartTime = &start
	}

	if s := query.Get("end"); s != "" {
		end, err := parseTimeParam(s, true)
		if err != nil {
			h.sendError(w, r, "invalid end, expected RFC3339 or YYYY-MM-DD", http.StatusBadRequest)
			return
		}
		filter.EndTime = &end
	}

	if filter.StartTime != nil && filter.EndTime != nil && filter.EndTime.Before(*filter.StartTime) {
		h.sendError(w, r, "end must not be before start", http.StatusBadRequest)
		return
	}

	summaries, total, err := h.summaryService.GetSummaries(ctx, filter)
	if err != nil {
		h.logger.Error(ctx, "[API_GET_SUMMARIES_ERROR] Failed to get summaries", logging.Fields{
			"filter": filter,
		}, err)
		h.sendError(w, r, "failed to retrieve summaries", http.StatusInternalServerError)
		return
	}

	response := PaginatedResponse{
		Data:       summaries,
		Total:      total,
		Page:       page,
		Limit:      limit,
		TotalPages: (total + limit - 1) / limit,
	}

	h.metrics.RecordAPIRequest("/api/summaries", "GET", "200")
	h.sendJSON(w, response, http.StatusOK)
}

// HealthCheck handles GET /healthz. Any failing store makes the response 503.
func (h *SummaryHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	response := HealthResponse{
		Status:    "healthy",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Checks:    make(map[string]string, len(h.checks)),
	}

	names := make([]string, 0, len(h.checks))
	for name := range h.checks {
		names = append(names, name)
	}
	sort.Strings(names)

	code := http.StatusOK
	for _, name := range names {
		if err := h.checks[name].HealthCheck(ctx); err != nil {
			h.logger.Warn(ctx, "[HEALTH_CHECK_FAILED] Dependency unhealthy", logging.Fields{
				"check": name,
				"error": err.Error(),
			})
			response.Checks[name] = err.Error()
			response.Status = "unhealthy"
			code = http.StatusServiceUnavailable
			continue
		}
		response.Checks[name] = "ok"
	}

	if h.pipeline != nil {
		response.Pipeline = string(h.pipeline.State())
		response.LastRun = h.pipeline.LastRun()
	}

	h.metrics.RecordAPIRequest("/healthz", "GET", strconv.Itoa(code))
	h.sendJSON(w, response, code)
}

// sendJSON sends a JSON response
func (h *SummaryHandler) sendJSON(w http.ResponseWriter, data interface{}, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(data)
}

// sendError sends an error response
func (h *SummaryHandler) sendError(w http.ResponseWriter, r *http.Request, message string, statusCode int) {
	h.metrics.RecordAPIRequest(r.URL.Path, r.Method, strconv.Itoa(statusCode))

	response := ErrorResponse{
		Error:   http.StatusText(statusCode),
		Message: message,
		Code:    statusCode,
	}

	h.sendJSON(w, response, statusCode)
}

// RegisterRoutes registers all ETL API routes
func (h *SummaryHandler) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/api/summaries", h.GetSummaries).Methods("GET")
	router.HandleFunc("/healthz", h.HealthCheck).Methods("GET")
}

// parseTimeParam accepts RFC3339 or a bare date. A bare date used as an upper bound
// covers the whole day.
func parseTimeParam(s string, endOfDay bool) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.UTC(), nil
	}
	day, err := time.Parse(time.DateOnly, s)
	if err != nil {
		return time.Time{}, err
	}
	if endOfDay {
		return day.Add(24*time.Hour - time.Second), nil
	}
	return day, nil
}
