package engine

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/dbcove/dbcove/internal/query"
	"github.com/dbcove/dbcove/internal/tenant"
	"github.com/dbcove/dbcove/pkg/store"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 500
	requestTimeout      = 60 * time.Second

	// internalErrorMessage is the only detail a 500 response carries;
	// the underlying error goes to the log
	internalErrorMessage = "an internal error occurred"
)

// DatabaseHandlers contains the query execution and history handlers
type DatabaseHandlers struct {
	engine *Engine
}

func NewDatabaseHandlers(engine *Engine) *DatabaseHandlers {
	return &DatabaseHandlers{engine: engine}
}

// ExecuteQuery handles POST /database/{tenant_id}/execute
func (h *DatabaseHandlers) ExecuteQuery(w http.ResponseWriter, r *http.Request) {
	h.engine.TrackOperation()
	defer h.engine.UntrackOperation()

	tenantID := mux.Vars(r)["tenant_id"]

	var req ExecuteQueryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeErrorResponse(w, http.StatusBadRequest, "Invalid request body", err.Error())
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	result, err := h.engine.executor.Execute(ctx, tenantID, req.Query)
	if err != nil {
		h.writeExecutionError(w, tenantID, err)
		return
	}

	response := ExecuteQueryResponse{
		Success:    result.Success,
		DurationMs: result.DurationMs,
		Error:      result.Error,
	}
	if result.Success {
		rows := result.RowsAffected
		response.RowsAffected = &rows
	}

	h.writeJSONResponse(w, http.StatusOK, response)
}

// ValidateQuery handles POST /database/validate. Validation never
// touches a tenant connection or the history ledger.
func (h *DatabaseHandlers) ValidateQuery(w http.ResponseWriter, r *http.Request) {
	h.engine.TrackOperation()
	defer h.engine.UntrackOperation()

	var req ValidateQueryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeErrorResponse(w, http.StatusBadRequest, "Invalid request body", err.Error())
		return
	}

	result := h.engine.executor.ValidateOnly(req.Query)

	h.writeJSONResponse(w, http.StatusOK, ValidateQueryResponse{
		Valid:  result.Valid,
		Reason: result.Reason,
	})
}

// GetHistory handles GET /database/{tenant_id}/history
func (h *DatabaseHandlers) GetHistory(w http.ResponseWriter, r *http.Request) {
	h.engine.TrackOperation()
	defer h.engine.UntrackOperation()

	tenantID := mux.Vars(r)["tenant_id"]

	page := 1
	if raw := r.URL.Query().Get("page"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			h.writeErrorResponse(w, http.StatusBadRequest, "Invalid page parameter", "page must be a positive integer")
			return
		}
		page = parsed
	}

	limit := defaultHistoryLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 || parsed > maxHistoryLimit {
			h.writeErrorResponse(w, http.StatusBadRequest, "Invalid limit parameter",
				"limit must be between 1 and "+strconv.Itoa(maxHistoryLimit))
			return
		}
		limit = parsed
	}

	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	// History listing requires the tenant to exist, but not to be
	// active: suspended tenants keep their audit trail readable
	exists, err := h.engine.catalog.Exists(ctx, tenantID)
	if err != nil {
		h.engine.trackError()
		h.engine.logger.Errorf("Tenant lookup failed for %s: %v", tenantID, err)
		h.writeErrorResponse(w, http.StatusInternalServerError, "Failed to look up tenant", internalErrorMessage)
		return
	}
	if !exists {
		h.writeErrorResponse(w, http.StatusNotFound, "Tenant not found", "no tenant with id "+tenantID)
		return
	}

	records, err := h.engine.ledger.ListRecent(ctx, tenantID, limit, (page-1)*limit)
	if err != nil {
		h.engine.trackError()
		h.engine.logger.Errorf("History listing failed for tenant %s: %v", tenantID, err)
		h.writeErrorResponse(w, http.StatusInternalServerError, "Failed to list query history", internalErrorMessage)
		return
	}

	response := QueryHistoryResponse{
		Records: make([]QueryHistoryRecord, 0, len(records)),
		Page:    page,
		Limit:   limit,
	}
	for _, record := range records {
		response.Records = append(response.Records, toHistoryRecord(record))
	}

	h.writeJSONResponse(w, http.StatusOK, response)
}

// CleanupHistory handles DELETE /database/history/cleanup. Exactly one
// retention policy must be selected per call: max_age_days or
// max_per_tenant.
func (h *DatabaseHandlers) CleanupHistory(w http.ResponseWriter, r *http.Request) {
	h.engine.TrackOperation()
	defer h.engine.UntrackOperation()

	rawAge := r.URL.Query().Get("max_age_days")
	rawCount := r.URL.Query().Get("max_per_tenant")

	if (rawAge == "") == (rawCount == "") {
		h.writeErrorResponse(w, http.StatusBadRequest, "Invalid cleanup request",
			"exactly one of max_age_days or max_per_tenant is required")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	var deleted int64
	var policy string
	var err error

	if rawAge != "" {
		maxAge, parseErr := strconv.Atoi(rawAge)
		if parseErr != nil || maxAge < 1 {
			h.writeErrorResponse(w, http.StatusBadRequest, "Invalid max_age_days parameter", "max_age_days must be a positive integer")
			return
		}
		policy = "max_age_days=" + rawAge
		deleted, err = h.engine.ledger.CleanupByAge(ctx, maxAge)
	} else {
		maxCount, parseErr := strconv.Atoi(rawCount)
		if parseErr != nil || maxCount < 1 {
			h.writeErrorResponse(w, http.StatusBadRequest, "Invalid max_per_tenant parameter", "max_per_tenant must be a positive integer")
			return
		}
		policy = "max_per_tenant=" + rawCount
		deleted, err = h.engine.ledger.CleanupByCount(ctx, maxCount)
	}

	if err != nil {
		h.engine.trackError()
		h.engine.logger.Errorf("History cleanup failed (%s): %v", policy, err)
		h.writeErrorResponse(w, http.StatusInternalServerError, "History cleanup failed", internalErrorMessage)
		return
	}

	h.engine.logger.Infof("History cleanup removed %d records (%s)", deleted, policy)
	h.writeJSONResponse(w, http.StatusOK, CleanupResponse{Deleted: deleted, Policy: policy})
}

// writeExecutionError maps executor and router errors onto HTTP status
// codes. SQL runtime failures never reach here: those are structured
// results, not errors.
func (h *DatabaseHandlers) writeExecutionError(w http.ResponseWriter, tenantID string, err error) {
	var invalid *query.ValidationError
	var exhausted *tenant.PoolExhaustedError
	var unavailable *store.StoreUnavailableError

	switch {
	case errors.As(err, &invalid):
		h.writeErrorResponse(w, http.StatusBadRequest, "Invalid query", invalid.Reason)
	case errors.Is(err, tenant.ErrUnknownTenant):
		h.writeErrorResponse(w, http.StatusNotFound, "Tenant not found", "no tenant with id "+tenantID)
	case errors.Is(err, tenant.ErrTenantNotActive):
		h.writeErrorResponse(w, http.StatusNotFound, "Tenant not active", "tenant "+tenantID+" is suspended or deactivated")
	case errors.As(err, &exhausted):
		h.writeErrorResponse(w, http.StatusServiceUnavailable, "Connection pool exhausted", err.Error())
	case errors.As(err, &unavailable):
		h.writeErrorResponse(w, http.StatusServiceUnavailable, "Resource store unavailable", err.Error())
	default:
		// Infrastructure errors can wrap driver detail (hosts, DSN
		// fragments) that must not leave the process; log the full
		// error, answer with a generic message
		h.engine.trackError()
		h.engine.logger.Errorf("Query execution failed for tenant %s: %v", tenantID, err)
		h.writeErrorResponse(w, http.StatusInternalServerError, "Query execution failed", internalErrorMessage)
	}
}

func (h *DatabaseHandlers) writeJSONResponse(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.engine.logger.Errorf("Failed to encode response: %v", err)
	}
}

func (h *DatabaseHandlers) writeErrorResponse(w http.ResponseWriter, statusCode int, errorMsg, message string) {
	response := ErrorResponse{
		Error:   errorMsg,
		Message: message,
		Status:  StatusError,
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(response); err != nil {
		h.engine.logger.Errorf("Failed to encode error response: %v", err)
	}
}
