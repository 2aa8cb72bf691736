package engine

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/dbcove/dbcove/pkg/health"
)

// HealthHandlers serves the service health endpoint
type HealthHandlers struct {
	engine *Engine
}

func NewHealthHandlers(engine *Engine) *HealthHandlers {
	return &HealthHandlers{engine: engine}
}

// GetHealth handles GET /health. Checks are re-run on each request so
// the report reflects the dependencies as they are now.
func (h *HealthHandlers) GetHealth(w http.ResponseWriter, r *http.Request) {
	checker := h.engine.healthChecker

	if h.engine.resourceStore != nil {
		checker.RunCheck("store", func() error {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			return h.engine.resourceStore.Ping(ctx)
		})
	}
	if h.engine.catalogDB != nil {
		checker.RunCheck("catalog", func() error {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			return h.engine.catalogDB.Ping(ctx)
		})
	}

	overall := checker.GetOverallStatus()

	response := HealthResponse{
		Status: Status(overall),
		Checks: make(map[string]string),
	}
	for _, check := range checker.GetAllChecks() {
		response.Checks[check.Name] = string(check.Status)
	}

	statusCode := http.StatusOK
	if overall != health.StatusHealthy {
		statusCode = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(response); err != nil {
		h.engine.logger.Errorf("Failed to encode health response: %v", err)
	}
}
